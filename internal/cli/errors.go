package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spawnhq/spawn/pkg/errdefs"
)

// errorTitle maps each failure kind to its block heading.
var errorTitle = map[errdefs.Kind]string{
	errdefs.KindValidation:   "Invalid input",
	errdefs.KindAuth:         "Missing or rejected credentials",
	errdefs.KindProvision:    "Provisioning failed",
	errdefs.KindReadyTimeout: "Server never became ready",
	errdefs.KindInstall:      "Agent install failed",
	errdefs.KindDownload:     "Download failed",
	errdefs.KindExecution:    "Command failed",
	errdefs.KindInterrupted:  "Interrupted",
}

// likelyCauses offers up to four one-line explanations per kind.
var likelyCauses = map[errdefs.Kind][]string{
	errdefs.KindAuth: {
		"the token was never set in this shell",
		"the token expired or was revoked",
		"the token belongs to a different account or project",
	},
	errdefs.KindProvision: {
		"the account hit a quota or billing limit",
		"the chosen region has no capacity right now",
		"the instance type is unavailable in this region",
	},
	errdefs.KindReadyTimeout: {
		"cloud-init is still installing packages on a slow instance",
		"the provider's SSH port is firewalled",
		"the instance failed to boot",
	},
	errdefs.KindInstall: {
		"a package registry was briefly unreachable",
		"the agent's install script changed upstream",
		"the instance ran out of disk or memory",
	},
	errdefs.KindDownload: {
		"no network connectivity",
		"the upstream host is down",
		"a proxy or firewall is interfering",
	},
}

// signalGuidance keys recovery advice on the signal that killed a child.
var signalGuidance = map[string]string{
	"killed":     "the process was SIGKILLed — often the out-of-memory killer; try a larger instance",
	"terminated": "the process received SIGTERM — something asked it to stop",
	"hangup":     "the terminal went away mid-session — reconnect with: spawn last",
}

// RenderError prints the titled error block: heading, message, likely
// causes, and next-step commands.
func RenderError(w io.Writer, err error, retryCmd string) {
	kind := errdefs.KindOf(err)
	title := errorTitle[kind]
	if title == "" {
		title = "Something went wrong"
	}

	fmt.Fprintf(w, "\n== %s ==\n%v\n", title, err)

	if causes := likelyCauses[kind]; len(causes) > 0 {
		fmt.Fprintln(w, "\nLikely causes:")
		for i, c := range causes {
			if i == 4 {
				break
			}
			fmt.Fprintf(w, "  - %s\n", c)
		}
	}

	msg := err.Error()
	for sig, advice := range signalGuidance {
		if strings.Contains(strings.ToLower(msg), "signal "+sig) {
			fmt.Fprintf(w, "\n%s\n", advice)
		}
	}

	hints := errdefs.HintsOf(err)
	if retryCmd != "" {
		hints = append(hints, "retry with: "+retryCmd)
	}
	if len(hints) > 0 {
		fmt.Fprintln(w, "\nNext steps:")
		for i, h := range hints {
			if i == 3 {
				break
			}
			fmt.Fprintf(w, "  - %s\n", h)
		}
	}
	fmt.Fprintln(w)
}

// RetryCommand reconstructs the command line that reproduces an attempt.
// Long prompts are replaced by a --prompt-file reference.
func RetryCommand(agent, cloudKey, name, prompt string) string {
	parts := []string{"spawn", agent, cloudKey}
	if name != "" {
		parts = append(parts, "--name", name)
	}
	if prompt != "" {
		if len(prompt) > 80 || strings.ContainsAny(prompt, "\n'\"") {
			parts = append(parts, "--prompt-file", "<file>")
		} else {
			parts = append(parts, "--prompt", fmt.Sprintf("%q", prompt))
		}
	}
	return strings.Join(parts, " ")
}
