package agents

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// envValuePattern is the charset allowed in injected environment values.
// Anything outside it is rejected before the value gets near a shell.
var envValuePattern = regexp.MustCompile(`^[A-Za-z0-9._/@:+=,\- ]+$`)

var envNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// RenderEnvFile serializes an environment map as KEY="VALUE" lines, sorted
// for stable output. The result is what lands in ~/.spawnrc.
func RenderEnvFile(env map[string]string) (string, error) {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		value := env[name]
		if !envNamePattern.MatchString(name) {
			return "", fmt.Errorf("invalid environment variable name %q", name)
		}
		if value == "" {
			continue
		}
		if !envValuePattern.MatchString(value) {
			return "", fmt.Errorf("environment value for %s contains disallowed characters", name)
		}
		fmt.Fprintf(&b, "%s=\"%s\"\n", name, value)
	}
	return b.String(), nil
}

// SourceLine is appended to shell rc files so every login shell loads the
// injected environment.
const SourceLine = `[ -f ~/.spawnrc ] && source ~/.spawnrc`

// InjectCommands returns the remote commands that decode the uploaded
// base64 env file into ~/.spawnrc (mode 0600) and wire it into .bashrc and
// .zshrc exactly once.
func InjectCommands(uploadedPath string) []string {
	appendOnce := func(rc string) string {
		return fmt.Sprintf(
			`touch %s && grep -qF '%s' %s || echo '%s' >> %s`,
			rc, SourceLine, rc, SourceLine, rc)
	}
	return []string{
		fmt.Sprintf("base64 -d < %s > ~/.spawnrc && chmod 600 ~/.spawnrc && rm -f %s", uploadedPath, uploadedPath),
		appendOnce("~/.bashrc"),
		appendOnce("~/.zshrc"),
	}
}
