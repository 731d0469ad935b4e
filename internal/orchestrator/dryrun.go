package orchestrator

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/spawnhq/spawn/internal/agents"
)

func encodeBase64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// DryRunRow is one line of the preview table.
type DryRunRow struct {
	Label string
	Value string
}

// DryRun builds the preview shown instead of provisioning: agent and
// cloud metadata, environment template, per-variable credential readiness,
// and the prompt.
func (o *Orchestrator) DryRun(opts Options) ([]DryRunRow, error) {
	if err := o.checkImplemented(opts.Agent, opts.Cloud); err != nil {
		return nil, err
	}
	installer, err := o.agent(opts.Agent)
	if err != nil {
		return nil, err
	}

	agentDef := o.Manifest.Agents[opts.Agent]
	cloudDef := o.Manifest.Clouds[opts.Cloud]

	rows := []DryRunRow{
		{"Agent", fmt.Sprintf("%s — %s", agentDef.Name, agentDef.Description)},
		{"Cloud", fmt.Sprintf("%s — %s", cloudDef.Name, cloudDef.Description)},
		{"Cloud-init tier", string(installer.Tier)},
		{"Install steps", fmt.Sprintf("%d commands", len(installer.InstallSteps))},
		{"Launch command", installer.LaunchCommand},
	}
	if agentDef.Homepage != "" {
		rows = append(rows, DryRunRow{"Homepage", agentDef.Homepage})
	}

	// Environment template: names only, never values.
	env := installer.BuildEnv(agents.EnvInput{OpenRouterKey: "sk-or-...", Model: "model"})
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	rows = append(rows, DryRunRow{"Environment", strings.Join(names, ", ")})

	// Credential readiness per required variable.
	required := append(o.Manifest.AuthVars(opts.Cloud), "OPENROUTER_API_KEY")
	missing := map[string]bool{}
	for _, m := range o.Creds.Missing(opts.Cloud, o.Manifest.AuthVars(opts.Cloud)) {
		missing[m] = true
	}
	for _, name := range required {
		state := "set"
		if missing[name] {
			state = fmt.Sprintf("missing (see %s)", cloudDef.Homepage)
		}
		rows = append(rows, DryRunRow{"Credential " + name, state})
	}

	if opts.Prompt != "" {
		preview := opts.Prompt
		if len(preview) > 120 {
			preview = preview[:120] + "..."
		}
		rows = append(rows, DryRunRow{"Prompt", preview})
	}
	return rows, nil
}
