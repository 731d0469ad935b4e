package agents

import (
	"github.com/spawnhq/spawn/internal/manifest"
)

func init() {
	Register(&Installer{
		Key:  "opencode",
		Tier: manifest.TierHeavy,
		InstallSteps: []string{
			"curl -fsSL https://opencode.ai/install | bash",
		},
		BuildEnv: func(in EnvInput) map[string]string {
			return map[string]string{
				"OPENROUTER_API_KEY": in.OpenRouterKey,
			}
		},
		LaunchCommand: "~/.opencode/bin/opencode",
	})
}
