package agents

import (
	"context"

	"github.com/spawnhq/spawn/internal/manifest"
)

var aiderModels = []string{
	"anthropic/claude-sonnet-4.5",
	"openai/gpt-5.1",
	"deepseek/deepseek-v3.2",
}

func init() {
	Register(&Installer{
		Key:  "aider",
		Tier: manifest.TierFull,
		InstallSteps: []string{
			"python3 -m pip install --break-system-packages aider-install",
			"~/.local/bin/aider-install || aider-install",
		},
		BuildEnv: func(in EnvInput) map[string]string {
			return map[string]string{
				"OPENROUTER_API_KEY": in.OpenRouterKey,
			}
		},
		LaunchCommand: "~/.local/bin/aider --model openrouter/{{model}}",
		PreProvision: func(ctx context.Context, lc LocalContext) (string, error) {
			return pickModel(ctx, lc, "Model for aider", aiderModels)
		},
	})
}
