package agents

import (
	"context"
	"fmt"

	"github.com/spawnhq/spawn/internal/manifest"
)

var codexModels = []string{
	"openai/gpt-5.1-codex",
	"openai/gpt-5.1",
	"qwen/qwen3-coder",
	"deepseek/deepseek-v3.2",
}

func init() {
	Register(&Installer{
		Key:  "codex",
		Tier: manifest.TierHeavy,
		InstallSteps: []string{
			"npm install -g @openai/codex",
		},
		BuildEnv: func(in EnvInput) map[string]string {
			return map[string]string{
				"OPENROUTER_API_KEY": in.OpenRouterKey,
			}
		},
		LaunchCommand: "codex",
		PreProvision: func(ctx context.Context, lc LocalContext) (string, error) {
			return pickModel(ctx, lc, "Model for codex", codexModels)
		},
		Configure: func(ctx context.Context, rc RemoteContext, in EnvInput) error {
			// Codex reads its provider wiring from config.toml.
			config := fmt.Sprintf(`model = "%s"
model_provider = "openrouter"

[model_providers.openrouter]
name = "OpenRouter"
base_url = "%s"
env_key = "OPENROUTER_API_KEY"
`, in.Model, openRouterBase)
			cmd := fmt.Sprintf("mkdir -p ~/.codex && cat > ~/.codex/config.toml <<'SPAWNEOF'\n%sSPAWNEOF", config)
			return rc.Driver.Run(ctx, rc.Server, cmd, hookTimeout)
		},
	})
}
