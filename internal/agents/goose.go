package agents

import (
	"context"
	"fmt"

	"github.com/spawnhq/spawn/internal/manifest"
)

var gooseModels = []string{
	"anthropic/claude-sonnet-4.5",
	"qwen/qwen3-coder",
}

func init() {
	Register(&Installer{
		Key:  "goose",
		Tier: manifest.TierMinimal,
		InstallSteps: []string{
			"curl -fsSL https://github.com/block/goose/releases/download/stable/download_cli.sh | CONFIGURE=false bash",
		},
		BuildEnv: func(in EnvInput) map[string]string {
			return map[string]string{
				"OPENROUTER_API_KEY": in.OpenRouterKey,
				"GOOSE_PROVIDER":     "openrouter",
				"GOOSE_MODEL":        in.Model,
			}
		},
		LaunchCommand: "~/.local/bin/goose session",
		PreProvision: func(ctx context.Context, lc LocalContext) (string, error) {
			return pickModel(ctx, lc, "Model for goose", gooseModels)
		},
		Configure: func(ctx context.Context, rc RemoteContext, in EnvInput) error {
			config := fmt.Sprintf("GOOSE_PROVIDER: openrouter\nGOOSE_MODEL: %s\n", in.Model)
			cmd := fmt.Sprintf("mkdir -p ~/.config/goose && cat > ~/.config/goose/config.yaml <<'SPAWNEOF'\n%sSPAWNEOF", config)
			return rc.Driver.Run(ctx, rc.Server, cmd, hookTimeout)
		},
	})
}
