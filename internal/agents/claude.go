package agents

import (
	"context"

	"github.com/spawnhq/spawn/internal/manifest"
)

func init() {
	Register(&Installer{
		Key:  "claude",
		Tier: manifest.TierHeavy,
		InstallSteps: []string{
			"npm install -g @anthropic-ai/claude-code",
		},
		BuildEnv: func(in EnvInput) map[string]string {
			return map[string]string{
				"ANTHROPIC_BASE_URL":   openRouterBase,
				"ANTHROPIC_AUTH_TOKEN": in.OpenRouterKey,
				"OPENROUTER_API_KEY":   in.OpenRouterKey,
			}
		},
		LaunchCommand: "claude",
		Configure: func(ctx context.Context, rc RemoteContext, in EnvInput) error {
			// Skip the first-run onboarding dialog; the session should
			// land directly in the agent.
			cmd := `mkdir -p ~/.claude && printf '{"hasCompletedOnboarding": true}' > ~/.claude.json && chmod 600 ~/.claude.json`
			return rc.Driver.Run(ctx, rc.Server, cmd, hookTimeout)
		},
	})
}
