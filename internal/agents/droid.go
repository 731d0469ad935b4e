package agents

import (
	"context"

	"github.com/spawnhq/spawn/internal/manifest"
)

func init() {
	Register(&Installer{
		Key:  "droid",
		Tier: manifest.TierHeavy,
		InstallSteps: []string{
			"curl -fsSL https://app.factory.ai/cli | sh",
		},
		BuildEnv: func(in EnvInput) map[string]string {
			return map[string]string{
				"OPENROUTER_API_KEY": in.OpenRouterKey,
			}
		},
		LaunchCommand: "~/.local/bin/droid",
		PreLaunch: func(ctx context.Context, rc RemoteContext) error {
			// Warm the CLI's local state so the first session start is
			// not spent unpacking; output goes to a log under /tmp.
			cmd := "nohup ~/.local/bin/droid --version > /tmp/droid-prelaunch.log 2>&1 &"
			return rc.Driver.Run(ctx, rc.Server, cmd, hookTimeout)
		},
	})
}
