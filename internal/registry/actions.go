package registry

import (
	"context"
	"fmt"

	"github.com/spawnhq/spawn/internal/cloud"
	"github.com/spawnhq/spawn/pkg/errdefs"
	"github.com/spawnhq/spawn/pkg/execx"
	"go.uber.org/zap"
)

// ReconnectDeps is what a reconnect needs besides the record itself.
type ReconnectDeps struct {
	Runner *execx.Runner
	Logger *zap.Logger
}

// Reconnect opens an interactive session to a recorded server. Three forms
// are supported: direct SSH, a provider-native console for sandbox
// providers, and a tunnel command carried in the record metadata. Every
// identifier is re-validated before it reaches a command line.
func Reconnect(ctx context.Context, deps ReconnectDeps, rec Record, historyPath string) (int, error) {
	if err := rec.Validate(); err != nil {
		return -1, tamperError(historyPath, err)
	}
	c := rec.Connection
	if c == nil {
		return -1, errdefs.New(errdefs.KindValidation, "record has no connection details")
	}
	if c.Deleted {
		return -1, errdefs.New(errdefs.KindValidation, "server was destroyed; nothing to reconnect to")
	}

	var argv []string
	switch c.IP {
	case cloud.SentinelDaytonaSandbox:
		argv = []string{"daytona", "ssh", c.ServerName}
	case cloud.SentinelSpriteConsole:
		argv = []string{"sprite", "console", "-s", c.ServerName}
	default:
		if tunnel := c.Metadata["tunnel"]; tunnel != "" {
			// The tunnel command passed record validation with the
			// launch-command charset; it runs locally.
			argv = []string{"bash", "-lc", tunnel}
		} else {
			target := fmt.Sprintf("%s@%s", c.User, c.IP)
			argv = []string{
				"ssh",
				"-o", "StrictHostKeyChecking=no",
				"-o", "UserKnownHostsFile=/dev/null",
				"-o", "LogLevel=ERROR",
				"-t", target,
			}
			if c.LaunchCmd != "" {
				argv = append(argv, c.LaunchCmd)
			}
		}
	}

	deps.Logger.Info("reconnecting",
		zap.String("agent", rec.Agent),
		zap.String("cloud", rec.Cloud),
		zap.String("server", c.ServerName),
	)
	return deps.Runner.Interactive(ctx, argv)
}

// Destroy routes a record to its cloud driver's destroy and flips the
// deleted flag on success (provider not-found counts as success). The
// record stays in history for audit.
func Destroy(ctx context.Context, g *Registry, drv cloud.Driver, rec Record) error {
	if err := rec.Validate(); err != nil {
		return tamperError(g.Path(), err)
	}
	c := rec.Connection
	if c == nil {
		return errdefs.New(errdefs.KindValidation, "record has no connection details")
	}
	if c.Deleted {
		return nil
	}

	if err := drv.Destroy(ctx, c.ServerID); err != nil {
		return err
	}

	return g.Update(
		func(r Record) bool {
			return r.Connection != nil &&
				r.Connection.ServerID == c.ServerID &&
				r.Connection.Cloud == c.Cloud
		},
		func(r *Record) { r.Connection.Deleted = true },
	)
}
