package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spawnhq/spawn/pkg/errdefs"
)

func init() {
	Register("sprite", func(deps Deps) Driver { return newSprite(deps) })
}

const (
	spriteDashboard = "https://sprite.dev"
	spriteAPI       = "https://api.sprite.dev/v1"
)

// spriteDriver drives sprite.dev console sandboxes via the sprite CLI.
// Like daytona there is no SSH address; the sentinel marks console access.
type spriteDriver struct {
	deps Deps
}

func newSprite(deps Deps) *spriteDriver { return &spriteDriver{deps: deps} }

func (d *spriteDriver) Key() string          { return "sprite" }
func (d *spriteDriver) DashboardURL() string { return spriteDashboard }
func (d *spriteDriver) DefaultUser() string  { return "sprite" }

func (d *spriteDriver) Authenticate(ctx context.Context) error {
	token, err := resolveToken(ctx, d.deps, "sprite", "SPRITE_TOKEN",
		func(ctx context.Context, token string) error {
			probe := newAPIClient(spriteAPI, token, d.deps.Logger)
			return probe.get(ctx, "/sprites", nil)
		},
		func(ctx context.Context) (string, string, error) {
			if _, err := exec.LookPath("sprite"); err != nil {
				return "", "sprite CLI", nil
			}
			res, err := d.deps.Runner.RunCapture(ctx,
				[]string{"sprite", "auth", "token"}, 15*time.Second)
			if err != nil {
				return "", "sprite CLI", nil
			}
			return strings.TrimSpace(res.Stdout), "sprite CLI", nil
		},
	)
	if err != nil {
		return err
	}
	os.Setenv("SPRITE_TOKEN", token)
	return nil
}

func (d *spriteDriver) PromptSize(ctx context.Context) error { return nil }

func (d *spriteDriver) CreateServer(ctx context.Context, name, userdata string) (*Server, error) {
	if !ValidIdentifier(name) {
		return nil, errdefs.Newf(errdefs.KindValidation, "invalid sprite name %q", name)
	}

	if err := d.deps.Runner.Run(ctx,
		[]string{"sprite", "create", name}, 5*time.Minute); err != nil {
		return nil, errdefs.Wrap(errdefs.KindProvision, "sprite creation failed", err)
	}

	srv := &Server{
		ID:    name,
		Name:  name,
		IP:    SentinelSpriteConsole,
		User:  d.DefaultUser(),
		Cloud: "sprite",
	}

	if d.deps.ConnectionSink != nil {
		if err := d.deps.ConnectionSink(srv); err != nil {
			d.deps.Logger.Warn("failed to record connection details")
		}
	}
	return srv, nil
}

func (d *spriteDriver) WaitReady(ctx context.Context, srv *Server) error {
	return d.Run(ctx, srv, "true", time.Minute)
}

func (d *spriteDriver) Run(ctx context.Context, srv *Server, cmd string, timeout time.Duration) error {
	argv := []string{"sprite", "exec", "-s", srv.Name, "bash", "-lc", cmd}
	if err := d.deps.Runner.Run(ctx, argv, timeout); err != nil {
		return errdefs.Wrap(errdefs.KindExecution, "sprite command failed", err)
	}
	return nil
}

func (d *spriteDriver) RunCapture(ctx context.Context, srv *Server, cmd string, timeout time.Duration) (string, error) {
	argv := []string{"sprite", "exec", "-s", srv.Name, "bash", "-lc", cmd}
	res, err := d.deps.Runner.RunCapture(ctx, argv, timeout)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindExecution, "sprite command failed", err)
	}
	return res.Stdout, nil
}

func (d *spriteDriver) Upload(ctx context.Context, srv *Server, localPath, remotePath string) error {
	if !ValidRemotePath(remotePath) {
		return errdefs.Newf(errdefs.KindValidation, "remote path %q contains disallowed characters", remotePath)
	}
	body, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	encoded := base64.StdEncoding.EncodeToString(body)
	return d.Run(ctx, srv, fmt.Sprintf("echo %s | base64 -d > %s", encoded, remotePath), 2*time.Minute)
}

func (d *spriteDriver) Interactive(ctx context.Context, srv *Server, cmd string) (int, error) {
	argv := []string{"sprite", "console", "-s", srv.Name}
	if cmd != "" {
		argv = []string{"sprite", "exec", "-it", "-s", srv.Name, "bash", "-lc", cmd}
	}
	return d.deps.Runner.Interactive(ctx, argv)
}

func (d *spriteDriver) Destroy(ctx context.Context, serverID string) error {
	if !ValidIdentifier(serverID) {
		return errdefs.Newf(errdefs.KindValidation, "invalid sprite id %q", serverID)
	}

	res, err := d.deps.Runner.RunCapture(ctx,
		[]string{"sprite", "destroy", "-y", serverID}, 2*time.Minute)
	if err != nil {
		combined := ""
		if res != nil {
			combined = res.Stdout + res.Stderr
		}
		if strings.Contains(combined, "not found") || strings.Contains(combined, "does not exist") {
			return nil
		}
		return fmt.Errorf("failed to destroy sprite %s (clean up manually at %s): %w",
			serverID, spriteDashboard, err)
	}
	return nil
}

func (d *spriteDriver) List(ctx context.Context) ([]Server, error) {
	res, err := d.deps.Runner.RunCapture(ctx, []string{"sprite", "list"}, time.Minute)
	if err != nil {
		return nil, err
	}

	var servers []Server
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] == "NAME" {
			continue
		}
		if !ValidIdentifier(fields[0]) {
			continue
		}
		servers = append(servers, Server{
			ID:    fields[0],
			Name:  fields[0],
			IP:    SentinelSpriteConsole,
			User:  d.DefaultUser(),
			Cloud: "sprite",
		})
	}
	return servers, nil
}
