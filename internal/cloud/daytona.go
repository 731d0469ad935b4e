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
	Register("daytona", func(deps Deps) Driver { return newDaytona(deps) })
}

const (
	daytonaDashboard = "https://app.daytona.io"
	daytonaAPI       = "https://app.daytona.io/api"
)

// daytonaDriver drives the Daytona sandbox service through its CLI. There
// is no SSH endpoint; the registry stores the sentinel address and the
// sandbox name, and reconnect goes through the provider console command.
type daytonaDriver struct {
	deps Deps
}

func newDaytona(deps Deps) *daytonaDriver { return &daytonaDriver{deps: deps} }

func (d *daytonaDriver) Key() string          { return "daytona" }
func (d *daytonaDriver) DashboardURL() string { return daytonaDashboard }
func (d *daytonaDriver) DefaultUser() string  { return "daytona" }

func (d *daytonaDriver) Authenticate(ctx context.Context) error {
	token, err := resolveToken(ctx, d.deps, "daytona", "DAYTONA_API_KEY",
		func(ctx context.Context, token string) error {
			probe := newAPIClient(daytonaAPI, token, d.deps.Logger)
			return probe.get(ctx, "/sandbox", nil)
		},
		// CLI session: an already-logged-in daytona CLI carries its own key.
		func(ctx context.Context) (string, string, error) {
			if _, err := exec.LookPath("daytona"); err != nil {
				return "", "daytona CLI", nil
			}
			res, err := d.deps.Runner.RunCapture(ctx,
				[]string{"daytona", "api-key", "show"}, 15*time.Second)
			if err != nil {
				return "", "daytona CLI", nil
			}
			return strings.TrimSpace(res.Stdout), "daytona CLI", nil
		},
	)
	if err != nil {
		return err
	}
	// The CLI reads the key from the environment of this process.
	os.Setenv("DAYTONA_API_KEY", token)
	return nil
}

func (d *daytonaDriver) PromptSize(ctx context.Context) error {
	// Sandboxes come in one shape; nothing to pick.
	return nil
}

func (d *daytonaDriver) CreateServer(ctx context.Context, name, userdata string) (*Server, error) {
	if !ValidIdentifier(name) {
		return nil, errdefs.Newf(errdefs.KindValidation, "invalid sandbox name %q", name)
	}

	if err := d.deps.Runner.Run(ctx,
		[]string{"daytona", "sandbox", "create", "--name", name}, 5*time.Minute); err != nil {
		return nil, errdefs.Wrap(errdefs.KindProvision, "daytona sandbox creation failed", err)
	}

	srv := &Server{
		ID:    name,
		Name:  name,
		IP:    SentinelDaytonaSandbox,
		User:  d.DefaultUser(),
		Cloud: "daytona",
	}

	if d.deps.ConnectionSink != nil {
		if err := d.deps.ConnectionSink(srv); err != nil {
			d.deps.Logger.Warn("failed to record connection details")
		}
	}
	return srv, nil
}

func (d *daytonaDriver) WaitReady(ctx context.Context, srv *Server) error {
	// Create blocks until the sandbox is usable; verify with a no-op exec.
	return d.Run(ctx, srv, "true", time.Minute)
}

func (d *daytonaDriver) Run(ctx context.Context, srv *Server, cmd string, timeout time.Duration) error {
	argv := []string{"daytona", "sandbox", "exec", srv.Name, "--", "bash", "-lc", cmd}
	if err := d.deps.Runner.Run(ctx, argv, timeout); err != nil {
		return errdefs.Wrap(errdefs.KindExecution, "sandbox command failed", err)
	}
	return nil
}

func (d *daytonaDriver) RunCapture(ctx context.Context, srv *Server, cmd string, timeout time.Duration) (string, error) {
	argv := []string{"daytona", "sandbox", "exec", srv.Name, "--", "bash", "-lc", cmd}
	res, err := d.deps.Runner.RunCapture(ctx, argv, timeout)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindExecution, "sandbox command failed", err)
	}
	return res.Stdout, nil
}

func (d *daytonaDriver) Upload(ctx context.Context, srv *Server, localPath, remotePath string) error {
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

func (d *daytonaDriver) Interactive(ctx context.Context, srv *Server, cmd string) (int, error) {
	argv := []string{"daytona", "sandbox", "exec", "-i", srv.Name, "--", "bash", "-lc", cmd}
	return d.deps.Runner.Interactive(ctx, argv)
}

func (d *daytonaDriver) Destroy(ctx context.Context, serverID string) error {
	if !ValidIdentifier(serverID) {
		return errdefs.Newf(errdefs.KindValidation, "invalid sandbox id %q", serverID)
	}

	res, err := d.deps.Runner.RunCapture(ctx,
		[]string{"daytona", "sandbox", "delete", serverID, "--yes"}, 2*time.Minute)
	if err != nil {
		// The CLI has no structured not-found signal; fall back to the
		// message as a last resort.
		combined := ""
		if res != nil {
			combined = res.Stdout + res.Stderr
		}
		if strings.Contains(combined, "not found") || strings.Contains(combined, "does not exist") {
			return nil
		}
		return fmt.Errorf("failed to delete sandbox %s (clean up manually at %s): %w",
			serverID, daytonaDashboard, err)
	}
	return nil
}

func (d *daytonaDriver) List(ctx context.Context) ([]Server, error) {
	res, err := d.deps.Runner.RunCapture(ctx,
		[]string{"daytona", "sandbox", "list"}, time.Minute)
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
			IP:    SentinelDaytonaSandbox,
			User:  d.DefaultUser(),
			Cloud: "daytona",
		})
	}
	return servers, nil
}
