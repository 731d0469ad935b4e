package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spawnhq/spawn/pkg/errdefs"
	"github.com/spawnhq/spawn/pkg/execx"
	"go.uber.org/zap"
)

// sshTransport implements the remote-exec half of the Driver interface for
// every provider whose instances speak SSH. Providers embed it and supply
// connection details per call.
type sshTransport struct {
	runner *execx.Runner
	logger *zap.Logger
}

// sshBaseArgs disables host-key prompts; fresh VMs have fresh keys.
func sshBaseArgs(srv *Server) []string {
	return []string{
		"ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
		"-o", "ConnectTimeout=10",
		fmt.Sprintf("%s@%s", srv.User, srv.IP),
	}
}

func (t *sshTransport) Run(ctx context.Context, srv *Server, cmd string, timeout time.Duration) error {
	argv := append(sshBaseArgs(srv), cmd)
	if err := t.runner.Run(ctx, argv, timeout); err != nil {
		return errdefs.Wrap(errdefs.KindExecution, "remote command failed", err)
	}
	return nil
}

func (t *sshTransport) RunCapture(ctx context.Context, srv *Server, cmd string, timeout time.Duration) (string, error) {
	argv := append(sshBaseArgs(srv), cmd)
	res, err := t.runner.RunCapture(ctx, argv, timeout)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindExecution, "remote command failed", err)
	}
	return res.Stdout, nil
}

// Upload transfers a local file by piping base64 through the remote shell,
// avoiding any dependency on scp/sftp being enabled.
func (t *sshTransport) Upload(ctx context.Context, srv *Server, localPath, remotePath string) error {
	if !ValidRemotePath(remotePath) {
		return errdefs.Newf(errdefs.KindValidation, "remote path %q contains disallowed characters", remotePath)
	}

	body, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}

	encoded := base64.StdEncoding.EncodeToString(body)
	cmd := fmt.Sprintf("echo %s | base64 -d > %s", encoded, remotePath)
	return t.Run(ctx, srv, cmd, 2*time.Minute)
}

func (t *sshTransport) Interactive(ctx context.Context, srv *Server, cmd string) (int, error) {
	argv := append(sshBaseArgs(srv), "-t", cmd)
	return t.runner.Interactive(ctx, argv)
}

// waitReady polls until the SSH port answers, a trivial command runs, and
// the cloud-init marker exists. The ceiling is provider-specific.
func (t *sshTransport) waitReady(ctx context.Context, srv *Server, ceiling time.Duration) error {
	deadline := time.Now().Add(ceiling)
	probe := fmt.Sprintf("test -f %s", ReadyMarker)

	for {
		if ctx.Err() != nil {
			return errdefs.Wrap(errdefs.KindInterrupted, "wait for server readiness aborted", ctx.Err())
		}
		if time.Now().After(deadline) {
			return errdefs.Newf(errdefs.KindReadyTimeout,
				"server %s did not become ready within %s", srv.Name, ceiling)
		}

		if portOpen(srv.IP, "22", 5*time.Second) {
			if err := t.Run(ctx, srv, probe, 20*time.Second); err == nil {
				t.logger.Debug("server ready", zap.String("server", srv.Name))
				return nil
			}
		}

		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}
}

func portOpen(host, port string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
