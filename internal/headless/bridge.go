// Package headless is the non-interactive shell around the orchestrator:
// one structured line on stdout, everything else on stderr, and a stable
// exit-code taxonomy for scripts and CI.
package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spawnhq/spawn/internal/orchestrator"
	"github.com/spawnhq/spawn/internal/registry"
	"github.com/spawnhq/spawn/pkg/errdefs"
)

// Envelope is the single structured result line.
type Envelope struct {
	Status       string `json:"status"`
	Cloud        string `json:"cloud"`
	Agent        string `json:"agent"`
	IPAddress    string `json:"ip_address,omitempty"`
	SSHUser      string `json:"ssh_user,omitempty"`
	ServerID     string `json:"server_id,omitempty"`
	ServerName   string `json:"server_name,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Bridge runs launches headlessly.
type Bridge struct {
	Orch *orchestrator.Orchestrator

	// Stdout receives exactly one envelope; Format is "json" or "text".
	Stdout io.Writer
	Format string
}

// Run executes the launch and writes the envelope. The returned int is the
// process exit code: 0 success, 1 execution, 2 download, 3
// validation/credentials.
func (b *Bridge) Run(ctx context.Context, opts orchestrator.Options) int {
	opts.Interactive = false

	env := Envelope{Cloud: opts.Cloud, Agent: opts.Agent}

	_, err := b.Orch.Launch(ctx, opts)
	if err != nil {
		kind := errdefs.KindOf(err)
		env.Status = "error"
		env.ErrorCode = b.errorCode(err)
		env.ErrorMessage = err.Error()
		b.write(env)
		return errdefs.ExitCode(kind)
	}

	// Connection details come back from the path the cloud driver wrote
	// during create_server, re-validated field by field.
	lc, err := registry.ReadLastConnection(b.Orch.Cfg.LastConnectionPath())
	if err != nil {
		env.Status = "error"
		env.ErrorCode = "EXECUTION_ERROR"
		env.ErrorMessage = err.Error()
		b.write(env)
		return 1
	}

	env.Status = "success"
	env.IPAddress = lc.IP
	env.SSHUser = lc.User
	env.ServerID = lc.ServerID
	env.ServerName = lc.ServerName
	b.write(env)
	return 0
}

// errorCode maps an error onto the fixed headless vocabulary, splitting
// the validation kind into its unknown-key variants when recognizable.
func (b *Bridge) errorCode(err error) string {
	kind := errdefs.KindOf(err)
	code := errdefs.ErrorCode(kind)

	if kind == errdefs.KindValidation {
		msg := err.Error()
		switch {
		case strings.Contains(msg, `unknown agent`):
			return "UNKNOWN_AGENT"
		case strings.Contains(msg, `unknown cloud`):
			return "UNKNOWN_CLOUD"
		case strings.Contains(msg, "not implemented"):
			return "NOT_IMPLEMENTED"
		case strings.Contains(msg, "tampered"), strings.Contains(msg, "manifest error"):
			return "MANIFEST_ERROR"
		}
	}
	return code
}

func (b *Bridge) write(env Envelope) {
	if b.Format == "json" {
		body, err := json.Marshal(env)
		if err != nil {
			fmt.Fprintf(b.Stdout, `{"status":"error","error_code":"EXECUTION_ERROR"}`+"\n")
			return
		}
		fmt.Fprintln(b.Stdout, string(body))
		return
	}

	// Plain form: key: value lines, stable order.
	pairs := map[string]string{
		"status":        env.Status,
		"cloud":         env.Cloud,
		"agent":         env.Agent,
		"ip_address":    env.IPAddress,
		"ssh_user":      env.SSHUser,
		"server_id":     env.ServerID,
		"server_name":   env.ServerName,
		"error_code":    env.ErrorCode,
		"error_message": env.ErrorMessage,
	}
	keys := make([]string, 0, len(pairs))
	for k, v := range pairs {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b.Stdout, "%s: %s\n", k, pairs[k])
	}
}

