// Package cloud abstracts heterogeneous compute providers behind one
// narrow capability interface. Each provider lives in its own file and is
// only referenced through the registry; the orchestrator depends on the
// Driver interface alone.
package cloud

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/spawnhq/spawn/internal/credstore"
	"github.com/spawnhq/spawn/pkg/execx"
	"go.uber.org/zap"
)

// Sentinel IPs used by sandbox providers that have no SSH endpoint.
const (
	SentinelSpriteConsole = "sprite-console"
	SentinelDaytonaSandbox = "daytona-sandbox"
)

var (
	ipv4Pattern     = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)
	dnsLabelPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]{0,251}[a-zA-Z0-9])?$`)
	userPattern     = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
	identPattern    = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)
	remotePathRE    = regexp.MustCompile(`^[A-Za-z0-9/_.~-]+$`)
)

// Server describes one provisioned instance as the orchestrator and the
// registry see it.
type Server struct {
	ID       string            `json:"server_id"`
	Name     string            `json:"server_name"`
	IP       string            `json:"ip"`
	User     string            `json:"user"`
	Cloud    string            `json:"cloud"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks every identifier against its persistence charset.
func (s *Server) Validate() error {
	if !ValidIP(s.IP) {
		return fmt.Errorf("invalid server IP %q", s.IP)
	}
	if !userPattern.MatchString(s.User) {
		return fmt.Errorf("invalid server user %q", s.User)
	}
	if s.ID != "" && !identPattern.MatchString(s.ID) {
		return fmt.Errorf("invalid server id %q", s.ID)
	}
	if s.Name != "" && !identPattern.MatchString(s.Name) {
		return fmt.Errorf("invalid server name %q", s.Name)
	}
	return nil
}

// ValidIP accepts strict IPv4, DNS labels, and the sandbox sentinels.
func ValidIP(ip string) bool {
	if ip == SentinelSpriteConsole || ip == SentinelDaytonaSandbox {
		return true
	}
	return ipv4Pattern.MatchString(ip) || dnsLabelPattern.MatchString(ip)
}

// ValidIdentifier reports whether an id/name fits the restricted charset.
func ValidIdentifier(s string) bool { return identPattern.MatchString(s) }

// ValidUser reports whether a unix account name is acceptable.
func ValidUser(s string) bool { return userPattern.MatchString(s) }

// ValidRemotePath restricts upload destinations.
func ValidRemotePath(p string) bool { return remotePathRE.MatchString(p) }

// Picker selects one value from a set of options; implementations may be
// interactive or resolve to the default without prompting.
type Picker interface {
	Pick(ctx context.Context, prompt string, options []PickOption, defaultValue string) (string, error)
}

// PickOption is one selectable entry (value, human label, dim hint).
type PickOption struct {
	Value string
	Label string
	Hint  string
}

// Prompter asks the user for a secret value. Non-interactive
// implementations return an error instead of blocking.
type Prompter interface {
	PromptSecret(ctx context.Context, label string) (string, error)
}

// Deps carries everything a driver needs besides its own API. Credentials
// are threaded through explicitly so concurrent drivers for different
// clouds never contend on shared state.
type Deps struct {
	Logger      *zap.Logger
	Credentials *credstore.Store
	Runner      *execx.Runner
	Picker      Picker
	Prompter    Prompter
	Interactive bool

	// ConnectionSink receives connection details immediately after a
	// server is created, before anything that could fail partway.
	ConnectionSink func(*Server) error
}

// Driver is the capability set every provider implements.
type Driver interface {
	// Key returns the manifest cloud key this driver serves.
	Key() string

	// DashboardURL points at the provider console for manual cleanup hints.
	DashboardURL() string

	// DefaultUser is the unix account new instances come up with.
	DefaultUser() string

	// Authenticate loads and validates credentials via the chain
	// env -> saved bundle -> provider CLI -> prompt. A token counts as
	// valid only after a read-only probe call succeeds.
	Authenticate(ctx context.Context) error

	// PromptSize resolves region/instance-type state from env, config,
	// or the picker. Failures are non-fatal; providers fall back to
	// their default.
	PromptSize(ctx context.Context) error

	// CreateServer provisions an instance with the given cloud-init
	// userdata. On failure any partially created resource is destroyed
	// best-effort before the error returns.
	CreateServer(ctx context.Context, name, userdata string) (*Server, error)

	// WaitReady blocks until the instance accepts commands and the
	// first-boot marker exists, or the provider ceiling elapses.
	WaitReady(ctx context.Context, srv *Server) error

	// Run executes a shell command remotely. Zero timeout means the
	// driver default.
	Run(ctx context.Context, srv *Server, cmd string, timeout time.Duration) error

	// RunCapture is Run with stdout returned.
	RunCapture(ctx context.Context, srv *Server, cmd string, timeout time.Duration) (string, error)

	// Upload copies a local file to the instance. The remote path is
	// restricted to a conservative charset.
	Upload(ctx context.Context, srv *Server, localPath, remotePath string) error

	// Interactive hands the terminal to a remote session running cmd and
	// returns the child's exit code.
	Interactive(ctx context.Context, srv *Server, cmd string) (int, error)

	// Destroy deletes the instance. Provider not-found responses count
	// as success.
	Destroy(ctx context.Context, serverID string) error

	// List returns the provider's active instances. Partial listings are
	// allowed.
	List(ctx context.Context) ([]Server, error)
}

// Factory builds a driver from its dependencies.
type Factory func(deps Deps) Driver

var factories = map[string]Factory{}

// Register installs a provider factory. Called from provider init funcs;
// provider types are never referenced by name outside their own file.
func Register(key string, f Factory) {
	if _, dup := factories[key]; dup {
		panic(fmt.Sprintf("cloud driver %q registered twice", key))
	}
	factories[key] = f
}

// New builds the driver for a cloud key.
func New(key string, deps Deps) (Driver, error) {
	f, ok := factories[key]
	if !ok {
		return nil, fmt.Errorf("no driver for cloud %q", key)
	}
	return f(deps), nil
}

// Keys lists the registered cloud keys, sorted.
func Keys() []string {
	keys := make([]string, 0, len(factories))
	for k := range factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Supported reports whether a driver exists for the cloud key.
func Supported(key string) bool {
	_, ok := factories[key]
	return ok
}
