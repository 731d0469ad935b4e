package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spawnhq/spawn/internal/config"
	"github.com/spawnhq/spawn/internal/credstore"
	"github.com/spawnhq/spawn/internal/manifest"
	"github.com/spawnhq/spawn/internal/orchestrator"
	"github.com/spawnhq/spawn/internal/registry"
	"github.com/spawnhq/spawn/pkg/errdefs"
	"github.com/spawnhq/spawn/pkg/events"
	"github.com/spawnhq/spawn/pkg/execx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is stamped at build time.
var Version = "dev"

// App carries the wired-up core the commands run against.
type App struct {
	Cfg      *config.Config
	Logger   *zap.Logger
	Manifest *manifest.Manifest
	ManSvc   *manifest.Service
	Registry *registry.Registry
	Creds    *credstore.Store
	Picker   *Picker
	Orch     *orchestrator.Orchestrator
}

// newLogger builds the CLI logger: console encoding on stderr, since
// stdout belongs to structured output and picker results.
func newLogger(debug bool) *zap.Logger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// NewApp loads configuration and the manifest and wires the orchestrator.
func NewApp(ctx context.Context) (*App, error) {
	cfg := config.Load()
	logger := newLogger(cfg.Debug)

	manSvc := manifest.NewService(cfg.Manifest, cfg.ManifestCachePath(), logger)
	man, err := manSvc.Load(ctx)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindDownload, "could not load the agent/cloud catalog", err)
	}
	if manSvc.IsStale() {
		fmt.Fprintln(os.Stderr, "warning: using a stale cached catalog; some entries may be outdated")
	}

	picker := NewPicker()
	reg := registry.New(cfg.HistoryPath(), logger)
	creds := credstore.NewStore(config.CredentialDir(), logger)

	app := &App{
		Cfg:      cfg,
		Logger:   logger,
		Manifest: man,
		ManSvc:   manSvc,
		Registry: reg,
		Creds:    creds,
		Picker:   picker,
	}
	app.Orch = &orchestrator.Orchestrator{
		Cfg:      cfg,
		Manifest: man,
		Registry: reg,
		Creds:    creds,
		Bus:      events.NewBus(logger),
		Logger:   logger,
		Runner:   execx.New(logger),
		Picker:   picker,
		Prompter: picker,
		Confirm:  picker.Confirm,
	}
	return app, nil
}

// SignalContext cancels on SIGINT/SIGTERM so every suspension point in the
// pipeline honors Ctrl-C.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Interactive reports whether this invocation may prompt.
func (a *App) Interactive() bool {
	return !a.Cfg.NonInteractive && !a.Cfg.Headless
}

// ResolvePair turns the user's two positional arguments into manifest
// keys, transparently correcting swapped agent/cloud order.
func (a *App) ResolvePair(agentArg, cloudArg string) (agent, cloudKey string, err error) {
	agentRes, err := a.Manifest.ResolveAgent(agentArg)
	if err != nil {
		return "", "", err
	}
	cloudRes, err := a.Manifest.ResolveCloud(cloudArg)
	if err != nil {
		return "", "", err
	}

	if agentRes.SwappedKind && cloudRes.SwappedKind {
		// Both halves matched the opposite kind: the arguments are
		// swapped. Correct and continue.
		fmt.Fprintf(os.Stderr,
			"It looks like you swapped the agent and cloud arguments. Running: `spawn %s %s`\n",
			cloudRes.Key, agentRes.Key)
		return cloudRes.Key, agentRes.Key, nil
	}
	if agentRes.SwappedKind || cloudRes.SwappedKind {
		return "", "", errdefs.Newf(errdefs.KindValidation,
			"could not tell the agent from the cloud in %q %q", agentArg, cloudArg).WithHints(
			"usage: spawn <agent> <cloud>",
			"see: spawn agents / spawn clouds",
		)
	}
	return agentRes.Key, cloudRes.Key, nil
}

// credentialState summarizes readiness for one cloud.
func (a *App) credentialState(cloudKey string) string {
	missing := a.Creds.Missing(cloudKey, a.Manifest.AuthVars(cloudKey))
	var providerMissing []string
	for _, m := range missing {
		if m != "OPENROUTER_API_KEY" {
			providerMissing = append(providerMissing, m)
		}
	}
	if len(providerMissing) == 0 {
		return "ready"
	}
	return "missing " + strings.Join(providerMissing, ", ")
}
