// Package orchestrator composes a cloud driver and an agent installer and
// runs the launch pipeline: resolve -> pre-flight -> name -> authenticate ->
// provision -> wait-ready -> install -> configure -> launch. Each step must
// succeed before the next starts, and no step that may have allocated a
// cloud resource is ever retried.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spawnhq/spawn/internal/agents"
	"github.com/spawnhq/spawn/internal/cloud"
	"github.com/spawnhq/spawn/internal/config"
	"github.com/spawnhq/spawn/internal/credstore"
	"github.com/spawnhq/spawn/internal/manifest"
	"github.com/spawnhq/spawn/internal/registry"
	"github.com/spawnhq/spawn/pkg/errdefs"
	"github.com/spawnhq/spawn/pkg/events"
	"github.com/spawnhq/spawn/pkg/execx"
	"go.uber.org/zap"
)

const maxInstanceName = 64

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Orchestrator runs launches end to end and records them.
type Orchestrator struct {
	Cfg      *config.Config
	Manifest *manifest.Manifest
	Registry *registry.Registry
	Creds    *credstore.Store
	Bus      *events.Bus
	Logger   *zap.Logger
	Runner   *execx.Runner
	Picker   cloud.Picker
	Prompter cloud.Prompter

	// Confirm asks a yes/no question in interactive mode. Nil means
	// always proceed.
	Confirm func(question string) bool

	// driverFor is swappable in tests; defaults to the cloud registry.
	driverFor func(key string, deps cloud.Deps) (cloud.Driver, error)
	agentFor  func(key string) (*agents.Installer, error)
}

// Options describes one launch request with already-resolved keys.
type Options struct {
	Agent       string
	Cloud       string
	Name        string
	Prompt      string
	Interactive bool
}

// Result is what a completed launch hands back to the entrypoint.
type Result struct {
	Server    *cloud.Server
	LaunchCmd string
	ExitCode  int
}

func (o *Orchestrator) driver(key string, deps cloud.Deps) (cloud.Driver, error) {
	if o.driverFor != nil {
		return o.driverFor(key, deps)
	}
	return cloud.New(key, deps)
}

func (o *Orchestrator) agent(key string) (*agents.Installer, error) {
	if o.agentFor != nil {
		return o.agentFor(key)
	}
	return agents.Get(key)
}

// Launch runs the full pipeline and returns the interactive child's exit
// code inside Result. Launch always provisions; it has no dry-run mode, and
// previews come from the separate DryRun method.
func (o *Orchestrator) Launch(ctx context.Context, opts Options) (*Result, error) {
	// Step 1: the pair must be known and implemented.
	if err := o.checkImplemented(opts.Agent, opts.Cloud); err != nil {
		return nil, err
	}

	installer, err := o.agent(opts.Agent)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, "agent not installable", err)
	}

	// Step 2: pre-flight credential check.
	if err := o.preflight(opts); err != nil {
		return nil, err
	}

	// Step 3: instance name.
	name, err := o.resolveName(opts)
	if err != nil {
		return nil, err
	}

	// Duplicate-name guard: an existing active (name, agent, cloud) means
	// the user almost certainly wants the record-action menu, not a
	// second machine.
	if dup, err := o.findDuplicate(name, opts.Agent, opts.Cloud); err != nil {
		return nil, err
	} else if dup != nil {
		return nil, errdefs.Newf(errdefs.KindValidation,
			"an active instance %q for %s on %s already exists", name, opts.Agent, opts.Cloud).WithHints(
			"reconnect with: spawn last",
			"or destroy it first with: spawn delete",
		)
	}

	// Pre-provision hook (model selection) runs before anything costs
	// money.
	model := ""
	if installer.PreProvision != nil {
		model, err = installer.PreProvision(ctx, agents.LocalContext{
			Picker:      o.Picker,
			Interactive: opts.Interactive,
			Logger:      o.Logger,
		})
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindValidation, "model selection failed", err)
		}
	}

	drv, err := o.driver(opts.Cloud, o.driverDeps(opts))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, "cloud not supported", err)
	}

	// Step 4: authenticate, size, create. The record is saved the moment
	// the server exists so a crash cannot orphan it invisibly.
	if err := drv.Authenticate(ctx); err != nil {
		return nil, err
	}
	if err := drv.PromptSize(ctx); err != nil {
		return nil, err
	}

	userdata, err := cloud.Userdata(installer.Tier, drv.DefaultUser())
	if err != nil {
		return nil, err
	}

	srv, err := drv.CreateServer(ctx, name, userdata)
	if err != nil {
		return nil, err
	}

	rec := registry.Record{
		Agent:     opts.Agent,
		Cloud:     opts.Cloud,
		Timestamp: time.Now().UTC(),
		Name:      name,
		Prompt:    registry.SanitizePrompt(opts.Prompt),
		Connection: &registry.Connection{
			IP:         srv.IP,
			User:       srv.User,
			ServerID:   srv.ID,
			ServerName: srv.Name,
			Cloud:      opts.Cloud,
		},
	}
	if err := o.Registry.Append(rec); err != nil {
		o.Logger.Warn("failed to record launch", zap.Error(err))
	}
	o.Bus.Publish(ctx, events.NewEvent(events.EventSpawnCreated, opts.Agent, opts.Cloud,
		map[string]interface{}{"server_id": srv.ID, "name": name}))

	// Step 5: wait for SSH and cloud-init.
	if err := drv.WaitReady(ctx, srv); err != nil {
		return nil, o.annotateAfterCreate(err, drv)
	}
	o.Bus.Publish(ctx, events.NewEvent(events.EventSpawnReady, opts.Agent, opts.Cloud, nil))

	// Step 6: install steps, strictly sequential.
	for i, step := range installer.InstallSteps {
		o.Logger.Info("running install step",
			zap.Int("step", i+1),
			zap.Int("total", len(installer.InstallSteps)),
			zap.String("agent", opts.Agent),
		)
		if err := drv.Run(ctx, srv, step, 10*time.Minute); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInstall,
				fmt.Sprintf("install step %d/%d failed", i+1, len(installer.InstallSteps)),
				o.annotateAfterCreate(err, drv))
		}
	}
	o.Bus.Publish(ctx, events.NewEvent(events.EventSpawnInstalled, opts.Agent, opts.Cloud, nil))

	// Step 7: environment injection and configure hook.
	envIn := agents.EnvInput{
		OpenRouterKey: o.Creds.Resolve(opts.Cloud, "OPENROUTER_API_KEY"),
		Model:         model,
		Prompt:        opts.Prompt,
	}
	if err := o.injectEnv(ctx, drv, srv, installer, envIn); err != nil {
		return nil, o.annotateAfterCreate(err, drv)
	}
	if installer.Configure != nil {
		rc := agents.RemoteContext{Driver: drv, Server: srv, Logger: o.Logger}
		if err := installer.Configure(ctx, rc, envIn); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInstall, "configure hook failed", err)
		}
	}

	// Step 8: pre-launch hook (fire-and-forget children log under /tmp).
	if installer.PreLaunch != nil {
		rc := agents.RemoteContext{Driver: drv, Server: srv, Logger: o.Logger}
		if err := installer.PreLaunch(ctx, rc); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInstall, "pre-launch hook failed", err)
		}
	}

	// Step 9: capture the launch command, hand over the terminal.
	launchCmd := installer.ResolveLaunch(model)
	if err := o.Registry.Update(
		func(r registry.Record) bool {
			return r.Connection != nil && r.Connection.ServerID == srv.ID && r.Connection.Cloud == opts.Cloud
		},
		func(r *registry.Record) { r.Connection.LaunchCmd = launchCmd },
	); err != nil {
		o.Logger.Warn("failed to record launch command", zap.Error(err))
	}
	if err := registry.WriteLastConnection(o.Cfg.LastConnectionPath(), srv, launchCmd); err != nil {
		o.Logger.Warn("failed to write connection details", zap.Error(err))
	}

	o.Bus.Publish(ctx, events.NewEvent(events.EventSpawnLaunched, opts.Agent, opts.Cloud,
		map[string]interface{}{"launch_cmd": launchCmd}))

	exitCode := 0
	if opts.Interactive {
		exitCode, err = drv.Interactive(ctx, srv, launchCmd)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindExecution, "failed to start session", err)
		}
	}

	return &Result{Server: srv, LaunchCmd: launchCmd, ExitCode: exitCode}, nil
}

func (o *Orchestrator) driverDeps(opts Options) cloud.Deps {
	return cloud.Deps{
		Logger:      o.Logger,
		Credentials: o.Creds,
		Runner:      o.Runner,
		Picker:      o.Picker,
		Prompter:    o.Prompter,
		Interactive: opts.Interactive && o.Cfg.Custom,
		ConnectionSink: func(srv *cloud.Server) error {
			return registry.WriteLastConnection(o.Cfg.LastConnectionPath(), srv, "")
		},
	}
}

func (o *Orchestrator) checkImplemented(agent, cloudKey string) error {
	if o.Manifest.Implemented(cloudKey, agent) {
		return nil
	}

	hints := o.suggestClouds(agent)
	return errdefs.Newf(errdefs.KindValidation,
		"%s on %s is not implemented yet", agent, cloudKey).WithHints(hints...)
}

// suggestClouds builds up to three alternative launch commands for an
// agent, credentialed clouds first.
func (o *Orchestrator) suggestClouds(agent string) []string {
	clouds := o.Manifest.ImplementedClouds(agent)

	type scored struct {
		key         string
		credentialed bool
	}
	var list []scored
	for _, c := range clouds {
		missing := o.Creds.Missing(c, o.Manifest.AuthVars(c))
		// Only provider credentials matter for ordering; the OpenRouter
		// key is common to every option.
		credentialed := true
		for _, m := range missing {
			if m != "OPENROUTER_API_KEY" {
				credentialed = false
			}
		}
		list = append(list, scored{key: c, credentialed: credentialed})
	}

	// Credentialed clouds first, stable within each class.
	var ordered []string
	for _, s := range list {
		if s.credentialed {
			ordered = append(ordered, s.key)
		}
	}
	for _, s := range list {
		if !s.credentialed {
			ordered = append(ordered, s.key)
		}
	}

	var hints []string
	for _, c := range ordered {
		if len(hints) == 3 {
			break
		}
		hints = append(hints, fmt.Sprintf("try: spawn %s %s", agent, c))
	}
	return hints
}

func (o *Orchestrator) preflight(opts Options) error {
	missing := o.Creds.Missing(opts.Cloud, o.Manifest.AuthVars(opts.Cloud))
	if len(missing) == 0 {
		return nil
	}

	msg := fmt.Sprintf("Missing required credentials: %s", strings.Join(missing, ", "))
	if opts.Interactive && o.Confirm != nil {
		if o.Confirm(msg + " — continue anyway? You will be prompted during authentication.") {
			return nil
		}
	}
	return errdefs.New(errdefs.KindAuth, msg).WithHints(
		fmt.Sprintf("export %s and retry", strings.Join(missing, "=... ")+"=..."),
	)
}

func (o *Orchestrator) resolveName(opts Options) (string, error) {
	name := opts.Name
	if name == "" {
		name = o.Cfg.Name
	}
	if name == "" {
		name = fmt.Sprintf("%s-%s", opts.Agent, time.Now().UTC().Format("0102-1504"))
	}
	return NormalizeName(name)
}

// NormalizeName kebab-cases a proposed instance name and validates the
// result: lowercase alphanumerics and dashes, starting with a letter,
// 2..64 characters.
func NormalizeName(name string) (string, error) {
	lowered := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, c := range lowered {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '-' || c == ' ' || c == '_' || c == '.':
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")

	if len(out) < 2 || len(out) > maxInstanceName || !namePattern.MatchString(out) {
		return "", errdefs.Newf(errdefs.KindValidation,
			"invalid instance name %q: need 2-64 chars of [a-z0-9-] starting with a letter", name)
	}
	return out, nil
}

func (o *Orchestrator) findDuplicate(name, agent, cloudKey string) (*registry.Record, error) {
	active, err := o.Registry.ActiveServers()
	if err != nil {
		return nil, err
	}
	for i := range active {
		r := active[i]
		if r.Name == name && r.Agent == agent && r.Cloud == cloudKey {
			return &r, nil
		}
	}
	return nil, nil
}

// injectEnv serializes the agent environment, ships it base64-encoded, and
// wires ~/.spawnrc into the login shells.
func (o *Orchestrator) injectEnv(ctx context.Context, drv cloud.Driver, srv *cloud.Server, installer *agents.Installer, in agents.EnvInput) error {
	env := installer.BuildEnv(in)

	// The prompt rides along when it survives the value charset;
	// multi-line prompts are shipped as a file instead.
	promptFile := ""
	if in.Prompt != "" {
		if _, err := agents.RenderEnvFile(map[string]string{"SPAWN_PROMPT": in.Prompt}); err == nil {
			env["SPAWN_PROMPT"] = in.Prompt
		} else {
			promptFile = in.Prompt
		}
	}

	rendered, err := agents.RenderEnvFile(env)
	if err != nil {
		return errdefs.Wrap(errdefs.KindValidation, "environment failed validation", err)
	}

	local, err := os.CreateTemp("", "spawnrc-*")
	if err != nil {
		return fmt.Errorf("failed to stage environment: %w", err)
	}
	defer os.Remove(local.Name())

	if _, err := local.WriteString(encodeBase64(rendered)); err != nil {
		local.Close()
		return fmt.Errorf("failed to stage environment: %w", err)
	}
	local.Close()

	const remoteStage = "/tmp/spawnrc.b64"
	if err := drv.Upload(ctx, srv, local.Name(), remoteStage); err != nil {
		return err
	}
	for _, cmd := range agents.InjectCommands(remoteStage) {
		if err := drv.Run(ctx, srv, cmd, 2*time.Minute); err != nil {
			return err
		}
	}

	if promptFile != "" {
		pf, err := os.CreateTemp("", "spawn-prompt-*")
		if err != nil {
			return fmt.Errorf("failed to stage prompt: %w", err)
		}
		defer os.Remove(pf.Name())
		if _, err := pf.WriteString(promptFile); err != nil {
			pf.Close()
			return fmt.Errorf("failed to stage prompt: %w", err)
		}
		pf.Close()
		if err := drv.Upload(ctx, srv, pf.Name(), "~/.spawn-prompt.txt"); err != nil {
			return err
		}
	}
	return nil
}

// annotateAfterCreate turns a cancellation after provisioning into the
// dashboard warning; retrying here would double-provision, so the hint is
// all the recovery there is.
func (o *Orchestrator) annotateAfterCreate(err error, drv cloud.Driver) error {
	if errors.Is(err, context.Canceled) || errdefs.KindOf(err) == errdefs.KindInterrupted {
		return errdefs.Wrap(errdefs.KindInterrupted,
			"interrupted — the server may still be running", err).WithHints(
			fmt.Sprintf("check your dashboard: %s", drv.DashboardURL()),
			"reconnect with: spawn last",
			"or destroy it with: spawn delete",
		)
	}
	return err
}
