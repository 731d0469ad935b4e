package cli

import (
	"context"
	"fmt"
	"os"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spawnhq/spawn/internal/cloud"
	"github.com/spawnhq/spawn/internal/config"
	"github.com/spawnhq/spawn/internal/credsvc"
	"github.com/spawnhq/spawn/internal/headless"
	"github.com/spawnhq/spawn/internal/orchestrator"
	"github.com/spawnhq/spawn/internal/registry"
	"github.com/spawnhq/spawn/internal/runner"
	"github.com/spawnhq/spawn/pkg/errdefs"
	"github.com/spawnhq/spawn/pkg/events"
	"github.com/spawnhq/spawn/pkg/execx"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, cancel := SignalContext()
	defer cancel()

	root := newRootCmd(ctx)
	if err := root.ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil {
			return 130
		}
		RenderError(os.Stderr, err, "")
		return errdefs.ExitCode(errdefs.KindOf(err))
	}
	return exitCode
}

// exitCode lets handlers that ran a child process propagate its status.
var exitCode int

type launchFlags struct {
	name       string
	prompt     string
	promptFile string
	dryRun     bool
	custom     bool
	headlessF  bool
	output     string
	debug      bool
}

func newRootCmd(ctx context.Context) *cobra.Command {
	var flags launchFlags

	root := &cobra.Command{
		Use:   "spawn [agent] [cloud]",
		Short: "Launch an AI coding agent on a fresh cloud VM",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			applyFlagEnv(flags)
			app, err := NewApp(cmd.Context())
			if err != nil {
				return err
			}
			return runLaunch(cmd.Context(), app, args, flags)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.Flags().StringVar(&flags.name, "name", "", "instance name (kebab-case)")
	root.Flags().StringVar(&flags.prompt, "prompt", "", "prompt passed to the agent")
	root.Flags().StringVar(&flags.promptFile, "prompt-file", "", "file containing the prompt")
	root.Flags().BoolVar(&flags.dryRun, "dry-run", false, "preview without provisioning")
	root.Flags().BoolVar(&flags.custom, "custom", false, "enable size/region pickers")
	root.Flags().BoolVar(&flags.headlessF, "headless", false, "structured output, no prompts")
	root.Flags().StringVar(&flags.output, "output", "text", "headless output format (json|text)")
	root.Flags().BoolVar(&flags.debug, "debug", false, "extra diagnostics on stderr")

	root.AddCommand(
		newListCmd(),
		newDeleteCmd(),
		newLastCmd(),
		newMatrixCmd(),
		newAgentsCmd(),
		newCloudsCmd(),
		newPickCmd(),
		newVersionCmd(),
		newUpdateCmd(),
		newRunnerCmd(),
		newCredSvcCmd(),
	)
	return root
}

// applyFlagEnv mirrors flags into the SPAWN_* environment so downstream
// code and child processes see one consistent view.
func applyFlagEnv(flags launchFlags) {
	if flags.debug {
		os.Setenv("SPAWN_DEBUG", "1")
	}
	if flags.custom {
		os.Setenv("SPAWN_CUSTOM", "1")
	}
	if flags.headlessF {
		os.Setenv("SPAWN_HEADLESS", "1")
	}
	if flags.prompt != "" || flags.promptFile != "" {
		os.Setenv("SPAWN_MODE", "non-interactive")
	}
}

func runLaunch(ctx context.Context, app *App, args []string, flags launchFlags) error {
	prompt := flags.prompt
	if flags.promptFile != "" {
		body, err := os.ReadFile(flags.promptFile)
		if err != nil {
			return errdefs.Wrap(errdefs.KindValidation, "could not read prompt file", err)
		}
		prompt = string(body)
	}
	if prompt == "" {
		prompt = app.Cfg.Prompt
	}

	var agentKey, cloudKey string
	switch len(args) {
	case 2:
		var err error
		agentKey, cloudKey, err = app.ResolvePair(args[0], args[1])
		if err != nil {
			return err
		}
	case 1:
		res, err := app.Manifest.ResolveAgent(args[0])
		if err != nil {
			return err
		}
		agentKey = res.Key
		cloudKey, err = app.pickCloudFor(ctx, agentKey)
		if err != nil {
			return err
		}
	default:
		var err error
		agentKey, err = app.pickAgent(ctx)
		if err != nil {
			return err
		}
		cloudKey, err = app.pickCloudFor(ctx, agentKey)
		if err != nil {
			return err
		}
	}

	opts := orchestrator.Options{
		Agent:       agentKey,
		Cloud:       cloudKey,
		Name:        flags.name,
		Prompt:      prompt,
		Interactive: app.Interactive() && !flags.headlessF,
	}

	if flags.dryRun {
		rows, err := app.Orch.DryRun(opts)
		if err != nil {
			return err
		}
		cells := make([][]string, 0, len(rows))
		for _, r := range rows {
			cells = append(cells, []string{r.Label, r.Value})
		}
		renderTable(os.Stderr, []string{"Field", "Value"}, cells)
		return nil
	}

	if flags.headlessF || app.Cfg.Headless {
		bridge := &headless.Bridge{Orch: app.Orch, Stdout: os.Stdout, Format: flags.output}
		exitCode = bridge.Run(ctx, opts)
		return nil
	}

	res, err := app.Orch.Launch(ctx, opts)
	if err != nil {
		RenderError(os.Stderr, err, RetryCommand(agentKey, cloudKey, flags.name, prompt))
		exitCode = errdefs.ExitCode(errdefs.KindOf(err))
		return nil
	}
	exitCode = res.ExitCode
	return nil
}

func (a *App) pickAgent(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(a.Manifest.Agents))
	for k := range a.Manifest.Agents {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return "", errdefs.New(errdefs.KindValidation, "the catalog lists no agents")
	}

	options := make([]cloud.PickOption, 0, len(keys))
	for _, k := range keys {
		def := a.Manifest.Agents[k]
		options = append(options, cloud.PickOption{Value: k, Label: def.Name, Hint: def.Description})
	}
	return a.Picker.Pick(ctx, "Pick an agent", options, keys[0])
}

func (a *App) pickCloudFor(ctx context.Context, agentKey string) (string, error) {
	clouds := a.Manifest.ImplementedClouds(agentKey)
	sort.Strings(clouds)
	if len(clouds) == 0 {
		return "", errdefs.Newf(errdefs.KindValidation, "%s is not implemented on any cloud yet", agentKey)
	}

	// Featured clouds first when the manifest declares them.
	if featured := a.Manifest.Agents[agentKey].FeaturedClouds; len(featured) > 0 {
		ordered := make([]string, 0, len(clouds))
		seen := map[string]bool{}
		for _, f := range featured {
			for _, c := range clouds {
				if c == f && !seen[c] {
					ordered = append(ordered, c)
					seen[c] = true
				}
			}
		}
		for _, c := range clouds {
			if !seen[c] {
				ordered = append(ordered, c)
			}
		}
		clouds = ordered
	}

	options := make([]cloud.PickOption, 0, len(clouds))
	for _, c := range clouds {
		def := a.Manifest.Clouds[c]
		options = append(options, cloud.PickOption{Value: c, Label: def.Name, Hint: a.credentialState(c)})
	}
	return a.Picker.Pick(ctx, "Pick a cloud for "+agentKey, options, clouds[0])
}

func newListCmd() *cobra.Command {
	var agentF, cloudF string
	var clear bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show launch history",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd.Context())
			if err != nil {
				return err
			}

			if clear {
				if app.Interactive() && !app.Picker.Confirm("Clear the entire launch history?") {
					return nil
				}
				if err := os.Remove(app.Cfg.HistoryPath()); err != nil && !os.IsNotExist(err) {
					return err
				}
				fmt.Fprintln(os.Stderr, "history cleared")
				return nil
			}

			agentKey, cloudKey, err := app.resolveFilters(agentF, cloudF)
			if err != nil {
				return err
			}
			records, err := app.Registry.Filter(agentKey, cloudKey)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(os.Stderr, "no launches recorded")
				return nil
			}

			rows := make([][]string, 0, len(records))
			for _, r := range records {
				state, ip := "-", "-"
				if c := r.Connection; c != nil {
					ip = c.IP
					if c.Deleted {
						state = "deleted"
					} else {
						state = "active"
					}
				}
				rows = append(rows, []string{
					r.Timestamp.Local().Format("2006-01-02 15:04"),
					r.Agent, r.Cloud, r.Name, ip, state,
				})
			}
			renderTable(os.Stdout, []string{"When", "Agent", "Cloud", "Name", "IP", "State"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&agentF, "agent", "", "filter by agent")
	cmd.Flags().StringVar(&cloudF, "cloud", "", "filter by cloud")
	cmd.Flags().BoolVar(&clear, "clear", false, "remove the whole history")
	return cmd
}

// resolveFilters applies the same fuzzy matching to filter flags as the
// launch path does to positional arguments.
func (a *App) resolveFilters(agentF, cloudF string) (string, string, error) {
	agentKey, cloudKey := "", ""
	if agentF != "" {
		res, err := a.Manifest.ResolveAgent(agentF)
		if err != nil {
			return "", "", err
		}
		agentKey = res.Key
	}
	if cloudF != "" {
		res, err := a.Manifest.ResolveCloud(cloudF)
		if err != nil {
			return "", "", err
		}
		cloudKey = res.Key
	}
	return agentKey, cloudKey, nil
}

func newDeleteCmd() *cobra.Command {
	var agentF, cloudF string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Destroy a launched server or remove a history entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd.Context())
			if err != nil {
				return err
			}

			agentKey, cloudKey, err := app.resolveFilters(agentF, cloudF)
			if err != nil {
				return err
			}
			active, err := app.Registry.ActiveServers()
			if err != nil {
				return err
			}

			var matching []registry.Record
			for _, r := range active {
				if agentKey != "" && r.Agent != agentKey {
					continue
				}
				if cloudKey != "" && r.Cloud != cloudKey {
					continue
				}
				matching = append(matching, r)
			}
			if len(matching) == 0 {
				fmt.Fprintln(os.Stderr, "no active servers match")
				return nil
			}

			options := make([]cloud.PickOption, 0, len(matching))
			for i, r := range matching {
				options = append(options, cloud.PickOption{
					Value: strconv.Itoa(i),
					Label: fmt.Sprintf("%s (%s on %s)", r.Name, r.Agent, r.Cloud),
					Hint:  r.Timestamp.Local().Format("2006-01-02 15:04"),
				})
			}
			choice, err := app.Picker.Pick(cmd.Context(), "Which server", options, "0")
			if err != nil {
				return err
			}
			idx, err := strconv.Atoi(choice)
			if err != nil || idx < 0 || idx >= len(matching) {
				return errdefs.New(errdefs.KindValidation, "no such selection")
			}
			rec := matching[idx]

			action, err := app.Picker.Pick(cmd.Context(), "Action", []cloud.PickOption{
				{Value: "destroy", Label: "Destroy the cloud server", Hint: "keeps the history entry"},
				{Value: "remove", Label: "Remove the history entry only", Hint: "the server keeps running"},
			}, "destroy")
			if err != nil {
				return err
			}

			switch action {
			case "destroy":
				drv, err := cloud.New(rec.Cloud, app.driverDeps())
				if err != nil {
					return err
				}
				if err := drv.Authenticate(cmd.Context()); err != nil {
					return err
				}
				if err := registry.Destroy(cmd.Context(), app.Registry, drv, rec); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "destroyed %s\n", rec.Name)
			case "remove":
				all, err := app.Registry.All()
				if err != nil {
					return err
				}
				for i, r := range all {
					if r.Timestamp.Equal(rec.Timestamp) && r.Name == rec.Name {
						if err := app.Registry.Remove(i); err != nil {
							return err
						}
						break
					}
				}
				fmt.Fprintf(os.Stderr, "removed history entry for %s\n", rec.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentF, "agent", "", "filter by agent")
	cmd.Flags().StringVar(&cloudF, "cloud", "", "filter by cloud")
	return cmd
}

func (a *App) driverDeps() cloud.Deps {
	return cloud.Deps{
		Logger:      a.Logger,
		Credentials: a.Creds,
		Runner:      execx.New(a.Logger),
		Picker:      a.Picker,
		Prompter:    a.Picker,
		Interactive: a.Interactive(),
	}
}

func newLastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "last",
		Short: "Reconnect to the most recent launch",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd.Context())
			if err != nil {
				return err
			}

			last, err := app.Registry.Last()
			if err != nil {
				return err
			}
			if last == nil {
				return errdefs.New(errdefs.KindValidation, "no launches recorded yet")
			}

			code, err := registry.Reconnect(cmd.Context(), registry.ReconnectDeps{
				Runner: execx.New(app.Logger),
				Logger: app.Logger,
			}, *last, app.Cfg.HistoryPath())
			if err != nil {
				return err
			}
			exitCode = code
			return nil
		},
	}
}

func newMatrixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "matrix",
		Short: "Show which agent/cloud pairs are launchable",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd.Context())
			if err != nil {
				return err
			}

			agentKeys := sortedKeys(app.Manifest.Agents)
			cloudKeys := sortedKeys(app.Manifest.Clouds)

			yes, no := "✓", "·"
			if os.Getenv("SPAWN_NO_UNICODE") == "1" {
				yes, no = "x", "-"
			}

			headers := append([]string{"cloud \\ agent"}, agentKeys...)
			rows := make([][]string, 0, len(cloudKeys))
			for _, c := range cloudKeys {
				row := []string{c}
				for _, a := range agentKeys {
					if app.Manifest.Implemented(c, a) {
						row = append(row, yes)
					} else {
						row = append(row, no)
					}
				}
				rows = append(rows, row)
			}
			renderTable(os.Stdout, headers, rows)
			return nil
		},
	}
}

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List available agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd.Context())
			if err != nil {
				return err
			}

			rows := [][]string{}
			for _, k := range sortedKeys(app.Manifest.Agents) {
				def := app.Manifest.Agents[k]
				rows = append(rows, []string{k, def.Name, string(def.CloudInitTier), def.Description})
			}
			renderTable(os.Stdout, []string{"Key", "Name", "Tier", "Description"}, rows)
			return nil
		},
	}
}

func newCloudsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clouds",
		Short: "List available clouds and credential readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd.Context())
			if err != nil {
				return err
			}

			rows := [][]string{}
			for _, k := range sortedKeys(app.Manifest.Clouds) {
				def := app.Manifest.Clouds[k]
				rows = append(rows, []string{k, def.Name, def.Type, app.credentialState(k)})
			}
			renderTable(os.Stdout, []string{"Key", "Name", "Type", "Credentials"}, rows)
			return nil
		},
	}
}

func newPickCmd() *cobra.Command {
	var prompt, defaultValue string

	cmd := &cobra.Command{
		Use:   "pick",
		Short: "Pick one value from tab-separated options on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return PickFromStdin(cmd.Context(), os.Stdin, os.Stdout, os.Stderr, prompt, defaultValue)
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "Pick one", "prompt text")
	cmd.Flags().StringVar(&defaultValue, "default", "", "value chosen when no selection happens")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Update spawn to the latest release",
		RunE: func(cmd *cobra.Command, args []string) error {
			// The actual install script lives outside the core; hand off.
			fmt.Fprintln(os.Stderr, "run: curl -fsSL https://spawn.sh/install | sh")
			return nil
		},
	}
}

func newRunnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runner",
		Short: "Run the HTTP trigger runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Runner.Validate(); err != nil {
				return errdefs.Wrap(errdefs.KindValidation, "runner misconfigured", err)
			}

			logger := newLogger(cfg.Debug)
			bus := events.NewBus(logger)
			r := runner.New(cfg.Runner, filepath.Join(cfg.Home, "runner-logs"), bus, logger)
			return r.Serve(cmd.Context())
		},
	}
}

func newCredSvcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "credsvc",
		Short: "Run the credential self-service",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.Cfg.CredSvc.Validate(); err != nil {
				return errdefs.Wrap(errdefs.KindValidation, "credsvc misconfigured", err)
			}

			store, err := credsvc.OpenStore(app.Cfg.CredSvc.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			limiter, err := credsvc.NewRateLimiter(app.Cfg.CredSvc.RedisAddr, app.Logger)
			if err != nil {
				return err
			}
			defer limiter.Close()

			mailer, err := credsvc.NewSMTPMailer(app.Cfg.CredSvc)
			if err != nil {
				return err
			}

			svc := credsvc.NewService(app.Cfg.CredSvc, store, app.Creds, mailer, limiter, app.Manifest, app.Logger)
			return serveHTTP(cmd.Context(), app.Cfg.CredSvc.Addr, svc.Routes(), app)
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// serveHTTP runs a handler until the context is cancelled, then shuts
// down gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, app *App) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
