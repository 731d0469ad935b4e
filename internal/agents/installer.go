// Package agents defines the installer capability set for every supported
// AI coding agent. Each agent lives in its own file and registers a
// capability struct; the orchestrator consumes the struct without knowing
// any agent by name.
package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spawnhq/spawn/internal/cloud"
	"github.com/spawnhq/spawn/internal/manifest"
	"go.uber.org/zap"
)

// openRouterBase is the API endpoint every agent is pointed at.
const openRouterBase = "https://openrouter.ai/api/v1"

// EnvInput is everything an agent may use to build its environment map.
type EnvInput struct {
	OpenRouterKey string
	Model         string
	Prompt        string
}

// RemoteContext is handed to configure and pre-launch hooks; they talk to
// the instance exclusively through the cloud driver.
type RemoteContext struct {
	Driver cloud.Driver
	Server *cloud.Server
	Logger *zap.Logger
}

// LocalContext is handed to pre-provision hooks, which run before any
// cloud resource exists.
type LocalContext struct {
	Picker      cloud.Picker
	Interactive bool
	Logger      *zap.Logger
}

// Installer is the capability struct one agent provides.
type Installer struct {
	// Key is the manifest agent key.
	Key string

	// Tier decides the cloud-init package set the agent needs.
	Tier manifest.Tier

	// InstallSteps run sequentially on the instance; each is one shell
	// invocation and any non-zero exit aborts the pipeline.
	InstallSteps []string

	// BuildEnv produces the environment map injected into ~/.spawnrc.
	BuildEnv func(in EnvInput) map[string]string

	// LaunchCommand becomes the foreground process of the session. The
	// model placeholder {{model}} is substituted when present.
	LaunchCommand string

	// PreProvision optionally runs locally before the VM is created,
	// e.g. to pick a model from a whitelist. Returns the chosen model.
	PreProvision func(ctx context.Context, lc LocalContext) (string, error)

	// Configure optionally runs remotely after environment injection,
	// e.g. to write a settings file.
	Configure func(ctx context.Context, rc RemoteContext, in EnvInput) error

	// PreLaunch optionally runs remotely just before the interactive
	// session, e.g. to start a background gateway.
	PreLaunch func(ctx context.Context, rc RemoteContext) error
}

// ResolveLaunch substitutes the chosen model into the launch command.
func (a *Installer) ResolveLaunch(model string) string {
	if model == "" {
		return a.LaunchCommand
	}
	return strings.ReplaceAll(a.LaunchCommand, "{{model}}", model)
}

var registryMap = map[string]*Installer{}

// Register installs an agent. Called from per-agent init funcs.
func Register(a *Installer) {
	if _, dup := registryMap[a.Key]; dup {
		panic(fmt.Sprintf("agent %q registered twice", a.Key))
	}
	registryMap[a.Key] = a
}

// Get returns the installer for an agent key.
func Get(key string) (*Installer, error) {
	a, ok := registryMap[key]
	if !ok {
		return nil, fmt.Errorf("no installer for agent %q", key)
	}
	return a, nil
}

// Keys lists registered agent keys, sorted.
func Keys() []string {
	keys := make([]string, 0, len(registryMap))
	for k := range registryMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Supported reports whether an installer exists for the agent key.
func Supported(key string) bool {
	_, ok := registryMap[key]
	return ok
}

// pickModel is the shared pre-provision helper: choose from a whitelist
// via the picker, defaulting to the first entry when non-interactive.
func pickModel(ctx context.Context, lc LocalContext, prompt string, models []string) (string, error) {
	if len(models) == 0 {
		return "", nil
	}
	if !lc.Interactive || lc.Picker == nil {
		return models[0], nil
	}

	options := make([]cloud.PickOption, 0, len(models))
	for _, m := range models {
		options = append(options, cloud.PickOption{Value: m, Label: m})
	}
	chosen, err := lc.Picker.Pick(ctx, prompt, options, models[0])
	if err != nil || chosen == "" {
		return models[0], nil
	}
	return chosen, nil
}

// hookTimeout bounds configure and pre-launch remote commands.
const hookTimeout = 2 * time.Minute
