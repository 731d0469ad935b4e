package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spawnhq/spawn/internal/cloud"
	"github.com/spawnhq/spawn/internal/config"
	"github.com/spawnhq/spawn/internal/credstore"
	"github.com/spawnhq/spawn/internal/manifest"
	"github.com/spawnhq/spawn/internal/registry"
	"github.com/spawnhq/spawn/pkg/errdefs"
	"github.com/spawnhq/spawn/pkg/events"
	"github.com/spawnhq/spawn/pkg/execx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedDriver records pipeline interactions and can fail on demand.
type scriptedDriver struct {
	created     *cloud.Server
	ran         []string
	uploaded    []string
	interactive string
	destroyed   []string

	failCreate  bool
	failReady   bool
	failRunWith string
	sink        func(*cloud.Server) error
}

func (d *scriptedDriver) Key() string          { return "hetzner" }
func (d *scriptedDriver) DashboardURL() string { return "https://console.example.com" }
func (d *scriptedDriver) DefaultUser() string  { return "root" }

func (d *scriptedDriver) Authenticate(ctx context.Context) error { return nil }
func (d *scriptedDriver) PromptSize(ctx context.Context) error   { return nil }

func (d *scriptedDriver) CreateServer(ctx context.Context, name, userdata string) (*cloud.Server, error) {
	if d.failCreate {
		return nil, errdefs.New(errdefs.KindProvision, "quota exceeded")
	}
	d.created = &cloud.Server{ID: "9001", Name: name, IP: "203.0.113.9", User: "root", Cloud: "hetzner"}
	if d.sink != nil {
		_ = d.sink(d.created)
	}
	return d.created, nil
}

func (d *scriptedDriver) WaitReady(ctx context.Context, srv *cloud.Server) error {
	if d.failReady {
		return errdefs.New(errdefs.KindReadyTimeout, "never became ready")
	}
	return nil
}

func (d *scriptedDriver) Run(ctx context.Context, srv *cloud.Server, cmd string, timeout time.Duration) error {
	d.ran = append(d.ran, cmd)
	if d.failRunWith != "" && strings.Contains(cmd, d.failRunWith) {
		return errdefs.New(errdefs.KindExecution, "exit 1")
	}
	return nil
}

func (d *scriptedDriver) RunCapture(ctx context.Context, srv *cloud.Server, cmd string, timeout time.Duration) (string, error) {
	return "", d.Run(ctx, srv, cmd, timeout)
}

func (d *scriptedDriver) Upload(ctx context.Context, srv *cloud.Server, localPath, remotePath string) error {
	d.uploaded = append(d.uploaded, remotePath)
	return nil
}

func (d *scriptedDriver) Interactive(ctx context.Context, srv *cloud.Server, cmd string) (int, error) {
	d.interactive = cmd
	return 0, nil
}

func (d *scriptedDriver) Destroy(ctx context.Context, serverID string) error {
	d.destroyed = append(d.destroyed, serverID)
	return nil
}

func (d *scriptedDriver) List(ctx context.Context) ([]cloud.Server, error) { return nil, nil }

func testOrchestrator(t *testing.T, drv *scriptedDriver) *Orchestrator {
	t.Helper()
	logger := zap.NewNop()
	home := t.TempDir()
	cfg := config.Load()
	cfg.Home = home

	man := &manifest.Manifest{
		Agents: map[string]manifest.AgentDef{
			"claude": {Name: "Claude Code", LaunchCommand: "claude", CloudInitTier: manifest.TierHeavy},
		},
		Clouds: map[string]manifest.CloudDef{
			"hetzner": {Name: "Hetzner Cloud", Homepage: "https://hetzner.com", Auth: "HCLOUD_TOKEN"},
		},
		Matrix: map[string]manifest.MatrixEntry{
			"hetzner/claude": {Implemented: true},
		},
	}

	o := &Orchestrator{
		Cfg:      cfg,
		Manifest: man,
		Registry: registry.New(filepath.Join(home, "history.json"), logger),
		Creds:    credstore.NewStore(filepath.Join(home, "creds"), logger),
		Bus:      events.NewBus(logger),
		Logger:   logger,
		Runner:   execx.New(logger),
	}
	o.driverFor = func(key string, deps cloud.Deps) (cloud.Driver, error) {
		drv.sink = deps.ConnectionSink
		return drv, nil
	}
	return o
}

func launchEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HCLOUD_TOKEN", "tok123")
	t.Setenv("OPENROUTER_API_KEY", "sk-or-abc")
}

func TestLaunchHappyPath(t *testing.T) {
	launchEnv(t)
	drv := &scriptedDriver{}
	o := testOrchestrator(t, drv)

	res, err := o.Launch(context.Background(), Options{
		Agent: "claude", Cloud: "hetzner", Name: "demo-1", Interactive: true,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "claude", res.LaunchCmd)
	assert.Equal(t, "claude", drv.interactive)
	assert.Equal(t, "demo-1", drv.created.Name)

	// The record landed with connection details and the launch command.
	records, err := o.Registry.All()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Connection)
	assert.Equal(t, "9001", records[0].Connection.ServerID)
	assert.Equal(t, "claude", records[0].Connection.LaunchCmd)

	// Environment injection went through the staged upload path.
	assert.Contains(t, drv.uploaded, "/tmp/spawnrc.b64")
}

func TestLaunchRecordsBeforeReadyFailure(t *testing.T) {
	launchEnv(t)
	drv := &scriptedDriver{failReady: true}
	o := testOrchestrator(t, drv)

	_, err := o.Launch(context.Background(), Options{Agent: "claude", Cloud: "hetzner", Name: "demo-1"})
	require.Error(t, err)

	// The spawn record exists even though the pipeline failed after
	// create_server.
	records, rerr := o.Registry.All()
	require.NoError(t, rerr)
	require.Len(t, records, 1)
	assert.Equal(t, "9001", records[0].Connection.ServerID)
}

func TestLaunchMissingCredentials(t *testing.T) {
	t.Setenv("HCLOUD_TOKEN", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	drv := &scriptedDriver{}
	o := testOrchestrator(t, drv)

	_, err := o.Launch(context.Background(), Options{Agent: "claude", Cloud: "hetzner", Name: "demo-1"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindAuth, errdefs.KindOf(err))
	assert.Contains(t, err.Error(), "Missing required credentials: HCLOUD_TOKEN, OPENROUTER_API_KEY")

	// Nothing was created and nothing was recorded.
	assert.Nil(t, drv.created)
	records, rerr := o.Registry.All()
	require.NoError(t, rerr)
	assert.Empty(t, records)
}

func TestLaunchNotImplemented(t *testing.T) {
	launchEnv(t)
	drv := &scriptedDriver{}
	o := testOrchestrator(t, drv)
	o.Manifest.Matrix["hetzner/claude"] = manifest.MatrixEntry{Implemented: false, Missing: "installer"}

	_, err := o.Launch(context.Background(), Options{Agent: "claude", Cloud: "hetzner", Name: "demo-1"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestLaunchDuplicateNameGuard(t *testing.T) {
	launchEnv(t)
	drv := &scriptedDriver{}
	o := testOrchestrator(t, drv)

	_, err := o.Launch(context.Background(), Options{Agent: "claude", Cloud: "hetzner", Name: "demo-1"})
	require.NoError(t, err)

	_, err = o.Launch(context.Background(), Options{Agent: "claude", Cloud: "hetzner", Name: "demo-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	// Only one server was ever created.
	records, rerr := o.Registry.All()
	require.NoError(t, rerr)
	assert.Len(t, records, 1)
}

func TestLaunchInstallFailure(t *testing.T) {
	launchEnv(t)
	drv := &scriptedDriver{failRunWith: "npm install"}
	o := testOrchestrator(t, drv)

	_, err := o.Launch(context.Background(), Options{Agent: "claude", Cloud: "hetzner", Name: "demo-1"})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInstall, errdefs.KindOf(err))
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"demo-1", "demo-1", false},
		{"A-Z", "a-z", false},
		{"My Server", "my-server", false},
		{"a", "", true},
		{fmt.Sprintf("a%s", stringOf('b', 127)), "a" + stringOf('b', 127), true},
		{"4ever", "", true},
		{"--", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeName(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func stringOf(c byte, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return string(b)
}

func TestDryRun(t *testing.T) {
	launchEnv(t)
	drv := &scriptedDriver{}
	o := testOrchestrator(t, drv)

	rows, err := o.DryRun(Options{Agent: "claude", Cloud: "hetzner", Prompt: "do the thing"})
	require.NoError(t, err)

	labels := map[string]string{}
	for _, r := range rows {
		labels[r.Label] = r.Value
	}
	assert.Contains(t, labels, "Agent")
	assert.Contains(t, labels, "Launch command")
	assert.Equal(t, "set", labels["Credential HCLOUD_TOKEN"])
	assert.Contains(t, labels, "Prompt")

	// Nothing was provisioned.
	assert.Nil(t, drv.created)
}

func TestSuggestCloudsOrdering(t *testing.T) {
	launchEnv(t)
	drv := &scriptedDriver{}
	o := testOrchestrator(t, drv)

	o.Manifest.Clouds["vultr"] = manifest.CloudDef{Name: "Vultr", Auth: "VULTR_API_KEY"}
	o.Manifest.Matrix["vultr/claude"] = manifest.MatrixEntry{Implemented: true}
	o.Manifest.Matrix["hetzner/claude"] = manifest.MatrixEntry{Implemented: true}
	t.Setenv("VULTR_API_KEY", "")

	hints := o.suggestClouds("claude")
	require.NotEmpty(t, hints)
	// The credentialed cloud (hetzner via HCLOUD_TOKEN) sorts first.
	assert.Contains(t, hints[0], "hetzner")
}
