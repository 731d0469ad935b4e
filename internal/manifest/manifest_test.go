package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spawnhq/spawn/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testManifest() *Manifest {
	return &Manifest{
		Agents: map[string]AgentDef{
			"claude": {Name: "Claude Code", LaunchCommand: "claude", CloudInitTier: TierHeavy},
			"codex":  {Name: "Codex CLI", LaunchCommand: "codex", CloudInitTier: TierHeavy},
		},
		Clouds: map[string]CloudDef{
			"hetzner": {Name: "Hetzner Cloud", Type: "vm", Auth: "HCLOUD_TOKEN"},
			"vultr":   {Name: "Vultr", Type: "vm", Auth: "VULTR_API_KEY"},
		},
		Matrix: map[string]MatrixEntry{
			"hetzner/claude": {Implemented: true},
			"hetzner/codex":  {Implemented: true},
			"vultr/claude":   {Implemented: false, Missing: "installer"},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr bool
	}{
		{
			name:   "valid manifest",
			mutate: func(m *Manifest) {},
		},
		{
			name: "matrix references unknown cloud",
			mutate: func(m *Manifest) {
				m.Matrix["nope/claude"] = MatrixEntry{Implemented: true}
			},
			wantErr: true,
		},
		{
			name: "matrix references unknown agent",
			mutate: func(m *Manifest) {
				m.Matrix["hetzner/nope"] = MatrixEntry{Implemented: true}
			},
			wantErr: true,
		},
		{
			name: "invalid agent key",
			mutate: func(m *Manifest) {
				m.Agents["Bad_Key"] = AgentDef{Name: "x"}
			},
			wantErr: true,
		},
		{
			name: "malformed auth",
			mutate: func(m *Manifest) {
				c := m.Clouds["hetzner"]
				c.Auth = "lower+case"
				m.Clouds["hetzner"] = c
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testManifest()
			tt.mutate(m)
			err := m.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseAuth(t *testing.T) {
	tests := []struct {
		auth string
		want []string
	}{
		{"HCLOUD_TOKEN", []string{"HCLOUD_TOKEN"}},
		{"FOO + BAR", []string{"FOO", "BAR"}},
		{"AWS_ACCESS_KEY_ID+AWS_SECRET_ACCESS_KEY", []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY"}},
		{"none", []string{}},
		{"", []string{}},
		{"foo", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.auth, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAuth(tt.auth))
		})
	}
}

func TestResolveAgent(t *testing.T) {
	m := testManifest()

	tests := []struct {
		name        string
		input       string
		wantKey     string
		wantSwapped bool
		wantErr     bool
	}{
		{name: "exact key", input: "claude", wantKey: "claude"},
		{name: "case-insensitive key", input: "CLAUDE", wantKey: "claude"},
		{name: "display name", input: "Claude Code", wantKey: "claude"},
		{name: "close typo", input: "Clod", wantKey: "claude"},
		{name: "cloud key means swapped args", input: "hetzner", wantKey: "hetzner", wantSwapped: true},
		{name: "garbage", input: "qwertyui", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.ResolveAgent(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, res.Key)
			assert.Equal(t, tt.wantSwapped, res.SwappedKind)
		})
	}
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("claude", "claude"))
	assert.Equal(t, 3, levenshtein("clod", "claude"))
	assert.Equal(t, 5, levenshtein("", "codex"))
}

func TestServiceLoadFetchSuccess(t *testing.T) {
	logger := zap.NewNop()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"agents": {"claude": {"name": "Claude Code", "launch_command": "claude", "cloud_init_tier": "heavy"}},
			"clouds": {"hetzner": {"name": "Hetzner Cloud", "type": "vm", "homepage": "https://hetzner.com", "auth": "HCLOUD_TOKEN"}},
			"matrix": {"hetzner/claude": {"implemented": true}}
		}`))
	}))
	defer server.Close()

	cachePath := filepath.Join(t.TempDir(), "manifest.json")
	svc := NewService(config.ManifestConfig{
		URL:          server.URL,
		FetchTimeout: 5 * time.Second,
		CacheTTL:     24 * time.Hour,
		StaleCeiling: 720 * time.Hour,
	}, cachePath, logger)

	m, err := svc.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Implemented("hetzner", "claude"))
	assert.False(t, svc.IsStale())

	// Cache was written atomically alongside the fetch.
	_, err = os.Stat(cachePath)
	assert.NoError(t, err)
}

func TestServiceLoadFallsBackToCache(t *testing.T) {
	logger := zap.NewNop()
	cachePath := filepath.Join(t.TempDir(), "manifest.json")

	body := []byte(`{
		"agents": {"claude": {"name": "Claude Code", "launch_command": "claude", "cloud_init_tier": "heavy"}},
		"clouds": {"hetzner": {"name": "Hetzner Cloud", "type": "vm", "homepage": "https://hetzner.com", "auth": "HCLOUD_TOKEN"}},
		"matrix": {}
	}`)
	require.NoError(t, os.WriteFile(cachePath, body, 0o600))

	// Point at a server that immediately refuses.
	svc := NewService(config.ManifestConfig{
		URL:          "http://127.0.0.1:1",
		FetchTimeout: time.Second,
		CacheTTL:     24 * time.Hour,
		StaleCeiling: 720 * time.Hour,
	}, cachePath, logger)

	m, err := svc.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, m.Clouds, "hetzner")
	assert.False(t, svc.IsStale())
}

func TestServiceLoadStaleCache(t *testing.T) {
	logger := zap.NewNop()
	cachePath := filepath.Join(t.TempDir(), "manifest.json")

	body := []byte(`{"agents": {}, "clouds": {}, "matrix": {}}`)
	require.NoError(t, os.WriteFile(cachePath, body, 0o600))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(cachePath, old, old))

	svc := NewService(config.ManifestConfig{
		URL:          "http://127.0.0.1:1",
		FetchTimeout: time.Second,
		CacheTTL:     24 * time.Hour,
		StaleCeiling: 720 * time.Hour,
	}, cachePath, logger)

	_, err := svc.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, svc.IsStale())
}

func TestServiceLoadParseFailure(t *testing.T) {
	logger := zap.NewNop()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer server.Close()

	svc := NewService(config.ManifestConfig{
		URL:          server.URL,
		FetchTimeout: time.Second,
		CacheTTL:     24 * time.Hour,
		StaleCeiling: 720 * time.Hour,
	}, filepath.Join(t.TempDir(), "manifest.json"), logger)

	_, err := svc.Load(context.Background())
	var merr *ManifestError
	require.ErrorAs(t, err, &merr)
}
