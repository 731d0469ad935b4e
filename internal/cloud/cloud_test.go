package cloud

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/spawnhq/spawn/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"203.0.113.7", true},
		{"sprite-console", true},
		{"daytona-sandbox", true},
		{"host.example.com", true},
		{"203.0.113.7; rm -rf /", false},
		{"", false},
		{"$(whoami)", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidIP(tt.ip))
		})
	}
}

func TestServerValidate(t *testing.T) {
	good := Server{ID: "12345", Name: "demo-1", IP: "203.0.113.7", User: "root", Cloud: "hetzner"}
	assert.NoError(t, good.Validate())

	bad := good
	bad.User = "Root!"
	assert.Error(t, bad.Validate())

	bad = good
	bad.ID = "id with spaces"
	assert.Error(t, bad.Validate())
}

func TestSubstituteType(t *testing.T) {
	logger := zap.NewNop()
	catalog := []ServerType{
		{ID: "cpx31", Family: "shared", Cores: 4, MemoryGB: 8, PriceHourly: 0.025, Available: false},
		{ID: "cpx41", Family: "shared", Cores: 8, MemoryGB: 16, PriceHourly: 0.045, Available: true},
		{ID: "cpx51", Family: "shared", Cores: 16, MemoryGB: 32, PriceHourly: 0.080, Available: true},
		{ID: "ccx23", Family: "dedicated", Cores: 4, MemoryGB: 16, PriceHourly: 0.060, Available: true},
	}

	requested := ServerType{ID: "cpx31", Family: "shared", Cores: 4, MemoryGB: 8}

	// Same family, cheapest with >= cores and memory.
	chosen, err := substituteType(logger, requested, catalog)
	require.NoError(t, err)
	assert.Equal(t, "cpx41", chosen.ID)

	// No same-family option left: falls back to any family.
	requested.Family = "arm"
	chosen, err = substituteType(logger, requested, catalog)
	require.NoError(t, err)
	assert.Equal(t, "cpx41", chosen.ID)

	// Nothing viable at all.
	requested.Cores = 64
	_, err = substituteType(logger, requested, catalog)
	assert.Error(t, err)
}

func TestUserdataTiers(t *testing.T) {
	minimal, err := Userdata(manifest.TierMinimal, "root")
	require.NoError(t, err)
	assert.Contains(t, minimal, "curl unzip git")
	assert.NotContains(t, minimal, "nodejs")
	assert.Contains(t, minimal, ReadyMarker)

	full, err := Userdata(manifest.TierFull, "root")
	require.NoError(t, err)
	assert.Contains(t, full, "python3")
	assert.NotContains(t, full, "nodejs")

	heavy, err := Userdata(manifest.TierHeavy, "root")
	require.NoError(t, err)
	assert.Contains(t, heavy, "nodejs")
	assert.Contains(t, heavy, "bun.sh")
}

func TestAPIClientRetriesReadOnly(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	c := newAPIClient(server.URL, "tok", zap.NewNop())
	c.retryDelay = 0

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, c.get(context.Background(), "/thing", &out))
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAPIClientDoesNotRetryWrites(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newAPIClient(server.URL, "tok", zap.NewNop())
	err := c.post(context.Background(), "/servers", map[string]string{"name": "x"}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAPIClientNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "no such server"}`, http.StatusNotFound)
	}))
	defer server.Close()

	c := newAPIClient(server.URL, "tok", zap.NewNop())
	err := c.del(context.Background(), "/servers/42")
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.True(t, apiErr.IsNotFound())
}

func TestHetznerDestroyTreats404AsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	d := newHetzner(Deps{Logger: zap.NewNop()})
	d.api = newAPIClient(server.URL, "tok", zap.NewNop())

	assert.NoError(t, d.Destroy(context.Background(), "12345"))
}

func TestHetznerDestroyRejectsBadID(t *testing.T) {
	d := newHetzner(Deps{Logger: zap.NewNop()})
	assert.Error(t, d.Destroy(context.Background(), "42; rm -rf /"))
}

func TestHetznerList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/servers", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"servers": [
			{"id": 101, "name": "demo-1", "public_net": {"ipv4": {"ip": "203.0.113.7"}}}
		]}`))
	}))
	defer server.Close()

	d := newHetzner(Deps{Logger: zap.NewNop()})
	d.api = newAPIClient(server.URL, "tok", zap.NewNop())

	servers, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "101", servers[0].ID)
	assert.Equal(t, "demo-1", servers[0].Name)
	assert.Equal(t, "203.0.113.7", servers[0].IP)
}

func TestRegistryKeys(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "hetzner")
	assert.Contains(t, keys, "digitalocean")
	assert.Contains(t, keys, "vultr")
	assert.Contains(t, keys, "linode")
	assert.Contains(t, keys, "daytona")
	assert.Contains(t, keys, "sprite")
	assert.True(t, Supported("hetzner"))
	assert.False(t, Supported("nimbus"))
}
