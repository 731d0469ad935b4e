package runner

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/spawnhq/spawn/internal/config"
	"github.com/spawnhq/spawn/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "trigger-secret"

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cycle.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o700))
	return path
}

func newTestRunner(t *testing.T, script string, maxConcurrent int) *Runner {
	t.Helper()
	logger := zap.NewNop()
	cfg := config.RunnerConfig{
		Addr:          "127.0.0.1:0",
		Secret:        testSecret,
		Script:        script,
		MaxConcurrent: maxConcurrent,
		RunTimeout:    time.Minute,
		IdleTimeout:   time.Minute,
		DrainTimeout:  5 * time.Second,
		SweepInterval: 50 * time.Millisecond,
	}
	return New(cfg, t.TempDir(), events.NewBus(logger), logger)
}

func trigger(t *testing.T, h http.Handler, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/trigger?reason=test", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestTriggerRejectsBadToken(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "exit 0"), 1)
	h := r.Routes()

	assert.Equal(t, http.StatusUnauthorized, trigger(t, h, "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, trigger(t, h, "").Code)
}

func TestTriggerStartsRun(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "sleep 2"), 1)
	h := r.Routes()

	rec := trigger(t, h, testSecret)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "started", body["status"])
	assert.Equal(t, float64(1), body["running"])

	run := body["run"].(map[string]interface{})
	assert.Equal(t, "test", run["reason"])
	assert.Greater(t, run["pid"].(float64), float64(0))
}

func TestConcurrencyCapReturns429(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "sleep 5"), 1)
	h := r.Routes()

	first := trigger(t, h, testSecret)
	require.Equal(t, http.StatusOK, first.Code)

	second := trigger(t, h, testSecret)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	body := decode(t, second)
	assert.Equal(t, float64(1), body["running"])
	assert.Equal(t, float64(1), body["max"])
	assert.Contains(t, body, "oldestAgeSec")
}

func TestSlotFreesAfterExit(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "exit 0"), 1)
	h := r.Routes()

	require.Equal(t, http.StatusOK, trigger(t, h, testSecret).Code)

	// Give the one-shot script a moment to exit, then health must show
	// zero running and a fresh trigger must be admitted.
	require.Eventually(t, func() bool { return r.Running() == 0 }, 5*time.Second, 50*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(0), body["running"])

	assert.Equal(t, http.StatusOK, trigger(t, h, testSecret).Code)
}

func TestStaleReapOnExternallyKilledPid(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "sleep 60"), 1)
	h := r.Routes()

	rec := trigger(t, h, testSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode(t, rec)["run"].(map[string]interface{})
	pid := int(run["pid"].(float64))

	// Kill the cycle behind the runner's back.
	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))
	require.Eventually(t, func() bool { return r.Running() == 0 }, 5*time.Second, 50*time.Millisecond)

	// The next trigger finds a free slot.
	assert.Equal(t, http.StatusOK, trigger(t, h, testSecret).Code)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "exit 0"), 2)
	h := r.Routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["max"])
	assert.Contains(t, body, "timeoutSec")
	assert.Contains(t, body, "runs")
}

func TestDrainingRejectsTriggers(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "exit 0"), 1)
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	rec := trigger(t, r.Routes(), testSecret)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWallClockCeilingKillsRun(t *testing.T) {
	r := newTestRunner(t, writeScript(t, "sleep 60"), 1)
	r.cfg.RunTimeout = 100 * time.Millisecond
	h := r.Routes()

	require.Equal(t, http.StatusOK, trigger(t, h, testSecret).Code)
	require.Eventually(t, func() bool { return r.Running() == 0 }, 15*time.Second, 100*time.Millisecond)
}
