// Package runner implements the trigger runner: a long-lived local HTTP
// listener that wakes on authenticated POSTs and supervises single-cycle
// workflow scripts with concurrency caps, stale reaping, idle watchdogs,
// and graceful drain.
package runner

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spawnhq/spawn/internal/config"
	"github.com/spawnhq/spawn/pkg/events"
	"github.com/spawnhq/spawn/pkg/execx"
	"github.com/spawnhq/spawn/pkg/metrics"
	"go.uber.org/zap"
)

// Slot tracks one supervised workflow cycle.
type Slot struct {
	ID        string    `json:"id"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Reason    string    `json:"reason"`

	logPath  string
	lastSize int64
	lastGrow time.Time
}

// snapshot is the wire form of a slot.
type snapshot struct {
	ID        string `json:"id"`
	Pid       int    `json:"pid"`
	StartedAt string `json:"startedAt"`
	AgeSec    int64  `json:"ageSec"`
	Reason    string `json:"reason"`
}

// Runner supervises workflow cycles. The slot set is the only shared
// mutable state and sits behind the mutex.
type Runner struct {
	cfg    config.RunnerConfig
	logger *zap.Logger
	execr  *execx.Runner
	bus    *events.Bus

	mu       sync.Mutex
	slots    map[string]*Slot
	draining bool

	logDir string
}

// New creates a runner. The configuration must already be validated.
func New(cfg config.RunnerConfig, logDir string, bus *events.Bus, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		logger: logger,
		execr:  execx.New(logger),
		bus:    bus,
		slots:  make(map[string]*Slot),
		logDir: logDir,
	}
}

// Routes builds the HTTP handler.
func (r *Runner) Routes() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Get("/health", r.handleHealth)
	mux.Post("/trigger", r.handleTrigger)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve runs the listener until ctx is cancelled, then drains: no new
// connections, up to the configured drain window for outstanding scripts,
// then SIGKILL for survivors. Returns a non-nil error when survivors had
// to be killed.
func (r *Runner) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              r.cfg.Addr,
		Handler:           r.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go r.sweepLoop(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("trigger runner listening",
			zap.String("addr", r.cfg.Addr),
			zap.Int("max_concurrent", r.cfg.MaxConcurrent),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	r.mu.Lock()
	alreadyDraining := r.draining
	r.draining = true
	r.mu.Unlock()
	if alreadyDraining {
		return nil
	}

	r.logger.Info("shutting down, draining outstanding runs",
		zap.Duration("drain_timeout", r.cfg.DrainTimeout),
	)

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)

	killed := r.drain()
	if killed > 0 {
		return fmt.Errorf("killed %d runs that outlived the drain window", killed)
	}
	return nil
}

func (r *Runner) drain() int {
	deadline := time.Now().Add(r.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		r.reap()
		r.mu.Lock()
		n := len(r.slots)
		r.mu.Unlock()
		if n == 0 {
			return 0
		}
		time.Sleep(time.Second)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	killed := 0
	for id, slot := range r.slots {
		r.logger.Warn("killing run that outlived the drain window",
			zap.Int("pid", slot.Pid),
			zap.String("reason", slot.Reason),
		)
		execx.KillTree(slot.Pid)
		delete(r.slots, id)
		killed++
	}
	metrics.ActiveRuns.Set(0)
	return killed
}

func (r *Runner) handleHealth(w http.ResponseWriter, req *http.Request) {
	r.reap()

	r.mu.Lock()
	runs := make([]snapshot, 0, len(r.slots))
	for _, s := range r.slots {
		runs = append(runs, snap(s))
	}
	draining := r.draining
	r.mu.Unlock()

	status := "ok"
	if draining {
		status = "draining"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"running":    len(runs),
		"max":        r.cfg.MaxConcurrent,
		"timeoutSec": int64(r.cfg.RunTimeout / time.Second),
		"runs":       runs,
	})
}

func (r *Runner) handleTrigger(w http.ResponseWriter, req *http.Request) {
	if !r.authorized(req) {
		metrics.RunsRejected.WithLabelValues("unauthorized").Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
		return
	}

	r.mu.Lock()
	draining := r.draining
	r.mu.Unlock()
	if draining {
		metrics.RunsRejected.WithLabelValues("draining").Inc()
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "shutting down"})
		return
	}

	// Opportunistic reap before the capacity decision.
	r.reap()

	r.mu.Lock()
	if len(r.slots) >= r.cfg.MaxConcurrent {
		oldest := time.Duration(0)
		for _, s := range r.slots {
			if age := time.Since(s.StartedAt); age > oldest {
				oldest = age
			}
		}
		running := len(r.slots)
		r.mu.Unlock()
		metrics.RunsRejected.WithLabelValues("capacity").Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":        "at capacity",
			"running":      running,
			"max":          r.cfg.MaxConcurrent,
			"oldestAgeSec": int64(oldest / time.Second),
		})
		return
	}
	r.mu.Unlock()

	reason := strings.TrimSpace(req.URL.Query().Get("reason"))
	if reason == "" {
		reason = "manual"
	}

	slot, err := r.spawn(reason)
	if err != nil {
		r.logger.Error("failed to start workflow cycle", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}

	r.mu.Lock()
	running := len(r.slots)
	r.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "started",
		"running": running,
		"max":     r.cfg.MaxConcurrent,
		"run":     snap(slot),
	})
}

func (r *Runner) authorized(req *http.Request) bool {
	header := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		// Burn a comparison anyway so the timing is uniform.
		subtle.ConstantTimeCompare([]byte(header), []byte(r.cfg.Secret))
		return false
	}
	token := header[len(prefix):]
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.cfg.Secret)) == 1
}

// spawn launches the workflow script detached with its combined stdio in a
// per-run log file the idle watchdog can observe.
func (r *Runner) spawn(reason string) (*Slot, error) {
	id := uuid.New().String()

	if err := os.MkdirAll(r.logDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logPath := filepath.Join(r.logDir, id+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	defer logFile.Close()

	workdir := r.cfg.Workdir
	if workdir == "" {
		workdir = filepath.Dir(r.cfg.Script)
	}

	handle, err := r.execr.Detach([]string{r.cfg.Script}, workdir, nil, logFile)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	slot := &Slot{
		ID:        id,
		Pid:       handle.Pid,
		StartedAt: now,
		Reason:    reason,
		logPath:   logPath,
		lastGrow:  now,
	}

	r.mu.Lock()
	r.slots[id] = slot
	metrics.ActiveRuns.Set(float64(len(r.slots)))
	r.mu.Unlock()

	metrics.RunsStarted.Inc()
	r.bus.Publish(context.Background(), events.NewEvent(events.EventRunStarted, "", "",
		map[string]interface{}{"pid": handle.Pid, "reason": reason}))

	r.logger.Info("workflow cycle started",
		zap.Int("pid", handle.Pid),
		zap.String("reason", reason),
		zap.String("log", logPath),
	)

	go func() {
		code := <-handle.Wait()
		metrics.RunDuration.Observe(time.Since(now).Seconds())
		r.bus.Publish(context.Background(), events.NewEvent(events.EventRunFinished, "", "",
			map[string]interface{}{"pid": handle.Pid, "exit_code": code}))
		r.logger.Info("workflow cycle finished",
			zap.Int("pid", handle.Pid),
			zap.Int("exit_code", code),
		)
		// The slot itself is removed by the next reap; removing it here
		// too keeps health honest between sweeps.
		r.reap()
	}()

	return slot, nil
}

// reap removes slots whose pid died, force-kills slots past the hard
// wall-clock ceiling, and terminates cycles whose log stopped growing for
// the idle window.
func (r *Runner) reap() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, slot := range r.slots {
		if !execx.Alive(slot.Pid) {
			delete(r.slots, id)
			metrics.RunsReaped.WithLabelValues("dead").Inc()
			r.logger.Debug("reaped dead run slot", zap.Int("pid", slot.Pid))
			continue
		}

		if now.Sub(slot.StartedAt) > r.cfg.RunTimeout {
			r.logger.Warn("run exceeded wall-clock ceiling, killing tree",
				zap.Int("pid", slot.Pid),
				zap.Duration("age", now.Sub(slot.StartedAt)),
			)
			execx.KillTree(slot.Pid)
			delete(r.slots, id)
			metrics.RunsReaped.WithLabelValues("timeout").Inc()
			r.bus.Publish(context.Background(), events.NewEvent(events.EventRunTimedOut, "", "",
				map[string]interface{}{"pid": slot.Pid}))
			continue
		}

		if r.idleExpired(slot, now) {
			r.logger.Warn("run idle watchdog fired, killing tree",
				zap.Int("pid", slot.Pid),
				zap.Duration("idle", now.Sub(slot.lastGrow)),
			)
			execx.KillTree(slot.Pid)
			delete(r.slots, id)
			metrics.RunsReaped.WithLabelValues("idle").Inc()
			r.bus.Publish(context.Background(), events.NewEvent(events.EventRunReaped, "", "",
				map[string]interface{}{"pid": slot.Pid, "cause": "idle"}))
		}
	}
	metrics.ActiveRuns.Set(float64(len(r.slots)))
}

// idleExpired updates the growth bookkeeping for a slot and reports
// whether its log has been flat past the idle window.
func (r *Runner) idleExpired(slot *Slot, now time.Time) bool {
	if r.cfg.IdleTimeout <= 0 {
		return false
	}
	info, err := os.Stat(slot.logPath)
	if err != nil {
		return false
	}
	if info.Size() != slot.lastSize {
		slot.lastSize = info.Size()
		slot.lastGrow = now
		return false
	}
	return now.Sub(slot.lastGrow) > r.cfg.IdleTimeout
}

// sweepLoop reaps continuously so stale slots disappear even when no
// trigger arrives.
func (r *Runner) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

// Running returns the live slot count after a reap; used by tests and the
// health handler path.
func (r *Runner) Running() int {
	r.reap()
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

func snap(s *Slot) snapshot {
	return snapshot{
		ID:        s.ID,
		Pid:       s.Pid,
		StartedAt: s.StartedAt.UTC().Format(time.RFC3339),
		AgeSec:    int64(time.Since(s.StartedAt) / time.Second),
		Reason:    s.Reason,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
