// Package registry persists one record per launch attempt in an
// append-oriented JSON file. Every identifier is validated on write and
// again on read; a record that stops matching its charset aborts the
// command with a tamper diagnostic instead of reaching a command line.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/spawnhq/spawn/internal/cloud"
	"github.com/spawnhq/spawn/pkg/errdefs"
	"go.uber.org/zap"
)

const (
	maxNameLen   = 128
	maxPromptLen = 10000
	maxLaunchLen = 512
)

var (
	keyPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	// launchCmdPattern is the allow list for persisted launch commands:
	// paths, flags, quotes for arguments, and basic shell joiners that
	// reconnect needs (&&, |). Everything else is refused.
	launchCmdPattern = regexp.MustCompile(`^[A-Za-z0-9 ._/@:+=,'"{}\[\]~&|-]+$`)
)

// Connection is the reachable half of a spawn record.
type Connection struct {
	IP         string            `json:"ip"`
	User       string            `json:"user"`
	ServerID   string            `json:"server_id"`
	ServerName string            `json:"server_name"`
	Cloud      string            `json:"cloud"`
	LaunchCmd  string            `json:"launch_cmd,omitempty"`
	Deleted    bool              `json:"deleted,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Record is one launch attempt.
type Record struct {
	Agent      string      `json:"agent"`
	Cloud      string      `json:"cloud"`
	Timestamp  time.Time   `json:"timestamp"`
	Name       string      `json:"name,omitempty"`
	Prompt     string      `json:"prompt,omitempty"`
	Connection *Connection `json:"connection,omitempty"`
}

// Validate checks every field against the data-model invariants.
func (r *Record) Validate() error {
	if !keyPattern.MatchString(r.Agent) {
		return fmt.Errorf("invalid agent key %q", r.Agent)
	}
	if !keyPattern.MatchString(r.Cloud) {
		return fmt.Errorf("invalid cloud key %q", r.Cloud)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("record has no timestamp")
	}
	if len(r.Name) > maxNameLen {
		return fmt.Errorf("name exceeds %d characters", maxNameLen)
	}
	if len(r.Prompt) > maxPromptLen {
		return fmt.Errorf("prompt exceeds %d characters", maxPromptLen)
	}
	if strings.ContainsFunc(r.Prompt, func(c rune) bool {
		return c < 0x20 && c != '\n' && c != '\t'
	}) {
		return fmt.Errorf("prompt contains control characters")
	}

	if c := r.Connection; c != nil {
		if !cloud.ValidIP(c.IP) {
			return fmt.Errorf("invalid ip %q", c.IP)
		}
		if !cloud.ValidUser(c.User) {
			return fmt.Errorf("invalid user %q", c.User)
		}
		if c.ServerID != "" && !cloud.ValidIdentifier(c.ServerID) {
			return fmt.Errorf("invalid server_id %q", c.ServerID)
		}
		if c.ServerName != "" && !cloud.ValidIdentifier(c.ServerName) {
			return fmt.Errorf("invalid server_name %q", c.ServerName)
		}
		if !keyPattern.MatchString(c.Cloud) {
			return fmt.Errorf("invalid connection cloud %q", c.Cloud)
		}
		if c.LaunchCmd != "" {
			if len(c.LaunchCmd) > maxLaunchLen {
				return fmt.Errorf("launch_cmd exceeds %d characters", maxLaunchLen)
			}
			if !launchCmdPattern.MatchString(c.LaunchCmd) {
				return fmt.Errorf("launch_cmd contains disallowed characters")
			}
		}
		for k, v := range c.Metadata {
			if !cloud.ValidIdentifier(k) {
				return fmt.Errorf("invalid metadata key %q", k)
			}
			if len(v) > maxLaunchLen || (v != "" && !launchCmdPattern.MatchString(v)) {
				return fmt.Errorf("metadata value for %q contains disallowed characters", k)
			}
		}
	}
	return nil
}

// SanitizePrompt strips control characters (except newline and tab) and
// caps length; applied before a prompt enters a record.
func SanitizePrompt(prompt string) string {
	cleaned := strings.Map(func(c rune) rune {
		if c < 0x20 && c != '\n' && c != '\t' {
			return -1
		}
		return c
	}, prompt)
	if len(cleaned) > maxPromptLen {
		cleaned = cleaned[:maxPromptLen]
	}
	return cleaned
}

// Registry reads and writes the history file. Writes are serialized on an
// in-process lock and land atomically via temp-file rename.
type Registry struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// New creates a registry backed by path.
func New(path string, logger *zap.Logger) *Registry {
	return &Registry{path: path, logger: logger}
}

// Path returns the backing file location, used in tamper diagnostics.
func (g *Registry) Path() string { return g.path }

// Append validates and persists a new record at the logical head
// (newest-first order).
func (g *Registry) Append(record Record) error {
	if err := record.Validate(); err != nil {
		return errdefs.Wrap(errdefs.KindValidation, "refusing to persist invalid record", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	records, err := g.load()
	if err != nil {
		return err
	}

	records = append([]Record{record}, records...)
	return g.write(records)
}

// Update finds the record matching match and replaces it with the result
// of apply. Used to flip deleted flags and attach launch commands.
func (g *Registry) Update(match func(Record) bool, apply func(*Record)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	records, err := g.load()
	if err != nil {
		return err
	}

	found := false
	for i := range records {
		if match(records[i]) {
			apply(&records[i])
			if err := records[i].Validate(); err != nil {
				return errdefs.Wrap(errdefs.KindValidation, "update produced an invalid record", err)
			}
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("no matching record in %s", g.path)
	}
	return g.write(records)
}

// Remove deletes the record at the given position of the newest-first
// view. This is the explicit user action; destroy keeps records for audit.
func (g *Registry) Remove(index int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	records, err := g.load()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(records) {
		return fmt.Errorf("no record at position %d", index)
	}
	records = append(records[:index], records[index+1:]...)
	return g.write(records)
}

// All returns every record, newest first. A record failing validation
// aborts with a tamper diagnostic naming the file.
func (g *Registry) All() ([]Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.load()
}

// Filter returns records matching the optional agent and cloud keys,
// newest first.
func (g *Registry) Filter(agent, cloud string) ([]Record, error) {
	records, err := g.All()
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, r := range records {
		if agent != "" && r.Agent != agent {
			continue
		}
		if cloud != "" && r.Cloud != cloud {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ActiveServers returns records with a live connection (present and not
// deleted), newest first.
func (g *Registry) ActiveServers() ([]Record, error) {
	records, err := g.All()
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, r := range records {
		if r.Connection != nil && !r.Connection.Deleted {
			out = append(out, r)
		}
	}
	return out, nil
}

// Last returns the most recent record, or nil when history is empty.
func (g *Registry) Last() (*Record, error) {
	records, err := g.All()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (g *Registry) load() ([]Record, error) {
	body, err := os.ReadFile(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if len(body) == 0 {
		return nil, nil
	}

	var records []Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, tamperError(g.path, err)
	}

	for i := range records {
		if err := records[i].Validate(); err != nil {
			return nil, tamperError(g.path, err)
		}
	}
	return records, nil
}

func (g *Registry) write(records []Record) error {
	dir := filepath.Dir(g.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	body, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".history-*")
	if err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set history mode: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := os.Rename(tmpName, g.path); err != nil {
		return fmt.Errorf("failed to replace history: %w", err)
	}
	return nil
}

func tamperError(path string, err error) error {
	return errdefs.Wrap(errdefs.KindValidation,
		fmt.Sprintf("history may be corrupted or tampered (%s)", path), err).WithHints(
		fmt.Sprintf("inspect and fix %s by hand", path),
		"or clear it with: spawn list --clear",
	)
}
