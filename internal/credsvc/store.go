// Package credsvc is the credential self-service: an automated job posts
// the providers it is missing keys for, an admin receives a signed
// single-use link by email, and the submitted keys land as 0600 bundle
// files once every variable for a provider is filled.
package credsvc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	StatusPending   = "pending"
	StatusFulfilled = "fulfilled"
)

// Provider is one entry of a batch.
type Provider struct {
	Key         string   `json:"key"`
	DisplayName string   `json:"display_name"`
	EnvVars     []string `json:"env_vars"`
	HelpURL     string   `json:"help_url,omitempty"`
	Status      string   `json:"status"`
}

// Batch groups the providers requested together.
type Batch struct {
	ID        string     `json:"batch_id"`
	Providers []Provider `json:"providers"`
	EmailedAt time.Time  `json:"emailed_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Expired reports whether the batch's link window has closed.
func (b *Batch) Expired(now time.Time) bool { return !now.Before(b.ExpiresAt) }

// Store persists batches in an embedded sqlite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the batch database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch store: %w", err)
	}
	// sqlite wants a single writer.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		id         TEXT PRIMARY KEY,
		emailed_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS batch_providers (
		batch_id     TEXT NOT NULL REFERENCES batches(id),
		key          TEXT NOT NULL,
		display_name TEXT NOT NULL,
		env_vars     TEXT NOT NULL,
		help_url     TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'pending',
		PRIMARY KEY (batch_id, key)
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate batch store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// NewBatch builds an unsaved batch with a random 128-bit id.
func NewBatch(providers []Provider, expiry time.Duration) *Batch {
	now := time.Now().UTC()
	for i := range providers {
		providers[i].Status = StatusPending
	}
	return &Batch{
		ID:        uuid.New().String(),
		Providers: providers,
		EmailedAt: now,
		ExpiresAt: now.Add(expiry),
	}
}

// Save persists a batch. Called only after the notification email was
// accepted, so unreachable admins never leave orphan batches behind.
func (s *Store) Save(ctx context.Context, b *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batches (id, emailed_at, expires_at) VALUES (?, ?, ?)`,
		b.ID, b.EmailedAt.Format(time.RFC3339), b.ExpiresAt.Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}

	for _, p := range b.Providers {
		vars, err := json.Marshal(p.EnvVars)
		if err != nil {
			return fmt.Errorf("failed to encode provider vars: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batch_providers (batch_id, key, display_name, env_vars, help_url, status)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			b.ID, p.Key, p.DisplayName, string(vars), p.HelpURL, p.Status,
		); err != nil {
			return fmt.Errorf("failed to save provider %s: %w", p.Key, err)
		}
	}
	return tx.Commit()
}

// Get loads a batch by id.
func (s *Store) Get(ctx context.Context, id string) (*Batch, error) {
	b := &Batch{ID: id}
	var emailedAt, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT emailed_at, expires_at FROM batches WHERE id = ?`, id,
	).Scan(&emailedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("batch not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	if b.EmailedAt, err = time.Parse(time.RFC3339, emailedAt); err != nil {
		return nil, fmt.Errorf("failed to parse batch timestamps: %w", err)
	}
	if b.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to parse batch timestamps: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, display_name, env_vars, help_url, status
		 FROM batch_providers WHERE batch_id = ? ORDER BY key`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Provider
		var vars string
		if err := rows.Scan(&p.Key, &p.DisplayName, &vars, &p.HelpURL, &p.Status); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		if err := json.Unmarshal([]byte(vars), &p.EnvVars); err != nil {
			return nil, fmt.Errorf("failed to decode provider vars: %w", err)
		}
		b.Providers = append(b.Providers, p)
	}
	return b, rows.Err()
}

// MarkFulfilled flips one provider of a batch to fulfilled.
func (s *Store) MarkFulfilled(ctx context.Context, batchID, providerKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_providers SET status = ? WHERE batch_id = ? AND key = ? AND status = ?`,
		StatusFulfilled, batchID, providerKey, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark provider fulfilled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("provider %s is not pending in batch %s", providerKey, batchID)
	}
	return nil
}

// PendingKeys returns the provider keys of a batch still pending.
func (s *Store) PendingKeys(ctx context.Context, batchID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM batch_providers WHERE batch_id = ? AND status = ?`,
		batchID, StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
