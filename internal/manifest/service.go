package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spawnhq/spawn/internal/config"
	"go.uber.org/zap"
)

// Service fetches the manifest from its well-known URL, keeping an atomic
// local cache for offline use. The cache stays usable past its TTL (the
// caller warns via IsStale) up to a hard ceiling.
type Service struct {
	cfg        config.ManifestConfig
	cachePath  string
	httpClient *http.Client
	logger     *zap.Logger

	stale bool
}

// NewService creates a manifest service.
func NewService(cfg config.ManifestConfig, cachePath string, logger *zap.Logger) *Service {
	return &Service{
		cfg:       cfg,
		cachePath: cachePath,
		httpClient: &http.Client{
			Timeout: cfg.FetchTimeout,
		},
		logger: logger,
	}
}

// Load fetches the manifest, falling back to the cache on network failure.
// A parse failure of a fetched document is a hard ManifestError: a corrupt
// upstream must not silently shadow a good cache.
func (s *Service) Load(ctx context.Context) (*Manifest, error) {
	s.stale = false

	body, err := s.fetch(ctx)
	if err == nil {
		m, parseErr := parse(body)
		if parseErr != nil {
			return nil, parseErr
		}
		s.writeCache(body)
		return m, nil
	}

	s.logger.Debug("manifest fetch failed, trying cache", zap.Error(err))
	return s.loadCache(err)
}

// IsStale reports whether the last Load served a cache copy older than the
// configured TTL.
func (s *Service) IsStale() bool { return s.stale }

func (s *Service) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("manifest fetch: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

func (s *Service) loadCache(fetchErr error) (*Manifest, error) {
	info, err := os.Stat(s.cachePath)
	if err != nil {
		return nil, &ManifestError{Reason: "manifest unreachable and no cache available", Err: fetchErr}
	}

	age := time.Since(info.ModTime())
	if age > s.cfg.StaleCeiling {
		return nil, &ManifestError{
			Reason: fmt.Sprintf("manifest unreachable and cache is %s old", age.Round(time.Hour)),
			Err:    fetchErr,
		}
	}

	body, err := os.ReadFile(s.cachePath)
	if err != nil {
		return nil, &ManifestError{Reason: "failed to read manifest cache", Err: err}
	}

	m, err := parse(body)
	if err != nil {
		return nil, err
	}

	if age > s.cfg.CacheTTL {
		s.stale = true
	}

	s.logger.Info("using cached manifest",
		zap.Duration("age", age.Round(time.Minute)),
		zap.Bool("stale", s.stale),
	)
	return m, nil
}

// writeCache writes the manifest atomically (temp file + rename) so a
// concurrent reader never sees a torn copy. Failures are non-fatal.
func (s *Service) writeCache(body []byte) {
	dir := filepath.Dir(s.cachePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.logger.Warn("failed to create cache directory", zap.Error(err))
		return
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		s.logger.Warn("failed to write manifest cache", zap.Error(err))
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		s.logger.Warn("failed to write manifest cache", zap.Error(err))
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return
	}
	if err := os.Rename(tmpName, s.cachePath); err != nil {
		os.Remove(tmpName)
		s.logger.Warn("failed to replace manifest cache", zap.Error(err))
	}
}

func parse(body []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, &ManifestError{Reason: "manifest is not valid JSON", Err: err}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
