// Package credstore persists per-cloud credential bundles under the user
// config directory. Bundles are plain JSON maps of environment variable
// name to token, written 0600 and validated against a conservative charset
// on both write and read. Environment variables always win over saved
// bundles.
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"go.uber.org/zap"
)

// tokenPattern is the conservative charset every persisted token must
// match. Provider-specific relaxations go through RelaxedPattern.
var tokenPattern = regexp.MustCompile(`^[a-zA-Z0-9._/@:+=, -]+$`)

var envNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]+$`)

// Store reads and writes credential bundles for clouds.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{dir: dir, logger: logger}
}

// Path returns the bundle path for a cloud.
func (s *Store) Path(cloud string) string {
	return filepath.Join(s.dir, cloud+".json")
}

// Load returns the saved bundle for a cloud. Empty, unreadable, or
// syntactically invalid bundles are treated as absent (nil, no error);
// only values passing the token charset survive.
func (s *Store) Load(cloud string) map[string]string {
	body, err := os.ReadFile(s.Path(cloud))
	if err != nil {
		return nil
	}

	var bundle map[string]string
	if err := json.Unmarshal(body, &bundle); err != nil {
		s.logger.Debug("ignoring malformed credential bundle",
			zap.String("cloud", cloud),
			zap.Error(err),
		)
		return nil
	}

	out := make(map[string]string, len(bundle))
	for name, token := range bundle {
		if token == "" || !envNamePattern.MatchString(name) || !ValidToken(token) {
			continue
		}
		out[name] = token
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Save writes a bundle with mode 0600, creating the directory 0700 first.
// Invalid tokens are refused rather than silently dropped.
func (s *Store) Save(cloud string, bundle map[string]string) error {
	for name, token := range bundle {
		if !envNamePattern.MatchString(name) {
			return fmt.Errorf("invalid credential variable name %q", name)
		}
		if !ValidToken(token) {
			return fmt.Errorf("credential %s contains disallowed characters", name)
		}
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	body, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	path := s.Path(cloud)
	tmp, err := os.CreateTemp(s.dir, "."+cloud+"-*")
	if err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set credential file mode: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}

	s.logger.Info("saved credentials",
		zap.String("cloud", cloud),
		zap.String("path", path),
	)
	return nil
}

// Remove deletes a cloud's bundle. Missing files are not an error.
func (s *Store) Remove(cloud string) error {
	err := os.Remove(s.Path(cloud))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}

// Resolve returns the effective value for one credential variable:
// environment first, then the saved bundle.
func (s *Store) Resolve(cloud, name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return s.Load(cloud)[name]
}

// Missing computes the pre-flight missing-credential set for a launch:
// the cloud's auth variables plus OPENROUTER_API_KEY, minus anything
// satisfied by the environment. When a saved bundle covers the cloud's own
// variables, the missing set narrows to just the OpenRouter key.
func (s *Store) Missing(cloud string, authVars []string) []string {
	required := append([]string{}, authVars...)
	required = append(required, "OPENROUTER_API_KEY")

	bundle := s.Load(cloud)

	var missing []string
	for _, name := range required {
		if os.Getenv(name) != "" {
			continue
		}
		if _, saved := bundle[name]; saved {
			continue
		}
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return missing
}

// ValidToken reports whether a token stays inside the conservative charset.
func ValidToken(token string) bool {
	return token != "" && tokenPattern.MatchString(token)
}
