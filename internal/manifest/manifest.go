// Package manifest loads and validates the remote catalog of agents,
// clouds, and the implementation matrix that decides which (agent, cloud)
// pairs are launchable.
package manifest

import (
	"fmt"
	"regexp"
	"strings"
)

// Tier is the coarse cloud-init label that decides the first-boot package set.
type Tier string

const (
	TierMinimal Tier = "minimal"
	TierFull    Tier = "full"
	TierHeavy   Tier = "heavy"
)

var (
	keyPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	// authPattern is what published manifests must use; lenientAuthPattern
	// additionally tolerates short names when parsing outside validation.
	authPattern        = regexp.MustCompile(`^[A-Z][A-Z0-9_]{3,}$`)
	lenientAuthPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]+$`)
)

// AgentDef describes one installable AI coding agent.
type AgentDef struct {
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Homepage       string            `json:"homepage,omitempty"`
	InstallHint    string            `json:"install_hint,omitempty"`
	LaunchCommand  string            `json:"launch_command"`
	EnvTemplate    map[string]string `json:"env_template,omitempty"`
	FeaturedClouds []string          `json:"featured_clouds,omitempty"`
	CloudInitTier  Tier              `json:"cloud_init_tier"`
}

// CloudDef describes one compute provider.
type CloudDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Homepage    string `json:"homepage"`
	Auth        string `json:"auth"`
}

// MatrixEntry records whether a cloud/agent pair is implemented.
type MatrixEntry struct {
	Implemented bool   `json:"implemented"`
	Missing     string `json:"missing,omitempty"`
}

// Manifest is the full catalog.
type Manifest struct {
	Agents map[string]AgentDef    `json:"agents"`
	Clouds map[string]CloudDef    `json:"clouds"`
	Matrix map[string]MatrixEntry `json:"matrix"`
}

// ManifestError reports an unusable manifest (bad JSON, broken references).
type ManifestError struct {
	Reason string
	Err    error
}

func (e *ManifestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("manifest error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("manifest error: %s", e.Reason)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// Validate checks key shapes and matrix closure. URLs are not probed.
func (m *Manifest) Validate() error {
	for key := range m.Agents {
		if !validKey(key) {
			return &ManifestError{Reason: fmt.Sprintf("invalid agent key %q", key)}
		}
	}
	for key, cloud := range m.Clouds {
		if !validKey(key) {
			return &ManifestError{Reason: fmt.Sprintf("invalid cloud key %q", key)}
		}
		if _, err := parseAuth(cloud.Auth, true); err != nil {
			return &ManifestError{Reason: fmt.Sprintf("cloud %q: %v", key, err)}
		}
	}
	for pair := range m.Matrix {
		cloud, agent, ok := strings.Cut(pair, "/")
		if !ok {
			return &ManifestError{Reason: fmt.Sprintf("matrix key %q is not cloud/agent", pair)}
		}
		if _, found := m.Clouds[cloud]; !found {
			return &ManifestError{Reason: fmt.Sprintf("matrix key %q references unknown cloud", pair)}
		}
		if _, found := m.Agents[agent]; !found {
			return &ManifestError{Reason: fmt.Sprintf("matrix key %q references unknown agent", pair)}
		}
	}
	return nil
}

// Implemented reports whether the cloud/agent pair is marked implemented.
func (m *Manifest) Implemented(cloud, agent string) bool {
	entry, ok := m.Matrix[cloud+"/"+agent]
	return ok && entry.Implemented
}

// ImplementedClouds returns the cloud keys where agent is implemented.
func (m *Manifest) ImplementedClouds(agent string) []string {
	var clouds []string
	for pair, entry := range m.Matrix {
		if !entry.Implemented {
			continue
		}
		cloud, a, ok := strings.Cut(pair, "/")
		if ok && a == agent {
			clouds = append(clouds, cloud)
		}
	}
	return clouds
}

// AuthVars returns the environment variable names a cloud requires.
// "none", empty, or malformed entries yield an empty list.
func (m *Manifest) AuthVars(cloud string) []string {
	def, ok := m.Clouds[cloud]
	if !ok {
		return nil
	}
	vars, _ := parseAuth(def.Auth, false)
	return vars
}

// ParseAuth splits a cloud auth declaration ("HCLOUD_TOKEN",
// "AWS_ACCESS_KEY_ID+AWS_SECRET_ACCESS_KEY", "none") into variable names.
// Entries that do not look like environment variable names are dropped.
func ParseAuth(auth string) []string {
	vars, _ := parseAuth(auth, false)
	return vars
}

func parseAuth(auth string, strict bool) ([]string, error) {
	auth = strings.TrimSpace(auth)
	if auth == "" || auth == "none" {
		return []string{}, nil
	}

	pattern := lenientAuthPattern
	if strict {
		pattern = authPattern
	}

	parts := strings.Split(auth, "+")
	vars := make([]string, 0, len(parts))
	for _, part := range parts {
		name := strings.TrimSpace(part)
		if !pattern.MatchString(name) {
			if strict {
				return nil, fmt.Errorf("auth entry %q is not an environment variable name", name)
			}
			continue
		}
		vars = append(vars, name)
	}
	return vars, nil
}

func validKey(key string) bool {
	return len(key) >= 2 && len(key) <= 32 && keyPattern.MatchString(key)
}
