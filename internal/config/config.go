package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the launcher
type Config struct {
	Home     string
	Manifest ManifestConfig
	Runner   RunnerConfig
	CredSvc  CredSvcConfig

	// Behavior toggles driven by SPAWN_* environment variables
	NonInteractive bool
	Headless       bool
	Debug          bool
	Custom         bool
	NoUpdateCheck  bool
	Prompt         string
	Name           string
	CLIDir         string
}

// ManifestConfig holds manifest fetch and cache configuration
type ManifestConfig struct {
	URL          string
	FetchTimeout time.Duration
	CacheTTL     time.Duration
	StaleCeiling time.Duration
}

// RunnerConfig holds trigger runner configuration
type RunnerConfig struct {
	Addr          string
	Secret        string
	Script        string
	Workdir       string
	MaxConcurrent int
	RunTimeout    time.Duration
	IdleTimeout   time.Duration
	DrainTimeout  time.Duration
	SweepInterval time.Duration
}

// CredSvcConfig holds credential self-service configuration
type CredSvcConfig struct {
	Addr         string
	BaseURL      string
	Secret       string
	AdminToken   string
	AdminEmail   string
	DBPath       string
	RedisAddr    string
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	BatchExpiry  time.Duration
}

// DefaultManifestURL is where the agent/cloud catalog lives.
const DefaultManifestURL = "https://spawn.sh/manifest.json"

// Load reads configuration from environment variables. Only the pieces a
// given mode uses are validated by that mode; Load itself never fails on a
// missing runner or credsvc secret.
func Load() *Config {
	home := getEnv("SPAWN_HOME", "")
	if home == "" {
		if userHome, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(userHome, ".spawn")
		} else {
			home = ".spawn"
		}
	}

	return &Config{
		Home: home,
		Manifest: ManifestConfig{
			URL:          getEnv("SPAWN_MANIFEST_URL", DefaultManifestURL),
			FetchTimeout: getEnvAsDuration("SPAWN_MANIFEST_TIMEOUT", "10s"),
			CacheTTL:     getEnvAsDuration("SPAWN_MANIFEST_TTL", "24h"),
			StaleCeiling: getEnvAsDuration("SPAWN_MANIFEST_STALE_CEILING", "720h"),
		},
		Runner: RunnerConfig{
			Addr:          getEnv("TRIGGER_ADDR", "127.0.0.1:8377"),
			Secret:        getEnv("TRIGGER_SECRET", ""),
			Script:        getEnv("TRIGGER_SCRIPT", ""),
			Workdir:       getEnv("TRIGGER_WORKDIR", ""),
			MaxConcurrent: getEnvAsInt("MAX_CONCURRENT", 1),
			RunTimeout:    getEnvAsDuration("RUN_TIMEOUT_MS", "45m"),
			IdleTimeout:   getEnvAsDuration("IDLE_TIMEOUT_MS", "10m"),
			DrainTimeout:  getEnvAsDuration("TRIGGER_DRAIN_TIMEOUT", "15m"),
			SweepInterval: getEnvAsDuration("TRIGGER_SWEEP_INTERVAL", "30s"),
		},
		CredSvc: CredSvcConfig{
			Addr:         getEnv("CREDSVC_ADDR", "127.0.0.1:8378"),
			BaseURL:      getEnv("CREDSVC_BASE_URL", "http://127.0.0.1:8378"),
			Secret:       getEnv("CREDSVC_SECRET", ""),
			AdminToken:   getEnv("CREDSVC_ADMIN_TOKEN", ""),
			AdminEmail:   getEnv("CREDSVC_ADMIN_EMAIL", ""),
			DBPath:       getEnv("CREDSVC_DB_PATH", filepath.Join(home, "credsvc.db")),
			RedisAddr:    getEnv("CREDSVC_REDIS_ADDR", ""),
			SMTPHost:     getEnv("CREDSVC_SMTP_HOST", ""),
			SMTPPort:     getEnvAsInt("CREDSVC_SMTP_PORT", 587),
			SMTPUser:     getEnv("CREDSVC_SMTP_USER", ""),
			SMTPPassword: getEnv("CREDSVC_SMTP_PASSWORD", ""),
			FromAddress:  getEnv("CREDSVC_FROM_ADDRESS", "spawn@localhost"),
			BatchExpiry:  getEnvAsDuration("CREDSVC_BATCH_EXPIRY", "24h"),
		},
		NonInteractive: getEnvAsBool("SPAWN_NON_INTERACTIVE", false),
		Headless:       getEnvAsBool("SPAWN_HEADLESS", false),
		Debug:          getEnvAsBool("SPAWN_DEBUG", false),
		Custom:         getEnvAsBool("SPAWN_CUSTOM", false),
		NoUpdateCheck:  getEnvAsBool("SPAWN_NO_UPDATE_CHECK", false),
		Prompt:         getEnv("SPAWN_PROMPT", ""),
		Name:           firstNonEmpty(os.Getenv("SPAWN_NAME_KEBAB"), os.Getenv("SPAWN_NAME")),
		CLIDir:         getEnv("SPAWN_CLI_DIR", ""),
	}
}

// HistoryPath is where spawn records are persisted.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Home, "history.json")
}

// LastConnectionPath is where the most recent connection details live.
func (c *Config) LastConnectionPath() string {
	return filepath.Join(c.Home, "last-connection.json")
}

// ManifestCachePath is the local manifest cache copy.
func (c *Config) ManifestCachePath() string {
	return filepath.Join(c.Home, "manifest.json")
}

// CredentialDir is where per-cloud credential bundles are stored.
func CredentialDir() string {
	if dir := os.Getenv("SPAWN_CREDENTIAL_DIR"); dir != "" {
		return dir
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "spawn")
	}
	return filepath.Join(userHome, ".config", "spawn")
}

// Validate checks the runner configuration for the trigger-runner mode.
func (r RunnerConfig) Validate() error {
	if r.Secret == "" {
		return fmt.Errorf("TRIGGER_SECRET is required")
	}
	if r.Script == "" {
		return fmt.Errorf("TRIGGER_SCRIPT is required")
	}
	if r.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT must be at least 1")
	}
	return nil
}

// Validate checks the credential self-service configuration.
func (c CredSvcConfig) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("CREDSVC_SECRET is required")
	}
	if c.AdminToken == "" {
		return fmt.Errorf("CREDSVC_ADMIN_TOKEN is required")
	}
	if c.AdminEmail == "" {
		return fmt.Errorf("CREDSVC_ADMIN_EMAIL is required")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	// "1" is the documented form; ParseBool accepts the rest.
	if valueStr == "1" {
		return true
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	// The *_MS variables historically carried bare milliseconds.
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
