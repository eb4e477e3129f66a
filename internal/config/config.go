package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// ServerURL is the base URL of the agent session API.
	ServerURL string

	// Home is the directory where parley stores local state.
	Home string

	// QueryType selects the default agent pipeline (chat|research|docs).
	QueryType string
	// RepoName optionally scopes docs queries to a repository.
	RepoName string

	// BacklogLimit caps the historical event fetch when opening a session.
	BacklogLimit int
	// OptimisticExpiry bounds how long an unconfirmed local message stays
	// visible before it ages out of the transcript.
	OptimisticExpiry time.Duration
	// ReconnectInterval is how long the UI waits after a stream drop before
	// retrying the subscription.
	ReconnectInterval time.Duration

	// Debug enables verbose logging.
	Debug bool
	// LogLevel overrides the log level (trace|debug|info|warn|error).
	LogLevel string
}

// fileConfig is the YAML schema of $PARLEY_HOME/config.yaml. Durations are
// strings in Go syntax ("5s", "1m30s").
type fileConfig struct {
	ServerURL         string `yaml:"server_url"`
	QueryType         string `yaml:"query_type"`
	RepoName          string `yaml:"repo_name"`
	BacklogLimit      int    `yaml:"backlog_limit"`
	OptimisticExpiry  string `yaml:"optimistic_expiry"`
	ReconnectInterval string `yaml:"reconnect_interval"`
	Debug             *bool  `yaml:"debug"`
	LogLevel          string `yaml:"log_level"`
}

const (
	defaultServerURL         = "http://localhost:8000"
	defaultQueryType         = "chat"
	defaultBacklogLimit      = 200
	defaultOptimisticExpiry  = 5 * time.Second
	defaultReconnectInterval = 3 * time.Second
)

// Load loads configuration from the optional config file and environment,
// environment winning. The file lives at $PARLEY_HOME/config.yaml.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	home := os.Getenv("PARLEY_HOME")
	if home == "" {
		home = filepath.Join(homeDir, ".parley")
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, fmt.Errorf("failed to create parley home: %w", err)
	}

	cfg := &Config{
		ServerURL:         defaultServerURL,
		Home:              home,
		QueryType:         defaultQueryType,
		BacklogLimit:      defaultBacklogLimit,
		OptimisticExpiry:  defaultOptimisticExpiry,
		ReconnectInterval: defaultReconnectInterval,
	}

	if err := cfg.loadFile(filepath.Join(home, "config.yaml")); err != nil {
		return nil, err
	}

	if url := os.Getenv("PARLEY_SERVER_URL"); url != "" {
		cfg.ServerURL = url
	}
	if queryType := os.Getenv("PARLEY_QUERY_TYPE"); queryType != "" {
		cfg.QueryType = queryType
	}
	if repo := os.Getenv("PARLEY_REPO_NAME"); repo != "" {
		cfg.RepoName = repo
	}
	if level := os.Getenv("PARLEY_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if isTruthy(os.Getenv("DEBUG")) || isTruthy(os.Getenv("PARLEY_DEBUG")) {
		cfg.Debug = true
	}

	if cfg.QueryType != "chat" && cfg.QueryType != "research" && cfg.QueryType != "docs" {
		return nil, fmt.Errorf("invalid query type %q (expected chat, research, or docs)", cfg.QueryType)
	}
	if cfg.BacklogLimit <= 0 {
		cfg.BacklogLimit = defaultBacklogLimit
	}
	if cfg.OptimisticExpiry <= 0 {
		cfg.OptimisticExpiry = defaultOptimisticExpiry
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	return cfg, nil
}

// loadFile overlays settings from a YAML file when it exists. A missing file
// is not an error.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if file.ServerURL != "" {
		c.ServerURL = file.ServerURL
	}
	if file.QueryType != "" {
		c.QueryType = file.QueryType
	}
	if file.RepoName != "" {
		c.RepoName = file.RepoName
	}
	if file.BacklogLimit > 0 {
		c.BacklogLimit = file.BacklogLimit
	}
	if file.OptimisticExpiry != "" {
		expiry, err := time.ParseDuration(file.OptimisticExpiry)
		if err != nil {
			return fmt.Errorf("invalid optimistic_expiry in %s: %w", path, err)
		}
		c.OptimisticExpiry = expiry
	}
	if file.ReconnectInterval != "" {
		interval, err := time.ParseDuration(file.ReconnectInterval)
		if err != nil {
			return fmt.Errorf("invalid reconnect_interval in %s: %w", path, err)
		}
		c.ReconnectInterval = interval
	}
	if file.Debug != nil {
		c.Debug = *file.Debug
	}
	if file.LogLevel != "" {
		c.LogLevel = file.LogLevel
	}
	return nil
}

// SessionsDir is where per-session history records are stored.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Home, "sessions")
}

func isTruthy(value string) bool {
	return value == "true" || value == "1"
}
