package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	Store     Store
	WebServer WebServer
	Executor  Executor
	Reviewer  Reviewer
	Workers   Workers
	Janitor   Janitor
	GitHub    GitHub
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

type Store struct {
	// DataDir defaults to ~/.local/share/specwright at runtime when
	// left empty; envconfig can't expand the home directory itself.
	DataDir     string `envconfig:"DATA_DIR"`
	AutoMigrate bool   `envconfig:"STORE_AUTO_MIGRATE" default:"true"`
}

// ResolvedDataDir returns the configured data directory, or the default
// under the user's home.
func (s Store) ResolvedDataDir() string {
	if s.DataDir != "" {
		return s.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".specwright"
	}
	return filepath.Join(home, ".local", "share", "specwright")
}

type WebServer struct {
	Host string `envconfig:"SERVER_HOST" default:"127.0.0.1"`
	Port int    `envconfig:"SERVER_PORT" default:"8331"`
}

type Executor struct {
	// URL of the local opencode server.
	URL            string        `envconfig:"EXECUTOR_URL" default:"http://127.0.0.1:4096"`
	Model          string        `envconfig:"EXECUTOR_MODEL" default:"anthropic/claude-sonnet-4-5"`
	ExecuteTimeout time.Duration `envconfig:"CHUNK_EXECUTE_TIMEOUT" default:"15m"`
}

type Reviewer struct {
	Command            string        `envconfig:"REVIEWER_COMMAND" default:"claude"`
	Timeout            time.Duration `envconfig:"REVIEW_TIMEOUT" default:"120s"`
	MaxRetries         int           `envconfig:"REVIEW_MAX_RETRIES" default:"3"`
	BackoffMs          int           `envconfig:"REVIEW_BACKOFF_MS" default:"1000"`
	ParseFailurePolicy string        `envconfig:"REVIEW_PARSE_FAILURE_POLICY" default:"pass"`
}

type Workers struct {
	MaxWorkers int `envconfig:"MAX_WORKERS" default:"5"`
}

type Janitor struct {
	Interval    time.Duration `envconfig:"JANITOR_INTERVAL" default:"1h"`
	MaxIdleDays int           `envconfig:"WORKTREE_MAX_IDLE_DAYS" default:"7"`
}

type GitHub struct {
	// Enabled gates push/PR creation; it is further gated at runtime by
	// a gh CLI install + auth check.
	Enabled bool   `envconfig:"GITHUB_ENABLED" default:"true"`
	PRBase  string `envconfig:"GITHUB_PR_BASE" default:"main"`
}
