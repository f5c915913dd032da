package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"github.com/k11v/mortar/internal/procwatch"
)

// config holds the application configuration.
type config struct {
	Development bool   `env:"MORTAR_DEVELOPMENT"`
	BuildID     string `env:"MORTAR_BUILD_ID"` // default: random UUID
	JobFile     string `env:"MORTAR_JOB_FILE,required"`
	EnvDir      string `env:"MORTAR_ENV_DIR"`      // default: "$TMPDIR/mortar-envs"
	RecordsFile string `env:"MORTAR_RECORDS_FILE"` // default: "mortar-records.db"
	AMQPURL     string `env:"MORTAR_AMQP_URL"`

	Cache cacheConfig `envPrefix:"MORTAR_CACHE_"`

	// ProcessLister is "pgrep" or "procfs".
	ProcessLister string `env:"MORTAR_PROCESS_LISTER"` // default: "pgrep"
}

type cacheConfig struct {
	URL     string `env:"URL"` // empty disables caching
	Token   string `env:"TOKEN"`
	Retries int    `env:"RETRIES"`
}

// parseConfig parses the application configuration from the environment variables.
func parseConfig(environ []string) (*config, error) {
	var cfg config

	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
	})
	if err != nil {
		return nil, err
	}

	if _, err = cfg.lister(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *config) buildID() string {
	if cfg.BuildID == "" {
		return uuid.NewString()
	}
	return cfg.BuildID
}

func (cfg *config) envDir() string {
	if cfg.EnvDir == "" {
		return filepath.Join(os.TempDir(), "mortar-envs")
	}
	return cfg.EnvDir
}

func (cfg *config) recordsFile() string {
	if cfg.RecordsFile == "" {
		return "mortar-records.db"
	}
	return cfg.RecordsFile
}

func (cfg *config) lister() (procwatch.ChildLister, error) {
	switch cfg.ProcessLister {
	case "", "pgrep":
		return procwatch.PgrepLister{}, nil
	case "procfs":
		return procwatch.ProcfsLister{}, nil
	default:
		return nil, fmt.Errorf("unknown MORTAR_PROCESS_LISTER %q", cfg.ProcessLister)
	}
}
