// Command setup migrates the cache index and creates the archive bucket.
// It can run any number of times.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/k11v/mortar/internal/apps3"
	"github.com/k11v/mortar/internal/cacheserver/cacheserverpg"
)

// config holds the application configuration.
type config struct {
	PostgresDSN string `env:"MORTAR_POSTGRES_DSN,required"`
	S3DSN       string `env:"MORTAR_S3_DSN,required"`
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

	return &cfg, nil
}

func main() {
	if err := run(context.Background(), os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(ctx context.Context, environ []string) error {
	cfg, err := parseConfig(environ)
	if err != nil {
		return err
	}

	if err = cacheserverpg.Setup(cfg.PostgresDSN); err != nil {
		return err
	}
	slog.Info("migrated cache index")

	if err = apps3.Setup(ctx, apps3.NewClient(cfg.S3DSN)); err != nil {
		return err
	}
	slog.Info("created archive bucket", "bucket", apps3.BucketName)

	return nil
}
