package main

import (
	"github.com/caarlos0/env/v11"

	"github.com/k11v/mortar/internal/cacheserver"
	"github.com/k11v/mortar/internal/httputil"
)

// config holds the application configuration.
type config struct {
	Development bool               `env:"MORTAR_DEVELOPMENT"`
	PostgresDSN string             `env:"MORTAR_POSTGRES_DSN,required"`
	S3DSN       string             `env:"MORTAR_S3_DSN,required"`
	Server      httputil.Config    `envPrefix:"MORTAR_SERVER_"`
	Cache       cacheserver.Config `envPrefix:"MORTAR_CACHE_"`

	// Tokens are accepted bearer tokens. None disables authentication.
	Tokens []string `env:"MORTAR_CACHE_TOKENS"`
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
