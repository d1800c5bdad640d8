// Package config loads the escrowd daemon configuration from environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
)

// Config is the complete daemon configuration. Redis and NATS are optional;
// leaving their endpoints empty disables the corresponding event sink.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// Operator is the privileged identity; it can never bid.
	Operator string `env:"OPERATOR_ID,required"`

	StartingPrice      uint64        `env:"STARTING_PRICE" envDefault:"1000000"`
	AuctionDuration    time.Duration `env:"AUCTION_DURATION" envDefault:"168h"`
	ExtensionWindow    time.Duration `env:"EXTENSION_WINDOW" envDefault:"600s"`
	IncrementPct       uint64        `env:"INCREMENT_PCT" envDefault:"5"`
	CommissionPct      uint64        `env:"COMMISSION_PCT" envDefault:"2"`
	AllowForceFinalize bool          `env:"ALLOW_FORCE_FINALIZE" envDefault:"false"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisChannel  string `env:"REDIS_CHANNEL" envDefault:"escrow_events"`

	NatsURL string `env:"NATS_URL"`
}

// Load parses the configuration from the environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return c, nil
}
