// Package config loads the sidecar's runtime configuration from the
// environment: where to persist sessions, how hard to hit a bridge, and
// which ports to listen on.
package config

import (
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/sirupsen/logrus"
)

// Config is the sidecar's process-wide configuration.
var Config = struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Port        int    `env:"PORT" envDefault:"8081"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9103"`

	Storage         string `env:"STORAGE" envDefault:"memory"` // memory|file|postgres|redis
	StorageFilePath string `env:"STORAGE_FILE_PATH" envDefault:"tcsidecar-session.json"`
	PostgresURI     string `env:"POSTGRES_URI"`
	RedisURI        string `env:"REDIS_URI"`

	BridgeAuthToken string `env:"BRIDGE_AUTH_TOKEN"`

	// RPSLimit/Burst bound outgoing Post calls to a bridge;
	// ReconnectBackoff seeds the single implicit re-registration after
	// an Open-state connection error.
	RPSLimit         float64       `env:"RPS_LIMIT" envDefault:"5"`
	Burst            int           `env:"BURST" envDefault:"10"`
	ReconnectBackoff time.Duration `env:"RECONNECT_BACKOFF" envDefault:"200ms"`

	NTPEnabled bool     `env:"NTP_ENABLED" envDefault:"true"`
	NTPServers []string `env:"NTP_SERVERS" envSeparator:","`

	WalletsTTL time.Duration `env:"WALLETS_TTL" envDefault:"5m"`
}{}

// LoadConfig parses the environment into Config and sets the logrus
// level, fataling on a malformed environment.
func LoadConfig() {
	if err := env.Parse(&Config); err != nil {
		log.Fatalf("config parsing failed: %v\n", err)
	}

	level, err := logrus.ParseLevel(strings.ToLower(Config.LogLevel))
	if err != nil {
		log.Printf("invalid LOG_LEVEL %q, using default 'info'", Config.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
