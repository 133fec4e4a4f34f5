package main

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type ServiceConfig struct {
	Environment string `yaml:"environment" env:"SENTRY_ENVIRONMENT" env-default:"development"`
	Port        string `yaml:"port" env:"PORT" env-default:"8080"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	SentryDSN string `yaml:"sentry_dsn" env:"SENTRY_DSN"`

	// SnapshotStorage is a badger://, gs:// or gocloud.dev/blob URL.
	SnapshotStorage string `yaml:"snapshot_storage" env:"SNAPSHOT_STORAGE" env-default:"mem://"`

	SessionCacheSize int           `yaml:"session_cache_size" env:"SESSION_CACHE_SIZE" env-default:"64"`
	SessionTTL       time.Duration `yaml:"session_ttl" env:"SESSION_TTL" env-default:"30m"`

	// ThreadCount bounds the goroutines of a computation, 0 picks a
	// default from the number of CPUs.
	ThreadCount        int  `yaml:"thread_count" env:"THREAD_COUNT" env-default:"0"`
	MaxUniqueFunctions uint `yaml:"max_unique_functions" env:"MAX_UNIQUE_FUNCTIONS" env-default:"100"`

	// Function reports are published when brokers are set.
	FunctionsKafkaBrokers []string `yaml:"functions_kafka_brokers" env:"FUNCTIONS_KAFKA_BROKERS" env-separator:","`
	FunctionsKafkaTopic   string   `yaml:"functions_kafka_topic" env:"FUNCTIONS_KAFKA_TOPIC" env-default:"profiles-functions"`
}

// loadConfig reads the file named by CONFIG_PATH when set, then the
// environment.
func loadConfig() (ServiceConfig, error) {
	var cfg ServiceConfig
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		err := cleanenv.ReadConfig(path, &cfg)
		return cfg, err
	}
	err := cleanenv.ReadEnv(&cfg)
	return cfg, err
}
