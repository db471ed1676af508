package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker daemon. The pool name is
// the only setting that comes solely from the command line.
type Config struct {
	LogLevel     string
	PostgresDSN  string
	MetricsAddr  string
	OTelEndpoint string

	// Termination; <= 0 means unlimited. BuildID > 0 runs that build once.
	MaxBuilds      int
	MaxWaitMinutes int
	BuildID        int64

	// Optional collaborators; empty disables them.
	RedisAddr    string
	KafkaBrokers string
	EventsTopic  string

	Executor         string
	ExecutorCommand  string
	ExecutorDir      string
	ExecutorURL      string
	ExecutorTimeout  time.Duration
	ExecutorAttempts int

	FallbackSleep time.Duration
	HeartbeatTTL  time.Duration

	ImportAPIURL     string
	ImportToken      string
	ImportRateLimit  int
	ImportRateWindow time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:         v.GetString("log_level"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		MetricsAddr:      v.GetString("metrics_addr"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
		MaxBuilds:        v.GetInt("max_builds"),
		MaxWaitMinutes:   v.GetInt("max_wait_minutes"),
		BuildID:          v.GetInt64("build_id"),
		RedisAddr:        v.GetString("redis_addr"),
		KafkaBrokers:     v.GetString("kafka_brokers"),
		EventsTopic:      v.GetString("events_topic"),
		Executor:         v.GetString("executor"),
		ExecutorCommand:  v.GetString("executor_command"),
		ExecutorDir:      v.GetString("executor_dir"),
		ExecutorURL:      v.GetString("executor_url"),
		ExecutorTimeout:  v.GetDuration("executor_timeout"),
		ExecutorAttempts: v.GetInt("executor_attempts"),
		FallbackSleep:    v.GetDuration("fallback_sleep"),
		HeartbeatTTL:     v.GetDuration("heartbeat_ttl"),
		ImportAPIURL:     v.GetString("import_api_url"),
		ImportToken:      v.GetString("import_token"),
		ImportRateLimit:  v.GetInt("import_rate_limit"),
		ImportRateWindow: v.GetDuration("import_rate_window"),
	}
}
