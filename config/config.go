package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	LockDriverRedis = "redis"
	LockDriverLocal = "local"
)

type Config struct {
	HTTPAddr         string `env:"HTTP_ADDR"          envDefault:":5200"`
	GameServiceToken string `env:"GAME_SERVICE_TOKEN"`
	AllowedOrigins   string `env:"ALLOWED_ORIGINS"    envDefault:"http://localhost:3000"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`

	LockDriver    string `env:"LOCK_DRIVER"    envDefault:"redis"`
	RedisURL      string `env:"REDIS_URL"      envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"       envDefault:"0"`

	// Round counts scanned every queue tick. Entries asking for any other
	// count are never matched unless DiscoverQueuedRounds is set.
	SupportedRounds      []int `env:"SUPPORTED_ROUNDS"       envDefault:"1,3,5" envSeparator:","`
	DiscoverQueuedRounds bool  `env:"DISCOVER_QUEUED_ROUNDS" envDefault:"false"`

	QueueTickInterval time.Duration `env:"QUEUE_TICK_INTERVAL" envDefault:"5s"`
	QueueLockMinHold  time.Duration `env:"QUEUE_LOCK_MIN_HOLD" envDefault:"1s"`
	QueueLockMaxHold  time.Duration `env:"QUEUE_LOCK_MAX_HOLD" envDefault:"4s"`

	CleanupTickInterval time.Duration `env:"CLEANUP_TICK_INTERVAL" envDefault:"60s"`
	CleanupLockMinHold  time.Duration `env:"CLEANUP_LOCK_MIN_HOLD" envDefault:"10s"`
	CleanupLockMaxHold  time.Duration `env:"CLEANUP_LOCK_MAX_HOLD" envDefault:"50s"`

	QueueEntryTTL   time.Duration `env:"QUEUE_ENTRY_TTL"   envDefault:"10m"`
	WaitPerPosition time.Duration `env:"WAIT_PER_POSITION" envDefault:"10s"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, reading environment variables directly")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.GameServiceToken == "" {
		errs = append(errs, errors.New("GAME_SERVICE_TOKEN is required"))
	}

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.LockDriver {
	case LockDriverRedis, LockDriverLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown LOCK_DRIVER %q", c.LockDriver))
	}

	if len(c.SupportedRounds) == 0 {
		errs = append(errs, errors.New("SUPPORTED_ROUNDS must list at least one round count"))
	}
	for _, r := range c.SupportedRounds {
		if r <= 0 {
			errs = append(errs, fmt.Errorf("SUPPORTED_ROUNDS entries must be positive, got %d", r))
		}
	}

	errs = append(errs, validateTask("QUEUE", c.QueueTickInterval, c.QueueLockMinHold, c.QueueLockMaxHold)...)
	errs = append(errs, validateTask("CLEANUP", c.CleanupTickInterval, c.CleanupLockMinHold, c.CleanupLockMaxHold)...)

	if c.QueueEntryTTL <= 0 {
		errs = append(errs, errors.New("QUEUE_ENTRY_TTL must be positive"))
	}
	if c.WaitPerPosition < 0 {
		errs = append(errs, errors.New("WAIT_PER_POSITION must not be negative"))
	}

	return errors.Join(errs...)
}

func validateTask(name string, interval, minHold, maxHold time.Duration) []error {
	var errs []error
	if interval <= 0 {
		errs = append(errs, fmt.Errorf("%s_TICK_INTERVAL must be positive", name))
	}
	if minHold <= 0 {
		errs = append(errs, fmt.Errorf("%s_LOCK_MIN_HOLD must be positive", name))
	}
	if maxHold < minHold {
		errs = append(errs, fmt.Errorf("%s_LOCK_MAX_HOLD must be >= %s_LOCK_MIN_HOLD", name, name))
	}
	return errs
}

// ConfigureLogging applies LOG_LEVEL and LOG_FORMAT to the root logrus logger.
func (c Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	logrus.SetLevel(level)

	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
