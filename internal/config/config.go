package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds the server configuration.
type Config struct {
	Addr          string `env:"ADDR"           envDefault:":8080"`
	DSN           string `env:"DB_DSN"`
	JWTSecret     string `env:"JWT_SECRET"`
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`

	RedisAddr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisDisabled bool   `env:"REDIS_DISABLED"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	MaxMessageLength int           `env:"MAX_MESSAGE_LENGTH" envDefault:"5000"`
	HistoryLimit     int           `env:"HISTORY_LIMIT"      envDefault:"50"`
	DefaultRoomID    string        `env:"DEFAULT_ROOM_ID"    envDefault:"default-room"`
	StorageTimeout   time.Duration `env:"STORAGE_TIMEOUT"    envDefault:"5s"`

	RequireToken    bool          `env:"REQUIRE_TOKEN"`
	SendBuffer      int           `env:"SEND_BUFFER"       envDefault:"256"`
	FramesPerSecond float64       `env:"FRAMES_PER_SECOND" envDefault:"40"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"10s"`

	// SeedUsers pre-loads the memory store, as id:username pairs.
	SeedUsers []string `env:"SEED_USERS" envSeparator:","`
}

// ParseConfig reads the environment, then lets flags override it.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "http service address")
	fs.StringVar(&cfg.StorageDriver, "storage", cfg.StorageDriver, "storage driver (postgres|memory)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	fs.BoolVar(&cfg.RedisDisabled, "no-redis", cfg.RedisDisabled, "disable the redis presence cache")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case DriverPostgres:
		if c.DSN == "" {
			errs = append(errs, errors.New("DB_DSN is not set"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}
	if c.JWTSecret == "" && (c.RequireToken || c.StorageDriver == DriverPostgres) {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	}
	if c.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("MAX_MESSAGE_LENGTH must be positive"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT must be positive"))
	}
	if c.DefaultRoomID == "" {
		errs = append(errs, errors.New("DEFAULT_ROOM_ID must not be empty"))
	}
	if c.StorageTimeout <= 0 {
		errs = append(errs, errors.New("STORAGE_TIMEOUT must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("SEND_BUFFER must be positive"))
	}
	if c.FramesPerSecond <= 0 {
		errs = append(errs, errors.New("FRAMES_PER_SECOND must be positive"))
	}
	return errors.Join(errs...)
}
