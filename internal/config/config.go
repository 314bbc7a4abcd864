package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

const insecureJWTSecret = "supersecretkey"

type Config struct {
	Addr          string        `yaml:"addr" toml:"addr"`
	Env           string        `yaml:"env" toml:"env"`
	JWTSecret     string        `yaml:"jwt_secret" toml:"jwt_secret"`
	APITimeout    time.Duration `yaml:"timeout" toml:"timeout"`
	TokenDuration time.Duration `yaml:"token_duration" toml:"token_duration"`
	Store         StoreConfig   `yaml:"store" toml:"store"`
}

// StoreConfig selects and tunes the persistence backend. An empty
// DatabaseURL selects the flat-file store in DataDir.
type StoreConfig struct {
	DatabaseURL string      `yaml:"database_url" toml:"database_url"`
	DataDir     string      `yaml:"data_dir" toml:"data_dir"`
	BcryptCost  int         `yaml:"bcrypt_cost" toml:"bcrypt_cost"`
	Pool        PoolConfig  `yaml:"pool" toml:"pool"`
	Retry       RetryConfig `yaml:"retry" toml:"retry"`
}

type PoolConfig struct {
	Size        int           `yaml:"size" toml:"size"`
	MaxOverflow int           `yaml:"max_overflow" toml:"max_overflow"`
	Recycle     time.Duration `yaml:"recycle" toml:"recycle"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts" toml:"attempts"`
	Interval time.Duration `yaml:"interval" toml:"interval"`
}

// Defaults returns a configuration with every field populated.
func Defaults() *Config {
	return &Config{
		Addr:          ":8080",
		Env:           "development",
		JWTSecret:     insecureJWTSecret,
		APITimeout:    15 * time.Second,
		TokenDuration: 24 * time.Hour,
		Store: StoreConfig{
			DataDir:    ".",
			BcryptCost: bcrypt.DefaultCost,
			Pool: PoolConfig{
				Size:        5,
				MaxOverflow: 10,
				Recycle:     30 * time.Minute,
				Timeout:     30 * time.Second,
			},
			Retry: RetryConfig{
				Attempts: 3,
				Interval: 2 * time.Second,
			},
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML or
// TOML file, a .env file in the working directory and the environment, in
// that order of precedence (last wins).
func LoadConfig(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	// .env is optional; real environment variables take precedence over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("decode toml config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("decode yaml config: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Addr = getEnv("KRISHI_ADDR", cfg.Addr)
	cfg.Env = getEnv("KRISHI_ENV", cfg.Env)
	cfg.JWTSecret = getEnv("KRISHI_JWT_SECRET", cfg.JWTSecret)
	cfg.Store.DatabaseURL = getEnv("DATABASE_URL", cfg.Store.DatabaseURL)
	cfg.Store.DataDir = getEnv("KRISHI_DATA_DIR", cfg.Store.DataDir)

	var err error
	if cfg.Store.BcryptCost, err = getEnvInt("KRISHI_BCRYPT_COST", cfg.Store.BcryptCost); err != nil {
		return err
	}
	if cfg.Store.Pool.Size, err = getEnvInt("KRISHI_DB_POOL_SIZE", cfg.Store.Pool.Size); err != nil {
		return err
	}
	if cfg.Store.Pool.MaxOverflow, err = getEnvInt("KRISHI_DB_MAX_OVERFLOW", cfg.Store.Pool.MaxOverflow); err != nil {
		return err
	}
	if cfg.Store.Retry.Attempts, err = getEnvInt("KRISHI_DB_RETRY_ATTEMPTS", cfg.Store.Retry.Attempts); err != nil {
		return err
	}
	if cfg.Store.Retry.Interval, err = getEnvDuration("KRISHI_DB_RETRY_INTERVAL", cfg.Store.Retry.Interval); err != nil {
		return err
	}
	return nil
}

// IsDevelopment reports whether the service runs in a development environment.
func (c *Config) IsDevelopment() bool {
	switch strings.ToLower(c.Env) {
	case "", "dev", "development", "test":
		return true
	}
	return false
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required")
	}
	if c.JWTSecret == insecureJWTSecret && !c.IsDevelopment() {
		return errors.New("jwt_secret uses the insecure default outside development")
	}
	if c.TokenDuration <= 0 {
		return errors.New("token_duration must be positive")
	}

	s := c.Store
	if s.DatabaseURL == "" && s.DataDir == "" {
		return errors.New("store.data_dir is required when no database_url is set")
	}
	if s.BcryptCost < bcrypt.MinCost || s.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("store.bcrypt_cost must be within [%d, %d]", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if s.Pool.Size <= 0 {
		return errors.New("store.pool.size must be positive")
	}
	if s.Pool.MaxOverflow < 0 {
		return errors.New("store.pool.max_overflow must not be negative")
	}
	if s.Pool.Timeout <= 0 {
		return errors.New("store.pool.timeout must be positive")
	}
	if s.Retry.Attempts <= 0 {
		return errors.New("store.retry.attempts must be positive")
	}
	if s.Retry.Interval < 0 {
		return errors.New("store.retry.interval must not be negative")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
