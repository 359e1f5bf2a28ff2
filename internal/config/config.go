// Package config loads server configuration from an optional YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the Postgres connection URL.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// NATSConfig holds the terminal-event stream settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	StreamName    string `yaml:"stream_name"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// OracleConfig points at the external difference-oracle service.
type OracleConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// GameConfig holds gameplay policy.
type GameConfig struct {
	TickInterval        time.Duration `yaml:"tick_interval"`
	DefaultTimeLimitSec int           `yaml:"default_time_limit_sec"`
	AbandonEndsGame     bool          `yaml:"abandon_ends_game"`
}

// Config is the full server configuration.
type Config struct {
	Port   string       `yaml:"port"`
	DB     DBConfig     `yaml:"db"`
	NATS   NATSConfig   `yaml:"nats"`
	Oracle OracleConfig `yaml:"oracle"`
	Game   GameConfig   `yaml:"game"`
}

// Default returns the configuration used when no file or env overrides exist.
func Default() Config {
	return Config{
		Port: "8080",
		DB: DBConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			Database: "spotdiff",
			SSLMode:  "disable",
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			StreamName:    "GAME_EVENTS",
			SubjectPrefix: "game.events",
		},
		Oracle: OracleConfig{
			BaseURL: "http://localhost:9090",
		},
		Game: GameConfig{
			TickInterval:        time.Second,
			DefaultTimeLimitSec: 120,
			AbandonEndsGame:     true,
		},
	}
}

// Load reads the YAML file at path (if it exists) over the defaults, then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Optional file; env and defaults carry the config.
		case err != nil:
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)

	c.DB.Host = getEnv("DB_HOST", c.DB.Host)
	c.DB.Port = getEnvInt("DB_PORT", c.DB.Port)
	c.DB.User = getEnv("DB_USER", c.DB.User)
	c.DB.Password = getEnv("DB_PASSWORD", c.DB.Password)
	c.DB.Database = getEnv("DB_NAME", c.DB.Database)
	c.DB.SSLMode = getEnv("DB_SSLMODE", c.DB.SSLMode)

	c.NATS.Enabled = getEnvBool("NATS_ENABLED", c.NATS.Enabled)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.StreamName = getEnv("NATS_STREAM", c.NATS.StreamName)
	c.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)

	c.Oracle.BaseURL = getEnv("ORACLE_URL", c.Oracle.BaseURL)
	c.Oracle.APIKey = getEnv("ORACLE_API_KEY", c.Oracle.APIKey)

	if v := getEnvInt("GAME_TICK_INTERVAL_MS", 0); v > 0 {
		c.Game.TickInterval = time.Duration(v) * time.Millisecond
	}
	c.Game.DefaultTimeLimitSec = getEnvInt("GAME_DEFAULT_TIME_LIMIT_SEC", c.Game.DefaultTimeLimitSec)
	c.Game.AbandonEndsGame = getEnvBool("GAME_ABANDON_ENDS_GAME", c.Game.AbandonEndsGame)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
