package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Auth        AuthConfig                `json:"auth"`
}

type BasicConfig struct {
	ServerAddress  string   `json:"server_address"`
	LogLevel       string   `json:"log_level"`
	Development    bool     `json:"development"`
	StaticDir      string   `json:"static_dir"`
	AllowedOrigins []string `json:"allowed_origins"`
	// RevocationCleanInterval is expressed in minutes.
	RevocationCleanInterval int `json:"revocation_clean_interval"`
	// SummaryCacheTTL is expressed in seconds.
	SummaryCacheTTL int `json:"summary_cache_ttl"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
	// TokenTTL is expressed in hours.
	TokenTTL int `json:"token_ttl"`
}

// Env holds the process environment overrides, all prefixed with THRIVE_.
type Env struct {
	ConfigPath    string `envconfig:"CONFIG" default:"config.json"`
	DBType        string `envconfig:"DB" default:"sqlite3"`
	ServerAddress string `envconfig:"SERVER_ADDRESS"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	JWTSecret     string `envconfig:"JWT_SECRET"`
	RedisHost     string `envconfig:"REDIS_HOST"`
	RedisPort     int    `envconfig:"REDIS_PORT"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	StaticDir     string `envconfig:"STATIC_DIR"`
}

const envPrefix = "THRIVE"

// LoadEnv reads an optional .env file and parses THRIVE_* variables.
func LoadEnv() (*Env, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var env Env
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	env.DBType = strings.ToLower(strings.TrimSpace(env.DBType))
	return &env, nil
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}

	// sqlite files are resolved next to the config file
	for name, db := range cfg.Databases {
		if !isSQLite(name) || db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
			continue
		}
		if !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}

// Apply overlays non-empty environment values onto the file configuration.
func (c *Config) Apply(env *Env) {
	if env == nil {
		return
	}
	if env.ServerAddress != "" {
		c.BasicConfig.ServerAddress = env.ServerAddress
	}
	if env.LogLevel != "" {
		c.BasicConfig.LogLevel = env.LogLevel
	}
	if env.StaticDir != "" {
		c.BasicConfig.StaticDir = env.StaticDir
	}
	if env.JWTSecret != "" {
		c.Auth.JWTSecret = env.JWTSecret
	}
	if env.RedisHost != "" {
		c.Redis.Enabled = true
		c.Redis.Host = env.RedisHost
	}
	if env.RedisPort != 0 {
		c.Redis.Port = env.RedisPort
	}
	if env.RedisPassword != "" {
		c.Redis.Password = env.RedisPassword
	}
}

// Validate checks the settings that have no sensible default.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret must be configured")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 characters")
	}
	return nil
}

func isSQLite(name string) bool {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
