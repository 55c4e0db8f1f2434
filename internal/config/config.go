// Package config loads the chat client configuration from a YAML file
// and SOULARA_* environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Transport names.
const (
	TransportGobwas  = "gobwas"
	TransportGorilla = "gorilla"
)

const envPrefix = "SOULARA_"

// Config is the full client configuration.
type Config struct {
	APIURL    string `yaml:"api_url"`
	SocketURL string `yaml:"socket_url"`
	Transport string `yaml:"transport"`
	LogLevel  string `yaml:"log_level"`

	Connection Connection `yaml:"connection"`
	Typing     Typing     `yaml:"typing"`
	Redis      Redis      `yaml:"redis"`
}

// Connection configures the connection manager.
type Connection struct {
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
}

// Typing configures the typing coordinator.
type Typing struct {
	StopAfter    time.Duration `yaml:"stop_after"`
	RemoteExpiry time.Duration `yaml:"remote_expiry"`
}

// Redis configures the chat list snapshot cache. An empty Addr disables
// the cache.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIURL:    "http://localhost:5000/api",
		SocketURL: "ws://localhost:5000/ws",
		Transport: TransportGobwas,
		LogLevel:  "info",
		Connection: Connection{
			MaxReconnectAttempts: 5,
			ReconnectDelay:       time.Second,
			ConnectTimeout:       20 * time.Second,
		},
		Typing: Typing{
			StopAfter:    2500 * time.Millisecond,
			RemoteExpiry: 5 * time.Second,
		},
		Redis: Redis{
			Prefix: "soulara:chatlist:",
			TTL:    24 * time.Hour,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.APIURL = getEnv("API_URL", c.APIURL)
	c.SocketURL = getEnv("SOCKET_URL", c.SocketURL)
	c.Transport = getEnv("TRANSPORT", c.Transport)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	var err error
	if c.Connection.MaxReconnectAttempts, err = getEnvInt("MAX_RECONNECT_ATTEMPTS", c.Connection.MaxReconnectAttempts); err != nil {
		return err
	}
	if c.Connection.ReconnectDelay, err = getEnvDuration("RECONNECT_DELAY", c.Connection.ReconnectDelay); err != nil {
		return err
	}
	if c.Connection.ConnectTimeout, err = getEnvDuration("CONNECT_TIMEOUT", c.Connection.ConnectTimeout); err != nil {
		return err
	}
	if c.Redis.DB, err = getEnvInt("REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	return nil
}

// Validate checks the settings the client cannot run without.
func (c Config) Validate() error {
	switch {
	case c.APIURL == "":
		return errors.New("api_url is required")
	case c.SocketURL == "":
		return errors.New("socket_url is required")
	case c.Transport != TransportGobwas && c.Transport != TransportGorilla:
		return errors.Errorf("unknown transport %q", c.Transport)
	case c.Connection.MaxReconnectAttempts < 1:
		return errors.New("max_reconnect_attempts must be at least 1")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s%s", envPrefix, key)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s%s", envPrefix, key)
	}
	return d, nil
}
