package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Config is the client.json configuration for the relay client.
type Config struct {
	RelayURL  string `json:"relayUrl"`
	ProxyAddr string `json:"proxyAddr"` // SOCKS5 host:port, empty for direct

	QueueDir   string `json:"queueDir"`
	MaxRetries int    `json:"maxRetries"`

	RedisURL      string `json:"redisUrl"` // empty selects the in-memory cache
	CacheMaxItems int    `json:"cacheMaxItems"`

	InitialBackoffSeconds int `json:"initialBackoffSeconds"`
	MaxBackoffSeconds     int `json:"maxBackoffSeconds"`
	MaxReconnectAttempts  int `json:"maxReconnectAttempts"`

	GroupTagKey string `json:"groupTagKey"`
}

var (
	current *Config
	mu      sync.RWMutex
	once    sync.Once
)

// Get returns the current configuration (thread-safe).
func Get() *Config {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if current == nil {
			current = loadFromFile()
		}
	})

	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Reload reloads the configuration from file.
func Reload() error {
	fresh := loadFromFile()
	mu.Lock()
	defer mu.Unlock()
	current = fresh
	slog.Info("relay client configuration reloaded", "relay", fresh.RelayURL)
	return nil
}

func loadFromFile() *Config {
	configPath := os.Getenv("RELAY_CLIENT_CONFIG")
	if configPath == "" {
		configPath = "config/client.json"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", configPath)
		} else {
			slog.Warn("could not read config, using defaults", "path", configPath, "error", err)
		}
		return defaults()
	}

	cfg := defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		slog.Error("invalid JSON in config, using defaults", "path", configPath, "error", err)
		return defaults()
	}

	// Env vars override file values for deploy-time tweaks.
	if url := os.Getenv("RELAY_URL"); url != "" {
		cfg.RelayURL = url
	}
	if addr := os.Getenv("RELAY_PROXY_ADDR"); addr != "" {
		cfg.ProxyAddr = addr
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}

	slog.Info("loaded relay client configuration", "path", configPath, "relay", cfg.RelayURL)
	return cfg
}

func defaults() *Config {
	return &Config{
		RelayURL:              "wss://relay.damus.io",
		QueueDir:              "data/pending",
		MaxRetries:            5,
		CacheMaxItems:         10000,
		InitialBackoffSeconds: 1,
		MaxBackoffSeconds:     60,
		MaxReconnectAttempts:  10,
		GroupTagKey:           "h",
	}
}

// InitialBackoff returns the configured backoff floor as a duration.
func (c *Config) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffSeconds) * time.Second
}

// MaxBackoff returns the configured backoff ceiling as a duration.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}
