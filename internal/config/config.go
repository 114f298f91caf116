// Package config handles configuration loading, validation, and persistence
// for crss.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultTOMLFile   = "config.toml"
	DefaultAPIPort    = 3000
	DefaultServerKey  = "undefined"
)

// Config is the root configuration structure.
type Config struct {
	mu      sync.RWMutex
	path    string
	created bool
	env     envOverrides

	// ServerKey is the shared secret sent in every Hello frame.
	ServerKey string        `json:"server_key" toml:"server_key"`
	Servers   []ServerEntry `json:"servers" toml:"servers"`

	API      APIConfig      `json:"api" toml:"api"`
	MQTT     MQTTConfig     `json:"mqtt" toml:"mqtt"`
	Database DatabaseConfig `json:"database" toml:"database"`
	Timers   TimerConfig    `json:"timers" toml:"timers"`
	Logging  LoggingConfig  `json:"logging" toml:"logging"`
}

// ServerEntry names one game server the API may query.
type ServerEntry struct {
	ID      string `json:"id" toml:"id"`
	Address string `json:"address" toml:"address"`
}

// APIConfig holds HTTP listener settings.
type APIConfig struct {
	Port           int      `json:"port" toml:"port"`
	AllowedOrigins []string `json:"allowed_origins" toml:"allowed_origins"`
	RateLimit      int      `json:"rate_limit_per_minute" toml:"rate_limit_per_minute"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" toml:"enabled"`
	BrokerURL   string `json:"broker_url" toml:"broker_url"`
	ClientID    string `json:"client_id" toml:"client_id"`
	Username    string `json:"username" toml:"username"`
	Password    string `json:"password" toml:"password"`
	TopicPrefix string `json:"topic_prefix" toml:"topic_prefix"`
}

// DatabaseConfig holds the event history store settings.
type DatabaseConfig struct {
	Path          string `json:"path" toml:"path"`
	RetentionDays int    `json:"retention_days" toml:"retention_days"`
}

// TimerConfig holds periodic task intervals.
type TimerConfig struct {
	StatusPollInterval int `json:"status_poll_interval_sec" toml:"status_poll_interval_sec"`
	StatusPollTimeout  int `json:"status_poll_timeout_sec" toml:"status_poll_timeout_sec"`
	PruneInterval      int `json:"prune_interval_sec" toml:"prune_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" toml:"level"`
	Directory  string `json:"directory" toml:"directory"`
	MaxBackups int    `json:"max_backups" toml:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerKey: DefaultServerKey,
		Servers: []ServerEntry{
			{ID: "main", Address: "localhost:25580"},
		},
		API: APIConfig{
			Port:      DefaultAPIPort,
			RateLimit: 300,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "tcp://localhost:1883",
			TopicPrefix: "crss",
		},
		Database: DatabaseConfig{
			Path:          filepath.Join("data", "crss.db"),
			RetentionDays: 7,
		},
		Timers: TimerConfig{
			StatusPollInterval: 30,
			StatusPollTimeout:  5,
			PruneInterval:      3600,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from configDir. A config.toml takes precedence;
// otherwise config.json is read, or created with defaults when missing.
// Environment overrides (SERVER_KEY, PORT) are applied last and are never
// written back by Save.
func Load(configDir string) (*Config, error) {
	tomlPath := filepath.Join(configDir, DefaultTOMLFile)
	if _, err := os.Stat(tomlPath); err == nil {
		cfg := DefaultConfig()
		if _, err := toml.DecodeFile(tomlPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", tomlPath, err)
		}
		cfg.path = tomlPath
		log.Info().Str("path", tomlPath).Msg("configuration loaded")
		cfg.applyEnv()
		return cfg, nil
	}

	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			cfg.created = true
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json picks up fields added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	cfg.applyEnv()
	return cfg, nil
}

// envOverrides remembers which fields carry an environment value and what
// the file held underneath, so Save never writes the override.
type envOverrides struct {
	serverKey     string
	fileServerKey string
	port          int
	filePort      int
}

func (c *Config) applyEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key := os.Getenv("SERVER_KEY"); key != "" {
		if c.env.serverKey == "" || c.ServerKey != c.env.serverKey {
			c.env.fileServerKey = c.ServerKey
		}
		c.ServerKey = key
		c.env.serverKey = key
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			log.Warn().Str("PORT", port).Msg("ignoring invalid PORT override")
			return
		}
		if c.env.port == 0 || c.API.Port != c.env.port {
			c.env.filePort = c.API.Port
		}
		c.API.Port = p
		c.env.port = p
	}
}

// stripEnv swaps fields still holding their environment value back to the
// file value and returns a func restoring the live values. Caller holds mu.
func (c *Config) stripEnv() func() {
	key, port := c.ServerKey, c.API.Port
	if c.env.serverKey != "" && c.ServerKey == c.env.serverKey {
		c.ServerKey = c.env.fileServerKey
	}
	if c.env.port != 0 && c.API.Port == c.env.port {
		c.API.Port = c.env.filePort
	}
	return func() {
		c.ServerKey, c.API.Port = key, port
	}
}

// FileServerKey returns the server key as stored in the config file,
// ignoring any SERVER_KEY override.
func (c *Config) FileServerKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.env.serverKey != "" && c.ServerKey == c.env.serverKey {
		return c.env.fileServerKey
	}
	return c.ServerKey
}

// Save writes the current configuration to disk as JSON or TOML, matching
// the file it was loaded from. Environment overrides are left out.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.stripEnv()()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if filepath.Ext(c.path) == ".toml" {
		f, err := os.Create(c.path)
		if err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		defer f.Close()
		if err := toml.NewEncoder(f).Encode(c); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServerKey returns the shared Hello key.
func (c *Config) GetServerKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ServerKey
}

// GetServers returns a copy of the configured servers.
func (c *Config) GetServers() []ServerEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	servers := make([]ServerEntry, len(c.Servers))
	copy(servers, c.Servers)
	return servers
}

// LookupServer returns the configured entry for id.
func (c *Config) LookupServer(id string) (ServerEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerEntry{}, false
}

// IsFirstRun reports whether Load had to create the config file.
func (c *Config) IsFirstRun() bool {
	return c.created
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
