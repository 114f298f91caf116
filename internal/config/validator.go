package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	if cfg.ServerKey == "" || cfg.ServerKey == DefaultServerKey {
		result.AddWarning("server_key", "server key is not set, game servers may reject the handshake")
	}

	validateServers(cfg.Servers, result)
	validatePort(cfg.API.Port, "api.port", result)

	if cfg.API.RateLimit < 1 {
		result.AddWarning("api.rate_limit_per_minute",
			"rate limit is disabled, this may expose the API to abuse")
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		} else if u, err := url.Parse(cfg.MQTT.BrokerURL); err != nil || u.Scheme == "" || u.Host == "" {
			result.AddError("mqtt.broker_url", fmt.Sprintf("invalid broker URL: %s", cfg.MQTT.BrokerURL))
		}
	}

	if cfg.Database.RetentionDays < 1 {
		result.AddError("database.retention_days", "retention days must be at least 1")
	}

	validateTimers(&cfg.Timers, result)

	return result
}

func validateServers(servers []ServerEntry, result *ValidationResult) {
	if len(servers) == 0 {
		result.AddError("servers", "at least one server is required")
		return
	}

	seen := make(map[string]bool, len(servers))
	for i, s := range servers {
		field := fmt.Sprintf("servers[%d]", i)

		id := strings.TrimSpace(s.ID)
		if id == "" {
			result.AddError(field+".id", "server id is required")
		} else if seen[id] {
			result.AddError(field+".id", fmt.Sprintf("duplicate server id: %s", id))
		}
		seen[id] = true

		if s.Address == "" {
			result.AddWarning(field+".address", "address is empty, localhost:25580 will be used")
			continue
		}
		host, port, err := net.SplitHostPort(s.Address)
		if err != nil || host == "" {
			result.AddError(field+".address", fmt.Sprintf("invalid address %q: expected host:port", s.Address))
			continue
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			result.AddError(field+".address", fmt.Sprintf("invalid port in address %q", s.Address))
			continue
		}
		if p < 1 || p > 65535 {
			result.AddError(field+".address", fmt.Sprintf("invalid port number: %d (must be 1-65535)", p))
		}
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.StatusPollInterval < 1 {
		result.AddError("timers.status_poll_interval_sec", "status poll interval must be at least 1s")
	} else if timers.StatusPollInterval < 5 {
		result.AddWarning("timers.status_poll_interval_sec",
			"status poll interval less than 5s may cause excessive traffic")
	}
	if timers.StatusPollTimeout < 1 {
		result.AddError("timers.status_poll_timeout_sec", "status poll timeout must be at least 1s")
	}
	if timers.PruneInterval < 60 {
		result.AddWarning("timers.prune_interval_sec", "prune interval less than 60s is wasteful")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
