package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates problems that must stop the agent from ones
// that were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

func (r *ValidationResult) fatal(format string, args ...any) {
	r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
}

// Validate checks the config and logs every problem found as a warning.
func (c *Config) Validate() []error {
	errs := c.ValidateTiered().AllErrors()
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}

// ValidateTiered checks the config. Out-of-range numbers are clamped in
// place and reported as warnings; values the agent cannot run with are
// fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			r.fatal("server_url %q is not a valid URL: %w", c.ServerURL, err)
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.fatal("server_url scheme must be http or https, got %q", u.Scheme)
		} else if u.Host == "" {
			r.fatal("server_url %q has no host", c.ServerURL)
		}
	}

	if c.ServerID != "" {
		if strings.ContainsAny(c.ServerID, "/?#") || hasControlOrSpace(c.ServerID) {
			r.fatal("server_id %q must be a single path segment", c.ServerID)
		}
	}

	if hasControl(c.ServerKey) {
		r.fatal("server_key contains control characters")
	}

	if len(c.ShellCommand) == 0 || strings.TrimSpace(c.ShellCommand[0]) == "" {
		r.fatal("shell_command must name an executable")
	}

	if c.StorageRoot == "" {
		r.fatal("storage_root must be set")
	} else if !filepath.IsAbs(c.StorageRoot) {
		r.fatal("storage_root %q must be an absolute path", c.StorageRoot)
	}

	c.HeartbeatIntervalSeconds = clamp(&r, "heartbeat_interval_seconds", c.HeartbeatIntervalSeconds, 1, 3600)
	c.MonitorIntervalSeconds = clamp(&r, "monitor_interval_seconds", c.MonitorIntervalSeconds, 5, 3600)
	c.ReconnectDelaySeconds = clamp(&r, "reconnect_delay_seconds", c.ReconnectDelaySeconds, 1, 300)
	c.MaxConcurrentCommands = clamp(&r, "max_concurrent_commands", c.MaxConcurrentCommands, 1, 100)
	c.CommandQueueSize = clamp(&r, "command_queue_size", c.CommandQueueSize, 1, 10000)

	if c.MaxFileReadBytes < 1 {
		r.warn("max_file_read_bytes %d is below minimum 1, using 10MiB", c.MaxFileReadBytes)
		c.MaxFileReadBytes = 10 * 1024 * 1024
	}

	endpoints := c.PublicIPEndpoints[:0:0]
	for _, ep := range c.PublicIPEndpoints {
		u, err := url.Parse(ep)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			r.warn("public_ip_endpoints entry %q is not an http(s) URL, ignoring", ep)
			continue
		}
		endpoints = append(endpoints, ep)
	}
	c.PublicIPEndpoints = endpoints

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.warn("log_format %q is not valid (use text or json)", c.LogFormat)
	}

	if c.LogFile != "" {
		c.LogMaxSizeMB = clamp(&r, "log_max_size_mb", c.LogMaxSizeMB, 1, 1024)
		c.LogMaxBackups = clamp(&r, "log_max_backups", c.LogMaxBackups, 1, 20)
	}

	return r
}

// RequireServer returns an error naming every connection setting that is
// still empty. `run` calls it; `config show` does not.
func (c *Config) RequireServer() error {
	var missing []string
	if c.ServerURL == "" {
		missing = append(missing, "server_url")
	}
	if c.ServerID == "" {
		missing = append(missing, "server_id")
	}
	if c.ServerKey == "" {
		missing = append(missing, "server_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s (run `bm-agent config init`)", strings.Join(missing, ", "))
	}
	return nil
}

func clamp(r *ValidationResult, key string, value, min, max int) int {
	switch {
	case value < min:
		r.warn("%s %d is below minimum %d, clamping", key, value, min)
		return min
	case value > max:
		r.warn("%s %d exceeds maximum %d, clamping", key, value, max)
		return max
	}
	return value
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

func hasControlOrSpace(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return true
		}
	}
	return false
}
