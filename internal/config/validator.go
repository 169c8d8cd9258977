package config

import (
	"fmt"
	"net"
	"os"
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

	transfer := cfg.GetTransferData()
	app := cfg.GetApplicationData()
	validateTransferData(&transfer, result)
	validateApplicationData(&app, result)

	return result
}

func validateTransferData(data *TransferData, result *ValidationResult) {
	if strings.TrimSpace(data.DownloadDirectory) == "" {
		result.AddError("transfer.download_directory", "download directory is required")
	} else if _, err := os.Stat(data.DownloadDirectory); os.IsNotExist(err) {
		result.AddWarning("transfer.download_directory",
			fmt.Sprintf("directory does not exist and will be created: %s", data.DownloadDirectory))
	}

	if strings.ContainsAny(data.UserAgent, "\r\n") {
		result.AddError("transfer.user_agent", "user agent must be a single line")
	}

	if data.InitialBufferSize < 16 {
		result.AddError("transfer.initial_buffer_size", "initial buffer size must be at least 16 bytes")
	}
	if data.MaxHeaderBytes < 256 {
		result.AddError("transfer.max_header_bytes", "header limit must be at least 256 bytes")
	}
	if data.MaxResponseBytes < 1 || data.MaxResponseBytes > MaxResponseBytes {
		result.AddError("transfer.max_response_bytes",
			fmt.Sprintf("response limit must be between 1 and %d bytes", MaxResponseBytes))
	}
	if data.MaxRedirects < 0 || data.MaxRedirects > 20 {
		result.AddError("transfer.max_redirects", "redirect limit must be between 0 and 20")
	}

	if data.PollIntervalMS < 1 {
		result.AddError("transfer.poll_interval_ms", "poll interval must be at least 1ms")
	} else if data.PollIntervalMS > 1000 {
		result.AddWarning("transfer.poll_interval_ms",
			fmt.Sprintf("poll interval of %dms will make transfers slow", data.PollIntervalMS))
	}

	if data.RequestTimeoutSec < 1 {
		result.AddError("transfer.request_timeout_sec", "request timeout must be at least 1 second")
	}
	if data.TransferTimeoutSec < data.RequestTimeoutSec {
		result.AddWarning("transfer.transfer_timeout_sec",
			"transfer timeout is shorter than the request timeout")
	}

	if data.MaxConcurrent < 1 {
		result.AddError("transfer.max_concurrent", "must allow at least 1 concurrent transfer")
	}
	if data.MaxConcurrent > 256 {
		result.AddWarning("transfer.max_concurrent",
			fmt.Sprintf("high concurrency (%d) may exhaust file descriptors", data.MaxConcurrent))
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	if data.WebAdmin.Enabled {
		validatePort(data.WebAdmin.Port, "application_data.webadmin.port", result)
		if !strings.HasPrefix(data.WebAdmin.StaticPrefix, "/") || !strings.HasSuffix(data.WebAdmin.StaticPrefix, "/") {
			result.AddError("application_data.webadmin.static_prefix",
				"static prefix must start and end with '/'")
		}
	}

	if data.Patch.Enabled {
		url := strings.TrimSpace(data.Patch.ManifestURL)
		if !strings.HasPrefix(url, "http://") {
			result.AddError("application_data.patch.manifest_url",
				"patch manifest URL must be an http:// URL when patching is enabled")
		}
	}

	if data.Cleaner.Enabled {
		if data.Cleaner.RetentionDays < 1 {
			result.AddError("application_data.cleaner.retention_days",
				"retention days must be at least 1")
		}
		if data.Cleaner.HistoryRetentionDays < 1 {
			result.AddError("application_data.cleaner.history_retention_days",
				"history retention days must be at least 1")
		}
	}

	if strings.TrimSpace(data.Storage.DatabasePath) == "" {
		result.AddError("application_data.storage.database_path", "database path is required")
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.Security.TLSEnabled {
		if strings.TrimSpace(data.Security.TLSCertFile) == "" {
			result.AddError("application_data.security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(data.Security.TLSKeyFile) == "" {
			result.AddError("application_data.security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the webadmin to abuse")
	}

	if data.Notify.WebhookURL != "" && !strings.HasPrefix(data.Notify.WebhookURL, "https://") {
		result.AddWarning("application_data.notify.webhook_url",
			"webhook URL is not https, notifications will be sent in clear text")
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.PatchCheckInterval < 30 {
		result.AddWarning("timers.patch_check_interval",
			"patch check interval less than 30s may cause excessive requests")
	}
	if timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval",
			"heartbeat interval less than 10s may cause excessive traffic")
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
