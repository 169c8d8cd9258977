// Package config handles configuration loading, validation, and persistence
// for the courier transfer service.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir    = "config"
	DefaultConfigFile   = "config.json"
	DefaultWebAdminPort = 8085

	// MaxResponseBytes is the hard ceiling for transfer.max_response_bytes.
	MaxResponseBytes = 640 << 20
)

// ErrUnknownField is returned when updating a setting that does not exist.
var ErrUnknownField = errors.New("unknown field")

// Config is the root configuration structure for courier.
type Config struct {
	mu   sync.RWMutex
	path string

	Transfer        TransferData    `json:"transfer"`
	ApplicationData ApplicationData `json:"application_data"`
}

// TransferData configures the transfer engine and the fetch loop.
type TransferData struct {
	UserAgent          string `json:"user_agent"`
	InitialBufferSize  int    `json:"initial_buffer_size"`
	MaxHeaderBytes     int    `json:"max_header_bytes"`
	MaxResponseBytes   int64  `json:"max_response_bytes"`
	MaxRedirects       int    `json:"max_redirects"`
	PollIntervalMS     int    `json:"poll_interval_ms"`
	RequestTimeoutSec  int    `json:"request_timeout_sec"`
	TransferTimeoutSec int    `json:"transfer_timeout_sec"`
	MaxConcurrent      int    `json:"max_concurrent"`
	DownloadDirectory  string `json:"download_directory"`
	FTPUser            string `json:"ftp_user"`
	FTPPassword        string `json:"ftp_password"`
}

// ApplicationData contains service-level configuration.
type ApplicationData struct {
	WebAdmin WebAdminConfig `json:"webadmin"`
	Patch    PatchConfig    `json:"patch"`
	Timers   TimerConfig    `json:"timers"`
	Cleaner  CleanerConfig  `json:"cleaner"`
	Storage  StorageConfig  `json:"storage"`
	Notify   NotifyConfig   `json:"notify"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

// WebAdminConfig holds the admin HTTP surface settings.
type WebAdminConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	StaticPrefix    string `json:"static_prefix"`
	StaticDirectory string `json:"static_directory"`
}

// PatchConfig holds patch manifest settings.
type PatchConfig struct {
	Enabled        bool   `json:"enabled"`
	ManifestURL    string `json:"manifest_url"`
	CurrentVersion string `json:"current_version"`
	OS             string `json:"os"`
	Arch           string `json:"arch"`
	AutoDownload   bool   `json:"auto_download"`
}

// TimerConfig holds health check and task interval settings.
type TimerConfig struct {
	PatchCheckInterval   int `json:"patch_check_interval_sec"`
	DiskCheckInterval    int `json:"disk_check_interval_sec"`
	BacklogCheckInterval int `json:"backlog_check_interval_sec"`
	HeartbeatInterval    int `json:"heartbeat_interval_sec"`
}

// CleanerConfig holds download directory and history cleanup settings.
type CleanerConfig struct {
	Enabled              bool   `json:"enabled"`
	CleanupTime          string `json:"cleanup_time"`
	RetentionDays        int    `json:"retention_days"`
	HistoryRetentionDays int    `json:"history_retention_days"`
}

// StorageConfig holds the transfer history database location.
type StorageConfig struct {
	DatabasePath string `json:"database_path"`
}

// NotifyConfig holds webhook notification settings.
type NotifyConfig struct {
	WebhookURL    string `json:"webhook_url"`
	NotifyOnPatch bool   `json:"notify_on_patch"`
	NotifyOnDisk  bool   `json:"notify_on_disk"`
	NotifyOnFail  bool   `json:"notify_on_fail"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	CAFile    string `json:"ca_file"`
	ClientID  string `json:"client_id"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Transfer: TransferData{
			UserAgent:          "courier/1.0",
			InitialBufferSize:  4096,
			MaxHeaderBytes:     64 << 10,
			MaxResponseBytes:   MaxResponseBytes,
			MaxRedirects:       5,
			PollIntervalMS:     50,
			RequestTimeoutSec:  60,
			TransferTimeoutSec: 600,
			MaxConcurrent:      16,
			FTPUser:            "anonymous",
			FTPPassword:        "courier@",
		},
		ApplicationData: ApplicationData{
			WebAdmin: WebAdminConfig{
				Enabled:         true,
				Port:            DefaultWebAdminPort,
				StaticPrefix:    "/static/",
				StaticDirectory: "webadmin",
			},
			Patch: PatchConfig{
				CurrentVersion: "0.0.0",
			},
			Timers: TimerConfig{
				PatchCheckInterval:   900,
				DiskCheckInterval:    3600,
				BacklogCheckInterval: 60,
				HeartbeatInterval:    60,
			},
			Cleaner: CleanerConfig{
				Enabled:              true,
				CleanupTime:          "04:00",
				RetentionDays:        14,
				HistoryRetentionDays: 30,
			},
			Storage: StorageConfig{
				DatabasePath: filepath.Join("data", "courier.db"),
			},
			Notify: NotifyConfig{
				NotifyOnPatch: true,
				NotifyOnDisk:  true,
			},
			MQTT: MQTTConfig{
				Port:   1883,
				UseTLS: false,
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
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

	// Persist defaults for fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
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

// GetTransferData returns a copy of the transfer configuration.
func (c *Config) GetTransferData() TransferData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Transfer
}

// SetTransferData updates the transfer configuration.
func (c *Config) SetTransferData(data TransferData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Transfer = data
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateTransferField sets one transfer field by its JSON key. The value is
// applied only if it decodes into the field's type.
func (c *Config) UpdateTransferField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Transfer)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("%w %q", ErrUnknownField, key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	next := c.Transfer
	if err := json.Unmarshal(updated, &next); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.Transfer = next
	return nil
}

// UpdateAppField updates a specific field in application data.
func (c *Config) UpdateAppField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.ApplicationData)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	m[key] = value

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, &c.ApplicationData); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}

	return nil
}

// SetPath sets the file Save writes to.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Transfer.DownloadDirectory == ""
}
