// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Portal   PortalConfig   `mapstructure:"portal"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	OCR      OCRConfig      `mapstructure:"ocr"`
	Printer  PrinterConfig  `mapstructure:"printer"`
	Account  AccountConfig  `mapstructure:"account"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port             int `mapstructure:"port"`
	ShutdownGraceSec int `mapstructure:"shutdown_grace_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PortalConfig points the session layer at the permit portal.
type PortalConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
}

// WorkflowConfig bounds concurrency and retry budgets.
type WorkflowConfig struct {
	MaxItems         int `mapstructure:"max_items"`
	MaxInFlight      int `mapstructure:"max_in_flight"`
	CaptchaAttempts  int `mapstructure:"captcha_attempts"`
	NetworkRetries   int `mapstructure:"network_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// OCRConfig configures the captcha recognition backend.
type OCRConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

// PrinterConfig controls print dispatch for finished permits.
type PrinterConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
}

// AccountConfig carries default account fields merged into API requests that
// omit them, so a single-household deployment needs no request body
// boilerplate.
type AccountConfig struct {
	AccountNumber string `mapstructure:"account_number"`
	ZipCode       string `mapstructure:"zip_code"`
	LastName      string `mapstructure:"last_name"`
	Email         string `mapstructure:"email"`
}

// ProgressConfig sizes event stream buffers.
type ProgressConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PERMITD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_grace_seconds", 15)
	v.SetDefault("portal.base_url", "https://wmq.etimspayments.com")
	v.SetDefault("portal.user_agent", "permitd/0.1")
	v.SetDefault("portal.timeout_seconds", 30)
	v.SetDefault("portal.rate_per_second", 2)
	v.SetDefault("workflow.max_items", 5)
	v.SetDefault("workflow.max_in_flight", 3)
	v.SetDefault("workflow.captcha_attempts", 5)
	v.SetDefault("workflow.network_retries", 3)
	v.SetDefault("workflow.backoff_initial_ms", 250)
	v.SetDefault("workflow.backoff_max_ms", 5000)
	v.SetDefault("ocr.timeout_seconds", 20)
	v.SetDefault("printer.enabled", false)
	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("portal.base_url must be set")
	}
	if c.Portal.TimeoutSeconds <= 0 {
		return fmt.Errorf("portal.timeout_seconds must be > 0")
	}
	if c.Workflow.MaxItems < 1 || c.Workflow.MaxItems > 5 {
		return fmt.Errorf("workflow.max_items must be between 1 and 5")
	}
	if c.Workflow.CaptchaAttempts <= 0 {
		return fmt.Errorf("workflow.captcha_attempts must be > 0")
	}
	if c.OCR.CredentialsFile == "" {
		return fmt.Errorf("ocr.credentials_file must be set")
	}
	if c.Printer.Enabled && c.Printer.Name == "" {
		return fmt.Errorf("printer.name must be set when printing is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// PortalTimeout returns the portal request timeout as a duration.
func (c Config) PortalTimeout() time.Duration {
	return time.Duration(c.Portal.TimeoutSeconds) * time.Second
}

// OCRTimeout returns the OCR request timeout as a duration.
func (c Config) OCRTimeout() time.Duration {
	return time.Duration(c.OCR.TimeoutSeconds) * time.Second
}

// BackoffInitial returns the first retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Workflow.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Workflow.BackoffMaxMs) * time.Millisecond
}

// ShutdownGrace returns how long shutdown waits for in-flight work.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceSec) * time.Second
}
