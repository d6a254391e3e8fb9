package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	// PrincipalHeader is set by the identity proxy in front of the console.
	PrincipalHeader string `yaml:"principal_header" envconfig:"PRINCIPAL_HEADER"`
	IncludeStack    bool   `yaml:"include_stack" envconfig:"INCLUDE_STACK"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// LicenseConfig configures the licensing authority client and the
// enforcement controller.
type LicenseConfig struct {
	AuthorityURL    string        `yaml:"authority_url" envconfig:"AUTHORITY_URL"`
	APIToken        string        `yaml:"api_token" envconfig:"API_TOKEN"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	MaxRetries      int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" envconfig:"RETRY_BACKOFF"`
	BreakerFailures uint32        `yaml:"breaker_failures" envconfig:"BREAKER_FAILURES"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" envconfig:"BREAKER_TIMEOUT"`

	PollPeriod         time.Duration `yaml:"poll_period" envconfig:"POLL_PERIOD"`
	ActivationAttempts int           `yaml:"activation_attempts" envconfig:"ACTIVATION_ATTEMPTS"`
	ActivationWindow   time.Duration `yaml:"activation_window" envconfig:"ACTIVATION_WINDOW"`

	ExemptDomains []string `yaml:"exempt_domains" envconfig:"EXEMPT_DOMAINS"`
	ExemptEmails  []string `yaml:"exempt_emails" envconfig:"EXEMPT_EMAILS"`

	// MaxDialogs caps the per-principal activation dialogs kept in memory;
	// idle ones are dropped after DialogIdleTimeout.
	MaxDialogs        int           `yaml:"max_dialogs" envconfig:"MAX_DIALOGS"`
	DialogIdleTimeout time.Duration `yaml:"dialog_idle_timeout" envconfig:"DIALOG_IDLE_TIMEOUT"`

	ContactURL   string `yaml:"contact_url" envconfig:"CONTACT_URL"`
	ContactLabel string `yaml:"contact_label" envconfig:"CONTACT_LABEL"`

	// Modules lists the console modules shown in the navigation. Each is
	// gated on the module entitlement of the same key.
	Modules []string `yaml:"modules" envconfig:"MODULES"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

// Load builds the configuration from defaults, an optional YAML file and
// CONSOLE_* environment variables, in increasing order of precedence.
// An empty path falls back to the well-known file locations.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile overlays the YAML file at path onto cfg. Keys absent from
// the file keep their current value.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) normalize() {
	c.Logging.Format = "json"
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Output = strings.ToLower(strings.TrimSpace(c.Logging.Output))
	c.License.AuthorityURL = strings.TrimRight(strings.TrimSpace(c.License.AuthorityURL), "/")
	c.License.ExemptDomains = trimAll(c.License.ExemptDomains)
	c.License.ExemptEmails = trimAll(c.License.ExemptEmails)
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("server read timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("server write timeout must be positive"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		result = multierror.Append(result, fmt.Errorf("invalid log level: %q", c.Logging.Level))
	}
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		result = multierror.Append(result, fmt.Errorf("invalid log output: %q", c.Logging.Output))
	}
	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		result = multierror.Append(result, fmt.Errorf("log file path is required for output %q", c.Logging.Output))
	}

	if c.License.AuthorityURL == "" {
		result = multierror.Append(result, fmt.Errorf("license authority url is required"))
	} else if u, err := url.Parse(c.License.AuthorityURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		result = multierror.Append(result, fmt.Errorf("invalid license authority url: %q", c.License.AuthorityURL))
	}
	if c.License.PollPeriod < time.Second {
		result = multierror.Append(result, fmt.Errorf("license poll period must be at least 1s, got %s", c.License.PollPeriod))
	}
	if c.License.Timeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("license timeout must be positive"))
	}
	if c.License.MaxRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("license max retries cannot be negative"))
	}
	if c.License.ActivationAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("license activation attempts must be at least 1"))
	}
	if c.License.ActivationWindow <= 0 {
		result = multierror.Append(result, fmt.Errorf("license activation window must be positive"))
	}

	switch c.Telemetry.TraceExporter {
	case "stdout", "none":
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported trace exporter: %q", c.Telemetry.TraceExporter))
	}
	switch c.Telemetry.MetricExporter {
	case "prometheus", "none":
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported metric exporter: %q", c.Telemetry.MetricExporter))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		result = multierror.Append(result, fmt.Errorf("telemetry sample ratio must be within [0,1]"))
	}

	return result.ErrorOrNil()
}

// getConfigFilePath returns the first config file found in the common
// locations, or "" when there is none.
func getConfigFilePath() string {
	for _, location := range ConfigFileLocations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:8080"},
			PrincipalHeader: DefaultPrincipalHeader,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/console.log",
		},
		License: LicenseConfig{
			Timeout:            10 * time.Second,
			MaxRetries:         2,
			RetryBackoff:       500 * time.Millisecond,
			BreakerFailures:    5,
			BreakerTimeout:     30 * time.Second,
			PollPeriod:         DefaultLicensePollPeriod,
			ActivationAttempts: 5,
			ActivationWindow:   15 * time.Minute,
			MaxDialogs:         1024,
			DialogIdleTimeout:  30 * time.Minute,
			ContactLabel:       "Contact administrator",
			Modules:            []string{"portfolio", "fixed_income", "reports"},
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppName,
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
		},
	}
}
