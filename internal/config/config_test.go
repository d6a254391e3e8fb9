package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "console.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		file        string
		wantErr     bool
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults with authority from env",
			env:  map[string]string{"CONSOLE_LICENSE_AUTHORITY_URL": "https://licensing.internal/"},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, DefaultPrincipalHeader, cfg.Server.PrincipalHeader)
				assert.Equal(t, "https://licensing.internal", cfg.License.AuthorityURL)
				assert.Equal(t, 5*time.Minute, cfg.License.PollPeriod)
				assert.Equal(t, 5, cfg.License.ActivationAttempts)
				assert.Equal(t, 15*time.Minute, cfg.License.ActivationWindow)
				assert.Equal(t, 1024, cfg.License.MaxDialogs)
				assert.Equal(t, 30*time.Minute, cfg.License.DialogIdleTimeout)
				assert.Equal(t, "json", cfg.Logging.Format)
				assert.Equal(t, "prometheus", cfg.Telemetry.MetricExporter)
			},
		},
		{
			name: "file overlays defaults",
			file: `
server:
  port: 9000
  read_timeout: 25s
license:
  authority_url: http://127.0.0.1:7000
  poll_period: 1m
  exempt_domains: ["vendor.example", " "]
logging:
  level: DEBUG
  format: text
`,
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9000, cfg.Server.Port)
				assert.Equal(t, 25*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout, "absent keys keep defaults")
				assert.Equal(t, time.Minute, cfg.License.PollPeriod)
				assert.Equal(t, []string{"vendor.example"}, cfg.License.ExemptDomains)
				assert.Equal(t, "debug", cfg.Logging.Level)
				assert.Equal(t, "json", cfg.Logging.Format, "format is always json")
			},
		},
		{
			name: "env wins over file",
			env: map[string]string{
				"CONSOLE_SERVER_PORT":                 "9100",
				"CONSOLE_LICENSE_EXEMPT_DOMAINS":      "vendor.example,ops.vendor.example",
				"CONSOLE_LICENSE_ACTIVATION_ATTEMPTS": "3",
			},
			file: `
server:
  port: 9000
license:
  authority_url: http://127.0.0.1:7000
`,
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9100, cfg.Server.Port)
				assert.Equal(t, []string{"vendor.example", "ops.vendor.example"}, cfg.License.ExemptDomains)
				assert.Equal(t, 3, cfg.License.ActivationAttempts)
			},
		},
		{
			name:    "invalid yaml",
			file:    "invalid: yaml: content: [unclosed",
			wantErr: true,
		},
		{
			name:    "missing authority",
			wantErr: true,
		},
		{
			name:    "bad env duration",
			env:     map[string]string{"CONSOLE_LICENSE_AUTHORITY_URL": "https://x", "CONSOLE_LICENSE_POLL_PERIOD": "soon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONSOLE_LICENSE_AUTHORITY_URL", "")
			os.Unsetenv("CONSOLE_LICENSE_AUTHORITY_URL")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := filepath.Join(t.TempDir(), "absent.yaml")
			if tt.file != "" {
				path = writeConfigFile(t, tt.file)
			} else {
				require.NoError(t, os.WriteFile(path, nil, 0o600))
			}

			cfg, err := Load(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.validateCfg(t, cfg)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Logging.Level = "loud"
	cfg.License.AuthorityURL = "ftp://licensing"
	cfg.License.PollPeriod = 10 * time.Millisecond
	cfg.License.ActivationAttempts = 0
	cfg.Telemetry.TraceExporter = "jaeger"

	err := cfg.Validate()
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 6)
	assert.Contains(t, err.Error(), "invalid server port")
	assert.Contains(t, err.Error(), "invalid license authority url")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"file output needs path", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "log file path"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "sample ratio"},
		{"window", func(c *Config) { c.License.ActivationWindow = 0 }, "activation window"},
		{"authority without host", func(c *Config) { c.License.AuthorityURL = "https://" }, "authority url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.License.AuthorityURL = "https://licensing.internal"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServerConfig_Addr(t *testing.T) {
	assert.Equal(t, ":8080", Default().Server.Addr())
	assert.Equal(t, "127.0.0.1:9000", ServerConfig{Host: "127.0.0.1", Port: 9000}.Addr())
}
