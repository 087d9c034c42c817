package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const yamlConfig = `
server:
  addr: ":9000"
  poll_interval: 3s
auth:
  enabled: true
  jwt_secret: "0123456789abcdef0123"
  api_keys:
    - key: ops-key
      user_id: ops
      role: admin
store:
  driver: postgres
  dsn: postgres://dubber@db/dubber?sslmode=disable
storage:
  tracks_uri: s3://dubs/tracks
  s3:
    region: eu-west-1
providers:
  base_url: https://gateway.internal/v1
  floors:
    tts-premium: 750ms
engine:
  synthesis_timeout: "00:05:00"
  voices:
    premium:
      female: aria-neural
logging:
  format: json
`

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "dubber.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Server.PollInterval.Duration)
	assert.True(t, cfg.Auth.Enabled)
	require.Len(t, cfg.Auth.APIKeys, 1)
	assert.Equal(t, "admin", cfg.Auth.APIKeys[0].Role)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "s3://dubs/tracks", cfg.Storage.TracksURI)
	assert.Equal(t, "eu-west-1", cfg.Storage.S3.Region)
	assert.Equal(t, 750*time.Millisecond, cfg.Providers.Floors["tts-premium"].Duration)
	assert.Equal(t, time.Second, cfg.Providers.Floors["asr"].Duration, "unset floors keep defaults")
	assert.Equal(t, 5*time.Minute, cfg.Engine.SynthesisTimeout.Duration)
	assert.Equal(t, 2*time.Minute, cfg.Engine.CallTimeout.Duration)
	assert.Equal(t, "aria-neural", cfg.Engine.Voices["premium"]["female"])
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "dubber.toml", `
[server]
addr = "127.0.0.1:8081"

[store]
driver = "memory"

[providers]
base_url = "http://providers:9000"

[providers.endpoints]
asr = "http://whisper:9000/transcribe"

[engine]
rate_limit_retries = 5
call_timeout = "PT1M30S"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8081", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "http://whisper:9000/transcribe", cfg.Providers.Endpoints["asr"])
	assert.Equal(t, 5, cfg.Engine.RateLimitRetries)
	assert.Equal(t, 90*time.Second, cfg.Engine.CallTimeout.Duration)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvProviderBaseURL, "http://providers")
	t.Setenv(EnvProviderAPIKey, "provider-secret")
	t.Setenv(EnvJWTSecret, "a-very-long-jwt-secret")
	t.Setenv(EnvDatabaseDSN, "file:/tmp/x.db")
	t.Setenv("DUBBER_AUTH_ENABLED", "true")
	t.Setenv(EnvInstanceID, "dubber-0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dubber-0", cfg.Server.InstanceID)
	assert.Equal(t, "provider-secret", cfg.Providers.APIKey)
	assert.Equal(t, "a-very-long-jwt-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "file:/tmp/x.db", cfg.Store.DSN)
	assert.True(t, cfg.Auth.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv(EnvProviderBaseURL, "http://providers")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "dubber.json", `{}`))
	assert.ErrorContains(t, err, "unsupported config format")

	_, err = Load(writeFile(t, "dubber.yaml", "server:\n  adress: \":80\"\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = Load(writeFile(t, "dubber.toml", "[server]\nport = 1\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"no providers", func(c *Config) { c.Providers.BaseURL = "" }, "providers.base_url"},
		{"unknown provider endpoint", func(c *Config) { c.Providers.Endpoints = map[string]string{"ocr": "http://x"} }, "unknown provider"},
		{"bad driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"missing dsn", func(c *Config) { c.Store.DSN = "" }, "store.dsn"},
		{"http tracks", func(c *Config) { c.Storage.TracksURI = "https://cdn/tracks" }, "file:// or s3://"},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }, "auth.enabled requires"},
		{"short secret", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.JWTSecret = "short"
		}, "at least 16"},
		{"bad key role", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.APIKeys = []APIKey{{Key: "k", UserID: "u", Role: "root"}}
		}, "role must be"},
		{"negative retries", func(c *Config) { c.Engine.RateLimitRetries = -1 }, "retry counts"},
		{"no heartbeat", func(c *Config) { c.Engine.HeartbeatInterval = dur(0) }, "heartbeat_interval"},
		{"stale before two heartbeats", func(c *Config) {
			c.Engine.HeartbeatInterval = dur(time.Minute)
			c.Engine.StaleAfter = dur(90 * time.Second)
		}, "at least twice"},
		{"confidence range", func(c *Config) { c.Engine.SmartMinConfidence = 2 }, "smart_min_confidence"},
		{"bad voice gender", func(c *Config) {
			c.Engine.Voices = map[string]map[string]string{"standard": {"robot": "x"}}
		}, "unknown gender"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
		{"burst without rate", func(c *Config) { c.Server.SubmitBurst = 0 }, "submit_burst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Providers.BaseURL = "http://providers"
			require.NoError(t, cfg.Validate())

			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
