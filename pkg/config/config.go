// Package config loads the service configuration from a YAML or TOML file,
// applies defaults and environment overrides, and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/chicogong/media-dubbing/pkg/schemas"
)

// Environment variables that override file values.
const (
	EnvJWTSecret       = "DUBBER_JWT_SECRET"
	EnvProviderAPIKey  = "DUBBER_PROVIDER_API_KEY"
	EnvProviderBaseURL = "DUBBER_PROVIDER_BASE_URL"
	EnvDatabaseDSN     = "DUBBER_DATABASE_DSN"
	EnvListenAddr      = "DUBBER_LISTEN_ADDR"
	EnvLogLevel        = "DUBBER_LOG_LEVEL"
	EnvInstanceID      = "DUBBER_INSTANCE_ID"
)

// Config is the full service configuration.
type Config struct {
	Server    Server    `yaml:"server" toml:"server"`
	Auth      Auth      `yaml:"auth" toml:"auth"`
	Store     Store     `yaml:"store" toml:"store"`
	Storage   Storage   `yaml:"storage" toml:"storage"`
	Providers Providers `yaml:"providers" toml:"providers"`
	Engine    Engine    `yaml:"engine" toml:"engine"`
	Logging   Logging   `yaml:"logging" toml:"logging"`
	Metrics   Metrics   `yaml:"metrics" toml:"metrics"`
	Tracing   Tracing   `yaml:"tracing" toml:"tracing"`
}

type Server struct {
	Addr            string           `yaml:"addr" toml:"addr"`
	DataDir         string           `yaml:"data_dir" toml:"data_dir"`
	ReadTimeout     schemas.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    schemas.Duration `yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout schemas.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	PollInterval    schemas.Duration `yaml:"poll_interval" toml:"poll_interval"`
	CORSOrigins     []string         `yaml:"cors_origins" toml:"cors_origins"`

	// SubmitRate is the sustained number of dub requests per second each
	// client may submit; SubmitBurst is the bucket size.
	SubmitRate  float64 `yaml:"submit_rate" toml:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst" toml:"submit_burst"`

	// InstanceID names this replica as the owner of the jobs it runs. It must
	// be unique among replicas sharing a store and stable across restarts;
	// empty derives it from the hostname and data directory.
	InstanceID string `yaml:"instance_id" toml:"instance_id"`
}

type APIKey struct {
	Key    string `yaml:"key" toml:"key"`
	UserID string `yaml:"user_id" toml:"user_id"`
	Role   string `yaml:"role" toml:"role"`
	Name   string `yaml:"name" toml:"name"`
}

type Auth struct {
	Enabled   bool             `yaml:"enabled" toml:"enabled"`
	JWTSecret string           `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  schemas.Duration `yaml:"token_ttl" toml:"token_ttl"`
	APIKeys   []APIKey         `yaml:"api_keys" toml:"api_keys"`
}

type Store struct {
	// Driver is memory, sqlite or postgres.
	Driver          string           `yaml:"driver" toml:"driver"`
	DSN             string           `yaml:"dsn" toml:"dsn"`
	MaxOpenConns    int              `yaml:"max_open_conns" toml:"max_open_conns"`
	ConnMaxLifetime schemas.Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

type S3 struct {
	Region       string `yaml:"region" toml:"region"`
	Endpoint     string `yaml:"endpoint" toml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style" toml:"use_path_style"`
}

type Storage struct {
	// TracksURI is where finished tracks are written (file:// or s3://).
	TracksURI      string           `yaml:"tracks_uri" toml:"tracks_uri"`
	MaxSourceBytes int64            `yaml:"max_source_bytes" toml:"max_source_bytes"`
	HTTPTimeout    schemas.Duration `yaml:"http_timeout" toml:"http_timeout"`
	S3             S3               `yaml:"s3" toml:"s3"`
}

type Providers struct {
	BaseURL   string                      `yaml:"base_url" toml:"base_url"`
	APIKey    string                      `yaml:"api_key" toml:"api_key"`
	Endpoints map[string]string           `yaml:"endpoints" toml:"endpoints"`
	Floors    map[string]schemas.Duration `yaml:"floors" toml:"floors"`
}

type Engine struct {
	RateLimitRetries   int              `yaml:"rate_limit_retries" toml:"rate_limit_retries"`
	TransientRetries   int              `yaml:"transient_retries" toml:"transient_retries"`
	CallTimeout        schemas.Duration `yaml:"call_timeout" toml:"call_timeout"`
	SynthesisTimeout   schemas.Duration `yaml:"synthesis_timeout" toml:"synthesis_timeout"`
	ParagraphGap       schemas.Duration `yaml:"paragraph_gap" toml:"paragraph_gap"`
	SmartMinConfidence float64          `yaml:"smart_min_confidence" toml:"smart_min_confidence"`
	MaxEvents          int              `yaml:"max_events" toml:"max_events"`
	HeartbeatInterval  schemas.Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	StaleAfter         schemas.Duration `yaml:"stale_after" toml:"stale_after"`

	// Voices maps voice quality, then gender, to a provider voice id.
	Voices map[string]map[string]string `yaml:"voices" toml:"voices"`
}

type Logging struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

type Tracing struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
	Environment string `yaml:"environment" toml:"environment"`
}

func dur(d time.Duration) schemas.Duration { return schemas.Duration{Duration: d} }

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			DataDir:         "./data",
			ReadTimeout:     dur(15 * time.Second),
			WriteTimeout:    dur(30 * time.Second),
			ShutdownTimeout: dur(30 * time.Second),
			PollInterval:    dur(5 * time.Second),
			SubmitRate:      1,
			SubmitBurst:     5,
		},
		Auth: Auth{
			TokenTTL: dur(24 * time.Hour),
		},
		Store: Store{
			Driver:          "sqlite",
			DSN:             "file:dubber.db",
			MaxOpenConns:    10,
			ConnMaxLifetime: dur(5 * time.Minute),
		},
		Storage: Storage{
			TracksURI:      "file:///var/lib/dubber/tracks",
			MaxSourceBytes: 2 << 30,
			HTTPTimeout:    dur(10 * time.Minute),
		},
		Providers: Providers{
			Floors: map[string]schemas.Duration{
				string(schemas.ProviderASR):            dur(time.Second),
				string(schemas.ProviderTranslation):    dur(200 * time.Millisecond),
				string(schemas.ProviderTTSStandard):    dur(250 * time.Millisecond),
				string(schemas.ProviderTTSPremium):     dur(500 * time.Millisecond),
				string(schemas.ProviderSpeechAnalysis): dur(250 * time.Millisecond),
			},
		},
		Engine: Engine{
			RateLimitRetries:   3,
			TransientRetries:   1,
			CallTimeout:        dur(2 * time.Minute),
			SynthesisTimeout:   dur(10 * time.Minute),
			ParagraphGap:       dur(1500 * time.Millisecond),
			SmartMinConfidence: 0.6,
			MaxEvents:          1000,
			HeartbeatInterval:  dur(30 * time.Second),
			StaleAfter:         dur(3 * time.Minute),
		},
		Logging: Logging{Level: "info", Format: "auto"},
		Metrics: Metrics{Enabled: true, Path: "/metrics"},
		Tracing: Tracing{ServiceName: "media-dubbing", Environment: "development"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	default:
		return fmt.Errorf("unsupported config format %q (use .yaml, .yml or .toml)", ext)
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvJWTSecret); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup(EnvProviderAPIKey); ok && v != "" {
		c.Providers.APIKey = v
	}
	if v, ok := lookup(EnvProviderBaseURL); ok && v != "" {
		c.Providers.BaseURL = v
	}
	if v, ok := lookup(EnvDatabaseDSN); ok && v != "" {
		c.Store.DSN = v
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvInstanceID); ok && v != "" {
		c.Server.InstanceID = v
	}
	if v, ok := lookup("DUBBER_AUTH_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DUBBER_AUTH_ENABLED: %w", err)
		}
		c.Auth.Enabled = enabled
	}
	return nil
}
