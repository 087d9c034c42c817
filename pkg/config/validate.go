package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chicogong/media-dubbing/pkg/logging"
	"github.com/chicogong/media-dubbing/pkg/schemas"
	"github.com/chicogong/media-dubbing/pkg/storage"
)

const minSecretLength = 16

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.validateServer,
		c.validateAuth,
		c.validateStore,
		c.validateStorage,
		c.validateProviders,
		c.validateEngine,
		c.validateLogging,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateServer() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if c.Server.DataDir == "" {
		return errors.New("server.data_dir must be set")
	}
	if c.Server.PollInterval.Duration <= 0 {
		return errors.New("server.poll_interval must be positive")
	}
	if c.Server.SubmitRate < 0 || c.Server.SubmitBurst < 0 {
		return errors.New("server.submit_rate and server.submit_burst cannot be negative")
	}
	if c.Server.SubmitRate > 0 && c.Server.SubmitBurst == 0 {
		return errors.New("server.submit_burst must be at least 1 when submit_rate is set")
	}
	return nil
}

func (c *Config) validateAuth() error {
	if !c.Auth.Enabled {
		return nil
	}
	if c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.enabled requires auth.jwt_secret (or %s) or auth.api_keys", EnvJWTSecret)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d characters", minSecretLength)
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	for i, k := range c.Auth.APIKeys {
		if k.Key == "" || k.UserID == "" {
			return fmt.Errorf("auth.api_keys[%d]: key and user_id are required", i)
		}
		if k.Role != "admin" && k.Role != "user" {
			return fmt.Errorf("auth.api_keys[%d]: role must be admin or user", i)
		}
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "memory":
		return nil
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %s (or set %s)", c.Store.Driver, EnvDatabaseDSN)
		}
		return nil
	default:
		return fmt.Errorf("store.driver %q must be memory, sqlite or postgres", c.Store.Driver)
	}
}

func (c *Config) validateStorage() error {
	scheme, _, err := storage.ParseURI(c.Storage.TracksURI)
	if err != nil {
		return fmt.Errorf("storage.tracks_uri: %w", err)
	}
	if scheme != "file" && scheme != "s3" {
		return fmt.Errorf("storage.tracks_uri: tracks can only be written to file:// or s3://, got %s://", scheme)
	}
	if c.Storage.MaxSourceBytes <= 0 {
		return errors.New("storage.max_source_bytes must be positive")
	}
	return nil
}

func (c *Config) validateProviders() error {
	if c.Providers.BaseURL == "" && len(c.Providers.Endpoints) == 0 {
		return fmt.Errorf("providers.base_url (or %s) or providers.endpoints must be set", EnvProviderBaseURL)
	}
	for name := range c.Providers.Endpoints {
		if _, err := schemas.ParseProvider(name); err != nil {
			return fmt.Errorf("providers.endpoints: %w", err)
		}
	}
	for name, floor := range c.Providers.Floors {
		if _, err := schemas.ParseProvider(name); err != nil {
			return fmt.Errorf("providers.floors: %w", err)
		}
		if floor.Duration < 0 {
			return fmt.Errorf("providers.floors.%s cannot be negative", name)
		}
	}
	return nil
}

func (c *Config) validateEngine() error {
	e := c.Engine
	if e.RateLimitRetries < 0 || e.TransientRetries < 0 {
		return errors.New("engine retry counts cannot be negative")
	}
	if e.CallTimeout.Duration <= 0 || e.SynthesisTimeout.Duration <= 0 {
		return errors.New("engine.call_timeout and engine.synthesis_timeout must be positive")
	}
	if e.HeartbeatInterval.Duration <= 0 || e.StaleAfter.Duration <= 0 {
		return errors.New("engine.heartbeat_interval and engine.stale_after must be positive")
	}
	if e.StaleAfter.Duration < 2*e.HeartbeatInterval.Duration {
		return errors.New("engine.stale_after must be at least twice engine.heartbeat_interval")
	}
	if e.SmartMinConfidence < 0 || e.SmartMinConfidence > 1 {
		return errors.New("engine.smart_min_confidence must be between 0 and 1")
	}
	for quality, byGender := range e.Voices {
		if !schemas.VoiceQuality(quality).Valid() {
			return fmt.Errorf("engine.voices: unknown voice quality %q", quality)
		}
		for gender := range byGender {
			if !schemas.Gender(gender).Valid() {
				return fmt.Errorf("engine.voices.%s: unknown gender %q", quality, gender)
			}
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "auto", "console", "text", "json":
		return nil
	default:
		return fmt.Errorf("logging.format %q must be auto, console or json", c.Logging.Format)
	}
}
