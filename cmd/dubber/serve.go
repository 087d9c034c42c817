package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/chicogong/media-dubbing/pkg/api"
	"github.com/chicogong/media-dubbing/pkg/auth"
	"github.com/chicogong/media-dubbing/pkg/config"
	"github.com/chicogong/media-dubbing/pkg/engine"
	"github.com/chicogong/media-dubbing/pkg/logging"
	"github.com/chicogong/media-dubbing/pkg/metrics"
	"github.com/chicogong/media-dubbing/pkg/providers"
	"github.com/chicogong/media-dubbing/pkg/ratelimit"
	"github.com/chicogong/media-dubbing/pkg/schemas"
	"github.com/chicogong/media-dubbing/pkg/speakers"
	"github.com/chicogong/media-dubbing/pkg/storage"
	"github.com/chicogong/media-dubbing/pkg/store"
	"github.com/chicogong/media-dubbing/pkg/tracing"
	"github.com/chicogong/media-dubbing/pkg/validator"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dubbing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(runCtx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lockPath := filepath.Join(cfg.Server.DataDir, "dubber.lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another dubber server holds %s", lockPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release server lock", "error", err)
		}
	}()

	tracer, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logging.Component(logger, "tracing"))
	if err != nil {
		return err
	}
	defer shutdownWithTimeout(logger, "tracer", tracer.Shutdown)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	tracks, err := openTrackStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	ec := engineConfig(cfg.Engine)
	ec.InstanceID, err = instanceID(cfg.Server)
	if err != nil {
		return err
	}
	logger.Info("server instance", "instance_id", ec.InstanceID)

	eng := engine.New(engine.Deps{
		Store:   st,
		Limiter: newLimiter(cfg.Providers),
		Client:  newProviderClient(cfg.Providers),
		Tracks:  tracks,
	}, ec,
		engine.WithLogger(logging.Component(logger, "engine")),
		engine.WithMetrics(collector),
		engine.WithTracer(tracer),
	)

	if n, err := eng.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile interrupted jobs: %w", err)
	} else if n > 0 {
		logger.Warn("failed jobs interrupted by a previous run", "count", n)
	}

	opts := []api.Option{
		api.WithLogger(logging.Component(logger, "api")),
		api.WithMetrics(collector),
		api.WithTracer(tracer),
		api.WithPollInterval(cfg.Server.PollInterval.Duration),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
	}
	if cfg.Server.SubmitRate > 0 {
		limiter := api.NewClientLimiter(cfg.Server.SubmitRate, cfg.Server.SubmitBurst)
		go sweepClientLimiter(ctx, limiter)
		opts = append(opts, api.WithSubmitLimiter(limiter))
	}
	if cfg.Auth.Enabled {
		authMiddleware, err := newAuth(cfg.Auth)
		if err != nil {
			return err
		}
		opts = append(opts, api.WithAuth(authMiddleware))
	}
	server := api.NewServer(eng, st, validator.New(), opts...)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout.Duration,
		WriteTimeout:      cfg.Server.WriteTimeout.Duration,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dubber server listening", "addr", cfg.Server.Addr, "store", cfg.Store.Driver, "auth", cfg.Auth.Enabled)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down", "running_jobs", eng.Running())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server forced to shut down", "error", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs still running at shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func shutdownWithTimeout(logger *slog.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("shutdown failed", "component", name, "error", err)
	}
}

func sweepClientLimiter(ctx context.Context, l *api.ClientLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	if strings.EqualFold(cfg.Driver, "memory") {
		return store.NewMemoryStore(), nil
	}
	s, err := store.OpenSQL(ctx, store.SQLConfig{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

func openTrackStorage(ctx context.Context, cfg config.Storage) (*storage.TrackStorage, error) {
	router := storage.NewRouter()
	router.Register(storage.NewLocalStorage(), "file")
	router.Register(storage.NewHTTPStorage(&http.Client{Timeout: cfg.HTTPTimeout.Duration}), "http", "https")

	if strings.HasPrefix(cfg.TracksURI, "s3://") || cfg.S3.Region != "" || cfg.S3.Endpoint != "" {
		s3Backend, err := storage.NewS3Storage(ctx, storage.S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 storage: %w", err)
		}
		router.Register(s3Backend, "s3")
	}

	return storage.NewTrackStorage(router, cfg.TracksURI, cfg.MaxSourceBytes)
}

func newLimiter(cfg config.Providers) *ratelimit.Limiter {
	opts := make([]ratelimit.Option, 0, len(cfg.Floors))
	for name, floor := range cfg.Floors {
		opts = append(opts, ratelimit.WithFloor(schemas.Provider(name), floor.Duration))
	}
	return ratelimit.New(opts...)
}

func newProviderClient(cfg config.Providers) *providers.HTTPClient {
	endpoints := make(map[schemas.Provider]string, len(cfg.Endpoints))
	for name, url := range cfg.Endpoints {
		endpoints[schemas.Provider(name)] = url
	}
	return providers.NewHTTPClient(providers.HTTPConfig{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		Endpoints: endpoints,
	})
}

// instanceID returns the configured owner id, or one derived from the host
// and data directory so a restarted server reclaims its own jobs.
func instanceID(cfg config.Server) (string, error) {
	if cfg.InstanceID != "" {
		return cfg.InstanceID, nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("derive instance id: %w", err)
	}
	dir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return "", fmt.Errorf("derive instance id: %w", err)
	}
	return host + ":" + dir, nil
}

func engineConfig(cfg config.Engine) engine.Config {
	out := engine.Config{
		RateLimitRetries:   cfg.RateLimitRetries,
		TransientRetries:   cfg.TransientRetries,
		CallTimeout:        cfg.CallTimeout.Duration,
		SynthesisTimeout:   cfg.SynthesisTimeout.Duration,
		ParagraphGap:       cfg.ParagraphGap.Duration,
		SmartMinConfidence: cfg.SmartMinConfidence,
		MaxEvents:          cfg.MaxEvents,
		HeartbeatInterval:  cfg.HeartbeatInterval.Duration,
		StaleAfter:         cfg.StaleAfter.Duration,
	}
	if len(cfg.Voices) == 0 {
		return out
	}

	// configured voices override the built-in catalog entry by entry
	out.Voices = make(speakers.VoiceCatalog, len(speakers.DefaultVoices))
	for quality, byGender := range speakers.DefaultVoices {
		out.Voices[quality] = maps.Clone(byGender)
	}
	for quality, byGender := range cfg.Voices {
		q := schemas.VoiceQuality(quality)
		if out.Voices[q] == nil {
			out.Voices[q] = make(map[schemas.Gender]string, len(byGender))
		}
		for gender, id := range byGender {
			out.Voices[q][schemas.Gender(gender)] = id
		}
	}
	return out
}

func newAuth(cfg config.Auth) (*auth.AuthMiddleware, error) {
	var jwtManager *auth.JWTManager
	if cfg.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL.Duration)
	}

	keys := auth.NewAPIKeyManager()
	for _, k := range cfg.APIKeys {
		if _, err := keys.Add(k.Key, k.UserID, k.Role, k.Name, nil); err != nil {
			return nil, fmt.Errorf("api key %q: %w", k.Name, err)
		}
	}
	return auth.NewAuthMiddleware(jwtManager, keys, false), nil
}
