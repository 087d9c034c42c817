// Package engine admits dubbing jobs and drives each one through
// transcription, translation, speaker resolution, synthesis and assembly,
// gating every provider call through the adaptive rate limiter.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chicogong/media-dubbing/pkg/language"
	"github.com/chicogong/media-dubbing/pkg/logging"
	"github.com/chicogong/media-dubbing/pkg/metrics"
	"github.com/chicogong/media-dubbing/pkg/providers"
	"github.com/chicogong/media-dubbing/pkg/ratelimit"
	"github.com/chicogong/media-dubbing/pkg/schemas"
	"github.com/chicogong/media-dubbing/pkg/speakers"
	"github.com/chicogong/media-dubbing/pkg/store"
	"github.com/chicogong/media-dubbing/pkg/tracing"
)

// Config tunes retries, deadlines and speaker resolution.
type Config struct {
	// RateLimitRetries bounds retries of a call answered with throttling.
	RateLimitRetries int
	// TransientRetries bounds retries of network, timeout and 5xx failures.
	TransientRetries int

	CallTimeout      time.Duration
	SynthesisTimeout time.Duration

	ParagraphGap time.Duration

	// SmartMinConfidence is the speech-analysis confidence below which a
	// detected gender is ignored in smart mode.
	SmartMinConfidence float64

	Voices speakers.VoiceCatalog

	// MaxEvents bounds the events retained per job.
	MaxEvents int

	// InstanceID names this engine in the store. Jobs it admits carry it as
	// owner. A stable id lets a restarted instance reclaim its own jobs at
	// once; an empty id gets a random one.
	InstanceID string

	// HeartbeatInterval is how often running jobs are marked alive in the
	// store. StaleAfter is how long an active job may go without an update
	// before any instance fails it as abandoned.
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RateLimitRetries:   3,
		TransientRetries:   1,
		CallTimeout:        2 * time.Minute,
		SynthesisTimeout:   10 * time.Minute,
		ParagraphGap:       speakers.DefaultParagraphGap,
		SmartMinConfidence: 0.6,
		Voices:             speakers.DefaultVoices,
		MaxEvents:          1000,
		HeartbeatInterval:  30 * time.Second,
		StaleAfter:         3 * time.Minute,
	}
}

// TrackStore loads source audio and persists assembled tracks.
type TrackStore interface {
	SaveTrack(ctx context.Context, jobID string, audio []byte) (string, error)
	DeleteTrack(ctx context.Context, assetRef string) error
	LoadSource(ctx context.Context, uri string) ([]byte, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store   store.Store
	Limiter *ratelimit.Limiter
	Client  providers.Client
	Tracks  TrackStore
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records job and provider metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithTracer records spans on p.
func WithTracer(p *tracing.Provider) Option {
	return func(e *Engine) { e.tracer = p }
}

// WithIDGenerator replaces uuid-based job and track ids.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

type runningJob struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Engine runs one goroutine per active job.
type Engine struct {
	cfg     Config
	store   store.Store
	limiter *ratelimit.Limiter
	client  providers.Client
	tracks  TrackStore
	events  *EventBus

	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  *tracing.Provider
	newID   func() string

	baseCtx context.Context
	stop    context.CancelCauseFunc

	// admitMu serializes the find-active/create pair of Submit.
	admitMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	running map[string]*runningJob
	wg      sync.WaitGroup
}

// New creates an Engine. Zero config fields take their defaults.
func New(deps Deps, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.RateLimitRetries < 0 {
		cfg.RateLimitRetries = 0
	}
	if cfg.TransientRetries < 0 {
		cfg.TransientRetries = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = def.SynthesisTimeout
	}
	if cfg.ParagraphGap <= 0 {
		cfg.ParagraphGap = def.ParagraphGap
	}
	if cfg.Voices == nil {
		cfg.Voices = def.Voices
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	// a live job must get at least two heartbeats in before it looks stale
	if cfg.StaleAfter < 2*cfg.HeartbeatInterval {
		cfg.StaleAfter = 2 * cfg.HeartbeatInterval
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New()
	}

	baseCtx, stop := context.WithCancelCause(context.Background())
	e := &Engine{
		cfg:     cfg,
		store:   deps.Store,
		limiter: deps.Limiter,
		client:  deps.Client,
		tracks:  deps.Tracks,
		events:  NewEventBus(cfg.MaxEvents, 0),
		logger:  logging.NewNop(),
		newID:   uuid.NewString,
		baseCtx: baseCtx,
		stop:    stop,
		running: make(map[string]*runningJob),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.wg.Add(1)
	go e.maintain()
	return e
}

// InstanceID returns the owner id this engine records on its jobs.
func (e *Engine) InstanceID() string { return e.cfg.InstanceID }

// Limiter returns the limiter gating provider calls.
func (e *Engine) Limiter() *ratelimit.Limiter { return e.limiter }

// Submit admits a dub request and starts its pipeline. At most one job per
// movie and normalized target language is active at a time; a second
// request fails with a *ConflictError.
func (e *Engine) Submit(ctx context.Context, req *schemas.DubRequest) (*store.Job, error) {
	if req == nil {
		return nil, errors.New("dub request is required")
	}
	if req.MovieID == "" {
		return nil, errors.New("movie_id is required")
	}
	lang, err := language.Normalize(req.TargetLanguage)
	if err != nil {
		return nil, fmt.Errorf("target language: %w", err)
	}
	r := normalizeRequest(req, lang)

	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	existing, err := e.store.FindActive(ctx, r.MovieID, lang)
	switch {
	case err == nil:
		e.metrics.RecordRejected()
		return nil, &ConflictError{JobID: existing.JobID}
	case !errors.Is(err, store.ErrJobNotFound):
		return nil, fmt.Errorf("find active job: %w", err)
	}

	now := time.Now().UTC()
	job := &store.Job{
		JobID:          e.newID(),
		Created:        now,
		Updated:        now,
		MovieID:        r.MovieID,
		TargetLanguage: lang,
		LanguageName:   language.Name(lang),
		Owner:          e.cfg.InstanceID,
		Request:        r,
		Status:         schemas.JobStatePending,
		Progress:       schemas.Progress{Percent: 0, Message: "Queued"},
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		// another instance sharing the store admitted the pair first
		if errors.Is(err, store.ErrActiveJobExists) {
			e.metrics.RecordRejected()
			if existing, ferr := e.store.FindActive(ctx, r.MovieID, lang); ferr == nil {
				return nil, &ConflictError{JobID: existing.JobID}
			}
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	e.metrics.RecordSubmitted()
	e.events.Publish(Event{JobID: job.JobID, Type: EventTypeStatus, Status: job.Status, Message: job.Progress.Message})
	e.logger.Info("dubbing job admitted",
		"job_id", job.JobID,
		"movie_id", job.MovieID,
		"language", lang,
		"speaker_mode", r.SpeakerMode,
	)

	e.start(job)
	return job, nil
}

func normalizeRequest(req *schemas.DubRequest, lang string) *schemas.DubRequest {
	r := *req
	r.TargetLanguage = lang
	r.Speakers = append([]schemas.Speaker(nil), req.Speakers...)
	r.Transcript = append([]schemas.TranscriptSegment(nil), req.Transcript...)
	if r.SourceLanguage == "" {
		r.SourceLanguage = schemas.SourceLanguageAuto
	} else if r.SourceLanguage != schemas.SourceLanguageAuto {
		if src, err := language.Normalize(r.SourceLanguage); err == nil {
			r.SourceLanguage = src
		}
	}
	if r.SpeakerMode == "" {
		r.SpeakerMode = schemas.SpeakerModeSingle
	}
	if r.VoiceQuality == "" {
		r.VoiceQuality = schemas.VoiceQualityStandard
	}
	if r.MovieTitle == "" {
		r.MovieTitle = r.MovieID
	}
	return &r
}

func (e *Engine) start(job *store.Job) {
	ctx, cancel := context.WithCancelCause(e.baseCtx)
	rj := &runningJob{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.running[job.JobID] = rj
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(rj.done)
		defer func() {
			e.mu.Lock()
			delete(e.running, job.JobID)
			e.mu.Unlock()
			cancel(nil)
		}()
		e.run(ctx, job)
	}()
}

// Cancel stops a job. A running job ends failed with the error "cancelled";
// an active job left without a runner is marked failed directly.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	e.mu.Lock()
	rj, ok := e.running[jobID]
	e.mu.Unlock()
	if ok {
		rj.cancel(ErrCancelled)
		e.logger.Info("dubbing job cancellation requested", "job_id", jobID)
		return nil
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return ErrJobFinished
	}
	_, err = e.store.Transition(ctx, jobID, store.StateChange{
		To:    schemas.JobStateFailed,
		Error: &schemas.ErrorInfo{Code: CodeCancelled, Message: ErrCancelled.Error()},
	})
	if err != nil {
		return err
	}
	e.events.Publish(Event{JobID: jobID, Type: EventTypeStatus, Status: schemas.JobStateFailed, Error: ErrCancelled.Error()})
	return nil
}

// Wait blocks until the job is no longer running in this engine and returns
// its stored record.
func (e *Engine) Wait(ctx context.Context, jobID string) (*store.Job, error) {
	e.mu.Lock()
	rj, ok := e.running[jobID]
	e.mu.Unlock()
	if ok {
		select {
		case <-rj.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetJob(ctx, jobID)
}

// Running returns the number of jobs executing in this engine.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Events returns the events of jobID newer than since.
func (e *Engine) Events(jobID string, since int64) EventPage {
	return e.events.Read(jobID, since)
}

// Reconcile fails active jobs nobody is running any more: jobs this
// instance owned before a restart, and jobs of any owner whose last update
// is older than StaleAfter. Jobs of other live instances are left alone.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	return e.reconcile(ctx, true)
}

func (e *Engine) reconcile(ctx context.Context, startup bool) (int, error) {
	// exclude Submit so a job between CreateJob and start is never swept
	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	jobs, err := e.store.ListJobs(ctx, &store.ListFilter{
		Status: []schemas.JobState{schemas.JobStatePending, schemas.JobStateProcessing},
	})
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}

	cutoff := time.Now().Add(-e.cfg.StaleAfter)
	n := 0
	for _, job := range jobs {
		e.mu.Lock()
		_, mine := e.running[job.JobID]
		e.mu.Unlock()
		if mine {
			continue
		}

		var message string
		switch {
		case startup && job.Owner == e.cfg.InstanceID:
			message = "interrupted by restart"
		case job.Updated.Before(cutoff):
			owner := job.Owner
			if owner == "" {
				owner = "unknown instance"
			}
			message = fmt.Sprintf("abandoned by %s, no update since %s", owner, job.Updated.UTC().Format(time.RFC3339))
		default:
			continue
		}

		_, err := e.store.Transition(ctx, job.JobID, store.StateChange{
			To:    schemas.JobStateFailed,
			Error: &schemas.ErrorInfo{Code: CodeInterrupted, Message: message, Retryable: true},
		})
		if err != nil {
			if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrJobNotFound) {
				continue
			}
			return n, fmt.Errorf("fail interrupted job %s: %w", job.JobID, err)
		}
		n++
		e.events.Publish(Event{JobID: job.JobID, Type: EventTypeStatus, Status: schemas.JobStateFailed, Error: message})
		e.logger.Warn("marked interrupted job failed",
			"job_id", job.JobID,
			"owner", job.Owner,
			"previous_status", job.Status,
			"reason", message,
		)
	}
	return n, nil
}

// maintain keeps the running jobs of this engine alive in the store and
// sweeps jobs abandoned by instances that stopped.
func (e *Engine) maintain() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.baseCtx.Done():
			return
		case <-ticker.C:
			e.heartbeat(e.baseCtx)
			if _, err := e.reconcile(e.baseCtx, false); err != nil && e.baseCtx.Err() == nil {
				e.logger.Warn("stale job sweep failed", "error", err)
			}
		}
	}
}

// heartbeat refreshes every job running here. A job finalized elsewhere,
// for example cancelled through another instance or failed by a peer's
// sweep, is stopped locally.
func (e *Engine) heartbeat(ctx context.Context) {
	e.mu.Lock()
	running := make(map[string]*runningJob, len(e.running))
	for id, rj := range e.running {
		running[id] = rj
	}
	e.mu.Unlock()

	for id, rj := range running {
		err := e.store.Heartbeat(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrJobNotFound):
			e.logger.Warn("job finalized by another instance, stopping", "job_id", id)
			rj.cancel(errReleased)
		default:
			e.logger.Warn("job heartbeat failed", "job_id", id, "error", err)
		}
	}
}

// Purge deletes a finished job together with its track record and stored
// audio. Active jobs must be cancelled first.
func (e *Engine) Purge(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return ErrJobActive
	}

	if job.ResultTrackID != "" {
		track, err := e.store.GetTrack(ctx, job.ResultTrackID)
		switch {
		case err == nil:
			if err := e.tracks.DeleteTrack(ctx, track.AudioAssetRef); err != nil {
				return fmt.Errorf("delete track audio: %w", err)
			}
			if err := e.store.DeleteTrack(ctx, track.ID); err != nil && !errors.Is(err, store.ErrTrackNotFound) {
				return fmt.Errorf("delete track record: %w", err)
			}
		case !errors.Is(err, store.ErrTrackNotFound):
			return fmt.Errorf("get track: %w", err)
		}
	}

	if err := e.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	e.events.Forget(jobID)
	e.logger.Info("dubbing job purged", "job_id", jobID, "track_id", job.ResultTrackID)
	return nil
}

// Shutdown stops admission, cancels running jobs and waits for them to
// record their terminal state.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.admitMu.Lock()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.admitMu.Unlock()

	e.stop(ErrShutdown)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
