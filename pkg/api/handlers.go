package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/chicogong/media-dubbing/pkg/engine"
	"github.com/chicogong/media-dubbing/pkg/language"
	"github.com/chicogong/media-dubbing/pkg/ratelimit"
	"github.com/chicogong/media-dubbing/pkg/schemas"
	"github.com/chicogong/media-dubbing/pkg/store"
	"github.com/chicogong/media-dubbing/pkg/validator"
)

// CreateDubResponse represents the response for an admitted dub request
type CreateDubResponse struct {
	JobID               string           `json:"job_id"`
	Status              schemas.JobState `json:"status"`
	CreatedAt           time.Time        `json:"created_at"`
	PollIntervalSeconds int              `json:"poll_interval_seconds"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`

	// JobID names the active job that blocked a conflicting request.
	JobID string `json:"job_id,omitempty"`
}

// EventsResponse is an incremental page of job events.
type EventsResponse struct {
	JobID   string         `json:"job_id"`
	Events  []engine.Event `json:"events"`
	LastSeq int64          `json:"last_seq"`

	// OldestSeq is the oldest event still retained for the job. Truncated
	// is set when events after since were evicted before this read.
	OldestSeq int64 `json:"oldest_seq"`
	Truncated bool  `json:"truncated"`
}

// ProviderView is the limiter state of one provider with delays in
// milliseconds.
type ProviderView struct {
	Provider            schemas.Provider `json:"provider"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	FloorMs             int64            `json:"floor_ms"`
	BaseDelayMs         int64            `json:"base_delay_ms"`
	RecommendedDelayMs  int64            `json:"recommended_delay_ms"`
	CoolingDown         bool             `json:"cooling_down"`
	CooldownRemainingMs int64            `json:"cooldown_remaining_ms"`
	CooldownUntil       *time.Time       `json:"cooldown_until,omitempty"`
}

func newProviderView(st ratelimit.State) ProviderView {
	v := ProviderView{
		Provider:            st.Provider,
		ConsecutiveFailures: st.ConsecutiveFailures,
		FloorMs:             st.Floor.Milliseconds(),
		BaseDelayMs:         st.BaseDelay.Milliseconds(),
		RecommendedDelayMs:  st.RecommendedDelay.Milliseconds(),
		CoolingDown:         st.CooldownRemaining > 0,
		CooldownRemainingMs: st.CooldownRemaining.Milliseconds(),
	}
	if !st.CooldownUntil.IsZero() {
		until := st.CooldownUntil
		v.CooldownUntil = &until
	}
	return v
}

// HandleCreateDub handles POST /api/v1/dubs
func (s *Server) HandleCreateDub(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req schemas.DubRequest
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, http.StatusRequestEntityTooLarge, "request_too_large", "Request body is too large")
			return
		}
		sendError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	ctx := r.Context()
	if err := s.validator.Validate(ctx, &req); err != nil {
		if errors.Is(err, validator.ErrInvalidRequest) {
			sendError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		s.logger.Error("validate dub request failed", "movie_id", req.MovieID, "error", err)
		sendError(w, http.StatusInternalServerError, "internal_error", "Failed to validate request")
		return
	}

	job, err := s.engine.Submit(ctx, &req)
	if err != nil {
		var conflict *engine.ConflictError
		switch {
		case errors.As(err, &conflict):
			sendJSON(w, http.StatusConflict, ErrorResponse{
				Error:   "conflict",
				Message: err.Error(),
				Code:    http.StatusConflict,
				JobID:   conflict.JobID,
			})
		case errors.Is(err, engine.ErrConflict):
			sendError(w, http.StatusConflict, "conflict", err.Error())
		case errors.Is(err, engine.ErrClosed):
			sendError(w, http.StatusServiceUnavailable, "unavailable", "Server is shutting down")
		default:
			s.logger.Error("submit dub request failed", "movie_id", req.MovieID, "error", err)
			sendError(w, http.StatusInternalServerError, "store_error", "Failed to create job")
		}
		return
	}

	w.Header().Set("Location", "/api/v1/jobs/"+job.JobID)
	sendJSON(w, http.StatusCreated, CreateDubResponse{
		JobID:               job.JobID,
		Status:              job.Status,
		CreatedAt:           job.Created,
		PollIntervalSeconds: int(s.pollInterval / time.Second),
	})
}

// HandleGetJob handles GET /api/v1/jobs/{id}
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.sendStoreError(w, err, "job_not_found", fmt.Sprintf("Job %s not found", jobID))
		return
	}

	sendJSON(w, http.StatusOK, job.ToJobStatus())
}

// HandleListJobs handles GET /api/v1/jobs
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs failed", "error", err)
		sendError(w, http.StatusInternalServerError, "store_error", "Failed to list jobs")
		return
	}

	statuses := make([]*schemas.JobStatus, len(jobs))
	for i, job := range jobs {
		statuses[i] = job.ToJobStatus()
	}
	sendJSON(w, http.StatusOK, statuses)
}

// HandleJobEvents handles GET /api/v1/jobs/{id}/events?since=N
func (s *Server) HandleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			sendError(w, http.StatusBadRequest, "invalid_since", "since must be a non-negative integer")
			return
		}
		since = n
	}

	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.sendStoreError(w, err, "job_not_found", fmt.Sprintf("Job %s not found", jobID))
		return
	}

	page := s.engine.Events(jobID, since)
	events := page.Events
	if events == nil {
		events = []engine.Event{}
	}
	last := since
	if n := len(events); n > 0 {
		last = events[n-1].Seq
	}
	sendJSON(w, http.StatusOK, EventsResponse{
		JobID:     jobID,
		Events:    events,
		LastSeq:   last,
		OldestSeq: page.OldestSeq,
		Truncated: page.Truncated,
	})
}

// HandleCancelJob handles DELETE /api/v1/jobs/{id}
func (s *Server) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	ctx := r.Context()

	if err := s.engine.Cancel(ctx, jobID); err != nil {
		switch {
		case errors.Is(err, engine.ErrJobFinished), errors.Is(err, store.ErrInvalidTransition):
			sendError(w, http.StatusConflict, "job_terminal", "Job is already in terminal state")
		default:
			s.sendStoreError(w, err, "job_not_found", fmt.Sprintf("Job %s not found", jobID))
		}
		return
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.sendStoreError(w, err, "job_not_found", fmt.Sprintf("Job %s not found", jobID))
		return
	}
	sendJSON(w, http.StatusAccepted, job.ToJobStatus())
}

// HandlePurgeJob handles POST /api/v1/jobs/{id}/purge
func (s *Server) HandlePurgeJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	if err := s.engine.Purge(r.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, engine.ErrJobActive):
			sendError(w, http.StatusConflict, "job_active", "Job is still active, cancel it first")
		case errors.Is(err, store.ErrJobNotFound):
			s.sendStoreError(w, err, "job_not_found", fmt.Sprintf("Job %s not found", jobID))
		default:
			s.logger.Error("purge job", "job_id", jobID, "error", err)
			sendError(w, http.StatusInternalServerError, "purge_failed", "Failed to purge job")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetTrack handles GET /api/v1/tracks/{id}
func (s *Server) HandleGetTrack(w http.ResponseWriter, r *http.Request) {
	trackID := mux.Vars(r)["id"]

	track, err := s.store.GetTrack(r.Context(), trackID)
	if err != nil {
		s.sendStoreError(w, err, "track_not_found", fmt.Sprintf("Track %s not found", trackID))
		return
	}
	sendJSON(w, http.StatusOK, track)
}

// HandleListProviders handles GET /api/v1/providers
func (s *Server) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	snapshot := s.engine.Limiter().Snapshot()
	views := make([]ProviderView, len(snapshot))
	for i, st := range snapshot {
		views[i] = newProviderView(st)
	}
	sendJSON(w, http.StatusOK, views)
}

// HandleResetProvider handles POST /api/v1/providers/{provider}/reset
func (s *Server) HandleResetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := schemas.ParseProvider(mux.Vars(r)["provider"])
	if err != nil {
		sendError(w, http.StatusBadRequest, "unknown_provider", err.Error())
		return
	}

	limiter := s.engine.Limiter()
	limiter.Reset(p)
	s.logger.Info("provider limiter reset", "provider", p)
	sendJSON(w, http.StatusOK, newProviderView(limiter.Get(p)))
}

// HandleHealth handles GET /health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":       "healthy",
		"time":         s.now().UTC(),
		"running_jobs": s.engine.Running(),
	}
	sendJSON(w, http.StatusOK, health)
}

// Helper methods

func (s *Server) sendStoreError(w http.ResponseWriter, err error, notFoundCode, notFoundMessage string) {
	if errors.Is(err, store.ErrJobNotFound) || errors.Is(err, store.ErrTrackNotFound) {
		sendError(w, http.StatusNotFound, notFoundCode, notFoundMessage)
		return
	}
	s.logger.Error("store request failed", "error", err)
	sendError(w, http.StatusInternalServerError, "store_error", "Store request failed")
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	resp := ErrorResponse{
		Error:   code,
		Message: message,
		Code:    status,
	}
	sendJSON(w, status, resp)
}

func parseListFilter(r *http.Request) (*store.ListFilter, error) {
	q := r.URL.Query()
	filter := &store.ListFilter{
		MovieID: q.Get("movie_id"),
		Limit:   defaultListLimit,
	}

	// Parse status filter
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			state := schemas.JobState(strings.TrimSpace(part))
			switch state {
			case schemas.JobStatePending, schemas.JobStateProcessing, schemas.JobStateCompleted, schemas.JobStateFailed:
				filter.Status = append(filter.Status, state)
			default:
				return nil, fmt.Errorf("unknown status %q", part)
			}
		}
	}

	if raw := q.Get("target_language"); raw != "" {
		lang, err := language.Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("target_language: %w", err)
		}
		filter.TargetLanguage = lang
	}

	// Parse limit and offset
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return nil, fmt.Errorf("limit must be a positive integer")
		}
		filter.Limit = min(limit, maxListLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}

	return filter, nil
}
