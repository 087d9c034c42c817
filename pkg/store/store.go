// Package store provides job and track persistence
package store

import (
	"context"
	"errors"
	"time"

	"github.com/chicogong/media-dubbing/pkg/schemas"
)

var (
	// ErrJobNotFound is returned when a job does not exist
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when attempting to create a job that already exists
	ErrJobExists = errors.New("job already exists")

	// ErrActiveJobExists is returned when another pending or processing job
	// holds the same movie and target language
	ErrActiveJobExists = errors.New("active job exists for movie and language")

	// ErrInvalidJobID is returned for invalid job IDs
	ErrInvalidJobID = errors.New("invalid job ID")

	// ErrInvalidTransition is returned for a status change the job state
	// machine does not allow
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrProgressRegression is returned when a progress update would move
	// the percentage backwards
	ErrProgressRegression = errors.New("progress cannot decrease")

	// ErrTrackNotFound is returned when a track does not exist
	ErrTrackNotFound = errors.New("track not found")
)

// Store is the interface for job state persistence
type Store interface {
	// CreateJob stores a new pending job. It fails with ErrActiveJobExists if
	// an active job already exists for the job's movie and language.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// FindActive returns the pending or processing job for a movie and
	// language, or ErrJobNotFound
	FindActive(ctx context.Context, movieID, targetLanguage string) (*Job, error)

	// UpdateProgress records progress of an active job. Percent never
	// decreases.
	UpdateProgress(ctx context.Context, jobID string, progress schemas.Progress) error

	// Heartbeat refreshes the updated time of an active job so that peers
	// sharing the store do not treat it as abandoned. It returns
	// ErrInvalidTransition once the job is terminal.
	Heartbeat(ctx context.Context, jobID string) error

	// Transition moves a job to a new status
	Transition(ctx context.Context, jobID string, change StateChange) (*Job, error)

	// ListJobs lists jobs with optional filtering
	ListJobs(ctx context.Context, filter *ListFilter) ([]*Job, error)

	// DeleteJob deletes a job by ID
	DeleteJob(ctx context.Context, jobID string) error

	// CreateTrack stores a finished dubbed track
	CreateTrack(ctx context.Context, track *schemas.DubbedAudioTrack) error

	// GetTrack retrieves a track by ID
	GetTrack(ctx context.Context, trackID string) (*schemas.DubbedAudioTrack, error)

	// DeleteTrack deletes a track record by ID
	DeleteTrack(ctx context.Context, trackID string) error

	// Close closes the store and releases resources
	Close() error
}

// Job represents a complete job record in the store
type Job struct {
	JobID   string    `json:"job_id"`
	Created time.Time `json:"created_at"`
	Updated time.Time `json:"updated_at"`

	// Admission key; TargetLanguage is the normalized code
	MovieID        string `json:"movie_id"`
	TargetLanguage string `json:"target_language"`
	LanguageName   string `json:"language_name"`

	// Owner is the engine instance that admitted and runs the job
	Owner string `json:"owner,omitempty"`

	Request *schemas.DubRequest `json:"request"`

	Status        schemas.JobState   `json:"status"`
	Progress      schemas.Progress   `json:"progress"`
	Error         *schemas.ErrorInfo `json:"error,omitempty"`
	ResultTrackID string             `json:"result_track_id,omitempty"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

// StateChange describes a status transition
type StateChange struct {
	To      schemas.JobState
	Message string

	// Error must be set when To is failed
	Error *schemas.ErrorInfo

	// ResultTrackID is recorded when To is completed
	ResultTrackID string
}

// ListFilter defines filtering criteria for listing jobs
type ListFilter struct {
	Status         []schemas.JobState `json:"status,omitempty"`
	MovieID        string             `json:"movie_id,omitempty"`
	TargetLanguage string             `json:"target_language,omitempty"`

	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`

	// Pagination
	Limit  int `json:"limit,omitempty"`  // Max results (0 = no limit)
	Offset int `json:"offset,omitempty"` // Skip N results

	// Sorting
	SortBy    string `json:"sort_by,omitempty"`    // created, updated or status
	SortOrder string `json:"sort_order,omitempty"` // "asc" or "desc"
}

// ToJobStatus converts a Job to the record served to polling clients
func (j *Job) ToJobStatus() *schemas.JobStatus {
	st := &schemas.JobStatus{
		ID:            j.JobID,
		MovieID:       j.MovieID,
		Status:        j.Status,
		Progress:      j.Progress,
		ResultTrackID: j.ResultTrackID,
		CreatedAt:     j.Created,
		UpdatedAt:     j.Updated,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		Metadata: schemas.JobMetadata{
			TargetLanguage: j.TargetLanguage,
			LanguageName:   j.LanguageName,
		},
	}
	if j.Request != nil {
		st.Metadata.MovieTitle = j.Request.MovieTitle
	}
	if j.Error != nil {
		st.Error = j.Error.Message
	}
	return st
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// IsActive returns true if the job blocks admission for its movie and language
func (j *Job) IsActive() bool {
	return j.Status.IsActive()
}

// validateChange checks a transition against the job state machine and
// returns the progress the job will hold afterwards.
func validateChange(job *Job, change StateChange) (schemas.Progress, error) {
	if !schemas.CanTransition(job.Status, change.To) {
		return job.Progress, ErrInvalidTransition
	}
	if change.To == schemas.JobStateFailed && (change.Error == nil || change.Error.Message == "") {
		return job.Progress, errors.New("failed transition requires an error message")
	}

	progress := job.Progress
	if change.Message != "" {
		progress.Message = change.Message
	}
	if change.To == schemas.JobStateCompleted {
		progress.Percent = 100
	}
	return progress, nil
}
