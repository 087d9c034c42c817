package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/chicogong/media-dubbing/pkg/providers"
	"github.com/chicogong/media-dubbing/pkg/schemas"
	"github.com/chicogong/media-dubbing/pkg/speakers"
)

var (
	// ErrConflict is returned by Submit when a job for the same movie and
	// target language is already pending or processing.
	ErrConflict = errors.New("a dubbing job is already active for this movie and language")

	// ErrCancelled is the cancellation cause of a job stopped by Cancel.
	ErrCancelled = errors.New("cancelled")

	// ErrShutdown is the cancellation cause of jobs stopped by Shutdown.
	ErrShutdown = errors.New("interrupted by shutdown")

	// ErrJobFinished is returned when cancelling a job that is already
	// terminal.
	ErrJobFinished = errors.New("job already finished")

	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("engine is shut down")

	// ErrJobActive is returned when purging a job that is still pending or
	// processing.
	ErrJobActive = errors.New("job is still active")

	// errReleased stops a local run whose job was finalized by another
	// instance sharing the store.
	errReleased = errors.New("job finalized by another instance")

	errNoSource   = errors.New("source audio URI or transcript is required")
	errNoSegments = errors.New("transcription produced no segments")
)

// Error codes recorded on failed jobs.
const (
	CodeCancelled     = "CANCELLED"
	CodeInterrupted   = "INTERRUPTED"
	CodeConfiguration = "CONFIGURATION_ERROR"
	CodeRateLimited   = "RATE_LIMITED"
	CodeUnavailable   = "PROVIDER_UNAVAILABLE"
	CodeProvider      = "PROVIDER_ERROR"
	CodeStorage       = "STORAGE_ERROR"
	CodeInternal      = "INTERNAL_ERROR"
)

// ConflictError carries the id of the job that blocked admission.
type ConflictError struct {
	JobID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s (job %s)", ErrConflict.Error(), e.JobID)
}

// Is makes errors.Is(err, ErrConflict) hold.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// storageError marks failures reading source audio or writing the track.
type storageError struct{ err error }

func (e *storageError) Error() string { return e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

// jobError converts the error that ended a job into the record stored on
// it. ctx is the job context, used to tell cancellation from failure.
func jobError(ctx context.Context, err error) *schemas.ErrorInfo {
	if ctx.Err() != nil {
		switch cause := context.Cause(ctx); {
		case errors.Is(cause, ErrShutdown):
			return &schemas.ErrorInfo{Code: CodeInterrupted, Message: ErrShutdown.Error(), Retryable: true}
		default:
			return &schemas.ErrorInfo{Code: CodeCancelled, Message: ErrCancelled.Error()}
		}
	}

	info := &schemas.ErrorInfo{Code: CodeInternal, Message: err.Error()}
	var perr *providers.Error
	var serr *storageError
	switch {
	case errors.Is(err, speakers.ErrConfiguration), errors.Is(err, errNoSource):
		info.Code = CodeConfiguration
	case errors.As(err, &perr):
		switch perr.Kind {
		case providers.KindRateLimited:
			info.Code = CodeRateLimited
			info.Retryable = true
		case providers.KindTransient:
			info.Code = CodeUnavailable
			info.Retryable = true
		default:
			info.Code = CodeProvider
		}
	case errors.As(err, &serr):
		info.Code = CodeStorage
		info.Retryable = true
	case errors.Is(err, context.DeadlineExceeded):
		info.Code = CodeUnavailable
		info.Retryable = true
	}
	if info.Message == "" {
		info.Message = "dubbing failed"
	}
	return info
}
