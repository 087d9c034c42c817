package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chicogong/media-dubbing/pkg/schemas"
)

// MemoryStore is an in-memory implementation of Store
// Thread-safe for concurrent access
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	tracks map[string]*schemas.DubbedAudioTrack
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*Job),
		tracks: make(map[string]*schemas.DubbedAudioTrack),
	}
}

// CreateJob creates a new job
func (m *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	if job.JobID == "" {
		return ErrInvalidJobID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.JobID]; exists {
		return ErrJobExists
	}
	if job.Status.IsActive() && m.activeLocked(job.MovieID, job.TargetLanguage) != nil {
		return ErrActiveJobExists
	}

	m.jobs[job.JobID] = copyJob(job)
	return nil
}

// GetJob retrieves a job by ID
func (m *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, ErrInvalidJobID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

// FindActive returns the active job for a movie and language
func (m *MemoryStore) FindActive(ctx context.Context, movieID, targetLanguage string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if job := m.activeLocked(movieID, targetLanguage); job != nil {
		return copyJob(job), nil
	}
	return nil, ErrJobNotFound
}

func (m *MemoryStore) activeLocked(movieID, targetLanguage string) *Job {
	for _, job := range m.jobs {
		if job.MovieID == movieID && job.TargetLanguage == targetLanguage && job.Status.IsActive() {
			return job
		}
	}
	return nil
}

// UpdateProgress records progress for an active job
func (m *MemoryStore) UpdateProgress(ctx context.Context, jobID string, progress schemas.Progress) error {
	if jobID == "" {
		return ErrInvalidJobID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	if progress.Percent < job.Progress.Percent {
		return ErrProgressRegression
	}

	job.Progress = progress
	job.Updated = time.Now().UTC()
	return nil
}

// Heartbeat refreshes the updated time of an active job
func (m *MemoryStore) Heartbeat(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrInvalidJobID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	job.Updated = time.Now().UTC()
	return nil
}

// Transition moves a job to a new status
func (m *MemoryStore) Transition(ctx context.Context, jobID string, change StateChange) (*Job, error) {
	if jobID == "" {
		return nil, ErrInvalidJobID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	progress, err := validateChange(job, change)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job.Status = change.To
	job.Progress = progress
	job.Updated = now
	switch change.To {
	case schemas.JobStateProcessing:
		job.StartedAt = &now
	case schemas.JobStateCompleted:
		job.CompletedAt = &now
		job.ResultTrackID = change.ResultTrackID
	case schemas.JobStateFailed:
		job.CompletedAt = &now
		e := *change.Error
		job.Error = &e
	}
	return copyJob(job), nil
}

// DeleteJob deletes a job by ID
func (m *MemoryStore) DeleteJob(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrInvalidJobID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[jobID]; !exists {
		return ErrJobNotFound
	}

	delete(m.jobs, jobID)
	return nil
}

// ListJobs lists jobs with optional filtering
func (m *MemoryStore) ListJobs(ctx context.Context, filter *ListFilter) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*Job
	for _, job := range m.jobs {
		if matchesFilter(job, filter) {
			jobs = append(jobs, copyJob(job))
		}
	}

	sortJobs(jobs, filter)
	return paginateJobs(jobs, filter), nil
}

// CreateTrack stores a finished track
func (m *MemoryStore) CreateTrack(ctx context.Context, track *schemas.DubbedAudioTrack) error {
	if track.ID == "" {
		return ErrInvalidJobID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := *track
	m.tracks[track.ID] = &t
	return nil
}

// GetTrack retrieves a track by ID
func (m *MemoryStore) GetTrack(ctx context.Context, trackID string) (*schemas.DubbedAudioTrack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	track, ok := m.tracks[trackID]
	if !ok {
		return nil, ErrTrackNotFound
	}
	t := *track
	return &t, nil
}

// DeleteTrack deletes a track by ID
func (m *MemoryStore) DeleteTrack(ctx context.Context, trackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tracks[trackID]; !ok {
		return ErrTrackNotFound
	}
	delete(m.tracks, trackID)
	return nil
}

// Close closes the store (no-op for memory store)
func (m *MemoryStore) Close() error {
	return nil
}

func copyJob(job *Job) *Job {
	if job == nil {
		return nil
	}

	cp := *job
	if job.StartedAt != nil {
		t := *job.StartedAt
		cp.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		cp.CompletedAt = &t
	}
	if job.Error != nil {
		e := *job.Error
		cp.Error = &e
	}
	if job.Request != nil {
		req := *job.Request
		req.Speakers = append([]schemas.Speaker(nil), job.Request.Speakers...)
		req.Transcript = append([]schemas.TranscriptSegment(nil), job.Request.Transcript...)
		cp.Request = &req
	}
	return &cp
}

func matchesFilter(job *Job, filter *ListFilter) bool {
	if filter == nil {
		return true
	}

	if len(filter.Status) > 0 {
		found := false
		for _, status := range filter.Status {
			if job.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.MovieID != "" && job.MovieID != filter.MovieID {
		return false
	}
	if filter.TargetLanguage != "" && job.TargetLanguage != filter.TargetLanguage {
		return false
	}

	if filter.CreatedAfter != nil && job.Created.Before(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && job.Created.After(*filter.CreatedBefore) {
		return false
	}

	return true
}

func sortJobs(jobs []*Job, filter *ListFilter) {
	if filter == nil || filter.SortBy == "" {
		// Default sort by created time descending
		sort.SliceStable(jobs, func(i, j int) bool {
			return jobs[i].Created.After(jobs[j].Created)
		})
		return
	}

	descending := filter.SortOrder == "desc"

	switch filter.SortBy {
	case "created":
		sort.SliceStable(jobs, func(i, j int) bool {
			if descending {
				return jobs[i].Created.After(jobs[j].Created)
			}
			return jobs[i].Created.Before(jobs[j].Created)
		})
	case "updated":
		sort.SliceStable(jobs, func(i, j int) bool {
			if descending {
				return jobs[i].Updated.After(jobs[j].Updated)
			}
			return jobs[i].Updated.Before(jobs[j].Updated)
		})
	case "status":
		sort.SliceStable(jobs, func(i, j int) bool {
			if descending {
				return jobs[i].Status > jobs[j].Status
			}
			return jobs[i].Status < jobs[j].Status
		})
	}
}

func paginateJobs(jobs []*Job, filter *ListFilter) []*Job {
	if filter == nil {
		return jobs
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return []*Job{}
		}
		jobs = jobs[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}

	return jobs
}
