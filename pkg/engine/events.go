package engine

import (
	"sync"
	"time"

	"github.com/chicogong/media-dubbing/pkg/schemas"
)

// EventType classifies job events.
type EventType string

const (
	EventTypeStatus   EventType = "status"
	EventTypeProgress EventType = "progress"
)

const (
	defaultEventsPerJob = 1000
	defaultEventJobs    = 1024
)

// Event is one sequenced change of a job, readable incrementally by pollers.
type Event struct {
	Seq       int64            `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
	JobID     string           `json:"job_id"`
	Type      EventType        `json:"type"`
	Status    schemas.JobState `json:"status,omitempty"`
	Percent   int              `json:"percent"`
	Message   string           `json:"message,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// EventPage is an incremental read of one job's events.
type EventPage struct {
	Events []Event

	// OldestSeq is the sequence of the oldest event still retained for the
	// job, zero when none is.
	OldestSeq int64

	// Truncated reports that events newer than the requested sequence were
	// evicted before this read.
	Truncated bool
}

type jobEvents struct {
	events      []Event
	droppedUpTo int64
}

// EventBus keeps a bounded buffer of recent events per job. Sequences are
// global and strictly increasing.
type EventBus struct {
	mu      sync.RWMutex
	nextSeq int64
	perJob  int
	maxJobs int
	jobs    map[string]*jobEvents
}

// NewEventBus retains up to perJob events for each of the maxJobs most
// recently active jobs. Non-positive limits take defaults.
func NewEventBus(perJob, maxJobs int) *EventBus {
	if perJob <= 0 {
		perJob = defaultEventsPerJob
	}
	if maxJobs <= 0 {
		maxJobs = defaultEventJobs
	}
	return &EventBus{
		perJob:  perJob,
		maxJobs: maxJobs,
		jobs:    make(map[string]*jobEvents),
	}
}

// Publish appends one event and assigns its sequence and timestamp.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	buf, ok := b.jobs[event.JobID]
	if !ok {
		if len(b.jobs) >= b.maxJobs {
			b.evictLocked()
		}
		buf = &jobEvents{}
		b.jobs[event.JobID] = buf
	}
	buf.events = append(buf.events, event)
	if len(buf.events) > b.perJob {
		buf.droppedUpTo = buf.events[0].Seq
		buf.events[0] = Event{}
		buf.events = buf.events[1:]
	}
	return event
}

// evictLocked drops the buffer of the least recently published job.
func (b *EventBus) evictLocked() {
	var (
		oldestID string
		oldest   int64
	)
	for id, buf := range b.jobs {
		last := buf.droppedUpTo
		if n := len(buf.events); n > 0 {
			last = buf.events[n-1].Seq
		}
		if oldestID == "" || last < oldest {
			oldestID, oldest = id, last
		}
	}
	delete(b.jobs, oldestID)
}

// Read returns the events of jobID with a sequence strictly greater than
// since.
func (b *EventBus) Read(jobID string, since int64) EventPage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	page := EventPage{Events: make([]Event, 0)}
	buf, ok := b.jobs[jobID]
	if !ok {
		return page
	}
	if len(buf.events) > 0 {
		page.OldestSeq = buf.events[0].Seq
	}
	page.Truncated = buf.droppedUpTo > since
	for _, event := range buf.events {
		if event.Seq > since {
			page.Events = append(page.Events, event)
		}
	}
	return page
}

// Since returns events of jobID with a sequence strictly greater than seq.
func (b *EventBus) Since(jobID string, seq int64) []Event {
	return b.Read(jobID, seq).Events
}

// Forget drops every event of jobID.
func (b *EventBus) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs, jobID)
}

// LastSeq returns the sequence of the newest event.
func (b *EventBus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}
