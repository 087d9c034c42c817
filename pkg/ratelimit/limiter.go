// Package ratelimit paces calls to external providers and backs off
// adaptively when a provider signals throttling.
//
// Each provider has an independent state guarded by its own mutex:
//
//	consecutive failures  incremented by ReportRateLimited/ReportFailure,
//	                      decremented by ReportSuccess
//	base delay            floor..MaxBaseDelay, doubled on rate-limit without
//	                      a retry-after hint, reset to floor once healthy
//	cooldown              absolute deadline set from a retry-after hint
//	last slot             start time handed to the latest AwaitReady
//	                      caller; the next one starts at least a pace later
//
// The limiter never retries anything itself; it only answers how long a
// caller should wait before the next request.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/chicogong/media-dubbing/pkg/schemas"
)

const (
	// MaxBaseDelay bounds the adaptive base delay.
	MaxBaseDelay = 60 * time.Second

	// MaxBackoffDelay bounds the exponential backoff returned while failures
	// are outstanding, so a job queue never stalls indefinitely.
	MaxBackoffDelay = 30 * time.Second

	// DefaultFloor is used for providers without a configured floor.
	DefaultFloor = 250 * time.Millisecond

	maxBackoffExponent = 4
)

// DefaultFloors are the per-provider minimum delays between requests.
var DefaultFloors = map[schemas.Provider]time.Duration{
	schemas.ProviderASR:            time.Second,
	schemas.ProviderTranslation:    200 * time.Millisecond,
	schemas.ProviderTTSStandard:    250 * time.Millisecond,
	schemas.ProviderTTSPremium:     500 * time.Millisecond,
	schemas.ProviderSpeechAnalysis: 250 * time.Millisecond,
}

// State is a point-in-time copy of one provider's pacing state.
type State struct {
	Provider            schemas.Provider `json:"provider"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	Floor               time.Duration    `json:"floor"`
	BaseDelay           time.Duration    `json:"base_delay"`
	CooldownUntil       time.Time        `json:"cooldown_until,omitempty"`
	CooldownRemaining   time.Duration    `json:"cooldown_remaining"`
	RecommendedDelay    time.Duration    `json:"recommended_delay"`
}

type providerState struct {
	mu            sync.Mutex
	floor         time.Duration
	failures      int
	baseDelay     time.Duration
	cooldownUntil time.Time
	lastSlot      time.Time
}

// Limiter tracks pacing state per provider. The zero value is not usable;
// construct with New.
type Limiter struct {
	clock  Clock
	floors map[schemas.Provider]time.Duration

	mu     sync.Mutex
	states map[schemas.Provider]*providerState
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithFloor sets the floor delay for one provider.
func WithFloor(p schemas.Provider, floor time.Duration) Option {
	return func(l *Limiter) {
		l.floors[p] = clampFloor(floor)
	}
}

// New creates a Limiter using DefaultFloors unless overridden.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		clock:  SystemClock{},
		floors: make(map[schemas.Provider]time.Duration, len(DefaultFloors)),
		states: make(map[schemas.Provider]*providerState),
	}
	for p, f := range DefaultFloors {
		l.floors[p] = f
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func clampFloor(floor time.Duration) time.Duration {
	if floor < 0 {
		return 0
	}
	if floor > MaxBaseDelay {
		return MaxBaseDelay
	}
	return floor
}

// state returns the provider's state, creating it on first reference.
func (l *Limiter) state(p schemas.Provider) *providerState {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[p]
	if !ok {
		floor, known := l.floors[p]
		if !known {
			floor = DefaultFloor
		}
		st = &providerState{floor: floor, baseDelay: floor}
		l.states[p] = st
	}
	return st
}

// clearExpiredLocked drops a cooldown whose deadline has passed.
func (st *providerState) clearExpiredLocked(now time.Time) {
	if !st.cooldownUntil.IsZero() && !now.Before(st.cooldownUntil) {
		st.cooldownUntil = time.Time{}
	}
}

func (st *providerState) recommendedLocked(now time.Time) time.Duration {
	st.clearExpiredLocked(now)
	if !st.cooldownUntil.IsZero() {
		return st.cooldownUntil.Sub(now)
	}
	return st.paceLocked()
}

// paceLocked is the spacing between requests ignoring any cooldown.
func (st *providerState) paceLocked() time.Duration {
	if st.failures == 0 {
		return st.baseDelay
	}

	exp := st.failures
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	delay := st.baseDelay << uint(exp)
	if delay > MaxBackoffDelay || delay < 0 {
		return MaxBackoffDelay
	}
	return delay
}

// RecommendedDelay returns how long a caller should wait before calling p.
func (l *Limiter) RecommendedDelay(p schemas.Provider) time.Duration {
	st := l.state(p)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.recommendedLocked(l.clock.Now())
}

// AwaitReady blocks for the recommended delay of p. Concurrent callers
// reserve successive slots one pace apart instead of all waking together.
// It returns the delay it waited, or the context error if ctx ended first.
func (l *Limiter) AwaitReady(ctx context.Context, p schemas.Provider) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	st := l.state(p)
	st.mu.Lock()
	now := l.clock.Now()
	start := now.Add(st.recommendedLocked(now))
	if !st.lastSlot.IsZero() {
		if next := st.lastSlot.Add(st.paceLocked()); next.After(start) {
			start = next
		}
	}
	prev := st.lastSlot
	st.lastSlot = start
	st.mu.Unlock()

	delay := start.Sub(now)
	if err := l.clock.Sleep(ctx, delay); err != nil {
		// hand the slot back unless a later caller already queued behind it
		st.mu.Lock()
		if st.lastSlot.Equal(start) {
			st.lastSlot = prev
		}
		st.mu.Unlock()
		return 0, err
	}
	return delay, nil
}

// ReportSuccess relaxes the provider by one failure step. Once no failures
// remain the base delay returns to the floor.
func (l *Limiter) ReportSuccess(p schemas.Provider) {
	st := l.state(p)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.failures > 0 {
		st.failures--
	}
	st.cooldownUntil = time.Time{}
	if st.failures == 0 {
		st.baseDelay = st.floor
	}
}

// ReportRateLimited records an explicit throttling response. A positive
// retryAfter starts a cooldown; otherwise the base delay doubles.
func (l *Limiter) ReportRateLimited(p schemas.Provider, retryAfter time.Duration) {
	st := l.state(p)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.failures++
	if retryAfter > 0 {
		st.cooldownUntil = l.clock.Now().Add(retryAfter)
		return
	}

	next := st.baseDelay * 2
	if next > MaxBaseDelay || next <= 0 {
		next = MaxBaseDelay
	}
	if next < st.floor {
		next = st.floor
	}
	st.baseDelay = next
}

// ReportFailure records a non-throttling error. Delay and cooldown are left
// untouched.
func (l *Limiter) ReportFailure(p schemas.Provider) {
	st := l.state(p)
	st.mu.Lock()
	st.failures++
	st.mu.Unlock()
}

// IsCoolingDown reports whether p is inside an active cooldown window.
func (l *Limiter) IsCoolingDown(p schemas.Provider) bool {
	return l.CooldownRemaining(p) > 0
}

// CooldownRemaining returns the time left in p's cooldown, or zero.
func (l *Limiter) CooldownRemaining(p schemas.Provider) time.Duration {
	st := l.state(p)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.clock.Now()
	st.clearExpiredLocked(now)
	if st.cooldownUntil.IsZero() {
		return 0
	}
	return st.cooldownUntil.Sub(now)
}

// Reset restores p to its floor state.
func (l *Limiter) Reset(p schemas.Provider) {
	st := l.state(p)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.failures = 0
	st.baseDelay = st.floor
	st.cooldownUntil = time.Time{}
	st.lastSlot = time.Time{}
}

// Get returns a copy of p's state.
func (l *Limiter) Get(p schemas.Provider) State {
	st := l.state(p)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.clock.Now()
	out := State{
		Provider:            p,
		ConsecutiveFailures: st.failures,
		Floor:               st.floor,
		BaseDelay:           st.baseDelay,
		RecommendedDelay:    st.recommendedLocked(now),
	}
	if !st.cooldownUntil.IsZero() {
		out.CooldownUntil = st.cooldownUntil
		out.CooldownRemaining = st.cooldownUntil.Sub(now)
	}
	return out
}

// Snapshot returns the state of every known provider in schemas.Providers
// order.
func (l *Limiter) Snapshot() []State {
	out := make([]State, 0, len(schemas.Providers))
	for _, p := range schemas.Providers {
		out = append(out, l.Get(p))
	}
	return out
}
