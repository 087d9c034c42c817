// Package providertest provides a scripted in-memory providers.Client for
// tests of code that drives provider calls.
package providertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chicogong/media-dubbing/pkg/providers"
	"github.com/chicogong/media-dubbing/pkg/schemas"
)

// Call records one Invoke.
type Call struct {
	Provider schemas.Provider
	Request  providers.Request
}

type failKey struct {
	provider schemas.Provider
	segment  int
}

// Client answers every provider with deterministic output unless a failure
// has been scripted for the call.
type Client struct {
	mu       sync.Mutex
	calls    []Call
	failures map[failKey][]error

	// Transcript is returned by the ASR provider.
	Transcript []schemas.TranscriptSegment

	// Genders is returned by speech analysis, keyed by segment index. A
	// missing entry yields an inconclusive answer.
	Genders map[int]schemas.Gender

	// BeforeInvoke, when set, runs before every call with the call's context.
	BeforeInvoke func(ctx context.Context, p schemas.Provider, req providers.Request)
}

// New creates a fake that transcribes to transcript.
func New(transcript []schemas.TranscriptSegment) *Client {
	return &Client{
		Transcript: transcript,
		failures:   make(map[failKey][]error),
		Genders:    make(map[int]schemas.Gender),
	}
}

// FailNext queues errs to be returned, in order, by calls to p for segment
// before the call succeeds. Use segment -1 for calls not tied to a segment.
func (c *Client) FailNext(p schemas.Provider, segment int, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := failKey{p, segment}
	c.failures[k] = append(c.failures[k], errs...)
}

// Calls returns every call made so far.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns the number of calls made to p.
func (c *Client) CallCount(p schemas.Provider) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Provider == p {
			n++
		}
	}
	return n
}

// Invoke implements providers.Client.
func (c *Client) Invoke(ctx context.Context, p schemas.Provider, req providers.Request) (*providers.Response, error) {
	if c.BeforeInvoke != nil {
		c.BeforeInvoke(ctx, p, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.calls = append(c.calls, Call{Provider: p, Request: req})
	segment := req.SegmentIndex
	if p == schemas.ProviderASR {
		segment = -1
	}
	k := failKey{p, segment}
	if queued := c.failures[k]; len(queued) > 0 {
		err := queued[0]
		c.failures[k] = queued[1:]
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	switch p {
	case schemas.ProviderASR:
		segs := make([]schemas.TranscriptSegment, len(c.Transcript))
		copy(segs, c.Transcript)
		return &providers.Response{Segments: segs, DetectedLanguage: "en"}, nil
	case schemas.ProviderTranslation:
		return &providers.Response{Text: fmt.Sprintf("[%s] %s", req.TargetLanguage, req.Text)}, nil
	case schemas.ProviderTTSStandard, schemas.ProviderTTSPremium:
		return &providers.Response{Audio: []byte(Audio(req.SegmentIndex, req.VoiceID))}, nil
	case schemas.ProviderSpeechAnalysis:
		c.mu.Lock()
		g, ok := c.Genders[req.SegmentIndex]
		c.mu.Unlock()
		if !ok {
			return &providers.Response{Confidence: 0}, nil
		}
		return &providers.Response{Gender: g, Confidence: 0.9}, nil
	}
	return nil, providers.Permanent(p, fmt.Errorf("unknown provider"))
}

// Audio is the fake synthesized audio for a segment.
func Audio(segment int, voice string) string {
	return fmt.Sprintf("<%d:%s>", segment, strings.ToLower(voice))
}
