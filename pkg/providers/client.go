// Package providers defines the contract for the external translation,
// speech synthesis, transcription and speech analysis services, plus an
// HTTP/JSON adapter for them.
package providers

import (
	"context"
	"time"

	"github.com/chicogong/media-dubbing/pkg/schemas"
)

// Request is the input of a single provider call. Only the fields relevant
// to the target provider are set.
type Request struct {
	JobID        string `json:"job_id,omitempty"`
	SegmentIndex int    `json:"segment_index"`

	// Transcription and speech analysis. Speech analysis reads the window
	// Start..End of SourceURI itself rather than receiving audio.
	Audio          []byte        `json:"audio,omitempty"`
	SourceURI      string        `json:"source_uri,omitempty"`
	SourceLanguage string        `json:"source_language,omitempty"`
	Start          time.Duration `json:"start,omitempty"`
	End            time.Duration `json:"end,omitempty"`

	// Translation and synthesis
	Text           string         `json:"text,omitempty"`
	TargetLanguage string         `json:"target_language,omitempty"`
	VoiceID        string         `json:"voice_id,omitempty"`
	Gender         schemas.Gender `json:"gender,omitempty"`
}

// Response is the output of a single provider call.
type Response struct {
	// Transcription
	Segments         []schemas.TranscriptSegment `json:"segments,omitempty"`
	DetectedLanguage string                      `json:"detected_language,omitempty"`

	// Translation
	Text string `json:"text,omitempty"`

	// Synthesis
	Audio []byte `json:"audio,omitempty"`

	// Speech analysis
	Gender     schemas.Gender `json:"gender,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
}

// Client invokes external providers. Implementations return *Error for
// failures so callers can tell throttling from transient and permanent
// errors.
type Client interface {
	Invoke(ctx context.Context, p schemas.Provider, req Request) (*Response, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, p schemas.Provider, req Request) (*Response, error)

// Invoke calls f.
func (f ClientFunc) Invoke(ctx context.Context, p schemas.Provider, req Request) (*Response, error) {
	return f(ctx, p, req)
}
