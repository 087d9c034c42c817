// Package validator checks dub-start requests before admission.
package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chicogong/media-dubbing/pkg/language"
	"github.com/chicogong/media-dubbing/pkg/schemas"
	"github.com/chicogong/media-dubbing/pkg/storage"
)

// ErrInvalidRequest wraps every validation failure.
var ErrInvalidRequest = errors.New("invalid dub request")

const (
	maxMovieIDLength = 128
	maxSpeakers      = 32
	maxSegments      = 20000
)

// Validator validates DubRequest
type Validator struct {
	resolver Resolver
}

// Option configures a Validator.
type Option func(*Validator)

// WithResolver replaces DNS resolution used for SSRF checks.
func WithResolver(r Resolver) Option {
	return func(v *Validator) { v.resolver = r }
}

// New creates a new Validator
func New(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Validate checks if a DubRequest is valid. Optional enum fields may be
// empty and take their defaults at admission.
func (v *Validator) Validate(ctx context.Context, req *schemas.DubRequest) error {
	if req == nil {
		return invalid("request body is required")
	}
	if req.MovieID == "" {
		return invalid("movie_id is required")
	}
	if len(req.MovieID) > maxMovieIDLength {
		return invalid("movie_id exceeds %d characters", maxMovieIDLength)
	}

	if req.TargetLanguage == "" {
		return invalid("target_language is required")
	}
	if _, err := language.Normalize(req.TargetLanguage); err != nil {
		return invalid("target_language: %v", err)
	}
	if req.SourceLanguage != "" && req.SourceLanguage != schemas.SourceLanguageAuto {
		if _, err := language.Normalize(req.SourceLanguage); err != nil {
			return invalid("source_language: %v", err)
		}
	}

	if req.SpeakerMode != "" && !req.SpeakerMode.Valid() {
		return invalid("speaker_mode %q is not one of single, alternating, multi, smart", req.SpeakerMode)
	}
	if !req.VoiceGender.Valid() {
		return invalid("voice_gender must be male or female")
	}
	if req.VoiceQuality != "" && !req.VoiceQuality.Valid() {
		return invalid("voice_quality %q is not one of standard, premium", req.VoiceQuality)
	}

	if err := validateSpeakers(req); err != nil {
		return err
	}
	if err := validateTranscript(req.Transcript); err != nil {
		return err
	}

	if req.SourceAudioURI == "" {
		if len(req.Transcript) == 0 {
			return invalid("source_audio_uri or transcript is required")
		}
		return nil
	}
	return v.validateSource(ctx, req.SourceAudioURI)
}

func validateSpeakers(req *schemas.DubRequest) error {
	if req.SpeakerMode == schemas.SpeakerModeMulti && len(req.Speakers) == 0 {
		return invalid("speaker_mode multi requires at least one speaker")
	}
	if len(req.Speakers) > maxSpeakers {
		return invalid("at most %d speakers are supported", maxSpeakers)
	}
	seen := make(map[string]bool, len(req.Speakers))
	for i, s := range req.Speakers {
		if s.ID == "" {
			return invalid("speaker %d: id is required", i)
		}
		if seen[s.ID] {
			return invalid("speaker %d: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if s.Gender != "" && !s.Gender.Valid() {
			return invalid("speaker %s: gender must be male or female", s.ID)
		}
	}
	return nil
}

func validateTranscript(segments []schemas.TranscriptSegment) error {
	if len(segments) > maxSegments {
		return invalid("transcript exceeds %d segments", maxSegments)
	}
	for i, seg := range segments {
		if seg.Start < 0 || seg.End < seg.Start {
			return invalid("transcript segment %d: invalid time range %s..%s", i, seg.Start, seg.End)
		}
		if seg.End-seg.Start > 10*time.Minute {
			return invalid("transcript segment %d: longer than 10m", i)
		}
	}
	return nil
}

func (v *Validator) validateSource(ctx context.Context, uri string) error {
	scheme, _, err := storage.ParseURI(uri)
	if err != nil {
		return invalid("source_audio_uri: %v", err)
	}
	if !storage.IsAllowedScheme(scheme) {
		return invalid("source_audio_uri: scheme '%s' not allowed", scheme)
	}

	// For HTTP/HTTPS URIs, perform SSRF checks
	if scheme == "http" || scheme == "https" {
		if err := ValidateHTTPURI(ctx, v.resolver, uri); err != nil {
			return invalid("source_audio_uri: security check failed: %v", err)
		}
	}
	return nil
}
