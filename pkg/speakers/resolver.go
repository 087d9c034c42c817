// Package speakers assigns a voice to every transcript segment according to
// a speaker-mode policy. Resolution is a pure function of its inputs.
package speakers

import (
	"errors"
	"fmt"
	"time"

	"github.com/chicogong/media-dubbing/pkg/schemas"
)

// ErrConfiguration is returned when a policy cannot be applied. Jobs fail
// immediately on it without consuming retries.
var ErrConfiguration = errors.New("speaker configuration error")

// DefaultParagraphGap is the silence between two segments that starts a new
// paragraph in alternating mode.
const DefaultParagraphGap = 1500 * time.Millisecond

// VoiceCatalog maps voice quality and gender to a provider voice id.
type VoiceCatalog map[schemas.VoiceQuality]map[schemas.Gender]string

// DefaultVoices is used when a policy has no catalog.
var DefaultVoices = VoiceCatalog{
	schemas.VoiceQualityStandard: {
		schemas.GenderMale:   "standard-male-1",
		schemas.GenderFemale: "standard-female-1",
	},
	schemas.VoiceQualityPremium: {
		schemas.GenderMale:   "premium-male-1",
		schemas.GenderFemale: "premium-female-1",
	},
}

// Voice returns the voice id for q and g.
func (c VoiceCatalog) Voice(q schemas.VoiceQuality, g schemas.Gender) string {
	if byGender, ok := c[q]; ok {
		if id, ok := byGender[g]; ok {
			return id
		}
	}
	return string(q) + "-" + string(g)
}

// Policy describes how voices are assigned.
type Policy struct {
	Mode          schemas.SpeakerMode
	DefaultGender schemas.Gender
	Speakers      []schemas.Speaker
	Quality       schemas.VoiceQuality
	ParagraphGap  time.Duration
	Voices        VoiceCatalog
}

// PolicyFor builds the policy of a dub request.
func PolicyFor(req *schemas.DubRequest) Policy {
	return Policy{
		Mode:          req.SpeakerMode,
		DefaultGender: req.VoiceGender,
		Speakers:      req.Speakers,
		Quality:       req.VoiceQuality,
	}
}

// Validate checks the policy without looking at any segment.
func (p Policy) Validate() error {
	if !p.Mode.Valid() {
		return fmt.Errorf("%w: unknown speaker mode %q", ErrConfiguration, p.Mode)
	}
	if !p.DefaultGender.Valid() {
		return fmt.Errorf("%w: invalid voice gender %q", ErrConfiguration, p.DefaultGender)
	}
	if p.Mode == schemas.SpeakerModeMulti {
		if len(p.Speakers) == 0 {
			return fmt.Errorf("%w: multi mode requires at least one speaker", ErrConfiguration)
		}
		for i, s := range p.Speakers {
			if s.ID == "" {
				return fmt.Errorf("%w: speaker %d has no id", ErrConfiguration, i)
			}
		}
	}
	return nil
}

// Resolve assigns a voice to every segment.
func Resolve(segments []schemas.TranscriptSegment, p Policy) (schemas.SpeakerAssignment, error) {
	if err := p.Validate(); err != nil {
		return schemas.SpeakerAssignment{}, err
	}
	if p.Voices == nil {
		p.Voices = DefaultVoices
	}
	if p.Quality == "" {
		p.Quality = schemas.VoiceQualityStandard
	}

	voices := make([]schemas.VoiceAssignment, len(segments))
	switch p.Mode {
	case schemas.SpeakerModeSingle:
		for i := range segments {
			voices[i] = p.voiceFor(p.DefaultGender)
		}

	case schemas.SpeakerModeAlternating:
		gap := p.ParagraphGap
		if gap <= 0 {
			gap = DefaultParagraphGap
		}
		gender := p.DefaultGender
		for i, seg := range segments {
			if i > 0 && startsParagraph(segments[i-1], seg, gap) {
				gender = gender.Opposite()
			}
			voices[i] = p.voiceFor(gender)
		}

	case schemas.SpeakerModeMulti:
		for i := range segments {
			s := p.Speakers[i%len(p.Speakers)]
			gender := s.Gender
			if !gender.Valid() {
				gender = p.DefaultGender
			}
			voices[i] = schemas.VoiceAssignment{VoiceID: s.ID, Gender: gender}
		}

	case schemas.SpeakerModeSmart:
		for i, seg := range segments {
			gender := p.DefaultGender
			if seg.DetectedGender.Valid() {
				gender = seg.DetectedGender
			}
			voices[i] = p.voiceFor(gender)
		}
	}

	return schemas.NewSpeakerAssignment(voices), nil
}

func (p Policy) voiceFor(g schemas.Gender) schemas.VoiceAssignment {
	return schemas.VoiceAssignment{VoiceID: p.Voices.Voice(p.Quality, g), Gender: g}
}

// startsParagraph reports whether cur opens a paragraph after prev.
func startsParagraph(prev, cur schemas.TranscriptSegment, gap time.Duration) bool {
	return cur.ParagraphStart || cur.Start-prev.End > gap
}
