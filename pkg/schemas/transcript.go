package schemas

import "time"

// TranscriptSegment is a time-bounded unit of dialogue
type TranscriptSegment struct {
	Index int           `json:"index"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`

	// ParagraphStart is set by transcription when the segment opens a new
	// paragraph (speaker turn, long pause or sentence-final break).
	ParagraphStart bool `json:"paragraph_start,omitempty"`

	// DetectedGender is only populated in smart mode when speech analysis
	// returned a conclusive answer.
	DetectedGender Gender `json:"detected_gender,omitempty"`
}

// VoiceAssignment is the resolved voice for one segment
type VoiceAssignment struct {
	VoiceID string `json:"voice_id"`
	Gender  Gender `json:"gender"`
}

// SpeakerAssignment maps each segment index to its voice. Produced once per
// job and never mutated afterwards.
type SpeakerAssignment struct {
	voices []VoiceAssignment
}

// NewSpeakerAssignment copies voices into an immutable assignment.
func NewSpeakerAssignment(voices []VoiceAssignment) SpeakerAssignment {
	cp := make([]VoiceAssignment, len(voices))
	copy(cp, voices)
	return SpeakerAssignment{voices: cp}
}

// Len returns the number of assigned segments.
func (a SpeakerAssignment) Len() int { return len(a.voices) }

// At returns the voice for segment index i.
func (a SpeakerAssignment) At(i int) VoiceAssignment { return a.voices[i] }

// Voices returns a copy of the assignment in segment order.
func (a SpeakerAssignment) Voices() []VoiceAssignment {
	cp := make([]VoiceAssignment, len(a.voices))
	copy(cp, a.voices)
	return cp
}

// DubbedAudioTrack is the terminal artifact of a completed job
type DubbedAudioTrack struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	MovieID       string    `json:"movie_id"`
	LanguageCode  string    `json:"language_code"`
	LanguageName  string    `json:"language_name"`
	Status        JobState  `json:"status"`
	AudioAssetRef string    `json:"audio_asset_ref"`
	CreatedAt     time.Time `json:"created_at"`
}
