// Package schemas defines the request, job and track records shared by the
// dubbing engine, its stores and the HTTP API.
package schemas

import "time"

// JobState represents the current state of a dubbing job
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// IsTerminal reports whether no further transitions can leave the state.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// IsActive reports whether a job in this state blocks admission of another
// job for the same movie and language.
func (s JobState) IsActive() bool {
	return s == JobStatePending || s == JobStateProcessing
}

// CanTransition reports whether from -> to is a legal job transition.
// Transitions only move forward; terminal states absorb.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobStatePending:
		return to == JobStateProcessing || to == JobStateFailed
	case JobStateProcessing:
		return to == JobStateCompleted || to == JobStateFailed
	default:
		return false
	}
}

// SpeakerMode selects how voices are assigned to transcript segments
type SpeakerMode string

const (
	SpeakerModeSingle      SpeakerMode = "single"
	SpeakerModeAlternating SpeakerMode = "alternating"
	SpeakerModeMulti       SpeakerMode = "multi"
	SpeakerModeSmart       SpeakerMode = "smart"
)

// Valid reports whether m is a known speaker mode.
func (m SpeakerMode) Valid() bool {
	switch m {
	case SpeakerModeSingle, SpeakerModeAlternating, SpeakerModeMulti, SpeakerModeSmart:
		return true
	}
	return false
}

// Gender is the voice gender used for synthesis
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Valid reports whether g is a known gender.
func (g Gender) Valid() bool {
	return g == GenderMale || g == GenderFemale
}

// Opposite returns the other gender.
func (g Gender) Opposite() Gender {
	if g == GenderMale {
		return GenderFemale
	}
	return GenderMale
}

// VoiceQuality selects the standard or premium TTS provider
type VoiceQuality string

const (
	VoiceQualityStandard VoiceQuality = "standard"
	VoiceQualityPremium  VoiceQuality = "premium"
)

// Valid reports whether q is a known voice quality.
func (q VoiceQuality) Valid() bool {
	return q == VoiceQualityStandard || q == VoiceQualityPremium
}

// SourceLanguageAuto lets the transcription provider detect the language.
const SourceLanguageAuto = "auto"

// Speaker is one named voice used when SpeakerMode is multi
type Speaker struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Gender Gender `json:"gender"`
}

// DubRequest is the client-submitted request to dub a movie
type DubRequest struct {
	MovieID        string       `json:"movie_id"`
	MovieTitle     string       `json:"movie_title,omitempty"`
	TargetLanguage string       `json:"target_language"`
	SourceLanguage string       `json:"source_language,omitempty"`
	SpeakerMode    SpeakerMode  `json:"speaker_mode"`
	VoiceGender    Gender       `json:"voice_gender"`
	Speakers       []Speaker    `json:"speakers,omitempty"`
	VoiceQuality   VoiceQuality `json:"voice_quality"`

	// SourceAudioURI points at the original audio track (file://, s3://, https://).
	SourceAudioURI string `json:"source_audio_uri,omitempty"`

	// Transcript, when supplied, skips the transcription stage.
	Transcript []TranscriptSegment `json:"transcript,omitempty"`
}

// Progress is the last reported progress of a job
type Progress struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// JobMetadata carries display fields for polling clients
type JobMetadata struct {
	TargetLanguage string `json:"target_language"`
	LanguageName   string `json:"language_name"`
	MovieTitle     string `json:"movie_title,omitempty"`
}

// JobStatus is the record polled by clients until the job is terminal
type JobStatus struct {
	ID            string      `json:"id"`
	MovieID       string      `json:"movie_id"`
	Status        JobState    `json:"status"`
	Progress      Progress    `json:"progress"`
	Error         string      `json:"error,omitempty"`
	Metadata      JobMetadata `json:"metadata"`
	ResultTrackID string      `json:"result_track_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}
