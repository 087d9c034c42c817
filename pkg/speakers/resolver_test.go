package speakers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chicogong/media-dubbing/pkg/schemas"
)

func seg(i int, startMs, endMs int, paragraph bool) schemas.TranscriptSegment {
	return schemas.TranscriptSegment{
		Index:          i,
		Start:          time.Duration(startMs) * time.Millisecond,
		End:            time.Duration(endMs) * time.Millisecond,
		Text:           "line",
		ParagraphStart: paragraph,
	}
}

func genders(a schemas.SpeakerAssignment) []schemas.Gender {
	out := make([]schemas.Gender, a.Len())
	for i := range out {
		out[i] = a.At(i).Gender
	}
	return out
}

func TestResolve_Single(t *testing.T) {
	segments := []schemas.TranscriptSegment{seg(0, 0, 1000, false), seg(1, 5000, 6000, true)}

	a, err := Resolve(segments, Policy{Mode: schemas.SpeakerModeSingle, DefaultGender: schemas.GenderMale})
	require.NoError(t, err)
	assert.Equal(t, []schemas.Gender{schemas.GenderMale, schemas.GenderMale}, genders(a))
	assert.Equal(t, "standard-male-1", a.At(0).VoiceID)
}

func TestResolve_AlternatingFourParagraphs(t *testing.T) {
	// paragraphs: [0,1] [2] [3,4] [5]; boundaries by marker and by silence gap
	segments := []schemas.TranscriptSegment{
		seg(0, 0, 1000, false),
		seg(1, 1200, 2000, false),
		seg(2, 2100, 3000, true),
		seg(3, 6000, 7000, false),
		seg(4, 7100, 8000, false),
		seg(5, 8200, 9000, true),
	}

	a, err := Resolve(segments, Policy{Mode: schemas.SpeakerModeAlternating, DefaultGender: schemas.GenderFemale})
	require.NoError(t, err)

	f, m := schemas.GenderFemale, schemas.GenderMale
	assert.Equal(t, []schemas.Gender{f, f, m, f, f, m}, genders(a))

	var perParagraph []schemas.Gender
	for i := 0; i < a.Len(); i++ {
		if i == 0 || startsParagraph(segments[i-1], segments[i], DefaultParagraphGap) {
			perParagraph = append(perParagraph, a.At(i).Gender)
		}
	}
	assert.Equal(t, []schemas.Gender{f, m, f, m}, perParagraph)
}

func TestResolve_AlternatingCustomGap(t *testing.T) {
	segments := []schemas.TranscriptSegment{seg(0, 0, 1000, false), seg(1, 1300, 2000, false)}

	a, err := Resolve(segments, Policy{
		Mode:          schemas.SpeakerModeAlternating,
		DefaultGender: schemas.GenderMale,
		ParagraphGap:  200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, []schemas.Gender{schemas.GenderMale, schemas.GenderFemale}, genders(a))
}

func TestResolve_MultiCycles(t *testing.T) {
	speakers := []schemas.Speaker{
		{ID: "A", Name: "Alex", Gender: schemas.GenderMale},
		{ID: "B", Name: "Bea", Gender: schemas.GenderFemale},
	}
	segments := make([]schemas.TranscriptSegment, 5)
	for i := range segments {
		segments[i] = seg(i, i*1000, i*1000+500, false)
	}

	a, err := Resolve(segments, Policy{Mode: schemas.SpeakerModeMulti, DefaultGender: schemas.GenderMale, Speakers: speakers})
	require.NoError(t, err)

	ids := make([]string, a.Len())
	for i := range ids {
		ids[i] = a.At(i).VoiceID
	}
	assert.Equal(t, []string{"A", "B", "A", "B", "A"}, ids)
	assert.Equal(t, schemas.GenderFemale, a.At(1).Gender)
}

func TestResolve_MultiWithoutSpeakers(t *testing.T) {
	_, err := Resolve([]schemas.TranscriptSegment{seg(0, 0, 1, false)}, Policy{
		Mode:          schemas.SpeakerModeMulti,
		DefaultGender: schemas.GenderMale,
	})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestResolve_SmartFallsBack(t *testing.T) {
	segments := []schemas.TranscriptSegment{seg(0, 0, 1000, false), seg(1, 1000, 2000, false), seg(2, 2000, 3000, false)}
	segments[0].DetectedGender = schemas.GenderFemale
	segments[2].DetectedGender = schemas.Gender("unknown")

	a, err := Resolve(segments, Policy{
		Mode:          schemas.SpeakerModeSmart,
		DefaultGender: schemas.GenderMale,
		Quality:       schemas.VoiceQualityPremium,
	})
	require.NoError(t, err)
	assert.Equal(t, []schemas.Gender{schemas.GenderFemale, schemas.GenderMale, schemas.GenderMale}, genders(a))
	assert.Equal(t, "premium-female-1", a.At(0).VoiceID)
}

func TestResolve_InvalidPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{"unknown mode", Policy{Mode: "chorus", DefaultGender: schemas.GenderMale}},
		{"missing gender", Policy{Mode: schemas.SpeakerModeSingle}},
		{"speaker without id", Policy{Mode: schemas.SpeakerModeMulti, DefaultGender: schemas.GenderMale, Speakers: []schemas.Speaker{{Name: "x"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(nil, tt.policy)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestResolve_Deterministic(t *testing.T) {
	segments := []schemas.TranscriptSegment{seg(0, 0, 1000, false), seg(1, 4000, 5000, false), seg(2, 5100, 6000, true)}
	policy := Policy{Mode: schemas.SpeakerModeAlternating, DefaultGender: schemas.GenderMale}

	first, err := Resolve(segments, policy)
	require.NoError(t, err)
	second, err := Resolve(segments, policy)
	require.NoError(t, err)
	assert.Equal(t, first.Voices(), second.Voices())
}

func TestVoiceCatalog_Fallback(t *testing.T) {
	c := VoiceCatalog{}
	assert.Equal(t, "premium-female", c.Voice(schemas.VoiceQualityPremium, schemas.GenderFemale))
}
