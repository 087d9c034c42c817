package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/chicogong/media-dubbing/pkg/providers"
	"github.com/chicogong/media-dubbing/pkg/schemas"
	"github.com/chicogong/media-dubbing/pkg/speakers"
	"github.com/chicogong/media-dubbing/pkg/store"
	"github.com/chicogong/media-dubbing/pkg/tracing"
)

// Progress bands of the pipeline stages.
const (
	transcriptionEnd = 20
	translationEnd   = 40
	resolutionEnd    = 45
	synthesisEnd     = 95
)

// jobRun is the state of one pipeline execution. It is owned by the job's
// goroutine.
type jobRun struct {
	e      *Engine
	job    *store.Job
	req    *schemas.DubRequest
	logger *slog.Logger

	percent int
	message string
}

func (e *Engine) run(ctx context.Context, job *store.Job) {
	ctx, span := e.tracer.StartSpan(ctx, "dub.job",
		attribute.String("job.id", job.JobID),
		attribute.String("movie.id", job.MovieID),
		attribute.String("language", job.TargetLanguage),
	)
	defer span.End()

	jr := &jobRun{
		e:       e,
		job:     job,
		req:     job.Request,
		logger:  e.logger.With("job_id", job.JobID, "movie_id", job.MovieID, "language", job.TargetLanguage),
		percent: job.Progress.Percent,
		message: job.Progress.Message,
	}
	started := time.Now()

	if err := jr.transition(ctx, store.StateChange{To: schemas.JobStateProcessing, Message: "Starting"}); err != nil {
		jr.logger.Error("start job", "error", err)
		jr.fail(ctx, err)
		e.metrics.RecordFinished(string(schemas.JobStateFailed), time.Since(started))
		return
	}

	track, err := jr.execute(ctx)
	if err != nil {
		tracing.SetError(ctx, err)
		jr.fail(ctx, err)
		e.metrics.RecordFinished(string(schemas.JobStateFailed), time.Since(started))
		return
	}

	if err := jr.transition(ctx, store.StateChange{
		To:            schemas.JobStateCompleted,
		Message:       "Dubbed track ready",
		ResultTrackID: track.ID,
	}); err != nil {
		jr.logger.Error("complete job", "error", err)
		jr.fail(ctx, err)
		e.metrics.RecordFinished(string(schemas.JobStateFailed), time.Since(started))
		return
	}
	e.metrics.RecordFinished(string(schemas.JobStateCompleted), time.Since(started))
	jr.logger.Info("dubbing job completed", "track_id", track.ID, "duration", time.Since(started).Round(time.Millisecond))
}

// execute runs every stage and returns the stored track. Nothing is
// persisted for the track unless all stages succeed.
func (jr *jobRun) execute(ctx context.Context) (*schemas.DubbedAudioTrack, error) {
	policy := speakers.PolicyFor(jr.req)
	policy.ParagraphGap = jr.e.cfg.ParagraphGap
	policy.Voices = jr.e.cfg.Voices
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	segments, err := jr.transcribe(ctx)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, errNoSegments
	}

	translated, err := jr.translate(ctx, segments)
	if err != nil {
		return nil, err
	}

	assignment, err := jr.resolveSpeakers(ctx, segments, policy)
	if err != nil {
		return nil, err
	}

	audio, err := jr.synthesize(ctx, translated, assignment)
	if err != nil {
		return nil, err
	}

	return jr.assemble(ctx, audio)
}

func (jr *jobRun) transcribe(ctx context.Context) ([]schemas.TranscriptSegment, error) {
	if len(jr.req.Transcript) > 0 {
		if err := jr.progress(ctx, transcriptionEnd, "Using supplied transcript"); err != nil {
			return nil, err
		}
		return orderSegments(jr.req.Transcript), nil
	}
	if jr.req.SourceAudioURI == "" {
		return nil, errNoSource
	}

	ctx, span := jr.e.tracer.StartSpan(ctx, "dub.transcription")
	defer span.End()

	if err := jr.progress(ctx, 0, "Transcribing audio"); err != nil {
		return nil, err
	}
	if jr.e.tracks == nil {
		return nil, &storageError{errors.New("no storage configured for source audio")}
	}
	audio, err := jr.e.tracks.LoadSource(ctx, jr.req.SourceAudioURI)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &storageError{err}
	}

	resp, err := jr.call(ctx, schemas.ProviderASR, providers.Request{
		JobID:          jr.job.JobID,
		SegmentIndex:   -1,
		Audio:          audio,
		SourceURI:      jr.req.SourceAudioURI,
		SourceLanguage: jr.req.SourceLanguage,
	}, jr.e.cfg.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("transcription: %w", err)
	}
	if resp.DetectedLanguage != "" && jr.req.SourceLanguage == schemas.SourceLanguageAuto {
		jr.logger.Info("source language detected", "source_language", resp.DetectedLanguage)
	}

	segments := orderSegments(resp.Segments)
	if err := jr.progress(ctx, transcriptionEnd, fmt.Sprintf("Transcribed %d segments", len(segments))); err != nil {
		return nil, err
	}
	return segments, nil
}

// orderSegments copies segments in timestamp order and renumbers them so
// that a segment's index is its position in the final track.
func orderSegments(in []schemas.TranscriptSegment) []schemas.TranscriptSegment {
	out := append([]schemas.TranscriptSegment(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].Index < out[j].Index
	})
	for i := range out {
		out[i].Index = i
	}
	return out
}

func (jr *jobRun) translate(ctx context.Context, segments []schemas.TranscriptSegment) ([]string, error) {
	ctx, span := jr.e.tracer.StartSpan(ctx, "dub.translation", attribute.Int("segments", len(segments)))
	defer span.End()

	out := make([]string, len(segments))
	same := jr.req.SourceLanguage == jr.req.TargetLanguage
	for i, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" || same {
			out[i] = text
		} else {
			resp, err := jr.call(ctx, schemas.ProviderTranslation, providers.Request{
				JobID:          jr.job.JobID,
				SegmentIndex:   seg.Index,
				Text:           text,
				SourceLanguage: jr.req.SourceLanguage,
				TargetLanguage: jr.req.TargetLanguage,
			}, jr.e.cfg.CallTimeout)
			if err != nil {
				return nil, fmt.Errorf("translation of segment %d: %w", seg.Index, err)
			}
			out[i] = resp.Text
		}

		pct := transcriptionEnd + (translationEnd-transcriptionEnd)*(i+1)/len(segments)
		if err := jr.progress(ctx, pct, fmt.Sprintf("Translated %d/%d segments", i+1, len(segments))); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (jr *jobRun) resolveSpeakers(ctx context.Context, segments []schemas.TranscriptSegment, policy speakers.Policy) (schemas.SpeakerAssignment, error) {
	ctx, span := jr.e.tracer.StartSpan(ctx, "dub.speakers", attribute.String("mode", string(policy.Mode)))
	defer span.End()

	if policy.Mode == schemas.SpeakerModeSmart {
		if err := jr.detectGenders(ctx, segments); err != nil {
			return schemas.SpeakerAssignment{}, err
		}
	}

	assignment, err := speakers.Resolve(segments, policy)
	if err != nil {
		return schemas.SpeakerAssignment{}, err
	}
	if err := jr.progress(ctx, resolutionEnd, "Assigned voices"); err != nil {
		return schemas.SpeakerAssignment{}, err
	}
	return assignment, nil
}

// detectGenders fills DetectedGender from speech analysis. A failed or
// low-confidence analysis leaves the segment on the default voice.
func (jr *jobRun) detectGenders(ctx context.Context, segments []schemas.TranscriptSegment) error {
	if jr.req.SourceAudioURI == "" {
		jr.logger.Info("no source audio for speech analysis, using default voice")
		return nil
	}

	degraded := 0
	for i := range segments {
		resp, err := jr.call(ctx, schemas.ProviderSpeechAnalysis, providers.Request{
			JobID:        jr.job.JobID,
			SegmentIndex: segments[i].Index,
			SourceURI:    jr.req.SourceAudioURI,
			Start:        segments[i].Start,
			End:          segments[i].End,
		}, jr.e.cfg.CallTimeout)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			degraded++
			jr.logger.Warn("speech analysis failed, using default voice", "segment", segments[i].Index, "error", err)
		case resp.Gender.Valid() && resp.Confidence >= jr.e.cfg.SmartMinConfidence:
			segments[i].DetectedGender = resp.Gender
		default:
			segments[i].DetectedGender = ""
		}

		pct := translationEnd + (resolutionEnd-translationEnd)*(i+1)/len(segments)
		if pct >= resolutionEnd {
			pct = resolutionEnd - 1
		}
		if err := jr.progress(ctx, pct, fmt.Sprintf("Analyzed %d/%d segments", i+1, len(segments))); err != nil {
			return err
		}
	}
	if degraded > 0 {
		tracing.AddEvent(ctx, "speech_analysis_degraded", attribute.Int("segments", degraded))
	}
	return nil
}

func (jr *jobRun) synthesize(ctx context.Context, texts []string, assignment schemas.SpeakerAssignment) ([][]byte, error) {
	provider := schemas.TTSProvider(jr.req.VoiceQuality)
	ctx, span := jr.e.tracer.StartSpan(ctx, "dub.synthesis",
		attribute.String("provider", string(provider)),
		attribute.Int("segments", len(texts)),
	)
	defer span.End()

	// indexed by segment so assembly order never depends on completion order
	audio := make([][]byte, len(texts))
	total := len(texts)
	for i, text := range texts {
		if text != "" {
			voice := assignment.At(i)
			resp, err := jr.call(ctx, provider, providers.Request{
				JobID:          jr.job.JobID,
				SegmentIndex:   i,
				Text:           text,
				TargetLanguage: jr.req.TargetLanguage,
				VoiceID:        voice.VoiceID,
				Gender:         voice.Gender,
			}, jr.e.cfg.SynthesisTimeout)
			if err != nil {
				return nil, fmt.Errorf("synthesis of segment %d: %w", i, err)
			}
			audio[i] = resp.Audio
		}

		pct := resolutionEnd + (synthesisEnd-resolutionEnd)*(i+1)/total
		if err := jr.progress(ctx, pct, fmt.Sprintf("Synthesized %d/%d segments", i+1, total)); err != nil {
			return nil, err
		}
	}
	return audio, nil
}

func (jr *jobRun) assemble(ctx context.Context, audio [][]byte) (*schemas.DubbedAudioTrack, error) {
	ctx, span := jr.e.tracer.StartSpan(ctx, "dub.assembly")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if jr.e.tracks == nil {
		return nil, &storageError{errors.New("no storage configured for tracks")}
	}

	ref, err := jr.e.tracks.SaveTrack(ctx, jr.job.JobID, bytes.Join(audio, nil))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &storageError{fmt.Errorf("assembly: %w", err)}
	}

	track := &schemas.DubbedAudioTrack{
		ID:            jr.e.newID(),
		JobID:         jr.job.JobID,
		MovieID:       jr.job.MovieID,
		LanguageCode:  jr.job.TargetLanguage,
		LanguageName:  jr.job.LanguageName,
		Status:        schemas.JobStateCompleted,
		AudioAssetRef: ref,
		CreatedAt:     time.Now().UTC(),
	}
	if err := jr.e.store.CreateTrack(context.WithoutCancel(ctx), track); err != nil {
		return nil, fmt.Errorf("create track record: %w", err)
	}
	return track, nil
}

// progress persists a progress change and publishes it. Percent never
// moves backwards.
func (jr *jobRun) progress(ctx context.Context, percent int, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if percent < jr.percent {
		percent = jr.percent
	}
	if percent == jr.percent && message == jr.message {
		return nil
	}

	p := schemas.Progress{Percent: percent, Message: message}
	if err := jr.e.store.UpdateProgress(context.WithoutCancel(ctx), jr.job.JobID, p); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	jr.percent, jr.message = percent, message
	jr.e.events.Publish(Event{
		JobID:   jr.job.JobID,
		Type:    EventTypeProgress,
		Status:  schemas.JobStateProcessing,
		Percent: percent,
		Message: message,
	})
	return nil
}

func (jr *jobRun) transition(ctx context.Context, change store.StateChange) error {
	job, err := jr.e.store.Transition(context.WithoutCancel(ctx), jr.job.JobID, change)
	if err != nil {
		return fmt.Errorf("transition to %s: %w", change.To, err)
	}
	jr.percent, jr.message = job.Progress.Percent, job.Progress.Message

	ev := Event{
		JobID:   job.JobID,
		Type:    EventTypeStatus,
		Status:  job.Status,
		Percent: job.Progress.Percent,
		Message: job.Progress.Message,
	}
	if job.Error != nil {
		ev.Error = job.Error.Message
	}
	jr.e.events.Publish(ev)
	return nil
}

func (jr *jobRun) fail(ctx context.Context, cause error) {
	if errors.Is(context.Cause(ctx), errReleased) {
		jr.logger.Info("dubbing job stopped, terminal state already recorded elsewhere")
		return
	}
	info := jobError(ctx, cause)
	err := jr.transition(ctx, store.StateChange{
		To:      schemas.JobStateFailed,
		Message: "Failed",
		Error:   info,
	})
	if err != nil {
		jr.logger.Error("record job failure", "error", err, "cause", cause)
		return
	}
	jr.logger.Warn("dubbing job failed", "code", info.Code, "error", info.Message)
}
