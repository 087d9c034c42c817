package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/chicogong/media-dubbing/pkg/schemas"
)

var base = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newJob(id, movie, lang string, status schemas.JobState, offset int) *Job {
	created := base.Add(time.Duration(offset) * time.Second)
	return &Job{
		JobID:          id,
		MovieID:        movie,
		TargetLanguage: lang,
		LanguageName:   "Spanish",
		Created:        created,
		Updated:        created,
		Status:         status,
		Request: &schemas.DubRequest{
			MovieID:        movie,
			MovieTitle:     "The Movie",
			TargetLanguage: lang,
			SpeakerMode:    schemas.SpeakerModeMulti,
			VoiceGender:    schemas.GenderFemale,
			Speakers:       []schemas.Speaker{{ID: "A", Name: "Ann", Gender: schemas.GenderFemale}},
			VoiceQuality:   schemas.VoiceQualityStandard,
		},
	}
}

// testStore runs a suite of tests against any Store implementation
func testStore(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("CreateJob", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		ctx := context.Background()
		job := newJob("job-1", "m1", "es", schemas.JobStatePending, 0)
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob() failed: %v", err)
		}

		retrieved, err := s.GetJob(ctx, job.JobID)
		if err != nil {
			t.Fatalf("GetJob() failed: %v", err)
		}
		if retrieved.JobID != job.JobID || retrieved.MovieID != "m1" || retrieved.TargetLanguage != "es" {
			t.Errorf("unexpected job %+v", retrieved)
		}
		if retrieved.Status != schemas.JobStatePending {
			t.Errorf("Expected status pending, got %s", retrieved.Status)
		}
		if !retrieved.Created.Equal(job.Created) {
			t.Errorf("Expected created %v, got %v", job.Created, retrieved.Created)
		}
		if retrieved.Request == nil || len(retrieved.Request.Speakers) != 1 || retrieved.Request.Speakers[0].ID != "A" {
			t.Errorf("request not persisted: %+v", retrieved.Request)
		}
	})

	t.Run("CreateDuplicateJob", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		ctx := context.Background()
		job := newJob("dup", "m1", "es", schemas.JobStateCompleted, 0)
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("First CreateJob() failed: %v", err)
		}
		if err := s.CreateJob(ctx, job); !errors.Is(err, ErrJobExists) {
			t.Errorf("Expected ErrJobExists, got %v", err)
		}
	})

	t.Run("OneActiveJobPerMovieAndLanguage", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		ctx := context.Background()
		if err := s.CreateJob(ctx, newJob("a", "m1", "es", schemas.JobStatePending, 0)); err != nil {
			t.Fatalf("CreateJob() failed: %v", err)
		}
		if err := s.CreateJob(ctx, newJob("b", "m1", "es", schemas.JobStatePending, 1)); !errors.Is(err, ErrActiveJobExists) {
			t.Errorf("Expected ErrActiveJobExists, got %v", err)
		}
		// other language and other movie are independent
		if err := s.CreateJob(ctx, newJob("c", "m1", "fr", schemas.JobStatePending, 2)); err != nil {
			t.Errorf("CreateJob(other language) failed: %v", err)
		}
		if err := s.CreateJob(ctx, newJob("d", "m2", "es", schemas.JobStatePending, 3)); err != nil {
			t.Errorf("CreateJob(other movie) failed: %v", err)
		}

		active, err := s.FindActive(ctx, "m1", "es")
		if err != nil {
			t.Fatalf("FindActive() failed: %v", err)
		}
		if active.JobID != "a" {
			t.Errorf("Expected active job a, got %s", active.JobID)
		}

		// once terminal, the pair is free again
		if _, err := s.Transition(ctx, "a", StateChange{To: schemas.JobStateFailed, Error: &schemas.ErrorInfo{Message: "boom"}}); err != nil {
			t.Fatalf("Transition() failed: %v", err)
		}
		if _, err := s.FindActive(ctx, "m1", "es"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Expected ErrJobNotFound, got %v", err)
		}
		if err := s.CreateJob(ctx, newJob("e", "m1", "es", schemas.JobStatePending, 4)); err != nil {
			t.Errorf("CreateJob() after terminal failed: %v", err)
		}
	})

	t.Run("GetNonExistentJob", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		if _, err := s.GetJob(context.Background(), "nonexistent"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Expected ErrJobNotFound, got %v", err)
		}
		if _, err := s.GetJob(context.Background(), ""); !errors.Is(err, ErrInvalidJobID) {
			t.Errorf("Expected ErrInvalidJobID, got %v", err)
		}
	})

	t.Run("Lifecycle", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		ctx := context.Background()
		if err := s.CreateJob(ctx, newJob("life", "m1", "es", schemas.JobStatePending, 0)); err != nil {
			t.Fatalf("CreateJob() failed: %v", err)
		}

		job, err := s.Transition(ctx, "life", StateChange{To: schemas.JobStateProcessing, Message: "Transcribing"})
		if err != nil {
			t.Fatalf("Transition(processing) failed: %v", err)
		}
		if job.StartedAt == nil {
			t.Error("Expected started_at to be set")
		}
		if job.Progress.Message != "Transcribing" {
			t.Errorf("Expected message Transcribing, got %q", job.Progress.Message)
		}

		if err := s.UpdateProgress(ctx, "life", schemas.Progress{Percent: 45, Message: "Synthesizing"}); err != nil {
			t.Fatalf("UpdateProgress() failed: %v", err)
		}
		if err := s.UpdateProgress(ctx, "life", schemas.Progress{Percent: 45, Message: "Synthesizing 1/4"}); err != nil {
			t.Fatalf("UpdateProgress(same percent) failed: %v", err)
		}
		if err := s.UpdateProgress(ctx, "life", schemas.Progress{Percent: 20}); !errors.Is(err, ErrProgressRegression) {
			t.Errorf("Expected ErrProgressRegression, got %v", err)
		}

		job, err = s.Transition(ctx, "life", StateChange{To: schemas.JobStateCompleted, Message: "Done", ResultTrackID: "track-1"})
		if err != nil {
			t.Fatalf("Transition(completed) failed: %v", err)
		}
		if job.Progress.Percent != 100 {
			t.Errorf("Expected progress 100, got %d", job.Progress.Percent)
		}
		if job.ResultTrackID != "track-1" || job.CompletedAt == nil {
			t.Errorf("completion not recorded: %+v", job)
		}

		if err := s.UpdateProgress(ctx, "life", schemas.Progress{Percent: 100}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Expected ErrInvalidTransition on terminal job, got %v", err)
		}
	})

	t.Run("InvalidTransitions", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		ctx := context.Background()
		if err := s.CreateJob(ctx, newJob("fsm", "m1", "es", schemas.JobStatePending, 0)); err != nil {
			t.Fatalf("CreateJob() failed: %v", err)
		}

		if _, err := s.Transition(ctx, "fsm", StateChange{To: schemas.JobStateCompleted}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("pending -> completed: expected ErrInvalidTransition, got %v", err)
		}
		if _, err := s.Transition(ctx, "fsm", StateChange{To: schemas.JobStateFailed}); err == nil {
			t.Error("failed transition without error message should be rejected")
		}

		job, err := s.Transition(ctx, "fsm", StateChange{
			To:    schemas.JobStateFailed,
			Error: &schemas.ErrorInfo{Code: "PROVIDER_ERROR", Message: "translation rejected"},
		})
		if err != nil {
			t.Fatalf("Transition(failed) failed: %v", err)
		}
		if job.Error == nil || job.Error.Message != "translation rejected" || job.Error.Code != "PROVIDER_ERROR" {
			t.Errorf("error not recorded: %+v", job.Error)
		}
		if job.ToJobStatus().Error != "translation rejected" {
			t.Errorf("status error = %q", job.ToJobStatus().Error)
		}

		for _, to := range []schemas.JobState{schemas.JobStatePending, schemas.JobStateProcessing, schemas.JobStateCompleted} {
			if _, err := s.Transition(ctx, "fsm", StateChange{To: to}); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("failed -> %s: expected ErrInvalidTransition, got %v", to, err)
			}
		}
		if _, err := s.Transition(ctx, "missing", StateChange{To: schemas.JobStateProcessing}); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("DeleteJob", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		ctx := context.Background()
		if err := s.CreateJob(ctx, newJob("del", "m1", "es", schemas.JobStatePending, 0)); err != nil {
			t.Fatalf("CreateJob() failed: %v", err)
		}
		if err := s.DeleteJob(ctx, "del"); err != nil {
			t.Fatalf("DeleteJob() failed: %v", err)
		}
		if _, err := s.GetJob(ctx, "del"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Expected ErrJobNotFound after delete, got %v", err)
		}
		if err := s.DeleteJob(ctx, "del"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Expected ErrJobNotFound on second delete, got %v", err)
		}
	})

	t.Run("ListJobs", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		ctx := context.Background()
		jobs := []*Job{
			newJob("list-1", "m1", "es", schemas.JobStatePending, 0),
			newJob("list-2", "m2", "es", schemas.JobStateProcessing, 1),
			newJob("list-3", "m1", "fr", schemas.JobStateCompleted, 2),
			newJob("list-4", "m1", "de", schemas.JobStateFailed, 3),
			newJob("list-5", "m3", "es", schemas.JobStatePending, 4),
		}
		for _, job := range jobs {
			if err := s.CreateJob(ctx, job); err != nil {
				t.Fatalf("CreateJob() failed: %v", err)
			}
		}

		listed, err := s.ListJobs(ctx, nil)
		if err != nil {
			t.Fatalf("ListJobs() failed: %v", err)
		}
		if got := ids(listed); fmt.Sprint(got) != "[list-5 list-4 list-3 list-2 list-1]" {
			t.Errorf("default order: got %v", got)
		}

		listed, err = s.ListJobs(ctx, &ListFilter{Status: []schemas.JobState{schemas.JobStatePending}})
		if err != nil {
			t.Fatalf("ListJobs() failed: %v", err)
		}
		if len(listed) != 2 {
			t.Errorf("Expected 2 pending jobs, got %d", len(listed))
		}
		for _, job := range listed {
			if job.Status != schemas.JobStatePending {
				t.Errorf("Expected pending job, got status %s", job.Status)
			}
		}

		listed, err = s.ListJobs(ctx, &ListFilter{MovieID: "m1", SortBy: "created", SortOrder: "asc"})
		if err != nil {
			t.Fatalf("ListJobs() failed: %v", err)
		}
		if got := ids(listed); fmt.Sprint(got) != "[list-1 list-3 list-4]" {
			t.Errorf("movie filter: got %v", got)
		}

		listed, err = s.ListJobs(ctx, &ListFilter{TargetLanguage: "es", Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("ListJobs() failed: %v", err)
		}
		if got := ids(listed); fmt.Sprint(got) != "[list-2 list-1]" {
			t.Errorf("paginated: got %v", got)
		}

		listed, err = s.ListJobs(ctx, &ListFilter{Offset: 10})
		if err != nil {
			t.Fatalf("ListJobs() failed: %v", err)
		}
		if len(listed) != 0 {
			t.Errorf("Expected empty page, got %d", len(listed))
		}
	})

	t.Run("Tracks", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		ctx := context.Background()
		track := &schemas.DubbedAudioTrack{
			ID:            "track-1",
			JobID:         "job-1",
			MovieID:       "m1",
			LanguageCode:  "es",
			LanguageName:  "Spanish",
			Status:        schemas.JobStateCompleted,
			AudioAssetRef: "file:///tracks/job-1.audio",
			CreatedAt:     base,
		}
		if err := s.CreateTrack(ctx, track); err != nil {
			t.Fatalf("CreateTrack() failed: %v", err)
		}

		got, err := s.GetTrack(ctx, "track-1")
		if err != nil {
			t.Fatalf("GetTrack() failed: %v", err)
		}
		if *got != *track {
			t.Errorf("Expected %+v, got %+v", track, got)
		}
		if _, err := s.GetTrack(ctx, "missing"); !errors.Is(err, ErrTrackNotFound) {
			t.Errorf("Expected ErrTrackNotFound, got %v", err)
		}

		if err := s.DeleteTrack(ctx, "track-1"); err != nil {
			t.Fatalf("DeleteTrack() failed: %v", err)
		}
		if _, err := s.GetTrack(ctx, "track-1"); !errors.Is(err, ErrTrackNotFound) {
			t.Errorf("Expected ErrTrackNotFound after delete, got %v", err)
		}
		if err := s.DeleteTrack(ctx, "track-1"); !errors.Is(err, ErrTrackNotFound) {
			t.Errorf("Expected ErrTrackNotFound on second delete, got %v", err)
		}
	})

	t.Run("Heartbeat", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		ctx := context.Background()
		job := newJob("beat", "m1", "es", schemas.JobStateProcessing, 0)
		job.Owner = "node-a"
		job.Updated = time.Now().Add(-time.Hour)
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob() failed: %v", err)
		}

		before := time.Now().Add(-time.Minute)
		if err := s.Heartbeat(ctx, "beat"); err != nil {
			t.Fatalf("Heartbeat() failed: %v", err)
		}
		got, err := s.GetJob(ctx, "beat")
		if err != nil {
			t.Fatalf("GetJob() failed: %v", err)
		}
		if got.Owner != "node-a" {
			t.Errorf("Expected owner node-a, got %q", got.Owner)
		}
		if got.Updated.Before(before) {
			t.Errorf("Expected updated time to be refreshed, got %v", got.Updated)
		}

		if _, err := s.Transition(ctx, "beat", StateChange{To: schemas.JobStateFailed, Error: &schemas.ErrorInfo{Message: "boom"}}); err != nil {
			t.Fatalf("Transition() failed: %v", err)
		}
		if err := s.Heartbeat(ctx, "beat"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Expected ErrInvalidTransition on terminal job, got %v", err)
		}
		if err := s.Heartbeat(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentAdmission", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		ctx := context.Background()
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.CreateJob(ctx, newJob(fmt.Sprintf("race-%d", i), "m1", "es", schemas.JobStatePending, i))
				if err == nil {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		if admitted != 1 {
			t.Errorf("Expected exactly one admitted job, got %d", admitted)
		}
	})
}

func ids(jobs []*Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.JobID
	}
	return out
}

// TestMemoryStore runs all tests against the memory store
func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

// TestSQLiteStore runs all tests against a file-backed SQLite store
func TestSQLiteStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		s, err := OpenSQL(context.Background(), SQLConfig{
			Driver: DriverSQLite,
			DSN:    filepath.Join(t.TempDir(), "dubber.db"),
		})
		if err != nil {
			t.Fatalf("OpenSQL() failed: %v", err)
		}
		return s
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateJob(ctx, newJob("copy", "m1", "es", schemas.JobStatePending, 0)); err != nil {
		t.Fatalf("CreateJob() failed: %v", err)
	}

	job, _ := s.GetJob(ctx, "copy")
	job.Status = schemas.JobStateCompleted
	job.Request.Speakers[0].ID = "mutated"

	again, _ := s.GetJob(ctx, "copy")
	if again.Status != schemas.JobStatePending || again.Request.Speakers[0].ID != "A" {
		t.Errorf("store leaked internal state: %+v", again)
	}
}

// rawInsert bypasses the admission checks of CreateJob, the way a second
// process racing on the same database would.
func rawInsert(t *testing.T, s *SQLStore, id, movie, lang string) error {
	t.Helper()
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(context.Background(), `INSERT INTO dub_jobs
		(id, movie_id, target_language, request_json, status, created_at, updated_at)
		VALUES (?, ?, ?, 'null', 'pending', ?, ?)`, id, movie, lang, now, now)
	return err
}

func TestSQLiteStore_MapsConstraintViolations(t *testing.T) {
	s, err := OpenSQL(context.Background(), SQLConfig{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "dubber.db"),
	})
	if err != nil {
		t.Fatalf("OpenSQL() failed: %v", err)
	}
	defer s.Close()

	if err := rawInsert(t, s, "first", "m1", "es"); err != nil {
		t.Fatalf("rawInsert() failed: %v", err)
	}

	err = rawInsert(t, s, "second", "m1", "es")
	if err == nil {
		t.Fatal("Expected the active-job index to reject a second pending job")
	}
	if got := constraintError(err); !errors.Is(got, ErrActiveJobExists) {
		t.Errorf("Expected ErrActiveJobExists, got %v (from %v)", got, err)
	}

	err = rawInsert(t, s, "first", "m2", "es")
	if err == nil {
		t.Fatal("Expected the primary key to reject a duplicate id")
	}
	if got := constraintError(err); !errors.Is(got, ErrJobExists) {
		t.Errorf("Expected ErrJobExists, got %v (from %v)", got, err)
	}

	if got := constraintError(errors.New("disk I/O error")); got != nil {
		t.Errorf("Expected no mapping for unrelated errors, got %v", got)
	}
}

func TestConstraintError_Postgres(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "active index", err: &pq.Error{Code: "23505", Constraint: "idx_dub_jobs_active"}, want: ErrActiveJobExists},
		{name: "primary key", err: &pq.Error{Code: "23505", Constraint: "dub_jobs_pkey"}, want: ErrJobExists},
		{name: "wrapped", err: fmt.Errorf("exec: %w", &pq.Error{Code: "23505", Constraint: "idx_dub_jobs_active"}), want: ErrActiveJobExists},
		{name: "other violation", err: &pq.Error{Code: "23502"}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := constraintError(tt.err); got != tt.want {
				t.Errorf("constraintError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b IN (?, ?)"); got != "a = $1 AND b IN ($2, $3)" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &SQLStore{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestOpenSQL_RejectsUnknownDriver(t *testing.T) {
	if _, err := OpenSQL(context.Background(), SQLConfig{Driver: "mysql", DSN: "x"}); err == nil {
		t.Error("Expected error for unsupported driver")
	}
}
