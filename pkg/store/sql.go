package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/chicogong/media-dubbing/pkg/schemas"
)

//go:embed schema.sql
var schemaSQL string

// Drivers accepted by OpenSQL.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timestamps are fixed width so that text ordering matches time ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLConfig configures a SQL-backed store
type SQLConfig struct {
	Driver string // sqlite or postgres
	DSN    string

	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore implements Store on database/sql. SQLite (modernc.org/sqlite)
// and PostgreSQL (lib/pq) share one schema; queries are written with ?
// placeholders and rebound for postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens the database and applies the schema.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("store DSN is required")
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}

	if driver == DriverSQLite {
		// single writer; WAL lets pollers read while a job writes
		db.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout = 5000",
		}
		for _, pragma := range pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
			}
		}
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	// lib/pq and modernc both accept multiple statements per Exec
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, q sqlExecer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const jobColumns = `id, movie_id, target_language, language_name, owner, request_json, status,
	progress_percent, progress_message, error_code, error_message, error_retryable,
	result_track_id, created_at, updated_at, started_at, completed_at`

// CreateJob inserts a new job
func (s *SQLStore) CreateJob(ctx context.Context, job *Job) error {
	if job.JobID == "" {
		return ErrInvalidJobID
	}
	requestJSON, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(1) FROM dub_jobs WHERE id = ?`), job.JobID).Scan(&n); err != nil {
		return fmt.Errorf("check job id: %w", err)
	}
	if n > 0 {
		return ErrJobExists
	}
	if job.Status.IsActive() {
		err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT COUNT(1) FROM dub_jobs WHERE movie_id = ? AND target_language = ? AND status IN (?, ?)`),
			job.MovieID, job.TargetLanguage, schemas.JobStatePending, schemas.JobStateProcessing,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("check active job: %w", err)
		}
		if n > 0 {
			return ErrActiveJobExists
		}
	}

	created := job.Created
	if created.IsZero() {
		created = time.Now()
	}
	updated := job.Updated
	if updated.IsZero() {
		updated = created
	}

	var code, msg sql.NullString
	retryable := false
	if job.Error != nil {
		code = nullableString(job.Error.Code)
		msg = nullableString(job.Error.Message)
		retryable = job.Error.Retryable
	}

	_, err = s.exec(ctx, tx, `INSERT INTO dub_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID,
		job.MovieID,
		job.TargetLanguage,
		job.LanguageName,
		job.Owner,
		string(requestJSON),
		job.Status,
		job.Progress.Percent,
		job.Progress.Message,
		code,
		msg,
		retryable,
		nullableString(job.ResultTrackID),
		formatTime(created),
		formatTime(updated),
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
	)
	if err != nil {
		if conflict := constraintError(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if conflict := constraintError(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("commit job: %w", err)
	}
	return nil
}

// constraintError maps a unique violation raised by a concurrent insert
// from another process to the matching store error. The primary key maps
// to ErrJobExists and the active-job index to ErrActiveJobExists.
func constraintError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == "dub_jobs_pkey" {
			return ErrJobExists
		}
		return ErrActiveJobExists
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return ErrJobExists
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return ErrActiveJobExists
		}
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *SQLStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, ErrInvalidJobID
	}
	return s.getJob(ctx, s.db, jobID)
}

func (s *SQLStore) getJob(ctx context.Context, q sqlExecer, jobID string) (*Job, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM dub_jobs WHERE id = ?`), jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FindActive returns the active job for a movie and language
func (s *SQLStore) FindActive(ctx context.Context, movieID, targetLanguage string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM dub_jobs
		WHERE movie_id = ? AND target_language = ? AND status IN (?, ?)
		ORDER BY created_at LIMIT 1`),
		movieID, targetLanguage, schemas.JobStatePending, schemas.JobStateProcessing)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return job, nil
}

// UpdateProgress records progress for an active job
func (s *SQLStore) UpdateProgress(ctx context.Context, jobID string, progress schemas.Progress) error {
	if jobID == "" {
		return ErrInvalidJobID
	}

	res, err := s.exec(ctx, s.db, `UPDATE dub_jobs
		SET progress_percent = ?, progress_message = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND progress_percent <= ?`,
		progress.Percent, progress.Message, formatTime(time.Now()),
		jobID, schemas.JobStatePending, schemas.JobStateProcessing, progress.Percent,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	job, err := s.getJob(ctx, s.db, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	return ErrProgressRegression
}

// Heartbeat refreshes the updated time of an active job
func (s *SQLStore) Heartbeat(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrInvalidJobID
	}

	res, err := s.exec(ctx, s.db, `UPDATE dub_jobs SET updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		formatTime(time.Now()), jobID, schemas.JobStatePending, schemas.JobStateProcessing)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.getJob(ctx, s.db, jobID); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// Transition moves a job to a new status
func (s *SQLStore) Transition(ctx context.Context, jobID string, change StateChange) (*Job, error) {
	if jobID == "" {
		return nil, ErrInvalidJobID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := s.getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	progress, err := validateChange(job, change)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	query := `UPDATE dub_jobs SET status = ?, progress_percent = ?, progress_message = ?, updated_at = ?`
	args := []any{change.To, progress.Percent, progress.Message, formatTime(now)}
	switch change.To {
	case schemas.JobStateProcessing:
		query += `, started_at = ?`
		args = append(args, formatTime(now))
	case schemas.JobStateCompleted:
		query += `, completed_at = ?, result_track_id = ?`
		args = append(args, formatTime(now), nullableString(change.ResultTrackID))
	case schemas.JobStateFailed:
		query += `, completed_at = ?, error_code = ?, error_message = ?, error_retryable = ?`
		args = append(args, formatTime(now), nullableString(change.Error.Code), change.Error.Message, change.Error.Retryable)
	}
	// guard on the observed status so a concurrent writer cannot be overwritten
	query += ` WHERE id = ? AND status = ?`
	args = append(args, jobID, job.Status)

	res, err := s.exec(ctx, tx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrInvalidTransition
	}

	updated, err := s.getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return updated, nil
}

// ListJobs lists jobs with optional filtering
func (s *SQLStore) ListJobs(ctx context.Context, filter *ListFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM dub_jobs`
	var (
		where []string
		args  []any
	)
	order := ` ORDER BY created_at DESC`
	limit := ""

	if filter != nil {
		if len(filter.Status) > 0 {
			placeholders := make([]string, len(filter.Status))
			for i, st := range filter.Status {
				placeholders[i] = "?"
				args = append(args, st)
			}
			where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
		}
		if filter.MovieID != "" {
			where = append(where, "movie_id = ?")
			args = append(args, filter.MovieID)
		}
		if filter.TargetLanguage != "" {
			where = append(where, "target_language = ?")
			args = append(args, filter.TargetLanguage)
		}
		if filter.CreatedAfter != nil {
			where = append(where, "created_at >= ?")
			args = append(args, formatTime(*filter.CreatedAfter))
		}
		if filter.CreatedBefore != nil {
			where = append(where, "created_at <= ?")
			args = append(args, formatTime(*filter.CreatedBefore))
		}

		column := map[string]string{"created": "created_at", "updated": "updated_at", "status": "status"}[filter.SortBy]
		if column != "" {
			dir := "ASC"
			if filter.SortOrder == "desc" {
				dir = "DESC"
			}
			order = " ORDER BY " + column + " " + dir + ", id"
		}

		if filter.Limit > 0 {
			limit = " LIMIT " + strconv.Itoa(filter.Limit)
		}
		if filter.Offset > 0 {
			if limit == "" {
				// sqlite requires a LIMIT before OFFSET
				limit = " LIMIT -1"
				if s.driver == DriverPostgres {
					limit = " LIMIT ALL"
				}
			}
			limit += " OFFSET " + strconv.Itoa(filter.Offset)
		}
	}

	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += order + limit

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJob deletes a job by ID
func (s *SQLStore) DeleteJob(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrInvalidJobID
	}
	res, err := s.exec(ctx, s.db, `DELETE FROM dub_jobs WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// CreateTrack stores a finished track
func (s *SQLStore) CreateTrack(ctx context.Context, track *schemas.DubbedAudioTrack) error {
	if track.ID == "" {
		return ErrInvalidJobID
	}
	created := track.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO dubbed_tracks
		(id, job_id, movie_id, language_code, language_name, status, audio_asset_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		track.ID, track.JobID, track.MovieID, track.LanguageCode, track.LanguageName,
		track.Status, track.AudioAssetRef, formatTime(created),
	)
	if err != nil {
		return fmt.Errorf("insert track: %w", err)
	}
	return nil
}

// GetTrack retrieves a track by ID
func (s *SQLStore) GetTrack(ctx context.Context, trackID string) (*schemas.DubbedAudioTrack, error) {
	var (
		t       schemas.DubbedAudioTrack
		status  string
		created string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, job_id, movie_id, language_code, language_name,
		status, audio_asset_ref, created_at FROM dubbed_tracks WHERE id = ?`), trackID).
		Scan(&t.ID, &t.JobID, &t.MovieID, &t.LanguageCode, &t.LanguageName, &status, &t.AudioAssetRef, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTrackNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get track: %w", err)
	}
	t.Status = schemas.JobState(status)
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTrack deletes a track by ID
func (s *SQLStore) DeleteTrack(ctx context.Context, trackID string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM dubbed_tracks WHERE id = ?`, trackID)
	if err != nil {
		return fmt.Errorf("delete track: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTrackNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		requestJSON string
		status      string
		errCode     sql.NullString
		errMessage  sql.NullString
		retryable   bool
		trackID     sql.NullString
		created     string
		updated     string
		started     sql.NullString
		completed   sql.NullString
	)
	err := row.Scan(
		&job.JobID, &job.MovieID, &job.TargetLanguage, &job.LanguageName, &job.Owner, &requestJSON, &status,
		&job.Progress.Percent, &job.Progress.Message, &errCode, &errMessage, &retryable,
		&trackID, &created, &updated, &started, &completed,
	)
	if err != nil {
		return nil, err
	}

	job.Status = schemas.JobState(status)
	job.ResultTrackID = trackID.String
	if requestJSON != "" && requestJSON != "null" {
		job.Request = &schemas.DubRequest{}
		if err := json.Unmarshal([]byte(requestJSON), job.Request); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
	}
	if errMessage.Valid {
		job.Error = &schemas.ErrorInfo{Code: errCode.String, Message: errMessage.String, Retryable: retryable}
	}
	if job.Created, err = parseTime(created); err != nil {
		return nil, err
	}
	if job.Updated, err = parseTime(updated); err != nil {
		return nil, err
	}
	if job.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
