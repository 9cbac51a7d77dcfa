package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/maauso/imagereel/internal/media"
)

// Compile-time check that SQLiteRepository implements Repository.
var _ Repository = (*SQLiteRepository)(nil)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// Fixed width so that text ordering matches time ordering.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id                 TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	image_count        INTEGER NOT NULL DEFAULT 0,
	duration_per_image REAL NOT NULL DEFAULT 0,
	fps                INTEGER NOT NULL DEFAULT 0,
	width              INTEGER NOT NULL DEFAULT 0,
	height             INTEGER NOT NULL DEFAULT 0,
	profile            TEXT,
	music_track        TEXT,
	push_to_s3         INTEGER NOT NULL DEFAULT 0,
	work_dir           TEXT,
	output_path        TEXT,
	video_url          TEXT,
	error_message      TEXT,
	error_kind         TEXT,
	segments_json      TEXT,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	started_at         TEXT,
	completed_at       TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

const jobColumns = "id, status, image_count, duration_per_image, fps, width, height, profile, music_track, push_to_s3, work_dir, output_path, video_url, error_message, error_kind, segments_json, created_at, updated_at, started_at, completed_at"

// SQLiteRepository persists job history in a SQLite database so that
// GET /jobs/{id} and the jobs command survive restarts.
type SQLiteRepository struct {
	db   *sql.DB
	path string
}

// OpenSQLiteRepository opens or creates the database at path.
func OpenSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteRepository{db: db, path: path}, nil
}

// Path returns the database file path.
func (r *SQLiteRepository) Path() string {
	return r.path
}

// Close closes the underlying database connection.
func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Save inserts or updates the job row.
func (r *SQLiteRepository) Save(ctx context.Context, job *Job) error {
	snap := job.Clone()

	segments, err := json.Marshal(snap.Segments)
	if err != nil {
		return fmt.Errorf("encode segments: %w", err)
	}

	query := `INSERT INTO jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	image_count = excluded.image_count,
	duration_per_image = excluded.duration_per_image,
	fps = excluded.fps,
	width = excluded.width,
	height = excluded.height,
	profile = excluded.profile,
	music_track = excluded.music_track,
	push_to_s3 = excluded.push_to_s3,
	work_dir = excluded.work_dir,
	output_path = excluded.output_path,
	video_url = excluded.video_url,
	error_message = excluded.error_message,
	error_kind = excluded.error_kind,
	segments_json = excluded.segments_json,
	updated_at = excluded.updated_at,
	started_at = excluded.started_at,
	completed_at = excluded.completed_at`

	return r.execWithRetry(ctx, query,
		snap.ID,
		string(snap.Status),
		snap.ImageCount,
		snap.DurationPerImage,
		snap.FPS,
		snap.Width,
		snap.Height,
		nullableString(string(snap.Profile)),
		nullableString(snap.MusicTrack),
		boolToInt(snap.PushToS3),
		nullableString(snap.WorkDir),
		nullableString(snap.OutputPath),
		nullableString(snap.VideoURL),
		nullableString(snap.Error),
		nullableString(string(snap.ErrorKind)),
		string(segments),
		formatTime(snap.CreatedAt),
		formatTime(snap.UpdatedAt),
		nullableTime(snap.StartedAt),
		nullableTime(snap.CompletedAt),
	)
}

// FindByID retrieves a job by its ID.
func (r *SQLiteRepository) FindByID(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

// List returns all jobs, newest first.
func (r *SQLiteRepository) List(ctx context.Context) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+jobColumns+" FROM jobs ORDER BY created_at DESC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes a job row.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, err := r.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *SQLiteRepository) execWithRetry(ctx context.Context, query string, args ...any) error {
	if err := retryOnBusy(ctx, func() error {
		_, err := r.db.ExecContext(ctx, query, args...)
		return err
	}); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id           string
		status       string
		imageCount   int
		durationPer  float64
		fps          int
		width        int
		height       int
		profile      sql.NullString
		musicTrack   sql.NullString
		pushToS3     int
		workDir      sql.NullString
		outputPath   sql.NullString
		videoURL     sql.NullString
		errorMessage sql.NullString
		errorKind    sql.NullString
		segmentsJSON sql.NullString
		createdRaw   string
		updatedRaw   string
		startedRaw   sql.NullString
		completedRaw sql.NullString
	)

	if err := scanner.Scan(
		&id, &status, &imageCount, &durationPer, &fps, &width, &height,
		&profile, &musicTrack, &pushToS3, &workDir, &outputPath, &videoURL,
		&errorMessage, &errorKind, &segmentsJSON,
		&createdRaw, &updatedRaw, &startedRaw, &completedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:               id,
		Status:           Status(status),
		Segments:         make([]media.Segment, 0),
		ImageCount:       imageCount,
		DurationPerImage: durationPer,
		FPS:              fps,
		Width:            width,
		Height:           height,
		Profile:          media.Profile(profile.String),
		MusicTrack:       musicTrack.String,
		PushToS3:         pushToS3 != 0,
		WorkDir:          workDir.String,
		OutputPath:       outputPath.String,
		VideoURL:         videoURL.String,
		Error:            errorMessage.String,
		ErrorKind:        ErrorKind(errorKind.String),
	}

	if segmentsJSON.Valid && segmentsJSON.String != "" {
		if err := json.Unmarshal([]byte(segmentsJSON.String), &job.Segments); err != nil {
			return nil, fmt.Errorf("decode segments: %w", err)
		}
	}

	job.CreatedAt = parseTime(createdRaw)
	job.UpdatedAt = parseTime(updatedRaw)
	job.StartedAt = parseTime(startedRaw.String)
	job.CompletedAt = parseTime(completedRaw.String)
	return job, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return formatTime(value)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
