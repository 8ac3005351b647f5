// Package store provides SQLite persistence for task rows and source-video
// metadata. The repository is a best-effort projection of live task state;
// transient failures are retried a bounded number of times and then
// surfaced to the caller, who logs and continues.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/vulgatecnn/vidcompose/internal/log"
	"github.com/vulgatecnn/vidcompose/internal/media"
	"github.com/vulgatecnn/vidcompose/internal/metrics"
	"github.com/vulgatecnn/vidcompose/internal/task"
	"github.com/vulgatecnn/vidcompose/internal/types"
)

const (
	retryAttempts = 3
	retryBackoff  = 100 * time.Millisecond
)

// Store is the SQLite-backed task repository and video metadata lookup.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open initializes the store and runs migrations.
// WAL mode + busy_timeout suit the read-heavy poll workload.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, log: log.WithComponent("store")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS composition_tasks (
		task_id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		video_list TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('pending', 'processing', 'completed', 'failed', 'cancelled')),
		progress INTEGER NOT NULL DEFAULT 0,
		output_file TEXT,
		output_filename TEXT,
		total_duration REAL,
		error_message TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS composition_task_videos (
		task_id TEXT NOT NULL,
		video_id INTEGER NOT NULL,
		order_index INTEGER NOT NULL,
		PRIMARY KEY (task_id, order_index)
	);

	CREATE TABLE IF NOT EXISTS videos (
		id INTEGER PRIMARY KEY,
		path TEXT NOT NULL,
		duration_seconds REAL NOT NULL DEFAULT 0,
		valid INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_composition_tasks_user ON composition_tasks(user_id);
	CREATE INDEX IF NOT EXISTS idx_composition_tasks_status ON composition_tasks(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier covers both *sql.DB and *sql.Conn so the row operations can be
// shared between the pooled store and per-worker sessions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// PersistInitial inserts the initial row plus the ordered selection rows.
func (s *Store) PersistInitial(ctx context.Context, row task.TaskRow) error {
	return withRetry(ctx, "persist_initial", func() error {
		return persistInitial(ctx, s.db, row)
	})
}

// UpdateStatus applies a partial update to the persisted row.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, upd task.RowUpdate) error {
	return withRetry(ctx, "update_status", func() error {
		return updateStatus(ctx, s.db, taskID, upd)
	})
}

// AttachOutput records the output file reference on the row.
func (s *Store) AttachOutput(ctx context.Context, taskID, fileRef string) error {
	return withRetry(ctx, "attach_output", func() error {
		return attachOutput(ctx, s.db, taskID, fileRef)
	})
}

// Load retrieves one persisted row, or nil if absent.
func (s *Store) Load(ctx context.Context, taskID string) (*task.TaskRow, error) {
	var row *task.TaskRow
	err := withRetry(ctx, "load", func() error {
		var e error
		row, e = loadRow(ctx, s.db, taskID)
		return e
	})
	return row, err
}

// Session hands out a repository bound to a single dedicated connection for
// one worker's execution scope. The worker closes it in its finalizer.
func (s *Store) Session(ctx context.Context) (task.SessionRepository, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &session{conn: conn}, nil
}

type session struct {
	conn *sql.Conn
}

func (se *session) PersistInitial(ctx context.Context, row task.TaskRow) error {
	return withRetry(ctx, "persist_initial", func() error {
		return persistInitial(ctx, se.conn, row)
	})
}

func (se *session) UpdateStatus(ctx context.Context, taskID string, upd task.RowUpdate) error {
	return withRetry(ctx, "update_status", func() error {
		return updateStatus(ctx, se.conn, taskID, upd)
	})
}

func (se *session) AttachOutput(ctx context.Context, taskID, fileRef string) error {
	return withRetry(ctx, "attach_output", func() error {
		return attachOutput(ctx, se.conn, taskID, fileRef)
	})
}

func (se *session) Load(ctx context.Context, taskID string) (*task.TaskRow, error) {
	var row *task.TaskRow
	err := withRetry(ctx, "load", func() error {
		var e error
		row, e = loadRow(ctx, se.conn, taskID)
		return e
	})
	return row, err
}

func (se *session) Close() error {
	return se.conn.Close()
}

func persistInitial(ctx context.Context, q querier, row task.TaskRow) error {
	videoList, err := json.Marshal(row.VideoIDs)
	if err != nil {
		return fmt.Errorf("encode video list: %w", err)
	}

	_, err = q.ExecContext(ctx, `
	INSERT INTO composition_tasks
		(task_id, user_id, video_list, status, progress, output_filename, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`, row.TaskID, row.UserID, string(videoList), row.Status.String(), row.Progress,
		row.OutputFilename, row.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}

	for i, videoID := range row.VideoIDs {
		if _, err := q.ExecContext(ctx, `
		INSERT INTO composition_task_videos (task_id, video_id, order_index)
		VALUES (?, ?, ?)
		`, row.TaskID, videoID, i); err != nil {
			return err
		}
	}
	return nil
}

func updateStatus(ctx context.Context, q querier, taskID string, upd task.RowUpdate) error {
	set := make([]string, 0, 8)
	args := make([]any, 0, 8)

	if upd.Status != nil {
		set = append(set, "status = ?")
		args = append(args, upd.Status.String())
	}
	if upd.Progress != nil {
		set = append(set, "progress = ?")
		args = append(args, *upd.Progress)
	}
	if upd.OutputFile != nil {
		set = append(set, "output_file = ?")
		args = append(args, *upd.OutputFile)
	}
	if upd.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	if upd.TotalDuration != nil {
		set = append(set, "total_duration = ?")
		args = append(args, *upd.TotalDuration)
	}
	if upd.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, upd.StartedAt.UTC().Format(time.RFC3339))
	}
	if upd.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, upd.CompletedAt.UTC().Format(time.RFC3339))
	}
	if len(set) == 0 {
		return nil
	}

	args = append(args, taskID)
	query := "UPDATE composition_tasks SET " + strings.Join(set, ", ") + " WHERE task_id = ?"
	_, err := q.ExecContext(ctx, query, args...)
	return err
}

func attachOutput(ctx context.Context, q querier, taskID, fileRef string) error {
	_, err := q.ExecContext(ctx, `
	UPDATE composition_tasks SET output_file = ? WHERE task_id = ?
	`, fileRef, taskID)
	return err
}

func loadRow(ctx context.Context, q querier, taskID string) (*task.TaskRow, error) {
	var (
		row           task.TaskRow
		videoList     string
		statusStr     string
		outputFile    sql.NullString
		outputName    sql.NullString
		totalDuration sql.NullFloat64
		errorMessage  sql.NullString
		createdAt     string
		startedAt     sql.NullString
		completedAt   sql.NullString
	)

	err := q.QueryRowContext(ctx, `
	SELECT task_id, user_id, video_list, status, progress, output_file,
	       output_filename, total_duration, error_message,
	       created_at, started_at, completed_at
	FROM composition_tasks
	WHERE task_id = ?
	`, taskID).Scan(
		&row.TaskID, &row.UserID, &videoList, &statusStr, &row.Progress,
		&outputFile, &outputName, &totalDuration, &errorMessage,
		&createdAt, &startedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(videoList), &row.VideoIDs); err != nil {
		return nil, fmt.Errorf("decode video list: %w", err)
	}
	status, err := types.ParseTaskStatus(statusStr)
	if err != nil {
		return nil, err
	}
	row.Status = status
	row.OutputFile = outputFile.String
	row.OutputFilename = outputName.String
	row.TotalDuration = totalDuration.Float64
	row.ErrorMessage = errorMessage.String
	row.CreatedAt = parseTime(createdAt)
	row.StartedAt = parseNullTime(startedAt)
	row.CompletedAt = parseNullTime(completedAt)
	return &row, nil
}

// Lookup implements media.VideoRepository.
func (s *Store) Lookup(ctx context.Context, id int64) (*media.Video, error) {
	var (
		v     media.Video
		valid int
	)
	err := s.db.QueryRowContext(ctx, `
	SELECT id, path, duration_seconds, valid FROM videos WHERE id = ?
	`, id).Scan(&v.ID, &v.Path, &v.DurationSeconds, &valid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", media.ErrVideoNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	v.Valid = valid != 0
	return &v, nil
}

// UpsertVideo inserts or updates a source-video metadata row.
func (s *Store) UpsertVideo(ctx context.Context, v media.Video) error {
	valid := 0
	if v.Valid {
		valid = 1
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO videos (id, path, duration_seconds, valid)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		path = excluded.path,
		duration_seconds = excluded.duration_seconds,
		valid = excluded.valid
	`, v.ID, v.Path, v.DurationSeconds, valid)
	return err
}

// withRetry runs fn up to retryAttempts times with linear backoff.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == retryAttempts {
			break
		}
		metrics.RepositoryRetry(op)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, retryAttempts, err)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
