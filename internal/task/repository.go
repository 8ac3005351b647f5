package task

import (
	"context"
	"time"

	"github.com/vulgatecnn/vidcompose/internal/types"
)

// TaskRow is the persisted projection of a task. The repository is a
// best-effort mirror of live state; the in-memory maps stay authoritative.
type TaskRow struct {
	TaskID         string
	UserID         int64
	VideoIDs       []int64
	Status         types.TaskStatus
	Progress       int
	OutputFile     string
	OutputFilename string
	TotalDuration  float64
	ErrorMessage   string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// RowUpdate is a partial update against a persisted row. Nil fields are
// left untouched.
type RowUpdate struct {
	Status        *types.TaskStatus
	Progress      *int
	OutputFile    *string
	ErrorMessage  *string
	TotalDuration *float64
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Repository is the narrow port onto the persistent task store. Every
// operation may fail transiently; implementations retry a bounded number
// of times, after which callers log a warning and continue.
type Repository interface {
	PersistInitial(ctx context.Context, row TaskRow) error
	UpdateStatus(ctx context.Context, taskID string, upd RowUpdate) error
	AttachOutput(ctx context.Context, taskID, fileRef string) error
	Load(ctx context.Context, taskID string) (*TaskRow, error)
}

// SessionRepository is a Repository bound to a single database connection.
// Workers obtain one for their execution scope and close it in their
// finalizer; the underlying driver's connections must not be shared across
// independent execution contexts.
type SessionRepository interface {
	Repository
	Close() error
}

// SessionFactory hands out per-worker repository sessions.
type SessionFactory interface {
	Session(ctx context.Context) (SessionRepository, error)
}
