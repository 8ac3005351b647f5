package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulgatecnn/vidcompose/internal/media"
	"github.com/vulgatecnn/vidcompose/internal/task"
	"github.com/vulgatecnn/vidcompose/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRow(taskID string) task.TaskRow {
	return task.TaskRow{
		TaskID:         taskID,
		UserID:         42,
		VideoIDs:       []int64{3, 1, 2},
		Status:         types.TaskStatusPending,
		OutputFilename: "movie.mp4",
		CreatedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStore_PersistAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PersistInitial(ctx, sampleRow("t1")))

	row, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, row)

	assert.Equal(t, int64(42), row.UserID)
	assert.Equal(t, []int64{3, 1, 2}, row.VideoIDs, "source order must survive the round trip")
	assert.Equal(t, types.TaskStatusPending, row.Status)
	assert.Equal(t, "movie.mp4", row.OutputFilename)
	assert.True(t, row.CreatedAt.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))
	assert.Nil(t, row.StartedAt)
	assert.Nil(t, row.CompletedAt)

	// Unknown IDs load as nil without error.
	missing, err := s.Load(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_PersistDuplicateFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PersistInitial(ctx, sampleRow("t1")))
	assert.Error(t, s.PersistInitial(ctx, sampleRow("t1")), "primary key violation expected")
}

func TestStore_UpdateStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PersistInitial(ctx, sampleRow("t1")))

	started := time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)
	processing := types.TaskStatusProcessing
	require.NoError(t, s.UpdateStatus(ctx, "t1", task.RowUpdate{Status: &processing, StartedAt: &started}))

	completed := types.TaskStatusCompleted
	progress := 100
	out := "movie.mp4"
	dur := 123.5
	done := time.Date(2025, 6, 1, 12, 2, 0, 0, time.UTC)
	require.NoError(t, s.UpdateStatus(ctx, "t1", task.RowUpdate{
		Status:        &completed,
		Progress:      &progress,
		OutputFile:    &out,
		TotalDuration: &dur,
		CompletedAt:   &done,
	}))

	row, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, row.Status)
	assert.Equal(t, 100, row.Progress)
	assert.Equal(t, "movie.mp4", row.OutputFile)
	assert.Equal(t, 123.5, row.TotalDuration)
	require.NotNil(t, row.StartedAt)
	assert.True(t, row.StartedAt.Equal(started))
	require.NotNil(t, row.CompletedAt)
	assert.True(t, row.CompletedAt.Equal(done))

	// An empty update is a no-op, not an error.
	assert.NoError(t, s.UpdateStatus(ctx, "t1", task.RowUpdate{}))
}

func TestStore_InvalidStatusRejected(t *testing.T) {
	s := openTestStore(t)

	row := sampleRow("t1")
	row.Status = types.TaskStatus("bogus")
	assert.Error(t, s.PersistInitial(context.Background(), row), "CHECK constraint should reject unknown status")
}

func TestStore_AttachOutput(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PersistInitial(ctx, sampleRow("t1")))
	require.NoError(t, s.AttachOutput(ctx, "t1", "final.mp4"))

	row, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "final.mp4", row.OutputFile)
}

func TestStore_Session(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.Session(ctx)
	require.NoError(t, err)

	require.NoError(t, sess.PersistInitial(ctx, sampleRow("t1")))

	failed := types.TaskStatusFailed
	msg := "task timeout"
	require.NoError(t, sess.UpdateStatus(ctx, "t1", task.RowUpdate{Status: &failed, ErrorMessage: &msg}))
	require.NoError(t, sess.Close())

	// The write is visible through the pooled store afterwards.
	row, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, row.Status)
	assert.Equal(t, "task timeout", row.ErrorMessage)
}

func TestStore_VideoLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertVideo(ctx, media.Video{ID: 7, Path: "/data/v7.mp4", DurationSeconds: 33.5, Valid: true}))

	v, err := s.Lookup(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "/data/v7.mp4", v.Path)
	assert.Equal(t, 33.5, v.DurationSeconds)
	assert.True(t, v.Valid)

	// Upsert overwrites.
	require.NoError(t, s.UpsertVideo(ctx, media.Video{ID: 7, Path: "/data/v7.mp4", DurationSeconds: 33.5, Valid: false}))
	v, err = s.Lookup(ctx, 7)
	require.NoError(t, err)
	assert.False(t, v.Valid)

	_, err = s.Lookup(ctx, 999)
	assert.ErrorIs(t, err, media.ErrVideoNotFound)
}

func TestWithRetry(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "op", func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = withRetry(context.Background(), "op", func() error {
		calls++
		return errors.New("permanent")
	})
	assert.Error(t, err)
	assert.Equal(t, retryAttempts, calls)

	// A cancelled context stops the retry loop between attempts.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = withRetry(ctx, "op", func() error { return errors.New("transient") })
	assert.ErrorIs(t, err, context.Canceled)
}
