// Package task implements the asynchronous composition task lifecycle:
// registration, dispatch, progress tracking, cancellation and cleanup.
//
// The Manager is the single facade through which all task state mutations
// flow. It owns the pairing of the progress store (read-optimized client
// projection) and the registry (handles, cancel signals, ownership), and
// keeps the two maps consistent under one internal mutex.
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/vulgatecnn/vidcompose/internal/log"
	"github.com/vulgatecnn/vidcompose/internal/metrics"
	"github.com/vulgatecnn/vidcompose/internal/types"
)

// WorkerFunc is the unit of execution dispatched for one task.
type WorkerFunc func(ctx context.Context, spec TaskSpec)

// Options configures a Manager.
type Options struct {
	// MaxConcurrentWorkers caps simultaneously running workers. 0 = unbounded.
	MaxConcurrentWorkers int

	// WorkerTimeout marks tasks with no progress for this long as failed.
	WorkerTimeout time.Duration

	// SweepInterval is the stale-task sweeper cadence. 0 disables the sweeper.
	SweepInterval time.Duration
}

// CancelResult reports the outcome of a cancel request.
type CancelResult struct {
	Success bool
	Status  types.TaskStatus
	Message string
}

// Manager composes the progress store, registry, dispatcher and repository
// adapter into the facade visible to the API layer.
type Manager struct {
	// mu serializes mutations of the store+registry pair so the two maps
	// behave as one atomic structure. Never held across I/O.
	mu sync.Mutex

	store *progressStore
	reg   *registry
	repo  Repository
	sem   *semaphore.Weighted
	opts  Options
	log   zerolog.Logger

	wg         sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc

	sweeperDone chan struct{}
}

// NewManager wires a Manager and starts its stale-task sweeper.
func NewManager(repo Repository, opts Options, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		store:       newProgressStore(logger),
		reg:         newRegistry(),
		repo:        repo,
		opts:        opts,
		log:         logger,
		rootCtx:     ctx,
		rootCancel:  cancel,
		sweeperDone: make(chan struct{}),
	}
	if opts.MaxConcurrentWorkers > 0 {
		m.sem = semaphore.NewWeighted(int64(opts.MaxConcurrentWorkers))
	}

	if opts.SweepInterval > 0 {
		go m.sweepLoop()
	} else {
		close(m.sweeperDone)
	}
	return m
}

// Register validates the request, creates the in-memory entries and persists
// the initial row. It returns the new task ID.
func (m *Manager) Register(ctx context.Context, userID int64, videoIDs []int64, outputFilename string) (string, error) {
	if len(videoIDs) < 2 {
		return "", invalidArgumentf("need at least 2 videos, got %d", len(videoIDs))
	}
	seen := make(map[int64]struct{}, len(videoIDs))
	for _, id := range videoIDs {
		if _, dup := seen[id]; dup {
			return "", invalidArgumentf("duplicate video id %d", id)
		}
		seen[id] = struct{}{}
	}

	spec := TaskSpec{
		ID:             uuid.New().String(),
		UserID:         userID,
		VideoIDs:       append([]int64(nil), videoIDs...),
		OutputFilename: outputFilename,
	}
	now := time.Now()

	m.mu.Lock()
	if err := m.store.create(spec.ID, now); err != nil {
		m.mu.Unlock()
		return "", err
	}
	h, err := m.reg.create(spec, now)
	if err != nil {
		m.store.remove(spec.ID)
		m.mu.Unlock()
		return "", err
	}
	m.mu.Unlock()

	metrics.TaskRegistered()
	m.log.Info().
		Str(log.FieldTaskID, spec.ID).
		Int64(log.FieldUserID, userID).
		Int("videos", len(videoIDs)).
		Msg("task registered")

	m.persist("persist_initial", func(r Repository) error {
		return r.PersistInitial(ctx, TaskRow{
			TaskID:         spec.ID,
			UserID:         spec.UserID,
			VideoIDs:       spec.VideoIDs,
			Status:         types.TaskStatusPending,
			OutputFilename: spec.OutputFilename,
			CreatedAt:      h.CreatedAt,
		})
	})

	return spec.ID, nil
}

// Start dispatches a background worker for a pending task. It returns false
// if the task is unknown, not pending, or already had a worker.
func (m *Manager) Start(taskID string, work WorkerFunc) bool {
	now := time.Now()

	m.mu.Lock()
	h, ok := m.reg.get(taskID)
	if !ok {
		m.mu.Unlock()
		m.log.Warn().Str(log.FieldTaskID, taskID).Msg("start: unknown task")
		return false
	}
	if h.Status != types.TaskStatusPending || h.workerStarted {
		m.mu.Unlock()
		m.log.Warn().
			Str(log.FieldTaskID, taskID).
			Str("status", h.Status.String()).
			Bool("worker_started", h.workerStarted).
			Msg("start: task not startable")
		return false
	}
	h.workerStarted = true
	h.Status = types.TaskStatusProcessing
	started := now
	h.StartedAt = &started
	h.lastProgressAt = now

	processing := types.TaskStatusProcessing
	m.store.setStarted(taskID, now)
	m.store.apply(taskID, Update{Status: &processing}, now)

	spec := h.spec()
	m.wg.Add(1)
	m.mu.Unlock()

	m.persist("update_status", func(r Repository) error {
		return r.UpdateStatus(m.rootCtx, taskID, RowUpdate{
			Status:    &processing,
			StartedAt: &started,
		})
	})

	go m.runWorker(h, spec, work)

	m.log.Info().Str(log.FieldTaskID, taskID).Msg("worker dispatched")
	return true
}

// runWorker is the dispatch wrapper around one worker goroutine. It applies
// the concurrency cap, recovers panics that escape the worker's own
// finalizer, and accounts the worker gauge.
func (m *Manager) runWorker(h *TaskHandle, spec TaskSpec, work WorkerFunc) {
	defer m.wg.Done()
	defer close(h.done)

	if m.sem != nil {
		if err := m.sem.Acquire(m.rootCtx, 1); err != nil {
			metrics.DispatchFailed()
			m.log.Error().Str(log.FieldTaskID, spec.ID).Err(err).Msg("worker slot acquisition aborted")
			m.failTask(spec.ID, "failed to start worker")
			return
		}
		defer m.sem.Release(1)
	}

	metrics.WorkerStarted()
	defer metrics.WorkerStopped()

	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Str(log.FieldTaskID, spec.ID).
				Interface("panic", r).
				Msg("worker panicked past its finalizer")
			m.failTask(spec.ID, "worker crashed")
			m.Cleanup(spec.ID)
		}
	}()

	work(m.rootCtx, spec)
}

func (m *Manager) failTask(taskID, msg string) {
	failed := types.TaskStatusFailed
	_ = m.UpdateProgress(taskID, Update{Status: &failed, ErrorMessage: &msg})
}

// Query returns a consistent snapshot of the task's progress. When the
// in-memory entries have been cleaned up it falls back to the persisted row.
func (m *Manager) Query(ctx context.Context, taskID string) (ProgressRecord, error) {
	rec, ok := m.store.get(taskID)
	if ok {
		return withComputedETA(rec), nil
	}

	if m.repo != nil {
		row, err := m.repo.Load(ctx, taskID)
		if err == nil && row != nil {
			return rowToRecord(row), nil
		}
		if err != nil {
			m.log.Warn().Str(log.FieldTaskID, taskID).Err(err).Msg("repository load failed")
		}
	}
	return ProgressRecord{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
}

// QueryOwned is Query plus an ownership check; a task owned by a different
// user is reported as not found.
func (m *Manager) QueryOwned(ctx context.Context, taskID string, userID int64) (ProgressRecord, error) {
	owner, known := m.owner(ctx, taskID)
	if known && owner != userID {
		return ProgressRecord{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return m.Query(ctx, taskID)
}

func (m *Manager) owner(ctx context.Context, taskID string) (int64, bool) {
	if h, ok := m.reg.get(taskID); ok {
		return h.UserID, true
	}
	if m.repo != nil {
		if row, err := m.repo.Load(ctx, taskID); err == nil && row != nil {
			return row.UserID, true
		}
	}
	return 0, false
}

// Cancel requests cancellation. Pending tasks flip to cancelled immediately;
// processing tasks get their cancel signal set and transition when the
// worker next polls. Cancelling a terminal task reports IllegalState.
func (m *Manager) Cancel(ctx context.Context, taskID string) (CancelResult, error) {
	now := time.Now()

	m.mu.Lock()
	h, ok := m.reg.get(taskID)
	if !ok {
		m.mu.Unlock()
		// The worker finalizer removes the in-memory entries once the task
		// is terminal; the persisted row still answers, and cancelling it
		// is a state conflict, not a missing task.
		if m.repo != nil {
			if row, err := m.repo.Load(ctx, taskID); err == nil && row != nil && row.Status.IsTerminal() {
				return CancelResult{
					Success: false,
					Status:  row.Status,
					Message: fmt.Sprintf("task already %s", row.Status),
				}, fmt.Errorf("%w: task already %s", ErrIllegalState, row.Status)
			}
		}
		return CancelResult{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	if h.Status.IsTerminal() {
		status := h.Status
		m.mu.Unlock()
		return CancelResult{
			Success: false,
			Status:  status,
			Message: fmt.Sprintf("task already %s", status),
		}, fmt.Errorf("%w: task already %s", ErrIllegalState, status)
	}

	if h.Status == types.TaskStatusPending {
		// Immediate: the worker never runs.
		cancelled := types.TaskStatusCancelled
		h.Status = cancelled
		h.signalCancel()
		m.store.apply(taskID, Update{Status: &cancelled}, now)
		m.mu.Unlock()

		metrics.TaskFinished("cancelled", now.Sub(h.CreatedAt).Seconds())
		m.log.Info().Str(log.FieldTaskID, taskID).Msg("pending task cancelled")

		m.persist("update_status", func(r Repository) error {
			return r.UpdateStatus(ctx, taskID, RowUpdate{Status: &cancelled, CompletedAt: &now})
		})
		return CancelResult{Success: true, Status: cancelled, Message: "task cancelled"}, nil
	}

	// Processing: cooperative. The status transition is asynchronous.
	h.signalCancel()
	status := h.Status
	m.mu.Unlock()

	m.log.Info().Str(log.FieldTaskID, taskID).Msg("cancellation requested")
	return CancelResult{Success: true, Status: status, Message: "cancellation requested"}, nil
}

// UpdateProgress applies a partial update atomically across the store and
// registry pair. Backward progress is clamped, terminal states are sinks,
// and a completion without an output file is demoted to a failure.
func (m *Manager) UpdateProgress(taskID string, upd Update) error {
	now := time.Now()

	m.mu.Lock()
	h, ok := m.reg.get(taskID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	curStatus := h.Status
	applied := m.store.apply(taskID, upd, now)
	var snap ProgressRecord
	if applied {
		snap, _ = m.store.get(taskID)
		h.Status = snap.Status
		h.Progress = snap.Progress
		h.lastProgressAt = now
	}
	m.mu.Unlock()

	if !applied {
		if curStatus.IsTerminal() {
			return fmt.Errorf("%w: task already %s", ErrIllegalState, curStatus)
		}
		return nil
	}

	metrics.ProgressUpdated()

	if snap.Status.IsTerminal() {
		elapsed := now.Sub(snap.CreatedAt).Seconds()
		metrics.TaskFinished(snap.Status.String(), elapsed)
		m.log.Info().
			Str(log.FieldTaskID, taskID).
			Str("status", snap.Status.String()).
			Int(log.FieldProgress, snap.Progress).
			Str("error", snap.ErrorMessage).
			Msg("task reached terminal state")
	}

	m.persistSnapshot(taskID, snap)
	return nil
}

// persistSnapshot mirrors an applied update onto the repository row.
func (m *Manager) persistSnapshot(taskID string, snap ProgressRecord) {
	upd := RowUpdate{
		Status:   &snap.Status,
		Progress: &snap.Progress,
	}
	if snap.OutputFile != "" {
		upd.OutputFile = &snap.OutputFile
	}
	if snap.ErrorMessage != "" {
		upd.ErrorMessage = &snap.ErrorMessage
	}
	if snap.CompletedAt != nil {
		upd.CompletedAt = snap.CompletedAt
	}
	m.persist("update_status", func(r Repository) error {
		return r.UpdateStatus(m.rootCtx, taskID, upd)
	})
}

// IsCancelled reports whether the task's cancel signal has been set.
// Unknown IDs report false.
func (m *Manager) IsCancelled(taskID string) bool {
	h, ok := m.reg.get(taskID)
	if !ok {
		return false
	}
	return h.cancelRequested()
}

// CancelSignal exposes the task's cancel channel so workers can select on
// it at blocking points. Unknown IDs get a nil channel (never ready).
func (m *Manager) CancelSignal(taskID string) <-chan struct{} {
	h, ok := m.reg.get(taskID)
	if !ok {
		return nil
	}
	return h.cancelCh
}

// Cleanup removes the in-memory entries for a task. Idempotent; invoked by
// the worker finalizer after the terminal state has been persisted.
func (m *Manager) Cleanup(taskID string) {
	m.mu.Lock()
	m.store.remove(taskID)
	m.reg.remove(taskID)
	m.mu.Unlock()

	m.log.Debug().Str(log.FieldTaskID, taskID).Msg("in-memory task entries removed")
}

// Close cancels all live workers and waits for them to unwind.
func (m *Manager) Close(ctx context.Context) error {
	m.rootCancel()

	for _, id := range m.reg.snapshotIDs() {
		if h, ok := m.reg.get(id); ok {
			h.signalCancel()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}

	select {
	case <-m.sweeperDone:
	case <-ctx.Done():
		return fmt.Errorf("sweeper shutdown: %w", ctx.Err())
	}
	return nil
}

// persist runs a best-effort repository call; failures are logged and
// swallowed because the in-memory state stays authoritative.
func (m *Manager) persist(op string, fn func(Repository) error) {
	if m.repo == nil {
		return
	}
	if err := fn(m.repo); err != nil {
		metrics.RepositoryFailure(op)
		m.log.Warn().Str("op", op).Err(err).Msg("repository update failed; in-memory state is authoritative")
	}
}

// withComputedETA recomputes the remaining-time estimate from elapsed time
// and progress so pollers always see a fresh value.
func withComputedETA(rec ProgressRecord) ProgressRecord {
	if rec.Status != types.TaskStatusProcessing || rec.Progress <= 0 || rec.StartedAt == nil {
		return rec
	}
	elapsed := int(time.Since(*rec.StartedAt).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}
	eta := elapsed * (100 - rec.Progress) / rec.Progress
	rec.ETASeconds = &eta
	return rec
}

// rowToRecord projects a persisted row back into the client view used after
// the in-memory entries are gone.
func rowToRecord(row *TaskRow) ProgressRecord {
	rec := ProgressRecord{
		TaskID:       row.TaskID,
		Status:       row.Status,
		Progress:     row.Progress,
		OutputFile:   row.OutputFile,
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    row.CreatedAt,
		StartedAt:    row.StartedAt,
		CompletedAt:  row.CompletedAt,
	}
	switch row.Status {
	case types.TaskStatusCompleted:
		rec.CurrentStage = stageCompleted
	case types.TaskStatusFailed:
		rec.CurrentStage = stageFailed
	case types.TaskStatusCancelled:
		rec.CurrentStage = stageCancelled
	}
	return rec
}
