package task

import (
	"sync"
	"time"

	"github.com/vulgatecnn/vidcompose/internal/types"
)

// TaskSpec is the immutable description of a task handed to its worker.
type TaskSpec struct {
	ID             string
	UserID         int64
	VideoIDs       []int64
	OutputFilename string
}

// TaskHandle is the registry's record of one live task. It owns the
// write-once cancel signal the worker polls.
type TaskHandle struct {
	ID             string
	UserID         int64
	VideoIDs       []int64
	OutputFilename string

	Status    types.TaskStatus
	Progress  int
	CreatedAt time.Time
	StartedAt *time.Time

	// lastProgressAt feeds the stale-task sweeper.
	lastProgressAt time.Time

	// workerStarted guards the at-most-one-worker invariant.
	workerStarted bool

	cancelOnce sync.Once
	cancelCh   chan struct{}

	// done is closed by the dispatch wrapper when the worker goroutine
	// exits; Close waits on it for graceful shutdown.
	done chan struct{}
}

// signalCancel sets the write-once cancel flag. Safe to call repeatedly.
func (h *TaskHandle) signalCancel() {
	h.cancelOnce.Do(func() { close(h.cancelCh) })
}

// cancelRequested reports whether the cancel signal has been set.
func (h *TaskHandle) cancelRequested() bool {
	select {
	case <-h.cancelCh:
		return true
	default:
		return false
	}
}

// spec returns the immutable worker-facing view of the handle.
func (h *TaskHandle) spec() TaskSpec {
	ids := make([]int64, len(h.VideoIDs))
	copy(ids, h.VideoIDs)
	return TaskSpec{
		ID:             h.ID,
		UserID:         h.UserID,
		VideoIDs:       ids,
		OutputFilename: h.OutputFilename,
	}
}

// registry is the task-ID → handle map, the single source of truth for
// "does this task exist and who owns it". Mutations happen under the
// facade mutex.
type registry struct {
	mu      sync.RWMutex
	handles map[string]*TaskHandle
}

func newRegistry() *registry {
	return &registry{handles: make(map[string]*TaskHandle)}
}

func (r *registry) create(spec TaskSpec, now time.Time) (*TaskHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[spec.ID]; exists {
		return nil, ErrAlreadyExists
	}
	h := &TaskHandle{
		ID:             spec.ID,
		UserID:         spec.UserID,
		VideoIDs:       spec.VideoIDs,
		OutputFilename: spec.OutputFilename,
		Status:         types.TaskStatusPending,
		CreatedAt:      now,
		lastProgressAt: now,
		cancelCh:       make(chan struct{}),
		done:           make(chan struct{}),
	}
	r.handles[spec.ID] = h
	return h, nil
}

func (r *registry) get(taskID string) (*TaskHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[taskID]
	return h, ok
}

func (r *registry) remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, taskID)
}

// snapshotIDs returns the IDs of all live handles; used by the sweeper and
// by shutdown, which must not hold the registry lock while acting on tasks.
func (r *registry) snapshotIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}
