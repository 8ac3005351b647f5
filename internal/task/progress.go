package task

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vulgatecnn/vidcompose/internal/log"
	"github.com/vulgatecnn/vidcompose/internal/metrics"
	"github.com/vulgatecnn/vidcompose/internal/types"
)

// Stage strings shown to clients when a task reaches a terminal state.
const (
	stageCompleted = "合成完成"
	stageFailed    = "合成失败"
	stageCancelled = "已取消"
)

// ProgressRecord is the read-optimized projection of a task served to pollers.
// It is always handled by value so readers get a consistent snapshot.
type ProgressRecord struct {
	TaskID       string
	Status       types.TaskStatus
	Progress     int
	OutputFile   string
	ErrorMessage string
	CurrentStage string
	// ETASeconds is nil when no estimate is available (not started, progress
	// zero, or terminal state).
	ETASeconds  *int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Update is a partial update applied atomically to a task's record.
// Nil fields are left untouched.
type Update struct {
	Progress     *int
	Status       *types.TaskStatus
	OutputFile   *string
	ErrorMessage *string
	CurrentStage *string
	ETASeconds   *int
}

// progressStore is the in-memory map serving high-rate client polls.
// Mutations happen under the facade mutex; reads take only the store's
// read lock and copy the record out.
type progressStore struct {
	mu      sync.RWMutex
	records map[string]*ProgressRecord

	log zerolog.Logger
	// anomalies throttles clamp warnings so a misbehaving worker cannot
	// flood the log.
	anomalies *rate.Limiter
}

func newProgressStore(logger zerolog.Logger) *progressStore {
	return &progressStore{
		records:   make(map[string]*ProgressRecord),
		log:       logger,
		anomalies: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (s *progressStore) create(taskID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[taskID]; exists {
		return ErrAlreadyExists
	}
	s.records[taskID] = &ProgressRecord{
		TaskID:    taskID,
		Status:    types.TaskStatusPending,
		CreatedAt: now,
	}
	return nil
}

// get returns a snapshot copy of the record, or false if absent.
func (s *progressStore) get(taskID string) (ProgressRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[taskID]
	if !ok {
		return ProgressRecord{}, false
	}
	return *rec, true
}

// apply mutates the stored record under the write lock so that all touched
// fields become visible together. It enforces the monotonic-progress clamp,
// terminal immutability, and completion/output consistency.
func (s *progressStore) apply(taskID string, upd Update, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[taskID]
	if !ok {
		return false
	}

	if rec.Status.IsTerminal() {
		// Terminal states are sinks. Late worker writes land here when the
		// sweeper or a cancel beat them to the terminal transition.
		s.log.Error().
			Str(log.FieldTaskID, taskID).
			Str("status", rec.Status.String()).
			Msg("update dropped: task already terminal")
		return false
	}

	upd = normalizeTerminal(rec, upd)

	if upd.Status != nil {
		if !rec.Status.CanTransitionTo(*upd.Status) {
			s.log.Warn().
				Str(log.FieldTaskID, taskID).
				Str(log.FieldOldStatus, rec.Status.String()).
				Str(log.FieldNewStatus, upd.Status.String()).
				Msg("illegal status transition ignored")
			upd.Status = nil
		} else {
			rec.Status = *upd.Status
		}
	}

	if upd.Progress != nil {
		incoming := clampRange(*upd.Progress)
		if incoming < rec.Progress {
			metrics.ProgressClamped()
			if s.anomalies.Allow() {
				s.log.Warn().
					Str(log.FieldTaskID, taskID).
					Int("stored", rec.Progress).
					Int("incoming", incoming).
					Msg("backward progress clamped")
			}
		} else {
			rec.Progress = incoming
		}
	}

	if upd.OutputFile != nil {
		rec.OutputFile = *upd.OutputFile
	}
	if upd.ErrorMessage != nil {
		rec.ErrorMessage = *upd.ErrorMessage
	}
	if upd.CurrentStage != nil {
		rec.CurrentStage = *upd.CurrentStage
	}
	if upd.ETASeconds != nil {
		eta := *upd.ETASeconds
		rec.ETASeconds = &eta
	}

	if rec.Status.IsTerminal() {
		rec.ETASeconds = nil
		ts := now
		rec.CompletedAt = &ts
		switch rec.Status {
		case types.TaskStatusCompleted:
			rec.Progress = 100
			rec.CurrentStage = stageCompleted
		case types.TaskStatusFailed:
			rec.CurrentStage = stageFailed
		case types.TaskStatusCancelled:
			rec.CurrentStage = stageCancelled
		}
	}

	return true
}

func (s *progressStore) setStarted(taskID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[taskID]; ok {
		ts := now
		rec.StartedAt = &ts
	}
}

// remove is idempotent; removing an absent entry is a no-op.
func (s *progressStore) remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, taskID)
}

// normalizeTerminal demotes a completion update that carries no output file
// to a failure, so a completed record can never be observed without one.
func normalizeTerminal(rec *ProgressRecord, upd Update) Update {
	if upd.Status == nil || *upd.Status != types.TaskStatusCompleted {
		return upd
	}
	hasOutput := rec.OutputFile != ""
	if upd.OutputFile != nil && *upd.OutputFile != "" {
		hasOutput = true
	}
	if !hasOutput {
		failed := types.TaskStatusFailed
		msg := "output file missing"
		upd.Status = &failed
		upd.ErrorMessage = &msg
		upd.OutputFile = nil
	}
	return upd
}

func clampRange(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
