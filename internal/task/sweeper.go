package task

import (
	"time"

	"github.com/vulgatecnn/vidcompose/internal/log"
	"github.com/vulgatecnn/vidcompose/internal/metrics"
	"github.com/vulgatecnn/vidcompose/internal/types"
)

// sweepLoop periodically fails tasks that have been processing without any
// progress for longer than the configured worker timeout, and fires their
// cancel signal so the worker unwinds at its next poll point.
func (m *Manager) sweepLoop() {
	defer close(m.sweeperDone)

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.rootCtx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(time.Now())
		}
	}
}

func (m *Manager) sweepOnce(now time.Time) {
	for _, id := range m.reg.snapshotIDs() {
		m.mu.Lock()
		h, ok := m.reg.get(id)
		var stale bool
		if ok {
			stale = h.Status == types.TaskStatusProcessing &&
				now.Sub(h.lastProgressAt) > m.opts.WorkerTimeout
		}
		m.mu.Unlock()

		if !stale {
			continue
		}

		m.log.Warn().
			Str(log.FieldTaskID, id).
			Dur("timeout", m.opts.WorkerTimeout).
			Msg("task exceeded worker timeout; marking failed")

		failed := types.TaskStatusFailed
		msg := "task timeout"
		if err := m.UpdateProgress(id, Update{Status: &failed, ErrorMessage: &msg}); err == nil {
			metrics.StaleTaskSwept()
		}
		// The worker (if still alive) observes this at its next poll and
		// runs its finalizer; its own terminal write is dropped as the
		// task is already terminal.
		h.signalCancel()
	}
}
