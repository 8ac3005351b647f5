package task

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vulgatecnn/vidcompose/internal/types"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestProgressStore_CreateAndGet(t *testing.T) {
	s := newProgressStore(zerolog.Nop())
	now := time.Now()

	if err := s.create("t1", now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.create("t1", now); err != ErrAlreadyExists {
		t.Errorf("duplicate create = %v, want ErrAlreadyExists", err)
	}

	rec, ok := s.get("t1")
	if !ok {
		t.Fatal("expected record")
	}
	if rec.Status != types.TaskStatusPending {
		t.Errorf("status = %v, want pending", rec.Status)
	}
	if rec.Progress != 0 {
		t.Errorf("progress = %d, want 0", rec.Progress)
	}

	if _, ok := s.get("missing"); ok {
		t.Error("expected missing record to report false")
	}
}

func TestProgressStore_SnapshotIsolation(t *testing.T) {
	s := newProgressStore(zerolog.Nop())
	now := time.Now()
	_ = s.create("t1", now)

	rec, _ := s.get("t1")
	rec.Progress = 99

	again, _ := s.get("t1")
	if again.Progress != 0 {
		t.Errorf("mutating a snapshot leaked into the store: progress = %d", again.Progress)
	}
}

func TestProgressStore_MonotonicClamp(t *testing.T) {
	s := newProgressStore(zerolog.Nop())
	now := time.Now()
	_ = s.create("t1", now)

	processing := types.TaskStatusProcessing
	s.apply("t1", Update{Status: &processing}, now)
	s.apply("t1", Update{Progress: intPtr(50)}, now)

	// Backward write: clamped, record keeps 50.
	s.apply("t1", Update{Progress: intPtr(30), CurrentStage: strPtr("later stage")}, now)

	rec, _ := s.get("t1")
	if rec.Progress != 50 {
		t.Errorf("progress = %d, want 50 after backward clamp", rec.Progress)
	}
	// Non-progress fields in the same update still land.
	if rec.CurrentStage != "later stage" {
		t.Errorf("stage = %q, want %q", rec.CurrentStage, "later stage")
	}

	// Out-of-range values clamp into [0,100].
	s.apply("t1", Update{Progress: intPtr(150)}, now)
	rec, _ = s.get("t1")
	if rec.Progress != 100 {
		t.Errorf("progress = %d, want 100", rec.Progress)
	}
}

func TestProgressStore_TerminalIsSink(t *testing.T) {
	s := newProgressStore(zerolog.Nop())
	now := time.Now()
	_ = s.create("t1", now)

	processing := types.TaskStatusProcessing
	s.apply("t1", Update{Status: &processing}, now)

	failed := types.TaskStatusFailed
	if !s.apply("t1", Update{Status: &failed, ErrorMessage: strPtr("task timeout")}, now) {
		t.Fatal("terminal transition should apply")
	}

	// A late worker write must be dropped entirely.
	cancelled := types.TaskStatusCancelled
	if s.apply("t1", Update{Status: &cancelled, Progress: intPtr(99)}, now) {
		t.Error("update against terminal record should not apply")
	}

	rec, _ := s.get("t1")
	if rec.Status != types.TaskStatusFailed {
		t.Errorf("status = %v, want failed", rec.Status)
	}
	if rec.ErrorMessage != "task timeout" {
		t.Errorf("error = %q, want %q", rec.ErrorMessage, "task timeout")
	}
	if rec.CurrentStage != stageFailed {
		t.Errorf("stage = %q, want %q", rec.CurrentStage, stageFailed)
	}
	if rec.CompletedAt == nil {
		t.Error("terminal record should carry CompletedAt")
	}
	if rec.ETASeconds != nil {
		t.Error("terminal record should drop ETA")
	}
}

func TestProgressStore_CompletionForcesConsistency(t *testing.T) {
	s := newProgressStore(zerolog.Nop())
	now := time.Now()
	_ = s.create("t1", now)

	processing := types.TaskStatusProcessing
	s.apply("t1", Update{Status: &processing}, now)
	s.apply("t1", Update{Progress: intPtr(95)}, now)

	completed := types.TaskStatusCompleted
	s.apply("t1", Update{Status: &completed, OutputFile: strPtr("out.mp4")}, now)

	rec, _ := s.get("t1")
	if rec.Status != types.TaskStatusCompleted {
		t.Fatalf("status = %v, want completed", rec.Status)
	}
	if rec.Progress != 100 {
		t.Errorf("progress = %d, want forced 100", rec.Progress)
	}
	if rec.CurrentStage != stageCompleted {
		t.Errorf("stage = %q, want %q", rec.CurrentStage, stageCompleted)
	}
	if rec.OutputFile != "out.mp4" {
		t.Errorf("output = %q, want out.mp4", rec.OutputFile)
	}
}

func TestProgressStore_CompletionWithoutOutputDemoted(t *testing.T) {
	s := newProgressStore(zerolog.Nop())
	now := time.Now()
	_ = s.create("t1", now)

	processing := types.TaskStatusProcessing
	s.apply("t1", Update{Status: &processing}, now)

	completed := types.TaskStatusCompleted
	s.apply("t1", Update{Status: &completed}, now)

	rec, _ := s.get("t1")
	if rec.Status != types.TaskStatusFailed {
		t.Fatalf("status = %v, want failed (completed without output)", rec.Status)
	}
	if rec.ErrorMessage != "output file missing" {
		t.Errorf("error = %q, want %q", rec.ErrorMessage, "output file missing")
	}
	if rec.OutputFile != "" {
		t.Errorf("output = %q, want empty", rec.OutputFile)
	}
}

func TestProgressStore_IllegalTransitionIgnored(t *testing.T) {
	s := newProgressStore(zerolog.Nop())
	now := time.Now()
	_ = s.create("t1", now)

	// pending → completed is not a legal edge; the status part is dropped
	// but the rest of the update still lands.
	completed := types.TaskStatusCompleted
	s.apply("t1", Update{Status: &completed, OutputFile: strPtr("out.mp4"), Progress: intPtr(10)}, now)

	rec, _ := s.get("t1")
	if rec.Status != types.TaskStatusPending {
		t.Errorf("status = %v, want pending", rec.Status)
	}
	if rec.Progress != 10 {
		t.Errorf("progress = %d, want 10", rec.Progress)
	}
}

func TestProgressStore_RemoveIdempotent(t *testing.T) {
	s := newProgressStore(zerolog.Nop())
	_ = s.create("t1", time.Now())

	s.remove("t1")
	s.remove("t1")

	if _, ok := s.get("t1"); ok {
		t.Error("record should be gone after remove")
	}
	if s.apply("t1", Update{Progress: intPtr(10)}, time.Now()) {
		t.Error("apply against removed record should report false")
	}
}
