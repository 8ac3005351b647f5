// Package types provides type-safe enumerations and constants for vidcompose.
//
// This package centralizes typed constants and state types to prevent
// string-based bugs and enable exhaustive switch statements.
package types

import (
	"encoding/json"
	"fmt"
)

// TaskStatus represents the current state of a composition task.
type TaskStatus string

// Task status constants define all possible states of a composition task.
const (
	// TaskStatusPending indicates the task is registered but not yet started.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusProcessing indicates a worker is currently executing the task.
	TaskStatusProcessing TaskStatus = "processing"

	// TaskStatusCompleted indicates the task finished and produced an output file.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates the task encountered an error and terminated.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled indicates the task was cancelled by the caller.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// String returns the string representation of the task status.
// Implements the fmt.Stringer interface for better logging and debugging.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid checks whether the task status is one of the defined constants.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal checks whether the task status represents a final state.
//
// Terminal states include: Completed, Failed, Cancelled.
// A task in a terminal state never transitions to another state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether this status can transition to the target status.
//
// Valid transitions:
//   - Pending → Processing, Cancelled
//   - Processing → Completed, Failed, Cancelled
//   - Terminal states cannot transition
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case TaskStatusPending:
		return target == TaskStatusProcessing || target == TaskStatusCancelled
	case TaskStatusProcessing:
		return target == TaskStatusCompleted || target == TaskStatusFailed || target == TaskStatusCancelled
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler for TaskStatus.
func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for TaskStatus.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	status := TaskStatus(str)
	if !status.IsValid() {
		return fmt.Errorf("invalid task status: %q", str)
	}

	*s = status
	return nil
}

// ParseTaskStatus parses a string into a TaskStatus, returning an error if invalid.
func ParseTaskStatus(s string) (TaskStatus, error) {
	status := TaskStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid task status: %q (valid: pending, processing, completed, failed, cancelled)", s)
	}
	return status, nil
}

// AllTaskStatuses returns all defined task statuses.
func AllTaskStatuses() []TaskStatus {
	return []TaskStatus{
		TaskStatusPending,
		TaskStatusProcessing,
		TaskStatusCompleted,
		TaskStatusFailed,
		TaskStatusCancelled,
	}
}
