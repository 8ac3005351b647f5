package api

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vulgatecnn/vidcompose/internal/task"
	"github.com/vulgatecnn/vidcompose/internal/types"
)

type outputFileView struct {
	Filename    string  `json:"filename"`
	FileSize    int64   `json:"file_size"`
	FileSizeMB  float64 `json:"file_size_mb"`
	DownloadURL string  `json:"download_url"`
	StreamURL   string  `json:"stream_url"`
}

type progressView struct {
	TaskID           string           `json:"task_id"`
	Status           types.TaskStatus `json:"status"`
	Progress         int              `json:"progress"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        *time.Time       `json:"started_at"`
	CompletedAt      *time.Time       `json:"completed_at"`
	OutputFile       *outputFileView  `json:"output_file"`
	ErrorMessage     *string          `json:"error_message"`
	CurrentStage     string           `json:"current_stage,omitempty"`
	ETASeconds       *int             `json:"estimated_time_remaining"`
	ETAFormatted     string           `json:"estimated_time_remaining_formatted,omitempty"`
	AvailableActions []string         `json:"available_actions"`
}

func (s *Server) progressView(rec task.ProgressRecord) progressView {
	view := progressView{
		TaskID:           rec.TaskID,
		Status:           rec.Status,
		Progress:         rec.Progress,
		CreatedAt:        rec.CreatedAt,
		StartedAt:        rec.StartedAt,
		CompletedAt:      rec.CompletedAt,
		CurrentStage:     rec.CurrentStage,
		ETASeconds:       rec.ETASeconds,
		AvailableActions: availableActions(rec.Status),
	}
	if rec.ErrorMessage != "" {
		msg := rec.ErrorMessage
		view.ErrorMessage = &msg
	}
	if rec.ETASeconds != nil {
		view.ETAFormatted = formatDurationCN(*rec.ETASeconds)
	}
	if rec.Status == types.TaskStatusCompleted && rec.OutputFile != "" {
		view.OutputFile = s.outputView(rec.TaskID, rec.OutputFile)
	}
	return view
}

func (s *Server) outputView(taskID, outputFile string) *outputFileView {
	view := &outputFileView{
		Filename:    filepath.Base(outputFile),
		DownloadURL: "/videos/composition/" + taskID + "/download",
		StreamURL:   "/videos/composition/" + taskID + "/stream",
	}
	if info, err := os.Stat(filepath.Join(s.cfg.OutputRoot, outputFile)); err == nil {
		view.FileSize = info.Size()
		view.FileSizeMB = float64(info.Size()) / (1024 * 1024)
	}
	return view
}

func availableActions(status types.TaskStatus) []string {
	switch status {
	case types.TaskStatusPending, types.TaskStatusProcessing:
		return []string{"cancel"}
	case types.TaskStatusCompleted:
		return []string{"download", "stream"}
	default:
		return []string{}
	}
}

// formatDurationCN renders seconds the way the UI displays them: "38秒",
// "2分10秒", "1小时5分".
func formatDurationCN(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	switch {
	case seconds < 60:
		return fmt.Sprintf("%d秒", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%d分%d秒", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%d小时%d分", seconds/3600, (seconds%3600)/60)
	}
}
