package api

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vulgatecnn/vidcompose/internal/config"
	"github.com/vulgatecnn/vidcompose/internal/task"
	"github.com/vulgatecnn/vidcompose/internal/types"
)

func TestProgressView_Processing(t *testing.T) {
	s := &Server{cfg: config.Defaults()}

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	started := created.Add(5 * time.Second)
	eta := 130

	got := s.progressView(task.ProgressRecord{
		TaskID:       "t1",
		Status:       types.TaskStatusProcessing,
		Progress:     45,
		CurrentStage: "加载视频片段 2/3",
		ETASeconds:   &eta,
		CreatedAt:    created,
		StartedAt:    &started,
	})

	want := progressView{
		TaskID:           "t1",
		Status:           types.TaskStatusProcessing,
		Progress:         45,
		CreatedAt:        created,
		StartedAt:        &started,
		CurrentStage:     "加载视频片段 2/3",
		ETASeconds:       &eta,
		ETAFormatted:     "2分10秒",
		AvailableActions: []string{"cancel"},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("progressView mismatch (-want +got):\n%s", diff)
	}
}

func TestProgressView_Failed(t *testing.T) {
	s := &Server{cfg: config.Defaults()}

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	done := created.Add(time.Minute)

	got := s.progressView(task.ProgressRecord{
		TaskID:       "t1",
		Status:       types.TaskStatusFailed,
		Progress:     40,
		ErrorMessage: "视频 2 不可用",
		CurrentStage: "合成失败",
		CreatedAt:    created,
		CompletedAt:  &done,
	})

	msg := "视频 2 不可用"
	want := progressView{
		TaskID:           "t1",
		Status:           types.TaskStatusFailed,
		Progress:         40,
		CreatedAt:        created,
		CompletedAt:      &done,
		ErrorMessage:     &msg,
		CurrentStage:     "合成失败",
		AvailableActions: []string{},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("progressView mismatch (-want +got):\n%s", diff)
	}
}

func TestProgressView_CompletedLinks(t *testing.T) {
	s := &Server{cfg: config.Defaults()}

	view := s.progressView(task.ProgressRecord{
		TaskID:     "t1",
		Status:     types.TaskStatusCompleted,
		Progress:   100,
		OutputFile: "movie.mp4",
		CreatedAt:  time.Now(),
	})

	if view.OutputFile == nil {
		t.Fatal("expected output_file view for completed task")
	}
	if view.OutputFile.DownloadURL != "/videos/composition/t1/download" {
		t.Errorf("download_url = %q", view.OutputFile.DownloadURL)
	}
	if view.OutputFile.StreamURL != "/videos/composition/t1/stream" {
		t.Errorf("stream_url = %q", view.OutputFile.StreamURL)
	}
	if diff := cmp.Diff([]string{"download", "stream"}, view.AvailableActions); diff != "" {
		t.Errorf("available_actions mismatch:\n%s", diff)
	}
}
