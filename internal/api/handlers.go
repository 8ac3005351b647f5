package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vulgatecnn/vidcompose/internal/log"
	"github.com/vulgatecnn/vidcompose/internal/media"
	"github.com/vulgatecnn/vidcompose/internal/task"
	"github.com/vulgatecnn/vidcompose/internal/types"
)

type createRequest struct {
	VideoIDs       []int64 `json:"video_ids"`
	OutputFilename string  `json:"output_filename,omitempty"`
}

type createResponse struct {
	TaskID         string           `json:"task_id"`
	Status         types.TaskStatus `json:"status"`
	Progress       int              `json:"progress"`
	CreatedAt      time.Time        `json:"created_at"`
	ResponseTimeMs int64            `json:"response_time_ms"`
}

// handleCreate registers a composition task and dispatches its worker.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	userID, ok := callerID(r)
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Unknown source ids are rejected up front so the caller gets a
	// synchronous 400 instead of an asynchronous task failure.
	for _, id := range req.VideoIDs {
		if _, err := s.videos.Lookup(r.Context(), id); err != nil {
			if errors.Is(err, media.ErrVideoNotFound) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.log.Error().Int64(log.FieldVideoID, id).Err(err).Msg("video lookup failed")
			writeError(w, http.StatusInternalServerError, "video lookup failed")
			return
		}
	}

	taskID, err := s.mgr.Register(r.Context(), userID, req.VideoIDs, req.OutputFilename)
	if err != nil {
		if task.IsInvalidArgument(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Msg("register failed")
		writeError(w, http.StatusInternalServerError, "failed to register task")
		return
	}

	if !s.mgr.Start(taskID, s.workerFn) {
		writeError(w, http.StatusInternalServerError, "failed to start worker")
		return
	}

	rec, err := s.mgr.Query(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task vanished after registration")
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		TaskID:         taskID,
		Status:         rec.Status,
		Progress:       rec.Progress,
		CreatedAt:      rec.CreatedAt,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	})
}

// handleQuery returns the task's progress view.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeUnauthorized(w)
		return
	}
	taskID := chi.URLParam(r, "taskID")

	rec, err := s.mgr.QueryOwned(r.Context(), taskID, userID)
	if err != nil {
		writeNotFound(w)
		return
	}

	writeJSON(w, http.StatusOK, s.progressView(rec))
}

type cancelResponse struct {
	TaskID      string           `json:"task_id"`
	Status      types.TaskStatus `json:"status"`
	CancelledAt time.Time        `json:"cancelled_at"`
	Success     bool             `json:"success"`
	Message     string           `json:"message,omitempty"`
}

// handleCancel requests cancellation of a task. Cancellation of a running
// task is asynchronous: the 200 body reports the status at the moment of the
// request (still "processing"), and the cancelled state becomes visible on
// subsequent status polls once the worker acknowledges the signal. Only a
// still-pending task flips to "cancelled" in the response itself.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeUnauthorized(w)
		return
	}
	taskID := chi.URLParam(r, "taskID")

	if _, err := s.mgr.QueryOwned(r.Context(), taskID, userID); err != nil {
		writeNotFound(w)
		return
	}

	result, err := s.mgr.Cancel(r.Context(), taskID)
	if err != nil {
		if task.IsNotFound(err) {
			writeNotFound(w)
			return
		}
		if task.IsIllegalState(err) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":          result.Message,
				"current_status": result.Status,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}

	writeJSON(w, http.StatusOK, cancelResponse{
		TaskID:      taskID,
		Status:      result.Status,
		CancelledAt: time.Now().UTC(),
		Success:     true,
		Message:     result.Message,
	})
}

// handleDownload serves the finished output as an attachment.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveOutput(w, r, true)
}

// handleStream serves the finished output inline; Range requests come free
// with http.ServeContent.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.serveOutput(w, r, false)
}

func (s *Server) serveOutput(w http.ResponseWriter, r *http.Request, attachment bool) {
	userID, ok := callerID(r)
	if !ok {
		writeUnauthorized(w)
		return
	}
	taskID := chi.URLParam(r, "taskID")

	rec, err := s.mgr.QueryOwned(r.Context(), taskID, userID)
	if err != nil {
		writeNotFound(w)
		return
	}
	if rec.Status != types.TaskStatusCompleted || rec.OutputFile == "" {
		writeError(w, http.StatusConflict, "task has no output yet")
		return
	}

	path := filepath.Join(s.cfg.OutputRoot, filepath.Clean("/"+rec.OutputFile))
	f, err := os.Open(path)
	if err != nil {
		s.log.Error().Str(log.FieldPath, path).Err(err).Msg("output file missing on disk")
		writeNotFound(w)
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stat output failed")
		return
	}

	if attachment {
		w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}
