// Package worker implements the composition worker protocol: staged
// progress reporting, cooperative cancellation polling, and an
// unconditional finalizer that releases resources on every exit path.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/vulgatecnn/vidcompose/internal/log"
	"github.com/vulgatecnn/vidcompose/internal/media"
	"github.com/vulgatecnn/vidcompose/internal/task"
	"github.com/vulgatecnn/vidcompose/internal/types"
)

// encodeCancelPoll is the cancellation poll cadence inside the encode loop.
// The cancel contract promises observation within one second.
const encodeCancelPoll = 500 * time.Millisecond

// Facade is the slice of the task manager the worker reports through.
type Facade interface {
	UpdateProgress(taskID string, upd task.Update) error
	IsCancelled(taskID string) bool
	Query(ctx context.Context, taskID string) (task.ProgressRecord, error)
	Cleanup(taskID string)
}

// Composer builds one output file from an ordered list of source videos.
// Its Work method satisfies task.WorkerFunc.
type Composer struct {
	facade     Facade
	videos     media.VideoRepository
	enc        media.Encoder
	sessions   task.SessionFactory // nil disables per-worker persistence
	outputRoot string
	logger     zerolog.Logger
}

// New wires a Composer.
func New(facade Facade, videos media.VideoRepository, enc media.Encoder, sessions task.SessionFactory, outputRoot string) *Composer {
	return &Composer{
		facade:     facade,
		videos:     videos,
		enc:        enc,
		sessions:   sessions,
		outputRoot: outputRoot,
		logger:     log.WithComponent("composer"),
	}
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeCancelled
)

// runState carries everything the finalizer must release or publish.
type runState struct {
	startedAt     time.Time
	clips         []media.Clip
	tmpPath       string
	finalPath     string
	outputFile    string // relative path recorded on the task
	published     bool
	totalDuration float64

	outcome outcome
	errMsg  string
	session task.SessionRepository
}

func (st *runState) fail(msg string) {
	st.outcome = outcomeFailed
	st.errMsg = msg
}

// Work executes the five composition stages for one task. Every return path
// funnels through the deferred finalizer.
func (c *Composer) Work(ctx context.Context, spec task.TaskSpec) {
	logger := c.logger.With().Str(log.FieldTaskID, spec.ID).Logger()
	st := &runState{startedAt: time.Now()}

	if c.sessions != nil {
		sess, err := c.sessions.Session(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("worker repository session unavailable; persistence degraded")
		} else {
			st.session = sess
		}
	}

	outName := spec.OutputFilename
	if outName == "" {
		outName = spec.ID + ".mp4"
	}
	st.outputFile = outName
	st.finalPath = filepath.Join(c.outputRoot, outName)
	st.tmpPath = st.finalPath + ".tmp"

	defer c.finalize(ctx, spec, st, logger)

	n := len(spec.VideoIDs)

	// Stage 1: verify sources (progress 0-30)
	videos := make([]*media.Video, 0, n)
	for i, id := range spec.VideoIDs {
		if c.facade.IsCancelled(spec.ID) {
			st.outcome = outcomeCancelled
			return
		}
		v, err := c.videos.Lookup(ctx, id)
		if err != nil {
			logger.Error().Int64(log.FieldVideoID, id).Err(err).Msg("source lookup failed")
			st.fail(fmt.Sprintf("视频 %d 不存在", id))
			return
		}
		if !v.Valid {
			st.fail(fmt.Sprintf("视频 %d 不可用", id))
			return
		}
		if _, err := os.Stat(v.Path); err != nil {
			logger.Error().Int64(log.FieldVideoID, id).Str(log.FieldPath, v.Path).Err(err).Msg("source file missing")
			st.fail(fmt.Sprintf("视频 %d 的文件缺失", id))
			return
		}
		st.totalDuration += v.DurationSeconds
		videos = append(videos, v)
		c.report(spec.ID, st, 30*(i+1)/n, fmt.Sprintf("验证视频素材 %d/%d", i+1, n))
	}

	// Stage 2: open clips (30-70)
	for i, v := range videos {
		if c.facade.IsCancelled(spec.ID) {
			st.outcome = outcomeCancelled
			return
		}
		clip, err := c.enc.OpenClip(ctx, v.Path, v.DurationSeconds)
		if err != nil {
			logger.Error().Int64(log.FieldVideoID, v.ID).Err(err).Msg("open clip failed")
			st.fail(fmt.Sprintf("加载视频 %d 失败", v.ID))
			return
		}
		st.clips = append(st.clips, clip)
		c.report(spec.ID, st, 30+40*(i+1)/n, fmt.Sprintf("加载视频片段 %d/%d", i+1, n))
	}

	// Stage 3: merge timeline (70-80)
	if c.facade.IsCancelled(spec.ID) {
		st.outcome = outcomeCancelled
		return
	}
	c.report(spec.ID, st, 70, "合并视频片段")
	tl, err := c.enc.Concat(st.clips)
	if err != nil {
		logger.Error().Err(err).Msg("concat failed")
		st.fail("合并视频片段失败")
		return
	}
	c.report(spec.ID, st, 80, "合并视频片段")

	// Stage 4: encode (80-95)
	if c.facade.IsCancelled(spec.ID) {
		st.outcome = outcomeCancelled
		return
	}
	if err := os.MkdirAll(filepath.Dir(st.finalPath), 0o755); err != nil {
		logger.Error().Err(err).Msg("create output directory failed")
		st.fail("无法创建输出目录")
		return
	}
	if err := c.encode(ctx, spec.ID, st, tl); err != nil {
		if c.facade.IsCancelled(spec.ID) {
			st.outcome = outcomeCancelled
			return
		}
		logger.Error().Err(err).Msg("encode failed")
		st.fail("视频编码失败")
		return
	}

	// Stage 5: publish (95-100)
	if c.facade.IsCancelled(spec.ID) {
		st.outcome = outcomeCancelled
		return
	}
	c.report(spec.ID, st, 95, "生成输出文件")
	if err := os.Rename(st.tmpPath, st.finalPath); err != nil {
		logger.Error().Err(err).Msg("publish output failed")
		st.fail("写入输出文件失败")
		return
	}
	st.published = true
	c.writeMeta(spec, st, logger)

	st.outcome = outcomeCompleted
	logger.Info().Str(log.FieldOutputFile, st.outputFile).Msg("composition finished")
}

// encode runs the encoder with a watcher goroutine that polls the cancel
// signal at least once per second and aborts the encode context.
func (c *Composer) encode(ctx context.Context, taskID string, st *runState, tl *media.Timeline) error {
	encCtx, cancelEnc := context.WithCancel(ctx)
	defer cancelEnc()

	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		ticker := time.NewTicker(encodeCancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-encCtx.Done():
				return
			case <-ticker.C:
				if c.facade.IsCancelled(taskID) {
					cancelEnc()
					return
				}
			}
		}
	}()

	err := c.enc.Encode(encCtx, tl, st.tmpPath, func(frac float64) {
		c.report(taskID, st, 80+int(15*frac), "编码输出文件")
	})

	cancelEnc()
	<-watcherDone
	return err
}

// finalize is the unconditional cleanup phase: it recovers panics, closes
// every opened clip, deletes partial output, writes the terminal state,
// persists it through the worker's own session, and removes the in-memory
// entries afterwards.
func (c *Composer) finalize(ctx context.Context, spec task.TaskSpec, st *runState, logger zerolog.Logger) {
	if r := recover(); r != nil {
		logger.Error().Interface("panic", r).Msg("worker panicked")
		st.fail("worker crashed")
	}

	for _, clip := range st.clips {
		if err := clip.Close(); err != nil {
			logger.Warn().Err(err).Msg("close clip failed")
		}
	}
	if !st.published && st.tmpPath != "" {
		_ = os.Remove(st.tmpPath)
	}

	switch st.outcome {
	case outcomeCompleted:
		completed := types.TaskStatusCompleted
		hundred := 100
		if err := c.facade.UpdateProgress(spec.ID, task.Update{
			Status:     &completed,
			Progress:   &hundred,
			OutputFile: &st.outputFile,
		}); err != nil {
			logger.Warn().Err(err).Msg("completion update rejected")
		}
	case outcomeCancelled:
		cancelled := types.TaskStatusCancelled
		if err := c.facade.UpdateProgress(spec.ID, task.Update{Status: &cancelled}); err != nil {
			logger.Debug().Err(err).Msg("cancelled update rejected; task already terminal")
		}
		logger.Info().Msg("composition cancelled")
	default:
		failed := types.TaskStatusFailed
		msg := st.errMsg
		if msg == "" {
			msg = "worker crashed"
		}
		if err := c.facade.UpdateProgress(spec.ID, task.Update{Status: &failed, ErrorMessage: &msg}); err != nil {
			logger.Debug().Err(err).Msg("failure update rejected; task already terminal")
		}
	}

	c.persistTerminal(ctx, spec, st, logger)

	if st.session != nil {
		if err := st.session.Close(); err != nil {
			logger.Warn().Err(err).Msg("close repository session failed")
		}
	}

	c.facade.Cleanup(spec.ID)
}

// persistTerminal writes the task's final in-memory state through the
// worker-scoped repository session before the entries are cleaned up.
func (c *Composer) persistTerminal(ctx context.Context, spec task.TaskSpec, st *runState, logger zerolog.Logger) {
	if st.session == nil {
		return
	}

	// Shutdown may already have cancelled ctx; persistence still gets a
	// short grace window.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	rec, err := c.facade.Query(pctx, spec.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("terminal snapshot unavailable; skipping persistence")
		return
	}

	upd := task.RowUpdate{
		Status:   &rec.Status,
		Progress: &rec.Progress,
	}
	if rec.ErrorMessage != "" {
		upd.ErrorMessage = &rec.ErrorMessage
	}
	if rec.CompletedAt != nil {
		upd.CompletedAt = rec.CompletedAt
	}
	if st.totalDuration > 0 {
		upd.TotalDuration = &st.totalDuration
	}
	if err := st.session.UpdateStatus(pctx, spec.ID, upd); err != nil {
		logger.Warn().Err(err).Msg("terminal persistence failed; repository row is stale")
	}
	if rec.Status == types.TaskStatusCompleted && rec.OutputFile != "" {
		if err := st.session.AttachOutput(pctx, spec.ID, rec.OutputFile); err != nil {
			logger.Warn().Err(err).Msg("attach output failed")
		}
	}
}

// report sends a progress update with the current stage and a remaining-time
// estimate derived from elapsed time.
func (c *Composer) report(taskID string, st *runState, progress int, stage string) {
	upd := task.Update{
		Progress:     &progress,
		CurrentStage: &stage,
	}
	if progress > 0 {
		elapsed := int(time.Since(st.startedAt).Seconds())
		eta := elapsed * (100 - progress) / progress
		upd.ETASeconds = &eta
	}
	if err := c.facade.UpdateProgress(taskID, upd); err != nil {
		c.logger.Debug().Str(log.FieldTaskID, taskID).Str(log.FieldStage, stage).Err(err).Msg("progress update rejected")
	}
}

// outputMeta is the operator artifact written next to the published file.
type outputMeta struct {
	TaskID          string    `json:"task_id"`
	UserID          int64     `json:"user_id"`
	VideoIDs        []int64   `json:"video_ids"`
	OutputFile      string    `json:"output_file"`
	DurationSeconds float64   `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

func (c *Composer) writeMeta(spec task.TaskSpec, st *runState, logger zerolog.Logger) {
	meta := outputMeta{
		TaskID:          spec.ID,
		UserID:          spec.UserID,
		VideoIDs:        spec.VideoIDs,
		OutputFile:      st.outputFile,
		DurationSeconds: st.totalDuration,
		CreatedAt:       time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return
	}
	if err := renameio.WriteFile(st.finalPath+".meta.json", raw, 0o644); err != nil {
		logger.Warn().Err(err).Msg("write meta artifact failed")
	}
}
