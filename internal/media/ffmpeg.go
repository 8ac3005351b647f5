package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// FFmpegEncoder is the default Encoder; it concatenates clips with the
// ffmpeg concat demuxer and tracks encode progress via `-progress pipe:1`.
type FFmpegEncoder struct {
	Bin string // ffmpeg binary path; empty means "ffmpeg" from PATH
	Log zerolog.Logger
}

func (e *FFmpegEncoder) bin() string {
	if e.Bin == "" {
		return "ffmpeg"
	}
	return e.Bin
}

type fileClip struct {
	path     string
	duration float64
	f        *os.File
}

func (c *fileClip) Path() string             { return c.path }
func (c *fileClip) DurationSeconds() float64 { return c.duration }

func (c *fileClip) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

// OpenClip verifies the source file exists and is readable, and holds it
// open so it cannot vanish mid-composition.
func (e *FFmpegEncoder) OpenClip(ctx context.Context, path string, durationSeconds float64) (Clip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open clip %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat clip %s: %w", path, err)
	}
	if info.Size() == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("clip %s is empty", path)
	}

	return &fileClip{path: path, duration: durationSeconds, f: f}, nil
}

// Concat assembles opened clips into a single timeline.
func (e *FFmpegEncoder) Concat(clips []Clip) (*Timeline, error) {
	if len(clips) == 0 {
		return nil, fmt.Errorf("no clips to concatenate")
	}
	tl := &Timeline{Clips: clips}
	for _, c := range clips {
		tl.TotalDurationSeconds += c.DurationSeconds()
	}
	return tl, nil
}

// Encode runs the concat demuxer into outPath. Progress fractions are
// derived from ffmpeg's out_time_us against the timeline duration.
func (e *FFmpegEncoder) Encode(ctx context.Context, tl *Timeline, outPath string, onProgress ProgressFunc) error {
	listPath := outPath + ".concat.txt"
	if err := writeConcatList(listPath, tl.Clips); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer func() { _ = os.Remove(listPath) }()

	args := []string{
		"-nostdin", "-progress", "pipe:1",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", outPath,
	}

	e.Log.Debug().
		Str("bin", e.bin()).
		Strs("args", args).
		Msg("starting ffmpeg")

	cmd := exec.CommandContext(ctx, e.bin(), args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	e.parseProgress(stdout, tl.TotalDurationSeconds, onProgress)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.Log.Error().
			Err(err).
			Str("stderr", lastLine(stderrBuf.String())).
			Msg("ffmpeg failed")
		return fmt.Errorf("ffmpeg failed: %w: %s", err, lastLine(stderrBuf.String()))
	}
	return nil
}

// parseProgress reads key=value lines from ffmpeg's progress stream and
// reports a completion fraction on every flush.
func (e *FFmpegEncoder) parseProgress(r io.Reader, totalSeconds float64, onProgress ProgressFunc) {
	scanner := bufio.NewScanner(r)
	var outTimeUs int64

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

		switch key {
		case "out_time_us":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				outTimeUs = v
			}
		case "progress":
			// Flush point
			if onProgress != nil && totalSeconds > 0 {
				frac := (float64(outTimeUs) / 1e6) / totalSeconds
				if frac > 1 {
					frac = 1
				}
				onProgress(frac)
			}
		}
	}
}

func writeConcatList(path string, clips []Clip) error {
	var b strings.Builder
	for _, c := range clips {
		abs, err := filepath.Abs(c.Path())
		if err != nil {
			abs = c.Path()
		}
		// concat demuxer quoting: single quotes, embedded quotes escaped
		b.WriteString("file '" + strings.ReplaceAll(abs, "'", `'\''`) + "'\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
