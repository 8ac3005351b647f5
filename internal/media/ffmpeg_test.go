package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func writeTempClip(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFFmpegEncoder_OpenClip(t *testing.T) {
	enc := &FFmpegEncoder{Log: zerolog.Nop()}
	dir := t.TempDir()

	good := writeTempClip(t, dir, "good.mp4", "data")
	empty := writeTempClip(t, dir, "empty.mp4", "")

	clip, err := enc.OpenClip(context.Background(), good, 12.5)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if clip.Path() != good {
		t.Errorf("path = %q, want %q", clip.Path(), good)
	}
	if clip.DurationSeconds() != 12.5 {
		t.Errorf("duration = %v, want 12.5", clip.DurationSeconds())
	}
	if err := clip.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	// Double close is a no-op.
	if err := clip.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	if _, err := enc.OpenClip(context.Background(), empty, 1); err == nil {
		t.Error("expected error for empty clip")
	}
	if _, err := enc.OpenClip(context.Background(), filepath.Join(dir, "nope.mp4"), 1); err == nil {
		t.Error("expected error for missing clip")
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := enc.OpenClip(cancelled, good, 1); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestFFmpegEncoder_Concat(t *testing.T) {
	enc := &FFmpegEncoder{Log: zerolog.Nop()}
	dir := t.TempDir()

	a := writeTempClip(t, dir, "a.mp4", "x")
	b := writeTempClip(t, dir, "b.mp4", "y")

	clipA, _ := enc.OpenClip(context.Background(), a, 10)
	clipB, _ := enc.OpenClip(context.Background(), b, 20)
	defer clipA.Close()
	defer clipB.Close()

	tl, err := enc.Concat([]Clip{clipA, clipB})
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	if tl.TotalDurationSeconds != 30 {
		t.Errorf("total = %v, want 30", tl.TotalDurationSeconds)
	}
	if len(tl.Clips) != 2 {
		t.Errorf("clips = %d, want 2", len(tl.Clips))
	}

	if _, err := enc.Concat(nil); err == nil {
		t.Error("expected error for empty clip list")
	}
}

func TestFFmpegEncoder_EncodeLogsInvocation(t *testing.T) {
	dir := t.TempDir()
	src := writeTempClip(t, dir, "a.mp4", "data")

	var buf strings.Builder
	// `false` exits nonzero immediately, driving the failure path without
	// a real ffmpeg binary.
	enc := &FFmpegEncoder{Bin: "false", Log: zerolog.New(&buf)}

	clip, err := enc.OpenClip(context.Background(), src, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer clip.Close()

	tl, err := enc.Concat([]Clip{clip})
	if err != nil {
		t.Fatalf("concat: %v", err)
	}

	err = enc.Encode(context.Background(), tl, filepath.Join(dir, "out.mp4"), nil)
	if err == nil {
		t.Fatal("encode with failing binary should error")
	}
	if !strings.Contains(err.Error(), "ffmpeg failed") {
		t.Errorf("err = %v, want ffmpeg failure", err)
	}

	logs := buf.String()
	if !strings.Contains(logs, "starting ffmpeg") {
		t.Errorf("logs missing invocation line: %s", logs)
	}
	if !strings.Contains(logs, "ffmpeg failed") {
		t.Errorf("logs missing failure line: %s", logs)
	}
}

func TestWriteConcatList(t *testing.T) {
	dir := t.TempDir()
	enc := &FFmpegEncoder{}

	plain := writeTempClip(t, dir, "plain.mp4", "x")
	quoted := writeTempClip(t, dir, "it's here.mp4", "y")

	c1, _ := enc.OpenClip(context.Background(), plain, 1)
	c2, _ := enc.OpenClip(context.Background(), quoted, 1)
	defer c1.Close()
	defer c2.Close()

	listPath := filepath.Join(dir, "list.txt")
	if err := writeConcatList(listPath, []Clip{c1, c2}); err != nil {
		t.Fatalf("write: %v", err)
	}

	raw, err := os.ReadFile(listPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if !strings.HasPrefix(lines[0], "file '") || !strings.HasSuffix(lines[0], "'") {
		t.Errorf("line not quoted: %q", lines[0])
	}
	// Embedded single quote must be escaped for the concat demuxer.
	if !strings.Contains(lines[1], `'\''`) {
		t.Errorf("quote not escaped: %q", lines[1])
	}
}

func TestParseProgress(t *testing.T) {
	enc := &FFmpegEncoder{}

	stream := strings.Join([]string{
		"frame=100",
		"out_time_us=5000000",
		"progress=continue",
		"out_time_us=10000000",
		"progress=continue",
		"out_time_us=99000000",
		"progress=end",
	}, "\n")

	var fracs []float64
	enc.parseProgress(strings.NewReader(stream), 10, func(f float64) {
		fracs = append(fracs, f)
	})

	if len(fracs) != 3 {
		t.Fatalf("callbacks = %d, want 3", len(fracs))
	}
	if fracs[0] != 0.5 {
		t.Errorf("fracs[0] = %v, want 0.5", fracs[0])
	}
	if fracs[1] != 1.0 {
		t.Errorf("fracs[1] = %v, want 1.0", fracs[1])
	}
	// Overshoot is capped at 1.
	if fracs[2] != 1.0 {
		t.Errorf("fracs[2] = %v, want capped 1.0", fracs[2])
	}
}

func TestParseProgress_ZeroDuration(t *testing.T) {
	enc := &FFmpegEncoder{}

	called := false
	enc.parseProgress(strings.NewReader("out_time_us=1\nprogress=end\n"), 0, func(float64) {
		called = true
	})
	if called {
		t.Error("no callback expected for unknown total duration")
	}
}

func TestLastLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"only", "only"},
		{"first\nsecond\n", "second"},
		{"a\n  b  \n", "b"},
	}
	for _, tt := range tests {
		if got := lastLine(tt.in); got != tt.want {
			t.Errorf("lastLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
