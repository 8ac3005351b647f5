// Package media defines the ports the composition worker drives: the
// source-video metadata lookup and the clip/encoder abstraction. The codec
// itself is the encoder implementation's concern.
package media

import (
	"context"
	"errors"
)

// ErrVideoNotFound is returned by lookups of unknown video IDs.
var ErrVideoNotFound = errors.New("video not found")

// Video is the metadata record for one source video.
type Video struct {
	ID              int64
	Path            string
	DurationSeconds float64
	Valid           bool
}

// VideoRepository yields source-video metadata by ID.
type VideoRepository interface {
	Lookup(ctx context.Context, id int64) (*Video, error)
}

// Clip is an opened source clip. Callers must Close every opened clip on
// every exit path.
type Clip interface {
	Path() string
	DurationSeconds() float64
	Close() error
}

// Timeline is an ordered concatenation of opened clips.
type Timeline struct {
	Clips                []Clip
	TotalDurationSeconds float64
}

// ProgressFunc reports encode progress as a fraction in [0, 1].
type ProgressFunc func(fraction float64)

// Encoder opens clips, concatenates them and encodes the output container.
type Encoder interface {
	// OpenClip opens one source clip, verifying it is readable.
	OpenClip(ctx context.Context, path string, durationSeconds float64) (Clip, error)

	// Concat assembles the opened clips into a single timeline.
	Concat(clips []Clip) (*Timeline, error)

	// Encode writes the timeline to outPath, reporting progress as it goes.
	// Cancelling ctx aborts the encode and removes nothing; the caller owns
	// partial-output cleanup.
	Encode(ctx context.Context, tl *Timeline, outPath string, onProgress ProgressFunc) error
}
