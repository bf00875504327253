package media

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/bobarin/scenecast/internal/models"
	"github.com/bobarin/scenecast/internal/storage"
	"github.com/rs/zerolog/log"
)

// Encoder is the media toolchain. Paths are local files; outputs are
// overwritten.
type Encoder interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
	TrimAudio(ctx context.Context, in, out string, start, length time.Duration) error
	TrimVideo(ctx context.Context, in, out string, start, length time.Duration) error
	StripAudio(ctx context.Context, in, out string) error
	Concatenate(ctx context.Context, inputs []string, out string) error
	// AttachAudio replaces the video's audio with the given track. A track
	// shorter than the video leaves silence after it ends.
	AttachAudio(ctx context.Context, video, audio, out string) error
}

// CumulativeOffset sums the declared durations of every scene whose sequence
// is lower than target. The input order does not matter.
func CumulativeOffset(scenes []models.Scene, target int) time.Duration {
	var offset time.Duration
	for _, s := range scenes {
		if s.Sequence < target {
			offset += s.Duration()
		}
	}
	return offset
}

// ClampSpan returns the usable length of [start, start+length) within an
// asset of the given duration. The end is clamped to the asset; a start at or
// beyond the end is an error.
func ClampSpan(available, start, length time.Duration) (time.Duration, error) {
	if start < 0 || length <= 0 {
		return 0, fmt.Errorf("%w: invalid span start=%s length=%s", models.ErrValidation, start, length)
	}
	if start >= available {
		return 0, fmt.Errorf("%w: span starts at %s but audio is only %s long", models.ErrValidation, start, available)
	}
	if start+length > available {
		return available - start, nil
	}
	return length, nil
}

// AudioClip describes a persisted audio slice.
type AudioClip struct {
	Key      string
	Start    time.Duration
	Duration time.Duration
	Clamped  bool
}

// Timing slices audio to match positions on the scene timeline. Slices are
// stored under new keys; the source asset is never modified.
type Timing struct {
	Storage storage.AssetStorage
	Encoder Encoder
	TempDir string
}

// ClipAudio persists [start, start+length) of sourceKey under destKey,
// clamping the end to the source's real duration.
func (t *Timing) ClipAudio(ctx context.Context, sourceKey string, start, length time.Duration, destKey string) (*AudioClip, error) {
	if err := models.ValidateAssetKey(destKey); err != nil {
		return nil, err
	}
	if destKey == sourceKey {
		return nil, fmt.Errorf("%w: audio slice must not overwrite its source", models.ErrValidation)
	}

	work, err := os.MkdirTemp(t.TempDir, "clip-audio-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer removeWorkDir(work)

	src, cleanup, err := t.Storage.Fetch(ctx, sourceKey, work)
	if err != nil {
		return nil, fmt.Errorf("fetch audio %s: %w", sourceKey, err)
	}
	defer cleanup()

	out := filepath.Join(work, "slice"+path.Ext(destKey))
	clip, err := t.clipFile(ctx, src, out, start, length)
	if err != nil {
		return nil, err
	}

	if _, err := t.Storage.PutFile(ctx, destKey, out, audioContentType(destKey)); err != nil {
		return nil, fmt.Errorf("store audio slice: %w", err)
	}
	clip.Key = destKey

	log.Debug().
		Str("source", sourceKey).
		Str("key", destKey).
		Dur("start", clip.Start).
		Dur("duration", clip.Duration).
		Bool("clamped", clip.Clamped).
		Msg("Audio slice stored")
	return clip, nil
}

// clipFile trims a local audio file. Key is left empty.
func (t *Timing) clipFile(ctx context.Context, src, out string, start, length time.Duration) (*AudioClip, error) {
	available, err := t.Encoder.Duration(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("probe audio: %w", err)
	}
	effective, err := ClampSpan(available, start, length)
	if err != nil {
		return nil, err
	}
	if err := t.Encoder.TrimAudio(ctx, src, out, start, effective); err != nil {
		return nil, fmt.Errorf("trim audio: %w", err)
	}
	return &AudioClip{Start: start, Duration: effective, Clamped: effective < length}, nil
}

func audioContentType(key string) string {
	switch path.Ext(key) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "audio/mp4"
	}
}

// removeWorkDir deletes a per-invocation directory. Failures are logged only.
func removeWorkDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Failed to remove work dir")
	}
}
