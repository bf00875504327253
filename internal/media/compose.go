package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/scenecast/internal/models"
	"github.com/bobarin/scenecast/internal/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// MissingInputsError names every video key that could not be resolved.
type MissingInputsError struct {
	Keys []string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("composition inputs not found: %s", strings.Join(e.Keys, ", "))
}

func (e *MissingInputsError) Is(target error) bool {
	return target == storage.ErrNotFound
}

// StitchOptions controls a composition.
type StitchOptions struct {
	AudioOverlayKey   *string
	SuppressClipAudio bool
	OutputKey         string
	// TrimmedAudioKey receives the overlay cut to the video length. Empty
	// skips persisting it.
	TrimmedAudioKey string
}

// Metadata reports what a composition produced.
type Metadata struct {
	OutputKey           string                    `json:"output_key"`
	VideoDuration       time.Duration             `json:"video_duration"`
	ClipDurations       []time.Duration           `json:"clip_durations"`
	AudioOverlayApplied bool                      `json:"audio_overlay_applied"`
	AudioOverlayWarning *string                   `json:"audio_overlay_warning,omitempty"`
	TrimmedAudioKey     *string                   `json:"trimmed_audio_key,omitempty"`
	Outcome             models.CompositionOutcome `json:"outcome"`
}

// Engine concatenates scene clips and overlays a backing track.
type Engine struct {
	Storage storage.AssetStorage
	Encoder Encoder
	Timing  *Timing
	TempDir string
}

// NewEngine wires an engine and its timing calculator to the same storage and
// encoder.
func NewEngine(store storage.AssetStorage, enc Encoder, tempDir string) *Engine {
	return &Engine{
		Storage: store,
		Encoder: enc,
		Timing:  &Timing{Storage: store, Encoder: enc, TempDir: tempDir},
		TempDir: tempDir,
	}
}

// Stitch joins videoKeys in the given order. Any unresolvable video fails the
// whole call; overlay problems only downgrade the outcome. Every temporary
// file lives in a per-call directory removed on return.
func (e *Engine) Stitch(ctx context.Context, videoKeys []string, opts StitchOptions) (*Metadata, error) {
	if len(videoKeys) == 0 {
		return nil, fmt.Errorf("%w: no video inputs", models.ErrValidation)
	}
	if err := models.ValidateAssetKey(opts.OutputKey); err != nil {
		return nil, fmt.Errorf("output key: %w", err)
	}

	work, err := os.MkdirTemp(e.TempDir, "compose-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer removeWorkDir(work)

	paths, durations, release, err := e.resolveVideos(ctx, videoKeys, work)
	defer release()
	if err != nil {
		return nil, err
	}

	if opts.SuppressClipAudio {
		if paths, err = e.stripAll(ctx, paths, work); err != nil {
			return nil, err
		}
	}

	var total time.Duration
	for _, d := range durations {
		total += d
	}

	concatPath := filepath.Join(work, "concat.mp4")
	if err := e.Encoder.Concatenate(ctx, paths, concatPath); err != nil {
		return nil, fmt.Errorf("concatenate %d clips: %w", len(paths), err)
	}

	meta := &Metadata{
		OutputKey:     opts.OutputKey,
		VideoDuration: total,
		ClipDurations: durations,
		Outcome:       models.OutcomeSucceeded,
	}

	final := concatPath
	if opts.AudioOverlayKey != nil {
		overlaid, trimmedKey, warn := e.overlay(ctx, work, concatPath, total, *opts.AudioOverlayKey, opts.TrimmedAudioKey)
		if warn != "" {
			log.Warn().Str("audio", *opts.AudioOverlayKey).Str("warning", warn).Msg("Composing without audio overlay")
			meta.AudioOverlayWarning = &warn
			meta.Outcome = models.OutcomeSucceededWithoutAudio
		} else {
			final = overlaid
			meta.AudioOverlayApplied = true
			meta.TrimmedAudioKey = trimmedKey
		}
	}

	if _, err := e.Storage.PutFile(ctx, opts.OutputKey, final, "video/mp4"); err != nil {
		return nil, fmt.Errorf("store composition: %w", err)
	}

	log.Info().
		Str("key", opts.OutputKey).
		Int("clips", len(videoKeys)).
		Dur("duration", total).
		Bool("audio", meta.AudioOverlayApplied).
		Msg("Composition stored")
	return meta, nil
}

// resolveVideos fetches and probes every input in parallel, keeping the
// caller's order. Missing keys are collected rather than failing fast. The
// returned release func drops the fetched copies and is never nil; call it
// once the paths are no longer read.
func (e *Engine) resolveVideos(ctx context.Context, keys []string, work string) ([]string, []time.Duration, func(), error) {
	paths := make([]string, len(keys))
	durations := make([]time.Duration, len(keys))
	missing := make([]bool, len(keys))

	var mu sync.Mutex
	var cleanups []func()
	release := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range cleanups {
			c()
		}
		cleanups = nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			dir := filepath.Join(work, fmt.Sprintf("in-%03d", i))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create input dir: %w", err)
			}
			p, cleanup, err := e.Storage.Fetch(gctx, key, dir)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					missing[i] = true
					return nil
				}
				return fmt.Errorf("resolve video %s: %w", key, err)
			}
			mu.Lock()
			cleanups = append(cleanups, cleanup)
			mu.Unlock()

			d, err := e.Encoder.Duration(gctx, p)
			if err != nil {
				return fmt.Errorf("probe video %s: %w", key, err)
			}
			paths[i] = p
			durations[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, release, err
	}

	var missingKeys []string
	for i, m := range missing {
		if m {
			missingKeys = append(missingKeys, keys[i])
		}
	}
	if len(missingKeys) > 0 {
		return nil, nil, release, &MissingInputsError{Keys: missingKeys}
	}
	return paths, durations, release, nil
}

func (e *Engine) stripAll(ctx context.Context, paths []string, work string) ([]string, error) {
	out := make([]string, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			out[i] = filepath.Join(work, fmt.Sprintf("silent-%03d.mp4", i))
			if err := e.Encoder.StripAudio(gctx, p, out[i]); err != nil {
				return fmt.Errorf("strip audio from clip %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// overlay attaches the backing track, trimmed to the video when longer. It
// returns a non-empty warning instead of an error on any failure.
func (e *Engine) overlay(ctx context.Context, work, videoPath string, videoDuration time.Duration, audioKey, trimmedKey string) (string, *string, string) {
	audioPath, cleanup, err := e.Storage.Fetch(ctx, audioKey, work)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil, fmt.Sprintf("audio overlay %s not found", audioKey)
		}
		return "", nil, fmt.Sprintf("audio overlay %s could not be fetched: %v", audioKey, err)
	}
	defer cleanup()

	available, err := e.Encoder.Duration(ctx, audioPath)
	if err != nil {
		return "", nil, fmt.Sprintf("audio overlay %s could not be decoded: %v", audioKey, err)
	}

	track := audioPath
	trimmed := false
	if available > videoDuration {
		cut := filepath.Join(work, "overlay-trimmed.m4a")
		if _, err := e.Timing.clipFile(ctx, audioPath, cut, 0, videoDuration); err != nil {
			return "", nil, fmt.Sprintf("audio overlay trim failed: %v", err)
		}
		track = cut
		trimmed = true
	}

	out := filepath.Join(work, "with-audio.mp4")
	if err := e.Encoder.AttachAudio(ctx, videoPath, track, out); err != nil {
		return "", nil, fmt.Sprintf("audio overlay attach failed: %v", err)
	}

	var storedKey *string
	if trimmed && trimmedKey != "" {
		if _, err := e.Storage.PutFile(ctx, trimmedKey, track, audioContentType(trimmedKey)); err != nil {
			log.Warn().Err(err).Str("key", trimmedKey).Msg("Failed to store trimmed overlay")
		} else {
			storedKey = &trimmedKey
		}
	}
	return out, storedKey, ""
}
