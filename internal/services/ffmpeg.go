package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/scenecast/internal/media"
	"github.com/rs/zerolog/log"
)

// FFmpegService implements media.Encoder with the ffmpeg and ffprobe binaries.
type FFmpegService struct {
	ffmpeg  string
	ffprobe string
}

var _ media.Encoder = (*FFmpegService)(nil)

func NewFFmpegService() *FFmpegService {
	return &FFmpegService{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
}

// run executes ffmpeg and folds the tail of stderr into the error.
func (s *FFmpegService) run(ctx context.Context, op string, args ...string) error {
	log.Debug().Str("op", op).Strs("args", args).Msg("Running ffmpeg")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.ffmpeg, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s failed: %w: %s", op, err, tail(stderr.String(), 400))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// Duration returns the container duration reported by ffprobe.
func (s *FFmpegService) Duration(ctx context.Context, path string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, s.ffprobe, args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}

	return time.Duration(durationSec * float64(time.Second)), nil
}

// TrimAudio cuts [start, start+length) and re-encodes to AAC so the cut is
// sample accurate.
func (s *FFmpegService) TrimAudio(ctx context.Context, in, out string, start, length time.Duration) error {
	return s.run(ctx, "trim audio",
		"-ss", seconds(start),
		"-t", seconds(length),
		"-i", in,
		"-vn",
		"-c:a", "aac",
		"-b:a", "192k",
		"-y",
		out,
	)
}

// TrimVideo re-encodes the span; stream copy would snap to keyframes.
func (s *FFmpegService) TrimVideo(ctx context.Context, in, out string, start, length time.Duration) error {
	return s.run(ctx, "trim video",
		"-ss", seconds(start),
		"-t", seconds(length),
		"-i", in,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-b:a", "192k",
		"-pix_fmt", "yuv420p",
		"-y",
		out,
	)
}

// StripAudio drops every audio stream without touching the video.
func (s *FFmpegService) StripAudio(ctx context.Context, in, out string) error {
	return s.run(ctx, "strip audio",
		"-i", in,
		"-map", "0:v",
		"-c:v", "copy",
		"-an",
		"-y",
		out,
	)
}

// Concatenate joins clips back to back with the concat demuxer. The list file
// is written next to the output so concurrent calls never share it.
func (s *FFmpegService) Concatenate(ctx context.Context, inputs []string, out string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	listPath := filepath.Join(filepath.Dir(out), filepath.Base(out)+".concat.txt")
	var list strings.Builder
	for _, path := range inputs {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", path, err)
		}
		// FFmpeg concat format
		fmt.Fprintf(&list, "file '%s'\n", escapeConcatPath(abs))
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	defer os.Remove(listPath)

	return s.run(ctx, "concatenate",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy", // Copy without re-encoding
		"-y",
		out,
	)
}

// escapeConcatPath escapes single quotes for the concat list syntax.
func escapeConcatPath(path string) string {
	return strings.ReplaceAll(path, "'", `'\''`)
}

// AttachAudio maps the video stream and the given track into one file,
// discarding any audio already on the video. The output keeps the full video
// length even when the track is shorter.
func (s *FFmpegService) AttachAudio(ctx context.Context, video, audio, out string) error {
	return s.run(ctx, "attach audio",
		"-i", video, // Input 0: concatenated video
		"-i", audio, // Input 1: backing track
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "copy", // Copy video stream as-is (fast!)
		"-c:a", "aac",
		"-b:a", "192k",
		"-y",
		out,
	)
}
