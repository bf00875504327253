package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bobarin/scenecast/internal/models"
	"github.com/bobarin/scenecast/internal/storage"
)

// fakeMedia is the content of every file the fake encoder reads or writes.
type fakeMedia struct {
	Kind     string   `json:"kind"`
	Ms       int64    `json:"ms"`
	AudioMs  int64    `json:"audio_ms"`
	StartMs  int64    `json:"start_ms,omitempty"`
	Name     string   `json:"name"`
	Parts    []string `json:"parts,omitempty"`
	Stripped bool     `json:"stripped,omitempty"`
	Track    string   `json:"track,omitempty"`
}

type fakeEncoder struct {
	failAttach bool
}

func readMedia(path string) (fakeMedia, error) {
	var m fakeMedia
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("invalid data found when processing input")
	}
	return m, nil
}

func writeMedia(path string, m fakeMedia) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (f *fakeEncoder) Duration(ctx context.Context, path string) (time.Duration, error) {
	m, err := readMedia(path)
	if err != nil {
		return 0, err
	}
	return time.Duration(m.Ms) * time.Millisecond, nil
}

func (f *fakeEncoder) TrimAudio(ctx context.Context, in, out string, start, length time.Duration) error {
	m, err := readMedia(in)
	if err != nil {
		return err
	}
	return writeMedia(out, fakeMedia{Kind: "audio", Ms: length.Milliseconds(), StartMs: start.Milliseconds(), Name: m.Name})
}

func (f *fakeEncoder) TrimVideo(ctx context.Context, in, out string, start, length time.Duration) error {
	m, err := readMedia(in)
	if err != nil {
		return err
	}
	m.Ms = length.Milliseconds()
	m.StartMs = start.Milliseconds()
	return writeMedia(out, m)
}

func (f *fakeEncoder) StripAudio(ctx context.Context, in, out string) error {
	m, err := readMedia(in)
	if err != nil {
		return err
	}
	m.AudioMs = 0
	m.Stripped = true
	return writeMedia(out, m)
}

func (f *fakeEncoder) Concatenate(ctx context.Context, inputs []string, out string) error {
	result := fakeMedia{Kind: "video", Stripped: true}
	for _, in := range inputs {
		m, err := readMedia(in)
		if err != nil {
			return err
		}
		result.Ms += m.Ms
		result.AudioMs += m.AudioMs
		result.Parts = append(result.Parts, m.Name)
		result.Stripped = result.Stripped && m.Stripped
	}
	return writeMedia(out, result)
}

func (f *fakeEncoder) AttachAudio(ctx context.Context, video, audio, out string) error {
	if f.failAttach {
		return errors.New("ffmpeg attach audio failed: exit status 1")
	}
	v, err := readMedia(video)
	if err != nil {
		return err
	}
	a, err := readMedia(audio)
	if err != nil {
		return err
	}
	v.AudioMs = a.Ms
	v.Track = fmt.Sprintf("%s@%d", a.Name, a.StartMs)
	return writeMedia(out, v)
}

// memS3 is an in-memory bucket behind the real S3Storage.
type memS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemS3() *memS3 { return &memS3{objects: map[string][]byte{}} }

func (m *memS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

type fixture struct {
	store   storage.AssetStorage
	tempDir string
	engine  *Engine
	encoder *fakeEncoder
}

func newFixture(t *testing.T, remote bool) *fixture {
	t.Helper()
	var store storage.AssetStorage
	if remote {
		store = storage.NewS3(newMemS3(), nil, "media")
	} else {
		local, err := storage.NewLocal(filepath.Join(t.TempDir(), "assets"), "http://localhost:8080")
		if err != nil {
			t.Fatalf("NewLocal: %v", err)
		}
		store = local
	}
	tempDir := filepath.Join(t.TempDir(), "work")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		t.Fatal(err)
	}
	enc := &fakeEncoder{}
	return &fixture{store: store, tempDir: tempDir, engine: NewEngine(store, enc, tempDir), encoder: enc}
}

func (f *fixture) put(t *testing.T, key string, m fakeMedia) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Put(context.Background(), key, data, "application/octet-stream"); err != nil {
		t.Fatalf("Put %s: %v", key, err)
	}
}

func (f *fixture) read(t *testing.T, key string) fakeMedia {
	t.Helper()
	data, err := f.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get %s: %v", key, err)
	}
	var m fakeMedia
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func (f *fixture) assertTempEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir not cleaned up: %d entries left", len(entries))
	}
}

func strPtr(s string) *string { return &s }

func TestCumulativeOffset(t *testing.T) {
	scenes := []models.Scene{
		{Sequence: 3, DurationMs: 6000},
		{Sequence: 1, DurationMs: 8000},
		{Sequence: 2, DurationMs: 8000},
	}

	tests := []struct {
		target int
		want   time.Duration
	}{
		{1, 0},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 22 * time.Second},
	}
	for _, tt := range tests {
		if got := CumulativeOffset(scenes, tt.target); got != tt.want {
			t.Errorf("CumulativeOffset(%d) = %s, want %s", tt.target, got, tt.want)
		}
	}
}

func TestClampSpan(t *testing.T) {
	tests := []struct {
		name                     string
		available, start, length time.Duration
		want                     time.Duration
		wantErr                  bool
	}{
		{"inside", 30 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second, false},
		{"clamped end", 30 * time.Second, 26 * time.Second, 8 * time.Second, 4 * time.Second, false},
		{"exact end", 22 * time.Second, 0, 22 * time.Second, 22 * time.Second, false},
		{"start past end", 30 * time.Second, 31 * time.Second, time.Second, 0, true},
		{"start at end", 30 * time.Second, 30 * time.Second, time.Second, 0, true},
		{"zero length", 30 * time.Second, 0, 0, 0, true},
	}
	for _, tt := range tests {
		got, err := ClampSpan(tt.available, tt.start, tt.length)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestClipAudioCreatesNewAsset(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.put(t, "d/p/audio/project/track.mp3", fakeMedia{Kind: "audio", Ms: 30000, Name: "track"})

	clip, err := f.engine.Timing.ClipAudio(ctx, "d/p/audio/project/track.mp3", 26*time.Second, 8*time.Second, "d/p/audio/3/slice.m4a")
	if err != nil {
		t.Fatalf("ClipAudio: %v", err)
	}
	if clip.Duration != 4*time.Second || !clip.Clamped {
		t.Errorf("clip = %+v, want clamped 4s", clip)
	}

	slice := f.read(t, "d/p/audio/3/slice.m4a")
	if slice.Ms != 4000 || slice.StartMs != 26000 {
		t.Errorf("slice = %+v", slice)
	}
	if src := f.read(t, "d/p/audio/project/track.mp3"); src.Ms != 30000 {
		t.Errorf("source audio was modified: %+v", src)
	}

	if _, err := f.engine.Timing.ClipAudio(ctx, "d/p/audio/project/track.mp3", 0, time.Second, "d/p/audio/project/track.mp3"); !errors.Is(err, models.ErrValidation) {
		t.Errorf("overwriting source: got %v, want ErrValidation", err)
	}
	f.assertTempEmpty(t)
}

func TestStitchExampleScenario(t *testing.T) {
	for _, remote := range []bool{false, true} {
		t.Run(fmt.Sprintf("remote=%v", remote), func(t *testing.T) {
			f := newFixture(t, remote)
			f.put(t, "d/p/scenes/1/a.mp4", fakeMedia{Kind: "video", Ms: 8000, AudioMs: 8000, Name: "a"})
			f.put(t, "d/p/scenes/2/b.mp4", fakeMedia{Kind: "video", Ms: 8000, AudioMs: 8000, Name: "b"})
			f.put(t, "d/p/scenes/3/c.mp4", fakeMedia{Kind: "video", Ms: 6000, AudioMs: 6000, Name: "c"})
			f.put(t, "d/p/audio/project/track.mp3", fakeMedia{Kind: "audio", Ms: 30000, Name: "track"})

			meta, err := f.engine.Stitch(context.Background(),
				[]string{"d/p/scenes/1/a.mp4", "d/p/scenes/2/b.mp4", "d/p/scenes/3/c.mp4"},
				StitchOptions{
					AudioOverlayKey:   strPtr("d/p/audio/project/track.mp3"),
					SuppressClipAudio: true,
					OutputKey:         "d/p/final/project/final.mp4",
					TrimmedAudioKey:   "d/p/audio/project/track-trimmed.m4a",
				})
			if err != nil {
				t.Fatalf("Stitch: %v", err)
			}

			if meta.VideoDuration != 22*time.Second {
				t.Errorf("video duration = %s, want 22s", meta.VideoDuration)
			}
			if !meta.AudioOverlayApplied || meta.AudioOverlayWarning != nil {
				t.Errorf("overlay applied=%v warning=%v", meta.AudioOverlayApplied, meta.AudioOverlayWarning)
			}
			if meta.Outcome != models.OutcomeSucceeded {
				t.Errorf("outcome = %s", meta.Outcome)
			}

			out := f.read(t, "d/p/final/project/final.mp4")
			if out.Ms != 22000 || out.AudioMs != 22000 || !out.Stripped {
				t.Errorf("output = %+v", out)
			}
			if out.Track != "track@0" {
				t.Errorf("overlay track = %s, want trimmed from offset 0", out.Track)
			}

			if meta.TrimmedAudioKey == nil {
				t.Fatal("trimmed audio key not reported")
			}
			if trimmed := f.read(t, *meta.TrimmedAudioKey); trimmed.Ms != 22000 || trimmed.StartMs != 0 {
				t.Errorf("trimmed audio = %+v", trimmed)
			}
			if src := f.read(t, "d/p/audio/project/track.mp3"); src.Ms != 30000 {
				t.Errorf("source track modified: %+v", src)
			}
			f.assertTempEmpty(t)
		})
	}
}

func TestStitchRespectsCallerOrder(t *testing.T) {
	f := newFixture(t, true)
	for _, name := range []string{"a", "b", "c"} {
		f.put(t, "d/p/scenes/x/"+name+".mp4", fakeMedia{Kind: "video", Ms: 1000, AudioMs: 1000, Name: name})
	}

	_, err := f.engine.Stitch(context.Background(),
		[]string{"d/p/scenes/x/c.mp4", "d/p/scenes/x/a.mp4", "d/p/scenes/x/b.mp4"},
		StitchOptions{OutputKey: "d/p/final/project/out.mp4"})
	if err != nil {
		t.Fatalf("Stitch: %v", err)
	}

	out := f.read(t, "d/p/final/project/out.mp4")
	want := []string{"c", "a", "b"}
	for i, part := range out.Parts {
		if part != want[i] {
			t.Fatalf("parts = %v, want %v", out.Parts, want)
		}
	}
	if out.AudioMs != 3000 || out.Stripped {
		t.Errorf("clip audio should be kept when not suppressed: %+v", out)
	}
}

func TestStitchRemoteClipsOutliveResolution(t *testing.T) {
	for _, suppress := range []bool{true, false} {
		t.Run(fmt.Sprintf("suppress=%v", suppress), func(t *testing.T) {
			f := newFixture(t, true)
			f.put(t, "d/p/scenes/1/a.mp4", fakeMedia{Kind: "video", Ms: 4000, AudioMs: 4000, Name: "a"})
			f.put(t, "d/p/scenes/2/b.mp4", fakeMedia{Kind: "video", Ms: 5000, AudioMs: 5000, Name: "b"})

			meta, err := f.engine.Stitch(context.Background(),
				[]string{"d/p/scenes/1/a.mp4", "d/p/scenes/2/b.mp4"},
				StitchOptions{SuppressClipAudio: suppress, OutputKey: "d/p/final/project/final.mp4"})
			if err != nil {
				t.Fatalf("Stitch: %v", err)
			}
			if meta.VideoDuration != 9*time.Second {
				t.Errorf("video duration = %s, want 9s", meta.VideoDuration)
			}
			out := f.read(t, "d/p/final/project/final.mp4")
			if len(out.Parts) != 2 || out.Stripped != suppress {
				t.Errorf("output = %+v", out)
			}
			f.assertTempEmpty(t)
		})
	}
}

func TestStitchMissingVideoFailsWhole(t *testing.T) {
	f := newFixture(t, true)
	f.put(t, "d/p/scenes/1/a.mp4", fakeMedia{Kind: "video", Ms: 8000, Name: "a"})

	_, err := f.engine.Stitch(context.Background(),
		[]string{"d/p/scenes/1/a.mp4", "d/p/scenes/2/gone.mp4", "d/p/scenes/3/gone.mp4"},
		StitchOptions{OutputKey: "d/p/final/project/final.mp4"})

	var missing *MissingInputsError
	if !errors.As(err, &missing) {
		t.Fatalf("got %v, want MissingInputsError", err)
	}
	if len(missing.Keys) != 2 || missing.Keys[0] != "d/p/scenes/2/gone.mp4" || missing.Keys[1] != "d/p/scenes/3/gone.mp4" {
		t.Errorf("missing keys = %v", missing.Keys)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		t.Error("MissingInputsError should match storage.ErrNotFound")
	}
	if ok, _ := f.store.Exists(context.Background(), "d/p/final/project/final.mp4"); ok {
		t.Error("partial output was stored")
	}
	f.assertTempEmpty(t)
}

func TestStitchAudioDegradesGracefully(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *fixture)
		audioKey   string
		failAttach bool
	}{
		{"missing overlay", func(f *fixture) {}, "d/p/audio/project/none.mp3", false},
		{"corrupt overlay", func(f *fixture) {
			f.store.Put(context.Background(), "d/p/audio/project/bad.mp3", []byte("not audio"), "audio/mpeg")
		}, "d/p/audio/project/bad.mp3", false},
		{"attach failure", func(f *fixture) {
			data, _ := json.Marshal(fakeMedia{Kind: "audio", Ms: 30000, Name: "t"})
			f.store.Put(context.Background(), "d/p/audio/project/t.mp3", data, "audio/mpeg")
		}, "d/p/audio/project/t.mp3", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.encoder.failAttach = tt.failAttach
			f.put(t, "d/p/scenes/1/a.mp4", fakeMedia{Kind: "video", Ms: 8000, AudioMs: 8000, Name: "a"})
			tt.setup(f)

			meta, err := f.engine.Stitch(context.Background(), []string{"d/p/scenes/1/a.mp4"}, StitchOptions{
				AudioOverlayKey:   strPtr(tt.audioKey),
				SuppressClipAudio: true,
				OutputKey:         "d/p/final/project/final.mp4",
			})
			if err != nil {
				t.Fatalf("Stitch returned error: %v", err)
			}
			if meta.AudioOverlayApplied {
				t.Error("overlay reported as applied")
			}
			if meta.AudioOverlayWarning == nil || *meta.AudioOverlayWarning == "" {
				t.Error("expected a warning")
			}
			if meta.Outcome != models.OutcomeSucceededWithoutAudio {
				t.Errorf("outcome = %s", meta.Outcome)
			}
			if out := f.read(t, "d/p/final/project/final.mp4"); out.Ms != 8000 {
				t.Errorf("output = %+v", out)
			}
			f.assertTempEmpty(t)
		})
	}
}

func TestStitchShortAudioIsNotLooped(t *testing.T) {
	f := newFixture(t, false)
	f.put(t, "d/p/scenes/1/a.mp4", fakeMedia{Kind: "video", Ms: 20000, Name: "a"})
	f.put(t, "d/p/audio/project/short.mp3", fakeMedia{Kind: "audio", Ms: 5000, Name: "short"})

	meta, err := f.engine.Stitch(context.Background(), []string{"d/p/scenes/1/a.mp4"}, StitchOptions{
		AudioOverlayKey:   strPtr("d/p/audio/project/short.mp3"),
		SuppressClipAudio: true,
		OutputKey:         "d/p/final/project/final.mp4",
		TrimmedAudioKey:   "d/p/audio/project/trimmed.m4a",
	})
	if err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	if !meta.AudioOverlayApplied || meta.TrimmedAudioKey != nil {
		t.Errorf("short track should be attached untrimmed: %+v", meta)
	}
	if out := f.read(t, "d/p/final/project/final.mp4"); out.Ms != 20000 || out.AudioMs != 5000 {
		t.Errorf("output = %+v", out)
	}
}
