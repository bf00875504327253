package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bobarin/scenecast/internal/models"
	"github.com/google/uuid"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

type fakePresigner struct {
	calls int
}

func (p *fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	p.calls++
	opts := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	url := fmt.Sprintf("https://%s.s3.amazonaws.com/%s?X-Amz-Expires=%d&n=%d", *in.Bucket, *in.Key, int(opts.Expires.Seconds()), p.calls)
	return &v4.PresignedHTTPRequest{URL: url, Method: "GET"}, nil
}

func backends(t *testing.T) map[string]AssetStorage {
	t.Helper()
	local, err := NewLocal(filepath.Join(t.TempDir(), "assets"), "http://localhost:8080")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return map[string]AssetStorage{
		"local":  local,
		"remote": NewS3(newFakeS3(), &fakePresigner{}, "media"),
	}
}

func TestKeys(t *testing.T) {
	id := uuid.MustParse("11111111-2222-4333-8444-555555555555")
	k := Keys{Domain: "/acme/"}

	if got := k.Scene(id, CategoryScenes, 3, "clip.mp4"); got != "acme/11111111-2222-4333-8444-555555555555/scenes/3/clip.mp4" {
		t.Errorf("Scene key = %s", got)
	}
	if got := k.Project(id, CategoryFinal, "final.mp4"); got != "acme/11111111-2222-4333-8444-555555555555/final/project/final.mp4" {
		t.Errorf("Project key = %s", got)
	}
	if err := models.ValidateAssetKey(Keys{}.Scene(id, CategoryLipSync, 1, Unique("lipsync", ".mp4"))); err != nil {
		t.Errorf("generated key is not a valid asset key: %v", err)
	}
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	data := []byte{0x00, 0x01, 0xfe, 0xff, 'm', 'p', '4', '\n'}

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := "acme/p/scenes/1/clip.mp4"
			got, err := store.Put(ctx, key, data, "video/mp4")
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if got != key {
				t.Errorf("Put returned %s, want %s", got, key)
			}

			back, err := store.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(back, data) {
				t.Errorf("round trip mismatch: %v vs %v", back, data)
			}

			path, cleanup, err := store.Fetch(ctx, key, t.TempDir())
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			fetched, err := os.ReadFile(path)
			cleanup()
			if err != nil {
				t.Fatalf("read fetched: %v", err)
			}
			if !bytes.Equal(fetched, data) {
				t.Errorf("fetched bytes differ")
			}
		})
	}
}

func TestPutFileLeavesNoStagingCopy(t *testing.T) {
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			staged := filepath.Join(t.TempDir(), "out.mp4")
			if err := os.WriteFile(staged, []byte("final video"), 0o644); err != nil {
				t.Fatalf("write staged: %v", err)
			}

			key := "acme/p/final/project/final.mp4"
			if _, err := store.PutFile(ctx, key, staged, "video/mp4"); err != nil {
				t.Fatalf("PutFile: %v", err)
			}
			if _, err := os.Stat(staged); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("staged file still present after PutFile: %v", err)
			}

			got, err := store.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "final video" {
				t.Errorf("got %q", got)
			}
		})
	}
}

func TestS3PutFileSucceedsWhenStagedCopyLingers(t *testing.T) {
	orig := removeStaged
	removeStaged = func(string) error { return os.ErrPermission }
	t.Cleanup(func() { removeStaged = orig })

	staged := filepath.Join(t.TempDir(), "out.mp4")
	if err := os.WriteFile(staged, []byte("final video"), 0o644); err != nil {
		t.Fatalf("write staged: %v", err)
	}

	store := NewS3(newFakeS3(), &fakePresigner{}, "media")
	key := "acme/p/final/project/final.mp4"
	got, err := store.PutFile(context.Background(), key, staged, "video/mp4")
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if got != key {
		t.Errorf("PutFile returned %s, want %s", got, key)
	}
	if ok, err := store.Exists(context.Background(), key); err != nil || !ok {
		t.Errorf("uploaded object missing: ok=%v err=%v", ok, err)
	}
}

func TestMissingKeyIsNotFound(t *testing.T) {
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get(ctx, "acme/p/audio/project/none.mp3"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get: got %v, want ErrNotFound", err)
			}
			if _, _, err := store.Fetch(ctx, "acme/p/audio/project/none.mp3", t.TempDir()); !errors.Is(err, ErrNotFound) {
				t.Errorf("Fetch: got %v, want ErrNotFound", err)
			}
			ok, err := store.Exists(ctx, "acme/p/audio/project/none.mp3")
			if err != nil || ok {
				t.Errorf("Exists = %v, %v", ok, err)
			}
			if err := store.Delete(ctx, "acme/p/audio/project/none.mp3"); err != nil {
				t.Errorf("Delete of missing key: %v", err)
			}
		})
	}
}

func TestRejectsURLKeys(t *testing.T) {
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Put(ctx, "https://example.com/a.mp4", []byte("x"), "video/mp4")
			if !errors.Is(err, models.ErrValidation) {
				t.Errorf("got %v, want ErrValidation", err)
			}
			if _, err := store.Get(ctx, "../outside.mp4"); !errors.Is(err, models.ErrValidation) {
				t.Errorf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestURLFor(t *testing.T) {
	ctx := context.Background()
	key := "acme/p/final/project/final.mp4"

	local, err := NewLocal(t.TempDir(), "http://localhost:8080/")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	url, err := local.URLFor(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("URLFor: %v", err)
	}
	if url != "http://localhost:8080/v1/assets/"+key {
		t.Errorf("local URL = %s", url)
	}

	presigner := &fakePresigner{}
	remote := NewS3(newFakeS3(), presigner, "media")
	first, err := remote.URLFor(ctx, key, 0)
	if err != nil {
		t.Fatalf("URLFor: %v", err)
	}
	if !strings.Contains(first, "X-Amz-Expires=3600") {
		t.Errorf("default expiry not applied: %s", first)
	}
	second, err := remote.URLFor(ctx, key, 10*time.Minute)
	if err != nil {
		t.Fatalf("URLFor: %v", err)
	}
	if !strings.Contains(second, "X-Amz-Expires=600") {
		t.Errorf("custom expiry not applied: %s", second)
	}
	if presigner.calls != 2 || first == second {
		t.Errorf("URLs must be computed per call, presign calls = %d", presigner.calls)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(attempt)
		if d < baseRetryDelay {
			t.Errorf("attempt %d: delay %v below base", attempt, d)
		}
		if d > maxRetryDelay+maxRetryDelay/4 {
			t.Errorf("attempt %d: delay %v above cap", attempt, d)
		}
	}
}
