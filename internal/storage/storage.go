package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/scenecast/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultURLExpiry is the signed URL lifetime when none is configured.
	DefaultURLExpiry = time.Hour

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// ErrNotFound is returned when a key does not resolve to a stored object.
var ErrNotFound = errors.New("asset not found")

// Backend names.
const (
	BackendLocal  = "local"
	BackendRemote = "s3"
)

// AssetStorage stores media by bare key. Callers never see backend-specific
// locations; URLFor produces a fetchable URL on demand and it must not be
// persisted.
type AssetStorage interface {
	// Put stores data under key and returns the key.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// PutFile stores the file at localPath under key. The local file does not
	// survive a successful call.
	PutFile(ctx context.Context, key, localPath, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// Fetch makes the asset available as a local file inside dir. cleanup
	// removes any copy Fetch created and is safe to call more than once.
	Fetch(ctx context.Context, key, dir string) (localPath string, cleanup func(), err error)
	URLFor(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Backend() string
}

// FileStore is a backend whose objects are plain files on this host. Only
// such backends get the local asset route.
type FileStore interface {
	AssetStorage
	Path(key string) (string, error)
}

// Asset categories within a project.
const (
	CategoryScenes     = "scenes"
	CategoryLipSync    = "lipsync"
	CategoryTrimmed    = "trimmed"
	CategoryAudio      = "audio"
	CategoryReferences = "references"
	CategoryFinal      = "final"
)

// ProjectSegment stands in for the sequence of project-level assets.
const ProjectSegment = "project"

// Keys builds asset keys of the form
// {domain}/{projectId}/{category}/{sequence}/{asset}.
type Keys struct {
	Domain string
}

// Scene returns a key for a per-scene asset.
func (k Keys) Scene(projectID uuid.UUID, category string, sequence int, asset string) string {
	return path.Join(k.domain(), projectID.String(), category, strconv.Itoa(sequence), asset)
}

// Project returns a key for a project-level asset.
func (k Keys) Project(projectID uuid.UUID, category, asset string) string {
	return path.Join(k.domain(), projectID.String(), category, ProjectSegment, asset)
}

// Unique appends a random suffix to name so repeated outputs get new keys.
func Unique(name, ext string) string {
	return fmt.Sprintf("%s-%s%s", name, uuid.NewString()[:8], ext)
}

func (k Keys) domain() string {
	if d := strings.Trim(k.Domain, "/"); d != "" {
		return d
	}
	return "scenecast"
}

func checkKey(key string) error {
	if err := models.ValidateAssetKey(key); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// RetryDelay exposes the backoff schedule to other packages.
func RetryDelay(attempt int) time.Duration {
	return retryDelay(attempt)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "SlowDown") ||
		strings.Contains(errStr, "StatusCode: 503")
}

// withRetry runs op until it succeeds, fails with a non-retryable error or
// runs out of attempts.
func withRetry(ctx context.Context, name, key string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Warn().Str("op", name).Str("key", key).Int("attempt", attempt).Dur("wait", delay).Msg("Storage retry")

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled: %w", name, ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, maxRetries+1, lastErr)
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
