package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/scenecast/internal/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a project or scene does not exist.
var ErrNotFound = errors.New("not found")

// Store persists projects and their scenes in a single collection keyed by
// (partition, sort): PROJECT#<id> / META for the project and
// PROJECT#<id> / SCENE#<seq> for each scene.
type Store interface {
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	UpdateProject(ctx context.Context, id uuid.UUID, update models.ProjectUpdate) (*models.Project, error)
	QueryByStatus(ctx context.Context, status models.Status, opts QueryOptions) ([]models.Project, error)

	CreateScene(ctx context.Context, scene *models.Scene) error
	GetScene(ctx context.Context, projectID uuid.UUID, sequence int) (*models.Scene, error)
	ListScenes(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error)
	UpdateScene(ctx context.Context, projectID uuid.UUID, sequence int, update models.SceneUpdate) (*models.Scene, error)

	// RecalculateCounters rebuilds the project's scene counters from its
	// scene records. Running it twice yields the same result.
	RecalculateCounters(ctx context.Context, projectID uuid.UUID) (models.Counters, error)
	// CountScenesByStatus counts scene records per status, independently of
	// the stored counters.
	CountScenesByStatus(ctx context.Context, projectID uuid.UUID) (map[models.Status]int, error)

	Close() error
}

// QueryOptions controls QueryByStatus. Results are ordered by creation time,
// newest first unless Ascending is set.
type QueryOptions struct {
	Limit     int
	Ascending bool
}

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

func (o QueryOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return defaultQueryLimit
	case o.Limit > maxQueryLimit:
		return maxQueryLimit
	}
	return o.Limit
}

// Single-collection key layout.
const (
	pkPrefix      = "PROJECT#"
	skMeta        = "META"
	skScenePrefix = "SCENE#"
	gsiPrefix     = "STATUS#"
)

// timeLayout is fixed width so lexical ordering matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func projectPK(id uuid.UUID) string {
	return pkPrefix + id.String()
}

func sceneSK(sequence int) string {
	return fmt.Sprintf("%s%05d", skScenePrefix, sequence)
}

func sequenceFromSK(sk string) (int, error) {
	if !strings.HasPrefix(sk, skScenePrefix) {
		return 0, fmt.Errorf("sort key %q is not a scene key", sk)
	}
	return strconv.Atoi(strings.TrimPrefix(sk, skScenePrefix))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func notFoundProject(id uuid.UUID) error {
	return fmt.Errorf("project %s: %w", id, ErrNotFound)
}

func notFoundScene(projectID uuid.UUID, sequence int) error {
	return fmt.Errorf("scene %s/%d: %w", projectID, sequence, ErrNotFound)
}

// prepareProject fills defaults and validates a project before insert.
func prepareProject(project *models.Project, now time.Time) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	if project.Status == "" {
		project.Status = models.StatusPending
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now
	project.SetCounters(models.Counters{})
	return project.Validate()
}

// prepareScene fills defaults and validates a scene before insert.
func prepareScene(scene *models.Scene, now time.Time) error {
	if scene.Status == "" {
		scene.Status = models.StatusPending
	}
	if scene.DisplayOrder == 0 {
		scene.DisplayOrder = scene.Sequence
	}
	if scene.WorkingKey == nil && scene.OriginalKey != nil {
		key := *scene.OriginalKey
		scene.WorkingKey = &key
	}
	if scene.CreatedAt.IsZero() {
		scene.CreatedAt = now
	}
	scene.UpdatedAt = now
	return scene.Validate()
}

// initialDelta is the counter contribution of a newly created scene.
func initialDelta(status models.Status) (completed, failed int) {
	return models.CounterDelta(models.StatusPending, status)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
