package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// JobType names a kind of background work. Each type has its own list.
type JobType string

const (
	JobPlanProject    JobType = "plan_project"
	JobGenerateScene  JobType = "generate_scene"
	JobComposeProject JobType = "compose_project"
	JobLipSyncScene   JobType = "lipsync_scene"
	JobTrimScene      JobType = "trim_scene"
)

// JobTypes lists every job type in the order workers poll them.
var JobTypes = []JobType{JobPlanProject, JobGenerateScene, JobLipSyncScene, JobTrimScene, JobComposeProject}

// Name is the list key holding jobs of this type.
func (t JobType) Name() string {
	return "queue:" + string(t)
}

// ComposeParams carries composition options.
type ComposeParams struct {
	SuppressClipAudio bool `json:"suppress_clip_audio"`
}

// TrimParams is the span of the working clip to keep, in milliseconds.
type TrimParams struct {
	StartMs int `json:"start_ms"`
	EndMs   int `json:"end_ms"`
}

type Job struct {
	ID        uuid.UUID      `json:"id"`
	Type      JobType        `json:"type"`
	ProjectID uuid.UUID      `json:"project_id"`
	Sequence  int            `json:"sequence,omitempty"` // Scene jobs only
	Scenes    int            `json:"scenes,omitempty"`   // Planner hint
	Compose   *ComposeParams `json:"compose,omitempty"`
	Trim      *TrimParams    `json:"trim,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// JobQueue moves jobs between the API and the workers and hands out
// exclusive job slots.
type JobQueue interface {
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue waits up to timeout and returns nil, nil when nothing arrived.
	Dequeue(ctx context.Context, t JobType, timeout time.Duration) (*Job, error)
	Length(ctx context.Context, t JobType) (int64, error)
	// AcquireSlot claims slot for owner until ttl passes or it is released.
	AcquireSlot(ctx context.Context, slot, owner string, ttl time.Duration) (bool, error)
	// ReleaseSlot frees slot only if owner still holds it.
	ReleaseSlot(ctx context.Context, slot, owner string) error
	Close() error
}

// SceneSlot serialises every job that mutates one scene.
func SceneSlot(projectID uuid.UUID, sequence int) string {
	return fmt.Sprintf("slot:%s:%d", projectID, sequence)
}

// ComposeSlot serialises compositions of one project.
func ComposeSlot(projectID uuid.UUID) string {
	return fmt.Sprintf("slot:%s:compose", projectID)
}

// ProjectSlot serialises planning of one project.
func ProjectSlot(projectID uuid.UUID) string {
	return fmt.Sprintf("slot:%s:plan", projectID)
}

// prepare fills the id and timestamp of a new job.
func prepare(job *Job) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
}

// RedisQueue keeps one Redis list per job type and stores slots as plain
// keys with a TTL.
type RedisQueue struct {
	client *redis.Client
}

var _ JobQueue = (*RedisQueue)(nil)

func NewRedis(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisQueue{client: client}, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	prepare(job)

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, job.Type.Name(), data).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, t JobType, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, t.Name()).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *RedisQueue) Length(ctx context.Context, t JobType) (int64, error) {
	return q.client.LLen(ctx, t.Name()).Result()
}

func (q *RedisQueue) AcquireSlot(ctx context.Context, slot, owner string, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, slot, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire slot %s: %w", slot, err)
	}
	return ok, nil
}

// releaseScript deletes the slot only when it still holds the caller's
// owner token, so an expired and re-acquired slot is never freed by the
// previous holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (q *RedisQueue) ReleaseSlot(ctx context.Context, slot, owner string) error {
	if err := releaseScript.Run(ctx, q.client, []string{slot}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release slot %s: %w", slot, err)
	}
	return nil
}
