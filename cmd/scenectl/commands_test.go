package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobarin/scenecast/internal/db"
	"github.com/bobarin/scenecast/internal/models"
	"github.com/bobarin/scenecast/internal/queue"
	"github.com/google/uuid"
)

type testEnv struct {
	path  string
	queue *queue.MemoryQueue
	cc    *commandContext
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		path:  filepath.Join(t.TempDir(), "scenecast.db"),
		queue: queue.NewMemory(),
	}
	env.cc = &commandContext{
		openStore: func(ctx context.Context) (db.Store, error) {
			return db.Open(ctx, db.DriverSQLite, env.path)
		},
		openQueue: func(ctx context.Context) (queue.JobQueue, error) {
			return env.queue, nil
		},
	}
	return env
}

func (e *testEnv) store(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(context.Background(), db.DriverSQLite, e.path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// seed creates a processing project with one clip-less scene out of two.
func (e *testEnv) seed(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	store := e.store(t)

	p := &models.Project{Mode: models.ModeAd, Concept: "sneakers on the moon", Status: models.StatusProcessing}
	if err := store.CreateProject(ctx, p); err != nil {
		t.Fatal(err)
	}
	key := "test/" + p.ID.String() + "/scenes/1/clip.mp4"
	scenes := []*models.Scene{
		{ProjectID: p.ID, Sequence: 1, Prompt: "launch", DurationMs: 4000, OriginalKey: &key, Status: models.StatusCompleted},
		{ProjectID: p.ID, Sequence: 2, Prompt: "landing", DurationMs: 6000},
	}
	for _, s := range scenes {
		if err := store.CreateScene(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	return p.ID
}

func run(t *testing.T, cc *commandContext, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(cc)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusListsProjects(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t)

	out, err := run(t, env.cc, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, id.String()) || !strings.Contains(out, "1/2") {
		t.Errorf("output missing project row:\n%s", out)
	}

	out, err = run(t, env.cc, "status", "--status", "failed")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "No failed projects") {
		t.Errorf("output = %q", out)
	}

	if _, err := run(t, env.cc, "status", "--status", "bogus"); err == nil {
		t.Error("unknown status accepted")
	}
}

func TestStatusShowsScenes(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t)

	out, err := run(t, env.cc, "status", id.String())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"sneakers on the moon", "scenes/1/clip.mp4", "6s", "2 scenes, 1 completed, 0 failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "drifted") {
		t.Errorf("unexpected drift report:\n%s", out)
	}
}

func TestRepairCounters(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t)

	out, err := run(t, env.cc, "repair-counters", id.String())
	if err != nil {
		t.Fatalf("repair-counters: %v", err)
	}
	if !strings.Contains(out, "after:  2 scenes, 1 completed, 0 failed") {
		t.Errorf("output = %q", out)
	}

	if _, err := run(t, env.cc, "repair-counters", uuid.NewString()); err == nil {
		t.Error("missing project accepted")
	}
	if _, err := run(t, env.cc, "repair-counters", "nope"); err == nil {
		t.Error("invalid id accepted")
	}
}

func TestSweepSubmitsClipLessScenes(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t)

	out, err := run(t, env.cc, "sweep", id.String())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "Submitted 1 scene(s)") {
		t.Errorf("output = %q", out)
	}

	job, err := env.queue.Dequeue(context.Background(), queue.JobGenerateScene, 0)
	if err != nil || job == nil {
		t.Fatalf("dequeue = %v, %v", job, err)
	}
	if job.ProjectID != id || job.Sequence != 2 {
		t.Errorf("job = %+v, want scene 2", job)
	}
}

func TestComposeRequiresEveryClip(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t)

	if _, err := run(t, env.cc, "compose", id.String()); err == nil {
		t.Fatal("compose accepted a project with a clip-less scene")
	}

	key := "test/" + id.String() + "/scenes/2/clip.mp4"
	if _, err := env.store(t).UpdateScene(context.Background(), id, 2, models.SceneUpdate{OriginalKey: &key}); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, env.cc, "compose", "--keep-clip-audio", id.String()); err != nil {
		t.Fatalf("compose: %v", err)
	}
	job, _ := env.queue.Dequeue(context.Background(), queue.JobComposeProject, 0)
	if job == nil || job.Compose == nil || job.Compose.SuppressClipAudio {
		t.Errorf("compose job = %+v, want clip audio kept", job)
	}
}
