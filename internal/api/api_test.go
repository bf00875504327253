package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/scenecast/internal/db"
	"github.com/bobarin/scenecast/internal/media"
	"github.com/bobarin/scenecast/internal/models"
	"github.com/bobarin/scenecast/internal/queue"
	"github.com/bobarin/scenecast/internal/services"
	"github.com/bobarin/scenecast/internal/storage"
	"github.com/bobarin/scenecast/internal/worker"
	"github.com/google/uuid"
)

type stubGenerator struct{}

func (stubGenerator) GenerateScene(ctx context.Context, req services.GenerationRequest) ([]byte, error) {
	return []byte("clip"), nil
}

type testServer struct {
	store  *db.DB
	queue  *queue.MemoryQueue
	assets *storage.LocalStorage
	srv    *httptest.Server
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := db.Open(ctx, db.DriverSQLite, filepath.Join(dir, "scenecast.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	assets, err := storage.NewLocal(filepath.Join(dir, "assets"), "http://assets.test")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	q := queue.NewMemory()
	orch := worker.New(store, q, assets, media.NewEngine(assets, nil, dir), stubGenerator{}, nil, nil, worker.Options{
		Keys: storage.Keys{Domain: "test"},
	})

	h := NewHandler(store, orch, assets, 0)
	srv := httptest.NewServer(NewRouter(h, RouterConfig{BackendAPIKey: apiKey}))
	t.Cleanup(srv.Close)

	return &testServer{store: store, queue: q, assets: assets, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func (ts *testServer) queued(t *testing.T, jt queue.JobType) int64 {
	t.Helper()
	n, err := ts.queue.Length(context.Background(), jt)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// seed creates a project whose scenes already have clips.
func (ts *testServer) seed(t *testing.T, scenes int) *models.Project {
	t.Helper()
	ctx := context.Background()
	p := &models.Project{Mode: models.ModeNarrative, Concept: "harbour at dawn"}
	if err := ts.store.CreateProject(ctx, p); err != nil {
		t.Fatal(err)
	}
	for seq := 1; seq <= scenes; seq++ {
		key := "test/" + p.ID.String() + "/scenes/" + string(rune('0'+seq)) + "/clip.mp4"
		s := &models.Scene{
			ProjectID:   p.ID,
			Sequence:    seq,
			Prompt:      "shot",
			DurationMs:  4000,
			OriginalKey: &key,
			Status:      models.StatusCompleted,
		}
		if err := ts.store.CreateScene(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	return p
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "secret")
	resp := ts.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["storage"] != storage.BackendLocal {
		t.Errorf("storage = %q", body["storage"])
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t, "secret")

	tests := []struct {
		name   string
		header func(*http.Request)
		want   int
	}{
		{"missing", func(*http.Request) {}, http.StatusUnauthorized},
		{"wrong", func(r *http.Request) { r.Header.Set("X-API-Key", "nope") }, http.StatusForbidden},
		{"header", func(r *http.Request) { r.Header.Set("X-API-Key", "secret") }, http.StatusOK},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/v1/projects", nil)
			tt.header(req)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestCreateProjectEnqueuesEveryScene(t *testing.T) {
	ts := newTestServer(t, "")
	resp := ts.do(t, http.MethodPost, "/v1/projects", models.CreateProjectRequest{
		Concept: "a lighthouse keeper's last night",
		Scenes: []models.SceneSpec{
			{Prompt: "storm rolls in", DurationSeconds: 4},
			{Prompt: "lamp flickers", DurationSeconds: 6},
		},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var created models.CreateProjectResponse
	decode(t, resp, &created)

	if n := ts.queued(t, queue.JobGenerateScene); n != 2 {
		t.Errorf("queued generate jobs = %d, want 2", n)
	}

	resp = ts.do(t, http.MethodGet, "/v1/projects/"+created.ProjectID.String(), nil)
	var got models.ProjectResponse
	decode(t, resp, &got)
	if got.Mode != models.ModeNarrative {
		t.Errorf("mode = %q, want narrative", got.Mode)
	}
	if len(got.Scenes) != 2 || got.Scenes[1].DurationMs != 6000 {
		t.Fatalf("scenes = %+v", got.Scenes)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	ts := newTestServer(t, "")

	tests := []struct {
		name string
		req  models.CreateProjectRequest
	}{
		{"no concept", models.CreateProjectRequest{Scenes: []models.SceneSpec{{Prompt: "x", DurationSeconds: 2}}}},
		{"no scenes and no planner", models.CreateProjectRequest{Concept: "c"}},
		{"zero duration", models.CreateProjectRequest{Concept: "c", Scenes: []models.SceneSpec{{Prompt: "x"}}}},
		{"bad mode", models.CreateProjectRequest{Mode: "sitcom", Concept: "c", Scenes: []models.SceneSpec{{Prompt: "x", DurationSeconds: 2}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/v1/projects", tt.req)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
	if n := ts.queued(t, queue.JobGenerateScene); n != 0 {
		t.Errorf("queued = %d after rejected requests", n)
	}
}

func TestGetProjectComputesURLs(t *testing.T) {
	ts := newTestServer(t, "")
	p := ts.seed(t, 1)

	final := "test/" + p.ID.String() + "/final/project/final.mp4"
	if _, err := ts.store.UpdateProject(context.Background(), p.ID, models.ProjectUpdate{FinalKey: &final}); err != nil {
		t.Fatal(err)
	}

	resp := ts.do(t, http.MethodGet, "/v1/projects/"+p.ID.String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got models.ProjectResponse
	decode(t, resp, &got)

	if got.FinalURL == nil || *got.FinalURL != "http://assets.test/v1/assets/"+final {
		t.Errorf("final url = %v", got.FinalURL)
	}
	if len(got.Scenes) != 1 || got.Scenes[0].WorkingURL == nil {
		t.Fatalf("scenes = %+v", got.Scenes)
	}
	if !strings.HasSuffix(*got.Scenes[0].WorkingURL, "/scenes/1/clip.mp4") {
		t.Errorf("working url = %s", *got.Scenes[0].WorkingURL)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	ts := newTestServer(t, "")
	resp := ts.do(t, http.MethodGet, "/v1/projects/"+uuid.NewString(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/v1/projects/not-a-uuid", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListProjects(t *testing.T) {
	ts := newTestServer(t, "")
	ts.seed(t, 1)
	ts.seed(t, 1)

	resp := ts.do(t, http.MethodGet, "/v1/projects?status=pending&limit=1", nil)
	var got models.ListProjectsResponse
	decode(t, resp, &got)
	if len(got.Projects) != 1 || got.Limit != 1 {
		t.Errorf("got %d projects, limit %d", len(got.Projects), got.Limit)
	}

	resp = ts.do(t, http.MethodGet, "/v1/projects?status=done", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestComposeEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	p := ts.seed(t, 2)

	resp := ts.do(t, http.MethodPost, "/v1/projects/"+p.ID.String()+"/compose", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	job, err := ts.queue.Dequeue(context.Background(), queue.JobComposeProject, 0)
	if err != nil || job == nil {
		t.Fatalf("dequeue: %v, %v", job, err)
	}
	if job.Compose == nil || !job.Compose.SuppressClipAudio {
		t.Errorf("compose params = %+v, want suppressed clip audio by default", job.Compose)
	}

	keep := false
	ts.do(t, http.MethodPost, "/v1/projects/"+p.ID.String()+"/compose", models.ComposeRequest{SuppressClipAudio: &keep})
	job, _ = ts.queue.Dequeue(context.Background(), queue.JobComposeProject, 0)
	if job == nil || job.Compose.SuppressClipAudio {
		t.Errorf("compose params = %+v, want clip audio kept", job)
	}
}

func TestComposeRejectsMissingClips(t *testing.T) {
	ts := newTestServer(t, "")
	p := ts.seed(t, 1)
	if _, err := ts.store.UpdateScene(context.Background(), p.ID, 1, models.SceneUpdate{ClearWorkingKey: true}); err != nil {
		t.Fatal(err)
	}

	resp := ts.do(t, http.MethodPost, "/v1/projects/"+p.ID.String()+"/compose", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGenerateSkipsScenesWithClips(t *testing.T) {
	ts := newTestServer(t, "")
	p := ts.seed(t, 3)
	if _, err := ts.store.UpdateScene(context.Background(), p.ID, 2, models.SceneUpdate{ClearWorkingKey: true}); err != nil {
		t.Fatal(err)
	}

	resp := ts.do(t, http.MethodPost, "/v1/projects/"+p.ID.String()+"/generate", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got models.AcceptedResponse
	decode(t, resp, &got)
	if got.Accepted != 1 {
		t.Errorf("accepted = %d, want 1", got.Accepted)
	}
}

func TestSceneEndpoints(t *testing.T) {
	ts := newTestServer(t, "")
	p := ts.seed(t, 2)
	base := "/v1/projects/" + p.ID.String() + "/scenes/"

	order := 5
	prompt := "wider shot"
	resp := ts.do(t, http.MethodPatch, base+"1", models.SceneEditRequest{DisplayOrder: &order, Prompt: &prompt})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("edit status = %d", resp.StatusCode)
	}
	var edited models.SceneResponse
	decode(t, resp, &edited)
	if edited.DisplayOrder != 5 || edited.Prompt != "wider shot" {
		t.Errorf("edited = %+v", edited.Scene)
	}

	resp = ts.do(t, http.MethodPost, base+"2/trim", models.TrimRequest{StartSeconds: 1, EndSeconds: 3.5})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("trim status = %d", resp.StatusCode)
	}
	job, _ := ts.queue.Dequeue(context.Background(), queue.JobTrimScene, 0)
	if job == nil || job.Trim == nil || job.Trim.StartMs != 1000 || job.Trim.EndMs != 3500 {
		t.Errorf("trim job = %+v", job)
	}

	resp = ts.do(t, http.MethodPost, base+"2/trim", models.TrimRequest{StartSeconds: 3, EndSeconds: 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("inverted trim status = %d, want 400", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, base+"1/regenerate", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("regenerate status = %d", resp.StatusCode)
	}
	scene, err := ts.store.GetScene(context.Background(), p.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if scene.WorkingKey != nil || scene.OriginalKey == nil {
		t.Errorf("after regenerate: working %v original %v", scene.WorkingKey, scene.OriginalKey)
	}

	resp = ts.do(t, http.MethodPost, base+"1/revert", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revert status = %d", resp.StatusCode)
	}
	var reverted models.SceneResponse
	decode(t, resp, &reverted)
	if reverted.WorkingKey == nil || *reverted.WorkingKey != *scene.OriginalKey {
		t.Errorf("reverted working key = %v", reverted.WorkingKey)
	}

	// No lip-sync service is configured.
	resp = ts.do(t, http.MethodPost, base+"1/lipsync", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("lipsync status = %d, want 400", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, base+"9/revert", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing scene status = %d, want 404", resp.StatusCode)
	}
}

func TestEditSceneWhileBusy(t *testing.T) {
	ts := newTestServer(t, "")
	p := ts.seed(t, 1)
	ok, err := ts.queue.AcquireSlot(context.Background(), queue.SceneSlot(p.ID, 1), "job", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireSlot = %v, %v", ok, err)
	}

	prompt := "x"
	resp := ts.do(t, http.MethodPatch, "/v1/projects/"+p.ID.String()+"/scenes/1", models.SceneEditRequest{Prompt: &prompt})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestAddScene(t *testing.T) {
	ts := newTestServer(t, "")
	p := ts.seed(t, 2)

	resp := ts.do(t, http.MethodPost, "/v1/projects/"+p.ID.String()+"/scenes", models.SceneSpec{Prompt: "epilogue", DurationSeconds: 3})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got models.SceneResponse
	decode(t, resp, &got)
	if got.Sequence != 3 {
		t.Errorf("sequence = %d, want 3", got.Sequence)
	}
	if n := ts.queued(t, queue.JobGenerateScene); n != 1 {
		t.Errorf("queued = %d, want 1", n)
	}
}

func TestRepairCounters(t *testing.T) {
	ts := newTestServer(t, "")
	p := ts.seed(t, 2)

	resp := ts.do(t, http.MethodPost, "/v1/projects/"+p.ID.String()+"/repair", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got models.Counters
	decode(t, resp, &got)
	if got.SceneCount != 2 || got.Completed != 2 {
		t.Errorf("counters = %+v", got)
	}
}

func TestDownloadAndAssetRoute(t *testing.T) {
	ts := newTestServer(t, "secret")
	p := ts.seed(t, 1)
	ctx := context.Background()

	final := "test/" + p.ID.String() + "/final/project/final.mp4"
	if _, err := ts.assets.Put(ctx, final, []byte("movie"), "video/mp4"); err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/v1/projects/"+p.ID.String()+"/download", nil)
	req.Header.Set("X-API-Key", "secret")
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("download before composition = %d, want 404", resp.StatusCode)
	}

	if _, err := ts.store.UpdateProject(ctx, p.ID, models.ProjectUpdate{FinalKey: &final}); err != nil {
		t.Fatal(err)
	}
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("download = %d, want 307", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "http://assets.test/v1/assets/"+final {
		t.Errorf("location = %s", loc)
	}

	// Asset route is public
	resp = ts.do(t, http.MethodGet, "/v1/assets/"+final, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("asset status = %d", resp.StatusCode)
	}
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	if body.String() != "movie" {
		t.Errorf("asset body = %q", body.String())
	}

	resp = ts.do(t, http.MethodGet, "/v1/assets/test/missing.mp4", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing asset = %d, want 404", resp.StatusCode)
	}
}

// objectStore hides the file paths of the wrapped backend, like a bucket.
type objectStore struct {
	storage.AssetStorage
}

func TestAssetRouteOnlyForFileStorage(t *testing.T) {
	dir := t.TempDir()
	assets, err := storage.NewLocal(dir, "http://assets.test")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := assets.Put(context.Background(), "test/p/final/project/final.mp4", []byte("movie"), "video/mp4"); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		stor storage.AssetStorage
		want int
	}{
		{"file backed", assets, http.StatusOK},
		{"object store", objectStore{assets}, http.StatusNotFound},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(nil, nil, tt.stor, 0)
			srv := httptest.NewServer(NewRouter(h, RouterConfig{}))
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/v1/assets/test/p/final/project/final.mp4")
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
