package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bobarin/scenecast/internal/db"
	"github.com/bobarin/scenecast/internal/models"
	"github.com/bobarin/scenecast/internal/storage"
	"github.com/bobarin/scenecast/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	store     db.Store
	orch      *worker.Orchestrator
	storage   storage.AssetStorage
	files     storage.FileStore // nil unless the backend serves plain files
	urlExpiry time.Duration
}

func NewHandler(store db.Store, orch *worker.Orchestrator, stor storage.AssetStorage, urlExpiry time.Duration) *Handler {
	if urlExpiry <= 0 {
		urlExpiry = storage.DefaultURLExpiry
	}
	h := &Handler{
		store:     store,
		orch:      orch,
		storage:   stor,
		urlExpiry: urlExpiry,
	}
	if files, ok := stor.(storage.FileStore); ok {
		h.files = files
	}
	return h
}

// ServesAssets reports whether GetAsset has files to serve.
func (h *Handler) ServesAssets() bool { return h.files != nil }

// CreateProject handles POST /v1/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req models.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	project, err := h.orch.SubmitProject(r.Context(), req)
	if err != nil {
		respondFailure(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, models.CreateProjectResponse{
		ProjectID: project.ID,
		Status:    project.Status,
	})
}

// ListProjects handles GET /v1/projects?status=&limit=&order=
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	status := models.StatusPending
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := models.ParseStatus(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid status filter. Allowed: pending, processing, composing, completed, failed")
			return
		}
		status = parsed
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	opts := db.QueryOptions{Limit: limit}
	switch r.URL.Query().Get("order") {
	case "", "desc":
	case "asc":
		opts.Ascending = true
	default:
		respondError(w, http.StatusBadRequest, "Invalid order. Allowed: asc, desc")
		return
	}

	projects, err := h.store.QueryByStatus(r.Context(), status, opts)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if projects == nil {
		projects = []models.Project{}
	}

	respondJSON(w, http.StatusOK, models.ListProjectsResponse{
		Projects: projects,
		Status:   status,
		Limit:    limit,
	})
}

// GetProject handles GET /v1/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}

	project, err := h.store.GetProject(r.Context(), projectID)
	if err != nil {
		respondFailure(w, err)
		return
	}

	scenes, err := h.store.ListScenes(r.Context(), projectID)
	if err != nil {
		respondFailure(w, err)
		return
	}

	response := models.ProjectResponse{
		Project: *project,
		Scenes:  h.buildSceneResponses(r.Context(), scenes),
	}
	// URLs are computed per request and never stored
	if project.FinalKey != nil {
		response.FinalURL = h.urlFor(r.Context(), *project.FinalKey)
	}

	respondJSON(w, http.StatusOK, response)
}

// GenerateProject handles POST /v1/projects/{id}/generate
func (h *Handler) GenerateProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}

	n, err := h.orch.SubmitProjectGeneration(r.Context(), projectID)
	if err != nil {
		respondFailure(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, models.AcceptedResponse{
		ProjectID: projectID,
		Accepted:  n,
		Status:    "generating",
	})
}

// ComposeProject handles POST /v1/projects/{id}/compose
func (h *Handler) ComposeProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}

	var req models.ComposeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	suppress := true
	if req.SuppressClipAudio != nil {
		suppress = *req.SuppressClipAudio
	}

	if err := h.orch.SubmitComposition(r.Context(), projectID, worker.ComposeOptions{SuppressClipAudio: suppress}); err != nil {
		respondFailure(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, models.AcceptedResponse{
		ProjectID: projectID,
		Accepted:  1,
		Status:    "composing",
	})
}

// RepairCounters handles POST /v1/projects/{id}/repair
func (h *Handler) RepairCounters(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}

	counters, err := h.store.RecalculateCounters(r.Context(), projectID)
	if err != nil {
		respondFailure(w, err)
		return
	}

	respondJSON(w, http.StatusOK, counters)
}

// GetProjectDownload handles GET /v1/projects/{id}/download
func (h *Handler) GetProjectDownload(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}

	project, err := h.store.GetProject(r.Context(), projectID)
	if err != nil {
		respondFailure(w, err)
		return
	}

	if project.FinalKey == nil {
		respondError(w, http.StatusNotFound, "Video not ready")
		return
	}

	signedURL, err := h.storage.URLFor(r.Context(), *project.FinalKey, h.urlExpiry)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
		return
	}

	http.Redirect(w, r, signedURL, http.StatusTemporaryRedirect)
}

// AddScene handles POST /v1/projects/{id}/scenes
func (h *Handler) AddScene(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}

	var spec models.SceneSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	scene, err := h.orch.AddScene(r.Context(), projectID, spec)
	if err != nil {
		respondFailure(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, h.buildSceneResponse(r.Context(), *scene))
}

// RegenerateScene handles POST /v1/projects/{id}/scenes/{seq}/regenerate
func (h *Handler) RegenerateScene(w http.ResponseWriter, r *http.Request) {
	projectID, seq, ok := sceneParams(w, r)
	if !ok {
		return
	}

	if err := h.orch.RegenerateScene(r.Context(), projectID, seq); err != nil {
		respondFailure(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, models.AcceptedResponse{ProjectID: projectID, Accepted: 1, Status: "regenerating"})
}

// LipSyncScene handles POST /v1/projects/{id}/scenes/{seq}/lipsync
func (h *Handler) LipSyncScene(w http.ResponseWriter, r *http.Request) {
	projectID, seq, ok := sceneParams(w, r)
	if !ok {
		return
	}

	if err := h.orch.SubmitLipSync(r.Context(), projectID, seq); err != nil {
		respondFailure(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, models.AcceptedResponse{ProjectID: projectID, Accepted: 1, Status: "lipsyncing"})
}

// TrimScene handles POST /v1/projects/{id}/scenes/{seq}/trim
func (h *Handler) TrimScene(w http.ResponseWriter, r *http.Request) {
	projectID, seq, ok := sceneParams(w, r)
	if !ok {
		return
	}

	var req models.TrimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	start := secondsToDuration(req.StartSeconds)
	end := secondsToDuration(req.EndSeconds)
	if err := h.orch.SubmitTrim(r.Context(), projectID, seq, start, end); err != nil {
		respondFailure(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, models.AcceptedResponse{ProjectID: projectID, Accepted: 1, Status: "trimming"})
}

// RevertScene handles POST /v1/projects/{id}/scenes/{seq}/revert
func (h *Handler) RevertScene(w http.ResponseWriter, r *http.Request) {
	projectID, seq, ok := sceneParams(w, r)
	if !ok {
		return
	}

	scene, err := h.orch.RevertScene(r.Context(), projectID, seq)
	if err != nil {
		respondFailure(w, err)
		return
	}

	respondJSON(w, http.StatusOK, h.buildSceneResponse(r.Context(), *scene))
}

// EditScene handles PATCH /v1/projects/{id}/scenes/{seq}
func (h *Handler) EditScene(w http.ResponseWriter, r *http.Request) {
	projectID, seq, ok := sceneParams(w, r)
	if !ok {
		return
	}

	var req models.SceneEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	update := models.SceneUpdate{
		DisplayOrder:   req.DisplayOrder,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
	}
	if req.DurationSeconds != nil {
		ms := int(math.Round(*req.DurationSeconds * 1000))
		update.DurationMs = &ms
	}

	scene, err := h.orch.EditScene(r.Context(), projectID, seq, update)
	if err != nil {
		respondFailure(w, err)
		return
	}

	respondJSON(w, http.StatusOK, h.buildSceneResponse(r.Context(), *scene))
}

// GetAsset handles GET /v1/assets/* for file-backed storage.
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		respondError(w, http.StatusNotFound, "Asset not found")
		return
	}

	key, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid asset key")
		return
	}
	path, err := h.files.Path(key)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid asset key")
		return
	}

	http.ServeFile(w, r, path)
}

// Helper methods
func (h *Handler) buildSceneResponses(ctx context.Context, scenes []models.Scene) []models.SceneResponse {
	responses := make([]models.SceneResponse, len(scenes))
	for i, scene := range scenes {
		responses[i] = h.buildSceneResponse(ctx, scene)
	}
	return responses
}

func (h *Handler) buildSceneResponse(ctx context.Context, scene models.Scene) models.SceneResponse {
	response := models.SceneResponse{Scene: scene}
	if scene.WorkingKey != nil {
		response.WorkingURL = h.urlFor(ctx, *scene.WorkingKey)
	}
	return response
}

// urlFor returns nil when the URL cannot be produced; the key is still in
// the payload.
func (h *Handler) urlFor(ctx context.Context, key string) *string {
	u, err := h.storage.URLFor(ctx, key, h.urlExpiry)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to compute asset URL")
		return nil
	}
	return &u
}

func projectParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return uuid.Nil, false
	}
	return projectID, true
}

func sceneParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, int, bool) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return uuid.Nil, 0, false
	}
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq <= 0 {
		respondError(w, http.StatusBadRequest, "Invalid scene sequence")
		return uuid.Nil, 0, false
	}
	return projectID, seq, true
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// respondFailure maps domain errors onto status codes.
func respondFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, worker.ErrSlotBusy):
		respondError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, "Internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"storage": h.storage.Backend(),
	})
}
