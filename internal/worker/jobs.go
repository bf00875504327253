package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobarin/scenecast/internal/media"
	"github.com/bobarin/scenecast/internal/models"
	"github.com/bobarin/scenecast/internal/queue"
	"github.com/bobarin/scenecast/internal/services"
	"github.com/bobarin/scenecast/internal/storage"
	"github.com/rs/zerolog/log"
)

// handlePlan asks the planner for scenes, creates them and submits their
// generation. A project that already has scenes is only re-submitted.
func (o *Orchestrator) handlePlan(ctx context.Context, job *queue.Job) error {
	project, err := o.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to get project: %w", err)
	}

	existing, err := o.store.ListScenes(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to list scenes: %w", err)
	}
	if len(existing) > 0 {
		log.Info().Str("project", project.ID.String()).Int("scenes", len(existing)).Msg("Project already planned")
		_, err := o.SubmitProjectGeneration(ctx, project.ID)
		return err
	}

	if _, err := o.updateProjectStatus(ctx, project, models.StatusProcessing, models.ProjectUpdate{ClearError: true}); err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}

	req := services.PlanRequest{
		Mode:       project.Mode,
		Concept:    project.Concept,
		SceneCount: job.Scenes,
	}
	if project.CharacterDescription != nil {
		req.Character = *project.CharacterDescription
	}

	specs, err := o.planner.PlanScenes(ctx, req)
	if err != nil {
		msg := fmt.Sprintf("scene planning failed: %v", err)
		o.failProject(ctx, project, msg)
		return fmt.Errorf("failed to plan scenes: %w", err)
	}

	for i, spec := range specs {
		scene := sceneFromSpec(project.ID, i+1, spec)
		if err := o.store.CreateScene(ctx, &scene); err != nil {
			o.failProject(ctx, project, fmt.Sprintf("failed to create scene %d: %v", i+1, err))
			return fmt.Errorf("failed to create scene %d: %w", i+1, err)
		}
	}
	log.Info().Str("project", project.ID.String()).Int("scenes", len(specs)).Msg("Scenes planned")

	_, err = o.SubmitProjectGeneration(ctx, project.ID)
	return err
}

func (o *Orchestrator) failProject(ctx context.Context, project *models.Project, msg string) {
	if _, err := o.updateProjectStatus(context.WithoutCancel(ctx), project, models.StatusFailed, models.ProjectUpdate{ErrorMessage: &msg}); err != nil {
		log.Error().Err(err).Str("project", project.ID.String()).Msg("Failed to record project failure")
	}
}

// handleGenerateScene produces a clip for a scene without a working key.
// Scenes that already have one are skipped whatever their status.
func (o *Orchestrator) handleGenerateScene(ctx context.Context, job *queue.Job) error {
	scene, err := o.store.GetScene(ctx, job.ProjectID, job.Sequence)
	if err != nil {
		return fmt.Errorf("failed to get scene: %w", err)
	}
	if !scene.NeedsGeneration() {
		log.Info().Str("project", job.ProjectID.String()).Int("sequence", job.Sequence).Msg("Scene already has a clip, skipping")
		return nil
	}

	project, err := o.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to get project: %w", err)
	}

	scene, err = o.updateSceneStatus(ctx, scene, models.StatusProcessing, models.SceneUpdate{})
	if err != nil {
		return fmt.Errorf("failed to update scene status: %w", err)
	}

	req, err := o.generationRequest(ctx, project, scene)
	if err != nil {
		return o.failScene(ctx, job, scene, "prepare references", err)
	}

	data, err := o.generator.GenerateScene(ctx, req)
	if err != nil {
		return o.failScene(ctx, job, scene, "generate", err)
	}

	key := o.opts.Keys.Scene(project.ID, storage.CategoryScenes, scene.Sequence, storage.Unique("clip", ".mp4"))
	if _, err := o.storage.Put(ctx, key, data, "video/mp4"); err != nil {
		return o.failScene(ctx, job, scene, "store clip", err)
	}

	// OriginalKey only sticks the first time; WorkingKey always moves
	if _, err := o.updateSceneStatus(ctx, scene, models.StatusCompleted, models.SceneUpdate{
		OriginalKey:    &key,
		WorkingKey:     &key,
		ClearLastError: true,
	}); err != nil {
		return fmt.Errorf("failed to record clip: %w", err)
	}

	log.Info().
		Str("project", project.ID.String()).
		Int("sequence", scene.Sequence).
		Str("key", key).
		Int("bytes", len(data)).
		Msg("Scene clip stored")
	return nil
}

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// generationRequest builds the generator input. Reference keys become signed
// URLs for this call only; the first image reference is also passed inline.
// In ad mode the product reference leads the list.
func (o *Orchestrator) generationRequest(ctx context.Context, project *models.Project, scene *models.Scene) (services.GenerationRequest, error) {
	req := services.GenerationRequest{
		Prompt:   scene.Prompt,
		Duration: scene.Duration(),
		Mode:     project.Mode,
	}
	if scene.NegativePrompt != nil {
		req.NegativePrompt = *scene.NegativePrompt
	}
	if project.CharacterDescription != nil {
		req.Character = *project.CharacterDescription
	}

	refs := append([]string(nil), scene.ReferenceKeys...)
	if project.Mode == models.ModeAd && project.ProductKey != nil {
		refs = append([]string{*project.ProductKey}, refs...)
	}

	for _, key := range refs {
		url, err := o.storage.URLFor(ctx, key, o.opts.URLExpiry)
		if err != nil {
			return req, fmt.Errorf("reference %s: %w", key, err)
		}
		req.ReferenceURLs = append(req.ReferenceURLs, url)

		mime, isImage := imageTypes[strings.ToLower(path.Ext(key))]
		if isImage && req.FirstFrame == nil {
			data, err := o.storage.Get(ctx, key)
			if err != nil {
				return req, fmt.Errorf("reference %s: %w", key, err)
			}
			req.FirstFrame = &services.ReferenceImage{Data: data, MIMEType: mime}
		}
	}
	return req, nil
}

// handleCompose stitches every scene's working clip in display order and
// records the outcome on the project. Composition is not retried.
func (o *Orchestrator) handleCompose(ctx context.Context, job *queue.Job) error {
	project, err := o.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to get project: %w", err)
	}
	scenes, err := o.store.ListScenes(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to list scenes: %w", err)
	}

	project, err = o.updateProjectStatus(ctx, project, models.StatusComposing, models.ProjectUpdate{ClearError: true})
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}

	if err := checkComposable(scenes); err != nil {
		o.failComposition(ctx, project, err)
		return err
	}

	ordered := models.SortForComposition(scenes)
	keys := make([]string, len(ordered))
	for i, s := range ordered {
		keys[i] = *s.WorkingKey
	}

	suppress := true
	if job.Compose != nil {
		suppress = job.Compose.SuppressClipAudio
	}
	opts := media.StitchOptions{
		AudioOverlayKey:   project.AudioKey,
		SuppressClipAudio: suppress,
		OutputKey:         o.opts.Keys.Project(project.ID, storage.CategoryFinal, storage.Unique("final", ".mp4")),
	}
	if project.AudioKey != nil {
		opts.TrimmedAudioKey = o.opts.Keys.Project(project.ID, storage.CategoryAudio, storage.Unique("overlay", ".m4a"))
	}

	meta, err := o.engine.Stitch(ctx, keys, opts)
	if err != nil {
		o.failComposition(ctx, project, err)
		return fmt.Errorf("composition failed: %w", err)
	}

	update := models.ProjectUpdate{
		FinalKey:           &meta.OutputKey,
		CompositionOutcome: &meta.Outcome,
		ClearError:         true,
	}
	if meta.AudioOverlayWarning != nil {
		update.AudioOverlayWarning = meta.AudioOverlayWarning
	} else {
		update.ClearAudioOverlayWarning = true
	}
	if _, err := o.updateProjectStatus(ctx, project, models.StatusCompleted, update); err != nil {
		return fmt.Errorf("failed to record composition: %w", err)
	}

	log.Info().
		Str("project", project.ID.String()).
		Str("key", meta.OutputKey).
		Str("outcome", string(meta.Outcome)).
		Dur("duration", meta.VideoDuration).
		Msg("Project composed")
	return nil
}

func (o *Orchestrator) failComposition(ctx context.Context, project *models.Project, cause error) {
	msg := fmt.Sprintf("composition failed: %v", cause)
	var missing *media.MissingInputsError
	if errors.As(cause, &missing) {
		msg = fmt.Sprintf("composition failed: missing clips %s", strings.Join(missing.Keys, ", "))
	}
	outcome := models.OutcomeFailed
	if _, err := o.updateProjectStatus(context.WithoutCancel(ctx), project, models.StatusFailed, models.ProjectUpdate{
		CompositionOutcome: &outcome,
		ErrorMessage:       &msg,
	}); err != nil {
		log.Error().Err(err).Str("project", project.ID.String()).Msg("Failed to record composition failure")
	}
}

// handleLipSync slices the backing track at the scene's timeline position,
// sends clip and slice to the lip-sync service and makes the result the
// working clip.
func (o *Orchestrator) handleLipSync(ctx context.Context, job *queue.Job) error {
	project, err := o.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to get project: %w", err)
	}
	scenes, err := o.store.ListScenes(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to list scenes: %w", err)
	}
	scene := findScene(scenes, job.Sequence)
	if scene == nil {
		return fmt.Errorf("scene %d: %w", job.Sequence, storage.ErrNotFound)
	}
	if project.AudioKey == nil || scene.WorkingKey == nil {
		return fmt.Errorf("%w: lip-sync needs a backing track and a clip", models.ErrValidation)
	}

	scene, err = o.updateSceneStatus(ctx, scene, models.StatusProcessing, models.SceneUpdate{})
	if err != nil {
		return fmt.Errorf("failed to update scene status: %w", err)
	}

	offset := media.CumulativeOffset(scenes, scene.Sequence)
	sliceKey := o.opts.Keys.Scene(project.ID, storage.CategoryAudio, scene.Sequence, storage.Unique("lipsync-audio", path.Ext(*project.AudioKey)))
	clip, err := o.engine.Timing.ClipAudio(ctx, *project.AudioKey, offset, scene.Duration(), sliceKey)
	if err != nil {
		return o.failScene(ctx, job, scene, "slice audio", err)
	}

	videoURL, err := o.storage.URLFor(ctx, *scene.WorkingKey, o.opts.URLExpiry)
	if err != nil {
		return o.failScene(ctx, job, scene, "sign clip", err)
	}
	audioURL, err := o.storage.URLFor(ctx, clip.Key, o.opts.URLExpiry)
	if err != nil {
		return o.failScene(ctx, job, scene, "sign audio", err)
	}

	data, err := o.lipsync.LipSync(ctx, videoURL, audioURL)
	if err != nil {
		return o.failScene(ctx, job, scene, "lip-sync", err)
	}

	key := o.opts.Keys.Scene(project.ID, storage.CategoryLipSync, scene.Sequence, storage.Unique("lipsync", ".mp4"))
	if _, err := o.storage.Put(ctx, key, data, "video/mp4"); err != nil {
		return o.failScene(ctx, job, scene, "store lip-sync clip", err)
	}

	if _, err := o.updateSceneStatus(ctx, scene, models.StatusCompleted, models.SceneUpdate{
		LipSyncKey:     &key,
		WorkingKey:     &key,
		ClearLastError: true,
	}); err != nil {
		return fmt.Errorf("failed to record lip-sync clip: %w", err)
	}

	log.Info().
		Str("project", project.ID.String()).
		Int("sequence", scene.Sequence).
		Str("key", key).
		Dur("offset", offset).
		Dur("audio", clip.Duration).
		Bool("clamped", clip.Clamped).
		Msg("Lip-sync clip stored")
	return nil
}

func findScene(scenes []models.Scene, sequence int) *models.Scene {
	for i := range scenes {
		if scenes[i].Sequence == sequence {
			return &scenes[i]
		}
	}
	return nil
}

// handleTrim cuts the working clip to the requested span, clamped to the
// clip's real length, and stores the cut as the new working clip.
func (o *Orchestrator) handleTrim(ctx context.Context, job *queue.Job) error {
	if job.Trim == nil {
		return fmt.Errorf("%w: trim job without a span", models.ErrValidation)
	}
	scene, err := o.store.GetScene(ctx, job.ProjectID, job.Sequence)
	if err != nil {
		return fmt.Errorf("failed to get scene: %w", err)
	}
	if scene.WorkingKey == nil {
		return fmt.Errorf("%w: scene %d has no clip to trim", models.ErrValidation, scene.Sequence)
	}

	start := time.Duration(job.Trim.StartMs) * time.Millisecond
	length := time.Duration(job.Trim.EndMs-job.Trim.StartMs) * time.Millisecond

	work, err := os.MkdirTemp(o.opts.TempDir, "trim-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			log.Warn().Err(err).Str("dir", work).Msg("Failed to remove work dir")
		}
	}()

	src, cleanup, err := o.storage.Fetch(ctx, *scene.WorkingKey, work)
	if err != nil {
		return o.failTrim(ctx, scene, "fetch clip", err)
	}
	defer cleanup()

	available, err := o.engine.Encoder.Duration(ctx, src)
	if err != nil {
		return o.failTrim(ctx, scene, "probe clip", err)
	}
	effective, err := media.ClampSpan(available, start, length)
	if err != nil {
		return o.failTrim(ctx, scene, "trim span", err)
	}

	out := filepath.Join(work, "trimmed.mp4")
	if err := o.engine.Encoder.TrimVideo(ctx, src, out, start, effective); err != nil {
		return o.failTrim(ctx, scene, "trim clip", err)
	}

	key := o.opts.Keys.Scene(job.ProjectID, storage.CategoryTrimmed, scene.Sequence, storage.Unique("trim", ".mp4"))
	if _, err := o.storage.PutFile(ctx, key, out, "video/mp4"); err != nil {
		return o.failTrim(ctx, scene, "store trimmed clip", err)
	}

	durationMs := int(effective.Milliseconds())
	if _, err := o.store.UpdateScene(ctx, job.ProjectID, scene.Sequence, models.SceneUpdate{
		WorkingKey:     &key,
		DurationMs:     &durationMs,
		ClearLastError: true,
	}); err != nil {
		return fmt.Errorf("failed to record trimmed clip: %w", err)
	}

	log.Info().
		Str("project", job.ProjectID.String()).
		Int("sequence", scene.Sequence).
		Str("key", key).
		Dur("start", start).
		Dur("duration", effective).
		Msg("Trimmed clip stored")
	return nil
}

// failTrim records the error on the scene without touching its status or
// retry count. The working clip stays as it was.
func (o *Orchestrator) failTrim(ctx context.Context, scene *models.Scene, step string, cause error) error {
	msg := fmt.Sprintf("trim: %s: %v", step, cause)
	if _, err := o.store.UpdateScene(context.WithoutCancel(ctx), scene.ProjectID, scene.Sequence, models.SceneUpdate{
		LastError: &msg,
	}); err != nil {
		log.Error().Err(err).Str("project", scene.ProjectID.String()).Int("sequence", scene.Sequence).Msg("Failed to record trim failure")
	}
	return fmt.Errorf("%s: %w", step, cause)
}
