package worker

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/bobarin/scenecast/internal/models"
	"github.com/bobarin/scenecast/internal/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ComposeOptions controls a composition request.
type ComposeOptions struct {
	SuppressClipAudio bool
}

func sceneFromSpec(projectID uuid.UUID, sequence int, spec models.SceneSpec) models.Scene {
	return models.Scene{
		ProjectID:      projectID,
		Sequence:       sequence,
		DisplayOrder:   sequence,
		Prompt:         spec.Prompt,
		NegativePrompt: spec.NegativePrompt,
		DurationMs:     int(math.Round(spec.DurationSeconds * 1000)),
		ReferenceKeys:  spec.ReferenceKeys,
		Status:         models.StatusPending,
	}
}

// SubmitProject creates a project and starts work on it: explicit scenes are
// created and generated right away, otherwise a planning job is enqueued.
func (o *Orchestrator) SubmitProject(ctx context.Context, req models.CreateProjectRequest) (*models.Project, error) {
	mode := req.Mode
	if mode == "" {
		mode = models.ModeNarrative
	}

	project := &models.Project{
		Mode:                 mode,
		Concept:              req.Concept,
		CharacterDescription: req.CharacterDescription,
		AudioKey:             req.AudioKey,
		ProductKey:           req.ProductKey,
		Status:               models.StatusPending,
	}
	if err := project.Validate(); err != nil {
		return nil, err
	}

	// Validate every scene before anything is written
	scenes := make([]models.Scene, len(req.Scenes))
	for i, spec := range req.Scenes {
		scenes[i] = sceneFromSpec(uuid.Nil, i+1, spec)
		if err := scenes[i].Validate(); err != nil {
			return nil, err
		}
	}
	if len(scenes) == 0 && o.planner == nil {
		return nil, fmt.Errorf("%w: scenes are required when no planner is configured", models.ErrValidation)
	}

	if err := o.store.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	log.Info().Str("project", project.ID.String()).Str("mode", string(mode)).Int("scenes", len(scenes)).Msg("Project created")

	if len(scenes) == 0 {
		sceneCount := 0
		if req.SceneCount != nil {
			sceneCount = *req.SceneCount
		}
		if err := o.SubmitPlan(ctx, project.ID, sceneCount); err != nil {
			return nil, err
		}
		return project, nil
	}

	for i := range scenes {
		scenes[i].ProjectID = project.ID
		if err := o.store.CreateScene(ctx, &scenes[i]); err != nil {
			return nil, fmt.Errorf("failed to create scene %d: %w", scenes[i].Sequence, err)
		}
	}
	if _, err := o.SubmitProjectGeneration(ctx, project.ID); err != nil {
		return nil, err
	}
	return o.store.GetProject(ctx, project.ID)
}

// SubmitPlan enqueues scene planning for a project.
func (o *Orchestrator) SubmitPlan(ctx context.Context, projectID uuid.UUID, sceneCount int) error {
	if o.planner == nil {
		return fmt.Errorf("%w: no scene planner configured", models.ErrValidation)
	}
	if sceneCount < 0 {
		return fmt.Errorf("%w: scene count must not be negative", models.ErrValidation)
	}
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	job := &queue.Job{Type: queue.JobPlanProject, ProjectID: projectID, Scenes: sceneCount}
	if err := o.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue plan: %w", err)
	}
	log.Info().Str("project", projectID.String()).Str("job", job.ID.String()).Msg("Enqueued plan_project")
	return nil
}

// SubmitSceneGeneration enqueues generation for one scene.
func (o *Orchestrator) SubmitSceneGeneration(ctx context.Context, projectID uuid.UUID, sequence int) error {
	if _, err := o.store.GetScene(ctx, projectID, sequence); err != nil {
		return err
	}
	return o.enqueueScene(ctx, queue.JobGenerateScene, projectID, sequence)
}

func (o *Orchestrator) enqueueScene(ctx context.Context, t queue.JobType, projectID uuid.UUID, sequence int) error {
	job := &queue.Job{Type: t, ProjectID: projectID, Sequence: sequence}
	if err := o.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue %s for scene %d: %w", t, sequence, err)
	}
	log.Debug().Str("project", projectID.String()).Int("sequence", sequence).Str("job", job.ID.String()).Msgf("Enqueued %s", t)
	return nil
}

// SubmitProjectGeneration enqueues generation, in parallel, for every scene
// without a working clip and returns how many were submitted. Scene status
// plays no part in the selection.
func (o *Orchestrator) SubmitProjectGeneration(ctx context.Context, projectID uuid.UUID) (int, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	scenes, err := o.store.ListScenes(ctx, projectID)
	if err != nil {
		return 0, err
	}

	todo := models.ScenesNeedingGeneration(scenes)
	if len(todo) == 0 {
		log.Info().Str("project", projectID.String()).Msg("Every scene already has a clip")
		return 0, nil
	}

	if project.Status != models.StatusProcessing {
		if _, err := o.updateProjectStatus(ctx, project, models.StatusProcessing, models.ProjectUpdate{ClearError: true}); err != nil {
			return 0, fmt.Errorf("failed to update project status: %w", err)
		}
	}

	var submitted atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, scene := range todo {
		seq := scene.Sequence
		g.Go(func() error {
			if err := o.enqueueScene(gctx, queue.JobGenerateScene, projectID, seq); err != nil {
				return err
			}
			submitted.Add(1)
			return nil
		})
	}
	err = g.Wait()

	n := int(submitted.Load())
	log.Info().Str("project", projectID.String()).Int("submitted", n).Int("scenes", len(scenes)).Msg("Scene generation submitted")
	return n, err
}

// RegenerateScene forces a new clip: the working key is cleared, status and
// retries reset, and generation enqueued. The original key is kept.
func (o *Orchestrator) RegenerateScene(ctx context.Context, projectID uuid.UUID, sequence int) error {
	zero := 0
	err := o.withSceneSlot(ctx, projectID, sequence, func(scene *models.Scene) error {
		_, err := o.store.UpdateScene(ctx, projectID, sequence, models.SceneUpdate{
			ClearWorkingKey: true,
			RetryCount:      &zero,
			ClearLastError:  true,
		})
		return err
	})
	if err != nil {
		return err
	}
	return o.enqueueScene(ctx, queue.JobGenerateScene, projectID, sequence)
}

// SubmitComposition enqueues final assembly. Every scene must have a
// working clip.
func (o *Orchestrator) SubmitComposition(ctx context.Context, projectID uuid.UUID, opts ComposeOptions) error {
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	scenes, err := o.store.ListScenes(ctx, projectID)
	if err != nil {
		return err
	}
	if err := checkComposable(scenes); err != nil {
		return err
	}

	job := &queue.Job{
		Type:      queue.JobComposeProject,
		ProjectID: projectID,
		Compose:   &queue.ComposeParams{SuppressClipAudio: opts.SuppressClipAudio},
	}
	if err := o.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue composition: %w", err)
	}
	log.Info().Str("project", projectID.String()).Str("job", job.ID.String()).Bool("suppress_clip_audio", opts.SuppressClipAudio).Msg("Enqueued compose_project")
	return nil
}

func checkComposable(scenes []models.Scene) error {
	if len(scenes) == 0 {
		return fmt.Errorf("%w: project has no scenes", models.ErrValidation)
	}
	var missing []int
	for _, s := range scenes {
		if s.WorkingKey == nil {
			missing = append(missing, s.Sequence)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: scenes without a clip: %v", models.ErrValidation, missing)
	}
	return nil
}

// SubmitLipSync enqueues lip-sync of a scene against its slice of the
// project's backing track.
func (o *Orchestrator) SubmitLipSync(ctx context.Context, projectID uuid.UUID, sequence int) error {
	if o.lipsync == nil {
		return fmt.Errorf("%w: no lip-sync service configured", models.ErrValidation)
	}
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.AudioKey == nil {
		return fmt.Errorf("%w: project has no backing track", models.ErrValidation)
	}
	scene, err := o.store.GetScene(ctx, projectID, sequence)
	if err != nil {
		return err
	}
	if scene.WorkingKey == nil {
		return fmt.Errorf("%w: scene %d has no clip to lip-sync", models.ErrValidation, sequence)
	}
	return o.enqueueScene(ctx, queue.JobLipSyncScene, projectID, sequence)
}

// SubmitTrim enqueues a trim of the scene's working clip to [start, end).
func (o *Orchestrator) SubmitTrim(ctx context.Context, projectID uuid.UUID, sequence int, start, end time.Duration) error {
	if start < 0 || end <= start {
		return fmt.Errorf("%w: invalid trim span [%s, %s)", models.ErrValidation, start, end)
	}
	scene, err := o.store.GetScene(ctx, projectID, sequence)
	if err != nil {
		return err
	}
	if scene.WorkingKey == nil {
		return fmt.Errorf("%w: scene %d has no clip to trim", models.ErrValidation, sequence)
	}

	job := &queue.Job{
		Type:      queue.JobTrimScene,
		ProjectID: projectID,
		Sequence:  sequence,
		Trim:      &queue.TrimParams{StartMs: int(start.Milliseconds()), EndMs: int(end.Milliseconds())},
	}
	if err := o.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue trim: %w", err)
	}
	return nil
}

// RevertScene points the working key back at the original clip.
func (o *Orchestrator) RevertScene(ctx context.Context, projectID uuid.UUID, sequence int) (*models.Scene, error) {
	var reverted *models.Scene
	err := o.withSceneSlot(ctx, projectID, sequence, func(scene *models.Scene) error {
		if scene.OriginalKey == nil {
			return fmt.Errorf("%w: scene %d has no original clip", models.ErrValidation, sequence)
		}
		var err error
		reverted, err = o.store.UpdateScene(ctx, projectID, sequence, models.SceneUpdate{WorkingKey: scene.OriginalKey})
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("project", projectID.String()).Int("sequence", sequence).Msg("Scene reverted to original clip")
	return reverted, nil
}

// EditScene applies user edits (display order, prompt, duration).
func (o *Orchestrator) EditScene(ctx context.Context, projectID uuid.UUID, sequence int, update models.SceneUpdate) (*models.Scene, error) {
	var edited *models.Scene
	err := o.withSceneSlot(ctx, projectID, sequence, func(*models.Scene) error {
		var err error
		edited, err = o.store.UpdateScene(ctx, projectID, sequence, update)
		return err
	})
	return edited, err
}

// AddScene appends a scene after the current last sequence and enqueues its
// generation.
func (o *Orchestrator) AddScene(ctx context.Context, projectID uuid.UUID, spec models.SceneSpec) (*models.Scene, error) {
	scenes, err := o.store.ListScenes(ctx, projectID)
	if err != nil {
		return nil, err
	}
	next := 1
	if len(scenes) > 0 {
		next = scenes[len(scenes)-1].Sequence + 1
	}

	scene := sceneFromSpec(projectID, next, spec)
	if err := o.store.CreateScene(ctx, &scene); err != nil {
		return nil, err
	}
	if err := o.enqueueScene(ctx, queue.JobGenerateScene, projectID, next); err != nil {
		return nil, err
	}
	return &scene, nil
}

// withSceneSlot runs fn while holding the scene's slot, failing fast with
// ErrSlotBusy if a job is working on the scene.
func (o *Orchestrator) withSceneSlot(ctx context.Context, projectID uuid.UUID, sequence int, fn func(*models.Scene) error) error {
	slot := queue.SceneSlot(projectID, sequence)
	owner := uuid.NewString()
	ok, err := o.queue.AcquireSlot(ctx, slot, owner, o.opts.SlotTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: scene %d", ErrSlotBusy, sequence)
	}
	defer func() {
		if err := o.queue.ReleaseSlot(context.WithoutCancel(ctx), slot, owner); err != nil {
			log.Warn().Err(err).Str("slot", slot).Msg("Failed to release scene slot")
		}
	}()

	scene, err := o.store.GetScene(ctx, projectID, sequence)
	if err != nil {
		return err
	}
	return fn(scene)
}
