package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/scenecast/internal/db"
	"github.com/bobarin/scenecast/internal/media"
	"github.com/bobarin/scenecast/internal/models"
	"github.com/bobarin/scenecast/internal/queue"
	"github.com/bobarin/scenecast/internal/services"
	"github.com/bobarin/scenecast/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrSlotBusy is returned by synchronous operations when another job holds
// the scene's slot.
var ErrSlotBusy = errors.New("scene is busy")

// Options tunes the orchestrator. Zero values select the defaults.
type Options struct {
	MaxSceneRetries int
	URLExpiry       time.Duration
	// SlotTTL bounds how long a crashed worker can hold a slot.
	SlotTTL     time.Duration
	BusyDelay   time.Duration
	PollTimeout time.Duration
	Keys        storage.Keys
	TempDir     string
}

const (
	defaultMaxSceneRetries = 3
	defaultSlotTTL         = 30 * time.Minute
	defaultBusyDelay       = 2 * time.Second
	defaultPollTimeout     = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxSceneRetries <= 0 {
		o.MaxSceneRetries = defaultMaxSceneRetries
	}
	if o.URLExpiry <= 0 {
		o.URLExpiry = storage.DefaultURLExpiry
	}
	if o.SlotTTL <= 0 {
		o.SlotTTL = defaultSlotTTL
	}
	if o.BusyDelay <= 0 {
		o.BusyDelay = defaultBusyDelay
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = defaultPollTimeout
	}
	return o
}

// Orchestrator enqueues scene and project jobs and runs them on a pool of
// background workers. Every job that mutates a scene runs inside that
// scene's slot, so per-scene writes never interleave.
type Orchestrator struct {
	store     db.Store
	queue     queue.JobQueue
	storage   storage.AssetStorage
	engine    *media.Engine
	generator services.Generator
	planner   services.Planner   // Optional: nil disables planning
	lipsync   services.LipSyncer // Optional: nil disables lip-sync
	opts      Options

	retryDelay func(attempt int) time.Duration
	pending    sync.WaitGroup // delayed re-enqueues
}

func New(
	store db.Store,
	q queue.JobQueue,
	stor storage.AssetStorage,
	engine *media.Engine,
	generator services.Generator,
	planner services.Planner,
	lipsync services.LipSyncer,
	opts Options,
) *Orchestrator {
	return &Orchestrator{
		store:      store,
		queue:      q,
		storage:    stor,
		engine:     engine,
		generator:  generator,
		planner:    planner,
		lipsync:    lipsync,
		opts:       opts.withDefaults(),
		retryDelay: storage.RetryDelay,
	}
}

type handlerFunc func(context.Context, *queue.Job) error

// Start runs concurrency workers per job type and blocks until ctx is done.
func (o *Orchestrator) Start(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	log.Info().Int("concurrency", concurrency).Msg("Worker started")

	handlers := map[queue.JobType]handlerFunc{
		queue.JobPlanProject:    o.handlePlan,
		queue.JobGenerateScene:  o.handleGenerateScene,
		queue.JobComposeProject: o.handleCompose,
		queue.JobLipSyncScene:   o.handleLipSync,
		queue.JobTrimScene:      o.handleTrim,
	}

	var wg sync.WaitGroup
	for _, t := range queue.JobTypes {
		handler := handlers[t]
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func(t queue.JobType) {
				defer wg.Done()
				o.processQueue(ctx, t, handler)
			}(t)
		}
	}

	<-ctx.Done()
	log.Info().Msg("Worker shutting down...")
	wg.Wait()
	o.pending.Wait()
}

func (o *Orchestrator) processQueue(ctx context.Context, t queue.JobType, handler handlerFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := o.queue.Dequeue(ctx, t, o.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("queue", t.Name()).Msg("Error dequeuing")
			sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			continue // No job available
		}

		o.runJob(ctx, job, handler)
	}
}

// slotFor returns the slot a job must hold while it runs.
func slotFor(job *queue.Job) string {
	switch job.Type {
	case queue.JobComposeProject:
		return queue.ComposeSlot(job.ProjectID)
	case queue.JobPlanProject:
		return queue.ProjectSlot(job.ProjectID)
	default:
		return queue.SceneSlot(job.ProjectID, job.Sequence)
	}
}

// runJob executes one job inside its slot. A busy slot sends the job back to
// the queue after a short delay.
func (o *Orchestrator) runJob(ctx context.Context, job *queue.Job, handler handlerFunc) {
	logger := log.With().
		Str("job", job.ID.String()).
		Str("type", string(job.Type)).
		Str("project", job.ProjectID.String()).
		Int("sequence", job.Sequence).
		Logger()

	slot := slotFor(job)
	owner := job.ID.String()
	ok, err := o.queue.AcquireSlot(ctx, slot, owner, o.opts.SlotTTL)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to acquire job slot")
		o.enqueueAfter(ctx, job, o.opts.BusyDelay)
		return
	}
	if !ok {
		logger.Debug().Str("slot", slot).Msg("Slot busy, re-enqueuing")
		o.enqueueAfter(ctx, job, o.opts.BusyDelay)
		return
	}
	defer func() {
		if err := o.queue.ReleaseSlot(context.WithoutCancel(ctx), slot, owner); err != nil {
			logger.Warn().Err(err).Str("slot", slot).Msg("Failed to release job slot")
		}
	}()

	logger.Info().Msg("Processing job")
	start := time.Now()
	if err := handler(ctx, job); err != nil {
		logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Job failed")
		return
	}
	logger.Info().Dur("elapsed", time.Since(start)).Msg("Job completed")
}

// enqueueAfter re-submits job once delay has passed, unless ctx ends first.
func (o *Orchestrator) enqueueAfter(ctx context.Context, job *queue.Job, delay time.Duration) {
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		if !sleep(ctx, delay) {
			log.Warn().Str("job", job.ID.String()).Msg("Dropping delayed job on shutdown")
			return
		}
		if err := o.queue.Enqueue(ctx, job); err != nil {
			log.Error().Err(err).Str("job", job.ID.String()).Msg("Failed to re-enqueue job")
		}
	}()
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// updateSceneStatus writes a status and logs edges the lifecycle graph does
// not contain. Status is display metadata, so the write always goes through.
func (o *Orchestrator) updateSceneStatus(ctx context.Context, scene *models.Scene, to models.Status, update models.SceneUpdate) (*models.Scene, error) {
	if !models.CanTransition(models.KindScene, scene.Status, to) {
		log.Warn().
			Str("project", scene.ProjectID.String()).
			Int("sequence", scene.Sequence).
			Str("from", string(scene.Status)).
			Str("to", string(to)).
			Msg("Scene status drift")
	}
	update.Status = &to
	return o.store.UpdateScene(ctx, scene.ProjectID, scene.Sequence, update)
}

func (o *Orchestrator) updateProjectStatus(ctx context.Context, project *models.Project, to models.Status, update models.ProjectUpdate) (*models.Project, error) {
	if !models.CanTransition(models.KindProject, project.Status, to) {
		log.Warn().
			Str("project", project.ID.String()).
			Str("from", string(project.Status)).
			Str("to", string(to)).
			Msg("Project status drift")
	}
	update.Status = &to
	return o.store.UpdateProject(ctx, project.ID, update)
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, services.ErrContentRejected),
		errors.Is(err, db.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// failScene records a failed attempt on the scene and schedules another one
// while the retry budget lasts.
func (o *Orchestrator) failScene(ctx context.Context, job *queue.Job, scene *models.Scene, step string, cause error) error {
	msg := fmt.Sprintf("%s: %v", step, cause)
	updated, err := o.updateSceneStatus(context.WithoutCancel(ctx), scene, models.StatusFailed, models.SceneUpdate{
		LastError:      &msg,
		IncrementRetry: true,
	})
	if err != nil {
		log.Error().Err(err).Str("project", scene.ProjectID.String()).Int("sequence", scene.Sequence).Msg("Failed to record scene failure")
		return fmt.Errorf("%s: %w", step, cause)
	}

	if retryable(cause) && ctx.Err() == nil && updated.RetryCount < o.opts.MaxSceneRetries {
		delay := o.retryDelay(updated.RetryCount)
		log.Warn().
			Err(cause).
			Str("project", scene.ProjectID.String()).
			Int("sequence", scene.Sequence).
			Int("attempt", updated.RetryCount).
			Dur("backoff", delay).
			Msg("Retrying scene job")
		retry := *job
		retry.ID = uuid.New()
		o.enqueueAfter(ctx, &retry, delay)
	}
	return fmt.Errorf("%s: %w", step, cause)
}
