package main

import (
	"context"
	"fmt"

	"github.com/bobarin/scenecast/internal/config"
	"github.com/bobarin/scenecast/internal/db"
	"github.com/bobarin/scenecast/internal/queue"
	"github.com/bobarin/scenecast/internal/worker"
)

// commandContext opens the backends a command needs. Tests swap the openers.
type commandContext struct {
	openStore func(ctx context.Context) (db.Store, error)
	openQueue func(ctx context.Context) (queue.JobQueue, error)
}

func newCommandContext() *commandContext {
	return &commandContext{
		openStore: openConfiguredStore,
		openQueue: openConfiguredQueue,
	}
}

func openConfiguredStore(ctx context.Context) (db.Store, error) {
	cfg := config.Read()
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	return db.OpenStore(ctx, db.Options{
		Backend:     cfg.StoreBackend,
		Driver:      cfg.DatabaseDriver,
		DatabaseURL: cfg.DatabaseURL,
		TableName:   cfg.DynamoDBTable,
	})
}

func openConfiguredQueue(ctx context.Context) (queue.JobQueue, error) {
	cfg := config.Read()
	if cfg.RedisURL == "" {
		// An in-process queue here would never reach the server's workers.
		return nil, fmt.Errorf("REDIS_URL is required to submit jobs from the CLI")
	}
	return queue.NewRedis(cfg.RedisURL)
}

func (c *commandContext) withStore(ctx context.Context, fn func(db.Store) error) error {
	store, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

// withOrchestrator builds a submit-only orchestrator: it enqueues jobs for the
// server's workers and never runs them itself.
func (c *commandContext) withOrchestrator(ctx context.Context, fn func(*worker.Orchestrator) error) error {
	return c.withStore(ctx, func(store db.Store) error {
		q, err := c.openQueue(ctx)
		if err != nil {
			return err
		}
		defer q.Close()
		return fn(worker.New(store, q, nil, nil, nil, nil, nil, worker.Options{}))
	})
}
