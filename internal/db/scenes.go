package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bobarin/scenecast/internal/models"
	"github.com/google/uuid"
)

// CreateScene inserts a scene and bumps the parent project's counters in the
// same transaction.
func (db *DB) CreateScene(ctx context.Context, scene *models.Scene) error {
	if err := prepareScene(scene, db.now()); err != nil {
		return err
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		project, err := db.getProject(ctx, tx, scene.ProjectID, true)
		if err != nil {
			return err
		}

		if _, err := db.getScene(ctx, tx, scene.ProjectID, scene.Sequence); err == nil {
			return fmt.Errorf("%w: scene %d already exists", models.ErrValidation, scene.Sequence)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		attrs, err := json.Marshal(scene)
		if err != nil {
			return fmt.Errorf("marshal scene: %w", err)
		}
		query := db.rebind(`
			INSERT INTO items (pk, sk, kind, status, attrs, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		_, err = tx.ExecContext(ctx, query,
			projectPK(scene.ProjectID), sceneSK(scene.Sequence), models.KindScene, scene.Status,
			string(attrs), formatTime(scene.CreatedAt), formatTime(scene.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create scene: %w", err)
		}

		dc, df := initialDelta(scene.Status)
		project.SceneCount++
		project.CompletedScenes += dc
		project.FailedScenes += df
		project.UpdatedAt = scene.UpdatedAt
		return db.putProject(ctx, tx, project)
	})
}

func (db *DB) GetScene(ctx context.Context, projectID uuid.UUID, sequence int) (*models.Scene, error) {
	return db.getScene(ctx, db.DB, projectID, sequence)
}

func (db *DB) getScene(ctx context.Context, q queryer, projectID uuid.UUID, sequence int) (*models.Scene, error) {
	query := db.rebind(`SELECT attrs FROM items WHERE pk = ? AND sk = ?`)

	var attrs string
	err := q.QueryRowContext(ctx, query, projectPK(projectID), sceneSK(sequence)).Scan(&attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundScene(projectID, sequence)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scene: %w", err)
	}

	scene := &models.Scene{}
	if err := json.Unmarshal([]byte(attrs), scene); err != nil {
		return nil, fmt.Errorf("failed to decode scene %s/%d: %w", projectID, sequence, err)
	}
	return scene, nil
}

// ListScenes returns every scene of the project ordered by sequence.
func (db *DB) ListScenes(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	return db.listScenes(ctx, db.DB, projectID)
}

type rowsQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (db *DB) listScenes(ctx context.Context, q rowsQueryer, projectID uuid.UUID) ([]models.Scene, error) {
	query := db.rebind(`
		SELECT sk, attrs FROM items
		WHERE pk = ? AND kind = ?
		ORDER BY sk
	`)

	rows, err := q.QueryContext(ctx, query, projectPK(projectID), models.KindScene)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenes: %w", err)
	}
	defer rows.Close()

	scenes := []models.Scene{}
	for rows.Next() {
		var sk, attrs string
		if err := rows.Scan(&sk, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan scene: %w", err)
		}
		var s models.Scene
		if err := json.Unmarshal([]byte(attrs), &s); err != nil {
			return nil, fmt.Errorf("failed to decode scene %s: %w", sk, err)
		}
		if seq, err := sequenceFromSK(sk); err == nil {
			s.Sequence = seq
		}
		scenes = append(scenes, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scenes: %w", err)
	}

	return scenes, nil
}

// UpdateScene applies a partial update. A status change moves the project's
// counters by the matching delta within the same transaction.
func (db *DB) UpdateScene(ctx context.Context, projectID uuid.UUID, sequence int, update models.SceneUpdate) (*models.Scene, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}

	var scene *models.Scene
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		project, err := db.getProject(ctx, tx, projectID, true)
		if err != nil {
			return err
		}
		scene, err = db.getScene(ctx, tx, projectID, sequence)
		if err != nil {
			return err
		}

		oldStatus := scene.Status
		now := db.now()
		update.Apply(scene, now)

		attrs, err := json.Marshal(scene)
		if err != nil {
			return fmt.Errorf("marshal scene: %w", err)
		}
		query := db.rebind(`UPDATE items SET status = ?, attrs = ?, updated_at = ? WHERE pk = ? AND sk = ?`)
		if _, err := tx.ExecContext(ctx, query,
			scene.Status, string(attrs), formatTime(scene.UpdatedAt),
			projectPK(projectID), sceneSK(sequence),
		); err != nil {
			return fmt.Errorf("failed to update scene: %w", err)
		}

		dc, df := models.CounterDelta(oldStatus, scene.Status)
		if dc == 0 && df == 0 {
			return nil
		}
		project.CompletedScenes += dc
		project.FailedScenes += df
		project.UpdatedAt = now
		return db.putProject(ctx, tx, project)
	})
	if err != nil {
		return nil, err
	}
	return scene, nil
}
