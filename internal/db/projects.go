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

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) CreateProject(ctx context.Context, project *models.Project) error {
	if err := prepareProject(project, db.now()); err != nil {
		return err
	}

	attrs, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("marshal project: %w", err)
	}

	query := db.rebind(`
		INSERT INTO items (pk, sk, kind, status, attrs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = db.ExecContext(ctx, query,
		projectPK(project.ID), skMeta, models.KindProject, project.Status,
		string(attrs), formatTime(project.CreatedAt), formatTime(project.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	return db.getProject(ctx, db.DB, id, false)
}

func (db *DB) getProject(ctx context.Context, q queryer, id uuid.UUID, lock bool) (*models.Project, error) {
	query := `SELECT attrs FROM items WHERE pk = ? AND sk = ?`
	if lock {
		query += db.forUpdate()
	}

	var attrs string
	err := q.QueryRowContext(ctx, db.rebind(query), projectPK(id), skMeta).Scan(&attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundProject(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	project := &models.Project{}
	if err := json.Unmarshal([]byte(attrs), project); err != nil {
		return nil, fmt.Errorf("failed to decode project %s: %w", id, err)
	}
	return project, nil
}

func (db *DB) putProject(ctx context.Context, tx *sql.Tx, project *models.Project) error {
	attrs, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("marshal project: %w", err)
	}
	query := db.rebind(`UPDATE items SET status = ?, attrs = ?, updated_at = ? WHERE pk = ? AND sk = ?`)
	_, err = tx.ExecContext(ctx, query,
		project.Status, string(attrs), formatTime(project.UpdatedAt),
		projectPK(project.ID), skMeta,
	)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	return nil
}

// UpdateProject applies a partial update. Counters are not touched here; they
// move with scene status changes or RecalculateCounters.
func (db *DB) UpdateProject(ctx context.Context, id uuid.UUID, update models.ProjectUpdate) (*models.Project, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}

	var project *models.Project
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		project, err = db.getProject(ctx, tx, id, true)
		if err != nil {
			return err
		}
		update.Apply(project, db.now())
		return db.putProject(ctx, tx, project)
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// QueryByStatus returns projects in the given status ordered by creation time.
func (db *DB) QueryByStatus(ctx context.Context, status models.Status, opts QueryOptions) ([]models.Project, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, status)
	}

	order := "DESC"
	if opts.Ascending {
		order = "ASC"
	}
	query := db.rebind(`
		SELECT attrs FROM items
		WHERE kind = ? AND status = ?
		ORDER BY created_at ` + order + `, pk ` + order + `
		LIMIT ?
	`)

	rows, err := db.QueryContext(ctx, query, models.KindProject, status, opts.limit())
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	projects := []models.Project{}
	for rows.Next() {
		var attrs string
		if err := rows.Scan(&attrs); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		var p models.Project
		if err := json.Unmarshal([]byte(attrs), &p); err != nil {
			return nil, fmt.Errorf("failed to decode project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}

	return projects, nil
}

// RecalculateCounters overwrites the stored counters with a fresh tally of
// the project's scene records.
func (db *DB) RecalculateCounters(ctx context.Context, projectID uuid.UUID) (models.Counters, error) {
	var counters models.Counters
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		project, err := db.getProject(ctx, tx, projectID, true)
		if err != nil {
			return err
		}
		scenes, err := db.listScenes(ctx, tx, projectID)
		if err != nil {
			return err
		}
		counters = models.Tally(scenes)
		project.SetCounters(counters)
		project.UpdatedAt = db.now()
		return db.putProject(ctx, tx, project)
	})
	if err != nil {
		return models.Counters{}, err
	}
	return counters, nil
}

// CountScenesByStatus groups the project's scene rows by their status column.
func (db *DB) CountScenesByStatus(ctx context.Context, projectID uuid.UUID) (map[models.Status]int, error) {
	query := db.rebind(`
		SELECT status, COUNT(*) FROM items
		WHERE pk = ? AND kind = ?
		GROUP BY status
	`)
	rows, err := db.QueryContext(ctx, query, projectPK(projectID), models.KindScene)
	if err != nil {
		return nil, fmt.Errorf("failed to count scenes: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan scene count: %w", err)
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}
