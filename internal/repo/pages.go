package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/webgrove/api/internal/models"
)

// Pages provides persistence for generated cluster pages.
type Pages struct {
	db *sql.DB
}

// NewPages creates a page repository backed by the given database.
func NewPages(db *sql.DB) *Pages {
	return &Pages{db: db}
}

// ReplaceForCluster swaps the cluster's page set in one transaction. A
// refresh produces a full replacement batch, never a partial merge.
func (r *Pages) ReplaceForCluster(ctx context.Context, clusterID string, pages []models.Page) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE cluster_id = ?`, clusterID); err != nil {
		return fmt.Errorf("clear pages: %w", err)
	}

	now := time.Now().UTC()
	for i := range pages {
		p := &pages[i]
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.ClusterID = clusterID
		p.CreatedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pages (id, cluster_id, title, path, page_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.ClusterID, p.Title, p.Path, p.PageType, now); err != nil {
			return fmt.Errorf("insert page %s: %w", p.Title, err)
		}
	}

	return tx.Commit()
}

// Append adds pages to a cluster without touching the existing set. Used by
// extra-page generation.
func (r *Pages) Append(ctx context.Context, clusterID string, pages []models.Page) error {
	now := time.Now().UTC()
	for i := range pages {
		p := &pages[i]
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.ClusterID = clusterID
		p.CreatedAt = now
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO pages (id, cluster_id, title, path, page_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.ClusterID, p.Title, p.Path, p.PageType, now); err != nil {
			return fmt.Errorf("insert page %s: %w", p.Title, err)
		}
	}
	return nil
}

// ListByCluster retrieves a cluster's pages, oldest first.
func (r *Pages) ListByCluster(ctx context.Context, clusterID string) ([]models.Page, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, cluster_id, title, path, page_type, created_at
		FROM pages WHERE cluster_id = ? ORDER BY created_at ASC, id ASC`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	var out []models.Page
	for rows.Next() {
		var p models.Page
		if err := rows.Scan(&p.ID, &p.ClusterID, &p.Title, &p.Path, &p.PageType, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountByCluster returns the number of pages a cluster currently has.
func (r *Pages) CountByCluster(ctx context.Context, clusterID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages WHERE cluster_id = ?`, clusterID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}
