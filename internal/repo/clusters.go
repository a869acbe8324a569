// Package repo provides single-entity persistence operations. Each call is
// independently transactional; no multi-entity transactions exist here.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/webgrove/api/internal/models"
	"github.com/webgrove/api/internal/status"
)

// ErrNotFound is returned when an entity ID doesn't exist.
var ErrNotFound = errors.New("entity not found")

// Clusters provides persistence for content clusters.
type Clusters struct {
	db *sql.DB
}

// NewClusters creates a cluster repository backed by the given database.
func NewClusters(db *sql.DB) *Clusters {
	return &Clusters{db: db}
}

// Create inserts a new cluster in DRAFT status and returns it.
func (r *Clusters) Create(ctx context.Context, c *models.Cluster) (*models.Cluster, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = status.ClusterDraft
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clusters (id, user_id, site_id, keyword, topics_number, link, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, nullable(c.SiteID), c.Keyword, c.TopicsNumber, c.Link, string(c.Status), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert cluster: %w", err)
	}
	return c, nil
}

// Get retrieves a cluster by ID.
func (r *Clusters) Get(ctx context.Context, id string) (*models.Cluster, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, site_id, keyword, topics_number, link, status, created_at, updated_at
		FROM clusters WHERE id = ?`, id)
	return scanCluster(row)
}

// ListBySite retrieves all clusters nested under a site.
func (r *Clusters) ListBySite(ctx context.Context, siteID string) ([]models.Cluster, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, site_id, keyword, topics_number, link, status, created_at, updated_at
		FROM clusters WHERE site_id = ? ORDER BY created_at ASC`, siteID)
	if err != nil {
		return nil, fmt.Errorf("query clusters: %w", err)
	}
	defer rows.Close()

	var out []models.Cluster
	for rows.Next() {
		c, err := scanClusterRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// TransitionStatus moves a cluster from expected to requested status.
// Legality is checked through the transition table, then applied as a
// compare-and-swap so a concurrent writer cannot slip between read and write.
// Returns StateConflictError if the transition is illegal or the row moved.
func (r *Clusters) TransitionStatus(ctx context.Context, id string, expected, requested status.ClusterStatus) error {
	if !status.CanTransitionCluster(expected, requested) {
		return &status.StateConflictError{EntityID: id, Current: string(expected), Requested: string(requested)}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE clusters SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(requested), time.Now().UTC(), id, string(expected))
	if err != nil {
		return fmt.Errorf("update cluster status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return &status.StateConflictError{EntityID: id, Current: string(current.Status), Requested: string(requested)}
	}
	return nil
}

// SetLink records the built cluster's link. Set only on successful build.
func (r *Clusters) SetLink(ctx context.Context, id, link string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clusters SET link = ?, updated_at = ? WHERE id = ?`,
		link, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update cluster link: %w", err)
	}
	return requireAffected(res, id)
}

// Delete removes a cluster. Used only by the creation-failure rollback path.
func (r *Clusters) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM clusters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cluster: %w", err)
	}
	return requireAffected(res, id)
}

func scanCluster(row *sql.Row) (*models.Cluster, error) {
	var c models.Cluster
	var siteID sql.NullString
	err := row.Scan(&c.ID, &c.UserID, &siteID, &c.Keyword, &c.TopicsNumber, &c.Link, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cluster: %w", err)
	}
	c.SiteID = siteID.String
	return &c, nil
}

func scanClusterRows(rows *sql.Rows) (*models.Cluster, error) {
	var c models.Cluster
	var siteID sql.NullString
	err := rows.Scan(&c.ID, &c.UserID, &siteID, &c.Keyword, &c.TopicsNumber, &c.Link, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan cluster: %w", err)
	}
	c.SiteID = siteID.String
	return &c, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func requireAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
