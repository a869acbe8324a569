package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/webgrove/api/internal/models"
	"github.com/webgrove/api/internal/status"
)

// Sites provides persistence for deployable sites.
type Sites struct {
	db *sql.DB
}

// NewSites creates a site repository backed by the given database.
func NewSites(db *sql.DB) *Sites {
	return &Sites{db: db}
}

// Create inserts a new site in DRAFT status and returns it.
func (r *Sites) Create(ctx context.Context, s *models.Site) (*models.Site, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = status.SiteDraft
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sites (id, user_id, user_email, domain, pages_number, status, server_id, wp_token, wp_port, sites_live, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.UserEmail, s.Domain, s.PagesNumber, string(s.Status),
		nullable(s.ServerID), s.WPToken, s.WPPort, s.SitesLive, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert site: %w", err)
	}
	return s, nil
}

// Get retrieves a site by ID.
func (r *Sites) Get(ctx context.Context, id string) (*models.Site, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, user_email, domain, pages_number, status, server_id, wp_token, wp_port, sites_live, created_at, updated_at
		FROM sites WHERE id = ?`, id)
	return scanSite(row)
}

// ListByStatus retrieves all sites in any of the given statuses. Used by the
// deployment sweep.
func (r *Sites) ListByStatus(ctx context.Context, statuses ...status.SiteStatus) ([]models.Site, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, user_id, user_email, domain, pages_number, status, server_id, wp_token, wp_port, sites_live, created_at, updated_at
		FROM sites WHERE status IN (?` + repeat(",?", len(statuses)-1) + `) ORDER BY created_at ASC`
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sites: %w", err)
	}
	defer rows.Close()

	var out []models.Site
	for rows.Next() {
		s, err := scanSiteRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// TransitionStatus moves a site from expected to requested status through the
// transition table, applied as a compare-and-swap.
func (r *Sites) TransitionStatus(ctx context.Context, id string, expected, requested status.SiteStatus) error {
	if !status.CanTransitionSite(expected, requested) {
		return &status.StateConflictError{EntityID: id, Current: string(expected), Requested: string(requested)}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE sites SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(requested), time.Now().UTC(), id, string(expected))
	if err != nil {
		return fmt.Errorf("update site status: %w", err)
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

// AttachServer links a provisioned server to a site. An empty serverID
// detaches: server_id goes NULL so the foreign key stays satisfied.
func (r *Sites) AttachServer(ctx context.Context, id, serverID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sites SET server_id = ?, updated_at = ? WHERE id = ?`,
		nullable(serverID), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("attach server: %w", err)
	}
	return requireAffected(res, id)
}

// SetCredentials stores the software credentials produced by the install step.
func (r *Sites) SetCredentials(ctx context.Context, id, wpToken, wpPort string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sites SET wp_token = ?, wp_port = ?, updated_at = ? WHERE id = ?`,
		wpToken, wpPort, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set credentials: %w", err)
	}
	return requireAffected(res, id)
}

// IncrementLive bumps the deployed counter after a successful deployment.
func (r *Sites) IncrementLive(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sites SET sites_live = sites_live + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("increment live: %w", err)
	}
	return requireAffected(res, id)
}

// Delete removes a site. Used only by the creation-failure rollback path.
func (r *Sites) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sites WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete site: %w", err)
	}
	return requireAffected(res, id)
}

func scanSite(row *sql.Row) (*models.Site, error) {
	var s models.Site
	var serverID sql.NullString
	err := row.Scan(&s.ID, &s.UserID, &s.UserEmail, &s.Domain, &s.PagesNumber, &s.Status,
		&serverID, &s.WPToken, &s.WPPort, &s.SitesLive, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan site: %w", err)
	}
	s.ServerID = serverID.String
	return &s, nil
}

func scanSiteRows(rows *sql.Rows) (*models.Site, error) {
	var s models.Site
	var serverID sql.NullString
	err := rows.Scan(&s.ID, &s.UserID, &s.UserEmail, &s.Domain, &s.PagesNumber, &s.Status,
		&serverID, &s.WPToken, &s.WPPort, &s.SitesLive, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan site: %w", err)
	}
	s.ServerID = serverID.String
	return &s, nil
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
