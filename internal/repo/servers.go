package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/webgrove/api/internal/models"
)

// Servers provides persistence for provisioned infrastructure resources.
type Servers struct {
	db *sql.DB
}

// NewServers creates a server repository backed by the given database.
func NewServers(db *sql.DB) *Servers {
	return &Servers{db: db}
}

// Create inserts a newly provisioned server.
func (r *Servers) Create(ctx context.Context, s *models.Server) (*models.Server, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = models.ServerUnknown
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO servers (id, provider_type, external_id, location, status, public_ipv4, ssh_private_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ProviderType, s.ExternalID, s.Location, string(s.Status), s.PublicIPv4, s.SSHPrivateKey, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert server: %w", err)
	}
	return s, nil
}

// Get retrieves a server by ID.
func (r *Servers) Get(ctx context.Context, id string) (*models.Server, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, provider_type, external_id, location, status, public_ipv4, ssh_private_key, created_at, updated_at
		FROM servers WHERE id = ?`, id)

	var s models.Server
	err := row.Scan(&s.ID, &s.ProviderType, &s.ExternalID, &s.Location, &s.Status,
		&s.PublicIPv4, &s.SSHPrivateKey, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan server: %w", err)
	}
	return &s, nil
}

// UpdateStatus records the provider-reported status.
func (r *Servers) UpdateStatus(ctx context.Context, id string, st models.ServerStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE servers SET status = ?, updated_at = ? WHERE id = ?`,
		string(st), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update server status: %w", err)
	}
	return requireAffected(res, id)
}

// UpdateNetwork records the address reported once the server is reachable.
func (r *Servers) UpdateNetwork(ctx context.Context, id, ipv4 string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE servers SET public_ipv4 = ?, updated_at = ? WHERE id = ?`,
		ipv4, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update server network: %w", err)
	}
	return requireAffected(res, id)
}

// Delete removes a server row. Only the explicit decommission path calls this.
func (r *Servers) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	return requireAffected(res, id)
}
