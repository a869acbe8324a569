// Package ledger records monetary reservations tied to workflows. Every
// PENDING spend is eventually settled: completed on success, or cancelled
// with exactly one matching refund on failure.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/webgrove/api/internal/models"
)

// ErrEntryNotFound is returned when a ledger entry ID doesn't exist.
var ErrEntryNotFound = errors.New("ledger entry not found")

// ErrEntrySettled is returned on a second cancel of the same entry. This is
// a logic error in the caller, surfaced rather than retried.
var ErrEntrySettled = errors.New("ledger entry already settled")

// InsufficientBalanceError is returned when available funds cannot cover a
// reservation.
type InsufficientBalanceError struct {
	UserID    string
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for user %s: required %d, available %d", e.UserID, e.Required, e.Available)
}

// IsInsufficientBalance reports whether err is an InsufficientBalanceError.
func IsInsufficientBalance(err error) bool {
	var ib *InsufficientBalanceError
	return errors.As(err, &ib)
}

// ObjectRef identifies the entity a reservation is charged against.
type ObjectRef struct {
	ID   string
	Type string // "cluster" | "site"
}

// Service manages balances and ledger entries. All mutations are single
// read-modify-write transactions scoped to one user/entry at a time.
type Service struct {
	db *sql.DB
}

// NewService creates a ledger service backed by the given database.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Reserve debits the owner's balance and records a PENDING spend entry.
// Fails with InsufficientBalanceError when available funds < amount.
func (s *Service) Reserve(ctx context.Context, userID string, amount int64, ref ObjectRef) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Conditional debit: only succeeds when the balance covers the amount.
	res, err := tx.ExecContext(ctx, `
		UPDATE balances SET balance = balance - ?, updated_at = ?
		WHERE user_id = ? AND balance >= ?`,
		amount, time.Now().UTC(), userID, amount)
	if err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		available, balErr := balanceTx(ctx, tx, userID)
		if balErr != nil {
			return nil, balErr
		}
		return nil, &InsufficientBalanceError{UserID: userID, Required: amount, Available: available}
	}

	entry := &models.LedgerEntry{
		ID:         uuid.NewString(),
		UserID:     userID,
		Kind:       models.LedgerSpend,
		State:      models.LedgerPending,
		Amount:     amount,
		ObjectID:   ref.ID,
		ObjectType: ref.Type,
	}
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, kind, state, amount, object_id, object_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, string(entry.Kind), string(entry.State),
		entry.Amount, entry.ObjectID, entry.ObjectType, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert spend entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	log.Info().
		Str("entry_id", entry.ID).
		Str("user_id", userID).
		Int64("amount", amount).
		Str("object_id", ref.ID).
		Str("object_type", ref.Type).
		Msg("Funds reserved")

	return entry, nil
}

// Complete settles a PENDING spend as COMPLETED. Completing an already
// COMPLETED entry is a no-op so duplicate finalize delivery is tolerated.
func (s *Service) Complete(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_entries SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(models.LedgerCompleted), time.Now().UTC(), entryID, string(models.LedgerPending))
	if err != nil {
		return fmt.Errorf("complete entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		log.Info().Str("entry_id", entryID).Msg("Ledger entry completed")
		return nil
	}

	entry, err := s.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.State == models.LedgerCompleted {
		// Duplicate finalize delivery
		return nil
	}
	return fmt.Errorf("%w: %s is %s", ErrEntrySettled, entryID, entry.State)
}

// Cancel settles a PENDING spend as CANCELLED and atomically records one
// refund entry of equal amount, crediting the owner's balance back.
// A second cancel of the same entry returns ErrEntrySettled.
func (s *Service) Cancel(ctx context.Context, entryID, reason string) (*models.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var entry models.LedgerEntry
	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, kind, state, amount, object_id, object_type
		FROM ledger_entries WHERE id = ?`, entryID)
	err = row.Scan(&entry.ID, &entry.UserID, &entry.Kind, &entry.State, &entry.Amount, &entry.ObjectID, &entry.ObjectType)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	if entry.State != models.LedgerPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrEntrySettled, entryID, entry.State)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries SET state = ?, reason = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(models.LedgerCancelled), reason, now, entryID, string(models.LedgerPending))
	if err != nil {
		return nil, fmt.Errorf("cancel entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEntrySettled, entryID)
	}

	refund := &models.LedgerEntry{
		ID:         uuid.NewString(),
		UserID:     entry.UserID,
		Kind:       models.LedgerRefund,
		State:      models.LedgerCompleted,
		Amount:     entry.Amount,
		ObjectID:   entry.ObjectID,
		ObjectType: entry.ObjectType,
		Reason:     reason,
		RefundOf:   entry.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, kind, state, amount, object_id, object_type, reason, refund_of, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		refund.ID, refund.UserID, string(refund.Kind), string(refund.State),
		refund.Amount, refund.ObjectID, refund.ObjectType, refund.Reason, refund.RefundOf, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert refund entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE balances SET balance = balance + ?, updated_at = ? WHERE user_id = ?`,
		entry.Amount, now, entry.UserID)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	log.Info().
		Str("entry_id", entryID).
		Str("refund_id", refund.ID).
		Int64("amount", entry.Amount).
		Str("reason", reason).
		Msg("Ledger entry cancelled and refunded")

	return refund, nil
}

// Get retrieves a ledger entry by ID.
func (s *Service) Get(ctx context.Context, entryID string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var reason, refundOf sql.NullString
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, state, amount, object_id, object_type, reason, refund_of, created_at, updated_at
		FROM ledger_entries WHERE id = ?`, entryID)
	err := row.Scan(&entry.ID, &entry.UserID, &entry.Kind, &entry.State, &entry.Amount,
		&entry.ObjectID, &entry.ObjectType, &reason, &refundOf, &entry.CreatedAt, &entry.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	entry.Reason = reason.String
	entry.RefundOf = refundOf.String
	return &entry, nil
}

// Balance returns the available funds for a user. Missing rows read as zero.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	var balance sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM balances WHERE user_id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance.Int64, nil
}

// Credit adds funds to a user's balance, creating the row if needed.
func (s *Service) Credit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at`,
		userID, amount, now)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

func balanceTx(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	var balance sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM balances WHERE user_id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance.Int64, nil
}
