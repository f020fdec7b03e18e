package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/pkg/types"
)

const restoreColumns = `id, batch_id, tenant_id, tier, days, status,
	estimated_cost_usd, estimated_duration_ms, estimated_completed_at,
	requested_by, approved_by, requested_at, approved_at, initiated_at,
	completed_at, expires_at, cancelled_at, failed_at, tracking_handle, error`

// activeRestoreStatuses are the statuses that hold a batch, as query arguments.
var activeRestoreStatuses = func() []interface{} {
	var out []interface{}
	for _, st := range []types.RestoreStatus{
		types.RestorePending, types.RestoreApproved, types.RestoreInitiating, types.RestoreInProgress,
		types.RestoreCompleted, types.RestoreExpired, types.RestoreCancelled, types.RestoreFailed,
	} {
		if st.Active() {
			out = append(out, string(st))
		}
	}
	return out
}()

// BatchRestoreState is the batch-side effect of a restore transition, applied in the
// same transaction as the status change.
type BatchRestoreState struct {
	IsCold        bool
	RestoredUntil *time.Time
}

// CreateRestoreRequest inserts a new request. A batch may have at most one active
// request; a second one fails with a conflict.
func (s *Store) CreateRestoreRequest(ctx context.Context, r *types.RestoreRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(activeRestoreStatuses)), ", ")
	args := append([]interface{}{r.BatchID}, activeRestoreStatuses...)
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM restore_requests WHERE batch_id = ? AND status IN (`+placeholders+`)`,
		args...,
	).Scan(&existing)
	if err == nil {
		return activeRestoreConflict(r.BatchID, existing)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("store: failed to check active restores: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO restore_requests (`+restoreColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BatchID, r.TenantID, string(r.Tier), r.Days, string(r.Status),
		r.EstimatedCostUSD, r.EstimatedDuration.Milliseconds(), toMillis(r.EstimatedCompletedAt),
		r.RequestedBy, r.ApprovedBy, toMillis(r.RequestedAt), nullMillis(r.ApprovedAt), nullMillis(r.InitiatedAt),
		nullMillis(r.CompletedAt), nullMillis(r.ExpiresAt), nullMillis(r.CancelledAt), nullMillis(r.FailedAt),
		r.TrackingHandle, r.Error,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return activeRestoreConflict(r.BatchID, "")
		}
		return fmt.Errorf("store: failed to insert restore request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

func activeRestoreConflict(batchID, existing string) error {
	msg := fmt.Sprintf("batch %s already has an active restore request", batchID)
	if existing != "" {
		msg += " (" + existing + ")"
	}
	return strataerrors.NewConflictError(strataerrors.CodeRestoreActive, msg)
}

// GetRestoreRequest retrieves one request by id.
func (s *Store) GetRestoreRequest(ctx context.Context, id string) (*types.RestoreRequest, error) {
	row := s.readDB.QueryRowContext(ctx, "SELECT "+restoreColumns+" FROM restore_requests WHERE id = ?", id)
	r, err := scanRestore(row)
	if err == sql.ErrNoRows {
		return nil, strataerrors.NewNotFoundError(strataerrors.CodeRestoreNotFound, fmt.Sprintf("restore request %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to scan restore request: %w", err)
	}
	return r, nil
}

// ListRestoresByStatus returns up to limit requests in status, oldest first.
func (s *Store) ListRestoresByStatus(ctx context.Context, status types.RestoreStatus, limit int) ([]*types.RestoreRequest, error) {
	return s.queryRestores(ctx,
		"SELECT "+restoreColumns+` FROM restore_requests
		 WHERE status = ? ORDER BY requested_at ASC, id ASC LIMIT ?`,
		string(status), limit)
}

// ListExpiredRestores returns completed requests whose window ended before now.
func (s *Store) ListExpiredRestores(ctx context.Context, now time.Time, limit int) ([]*types.RestoreRequest, error) {
	return s.queryRestores(ctx,
		"SELECT "+restoreColumns+` FROM restore_requests
		 WHERE status = 'COMPLETED' AND expires_at IS NOT NULL AND expires_at < ?
		 ORDER BY expires_at ASC LIMIT ?`,
		toMillis(now), limit)
}

// UpdateRestore writes r if the stored status still equals from. When batch is
// non-nil the batch's cold flag and restore window are updated in the same
// transaction. It reports whether the update applied; false means another actor
// moved the request first.
func (s *Store) UpdateRestore(ctx context.Context, r *types.RestoreRequest, from types.RestoreStatus, batch *BatchRestoreState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE restore_requests SET
			status = ?, approved_by = ?, approved_at = ?, initiated_at = ?, completed_at = ?,
			expires_at = ?, cancelled_at = ?, failed_at = ?, tracking_handle = ?, error = ?
		WHERE id = ? AND status = ?`,
		string(r.Status), r.ApprovedBy, nullMillis(r.ApprovedAt), nullMillis(r.InitiatedAt), nullMillis(r.CompletedAt),
		nullMillis(r.ExpiresAt), nullMillis(r.CancelledAt), nullMillis(r.FailedAt), r.TrackingHandle, r.Error,
		r.ID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("store: failed to update restore request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if batch != nil {
		_, err := tx.ExecContext(ctx,
			"UPDATE archive_batches SET is_cold = ?, restored_until = ? WHERE id = ?",
			boolInt(batch.IsCold), nullMillis(batch.RestoredUntil), r.BatchID)
		if err != nil {
			return false, fmt.Errorf("store: failed to update batch restore state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return true, nil
}

func (s *Store) queryRestores(ctx context.Context, query string, args ...interface{}) ([]*types.RestoreRequest, error) {
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query restore requests: %w", err)
	}
	defer rows.Close()

	var out []*types.RestoreRequest
	for rows.Next() {
		r, err := scanRestore(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan restore request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating restore requests: %w", err)
	}
	return out, nil
}

func scanRestore(row scanner) (*types.RestoreRequest, error) {
	var (
		r                                    types.RestoreRequest
		tier, status                         string
		durationMS, estimatedAt, requestedAt int64
		approvedAt, initiatedAt, completedAt sql.NullInt64
		expiresAt, cancelledAt, failedAt     sql.NullInt64
	)
	err := row.Scan(
		&r.ID, &r.BatchID, &r.TenantID, &tier, &r.Days, &status,
		&r.EstimatedCostUSD, &durationMS, &estimatedAt,
		&r.RequestedBy, &r.ApprovedBy, &requestedAt, &approvedAt, &initiatedAt,
		&completedAt, &expiresAt, &cancelledAt, &failedAt, &r.TrackingHandle, &r.Error,
	)
	if err != nil {
		return nil, err
	}
	r.Tier = types.RestoreTier(tier)
	r.Status = types.RestoreStatus(status)
	r.EstimatedDuration = time.Duration(durationMS) * time.Millisecond
	r.EstimatedCompletedAt = fromMillis(estimatedAt)
	r.RequestedAt = fromMillis(requestedAt)
	r.ApprovedAt = timePtr(approvedAt)
	r.InitiatedAt = timePtr(initiatedAt)
	r.CompletedAt = timePtr(completedAt)
	r.ExpiresAt = timePtr(expiresAt)
	r.CancelledAt = timePtr(cancelledAt)
	r.FailedAt = timePtr(failedAt)
	return &r, nil
}
