package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/pkg/types"
)

const batchColumns = `id, tenant_id, workspace_id, day, part, storage_key, codec,
	size_bytes, sha256, row_count, min_event_time, max_event_time, actor_bloom,
	is_cold, restored_until, verified_at, verification_error, created_at`

// flipChunk bounds the number of ids per UPDATE ... IN (...) statement.
const flipChunk = 500

// FinalizeBatch records an uploaded batch and flips its events to archived in one
// transaction. If a batch already exists at the same storage key nothing is written
// and inserted is false.
func (s *Store) FinalizeBatch(ctx context.Context, b *types.ArchiveBatch, eventIDs []string, archivedAt time.Time) (inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO archive_batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(storage_key) DO NOTHING`,
		b.ID, b.TenantID, b.WorkspaceID, toMillis(b.Day), b.Part, b.StorageKey, b.Codec,
		b.SizeBytes, b.SHA256, b.RowCount, toMillis(b.MinEventTime), toMillis(b.MaxEventTime), b.ActorBloom,
		boolInt(b.IsCold), nullMillis(b.RestoredUntil), nullMillis(b.VerifiedAt), nullString(b.VerificationError),
		toMillis(b.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("store: failed to insert archive batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	for start := 0; start < len(eventIDs); start += flipChunk {
		end := min(start+flipChunk, len(eventIDs))
		chunk := eventIDs[start:end]

		args := make([]interface{}, 0, len(chunk)+1)
		args = append(args, toMillis(archivedAt))
		for _, id := range chunk {
			args = append(args, id)
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE events SET archived = 1, archived_at = ?, archival_candidate = 0
			 WHERE id IN (%s) AND archived = 0`, inClause(len(chunk))), args...)
		if err != nil {
			return false, fmt.Errorf("store: failed to flip archived events: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return true, nil
}

// NextBatchPart returns the part number the next batch of a tenant's day must use:
// 0 if the day has no batch yet, one past the highest existing part otherwise.
func (s *Store) NextBatchPart(ctx context.Context, tenantID string, day time.Time) (int, error) {
	var maxPart sql.NullInt64
	err := s.readDB.QueryRowContext(ctx,
		"SELECT MAX(part) FROM archive_batches WHERE tenant_id = ? AND day = ?",
		tenantID, toMillis(types.TruncateDay(day)),
	).Scan(&maxPart)
	if err != nil {
		return 0, fmt.Errorf("store: failed to read batch parts: %w", err)
	}
	if !maxPart.Valid {
		return 0, nil
	}
	return int(maxPart.Int64) + 1, nil
}

// GetBatch retrieves one batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (*types.ArchiveBatch, error) {
	row := s.readDB.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM archive_batches WHERE id = ?", id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, strataerrors.NewNotFoundError(strataerrors.CodeBatchNotFound, fmt.Sprintf("archive batch %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to scan archive batch: %w", err)
	}
	return b, nil
}

// GetBatchByKey retrieves the batch stored under key, or nil if there is none.
func (s *Store) GetBatchByKey(ctx context.Context, key string) (*types.ArchiveBatch, error) {
	row := s.readDB.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM archive_batches WHERE storage_key = ?", key)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to scan archive batch: %w", err)
	}
	return b, nil
}

// ListBatches returns a tenant's batches whose event-time range overlaps
// [From, To), ordered by day and part. Batches without a workspace match any
// workspace filter.
func (s *Store) ListBatches(ctx context.Context, f types.BatchFilter) ([]*types.ArchiveBatch, error) {
	if f.TenantID == "" {
		return nil, strataerrors.NewValidationError("tenant id is required")
	}
	where := []string{"tenant_id = ?"}
	args := []interface{}{f.TenantID}
	if f.WorkspaceID != "" {
		where = append(where, "(workspace_id = ? OR workspace_id = '')")
		args = append(args, f.WorkspaceID)
	}
	if f.From != nil {
		where = append(where, "max_event_time >= ?")
		args = append(args, toMillis(*f.From))
	}
	if f.To != nil {
		where = append(where, "min_event_time < ?")
		args = append(args, toMillis(*f.To))
	}
	query := fmt.Sprintf("SELECT %s FROM archive_batches WHERE %s ORDER BY day ASC, part ASC",
		batchColumns, strings.Join(where, " AND "))
	return s.queryBatches(ctx, query, args...)
}

// ListUnverifiedBatches pages batches with no successful verification that are not
// cold, by id.
func (s *Store) ListUnverifiedBatches(ctx context.Context, afterID string, limit int) ([]*types.ArchiveBatch, error) {
	return s.queryBatches(ctx,
		"SELECT "+batchColumns+` FROM archive_batches
		 WHERE verified_at IS NULL AND is_cold = 0 AND id > ?
		 ORDER BY id ASC LIMIT ?`, afterID, limit)
}

// MarkBatchVerified records a successful verification and clears any earlier error.
func (s *Store) MarkBatchVerified(ctx context.Context, id string, at time.Time) error {
	return s.execWrite(ctx, "mark batch verified",
		"UPDATE archive_batches SET verified_at = ?, verification_error = NULL WHERE id = ?",
		toMillis(at), id)
}

// RecordVerificationError stores a failed verification. verified_at stays null so
// the batch is retried on the next run.
func (s *Store) RecordVerificationError(ctx context.Context, id, msg string) error {
	return s.execWrite(ctx, "record verification error",
		"UPDATE archive_batches SET verification_error = ?, verified_at = NULL WHERE id = ?",
		msg, id)
}

// MarkColdBatches flags a tenant's batches for days before cutoffDay as cold,
// skipping batches inside an active restore window.
func (s *Store) MarkColdBatches(ctx context.Context, tenantID string, cutoffDay, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE archive_batches SET is_cold = 1
		 WHERE tenant_id = ? AND day < ? AND is_cold = 0
		   AND (restored_until IS NULL OR restored_until <= ?)`,
		tenantID, toMillis(types.TruncateDay(cutoffDay)), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("store: failed to mark cold batches: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) queryBatches(ctx context.Context, query string, args ...interface{}) ([]*types.ArchiveBatch, error) {
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query archive batches: %w", err)
	}
	defer rows.Close()

	var batches []*types.ArchiveBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan archive batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating archive batches: %w", err)
	}
	return batches, nil
}

func (s *Store) execWrite(ctx context.Context, what, query string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: failed to %s: %w", what, err)
	}
	return nil
}

func scanBatch(row scanner) (*types.ArchiveBatch, error) {
	var (
		b                    types.ArchiveBatch
		day, minTS, maxTS    int64
		createdAt            int64
		isCold               int
		restored, verifiedAt sql.NullInt64
		verificationError    sql.NullString
	)
	err := row.Scan(
		&b.ID, &b.TenantID, &b.WorkspaceID, &day, &b.Part, &b.StorageKey, &b.Codec,
		&b.SizeBytes, &b.SHA256, &b.RowCount, &minTS, &maxTS, &b.ActorBloom,
		&isCold, &restored, &verifiedAt, &verificationError, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	b.Day = fromMillis(day)
	b.MinEventTime = fromMillis(minTS)
	b.MaxEventTime = fromMillis(maxTS)
	b.IsCold = isCold == 1
	b.RestoredUntil = timePtr(restored)
	b.VerifiedAt = timePtr(verifiedAt)
	b.VerificationError = stringPtr(verificationError)
	b.CreatedAt = fromMillis(createdAt)
	return &b, nil
}
