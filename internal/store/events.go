package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/pkg/types"
)

const eventColumns = `id, tenant_id, workspace_id, project_id, ts, category, action,
	actor_id, actor_email, actor_role, actor_type,
	resource_type, resource_id, resource_name, metadata,
	ip, user_agent, trace_id, prev_hash, hash, idempotency_hash,
	archived, archival_candidate, archived_at, region, created_at`

// Order selects the direction of a keyset read.
type Order int

const (
	// Ascending reads oldest first by (timestamp, id).
	Ascending Order = iota
	// Descending reads newest first by (timestamp, id).
	Descending
)

// Position is a keyset position: the (timestamp, id) of the last row read.
type Position struct {
	TimeMS int64
	ID     string
}

// PositionOf returns the keyset position of e.
func PositionOf(e *types.Event) Position {
	return Position{TimeMS: e.Timestamp.UnixMilli(), ID: e.ID}
}

// SealFunc computes the hash of the event being appended given the hash of the
// previous event in its chain (nil for the first link).
type SealFunc func(prevHash *string) (string, error)

// AppendEvent inserts e as the next link of its scope's chain. The chain-head
// lookup, the idempotency check and the insert run in one transaction on the single
// writer, so two appends to one scope can never share a prevHash.
//
// If e carries an idempotency hash that is already stored, the stored event is
// returned with replayed=true and nothing is written.
func (s *Store) AppendEvent(ctx context.Context, e *types.Event, seal SealFunc) (*types.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if e.IdempotencyHash != nil {
		row := tx.QueryRowContext(ctx,
			"SELECT "+eventColumns+" FROM events WHERE idempotency_hash = ?", *e.IdempotencyHash)
		existing, err := scanEvent(row)
		if err == nil {
			return existing, true, nil
		}
		if err != sql.ErrNoRows {
			return nil, false, fmt.Errorf("store: failed to check idempotency hash: %w", err)
		}
	}

	var prev sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT hash FROM events
		 WHERE tenant_id = ? AND workspace_id = ? AND project_id = ?
		 ORDER BY seq DESC LIMIT 1`,
		e.TenantID, e.WorkspaceID, e.ProjectID,
	).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("store: failed to read chain head: %w", err)
	}

	e.PrevHash = stringPtr(prev)
	if e.Hash, err = seal(e.PrevHash); err != nil {
		return nil, false, err
	}

	var metadata sql.NullString
	if len(e.Metadata) > 0 {
		metadata = sql.NullString{String: string(e.Metadata), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.WorkspaceID, e.ProjectID, toMillis(e.Timestamp), e.Category, e.Action,
		e.Actor.ID, e.Actor.Email, e.Actor.Role, e.Actor.Type,
		e.Resource.Type, e.Resource.ID, e.Resource.Name, metadata,
		e.Network.IPAddress, e.Network.UserAgent, e.TraceID, e.PrevHash, e.Hash, nullString(e.IdempotencyHash),
		boolInt(e.Archived), boolInt(e.ArchivalCandidate), nullMillis(e.ArchivedAt), e.Region, toMillis(e.CreatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("store: failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return e, false, nil
}

// GetEvent retrieves one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*types.Event, error) {
	row := s.readDB.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, strataerrors.NewNotFoundError(strataerrors.CodeEventNotFound, fmt.Sprintf("event %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to scan event: %w", err)
	}
	return e, nil
}

// QueryHotEvents returns up to limit non-archived events matching f, strictly after
// the keyset position in the given order.
func (s *Store) QueryHotEvents(ctx context.Context, f types.EventFilter, after *Position, order Order, limit int) ([]*types.Event, error) {
	if f.TenantID == "" {
		return nil, strataerrors.NewValidationError("tenant id is required")
	}

	where, args := buildEventWhere(f)
	where = append(where, "archived = 0")

	if after != nil {
		cmp := ">"
		if order == Descending {
			cmp = "<"
		}
		where = append(where, fmt.Sprintf("(ts %s ? OR (ts = ? AND id %s ?))", cmp, cmp))
		args = append(args, after.TimeMS, after.TimeMS, after.ID)
	}

	dir := "ASC"
	if order == Descending {
		dir = "DESC"
	}
	query := fmt.Sprintf("SELECT %s FROM events WHERE %s ORDER BY ts %s, id %s LIMIT ?",
		eventColumns, strings.Join(where, " AND "), dir, dir)
	args = append(args, limit)

	return s.queryEvents(ctx, query, args...)
}

// CountHotEvents counts the non-archived events matching f, stopping at limit.
func (s *Store) CountHotEvents(ctx context.Context, f types.EventFilter, limit int64) (int64, error) {
	if f.TenantID == "" {
		return 0, strataerrors.NewValidationError("tenant id is required")
	}
	where, args := buildEventWhere(f)
	where = append(where, "archived = 0")
	query := fmt.Sprintf("SELECT COUNT(*) FROM (SELECT 1 FROM events WHERE %s LIMIT ?)", strings.Join(where, " AND "))
	args = append(args, limit)

	var n int64
	if err := s.readDB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: failed to count events: %w", err)
	}
	return n, nil
}

func buildEventWhere(f types.EventFilter) ([]string, []interface{}) {
	where := []string{"tenant_id = ?"}
	args := []interface{}{f.TenantID}

	add := func(column, value string) {
		if value != "" {
			where = append(where, column+" = ?")
			args = append(args, value)
		}
	}
	add("workspace_id", f.WorkspaceID)
	add("project_id", f.ProjectID)
	add("category", f.Category)
	add("action", f.Action)
	add("actor_id", f.ActorID)
	add("resource_type", f.ResourceType)
	add("resource_id", f.ResourceID)

	if f.From != nil {
		where = append(where, "ts >= ?")
		args = append(args, toMillis(*f.From))
	}
	if f.To != nil {
		where = append(where, "ts < ?")
		args = append(args, toMillis(*f.To))
	}
	return where, args
}

// MarkArchivalCandidates flags a tenant's hot events older than cutoff. Events that
// are already flagged or archived are not touched, so repeated runs change nothing.
func (s *Store) MarkArchivalCandidates(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET archival_candidate = 1
		 WHERE tenant_id = ? AND ts < ? AND archived = 0 AND archival_candidate = 0`,
		tenantID, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: failed to mark archival candidates: %w", err)
	}
	return res.RowsAffected()
}

// ListArchivalCandidates pages a tenant's flagged, not yet archived events in
// ascending (timestamp, id) order.
func (s *Store) ListArchivalCandidates(ctx context.Context, tenantID string, after *Position, limit int) ([]*types.Event, error) {
	query := "SELECT " + eventColumns + ` FROM events
		WHERE tenant_id = ? AND archival_candidate = 1 AND archived = 0`
	args := []interface{}{tenantID}
	if after != nil {
		query += " AND (ts > ? OR (ts = ? AND id > ?))"
		args = append(args, after.TimeMS, after.TimeMS, after.ID)
	}
	query += " ORDER BY ts ASC, id ASC LIMIT ?"
	args = append(args, limit)

	return s.queryEvents(ctx, query, args...)
}

// WalkChain calls fn for every event of one scope key in insertion order.
func (s *Store) WalkChain(ctx context.Context, scope types.ScopeKey, fn func(*types.Event) error) error {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT "+eventColumns+` FROM events
		 WHERE tenant_id = ? AND workspace_id = ? AND project_id = ?
		 ORDER BY seq ASC`,
		scope.TenantID, scope.WorkspaceID, scope.ProjectID)
	if err != nil {
		return fmt.Errorf("store: failed to query chain: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("store: failed to scan event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountEvents returns the number of events of a tenant, split by archived flag.
func (s *Store) CountEvents(ctx context.Context, tenantID string) (hot, archived int64, err error) {
	err = s.readDB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN archived = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN archived = 1 THEN 1 ELSE 0 END), 0)
		 FROM events WHERE tenant_id = ?`, tenantID,
	).Scan(&hot, &archived)
	if err != nil {
		return 0, 0, fmt.Errorf("store: failed to count events: %w", err)
	}
	return hot, archived, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*types.Event, error) {
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating events: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*types.Event, error) {
	var (
		e                   types.Event
		ts, createdAt       int64
		metadata            sql.NullString
		prevHash, idemHash  sql.NullString
		archived, candidate int
		archivedAt          sql.NullInt64
	)
	err := row.Scan(
		&e.ID, &e.TenantID, &e.WorkspaceID, &e.ProjectID, &ts, &e.Category, &e.Action,
		&e.Actor.ID, &e.Actor.Email, &e.Actor.Role, &e.Actor.Type,
		&e.Resource.Type, &e.Resource.ID, &e.Resource.Name, &metadata,
		&e.Network.IPAddress, &e.Network.UserAgent, &e.TraceID, &prevHash, &e.Hash, &idemHash,
		&archived, &candidate, &archivedAt, &e.Region, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	e.Timestamp = fromMillis(ts)
	e.CreatedAt = fromMillis(createdAt)
	if metadata.Valid {
		e.Metadata = json.RawMessage(metadata.String)
	}
	e.PrevHash = stringPtr(prevHash)
	e.IdempotencyHash = stringPtr(idemHash)
	e.Archived = archived == 1
	e.ArchivalCandidate = candidate == 1
	e.ArchivedAt = timePtr(archivedAt)
	return &e, nil
}
