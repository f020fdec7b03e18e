// Package store is the regional relational store: the event ledger table, archive
// batch metadata, restore requests and export jobs of one region.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/pkg/types"
)

// Store is one region's SQLite database. Writes go through a single connection
// guarded by mu; reads use a separate pool.
type Store struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool
	dbPath string
	region string
	mu     sync.Mutex // Write-only lock
}

// Open opens (creating if needed) the store for region at dbPath.
func Open(dbPath, region string) (*Store, error) {
	if region == "" {
		return nil, fmt.Errorf("store: region name is required")
	}

	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, readDB: readDB, dbPath: dbPath, region: region}
	if err := s.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Region returns the region this store belongs to.
func (s *Store) Region() string {
	return s.region
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Ping checks both connections.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	return s.readDB.PingContext(ctx)
}

// Close closes both connections.
func (s *Store) Close() error {
	readErr := s.readDB.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return readErr
}

// RegisterProject records that a project belongs to a tenant and workspace.
// Re-registering with the same owners is a no-op; claiming another tenant's project
// is a scope violation.
func (s *Store) RegisterProject(ctx context.Context, scope types.ScopeKey, now time.Time) error {
	if !scope.HasProject() {
		return strataerrors.NewValidationError("project id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (project_id, tenant_id, workspace_id, created_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT(project_id) DO NOTHING`,
		scope.ProjectID, scope.TenantID, scope.WorkspaceID, toMillis(now))
	if err != nil {
		return fmt.Errorf("store: failed to register project: %w", err)
	}

	var tenantID, workspaceID string
	err = s.db.QueryRowContext(ctx,
		"SELECT tenant_id, workspace_id FROM projects WHERE project_id = ?", scope.ProjectID,
	).Scan(&tenantID, &workspaceID)
	if err != nil {
		return fmt.Errorf("store: failed to read project: %w", err)
	}
	if tenantID != scope.TenantID || workspaceID != scope.WorkspaceID {
		return strataerrors.NewScopeViolation(fmt.Sprintf("project %s belongs to another workspace", scope.ProjectID))
	}
	return nil
}

// ProjectOwner returns the tenant and workspace a project is registered under.
func (s *Store) ProjectOwner(ctx context.Context, projectID string) (tenantID, workspaceID string, found bool, err error) {
	err = s.readDB.QueryRowContext(ctx,
		"SELECT tenant_id, workspace_id FROM projects WHERE project_id = ?", projectID,
	).Scan(&tenantID, &workspaceID)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("store: failed to read project: %w", err)
	}
	return tenantID, workspaceID, true, nil
}

// EventTenants returns every tenant with events in this region.
func (s *Store) EventTenants(ctx context.Context) ([]string, error) {
	return s.distinctStrings(ctx, "SELECT DISTINCT tenant_id FROM events ORDER BY tenant_id")
}

// BatchTenants returns every tenant with archive batches in this region.
func (s *Store) BatchTenants(ctx context.Context) ([]string, error) {
	return s.distinctStrings(ctx, "SELECT DISTINCT tenant_id FROM archive_batches ORDER BY tenant_id")
}

func (s *Store) distinctStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query failed: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("store: scan failed: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// inClause returns "?, ?, ?" for n placeholders.
func inClause(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
