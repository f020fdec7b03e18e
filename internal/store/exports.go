package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/pkg/types"
)

const exportColumns = `id, tenant_id, workspace_id, project_id, source, format, filters,
	row_limit, rows_exported, status, error, region, created_at, started_at, finished_at`

// InsertExportJob stores a new export job.
func (s *Store) InsertExportJob(ctx context.Context, j *types.ExportJob) error {
	filters, err := json.Marshal(j.Filters)
	if err != nil {
		return fmt.Errorf("store: failed to encode export filters: %w", err)
	}
	return s.execWrite(ctx, "insert export job", `
		INSERT INTO export_jobs (`+exportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TenantID, j.WorkspaceID, j.ProjectID, string(j.Source), string(j.Format), string(filters),
		j.RowLimit, j.RowsExported, string(j.Status), j.Error, j.Region,
		toMillis(j.CreatedAt), nullMillis(j.StartedAt), nullMillis(j.FinishedAt),
	)
}

// GetExportJob retrieves one export job by id.
func (s *Store) GetExportJob(ctx context.Context, id string) (*types.ExportJob, error) {
	row := s.readDB.QueryRowContext(ctx, "SELECT "+exportColumns+" FROM export_jobs WHERE id = ?", id)
	j, err := scanExportJob(row)
	if err == sql.ErrNoRows {
		return nil, strataerrors.NewNotFoundError(strataerrors.CodeExportNotFound, fmt.Sprintf("export job %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to scan export job: %w", err)
	}
	return j, nil
}

// UpdateExportJob writes the job's status, progress and timestamps if the stored
// status still equals from.
func (s *Store) UpdateExportJob(ctx context.Context, j *types.ExportJob, from types.ExportStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs SET status = ?, rows_exported = ?, error = ?, started_at = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		string(j.Status), j.RowsExported, j.Error, nullMillis(j.StartedAt), nullMillis(j.FinishedAt),
		j.ID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("store: failed to update export job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateExportProgress persists the running row count of a running job.
func (s *Store) UpdateExportProgress(ctx context.Context, id string, rows int64) error {
	return s.execWrite(ctx, "update export progress",
		"UPDATE export_jobs SET rows_exported = ? WHERE id = ? AND status = 'RUNNING'", rows, id)
}

func scanExportJob(row scanner) (*types.ExportJob, error) {
	var (
		j                     types.ExportJob
		source, format        string
		status, filters       string
		createdAt             int64
		startedAt, finishedAt sql.NullInt64
	)
	err := row.Scan(
		&j.ID, &j.TenantID, &j.WorkspaceID, &j.ProjectID, &source, &format, &filters,
		&j.RowLimit, &j.RowsExported, &status, &j.Error, &j.Region, &createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filters), &j.Filters); err != nil {
		return nil, fmt.Errorf("decode filters: %w", err)
	}
	j.Source = types.ExportSource(source)
	j.Format = types.ExportFormat(format)
	j.Status = types.ExportStatus(status)
	j.CreatedAt = fromMillis(createdAt)
	j.StartedAt = timePtr(startedAt)
	j.FinishedAt = timePtr(finishedAt)
	return &j, nil
}
