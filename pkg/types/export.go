package types

import (
	"fmt"
	"strings"
	"time"
)

// ExportSource selects which tiers an export reads.
type ExportSource string

const (
	SourceHot            ExportSource = "HOT"
	SourceArchived       ExportSource = "ARCHIVED"
	SourceHotAndArchived ExportSource = "HOT_AND_ARCHIVED"
)

// ReadsHot reports whether the source includes the hot tier.
func (s ExportSource) ReadsHot() bool {
	return s == SourceHot || s == SourceHotAndArchived
}

// ReadsArchived reports whether the source includes archive batches.
func (s ExportSource) ReadsArchived() bool {
	return s == SourceArchived || s == SourceHotAndArchived
}

// ParseExportSource parses a source selector case-insensitively.
func ParseExportSource(s string) (ExportSource, error) {
	switch src := ExportSource(strings.ToUpper(strings.TrimSpace(s))); src {
	case SourceHot, SourceArchived, SourceHotAndArchived:
		return src, nil
	case "":
		return SourceHot, nil
	default:
		return "", fmt.Errorf("unknown export source %q", s)
	}
}

// ExportFormat is the encoding of an export stream.
type ExportFormat string

const (
	FormatNDJSON ExportFormat = "NDJSON"
	FormatJSON   ExportFormat = "JSON"
	FormatCSV    ExportFormat = "CSV"
)

// ParseExportFormat parses a format name case-insensitively, defaulting to NDJSON.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToUpper(strings.TrimSpace(s))); f {
	case FormatNDJSON, FormatJSON, FormatCSV:
		return f, nil
	case "", "JSONL":
		return FormatNDJSON, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// ExportStatus is the lifecycle state of an ExportJob.
type ExportStatus string

const (
	ExportPending   ExportStatus = "PENDING"
	ExportRunning   ExportStatus = "RUNNING"
	ExportSucceeded ExportStatus = "SUCCEEDED"
	ExportFailed    ExportStatus = "FAILED"
	ExportCanceled  ExportStatus = "CANCELED"
)

// Terminal reports whether the job has finished.
func (s ExportStatus) Terminal() bool {
	return s == ExportSucceeded || s == ExportFailed || s == ExportCanceled
}

// ExportFilters are the client filters applied to every exported row.
type ExportFilters struct {
	Category     string     `json:"category,omitempty"`
	Action       string     `json:"action,omitempty"`
	ActorID      string     `json:"actor_id,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   string     `json:"resource_id,omitempty"`
	From         *time.Time `json:"from,omitempty"`
	To           *time.Time `json:"to,omitempty"`
}

// ExportJob records one client-requested export. RowsExported never exceeds RowLimit.
type ExportJob struct {
	ID string `json:"id"`
	ScopeKey
	Source  ExportSource  `json:"source"`
	Format  ExportFormat  `json:"format"`
	Filters ExportFilters `json:"filters"`

	RowLimit     int64 `json:"row_limit"`
	RowsExported int64 `json:"rows_exported"`

	Status     ExportStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
	Region     string       `json:"region"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// EventFilter converts the job's scope and filters into a hot-tier event filter.
func (j *ExportJob) EventFilter() EventFilter {
	return EventFilter{
		TenantID:     j.TenantID,
		WorkspaceID:  j.WorkspaceID,
		ProjectID:    j.ProjectID,
		Category:     j.Filters.Category,
		Action:       j.Filters.Action,
		ActorID:      j.Filters.ActorID,
		ResourceType: j.Filters.ResourceType,
		ResourceID:   j.Filters.ResourceID,
		From:         j.Filters.From,
		To:           j.Filters.To,
	}
}
