// Package types provides the core data types shared across Strata components.
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// ScopeKey identifies one hash chain: a tenant, a workspace and an optional project.
// Events without a project form their own chain, separate from every project chain
// in the same workspace.
type ScopeKey struct {
	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id"`
	ProjectID   string `json:"project_id,omitempty"`
}

// HasProject reports whether the scope is narrowed to a project.
func (s ScopeKey) HasProject() bool {
	return s.ProjectID != ""
}

// String renders the scope as tenant/workspace[/project].
func (s ScopeKey) String() string {
	parts := []string{s.TenantID, s.WorkspaceID}
	if s.HasProject() {
		parts = append(parts, s.ProjectID)
	}
	return strings.Join(parts, "/")
}

// Actor describes who performed an audited action.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Resource describes what an audited action was performed on.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Network carries the client network context of an event.
type Network struct {
	IPAddress string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// EventPayload is the client-supplied part of an event. Everything else on Event is
// derived by the ledger.
type EventPayload struct {
	Timestamp time.Time       `json:"timestamp"`
	Category  string          `json:"category"`
	Action    string          `json:"action"`
	Actor     Actor           `json:"actor"`
	Resource  Resource        `json:"resource"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Network   Network         `json:"network"`
	TraceID   string          `json:"trace_id,omitempty"`
}

// Event is an immutable, hash-chained audit record.
type Event struct {
	ID string `json:"id"`
	ScopeKey
	EventPayload

	PrevHash        *string `json:"prev_hash"`
	Hash            string  `json:"hash"`
	IdempotencyHash *string `json:"idempotency_hash,omitempty"`

	Archived          bool       `json:"archived"`
	ArchivalCandidate bool       `json:"archival_candidate"`
	ArchivedAt        *time.Time `json:"archived_at,omitempty"`
	Region            string     `json:"region"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Day returns the UTC calendar day of the event's own timestamp.
func (e *Event) Day() time.Time {
	return TruncateDay(e.Timestamp)
}

// TruncateDay returns midnight UTC of the day containing t.
func TruncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// EventFilter narrows reads of the hot tier. TenantID is always required.
type EventFilter struct {
	TenantID     string
	WorkspaceID  string
	ProjectID    string
	Category     string
	Action       string
	ActorID      string
	ResourceType string
	ResourceID   string
	From         *time.Time
	To           *time.Time
}

// Matches applies the filter to a single event in memory. It is used for archived
// rows, which cannot be filtered by the region store.
func (f EventFilter) Matches(e *Event) bool {
	switch {
	case f.TenantID != "" && e.TenantID != f.TenantID:
		return false
	case f.WorkspaceID != "" && e.WorkspaceID != f.WorkspaceID:
		return false
	case f.ProjectID != "" && e.ProjectID != f.ProjectID:
		return false
	case f.Category != "" && e.Category != f.Category:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.ActorID != "" && e.Actor.ID != f.ActorID:
		return false
	case f.ResourceType != "" && e.Resource.Type != f.ResourceType:
		return false
	case f.ResourceID != "" && e.Resource.ID != f.ResourceID:
		return false
	case f.From != nil && e.Timestamp.Before(*f.From):
		return false
	case f.To != nil && !e.Timestamp.Before(*f.To):
		return false
	}
	return true
}
