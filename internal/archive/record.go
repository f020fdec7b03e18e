// Package archive defines the archive batch object: its key layout, line format and
// compression codecs, plus streaming writers and readers for it.
package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/strata/strata/pkg/types"
)

// timestampLayout is RFC 3339 with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Record is one archived event, one JSON object per line. Only these fields leave
// the hot store.
type Record struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	WorkspaceID     string          `json:"workspaceId"`
	ProjectID       string          `json:"projectId,omitempty"`
	Timestamp       string          `json:"timestamp"`
	Category        string          `json:"category"`
	Action          string          `json:"action"`
	Actor           RecordActor     `json:"actor"`
	Resource        RecordResource  `json:"resource"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	TraceID         string          `json:"traceId,omitempty"`
	Network         RecordNetwork   `json:"network"`
	PrevHash        *string         `json:"prevHash"`
	Hash            string          `json:"hash"`
	IdempotencyHash *string         `json:"idempotencyHash,omitempty"`
}

// RecordActor is the archived actor.
type RecordActor struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// RecordResource is the archived resource.
type RecordResource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RecordNetwork is the archived network context.
type RecordNetwork struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// FromEvent projects an event onto the archive line format.
func FromEvent(e *types.Event) *Record {
	return &Record{
		ID:              e.ID,
		TenantID:        e.TenantID,
		WorkspaceID:     e.WorkspaceID,
		ProjectID:       e.ProjectID,
		Timestamp:       e.Timestamp.UTC().Format(timestampLayout),
		Category:        e.Category,
		Action:          e.Action,
		Actor:           RecordActor{ID: e.Actor.ID, Email: e.Actor.Email, Role: e.Actor.Role},
		Resource:        RecordResource{Type: e.Resource.Type, ID: e.Resource.ID},
		Metadata:        e.Metadata,
		TraceID:         e.TraceID,
		Network:         RecordNetwork{IP: e.Network.IPAddress, UserAgent: e.Network.UserAgent},
		PrevHash:        e.PrevHash,
		Hash:            e.Hash,
		IdempotencyHash: e.IdempotencyHash,
	}
}

// Event rebuilds an archived event. Fields outside the line format are left empty.
func (r *Record) Event(region string) (*types.Event, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("archive: record %s has bad timestamp: %w", r.ID, err)
	}
	return &types.Event{
		ID:       r.ID,
		ScopeKey: types.ScopeKey{TenantID: r.TenantID, WorkspaceID: r.WorkspaceID, ProjectID: r.ProjectID},
		EventPayload: types.EventPayload{
			Timestamp: ts.UTC(),
			Category:  r.Category,
			Action:    r.Action,
			Actor:     types.Actor{ID: r.Actor.ID, Email: r.Actor.Email, Role: r.Actor.Role},
			Resource:  types.Resource{Type: r.Resource.Type, ID: r.Resource.ID},
			Metadata:  r.Metadata,
			Network:   types.Network{IPAddress: r.Network.IP, UserAgent: r.Network.UserAgent},
			TraceID:   r.TraceID,
		},
		PrevHash:        r.PrevHash,
		Hash:            r.Hash,
		IdempotencyHash: r.IdempotencyHash,
		Archived:        true,
		Region:          region,
	}, nil
}
