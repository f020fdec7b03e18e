// Package ledger is the append-only, hash-chained event ledger: idempotent appends
// and cursor reads over the hot tier.
package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/internal/metrics"
	"github.com/strata/strata/internal/notify"
	"github.com/strata/strata/internal/region"
	"github.com/strata/strata/internal/store"
	"github.com/strata/strata/pkg/types"
)

// Page size bounds for Query.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 1000
)

// Ledger appends and reads events in each tenant's home region.
type Ledger struct {
	regions  *region.Registry
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMetrics records append metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New creates a ledger. A nil notifier disables webhook triggers.
func New(regions *region.Registry, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Ledger {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	l := &Ledger{
		regions:  regions,
		notifier: notifier,
		logger:   logger.With("component", "ledger"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AppendRequest is one event submission.
type AppendRequest struct {
	Scope          types.ScopeKey
	Payload        types.EventPayload
	IdempotencyKey string
}

// AppendResult is the stored event and whether it was an idempotent replay.
type AppendResult struct {
	Event    *types.Event
	Replayed bool
}

// Append validates and stores an event as the next link of its scope's chain.
// A replay (same scope, idempotency key and payload) returns the original event
// without creating a link or a webhook trigger.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	start := l.now()

	payload, err := normalizePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	if err := validateScope(req.Scope); err != nil {
		return nil, err
	}

	reg := l.regions.ForTenant(req.Scope.TenantID)
	if err := l.checkProject(ctx, reg, req.Scope); err != nil {
		return nil, err
	}

	var idemHash *string
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		h, err := IdempotencyHash(req.Scope, key, payload)
		if err != nil {
			return nil, strataerrors.NewInternalError("failed to hash idempotency key", err)
		}
		idemHash = &h
	}

	now := l.now().UTC()
	if payload.Timestamp.IsZero() {
		payload.Timestamp = truncateMillis(now)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, strataerrors.NewInternalError("failed to generate event id", err)
	}
	event := &types.Event{
		ID:              id.String(),
		ScopeKey:        req.Scope,
		EventPayload:    payload,
		IdempotencyHash: idemHash,
		Region:          reg.Name,
		CreatedAt:       truncateMillis(now),
	}

	stored, replayed, err := reg.Store.AppendEvent(ctx, event, func(prevHash *string) (string, error) {
		return EventHash(req.Scope, payload, prevHash)
	})
	if err != nil {
		return nil, strataerrors.Wrap(strataerrors.ErrCategoryStorage, strataerrors.CodeStoreFailed, "failed to append event", err)
	}
	l.metrics.ObserveAppend(reg.Name, replayed, start)

	if !replayed {
		l.notify(ctx, stored)
	}
	return &AppendResult{Event: stored, Replayed: replayed}, nil
}

// notify enqueues the webhook trigger. Failures are logged, never returned.
func (l *Ledger) notify(ctx context.Context, e *types.Event) {
	n := notify.Notification{
		EventID:   e.ID,
		Scope:     e.ScopeKey,
		Region:    e.Region,
		Category:  e.Category,
		Action:    e.Action,
		Timestamp: e.Timestamp,
	}
	if err := l.notifier.Notify(ctx, n); err != nil {
		l.metrics.IncNotifyFailure()
		l.logger.Warn("webhook trigger failed",
			"event_id", e.ID,
			"tenant", e.TenantID,
			"error", err,
		)
	}
}

// RegisterProject records a project under its tenant and workspace.
func (l *Ledger) RegisterProject(ctx context.Context, scope types.ScopeKey) error {
	if err := validateScope(scope); err != nil {
		return err
	}
	reg := l.regions.ForTenant(scope.TenantID)
	return reg.Store.RegisterProject(ctx, scope, l.now())
}

func (l *Ledger) checkProject(ctx context.Context, reg *region.Region, scope types.ScopeKey) error {
	if !scope.HasProject() {
		return nil
	}
	tenantID, workspaceID, found, err := reg.Store.ProjectOwner(ctx, scope.ProjectID)
	if err != nil {
		return strataerrors.Wrap(strataerrors.ErrCategoryStorage, strataerrors.CodeStoreFailed, "failed to check project", err)
	}
	if !found || tenantID != scope.TenantID || workspaceID != scope.WorkspaceID {
		return strataerrors.NewScopeViolation(fmt.Sprintf(
			"project %s is not registered under %s/%s", scope.ProjectID, scope.TenantID, scope.WorkspaceID))
	}
	return nil
}

// QueryRequest selects a page of hot events.
type QueryRequest struct {
	Filter types.EventFilter
	Cursor string
	Limit  int
}

// Page is one page of a newest-first read.
type Page struct {
	Events     []*types.Event `json:"events"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Query reads the tenant's non-archived events newest first. Archived events are
// reachable only through exports.
func (l *Ledger) Query(ctx context.Context, req QueryRequest) (*Page, error) {
	if req.Filter.TenantID == "" {
		return nil, strataerrors.NewValidationError("tenant id is required")
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = DefaultQueryLimit
	case limit > MaxQueryLimit:
		limit = MaxQueryLimit
	}

	var after *store.Position
	if req.Cursor != "" {
		pos, err := DecodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		after = &pos
	}

	reg := l.regions.ForTenant(req.Filter.TenantID)
	events, err := reg.Store.QueryHotEvents(ctx, req.Filter, after, store.Descending, limit)
	if err != nil {
		if _, ok := strataerrors.As(err); ok {
			return nil, err
		}
		return nil, strataerrors.Wrap(strataerrors.ErrCategoryStorage, strataerrors.CodeStoreFailed, "failed to query events", err)
	}

	page := &Page{Events: events}
	if page.Events == nil {
		page.Events = []*types.Event{}
	}
	if len(events) == limit {
		page.NextCursor = EncodeCursor(store.PositionOf(events[len(events)-1]))
	}
	return page, nil
}

// EncodeCursor returns the opaque cursor for a keyset position.
func EncodeCursor(p store.Position) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(p.TimeMS, 10) + "|" + p.ID))
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (store.Position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return store.Position{}, strataerrors.NewValidationError("malformed cursor")
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return store.Position{}, strataerrors.NewValidationError("malformed cursor")
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return store.Position{}, strataerrors.NewValidationError("malformed cursor")
	}
	return store.Position{TimeMS: ms, ID: id}, nil
}

func validateScope(s types.ScopeKey) error {
	if strings.TrimSpace(s.TenantID) == "" {
		return strataerrors.NewValidationError("tenant id is required")
	}
	// The tenant id is a segment of every archive object key.
	if s.TenantID == "." || strings.Contains(s.TenantID, "..") ||
		strings.ContainsAny(s.TenantID, `/\`) || strings.ContainsFunc(s.TenantID, unicode.IsControl) {
		return strataerrors.NewValidationError(fmt.Sprintf("tenant id %q contains path characters", s.TenantID))
	}
	if strings.TrimSpace(s.WorkspaceID) == "" {
		return strataerrors.NewValidationError("workspace id is required")
	}
	return nil
}

// normalizePayload validates required fields, canonicalizes metadata and truncates
// the timestamp to milliseconds. A zero timestamp is left for Append to fill.
func normalizePayload(p types.EventPayload) (types.EventPayload, error) {
	switch {
	case strings.TrimSpace(p.Category) == "":
		return p, strataerrors.NewValidationError("category is required")
	case strings.TrimSpace(p.Action) == "":
		return p, strataerrors.NewValidationError("action is required")
	case strings.TrimSpace(p.Actor.ID) == "":
		return p, strataerrors.NewValidationError("actor.id is required")
	case strings.TrimSpace(p.Resource.Type) == "":
		return p, strataerrors.NewValidationError("resource.type is required")
	case strings.TrimSpace(p.Resource.ID) == "":
		return p, strataerrors.NewValidationError("resource.id is required")
	}

	metadata, err := CanonicalMetadata(p.Metadata)
	if err != nil {
		return p, strataerrors.NewValidationError(err.Error())
	}
	p.Metadata = metadata
	if !p.Timestamp.IsZero() {
		p.Timestamp = truncateMillis(p.Timestamp)
	}
	return p, nil
}
