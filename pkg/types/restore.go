package types

import (
	"fmt"
	"strings"
	"time"
)

// RestoreTier selects how fast (and how expensively) a cold object is restored.
type RestoreTier string

const (
	TierExpedited RestoreTier = "EXPEDITED"
	TierStandard  RestoreTier = "STANDARD"
	TierBulk      RestoreTier = "BULK"
)

// ParseRestoreTier parses a tier name case-insensitively.
func ParseRestoreTier(s string) (RestoreTier, error) {
	switch t := RestoreTier(strings.ToUpper(strings.TrimSpace(s))); t {
	case TierExpedited, TierStandard, TierBulk:
		return t, nil
	default:
		return "", fmt.Errorf("unknown restore tier %q", s)
	}
}

// RestoreStatus is the state of a RestoreRequest.
type RestoreStatus string

const (
	RestorePending    RestoreStatus = "PENDING"
	RestoreApproved   RestoreStatus = "APPROVED"
	RestoreInitiating RestoreStatus = "INITIATING"
	RestoreInProgress RestoreStatus = "IN_PROGRESS"
	RestoreCompleted  RestoreStatus = "COMPLETED"
	RestoreExpired    RestoreStatus = "EXPIRED"
	RestoreCancelled  RestoreStatus = "CANCELLED"
	RestoreFailed     RestoreStatus = "FAILED"
)

// Active reports whether the request still occupies its batch, i.e. whether a second
// request for the same batch must be refused.
func (s RestoreStatus) Active() bool {
	switch s {
	case RestorePending, RestoreApproved, RestoreInitiating, RestoreInProgress, RestoreCompleted:
		return true
	}
	return false
}

// restoreTransitions lists every legal status change.
var restoreTransitions = map[RestoreStatus][]RestoreStatus{
	RestorePending:    {RestoreApproved, RestoreCancelled},
	RestoreApproved:   {RestoreInitiating},
	RestoreInitiating: {RestoreInProgress, RestoreFailed},
	RestoreInProgress: {RestoreCompleted, RestoreFailed},
	RestoreCompleted:  {RestoreExpired},
}

// CanTransition reports whether from -> to is a legal restore transition.
func CanTransition(from, to RestoreStatus) bool {
	for _, next := range restoreTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RestoreRequest tracks one restoration attempt of a cold ArchiveBatch.
type RestoreRequest struct {
	ID       string        `json:"id"`
	BatchID  string        `json:"batch_id"`
	TenantID string        `json:"tenant_id"`
	Tier     RestoreTier   `json:"tier"`
	Days     int           `json:"days"`
	Status   RestoreStatus `json:"status"`

	EstimatedCostUSD     float64       `json:"estimated_cost_usd"`
	EstimatedDuration    time.Duration `json:"estimated_duration"`
	EstimatedCompletedAt time.Time     `json:"estimated_completed_at"`

	RequestedBy string `json:"requested_by,omitempty"`
	ApprovedBy  string `json:"approved_by,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	InitiatedAt *time.Time `json:"initiated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	TrackingHandle string `json:"tracking_handle,omitempty"`
	Error          string `json:"error,omitempty"`
}
