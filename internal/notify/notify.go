// Package notify delivers "event appended" triggers to the webhook delivery system.
// Delivery itself happens elsewhere; notifiers only enqueue.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/strata/strata/pkg/types"
)

// Notification announces one appended event.
type Notification struct {
	EventID   string         `json:"event_id"`
	Scope     types.ScopeKey `json:"scope"`
	Region    string         `json:"region"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
}

// Encode returns the wire form used by the queue-backed notifiers.
func (n Notification) Encode() ([]byte, error) {
	return json.Marshal(n)
}

// Notifier enqueues webhook triggers. Callers treat failures as best effort: an
// error is logged, never surfaced to the client that appended the event.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Noop discards notifications.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, Notification) error { return nil }

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

// Notify implements Notifier. Every notifier is tried even if an earlier one fails.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
