package notify

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Bus is an in-process pub/sub notifier. It backs development setups without a
// broker and lets tests observe triggers.
type Bus struct {
	subscribers sync.Map
	bufferSize  int
}

// Subscriber receives the notifications whose scope matches one of its prefixes.
type Subscriber struct {
	ID       string
	Prefixes []string
	Ch       chan Notification
}

// NewBus creates a bus whose subscriber channels hold bufferSize notifications.
func NewBus(bufferSize int) *Bus {
	return &Bus{bufferSize: bufferSize}
}

// Notify implements Notifier. It never blocks: a full subscriber channel drops the
// notification.
func (b *Bus) Notify(_ context.Context, n Notification) error {
	scope := n.Scope.String()
	b.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.matches(scope) {
			select {
			case sub.Ch <- n:
			default:
			}
		}
		return true
	})
	return nil
}

// Subscribe registers a subscriber. A scope prefix such as "acme/" limits delivery
// to one tenant; no prefixes receives everything.
func (b *Bus) Subscribe(prefixes ...string) *Subscriber {
	sub := &Subscriber{
		ID:       "sub_" + uuid.NewString(),
		Prefixes: prefixes,
		Ch:       make(chan Notification, b.bufferSize),
	}
	b.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	if value, ok := b.subscribers.LoadAndDelete(id); ok {
		close(value.(*Subscriber).Ch)
	}
}

func (s *Subscriber) matches(scope string) bool {
	if len(s.Prefixes) == 0 {
		return true
	}
	for _, p := range s.Prefixes {
		if strings.HasPrefix(scope, p) {
			return true
		}
	}
	return false
}
