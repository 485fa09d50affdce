// Package events fans marketplace lifecycle events out to in-process
// subscribers (metrics hooks, tests). Delivery is best-effort: slow
// subscribers are skipped rather than blocking the ledger path.
package events

import (
	"context"
	"sync"
	"time"
)

// Kind labels a marketplace lifecycle event.
type Kind string

const (
	AssetCreated   Kind = "asset.created"
	AssetVerified  Kind = "asset.verified"
	AssetArchived  Kind = "asset.archived"
	AssetListed    Kind = "asset.listed"
	ListingCancel  Kind = "listing.cancelled"
	ListingExpired Kind = "listing.expired"
	ListingSettled Kind = "listing.settled"
	AccessGranted  Kind = "access.granted"
	AccessRevoked  Kind = "access.revoked"
)

// Event is one marketplace lifecycle occurrence.
type Event struct {
	Kind      Kind      `json:"kind"`
	AssetID   string    `json:"asset_id,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Amount    int64     `json:"amount,omitempty"` // minor units, settlements only
	Timestamp time.Time `json:"timestamp"`
}

// Bus fan-outs events to all active subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
