// Package bus implements the Subscription Bus: a per-task set of bounded
// live channels, fanned out to with a non-blocking try-send so a slow or
// stuck subscriber never delays the Worker that produced the event.
package bus

import (
	"sync"

	"github.com/GoCodeAlone/ratchet/event"
)

// ChannelCapacity is the minimum buffer size for a subscription channel.
const ChannelCapacity = 64

// Bus fans out events to per-task subscriber channels. It is the sole
// at-most-once point in the system; the Durable Store is the system of
// record for anything a subscriber misses.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan event.Event]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[chan event.Event]struct{})}
}

// Subscribe registers a new bounded channel for taskID and returns its
// receive end along with an unsubscribe function. Unsubscribe is
// idempotent and safe to call more than once.
func (b *Bus) Subscribe(taskID string) (<-chan event.Event, func()) {
	ch := make(chan event.Event, ChannelCapacity)

	b.mu.Lock()
	set, ok := b.subs[taskID]
	if !ok {
		set = make(map[chan event.Event]struct{})
		b.subs[taskID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[taskID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, taskID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish fans ev out to every channel registered for ev.TaskID. Sends
// are non-blocking: a full channel drops the event for that subscriber
// only, and Publish never blocks the caller. The read lock is held across
// the sends so an unsubscribe cannot close a channel while it is being
// sent to.
func (b *Bus) Publish(ev event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[ev.TaskID] {
		select {
		case ch <- ev:
		default:
			// subscriber is congested; the durable log remains authoritative.
		}
	}
}

// SubscriberCount returns how many live subscribers taskID currently has.
// Intended for tests and diagnostics.
func (b *Bus) SubscriberCount(taskID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[taskID])
}
