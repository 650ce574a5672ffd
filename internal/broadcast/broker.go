// Package broadcast is the transport-free publish/subscribe fan-out.
// The engine publishes here; the web layer (or any other surface)
// subscribes. Delivery is best-effort: a slow subscriber loses messages,
// it never blocks publication to the others.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/wangzexi/vibecraft-sub001/internal/logging"
)

var bcastLog = logging.ForComponent(logging.CompBroadcast)

// Kind identifies the message payload shape.
type Kind string

const (
	// KindSessions carries a full session-list snapshot.
	KindSessions Kind = "sessions"
	// KindEvent carries a single lifecycle event.
	KindEvent Kind = "event"
	// KindPermission carries a newly detected permission prompt.
	KindPermission Kind = "permission"
	// KindPermissionResolved marks a prompt as gone (answered or vanished).
	KindPermissionResolved Kind = "permission_resolved"
	// KindTokens carries a token-usage update.
	KindTokens Kind = "tokens"
	// KindGit carries a working-tree status snapshot.
	KindGit Kind = "git"
)

// Message is one published state change.
type Message struct {
	Kind    Kind `json:"kind"`
	Payload any  `json:"payload"`
}

// subscriberBuffer is the per-subscriber channel depth. Deep enough to ride
// out a burst of session updates, small enough that a dead subscriber
// doesn't hoard memory.
const subscriberBuffer = 64

// Broker fans messages out to all subscribers at most once each.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]chan Message
	nextID int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Message)}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe() (<-chan Message, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Message, subscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers msg to every subscriber without blocking. A subscriber
// whose buffer is full drops this message; the rest still receive it.
func (b *Broker) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			bcastLog.Debug("subscriber_buffer_full",
				slog.Int("subscriber", id),
				slog.String("kind", string(msg.Kind)))
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
