// Package broadcast implements the per-session publish/subscribe fan-out
// described in spec §4.2: one bounded, lazily-created channel per session,
// a full subscriber buffer is drained rather than blocking the publisher,
// and a resync signal so a
// lagging subscriber can catch up from a fresh snapshot instead of a
// backlog of individual events.
package broadcast

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/saorsa-labs/canvas/pkg/scene"
)

// DefaultBufferSize is the design target buffer depth per spec §4.2.
const DefaultBufferSize = 256

// Subscription is a live view onto one session's event stream.
type Subscription struct {
	events <-chan scene.SyncEvent
	lagged <-chan struct{}
	cancel func()
}

// Events returns the channel of SyncEvents for this subscription.
func (s *Subscription) Events() <-chan scene.SyncEvent { return s.events }

// Lagged fires when this subscriber fell behind and was resynced; the
// receiver should fetch a fresh snapshot from the Scene Store and resume
// reading Events() from this point.
func (s *Subscription) Lagged() <-chan struct{} { return s.lagged }

// Unsubscribe detaches the subscription from its channel.
func (s *Subscription) Unsubscribe() { s.cancel() }

type subscriber struct {
	id     uint64
	events chan scene.SyncEvent
	lagged chan struct{}
}

type channel struct {
	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	nextID      uint64
}

// Bus is one broadcast channel per session, keyed lazily. Channel lifetime
// equals session lifetime (spec §4.2): channels are never torn down on
// their own, only dropped when the process exits or a session is cleared
// via Reset.
type Bus struct {
	mu       sync.RWMutex
	sessions map[string]*channel
	bufSize  int
}

// New constructs a Bus with the default buffer size.
func New() *Bus {
	return &Bus{sessions: make(map[string]*channel), bufSize: DefaultBufferSize}
}

// NewWithBuffer constructs a Bus with a caller-specified buffer depth,
// useful for tests that want to force lag deterministically.
func NewWithBuffer(size int) *Bus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Bus{sessions: make(map[string]*channel), bufSize: size}
}

func (b *Bus) channelFor(session string) *channel {
	b.mu.RLock()
	ch, ok := b.sessions[session]
	b.mu.RUnlock()
	if ok {
		return ch
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.sessions[session]; ok {
		return ch
	}
	ch = &channel{subscribers: make(map[uint64]*subscriber)}
	b.sessions[session] = ch
	return ch
}

// Subscribe attaches a new subscriber to session, positioned at the
// current channel head (no backfill of missed events, per spec §4.2).
func (b *Bus) Subscribe(session string) *Subscription {
	ch := b.channelFor(session)

	ch.mu.Lock()
	id := ch.nextID
	ch.nextID++
	sub := &subscriber{
		id:     id,
		events: make(chan scene.SyncEvent, b.bufSize),
		lagged: make(chan struct{}, 1),
	}
	ch.subscribers[id] = sub
	ch.mu.Unlock()

	cancel := func() {
		ch.mu.Lock()
		delete(ch.subscribers, id)
		ch.mu.Unlock()
	}

	return &Subscription{events: sub.events, lagged: sub.lagged, cancel: cancel}
}

// Publish delivers event to every current subscriber of session. Publishes
// never block the publisher: a subscriber whose buffer is full is marked
// lagging, its queued events are dropped (drop-oldest is approximated by
// draining the buffer, matching "bounded non-blocking send or drop-oldest"
// in spec §4.2), and it receives a ResyncRequired signal.
func (b *Bus) Publish(session string, event scene.SyncEvent) {
	ch := b.channelFor(session)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, sub := range ch.subscribers {
		select {
		case sub.events <- event:
		default:
			b.resync(sub)
			select {
			case sub.events <- event:
			default:
				log.Warn().Str("session", session).Msg("broadcast: subscriber still full after resync drain")
			}
		}
	}
}

// resync drains a lagging subscriber's buffer and signals ResyncRequired.
// Caller must hold ch.mu.
func (b *Bus) resync(sub *subscriber) {
drain:
	for {
		select {
		case <-sub.events:
		default:
			break drain
		}
	}
	select {
	case sub.lagged <- struct{}{}:
	default:
	}
}

// SubscriberCount reports how many live subscribers session currently has,
// used by diagnostics and tests.
func (b *Bus) SubscriberCount(session string) int {
	ch := b.channelFor(session)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subscribers)
}

// Reset tears down a session's channel entirely, used when a session is
// explicitly cleared (spec §3: scenes are retained across disconnects, but
// an operator-driven clear may want subscribers to reconnect fresh).
func (b *Bus) Reset(session string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.sessions[session]; ok {
		ch.mu.Lock()
		for _, sub := range ch.subscribers {
			close(sub.events)
		}
		ch.mu.Unlock()
	}
	delete(b.sessions, session)
}
