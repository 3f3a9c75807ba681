package eventbus

import (
	"context"
	"sync"

	"pkt.systems/devgate/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventTerminalData carries a chunk of shared terminal output.
	EventTerminalData EventType = "terminal-data"
	// EventFileRefresh carries a filesystem change.
	EventFileRefresh EventType = "file-refresh"
	// EventTerminalExit carries the shell exit notice.
	EventTerminalExit EventType = "terminal-exit"
)

// DefaultDepth is the per-subscriber queue depth.
const DefaultDepth = 256

// Event is a broadcast destined for every connected client.
type Event struct {
	Type     EventType
	Terminal schema.TerminalData
	File     schema.FileSystemEvent
	Exit     schema.TerminalExit
}

type subscriber struct {
	id     schema.ConnID
	ch     chan Event
	closed bool
}

// Bus fans events out to every subscriber. A subscriber whose queue is full
// is evicted: its channel is closed without the subscriber cancelling.
type Bus struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	log     pslog.Logger
	depth   int
	onEvict func(schema.ConnID)
}

// Option customizes a Bus.
type Option func(*Bus)

// WithDepth sets the per-subscriber queue depth.
func WithDepth(depth int) Option {
	return func(b *Bus) {
		if depth > 0 {
			b.depth = depth
		}
	}
}

// WithEvictHook registers a callback invoked when a subscriber is evicted.
func WithEvictHook(fn func(schema.ConnID)) Option {
	return func(b *Bus) {
		b.onEvict = fn
	}
}

// New constructs a Bus.
func New(logger pslog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	b := &Bus{
		subs:  make(map[*subscriber]struct{}),
		log:   logger,
		depth: DefaultDepth,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber and returns its channel and a cancel func.
// The channel is closed by cancel or on eviction.
func (b *Bus) Subscribe(id schema.ConnID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	sub := &subscriber{id: id, ch: make(chan Event, b.depth)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("conn", id).Debug("eventbus subscribe", "subs", count)
	}
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			b.removeLocked(sub)
			b.mu.Unlock()
			if b.log != nil {
				b.log.With("conn", id).Debug("eventbus unsubscribe")
			}
		})
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// OnTerminalData publishes terminal output.
func (b *Bus) OnTerminalData(_ context.Context, data schema.TerminalData) {
	b.publish(Event{Type: EventTerminalData, Terminal: data})
}

// OnTerminalExit publishes the shell exit notice.
func (b *Bus) OnTerminalExit(_ context.Context, exit schema.TerminalExit) {
	b.publish(Event{Type: EventTerminalExit, Exit: exit})
}

// OnFileEvent publishes a filesystem change.
func (b *Bus) OnFileEvent(_ context.Context, event schema.FileSystemEvent) {
	b.publish(Event{Type: EventFileRefresh, File: event})
}

func (b *Bus) removeLocked(sub *subscriber) {
	delete(b.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	var evicted []schema.ConnID
	b.mu.Lock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.removeLocked(sub)
			evicted = append(evicted, sub.id)
		}
	}
	b.mu.Unlock()
	for _, id := range evicted {
		if b.log != nil {
			b.log.With("conn", id).Warn("eventbus evicted slow subscriber", "event", event.Type, "depth", b.depth)
		}
		if b.onEvict != nil {
			b.onEvict(id)
		}
	}
}
