package httpapi

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkt.systems/devgate/internal/eventbus"
	"pkt.systems/devgate/schema"
)

// Subscriber hands out per-connection broadcast queues.
type Subscriber interface {
	Subscribe(id schema.ConnID) (<-chan eventbus.Event, func())
}

const drainPollInterval = 20 * time.Millisecond

type channelKind string

const (
	channelSession channelKind = "session"
	channelPreview channelKind = "preview"
)

// Hub tracks the live websocket connections.
type Hub struct {
	mu    sync.Mutex
	conns map[schema.ConnID]*wsConn
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[schema.ConnID]*wsConn)}
}

func (h *Hub) add(c *wsConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) remove(id schema.ConnID) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

// Count returns the number of live connections of every kind.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Sessions lists the ids of the live session-channel connections.
func (h *Hub) Sessions() []schema.ConnID {
	h.mu.Lock()
	ids := make([]schema.ConnID, 0, len(h.conns))
	for id, c := range h.conns {
		if c.kind == channelSession {
			ids = append(ids, id)
		}
	}
	h.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CloseAll closes every live connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// Drain waits until every connection has been removed or ctx ends.
func (h *Hub) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for h.Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
