package devgate

import (
	"sync"

	"pkt.systems/devgate/internal/terminal"
	"pkt.systems/devgate/schema"
)

// sharedTerminal lets the gateway be built before the shell is spawned.
// Until attach it behaves like a terminated process.
type sharedTerminal struct {
	mu     sync.RWMutex
	bridge *terminal.Bridge
}

func (t *sharedTerminal) attach(b *terminal.Bridge) {
	t.mu.Lock()
	t.bridge = b
	t.mu.Unlock()
}

func (t *sharedTerminal) current() *terminal.Bridge {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bridge
}

func (t *sharedTerminal) Write(p []byte) error {
	b := t.current()
	if b == nil {
		return schema.ErrProcessTerminated
	}
	return b.Write(p)
}

func (t *sharedTerminal) Resize(cols, rows uint16) error {
	b := t.current()
	if b == nil {
		return schema.ErrProcessTerminated
	}
	return b.Resize(cols, rows)
}

func (t *sharedTerminal) History() []byte {
	b := t.current()
	if b == nil {
		return nil
	}
	return b.History()
}

func (t *sharedTerminal) close() error {
	b := t.current()
	if b == nil {
		return nil
	}
	return b.Close()
}
