package terminal

import "sync"

// DefaultScrollbackBytes is the default scrollback capacity.
const DefaultScrollbackBytes = 1 << 20

// scrollback keeps the most recent terminal output bytes, escape sequences included.
type scrollback struct {
	mu   sync.Mutex
	data []byte
	max  int
}

func newScrollback(max int) *scrollback {
	if max <= 0 {
		max = DefaultScrollbackBytes
	}
	return &scrollback{max: max}
}

// Append adds p, dropping the oldest bytes beyond capacity.
func (s *scrollback) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(p) >= s.max {
		s.data = append(s.data[:0], p[len(p)-s.max:]...)
		return
	}
	if overflow := len(s.data) + len(p) - s.max; overflow > 0 {
		s.data = append(s.data[:0], s.data[overflow:]...)
	}
	s.data = append(s.data, p...)
}

// Snapshot returns a copy of the retained bytes, starting on a character boundary.
func (s *scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := trimToRuneStart(s.data)
	if len(data) == 0 {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
