package terminal

import "unicode/utf8"

// runeCarry holds back a trailing partial UTF-8 sequence until the next read
// completes it, so no chunk handed to clients ends mid-character.
type runeCarry struct {
	pending []byte
}

// Feed returns the held bytes followed by p, cut after the last complete rune.
func (c *runeCarry) Feed(p []byte) []byte {
	data := p
	if len(c.pending) > 0 {
		data = append(c.pending, p...)
		c.pending = nil
	}
	if cut := incompleteTail(data); cut > 0 {
		c.pending = append([]byte(nil), data[len(data)-cut:]...)
		data = data[:len(data)-cut]
	}
	return data
}

// Flush returns whatever is still held, complete or not.
func (c *runeCarry) Flush() []byte {
	out := c.pending
	c.pending = nil
	return out
}

// incompleteTail reports how many trailing bytes start a rune that is not yet complete.
func incompleteTail(p []byte) int {
	for i := 1; i <= utf8.UTFMax && i <= len(p); i++ {
		if !utf8.RuneStart(p[len(p)-i]) {
			continue
		}
		if utf8.FullRune(p[len(p)-i:]) {
			return 0
		}
		return i
	}
	return 0
}

// trimToRuneStart drops continuation bytes left at the front by truncation.
func trimToRuneStart(p []byte) []byte {
	limit := min(len(p), utf8.UTFMax-1)
	for i := 0; i < limit; i++ {
		if utf8.RuneStart(p[i]) {
			return p[i:]
		}
	}
	return p[limit:]
}
