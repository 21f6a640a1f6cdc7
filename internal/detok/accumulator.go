// Package detok buffers token pieces until they form valid UTF-8.
package detok

import (
	"errors"
	"unicode/utf8"
)

// ErrMalformedText is returned when the buffered bytes can never become valid
// UTF-8. The buffer is discarded.
var ErrMalformedText = errors.New("detok: malformed utf-8")

// Accumulator collects the byte pieces of consecutive tokens. A multi-byte
// character split across tokens is held back until its last byte arrives.
type Accumulator struct {
	buf []byte
}

// Append adds a token's byte piece.
func (a *Accumulator) Append(piece []byte) {
	a.buf = append(a.buf, piece...)
}

// AppendString adds a token's piece given as a string.
func (a *Accumulator) AppendString(piece string) {
	a.buf = append(a.buf, piece...)
}

// Pending returns the buffered bytes without consuming them.
func (a *Accumulator) Pending() []byte { return a.buf }

// Len is the number of buffered bytes.
func (a *Accumulator) Len() int { return len(a.buf) }

// Reset drops everything buffered.
func (a *Accumulator) Reset() { a.buf = a.buf[:0] }

// Text returns the buffered bytes as a string without consuming them.
func (a *Accumulator) Text() string { return string(a.buf) }

// IsComplete reports whether the buffer holds only whole UTF-8 characters.
// An empty buffer is complete.
func (a *Accumulator) IsComplete() bool {
	return utf8.Valid(a.buf)
}

// TryRelease returns the buffered text and empties the buffer when it is
// valid UTF-8. While the tail is an unfinished multi-byte sequence it returns
// ok=false and keeps the bytes. Bytes that can never form a valid character
// yield ErrMalformedText and are dropped.
func (a *Accumulator) TryRelease() (string, bool, error) {
	if len(a.buf) == 0 {
		return "", false, nil
	}
	state := scan(a.buf)
	switch state {
	case complete:
		s := string(a.buf)
		a.buf = a.buf[:0]
		return s, true, nil
	case partial:
		return "", false, nil
	default:
		a.buf = a.buf[:0]
		return "", false, ErrMalformedText
	}
}

type scanState int

const (
	complete scanState = iota
	partial
	malformed
)

// scan classifies b: fully valid, valid with an incomplete trailing
// character, or containing an invalid sequence.
func scan(b []byte) scanState {
	for i := 0; i < len(b); {
		if b[i] < utf8.RuneSelf {
			i++
			continue
		}
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRune(b[i:]) && validPrefix(b[i:]) {
				return partial
			}
			return malformed
		}
		i += size
	}
	return complete
}

// validPrefix reports whether b, shorter than a full rune, could still be
// completed into a valid encoding.
func validPrefix(b []byte) bool {
	lead := b[0]
	var need int
	switch {
	case lead >= 0xC2 && lead <= 0xDF:
		need = 2
	case lead >= 0xE0 && lead <= 0xEF:
		need = 3
	case lead >= 0xF0 && lead <= 0xF4:
		need = 4
	default:
		return false
	}
	if len(b) >= need {
		return false
	}
	for i := 1; i < len(b); i++ {
		lo, hi := byte(0x80), byte(0xBF)
		if i == 1 {
			switch lead {
			case 0xE0:
				lo = 0xA0
			case 0xED:
				hi = 0x9F
			case 0xF0:
				lo = 0x90
			case 0xF4:
				hi = 0x8F
			}
		}
		if b[i] < lo || b[i] > hi {
			return false
		}
	}
	return true
}
