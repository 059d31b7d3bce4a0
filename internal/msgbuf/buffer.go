// Package msgbuf holds one packet's bytes with room to grow at both ends,
// so headers and trailers can be added without copying the payload.
package msgbuf

import "errors"

const (
	DefaultHeadroom = 64
	DefaultTailroom = 64
)

var ErrShort = errors.New("buffer too short")

// Buffer is owned by one goroutine at a time.
type Buffer struct {
	buf   []byte
	start int
	end   int
}

// New returns an empty buffer able to hold capacity bytes plus the default
// head and tail room.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{
		buf:   make([]byte, DefaultHeadroom+capacity+DefaultTailroom),
		start: DefaultHeadroom,
		end:   DefaultHeadroom,
	}
}

// From copies p into a new buffer.
func From(p []byte) *Buffer {
	b := New(len(p))
	b.SetContent(p)
	return b
}

func (b *Buffer) Bytes() []byte {
	return b.buf[b.start:b.end]
}

func (b *Buffer) Len() int {
	return b.end - b.start
}

// SetContent replaces the payload with a copy of p.
func (b *Buffer) SetContent(p []byte) {
	b.start = DefaultHeadroom
	b.end = DefaultHeadroom
	copy(b.Append(len(p)), p)
}

func (b *Buffer) Reset() {
	b.start = DefaultHeadroom
	b.end = DefaultHeadroom
}

// Prepend grows the payload by n bytes at the front and returns them.
func (b *Buffer) Prepend(n int) []byte {
	if n > b.start {
		b.grow(n, 0)
	}
	b.start -= n
	return b.buf[b.start : b.start+n]
}

// Append grows the payload by n bytes at the back and returns them.
func (b *Buffer) Append(n int) []byte {
	if b.end+n > len(b.buf) {
		b.grow(0, n)
	}
	b.end += n
	return b.buf[b.end-n : b.end]
}

// TakeHead removes and returns the first n bytes. The returned slice stays
// valid until the next Prepend.
func (b *Buffer) TakeHead(n int) ([]byte, error) {
	if n < 0 || n > b.Len() {
		return nil, ErrShort
	}
	head := b.buf[b.start : b.start+n]
	b.start += n
	return head, nil
}

// TrimTail drops the last n bytes.
func (b *Buffer) TrimTail(n int) error {
	if n < 0 || n > b.Len() {
		return ErrShort
	}
	b.end -= n
	return nil
}

func (b *Buffer) Clone() *Buffer {
	out := &Buffer{buf: make([]byte, len(b.buf)), start: b.start, end: b.end}
	copy(out.buf, b.buf)
	return out
}

func (b *Buffer) grow(head, tail int) {
	size := len(b.buf) + head + tail + DefaultHeadroom + DefaultTailroom
	next := make([]byte, size)
	start := head + DefaultHeadroom + b.start
	copy(next[start:], b.Bytes())
	b.end = start + b.Len()
	b.start = start
	b.buf = next
}
