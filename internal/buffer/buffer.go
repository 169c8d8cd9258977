// Package buffer provides the growable byte buffer used by the transfer engine
// for outbound requests, inbound responses and FTP data streams.
package buffer

import (
	"bytes"
	"errors"
	"fmt"
)

// MaxCapacity is the absolute upper bound a single buffer may grow to.
const MaxCapacity = 640<<20 + 64<<10

// ErrTooLarge is returned when growth would exceed MaxCapacity.
var ErrTooLarge = errors.New("buffer: capacity limit exceeded")

// Buffer is a byte buffer with a write cursor (Len), a capacity (Cap) and a
// read cursor for sequential line extraction.
//
// Receive buffers keep one extra byte past the write cursor set to NUL so the
// stored text is always terminated.
type Buffer struct {
	data     []byte
	cursize  int
	maxsize  int
	cursor   int
	limit    int
	sentinel bool
}

// New returns a send buffer with the given initial capacity.
func New(capacity int) *Buffer {
	return newBuffer(capacity, false)
}

// NewReceive returns a buffer that reserves a trailing NUL sentinel byte.
func NewReceive(capacity int) *Buffer {
	return newBuffer(capacity, true)
}

func newBuffer(capacity int, sentinel bool) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer{maxsize: capacity, limit: -1, sentinel: sentinel}
	b.data = make([]byte, b.storage(capacity))
	return b
}

func (b *Buffer) storage(capacity int) int {
	if b.sentinel {
		return capacity + 1
	}
	return capacity
}

// Len returns the number of bytes written.
func (b *Buffer) Len() int { return b.cursize }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return b.maxsize }

// Free returns the remaining capacity before the buffer must grow.
func (b *Buffer) Free() int { return b.maxsize - b.cursize }

// Bytes returns the written bytes. The slice aliases the buffer and is only
// valid until the next mutating call.
func (b *Buffer) Bytes() []byte { return b.data[:b.cursize] }

// Unread returns the bytes between the read cursor and the write cursor.
func (b *Buffer) Unread() []byte { return b.data[b.cursor:b.cursize] }

// Cursor returns the read cursor.
func (b *Buffer) Cursor() int { return b.cursor }

// SetCursor moves the read cursor, clamped to [0, Len].
func (b *Buffer) SetCursor(pos int) {
	switch {
	case pos < 0:
		pos = 0
	case pos > b.cursize:
		pos = b.cursize
	}
	b.cursor = pos
}

// Limit returns the growth bound set by SetLimit, or -1 when none is known.
func (b *Buffer) Limit() int { return b.limit }

// SetLimit records the final size the buffer is expected to reach. Later
// growth is clamped to it. A negative value clears the bound.
func (b *Buffer) SetLimit(n int) {
	if n < 0 {
		n = -1
	}
	b.limit = n
}

// Clear resets both cursors and the growth bound but keeps the allocation.
func (b *Buffer) Clear() {
	b.cursize = 0
	b.cursor = 0
	b.limit = -1
	b.terminate()
}

// Release drops the backing storage. The buffer must not be used afterwards.
func (b *Buffer) Release() {
	b.data = nil
	b.cursize, b.maxsize, b.cursor = 0, 0, 0
}

// Grow ensures room for at least n more bytes. Capacity doubles, or grows to
// exactly what is needed when doubling is not enough; when a limit is known
// the new capacity never exceeds it unless the write itself requires more.
func (b *Buffer) Grow(n int) error {
	if n <= 0 || b.cursize+n <= b.maxsize {
		return nil
	}
	need := b.cursize + n
	if need > MaxCapacity {
		return fmt.Errorf("%w: need %d bytes", ErrTooLarge, need)
	}

	newsize := b.maxsize * 2
	if newsize < need {
		newsize = need
	}
	if b.limit >= 0 && newsize > b.limit {
		newsize = max(b.limit, need)
	}
	if newsize > MaxCapacity {
		newsize = MaxCapacity
	}

	data := make([]byte, b.storage(newsize))
	copy(data, b.data[:b.cursize])
	b.data = data
	b.maxsize = newsize
	b.terminate()
	return nil
}

// Append copies p to the end of the buffer, growing it as needed.
func (b *Buffer) Append(p []byte) error {
	if err := b.Grow(len(p)); err != nil {
		return err
	}
	b.cursize += copy(b.data[b.cursize:b.maxsize], p)
	b.terminate()
	return nil
}

// AppendString is Append for strings.
func (b *Buffer) AppendString(s string) error {
	if err := b.Grow(len(s)); err != nil {
		return err
	}
	b.cursize += copy(b.data[b.cursize:b.maxsize], s)
	b.terminate()
	return nil
}

// Tail returns the free space after the write cursor. Callers that fill it
// directly must report the count with Commit.
func (b *Buffer) Tail() []byte { return b.data[b.cursize:b.maxsize] }

// Commit advances the write cursor by n bytes previously written into Tail.
func (b *Buffer) Commit(n int) {
	if n < 0 || b.cursize+n > b.maxsize {
		panic("buffer: commit out of range")
	}
	b.cursize += n
	b.terminate()
}

// Consume discards the first n bytes and shifts the rest to the front.
func (b *Buffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= b.cursize {
		b.cursize = 0
		b.cursor = 0
		b.terminate()
		return
	}
	copy(b.data, b.data[n:b.cursize])
	b.cursize -= n
	b.cursor = max(b.cursor-n, 0)
	b.terminate()
}

// ReadLine returns the next line starting at the read cursor without its
// "\n" or "\r\n" terminator and advances the cursor past it. ok is false,
// and the cursor is left untouched, when no complete line is buffered yet.
func (b *Buffer) ReadLine() (line []byte, ok bool) {
	rest := b.data[b.cursor:b.cursize]
	i := bytes.IndexByte(rest, '\n')
	if i < 0 {
		return nil, false
	}
	b.cursor += i + 1
	line = rest[:i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, true
}

func (b *Buffer) terminate() {
	if b.sentinel && b.data != nil {
		b.data[b.cursize] = 0
	}
}
