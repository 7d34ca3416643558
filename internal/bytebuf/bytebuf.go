/*
Package bytebuf implements the append/consume byte buffer used on each side of a TCP name server
connection. The receive side appends whatever the socket yields and consumes whole framed messages;
the send side appends whole messages and consumes whatever the socket accepts.

Because a TCP read can stop anywhere - mid length prefix, mid message - consumption supports a
tag/rollback protocol: Tag() marks the current read position, Rollback() returns to it and
ClearTag() commits the consumption and permits reclamation of the dead leading bytes. A Buffer
only ever reclaims storage when no tag is outstanding so tagged positions stay valid.
*/
package bytebuf

import (
	"encoding/binary"
	"errors"
)

const me = "bytebuf"

// ErrShort is returned by the Fetch functions when the buffer holds fewer unconsumed bytes than
// asked for. Callers normally Rollback() and wait for the socket to deliver more.
var ErrShort = errors.New(me + ": not enough unconsumed bytes")

// reclaimAt is how large the dead prefix is allowed to grow before Append and ClearTag shuffle the
// unconsumed remainder back to the start of the underlying array.
const reclaimAt = 16 * 1024

// Buffer is not safe for concurrent use. The zero value is ready to use.
type Buffer struct {
	data   []byte
	offset int // Start of unconsumed bytes
	tag    int // Rollback position; meaningful only while tagSet is true
	tagSet bool
}

// Len returns the number of unconsumed bytes.
func (t *Buffer) Len() int {
	return len(t.data) - t.offset
}

// Bytes returns the unconsumed bytes as a view into the buffer's storage. The view is invalidated
// by any mutating call so callers must consume or copy before appending.
func (t *Buffer) Bytes() []byte {
	return t.data[t.offset:]
}

// Append adds p to the end of the buffer.
func (t *Buffer) Append(p []byte) {
	t.reclaim()
	t.data = append(t.data, p...)
}

// Consume discards n unconsumed bytes from the front of the buffer.
func (t *Buffer) Consume(n int) error {
	if n > t.Len() {
		return ErrShort
	}
	t.offset += n

	return nil
}

// FetchBytes consumes n bytes and returns them as a copy that remains valid after subsequent
// buffer operations.
func (t *Buffer) FetchBytes(n int) ([]byte, error) {
	if n > t.Len() {
		return nil, ErrShort
	}
	p := make([]byte, n)
	copy(p, t.data[t.offset:])
	t.offset += n

	return p, nil
}

// FetchBE16 consumes and returns a big-endian 16 bit value - the DNS TCP length prefix.
func (t *Buffer) FetchBE16() (uint16, error) {
	if t.Len() < 2 {
		return 0, ErrShort
	}
	v := binary.BigEndian.Uint16(t.data[t.offset:])
	t.offset += 2

	return v, nil
}

// Tag marks the current read position so a partial consumption can be undone with Rollback. Only
// one tag can be outstanding at a time; a second Tag simply moves it.
func (t *Buffer) Tag() {
	t.tag = t.offset
	t.tagSet = true
}

// Rollback returns the read position to the most recent Tag and clears it. Rollback without an
// outstanding tag is a no-op.
func (t *Buffer) Rollback() {
	if t.tagSet {
		t.offset = t.tag
		t.tagSet = false
	}
}

// ClearTag commits everything consumed since Tag and allows the dead prefix to be reclaimed.
func (t *Buffer) ClearTag() {
	t.tagSet = false
	t.reclaim()
}

// reclaim shuffles unconsumed bytes to the front of the underlying array once the dead prefix is
// worth recovering. Never moves data while a tag is outstanding as that would invalidate it.
func (t *Buffer) reclaim() {
	if t.tagSet || t.offset == 0 {
		return
	}
	if t.offset == len(t.data) { // Fully consumed - cheap reset
		t.data = t.data[:0]
		t.offset = 0
		return
	}
	if t.offset < reclaimAt {
		return
	}
	n := copy(t.data, t.data[t.offset:])
	t.data = t.data[:n]
	t.offset = 0
}
