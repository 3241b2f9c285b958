// Package pbuf implements the owning packet buffer described in spec.md
// §3/§4.2: a byte buffer with read/write cursors that produces a lazy
// sequence of framed OpenFlow messages, refreshed without copying once a
// message view has been handed off.
package pbuf

import "fuchsia.googlesource.com/ofswitch/internal/ofp"

// PBuf is an owning, growable byte buffer with independent read and write
// cursors. Bytes written land after the write cursor; bytes already
// consumed by Frame() stay before the read cursor until Compact is called.
type PBuf struct {
	buf   []byte
	read  int
	write int
}

// New returns an empty PBuf with capacity hint cap.
func New(capHint int) *PBuf {
	return &PBuf{buf: make([]byte, 0, capHint)}
}

// Write appends b to the buffer, growing it as needed.
func (p *PBuf) Write(b []byte) {
	p.buf = append(p.buf, b...)
	p.write = len(p.buf)
}

// Unread returns the slice of buffered-but-not-yet-framed bytes.
func (p *PBuf) Unread() []byte {
	return p.buf[p.read:p.write]
}

// Len returns the number of unread bytes.
func (p *PBuf) Len() int {
	return p.write - p.read
}

// Message is a framed OpenFlow message view: it owns its storage (a private
// copy, not a slice of the PBuf's backing array) so the PBuf can be
// refreshed without copying and without invalidating any previously handed
// out Message, per spec.md §4.2 ("The yielded view owns its storage").
type Message struct {
	Header ofp.Header
	Raw    []byte // the full length-prefixed message, including the header
}

// Body returns the message payload following the 8-byte header.
func (m Message) Body() []byte {
	return m.Raw[ofp.HeaderLen:]
}

// Frame attempts to decode exactly one framed message from the unread
// region. Per spec.md §4.2: it reads the 8-byte header to learn `length`;
// if fewer bytes than the header are buffered, no message is produced
// (ok=false, no error). Given enough bytes, it yields a message view of
// exactly `length` bytes and advances the read cursor; it never returns an
// error for short input, only for a structurally invalid length.
func (p *PBuf) Frame() (Message, bool, error) {
	unread := p.Unread()
	if len(unread) < ofp.HeaderLen {
		return Message{}, false, nil
	}
	hdr := ofp.DecodeHeader(unread)
	if hdr.Length < ofp.HeaderLen {
		return Message{}, false, errBadLen(hdr.Length)
	}
	if len(unread) < int(hdr.Length) {
		return Message{}, false, nil
	}
	raw := make([]byte, hdr.Length)
	copy(raw, unread[:hdr.Length])
	p.read += int(hdr.Length)
	return Message{Header: hdr, Raw: raw}, true, nil
}

// Compact discards already-framed bytes, sliding the remaining unread bytes
// to the front of the backing array. Callers call this between read
// syscalls to bound memory growth on a long-lived channel's inbound PBuf.
func (p *PBuf) Compact() {
	if p.read == 0 {
		return
	}
	n := copy(p.buf, p.buf[p.read:p.write])
	p.buf = p.buf[:n]
	p.read = 0
	p.write = n
}

// Grow ensures at least n additional bytes of spare capacity after the
// write cursor, so a socket Read can target p.buf[p.write:cap] directly.
func (p *PBuf) Grow(n int) {
	if cap(p.buf)-p.write >= n {
		return
	}
	next := make([]byte, p.write, p.write+n)
	copy(next, p.buf[:p.write])
	p.buf = next
}

// WriteCursor returns the slice starting at the write cursor with at least
// n bytes of capacity, growing the buffer if necessary. Intended for
// socket.Read(p.WriteCursor(n)) followed by p.Advance(n).
func (p *PBuf) WriteCursor(n int) []byte {
	p.Grow(n)
	return p.buf[p.write:cap(p.buf)]
}

// Advance records that n bytes were written into the slice most recently
// returned by WriteCursor.
func (p *PBuf) Advance(n int) {
	p.write += n
	if p.write > len(p.buf) {
		p.buf = p.buf[:p.write]
	}
}

type errBadLen uint16

func (e errBadLen) Error() string {
	return "pbuf: declared message length shorter than header"
}
