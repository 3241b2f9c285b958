package channel

import (
	"fuchsia.googlesource.com/ofswitch/internal/ofp"
)

// maxMultipartSlots bounds the number of concurrently in-flight multipart
// requests a single channel will reassemble, per spec.md §4.2 ("a channel
// holds at most N concurrent multipart accumulators"). Scenario S3 drives
// this to its overflow behavior.
const maxMultipartSlots = 8

// multipartKey identifies one in-flight multipart exchange: spec.md §4.2
// says requests are correlated "by (xid, type)" since a controller may have
// several distinct multipart requests outstanding on one channel.
type multipartKey struct {
	xid uint32
	typ ofp.MultipartType
}

// accumulator collects the segments of one multipart request or reply until
// the MORE flag is clear, per spec.md §4.2.
type accumulator struct {
	key  multipartKey
	body []byte
}

// Accumulators is the fixed-size pool of in-flight multipart reassemblies
// for one channel. It is not safe for concurrent use; callers serialize
// access via the owning Channel's lock.
type Accumulators struct {
	slots []accumulator
	limit int
}

// NewAccumulators returns an empty pool bounded at limit concurrent
// reassemblies.
func NewAccumulators(limit int) *Accumulators {
	return &Accumulators{limit: limit}
}

func (a *Accumulators) find(key multipartKey) int {
	for i := range a.slots {
		if a.slots[i].key == key {
			return i
		}
	}
	return -1
}

// Append adds one segment's body to the accumulator for (xid, type),
// creating a new slot if this is the first segment seen for that key. It
// returns the BAD_MULTIPART error if a segment's type doesn't match a
// slot already open under the same xid, and MULTIPART_BUFFER_OVERFLOW if
// accepting a new key would exceed limit, per spec.md §4.2 and scenario S3.
func (a *Accumulators) Append(xid uint32, typ ofp.MultipartType, body []byte) *ofp.Error {
	key := multipartKey{xid: xid, typ: typ}
	if i := a.find(key); i >= 0 {
		a.slots[i].body = append(a.slots[i].body, body...)
		return nil
	}
	for i := range a.slots {
		if a.slots[i].key.xid == xid && a.slots[i].key.typ != typ {
			return ofp.NewRequestError(ofp.ErrorTypeBadRequest, ofp.BadRequestBadMultipart, nil)
		}
	}
	if len(a.slots) >= a.limit {
		return ofp.NewRequestError(ofp.ErrorTypeBadRequest, ofp.BadRequestMultipartBufferOverflow, nil)
	}
	a.slots = append(a.slots, accumulator{key: key, body: append([]byte(nil), body...)})
	return nil
}

// Complete removes and returns the full reassembled body for (xid, type)
// once the caller has observed a segment without the MORE flag set. It
// reports false if no such accumulator is open, which is itself a protocol
// error the dispatcher surfaces as BAD_MULTIPART.
func (a *Accumulators) Complete(xid uint32, typ ofp.MultipartType) ([]byte, bool) {
	key := multipartKey{xid: xid, typ: typ}
	i := a.find(key)
	if i < 0 {
		return nil, false
	}
	body := a.slots[i].body
	a.slots = append(a.slots[:i], a.slots[i+1:]...)
	return body, true
}

// Len reports the number of currently open accumulators, exposed for tests
// asserting the overflow threshold of scenario S3.
func (a *Accumulators) Len() int {
	return len(a.slots)
}
