package channel

import (
	"encoding/binary"

	"fuchsia.googlesource.com/ofswitch/internal/ofp"
	"fuchsia.googlesource.com/ofswitch/internal/pbuf"
)

// multipartHeaderLen is the size of the ofp_multipart_request/reply header
// that precedes the type-specific body: type(2) + flags(2) + pad(4).
const multipartHeaderLen = 8

// dispatchMessage implements spec.md §4.3's message dispatcher: version
// check, then role check, then (for multipart types) reassembly, and
// finally handoff to the MessageSink. Every rejection path emits the
// ofp_error named in spec.md §7 before returning, per property 8's
// "dispatcher rejections are always paired with a protocol error".
func (c *Channel) dispatchMessage(msg pbuf.Message) {
	c.mu.Lock()
	version := c.version
	role := c.role
	c.mu.Unlock()

	if msg.Header.Version != version {
		c.sendError(ofp.NewRequestError(ofp.ErrorTypeBadRequest, ofp.BadRequestBadVersion, msg.Raw))
		return
	}
	if int(msg.Header.Length) != len(msg.Raw) {
		c.sendError(ofp.NewRequestError(ofp.ErrorTypeBadRequest, ofp.BadRequestBadLen, msg.Raw))
		return
	}

	if msg.Header.Type == ofp.TypeEchoReply {
		c.onEchoReply()
	}

	if !ofp.CheckRole(role, msg.Header.Type) {
		c.sendError(ofp.NewRequestError(ofp.ErrorTypeBadRequest, ofp.BadRequestIsSlave, msg.Raw))
		return
	}

	var body []byte
	switch msg.Header.Type {
	case ofp.TypeMultipartRequest:
		reassembled, ready, rejectErr := c.reassembleMultipart(msg, role)
		if rejectErr != nil {
			c.sendError(rejectErr)
			return
		}
		if !ready {
			return
		}
		body = reassembled
	default:
		body = msg.Body()
	}

	if msg.Header.Type == ofp.TypeBarrierRequest {
		if err := c.sink.Barrier(); err != nil {
			log.Warnf("channel %d: barrier flush failed: %s", c.ID, err)
		}
	}

	reply, err := c.sink.Handle(msg.Header, body, c)
	if err != nil {
		if ofErr, ok := err.(*ofp.Error); ok {
			c.sendError(ofErr)
			return
		}
		log.Warnf("channel %d: handler error: %s", c.ID, err)
		return
	}
	if len(reply) > 0 {
		c.writeRaw(reply)
	}
}

// reassembleMultipart implements spec.md §4.2's reassembler atop the
// channel's Accumulators pool: it strips the per-segment multipart header,
// enforces the Slave write-restriction of property 8 on the first segment
// of a request, appends the segment body, and reports ready=true once a
// segment without OFPMPF_REQ_MORE completes the reassembly.
func (c *Channel) reassembleMultipart(msg pbuf.Message, role ofp.Role) (body []byte, ready bool, rejectErr *ofp.Error) {
	raw := msg.Body()
	if len(raw) < multipartHeaderLen {
		return nil, false, ofp.NewRequestError(ofp.ErrorTypeBadRequest, ofp.BadRequestBadLen, msg.Raw)
	}
	typ := ofp.MultipartType(binary.BigEndian.Uint16(raw[0:2]))
	flags := ofp.MultipartFlags(binary.BigEndian.Uint16(raw[2:4]))
	segment := raw[multipartHeaderLen:]

	if ofp.IsSlaveRestrictedMultipart(typ, len(segment)) && role == ofp.RoleSlave {
		return nil, false, ofp.NewRequestError(ofp.ErrorTypeBadRequest, ofp.BadRequestIsSlave, msg.Raw)
	}

	c.mu.Lock()
	appendErr := c.accumulators.Append(msg.Header.Xid, typ, segment)
	c.mu.Unlock()
	if appendErr != nil {
		return nil, false, appendErr
	}

	if flags&ofp.MultipartFlagMore != 0 {
		return nil, false, nil
	}

	c.mu.Lock()
	full, ok := c.accumulators.Complete(msg.Header.Xid, typ)
	c.mu.Unlock()
	if !ok {
		return nil, false, ofp.NewRequestError(ofp.ErrorTypeBadRequest, ofp.BadRequestBadMultipart, msg.Raw)
	}
	return full, true, nil
}
