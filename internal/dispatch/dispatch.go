// Package dispatch implements the connective MessageSink the channel
// package's dispatcher calls into (collab.MessageSink): it routes each
// validated message to the flow/group/meter table collaborators named in
// spec.md §6, answers OFPT_ECHO_REQUEST and OFPT_ROLE_REQUEST directly, and
// rejects any other type with OFPT_BAD_REQUEST/OFPBRC_BAD_TYPE. The table
// implementations themselves remain external collaborators per spec.md §1;
// this package only owns the routing seam a real process needs to actually
// run one.
package dispatch

import (
	"go.uber.org/multierr"

	"fuchsia.googlesource.com/ofswitch/internal/channel"
	"fuchsia.googlesource.com/ofswitch/internal/collab"
	"fuchsia.googlesource.com/ofswitch/internal/ofp"
)

// BridgeSink implements collab.MessageSink for one bridge, forwarding
// flow/group/meter mutations to their respective table collaborators.
type BridgeSink struct {
	Flow   collab.FlowTable
	Group  collab.GroupTable
	Meter  collab.MeterTable
}

// Handle implements collab.MessageSink.
func (s *BridgeSink) Handle(hdr ofp.Header, body []byte, ch *channel.Channel) ([]byte, error) {
	switch hdr.Type {
	case ofp.TypeEchoRequest:
		return body, nil
	case ofp.TypeRoleRequest:
		return s.handleRoleRequest(hdr, body, ch)
	case ofp.TypeFlowMod:
		if s.Flow == nil {
			return nil, nil
		}
		return nil, s.Flow.HandleFlowMod(body)
	case ofp.TypeGroupMod:
		if s.Group == nil {
			return nil, nil
		}
		return nil, s.Group.HandleGroupMod(body)
	case ofp.TypeMeterMod:
		if s.Meter == nil {
			return nil, nil
		}
		return nil, s.Meter.HandleMeterMod(body)
	default:
		return nil, ofp.NewRequestError(ofp.ErrorTypeBadRequest, ofp.BadRequestBadType, body)
	}
}

// handleRoleRequest implements spec.md §4.4's RoleRequest handling: a
// Master/Slave request with a stale generation_id (older than the last one
// this datapath accepted, by the signed-wraparound comparison
// channel.GenerationStore.Accept applies) is rejected with OFPRRFC_STALE
// and leaves the channel's role untouched; every other request sets ch's
// role and is echoed back as an OFPT_ROLE_REPLY. generation_id is not
// checked for OFPCR_ROLE_EQUAL/NOCHANGE, which OpenFlow defines as
// unrelated to mastership.
func (s *BridgeSink) handleRoleRequest(hdr ofp.Header, body []byte, ch *channel.Channel) ([]byte, error) {
	req, ok := ofp.DecodeRoleRequest(body)
	if !ok {
		return nil, ofp.NewRequestError(ofp.ErrorTypeBadRequest, ofp.BadRequestBadLen, body)
	}

	if req.Role == ofp.RoleMaster || req.Role == ofp.RoleSlave {
		if !ch.AcceptGeneration(req.GenerationID) {
			return nil, ofp.NewRequestError(ofp.ErrorTypeRoleRequest, ofp.RoleRequestStale, body)
		}
	}
	ch.SetRole(req.Role)

	replyBody := ofp.EncodeRoleReply(req)
	reply := make([]byte, ofp.HeaderLen+len(replyBody))
	ofp.EncodeHeader(reply, ofp.Header{
		Version: hdr.Version,
		Type:    ofp.TypeRoleReply,
		Xid:     hdr.Xid,
		Length:  uint16(len(reply)),
	})
	copy(reply[ofp.HeaderLen:], replyBody)
	return reply, nil
}

// Barrier implements collab.MessageSink, flushing every configured table
// collaborator so its pending mutations are visible before the
// OFPT_BARRIER_REPLY is sent, per SPEC_FULL.md §4 item 2. All three
// flushes run even if one fails, and their errors are combined via
// multierr rather than short-circuiting on the first failure.
func (s *BridgeSink) Barrier() error {
	var err error
	if s.Flow != nil {
		err = multierr.Append(err, s.Flow.Flush())
	}
	if s.Group != nil {
		err = multierr.Append(err, s.Group.Flush())
	}
	if s.Meter != nil {
		err = multierr.Append(err, s.Meter.Flush())
	}
	return err
}
