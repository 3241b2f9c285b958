// Package ofp implements the structural contracts of OpenFlow 1.3.1 framing
// named in spec.md §6: the 8-byte header, message types needed by the
// channel FSM and dispatcher, protocol error codes (§7), and the version
// negotiation bitmap element (§4.1). It intentionally does not implement the
// full OpenFlow message body catalogue (flow-mod match fields, instruction
// sets, ...); those belong to the flow/group/meter tables, which spec.md §1
// scopes out as external collaborators.
package ofp

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the fixed size of an OpenFlow message header, per spec.md §6.
const HeaderLen = 8

// Version identifies a wire protocol version byte.
type Version uint8

const (
	VersionUnknown Version = 0
	Version10      Version = 0x01
	Version12      Version = 0x03
	Version13      Version = 0x04
	Version14      Version = 0x05
	Version15      Version = 0x06
)

// Type is the OpenFlow message type byte.
type Type uint8

const (
	TypeHello Type = iota
	TypeError
	TypeEchoRequest
	TypeEchoReply
	TypeExperimenter
	TypeFeaturesRequest
	TypeFeaturesReply
	TypeGetConfigRequest
	TypeGetConfigReply
	TypeSetConfig
	TypePacketIn
	TypeFlowRemoved
	TypePortStatus
	TypePacketOut
	TypeFlowMod
	TypeGroupMod
	TypePortMod
	TypeTableMod
	TypeMultipartRequest
	TypeMultipartReply
	TypeBarrierRequest
	TypeBarrierReply
	TypeQueueGetConfigRequest
	TypeQueueGetConfigReply
	TypeRoleRequest
	TypeRoleReply
	TypeGetAsyncRequest
	TypeGetAsyncReply
	TypeSetAsync
	TypeMeterMod
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "OFPT_HELLO"
	case TypeError:
		return "OFPT_ERROR"
	case TypeEchoRequest:
		return "OFPT_ECHO_REQUEST"
	case TypeEchoReply:
		return "OFPT_ECHO_REPLY"
	case TypeFeaturesRequest:
		return "OFPT_FEATURES_REQUEST"
	case TypeFeaturesReply:
		return "OFPT_FEATURES_REPLY"
	case TypeGetConfigRequest:
		return "OFPT_GET_CONFIG_REQUEST"
	case TypeGetConfigReply:
		return "OFPT_GET_CONFIG_REPLY"
	case TypeSetConfig:
		return "OFPT_SET_CONFIG"
	case TypePacketIn:
		return "OFPT_PACKET_IN"
	case TypeFlowRemoved:
		return "OFPT_FLOW_REMOVED"
	case TypePortStatus:
		return "OFPT_PORT_STATUS"
	case TypePacketOut:
		return "OFPT_PACKET_OUT"
	case TypeFlowMod:
		return "OFPT_FLOW_MOD"
	case TypeGroupMod:
		return "OFPT_GROUP_MOD"
	case TypePortMod:
		return "OFPT_PORT_MOD"
	case TypeTableMod:
		return "OFPT_TABLE_MOD"
	case TypeMultipartRequest:
		return "OFPT_MULTIPART_REQUEST"
	case TypeMultipartReply:
		return "OFPT_MULTIPART_REPLY"
	case TypeBarrierRequest:
		return "OFPT_BARRIER_REQUEST"
	case TypeBarrierReply:
		return "OFPT_BARRIER_REPLY"
	case TypeRoleRequest:
		return "OFPT_ROLE_REQUEST"
	case TypeRoleReply:
		return "OFPT_ROLE_REPLY"
	case TypeGetAsyncRequest:
		return "OFPT_GET_ASYNC_REQUEST"
	case TypeGetAsyncReply:
		return "OFPT_GET_ASYNC_REPLY"
	case TypeSetAsync:
		return "OFPT_SET_ASYNC"
	case TypeMeterMod:
		return "OFPT_METER_MOD"
	default:
		return fmt.Sprintf("OFPT_UNKNOWN(%d)", uint8(t))
	}
}

// Header is the decoded form of the fixed 8-byte OpenFlow header described
// in spec.md §6: version, type, length, xid, all big-endian on the wire.
type Header struct {
	Version Version
	Type    Type
	Length  uint16
	Xid     uint32
}

// DecodeHeader parses the first HeaderLen bytes of b. Callers (the PBuf
// framing producer) guarantee len(b) >= HeaderLen.
func DecodeHeader(b []byte) Header {
	return Header{
		Version: Version(b[0]),
		Type:    Type(b[1]),
		Length:  binary.BigEndian.Uint16(b[2:4]),
		Xid:     binary.BigEndian.Uint32(b[4:8]),
	}
}

// EncodeHeader writes h into the first HeaderLen bytes of b.
func EncodeHeader(b []byte, h Header) {
	b[0] = uint8(h.Version)
	b[1] = uint8(h.Type)
	binary.BigEndian.PutUint16(b[2:4], h.Length)
	binary.BigEndian.PutUint32(b[4:8], h.Xid)
}
