package ofp

import "encoding/binary"

// Role is a channel's OpenFlow controller role, per spec.md's GLOSSARY and
// §4.3/§4.4.
type Role uint8

const (
	RoleEqual Role = iota
	RoleMaster
	RoleSlave
)

func (r Role) String() string {
	switch r {
	case RoleEqual:
		return "OFPCR_ROLE_EQUAL"
	case RoleMaster:
		return "OFPCR_ROLE_MASTER"
	case RoleSlave:
		return "OFPCR_ROLE_SLAVE"
	default:
		return "OFPCR_ROLE_UNKNOWN"
	}
}

// stateModifying is the set of message types spec.md §4.3 classifies as
// "state-modifying": rejected for Slave-role channels. Multipart requests
// are handled separately (see IsSlaveRestrictedMultipart) since the
// restriction there depends on the multipart type, not on OFPT_MULTIPART_*
// itself.
var stateModifying = map[Type]bool{
	TypeFlowMod:  true,
	TypeGroupMod: true,
	TypePortMod:  true,
	TypeMeterMod: true,
	TypeTableMod: true,
	TypePacketOut: true,
	TypeSetAsync: true,
	TypeSetConfig: true,
}

// alwaysAllowed is the set of message types spec.md §4.3 says are "always
// allowed" regardless of role: Hello/Echo/Error/Features/GetConfig/
// GetAsync/BarrierRequest/RoleRequest, plus their replies.
var alwaysAllowed = map[Type]bool{
	TypeHello:             true,
	TypeEchoRequest:       true,
	TypeEchoReply:         true,
	TypeError:             true,
	TypeFeaturesRequest:   true,
	TypeFeaturesReply:     true,
	TypeGetConfigRequest:  true,
	TypeGetConfigReply:    true,
	TypeGetAsyncRequest:   true,
	TypeGetAsyncReply:     true,
	TypeBarrierRequest:    true,
	TypeBarrierReply:      true,
	TypeRoleRequest:       true,
	TypeRoleReply:         true,
	TypePortStatus:        true,
	TypeFlowRemoved:       true,
	TypePacketIn:          true,
	TypeQueueGetConfigRequest: true,
	TypeQueueGetConfigReply:   true,
}

// MultipartFlags carries just the MORE bit needed by the reassembler and by
// the role check below; the element-type-specific body is the flow/group/
// meter tables' concern.
type MultipartFlags uint16

const (
	MultipartFlagMore MultipartFlags = 1 << 0
)

// MultipartType is the ofp_multipart_type field.
type MultipartType uint16

const (
	MultipartTypeDesc MultipartType = iota
	MultipartTypeFlow
	MultipartTypeAggregate
	MultipartTypeTable
	MultipartTypePortStats
	MultipartTypeQueue
	MultipartTypeGroup
	MultipartTypeGroupDesc
	MultipartTypeGroupFeatures
	MultipartTypeMeter
	MultipartTypeMeterConfig
	MultipartTypeMeterFeatures
	MultipartTypeTableFeatures
	MultipartTypePortDesc
	MultipartTypeExperimenter MultipartType = 0xffff
)

// writeMultipart is the set of multipart types spec.md §4.3 calls
// "write-adjacent": restricted for Slave when the request body is
// non-empty (a TableFeatures request that attempts to configure tables).
var writeMultipart = map[MultipartType]bool{
	MultipartTypeTableFeatures: true,
}

// IsSlaveRestrictedMultipart reports whether a multipart request of the
// given type, with a body of bodyLen bytes, is restricted to non-Slave
// roles, per spec.md §4.3: "Multipart: write-adjacent types (TableFeatures
// request with a body) are Slave-restricted; pure reads are not."
func IsSlaveRestrictedMultipart(t MultipartType, bodyLen int) bool {
	return writeMultipart[t] && bodyLen > 0
}

// RoleRequestLen is the size of an ofp_role_request/ofp_role_reply body:
// role(4) + pad(4) + generation_id(8).
const RoleRequestLen = 16

// RoleRequest is the decoded body of an OFPT_ROLE_REQUEST or
// OFPT_ROLE_REPLY, per spec.md §4.4.
type RoleRequest struct {
	Role         Role
	GenerationID uint64
}

// DecodeRoleRequest parses an ofp_role_request body. ok is false if body is
// shorter than RoleRequestLen.
func DecodeRoleRequest(body []byte) (r RoleRequest, ok bool) {
	if len(body) < RoleRequestLen {
		return RoleRequest{}, false
	}
	return RoleRequest{
		Role:         Role(binary.BigEndian.Uint32(body[0:4])),
		GenerationID: binary.BigEndian.Uint64(body[8:16]),
	}, true
}

// EncodeRoleReply serializes an ofp_role_reply body.
func EncodeRoleReply(r RoleRequest) []byte {
	body := make([]byte, RoleRequestLen)
	binary.BigEndian.PutUint32(body[0:4], uint32(r.Role))
	binary.BigEndian.PutUint64(body[8:16], r.GenerationID)
	return body
}

// CheckRole implements the role-check table of spec.md §4.3/§8-property-8:
// for message types classified as master-only, a Slave channel is rejected.
// Unknown types are not role-restricted here: they pass this check and
// reach the MessageSink, which rejects types it does not route with
// BAD_TYPE.
func CheckRole(role Role, t Type) bool {
	if role != RoleSlave {
		return true
	}
	if alwaysAllowed[t] {
		return true
	}
	return !stateModifying[t]
}
