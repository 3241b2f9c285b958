package ofp

import "fmt"

// ErrorType is the ofp_error_type field of an OFPT_ERROR message.
type ErrorType uint16

const (
	ErrorTypeHelloFailed    ErrorType = 0
	ErrorTypeBadRequest     ErrorType = 1
	ErrorTypeBadAction      ErrorType = 2
	ErrorTypeFlowModFailed  ErrorType = 3
	ErrorTypeGroupModFailed ErrorType = 6
	ErrorTypeRoleRequest    ErrorType = 11
	ErrorTypeMeterModFailed ErrorType = 12
	ErrorTypeTableFeatures  ErrorType = 13
)

// ErrorCode is the ofp_error_code field, scoped to an ErrorType. Only the
// subset named in spec.md §7 is defined; the flow/group/meter tables own the
// rest of their respective code spaces.
type ErrorCode uint16

const (
	// Within ErrorTypeHelloFailed.
	HelloFailedIncompatible ErrorCode = 0

	// Within ErrorTypeBadRequest.
	BadRequestBadVersion  ErrorCode = 0
	BadRequestBadType     ErrorCode = 1
	BadRequestBadLen      ErrorCode = 6
	BadRequestBufferEmpty ErrorCode = 7
	BadRequestIsSlave     ErrorCode = 12
	BadRequestBadMultipart ErrorCode = 15
	BadRequestMultipartBufferOverflow ErrorCode = 16

	// Within ErrorTypeRoleRequest.
	RoleRequestStale ErrorCode = 0

	// Within ErrorTypeFlowModFailed.
	FlowModFailedBadFlags ErrorCode = 7

	// Within ErrorTypeGroupModFailed.
	GroupModFailedBadType ErrorCode = 1

	// Within ErrorTypeTableFeatures.
	TableFeaturesFailedBadLen ErrorCode = 0
)

// Error is a protocol error as defined in spec.md §7: it maps to an
// ofp_error_type/code pair and is sent to the peer before being logged.
// It carries either the first 64 bytes of the offending request, or (for
// HelloFailed) a textual reason, never both.
type Error struct {
	Type    ErrorType
	Code    ErrorCode
	Request []byte // first <=64 bytes of the offending message, if any
	Reason  string // human text, used for HelloFailed in lieu of Request
}

const maxErrorRequestBytes = 64

// NewRequestError builds a protocol error carrying a truncated copy of the
// offending request, per spec.md §7 ("include the first <=64 bytes").
func NewRequestError(t ErrorType, c ErrorCode, request []byte) *Error {
	n := len(request)
	if n > maxErrorRequestBytes {
		n = maxErrorRequestBytes
	}
	cp := make([]byte, n)
	copy(cp, request[:n])
	return &Error{Type: t, Code: c, Request: cp}
}

// NewReasonError builds a HelloFailed-style protocol error carrying a
// textual reason instead of a request payload.
func NewReasonError(t ErrorType, c ErrorCode, reason string) *Error {
	return &Error{Type: t, Code: c, Reason: reason}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.TypeCodeString(), e.Reason)
}

// TypeCodeString renders a human-readable type/code string for logging, per
// spec.md §4.3 ("Error logging includes a human-readable type/code string").
func (e *Error) TypeCodeString() string {
	return fmt.Sprintf("%s/%s", errorTypeString(e.Type), errorCodeString(e.Type, e.Code))
}

func errorTypeString(t ErrorType) string {
	switch t {
	case ErrorTypeHelloFailed:
		return "OFPET_HELLO_FAILED"
	case ErrorTypeBadRequest:
		return "OFPET_BAD_REQUEST"
	case ErrorTypeBadAction:
		return "OFPET_BAD_ACTION"
	case ErrorTypeFlowModFailed:
		return "OFPET_FLOW_MOD_FAILED"
	case ErrorTypeGroupModFailed:
		return "OFPET_GROUP_MOD_FAILED"
	case ErrorTypeRoleRequest:
		return "OFPET_ROLE_REQUEST_FAILED"
	case ErrorTypeMeterModFailed:
		return "OFPET_METER_MOD_FAILED"
	case ErrorTypeTableFeatures:
		return "OFPET_TABLE_FEATURES_FAILED"
	default:
		return fmt.Sprintf("OFPET_UNKNOWN(%d)", uint16(t))
	}
}

func errorCodeString(t ErrorType, c ErrorCode) string {
	switch t {
	case ErrorTypeHelloFailed:
		if c == HelloFailedIncompatible {
			return "OFPHFC_INCOMPATIBLE"
		}
	case ErrorTypeBadRequest:
		switch c {
		case BadRequestBadVersion:
			return "OFPBRC_BAD_VERSION"
		case BadRequestBadType:
			return "OFPBRC_BAD_TYPE"
		case BadRequestBadLen:
			return "OFPBRC_BAD_LEN"
		case BadRequestIsSlave:
			return "OFPBRC_IS_SLAVE"
		case BadRequestBadMultipart:
			return "OFPBRC_BAD_MULTIPART"
		case BadRequestMultipartBufferOverflow:
			return "OFPBRC_MULTIPART_BUFFER_OVERFLOW"
		}
	case ErrorTypeRoleRequest:
		if c == RoleRequestStale {
			return "OFPRRFC_STALE"
		}
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint16(c))
}
