package protocol

// WebSocket close codes used when a connection is refused admission.
// The 4000-4999 range is reserved for application use.
const (
	CloseUnauthenticated = 4001
	CloseMalformedTarget = 4002
	CloseSelfChat        = 4003
	CloseTargetNotFound  = 4004
	CloseNotAParticipant = 4005
	CloseInternalFailure = 1011
)

// CloseReason returns the short reason string sent alongside a close code
func CloseReason(code int) string {
	switch code {
	case CloseUnauthenticated:
		return "unauthenticated"
	case CloseMalformedTarget:
		return "malformed target"
	case CloseSelfChat:
		return "self chat"
	case CloseTargetNotFound:
		return "target not found"
	case CloseNotAParticipant:
		return "not a participant"
	case CloseInternalFailure:
		return "internal error"
	default:
		return ""
	}
}
