package domain

import "errors"

// Ledger and request errors. All are fatal to the single request and leave the
// session untouched.
var (
	ErrAuthorizationInvalid = errors.New("authorization invalid")
	ErrSessionNotFound      = errors.New("session not found")
	ErrPayerMismatch        = errors.New("payer does not own session")
	ErrSessionNotOpen       = errors.New("session is not open")
	ErrInsufficientBalance  = errors.New("insufficient prepaid balance")
	ErrHasUnsettledUsage    = errors.New("session has unsettled usage")
	ErrPolicyDenied         = errors.New("denied by session policy")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrAgentNotFound        = errors.New("agent not found")
	ErrAgentPayoutLocked    = errors.New("agent payout address cannot change")
	ErrAgentFailed          = errors.New("agent reply failed")
)

// Channel bridge errors.
var (
	ErrBridgeUnconfigured = errors.New("channel bridge not configured")
	ErrUnsupportedAsset   = errors.New("channel asset unsupported")
	ErrVersionConflict    = errors.New("channel version conflict")
	ErrBridgeTransport    = errors.New("channel transport error")
	ErrBridgeTimeout      = errors.New("channel request timed out")
	ErrBridgeProtocol     = errors.New("channel protocol error")
	ErrBridgeAuth         = errors.New("channel authentication failed")
)

// ErrorCode returns a stable machine-readable code for a domain error.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthorizationInvalid):
		return "authorization_invalid"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrPayerMismatch):
		return "payer_mismatch"
	case errors.Is(err, ErrSessionNotOpen):
		return "session_not_open"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrHasUnsettledUsage):
		return "has_unsettled_usage"
	case errors.Is(err, ErrPolicyDenied):
		return "policy_denied"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrAgentNotFound):
		return "agent_not_found"
	case errors.Is(err, ErrAgentPayoutLocked):
		return "agent_payout_locked"
	case errors.Is(err, ErrAgentFailed):
		return "agent_failed"
	case errors.Is(err, ErrVersionConflict):
		return "bridge_version_conflict"
	case errors.Is(err, ErrUnsupportedAsset):
		return "bridge_unsupported_asset"
	case errors.Is(err, ErrBridgeTimeout):
		return "bridge_timeout"
	case errors.Is(err, ErrBridgeTransport):
		return "bridge_transport_error"
	case errors.Is(err, ErrBridgeAuth):
		return "bridge_auth_failed"
	case errors.Is(err, ErrBridgeProtocol):
		return "bridge_protocol_error"
	case errors.Is(err, ErrBridgeUnconfigured):
		return "bridge_unconfigured"
	default:
		return "internal_error"
	}
}
