package domain

import (
	"strings"
	"time"
)

// ChatSession is one metered relationship between a payer wallet and an agent endpoint.
// Amounts are integer micro-units of the settlement asset.
type ChatSession struct {
	SessionID      string        `json:"session_id"`
	AgentID        string        `json:"agent_id"`
	Payer          string        `json:"payer"`
	AgentRecipient string        `json:"agent_recipient"`
	EndpointType   string        `json:"endpoint_type"`
	EndpointURL    string        `json:"endpoint_url"`
	AuthNonce      string        `json:"-"`
	Status         SessionStatus `json:"status"`

	MessageFee       int64 `json:"message_fee"`
	SettleThreshold  int64 `json:"settle_threshold"`
	PrepaidBalance   int64 `json:"prepaid_balance"`
	UnsettledBalance int64 `json:"unsettled_balance"`
	TotalSettled     int64 `json:"total_settled"`
	MessageCount     int64 `json:"message_count"`

	Channel ChannelState `json:"channel"`

	LastSettledAt *time.Time `json:"last_settled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

// ChannelState is the local mirror of the external application session.
type ChannelState struct {
	AppSessionID string        `json:"app_session_id,omitempty"`
	Asset        string        `json:"asset,omitempty"`
	Version      uint64        `json:"version"`
	Status       ChannelStatus `json:"status,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// IsOpen reports whether the session accepts messages.
func (s *ChatSession) IsOpen() bool {
	return s.Status == SessionStatusOpen
}

// OwnedBy reports whether payer owns the session (case-insensitive address compare).
func (s *ChatSession) OwnedBy(payer string) bool {
	return strings.EqualFold(strings.TrimSpace(payer), s.Payer)
}

// NeedsSettlement reports whether unsettled usage has reached the threshold.
func (s *ChatSession) NeedsSettlement() bool {
	return s.UnsettledBalance >= s.SettleThreshold
}

// ChatMessage is one side of a user/assistant exchange. Append-only.
type ChatMessage struct {
	MessageID string      `json:"message_id"`
	SessionID string      `json:"session_id"`
	Seq       int64       `json:"seq"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Fee       int64       `json:"fee"`
	CreatedAt time.Time   `json:"created_at"`
}

// NormalizeAddress lower-cases and trims a hex address for storage and comparison.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
