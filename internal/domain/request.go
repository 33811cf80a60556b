package domain

// OpenSessionRequest is the payer's request to open a metered session.
type OpenSessionRequest struct {
	AgentID        string                      `json:"agent_id"`
	Payer          string                      `json:"payer"`
	AgentRecipient string                      `json:"agent_recipient"`
	EndpointType   string                      `json:"endpoint_type"`
	EndpointURL    string                      `json:"endpoint_url"`
	PrepayAmount   int64                       `json:"prepay_amount"`
	AuthPayload    SessionAuthorizationPayload `json:"auth_payload"`
	Signature      Signature                   `json:"signature"`
}

// SendMessageRequest carries one user message for a session.
type SendMessageRequest struct {
	Payer   string `json:"payer"`
	Content string `json:"content"`
}

// SendMessageResult is returned after a successful debit.
type SendMessageResult struct {
	Session      *ChatSession      `json:"session"`
	Messages     []ChatMessage     `json:"messages"`
	ShouldSettle bool              `json:"should_settle"`
	Settlement   *SettlementResult `json:"settlement,omitempty"`
}

// PayerRequest identifies the caller for settle and close.
type PayerRequest struct {
	Payer string `json:"payer"`
}

// SettlementResult reports a settlement attempt. OK is false only when the
// channel push failed and the ledger was rolled back.
type SettlementResult struct {
	Session        *ChatSession      `json:"session"`
	Outcome        SettlementOutcome `json:"outcome"`
	SettledAmount  int64             `json:"settled_amount"`
	RestoredAmount int64             `json:"restored_amount,omitempty"`
	ChannelVersion uint64            `json:"channel_version,omitempty"`
	OK             bool              `json:"ok"`
	Error          string            `json:"error,omitempty"`
}

// AgentRegisterRequest registers pricing and payout for an agent.
type AgentRegisterRequest struct {
	AgentID         string `json:"agent_id"`
	Name            string `json:"name"`
	PayoutAddress   string `json:"payout_address"`
	EndpointType    string `json:"endpoint_type"`
	EndpointURL     string `json:"endpoint_url"`
	MessageFee      int64  `json:"message_fee,omitempty"`
	SettleThreshold int64  `json:"settle_threshold,omitempty"`
}

// AgentReplyRequest is sent to an HTTP agent endpoint.
type AgentReplyRequest struct {
	AgentID   string        `json:"agent_id"`
	SessionID string        `json:"session_id"`
	Input     string        `json:"input"`
	Messages  []ChatMessage `json:"messages,omitempty"`
}

// DeltaEventData is the payload of an agent "delta" SSE event.
type DeltaEventData struct {
	Text string `json:"text"`
}

// DoneEventData is the payload of an agent "done" SSE event.
type DoneEventData struct {
	FinalMessage string `json:"final_message"`
}

// ErrorEventData is the payload of an agent "error" SSE event.
type ErrorEventData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
