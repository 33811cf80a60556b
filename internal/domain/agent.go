package domain

import "time"

// Agent is an optional registry entry that pins pricing and payout for an agent.
type Agent struct {
	AgentID         string    `json:"agent_id"`
	Name            string    `json:"name"`
	PayoutAddress   string    `json:"payout_address"`
	EndpointType    string    `json:"endpoint_type"`
	EndpointURL     string    `json:"endpoint_url"`
	MessageFee      int64     `json:"message_fee"`
	SettleThreshold int64     `json:"settle_threshold"`
	CreatedAt       time.Time `json:"created_at"`
}

// Endpoint types understood by the agent responder.
const (
	EndpointTypeHTTP = "http"
	EndpointTypeEcho = "echo"
)
