package domain

// SessionAuthVersion is the scheme tag every authorization payload must carry.
const SessionAuthVersion = "paychat-session-auth/v1"

// SessionAuthorizationPayload is a short-lived, single-use claim that a payer
// consents to open a session with an agent endpoint. Times are epoch millis.
type SessionAuthorizationPayload struct {
	Version      string `json:"version"`
	AgentID      string `json:"agent_id"`
	Payer        string `json:"payer"`
	EndpointType string `json:"endpoint_type"`
	EndpointURL  string `json:"endpoint_url"`
	ChainID      int64  `json:"chain_id"`
	IssuedAt     int64  `json:"issued_at"`
	ExpiresAt    int64  `json:"expires_at"`
	Nonce        string `json:"nonce"`
}

// Signature is a hex-encoded 65-byte secp256k1 signature tagged with its scheme.
type Signature struct {
	Kind  SignatureKind `json:"kind"`
	Value string        `json:"value"`
}
