// Package domain defines the core domain models for the metered chat ledger.
package domain

// SessionStatus represents the lifecycle state of a chat session.
type SessionStatus string

const (
	SessionStatusOpen   SessionStatus = "open"
	SessionStatusClosed SessionStatus = "closed"
)

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// ChannelStatus mirrors the last known state of the external application session.
type ChannelStatus string

const (
	ChannelStatusNone    ChannelStatus = ""
	ChannelStatusOpen    ChannelStatus = "open"
	ChannelStatusClosed  ChannelStatus = "closed"
	ChannelStatusFailed  ChannelStatus = "failed"
	ChannelStatusSkipped ChannelStatus = "skipped"
)

// SignatureKind selects how a session authorization was signed.
type SignatureKind string

const (
	// SignatureKindPersonal is an EIP-191 personal_sign over the canonical message.
	SignatureKindPersonal SignatureKind = "personal_sign"
	// SignatureKindTypedData is an EIP-712 typed-data signature over the same fields.
	SignatureKindTypedData SignatureKind = "eip712"
)

// SettlementOutcome describes how a settlement attempt ended.
type SettlementOutcome string

const (
	// SettlementOutcomeSettled means the ledger settled and the channel accepted the update.
	SettlementOutcomeSettled SettlementOutcome = "settled"
	// SettlementOutcomeLocalOnly means the ledger settled but no channel bridge is configured.
	SettlementOutcomeLocalOnly SettlementOutcome = "settled_local_only"
	// SettlementOutcomeNothingToSettle means there was no unsettled usage.
	SettlementOutcomeNothingToSettle SettlementOutcome = "nothing_to_settle"
	// SettlementOutcomeRolledBack means the channel push failed and the ledger was restored.
	SettlementOutcomeRolledBack SettlementOutcome = "rolled_back"
)
