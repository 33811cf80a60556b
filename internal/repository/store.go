// Package repository persists chat sessions, messages and agent earnings, and
// implements the ledger transactions that mutate them.
package repository

import (
	"context"

	"github.com/xiaot623/paychat/internal/domain"
)

// Store defines the interface for ledger persistence.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.ChatSession) error
	GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error)
	ListSessionsToSettle(ctx context.Context, limit int) ([]domain.ChatSession, error)

	// Message operations
	ListMessages(ctx context.Context, sessionID string, limit int, afterSeq int64) ([]domain.ChatMessage, error)

	// Ledger operations. Each runs in one transaction holding the session's write lock.
	Debit(ctx context.Context, in DebitInput) (*DebitResult, error)
	Settle(ctx context.Context, sessionID, payer string) (*SettleResult, error)
	RollbackSettlement(ctx context.Context, sessionID, payer string, amount int64) (*RollbackResult, error)
	CloseSession(ctx context.Context, sessionID, payer string) (*domain.ChatSession, error)

	// Channel mirror operations
	AttachChannel(ctx context.Context, sessionID string, channel domain.ChannelState) (*domain.ChatSession, error)
	RecordChannelVersion(ctx context.Context, sessionID string, version uint64, status domain.ChannelStatus) error
	RecordChannelError(ctx context.Context, sessionID string, status domain.ChannelStatus, message string) error

	// Earnings operations
	GetEarnings(ctx context.Context, agentID, recipient string) (*domain.AgentEarnings, error)

	// Agent operations
	RegisterAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)

	// Lifecycle
	Close() error
}

// DebitInput describes one metered exchange.
type DebitInput struct {
	SessionID        string
	Payer            string
	UserMessage      string
	AssistantMessage string
}

// DebitResult is the ledger state after a debit.
type DebitResult struct {
	Session      *domain.ChatSession
	Messages     []domain.ChatMessage
	ShouldSettle bool
}

// SettleResult is the ledger state after moving unsettled usage into settled.
type SettleResult struct {
	Session       *domain.ChatSession
	SettledAmount int64
}

// RollbackResult is the ledger state after undoing a settlement.
type RollbackResult struct {
	Session        *domain.ChatSession
	RestoredAmount int64
}
