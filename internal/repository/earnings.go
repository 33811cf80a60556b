package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/xiaot623/paychat/internal/domain"
)

// GetEarnings returns lifetime totals for an (agent, recipient) pair. Unknown
// pairs report zero earned and zero settled.
func (s *SQLStore) GetEarnings(ctx context.Context, agentID, recipient string) (*domain.AgentEarnings, error) {
	recipient = domain.NormalizeAddress(recipient)
	e := &domain.AgentEarnings{AgentID: agentID, Recipient: recipient}
	err := s.db.QueryRowContext(ctx, s.q(`SELECT earned, settled, updated_at FROM agent_chat_earnings
		WHERE agent_id = ? AND recipient = ?`), agentID, recipient).Scan(&e.Earned, &e.Settled, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}
