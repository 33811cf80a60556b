package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/xiaot623/paychat/internal/domain"
)

// RegisterAgent creates or updates an agent. An existing agent keeps its payout
// address; a different one yields domain.ErrAgentPayoutLocked.
func (s *SQLStore) RegisterAgent(ctx context.Context, agent *domain.Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	agent.PayoutAddress = domain.NormalizeAddress(agent.PayoutAddress)
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO agents (agent_id, name, payout_address, endpoint_type, endpoint_url, message_fee, settle_threshold, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			name = excluded.name,
			payout_address = excluded.payout_address,
			endpoint_type = excluded.endpoint_type,
			endpoint_url = excluded.endpoint_url,
			message_fee = excluded.message_fee,
			settle_threshold = excluded.settle_threshold
		WHERE agents.payout_address = excluded.payout_address
	`), agent.AgentID, agent.Name, agent.PayoutAddress, agent.EndpointType, agent.EndpointURL,
		agent.MessageFee, agent.SettleThreshold, agent.CreatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrAgentPayoutLocked
	}
	return nil
}

// GetAgent retrieves an agent by ID. It returns nil, nil when missing.
func (s *SQLStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	var agent domain.Agent
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT agent_id, name, payout_address, endpoint_type, endpoint_url, message_fee, settle_threshold, created_at
		FROM agents WHERE agent_id = ?
	`), agentID).Scan(&agent.AgentID, &agent.Name, &agent.PayoutAddress, &agent.EndpointType,
		&agent.EndpointURL, &agent.MessageFee, &agent.SettleThreshold, &agent.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents returns all registered agents.
func (s *SQLStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, name, payout_address, endpoint_type, endpoint_url, message_fee, settle_threshold, created_at
		FROM agents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var agent domain.Agent
		if err := rows.Scan(&agent.AgentID, &agent.Name, &agent.PayoutAddress, &agent.EndpointType,
			&agent.EndpointURL, &agent.MessageFee, &agent.SettleThreshold, &agent.CreatedAt); err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}
