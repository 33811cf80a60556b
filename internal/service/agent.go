package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xiaot623/paychat/internal/domain"
)

// RegisterAgent creates or updates a registry entry. The payout address is
// fixed once registered.
func (s *Service) RegisterAgent(ctx context.Context, req domain.AgentRegisterRequest) (*domain.Agent, error) {
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", domain.ErrInvalidRequest)
	}
	if !common.IsHexAddress(strings.TrimSpace(req.PayoutAddress)) {
		return nil, fmt.Errorf("%w: payout_address must be a hex address", domain.ErrInvalidRequest)
	}
	if req.MessageFee < 0 || req.SettleThreshold < 0 {
		return nil, fmt.Errorf("%w: pricing must not be negative", domain.ErrInvalidRequest)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = agentID
	}
	agent := &domain.Agent{
		AgentID:         agentID,
		Name:            name,
		PayoutAddress:   domain.NormalizeAddress(req.PayoutAddress),
		EndpointType:    strings.ToLower(strings.TrimSpace(req.EndpointType)),
		EndpointURL:     strings.TrimSpace(req.EndpointURL),
		MessageFee:      req.MessageFee,
		SettleThreshold: req.SettleThreshold,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.RegisterAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}
	return agent, nil
}

func (s *Service) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if agent == nil {
		return nil, domain.ErrAgentNotFound
	}
	return agent, nil
}

func (s *Service) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	if agents == nil {
		agents = []domain.Agent{}
	}
	return agents, nil
}

// GetEarnings returns lifetime totals for an agent and payout address.
// Unknown pairs report zeros.
func (s *Service) GetEarnings(ctx context.Context, agentID, recipient string) (*domain.AgentEarnings, error) {
	if strings.TrimSpace(agentID) == "" || strings.TrimSpace(recipient) == "" {
		return nil, fmt.Errorf("%w: agent_id and recipient are required", domain.ErrInvalidRequest)
	}
	earnings, err := s.store.GetEarnings(ctx, agentID, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to get earnings: %w", err)
	}
	return earnings, nil
}
