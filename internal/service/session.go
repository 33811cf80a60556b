package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/xiaot623/paychat/internal/domain"
	"github.com/xiaot623/paychat/internal/logger"
	"github.com/xiaot623/paychat/policy"
)

// OpenSession verifies the payer's authorization and creates a metered session.
// Request fields left empty are taken from the signed payload; fields that are
// set must agree with it.
func (s *Service) OpenSession(ctx context.Context, req domain.OpenSessionRequest) (*domain.ChatSession, error) {
	p := req.AuthPayload
	agentID := firstNonEmpty(req.AgentID, p.AgentID)
	payer := firstNonEmpty(req.Payer, p.Payer)
	endpointType := strings.ToLower(firstNonEmpty(req.EndpointType, p.EndpointType))
	endpointURL := firstNonEmpty(req.EndpointURL, p.EndpointURL)

	switch {
	case agentID != strings.TrimSpace(p.AgentID):
		return nil, fmt.Errorf("%w: agent_id does not match authorization", domain.ErrAuthorizationInvalid)
	case !strings.EqualFold(payer, strings.TrimSpace(p.Payer)):
		return nil, fmt.Errorf("%w: payer does not match authorization", domain.ErrAuthorizationInvalid)
	case endpointType != strings.ToLower(strings.TrimSpace(p.EndpointType)):
		return nil, fmt.Errorf("%w: endpoint_type does not match authorization", domain.ErrAuthorizationInvalid)
	case endpointURL != strings.TrimSpace(p.EndpointURL):
		return nil, fmt.Errorf("%w: endpoint_url does not match authorization", domain.ErrAuthorizationInvalid)
	}

	if res := s.verifier.Verify(p, req.Signature); !res.OK {
		return nil, fmt.Errorf("%w: %s", domain.ErrAuthorizationInvalid, res.Reason)
	}

	fee := s.config.MessageFee
	threshold := s.config.SettleThreshold
	recipient := domain.NormalizeAddress(req.AgentRecipient)

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if agent != nil {
		if recipient == "" {
			recipient = agent.PayoutAddress
		}
		if recipient != agent.PayoutAddress {
			return nil, fmt.Errorf("%w: agent_recipient must be the registered payout address", domain.ErrInvalidRequest)
		}
		if agent.MessageFee > 0 {
			fee = agent.MessageFee
		}
		if agent.SettleThreshold > 0 {
			threshold = agent.SettleThreshold
		}
	}
	if !common.IsHexAddress(recipient) {
		return nil, fmt.Errorf("%w: agent_recipient must be a hex address", domain.ErrInvalidRequest)
	}
	if threshold < fee {
		threshold = fee
	}

	prepay := req.PrepayAmount
	if prepay == 0 {
		prepay = s.config.DefaultPrepay
	}
	if prepay < 0 {
		return nil, fmt.Errorf("%w: prepay_amount must not be negative", domain.ErrInvalidRequest)
	}

	if s.policyEngine != nil {
		decision, err := s.policyEngine.Evaluate(ctx, policy.SessionInput{
			AgentID:         agentID,
			Payer:           payer,
			AgentRecipient:  recipient,
			EndpointType:    endpointType,
			EndpointURL:     endpointURL,
			PrepayAmount:    prepay,
			MessageFee:      fee,
			SettleThreshold: threshold,
			ChainID:         p.ChainID,
			RegisteredAgent: agent != nil,
		})
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, fmt.Errorf("%w: %s", domain.ErrPolicyDenied, strings.Join(decision.Reasons, "; "))
		}
	}

	session := &domain.ChatSession{
		SessionID:       "cs_" + uuid.NewString(),
		AgentID:         agentID,
		Payer:           payer,
		AgentRecipient:  recipient,
		EndpointType:    endpointType,
		EndpointURL:     endpointURL,
		AuthNonce:       strings.ToLower(strings.TrimSpace(p.Nonce)),
		Status:          domain.SessionStatusOpen,
		MessageFee:      fee,
		SettleThreshold: threshold,
		PrepaidBalance:  prepay,
	}
	if !s.bridge.Enabled() {
		session.Channel.Status = domain.ChannelStatusSkipped
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	s.metrics.sessionOpened()

	logger.Ctx(ctx).Info().
		Str(logger.FieldSessionID, session.SessionID).
		Str(logger.FieldAgentID, agentID).
		Str(logger.FieldPayer, session.Payer).
		Int64(logger.FieldAmount, prepay).
		Msg("session opened")
	return session, nil
}

// GetSession returns a session, or ErrSessionNotFound.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

// loadOwned returns the session when payer owns it.
func (s *Service) loadOwned(ctx context.Context, sessionID, payer string) (*domain.ChatSession, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.OwnedBy(payer) {
		return nil, domain.ErrPayerMismatch
	}
	return session, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
