package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaot623/paychat/internal/domain"
	"github.com/xiaot623/paychat/internal/logger"
	"github.com/xiaot623/paychat/internal/repository"
)

// historyLimit caps how many prior messages are forwarded to the agent.
const historyLimit = 20

// SendMessage obtains the agent's reply to content and debits one message fee,
// settling immediately when the threshold is reached and AutoSettle is on.
// Preconditions are checked before the agent is called so a session that
// cannot pay never reaches the agent; the debit re-checks them under the lock.
func (s *Service) SendMessage(ctx context.Context, sessionID, payer, content string) (*domain.SendMessageResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrInvalidRequest)
	}

	session, err := s.loadOwned(ctx, sessionID, payer)
	if err != nil {
		return nil, err
	}
	if !session.IsOpen() {
		return nil, domain.ErrSessionNotOpen
	}
	if session.PrepaidBalance < session.MessageFee {
		return nil, fmt.Errorf("%w: balance %d, fee %d", domain.ErrInsufficientBalance, session.PrepaidBalance, session.MessageFee)
	}

	afterSeq := session.MessageCount*2 - historyLimit
	if afterSeq < 0 {
		afterSeq = 0
	}
	history, err := s.store.ListMessages(ctx, sessionID, historyLimit, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	replyCtx := ctx
	if s.config.AgentTimeout > 0 {
		var cancel context.CancelFunc
		replyCtx, cancel = context.WithTimeout(ctx, s.config.AgentTimeout)
		defer cancel()
	}
	reply, err := s.responder.Reply(replyCtx, session.EndpointType, session.EndpointURL, &domain.AgentReplyRequest{
		AgentID:   session.AgentID,
		SessionID: session.SessionID,
		Input:     content,
		Messages:  history,
	})
	if err != nil {
		return nil, err
	}

	ledgerCtx, cancel := detached(ctx)
	defer cancel()
	unlock := s.locks.Lock(sessionID)
	res, err := s.store.Debit(ledgerCtx, repository.DebitInput{
		SessionID:        sessionID,
		Payer:            payer,
		UserMessage:      content,
		AssistantMessage: reply,
	})
	unlock()
	if err != nil {
		return nil, err
	}
	s.metrics.debited(res.Session.MessageFee)

	logger.Ctx(ctx).Debug().
		Str(logger.FieldSessionID, sessionID).
		Int64(logger.FieldAmount, res.Session.MessageFee).
		Int64("unsettled", res.Session.UnsettledBalance).
		Bool("should_settle", res.ShouldSettle).
		Msg("message debited")

	result := &domain.SendMessageResult{
		Session:      res.Session,
		Messages:     res.Messages,
		ShouldSettle: res.ShouldSettle,
	}
	if res.ShouldSettle && s.config.AutoSettle {
		settlement, err := s.Settle(ctx, sessionID, payer)
		if err != nil {
			// The debit is committed; the sweeper retries the settlement.
			logger.Ctx(ctx).Warn().Err(err).Str(logger.FieldSessionID, sessionID).Msg("auto-settle failed")
		} else {
			result.Settlement = settlement
			result.Session = settlement.Session
		}
	}
	return result, nil
}

// ListMessages returns a page of a session's messages in order.
func (s *Service) ListMessages(ctx context.Context, sessionID string, limit int, afterSeq int64) ([]domain.ChatMessage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, sessionID, limit, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if messages == nil {
		messages = []domain.ChatMessage{}
	}
	return messages, nil
}
