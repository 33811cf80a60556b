package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/paychat/internal/adapter/clearnode"
	"github.com/xiaot623/paychat/internal/domain"
	"github.com/xiaot623/paychat/internal/logger"
)

// Settle moves a session's unsettled usage into its settled total and mirrors
// it into the channel network. A failed channel push is compensated by
// restoring the amount to unsettled; that case is reported in the result with
// OK false and a nil error.
//
// The application session is created before the session lock is taken, so a
// slow Init never holds up debits.
func (s *Service) Settle(ctx context.Context, sessionID, payer string) (*domain.SettlementResult, error) {
	session, err := s.loadOwned(ctx, sessionID, payer)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := detached(ctx)
	defer cancel()

	var result *domain.SettlementResult
	if s.bridge.Enabled() && session.UnsettledBalance > 0 {
		if _, initErr := s.ensureChannel(opCtx, session); initErr != nil {
			result, err = s.channelInitFailed(opCtx, sessionID, initErr)
		}
	}
	if result == nil && err == nil {
		unlock := s.locks.Lock(sessionID)
		result, err = s.settleLocked(opCtx, sessionID, payer)
		unlock()
	}
	if err != nil {
		return nil, err
	}
	s.metrics.settled(result)
	return result, nil
}

// channelInitFailed reports a settlement that never started because the
// application session could not be created. The ledger is untouched.
func (s *Service) channelInitFailed(ctx context.Context, sessionID string, initErr error) (*domain.SettlementResult, error) {
	log := logger.Ctx(ctx).With().Str(logger.FieldSessionID, sessionID).Logger()
	log.Warn().Err(initErr).Msg("channel init failed, settlement skipped")
	if err := s.store.RecordChannelError(ctx, sessionID, domain.ChannelStatusFailed, initErr.Error()); err != nil {
		log.Error().Err(err).Msg("failed to record channel error")
	}
	current, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &domain.SettlementResult{
		Session: current,
		Outcome: domain.SettlementOutcomeRolledBack,
		Error:   initErr.Error(),
	}, nil
}

func (s *Service) settleLocked(ctx context.Context, sessionID, payer string) (*domain.SettlementResult, error) {
	log := logger.Ctx(ctx).With().Str(logger.FieldSessionID, sessionID).Logger()

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UnsettledBalance <= 0 {
		return nothingToSettle(session), nil
	}

	// Usage debited after the unlocked check may still find no channel.
	if s.bridge.Enabled() && session.Channel.AppSessionID == "" {
		session, err = s.ensureChannel(ctx, session)
		if err != nil {
			return s.channelInitFailed(ctx, sessionID, err)
		}
	}

	settled, err := s.store.Settle(ctx, sessionID, payer)
	if err != nil {
		return nil, err
	}
	amount := settled.SettledAmount
	if amount == 0 {
		return nothingToSettle(settled.Session), nil
	}

	if !s.bridge.Enabled() {
		log.Info().Int64(logger.FieldAmount, amount).Msg("settled locally, channel bridge not configured")
		return &domain.SettlementResult{
			Session:       settled.Session,
			Outcome:       domain.SettlementOutcomeLocalOnly,
			SettledAmount: amount,
			OK:            true,
		}, nil
	}

	channel := session.Channel
	start := time.Now()
	sub := s.bridge.SubmitUsage(ctx, clearnode.SubmitUsageRequest{
		SessionID:    sessionID,
		AppSessionID: channel.AppSessionID,
		Recipient:    session.AgentRecipient,
		Asset:        channel.Asset,
		Version:      channel.Version,
		Delta:        amount,
		TotalSettled: settled.Session.TotalSettled,
		Resync:       channel.Status == domain.ChannelStatusFailed,
	})
	s.metrics.bridgeCall("submit_usage", start, sub.OK)

	if sub.OK {
		if err := s.store.RecordChannelVersion(ctx, sessionID, sub.Version, domain.ChannelStatusOpen); err != nil {
			log.Error().Err(err).Uint64(logger.FieldVersion, sub.Version).Msg("failed to record channel version")
		}
		current := settled.Session
		current.Channel.Version = sub.Version
		current.Channel.Status = domain.ChannelStatusOpen
		current.Channel.Error = ""
		log.Info().Int64(logger.FieldAmount, amount).Uint64(logger.FieldVersion, sub.Version).Msg("usage settled")
		return &domain.SettlementResult{
			Session:        current,
			Outcome:        domain.SettlementOutcomeSettled,
			SettledAmount:  amount,
			ChannelVersion: sub.Version,
			OK:             true,
		}, nil
	}

	rb, err := s.store.RollbackSettlement(ctx, sessionID, payer, amount)
	if err != nil {
		log.Error().Err(err).Int64(logger.FieldAmount, amount).Msg("rollback after channel failure failed")
		return nil, fmt.Errorf("rollback settlement: %w", err)
	}
	if sub.Version > channel.Version {
		if err := s.store.RecordChannelVersion(ctx, sessionID, sub.Version, domain.ChannelStatusOpen); err != nil {
			log.Error().Err(err).Msg("failed to record partial channel version")
		}
	}
	if err := s.store.RecordChannelError(ctx, sessionID, domain.ChannelStatusFailed, sub.Error); err != nil {
		log.Error().Err(err).Msg("failed to record channel error")
	}
	log.Warn().Str("error", sub.Error).Int64(logger.FieldAmount, rb.RestoredAmount).Msg("channel push failed, settlement rolled back")

	current, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &domain.SettlementResult{
		Session:        current,
		Outcome:        domain.SettlementOutcomeRolledBack,
		RestoredAmount: rb.RestoredAmount,
		ChannelVersion: current.Channel.Version,
		Error:          sub.Error,
	}, nil
}

// ensureChannel returns session with an application session attached,
// creating one on first use. It runs without the session lock; concurrent
// callers for one session share a single Init.
func (s *Service) ensureChannel(ctx context.Context, session *domain.ChatSession) (*domain.ChatSession, error) {
	if session.Channel.AppSessionID != "" {
		return session, nil
	}
	v, err, _ := s.inits.Do(session.SessionID, func() (interface{}, error) {
		// A caller that read the session before the previous flight attached
		// the channel must not create a second one.
		current, err := s.GetSession(ctx, session.SessionID)
		if err != nil {
			return nil, err
		}
		if current.Channel.AppSessionID != "" {
			return current, nil
		}
		start := time.Now()
		res := s.bridge.Init(ctx, clearnode.InitRequest{
			SessionID: session.SessionID,
			Recipient: session.AgentRecipient,
			Asset:     session.Channel.Asset,
		})
		s.metrics.bridgeCall("init", start, res.OK)
		if !res.OK {
			return nil, errors.New(res.Error)
		}
		return s.store.AttachChannel(ctx, session.SessionID, domain.ChannelState{
			AppSessionID: res.AppSessionID,
			Asset:        res.Asset,
			Version:      res.Version,
			Status:       domain.ChannelStatusOpen,
		})
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.ChatSession), nil
}

// CloseSession closes a fully settled session, then closes its application
// session on a best-effort basis.
func (s *Service) CloseSession(ctx context.Context, sessionID, payer string) (*domain.ChatSession, error) {
	if _, err := s.loadOwned(ctx, sessionID, payer); err != nil {
		return nil, err
	}

	opCtx, cancel := detached(ctx)
	defer cancel()
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	session, err := s.store.CloseSession(opCtx, sessionID, payer)
	if err != nil {
		return nil, err
	}

	channel := session.Channel
	if !s.bridge.Enabled() || channel.AppSessionID == "" || channel.Status == domain.ChannelStatusClosed {
		return session, nil
	}

	log := logger.Ctx(ctx).With().Str(logger.FieldSessionID, sessionID).Str(logger.FieldAppID, channel.AppSessionID).Logger()
	start := time.Now()
	res := s.bridge.Close(opCtx, clearnode.CloseRequest{
		SessionID:    sessionID,
		AppSessionID: channel.AppSessionID,
		Recipient:    session.AgentRecipient,
		Asset:        channel.Asset,
		Version:      channel.Version,
	})
	s.metrics.bridgeCall("close", start, res.OK)

	if res.OK {
		if err := s.store.RecordChannelVersion(opCtx, sessionID, res.Version, domain.ChannelStatusClosed); err != nil {
			log.Error().Err(err).Msg("failed to record channel close")
		}
	} else {
		log.Warn().Str("error", res.Error).Msg("application session close failed")
		if err := s.store.RecordChannelError(opCtx, sessionID, domain.ChannelStatusFailed, res.Error); err != nil {
			log.Error().Err(err).Msg("failed to record channel error")
		}
	}
	return s.GetSession(opCtx, sessionID)
}

func nothingToSettle(session *domain.ChatSession) *domain.SettlementResult {
	return &domain.SettlementResult{
		Session:        session,
		Outcome:        domain.SettlementOutcomeNothingToSettle,
		ChannelVersion: session.Channel.Version,
		OK:             true,
	}
}
