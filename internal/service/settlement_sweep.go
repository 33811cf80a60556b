package service

import (
	"context"
	"time"

	"github.com/xiaot623/paychat/internal/logger"
)

// RunSettlementSweeper retries settlement for open sessions whose unsettled
// usage reached the threshold, typically after a failed channel push. It
// returns when ctx is done or when interval is not positive.
func (s *Service) RunSettlementSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepSettlements(ctx)
		}
	}
}

func (s *Service) sweepSettlements(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	due, err := s.store.ListSessionsToSettle(listCtx, 100)
	if err != nil {
		logger.L().Warn().Err(err).Msg("settlement sweep failed")
		return
	}

	for _, session := range due {
		if ctx.Err() != nil {
			return
		}
		res, err := s.Settle(ctx, session.SessionID, session.Payer)
		if err != nil {
			logger.L().Warn().Err(err).Str(logger.FieldSessionID, session.SessionID).Msg("sweep settlement failed")
			continue
		}
		if !res.OK {
			logger.L().Warn().Str(logger.FieldSessionID, session.SessionID).Str("error", res.Error).Msg("sweep settlement rolled back")
		}
	}
}
