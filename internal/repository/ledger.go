package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/paychat/internal/domain"
)

// The only statements that touch agent_chat_earnings.earned / settled.
const (
	earningsAccrueSQL = `INSERT INTO agent_chat_earnings (agent_id, recipient, earned, settled, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (agent_id, recipient) DO UPDATE SET
			earned = agent_chat_earnings.earned + excluded.earned,
			updated_at = excluded.updated_at`

	// settled = min(earned, settled + delta)
	earningsSettleSQL = `UPDATE agent_chat_earnings SET
			settled = CASE WHEN settled + ? > earned THEN earned ELSE settled + ? END,
			updated_at = ?
		WHERE agent_id = ? AND recipient = ?`

	// settled = max(0, settled - delta)
	earningsRollbackSQL = `UPDATE agent_chat_earnings SET
			settled = CASE WHEN settled < ? THEN 0 ELSE settled - ? END,
			updated_at = ?
		WHERE agent_id = ? AND recipient = ?`
)

// lockSession loads the session row inside tx, holding its write lock, and
// checks that payer owns it.
func (s *SQLStore) lockSession(ctx context.Context, tx *sql.Tx, sessionID, payer string) (*domain.ChatSession, error) {
	row := tx.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM chat_sessions WHERE session_id = ?`+s.dialect.forUpdate), sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !session.OwnedBy(payer) {
		return nil, domain.ErrPayerMismatch
	}
	return session, nil
}

// Debit charges one message fee for a user/assistant exchange.
func (s *SQLStore) Debit(ctx context.Context, in DebitInput) (*DebitResult, error) {
	var result *DebitResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := s.lockSession(ctx, tx, in.SessionID, in.Payer)
		if err != nil {
			return err
		}
		if !session.IsOpen() {
			return domain.ErrSessionNotOpen
		}
		fee := session.MessageFee
		if session.PrepaidBalance < fee {
			return fmt.Errorf("%w: balance %d, fee %d", domain.ErrInsufficientBalance, session.PrepaidBalance, fee)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, s.q(`UPDATE chat_sessions SET
				prepaid_balance = prepaid_balance - ?,
				unsettled_balance = unsettled_balance + ?,
				message_count = message_count + 1,
				updated_at = ?
			WHERE session_id = ? AND prepaid_balance >= ?`),
			fee, fee, now, session.SessionID, fee)
		if err != nil {
			return fmt.Errorf("debit session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n != 1 {
			return domain.ErrInsufficientBalance
		}

		base := session.MessageCount * 2
		messages := []domain.ChatMessage{
			{
				MessageID: "msg_" + uuid.NewString(),
				SessionID: session.SessionID,
				Seq:       base + 1,
				Role:      domain.MessageRoleUser,
				Content:   in.UserMessage,
				Fee:       0,
				CreatedAt: now,
			},
			{
				MessageID: "msg_" + uuid.NewString(),
				SessionID: session.SessionID,
				Seq:       base + 2,
				Role:      domain.MessageRoleAssistant,
				Content:   in.AssistantMessage,
				Fee:       fee,
				CreatedAt: now,
			},
		}
		for _, msg := range messages {
			if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO chat_messages (message_id, session_id, seq, role, content, fee, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`),
				msg.MessageID, msg.SessionID, msg.Seq, string(msg.Role), msg.Content, msg.Fee, msg.CreatedAt); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, s.q(earningsAccrueSQL), session.AgentID, session.AgentRecipient, fee, now); err != nil {
			return fmt.Errorf("accrue earnings: %w", err)
		}

		session.PrepaidBalance -= fee
		session.UnsettledBalance += fee
		session.MessageCount++
		session.UpdatedAt = now
		result = &DebitResult{
			Session:      session,
			Messages:     messages,
			ShouldSettle: session.NeedsSettlement(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Settle moves all unsettled usage into the settled total. It is optimistic:
// callers must RollbackSettlement with the returned amount if the channel push fails.
func (s *SQLStore) Settle(ctx context.Context, sessionID, payer string) (*SettleResult, error) {
	var result *SettleResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := s.lockSession(ctx, tx, sessionID, payer)
		if err != nil {
			return err
		}
		amount := session.UnsettledBalance
		if amount <= 0 {
			result = &SettleResult{Session: session}
			return nil
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE chat_sessions SET
				total_settled = total_settled + ?,
				unsettled_balance = unsettled_balance - ?,
				last_settled_at = ?,
				updated_at = ?
			WHERE session_id = ?`),
			amount, amount, now, now, session.SessionID); err != nil {
			return fmt.Errorf("settle session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(earningsSettleSQL), amount, amount, now, session.AgentID, session.AgentRecipient); err != nil {
			return fmt.Errorf("settle earnings: %w", err)
		}

		session.TotalSettled += amount
		session.UnsettledBalance = 0
		session.LastSettledAt = &now
		session.UpdatedAt = now
		result = &SettleResult{Session: session, SettledAmount: amount}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RollbackSettlement returns up to amount from the settled total back to
// unsettled, never taking more than was settled.
func (s *SQLStore) RollbackSettlement(ctx context.Context, sessionID, payer string, amount int64) (*RollbackResult, error) {
	var result *RollbackResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := s.lockSession(ctx, tx, sessionID, payer)
		if err != nil {
			return err
		}
		restored := amount
		if restored > session.TotalSettled {
			restored = session.TotalSettled
		}
		if restored <= 0 {
			result = &RollbackResult{Session: session}
			return nil
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE chat_sessions SET
				total_settled = total_settled - ?,
				unsettled_balance = unsettled_balance + ?,
				updated_at = ?
			WHERE session_id = ?`),
			restored, restored, now, session.SessionID); err != nil {
			return fmt.Errorf("rollback session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(earningsRollbackSQL), restored, restored, now, session.AgentID, session.AgentRecipient); err != nil {
			return fmt.Errorf("rollback earnings: %w", err)
		}

		session.TotalSettled -= restored
		session.UnsettledBalance += restored
		session.UpdatedAt = now
		result = &RollbackResult{Session: session, RestoredAmount: restored}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CloseSession transitions an open, fully settled session to closed. Closing a
// closed session returns it unchanged.
func (s *SQLStore) CloseSession(ctx context.Context, sessionID, payer string) (*domain.ChatSession, error) {
	var result *domain.ChatSession
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := s.lockSession(ctx, tx, sessionID, payer)
		if err != nil {
			return err
		}
		if !session.IsOpen() {
			result = session
			return nil
		}
		if session.UnsettledBalance > 0 {
			return fmt.Errorf("%w: %d unsettled", domain.ErrHasUnsettledUsage, session.UnsettledBalance)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE chat_sessions SET status = ?, closed_at = ?, updated_at = ?
			WHERE session_id = ? AND unsettled_balance = 0`),
			string(domain.SessionStatusClosed), now, now, session.SessionID); err != nil {
			return fmt.Errorf("close session: %w", err)
		}

		session.Status = domain.SessionStatusClosed
		session.ClosedAt = &now
		session.UpdatedAt = now
		result = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
