package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/paychat/internal/domain"
)

const sessionColumns = `session_id, agent_id, payer, agent_recipient, endpoint_type, endpoint_url, auth_nonce, status,
	message_fee, settle_threshold, prepaid_balance, unsettled_balance, total_settled, message_count,
	channel_app_session_id, channel_asset, channel_version, channel_status, channel_error,
	last_settled_at, created_at, updated_at, closed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.ChatSession, error) {
	var (
		session                 domain.ChatSession
		status, channelStatus   string
		authNonce, appSessionID sql.NullString
		channelError            sql.NullString
		channelVersion          int64
		lastSettledAt, closedAt sql.NullTime
	)
	err := row.Scan(
		&session.SessionID, &session.AgentID, &session.Payer, &session.AgentRecipient,
		&session.EndpointType, &session.EndpointURL, &authNonce, &status,
		&session.MessageFee, &session.SettleThreshold, &session.PrepaidBalance,
		&session.UnsettledBalance, &session.TotalSettled, &session.MessageCount,
		&appSessionID, &session.Channel.Asset, &channelVersion, &channelStatus, &channelError,
		&lastSettledAt, &session.CreatedAt, &session.UpdatedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	session.Status = domain.SessionStatus(status)
	session.AuthNonce = authNonce.String
	session.Channel.AppSessionID = appSessionID.String
	session.Channel.Version = uint64(channelVersion)
	session.Channel.Status = domain.ChannelStatus(channelStatus)
	session.Channel.Error = channelError.String
	if lastSettledAt.Valid {
		t := lastSettledAt.Time
		session.LastSettledAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		session.ClosedAt = &t
	}
	return &session, nil
}

// CreateSession inserts a new session. A reused (payer, auth_nonce) pair fails
// with domain.ErrAuthorizationInvalid.
func (s *SQLStore) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt
	if session.Status == "" {
		session.Status = domain.SessionStatusOpen
	}
	session.Payer = domain.NormalizeAddress(session.Payer)
	session.AgentRecipient = domain.NormalizeAddress(session.AgentRecipient)

	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO chat_sessions (
			session_id, agent_id, payer, agent_recipient, endpoint_type, endpoint_url, auth_nonce, status,
			message_fee, settle_threshold, prepaid_balance, unsettled_balance, total_settled, message_count,
			channel_asset, channel_version, channel_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, 0, ?, ?, ?)`),
		session.SessionID, session.AgentID, session.Payer, session.AgentRecipient,
		session.EndpointType, session.EndpointURL, nullString(session.AuthNonce), string(session.Status),
		session.MessageFee, session.SettleThreshold, session.PrepaidBalance,
		session.Channel.Asset, string(session.Channel.Status), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("%w: authorization nonce already used", domain.ErrAuthorizationInvalid)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. It returns nil, nil when missing.
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM chat_sessions WHERE session_id = ?`), sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessionsToSettle returns open sessions whose unsettled usage reached the threshold.
func (s *SQLStore) ListSessionsToSettle(ctx context.Context, limit int) ([]domain.ChatSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+sessionColumns+` FROM chat_sessions
		WHERE status = ? AND unsettled_balance > 0 AND unsettled_balance >= settle_threshold
		ORDER BY updated_at ASC LIMIT ?`), string(domain.SessionStatusOpen), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.ChatSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// ListMessages returns messages for a session in insertion order.
func (s *SQLStore) ListMessages(ctx context.Context, sessionID string, limit int, afterSeq int64) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT message_id, session_id, seq, role, content, fee, created_at
		FROM chat_messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`), sessionID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.ChatMessage
	for rows.Next() {
		var msg domain.ChatMessage
		var role string
		if err := rows.Scan(&msg.MessageID, &msg.SessionID, &msg.Seq, &role, &msg.Content, &msg.Fee, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = domain.MessageRole(role)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AttachChannel records a newly created application session unless one is
// already attached, and returns the current session either way.
func (s *SQLStore) AttachChannel(ctx context.Context, sessionID string, channel domain.ChannelState) (*domain.ChatSession, error) {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE chat_sessions SET
			channel_app_session_id = ?, channel_asset = ?, channel_version = ?, channel_status = ?,
			channel_error = NULL, updated_at = ?
		WHERE session_id = ? AND channel_app_session_id IS NULL`),
		channel.AppSessionID, channel.Asset, int64(channel.Version), string(channel.Status), time.Now().UTC(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("attach channel: %w", err)
	}
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

// RecordChannelVersion stores a confirmed channel version. Versions never move backwards.
func (s *SQLStore) RecordChannelVersion(ctx context.Context, sessionID string, version uint64, status domain.ChannelStatus) error {
	v := int64(version)
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE chat_sessions SET
			channel_version = CASE WHEN ? > channel_version THEN ? ELSE channel_version END,
			channel_status = ?, channel_error = NULL, updated_at = ?
		WHERE session_id = ?`),
		v, v, string(status), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("record channel version: %w", err)
	}
	return nil
}

// RecordChannelError stores the last channel failure.
func (s *SQLStore) RecordChannelError(ctx context.Context, sessionID string, status domain.ChannelStatus, message string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE chat_sessions SET channel_status = ?, channel_error = ?, updated_at = ?
		WHERE session_id = ?`),
		string(status), nullString(message), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("record channel error: %w", err)
	}
	return nil
}
