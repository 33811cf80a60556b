package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/paychat/internal/domain"
)

func newMockPostgresStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	store, err := newSQLStore(db, postgresDialect, false)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store, mock
}

func sessionRow(prepaid, unsettled, settled int64, status string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"session_id", "agent_id", "payer", "agent_recipient", "endpoint_type", "endpoint_url", "auth_nonce", "status",
		"message_fee", "settle_threshold", "prepaid_balance", "unsettled_balance", "total_settled", "message_count",
		"channel_app_session_id", "channel_asset", "channel_version", "channel_status", "channel_error",
		"last_settled_at", "created_at", "updated_at", "closed_at",
	}).AddRow(
		"cs_1", "agent-1", testPayer, testRecipient, "echo", "echo://a", "n1", status,
		int64(20_000), int64(100_000), prepaid, unsettled, settled, int64(4),
		nil, "", int64(0), "", nil,
		nil, now, now, nil,
	)
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", postgresDialect.rebind("SELECT 1 WHERE a = ? AND b = ?"))
	assert.Equal(t, "a = ?", sqliteDialect.rebind("a = ?"))
}

func TestIsUniqueViolationPostgres(t *testing.T) {
	assert.True(t, postgresDialect.isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, postgresDialect.isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, postgresDialect.isUniqueViolation(errors.New("boom")))
}

func TestPostgresDebitLocksRow(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM chat_sessions WHERE session_id = $1 FOR UPDATE")).
		WithArgs("cs_1").
		WillReturnRows(sessionRow(100_000, 80_000, 0, "open"))
	mock.ExpectExec(regexp.QuoteMeta("WHERE session_id = $4 AND prepaid_balance >= $5")).
		WithArgs(int64(20_000), int64(20_000), sqlmock.AnyArg(), "cs_1", int64(20_000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chat_messages")).
		WithArgs(sqlmock.AnyArg(), "cs_1", int64(9), "user", "hi", int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chat_messages")).
		WithArgs(sqlmock.AnyArg(), "cs_1", int64(10), "assistant", "hello", int64(20_000), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_chat_earnings")).
		WithArgs("agent-1", testRecipient, int64(20_000), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.Debit(context.Background(), DebitInput{
		SessionID: "cs_1", Payer: testPayer, UserMessage: "hi", AssistantMessage: "hello",
	})
	require.NoError(t, err)
	assert.True(t, res.ShouldSettle)
	assert.Equal(t, int64(80_000), res.Session.PrepaidBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDebitRollsBackOnInsufficientBalance(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("cs_1").
		WillReturnRows(sessionRow(10_000, 0, 0, "open"))
	mock.ExpectRollback()

	_, err := store.Debit(context.Background(), DebitInput{SessionID: "cs_1", Payer: testPayer})
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSettleWritesEarningsGuard(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("cs_1").
		WillReturnRows(sessionRow(0, 60_000, 40_000, "open"))
	mock.ExpectExec(regexp.QuoteMeta("total_settled = total_settled + $1")).
		WithArgs(int64(60_000), int64(60_000), sqlmock.AnyArg(), sqlmock.AnyArg(), "cs_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("CASE WHEN settled + $1 > earned THEN earned ELSE settled + $2 END")).
		WithArgs(int64(60_000), int64(60_000), sqlmock.AnyArg(), "agent-1", testRecipient).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.Settle(context.Background(), "cs_1", testPayer)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), res.SettledAmount)
	assert.Equal(t, int64(100_000), res.Session.TotalSettled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetEarningsMissing(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM agent_chat_earnings")).
		WithArgs("agent-1", testRecipient).
		WillReturnRows(sqlmock.NewRows([]string{"earned", "settled", "updated_at"}))

	e, err := store.GetEarnings(context.Background(), "agent-1", testRecipient)
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.Earned)
	assert.Equal(t, int64(0), e.Settled)
	assert.NoError(t, mock.ExpectationsWereMet())
}
