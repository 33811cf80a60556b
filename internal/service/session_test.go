package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/paychat/internal/adapter/clearnode"
	"github.com/xiaot623/paychat/internal/domain"
)

func TestOpenSessionCreatesSessionFromAuthorization(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := env.signedRequest(t, 0)

	session, err := env.svc.OpenSession(context.Background(), req)
	require.NoError(t, err)

	assert.Contains(t, session.SessionID, "cs_")
	assert.Equal(t, "agent-1", session.AgentID)
	assert.Equal(t, domain.NormalizeAddress(req.AuthPayload.Payer), session.Payer)
	assert.True(t, session.OwnedBy(req.AuthPayload.Payer))
	assert.Equal(t, testRecipient, session.AgentRecipient)
	assert.Equal(t, domain.EndpointTypeEcho, session.EndpointType)
	assert.Equal(t, int64(20_000), session.MessageFee)
	assert.Equal(t, int64(100_000), session.SettleThreshold)
	assert.Equal(t, int64(1_000_000), session.PrepaidBalance, "zero prepay takes the configured default")
	assert.Equal(t, domain.ChannelStatusSkipped, session.Channel.Status)

	stored, err := env.svc.GetSession(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusOpen, stored.Status)
	assert.Equal(t, int64(0), stored.UnsettledBalance)
	assert.Equal(t, int64(0), stored.TotalSettled)
}

func TestOpenSessionRejectsReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := env.signedRequest(t, 100_000)

	_, err := env.svc.OpenSession(context.Background(), req)
	require.NoError(t, err)

	_, err = env.svc.OpenSession(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrAuthorizationInvalid)
}

func TestOpenSessionRejectsFieldsNotInAuthorization(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		mutate func(r *domain.OpenSessionRequest)
	}{
		{"agent", func(r *domain.OpenSessionRequest) { r.AgentID = "agent-2" }},
		{"payer", func(r *domain.OpenSessionRequest) { r.Payer = "0x00000000000000000000000000000000000000cc" }},
		{"endpoint type", func(r *domain.OpenSessionRequest) { r.EndpointType = domain.EndpointTypeHTTP }},
		{"endpoint url", func(r *domain.OpenSessionRequest) { r.EndpointURL = "echo://other" }},
		{"tampered payload", func(r *domain.OpenSessionRequest) { r.AuthPayload.AgentID = "agent-2" }},
		{"bad signature", func(r *domain.OpenSessionRequest) { r.Signature.Value = "0x1234" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := env.signedRequest(t, 100_000)
			tt.mutate(&req)
			_, err := env.svc.OpenSession(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrAuthorizationInvalid)
		})
	}
}

func TestOpenSessionAcceptsMatchingExplicitFields(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := env.signedRequest(t, 100_000)
	req.AgentID = req.AuthPayload.AgentID
	req.Payer = domain.NormalizeAddress(req.AuthPayload.Payer)
	req.EndpointType = "ECHO"
	req.EndpointURL = req.AuthPayload.EndpointURL

	_, err := env.svc.OpenSession(context.Background(), req)
	assert.NoError(t, err)
}

func TestOpenSessionPolicyDenial(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := env.signedRequest(t, 100_000)
	req.AgentRecipient = req.AuthPayload.Payer

	_, err := env.svc.OpenSession(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrPolicyDenied)
	assert.Contains(t, err.Error(), "agent recipient must differ from payer")
}

func TestOpenSessionRequiresRecipient(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := env.signedRequest(t, 100_000)
	req.AgentRecipient = ""

	_, err := env.svc.OpenSession(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestOpenSessionUsesRegisteredAgent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := env.svc.RegisterAgent(ctx, domain.AgentRegisterRequest{
		AgentID:         "agent-1",
		PayoutAddress:   "0x00000000000000000000000000000000000000DD",
		MessageFee:      5_000,
		SettleThreshold: 15_000,
	})
	require.NoError(t, err)

	req, _ := env.signedRequest(t, 100_000)
	req.AgentRecipient = ""
	session, err := env.svc.OpenSession(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000dd", session.AgentRecipient)
	assert.Equal(t, int64(5_000), session.MessageFee)
	assert.Equal(t, int64(15_000), session.SettleThreshold)

	req, _ = env.signedRequest(t, 100_000)
	_, err = env.svc.OpenSession(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest, "registered agents pin the payout address")
}

func TestOpenSessionWithBridgeLeavesChannelPending(t *testing.T) {
	env := newTestEnv(t, &fakeBridge{})
	session := env.openSession(t, 100_000)
	assert.Equal(t, domain.ChannelStatusNone, session.Channel.Status)
	assert.Empty(t, session.Channel.AppSessionID)
}

func TestNewDefaultsToDisabledBridge(t *testing.T) {
	env := newTestEnv(t, nil)
	_, ok := env.svc.bridge.(clearnode.Disabled)
	assert.True(t, ok)
}

func TestGetSessionNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.GetSession(context.Background(), "cs_missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}
