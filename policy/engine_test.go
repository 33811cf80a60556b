package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInput() SessionInput {
	return SessionInput{
		AgentID:         "agent-1",
		Payer:           "0x00000000000000000000000000000000000000aa",
		AgentRecipient:  "0x00000000000000000000000000000000000000bb",
		EndpointType:    "http",
		EndpointURL:     "https://agent.example/invoke",
		PrepayAmount:    1_000_000,
		MessageFee:      20_000,
		SettleThreshold: 100_000,
		ChainID:         8453,
	}
}

func TestDefaultPolicyAllowsValidSession(t *testing.T) {
	engine, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)

	decision, err := engine.Evaluate(context.Background(), validInput())
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Reasons)
}

func TestDefaultPolicyDenials(t *testing.T) {
	engine, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(in *SessionInput)
		reason string
	}{
		{"zero prepay", func(in *SessionInput) { in.PrepayAmount = 0 }, "prepay must be positive"},
		{"prepay above limit", func(in *SessionInput) { in.PrepayAmount = 2_000_000_000 }, "prepay exceeds the per-session limit"},
		{"unknown endpoint type", func(in *SessionInput) { in.EndpointType = "grpc" }, `endpoint type "grpc" is not allowed`},
		{"non-http url", func(in *SessionInput) { in.EndpointURL = "ftp://agent" }, "http endpoints must use an http(s) url"},
		{"self payment", func(in *SessionInput) { in.AgentRecipient = "0x00000000000000000000000000000000000000AA" }, "agent recipient must differ from payer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			decision, err := engine.Evaluate(context.Background(), in)
			require.NoError(t, err)
			assert.False(t, decision.Allowed)
			assert.Contains(t, decision.Reasons, tt.reason)
		})
	}
}

func TestDefaultPolicyAllowsPrepayBelowFee(t *testing.T) {
	engine, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)

	in := validInput()
	in.PrepayAmount = 10_000
	decision, err := engine.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestNewEngineRejectsBadPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package session_policy\ndeny contains")
	assert.Error(t, err)
}
