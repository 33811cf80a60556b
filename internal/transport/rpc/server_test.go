package rpc

import (
	"context"
	"net"
	"net/rpc/jsonrpc"
	"strings"
	"testing"
	"time"

	"github.com/xiaot623/paychat/internal/adapter/agentclient"
	"github.com/xiaot623/paychat/internal/authz"
	"github.com/xiaot623/paychat/internal/config"
	"github.com/xiaot623/paychat/internal/domain"
	"github.com/xiaot623/paychat/internal/repository"
	"github.com/xiaot623/paychat/internal/service"
	"github.com/xiaot623/paychat/tests/helpers"
)

func startTestServer(t *testing.T) (string, *repository.SQLStore) {
	t.Helper()
	store := helpers.NewTestSQLiteStore(t)
	cfg := &config.Config{MessageFee: 20_000, SettleThreshold: 100_000, ChainID: 8453, AppName: "paychat"}
	svc := service.New(store, authz.NewVerifier(cfg.AppName, cfg.ChainID), nil, nil, agentclient.NewClient(time.Second), cfg, nil)

	srv, err := NewServer(svc)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return ln.Addr().String(), store
}

func seedSession(t *testing.T, store *repository.SQLStore) *domain.ChatSession {
	t.Helper()
	session := &domain.ChatSession{
		SessionID:       "cs_rpc",
		AgentID:         "agent-1",
		Payer:           "0x00000000000000000000000000000000000000aa",
		AgentRecipient:  "0x00000000000000000000000000000000000000bb",
		EndpointType:    domain.EndpointTypeEcho,
		EndpointURL:     "echo://agent-1",
		AuthNonce:       "0x00112233445566778899aabbccddeeff",
		MessageFee:      20_000,
		SettleThreshold: 100_000,
		PrepaidBalance:  100_000,
	}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return session
}

func TestLedgerRPC(t *testing.T) {
	addr, store := startTestServer(t)
	session := seedSession(t, store)
	client := NewClient("tcp://"+addr, time.Second)
	ctx := context.Background()

	got, err := client.GetSession(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.SessionID != session.SessionID || got.PrepaidBalance != 100_000 {
		t.Fatalf("unexpected session: %+v", got)
	}

	settled, err := client.Settle(ctx, session.SessionID, session.Payer)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !settled.OK || settled.Outcome != domain.SettlementOutcomeNothingToSettle {
		t.Fatalf("unexpected settlement: %+v", settled)
	}

	closed, err := client.CloseSession(ctx, session.SessionID, session.Payer)
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if closed.Status != domain.SessionStatusClosed {
		t.Fatalf("expected closed, got %s", closed.Status)
	}

	earnings, err := client.GetEarnings(ctx, "agent-1", session.AgentRecipient)
	if err != nil {
		t.Fatalf("GetEarnings: %v", err)
	}
	if earnings.Earned != 0 {
		t.Fatalf("unexpected earnings: %+v", earnings)
	}
}

func TestLedgerRPCErrors(t *testing.T) {
	addr, store := startTestServer(t)
	session := seedSession(t, store)

	// Raw jsonrpc client to check the wire error format.
	client, err := jsonrpc.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var got domain.ChatSession
	err = client.Call("Ledger.GetSession", &SessionArgs{SessionID: "cs_missing"}, &got)
	if err == nil || !strings.HasPrefix(err.Error(), "session_not_found") {
		t.Fatalf("expected session_not_found, got %v", err)
	}

	var settled domain.SettlementResult
	err = client.Call("Ledger.Settle", &SessionArgs{SessionID: session.SessionID, Payer: "0x00000000000000000000000000000000000000cc"}, &settled)
	if err == nil || !strings.HasPrefix(err.Error(), "payer_mismatch") {
		t.Fatalf("expected payer_mismatch, got %v", err)
	}

	err = client.Call("Ledger.CloseSession", &SessionArgs{SessionID: session.SessionID}, &got)
	if err == nil || !strings.Contains(err.Error(), "payer is required") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResolveRPCAddr(t *testing.T) {
	if got := resolveRPCAddr("tcp://127.0.0.1:8081"); got != "127.0.0.1:8081" {
		t.Fatalf("unexpected addr %q", got)
	}
	if got := resolveRPCAddr(" localhost:8081 "); got != "localhost:8081" {
		t.Fatalf("unexpected addr %q", got)
	}
}

func newIdleServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{MessageFee: 20_000, SettleThreshold: 100_000, ChainID: 8453, AppName: "paychat"}
	svc := service.New(helpers.NewTestSQLiteStore(t), authz.NewVerifier(cfg.AppName, cfg.ChainID), nil, nil, agentclient.NewClient(time.Second), cfg, nil)
	srv, err := NewServer(svc)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv
}

func TestShutdownBeforeServe(t *testing.T) {
	srv := newIdleServer(t)
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve kept running after Shutdown")
	}
	if _, err := ln.Accept(); err == nil {
		t.Fatal("expected listener to be closed")
	}
}

func TestShutdownStopsServe(t *testing.T) {
	srv := newIdleServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
