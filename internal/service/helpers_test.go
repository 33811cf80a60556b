package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/xiaot623/paychat/internal/adapter/clearnode"
	"github.com/xiaot623/paychat/internal/authz"
	"github.com/xiaot623/paychat/internal/config"
	"github.com/xiaot623/paychat/internal/domain"
	"github.com/xiaot623/paychat/internal/repository"
	"github.com/xiaot623/paychat/policy"
	"github.com/xiaot623/paychat/tests/helpers"
)

const testRecipient = "0x00000000000000000000000000000000000000bb"

func testConfig() *config.Config {
	return &config.Config{
		MessageFee:      20_000,
		SettleThreshold: 100_000,
		DefaultPrepay:   1_000_000,
		ChainID:         8453,
		AppName:         "paychat",
	}
}

type fakeResponder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeResponder) Reply(_ context.Context, _, _ string, req *domain.AgentReplyRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return "reply: " + req.Input, nil
}

func (r *fakeResponder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeBridge records calls and advances versions the way a broker would.
type fakeBridge struct {
	mu          sync.Mutex
	initCalls   int
	submits     []clearnode.SubmitUsageRequest
	closes      int
	initErr     string
	initDelay   time.Duration
	initEntered chan struct{}
	initGate    chan struct{}
	submitFails int
	submitSteps uint64
	closeErr    string
}

func (b *fakeBridge) Enabled() bool { return true }

func (b *fakeBridge) Init(_ context.Context, req clearnode.InitRequest) clearnode.InitResult {
	if b.initEntered != nil {
		b.initEntered <- struct{}{}
	}
	if b.initGate != nil {
		<-b.initGate
	}
	if b.initDelay > 0 {
		time.Sleep(b.initDelay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initCalls++
	if b.initErr != "" {
		return clearnode.InitResult{Status: clearnode.Status{Enabled: true, Error: b.initErr}}
	}
	return clearnode.InitResult{
		Status:       clearnode.Status{Enabled: true, OK: true},
		AppSessionID: "0xapp-" + req.SessionID,
		Asset:        "usdc",
		Version:      1,
	}
}

func (b *fakeBridge) SubmitUsage(_ context.Context, req clearnode.SubmitUsageRequest) clearnode.SubmitUsageResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits = append(b.submits, req)
	if b.submitFails > 0 {
		b.submitFails--
		return clearnode.SubmitUsageResult{
			Status:  clearnode.Status{Enabled: true, Error: "channel version conflict: operate expected version 3, broker returned 5"},
			Version: req.Version + b.submitSteps,
		}
	}
	return clearnode.SubmitUsageResult{Status: clearnode.Status{Enabled: true, OK: true}, Version: req.Version + 2}
}

func (b *fakeBridge) Close(_ context.Context, req clearnode.CloseRequest) clearnode.CloseResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	if b.closeErr != "" {
		return clearnode.CloseResult{Status: clearnode.Status{Enabled: true, Error: b.closeErr}, Version: req.Version}
	}
	return clearnode.CloseResult{Status: clearnode.Status{Enabled: true, OK: true}, Version: req.Version + 1}
}

// brokerBridge keeps a broker-side version and accepts only the next one.
// bumpOnce makes another participant advance the session during the next
// operate, so the broker stamps that state one version later.
type brokerBridge struct {
	fakeBridge
	version  uint64
	bumpOnce bool
}

func (b *brokerBridge) Init(ctx context.Context, req clearnode.InitRequest) clearnode.InitResult {
	res := b.fakeBridge.Init(ctx, req)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version = res.Version
	return res
}

func (b *brokerBridge) SubmitUsage(_ context.Context, req clearnode.SubmitUsageRequest) clearnode.SubmitUsageResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits = append(b.submits, req)

	version := req.Version
	if req.Resync && b.version > version {
		version = b.version
	}
	for _, intent := range []string{"deposit", "operate"} {
		want := version + 1
		if want != b.version+1 {
			return clearnode.SubmitUsageResult{
				Status:  clearnode.Status{Enabled: true, Error: fmt.Sprintf("submit_app_state: stale version (broker at %d)", b.version)},
				Version: version,
			}
		}
		if intent == "operate" && b.bumpOnce {
			b.bumpOnce = false
			b.version += 2
			return clearnode.SubmitUsageResult{
				Status:  clearnode.Status{Enabled: true, Error: fmt.Sprintf("channel version conflict: operate expected version %d, broker returned %d", want, b.version)},
				Version: b.version,
			}
		}
		b.version = want
		version = want
	}
	return clearnode.SubmitUsageResult{Status: clearnode.Status{Enabled: true, OK: true}, Version: version}
}

type testEnv struct {
	svc       *Service
	store     *repository.SQLStore
	responder *fakeResponder
	cfg       *config.Config
	verifier  *authz.Verifier
}

func newTestEnv(t *testing.T, bridge clearnode.Bridge) *testEnv {
	t.Helper()
	store := helpers.NewTestSQLiteStore(t)
	cfg := testConfig()
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	verifier := authz.NewVerifier(cfg.AppName, cfg.ChainID)
	responder := &fakeResponder{}
	svc := New(store, verifier, engine, bridge, responder, cfg, nil)
	return &testEnv{svc: svc, store: store, responder: responder, cfg: cfg, verifier: verifier}
}

func newNonce(t *testing.T) string {
	t.Helper()
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("failed to read nonce: %v", err)
	}
	return hexutil.Encode(b)
}

// signedRequest builds an open-session request signed by a fresh payer key.
func (e *testEnv) signedRequest(t *testing.T, prepay int64) (domain.OpenSessionRequest, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return e.signedRequestFor(t, key, prepay), key
}

func (e *testEnv) signedRequestFor(t *testing.T, key *ecdsa.PrivateKey, prepay int64) domain.OpenSessionRequest {
	t.Helper()
	now := time.Now()
	payload := domain.SessionAuthorizationPayload{
		Version:      domain.SessionAuthVersion,
		AgentID:      "agent-1",
		Payer:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		EndpointType: domain.EndpointTypeEcho,
		EndpointURL:  "echo://agent-1",
		ChainID:      e.cfg.ChainID,
		IssuedAt:     now.UnixMilli(),
		ExpiresAt:    now.Add(5 * time.Minute).UnixMilli(),
		Nonce:        newNonce(t),
	}
	sig, err := authz.Sign(domain.SignatureKindPersonal, e.cfg.AppName, payload, key)
	if err != nil {
		t.Fatalf("failed to sign payload: %v", err)
	}
	return domain.OpenSessionRequest{
		AgentRecipient: testRecipient,
		PrepayAmount:   prepay,
		AuthPayload:    payload,
		Signature:      sig,
	}
}

func (e *testEnv) openSession(t *testing.T, prepay int64) *domain.ChatSession {
	t.Helper()
	req, _ := e.signedRequest(t, prepay)
	session, err := e.svc.OpenSession(context.Background(), req)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	return session
}

func (e *testEnv) send(t *testing.T, session *domain.ChatSession, n int) *domain.SendMessageResult {
	t.Helper()
	var res *domain.SendMessageResult
	for i := 0; i < n; i++ {
		var err error
		res, err = e.svc.SendMessage(context.Background(), session.SessionID, session.Payer, "hello")
		if err != nil {
			t.Fatalf("send message %d: %v", i+1, err)
		}
	}
	return res
}
