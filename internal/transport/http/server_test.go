package http

import (
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xiaot623/paychat/internal/adapter/agentclient"
	"github.com/xiaot623/paychat/internal/authz"
	"github.com/xiaot623/paychat/internal/config"
	"github.com/xiaot623/paychat/internal/service"
	"github.com/xiaot623/paychat/tests/helpers"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{MessageFee: 20_000, SettleThreshold: 100_000, ChainID: 8453, AppName: "paychat"}
	reg := prometheus.NewRegistry()
	svc := service.New(helpers.NewTestSQLiteStore(t), authz.NewVerifier(cfg.AppName, cfg.ChainID), nil, nil,
		agentclient.NewClient(time.Second), cfg, service.NewMetrics(reg))
	srv := httptest.NewServer(NewServer(svc, reg))
	t.Cleanup(srv.Close)
	return srv
}

func TestServerHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := nethttp.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestServerMetrics(t *testing.T) {
	srv := newTestServer(t)

	resp, err := nethttp.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "paychat_sessions_opened_total") {
		t.Fatalf("metrics missing ledger counters:\n%s", body)
	}
}

func TestServerUnknownSessionIsNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := nethttp.Get(srv.URL + "/v1/sessions/cs_missing")
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != nethttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
