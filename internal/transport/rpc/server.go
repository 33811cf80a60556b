// Package rpc exposes operator ledger operations over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"sync"

	"github.com/xiaot623/paychat/internal/domain"
	"github.com/xiaot623/paychat/internal/logger"
	"github.com/xiaot623/paychat/internal/service"
)

// ServiceName is the name methods are registered under, e.g. "Ledger.Settle".
const ServiceName = "Ledger"

// Server exposes internal RPC endpoints for operator tooling.
type Server struct {
	rpcServer *rpc.Server
	done      chan struct{}

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer creates a new RPC server bound to the ledger service.
func NewServer(svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed. It returns at once when
// Shutdown already ran.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	defer close(s.done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.L().Warn().Err(err).Msg("rpc accept error")
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections. A later Serve returns
// immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements ledger RPC methods.
type Handler struct {
	service *service.Service
}

// SessionArgs identifies a session and the payer acting on it.
type SessionArgs struct {
	SessionID string `json:"session_id"`
	Payer     string `json:"payer"`
}

// EarningsArgs identifies an agent payout address.
type EarningsArgs struct {
	AgentID   string `json:"agent_id"`
	Recipient string `json:"recipient"`
}

// Settle settles a session's unsettled usage. A rolled back settlement is
// returned as a result with OK false, not as an error.
func (h *Handler) Settle(req *SessionArgs, resp *domain.SettlementResult) error {
	if err := req.validate(true); err != nil {
		return err
	}
	result, err := h.service.Settle(context.Background(), req.SessionID, req.Payer)
	if err != nil {
		return rpcError(err)
	}
	*resp = *result
	return nil
}

// CloseSession closes a fully settled session.
func (h *Handler) CloseSession(req *SessionArgs, resp *domain.ChatSession) error {
	if err := req.validate(true); err != nil {
		return err
	}
	session, err := h.service.CloseSession(context.Background(), req.SessionID, req.Payer)
	if err != nil {
		return rpcError(err)
	}
	*resp = *session
	return nil
}

// GetSession returns a session's ledger state.
func (h *Handler) GetSession(req *SessionArgs, resp *domain.ChatSession) error {
	if err := req.validate(false); err != nil {
		return err
	}
	session, err := h.service.GetSession(context.Background(), req.SessionID)
	if err != nil {
		return rpcError(err)
	}
	*resp = *session
	return nil
}

// GetEarnings returns lifetime totals for an agent payout address.
func (h *Handler) GetEarnings(req *EarningsArgs, resp *domain.AgentEarnings) error {
	if req == nil {
		return errors.New("earnings request is required")
	}
	earnings, err := h.service.GetEarnings(context.Background(), req.AgentID, req.Recipient)
	if err != nil {
		return rpcError(err)
	}
	*resp = *earnings
	return nil
}

func (a *SessionArgs) validate(needPayer bool) error {
	if a == nil {
		return errors.New("session request is required")
	}
	if strings.TrimSpace(a.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if needPayer && strings.TrimSpace(a.Payer) == "" {
		return errors.New("payer is required")
	}
	return nil
}

// rpcError prefixes the stable error code so clients can match on it; net/rpc
// only carries the message across the wire.
func rpcError(err error) error {
	return fmt.Errorf("%s: %w", domain.ErrorCode(err), err)
}
