package rpc

import (
	"context"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/paychat/internal/domain"
)

// Client calls the Ledger RPC service, one connection per call.
type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient creates a client for addr ("host:port" or a URL with a host).
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		addr:        resolveRPCAddr(addr),
		dialTimeout: 5 * time.Second,
		callTimeout: timeout,
	}
}

func (c *Client) Settle(ctx context.Context, sessionID, payer string) (*domain.SettlementResult, error) {
	var resp domain.SettlementResult
	if err := c.call(ctx, ServiceName+".Settle", &SessionArgs{SessionID: sessionID, Payer: payer}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CloseSession(ctx context.Context, sessionID, payer string) (*domain.ChatSession, error) {
	var resp domain.ChatSession
	if err := c.call(ctx, ServiceName+".CloseSession", &SessionArgs{SessionID: sessionID, Payer: payer}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	var resp domain.ChatSession
	if err := c.call(ctx, ServiceName+".GetSession", &SessionArgs{SessionID: sessionID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetEarnings(ctx context.Context, agentID, recipient string) (*domain.AgentEarnings, error) {
	var resp domain.AgentEarnings
	if err := c.call(ctx, ServiceName+".GetEarnings", &EarningsArgs{AgentID: agentID, Recipient: recipient}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
