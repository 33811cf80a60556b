package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xiaot623/paychat/internal/domain"
	"github.com/xiaot623/paychat/internal/logger"
)

// Conn is a request/response connection to the broker.
type Conn interface {
	Send(ctx context.Context, msg *Message) (*Message, error)
	Close() error
}

// Dialer opens connections to the broker.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the broker over gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial connects to url and starts the read loop.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, transportError(ctx, "dial", err)
	}
	c := &wsConn{
		ws:      ws,
		pending: make(map[uint64]chan *Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// wsConn correlates responses to requests by request id.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *Message
	readErr error

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) readLoop() {
	defer c.shutdown(nil)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.L().Warn().Err(err).Msg("clearnode: dropping malformed frame")
			continue
		}
		if msg.Res == nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.Res.RequestID]
		if ok {
			delete(c.pending, msg.Res.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			// Broadcast notifications (bu, asu, ...) carry ids we never sent.
			continue
		}
		ch <- &msg
	}
}

func (c *wsConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if err == nil {
			err = errors.New("connection closed")
		}
		c.readErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) Send(ctx context.Context, msg *Message) (*Message, error) {
	if msg.Req == nil {
		return nil, fmt.Errorf("%w: message has no request", domain.ErrBridgeProtocol)
	}
	id := msg.Req.RequestID
	ch := make(chan *Message, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", domain.ErrBridgeTransport, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBridgeProtocol, err)
	}
	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, transportError(ctx, "write", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, transportError(ctx, "await "+msg.Req.Method.String(), ctx.Err())
	case <-c.done:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", domain.ErrBridgeTransport, err)
	}
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func transportError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", domain.ErrBridgeTimeout, op)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrBridgeTransport, op, err)
}
