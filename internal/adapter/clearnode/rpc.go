package clearnode

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/xiaot623/paychat/internal/domain"
)

// Payload is the positional body of a request or response:
// [request_id, method, params, timestamp].
type Payload struct {
	RequestID uint64
	Method    Method
	Params    json.RawMessage
	Timestamp uint64
}

func (p Payload) MarshalJSON() ([]byte, error) {
	params := p.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return json.Marshal([]interface{}{p.RequestID, p.Method, params, p.Timestamp})
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 4 {
		return fmt.Errorf("payload must have 4 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.RequestID); err != nil {
		return fmt.Errorf("request id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Method); err != nil {
		return fmt.Errorf("method: %w", err)
	}
	p.Params = raw[2]
	if err := json.Unmarshal(raw[3], &p.Timestamp); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	return nil
}

// Message is the websocket frame. Exactly one of Req and Res is set.
type Message struct {
	Req *Payload `json:"req,omitempty"`
	Res *Payload `json:"res,omitempty"`
	Sig []string `json:"sig,omitempty"`
}

// RPCError is an error returned by the broker in an "error" response.
type RPCError struct {
	Method  Method
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

func (e *RPCError) Unwrap() error {
	return domain.ErrBridgeProtocol
}

// Signer signs requests with the operator key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex-encoded secp256k1 private key.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid operator key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the operator wallet address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignHash signs a 32-byte digest.
func (s *Signer) SignHash(hash []byte) (string, error) {
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// SignPayload signs keccak256 of the payload's JSON encoding.
func (s *Signer) SignPayload(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return s.SignHash(crypto.Keccak256(data))
}

// rpcSession is one authenticated connection to the broker.
type rpcSession struct {
	conn    Conn
	signer  *Signer
	timeout time.Duration
	nextID  atomic.Uint64
	now     func() time.Time
}

func newRPCSession(conn Conn, signer *Signer, timeout time.Duration) *rpcSession {
	s := &rpcSession{conn: conn, signer: signer, timeout: timeout, now: time.Now}
	s.nextID.Store(uint64(time.Now().UnixMilli()))
	return s
}

// signFunc produces the request signature for a payload.
type signFunc func(Payload) (string, error)

func (s *rpcSession) call(ctx context.Context, method Method, params, out interface{}) error {
	return s.callSigned(ctx, method, params, out, s.signer.SignPayload)
}

func (s *rpcSession) callSigned(ctx context.Context, method Method, params, out interface{}, sign signFunc) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: marshal %s params: %v", domain.ErrBridgeProtocol, method, err)
	}
	req := Payload{
		RequestID: s.nextID.Add(1),
		Method:    method,
		Params:    raw,
		Timestamp: uint64(s.now().UnixMilli()),
	}
	sig, err := sign(req)
	if err != nil {
		return fmt.Errorf("%w: sign %s: %v", domain.ErrBridgeProtocol, method, err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	resp, err := s.conn.Send(ctx, &Message{Req: &req, Sig: []string{sig}})
	if err != nil {
		return err
	}
	if resp.Res == nil {
		return fmt.Errorf("%w: %s: empty response", domain.ErrBridgeProtocol, method)
	}
	if resp.Res.Method == ErrorMethod {
		var e ErrorResponse
		if err := json.Unmarshal(resp.Res.Params, &e); err != nil || e.Error == "" {
			e.Error = string(resp.Res.Params)
		}
		return &RPCError{Method: method, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Res.Params, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %v", domain.ErrBridgeProtocol, method, err)
	}
	return nil
}

func (s *rpcSession) Close() error {
	return s.conn.Close()
}

// isUnsupported reports whether the broker rejected the asset or chain.
func isUnsupported(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unsupported")
}

// isAlreadyClosed reports whether a close failed only because it already happened.
func isAlreadyClosed(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "already closed") || strings.Contains(msg, "not open")
}
