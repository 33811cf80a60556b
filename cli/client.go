package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/xiaot623/paychat/internal/authz"
	"github.com/xiaot623/paychat/internal/domain"
)

// APIError is a non-2xx response from the ledger API.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d: %s (%s)", e.Status, e.Message, e.Code)
}

// Client calls the ledger HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Do sends body as JSON and decodes a 2xx response into out. A settle that
// was rolled back answers 502 with a result body; that body is still decoded
// into out alongside the returned error.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// OpenParams are the inputs to a signed open-session request.
type OpenParams struct {
	AgentID      string
	Recipient    string
	EndpointType string
	EndpointURL  string
	ChainID      int64
	AppName      string
	Prepay       int64
	Kind         domain.SignatureKind
	Lifetime     time.Duration
}

// BuildOpenRequest signs a fresh authorization for p with key.
func BuildOpenRequest(key *ecdsa.PrivateKey, p OpenParams, now time.Time) (domain.OpenSessionRequest, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return domain.OpenSessionRequest{}, fmt.Errorf("generate nonce: %w", err)
	}
	lifetime := p.Lifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}

	payload := domain.SessionAuthorizationPayload{
		Version:      domain.SessionAuthVersion,
		AgentID:      p.AgentID,
		Payer:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		EndpointType: p.EndpointType,
		EndpointURL:  p.EndpointURL,
		ChainID:      p.ChainID,
		IssuedAt:     now.UnixMilli(),
		ExpiresAt:    now.Add(lifetime).UnixMilli(),
		Nonce:        hexutil.Encode(nonce),
	}
	sig, err := authz.Sign(p.Kind, p.AppName, payload, key)
	if err != nil {
		return domain.OpenSessionRequest{}, err
	}
	return domain.OpenSessionRequest{
		AgentRecipient: p.Recipient,
		PrepayAmount:   p.Prepay,
		AuthPayload:    payload,
		Signature:      sig,
	}, nil
}

// LoadKey parses a hex private key, with or without 0x.
func LoadKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("private key is required (--key or PAYCHAT_PRIVATE_KEY)")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
