package clearnode

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const testRecipient = "0x00000000000000000000000000000000000000bb"

// fakeBroker is a websocket ClearNode stand-in. handle returns the response
// method and result for a request; an empty method sends no reply.
type fakeBroker struct {
	server *httptest.Server
	handle func(req Payload) (Method, interface{})

	mu       sync.Mutex
	messages []Message
}

func newFakeBroker(t *testing.T, handle func(req Payload) (Method, interface{})) *fakeBroker {
	t.Helper()
	b := &fakeBroker{handle: handle}
	upgrader := websocket.Upgrader{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil || msg.Req == nil {
				t.Errorf("broker got malformed frame: %s", data)
				return
			}
			b.mu.Lock()
			b.messages = append(b.messages, msg)
			b.mu.Unlock()

			method, result := b.handle(*msg.Req)
			if method == "" {
				continue
			}
			params, _ := json.Marshal(result)
			resp, _ := json.Marshal(Message{Res: &Payload{
				RequestID: msg.Req.RequestID,
				Method:    method,
				Params:    params,
				Timestamp: uint64(time.Now().UnixMilli()),
			}})
			if err := ws.WriteMessage(websocket.TextMessage, resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBroker) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *fakeBroker) calls(method Method) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.messages {
		if m.Req.Method == method {
			out = append(out, m)
		}
	}
	return out
}

// withAuth answers the auth handshake and passes everything else to next.
func withAuth(next func(req Payload) (Method, interface{})) func(req Payload) (Method, interface{}) {
	return func(req Payload) (Method, interface{}) {
		switch req.Method {
		case AuthRequestMethod:
			return AuthChallengeMethod, AuthChallengeResponse{ChallengeMessage: uuid.New()}
		case AuthVerifyMethod:
			return AuthVerifyMethod, AuthVerifyResponse{Success: true}
		}
		return next(req)
	}
}

func rpcFail(msg string) (Method, interface{}) {
	return ErrorMethod, ErrorResponse{Error: msg}
}

func newTestKey(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return hexutil.Encode(crypto.FromECDSA(key))
}

func newTestClient(t *testing.T, b *fakeBroker, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		URL:            b.URL(),
		PrivateKey:     newTestKey(t),
		ChainID:        8453,
		Application:    "paychat-metering",
		Scope:          "app.create",
		Asset:          "usdc",
		FallbackAssets: []string{"ytest.usd"},
		RequestTimeout: 2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}
