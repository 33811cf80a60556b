package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/paychat/internal/domain"
)

func TestPayloadJSONShape(t *testing.T) {
	p := Payload{RequestID: 7, Method: GetAssetsMethod, Params: json.RawMessage(`{"chain_id":8453}`), Timestamp: 1000}
	data, err := json.Marshal(Message{Req: &p, Sig: []string{"0xabc"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"req":[7,"get_assets",{"chain_id":8453},1000],"sig":["0xabc"]}`, string(data))

	var decoded Message
	require.NoError(t, json.Unmarshal([]byte(`{"res":[7,"error",{"error":"boom"},1001]}`), &decoded))
	require.NotNil(t, decoded.Res)
	assert.Equal(t, uint64(7), decoded.Res.RequestID)
	assert.Equal(t, ErrorMethod, decoded.Res.Method)

	assert.Error(t, json.Unmarshal([]byte(`{"res":[7,"error"]}`), &decoded))
}

// TestWebsocketConnCorrelatesResponses answers two requests in reverse order
// and interleaves a broadcast notification.
func TestWebsocketConnCorrelatesResponses(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var reqs []Message
		for len(reqs) < 2 {
			var msg Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			reqs = append(reqs, msg)
		}
		_ = ws.WriteJSON(Message{Res: &Payload{RequestID: 0, Method: "bu", Params: json.RawMessage(`{}`)}})
		for i := len(reqs) - 1; i >= 0; i-- {
			params, _ := json.Marshal(map[string]uint64{"echo": reqs[i].Req.RequestID})
			_ = ws.WriteJSON(Message{Res: &Payload{RequestID: reqs[i].Req.RequestID, Method: reqs[i].Req.Method, Params: params}})
		}
		// Hold the connection open until the client closes it.
		_, _, _ = ws.ReadMessage()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := WebsocketDialer{}.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"))
	require.NoError(t, err)
	defer conn.Close()

	var wg sync.WaitGroup
	for _, id := range []uint64{11, 12} {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			resp, err := conn.Send(ctx, &Message{Req: &Payload{RequestID: id, Method: GetAssetsMethod}})
			if !assert.NoError(t, err) {
				return
			}
			var got map[string]uint64
			assert.NoError(t, json.Unmarshal(resp.Res.Params, &got))
			assert.Equal(t, id, got["echo"])
		}(id)
	}
	wg.Wait()
}

func TestWebsocketConnFailsPendingOnDisconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = ws.ReadMessage()
		_ = ws.Close()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := WebsocketDialer{}.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Send(ctx, &Message{Req: &Payload{RequestID: 1, Method: GetAssetsMethod}})
	assert.True(t, errors.Is(err, domain.ErrBridgeTransport), "got %v", err)

	_, err = conn.Send(ctx, &Message{Req: &Payload{RequestID: 2, Method: GetAssetsMethod}})
	assert.True(t, errors.Is(err, domain.ErrBridgeTransport), "got %v", err)
}

func TestRPCErrorUnwrapsToProtocol(t *testing.T) {
	err := error(&RPCError{Method: CloseAppSessionMethod, Message: "App session already closed"})
	assert.True(t, errors.Is(err, domain.ErrBridgeProtocol))
	assert.True(t, isAlreadyClosed(err))
	assert.False(t, isAlreadyClosed(errors.New("already closed")))
	assert.True(t, isUnsupported(errors.New("Unsupported token")))
}
