package clearing_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/broker/clearing"
	"github.com/agentpay/broker/identity"
)

var upgrader = websocket.Upgrader{}

type reqFrame struct {
	Req [5]json.RawMessage `json:"req"`
}

func respond(t *testing.T, conn *websocket.Conn, id json.RawMessage, method string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	msg, err := json.Marshal(map[string]any{
		"res": []json.RawMessage{id, mustJSON(t, method), body},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return body
}

func newAuthOnlyServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f reqFrame
			if json.Unmarshal(msg, &f) != nil {
				continue
			}
			var method string
			json.Unmarshal(f.Req[1], &method)
			id := f.Req[0]

			switch method {
			case "auth_request":
				respond(t, conn, id, "auth_request", map[string]any{"challenge_message": "sign-me"})
			case "auth_verify":
				respond(t, conn, id, "auth_verify", map[string]any{"success": true})
			case "ping":
				respond(t, conn, id, "ping", map[string]any{"pong": true})
			}
		}
	}))
}

func TestDialAuthenticatesThenServesCalls(t *testing.T) {
	srv := newAuthOnlyServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	sk, err := crypto.GenerateKey()
	require.NoError(t, err)
	key := identity.New("client.eth", sk)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := clearing.Dial(ctx, wsURL, key, "agentpay", clearing.AuthScope{
		ExpiresAt: time.Now().Add(time.Hour),
		Scope:     "agentpay",
	})
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Call(ctx, "ping", map[string]any{}, 5*time.Second)
	require.NoError(t, err)

	var out map[string]bool
	require.NoError(t, json.Unmarshal(resp, &out))
	require.True(t, out["pong"])
}

func TestDialFailsWhenAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f reqFrame
		json.Unmarshal(msg, &f)
		id := f.Req[0]
		errMsg, _ := json.Marshal(map[string]any{"res": []json.RawMessage{id, mustJSON(t, "error"), mustJSON(t, map[string]string{"message": "unknown identity"})}})
		conn.WriteMessage(websocket.TextMessage, errMsg)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sk, err := crypto.GenerateKey()
	require.NoError(t, err)
	key := identity.New("client.eth", sk)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err = clearing.Dial(ctx, wsURL, key, "agentpay", clearing.AuthScope{})
	require.ErrorIs(t, err, clearing.ErrAuthRejected)
}
