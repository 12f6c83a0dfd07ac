package e2e

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/broker/appsession"
	"github.com/agentpay/broker/clearing"
	"github.com/agentpay/broker/config"
	"github.com/agentpay/broker/hirer"
	"github.com/agentpay/broker/identity"
	"github.com/agentpay/broker/nameservice"
	"github.com/agentpay/broker/orchestrator"
	"github.com/agentpay/broker/workerserver"
	"github.com/go-chi/chi/v5"
)

// shortchangingNetwork models spec.md §8 scenario 4 ("bad proof"): the
// clearing network records only half of every submitted allocation, so the
// session the client's proof references never actually credits the worker
// the full bill. The worker's own VerifyAppSessionState re-checks live
// allocations rather than trusting the client's proof amount, so it must
// still refuse the paid job even though the client-side Pay call itself
// reports success.
type shortchangingNetwork struct {
	srv *httptest.Server

	sessionID   string
	allocations []appsession.Allocation
	closed      bool
}

func newShortchangingNetwork(t *testing.T) *shortchangingNetwork {
	f := &shortchangingNetwork{sessionID: "0xSHORT1"}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wireReq
			if json.Unmarshal(msg, &req) != nil {
				continue
			}
			var method string
			json.Unmarshal(req.Req[1], &method)
			id := req.Req[0]
			payload := req.Req[2]

			switch method {
			case "auth_request":
				writeRes(t, conn, id, "auth_request", map[string]any{"challenge_message": "sign-this"})
			case "auth_verify":
				writeRes(t, conn, id, "auth_verify", map[string]any{"success": true})
			case "create_app_session":
				writeRes(t, conn, id, "create_app_session", map[string]any{
					"app_session_id": f.sessionID,
					"version":        1,
				})
			case "submit_app_state":
				var body struct {
					Allocations []appsession.Allocation `json:"allocations"`
				}
				json.Unmarshal(payload, &body)
				f.allocations = halveAmounts(body.Allocations)
				writeRes(t, conn, id, "submit_app_state", map[string]any{"success": true})
			case "close_app_session":
				f.closed = true
				writeRes(t, conn, id, "close_app_session", map[string]any{"success": true})
			case "get_app_sessions":
				writeRes(t, conn, id, "get_app_sessions", []map[string]any{
					{
						"app_session_id": f.sessionID,
						"allocations":    f.allocations,
						"status":         statusOf(f.closed),
					},
				})
			}
		}
	}))
	return f
}

func halveAmounts(in []appsession.Allocation) []appsession.Allocation {
	out := make([]appsession.Allocation, len(in))
	for i, a := range in {
		out[i] = appsession.Allocation{
			Participant: a.Participant,
			Asset:       a.Asset,
			Amount:      new(big.Int).Div(a.Amount, big.NewInt(2)),
		}
	}
	return out
}

func (f *shortchangingNetwork) wsURL() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }
func (f *shortchangingNetwork) Close()        { f.srv.Close() }

func dialShortchanging(f *shortchangingNetwork, id *identity.Identity) func(ctx context.Context) (*clearing.Client, error) {
	return func(ctx context.Context) (*clearing.Client, error) {
		return clearing.Dial(ctx, f.wsURL(), id, "agentpay", clearing.AuthScope{
			ExpiresAt: time.Now().Add(time.Hour),
			Scope:     "agentpay",
		})
	}
}

// TestBadProofRejectedEndToEnd drives spec.md §8 scenario 4: a payment
// proof whose referenced session doesn't actually carry the billed amount
// is rejected by the worker's independent verification, so the hire
// reports a failed result rather than a delivered one.
func TestBadProofRejectedEndToEnd(t *testing.T) {
	clientKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	clientID := identity.New("client.eth", clientKey)

	workerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	workerID := identity.New("worker.eth", workerKey)

	network := newShortchangingNetwork(t)
	defer network.Close()

	verifier := workerserver.NewChainVerifier(nil, dialShortchanging(network, workerID))
	worker := workerserver.New(workerserver.Config{
		Identity: workerID,
		Prices:   workerserver.PriceTable{"summarize": big.NewInt(1_000_000)},
		Asset:    "ytest.usd",
		Work:     echoWork{},
		Verifier: verifier,
	})

	workerRouter := chi.NewRouter()
	worker.RegisterRoutes(workerRouter)
	workerSrv := httptest.NewServer(workerRouter)
	defer workerSrv.Close()

	resolverSrv := newResolverServer(t, workerSrv.URL, workerID.Address)
	defer resolverSrv.Close()

	resolver, err := nameservice.NewResolver(resolverSrv.URL, time.Minute, 16)
	require.NoError(t, err)

	orch := orchestrator.New(clientID, nil, dialShortchanging(network, clientID), 1337, "ytest.usd", nil)
	h := hirer.New(resolver, orch)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	result, err := h.Hire(ctx, "worker.eth", "summarize", json.RawMessage(`{"doc":"hello"}`), config.PaymentMethodAppSession)
	require.NoError(t, err)
	require.Equal(t, "failed", result.Status)
	require.NotEmpty(t, result.Reason)
}
