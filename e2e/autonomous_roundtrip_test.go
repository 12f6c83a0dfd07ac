package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/broker/autonomous"
	"github.com/agentpay/broker/config"
	"github.com/agentpay/broker/feed"
	"github.com/agentpay/broker/hirer"
	"github.com/agentpay/broker/identity"
	"github.com/agentpay/broker/nameservice"
	"github.com/agentpay/broker/orchestrator"
	"github.com/agentpay/broker/workerserver"
)

// TestAutonomousRoundTrip drives spec.md §8 scenario 6: a demo feed shared
// by an autonomous client and an autonomous worker. The client posts an
// offer, the worker's loop sees it and posts an accept, the client's loop
// sees the accept and drives a hire, and payment settles over the
// app-session path exactly as a manually-driven hire would.
func TestAutonomousRoundTrip(t *testing.T) {
	feedSrv := httptest.NewServer(func() chi.Router {
		r := chi.NewRouter()
		feed.NewServer().RegisterRoutes(r)
		return r
	}())
	defer feedSrv.Close()

	clientFeed := feed.NewHTTPClient(feedSrv.URL)
	workerFeed := feed.NewHTTPClient(feedSrv.URL)

	clientKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	clientID := identity.New("client.eth", clientKey)

	workerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	workerID := identity.New("worker.eth", workerKey)

	network := newFakeClearingNetwork(t)
	defer network.Close()

	verifier := workerserver.NewChainVerifier(nil, dialFake(network, workerID))
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

	orch := orchestrator.New(clientID, nil, dialFake(network, clientID), 1337, "ytest.usd", nil)
	h := hirer.New(resolver, orch)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Worker side: watches the feed for an offer and posts an accept.
	machine := autonomous.NewWorkerStateMachine()
	onOffer := func(ctx context.Context, offer autonomous.Offer, item feed.Item) {
		require.NoError(t, machine.Transition(autonomous.StateOfferSeen))
		reply := fmt.Sprintf("[AGENTPAY_ACCEPT]\nens: %s", workerID.Name)
		_, err := workerFeed.Post(ctx, reply, item.ThreadID)
		require.NoError(t, err)
		require.NoError(t, machine.Transition(autonomous.StateAcceptSent))
	}
	workerLoop, err := autonomous.NewLoop(workerFeed, onOffer, nil, 50*time.Millisecond, nil)
	require.NoError(t, err)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go workerLoop.Run(workerCtx)

	// Client side: posts an offer, then watches for the matching accept.
	offerText := fmt.Sprintf("[AGENTPAY_OFFER]\ntask: summarize\nens: %s\nprice: 1000000", clientID.Name)
	posted, err := clientFeed.Post(ctx, offerText, "")
	require.NoError(t, err)

	hireDone := make(chan *hirer.Result, 1)
	onAccept := func(ctx context.Context, accept autonomous.Accept, item feed.Item) {
		if item.ThreadID != posted.ThreadID {
			return
		}
		result, err := h.Hire(ctx, accept.WorkerENS, "summarize", json.RawMessage(`{"doc":"hello"}`), config.PaymentMethodAppSession)
		require.NoError(t, err)
		hireDone <- result
	}
	clientLoop, err := autonomous.NewLoop(clientFeed, nil, onAccept, 50*time.Millisecond, nil)
	require.NoError(t, err)

	clientCtx, clientCancel := context.WithCancel(ctx)
	defer clientCancel()
	go clientLoop.Run(clientCtx)

	select {
	case result := <-hireDone:
		require.Equal(t, "completed", result.Status)
		var body map[string]string
		require.NoError(t, json.Unmarshal(result.Result, &body))
		require.Equal(t, "done", body["summary"])
	case <-ctx.Done():
		t.Fatal("autonomous round trip did not complete within the deadline")
	}

	require.Equal(t, autonomous.StateAcceptSent, machine.Current())
}
