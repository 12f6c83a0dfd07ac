package autonomous_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentpay/broker/autonomous"
	"github.com/agentpay/broker/feed"
)

type stubProvider struct {
	mu    sync.Mutex
	batch []feed.Item
	calls int
}

func (p *stubProvider) Items(ctx context.Context) ([]feed.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.batch, nil
}

func TestLoopDispatchesOffersAndAccepts(t *testing.T) {
	provider := &stubProvider{batch: []feed.Item{
		{ID: "1", Text: "Offering 5 AP to summarize. AgentPay. My ENS: alice.eth"},
		{ID: "2", Text: "I'll do it. My ENS: bob.eth"},
		{ID: "3", Text: "just chatting"},
	}}

	var mu sync.Mutex
	var offers []autonomous.Offer
	var accepts []autonomous.Accept

	loop, err := autonomous.NewLoop(provider,
		func(ctx context.Context, offer autonomous.Offer, item feed.Item) {
			mu.Lock()
			offers = append(offers, offer)
			mu.Unlock()
		},
		func(ctx context.Context, accept autonomous.Accept, item feed.Item) {
			mu.Lock()
			accepts = append(accepts, accept)
			mu.Unlock()
		},
		10*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, offers, 1)
	require.Equal(t, "alice.eth", offers[0].PosterENS)
	require.Len(t, accepts, 1)
	require.Equal(t, "bob.eth", accepts[0].WorkerENS)
}

func TestLoopDeduplicatesByID(t *testing.T) {
	provider := &stubProvider{batch: []feed.Item{
		{ID: "same-id", Text: "Offering 5 AP to summarize. AgentPay. My ENS: alice.eth"},
	}}

	var mu sync.Mutex
	seenCount := 0

	loop, err := autonomous.NewLoop(provider,
		func(ctx context.Context, offer autonomous.Offer, item feed.Item) {
			mu.Lock()
			seenCount++
			mu.Unlock()
		}, nil, 5*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, seenCount)
	require.GreaterOrEqual(t, provider.calls, 2)
}

type erroringProvider struct{}

func (erroringProvider) Items(ctx context.Context) ([]feed.Item, error) {
	return nil, errors.New("feed unavailable")
}

func TestLoopSurvivesProviderErrors(t *testing.T) {
	loop, err := autonomous.NewLoop(erroringProvider{}, nil, nil, 5*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()
	loop.Run(ctx)
}
