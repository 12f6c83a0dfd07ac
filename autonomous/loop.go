package autonomous

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentpay/broker/feed"
)

// dedupeCacheSize bounds the recent-item-id LRU spec.md 4.I requires
// ("deduplicate by id, bounded LRU of recent ids").
const dedupeCacheSize = 1024

// OfferHandler is called for every parsed offer.
type OfferHandler func(ctx context.Context, offer Offer, item feed.Item)

// AcceptHandler is called for every parsed accept.
type AcceptHandler func(ctx context.Context, accept Accept, item feed.Item)

// Loop polls a feed.Provider on an interval, deduplicates items by id, and
// dispatches parsed offers/accepts to callbacks. Runs until ctx is cancelled
// (spec.md 4.I: "Loop runs until cancelled").
type Loop struct {
	provider     feed.Provider
	onOffer      OfferHandler
	onAccept     AcceptHandler
	pollInterval time.Duration
	log          *slog.Logger

	seen *lru.Cache[string, struct{}]
}

// NewLoop builds a Loop. onOffer/onAccept may be nil, in which case matching
// items are simply skipped.
func NewLoop(provider feed.Provider, onOffer OfferHandler, onAccept AcceptHandler, pollInterval time.Duration, log *slog.Logger) (*Loop, error) {
	seen, err := lru.New[string, struct{}](dedupeCacheSize)
	if err != nil {
		return nil, err
	}
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	return &Loop{
		provider:     provider,
		onOffer:      onOffer,
		onAccept:     onAccept,
		pollInterval: pollInterval,
		log:          log,
		seen:         seen,
	}, nil
}

// Run polls forever until ctx is cancelled, responding to cancellation
// between polls rather than mid-poll (spec.md 5: "The autonomous loop
// responds to cancellation between polls, not mid-frame").
func (l *Loop) Run(ctx context.Context) {
	l.pollOnce(ctx)

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pollOnce(ctx)
		}
	}
}

func (l *Loop) pollOnce(ctx context.Context) {
	items, err := l.provider.Items(ctx)
	if err != nil {
		if l.log != nil {
			l.log.Warn("autonomous: feed poll failed", "err", err)
		}
		return
	}

	for _, item := range items {
		if _, ok := l.seen.Get(item.ID); ok {
			continue
		}
		l.seen.Add(item.ID, struct{}{})

		if offer := ParseOffer(item.Text); offer != nil && l.onOffer != nil {
			l.onOffer(ctx, *offer, item)
		}
		if accept := ParseAccept(item.Text); accept != nil && l.onAccept != nil {
			l.onAccept(ctx, *accept, item)
		}
	}
}
