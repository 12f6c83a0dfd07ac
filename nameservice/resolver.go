package nameservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNameNotFound is returned when the name has no registration at all.
var ErrNameNotFound = errors.New("nameservice: name not found")

// ErrRecordMissing is returned when the name resolves but one of the
// required text records (endpoint, capabilities, address) is absent or the
// address is not a valid hex address. An empty price table is accepted.
var ErrRecordMissing = errors.New("nameservice: required record missing")

// ResolvedName is the tuple 4.B returns for a successful lookup.
type ResolvedName struct {
	Endpoint     string            `json:"endpoint"`
	Capabilities []string          `json:"capabilities"`
	PriceTable   map[string]string `json:"prices"`
	Address      common.Address    `json:"address"`
}

type cacheEntry struct {
	resolved  ResolvedName
	expiresAt time.Time
}

// Resolver looks up names against a name-service HTTP endpoint and caches
// results in memory with a TTL, per spec.md 4.B ("Results MAY be cached in
// memory with a TTL of minutes").
type Resolver struct {
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration

	cache *lru.Cache[string, cacheEntry]
}

// NewResolver builds a Resolver against baseURL with the given cache TTL and
// a bounded LRU of cacheSize entries, so a long-lived agent resolving many
// distinct names does not grow memory without bound.
func NewResolver(baseURL string, ttl time.Duration, cacheSize int) (*Resolver, error) {
	cache, err := lru.New[string, cacheEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("nameservice: build cache: %w", err)
	}
	return &Resolver{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		ttl:        ttl,
		cache:      cache,
	}, nil
}

// records mirrors the wire shape the demo name-service server returns.
type records struct {
	Endpoint     string            `json:"agentpay.endpoint"`
	Capabilities []string          `json:"agentpay.capabilities"`
	Prices       map[string]string `json:"agentpay.prices"`
	Address      string            `json:"address"`
}

// Resolve returns the endpoint, capabilities, price table, and address
// registered for name, consulting the in-memory cache first.
func (r *Resolver) Resolve(ctx context.Context, name string) (ResolvedName, error) {
	if entry, ok := r.cache.Get(name); ok && time.Now().Before(entry.expiresAt) {
		return entry.resolved, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/resolve/"+name, nil)
	if err != nil {
		return ResolvedName{}, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return ResolvedName{}, fmt.Errorf("nameservice: lookup %q: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ResolvedName{}, fmt.Errorf("%w: %s", ErrNameNotFound, name)
	}
	if resp.StatusCode != http.StatusOK {
		return ResolvedName{}, fmt.Errorf("nameservice: lookup %q: unexpected status %d", name, resp.StatusCode)
	}

	var rec records
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return ResolvedName{}, fmt.Errorf("nameservice: decode response for %q: %w", name, err)
	}

	if rec.Endpoint == "" || rec.Address == "" || len(rec.Capabilities) == 0 {
		return ResolvedName{}, fmt.Errorf("%w: %s", ErrRecordMissing, name)
	}
	if !common.IsHexAddress(rec.Address) {
		return ResolvedName{}, fmt.Errorf("%w: %s has invalid address record", ErrRecordMissing, name)
	}

	resolved := ResolvedName{
		Endpoint:     rec.Endpoint,
		Capabilities: rec.Capabilities,
		PriceTable:   rec.Prices,
		Address:      common.HexToAddress(rec.Address),
	}

	r.cache.Add(name, cacheEntry{resolved: resolved, expiresAt: time.Now().Add(r.ttl)})
	return resolved, nil
}

// Invalidate drops any cached entry for name, forcing the next Resolve to
// hit the network.
func (r *Resolver) Invalidate(name string) {
	r.cache.Remove(name)
}
