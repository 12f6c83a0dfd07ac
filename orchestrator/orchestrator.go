package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentpay/broker/appsession"
	"github.com/agentpay/broker/channel"
	"github.com/agentpay/broker/clearing"
	"github.com/agentpay/broker/config"
	"github.com/agentpay/broker/identity"
	"github.com/agentpay/broker/metrics"
	"github.com/agentpay/broker/onchain"
)

// backoff is the retry-with-backoff schedule spec.md 4.F specifies:
// "retry the failed step up to 2 times with exponential backoff (1 s, 4 s)."
var backoff = []time.Duration{1 * time.Second, 4 * time.Second}

// Bill is what a worker's 402 response carries and what Pay settles.
type Bill struct {
	Amount        *big.Int
	Asset         string
	WorkerAddress common.Address
	ExpiresAt     time.Time
}

// ProofKind distinguishes the two payment-proof shapes spec.md 4 names.
type ProofKind string

const (
	ProofKindChannelClose  ProofKind = "channel_close"
	ProofKindAppSessionSet ProofKind = "app_session_state"
)

// Proof is the settlement evidence Pay returns; the worker verifies it
// without calling back to the client (spec.md 4: "the worker MUST be able
// to verify a proof without calling back to the client").
type Proof struct {
	Kind          ProofKind
	Reference     string
	Amount        *big.Int
	WorkerAddress common.Address
}

// ChainAddresses is the fixed chain configuration channel.Path needs.
type ChainAddresses = onchain.Addresses

// Orchestrator drives one hire's payment across whichever path the caller
// selects, opening a fresh clearing-network session per logical operation
// (spec.md §9: "pass the client as a constructor dependency or open one
// session per logical operation ... acceptable if slightly chatty").
type Orchestrator struct {
	identity *identity.Identity
	onChain  *onchain.Client
	dial     func(ctx context.Context) (*clearing.Client, error)

	chainID    int64
	assetToken string

	metrics *metrics.Metrics

	// mu serialises channel operations: spec.md §5 "concurrent transfer
	// attempts on the same channel are serialised by the orchestrator (one
	// in-flight at a time)".
	mu             sync.Mutex
	currentChannel *channel.Channel
}

// New builds an Orchestrator. dial opens a fresh authenticated
// clearing-network session on demand. m may be nil, in which case Pay
// records nothing.
func New(id *identity.Identity, onChain *onchain.Client, dial func(ctx context.Context) (*clearing.Client, error), chainID int64, assetToken string, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{identity: id, onChain: onChain, dial: dial, chainID: chainID, assetToken: assetToken, metrics: m}
}

// Pay settles bill against counterparty using pathPreference, retrying the
// failed step up to twice with backoff on transient failures (spec.md 4.F),
// and records the outcome and latency on PaymentsTotal/PaymentLatency.
func (o *Orchestrator) Pay(ctx context.Context, bill Bill, counterparty common.Address, pathPreference config.PaymentMethod) (*Proof, error) {
	start := time.Now()
	proof, err := o.pay(ctx, bill, counterparty, pathPreference)
	if o.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		o.metrics.PaymentsTotal.WithLabelValues(string(pathPreference), outcome).Inc()
		o.metrics.PaymentLatency.WithLabelValues(string(pathPreference)).Observe(time.Since(start).Seconds())
	}
	return proof, err
}

func (o *Orchestrator) pay(ctx context.Context, bill Bill, counterparty common.Address, pathPreference config.PaymentMethod) (*Proof, error) {
	switch pathPreference {
	case config.PaymentMethodChannel:
		return o.payChannel(ctx, bill, counterparty)
	case config.PaymentMethodAppSession:
		return o.payAppSession(ctx, bill, counterparty, 2)
	default:
		return nil, fmt.Errorf("orchestrator: unknown payment path %q", pathPreference)
	}
}

func (o *Orchestrator) payChannel(ctx context.Context, bill Bill, worker common.Address) (*Proof, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cc, err := o.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: dial clearing network: %w", err)
	}
	defer cc.Close()

	path := channel.NewPath(cc, o.onChain, o.identity.Address, o.identity.SignDigest)

	if err := withRetry(ctx, func() error {
		snapshot, snapErr := waitForChannelsSnapshot(cc)
		ch, createErr := path.EnsureOpen(ctx, snapshot, o.chainID, o.assetToken)
		if createErr != nil {
			return fmt.Errorf("ensure channel open: %w", createErr)
		}
		_ = snapErr
		o.currentChannel = ch
		return nil
	}); err != nil {
		return nil, err
	}

	if err := withRetry(ctx, func() error {
		return path.Transfer(ctx, o.currentChannel, big.NewInt(0), worker, bill.Amount, bill.Asset)
	}); err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}

	var txHash common.Hash
	if err := withRetry(ctx, func() error {
		hash, closeErr := path.Close(ctx, o.currentChannel)
		if closeErr != nil {
			return closeErr
		}
		txHash = hash
		return nil
	}); err != nil {
		return nil, fmt.Errorf("close channel: %w", err)
	}

	return &Proof{
		Kind:          ProofKindChannelClose,
		Reference:     txHash.Hex(),
		Amount:        bill.Amount,
		WorkerAddress: worker,
	}, nil
}

func (o *Orchestrator) payAppSession(ctx context.Context, bill Bill, worker common.Address, quorum int) (*Proof, error) {
	cc, err := o.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: dial clearing network: %w", err)
	}
	defer cc.Close()

	var session *appsession.Session
	if err := withRetry(ctx, func() error {
		s, createErr := appsession.Create(ctx, cc, appsession.Definition{
			Application:       "agentpay",
			ProtocolVersion:   "1",
			Participants:      [2]common.Address{o.identity.Address, worker},
			Weights:           [2]int{1, 1},
			Quorum:            quorum,
			ChallengeDuration: time.Hour,
		})
		if createErr != nil {
			return createErr
		}
		session = s
		return nil
	}); err != nil {
		return nil, fmt.Errorf("create app session: %w", err)
	}

	allocations := []appsession.Allocation{
		{Participant: o.identity.Address, Asset: bill.Asset, Amount: big.NewInt(0)},
		{Participant: worker, Asset: bill.Asset, Amount: bill.Amount},
	}

	var outcome appsession.Outcome
	if err := withRetry(ctx, func() error {
		out, submitErr := appsession.SubmitState(ctx, cc, session, allocations)
		if submitErr != nil {
			return submitErr
		}
		outcome = out
		return nil
	}); err != nil {
		return nil, fmt.Errorf("submit state: %w", err)
	}
	_ = outcome

	if err := withRetry(ctx, func() error {
		return appsession.Close(ctx, cc, session, allocations)
	}); err != nil {
		return nil, fmt.Errorf("close app session: %w", err)
	}

	return &Proof{
		Kind:          ProofKindAppSessionSet,
		Reference:     session.Reference(),
		Amount:        bill.Amount,
		WorkerAddress: worker,
	}, nil
}

// waitForChannelsSnapshot drains the first "channels" notification the
// server emits right after auth, per spec.md 4.D step 1.
func waitForChannelsSnapshot(cc *clearing.Client) ([]byte, error) {
	select {
	case note := <-cc.Notifications:
		if note.Method == "channels" {
			return note.Payload, nil
		}
		return nil, nil
	case <-time.After(2 * time.Second):
		return nil, errors.New("orchestrator: no channels snapshot received")
	}
}

func withRetry(ctx context.Context, step func() error) error {
	var lastErr error
	for attempt := 0; attempt <= len(backoff); attempt++ {
		lastErr = step()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt == len(backoff) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff[attempt]):
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	return errors.Is(err, clearing.ErrClearingTimeout) || errors.Is(err, onchain.ErrOnChainFailed)
}
