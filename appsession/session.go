package appsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentpay/broker/clearing"
)

// Status is a Session's lifecycle state.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Outcome distinguishes an accepted submission from one accepted on this
// side but still awaiting the counterparty's signature under quorum=2
// (spec.md 4.C "Quorum-error semantics").
type Outcome string

const (
	Accepted        Outcome = "accepted"
	PartiallySigned Outcome = "partially_signed"
)

// ErrConservationViolated is returned when a proposed allocation set does
// not preserve the total across all assets (spec.md invariant: "sum of
// allocations in any accepted state equals sum at session creation").
var ErrConservationViolated = errors.New("appsession: allocations do not conserve total")

// Allocation is one participant's per-asset balance within a session.
type Allocation struct {
	Participant common.Address `json:"participant"`
	Asset       string         `json:"asset"`
	Amount      *big.Int       `json:"amount"`
}

// Definition is the payload passed to create_app_session.
type Definition struct {
	Application       string
	ProtocolVersion   string
	Participants      [2]common.Address
	Weights           [2]int
	Quorum            int
	ChallengeDuration time.Duration
	Nonce             int64
}

// Session is the app-session state 4.E operates on.
type Session struct {
	ID           string
	Participants [2]common.Address
	Weights      [2]int
	Quorum       int
	Version      int
	Status       Status
	Allocations  []Allocation
}

// Reference returns the payment-proof reference string for the session at
// its current version, per spec.md 4.B: "session:<id>:version:<n>".
func (s *Session) Reference() string {
	return fmt.Sprintf("session:%s:version:%d", s.ID, s.Version)
}

// Create opens a new app session with zero allocations, per spec.md 4.E.
func Create(ctx context.Context, cc *clearing.Client, def Definition) (*Session, error) {
	if def.Nonce == 0 {
		def.Nonce = time.Now().Unix()
	}

	resp, err := cc.Call(ctx, "create_app_session", map[string]any{
		"application":        def.Application,
		"protocol_version":   def.ProtocolVersion,
		"participants":       []string{def.Participants[0].Hex(), def.Participants[1].Hex()},
		"weights":            def.Weights[:],
		"quorum":             def.Quorum,
		"challenge_duration": int64(def.ChallengeDuration.Seconds()),
		"nonce":              def.Nonce,
		"allocations":        []Allocation{},
	}, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("appsession: create_app_session: %w", err)
	}

	var created struct {
		AppSessionID string `json:"app_session_id"`
		Version      int    `json:"version"`
	}
	if err := json.Unmarshal(resp, &created); err != nil {
		return nil, fmt.Errorf("appsession: decode create_app_session response: %w", err)
	}

	return &Session{
		ID:           created.AppSessionID,
		Participants: def.Participants,
		Weights:      def.Weights,
		Quorum:       def.Quorum,
		Version:      created.Version,
		Status:       StatusOpen,
	}, nil
}

// SubmitState submits allocations at s.Version+1. For quorum=1 sessions a
// success frame always yields Accepted. For quorum=2 sessions, a "quorum not
// reached" error from the clearing network is not a failure — it means this
// side's signature was accepted and the caller should treat the outcome as
// PartiallySigned and wait for (or trigger) the counterparty's send.
func SubmitState(ctx context.Context, cc *clearing.Client, s *Session, allocations []Allocation) (Outcome, error) {
	if err := checkConservation(s.Allocations, allocations); err != nil {
		return "", err
	}

	nextVersion := s.Version + 1
	_, err := cc.Call(ctx, "submit_app_state", map[string]any{
		"app_session_id": s.ID,
		"intent":         "operate",
		"version":        nextVersion,
		"allocations":    allocations,
	}, 30*time.Second)

	if err != nil {
		if clearing.IsQuorumNotReached(err) {
			return PartiallySigned, nil
		}
		return "", fmt.Errorf("appsession: submit_app_state: %w", err)
	}

	s.Version = nextVersion
	s.Allocations = allocations
	return Accepted, nil
}

// Close closes s with finalAllocations, per spec.md 4.E "Close session":
// quorum=1 is a single call; for quorum=2 this side sends its copy of the
// payload (the counterparty sends the same payload on its own connection)
// and then, whether the call was acknowledged or answered "quorum not
// reached", polls get_app_sessions until status=closed.
func Close(ctx context.Context, cc *clearing.Client, s *Session, finalAllocations []Allocation) error {
	if err := checkConservation(s.Allocations, finalAllocations); err != nil {
		return err
	}

	_, err := cc.Call(ctx, "close_app_session", map[string]any{
		"app_session_id":    s.ID,
		"final_allocations": finalAllocations,
	}, 30*time.Second)

	if err != nil && !clearing.IsQuorumNotReached(err) {
		return fmt.Errorf("appsession: close_app_session: %w", err)
	}

	s.Allocations = finalAllocations

	if s.Quorum == 1 {
		s.Status = StatusClosed
		return nil
	}

	// quorum=2: this side's signature was accepted (either via a direct
	// success or "quorum not reached"). Poll for the session to settle to
	// closed, since the clearing server sometimes omits the second-side
	// acknowledgement (spec.md §9 Open Questions).
	return pollUntilClosed(ctx, cc, s)
}

// ParseReference splits a "session:<id>:version:<n>" string (the shape
// Session.Reference produces) back into its session ID. The version suffix
// is informational only: a verifier checks the live allocations, not the
// version a payment proof happened to be minted at.
func ParseReference(reference string) (sessionID string, ok bool) {
	const prefix = "session:"
	if !strings.HasPrefix(reference, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(reference, prefix)
	idx := strings.Index(rest, ":version:")
	if idx < 0 {
		return "", false
	}
	return rest[:idx], true
}

// Get fetches the current allocations for sessionID directly from the
// clearing network, for a party that only knows a session reference (e.g. a
// worker verifying a payment proof) rather than holding a live *Session.
func Get(ctx context.Context, cc *clearing.Client, sessionID string) ([]Allocation, error) {
	resp, err := cc.Call(ctx, "get_app_sessions", map[string]any{"app_session_id": sessionID}, 20*time.Second)
	if err != nil {
		return nil, fmt.Errorf("appsession: get_app_sessions: %w", err)
	}

	var sessions []struct {
		AppSessionID string       `json:"app_session_id"`
		Allocations  []Allocation `json:"allocations"`
	}
	if err := json.Unmarshal(resp, &sessions); err != nil {
		return nil, fmt.Errorf("appsession: decode get_app_sessions response: %w", err)
	}
	for _, sess := range sessions {
		if sess.AppSessionID == sessionID {
			return sess.Allocations, nil
		}
	}
	return nil, fmt.Errorf("appsession: session %s not found", sessionID)
}

func pollUntilClosed(ctx context.Context, cc *clearing.Client, s *Session) error {
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := cc.Call(ctx, "get_app_sessions", map[string]any{"app_session_id": s.ID}, 20*time.Second)
		if err == nil {
			var sessions []struct {
				AppSessionID string `json:"app_session_id"`
				Status       Status `json:"status"`
			}
			if json.Unmarshal(resp, &sessions) == nil {
				for _, sess := range sessions {
					if sess.AppSessionID == s.ID && sess.Status == StatusClosed {
						s.Status = StatusClosed
						return nil
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("appsession: poll for close: %w", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
	return errors.New("appsession: session did not close within grace period")
}

func checkConservation(before, after []Allocation) error {
	if len(before) == 0 {
		return nil
	}
	totals := make(map[string]*big.Int)
	for _, a := range before {
		add(totals, a.Asset, a.Amount)
	}
	for _, a := range after {
		add(totals, a.Asset, new(big.Int).Neg(a.Amount))
	}
	for asset, remaining := range totals {
		if remaining.Sign() != 0 {
			return fmt.Errorf("%w: asset %s off by %s", ErrConservationViolated, asset, remaining.String())
		}
	}
	return nil
}

func add(totals map[string]*big.Int, asset string, amount *big.Int) {
	cur, ok := totals[asset]
	if !ok {
		cur = big.NewInt(0)
		totals[asset] = cur
	}
	cur.Add(cur, amount)
}
