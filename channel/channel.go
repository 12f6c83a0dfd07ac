package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentpay/broker/clearing"
	"github.com/agentpay/broker/onchain"
)

// ErrNonZeroOnChainBalance is returned when Transfer is attempted while the
// channel's on-chain balance is not zero — spec.md 4.D: "If the channel
// carries a non-zero on-chain balance, transfer fails."
var ErrNonZeroOnChainBalance = errors.New("channel: on-chain balance is not zero")

// Status is a Channel's lifecycle state.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Channel is the payment-channel state 4.D operates on.
type Channel struct {
	ID         string `json:"channel_id"`
	ChainID    int64  `json:"chain_id"`
	AssetToken string `json:"asset_token"`
	Status     Status `json:"status"`
}

type snapshotEntry struct {
	ChannelID  string `json:"channel_id"`
	ChainID    int64  `json:"chain_id"`
	AssetToken string `json:"asset_token"`
	Status     Status `json:"status"`
	OnChain    string `json:"on_chain_balance"`
}

// Path drives the three channel operations over a clearing session and an
// on-chain client, mirroring the teacher's Deploy()-style sequential steps,
// each wrapped with a descriptive error.
type Path struct {
	clearing *clearing.Client
	onchain  *onchain.Client
	self     common.Address
	sign     onchain.DigestSigner

	callTimeout time.Duration
}

// NewPath builds a Path bound to one clearing session and one on-chain
// client. self is the identity's address; sign produces on-chain
// transaction signatures without exposing the signing key.
func NewPath(cc *clearing.Client, oc *onchain.Client, self common.Address, sign onchain.DigestSigner) *Path {
	return &Path{clearing: cc, onchain: oc, self: self, sign: sign, callTimeout: 30 * time.Second}
}

// EnsureOpen reuses an already-open channel from the auth-time "channels"
// snapshot if present, otherwise creates one for (chainID, assetToken) and
// submits its initial state on-chain (spec.md 4.D step 1).
func (p *Path) EnsureOpen(ctx context.Context, snapshot []byte, chainID int64, assetToken string) (*Channel, error) {
	if existing, err := findOpenChannel(snapshot, chainID, assetToken); err == nil {
		return existing, nil
	}

	resp, err := p.clearing.Call(ctx, "create_channel", map[string]any{
		"chain_id":    chainID,
		"asset_token": assetToken,
	}, p.callTimeout)
	if err != nil {
		return nil, fmt.Errorf("channel: create_channel: %w", err)
	}

	var created struct {
		ChannelID      string          `json:"channel_id"`
		UnsignedState  json.RawMessage `json:"unsigned_initial_state"`
		ServerSig      string          `json:"server_signature"`
		AdjudicatorTo  string          `json:"adjudicator_address"`
		InitialCalldat string          `json:"initial_calldata"`
	}
	if err := json.Unmarshal(resp, &created); err != nil {
		return nil, fmt.Errorf("channel: decode create_channel response: %w", err)
	}

	calldata := []byte(created.InitialCalldat)
	to := p.onchain.Addresses().Custody
	if created.AdjudicatorTo != "" {
		to = common.HexToAddress(created.AdjudicatorTo)
	}

	txHash, err := p.onchain.SubmitCallData(ctx, p.self, p.sign, to, calldata, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("channel: submit initial state on-chain: %w", err)
	}
	if _, err := p.onchain.AwaitReceipt(ctx, txHash); err != nil {
		return nil, fmt.Errorf("channel: await initial state receipt: %w", err)
	}

	return &Channel{ID: created.ChannelID, ChainID: chainID, AssetToken: assetToken, Status: StatusOpen}, nil
}

// Transfer moves amount of asset from unified balance to destination,
// preconditioned on ch carrying zero on-chain balance (spec.md 4.D step 2).
func (p *Path) Transfer(ctx context.Context, ch *Channel, onChainBalance *big.Int, destination common.Address, amount *big.Int, asset string) error {
	if onChainBalance != nil && onChainBalance.Sign() != 0 {
		return fmt.Errorf("%w: channel %s", ErrNonZeroOnChainBalance, ch.ID)
	}

	_, err := p.clearing.Call(ctx, "transfer", map[string]any{
		"destination": destination.Hex(),
		"allocations": []map[string]any{{"asset": asset, "amount": amount.String()}},
	}, p.callTimeout)
	if err != nil {
		return fmt.Errorf("channel: transfer: %w", err)
	}
	return nil
}

// Close closes ch and settles the final state on-chain, returning the
// settlement transaction hash as the payment proof reference (spec.md 4.D
// step 3).
func (p *Path) Close(ctx context.Context, ch *Channel) (common.Hash, error) {
	resp, err := p.clearing.Call(ctx, "close_channel", map[string]any{
		"channel_id":  ch.ID,
		"destination": p.self.Hex(),
	}, p.callTimeout)
	if err != nil {
		return common.Hash{}, fmt.Errorf("channel: close_channel: %w", err)
	}

	var closed struct {
		FinalCalldata string `json:"final_calldata"`
		AdjudicatorTo string `json:"adjudicator_address"`
	}
	if err := json.Unmarshal(resp, &closed); err != nil {
		return common.Hash{}, fmt.Errorf("channel: decode close_channel response: %w", err)
	}

	to := p.onchain.Addresses().Adjudicator
	if closed.AdjudicatorTo != "" {
		to = common.HexToAddress(closed.AdjudicatorTo)
	}

	txHash, err := p.onchain.SubmitCallData(ctx, p.self, p.sign, to, []byte(closed.FinalCalldata), big.NewInt(0))
	if err != nil {
		return common.Hash{}, fmt.Errorf("channel: submit close on-chain: %w", err)
	}
	if _, err := p.onchain.AwaitReceipt(ctx, txHash); err != nil {
		return common.Hash{}, fmt.Errorf("channel: await close receipt: %w", err)
	}

	ch.Status = StatusClosed
	return txHash, nil
}

func findOpenChannel(snapshot []byte, chainID int64, assetToken string) (*Channel, error) {
	if len(snapshot) == 0 {
		return nil, errors.New("channel: no snapshot available")
	}
	var entries []snapshotEntry
	if err := json.Unmarshal(snapshot, &entries); err != nil {
		return nil, fmt.Errorf("channel: decode channels snapshot: %w", err)
	}
	for _, e := range entries {
		if e.Status == StatusOpen && e.ChainID == chainID && e.AssetToken == assetToken {
			return &Channel{ID: e.ChannelID, ChainID: e.ChainID, AssetToken: e.AssetToken, Status: e.Status}, nil
		}
	}
	return nil, errors.New("channel: no open channel in snapshot")
}
