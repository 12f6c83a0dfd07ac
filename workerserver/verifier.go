package workerserver

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentpay/broker/appsession"
	"github.com/agentpay/broker/clearing"
	"github.com/agentpay/broker/onchain"
)

// transferEventSignature is the standard ERC20 Transfer(address,address,uint256)
// event topic, used to find the worker's credit inside a channel-close
// receipt's logs without needing the asset's ABI.
var transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ErrProofNotVerified is returned when a proof does not establish that the
// worker was credited at least bill.Amount.
var ErrProofNotVerified = errors.New("workerserver: payment proof does not establish sufficient credit")

// ChainVerifier implements ProofVerifier by reading the settlement chain for
// channel_close proofs and querying the clearing network for
// app_session_state proofs, per spec.md 4.G's verification rules.
type ChainVerifier struct {
	onChain *onchain.Client
	dial    func(ctx context.Context) (*clearing.Client, error)
}

// NewChainVerifier builds a ChainVerifier. dial opens a fresh authenticated
// clearing-network session on demand, mirroring orchestrator.Orchestrator.
func NewChainVerifier(onChain *onchain.Client, dial func(ctx context.Context) (*clearing.Client, error)) *ChainVerifier {
	return &ChainVerifier{onChain: onChain, dial: dial}
}

// VerifyChannelClose confirms the transaction reference's receipt carries an
// ERC20 Transfer of at least bill.Amount to bill.WorkerAddress.
func (v *ChainVerifier) VerifyChannelClose(ctx context.Context, reference string, bill Bill) error {
	if len(reference) != 66 || reference[:2] != "0x" {
		return fmt.Errorf("%w: malformed reference %q", ErrProofNotVerified, reference)
	}
	txHash := common.HexToHash(reference)

	receipt, err := v.onChain.AwaitReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("workerserver: await receipt: %w", err)
	}

	credited := creditedAmount(receipt, bill.WorkerAddress)
	if credited.Cmp(bill.Amount) < 0 {
		return fmt.Errorf("%w: credited %s, wanted %s", ErrProofNotVerified, credited, bill.Amount)
	}
	return nil
}

func creditedAmount(receipt *types.Receipt, worker common.Address) *big.Int {
	total := big.NewInt(0)
	for _, log := range receipt.Logs {
		if len(log.Topics) != 3 || log.Topics[0] != transferEventSignature {
			continue
		}
		to := common.BytesToAddress(log.Topics[2].Bytes())
		if to != worker {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(log.Data))
	}
	return total
}

// VerifyAppSessionState confirms the referenced app session carries an
// allocation crediting bill.WorkerAddress with at least bill.Amount of
// bill.Asset.
func (v *ChainVerifier) VerifyAppSessionState(ctx context.Context, reference string, bill Bill) error {
	sessionID, ok := appsession.ParseReference(reference)
	if !ok {
		return fmt.Errorf("%w: malformed reference %q", ErrProofNotVerified, reference)
	}

	cc, err := v.dial(ctx)
	if err != nil {
		return fmt.Errorf("workerserver: dial clearing network: %w", err)
	}
	defer cc.Close()

	allocations, err := appsession.Get(ctx, cc, sessionID)
	if err != nil {
		return fmt.Errorf("workerserver: fetch app session: %w", err)
	}

	for _, alloc := range allocations {
		if alloc.Participant == bill.WorkerAddress && alloc.Asset == bill.Asset && alloc.Amount.Cmp(bill.Amount) >= 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: session %s has no sufficient allocation to %s", ErrProofNotVerified, sessionID, bill.WorkerAddress)
}
