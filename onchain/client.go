package onchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrOnChainFailed maps to spec.md's OnChainFailed error kind: "retried with
// a fresh gas estimate once, then surfaced."
var ErrOnChainFailed = errors.New("onchain: transaction failed")

// DigestSigner signs a pre-computed 32-byte transaction digest, matching
// identity.Identity.SignDigest's signature — the raw signing key never
// leaves the identity package.
type DigestSigner func(digest [32]byte) ([]byte, error)

// Addresses holds the fixed custody and adjudicator contract addresses the
// clearing network's channel path settles against.
type Addresses struct {
	Custody     common.Address
	Adjudicator common.Address
}

// Client submits the clearing server's pre-built channel states to the
// settlement chain and waits for their receipts.
type Client struct {
	eth       *ethclient.Client
	addresses Addresses
	chainID   *big.Int

	receiptPoll    time.Duration
	receiptTimeout time.Duration
}

// Dial connects to rpcURL and reads the chain ID once, mirroring how
// go-ethereum client examples fetch chain ID up front for tx signing.
func Dial(ctx context.Context, rpcURL string, addresses Addresses) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain: dial %s: %w", rpcURL, err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("onchain: read chain id: %w", err)
	}
	return &Client{
		eth:            eth,
		addresses:      addresses,
		chainID:        chainID,
		receiptPoll:    500 * time.Millisecond,
		receiptTimeout: 60 * time.Second,
	}, nil
}

// SubmitCallData signs and sends a transaction carrying calldata to the
// target contract, using sign to produce the signature over the tx digest
// go-ethereum computes. It returns the transaction hash immediately after
// broadcast; callers await the receipt separately with AwaitReceipt so a
// single suspending operation maps to one spec.md operation.
func (c *Client) SubmitCallData(ctx context.Context, from common.Address, sign DigestSigner, to common.Address, calldata []byte, value *big.Int) (common.Hash, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: nonce: %v", ErrOnChainFailed, err)
	}

	gasTipCap, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: gas tip: %v", ErrOnChainFailed, err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: head: %v", ErrOnChainFailed, err)
	}
	gasFeeCap := new(big.Int).Add(gasTipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	if value == nil {
		value = big.NewInt(0)
	}
	msg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: calldata}
	gasLimit, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		// Retry once with a fresh estimate before surfacing, per spec.md
		// OnChainFailed handling.
		gasLimit, err = c.eth.EstimateGas(ctx, msg)
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: estimate gas: %v", ErrOnChainFailed, err)
		}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      calldata,
	})

	txSigner := types.LatestSignerForChainID(c.chainID)
	var digest [32]byte
	copy(digest[:], txSigner.Hash(tx).Bytes())

	sig, err := sign(digest)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: sign: %v", ErrOnChainFailed, err)
	}
	signed, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: apply signature: %v", ErrOnChainFailed, err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("%w: broadcast: %v", ErrOnChainFailed, err)
	}
	return signed.Hash(), nil
}

// AwaitReceipt polls for tx's receipt until it appears, the context is
// cancelled, or the internal receipt timeout elapses. A non-successful
// status maps to ErrOnChainFailed.
func (c *Client) AwaitReceipt(ctx context.Context, tx common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, tx)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: tx %s reverted", ErrOnChainFailed, tx)
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %v", ErrOnChainFailed, err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for receipt: %v", ErrOnChainFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Addresses returns the custody and adjudicator contract addresses this
// client was configured with.
func (c *Client) Addresses() Addresses {
	return c.addresses
}
