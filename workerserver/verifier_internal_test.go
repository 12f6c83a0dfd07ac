package workerserver

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func transferLog(to common.Address, amount *big.Int) *types.Log {
	var topic2 common.Hash
	copy(topic2[12:], to.Bytes())
	return &types.Log{
		Topics: []common.Hash{transferEventSignature, common.Hash{}, topic2},
		Data:   amount.Bytes(),
	}
}

func TestCreditedAmountSumsMatchingTransfers(t *testing.T) {
	worker := common.HexToAddress("0xAA")
	other := common.HexToAddress("0xBB")

	receipt := &types.Receipt{Logs: []*types.Log{
		transferLog(worker, big.NewInt(600_000)),
		transferLog(worker, big.NewInt(400_000)),
		transferLog(other, big.NewInt(1_000_000)),
	}}

	require.Equal(t, big.NewInt(1_000_000), creditedAmount(receipt, worker))
}

func TestCreditedAmountIgnoresUnrelatedLogs(t *testing.T) {
	worker := common.HexToAddress("0xAA")
	receipt := &types.Receipt{Logs: []*types.Log{
		{Topics: []common.Hash{{0x01}}, Data: big.NewInt(500).Bytes()},
	}}

	require.Equal(t, big.NewInt(0), creditedAmount(receipt, worker))
}
