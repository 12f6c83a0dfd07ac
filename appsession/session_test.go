package appsession

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestCheckConservationHolds(t *testing.T) {
	client := common.HexToAddress("0x01")
	worker := common.HexToAddress("0x02")

	before := []Allocation{
		{Participant: client, Asset: "ytest.usd", Amount: big.NewInt(1_000_000)},
		{Participant: worker, Asset: "ytest.usd", Amount: big.NewInt(0)},
	}
	after := []Allocation{
		{Participant: client, Asset: "ytest.usd", Amount: big.NewInt(0)},
		{Participant: worker, Asset: "ytest.usd", Amount: big.NewInt(1_000_000)},
	}

	require.NoError(t, checkConservation(before, after))
}

func TestCheckConservationCatchesLeak(t *testing.T) {
	client := common.HexToAddress("0x01")
	worker := common.HexToAddress("0x02")

	before := []Allocation{
		{Participant: client, Asset: "ytest.usd", Amount: big.NewInt(1_000_000)},
	}
	after := []Allocation{
		{Participant: worker, Asset: "ytest.usd", Amount: big.NewInt(900_000)},
	}

	err := checkConservation(before, after)
	require.ErrorIs(t, err, ErrConservationViolated)
}

func TestReferenceFormat(t *testing.T) {
	s := &Session{ID: "0xSID", Version: 2}
	require.Equal(t, "session:0xSID:version:2", s.Reference())
}

func TestParseReferenceRoundTrips(t *testing.T) {
	id, ok := ParseReference("session:0xSID:version:2")
	require.True(t, ok)
	require.Equal(t, "0xSID", id)
}

func TestParseReferenceRejectsMalformed(t *testing.T) {
	_, ok := ParseReference("not-a-reference")
	require.False(t, ok)
}
