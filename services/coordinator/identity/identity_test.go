package identity

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestKeccak256HasherIsDeterministicAndReduced(t *testing.T) {
	h := Keccak256Hasher{}
	addr := common.HexToAddress("0x000000000000000000000000000000000000aa")

	a := h.Hash(addr)
	b := h.Hash(addr)
	require.Equal(t, a, b)
	require.True(t, a.Cmp(bn254ScalarField) < 0)
}

func TestProjectorCommitmentsForRosterPreservesOrder(t *testing.T) {
	p := NewProjector(Keccak256Hasher{})
	addrs := []common.Address{
		common.HexToAddress("0x00000000000000000000000000000000000001"),
		common.HexToAddress("0x00000000000000000000000000000000000002"),
	}
	commitments := p.CommitmentsForRoster(addrs)
	require.Len(t, commitments, 2)
	require.NotEqual(t, commitments[0], commitments[1])
	require.Equal(t, p.Commitment(addrs[0]), commitments[0])
}

func TestNewProjectorDefaultsToKeccak256Hasher(t *testing.T) {
	p := NewProjector(nil)
	require.NotPanics(t, func() {
		p.Commitment(common.HexToAddress("0x01"))
	})
}
