// Package identity implements the Identity Projection (C3): mapping a
// ledger address onto the scalar field the membership Merkle tree's leaves
// live in. The production system's SNARK circuit fixes the hash used for
// tree leaves; no such primitive exists anywhere in the Coordinator's
// dependency corpus, so Hasher is an interface with one documented demo
// implementation swappable for a real one without touching callers.
package identity

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// bn254ScalarField is the modulus of the BN254 curve's scalar field, the
// field the original Groth16/Plonk membership circuit operates over. A real
// Poseidon-over-BN254 hasher would reduce into this field; the demo hasher
// below does the same reduction so the rest of the system is shaped
// correctly even though the hash itself is not a SNARK-friendly function.
var bn254ScalarField, _ = new(big.Int).SetString("21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)

// Hasher projects a ledger address into the membership tree's leaf field.
// Swap in a real Poseidon/BN254 implementation here once one is available;
// every caller in this package only depends on this interface.
type Hasher interface {
	Hash(addr common.Address) *big.Int
}

// Keccak256Hasher is the demo projection: Keccak256(address) reduced into
// the BN254 scalar field. It is NOT SNARK-friendly and must not be used to
// generate real membership proofs; it exists so the Coordinator's roster
// and Merkle-adjacent plumbing has a concrete, deterministic Hasher to
// exercise end to end.
type Keccak256Hasher struct{}

func (Keccak256Hasher) Hash(addr common.Address) *big.Int {
	digest := crypto.Keccak256(addr.Bytes())
	value := new(big.Int).SetBytes(digest)
	return value.Mod(value, bn254ScalarField)
}

// Projector resolves addresses to commitments using a Hasher, keeping the
// field reduction in one place for the store and server packages.
type Projector struct {
	hasher Hasher
}

func NewProjector(hasher Hasher) *Projector {
	if hasher == nil {
		hasher = Keccak256Hasher{}
	}
	return &Projector{hasher: hasher}
}

// Commitment returns the decimal string form of addr's projected identity,
// the format stored in a poll's membership_roster column.
func (p *Projector) Commitment(addr common.Address) string {
	return p.hasher.Hash(addr).String()
}

// CommitmentsForRoster projects every address in a membership list,
// preserving order so the roster can be compared against on-chain state.
func (p *Projector) CommitmentsForRoster(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = p.Commitment(a)
	}
	return out
}

// FieldElementsForRoster returns the same commitments as *big.Int, the
// shape the Chain Gateway's AddMembers call needs for bytes32 encoding.
func (p *Projector) FieldElementsForRoster(addrs []common.Address) []*big.Int {
	out := make([]*big.Int, len(addrs))
	for i, a := range addrs {
		out[i] = p.hasher.Hash(a)
	}
	return out
}
