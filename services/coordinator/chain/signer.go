package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// signer holds the Coordinator's single operator key, used only for the two
// group-management writes the Chain Gateway ever submits. Grounded on
// voucher.go's private-key-to-address handling.
type signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func newSigner(hexKey string) (*signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *signer) sign(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewEIP155Signer(chainID), s.key)
}
