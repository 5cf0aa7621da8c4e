package auth

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"votara/services/coordinator/apperr"
)

// LoginMessage is the canonical struct a client signs to prove possession
// of a ledger key; it embeds the nonce so replaying a stale signature
// against a new nonce is impossible.
type LoginMessage struct {
	Domain  string `json:"domain"`
	Address string `json:"address"`
	Nonce   string `json:"nonce"`
	ChainID uint64 `json:"chainId"`
	IssuedAt int64 `json:"issuedAt"`
}

// CanonicalString renders the message in the fixed field order RecoverAddress
// hashes, so client and server never disagree on byte layout.
func (m LoginMessage) CanonicalString() string {
	return fmt.Sprintf("votara-login\ndomain: %s\naddress: %s\nnonce: %s\nchainId: %d\nissuedAt: %d",
		m.Domain, strings.ToLower(m.Address), m.Nonce, m.ChainID, m.IssuedAt)
}

// RecoverAddress recovers the signer of msg's canonical string from a
// 65-byte secp256k1 signature and confirms it matches msg.Address, the same
// SigToPub/PubkeyToAddress recovery voucher.go uses to authenticate a
// counterparty's voucher claim.
func RecoverAddress(msg LoginMessage, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", apperr.New(apperr.Unauthorized, "signature must be 65 bytes")
	}
	// go-ethereum's recovery id convention expects 0/1 in the last byte.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := accounts.TextHash([]byte(msg.CanonicalString()))
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", apperr.Wrap(apperr.Unauthorized, "recover signer", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), msg.Address) {
		return "", apperr.New(apperr.Unauthorized, "signature does not match claimed address")
	}
	return common.HexToAddress(msg.Address).Hex(), nil
}
