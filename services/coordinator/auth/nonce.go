// Package auth implements the Auth Gate (C5): stateless signed-nonce
// login followed by bearer JWTs, grounded on gateway/auth/auth.go's
// HMAC-envelope idiom but without that package's persistence layer — the
// login nonce here is self-verifying, so no nonce store is needed.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"votara/services/coordinator/apperr"
)

const nonceValidity = 5 * time.Minute

// NonceIssuer mints and verifies self-contained login nonces. A nonce
// encodes its own expiry; the accompanying signedNonce is a detached
// HMAC tag keyed by the server's private key, so verification needs no
// shared state across Coordinator instances (§4.5).
type NonceIssuer struct {
	key []byte
	now func() time.Time
}

func NewNonceIssuer(serverKey string) *NonceIssuer {
	return &NonceIssuer{key: []byte(serverKey), now: time.Now}
}

// Issue mints a fresh nonce and its detached signedNonce envelope.
func (n *NonceIssuer) Issue() (nonce string, signedNonce string, err error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", "", apperr.Wrap(apperr.Internal, "generate nonce randomness", err)
	}
	expiry := n.now().Add(nonceValidity).Unix()
	payload := encodeNoncePayload(expiry, random)
	nonce = base64.RawURLEncoding.EncodeToString(payload)
	signedNonce = hex.EncodeToString(n.sign(payload))
	return nonce, signedNonce, nil
}

// Verify checks a (nonce, signedNonce) pair presented back by the client on
// POST /auth/verify: the HMAC tag must match and the nonce must not have
// expired.
func (n *NonceIssuer) Verify(nonce, signedNonce string) error {
	payload, err := base64.RawURLEncoding.DecodeString(nonce)
	if err != nil {
		return apperr.New(apperr.Unauthorized, "malformed nonce")
	}
	tag, err := hex.DecodeString(signedNonce)
	if err != nil {
		return apperr.New(apperr.Unauthorized, "malformed signed nonce")
	}
	if !hmac.Equal(tag, n.sign(payload)) {
		return apperr.New(apperr.Unauthorized, "signed nonce does not match nonce")
	}

	expiry, _, err := decodeNoncePayload(payload)
	if err != nil {
		return apperr.New(apperr.Unauthorized, "malformed nonce payload")
	}
	if n.now().Unix() > expiry {
		return apperr.New(apperr.Unauthorized, "nonce expired")
	}
	return nil
}

func (n *NonceIssuer) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, n.key)
	mac.Write(payload)
	return mac.Sum(nil)
}

func encodeNoncePayload(expiry int64, random []byte) []byte {
	buf := make([]byte, 8+len(random))
	binary.BigEndian.PutUint64(buf[0:8], uint64(expiry))
	copy(buf[8:], random)
	return buf
}

func decodeNoncePayload(buf []byte) (expiry int64, random []byte, err error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("short payload")
	}
	expiry = int64(binary.BigEndian.Uint64(buf[0:8]))
	random = buf[8:]
	return expiry, random, nil
}
