package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestNonceIssuerIssueAndVerify(t *testing.T) {
	issuer := NewNonceIssuer("a-long-enough-test-server-key-000000")
	nonce, signedNonce, err := issuer.Issue()
	require.NoError(t, err)
	require.NoError(t, issuer.Verify(nonce, signedNonce))
}

func TestNonceIssuerRejectsTamperedTag(t *testing.T) {
	issuer := NewNonceIssuer("a-long-enough-test-server-key-000000")
	nonce, signedNonce, err := issuer.Issue()
	require.NoError(t, err)
	require.Error(t, issuer.Verify(nonce, signedNonce[:len(signedNonce)-2]+"00"))
}

func TestNonceIssuerRejectsExpired(t *testing.T) {
	fixed := time.Now()
	issuer := NewNonceIssuer("a-long-enough-test-server-key-000000")
	issuer.now = func() time.Time { return fixed }
	nonce, signedNonce, err := issuer.Issue()
	require.NoError(t, err)

	issuer.now = func() time.Time { return fixed.Add(time.Hour) }
	require.Error(t, issuer.Verify(nonce, signedNonce))
}

func TestRecoverAddressMatchesSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	msg := LoginMessage{Domain: "votara.example", Address: addr.Hex(), Nonce: "abc123", ChainID: 1, IssuedAt: 1700000000}
	digest := accounts.TextHash([]byte(msg.CanonicalString()))
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)

	recovered, err := RecoverAddress(msg, sig)
	require.NoError(t, err)
	require.Equal(t, addr.Hex(), recovered)
}

func TestRecoverAddressRejectsWrongClaimedAddress(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	msg := LoginMessage{Domain: "votara.example", Address: crypto.PubkeyToAddress(other.PublicKey).Hex(), Nonce: "abc123", ChainID: 1, IssuedAt: 1}
	digest := accounts.TextHash([]byte(msg.CanonicalString()))
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)

	_, err = RecoverAddress(msg, sig)
	require.Error(t, err)
}

func TestTokenIssuerMintAndVerify(t *testing.T) {
	issuer := NewTokenIssuer("a-long-enough-test-server-key-000000", time.Hour)
	token, err := issuer.Mint("0xAbC", 1)
	require.NoError(t, err)

	addr, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "0xabc", addr)
}

func TestTokenIssuerRejectsExpiredToken(t *testing.T) {
	fixed := time.Now()
	issuer := NewTokenIssuer("a-long-enough-test-server-key-000000", time.Minute)
	issuer.now = func() time.Time { return fixed }
	token, err := issuer.Mint("0xabc", 1)
	require.NoError(t, err)

	issuer.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	_, err = issuer.Verify(token)
	require.Error(t, err)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	issuer := NewTokenIssuer("a-long-enough-test-server-key-000000", time.Hour)
	var gotErr error
	mw := Middleware(issuer, func(w http.ResponseWriter, err error) {
		gotErr = err
		w.WriteHeader(http.StatusUnauthorized)
	})

	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.False(t, called)
	require.Error(t, gotErr)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	issuer := NewTokenIssuer("a-long-enough-test-server-key-000000", time.Hour)
	token, err := issuer.Mint("0xabc", 1)
	require.NoError(t, err)

	var seenAddr string
	mw := Middleware(issuer, func(w http.ResponseWriter, err error) { w.WriteHeader(http.StatusUnauthorized) })
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAddr, _ = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, "0xabc", seenAddr)
}
