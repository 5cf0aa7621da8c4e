package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"votara/services/coordinator/apperr"
)

// claims is the Coordinator's bearer token payload: the holder's normalized
// ledger address and the chain id the login message was signed against
// (§4.5: "{address, chainId, exp}"), plus standard registered claims.
type claims struct {
	Address string `json:"address"`
	ChainID uint64 `json:"chainId"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies session bearer tokens.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewTokenIssuer(serverKey string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{key: []byte(serverKey), ttl: ttl, now: time.Now}
}

// Mint issues a signed JWT for addr valid for the issuer's TTL.
func (t *TokenIssuer) Mint(addr string, chainID uint64) (string, error) {
	now := t.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Address: strings.ToLower(addr),
		ChainID: chainID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			Issuer:    "votara-coordinator",
		},
	})
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "sign session token", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token, returning the holder address.
func (t *TokenIssuer) Verify(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.New(apperr.Unauthorized, "unexpected signing method")
		}
		return t.key, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil || !parsed.Valid {
		return "", apperr.Wrap(apperr.Unauthorized, "invalid or expired token", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.Address == "" {
		return "", apperr.New(apperr.Unauthorized, "token missing address claim")
	}
	return c.Address, nil
}
