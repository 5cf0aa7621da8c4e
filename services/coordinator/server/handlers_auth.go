package server

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"votara/services/coordinator/auth"
)

func (s *Server) handleAuthNonce(w http.ResponseWriter, r *http.Request) {
	nonce, signedNonce, err := s.nonceIssuer.Issue()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"nonce":       nonce,
		"signedNonce": signedNonce,
	})
}

type verifyRequest struct {
	Message     auth.LoginMessage `json:"message"`
	Signature   string             `json:"signature"`
	SignedNonce string             `json:"signedNonce"`
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, invalidJSON(err))
		return
	}

	if err := s.nonceIssuer.Verify(req.Message.Nonce, req.SignedNonce); err != nil {
		s.writeError(w, err)
		return
	}

	sigBytes, err := hex.DecodeString(trimHexPrefix(req.Signature))
	if err != nil {
		s.writeError(w, invalidJSON(err))
		return
	}

	addr, err := auth.RecoverAddress(req.Message, sigBytes)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.store.UpsertUser(r.Context(), addr); err != nil {
		s.writeError(w, err)
		return
	}

	token, err := s.tokens.Mint(addr, req.Message.ChainID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"token":   token,
		"address": addr,
	})
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
