package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"votara/services/coordinator/apperr"
)

func invalidJSON(err error) error {
	return apperr.Wrap(apperr.Validation, "invalid request body", err)
}

// writeRaw writes payload as-is, with no success/data envelope. Used
// directly only by the ambient /healthz endpoint, which sits outside the
// §6 REST surface's wire contract (/metrics is served by promhttp).
func (s *Server) writeRaw(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}

// successEnvelope is the wire shape for every 2xx Coordinator response
// (§6: "All successful responses are shaped {success: true, data: …}").
type successEnvelope struct {
	Success    bool `json:"success"`
	Data       any  `json:"data"`
	Pagination any  `json:"pagination,omitempty"`
}

// writeJSON wraps payload in the success envelope.
func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	s.writeRaw(w, status, successEnvelope{Success: true, Data: payload})
}

// writeJSONPage wraps payload and pagination metadata together, for the
// list endpoints that carry an additional pagination block (§6).
func (s *Server) writeJSONPage(w http.ResponseWriter, status int, payload, pagination any) {
	s.writeRaw(w, status, successEnvelope{Success: true, Data: payload, Pagination: pagination})
}

// errorResponse is the wire shape for every non-2xx Coordinator response
// (§6: "errors are {success: false, error: <string>, details?: …}").
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details string `json:"details,omitempty"`
}

// writeError maps an apperr.Kind to its HTTP status (§9), the single place
// in the Coordinator where the taxonomy becomes a wire status code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		s.writeRaw(w, http.StatusInternalServerError, errorResponse{Success: false, Error: "internal error", Kind: string(apperr.Internal)})
		return
	}

	status := http.StatusInternalServerError
	switch appErr.Kind {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.Unauthorized:
		status = http.StatusUnauthorized
	case apperr.Forbidden:
		status = http.StatusForbidden
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.ChainError:
		status = http.StatusBadGateway
	case apperr.Internal:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		slog.Default().Error("internal error", "message", appErr.Message, "cause", appErr.Cause)
	}

	s.writeRaw(w, status, errorResponse{
		Success: false,
		Error:   appErr.Message,
		Kind:    string(appErr.Kind),
		Details: appErr.Details,
	})
}
