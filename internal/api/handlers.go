package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/care/fingerprint/internal/core"
	"github.com/care/fingerprint/internal/correlator"
	"github.com/care/fingerprint/internal/protocol"
	"github.com/care/fingerprint/internal/store"
	"github.com/care/fingerprint/internal/transport"
)

// commandResponse is the body of a successful /register or /delete.
type commandResponse struct {
	OpID        string        `json:"op_id"`
	Token       string        `json:"token"`
	AckValid    bool          `json:"ack_valid"`
	Instruction string        `json:"instruction"`
	ElapsedMS   int64         `json:"elapsed_ms"`
	Enrolled    *store.Record `json:"enrolled,omitempty"`
	Removed     int           `json:"removed,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, s.backend.Register)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, s.backend.Delete)
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, run func(context.Context, int) (core.CommandResult, error)) {
	id, err := commandID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := run(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{
		OpID:        res.OpID,
		Token:       res.Token,
		AckValid:    res.AckValid,
		Instruction: res.Instruction,
		ElapsedMS:   res.Elapsed.Milliseconds(),
		Enrolled:    res.Enrolled,
		Removed:     res.Removed,
	})
}

// commandID reads the target id from a JSON body or a form field.
func commandID(r *http.Request) (int, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var body struct {
			ID *int `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return 0, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		if body.ID == nil {
			return 0, fmt.Errorf("%w: missing id", errBadRequest)
		}
		return *body.ID, protocol.ValidateID(*body.ID)
	}

	raw := r.FormValue("id")
	if raw == "" {
		return 0, fmt.Errorf("%w: missing id", errBadRequest)
	}
	return protocol.ParseID(raw)
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	var filter *int
	if raw := r.URL.Query().Get("id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, fmt.Errorf("%w: id %q", errBadRequest, raw))
			return
		}
		filter = &id
	}

	records, err := s.backend.Detections(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, fmt.Errorf("%w: limit %q", errBadRequest, raw))
			return
		}
		limit = n
	}

	records, err := s.backend.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleLiveness returns 200 if the process can serve requests.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(s.backend.Uptime().Seconds()),
	})
}

// handleReadiness returns 503 only when the engine is not running; a
// degraded engine is still ready.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	health := s.backend.HealthCheck(r.Context())

	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

var errBadRequest = errors.New("bad request")

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, protocol.ErrInvalidID),
		errors.Is(err, protocol.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, correlator.ErrOperationInProgress):
		return http.StatusConflict
	case errors.Is(err, correlator.ErrAckTimeout),
		errors.Is(err, correlator.ErrInstructionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, transport.ErrTransport):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrNoHistory):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
