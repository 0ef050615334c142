package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/machinepay/paygate"
	"github.com/machinepay/paygate/http/internal/helpers"
	"github.com/machinepay/paygate/session"
)

// SessionHandler exposes the out-of-band payment capture flow over HTTP.
// The original caller creates a session and polls it; the capture flow (a
// browser page, typically) posts the captured payment or a failure against
// the session id.
type SessionHandler struct {
	Sessions *session.Manager

	// WaitTimeout bounds the long-poll endpoint. Zero means 30 seconds.
	WaitTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewSessionHandler wraps a session manager with the HTTP capture surface.
func NewSessionHandler(sessions *session.Manager) *SessionHandler {
	return &SessionHandler{Sessions: sessions}
}

func (h *SessionHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *SessionHandler) waitTimeout() time.Duration {
	if h.WaitTimeout > 0 {
		return h.WaitTimeout
	}
	return 30 * time.Second
}

// Register mounts the session endpoints on the given mux.
func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /payment/sessions", h.Create)
	mux.HandleFunc("GET /payment/sessions/{id}", h.Get)
	mux.HandleFunc("GET /payment/sessions/{id}/wait", h.Wait)
	mux.HandleFunc("POST /payment/sessions/{id}/complete", h.Complete)
	mux.HandleFunc("POST /payment/sessions/{id}/fail", h.Fail)
}

// Create starts a new capture session.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	s := h.Sessions.Create()
	writeJSON(w, http.StatusCreated, s)
}

// Get returns the current session state. Expired sessions are not found.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.Sessions.Get(r.PathValue("id"))
	if !ok {
		sessionNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Wait long-polls until the session leaves Pending or the timeout elapses.
// An optional ?timeout=SECONDS query caps the poll below the handler limit.
func (h *SessionHandler) Wait(w http.ResponseWriter, r *http.Request) {
	timeout := h.waitTimeout()
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		if d := time.Duration(secs) * time.Second; d < timeout {
			timeout = d
		}
	}

	id := r.PathValue("id")
	s, ok := h.Sessions.WaitForCompletion(r.Context(), id, timeout)
	if !ok {
		// Distinguish "still pending at deadline" from "gone" for the poller:
		// a pending session stays retryable.
		if pending, exists := h.Sessions.Get(id); exists {
			writeJSON(w, http.StatusOK, pending)
			return
		}
		sessionNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Complete records the captured payment against a pending session.
// The payment arrives either as an X-PAYMENT header or as a JSON body.
func (h *SessionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var payment *paygate.PaymentPayload
	if r.Header.Get("X-PAYMENT") != "" {
		p, err := helpers.ParsePaymentHeader(r)
		if err != nil {
			h.logger().Warn("invalid payment header on session completion", "error", err)
			http.Error(w, "Invalid payment header", http.StatusBadRequest)
			return
		}
		payment = p
	} else {
		var p paygate.PaymentPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "Invalid payment body", http.StatusBadRequest)
			return
		}
		payment = &p
	}

	id := r.PathValue("id")
	if !h.Sessions.Complete(id, payment) {
		sessionNotFound(w)
		return
	}

	h.logger().Info("payment session completed", "sessionId", id)
	w.WriteHeader(http.StatusNoContent)
}

// Fail records a capture failure against a pending session.
func (h *SessionHandler) Fail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if !h.Sessions.Fail(id, body.Error) {
		sessionNotFound(w)
		return
	}

	h.logger().Info("payment session failed", "sessionId", id, "reason", body.Error)
	w.WriteHeader(http.StatusNoContent)
}

// sessionNotFound writes the uniform not-found rejection. Missing, expired,
// and already-terminal sessions are indistinguishable to callers.
func sessionNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": string(paygate.ErrCodeSessionNotFound),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}
