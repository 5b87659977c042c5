// ABOUTME: HTTP handler for webhook ingress mapping router errors to status codes
// ABOUTME: 200 accepted, 400 malformed, 403 unconfigured or bad secret, 503 shutting down

package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// ServeHTTP handles POST /webhook/{tenantId}. Bare /webhook and /webhook/ reach
// this handler too, and are rejected like any unknown tenant.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		r.respond(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			r.respond(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		r.respond(w, http.StatusBadRequest, "failed to read body")
		return
	}

	err = r.Route(req.Context(), req.URL.Path, body, req.Header.Get(SecretHeader))
	switch {
	case err == nil:
		r.respond(w, http.StatusOK, "")
	case errors.Is(err, ErrTenantNotConfigured), errors.Is(err, ErrBadSecret):
		r.logger.Warn("webhook rejected", "path", req.URL.Path, "remote_addr", req.RemoteAddr, "error", err)
		r.respond(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, ErrMalformedPayload):
		r.logger.Info("malformed webhook payload", "path", req.URL.Path, "error", err)
		r.respond(w, http.StatusBadRequest, "malformed payload")
	case errors.Is(err, ErrUnavailable):
		r.respond(w, http.StatusServiceUnavailable, "session unavailable")
	default:
		r.logger.Error("webhook delivery failed", "path", req.URL.Path, "error", err)
		r.respond(w, http.StatusInternalServerError, "internal server error")
	}
}

func (r *Router) respond(w http.ResponseWriter, status int, message string) {
	r.metrics.WebhookRequest(status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusOK {
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
