// Package health serves the liveness and readiness probes of the HTTP side
// channel.
//
//   - /healthz always returns 200 while the process can serve HTTP.
//   - /readyz returns 200 only when every registered [Checker] passes.
//
// Responses are JSON objects with a top-level "status" ("ok" or "fail") and a
// "checks" map holding each checker's result. A checker that returns an error
// wrapping [ErrDisabled] reports "ok (disabled)" and does not fail readiness;
// it marks an optional capability that is switched off on this host.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single readiness check.
const DefaultTimeout = 5 * time.Second

// ErrDisabled marks an optional capability that is not available.
var ErrDisabled = errors.New("disabled")

// Checker is a named readiness probe.
type Checker struct {
	// Name is the key in the JSON response, e.g. "synthesis".
	Name string

	// Check returns nil when the dependency is usable. It must respect ctx.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// New creates a [Handler] that runs checkers, in order, on every /readyz
// request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultTimeout,
	}
}

// WithTimeout returns h with the per-check timeout set to d.
func (h *Handler) WithTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.timeout = d
	}
	return h
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 when every checker passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		err := c.Check(ctx)
		cancel()

		switch {
		case err == nil:
			checks[c.Name] = "ok"
		case errors.Is(err, ErrDisabled):
			checks[c.Name] = "ok (disabled)"
		default:
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
