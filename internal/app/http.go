package app

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/speechdeck/internal/observe"
)

// routes builds the side-channel mux:
//
//	GET /healthz    liveness
//	GET /readyz     readiness (synthesis catalog, recognition capability)
//	GET /metrics    Prometheus scrape endpoint
//	GET /api/state  JSON snapshot of the session state
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	scrape := a.scrape
	if scrape == nil {
		scrape = promhttp.Handler()
	}
	mux.Handle("GET /metrics", scrape)
	mux.HandleFunc("GET /api/state", a.handleState)
	return observe.Middleware(a.metrics, a.log)(mux)
}

func (a *App) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(a.Snapshot()); err != nil {
		observe.Logger(r.Context()).Warn("encode state", "err", err)
	}
}
