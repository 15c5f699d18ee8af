package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulse/cmd/internal/attachments"
	"pulse/cmd/internal/auth"
)

// Handler returns the full HTTP surface wrapped in the standard middleware chain.
func (a *App) Handler() http.Handler {
	root := mux.NewRouter()

	root.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet, http.MethodHead)

	root.HandleFunc("/readyz", a.handleReady).Methods(http.MethodGet, http.MethodHead)

	root.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{Registry: a.metrics}))

	root.Handle("/ws", a.ws)

	api := mux.NewRouter()
	a.api.Register(api)

	// Attachment refs are content hashes; they are served without a token so <img> tags work.
	root.PathPrefix(attachments.URIPrefix).Handler(api)

	if a.verifier != nil {
		root.PathPrefix("/api/").Handler(auth.RequireBearer(a.verifier, api))
	} else {
		root.PathPrefix("/api/").Handler(api)
	}

	return WithRequestLogging(WithCORS(WithSecurityHeaders(root), a.cfg, a.log), a.log)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.delivery.Ping(ctx); err != nil {
		a.log.Info("readyz.store.not_ready", "store", a.cfg.StoreKind(), "err", err)
		http.Error(w, "store not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
