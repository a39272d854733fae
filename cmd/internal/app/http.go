package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// routes builds the top-level router: health checks, metrics, the realtime stream and the API.
func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", a.readyz)

	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	if a.ws != nil {
		r.Get("/ws", a.ws.HandleWS)
	}
	if a.api != nil {
		r.Mount("/api/v1", a.api.Routes())
	}

	return WithSecurityHeaders(WithCORS(r, a.cfg, a.log))
}

func (a *App) readyz(w http.ResponseWriter, r *http.Request) {
	name, err := firstUnready(r.Context(), a.readinessChecks(), nonZeroDuration(a.cfg.ReadinessTimeout, 2*time.Second))
	if err != nil {
		a.log.Info("readyz."+name+".not_ready", "err", err)
		http.Error(w, name+" not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
