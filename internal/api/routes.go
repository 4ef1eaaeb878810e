package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/reactive"
	"github.com/zoravur/livequery/internal/store"
	"github.com/zoravur/livequery/pkg/pg_lineage"
)

// Backend is the part of *store.Store the HTTP surface uses.
type Backend interface {
	Catalog(ctx context.Context) (pg_lineage.Catalog, error)
	Prepare(ctx context.Context, stmt string, args ...any) (*store.RawQuery, error)
	Execute(ctx context.Context, def reactive.Definition) ([]reactive.Row, error)
	Update(ctx context.Context, table string, key, set map[string]any) (int64, error)
	Manager() *reactive.Manager
}

type Deps struct {
	Backend  Backend
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
	// WebDir, when set, is served at the root.
	WebDir   string
}

func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	h := &handlers{b: d.Backend}
	ws := &WSHandler{Backend: d.Backend, Log: d.Log.Named("ws")}

	r := chi.NewRouter()
	r.Use(LoggingMiddleware(d.Log.Named("http")))

	r.Route("/api", func(r chi.Router) {
		r.Post("/query", h.handleQuery)
		r.Post("/edit", h.handleEdit)
		r.Get("/live", h.handleLiveQueries)
	})
	r.Get("/ws", ws.HandleWS)

	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	if d.WebDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(d.WebDir)))
	}
	return r
}
