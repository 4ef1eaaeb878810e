package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoravur/livequery/internal/api"
	"github.com/zoravur/livequery/internal/config"
	"github.com/zoravur/livequery/internal/metrics"
	"github.com/zoravur/livequery/internal/reactive"
	"github.com/zoravur/livequery/internal/store"
	"github.com/zoravur/livequery/internal/wal"
)

type Server struct {
	cfg        config.Config
	log        *zap.Logger
	httpServer *http.Server
	Store      *store.Store
	Registry   *prometheus.Registry
	reader     *wal.Reader
}

// NewServer opens the database and wires the store, its manager, the HTTP
// surface and, in WAL mode, the replication reader.
func NewServer(ctx context.Context, cfg config.Config, log *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	fromWAL := cfg.Notify.Source == config.SourceWAL
	st, err := store.Open(ctx, cfg.Database.DSN,
		store.WithLogger(log),
		store.WithCommitNotify(!fromWAL),
		store.WithManagerOptions(
			reactive.WithBatchWindow(cfg.Reactive.BatchWindow.Std()),
			reactive.WithMaxConcurrency(cfg.Reactive.MaxConcurrency),
			reactive.WithRecorder(metrics.New(reg)),
		),
	)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		Store:    st,
		Registry: reg,
		httpServer: &http.Server{
			Addr: cfg.HTTP.Addr,
			Handler: api.NewRouter(api.Deps{
				Backend:  st,
				Gatherer: reg,
				Log:      log,
				WebDir:   cfg.HTTP.WebDir,
			}),
		},
	}

	if fromWAL {
		consumer := wal.NewConsumer(st.Manager(), log)
		s.reader = wal.NewReader(wal.Config{
			DSN:            cfg.WALDSN(),
			Slot:           cfg.WAL.Slot,
			StandbyTimeout: cfg.WAL.StandbyTimeout.Std(),
			Temporary:      cfg.WAL.Temporary,
		}, consumer.OnMessage, log)
	}
	return s, nil
}

// Run serves until ctx ends or a component fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", s.httpServer.Addr), zap.String("notify", s.cfg.Notify.Source))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.reader != nil {
		g.Go(func() error { return s.reader.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout.Std())
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		if cerr := s.Store.Close(); cerr != nil && err == nil {
			err = cerr
		}
		return err
	})

	return g.Wait()
}

// Run builds a server from cfg and serves until SIGINT or SIGTERM.
func Run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := NewServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
