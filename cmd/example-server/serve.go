package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manenim/window-limiter/internal/config"
	"github.com/manenim/window-limiter/internal/metrics"
	"github.com/manenim/window-limiter/pkg/limiter"
	"github.com/manenim/window-limiter/pkg/middleware"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP server. GET /ping is limited per client IP; /metrics and
/healthz are not limited. SIGINT or SIGTERM shuts the server down gracefully.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg, a.logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	clock := clockFromConfig(cfg)
	lim := limiter.NewFixedWindowLimiter(be.store,
		limiter.WithClock(clock),
		limiter.WithRecorder(metrics.NewWithRegistry(reg)),
		limiter.WithLogger(logger),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(lim, cfg, reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if be.memory != nil && cfg.Store.SweepInterval > 0 {
		go sweepLoop(ctx, be.memory, clock, cfg.Limit.Period, cfg.Store.SweepInterval, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.Int64("rate", cfg.Limit.Rate),
			zap.Int64("period", cfg.Limit.Period))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(lim limiter.RateLimiter, cfg *config.Config, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitWithConfig(middleware.Config{
			Limiter:   lim,
			Limit:     limitFromConfig(cfg),
			Namespace: limiter.Namespace(cfg.Limit.Namespace),
			KeyFunc:   middleware.IPKeyFunc,
			FailOpen:  cfg.Limit.FailOpen,
			Unit:      cfg.Clock.Unit,
			Logger:    logger,
		}))
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("Pong!\n"))
		})
	})
	return r
}

// sweepLoop evicts memory state whose window has elapsed. A missing window
// is reset on the next call exactly like an elapsed one.
func sweepLoop(ctx context.Context, m *limiter.MemoryStore, clock limiter.Clock, period int64, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(clock.Now() - period + 1); n > 0 {
				logger.Debug("swept idle windows", zap.Int("removed", n), zap.Int("remaining", m.Len()))
			}
		}
	}
}
