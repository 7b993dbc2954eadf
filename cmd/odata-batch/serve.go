package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/odata-batch/pkg/batch"
	"github.com/Sternrassler/odata-batch/pkg/config"
	"github.com/Sternrassler/odata-batch/pkg/metrics"
	"github.com/Sternrassler/odata-batch/pkg/server"
	"github.com/Sternrassler/odata-batch/pkg/store"
	"github.com/Sternrassler/odata-batch/pkg/upstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	var addr, baseURL, redisAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the $batch endpoint",
		Long: `Serves the $batch endpoint together with /health and /metrics.

With a Redis address configured, Prefer: respond-async is honored and results
are kept in Redis for the status monitor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			if baseURL != "" {
				a.cfg.Upstream.BaseURL = baseURL
			}
			if redisAddr != "" {
				a.cfg.Redis.Addr = redisAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", a.cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr, err)
			}
			return serve(ctx, ln, a.cfg, a.logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "upstream service root (overrides upstream.base_url)")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address for async results (overrides redis.addr)")
	return cmd
}

// serve runs the HTTP server on ln until ctx is cancelled, then shuts down
// gracefully and waits for async jobs.
func serve(ctx context.Context, ln net.Listener, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.Upstream.BaseURL == "" {
		ln.Close()
		return errors.New("upstream.base_url is required to serve")
	}
	client, err := upstream.New(cfg.Upstream.Client())
	if err != nil {
		ln.Close()
		return fmt.Errorf("create upstream client: %w", err)
	}
	processor, err := batch.NewProcessor(client, cfg.Batch.Processor())
	if err != nil {
		ln.Close()
		return err
	}

	opts := server.Options{
		BatchPath:    cfg.Server.BatchPath,
		MonitorPath:  cfg.Server.MonitorPath,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		MaxRequests:  cfg.Server.MaxRequests,
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			ln.Close()
			return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		opts.Store = store.New(rdb, cfg.Redis.ResultTTL)
		logger.Info().Str("redis", cfg.Redis.Addr).Msg("Async results enabled")
	}

	srv, err := server.New(processor, opts)
	if err != nil {
		ln.Close()
		return err
	}

	httpServer := &http.Server{
		Handler:      routes(srv, rdb),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", ln.Addr().String()).
			Str("upstream", client.BaseURL()).
			Msg("Starting batch server")
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info().Msg("Shutting down batch server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		srv.Wait()
		return err
	})
	return g.Wait()
}

// routes mounts the batch endpoints next to /health and /metrics.
func routes(srv *server.Server, rdb *redis.Client) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		if rdb != nil {
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				status = map[string]string{"status": "degraded", "redis": err.Error()}
				code = http.StatusServiceUnavailable
			} else {
				status["redis"] = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}
