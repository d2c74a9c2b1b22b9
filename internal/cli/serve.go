package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/johnwards/leadfeed/internal/api"
	"github.com/johnwards/leadfeed/internal/api/admin"
	"github.com/johnwards/leadfeed/internal/api/feeds"
	"github.com/johnwards/leadfeed/internal/config"
	"github.com/johnwards/leadfeed/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the feeds over HTTP",
		Long: `Serve the activity, task and deal feeds over HTTP.

The caller is identified by the X-User-Email header; ownerId overrides it.
The header is trusted as sent. Set LEADFEED_AUTH_TOKEN so that only callers
holding the bearer token can claim an identity; without it any client can
read any owner's feed.

Example:
  curl -H 'X-User-Email: rep@example.com' 'localhost:8080/feeds/activities?range=weekly'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.Addr != "" {
				cfg.Addr = opts.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, nil)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides LEADFEED_ADDR)")

	return cmd
}

// newHandler builds the HTTP handler for a.
func newHandler(a *app) http.Handler {
	mux := http.NewServeMux()

	feeds.RegisterRoutes(mux, a.pipeline, time.Local)
	admin.RegisterRoutes(mux, a.cache)

	// Catch-all: return 404 in HubSpot error format.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		corrID := api.CorrelationID(r.Context())
		api.WriteError(w, http.StatusNotFound, api.NewNotFoundError(
			fmt.Sprintf("No route found for %s %s", r.Method, r.URL.Path),
			corrID,
		))
	})

	return api.Chain(mux,
		api.Recovery(),
		api.RequestID(),
		api.Auth(a.cfg.AuthToken),
		api.Session(),
		api.JSONContentType(),
		api.Logging(),
	)
}

// serve runs the HTTP server until ctx is done. When ready is non-nil it
// receives the bound address once the listener is open.
func serve(ctx context.Context, cfg config.Config, ready chan<- string) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := &http.Server{
		Handler:           newHandler(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.cache != nil {
		go purgeExpired(ctx, a.cache, cfg.BatchTTL)
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	logStartup(slog.Default(), cfg, ln.Addr().String())
	if ready != nil {
		ready <- ln.Addr().String()
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func logStartup(logger *slog.Logger, cfg config.Config, addr string) {
	logger.Info("starting leadfeed server", "addr", addr, "cache", cfg.CacheDB, "concurrency", cfg.Concurrency)
	if cfg.AuthToken == "" {
		logger.Warn("LEADFEED_AUTH_TOKEN is not set; any client can claim any user via "+api.UserEmailHeader, "addr", addr)
	}
}

// purgeExpired drops lapsed cache entries every interval until ctx is done.
func purgeExpired(ctx context.Context, cache store.CacheStore, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := cache.PurgeExpired(ctx)
			if err != nil {
				slog.Warn("purge expired cache entries", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged expired cache entries", "entries", n)
			}
		}
	}
}
