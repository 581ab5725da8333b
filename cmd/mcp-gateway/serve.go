package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-gateway/examples/commerce"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/mcpservice"
	"github.com/ggoodman/mcp-gateway/ratelimit"
	"github.com/ggoodman/mcp-gateway/ratelimit/policyfile"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/streaminghttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var flagSeedTenants []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP over streamable HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	serveCmd.Flags().StringSliceVar(&flagSeedTenants, "seed", []string{"acme"}, "tenants to load the demo catalog into at startup")
}

func serverInfo() mcp.ImplementationInfo {
	return mcp.ImplementationInfo{Name: "mcp-gateway", Version: version}
}

// newRegistry builds the commerce registry and loads the demo catalog for
// each of tenants.
func newRegistry(ctx context.Context, b *backends, tenants ...string) (*mcpservice.Registry, error) {
	store := commerce.NewStore(b.data)
	orders, products := commerce.DemoData()
	for _, t := range tenants {
		if err := store.Seed(ctx, t, orders, products); err != nil {
			return nil, fmt.Errorf("seed %s: %w", t, err)
		}
	}
	reg := mcpservice.NewRegistry()
	if err := commerce.Register(reg, store); err != nil {
		return nil, err
	}
	return reg, nil
}

// watchLimits validates the policy file, then keeps the limiter in sync
// with it until ctx is done.
func watchLimits(ctx context.Context, path string, l ratelimit.Limiter, log *slog.Logger) error {
	if path == "" {
		return nil
	}
	if _, err := policyfile.Load(path); err != nil {
		return err
	}
	w := policyfile.NewWatcher(path, l, policyfile.WithLogger(log))
	go func() {
		if err := w.Run(ctx); err != nil {
			log.ErrorContext(ctx, "policyfile.watch.stop", slog.String("err", err.Error()))
		}
	}()
	return nil
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)

	authenticator, err := newAuthenticator(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.WarnContext(ctx, "backends.close.fail", slog.String("err", err.Error()))
		}
	}()

	reg, err := newRegistry(ctx, b, flagSeedTenants...)
	if err != nil {
		return err
	}
	if err := watchLimits(ctx, flagLimits, b.limiter, log); err != nil {
		return err
	}

	mgr := sessions.NewManager(b.host,
		sessions.WithTTL(cfg.SessionTTL),
		sessions.WithSweepInterval(cfg.SweepInterval),
		sessions.WithLogger(log),
	)
	defer mgr.Stop()

	httpOpts := []streaminghttp.Option{
		streaminghttp.WithPath(cfg.Path),
		streaminghttp.WithLogger(log),
		streaminghttp.WithRealm(cfg.Auth.Realm),
		streaminghttp.WithRateLimiter(b.limiter),
		streaminghttp.WithUsageLog(b.usage),
		streaminghttp.WithServerInfo(serverInfo()),
	}
	if b.cancels != nil {
		httpOpts = append(httpOpts, streaminghttp.WithCancelBroker(b.cancels))
	}
	if cfg.Auth.Resource != "" && cfg.Auth.Issuer != "" {
		httpOpts = append(httpOpts, streaminghttp.WithProtectedResource(cfg.Auth.Resource, []string{cfg.Auth.Issuer}))
	}
	h, err := streaminghttp.New(ctx, reg, mgr, authenticator, httpOpts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "http.listen", slog.String("addr", cfg.Addr), slog.String("path", cfg.Path))
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

	log.InfoContext(ctx, "http.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
