// Package app assembles the gateway server from its configuration: ledger, settlement,
// native verification, metrics, the upstream proxy and the MCP bridge.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/catalog"
	"github.com/mark3labs/x402-gateway/chain"
	"github.com/mark3labs/x402-gateway/config"
	"github.com/mark3labs/x402-gateway/facilitator"
	"github.com/mark3labs/x402-gateway/gateway"
	httpx402 "github.com/mark3labs/x402-gateway/http"
	chix402 "github.com/mark3labs/x402-gateway/http/chi"
	x402mcp "github.com/mark3labs/x402-gateway/mcp/server"
	"github.com/mark3labs/x402-gateway/metrics"
	"github.com/mark3labs/x402-gateway/native"
	"github.com/mark3labs/x402-gateway/nonce"
	"github.com/mark3labs/x402-gateway/retry"
	"github.com/mark3labs/x402-gateway/settlement"
)

// Version is the build version, set with -ldflags "-X github.com/mark3labs/x402-gateway/internal/app.Version=...".
var Version = "dev"

// Dialer opens a chain client. chain.Dial is the default.
type Dialer func(ctx context.Context, rawurl string, rps float64, burst int) (chain.Client, func(), error)

// App is an assembled gateway server.
type App struct {
	Handler http.Handler
	Gateway *gateway.Gateway
	Catalog *catalog.Catalog
	// Tools lists the tools exposed on the MCP endpoint.
	Tools []string

	closers []func() error
}

// Close releases the ledger and the chain connection.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

type options struct {
	logger     *slog.Logger
	dial       Dialer
	httpClient *http.Client
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger of every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDialer replaces chain.Dial.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		o.dial = d
	}
}

// WithHTTPClient sets the client used for facilitators and the MCP bridge.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// New builds the server for cfg, pricing routes from cat.
func New(ctx context.Context, cfg *config.Config, cat *catalog.Catalog, opts ...Option) (_ *App, err error) {
	o := options{logger: slog.Default(), dial: chain.Dial, httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("app: upstream: %w", err)
	}

	a := &App{Catalog: cat}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	var (
		recorder metrics.Recorder = metrics.NoopRecorder{}
		registry *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		rec, err := metrics.NewPrometheusRecorder(registry)
		if err != nil {
			return nil, fmt.Errorf("app: metrics: %w", err)
		}
		recorder = rec
	}

	ledger, err := openLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := ledger.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	var client chain.Client
	if cfg.Settlement.RPCURL != "" {
		c, closeFn, err := o.dial(ctx, cfg.Settlement.RPCURL, cfg.Settlement.RPCRateLimit, cfg.Settlement.RPCBurst)
		if err != nil {
			return nil, err
		}
		client = c
		a.closers = append(a.closers, func() error { closeFn(); return nil })
	}

	submitter, err := newSubmitter(ctx, cfg.Settlement, client, o.httpClient, logger)
	if err != nil {
		return nil, err
	}

	policy, err := gateway.ParseFailurePolicy(cfg.Settlement.FailurePolicy)
	if err != nil {
		return nil, err
	}
	gwOpts := []gateway.Option{
		gateway.WithSubmitter(submitter),
		gateway.WithFailurePolicy(policy),
		gateway.WithExpiryBuffer(cfg.Settlement.ExpiryBuffer),
		gateway.WithSettleTimeout(cfg.Settlement.SettleTimeout),
		gateway.WithLogger(logger),
		gateway.WithMetrics(recorder),
	}
	if cfg.Native.Enabled {
		v, err := native.NewVerifier(client, cfg.Settlement.Network,
			native.WithConfirmations(cfg.Native.Confirmations),
			native.WithMaxAge(cfg.Native.MaxAge),
			native.WithLookupTimeout(cfg.Settlement.LookupTimeout),
			native.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		gwOpts = append(gwOpts, gateway.WithNativeVerifier(v))
	}

	gw, err := gateway.New(cat, ledger, gwOpts...)
	if err != nil {
		return nil, err
	}
	a.Gateway = gw

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if registry != nil {
		r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	if cfg.MCP.Enabled {
		srv := x402mcp.NewX402Server(cfg.MCP.Name, Version, cat, gw,
			x402mcp.WithLogger(logger),
			x402mcp.WithStreamableHTTPOptions(mcpserver.WithStateLess(true)))
		a.Tools, err = registerTools(srv, cat, upstream, o.httpClient)
		if err != nil {
			return nil, err
		}
		r.Handle(cfg.MCP.Path, srv.Handler())
	}
	r.Group(func(r chi.Router) {
		r.Use(hideTools(a.Tools))
		r.Use(chix402.NewChiX402Middleware(gw, httpx402.WithLogger(logger)))
		r.Handle("/*", newProxy(upstream, logger))
	})

	a.Handler = r
	logger.Info("gateway assembled",
		"routes", len(cat.Routes()), "settlement", cfg.Settlement.Mode, "network", cfg.Settlement.Network,
		"native", cfg.Native.Enabled, "tools", len(a.Tools), "ledger", ledgerKind(cfg.Ledger))
	return a, nil
}

func openLedger(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (nonce.Ledger, error) {
	opts := []nonce.Option{nonce.WithLogger(logger)}
	if cfg.StaleAfter > 0 {
		opts = append(opts, nonce.WithStaleAfter(cfg.StaleAfter))
	}
	if !cfg.Durable() {
		return nonce.NewMemoryLedger(opts...), nil
	}
	return nonce.OpenSQLite(ctx, cfg.DSN, opts...)
}

func ledgerKind(cfg config.LedgerConfig) string {
	if cfg.Durable() {
		return "sqlite"
	}
	return "memory"
}

func newSubmitter(ctx context.Context, cfg config.SettlementConfig, client chain.Client, hc *http.Client, logger *slog.Logger) (settlement.Submitter, error) {
	cache := settlement.NewCache(cfg.CacheTTL, 0)

	if cfg.Mode == config.ModeRelayer {
		key, err := cfg.Relayer.PrivateKey()
		if err != nil {
			return nil, err
		}
		relayer, err := settlement.NewRelayer(client, key, cfg.Network,
			settlement.WithCache(cache),
			settlement.WithLookupTimeout(cfg.LookupTimeout),
			settlement.WithRelayerLogger(logger))
		if err != nil {
			return nil, err
		}
		logger.Info("settling through relayer", "address", relayer.Address().Hex())
		return relayer, nil
	}

	timeouts := x402.DefaultTimeouts.
		WithLookupTimeout(cfg.LookupTimeout).
		WithSettleTimeout(cfg.SettleTimeout)
	newClient := func(url string) *facilitator.Client {
		return facilitator.NewClient(url,
			facilitator.WithHTTPClient(hc),
			facilitator.WithTimeouts(timeouts),
			facilitator.WithLogger(logger))
	}

	primary := newClient(cfg.FacilitatorURL)
	opts := []settlement.FacilitatorOption{
		settlement.WithFacilitatorCache(cache),
		settlement.WithFacilitatorLogger(logger),
	}
	if cfg.FallbackURL != "" {
		opts = append(opts, settlement.WithFallback(newClient(cfg.FallbackURL)))
	}
	if client != nil {
		opts = append(opts, settlement.WithReceiptClient(client, retry.ReceiptPolling))
	}

	supported, err := primary.Supported(ctx)
	switch {
	case err != nil:
		logger.Warn("facilitator capability probe failed", "facilitator", cfg.FacilitatorURL, "error", err)
	case !supported.Supports(x402.SchemeExact, cfg.Network):
		logger.Warn("facilitator does not list exact payments on network", "facilitator", cfg.FacilitatorURL, "network", cfg.Network)
	}

	return settlement.NewFacilitator(primary, opts...), nil
}
