package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mark3labs/x402-gateway/catalog"
	"github.com/mark3labs/x402-gateway/config"
	"github.com/mark3labs/x402-gateway/internal/app"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the gateway.

Unpaid requests to priced routes are answered with 402 and the accepted payments. Paid
requests are settled before they are proxied upstream, with the payer described in
X-Payment-* headers. Routes that are not priced are proxied as they are.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}

		cat, err := catalog.LoadFile(cfg.Routes)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		gw, err := app.New(ctx, cfg, cat, app.WithLogger(logger))
		if err != nil {
			return err
		}
		defer func() {
			if err := gw.Close(); err != nil {
				logger.Error("shutdown cleanup failed", "error", err)
			}
		}()

		srv := &http.Server{
			Addr:              cfg.Listen,
			Handler:           gw.Handler,
			ReadHeaderTimeout: 10 * time.Second,
			// Settlement runs inside the request, so writes may take up to the settle timeout.
			WriteTimeout: cfg.Settlement.SettleTimeout + 30*time.Second,
			IdleTimeout:  2 * time.Minute,
		}

		errc := make(chan error, 1)
		go func() {
			logger.Info("gateway listening", "addr", cfg.Listen, "upstream", cfg.Upstream)
			errc <- srv.ListenAndServe()
		}()

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
