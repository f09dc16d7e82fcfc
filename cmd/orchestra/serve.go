package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aretw0/orchestra"
	"github.com/aretw0/orchestra/internal/config"
	"github.com/aretw0/orchestra/internal/presentation/tui"
	httpAdapter "github.com/aretw0/orchestra/pkg/adapters/http"
)

// shutdownTimeout gives outstanding requests a deadline for completion.
const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Starts the engine behind a JSON API with Server-Sent Events and Prometheus
metrics. Background artifact tiering runs alongside, and changes to backbone
tokens and rate limits in the config file are applied without a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		o, cfg, logger, err := build(cmd)
		if err != nil {
			return err
		}
		defer o.Close(context.Background())

		addr := cfg.HTTP.Addr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}

		api := httpAdapter.NewServer(o.Engine, o.Engine.Artifacts(),
			httpAdapter.WithMetrics(o.Metrics.Handler()),
			httpAdapter.WithStreams(o.Streams),
			httpAdapter.WithVersion(orchestra.Version),
			httpAdapter.WithLogger(logger),
		)
		srv := &http.Server{
			Addr:              addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		if _, tty := terminalWidth(os.Stderr); tty {
			tui.PrintBanner(os.Stderr)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("Starting orchestra server", "address", addr, "version", orchestra.Version)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				logger.Warn("Graceful shutdown did not complete", "timeout", shutdownTimeout, "err", err)
				return srv.Close()
			}
			logger.Info("Orchestra server stopped gracefully")
			return nil
		})
		g.Go(func() error {
			if err := o.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			g.Go(func() error {
				return config.Watch(gctx, path, logger, o.Apply)
			})
		}
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Address to listen on (overrides http.addr)")
}
