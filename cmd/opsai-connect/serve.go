package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsai/opsai-connect/internal/config"
	httpapp "github.com/opsai/opsai-connect/internal/http"
	"github.com/opsai/opsai-connect/internal/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveOpts backgroundOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API together with sync workers and schedules.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(serveOpts)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveOpts.NoWorkers, "no-workers", false, "do not process sync jobs in this process")
	serveCmd.Flags().BoolVar(&serveOpts.NoSchedules, "no-schedules", false, "do not trigger scheduled syncs in this process")
}

func runServe(opts backgroundOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := httpapp.NewEchoServer(httpapp.Options{
		Sync:           a.service,
		OAuth:          a.oauth,
		WebhookTimeout: cfg.WebhookTimeout,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	_, metricsErr := metrics.StartServer(ctx, cfg.MetricsAddr)
	if metricsErr != nil {
		g.Go(func() error {
			select {
			case err := <-metricsErr:
				return err
			case <-ctx.Done():
				return nil
			}
		})
	}
	g.Go(func() error {
		return srv.Serve(ctx, cfg.HTTPAddr)
	})
	g.Go(func() error {
		return runBackground(ctx, a, opts)
	})
	return g.Wait()
}
