package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsai/opsai-connect/internal/config"
	"github.com/opsai/opsai-connect/internal/metrics"
	"github.com/opsai/opsai-connect/internal/sync"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// scheduleReconcileInterval is how often cron entries are compared with the
// store, to pick up integrations changed by other processes.
const scheduleReconcileInterval = time.Minute

type backgroundOptions struct {
	NoWorkers   bool
	NoSchedules bool
}

var workerOpts backgroundOptions

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run sync workers, schedules and the OAuth refresh sweep without the HTTP API.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(workerOpts)
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerOpts.NoSchedules, "no-schedules", false, "do not trigger scheduled syncs in this process")
}

func runWorker(opts backgroundOptions) error {
	cfg, err := config.LoadWithOptions(config.LoadOptions{RequireDatabaseURL: true})
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
		return runBackground(ctx, a, opts)
	})
	return g.Wait()
}

// runBackground owns the OAuth sweep, the cron scheduler and the worker pool
// until ctx is done.
func runBackground(ctx context.Context, a *app, opts backgroundOptions) error {
	a.oauth.Start(ctx, a.cfg.OAuthRefreshInterval)
	defer a.oauth.Stop()

	if !opts.NoSchedules {
		schedules := sync.NewCronScheduler(a.service, a.logger)
		reconcile := sync.Scheduler{Runner: schedules, Interval: scheduleReconcileInterval, Name: "schedule reconcile"}
		go reconcile.Run(ctx)
		schedules.Start()
		defer schedules.Stop()
	}

	if opts.NoWorkers {
		<-ctx.Done()
		return nil
	}
	w := &sync.Worker{
		Service:     a.service,
		Queue:       a.queue,
		Concurrency: a.cfg.SyncWorkers,
		Logger:      a.logger,
	}
	return w.Run(ctx)
}
