package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opsai/opsai-connect/internal/config"
	"github.com/opsai/opsai-connect/internal/store"
	"github.com/opsai/opsai-connect/internal/sync"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync <integration-id>",
	Short: "Run one sync job for an integration in this process and print the result.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, args[0])
	},
}

func runSync(cmd *cobra.Command, integrationID string) error {
	cfg, err := config.LoadWithOptions(config.LoadOptions{RequireDatabaseURL: true})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	job, syncErr := syncOnce(ctx, a.service, integrationID)
	if syncErr == nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(job); err != nil {
			return err
		}
		if job.Status == store.JobFailed {
			return commandExit(fmt.Errorf("sync job %s failed: %s", job.ID, job.Error))
		}
		return nil
	}
	return commandExit(syncErr)
}

// syncOnce queues a job and processes it inline. A worker that later dequeues
// the same job finds it terminal and skips it.
func syncOnce(ctx context.Context, svc *sync.Service, integrationID string) (store.SyncJob, error) {
	job, err := svc.CreateSyncJob(ctx, integrationID, sync.JobOptions{Metadata: map[string]any{"trigger": "cli"}})
	if err != nil {
		return store.SyncJob{}, err
	}
	if err := svc.ProcessJob(ctx, job.ID); err != nil {
		return store.SyncJob{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.SyncJob{}, err
	}
	return svc.GetSyncJob(ctx, job.ID)
}
