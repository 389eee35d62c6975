package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hydradev/hydra/internal/metrics"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show pipeline health metrics",
	Long: `Build a pipeline health snapshot from lifetime counters and live label
counts. With --post, sync it to the metrics tracking issue; an unchanged
snapshot posts nothing.`,
	Run: func(cmd *cobra.Command, args []string) {
		post, _ := cmd.Flags().GetBool("post")

		r, err := newRuntime(true)
		if err != nil {
			fatalf("%v", err)
		}
		defer r.close()

		ctx := context.Background()
		m := metrics.New(r.svc, r.store, r.bus, r.cfg.Labels, r.logger)

		if post {
			status, err := m.Sync(ctx)
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("sync: %s\n", status)
			if snap := m.Latest(); snap != nil {
				fmt.Print(metrics.Render(snap))
			}
			return
		}

		snap, err := m.BuildSnapshot(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Print(metrics.Render(snap))
	},
}

func init() {
	metricsCmd.Flags().Bool("post", false, "post the snapshot to the tracking issue")
	rootCmd.AddCommand(metricsCmd)
}
