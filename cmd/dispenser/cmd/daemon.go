package cmd

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spiretf/dispenser/internal/metrics"
	"github.com/spiretf/dispenser/internal/schedule"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the management daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(ctx context.Context) error {
	cfg, controller, err := setup()
	if err != nil {
		return err
	}

	sched, err := schedule.Parse(cfg.Schedule.Start, cfg.Schedule.Stop)
	if err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		metrics.StartMetricsServer(cfg.Metrics.Listen)
		log.Printf("metrics: serving /metrics on %s", cfg.Metrics.Listen)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controller.Run(ctx, sched, cfg.PollInterval())
	return nil
}
