package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/user/pacha/internal/health"
)

var healthWatch bool

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&healthWatch, "watch", false, "keep checking on the configured schedule and print status changes")
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the chat service is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		r := newRenderer()

		if !healthWatch {
			rep := health.New(client, health.WithTimeout(cfg.Timeout())).Check(context.Background())
			r.Health(rep)
			if rep.Status != health.StatusHealthy {
				return fmt.Errorf("service is %s", rep.Status)
			}
			return nil
		}

		ctx, cancel := signalContext()
		defer cancel()

		var mu sync.Mutex
		mon := health.New(client,
			health.WithSchedule(cfg.Health.Schedule),
			health.WithTimeout(cfg.Timeout()),
			health.WithLogger(slog.Default()),
			health.OnChange(func(_, cur health.Report) {
				mu.Lock()
				defer mu.Unlock()
				r.Health(cur)
			}),
		)
		mon.Check(ctx)
		if err := mon.Start(); err != nil {
			return err
		}
		defer mon.Stop()

		<-ctx.Done()
		return nil
	},
}
