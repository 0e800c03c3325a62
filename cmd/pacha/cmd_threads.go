package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/pacha/internal/export"
	"github.com/user/pacha/internal/history"
	"github.com/user/pacha/internal/session"
	"github.com/user/pacha/internal/types"
)

var (
	exportDir string
	exportAll bool
)

func init() {
	rootCmd.AddCommand(threadsCmd)
	threadsCmd.AddCommand(threadsListCmd, threadsShowCmd, threadsExportCmd)
	threadsExportCmd.Flags().StringVar(&exportDir, "out", ".", "directory to write transcripts to")
	threadsExportCmd.Flags().BoolVar(&exportAll, "all", false, "export every thread")
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Browse and export chat threads",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		list, err := client.ListThreads(context.Background())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No threads found.")
			return nil
		}
		newRenderer().Threads(list)
		return nil
	},
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Print the history of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		thread, err := client.GetThread(context.Background(), types.ThreadID(args[0]))
		if err != nil {
			return err
		}
		p := history.Project(thread)
		r := newRenderer()
		if thread.Title != "" {
			fmt.Printf("# %s\n", thread.Title)
		}
		r.Snapshot(session.Snapshot{
			Timeline:    p.Timeline,
			ToolOutputs: p.ToolOutputs,
			Artifacts:   p.Artifacts,
			ThreadID:    thread.ThreadID,
		})
		return nil
	},
}

var threadsExportCmd = &cobra.Command{
	Use:   "export [thread-id...]",
	Short: "Write thread transcripts as JSON files",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportAll == (len(args) > 0) {
			return fmt.Errorf("pass thread ids or --all")
		}
		cfg := loadConfig()
		setupLogging(cfg)
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		exp := export.New(client, exportDir,
			export.WithConcurrency(cfg.Export.Concurrency),
			export.WithLogger(slog.Default()),
		)
		var results []export.Result
		if exportAll {
			results, err = exp.ExportAll(ctx)
		} else {
			ids := make([]types.ThreadID, len(args))
			for i, a := range args {
				ids[i] = types.ThreadID(a)
			}
			results, err = exp.Export(ctx, ids)
		}
		if err != nil {
			return err
		}
		for _, res := range results {
			fmt.Fprintf(os.Stdout, "%s -> %s\n", res.ThreadID, res.Path)
		}
		return nil
	},
}
