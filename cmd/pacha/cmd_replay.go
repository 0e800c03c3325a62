package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/user/pacha/internal/journal"
	"github.com/user/pacha/internal/session"
	"github.com/user/pacha/internal/types"
)

var replayList bool

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayList, "list", false, "list recorded threads instead")
}

var replayCmd = &cobra.Command{
	Use:   "replay [thread-id]",
	Short: "Rebuild a thread offline from recorded server events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		store := journal.NewStore(cfg.JournalDir())
		ctx := context.Background()

		if replayList || len(args) == 0 {
			ids, err := store.Threads(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				n, err := store.Count(ctx, id)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%d events\n", id, n)
			}
			return nil
		}

		id := types.ThreadID(args[0])
		records, err := store.Tail(ctx, id, 0)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("no recorded events for thread %s", id)
		}

		sess := session.New(nil, session.Options{
			Logger:          slog.Default(),
			AssistantChunks: session.AssistantChunkPolicy(cfg.Session.AssistantChunks),
		})
		if err := replayRecords(sess, records); err != nil {
			return err
		}
		newRenderer().Snapshot(sess.Snapshot())
		return nil
	},
}

// replayRecords feeds journal records to sess in order: what the user sent
// and what the server answered.
func replayRecords(sess *session.ChatSession, records []*journal.Record) error {
	for _, rec := range records {
		if rec.IsSent() {
			ev, err := rec.SentEvent()
			if err != nil {
				return fmt.Errorf("record %d: %w", rec.Seq, err)
			}
			sess.ApplySent(ev)
			continue
		}
		ev, err := rec.Event()
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.Seq, err)
		}
		sess.Apply(ev)
	}
	return nil
}
