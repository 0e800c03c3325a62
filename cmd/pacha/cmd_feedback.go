package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/pacha/internal/threads"
	"github.com/user/pacha/internal/types"
)

func init() {
	rootCmd.AddCommand(feedbackCmd, confirmCmd)
}

// parseRating accepts up/down as well as +1/-1.
func parseRating(s string) (int, error) {
	switch strings.ToLower(s) {
	case "up":
		return 1, nil
	case "down":
		return -1, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || (n != 1 && n != -1) {
		return 0, fmt.Errorf("rating must be up, down, +1 or -1, got %q", s)
	}
	return n, nil
}

// parseDecision maps approve/deny to a confirm flag.
func parseDecision(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "approve", "yes", "y":
		return true, nil
	case "deny", "no", "n":
		return false, nil
	}
	return false, fmt.Errorf("decision must be approve or deny, got %q", s)
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <thread-id> <up|down> [text...]",
	Short: "Rate a thread",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rating, err := parseRating(args[1])
		if err != nil {
			return err
		}
		cfg := loadConfig()
		setupLogging(cfg)
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		err = client.SubmitFeedback(context.Background(), threads.Feedback{
			ThreadID: types.ThreadID(args[0]),
			Rating:   rating,
			Text:     strings.Join(args[2:], " "),
		})
		if err != nil {
			return err
		}
		fmt.Println("Feedback sent.")
		return nil
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm <thread-id> <confirmation-id> <approve|deny>",
	Short: "Answer a pending confirmation request",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		approve, err := parseDecision(args[2])
		if err != nil {
			return err
		}
		cfg := loadConfig()
		setupLogging(cfg)
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		err = client.SendUserConfirmation(context.Background(), threads.Confirmation{
			ThreadID:       types.ThreadID(args[0]),
			ConfirmationID: types.ConfirmationID(args[1]),
			Confirm:        approve,
		})
		if err != nil {
			return err
		}
		if approve {
			fmt.Println("Approved.")
		} else {
			fmt.Println("Denied.")
		}
		return nil
	},
}
