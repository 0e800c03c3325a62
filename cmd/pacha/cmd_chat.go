package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/user/pacha/internal/journal"
	"github.com/user/pacha/internal/render"
	"github.com/user/pacha/internal/session"
	"github.com/user/pacha/internal/threads"
	"github.com/user/pacha/internal/types"
)

var (
	chatThread   string
	chatNoRecord bool
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "continue an existing thread")
	chatCmd.Flags().BoolVar(&chatNoRecord, "no-record", false, "do not record received events for replay")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat interactively",
	Long: `Chat interactively. Lines are sent as messages; these commands are understood:

  /new              start a new thread
  /thread <id>      switch to a thread
  /threads          list threads
  /approve <id>     approve a confirmation request
  /deny <id>        deny a confirmation request
  /feedback <up|down> [text]
  /quit`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

// terminal is the chat view: it prints snapshots and notifications and
// follows thread changes.
type terminal struct {
	mu       sync.Mutex
	r        *render.Renderer
	follower *render.Follower
}

func (t *terminal) Update(snap session.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.follower.Update(snap)
}

func (t *terminal) Notify(n session.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.r.Notification(n)
}

func (t *terminal) NavigateToThread(id types.ThreadID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.r.Notification(session.Notification{Level: session.NotifyInfo, Message: "thread " + string(id)})
}

func (t *terminal) RefreshThreads() {
	slog.Debug("thread list changed")
}

func (t *terminal) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.follower.Reset()
}

type chatCommand struct {
	name string
	args []string
}

// parseLine splits a slash command. Plain text yields ok=false.
func parseLine(line string) (chatCommand, bool) {
	if !strings.HasPrefix(line, "/") {
		return chatCommand{}, false
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return chatCommand{}, false
	}
	return chatCommand{name: strings.ToLower(fields[0]), args: fields[1:]}, true
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	r := newRenderer()
	term := &terminal{r: r, follower: render.NewFollower(r)}
	opts := session.Options{
		Router:          term,
		Refresher:       term,
		Notifier:        term,
		Logger:          slog.Default(),
		Interruption:    session.InterruptionPolicy(cfg.Session.Interruption),
		AssistantChunks: session.AssistantChunkPolicy(cfg.Session.AssistantChunks),
		OnUpdate:        term.Update,
	}
	if !chatNoRecord {
		opts.Recorder = journal.NewStore(cfg.JournalDir())
	}
	sess := session.New(client, opts)
	defer sess.Disconnect(context.Background())

	if chatThread != "" {
		if err := sess.SwitchThread(ctx, types.ThreadID(chatThread)); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				// Let an open turn finish before exiting on EOF.
				return sess.WaitIdle(ctx)
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		c, isCommand := parseLine(line)
		if !isCommand {
			if err := sess.SendMessage(ctx, line); err != nil {
				if errors.Is(err, session.ErrTurnBusy) {
					term.Notify(session.Notification{Level: session.NotifyWarning, Message: "a turn is starting or ending, try again"})
				}
				slog.Debug("send failed", "error", err)
			}
			continue
		}

		quit, err := runChatCommand(ctx, client, sess, term, c)
		if err != nil {
			term.Notify(session.Notification{Level: session.NotifyError, Message: "/" + c.name, Err: err})
		}
		if quit {
			return nil
		}
	}
}

func runChatCommand(ctx context.Context, client *threads.Client, sess *session.ChatSession, term *terminal, c chatCommand) (bool, error) {
	switch c.name {
	case "quit", "exit":
		return true, nil
	case "new":
		term.reset()
		return false, sess.SwitchThread(ctx, "")
	case "thread":
		if len(c.args) != 1 {
			return false, fmt.Errorf("usage: /thread <id>")
		}
		term.reset()
		return false, sess.SwitchThread(ctx, types.ThreadID(c.args[0]))
	case "threads":
		list, err := client.ListThreads(ctx)
		if err != nil {
			return false, err
		}
		term.mu.Lock()
		term.r.Threads(list)
		term.mu.Unlock()
		return false, nil
	case "approve", "deny":
		if len(c.args) != 1 {
			return false, fmt.Errorf("usage: /%s <confirmation-id>", c.name)
		}
		return false, sess.RespondToConfirmation(ctx, types.ConfirmationID(c.args[0]), c.name == "approve")
	case "feedback":
		if len(c.args) < 1 {
			return false, fmt.Errorf("usage: /feedback <up|down> [text]")
		}
		id := sess.ThreadID()
		if id.IsNew() {
			return false, fmt.Errorf("no thread to rate yet")
		}
		rating, err := parseRating(c.args[0])
		if err != nil {
			return false, err
		}
		if err := client.SubmitFeedback(ctx, threads.Feedback{ThreadID: id, Rating: rating, Text: strings.Join(c.args[1:], " ")}); err != nil {
			return false, err
		}
		term.Notify(session.Notification{Level: session.NotifyInfo, Message: "feedback sent"})
		return false, nil
	default:
		return false, fmt.Errorf("unknown command /%s", c.name)
	}
}
