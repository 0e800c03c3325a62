// Package render prints session state to a terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/user/pacha/internal/health"
	"github.com/user/pacha/internal/session"
	"github.com/user/pacha/internal/types"
)

// Renderer writes timeline entries, artifacts and thread lists as colored
// text.
type Renderer struct {
	w io.Writer

	self      *color.Color
	assistant *color.Color
	code      *color.Color
	output    *color.Color
	failure   *color.Color
	prompt    *color.Color
	dim       *color.Color
}

// New returns a Renderer writing to w. noColor disables escape codes
// regardless of the terminal.
func New(w io.Writer, noColor bool) *Renderer {
	r := &Renderer{
		w:         w,
		self:      color.New(color.FgCyan, color.Bold),
		assistant: color.New(color.FgGreen),
		code:      color.New(color.FgYellow),
		output:    color.New(color.FgWhite),
		failure:   color.New(color.FgRed, color.Bold),
		prompt:    color.New(color.FgMagenta, color.Bold),
		dim:       color.New(color.Faint),
	}
	if noColor {
		for _, c := range []*color.Color{r.self, r.assistant, r.code, r.output, r.failure, r.prompt, r.dim} {
			c.DisableColor()
		}
	}
	return r
}

// Snapshot prints the whole timeline followed by the artifacts.
func (r *Renderer) Snapshot(snap session.Snapshot) {
	for _, e := range snap.Timeline {
		r.Entry(e, snap.ToolOutputs)
	}
	r.Artifacts(snap.Artifacts)
	if snap.Err != nil {
		r.failure.Fprintf(r.w, "error: %v\n", snap.Err)
	}
}

// Entry prints one timeline entry. Tool calls are followed by their output
// when outputs has it.
func (r *Renderer) Entry(e types.Entry, outputs map[types.CodeBlockID]*types.ToolCallResponse) {
	switch m := e.(type) {
	case *types.SelfMessage:
		r.self.Fprintf(r.w, "you> %s\n", m.Message)
	case *types.AssistantMessage:
		if m.Message != "" {
			r.assistant.Fprintf(r.w, "%s\n", m.Message)
		}
		for _, call := range m.ToolCalls {
			r.dim.Fprintf(r.w, "[%s %s]\n", call.Name, call.CallID)
			r.code.Fprintf(r.w, "%s\n", indent(call.Input.PythonCode))
			if out, ok := outputs[call.CallID]; ok {
				r.ToolOutput(out)
			}
		}
	case *types.ToolchainMessage:
		r.dim.Fprintf(r.w, "[toolchain] %s\n", compact(m.Message))
	case *types.ErrorEntry:
		r.failure.Fprintf(r.w, "error: %s\n", m.Message)
	case *types.UserConfirmationEntry:
		r.prompt.Fprintf(r.w, "? %s [%s] (%s)\n", m.Message, m.ConfirmationID, m.Status)
	}
}

func (r *Renderer) ToolOutput(out *types.ToolCallResponse) {
	if out.Output.Output != "" {
		r.output.Fprintf(r.w, "%s\n", indent(strings.TrimRight(out.Output.Output, "\n")))
	}
	if out.Output.Error != nil {
		r.failure.Fprintf(r.w, "%s\n", indent(*out.Output.Error))
	}
}

// Artifacts prints a one-line summary per artifact, sorted by identifier.
func (r *Renderer) Artifacts(arts map[types.ArtifactID]*types.Artifact) {
	ids := make([]types.ArtifactID, 0, len(arts))
	for id := range arts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		a := arts[id]
		r.dim.Fprintf(r.w, "artifact %s (%s): %s%s\n", a.Identifier, a.ArtifactType, a.Title, rowCount(a.Data))
	}
}

// Threads prints a thread list as a table.
func (r *Renderer) Threads(list []types.ThreadSummary) {
	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "THREAD\tTITLE")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\n", t.ThreadID, t.Title)
	}
	tw.Flush()
}

// Health prints a health report.
func (r *Renderer) Health(rep health.Report) {
	ts := rep.At.Format("15:04:05")
	switch rep.Status {
	case health.StatusHealthy:
		r.assistant.Fprintf(r.w, "%s healthy\n", ts)
	default:
		r.failure.Fprintf(r.w, "%s %s: %v\n", ts, rep.Status, rep.Err)
	}
}

// Notification prints a session notification.
func (r *Renderer) Notification(n session.Notification) {
	c := r.dim
	switch n.Level {
	case session.NotifyWarning:
		c = r.code
	case session.NotifyError:
		c = r.failure
	}
	if n.Err != nil {
		c.Fprintf(r.w, "[%s] %s: %v\n", n.Level, n.Message, n.Err)
		return
	}
	c.Fprintf(r.w, "[%s] %s\n", n.Level, n.Message)
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

func compact(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}

// rowCount describes table data that is a JSON array.
func rowCount(data json.RawMessage) string {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return ""
	}
	if len(rows) == 1 {
		return " [1 row]"
	}
	return fmt.Sprintf(" [%d rows]", len(rows))
}

// Follower prints a session's timeline incrementally as snapshots arrive.
// An entry is printed once it can no longer change: when a later entry
// exists or the turn has ended. Confirmation requests print immediately so
// they can be answered while the turn is open.
type Follower struct {
	r       *Renderer
	printed int
}

func NewFollower(r *Renderer) *Follower {
	return &Follower{r: r}
}

// Update prints the settled entries of snap not yet printed.
func (f *Follower) Update(snap session.Snapshot) {
	n := len(snap.Timeline)
	if n < f.printed {
		f.printed = 0
	}
	limit := n
	if snap.Loading && n > 0 {
		if _, ok := snap.Timeline[n-1].(*types.UserConfirmationEntry); !ok {
			limit = n - 1
		}
	}
	for i := f.printed; i < limit; i++ {
		f.r.Entry(snap.Timeline[i], snap.ToolOutputs)
	}
	if limit > f.printed {
		f.printed = limit
	}
}

// Skip marks the first n entries as already printed.
func (f *Follower) Skip(n int) {
	f.printed = n
}

// Reset starts over, for example after a thread switch.
func (f *Follower) Reset() {
	f.printed = 0
}
