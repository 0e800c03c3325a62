// Package export writes projected thread transcripts to disk.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/pacha/internal/history"
	"github.com/user/pacha/internal/threads"
	"github.com/user/pacha/internal/types"
)

// Fetcher loads threads. threads.Client satisfies it.
type Fetcher interface {
	ListThreads(ctx context.Context) ([]types.ThreadSummary, error)
	GetThread(ctx context.Context, id types.ThreadID) (*types.ThreadResponse, error)
}

var _ Fetcher = (*threads.Client)(nil)

// Item is one timeline entry tagged with its kind.
type Item struct {
	Kind  types.EntryKind `json:"kind"`
	Entry types.Entry     `json:"entry"`
}

// Transcript is the on-disk format of an exported thread.
type Transcript struct {
	ThreadID    types.ThreadID                                 `json:"thread_id"`
	Title       string                                         `json:"title"`
	Version     string                                         `json:"version,omitempty"`
	ExportedAt  time.Time                                      `json:"exported_at"`
	Timeline    []Item                                         `json:"timeline"`
	ToolOutputs map[types.CodeBlockID]*types.ToolCallResponse `json:"tool_outputs"`
	Artifacts   map[types.ArtifactID]*types.Artifact          `json:"artifacts"`
}

// Result names the file written for one thread.
type Result struct {
	ThreadID types.ThreadID
	Path     string
}

// DefaultConcurrency bounds parallel thread fetches.
const DefaultConcurrency = 4

// Exporter fetches threads concurrently and writes one transcript file per
// thread into its directory.
type Exporter struct {
	fetcher     Fetcher
	dir         string
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Exporter)

func WithConcurrency(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) { e.logger = l }
}

func New(fetcher Fetcher, dir string, opts ...Option) *Exporter {
	e := &Exporter{
		fetcher:     fetcher,
		dir:         dir,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export writes the given threads. The first failure cancels the remaining
// fetches and is returned; results are in input order.
func (e *Exporter) Export(ctx context.Context, ids []types.ThreadID) ([]Result, error) {
	for _, id := range ids {
		if err := id.CheckPathSafe(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	results := make([]Result, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			path, err := e.exportOne(ctx, id)
			if err != nil {
				return fmt.Errorf("export thread %s: %w", id, err)
			}
			results[i] = Result{ThreadID: id, Path: path}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ExportAll lists every thread and exports it.
func (e *Exporter) ExportAll(ctx context.Context) ([]Result, error) {
	summaries, err := e.fetcher.ListThreads(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]types.ThreadID, len(summaries))
	for i, s := range summaries {
		ids[i] = s.ThreadID
	}
	return e.Export(ctx, ids)
}

func (e *Exporter) exportOne(ctx context.Context, id types.ThreadID) (string, error) {
	thread, err := e.fetcher.GetThread(ctx, id)
	if err != nil {
		return "", err
	}
	tr := BuildTranscript(thread, e.now())

	content, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal transcript: %w", err)
	}

	// Atomic write via temp file + rename
	target := filepath.Join(e.dir, string(id)+".json")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("write temp transcript: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename temp transcript: %w", err)
	}

	e.logger.Debug("exported thread", "thread_id", id, "path", target, "entries", len(tr.Timeline))
	return target, nil
}

// BuildTranscript projects a thread into its exported form.
func BuildTranscript(thread *types.ThreadResponse, at time.Time) *Transcript {
	p := history.Project(thread)
	tr := &Transcript{
		ExportedAt:  at.UTC(),
		Timeline:    make([]Item, len(p.Timeline)),
		ToolOutputs: p.ToolOutputs,
		Artifacts:   p.Artifacts,
	}
	if thread != nil {
		tr.ThreadID = thread.ThreadID
		tr.Title = thread.Title
		tr.Version = thread.State.Version
	}
	for i, entry := range p.Timeline {
		tr.Timeline[i] = Item{Kind: entry.Kind(), Entry: entry}
	}
	return tr
}
