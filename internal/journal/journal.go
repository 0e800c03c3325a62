// Package journal keeps an append-only JSONL log of the events each thread
// received and the user's own messages and answers, so a conversation can be
// replayed offline.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/pacha/internal/types"
)

// Direction tells received server events from events the client sent.
type Direction string

const (
	Received Direction = "received"
	Sent     Direction = "sent"
)

// Record is one journal line. Lines without a direction were received.
type Record struct {
	ID        types.RecordID  `json:"id"`
	ThreadID  types.ThreadID  `json:"thread_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Direction Direction       `json:"direction,omitempty"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

// IsSent reports whether the record holds a client event.
func (r *Record) IsSent() bool {
	return r.Direction == Sent
}

// Event decodes the recorded payload back into its server event.
func (r *Record) Event() (types.ServerEvent, error) {
	if r.IsSent() {
		return nil, fmt.Errorf("record %d holds a sent %s event", r.Seq, r.Type)
	}
	return types.DecodeServerEvent(r.Payload)
}

// SentEvent decodes the payload of a sent record.
func (r *Record) SentEvent() (types.ClientEvent, error) {
	if !r.IsSent() {
		return nil, fmt.Errorf("record %d holds a received %s event", r.Seq, r.Type)
	}
	return types.DecodeClientEvent(r.Payload)
}

// Store is a file-backed journal. Events are stored per thread in
// threads/<threadID>/events.jsonl.
type Store struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	locks map[types.ThreadID]*sync.Mutex
	seqs  map[types.ThreadID]int64
}

// NewStore creates a Store rooted at the given directory.
func NewStore(root string) *Store {
	return &Store{
		root:  root,
		now:   time.Now,
		locks: make(map[types.ThreadID]*sync.Mutex),
		seqs:  make(map[types.ThreadID]int64),
	}
}

func (s *Store) getLock(id types.ThreadID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

func (s *Store) eventsPath(id types.ThreadID) string {
	return filepath.Join(s.root, "threads", string(id), "events.jsonl")
}

// count counts lines in the thread's file. Caller must hold the thread lock.
func (s *Store) count(id types.ThreadID) (int64, error) {
	f, err := os.Open(s.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var n int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan journal: %w", err)
	}
	return n, nil
}

// maxLine bounds one journal line; artifact payloads can be large.
const maxLine = 16 << 20

// Append records a received server event under the thread with the next
// sequence number.
func (s *Store) Append(_ context.Context, id types.ThreadID, ev types.ServerEvent) error {
	return s.write(id, ev.EventType(), Received, ev)
}

// AppendSent records an event the client sent on the thread.
func (s *Store) AppendSent(_ context.Context, id types.ThreadID, ev types.ClientEvent) error {
	return s.write(id, ev.EventType(), Sent, ev)
}

func (s *Store) write(id types.ThreadID, typ string, dir Direction, ev any) error {
	if err := id.CheckPathSafe(); err != nil {
		return err
	}
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.eventsPath(id)), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}

	s.mu.Lock()
	seq, known := s.seqs[id]
	s.mu.Unlock()
	if !known {
		existing, err := s.count(id)
		if err != nil {
			return err
		}
		seq = existing
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	rec := &Record{
		ID:        types.NewRecordID(),
		ThreadID:  id,
		Seq:       seq + 1,
		Type:      typ,
		Direction: dir,
		At:        s.now().UTC(),
		Payload:   payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	f, err := os.OpenFile(s.eventsPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	s.mu.Lock()
	s.seqs[id] = rec.Seq
	s.mu.Unlock()
	return nil
}

// Tail returns the last limit records of the thread, or all of them when
// limit is not positive.
func (s *Store) Tail(_ context.Context, id types.ThreadID, limit int) ([]*Record, error) {
	if err := id.CheckPathSafe(); err != nil {
		return nil, err
	}
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var records []*Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Events returns every received event of the thread in order.
func (s *Store) Events(ctx context.Context, id types.ThreadID) ([]types.ServerEvent, error) {
	records, err := s.Tail(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	events := make([]types.ServerEvent, 0, len(records))
	for _, rec := range records {
		if rec.IsSent() {
			continue
		}
		ev, err := rec.Event()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", rec.Seq, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Count returns the number of records for the thread.
func (s *Store) Count(_ context.Context, id types.ThreadID) (int64, error) {
	if err := id.CheckPathSafe(); err != nil {
		return 0, err
	}
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return s.count(id)
}

// Threads lists the threads that have a journal, sorted by id.
func (s *Store) Threads(_ context.Context) ([]types.ThreadID, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "threads", "*", "events.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("glob journals: %w", err)
	}
	ids := make([]types.ThreadID, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, types.ThreadID(filepath.Base(filepath.Dir(m))))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
