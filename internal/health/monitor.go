// Package health polls the backend's health endpoint on a cron schedule and
// reports status transitions.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/pacha/internal/threads"
)

// Checker is the health probe. threads.Client satisfies it.
type Checker interface {
	HealthCheck(ctx context.Context) (string, error)
}

var _ Checker = (*threads.Client)(nil)

type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Report is the outcome of one probe.
type Report struct {
	Status Status
	Body   string
	Err    error
	At     time.Time
}

// DefaultSchedule probes every 30 seconds.
const DefaultSchedule = "@every 30s"

// cronParser accepts standard 5-field expressions, 6-field expressions with
// seconds, and descriptors such as @every.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Monitor runs the probe on a schedule and calls OnChange whenever the
// status differs from the previous probe.
type Monitor struct {
	checker  Checker
	schedule string
	timeout  time.Duration
	onChange func(prev, cur Report)
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last Report
	cron *cron.Cron
}

type Option func(*Monitor)

func WithSchedule(spec string) Option {
	return func(m *Monitor) { m.schedule = spec }
}

// WithTimeout bounds each probe.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

func OnChange(fn func(prev, cur Report)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func New(checker Checker, opts ...Option) *Monitor {
	m := &Monitor{
		checker:  checker,
		schedule: DefaultSchedule,
		timeout:  10 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
		last:     Report{Status: StatusUnknown},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) Report {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	body, err := m.checker.HealthCheck(ctx)
	cur := Report{Body: body, Err: err, At: m.now()}
	switch {
	case err != nil:
		cur.Status = StatusUnhealthy
	case body != threads.HealthOK:
		cur.Status = StatusUnhealthy
		cur.Err = fmt.Errorf("unexpected health response %q", body)
	default:
		cur.Status = StatusHealthy
	}

	m.mu.Lock()
	prev := m.last
	m.last = cur
	m.mu.Unlock()

	if prev.Status != cur.Status {
		m.logger.Info("health status changed", "from", prev.Status, "to", cur.Status, "error", cur.Err)
		if m.onChange != nil {
			m.onChange(prev, cur)
		}
	}
	return cur
}

// Last returns the most recent report.
func (m *Monitor) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Start schedules the probe. It fails for an invalid schedule.
func (m *Monitor) Start() error {
	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(m.schedule, func() { m.Check(context.Background()) }); err != nil {
		return fmt.Errorf("invalid health schedule %q: %w", m.schedule, err)
	}
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()

	m.logger.Info("health monitor started", "schedule", m.schedule)
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running probe to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
