package manager

import (
	"context"
	"time"

	"taskping/internal/eventbus"
	"taskping/internal/services/dispatch"
	"taskping/internal/storage"
	"taskping/internal/task"
	logx "taskping/pkg/logx"
)

const (
	defaultStatsWindowDays  = 7
	defaultJobRetentionDays = 30
	defaultHistoryDays      = 90
	tokenMaxAge             = 30 * 24 * time.Hour
)

// Executor is the slice of the scheduler the orchestrator needs for
// one-shot reminder timers.
type Executor interface {
	ScheduleAt(id string, at time.Time, timeout time.Duration, run func(ctx context.Context) error) error
	Cancel(id string) bool
	Location() *time.Location
	MisfireGrace() time.Duration
}

// Sender is the slice of the dispatcher the orchestrator needs.
type Sender interface {
	Validate(ctx context.Context, token string) bool
	SendReminder(ctx context.Context, job storage.ReminderJob, snap task.Snapshot, message string) dispatch.Outcome
	SendTest(ctx context.Context, token string) dispatch.Outcome
	SendBulk(ctx context.Context, msgs []dispatch.Message) dispatch.BulkResult
}

// SummarySource supplies per-user task counts for the daily summary.
// The task store itself lives in an external collaborator.
type SummarySource interface {
	TaskCounts(ctx context.Context, userID string) (pending, overdue int, err error)
}

// Retention controls the periodic cleanup cutoffs (days).
type Retention struct {
	JobDays     int
	HistoryDays int
}

func (r Retention) withDefaults() Retention {
	if r.JobDays <= 0 {
		r.JobDays = defaultJobRetentionDays
	}
	if r.HistoryDays <= 0 {
		r.HistoryDays = defaultHistoryDays
	}
	return r
}

// Service orchestrates the reminder pipeline: lifecycle hooks from the
// task collaborator in, policy decisions, durable jobs, timer
// registration, and delivery outcomes back into storage.
//
// Every boundary method converts internal failures into boolean/count
// results; a failed schedule or send never blocks the task operation
// that triggered it.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	exec   Executor
	sender Sender

	summary   SummarySource
	retention Retention
}

type Option func(*Service)

// WithSummarySource attaches the per-user task counts used by the
// daily summary fan-out. Without it summaries are skipped.
func WithSummarySource(src SummarySource) Option {
	return func(s *Service) { s.summary = src }
}

func WithRetention(r Retention) Option {
	return func(s *Service) { s.retention = r.withDefaults() }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

func New(store storage.Store, exec Executor, sender Sender, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:       log,
		store:     store,
		exec:      exec,
		sender:    sender,
		retention: Retention{}.withDefaults(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func (s *Service) location() *time.Location {
	if s.exec == nil {
		return time.Local
	}
	if loc := s.exec.Location(); loc != nil {
		return loc
	}
	return time.Local
}

// settingsFor loads the stored preferences or the defaults.
func (s *Service) settingsFor(ctx context.Context, userID string) storage.Settings {
	st, err := s.store.GetSettings(ctx, userID)
	if err != nil {
		return storage.DefaultSettings(userID)
	}
	return st
}
