package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskping/internal/eventbus"
	logx "taskping/pkg/logx"
)

var (
	// ErrNotRunning is returned by schedule calls before Start or after Stop.
	ErrNotRunning = errors.New("scheduler not running")
	// ErrPastGrace is returned when a fire time is older than the
	// misfire grace window; such jobs are treated as missed.
	ErrPastGrace = errors.New("fire time past misfire grace")
)

const (
	defaultWorkers      = 4
	defaultQueueSize    = 256
	defaultMisfireGrace = 5 * time.Minute
)

type Config struct {
	Workers        int
	QueueSize      int
	MisfireGrace   time.Duration
	DefaultTimeout time.Duration
	Timezone       string // IANA TZ, e.g. "Asia/Jakarta"
}

func (c Config) misfireGrace() time.Duration {
	if c.MisfireGrace > 0 {
		return c.MisfireGrace
	}
	return defaultMisfireGrace
}

type job struct {
	id      string
	timeout time.Duration
	run     func(ctx context.Context) error
}

type cronDef struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
	entryID cron.EntryID
}

// Service is the single time-ordered executor for the process. It owns
// one-shot reminder timers (keyed by job id, replace-on-reschedule) and
// the cron entries for periodic maintenance. Due work is drained by a
// small worker pool so one slow or panicking callback never delays
// other due jobs.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []cronDef

	queue  chan job
	stopCh chan struct{}

	// One-shot timers. onceVer lets a replaced timer's late callback
	// detect it is stale and bail out.
	tmu     sync.Mutex
	timers  map[string]*time.Timer
	onceVer map[string]uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timers:  map[string]*time.Timer{},
		onceVer: map[string]uint64{},
	}
}

// Location returns the scheduler's timezone (quiet-hour evaluation uses it).
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

// MisfireGrace returns the effective grace window.
func (s *Service) MisfireGrace() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.misfireGrace()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := s.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	s.queue = make(chan job, queueSize)

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}

	for i := 0; i < workers; i++ {
		go s.worker(ctx, s.stopCh, s.queue)
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Int("workers", workers),
		logx.Int("queue_size", queueSize),
		logx.String("tz", loc.String()),
		logx.Duration("misfire_grace", s.cfg.misfireGrace()),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.c != nil {
		select {
		case <-s.c.Stop().Done():
		case <-ctx.Done():
		}
		s.c = nil
	}

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.onceVer = map[string]uint64{}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped")
}

// AddCron registers a periodic job. Re-registering a name replaces the
// previous entry, so hot reloads never duplicate schedules.
func (s *Service) AddCron(name, spec string, timeout time.Duration, run func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	s.removeCronLocked(name)
	d := cronDef{name: name, spec: spec, timeout: s.resolveTimeout(timeout), run: run}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Not started yet: the definition registers when Start() runs.
		return nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.log.Error("cron register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return err
	}
	s.log.Debug("cron registered", logx.String("name", name), logx.String("spec", spec))
	return nil
}

// AddDaily registers a job at HH:MM every day in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, run func(ctx context.Context) error) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), timeout, run)
}

// RemoveCron unschedules the named periodic job.
func (s *Service) RemoveCron(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeCronLocked(name)
}

func (s *Service) addCronLocked(d *cronDef) error {
	eid, err := s.c.AddFunc(d.spec, func() {
		s.enqueue(job{id: d.name, timeout: d.timeout, run: d.run})
	})
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) removeCronLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}
