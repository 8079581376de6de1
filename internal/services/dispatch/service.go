package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskping/internal/eventbus"
	"taskping/internal/storage"
	"taskping/internal/task"
	logx "taskping/pkg/logx"
)

type Config struct {
	RatePerSec  int
	SendTimeout time.Duration
}

// Service renders notifications and pushes them through the provider.
// Sends are rate limited and bounded by a per-call timeout; callers
// run them on scheduler workers, never on timer goroutines.
//
// Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	provider Provider

	cfg     Config
	limiter *rate.Limiter
}

func New(provider Provider, cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{provider: provider, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

// Apply updates rate/timeout settings (config hot reload).
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) snapshot() (Provider, *rate.Limiter, Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider, s.limiter, s.cfg
}

// Validate dry-runs a send against the token. Fail-closed: any
// provider error, rate-limit interruption or timeout reports false.
func (s *Service) Validate(ctx context.Context, token string) bool {
	if strings.TrimSpace(token) == "" {
		return false
	}
	p, lim, cfg := s.snapshot()
	if p == nil {
		return false
	}
	if err := lim.Wait(ctx); err != nil {
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	if err := p.Validate(callCtx, token); err != nil {
		s.log.Debug("token validation failed", logx.Err(err))
		return false
	}
	return true
}

// SendReminder renders and delivers one reminder job.
func (s *Service) SendReminder(ctx context.Context, job storage.ReminderJob, snap task.Snapshot, message string) Outcome {
	title, body := renderReminder(job.Type, snap, message, time.Now())
	return s.send(ctx, Message{
		Token: job.Token,
		Title: title,
		Body:  body,
		Data: map[string]string{
			"type":    string(job.Type),
			"task_id": job.TaskID,
		},
	})
}

// SendSummary delivers a daily summary built from task counts.
func (s *Service) SendSummary(ctx context.Context, token string, pending, overdue int) Outcome {
	title, body := renderSummary(pending, overdue)
	return s.send(ctx, Message{
		Token: token,
		Title: title,
		Body:  body,
		Data:  map[string]string{"type": string(storage.TypeDailySummary)},
	})
}

// SendTest delivers the synthetic end-to-end test notification.
func (s *Service) SendTest(ctx context.Context, token string) Outcome {
	title, body := renderTest()
	return s.send(ctx, Message{
		Token: token,
		Title: title,
		Body:  body,
		Data:  map[string]string{"type": string(storage.TypeTest)},
	})
}

func (s *Service) send(ctx context.Context, m Message) Outcome {
	p, lim, cfg := s.snapshot()
	if p == nil {
		return Outcome{Code: OutcomeError, Err: context.Canceled}
	}
	if err := lim.Wait(ctx); err != nil {
		return Outcome{Code: OutcomeError, Err: err}
	}
	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	out := p.Send(callCtx, m)
	if out.OK() {
		s.log.Debug("push sent", logx.String("provider_id", out.ProviderID))
	} else {
		s.log.Warn("push failed", logx.String("code", string(out.Code)), logx.Err(out.Err))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "delivery." + string(out.Code), Data: m.Data})
	}
	return out
}

// BulkResult aggregates a SendBulk call.
type BulkResult struct {
	SuccessCount int
	FailureCount int
	Outcomes     []Outcome
}

// SendBulk delivers a batch; one failing message never aborts the rest.
func (s *Service) SendBulk(ctx context.Context, msgs []Message) BulkResult {
	if len(msgs) == 0 {
		return BulkResult{}
	}
	p, lim, cfg := s.snapshot()
	if p == nil {
		return BulkResult{FailureCount: len(msgs)}
	}
	if err := lim.WaitN(ctx, min(len(msgs), cfg.RatePerSec)); err != nil {
		return BulkResult{FailureCount: len(msgs)}
	}
	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout*2)
	defer cancel()

	outcomes, err := p.SendEach(callCtx, msgs)
	if err != nil {
		s.log.Warn("bulk send failed", logx.Err(err), logx.Int("count", len(msgs)))
		return BulkResult{FailureCount: len(msgs)}
	}
	res := BulkResult{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.OK() {
			res.SuccessCount++
		} else {
			res.FailureCount++
		}
	}
	s.log.Info("bulk send done", logx.Int("ok", res.SuccessCount), logx.Int("failed", res.FailureCount))
	return res
}
