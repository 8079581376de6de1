package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"taskping/internal/eventbus"
	logx "taskping/pkg/logx"
)

func (s *Service) enqueue(j job) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("scheduler not running; dropping job", logx.String("job", j.id))
		return
	}
	select {
	case q <- j:
	default:
		s.log.Warn("scheduler queue full; dropping job",
			logx.String("job", j.id), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "job.dropped", Data: j.id})
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execOne(ctx, j)
		}
	}
}

// execOne runs one due job with per-job timeout and panic isolation. A
// panicking callback must not take down the worker or other due jobs.
func (s *Service) execOne(ctx context.Context, j job) {
	start := time.Now()

	runCtx := ctx
	var cancel func()
	if j.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.timeout)
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job panicked",
					logx.String("job", j.id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		return j.run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	if err != nil {
		s.log.Warn("job failed", logx.String("job", j.id), logx.Err(err), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "job.failed", Data: j.id})
		}
		return
	}
	s.log.Debug("job done", logx.String("job", j.id), logx.Duration("dur", dur))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "job.done", Data: j.id})
	}
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
