package scheduler

import (
	"context"
	"errors"
	"time"

	logx "taskping/pkg/logx"
)

// ScheduleAt registers a one-shot callback for fire time at, keyed by
// id. Re-registering an existing id replaces the pending timer.
//
// Misfire policy: a fire time older than the grace window returns
// ErrPastGrace and registers nothing; lateness within the window clamps
// to immediate execution.
func (s *Service) ScheduleAt(id string, at time.Time, timeout time.Duration, run func(ctx context.Context) error) error {
	if id == "" {
		return errors.New("id required")
	}
	if run == nil {
		return errors.New("run required")
	}

	s.mu.Lock()
	running := s.stopCh != nil
	grace := s.cfg.misfireGrace()
	resolved := s.resolveTimeout(timeout)
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	delay := time.Until(at)
	if delay < -grace {
		return ErrPastGrace
	}
	if delay < 0 {
		delay = 0
	}

	s.tmu.Lock()
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
	}
	ver := s.onceVer[id] + 1
	s.onceVer[id] = ver

	localID := id
	localVer := ver
	s.timers[id] = time.AfterFunc(delay, func() {
		// A replaced or cancelled timer's late callback is stale.
		s.tmu.Lock()
		if s.onceVer[localID] != localVer {
			s.tmu.Unlock()
			return
		}
		delete(s.timers, localID)
		delete(s.onceVer, localID)
		s.tmu.Unlock()

		s.enqueue(job{id: localID, timeout: resolved, run: run})
	})
	s.tmu.Unlock()

	s.log.Debug("one-shot scheduled", logx.String("id", id), logx.Time("at", at), logx.Duration("delay", delay))
	return nil
}

// Cancel removes a pending one-shot timer. Best effort: an unknown id
// is not an error, and a callback already handed to the worker pool is
// not recalled.
func (s *Service) Cancel(id string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	_ = t.Stop()
	delete(s.timers, id)
	delete(s.onceVer, id)
	return true
}

// Pending reports the number of registered one-shot timers.
func (s *Service) Pending() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.timers)
}
