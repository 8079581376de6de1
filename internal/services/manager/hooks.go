package manager

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"taskping/internal/services/dispatch"
	"taskping/internal/services/policy"
	"taskping/internal/services/scheduler"
	"taskping/internal/storage"
	"taskping/internal/task"
	logx "taskping/pkg/logx"
)

// jobPayload is the task state frozen into a reminder job at schedule
// time, so the firing path renders against what the user was promised.
type jobPayload struct {
	Task    task.Snapshot `json:"task"`
	Message string        `json:"message,omitempty"`
}

// OnTaskApproved schedules reminders for a newly approved task.
// Returns true iff at least one job was scheduled.
func (s *Service) OnTaskApproved(ctx context.Context, snap task.Snapshot) bool {
	return s.scheduleFor(ctx, snap) > 0
}

// OnTaskUpdated cancels the task's scheduled jobs and reschedules from
// the new snapshot. Always a full reschedule, never a partial diff.
func (s *Service) OnTaskUpdated(ctx context.Context, snap task.Snapshot) bool {
	s.cancelFor(ctx, snap.ID, snap.UserID)
	return s.scheduleFor(ctx, snap) > 0
}

// OnRemindersUpdated handles reminder-list edits; mechanically a full
// reschedule, the removed ids fall out of the new candidate set.
func (s *Service) OnRemindersUpdated(ctx context.Context, snap task.Snapshot, removedIDs []string) bool {
	_ = removedIDs
	return s.OnTaskUpdated(ctx, snap)
}

// OnTaskCompleted cancels all scheduled jobs for the pair and returns
// the count cancelled.
func (s *Service) OnTaskCompleted(ctx context.Context, taskID, userID string) int {
	return s.cancelFor(ctx, taskID, userID)
}

// OnTaskDeleted behaves exactly like OnTaskCompleted.
func (s *Service) OnTaskDeleted(ctx context.Context, taskID, userID string) int {
	return s.cancelFor(ctx, taskID, userID)
}

func (s *Service) cancelFor(ctx context.Context, taskID, userID string) int {
	jobs, err := s.store.ListJobsForTask(ctx, taskID, userID)
	if err != nil {
		s.log.Warn("list jobs failed", logx.String("task", taskID), logx.Err(err))
		return 0
	}
	n := 0
	for _, j := range jobs {
		if j.Status != storage.StatusScheduled {
			continue
		}
		ok, err := s.store.CancelJob(ctx, j.ID)
		if err != nil {
			s.log.Warn("cancel job failed", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		if ok {
			n++
		}
		// Timer removal is best effort; a firing that already started
		// resolves via the terminal-write precedence rules.
		if s.exec != nil {
			_ = s.exec.Cancel(j.ID)
		}
	}
	if n > 0 {
		s.log.Debug("jobs cancelled", logx.String("task", taskID), logx.String("user", userID), logx.Int("count", n))
		s.publish("reminder.cancelled", taskID)
	}
	return n
}

// scheduleFor runs the policy engine for snap and registers the
// surviving candidates. Returns the number of jobs scheduled.
func (s *Service) scheduleFor(ctx context.Context, snap task.Snapshot) int {
	if s.exec == nil {
		// No executor attached: scheduling is unavailable and all
		// schedule calls are no-ops.
		s.log.Debug("no executor; skipping scheduling", logx.String("task", snap.ID))
		return 0
	}

	token, err := s.store.GetToken(ctx, snap.UserID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("token lookup failed", logx.String("user", snap.UserID), logx.Err(err))
		}
		return 0
	}
	if !token.Valid {
		return 0
	}
	if !s.sender.Validate(ctx, token.Token) {
		s.log.Info("token failed validation; dropping from scheduling", logx.String("user", snap.UserID))
		if err := s.store.MarkTokenInvalid(ctx, snap.UserID); err != nil {
			s.log.Warn("mark token invalid failed", logx.String("user", snap.UserID), logx.Err(err))
		}
		return 0
	}

	settings := s.settingsFor(ctx, snap.UserID)
	now := time.Now()
	cands := policy.Candidates(snap, true, settings, now, s.location())
	if len(cands) == 0 {
		return 0
	}

	n := 0
	for _, c := range cands {
		payload, err := json.Marshal(jobPayload{Task: snap, Message: c.Message})
		if err != nil {
			s.log.Warn("payload marshal failed", logx.String("task", snap.ID), logx.Err(err))
			continue
		}
		id := storage.JobID(snap.ID, snap.UserID, c.Type, c.FireAt)
		job := storage.ReminderJob{
			ID:        id,
			TaskID:    snap.ID,
			UserID:    snap.UserID,
			Token:     token.Token,
			FireAt:    c.FireAt,
			Type:      c.Type,
			Status:    storage.StatusScheduled,
			Payload:   string(payload),
			CreatedAt: now,
		}
		if err := s.store.PutJob(ctx, job); err != nil {
			s.log.Warn("persist job failed", logx.String("job", id), logx.Err(err))
			continue
		}
		if err := s.exec.ScheduleAt(id, c.FireAt, 0, s.fire(id)); err != nil {
			if errors.Is(err, scheduler.ErrPastGrace) {
				// The overdue fallback can legitimately land in the
				// past; record it as missed rather than leave a
				// scheduled row nothing will ever fire.
				_, _ = s.store.FinishJob(ctx, id, storage.StatusFailed, now)
				s.log.Debug("job past grace; marked failed", logx.String("job", id))
			} else {
				s.log.Warn("timer register failed", logx.String("job", id), logx.Err(err))
			}
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("reminders scheduled",
			logx.String("task", snap.ID), logx.String("user", snap.UserID), logx.Int("count", n))
		s.publish("reminder.scheduled", snap.ID)
	}
	return n
}

// fire builds the one-shot callback for a job id. It runs on a
// scheduler worker, never on the timer goroutine.
func (s *Service) fire(id string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		// A cancel that landed before the firing began wins; after this
		// point the send outcome takes precedence instead.
		if job.Status != storage.StatusScheduled {
			s.log.Debug("job no longer scheduled; skipping", logx.String("job", id), logx.String("status", string(job.Status)))
			return nil
		}

		var pl jobPayload
		if err := json.Unmarshal([]byte(job.Payload), &pl); err != nil {
			pl.Task = task.Snapshot{ID: job.TaskID, UserID: job.UserID}
		}

		out := s.sender.SendReminder(ctx, job, pl.Task, pl.Message)
		status := storage.StatusFailed
		if out.OK() {
			status = storage.StatusSent
		}
		now := time.Now()
		if _, err := s.store.FinishJob(ctx, id, status, now); err != nil {
			s.log.Warn("finish job failed", logx.String("job", id), logx.Err(err))
		}

		title, body := dispatch.RenderReminder(job.Type, pl.Task, pl.Message, now)
		if err := s.store.AppendDelivery(ctx, storage.DeliveryRecord{
			UserID:           job.UserID,
			Type:             job.Type,
			TaskID:           job.TaskID,
			Title:            title,
			Body:             body,
			SentAt:           now,
			Status:           status,
			ProviderResponse: out.String(),
		}); err != nil {
			s.log.Warn("append delivery failed", logx.String("job", id), logx.Err(err))
		}

		if out.Code == dispatch.OutcomeUnregistered {
			s.log.Info("token unregistered; marking invalid", logx.String("user", job.UserID))
			if err := s.store.MarkTokenInvalid(ctx, job.UserID); err != nil {
				s.log.Warn("mark token invalid failed", logx.String("user", job.UserID), logx.Err(err))
			}
		}
		s.publish("delivery.recorded", id)
		return nil
	}
}
