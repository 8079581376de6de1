package manager

import (
	"context"
	"errors"
	"time"

	"taskping/internal/services/dispatch"
	"taskping/internal/services/scheduler"
	"taskping/internal/storage"
	logx "taskping/pkg/logx"
)

// Reconcile re-registers persisted scheduled jobs after a restart.
// Jobs whose fire time is still in the future or within the misfire
// grace window get timers again; the rest are marked failed (missed).
func (s *Service) Reconcile(ctx context.Context) (restored, missed int) {
	if s.exec == nil {
		return 0, 0
	}
	jobs, err := s.store.ListScheduled(ctx)
	if err != nil {
		s.log.Warn("reconcile list failed", logx.Err(err))
		return 0, 0
	}
	now := time.Now()
	for _, j := range jobs {
		err := s.exec.ScheduleAt(j.ID, j.FireAt, 0, s.fire(j.ID))
		switch {
		case err == nil:
			restored++
		case errors.Is(err, scheduler.ErrPastGrace):
			if _, ferr := s.store.FinishJob(ctx, j.ID, storage.StatusFailed, now); ferr != nil {
				s.log.Warn("mark missed failed", logx.String("job", j.ID), logx.Err(ferr))
			}
			missed++
		default:
			s.log.Warn("reconcile register failed", logx.String("job", j.ID), logx.Err(err))
		}
	}
	if restored+missed > 0 {
		s.log.Info("reconciled persisted jobs", logx.Int("restored", restored), logx.Int("missed", missed))
	}
	return restored, missed
}

// Cleanup purges terminal jobs and old delivery history per the
// retention cutoffs. Returns (jobs purged, deliveries purged).
func (s *Service) Cleanup(ctx context.Context) (int, int) {
	now := time.Now()
	jobs, err := s.store.PurgeJobs(ctx, now.AddDate(0, 0, -s.retention.JobDays))
	if err != nil {
		s.log.Warn("job purge failed", logx.Err(err))
	}
	hist, err := s.store.PurgeDeliveries(ctx, now.AddDate(0, 0, -s.retention.HistoryDays))
	if err != nil {
		s.log.Warn("history purge failed", logx.Err(err))
	}
	if jobs+hist > 0 {
		s.log.Info("retention sweep done", logx.Int("jobs", jobs), logx.Int("deliveries", hist))
	}
	return jobs, hist
}

// CronScheduler is the slice of the scheduler used for periodic
// maintenance registration.
type CronScheduler interface {
	AddDaily(name, atHHMM string, timeout time.Duration, run func(ctx context.Context) error) error
}

// RegisterMaintenance installs the retention sweep and, when enabled,
// the daily summary fan-out.
func (s *Service) RegisterMaintenance(cron CronScheduler, sweepAt string, summaryEnabled bool, summaryAt string) error {
	if err := cron.AddDaily("retention.sweep", sweepAt, time.Minute, func(ctx context.Context) error {
		s.Cleanup(ctx)
		return nil
	}); err != nil {
		return err
	}
	if !summaryEnabled {
		return nil
	}
	return cron.AddDaily("daily.summary", summaryAt, 5*time.Minute, func(ctx context.Context) error {
		s.SendDailySummaries(ctx)
		return nil
	})
}

// SendDailySummaries fans a summary push out to every user with a
// valid token and the summary preference enabled. Returns the number
// of successful sends.
func (s *Service) SendDailySummaries(ctx context.Context) int {
	if s.summary == nil {
		s.log.Debug("no summary source attached; skipping daily summary")
		return 0
	}
	users, err := s.store.ListSummaryUsers(ctx)
	if err != nil {
		s.log.Warn("summary user list failed", logx.Err(err))
		return 0
	}
	if len(users) == 0 {
		return 0
	}

	msgs := make([]dispatch.Message, 0, len(users))
	byIndex := make([]string, 0, len(users))
	for _, userID := range users {
		token, err := s.store.GetToken(ctx, userID)
		if err != nil || !token.Valid {
			continue
		}
		pending, overdue, err := s.summary.TaskCounts(ctx, userID)
		if err != nil {
			s.log.Warn("task counts failed", logx.String("user", userID), logx.Err(err))
			continue
		}
		msgs = append(msgs, dispatch.SummaryMessage(token.Token, pending, overdue))
		byIndex = append(byIndex, userID)
	}
	if len(msgs) == 0 {
		return 0
	}

	res := s.sender.SendBulk(ctx, msgs)
	now := time.Now()
	for i, out := range res.Outcomes {
		status := storage.StatusFailed
		if out.OK() {
			status = storage.StatusSent
		}
		if err := s.store.AppendDelivery(ctx, storage.DeliveryRecord{
			UserID:           byIndex[i],
			Type:             storage.TypeDailySummary,
			Title:            msgs[i].Title,
			Body:             msgs[i].Body,
			SentAt:           now,
			Status:           status,
			ProviderResponse: out.String(),
		}); err != nil {
			s.log.Warn("append delivery failed", logx.String("user", byIndex[i]), logx.Err(err))
		}
		if out.Code == dispatch.OutcomeUnregistered {
			if err := s.store.MarkTokenInvalid(ctx, byIndex[i]); err != nil {
				s.log.Warn("mark token invalid failed", logx.String("user", byIndex[i]), logx.Err(err))
			}
		}
	}
	s.log.Info("daily summaries sent", logx.Int("ok", res.SuccessCount), logx.Int("failed", res.FailureCount))
	return res.SuccessCount
}
