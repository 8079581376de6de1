package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "taskping/pkg/logx"
)

// Store is the persistence API used by the reminder pipeline.
//
// All mutations are atomic single-statement upserts or conditional
// updates; there is no read-modify-write across the request path and
// the background firing path.
type Store interface {
	// Tokens. One current token per user; UpsertToken replaces.
	UpsertToken(ctx context.Context, t PushToken) error
	GetToken(ctx context.Context, userID string) (PushToken, error)
	MarkTokenInvalid(ctx context.Context, userID string) error
	// DeleteInvalidTokens removes the user's token row if it is marked
	// invalid or was last updated before olderThan. Returns rows removed.
	DeleteInvalidTokens(ctx context.Context, userID string, olderThan time.Time) (int, error)
	// ListSummaryUsers returns user ids holding a valid token whose
	// settings (stored or default) have the daily summary enabled.
	ListSummaryUsers(ctx context.Context) ([]string, error)

	// Settings. GetSettings returns ErrNotFound when the user never
	// saved preferences; callers fall back to DefaultSettings.
	UpsertSettings(ctx context.Context, s Settings) error
	GetSettings(ctx context.Context, userID string) (Settings, error)

	// Jobs.
	PutJob(ctx context.Context, j ReminderJob) error
	GetJob(ctx context.Context, id string) (ReminderJob, error)
	ListScheduled(ctx context.Context) ([]ReminderJob, error)
	ListJobsForTask(ctx context.Context, taskID, userID string) ([]ReminderJob, error)
	// CancelJob flips scheduled -> cancelled. Returns false if the job
	// was absent or already terminal.
	CancelJob(ctx context.Context, id string) (bool, error)
	// CancelJobsForTask cancels every scheduled job for the pair and
	// returns how many were flipped.
	CancelJobsForTask(ctx context.Context, taskID, userID string) (int, error)
	// FinishJob writes the terminal outcome of a firing. It succeeds
	// from scheduled and also from cancelled, so a send that was already
	// in flight when a cancel raced in wins; sent/failed rows are never
	// overwritten.
	FinishJob(ctx context.Context, id string, status JobStatus, sentAt time.Time) (bool, error)
	// PurgeJobs deletes terminal jobs created before olderThan.
	PurgeJobs(ctx context.Context, olderThan time.Time) (int, error)

	// Delivery history (append-only).
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	DeliveryStats(ctx context.Context, userID string, since time.Time) ([]DeliveryStat, error)
	PurgeDeliveries(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}

// Open initializes the configured store. Driver defaults to sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
