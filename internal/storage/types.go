package storage

import (
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "memory": process-local, for tests and dev
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ReminderType classifies what a notification is about.
type ReminderType string

const (
	TypeTaskReminder ReminderType = "task_reminder"
	TypeTaskDue      ReminderType = "task_due"
	TypeTaskOverdue  ReminderType = "task_overdue"
	TypeTest         ReminderType = "test"
	TypeDailySummary ReminderType = "daily_summary"
)

// JobStatus is the reminder-job lifecycle state.
//
// Transitions are monotonic: scheduled -> {sent|failed|cancelled}.
// Terminal states are immutable, with one deliberate exception: a firing
// that started before a concurrent cancel may still write sent/failed
// over cancelled (see FinishJob).
type JobStatus string

const (
	StatusScheduled JobStatus = "scheduled"
	StatusSent      JobStatus = "sent"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether s permits no further transition.
func (s JobStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// JobID builds the deterministic job key. One row may exist per
// (task, user, type, fire instant); rescheduling the same candidate
// replaces rather than duplicates.
func JobID(taskID, userID string, typ ReminderType, fireAt time.Time) string {
	return fmt.Sprintf("reminder:%s:%s:%s:%d", taskID, userID, typ, fireAt.Unix())
}

// ReminderJob is a durable scheduled notification.
type ReminderJob struct {
	ID        string
	TaskID    string
	UserID    string
	Token     string
	FireAt    time.Time
	Type      ReminderType
	Status    JobStatus
	Payload   string // JSON task snapshot at schedule time
	CreatedAt time.Time
	SentAt    *time.Time
}

// PushToken is the single current device token for a user.
// Later writes replace, never merge.
type PushToken struct {
	UserID    string
	Token     string
	Platform  string
	Valid     bool
	UpdatedAt time.Time
}

// Settings are per-user notification preferences.
// Quiet hours are local-time hours in [0,24); start >= end means an
// overnight window.
type Settings struct {
	UserID               string `json:"user_id,omitempty"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
	TaskReminders        bool   `json:"task_reminders_enabled"`
	DailySummary         bool   `json:"daily_summary_enabled"`
	QuietHoursStart      int    `json:"quiet_hours_start"`
	QuietHoursEnd        int    `json:"quiet_hours_end"`
	UpdatedAt            time.Time
}

// DefaultSettings returns the preference row used when a user has
// never saved one: everything enabled, quiet window 22-8.
func DefaultSettings(userID string) Settings {
	return Settings{
		UserID:               userID,
		NotificationsEnabled: true,
		TaskReminders:        true,
		DailySummary:         true,
		QuietHoursStart:      22,
		QuietHoursEnd:        8,
	}
}

// DeliveryRecord is one append-only delivery outcome.
type DeliveryRecord struct {
	UserID           string
	Type             ReminderType
	TaskID           string
	Title            string
	Body             string
	SentAt           time.Time
	Status           JobStatus // sent or failed
	ProviderResponse string
}

// DeliveryStat is an aggregated (type, status) delivery count.
type DeliveryStat struct {
	Type   ReminderType `json:"type"`
	Status JobStatus    `json:"status"`
	Count  int          `json:"count"`
}
