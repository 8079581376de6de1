// Package policy turns a task snapshot plus user preferences into the
// concrete set of reminder fire instants. It is a pure computation:
// identical inputs always yield the identical candidate set.
package policy

import (
	"sort"
	"time"

	"taskping/internal/storage"
	"taskping/internal/task"
)

// Candidate is one notification the scheduler should register.
type Candidate struct {
	FireAt  time.Time
	Type    storage.ReminderType
	Message string
}

// InQuietHours reports whether local hour h falls inside the quiet
// window [start,end). start >= end describes an overnight window
// (e.g. 22-8). The end hour itself is never quiet.
func InQuietHours(h, start, end int) bool {
	if start < end {
		return h < start || h >= end
	}
	return h >= start || h < end
}

// Candidates computes the reminders to schedule for snap.
//
// Gating: an invalid token or disabled notifications/task-reminders
// yields an empty set. Explicit reminder entries in the past or inside
// the user's quiet window are dropped. When the task has a due date
// and no explicit reminders, two fallback candidates are emitted
// instead: due-1h (only if still future) and due+1h (always). Fallback
// candidates skip the quiet-hour check so imminent and overdue alerts
// are never suppressed.
func Candidates(snap task.Snapshot, tokenValid bool, s storage.Settings, now time.Time, loc *time.Location) []Candidate {
	if !tokenValid || !s.NotificationsEnabled || !s.TaskReminders {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}

	var out []Candidate
	for _, r := range snap.Reminders {
		if r.At.IsZero() || !r.At.After(now) {
			continue
		}
		if InQuietHours(r.At.In(loc).Hour(), s.QuietHoursStart, s.QuietHoursEnd) {
			continue
		}
		out = append(out, Candidate{FireAt: r.At, Type: storage.TypeTaskReminder, Message: r.Message})
	}

	if len(snap.Reminders) == 0 && snap.DueDate != nil {
		due := *snap.DueDate
		if pre := due.Add(-time.Hour); pre.After(now) {
			out = append(out, Candidate{FireAt: pre, Type: storage.TypeTaskDue})
		}
		out = append(out, Candidate{FireAt: due.Add(time.Hour), Type: storage.TypeTaskOverdue})
	}

	sort.Slice(out, func(i, k int) bool {
		if !out[i].FireAt.Equal(out[k].FireAt) {
			return out[i].FireAt.Before(out[k].FireAt)
		}
		return out[i].Type < out[k].Type
	})
	return out
}
