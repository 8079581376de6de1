package dispatch

import (
	"fmt"
	"strings"
	"time"

	"taskping/internal/storage"
	"taskping/internal/task"
)

func priorityEmoji(priority string) string {
	switch strings.ToLower(strings.TrimSpace(priority)) {
	case "high":
		return "🔥"
	case "medium":
		return "⚡"
	default:
		return "📝"
	}
}

// humanizeDue renders the distance to a due instant in the coarsest
// useful unit. Anything in the past is just "overdue".
func humanizeDue(until time.Duration) string {
	switch {
	case until < 0:
		return "overdue"
	case until < time.Hour:
		return "in " + plural(max(1, int(until.Minutes())), "minute")
	case until < 24*time.Hour:
		return "in " + plural(int(until.Hours()), "hour")
	default:
		return "in " + plural(int(until.Hours()/24), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// renderReminder builds the push title/body for one reminder job.
func renderReminder(typ storage.ReminderType, snap task.Snapshot, message string, now time.Time) (title, body string) {
	emoji := priorityEmoji(snap.Priority)
	switch typ {
	case storage.TypeTaskDue:
		title = emoji + " Task Due Soon"
		if snap.DueDate != nil {
			body = fmt.Sprintf("%q is due %s", snap.Title, humanizeDue(snap.DueDate.Sub(now)))
		} else {
			body = fmt.Sprintf("%q is due soon", snap.Title)
		}
	case storage.TypeTaskOverdue:
		title = "⚠️ Task Overdue"
		body = fmt.Sprintf("%q is now overdue", snap.Title)
	default: // task_reminder
		title = emoji + " Task Reminder"
		if strings.TrimSpace(message) != "" {
			body = message
		} else {
			body = fmt.Sprintf("Don't forget: %q", snap.Title)
		}
	}
	return title, body
}

// renderSummary builds the daily-summary push from task counts.
func renderSummary(pending, overdue int) (title, body string) {
	if pending == 0 && overdue == 0 {
		return "🎉 All Done!", "No pending tasks today. Great job!"
	}
	body = fmt.Sprintf("You have %s", plural(pending, "pending task"))
	if overdue > 0 {
		body += fmt.Sprintf(", %d overdue", overdue)
	}
	return "📋 Daily Summary", body
}

func renderTest() (title, body string) {
	return "🔔 Test Notification", "Push notifications are working!"
}

// RenderReminder exposes the reminder rendering for callers that need
// the exact title/body, e.g. to append delivery history.
func RenderReminder(typ storage.ReminderType, snap task.Snapshot, message string, now time.Time) (title, body string) {
	return renderReminder(typ, snap, message, now)
}

// SummaryMessage builds a ready-to-send daily-summary message for
// SendBulk fan-out.
func SummaryMessage(token string, pending, overdue int) Message {
	title, body := renderSummary(pending, overdue)
	return Message{
		Token: token,
		Title: title,
		Body:  body,
		Data:  map[string]string{"type": string(storage.TypeDailySummary)},
	}
}
