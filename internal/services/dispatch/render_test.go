package dispatch

import (
	"strings"
	"testing"
	"time"

	"taskping/internal/storage"
	"taskping/internal/task"
)

func TestPriorityEmoji(t *testing.T) {
	t.Parallel()
	tests := []struct {
		priority string
		want     string
	}{
		{"high", "🔥"},
		{"HIGH", "🔥"},
		{"medium", "⚡"},
		{"low", "📝"},
		{"", "📝"},
		{"whatever", "📝"},
	}
	for _, tt := range tests {
		if got := priorityEmoji(tt.priority); got != tt.want {
			t.Fatalf("priorityEmoji(%q) = %s, want %s", tt.priority, got, tt.want)
		}
	}
}

func TestHumanizeDue(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		until time.Duration
		want  string
	}{
		{name: "past", until: -time.Minute, want: "overdue"},
		{name: "under a minute", until: 30 * time.Second, want: "in 1 minute"},
		{name: "minutes", until: 45 * time.Minute, want: "in 45 minutes"},
		{name: "one hour", until: 90 * time.Minute, want: "in 1 hour"},
		{name: "hours", until: 5 * time.Hour, want: "in 5 hours"},
		{name: "days", until: 49 * time.Hour, want: "in 2 days"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := humanizeDue(tt.until); got != tt.want {
				t.Fatalf("humanizeDue(%v) = %q, want %q", tt.until, got, tt.want)
			}
		})
	}
}

func TestRenderReminder(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 16, 17, 0, 0, 0, time.UTC)
	due := now.Add(time.Hour)
	snap := task.Snapshot{ID: "t1", Title: "Ship release", Priority: "high", DueDate: &due}

	t.Run("task_due embeds humanized due time", func(t *testing.T) {
		title, body := renderReminder(storage.TypeTaskDue, snap, "", now)
		if title != "🔥 Task Due Soon" {
			t.Fatalf("title = %q", title)
		}
		if !strings.Contains(body, "Ship release") || !strings.Contains(body, "in 1 hour") {
			t.Fatalf("body = %q", body)
		}
	})

	t.Run("task_overdue", func(t *testing.T) {
		title, body := renderReminder(storage.TypeTaskOverdue, snap, "", now)
		if title != "⚠️ Task Overdue" {
			t.Fatalf("title = %q", title)
		}
		if !strings.Contains(body, "overdue") {
			t.Fatalf("body = %q", body)
		}
	})

	t.Run("task_reminder uses custom message", func(t *testing.T) {
		_, body := renderReminder(storage.TypeTaskReminder, snap, "Check the docs", now)
		if body != "Check the docs" {
			t.Fatalf("body = %q", body)
		}
	})

	t.Run("task_reminder default body", func(t *testing.T) {
		title, body := renderReminder(storage.TypeTaskReminder, snap, "", now)
		if title != "🔥 Task Reminder" {
			t.Fatalf("title = %q", title)
		}
		if !strings.Contains(body, "Ship release") {
			t.Fatalf("body = %q", body)
		}
	})
}

func TestRenderSummary(t *testing.T) {
	t.Parallel()
	title, body := renderSummary(0, 0)
	if title != "🎉 All Done!" || !strings.Contains(body, "No pending tasks") {
		t.Fatalf("empty summary = %q / %q", title, body)
	}

	title, body = renderSummary(3, 1)
	if title != "📋 Daily Summary" {
		t.Fatalf("title = %q", title)
	}
	if !strings.Contains(body, "3 pending tasks") || !strings.Contains(body, "1 overdue") {
		t.Fatalf("body = %q", body)
	}

	_, body = renderSummary(1, 0)
	if !strings.Contains(body, "1 pending task") || strings.Contains(body, "overdue") {
		t.Fatalf("body = %q", body)
	}
}
