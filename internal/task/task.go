// Package task defines the read-only task snapshot consumed by the
// reminder pipeline. Tasks are owned by an external task-management
// collaborator; this package only describes the shape that crosses
// the boundary.
package task

import "time"

// Reminder is one explicit reminder entry attached to a task.
type Reminder struct {
	ID      string    `json:"id,omitempty"`
	At      time.Time `json:"reminder_time"`
	Message string    `json:"message,omitempty"`
	Type    string    `json:"type,omitempty"`
}

// Snapshot is the task state at the moment a lifecycle hook fires.
// Scheduling decisions are made against this copy; later task edits
// arrive as a fresh snapshot via another hook.
type Snapshot struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Status      string     `json:"status,omitempty"`
	Reminders   []Reminder `json:"reminders,omitempty"`
}
