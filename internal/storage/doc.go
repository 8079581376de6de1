package storage

// Package storage persists the reminder pipeline's durable state:
//   - push_tokens: one current device token per user, with validity flag
//   - notification_settings: per-user preferences and quiet hours
//   - reminder_jobs: scheduled notifications and their terminal outcomes
//   - delivery_history: append-only delivery log, aggregated for stats
