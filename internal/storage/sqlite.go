package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "taskping/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertToken(ctx context.Context, t PushToken) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_tokens(user_id, token, platform, valid, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   token=excluded.token, platform=excluded.platform,
		   valid=excluded.valid, updated_at=excluded.updated_at`,
		t.UserID, t.Token, t.Platform, boolInt(t.Valid), t.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetToken(ctx context.Context, userID string) (PushToken, error) {
	var (
		t     PushToken
		valid int
		upd   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, token, platform, valid, updated_at FROM push_tokens WHERE user_id = ?`,
		userID,
	).Scan(&t.UserID, &t.Token, &t.Platform, &valid, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return PushToken{}, ErrNotFound
	}
	if err != nil {
		return PushToken{}, err
	}
	t.Valid = valid != 0
	t.UpdatedAt = time.UnixMilli(upd)
	return t, nil
}

func (s *sqliteStore) MarkTokenInvalid(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE push_tokens SET valid = 0, updated_at = ? WHERE user_id = ?`,
		time.Now().UnixMilli(), userID,
	)
	return err
}

func (s *sqliteStore) DeleteInvalidTokens(ctx context.Context, userID string, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM push_tokens WHERE user_id = ? AND (valid = 0 OR updated_at < ?)`,
		userID, olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) ListSummaryUsers(ctx context.Context) ([]string, error) {
	// Users without a settings row get the all-enabled defaults.
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.user_id
		 FROM push_tokens t
		 LEFT JOIN notification_settings s ON s.user_id = t.user_id
		 WHERE t.valid = 1
		   AND COALESCE(s.notifications_enabled, 1) = 1
		   AND COALESCE(s.daily_summary_enabled, 1) = 1
		 ORDER BY t.user_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertSettings(ctx context.Context, st Settings) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_settings(
		   user_id, notifications_enabled, task_reminders_enabled,
		   daily_summary_enabled, quiet_hours_start, quiet_hours_end, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   notifications_enabled=excluded.notifications_enabled,
		   task_reminders_enabled=excluded.task_reminders_enabled,
		   daily_summary_enabled=excluded.daily_summary_enabled,
		   quiet_hours_start=excluded.quiet_hours_start,
		   quiet_hours_end=excluded.quiet_hours_end,
		   updated_at=excluded.updated_at`,
		st.UserID, boolInt(st.NotificationsEnabled), boolInt(st.TaskReminders),
		boolInt(st.DailySummary), st.QuietHoursStart, st.QuietHoursEnd, st.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetSettings(ctx context.Context, userID string) (Settings, error) {
	var (
		st               Settings
		notif, rem, summ int
		upd              int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, notifications_enabled, task_reminders_enabled,
		        daily_summary_enabled, quiet_hours_start, quiet_hours_end, updated_at
		 FROM notification_settings WHERE user_id = ?`,
		userID,
	).Scan(&st.UserID, &notif, &rem, &summ, &st.QuietHoursStart, &st.QuietHoursEnd, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, err
	}
	st.NotificationsEnabled = notif != 0
	st.TaskReminders = rem != 0
	st.DailySummary = summ != 0
	st.UpdatedAt = time.UnixMilli(upd)
	return st, nil
}

func (s *sqliteStore) PutJob(ctx context.Context, j ReminderJob) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	var sentAt any
	if j.SentAt != nil {
		sentAt = j.SentAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_jobs(id, task_id, user_id, token, fire_at, type, status, payload, created_at, sent_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   token=excluded.token, status=excluded.status,
		   payload=excluded.payload, created_at=excluded.created_at,
		   sent_at=excluded.sent_at`,
		j.ID, j.TaskID, j.UserID, j.Token, j.FireAt.UnixMilli(),
		string(j.Type), string(j.Status), nullStr(j.Payload), j.CreatedAt.UnixMilli(), sentAt,
	)
	return err
}

const jobColumns = `id, task_id, user_id, token, fire_at, type, status, payload, created_at, sent_at`

func scanJob(scan func(dest ...any) error) (ReminderJob, error) {
	var (
		j       ReminderJob
		fireMS  int64
		typ     string
		status  string
		payload sql.NullString
		created int64
		sentAt  sql.NullInt64
	)
	err := scan(&j.ID, &j.TaskID, &j.UserID, &j.Token, &fireMS, &typ, &status, &payload, &created, &sentAt)
	if err != nil {
		return ReminderJob{}, err
	}
	j.FireAt = time.UnixMilli(fireMS)
	j.Type = ReminderType(typ)
	j.Status = JobStatus(status)
	j.Payload = payload.String
	j.CreatedAt = time.UnixMilli(created)
	if sentAt.Valid {
		t := time.UnixMilli(sentAt.Int64)
		j.SentAt = &t
	}
	return j, nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (ReminderJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM reminder_jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return ReminderJob{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) ListScheduled(ctx context.Context) ([]ReminderJob, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM reminder_jobs WHERE status = ? ORDER BY fire_at`,
		string(StatusScheduled))
}

func (s *sqliteStore) ListJobsForTask(ctx context.Context, taskID, userID string) ([]ReminderJob, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM reminder_jobs WHERE task_id = ? AND user_id = ? ORDER BY fire_at`,
		taskID, userID)
}

func (s *sqliteStore) listJobs(ctx context.Context, query string, args ...any) ([]ReminderJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReminderJob
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CancelJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminder_jobs SET status = ? WHERE id = ? AND status = ?`,
		string(StatusCancelled), id, string(StatusScheduled),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) CancelJobsForTask(ctx context.Context, taskID, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminder_jobs SET status = ?
		 WHERE task_id = ? AND user_id = ? AND status = ?`,
		string(StatusCancelled), taskID, userID, string(StatusScheduled),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) FinishJob(ctx context.Context, id string, status JobStatus, sentAt time.Time) (bool, error) {
	if status != StatusSent && status != StatusFailed {
		return false, fmt.Errorf("finish job %s: status %q is not terminal-send", id, status)
	}
	// A cancel observed after the firing began loses to the in-flight
	// outcome, so cancelled is an acceptable prior state here.
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminder_jobs SET status = ?, sent_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(status), sentAt.UnixMilli(), id, string(StatusScheduled), string(StatusCancelled),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) PurgeJobs(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminder_jobs
		 WHERE status IN (?,?,?) AND created_at < ?`,
		string(StatusSent), string(StatusFailed), string(StatusCancelled), olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_history(user_id, type, task_id, title, body, sent_at, status, provider_response)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.UserID, string(r.Type), nullStr(r.TaskID), r.Title, r.Body,
		r.SentAt.UnixMilli(), string(r.Status), nullStr(r.ProviderResponse),
	)
	return err
}

func (s *sqliteStore) DeliveryStats(ctx context.Context, userID string, since time.Time) ([]DeliveryStat, error) {
	query := `SELECT type, status, COUNT(*) FROM delivery_history WHERE sent_at >= ?`
	args := []any{since.UnixMilli()}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY type, status ORDER BY type, status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeliveryStat
	for rows.Next() {
		var (
			st          DeliveryStat
			typ, status string
		)
		if err := rows.Scan(&typ, &status, &st.Count); err != nil {
			return nil, err
		}
		st.Type = ReminderType(typ)
		st.Status = JobStatus(status)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PurgeDeliveries(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery_history WHERE sent_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
