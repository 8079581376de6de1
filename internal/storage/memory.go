package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore is a process-local Store used by tests and dev setups.
// It mirrors the sqlite driver's transition semantics exactly.
type memoryStore struct {
	mu         sync.Mutex
	tokens     map[string]PushToken
	settings   map[string]Settings
	jobs       map[string]ReminderJob
	deliveries []DeliveryRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		tokens:   map[string]PushToken{},
		settings: map[string]Settings{},
		jobs:     map[string]ReminderJob{},
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) UpsertToken(_ context.Context, t PushToken) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	m.tokens[t.UserID] = t
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetToken(_ context.Context, userID string) (PushToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[userID]
	if !ok {
		return PushToken{}, ErrNotFound
	}
	return t, nil
}

func (m *memoryStore) MarkTokenInvalid(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[userID]; ok {
		t.Valid = false
		t.UpdatedAt = time.Now()
		m.tokens[userID] = t
	}
	return nil
}

func (m *memoryStore) DeleteInvalidTokens(_ context.Context, userID string, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[userID]
	if !ok {
		return 0, nil
	}
	if !t.Valid || t.UpdatedAt.Before(olderThan) {
		delete(m.tokens, userID)
		return 1, nil
	}
	return 0, nil
}

func (m *memoryStore) ListSummaryUsers(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, t := range m.tokens {
		if !t.Valid {
			continue
		}
		s, ok := m.settings[id]
		if !ok {
			s = DefaultSettings(id)
		}
		if s.NotificationsEnabled && s.DailySummary {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryStore) UpsertSettings(_ context.Context, s Settings) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	m.settings[s.UserID] = s
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetSettings(_ context.Context, userID string) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[userID]
	if !ok {
		return Settings{}, ErrNotFound
	}
	return s, nil
}

func (m *memoryStore) PutJob(_ context.Context, j ReminderJob) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.jobs[j.ID] = j
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetJob(_ context.Context, id string) (ReminderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ReminderJob{}, ErrNotFound
	}
	return j, nil
}

func (m *memoryStore) ListScheduled(_ context.Context) ([]ReminderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ReminderJob
	for _, j := range m.jobs {
		if j.Status == StatusScheduled {
			out = append(out, j)
		}
	}
	sortJobs(out)
	return out, nil
}

func (m *memoryStore) ListJobsForTask(_ context.Context, taskID, userID string) ([]ReminderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ReminderJob
	for _, j := range m.jobs {
		if j.TaskID == taskID && j.UserID == userID {
			out = append(out, j)
		}
	}
	sortJobs(out)
	return out, nil
}

func sortJobs(jobs []ReminderJob) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].FireAt.Equal(jobs[k].FireAt) {
			return jobs[i].FireAt.Before(jobs[k].FireAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

func (m *memoryStore) CancelJob(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != StatusScheduled {
		return false, nil
	}
	j.Status = StatusCancelled
	m.jobs[id] = j
	return true, nil
}

func (m *memoryStore) CancelJobsForTask(_ context.Context, taskID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.TaskID == taskID && j.UserID == userID && j.Status == StatusScheduled {
			j.Status = StatusCancelled
			m.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) FinishJob(_ context.Context, id string, status JobStatus, sentAt time.Time) (bool, error) {
	if status != StatusSent && status != StatusFailed {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	// Same precedence as the sqlite driver: an in-flight firing may
	// overwrite a racing cancel, never a prior sent/failed.
	if j.Status != StatusScheduled && j.Status != StatusCancelled {
		return false, nil
	}
	j.Status = status
	j.SentAt = &sentAt
	m.jobs[id] = j
	return true, nil
}

func (m *memoryStore) PurgeJobs(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.CreatedAt.Before(olderThan) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) AppendDelivery(_ context.Context, r DeliveryRecord) error {
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	m.mu.Lock()
	m.deliveries = append(m.deliveries, r)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) DeliveryStats(_ context.Context, userID string, since time.Time) ([]DeliveryStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[[2]string]int{}
	for _, r := range m.deliveries {
		if r.SentAt.Before(since) {
			continue
		}
		if userID != "" && r.UserID != userID {
			continue
		}
		counts[[2]string{string(r.Type), string(r.Status)}]++
	}
	out := make([]DeliveryStat, 0, len(counts))
	for k, n := range counts {
		out = append(out, DeliveryStat{Type: ReminderType(k[0]), Status: JobStatus(k[1]), Count: n})
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Type != out[k].Type {
			return out[i].Type < out[k].Type
		}
		return out[i].Status < out[k].Status
	})
	return out, nil
}

func (m *memoryStore) PurgeDeliveries(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.deliveries[:0]
	n := 0
	for _, r := range m.deliveries {
		if r.SentAt.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.deliveries = kept
	return n, nil
}
