package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"taskping/internal/services/dispatch"
	"taskping/internal/services/scheduler"
	"taskping/internal/storage"
	"taskping/internal/task"
	logx "taskping/pkg/logx"
)

type fakeExec struct {
	mu    sync.Mutex
	grace time.Duration
	runs  map[string]func(ctx context.Context) error
}

func newFakeExec() *fakeExec {
	return &fakeExec{grace: 5 * time.Minute, runs: map[string]func(ctx context.Context) error{}}
}

func (f *fakeExec) ScheduleAt(id string, at time.Time, _ time.Duration, run func(ctx context.Context) error) error {
	if time.Until(at) < -f.grace {
		return scheduler.ErrPastGrace
	}
	f.mu.Lock()
	f.runs[id] = run
	f.mu.Unlock()
	return nil
}

func (f *fakeExec) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[id]; !ok {
		return false
	}
	delete(f.runs, id)
	return true
}

func (f *fakeExec) Location() *time.Location    { return time.UTC }
func (f *fakeExec) MisfireGrace() time.Duration { return f.grace }

func (f *fakeExec) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

// fireAll simulates due timers by invoking every registered callback.
func (f *fakeExec) fireAll(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	runs := make([]func(ctx context.Context) error, 0, len(f.runs))
	for id, run := range f.runs {
		runs = append(runs, run)
		delete(f.runs, id)
	}
	f.mu.Unlock()
	for _, run := range runs {
		if err := run(context.Background()); err != nil {
			t.Fatalf("fire: %v", err)
		}
	}
}

type fakeSender struct {
	mu          sync.Mutex
	invalid     map[string]bool // tokens failing validation
	outcome     dispatch.Outcome
	reminders   []storage.ReminderJob
	testsSent   []string
	bulkBatches [][]dispatch.Message
}

func (f *fakeSender) Validate(_ context.Context, token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return token != "" && !f.invalid[token]
}

func (f *fakeSender) SendReminder(_ context.Context, job storage.ReminderJob, _ task.Snapshot, _ string) dispatch.Outcome {
	f.mu.Lock()
	f.reminders = append(f.reminders, job)
	out := f.outcome
	f.mu.Unlock()
	if out.Code == "" {
		return dispatch.Outcome{Code: dispatch.OutcomeOK, ProviderID: "fake-1"}
	}
	return out
}

func (f *fakeSender) SendTest(_ context.Context, token string) dispatch.Outcome {
	f.mu.Lock()
	f.testsSent = append(f.testsSent, token)
	f.mu.Unlock()
	return dispatch.Outcome{Code: dispatch.OutcomeOK, ProviderID: "test-1"}
}

func (f *fakeSender) SendBulk(_ context.Context, msgs []dispatch.Message) dispatch.BulkResult {
	f.mu.Lock()
	f.bulkBatches = append(f.bulkBatches, msgs)
	f.mu.Unlock()
	res := dispatch.BulkResult{}
	for range msgs {
		res.Outcomes = append(res.Outcomes, dispatch.Outcome{Code: dispatch.OutcomeOK, ProviderID: "bulk"})
		res.SuccessCount++
	}
	return res
}

func (f *fakeSender) sentReminders() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reminders)
}

type fixture struct {
	store  storage.Store
	exec   *fakeExec
	sender *fakeSender
	svc    *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemory(),
		exec:   newFakeExec(),
		sender: &fakeSender{invalid: map[string]bool{}},
	}
	f.svc = New(f.store, f.exec, f.sender, logx.Nop(), opts...)
	return f
}

func (f *fixture) storeToken(t *testing.T, userID, token string, valid bool) {
	t.Helper()
	err := f.store.UpsertToken(context.Background(), storage.PushToken{
		UserID: userID, Token: token, Valid: valid, UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed token: %v", err)
	}
}

func dueTask(due time.Time) task.Snapshot {
	return task.Snapshot{ID: "t1", UserID: "u1", Title: "Ship it", Priority: "high", DueDate: &due}
}

func scheduledCount(t *testing.T, st storage.Store, taskID, userID string) int {
	t.Helper()
	jobs, err := st.ListJobsForTask(context.Background(), taskID, userID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	n := 0
	for _, j := range jobs {
		if j.Status == storage.StatusScheduled {
			n++
		}
	}
	return n
}

func TestOnTaskApprovedSchedulesFallbackPair(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.storeToken(t, "u1", "tok", true)

	due := time.Now().Add(24 * time.Hour)
	if !f.svc.OnTaskApproved(context.Background(), dueTask(due)) {
		t.Fatal("OnTaskApproved = false")
	}
	jobs, err := f.store.ListJobsForTask(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	if jobs[0].Type != storage.TypeTaskDue || !jobs[0].FireAt.Equal(due.Add(-time.Hour)) {
		t.Fatalf("first job = %+v", jobs[0])
	}
	if jobs[1].Type != storage.TypeTaskOverdue || !jobs[1].FireAt.Equal(due.Add(time.Hour)) {
		t.Fatalf("second job = %+v", jobs[1])
	}
	if f.exec.pending() != 2 {
		t.Fatalf("timers = %d, want 2", f.exec.pending())
	}
}

func TestOnTaskApprovedWithoutToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if f.svc.OnTaskApproved(context.Background(), dueTask(time.Now().Add(24*time.Hour))) {
		t.Fatal("scheduled without a stored token")
	}
	if f.exec.pending() != 0 {
		t.Fatal("timers registered without a token")
	}
}

func TestTokenGating(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sender.invalid["dead-tok"] = true

	// The failing token is stored, marked invalid.
	if f.svc.UpdateToken(context.Background(), "u1", "dead-tok", "ios") {
		t.Fatal("UpdateToken reported a failing token valid")
	}
	tok, err := f.store.GetToken(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if tok.Valid {
		t.Fatal("failing token stored as valid")
	}

	// Scheduling for that user yields nothing.
	if f.svc.OnTaskApproved(context.Background(), dueTask(time.Now().Add(24*time.Hour))) {
		t.Fatal("scheduled with invalid token")
	}
	if got := scheduledCount(t, f.store, "t1", "u1"); got != 0 {
		t.Fatalf("scheduled jobs = %d, want 0", got)
	}
}

func TestValidationFailureMarksStoredToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.storeToken(t, "u1", "tok", true)
	f.sender.invalid["tok"] = true

	if f.svc.OnTaskApproved(context.Background(), dueTask(time.Now().Add(24*time.Hour))) {
		t.Fatal("scheduled with token failing dry-run")
	}
	tok, err := f.store.GetToken(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if tok.Valid {
		t.Fatal("token still marked valid after failed dry-run")
	}
}

func TestOnTaskUpdatedIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.storeToken(t, "u1", "tok", true)
	snap := dueTask(time.Now().Add(24 * time.Hour))

	if !f.svc.OnTaskUpdated(context.Background(), snap) {
		t.Fatal("first update failed")
	}
	if !f.svc.OnTaskUpdated(context.Background(), snap) {
		t.Fatal("second update failed")
	}

	jobs, err := f.store.ListJobsForTask(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// Deterministic ids: the second pass reuses the same rows, so no
	// duplicates and no orphaned cancelled rows.
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	if got := scheduledCount(t, f.store, "t1", "u1"); got != 2 {
		t.Fatalf("scheduled = %d, want 2", got)
	}
	if f.exec.pending() != 2 {
		t.Fatalf("timers = %d, want 2", f.exec.pending())
	}
}

func TestOnTaskDeletedCancelsAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.storeToken(t, "u1", "tok", true)
	f.svc.OnTaskApproved(context.Background(), dueTask(time.Now().Add(24*time.Hour)))

	n := f.svc.OnTaskDeleted(context.Background(), "t1", "u1")
	if n != 2 {
		t.Fatalf("cancelled = %d, want 2", n)
	}
	if got := scheduledCount(t, f.store, "t1", "u1"); got != 0 {
		t.Fatalf("scheduled after delete = %d, want 0", got)
	}
	if f.exec.pending() != 0 {
		t.Fatalf("timers after delete = %d, want 0", f.exec.pending())
	}

	// Deleting again is a no-op.
	if n := f.svc.OnTaskDeleted(context.Background(), "t1", "u1"); n != 0 {
		t.Fatalf("second delete cancelled %d", n)
	}
}

func TestFireMarksSentAndRecordsDelivery(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.storeToken(t, "u1", "tok", true)
	f.svc.OnTaskApproved(context.Background(), dueTask(time.Now().Add(24*time.Hour)))

	f.exec.fireAll(t)
	if f.sender.sentReminders() != 2 {
		t.Fatalf("sent = %d, want 2", f.sender.sentReminders())
	}
	jobs, err := f.store.ListJobsForTask(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, j := range jobs {
		if j.Status != storage.StatusSent || j.SentAt == nil {
			t.Fatalf("job %s = %s, want sent", j.ID, j.Status)
		}
	}
	stats := f.svc.Stats(context.Background(), "u1", 7)
	total := 0
	for _, st := range stats {
		total += st.Count
	}
	if total != 2 {
		t.Fatalf("delivery records = %d, want 2", total)
	}
}

func TestFireSkipsCancelledJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.storeToken(t, "u1", "tok", true)
	f.svc.OnTaskApproved(context.Background(), dueTask(time.Now().Add(24*time.Hour)))

	// Cancel in the store but leave the timers registered, simulating a
	// cancel that lands before the firing begins.
	if _, err := f.store.CancelJobsForTask(context.Background(), "t1", "u1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.exec.fireAll(t)
	if f.sender.sentReminders() != 0 {
		t.Fatalf("sent = %d for cancelled jobs", f.sender.sentReminders())
	}
	jobs, _ := f.store.ListJobsForTask(context.Background(), "t1", "u1")
	for _, j := range jobs {
		if j.Status != storage.StatusCancelled {
			t.Fatalf("job %s = %s, want cancelled", j.ID, j.Status)
		}
	}
}

func TestFireFailureRecordsFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.storeToken(t, "u1", "tok", true)
	f.sender.outcome = dispatch.Outcome{Code: dispatch.OutcomeError}
	f.svc.OnTaskApproved(context.Background(), dueTask(time.Now().Add(24*time.Hour)))

	f.exec.fireAll(t)
	jobs, _ := f.store.ListJobsForTask(context.Background(), "t1", "u1")
	for _, j := range jobs {
		if j.Status != storage.StatusFailed {
			t.Fatalf("job %s = %s, want failed", j.ID, j.Status)
		}
	}
}

func TestFireUnregisteredInvalidatesToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.storeToken(t, "u1", "tok", true)
	f.sender.outcome = dispatch.Outcome{Code: dispatch.OutcomeUnregistered}
	f.svc.OnTaskApproved(context.Background(), dueTask(time.Now().Add(24*time.Hour)))

	f.exec.fireAll(t)
	tok, err := f.store.GetToken(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if tok.Valid {
		t.Fatal("token still valid after unregistered outcome")
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	put := func(id string, fireAt time.Time) {
		t.Helper()
		err := f.store.PutJob(ctx, storage.ReminderJob{
			ID: id, TaskID: "t1", UserID: "u1", Token: "tok",
			FireAt: fireAt, Type: storage.TypeTaskReminder, Status: storage.StatusScheduled,
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	put("future", now.Add(time.Hour))
	put("in-grace", now.Add(-time.Minute))
	put("missed", now.Add(-time.Hour))

	restored, missed := f.svc.Reconcile(ctx)
	if restored != 2 || missed != 1 {
		t.Fatalf("restored/missed = %d/%d, want 2/1", restored, missed)
	}
	j, err := f.store.GetJob(ctx, "missed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != storage.StatusFailed {
		t.Fatalf("missed job = %s, want failed", j.Status)
	}
	if f.exec.pending() != 2 {
		t.Fatalf("timers = %d, want 2", f.exec.pending())
	}
}

func TestSendTestNotification(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if f.svc.SendTestNotification(context.Background(), "u1") {
		t.Fatal("test send succeeded without a token")
	}
	f.storeToken(t, "u1", "tok", true)
	if !f.svc.SendTestNotification(context.Background(), "u1") {
		t.Fatal("test send failed with a valid token")
	}
	if len(f.sender.testsSent) != 1 || f.sender.testsSent[0] != "tok" {
		t.Fatalf("tests sent = %v", f.sender.testsSent)
	}
}

func TestCleanupPurges(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -40)
	if err := f.store.PutJob(ctx, storage.ReminderJob{
		ID: "old", TaskID: "t1", UserID: "u1", Token: "tok",
		FireAt: old, Type: storage.TypeTaskDue, Status: storage.StatusSent, CreatedAt: old,
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := f.store.AppendDelivery(ctx, storage.DeliveryRecord{
		UserID: "u1", Type: storage.TypeTaskDue, Title: "t", Body: "b",
		SentAt: time.Now().AddDate(0, 0, -100), Status: storage.StatusSent,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	jobs, hist := f.svc.Cleanup(ctx)
	if jobs != 1 || hist != 1 {
		t.Fatalf("purged = %d/%d, want 1/1", jobs, hist)
	}
}

type fakeSummary struct{ pending, overdue int }

func (f fakeSummary) TaskCounts(context.Context, string) (int, int, error) {
	return f.pending, f.overdue, nil
}

func TestSendDailySummaries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithSummarySource(fakeSummary{pending: 3, overdue: 1}))
	f.storeToken(t, "u1", "tok-1", true)
	f.storeToken(t, "u2", "tok-2", true)
	f.storeToken(t, "u3", "tok-3", false) // invalid token: skipped

	sent := f.svc.SendDailySummaries(context.Background())
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
	if len(f.sender.bulkBatches) != 1 || len(f.sender.bulkBatches[0]) != 2 {
		t.Fatalf("bulk batches = %+v", f.sender.bulkBatches)
	}
	stats := f.svc.Stats(context.Background(), "", 1)
	total := 0
	for _, st := range stats {
		if st.Type == storage.TypeDailySummary {
			total += st.Count
		}
	}
	if total != 2 {
		t.Fatalf("summary records = %d, want 2", total)
	}
}

func TestSummariesWithoutSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.storeToken(t, "u1", "tok", true)
	if got := f.svc.SendDailySummaries(context.Background()); got != 0 {
		t.Fatalf("sent = %d without a source", got)
	}
}
