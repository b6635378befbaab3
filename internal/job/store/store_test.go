package store

import (
	"errors"
	"testing"
	"time"

	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/job/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil, logger.Default())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestCreateDefaults(t *testing.T) {
	s := newTestStore(t)

	job, err := s.Create(CreateParams{Title: "write release notes"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if job.Status != models.StatusBacklog {
		t.Errorf("expected backlog status, got %s", job.Status)
	}
	if job.Priority != models.PriorityMedium {
		t.Errorf("expected medium priority, got %s", job.Priority)
	}
	if len(job.History) != 1 {
		t.Errorf("expected one history entry, got %d", len(job.History))
	}
	if job.ID == "" {
		t.Error("expected generated id")
	}
}

func TestCreateValidation(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Create(CreateParams{}); err == nil {
		t.Error("expected error for empty title")
	}

	long := make([]byte, models.MaxTitleLen+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := s.Create(CreateParams{Title: string(long)}); err == nil {
		t.Error("expected error for oversized title")
	}

	if _, err := s.Create(CreateParams{Title: "t", Status: models.StatusRunning}); err == nil {
		t.Error("expected error for running initial status")
	}
	if _, err := s.Create(CreateParams{Title: "t", Priority: "urgent"}); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestQueueOrdering(t *testing.T) {
	s := newTestStore(t)

	low, _ := s.Create(CreateParams{Title: "low", Status: models.StatusQueued, Priority: models.PriorityLow})
	time.Sleep(2 * time.Millisecond)
	critical, _ := s.Create(CreateParams{Title: "critical", Status: models.StatusQueued, Priority: models.PriorityCritical})
	time.Sleep(2 * time.Millisecond)
	medium, _ := s.Create(CreateParams{Title: "medium", Status: models.StatusQueued, Priority: models.PriorityMedium})

	snapshot := s.QueueSnapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 queued jobs, got %d", len(snapshot))
	}
	want := []string{critical.ID, medium.ID, low.ID}
	for i, id := range want {
		if snapshot[i].ID != id {
			t.Errorf("position %d: expected %s, got %s (%s)", i, id, snapshot[i].ID, snapshot[i].Title)
		}
	}

	next := s.NextInQueue()
	if next == nil || next.ID != critical.ID {
		t.Errorf("expected critical job next, got %+v", next)
	}
}

func TestScheduledJobsWait(t *testing.T) {
	s := newTestStore(t)

	future := time.Now().UTC().Add(time.Hour)
	scheduled, _ := s.Create(CreateParams{
		Title:       "later",
		Status:      models.StatusQueued,
		Priority:    models.PriorityCritical,
		ScheduledAt: &future,
	})
	ready, _ := s.Create(CreateParams{Title: "now", Status: models.StatusQueued, Priority: models.PriorityLow})

	next := s.NextInQueue()
	if next == nil || next.ID != ready.ID {
		t.Fatalf("expected eligible low-priority job, got %+v", next)
	}

	snapshot := s.QueueSnapshot()
	if snapshot[0].ID != ready.ID || snapshot[1].ID != scheduled.ID {
		t.Error("scheduled job should sort after eligible jobs despite higher priority")
	}
}

func TestSingleRunningJob(t *testing.T) {
	s := newTestStore(t)

	first, _ := s.Create(CreateParams{Title: "first", Status: models.StatusQueued})
	s.Create(CreateParams{Title: "second", Status: models.StatusQueued})

	running := models.StatusRunning
	if _, err := s.Update(first.ID, UpdateParams{Status: &running}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if s.Running() != first.ID {
		t.Errorf("expected running=%s, got %s", first.ID, s.Running())
	}
	if next := s.NextInQueue(); next != nil {
		t.Errorf("expected no dispatch while a job runs, got %s", next.ID)
	}

	done := models.StatusDone
	s.Update(first.ID, UpdateParams{Status: &done})
	if next := s.NextInQueue(); next == nil {
		t.Error("expected dispatch after running slot freed")
	}
}

func TestSecondRunningJobRejected(t *testing.T) {
	s := newTestStore(t)

	first, _ := s.Create(CreateParams{Title: "first", Status: models.StatusQueued})
	second, _ := s.Create(CreateParams{Title: "second", Status: models.StatusQueued})

	running := models.StatusRunning
	if _, err := s.Update(first.ID, UpdateParams{Status: &running}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	_, err := s.Update(second.ID, UpdateParams{Status: &running})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	if s.Running() != first.ID {
		t.Errorf("running slot changed to %s", s.Running())
	}
	got, _ := s.Get(second.ID)
	if got.Status != models.StatusQueued {
		t.Errorf("rejected job should stay queued, got %s", got.Status)
	}
	if len(got.History) != 1 {
		t.Errorf("rejected transition must not append history, got %d entries", len(got.History))
	}

	// Setting the current status on the running job itself is still a no-op.
	if _, err := s.Update(first.ID, UpdateParams{Status: &running}); err != nil {
		t.Errorf("re-applying running to the running job failed: %v", err)
	}
}

func TestSameStatusUpdateAppendsNoHistory(t *testing.T) {
	s := newTestStore(t)

	job, _ := s.Create(CreateParams{Title: "t", Status: models.StatusQueued})
	queued := models.StatusQueued
	updated, err := s.Update(job.ID, UpdateParams{Status: &queued})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if len(updated.History) != len(job.History) {
		t.Errorf("same-status update must not append history: %d -> %d",
			len(job.History), len(updated.History))
	}
}

func TestRequeueClearsFailure(t *testing.T) {
	s := newTestStore(t)

	job, _ := s.Create(CreateParams{Title: "t", Status: models.StatusQueued})
	failed := models.StatusFailed
	msg := "agent exploded"
	s.Update(job.ID, UpdateParams{Status: &failed, Error: &msg})

	got, _ := s.Get(job.ID)
	if got.Error == "" || got.FinishedAt == nil {
		t.Fatal("expected error and finishedAt set on failure")
	}

	queued := models.StatusQueued
	requeued, _ := s.Update(job.ID, UpdateParams{Status: &queued})
	if requeued.Error != "" {
		t.Error("requeue should clear the error")
	}
	if requeued.FinishedAt != nil {
		t.Error("requeue should clear finishedAt")
	}
	if next := s.NextInQueue(); next == nil || next.ID != job.ID {
		t.Error("requeued job should be dispatchable")
	}
}

func TestClarificationFlow(t *testing.T) {
	s := newTestStore(t)

	job, _ := s.Create(CreateParams{Title: "ambiguous work", Status: models.StatusQueued})

	if _, err := s.AddClarification(job.ID, "use prod"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}

	pending := models.StatusPending
	question := "which environment?"
	s.Update(job.ID, UpdateParams{Status: &pending, Result: &question})

	answered, err := s.AddClarification(job.ID, "use prod")
	if err != nil {
		t.Fatalf("clarification failed: %v", err)
	}
	if answered.Status != models.StatusQueued {
		t.Errorf("expected requeue after answer, got %s", answered.Status)
	}
	if len(answered.Clarifications) != 1 {
		t.Fatalf("expected one clarification, got %d", len(answered.Clarifications))
	}
	c := answered.Clarifications[0]
	if c.Question != question || c.Answer != "use prod" {
		t.Errorf("unexpected clarification record: %+v", c)
	}
}

func TestResultRoundTrip(t *testing.T) {
	s := newTestStore(t)

	job, _ := s.Create(CreateParams{Title: "t"})

	if _, err := s.GetResult(job.ID); !errors.Is(err, ErrNoResult) {
		t.Fatalf("expected ErrNoResult, got %v", err)
	}

	if err := s.SaveResult(job.ID, "full report text"); err != nil {
		t.Fatalf("save result failed: %v", err)
	}

	got, _ := s.Get(job.ID)
	if got.ResultURL == "" {
		t.Error("expected result URL after save")
	}
	text, err := s.GetResult(job.ID)
	if err != nil {
		t.Fatalf("get result failed: %v", err)
	}
	if text != "full report text" {
		t.Errorf("unexpected result text %q", text)
	}
}

func TestRestartRecovery(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil, logger.Default())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	job, _ := s.Create(CreateParams{Title: "t", Status: models.StatusQueued})
	running := models.StatusRunning
	s.Update(job.ID, UpdateParams{Status: &running})

	reopened, err := New(dir, nil, logger.Default())
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	got, err := reopened.Get(job.ID)
	if err != nil {
		t.Fatalf("job lost across restart: %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Errorf("expected running job requeued on load, got %s", got.Status)
	}
	if reopened.Running() != "" {
		t.Errorf("expected no running job after restart, got %s", reopened.Running())
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	job, _ := s.Create(CreateParams{Title: "t", Status: models.StatusQueued})
	if err := s.Delete(job.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.Get(job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if len(s.QueueSnapshot()) != 0 {
		t.Error("expected empty queue after delete")
	}
	if err := s.Delete(job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestSubscribeEvents(t *testing.T) {
	s := newTestStore(t)

	var events []string
	cancel := s.Subscribe(func(ev Event) {
		events = append(events, ev.Type)
	})
	defer cancel()

	job, _ := s.Create(CreateParams{Title: "t", Status: models.StatusQueued})
	done := models.StatusDone
	s.Update(job.ID, UpdateParams{Status: &done})
	s.Delete(job.ID)

	want := []string{
		EventJobCreated, EventQueueReady,
		EventJobUpdated,
		EventJobDeleted,
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(events), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], events[i])
		}
	}

	cancel()
	s.Create(CreateParams{Title: "after unsubscribe"})
	if len(events) != len(want) {
		t.Error("listener received events after unsubscribe")
	}
}
