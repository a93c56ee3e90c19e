package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/store"
	"github.com/shaiso/consilium/internal/store/memory"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches []uuid.UUID
}

func (p *fakePublisher) PublishBatchPending(_ context.Context, batchID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, batchID)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func dueSchedule(t *testing.T, s *memory.Store, intervalSec int) *domain.Schedule {
	t.Helper()

	sched := domain.NewSchedule("daily-allocation", "tester", []string{"AAPL", "MSFT"}, nil)
	sched.IntervalSec = intervalSec
	sched.Enabled = true
	due := time.Now().Add(-time.Minute).UTC()
	sched.NextDueAt = &due

	if err := s.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatal(err)
	}
	return sched
}

func TestTick_CreatesBatchAndBumps(t *testing.T) {
	s := memory.New()
	pub := &fakePublisher{}
	sched := dueSchedule(t, s, 3600)

	scheduler := New(Config{Store: s, Publisher: pub})
	ctx := context.Background()

	if err := scheduler.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	batches, err := s.ListBatches(ctx, store.BatchFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if batches[0].Owner != "tester" || len(batches[0].Subjects) != 2 {
		t.Fatalf("unexpected batch: %+v", batches[0])
	}
	if pub.count() != 1 {
		t.Fatalf("batch.pending published %d times, want 1", pub.count())
	}

	// next_due_at сдвинут вперёд, last_batch_id записан.
	got, _ := s.GetSchedule(ctx, sched.ID)
	if got.NextDueAt == nil || !got.NextDueAt.After(time.Now()) {
		t.Fatalf("next_due_at not advanced: %v", got.NextDueAt)
	}
	if got.LastBatchID == nil || *got.LastBatchID != batches[0].ID {
		t.Fatalf("last_batch_id = %v, want %s", got.LastBatchID, batches[0].ID)
	}
}

func TestTick_IdempotentAcrossRestart(t *testing.T) {
	s := memory.New()
	pub := &fakePublisher{}
	sched := dueSchedule(t, s, 3600)

	scheduler := New(Config{Store: s, Publisher: pub})
	ctx := context.Background()

	if err := scheduler.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	// Имитируем рестарт между созданием batch и сдвигом next_due_at:
	// возвращаем старый next_due_at и обрабатываем schedule снова.
	got, _ := s.GetSchedule(ctx, sched.ID)
	stale := *sched.NextDueAt
	got.NextDueAt = &stale
	if err := s.UpdateSchedule(ctx, got); err != nil {
		t.Fatal(err)
	}

	if err := scheduler.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	batches, _ := s.ListBatches(ctx, store.BatchFilter{})
	if len(batches) != 1 {
		t.Fatalf("duplicate batch created for the same due time: %d", len(batches))
	}
	if pub.count() != 1 {
		t.Fatalf("batch.pending republished for duplicate: %d", pub.count())
	}
}

func TestTick_SkipsDisabledAndFuture(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	disabled := domain.NewSchedule("paused", "tester", []string{"AAPL"}, nil)
	disabled.IntervalSec = 60
	due := time.Now().Add(-time.Minute).UTC()
	disabled.NextDueAt = &due
	if err := s.CreateSchedule(ctx, disabled); err != nil {
		t.Fatal(err)
	}

	future := domain.NewSchedule("later", "tester", []string{"MSFT"}, nil)
	future.IntervalSec = 60
	future.Enabled = true
	futureDue := time.Now().Add(time.Hour).UTC()
	future.NextDueAt = &futureDue
	if err := s.CreateSchedule(ctx, future); err != nil {
		t.Fatal(err)
	}

	scheduler := New(Config{Store: s})
	if err := scheduler.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	batches, _ := s.ListBatches(ctx, store.BatchFilter{})
	if len(batches) != 0 {
		t.Fatalf("batches created for inactive schedules: %d", len(batches))
	}
}

// --- Cron Tests ---

func TestCalculateNextDue_Cron(t *testing.T) {
	sched := domain.NewSchedule("weekdays", "tester", nil, nil)
	sched.CronExpr = "0 9 * * 1-5"

	// Понедельник 2026-08-24 10:00 UTC → вторник 09:00.
	from := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	next, err := CalculateNextDue(sched, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestCalculateNextDue_Interval(t *testing.T) {
	sched := domain.NewSchedule("hourly", "tester", nil, nil)
	sched.IntervalSec = 3600

	from := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	next, err := CalculateNextDue(sched, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := from.Add(time.Hour)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestCalculateNextDue_Timezone(t *testing.T) {
	sched := domain.NewSchedule("ny-open", "tester", nil, nil)
	sched.CronExpr = "30 9 * * 1-5"
	sched.Timezone = "America/New_York"

	// 2026-08-24 12:00 UTC = 08:00 в Нью-Йорке → 09:30 NY = 13:30 UTC.
	from := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	next, err := CalculateNextDue(sched, from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := time.Date(2026, 8, 24, 13, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestCalculateNextDue_Invalid(t *testing.T) {
	sched := domain.NewSchedule("broken", "tester", nil, nil)

	if _, err := CalculateNextDue(sched, time.Now()); err == nil {
		t.Fatal("expected error for schedule without cron or interval")
	}
}

func TestValidateCronExpr(t *testing.T) {
	if err := ValidateCronExpr("0 9 * * 1-5"); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := ValidateCronExpr("not a cron"); err == nil {
		t.Error("invalid expression accepted")
	}
}
