package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/pipeline"
	"github.com/shaiso/consilium/internal/store"
)

func newTask(t *testing.T, s *Store, batchID *uuid.UUID) *domain.Task {
	t.Helper()
	task := domain.NewTask("AAPL", "tester", batchID, nil)
	task.CurrentPhase = pipeline.PhaseAnalysis
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestApplyResult_Idempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask(t, s, nil)

	res := domain.WorkerResult{
		Role:      pipeline.RoleFundamentals,
		Round:     0,
		Attempt:   1,
		Outcome:   domain.OutcomeSuccess,
		Payload:   map[string]any{"score": 0.7},
		Timestamp: time.Now(),
	}

	for i := 0; i < 3; i++ {
		if _, err := s.ApplyResult(ctx, task.ID, pipeline.PhaseAnalysis, res); err != nil {
			t.Fatalf("ApplyResult #%d: %v", i, err)
		}
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if n := len(got.PhaseResults[pipeline.PhaseAnalysis]); n != 1 {
		t.Fatalf("results in phase = %d, want 1", n)
	}
}

func TestApplyResult_ReplacesByKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask(t, s, nil)

	first := domain.WorkerResult{Role: pipeline.RoleTrader, Attempt: 1, Outcome: domain.OutcomeError, ErrorKind: domain.ErrorKindTimeout}
	second := domain.WorkerResult{Role: pipeline.RoleTrader, Attempt: 2, Outcome: domain.OutcomeSuccess}

	if _, err := s.ApplyResult(ctx, task.ID, pipeline.PhaseTrade, first); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyResult(ctx, task.ID, pipeline.PhaseTrade, second); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	res, ok := got.PhaseResults.Get(pipeline.PhaseTrade, pipeline.RoleTrader)
	if !ok {
		t.Fatal("result missing")
	}
	if res.Outcome != domain.OutcomeSuccess || res.Attempt != 2 {
		t.Fatalf("got %+v, want replaced result of attempt 2", res)
	}
}

func TestAdvancePhase_CAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask(t, s, nil)

	ok, err := s.AdvancePhase(ctx, task.ID, pipeline.PhaseAnalysis, pipeline.PhaseDebate)
	if err != nil || !ok {
		t.Fatalf("first advance: ok=%v err=%v", ok, err)
	}
	// Повторная доставка того же события: current_phase уже ушла вперёд.
	ok, err = s.AdvancePhase(ctx, task.ID, pipeline.PhaseAnalysis, pipeline.PhaseDebate)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("duplicate advance applied, want no-op")
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.CurrentPhase != pipeline.PhaseDebate {
		t.Fatalf("current phase = %s, want %s", got.CurrentPhase, pipeline.PhaseDebate)
	}
}

func TestTryTriggerAggregate_ExactlyOnce(t *testing.T) {
	s := New()
	ctx := context.Background()

	batch := domain.NewBatch("tester", []string{"AAPL", "MSFT", "NVDA"}, nil, "")
	batch.Status = domain.BatchStatusRunning
	if err := s.CreateBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	var taskIDs []uuid.UUID
	for range batch.Subjects {
		task := newTask(t, s, &batch.ID)
		task.Status = domain.TaskStatusCompleted
		s.tasks[task.ID].Status = domain.TaskStatusCompleted
		taskIDs = append(taskIDs, task.ID)
	}
	if err := s.SetBatchTasks(ctx, batch.ID, taskIDs); err != nil {
		t.Fatal(err)
	}

	// Несколько конкурентных терминальных событий, агрегат должен выиграть ровно один.
	var wg sync.WaitGroup
	wins := make(chan bool, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryTriggerAggregate(ctx, batch.ID)
			if err != nil {
				t.Errorf("TryTriggerAggregate: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	var won int
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("aggregate triggered %d times, want exactly 1", won)
	}

	got, _ := s.GetBatch(ctx, batch.ID)
	if got.Status != domain.BatchStatusAggregating || !got.AggregateTriggered {
		t.Fatalf("batch = %s triggered=%v, want AGGREGATING/true", got.Status, got.AggregateTriggered)
	}
}

func TestTryTriggerAggregate_NonTerminalMember(t *testing.T) {
	s := New()
	ctx := context.Background()

	batch := domain.NewBatch("tester", []string{"AAPL", "MSFT"}, nil, "")
	batch.Status = domain.BatchStatusRunning
	if err := s.CreateBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	done := newTask(t, s, &batch.ID)
	s.tasks[done.ID].Status = domain.TaskStatusCompleted
	running := newTask(t, s, &batch.ID)
	s.tasks[running.ID].Status = domain.TaskStatusRunning

	if err := s.SetBatchTasks(ctx, batch.ID, []uuid.UUID{done.ID, running.ID}); err != nil {
		t.Fatal(err)
	}

	ok, err := s.TryTriggerAggregate(ctx, batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("aggregate triggered with a non-terminal member")
	}
}

func TestRequestCancel_Monotonic(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask(t, s, nil)

	ok, err := s.RequestTaskCancel(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("first cancel: ok=%v err=%v", ok, err)
	}
	ok, err = s.RequestTaskCancel(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second cancel applied, want no-op")
	}

	got, _ := s.GetTask(ctx, task.ID)
	if !got.CancelRequested {
		t.Fatal("cancel flag lost")
	}
}

func TestCreateInvocation_Dedupe(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask(t, s, nil)

	now := time.Now()
	first := domain.NewInvocation(task.ID, pipeline.PhaseAnalysis, pipeline.RoleFundamentals, 0, 1, now, 3*time.Minute)
	dup := domain.NewInvocation(task.ID, pipeline.PhaseAnalysis, pipeline.RoleFundamentals, 0, 1, now, 3*time.Minute)

	applied, err := s.CreateInvocation(ctx, first)
	if err != nil || !applied {
		t.Fatalf("first create: applied=%v err=%v", applied, err)
	}
	applied, err = s.CreateInvocation(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("duplicate invocation applied, want dedupe")
	}

	// Следующая попытка — другой ключ.
	retry := domain.NewInvocation(task.ID, pipeline.PhaseAnalysis, pipeline.RoleFundamentals, 0, 2, now, 3*time.Minute)
	applied, err = s.CreateInvocation(ctx, retry)
	if err != nil || !applied {
		t.Fatalf("retry create: applied=%v err=%v", applied, err)
	}
}

func TestListOverdueInvocations(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask(t, s, nil)

	now := time.Now()
	inv := domain.NewInvocation(task.ID, pipeline.PhaseAnalysis, pipeline.RoleTechnicals, 0, 1, now.Add(-10*time.Minute), 3*time.Minute)
	if _, err := s.CreateInvocation(ctx, inv); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetInvocationStatus(ctx, inv.ID, []domain.InvocationStatus{domain.InvocationStatusScheduled}, domain.InvocationStatusRunning); err != nil {
		t.Fatal(err)
	}

	overdue, err := s.ListOverdueInvocations(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(overdue) != 1 || overdue[0].ID != inv.ID {
		t.Fatalf("overdue = %v, want the single running invocation", overdue)
	}

	// Завершённый вызов сторож больше не видит.
	if _, err := s.SetInvocationStatus(ctx, inv.ID, []domain.InvocationStatus{domain.InvocationStatusRunning}, domain.InvocationStatusCompleted); err != nil {
		t.Fatal(err)
	}
	overdue, err = s.ListOverdueInvocations(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(overdue) != 0 {
		t.Fatalf("overdue after completion = %d, want 0", len(overdue))
	}
}

func TestBumpSchedule_CAS(t *testing.T) {
	s := New()
	ctx := context.Background()

	due := time.Now().Truncate(time.Second)
	sched := domain.NewSchedule("daily", "tester", []string{"AAPL"}, nil)
	sched.CronExpr = "0 9 * * *"
	sched.Enabled = true
	sched.NextDueAt = &due
	if err := s.CreateSchedule(ctx, sched); err != nil {
		t.Fatal(err)
	}

	next := due.Add(24 * time.Hour)
	batchID := uuid.New()

	ok, err := s.BumpSchedule(ctx, sched.ID, due, next, batchID)
	if err != nil || !ok {
		t.Fatalf("first bump: ok=%v err=%v", ok, err)
	}
	// Второй лидер с тем же prevDue опоздал.
	ok, err = s.BumpSchedule(ctx, sched.ID, due, next.Add(24*time.Hour), uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("stale bump applied, want no-op")
	}

	got, _ := s.GetSchedule(ctx, sched.ID)
	if got.NextDueAt == nil || !got.NextDueAt.Equal(next) {
		t.Fatalf("next due = %v, want %v", got.NextDueAt, next)
	}
	if got.LastBatchID == nil || *got.LastBatchID != batchID {
		t.Fatal("last batch id not recorded")
	}
}

func TestGetBatchByIdempotencyKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	batch := domain.NewBatch("tester", []string{"AAPL"}, nil, "sched_2026-08-30")
	if err := s.CreateBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetBatchByIdempotencyKey(ctx, "sched_2026-08-30")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != batch.ID {
		t.Fatal("wrong batch for key")
	}

	dup := domain.NewBatch("tester", []string{"AAPL"}, nil, "sched_2026-08-30")
	if err := s.CreateBatch(ctx, dup); err != store.ErrAlreadyExists {
		t.Fatalf("duplicate key create: %v, want ErrAlreadyExists", err)
	}
}
