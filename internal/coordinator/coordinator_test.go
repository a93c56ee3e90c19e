package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/mq"
	"github.com/shaiso/consilium/internal/pipeline"
	"github.com/shaiso/consilium/internal/store/memory"
)

// fakePublisher записывает публикации вместо отправки в RabbitMQ.
type fakePublisher struct {
	mu         sync.Mutex
	invokes    []mq.WorkerInvokePayload
	aggregates []uuid.UUID
}

func (p *fakePublisher) PublishWorkerInvoke(_ context.Context, payload mq.WorkerInvokePayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invokes = append(p.invokes, payload)
	return nil
}

func (p *fakePublisher) PublishBatchAggregate(_ context.Context, batchID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aggregates = append(p.aggregates, batchID)
	return nil
}

func (p *fakePublisher) aggregateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.aggregates)
}

func newTestCoordinator(t *testing.T, plan *pipeline.Plan, cfg Config) (*Coordinator, *memory.Store, *fakePublisher) {
	t.Helper()

	s := memory.New()
	pub := &fakePublisher{}
	cfg.Store = s
	cfg.Publisher = pub
	cfg.Plan = plan
	return New(cfg), s, pub
}

// scheduledInvocations возвращает все SCHEDULED вызовы task'а.
func scheduledInvocations(t *testing.T, s *memory.Store, taskID uuid.UUID) []domain.Invocation {
	t.Helper()

	all, err := s.ListDispatchable(context.Background(), time.Now().Add(time.Hour), 0, 1000)
	if err != nil {
		t.Fatalf("ListDispatchable: %v", err)
	}
	var out []domain.Invocation
	for _, inv := range all {
		if inv.TaskID == taskID {
			out = append(out, inv)
		}
	}
	return out
}

// complete подаёт координатору успешный результат роли.
func complete(t *testing.T, c *Coordinator, inv domain.Invocation, payload map[string]any) {
	t.Helper()
	completeOutcome(t, c, inv, domain.OutcomeSuccess, "", payload)
}

func completeOutcome(t *testing.T, c *Coordinator, inv domain.Invocation, outcome domain.Outcome, kind domain.ErrorKind, payload map[string]any) {
	t.Helper()

	err := c.OnWorkerCompleted(context.Background(), mq.WorkerCompletedPayload{
		InvocationID: inv.ID,
		TaskID:       inv.TaskID,
		Phase:        inv.Phase,
		Role:         inv.Role,
		Round:        inv.Round,
		Attempt:      inv.Attempt,
		Outcome:      outcome,
		Payload:      payload,
		ErrorKind:    kind,
		Error:        string(kind),
	})
	if err != nil {
		t.Fatalf("OnWorkerCompleted(%s/%s): %v", inv.Phase, inv.Role, err)
	}
}

func sequentialPlan(roles ...domain.Role) *pipeline.Plan {
	return &pipeline.Plan{Phases: []pipeline.PhaseDef{{
		Name:  "review",
		Mode:  pipeline.ModeSequential,
		Roles: roles,
	}}}
}

func TestStartTask_ParallelFanOut(t *testing.T) {
	c, s, _ := newTestCoordinator(t, pipeline.Default(), Config{})
	ctx := context.Background()

	task := domain.NewTask("AAPL", "tester", nil, nil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	if err := c.StartTask(ctx, task.ID); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != domain.TaskStatusRunning {
		t.Fatalf("status = %s, want RUNNING", got.Status)
	}
	if got.CurrentPhase != pipeline.PhaseAnalysis {
		t.Fatalf("phase = %s, want analysis", got.CurrentPhase)
	}

	invs := scheduledInvocations(t, s, task.ID)
	if len(invs) != 4 {
		t.Fatalf("invocations = %d, want 4 parallel analysts", len(invs))
	}

	// Повторная доставка task.pending не создаёт дублей.
	if err := c.StartTask(ctx, task.ID); err != nil {
		t.Fatalf("StartTask redelivery: %v", err)
	}
	if n := len(scheduledInvocations(t, s, task.ID)); n != 4 {
		t.Fatalf("invocations after redelivery = %d, want 4", n)
	}
}

func TestSequentialPhase_StrictOrder(t *testing.T) {
	plan := sequentialPlan("first", "second", "third")
	c, s, _ := newTestCoordinator(t, plan, Config{})
	ctx := context.Background()

	task := domain.NewTask("MSFT", "tester", nil, nil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := c.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	invs := scheduledInvocations(t, s, task.ID)
	if len(invs) != 1 || invs[0].Role != "first" {
		t.Fatalf("initial invocations = %v, want only first", invs)
	}

	// Ошибка не останавливает sequential-фазу, но следующая роль
	// приглашается только после записи результата.
	completeOutcome(t, c, invs[0], domain.OutcomeError, domain.ErrorKindRateLimit, nil)

	invs = scheduledInvocations(t, s, task.ID)
	if len(invs) != 1 || invs[0].Role != "second" {
		t.Fatalf("after first result: %v, want second", invs)
	}

	complete(t, c, invs[0], map[string]any{"ok": true})
	invs = scheduledInvocations(t, s, task.ID)
	if len(invs) != 1 || invs[0].Role != "third" {
		t.Fatalf("after second result: %v, want third", invs)
	}

	complete(t, c, invs[0], map[string]any{"decision": "HOLD"})

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
}

func TestDebatePhase_RoundsThenSynthesis(t *testing.T) {
	plan := &pipeline.Plan{Phases: []pipeline.PhaseDef{{
		Name:      "debate",
		Mode:      pipeline.ModeDebate,
		Roles:     []domain.Role{"bull", "bear", "researcher"},
		MaxRounds: 2,
	}}}
	c, s, _ := newTestCoordinator(t, plan, Config{})
	ctx := context.Background()

	task := domain.NewTask("NVDA", "tester", nil, nil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := c.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	want := []struct {
		role  domain.Role
		round int
	}{
		{"bull", 1},
		{"bear", 1},
		{"bull", 2},
		{"bear", 2},
		{"researcher", 2},
	}

	for i, step := range want {
		invs := scheduledInvocations(t, s, task.ID)
		if len(invs) != 1 {
			t.Fatalf("step %d: %d scheduled invocations, want 1", i, len(invs))
		}
		if invs[0].Role != step.role || invs[0].Round != step.round {
			t.Fatalf("step %d: got %s round %d, want %s round %d",
				i, invs[0].Role, invs[0].Round, step.role, step.round)
		}
		complete(t, c, invs[0], map[string]any{"argument": i})
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED after synthesis", got.Status)
	}
	if n := len(scheduledInvocations(t, s, task.ID)); n != 0 {
		t.Fatalf("leftover invocations = %d, want 0", n)
	}
}

func TestWatchdog_RetryThenTimeout(t *testing.T) {
	plan := sequentialPlan("trader")
	c, s, _ := newTestCoordinator(t, plan, Config{
		InvokeTimeout: time.Nanosecond,
		RetryDelay:    time.Nanosecond,
		MaxAttempts:   2,
	})
	ctx := context.Background()

	task := domain.NewTask("TSLA", "tester", nil, nil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := c.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	time.Sleep(time.Millisecond) // дедлайн наносекундный, истёк заведомо

	// Первый проход watchdog'а: попытка 1 закрывается, создаётся попытка 2.
	if err := c.expireOverdue(ctx); err != nil {
		t.Fatalf("first expire: %v", err)
	}
	invs := scheduledInvocations(t, s, task.ID)
	if len(invs) != 1 || invs[0].Attempt != 2 {
		t.Fatalf("after first expire: %v, want single attempt 2", invs)
	}

	time.Sleep(time.Millisecond)

	// Второй проход: попытки исчерпаны, пишется TIMEOUT-результат.
	if err := c.expireOverdue(ctx); err != nil {
		t.Fatalf("second expire: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != domain.TaskStatusError {
		t.Fatalf("status = %s, want ERROR (deciding role timed out)", got.Status)
	}
	res, ok := got.Result("review", "trader")
	if !ok || res.ErrorKind != domain.ErrorKindTimeout {
		t.Fatalf("result = %+v, want TIMEOUT error artifact", res)
	}
	if n := len(scheduledInvocations(t, s, task.ID)); n != 0 {
		t.Fatalf("retries after exhaustion = %d, want 0", n)
	}
}

func TestCancel_AppliedOnNextEvent(t *testing.T) {
	plan := sequentialPlan("first", "second")
	c, s, _ := newTestCoordinator(t, plan, Config{})
	ctx := context.Background()

	task := domain.NewTask("AMZN", "tester", nil, nil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := c.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	if err := c.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	// RUNNING task дорабатывает текущий вызов; отмена применяется
	// при следующем событии.
	invs := scheduledInvocations(t, s, task.ID)
	complete(t, c, invs[0], map[string]any{"late": true})

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != domain.TaskStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	// Уже записанные результаты сохраняются.
	if _, ok := got.Result("review", "first"); !ok {
		t.Fatal("result written before cancellation was lost")
	}
	// Вторая роль не приглашается.
	if n := len(scheduledInvocations(t, s, task.ID)); n != 0 {
		t.Fatalf("invocations after cancel = %d, want 0", n)
	}

	// Повторная отмена — no-op.
	if err := c.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("repeated cancel: %v", err)
	}
}

func TestCancel_PendingTaskImmediate(t *testing.T) {
	c, s, _ := newTestCoordinator(t, pipeline.Default(), Config{})
	ctx := context.Background()

	task := domain.NewTask("META", "tester", nil, nil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	if err := c.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != domain.TaskStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED immediately for PENDING", got.Status)
	}
}

func TestBatch_FanOutAndAggregateOnce(t *testing.T) {
	plan := sequentialPlan("trader")
	c, s, pub := newTestCoordinator(t, plan, Config{})
	ctx := context.Background()

	batch := domain.NewBatch("tester", []string{"AAPL", "MSFT", "NVDA"}, nil, "")
	if err := s.CreateBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	if err := c.StartBatch(ctx, batch.ID); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	gotBatch, _ := s.GetBatch(ctx, batch.ID)
	if gotBatch.Status != domain.BatchStatusRunning {
		t.Fatalf("batch status = %s, want RUNNING", gotBatch.Status)
	}
	tasks, _ := s.ListTasksByBatch(ctx, batch.ID)
	if len(tasks) != 3 {
		t.Fatalf("member tasks = %d, want 3", len(tasks))
	}

	// Повторная доставка batch.pending не создаёт дублей.
	if err := c.StartBatch(ctx, batch.ID); err != nil {
		t.Fatalf("StartBatch redelivery: %v", err)
	}
	tasks, _ = s.ListTasksByBatch(ctx, batch.ID)
	if len(tasks) != 3 {
		t.Fatalf("member tasks after redelivery = %d, want 3", len(tasks))
	}

	// Завершаем члены: один с ошибкой. Ошибочный член терминален,
	// агрегат всё равно срабатывает, когда терминальны все три.
	for i := range tasks {
		invs := scheduledInvocations(t, s, tasks[i].ID)
		if len(invs) != 1 {
			t.Fatalf("task %d: invocations = %d, want 1", i, len(invs))
		}
		if i == 1 {
			completeOutcome(t, c, invs[0], domain.OutcomeError, domain.ErrorKindRateLimit, nil)
		} else {
			complete(t, c, invs[0], map[string]any{"decision": "BUY"})
		}

		gotBatch, _ := s.GetBatch(ctx, batch.ID)
		if i < len(tasks)-1 && gotBatch.AggregateTriggered {
			t.Fatalf("aggregate triggered after %d of 3 members", i+1)
		}
	}

	gotBatch, _ = s.GetBatch(ctx, batch.ID)
	if gotBatch.Status != domain.BatchStatusAggregating || !gotBatch.AggregateTriggered {
		t.Fatalf("batch = %s triggered=%v, want AGGREGATING/true",
			gotBatch.Status, gotBatch.AggregateTriggered)
	}
	if pub.aggregateCount() != 1 {
		t.Fatalf("aggregate published %d times, want exactly 1", pub.aggregateCount())
	}

	// Повторное терминальное уведомление не публикует второй агрегат.
	if err := c.onMemberTerminal(ctx, batch.ID); err != nil {
		t.Fatal(err)
	}
	if pub.aggregateCount() != 1 {
		t.Fatalf("aggregate republished on duplicate event: %d", pub.aggregateCount())
	}
}

func TestBatch_CancelPropagates(t *testing.T) {
	plan := sequentialPlan("trader")
	c, s, pub := newTestCoordinator(t, plan, Config{})
	ctx := context.Background()

	batch := domain.NewBatch("tester", []string{"AAPL", "MSFT"}, nil, "")
	if err := s.CreateBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if err := c.StartBatch(ctx, batch.ID); err != nil {
		t.Fatal(err)
	}

	tasks, _ := s.ListTasksByBatch(ctx, batch.ID)

	// Один член заканчивается до отмены.
	invs := scheduledInvocations(t, s, tasks[0].ID)
	complete(t, c, invs[0], map[string]any{"decision": "SELL"})

	if err := c.CancelBatch(ctx, batch.ID); err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}

	// Второй член дорабатывает и отменяется.
	invs = scheduledInvocations(t, s, tasks[1].ID)
	complete(t, c, invs[0], map[string]any{"decision": "BUY"})

	gotBatch, _ := s.GetBatch(ctx, batch.ID)
	if gotBatch.Status != domain.BatchStatusCancelled {
		t.Fatalf("batch status = %s, want CANCELLED", gotBatch.Status)
	}
	if pub.aggregateCount() != 0 {
		t.Fatalf("aggregate published for cancelled batch: %d", pub.aggregateCount())
	}

	first, _ := s.GetTask(ctx, tasks[0].ID)
	if first.Status != domain.TaskStatusCompleted {
		t.Fatalf("finished member = %s, want COMPLETED untouched by cancel", first.Status)
	}
	second, _ := s.GetTask(ctx, tasks[1].ID)
	if second.Status != domain.TaskStatusCancelled {
		t.Fatalf("running member = %s, want CANCELLED", second.Status)
	}
}

// finishMemberWithoutFanIn финализирует члена batch'а напрямую в store,
// воспроизводя рестарт координатора между записью терминального статуса
// и уведомлением batch'а.
func finishMemberWithoutFanIn(t *testing.T, s *memory.Store, inv domain.Invocation) {
	t.Helper()
	ctx := context.Background()

	_, err := s.ApplyResult(ctx, inv.TaskID, inv.Phase, domain.WorkerResult{
		Role:      inv.Role,
		Round:     inv.Round,
		Attempt:   inv.Attempt,
		Outcome:   domain.OutcomeSuccess,
		Payload:   map[string]any{"decision": "BUY"},
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("ApplyResult: %v", err)
	}
	applied, err := s.SetTaskStatus(ctx, inv.TaskID,
		[]domain.TaskStatus{domain.TaskStatusRunning}, domain.TaskStatusCompleted, "")
	if err != nil || !applied {
		t.Fatalf("SetTaskStatus: applied=%v err=%v", applied, err)
	}
}

func TestBatch_AggregateAfterLostFanIn(t *testing.T) {
	plan := sequentialPlan("trader")
	c, s, pub := newTestCoordinator(t, plan, Config{})
	ctx := context.Background()

	batch := domain.NewBatch("tester", []string{"AAPL", "MSFT"}, nil, "")
	if err := s.CreateBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if err := c.StartBatch(ctx, batch.ID); err != nil {
		t.Fatal(err)
	}

	tasks, _ := s.ListTasksByBatch(ctx, batch.ID)
	invs := scheduledInvocations(t, s, tasks[0].ID)
	complete(t, c, invs[0], map[string]any{"decision": "SELL"})

	// Последний член финализируется без уведомления batch'а.
	invs = scheduledInvocations(t, s, tasks[1].ID)
	finishMemberWithoutFanIn(t, s, invs[0])

	gotBatch, _ := s.GetBatch(ctx, batch.ID)
	if gotBatch.Status != domain.BatchStatusRunning || gotBatch.AggregateTriggered {
		t.Fatalf("pre-replay batch = %s triggered=%v, want stuck RUNNING/false",
			gotBatch.Status, gotBatch.AggregateTriggered)
	}

	// Повторная доставка worker.completed достраивает fan-in: результат
	// и статус уже записаны, недостаёт только перехода batch'а.
	complete(t, c, invs[0], map[string]any{"decision": "BUY"})

	gotBatch, _ = s.GetBatch(ctx, batch.ID)
	if gotBatch.Status != domain.BatchStatusAggregating || !gotBatch.AggregateTriggered {
		t.Fatalf("batch = %s triggered=%v, want AGGREGATING/true",
			gotBatch.Status, gotBatch.AggregateTriggered)
	}
	if pub.aggregateCount() != 1 {
		t.Fatalf("aggregate published %d times, want exactly 1", pub.aggregateCount())
	}
}

func TestPoll_RecoversStuckRunningBatch(t *testing.T) {
	plan := sequentialPlan("trader")
	c, s, pub := newTestCoordinator(t, plan, Config{
		RedispatchAfter: 50 * time.Millisecond,
	})
	ctx := context.Background()

	batch := domain.NewBatch("tester", []string{"AAPL", "MSFT"}, nil, "")
	if err := s.CreateBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if err := c.StartBatch(ctx, batch.ID); err != nil {
		t.Fatal(err)
	}

	// Оба члена финализированы, batch об этом не узнал. Без повторной
	// доставки worker.completed его спасает только polling.
	tasks, _ := s.ListTasksByBatch(ctx, batch.ID)
	for i := range tasks {
		invs := scheduledInvocations(t, s, tasks[i].ID)
		finishMemberWithoutFanIn(t, s, invs[0])
	}

	time.Sleep(60 * time.Millisecond)
	c.poll(ctx)

	gotBatch, _ := s.GetBatch(ctx, batch.ID)
	if gotBatch.Status != domain.BatchStatusAggregating || !gotBatch.AggregateTriggered {
		t.Fatalf("batch = %s triggered=%v, want AGGREGATING/true after poll",
			gotBatch.Status, gotBatch.AggregateTriggered)
	}
	if pub.aggregateCount() != 1 {
		t.Fatalf("aggregate published %d times, want exactly 1", pub.aggregateCount())
	}
}

func TestWatchdog_KeepsPersistedResult(t *testing.T) {
	plan := sequentialPlan("trader")
	c, s, _ := newTestCoordinator(t, plan, Config{
		InvokeTimeout: time.Nanosecond,
		RetryDelay:    time.Nanosecond,
		MaxAttempts:   1,
	})
	ctx := context.Background()

	task := domain.NewTask("GOOG", "tester", nil, nil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := c.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	// Worker записал успех последней попытки, но worker.completed
	// потерялся, и вызов остался незакрытым до прихода watchdog'а.
	invs := scheduledInvocations(t, s, task.ID)
	if len(invs) != 1 {
		t.Fatalf("invocations = %d, want 1", len(invs))
	}
	inv := invs[0]
	if _, err := s.ApplyResult(ctx, inv.TaskID, inv.Phase, domain.WorkerResult{
		Role:      inv.Role,
		Round:     inv.Round,
		Attempt:   inv.Attempt,
		Outcome:   domain.OutcomeSuccess,
		Payload:   map[string]any{"decision": "BUY"},
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("ApplyResult: %v", err)
	}

	time.Sleep(time.Millisecond)
	if err := c.expireOverdue(ctx); err != nil {
		t.Fatalf("expireOverdue: %v", err)
	}

	// Записанный успех не затирается синтетическим TIMEOUT; task
	// продвигается по сохранённому состоянию до COMPLETED.
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	res, ok := got.Result("review", "trader")
	if !ok || res.Outcome != domain.OutcomeSuccess || res.ErrorKind != "" {
		t.Fatalf("result = %+v, want persisted SUCCESS intact", res)
	}
	if res.Payload["decision"] != "BUY" {
		t.Fatalf("payload = %v, want original decision preserved", res.Payload)
	}
	if n := len(scheduledInvocations(t, s, task.ID)); n != 0 {
		t.Fatalf("retries scheduled despite persisted result: %d", n)
	}
}

func TestDispatch_PublishesAndSkipsCancelled(t *testing.T) {
	plan := sequentialPlan("trader")
	c, s, pub := newTestCoordinator(t, plan, Config{})
	ctx := context.Background()

	task := domain.NewTask("AAPL", "tester", nil, nil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := c.StartTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	if err := c.dispatchDue(ctx); err != nil {
		t.Fatalf("dispatchDue: %v", err)
	}
	if len(pub.invokes) != 1 {
		t.Fatalf("published invokes = %d, want 1", len(pub.invokes))
	}
	if pub.invokes[0].Subject != "AAPL" || pub.invokes[0].Role != "trader" {
		t.Fatalf("invoke payload = %+v", pub.invokes[0])
	}

	// Сразу после публикации вызов не переиздаётся.
	if err := c.dispatchDue(ctx); err != nil {
		t.Fatal(err)
	}
	if len(pub.invokes) != 1 {
		t.Fatalf("invoke republished too early: %d", len(pub.invokes))
	}

	// Отменённый task: новые вызовы закрываются без публикации.
	task2 := domain.NewTask("MSFT", "tester", nil, nil)
	if err := s.CreateTask(ctx, task2); err != nil {
		t.Fatal(err)
	}
	if err := c.StartTask(ctx, task2.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RequestTaskCancel(ctx, task2.ID); err != nil {
		t.Fatal(err)
	}

	if err := c.dispatchDue(ctx); err != nil {
		t.Fatal(err)
	}
	for _, inv := range pub.invokes {
		if inv.TaskID == task2.ID {
			t.Fatal("invocation for cancelled task was published")
		}
	}
}
