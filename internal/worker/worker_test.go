package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/mq"
	"github.com/shaiso/consilium/internal/pipeline"
	"github.com/shaiso/consilium/internal/store/memory"
)

// --- HTTPAnalyst Tests ---

func TestHTTPAnalyst_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/roles/fundamentals/complete" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["subject"] != "AAPL" {
			t.Errorf("expected subject AAPL, got %v", req["subject"])
		}

		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result": map[string]any{
				"payload": map[string]any{"score": 0.8},
			},
		})
	}))
	defer server.Close()

	analyst := NewHTTPAnalyst(HTTPAnalystConfig{BaseURL: server.URL})
	outcome, err := analyst.Analyze(context.Background(), &Request{
		Subject: "AAPL",
		Phase:   pipeline.PhaseAnalysis,
		Role:    pipeline.RoleFundamentals,
		Attempt: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.IsError() {
		t.Fatalf("unexpected domain error: %s", outcome.Error)
	}
	if outcome.Payload["score"] != 0.8 {
		t.Errorf("expected score 0.8, got %v", outcome.Payload["score"])
	}
}

func TestHTTPAnalyst_DomainErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Транспортный 200 с доменной ошибкой внутри конверта.
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"result": map[string]any{
				"error":      "quota exceeded",
				"error_kind": "RATE_LIMIT",
			},
		})
	}))
	defer server.Close()

	analyst := NewHTTPAnalyst(HTTPAnalystConfig{BaseURL: server.URL})
	outcome, err := analyst.Analyze(context.Background(), &Request{
		Subject: "AAPL",
		Role:    pipeline.RoleNews,
		Attempt: 1,
	})
	if err != nil {
		t.Fatalf("domain error must not be an infrastructure error: %v", err)
	}
	if !outcome.IsError() {
		t.Fatal("expected domain error outcome")
	}
	if outcome.ErrorKind != domain.ErrorKindRateLimit {
		t.Errorf("expected RATE_LIMIT, got %s", outcome.ErrorKind)
	}
}

func TestHTTPAnalyst_RetryScheduled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success":         false,
			"retry_scheduled": true,
		})
	}))
	defer server.Close()

	analyst := NewHTTPAnalyst(HTTPAnalystConfig{BaseURL: server.URL})
	_, err := analyst.Analyze(context.Background(), &Request{
		Subject: "AAPL",
		Role:    pipeline.RoleSentiment,
		Attempt: 1,
	})
	if !errors.Is(err, ErrRetryScheduled) {
		t.Fatalf("expected ErrRetryScheduled, got %v", err)
	}
}

func TestHTTPAnalyst_Non200Classified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	analyst := NewHTTPAnalyst(HTTPAnalystConfig{BaseURL: server.URL})
	outcome, err := analyst.Analyze(context.Background(), &Request{
		Subject: "AAPL",
		Role:    pipeline.RoleTechnicals,
		Attempt: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.IsError() || outcome.ErrorKind != domain.ErrorKindUpstream {
		t.Fatalf("expected UPSTREAM_ERROR outcome, got %+v", outcome)
	}
}

// --- Classification Tests ---

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		code int
		want domain.ErrorKind
	}{
		{http.StatusTooManyRequests, domain.ErrorKindRateLimit},
		{http.StatusUnauthorized, domain.ErrorKindAuthFailure},
		{http.StatusForbidden, domain.ErrorKindAuthFailure},
		{http.StatusGatewayTimeout, domain.ErrorKindTimeout},
		{http.StatusInternalServerError, domain.ErrorKindUpstream},
		{http.StatusBadRequest, domain.ErrorKindOther},
	}

	for _, c := range cases {
		if got := classifyStatus(c.code); got != c.want {
			t.Errorf("classifyStatus(%d) = %s, want %s", c.code, got, c.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	if got := classifyError(context.DeadlineExceeded); got != domain.ErrorKindTimeout {
		t.Errorf("deadline exceeded = %s, want TIMEOUT", got)
	}
	if got := classifyError(errors.New("boom")); got != domain.ErrorKindOther {
		t.Errorf("generic error = %s, want OTHER", got)
	}
}

// --- Registry Tests ---

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Get(pipeline.RoleTrader); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("empty registry: expected ErrUnknownRole, got %v", err)
	}

	stub := &stubAnalyst{}
	r.Register(pipeline.RoleTrader, stub)
	got, err := r.Get(pipeline.RoleTrader)
	if err != nil || got != stub {
		t.Fatalf("registered analyst not returned: %v", err)
	}

	fallback := &stubAnalyst{}
	r.SetDefault(fallback)
	got, err = r.Get(pipeline.RoleBull)
	if err != nil || got != fallback {
		t.Fatalf("fallback analyst not returned: %v", err)
	}
}

// --- Invocation Processing Tests ---

type stubAnalyst struct {
	mu      sync.Mutex
	calls   int
	outcome *Outcome
	err     error
}

func (a *stubAnalyst) Analyze(_ context.Context, _ *Request) (*Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if a.outcome != nil {
		return a.outcome, nil
	}
	return &Outcome{Payload: map[string]any{"ok": true}}, nil
}

func (a *stubAnalyst) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakePublisher struct {
	mu        sync.Mutex
	completed []mq.WorkerCompletedPayload
}

func (p *fakePublisher) PublishWorkerCompleted(_ context.Context, payload mq.WorkerCompletedPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, payload)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.completed)
}

func newTestWorker(analyst Analyst) (*Worker, *memory.Store, *fakePublisher) {
	s := memory.New()
	pub := &fakePublisher{}
	registry := NewRegistry()
	registry.SetDefault(analyst)

	w := New(Config{
		Store:     s,
		Publisher: pub,
		Registry:  registry,
	})
	return w, s, pub
}

func invokePayload(task *domain.Task, role domain.Role) mq.WorkerInvokePayload {
	return mq.WorkerInvokePayload{
		InvocationID: uuid.New(),
		TaskID:       task.ID,
		Subject:      task.Subject,
		Owner:        task.Owner,
		Phase:        pipeline.PhaseAnalysis,
		Role:         role,
		Attempt:      1,
		MaxAttempts:  4,
	}
}

func TestProcessInvoke_PersistsBeforePublish(t *testing.T) {
	stub := &stubAnalyst{outcome: &Outcome{Payload: map[string]any{"score": 0.5}}}
	w, s, pub := newTestWorker(stub)
	ctx := context.Background()

	task := domain.NewTask("AAPL", "tester", nil, nil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	payload := invokePayload(task, pipeline.RoleFundamentals)
	if err := w.processInvoke(ctx, payload); err != nil {
		t.Fatalf("processInvoke: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	res, ok := got.Result(pipeline.PhaseAnalysis, pipeline.RoleFundamentals)
	if !ok {
		t.Fatal("result not persisted")
	}
	if res.Outcome != domain.OutcomeSuccess || res.Payload["score"] != 0.5 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if pub.count() != 1 {
		t.Fatalf("completed published %d times, want 1", pub.count())
	}
}

func TestProcessInvoke_RepublishesExistingResult(t *testing.T) {
	stub := &stubAnalyst{}
	w, s, pub := newTestWorker(stub)
	ctx := context.Background()

	task := domain.NewTask("MSFT", "tester", nil, nil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	// Результат уже записан предыдущей попыткой, уведомление потерялось.
	existing := domain.WorkerResult{
		Role:      pipeline.RoleNews,
		Attempt:   1,
		Outcome:   domain.OutcomeSuccess,
		Payload:   map[string]any{"headline": "up"},
		Timestamp: time.Now(),
	}
	if _, err := s.ApplyResult(ctx, task.ID, pipeline.PhaseAnalysis, existing); err != nil {
		t.Fatal(err)
	}

	payload := invokePayload(task, pipeline.RoleNews)
	payload.Attempt = 2
	if err := w.processInvoke(ctx, payload); err != nil {
		t.Fatalf("processInvoke: %v", err)
	}

	if stub.callCount() != 0 {
		t.Fatalf("analyst re-executed %d times for persisted result", stub.callCount())
	}
	if pub.count() != 1 {
		t.Fatalf("completion republished %d times, want 1", pub.count())
	}
	if pub.completed[0].Payload["headline"] != "up" {
		t.Fatalf("republished payload mismatch: %+v", pub.completed[0])
	}
}

func TestProcessInvoke_InfraFailureLeavesNoResult(t *testing.T) {
	stub := &stubAnalyst{err: ErrRetryScheduled}
	w, s, pub := newTestWorker(stub)
	ctx := context.Background()

	task := domain.NewTask("NVDA", "tester", nil, nil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	payload := invokePayload(task, pipeline.RoleSentiment)
	if err := w.processInvoke(ctx, payload); err != nil {
		t.Fatalf("processInvoke: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if _, ok := got.Result(pipeline.PhaseAnalysis, pipeline.RoleSentiment); ok {
		t.Fatal("infrastructure failure must not persist a result")
	}
	if pub.count() != 0 {
		t.Fatalf("completion published without a result: %d", pub.count())
	}
}

func TestProcessInvoke_FinalAttemptPersistsClassifiedError(t *testing.T) {
	stub := &stubAnalyst{err: context.DeadlineExceeded}
	w, s, pub := newTestWorker(stub)
	ctx := context.Background()

	task := domain.NewTask("TSLA", "tester", nil, nil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	payload := invokePayload(task, pipeline.RoleTechnicals)
	payload.Attempt = 4
	if err := w.processInvoke(ctx, payload); err != nil {
		t.Fatalf("processInvoke: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	res, ok := got.Result(pipeline.PhaseAnalysis, pipeline.RoleTechnicals)
	if !ok {
		t.Fatal("final attempt must persist an error result")
	}
	if res.Outcome != domain.OutcomeError || res.ErrorKind != domain.ErrorKindTimeout {
		t.Fatalf("unexpected result: %+v", res)
	}
	if pub.count() != 1 {
		t.Fatalf("completion published %d times, want 1", pub.count())
	}
}

func TestProcessInvoke_SkipsCancelledTask(t *testing.T) {
	stub := &stubAnalyst{}
	w, s, pub := newTestWorker(stub)
	ctx := context.Background()

	task := domain.NewTask("AMZN", "tester", nil, nil)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RequestTaskCancel(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	if err := w.processInvoke(ctx, invokePayload(task, pipeline.RoleNews)); err != nil {
		t.Fatalf("processInvoke: %v", err)
	}
	if stub.callCount() != 0 || pub.count() != 0 {
		t.Fatal("cancelled task must not be executed")
	}
}

// --- Aggregate Tests ---

func TestProcessAggregate_CompletesBatchOnce(t *testing.T) {
	allocator := &stubAnalyst{outcome: &Outcome{Payload: map[string]any{"allocation": "60/40"}}}
	w, s, _ := newTestWorker(allocator)
	w.plan = reviewPlan()
	ctx := context.Background()

	batch := domain.NewBatch("tester", []string{"AAPL", "MSFT"}, nil, "")
	if err := s.CreateBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	var taskIDs []uuid.UUID
	for _, subject := range batch.Subjects {
		task := domain.NewTask(subject, batch.Owner, &batch.ID, nil)
		task.CurrentPhase = "review"
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
		res := domain.WorkerResult{
			Role:      pipeline.RoleTrader,
			Attempt:   1,
			Outcome:   domain.OutcomeSuccess,
			Payload:   map[string]any{"decision": "BUY"},
			Timestamp: time.Now(),
		}
		if _, err := s.ApplyResult(ctx, task.ID, "review", res); err != nil {
			t.Fatal(err)
		}
		taskIDs = append(taskIDs, task.ID)
	}
	if err := s.SetBatchTasks(ctx, batch.ID, taskIDs); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetBatchStatus(ctx, batch.ID,
		[]domain.BatchStatus{domain.BatchStatusPending}, domain.BatchStatusAggregating, ""); err != nil {
		t.Fatal(err)
	}

	if err := w.processAggregate(ctx, batch.ID); err != nil {
		t.Fatalf("processAggregate: %v", err)
	}

	got, _ := s.GetBatch(ctx, batch.ID)
	if got.Status != domain.BatchStatusCompleted {
		t.Fatalf("batch status = %s, want COMPLETED", got.Status)
	}
	if got.AggregateResult["allocation"] != "60/40" {
		t.Fatalf("aggregate result = %+v", got.AggregateResult)
	}

	// Повторная доставка batch.aggregate — no-op.
	if err := w.processAggregate(ctx, batch.ID); err != nil {
		t.Fatalf("duplicate aggregate: %v", err)
	}
	if allocator.callCount() != 1 {
		t.Fatalf("allocator executed %d times, want 1", allocator.callCount())
	}
}

func TestProcessAggregate_AllocatorDomainError(t *testing.T) {
	allocator := &stubAnalyst{outcome: &Outcome{
		Error:     "allocation infeasible",
		ErrorKind: domain.ErrorKindOther,
	}}
	w, s, _ := newTestWorker(allocator)
	ctx := context.Background()

	batch := domain.NewBatch("tester", []string{"AAPL"}, nil, "")
	if err := s.CreateBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetBatchStatus(ctx, batch.ID,
		[]domain.BatchStatus{domain.BatchStatusPending}, domain.BatchStatusAggregating, ""); err != nil {
		t.Fatal(err)
	}

	if err := w.processAggregate(ctx, batch.ID); err != nil {
		t.Fatalf("processAggregate: %v", err)
	}

	got, _ := s.GetBatch(ctx, batch.ID)
	if got.Status != domain.BatchStatusError {
		t.Fatalf("batch status = %s, want ERROR", got.Status)
	}
}

func reviewPlan() *pipeline.Plan {
	return &pipeline.Plan{Phases: []pipeline.PhaseDef{{
		Name:  "review",
		Mode:  pipeline.ModeSequential,
		Roles: []domain.Role{pipeline.RoleTrader},
	}}}
}
