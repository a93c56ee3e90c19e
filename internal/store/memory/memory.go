// Package memory — хранилище оркестрации в памяти.
//
// Реализует store.Store поверх одного мьютекса: каждый метод — одна
// критическая секция, поэтому условные обновления атомарны так же,
// как их SQL-аналоги. Используется тестами и локальным режимом без БД.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/store"
)

// invKey — ключ уникальности вызова.
type invKey struct {
	taskID  uuid.UUID
	phase   domain.Phase
	role    domain.Role
	round   int
	attempt int
}

// Store — in-memory реализация store.Store.
type Store struct {
	mu          sync.Mutex
	tasks       map[uuid.UUID]*domain.Task
	batches     map[uuid.UUID]*domain.Batch
	invocations map[uuid.UUID]*domain.Invocation
	invKeys     map[invKey]uuid.UUID
	schedules   map[uuid.UUID]*domain.Schedule
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		tasks:       make(map[uuid.UUID]*domain.Task),
		batches:     make(map[uuid.UUID]*domain.Batch),
		invocations: make(map[uuid.UUID]*domain.Invocation),
		invKeys:     make(map[invKey]uuid.UUID),
		schedules:   make(map[uuid.UUID]*domain.Schedule),
	}
}

var _ store.Store = (*Store)(nil)

// --- Tasks ---

func (s *Store) CreateTask(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return store.ErrAlreadyExists
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *Store) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *Store) ListTasks(_ context.Context, filter store.TaskFilter) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Task
	for _, task := range s.tasks {
		if filter.Owner != "" && task.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.BatchID != nil && (task.BatchID == nil || *task.BatchID != *filter.BatchID) {
			continue
		}
		out = append(out, *cloneTask(task))
	}
	sortTasks(out)
	return paginateTasks(out, filter.Limit, filter.Offset), nil
}

func (s *Store) ListPendingTasks(_ context.Context, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Task
	for _, task := range s.tasks {
		if task.Status == domain.TaskStatusPending {
			out = append(out, *cloneTask(task))
		}
	}
	sortTasks(out)
	return paginateTasks(out, limit, 0), nil
}

func (s *Store) ListTasksByBatch(_ context.Context, batchID uuid.UUID) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Task
	for _, task := range s.tasks {
		if task.BatchID != nil && *task.BatchID == batchID {
			out = append(out, *cloneTask(task))
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *Store) ApplyResult(_ context.Context, taskID uuid.UUID, phase domain.Phase, res domain.WorkerResult) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}

	if task.PhaseResults == nil {
		task.PhaseResults = make(domain.PhaseResults)
	}
	task.PhaseResults.Set(phase, res)
	task.UpdatedAt = time.Now()

	return cloneTask(task), nil
}

func (s *Store) AdvancePhase(_ context.Context, taskID uuid.UUID, from, to domain.Phase) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return false, store.ErrNotFound
	}
	if task.CurrentPhase != from || task.Status.IsTerminal() {
		return false, nil
	}
	task.CurrentPhase = to
	task.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) SetTaskStatus(_ context.Context, taskID uuid.UUID, from []domain.TaskStatus, to domain.TaskStatus, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return false, store.ErrNotFound
	}
	if !containsTaskStatus(from, task.Status) {
		return false, nil
	}
	task.Status = to
	if errMsg != "" {
		task.Error = errMsg
	}
	task.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) RequestTaskCancel(_ context.Context, taskID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return false, store.ErrNotFound
	}
	if task.CancelRequested || task.Status.IsTerminal() {
		return false, nil
	}
	task.CancelRequested = true
	task.UpdatedAt = time.Now()
	return true, nil
}

// --- Batches ---

func (s *Store) CreateBatch(_ context.Context, batch *domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batch.ID]; ok {
		return store.ErrAlreadyExists
	}
	if batch.IdempotencyKey != "" {
		for _, b := range s.batches {
			if b.IdempotencyKey == batch.IdempotencyKey {
				return store.ErrAlreadyExists
			}
		}
	}
	s.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (s *Store) GetBatch(_ context.Context, id uuid.UUID) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneBatch(batch), nil
}

func (s *Store) GetBatchByIdempotencyKey(_ context.Context, key string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, batch := range s.batches {
		if batch.IdempotencyKey == key {
			return cloneBatch(batch), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListBatches(_ context.Context, filter store.BatchFilter) ([]domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Batch
	for _, batch := range s.batches {
		if filter.Owner != "" && batch.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && batch.Status != filter.Status {
			continue
		}
		out = append(out, *cloneBatch(batch))
	}
	sortBatches(out)
	return paginateBatches(out, filter.Limit, filter.Offset), nil
}

func (s *Store) ListPendingBatches(_ context.Context, limit int) ([]domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Batch
	for _, batch := range s.batches {
		if batch.Status == domain.BatchStatusPending {
			out = append(out, *cloneBatch(batch))
		}
	}
	sortBatches(out)
	return paginateBatches(out, limit, 0), nil
}

func (s *Store) SetBatchTasks(_ context.Context, id uuid.UUID, taskIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	batch.TaskIDs = append([]uuid.UUID(nil), taskIDs...)
	batch.UpdatedAt = time.Now()
	return nil
}

func (s *Store) SetBatchStatus(_ context.Context, id uuid.UUID, from []domain.BatchStatus, to domain.BatchStatus, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !containsBatchStatus(from, batch.Status) {
		return false, nil
	}
	batch.Status = to
	if errMsg != "" {
		batch.Error = errMsg
	}
	batch.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) TryTriggerAggregate(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if batch.AggregateTriggered || batch.CancelRequested || len(batch.TaskIDs) == 0 {
		return false, nil
	}
	if batch.Status != domain.BatchStatusRunning {
		return false, nil
	}
	for _, taskID := range batch.TaskIDs {
		task, ok := s.tasks[taskID]
		if !ok || !task.Status.IsTerminal() {
			return false, nil
		}
	}

	batch.AggregateTriggered = true
	batch.Status = domain.BatchStatusAggregating
	batch.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) TryFinishCancelled(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !batch.CancelRequested || batch.Status.IsTerminal() {
		return false, nil
	}
	for _, taskID := range batch.TaskIDs {
		task, ok := s.tasks[taskID]
		if ok && !task.Status.IsTerminal() {
			return false, nil
		}
	}

	batch.Status = domain.BatchStatusCancelled
	batch.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) CompleteAggregate(_ context.Context, id uuid.UUID, result map[string]any, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if batch.Status != domain.BatchStatusAggregating {
		return false, nil
	}

	batch.AggregateResult = result
	if errMsg != "" {
		batch.Error = errMsg
		batch.Status = domain.BatchStatusError
	} else {
		batch.Status = domain.BatchStatusCompleted
	}
	batch.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) RequestBatchCancel(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if batch.CancelRequested || batch.Status.IsTerminal() {
		return false, nil
	}
	batch.CancelRequested = true
	batch.UpdatedAt = time.Now()
	return true, nil
}

// --- Invocations ---

func (s *Store) CreateInvocation(_ context.Context, inv *domain.Invocation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := invKey{inv.TaskID, inv.Phase, inv.Role, inv.Round, inv.Attempt}
	if _, ok := s.invKeys[key]; ok {
		return false, nil
	}
	s.invKeys[key] = inv.ID
	s.invocations[inv.ID] = cloneInvocation(inv)
	return true, nil
}

func (s *Store) GetInvocation(_ context.Context, id uuid.UUID) (*domain.Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invocations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneInvocation(inv), nil
}

func (s *Store) SetInvocationStatus(_ context.Context, id uuid.UUID, from []domain.InvocationStatus, to domain.InvocationStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invocations[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !containsInvocationStatus(from, inv.Status) {
		return false, nil
	}
	inv.Status = to
	return true, nil
}

func (s *Store) ListDispatchable(_ context.Context, now time.Time, redispatchAfter time.Duration, limit int) ([]domain.Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Invocation
	for _, inv := range s.invocations {
		if !inv.Due(now) {
			continue
		}
		if inv.DispatchedAt != nil && now.Sub(*inv.DispatchedAt) < redispatchAfter {
			continue
		}
		out = append(out, *cloneInvocation(inv))
	}
	sortInvocations(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkInvocationDispatched(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invocations[id]
	if !ok {
		return store.ErrNotFound
	}
	inv.DispatchedAt = &at
	return nil
}

func (s *Store) ListOverdueInvocations(_ context.Context, now time.Time, limit int) ([]domain.Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Invocation
	for _, inv := range s.invocations {
		if inv.Overdue(now) {
			out = append(out, *cloneInvocation(inv))
		}
	}
	sortInvocations(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Schedules ---

func (s *Store) CreateSchedule(_ context.Context, sched *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sched.ID]; ok {
		return store.ErrAlreadyExists
	}
	s.schedules[sched.ID] = cloneSchedule(sched)
	return nil
}

func (s *Store) GetSchedule(_ context.Context, id uuid.UUID) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSchedule(sched), nil
}

func (s *Store) ListSchedules(_ context.Context, limit, offset int) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, *cloneSchedule(sched))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Schedule
	for _, sched := range s.schedules {
		if sched.IsDue(now) {
			out = append(out, *cloneSchedule(sched))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateSchedule(_ context.Context, sched *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sched.ID]; !ok {
		return store.ErrNotFound
	}
	sched.UpdatedAt = time.Now()
	s.schedules[sched.ID] = cloneSchedule(sched)
	return nil
}

func (s *Store) DeleteSchedule(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.schedules, id)
	return nil
}

func (s *Store) SetScheduleEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return store.ErrNotFound
	}
	sched.Enabled = enabled
	sched.UpdatedAt = time.Now()
	return nil
}

func (s *Store) BumpSchedule(_ context.Context, id uuid.UUID, prevDue, nextDue time.Time, batchID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if sched.NextDueAt == nil || !sched.NextDueAt.Equal(prevDue) {
		return false, nil
	}
	now := time.Now()
	sched.NextDueAt = &nextDue
	sched.LastRunAt = &now
	sched.LastBatchID = &batchID
	sched.UpdatedAt = now
	return true, nil
}

// --- Helpers ---

func cloneTask(t *domain.Task) *domain.Task {
	out := *t
	out.PhaseResults = t.PhaseResults.Clone()
	out.SkipPhases = append([]domain.Phase(nil), t.SkipPhases...)
	return &out
}

func cloneBatch(b *domain.Batch) *domain.Batch {
	out := *b
	out.TaskIDs = append([]uuid.UUID(nil), b.TaskIDs...)
	out.Subjects = append([]string(nil), b.Subjects...)
	out.SkipPhases = append([]domain.Phase(nil), b.SkipPhases...)
	return &out
}

func cloneInvocation(i *domain.Invocation) *domain.Invocation {
	out := *i
	return &out
}

func cloneSchedule(s *domain.Schedule) *domain.Schedule {
	out := *s
	out.Subjects = append([]string(nil), s.Subjects...)
	out.SkipPhases = append([]domain.Phase(nil), s.SkipPhases...)
	return &out
}

func sortTasks(tasks []domain.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
}

func sortBatches(batches []domain.Batch) {
	sort.Slice(batches, func(i, j int) bool { return batches[i].CreatedAt.Before(batches[j].CreatedAt) })
}

func sortInvocations(invs []domain.Invocation) {
	sort.Slice(invs, func(i, j int) bool { return invs[i].CreatedAt.Before(invs[j].CreatedAt) })
}

func paginateTasks(tasks []domain.Task, limit, offset int) []domain.Task {
	if offset > 0 {
		if offset >= len(tasks) {
			return nil
		}
		tasks = tasks[offset:]
	}
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}

func paginateBatches(batches []domain.Batch, limit, offset int) []domain.Batch {
	if offset > 0 {
		if offset >= len(batches) {
			return nil
		}
		batches = batches[offset:]
	}
	if limit > 0 && len(batches) > limit {
		batches = batches[:limit]
	}
	return batches
}

func containsTaskStatus(list []domain.TaskStatus, s domain.TaskStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsBatchStatus(list []domain.BatchStatus, s domain.BatchStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInvocationStatus(list []domain.InvocationStatus, s domain.InvocationStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
