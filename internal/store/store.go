// Package store определяет контракт поверх транзакционного хранилища.
//
// Все переходы состояния, от которых зависит корректность (продвижение
// фазы, запуск агрегирующего действия, флаг отмены), выражены как
// атомарные условные обновления: метод возвращает applied=false, если
// предусловие не выполнилось. Координаторы никогда не делают
// read-then-write для таких переходов.
//
// Если хранилище недоступно, метод возвращает ошибку; вызывающая сторона
// трактует исход операции как неизвестный и полагается на собственный
// идемпотентный retry, а не на предположение «не применилось».
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/consilium/internal/domain"
)

// Общие ошибки хранилища.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")
)

// TaskFilter — фильтр для выборки tasks.
type TaskFilter struct {
	Owner   string
	BatchID *uuid.UUID
	Status  domain.TaskStatus
	Limit   int
	Offset  int
}

// BatchFilter — фильтр для выборки batches.
type BatchFilter struct {
	Owner  string
	Status domain.BatchStatus
	Limit  int
	Offset int
}

// TaskStore — операции над tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]domain.Task, error)
	ListPendingTasks(ctx context.Context, limit int) ([]domain.Task, error)
	ListTasksByBatch(ctx context.Context, batchID uuid.UUID) ([]domain.Task, error)

	// ApplyResult записывает результат worker'а в phase_results по ключу
	// (phase, res.Role), полностью заменяя существующую запись.
	// Операция идемпотентна; возвращает task после применения.
	ApplyResult(ctx context.Context, taskID uuid.UUID, phase domain.Phase, res domain.WorkerResult) (*domain.Task, error)

	// AdvancePhase переводит current_phase из from в to.
	// applied=false, если current_phase уже не from (дубликат продвижения).
	AdvancePhase(ctx context.Context, taskID uuid.UUID, from, to domain.Phase) (bool, error)

	// SetTaskStatus переводит статус из одного из from в to.
	// errMsg записывается в поле error задачи (пустая строка — не трогать).
	SetTaskStatus(ctx context.Context, taskID uuid.UUID, from []domain.TaskStatus, to domain.TaskStatus, errMsg string) (bool, error)

	// RequestTaskCancel выставляет cancel_requested=true (монотонно).
	// applied=false, если флаг уже стоял или task терминален.
	RequestTaskCancel(ctx context.Context, taskID uuid.UUID) (bool, error)
}

// BatchStore — операции над batches.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch *domain.Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error)
	GetBatchByIdempotencyKey(ctx context.Context, key string) (*domain.Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]domain.Batch, error)
	ListPendingBatches(ctx context.Context, limit int) ([]domain.Batch, error)

	// SetBatchTasks фиксирует множество member tasks (однократно, при fan-out).
	SetBatchTasks(ctx context.Context, id uuid.UUID, taskIDs []uuid.UUID) error

	// SetBatchStatus переводит статус из одного из from в to.
	SetBatchStatus(ctx context.Context, id uuid.UUID, from []domain.BatchStatus, to domain.BatchStatus, errMsg string) (bool, error)

	// TryTriggerAggregate — ключевая операция fan-in: в одном атомарном
	// шаге проверяет «все member tasks терминальны, отмена не запрошена,
	// aggregate_triggered ещё false» и выставляет aggregate_triggered=true
	// со статусом AGGREGATING. applied=true ровно у одного вызывающего.
	TryTriggerAggregate(ctx context.Context, id uuid.UUID) (bool, error)

	// TryFinishCancelled переводит batch в CANCELLED, когда отмена
	// запрошена и все member tasks терминальны.
	TryFinishCancelled(ctx context.Context, id uuid.UUID) (bool, error)

	// CompleteAggregate записывает результат агрегирующего действия и
	// переводит AGGREGATING → COMPLETED (или ERROR при errMsg != "").
	CompleteAggregate(ctx context.Context, id uuid.UUID, result map[string]any, errMsg string) (bool, error)

	// RequestBatchCancel выставляет cancel_requested=true (монотонно).
	RequestBatchCancel(ctx context.Context, id uuid.UUID) (bool, error)
}

// InvocationStore — операции над вызовами workers (состояние watchdog'а).
type InvocationStore interface {
	// CreateInvocation создаёт вызов. applied=false, если вызов с тем же
	// ключом (task_id, phase, role, round, attempt) уже существует —
	// так подавляется дублирующий fan-out от повторных уведомлений.
	CreateInvocation(ctx context.Context, inv *domain.Invocation) (bool, error)

	GetInvocation(ctx context.Context, id uuid.UUID) (*domain.Invocation, error)

	// SetInvocationStatus переводит статус из одного из from в to.
	SetInvocationStatus(ctx context.Context, id uuid.UUID, from []domain.InvocationStatus, to domain.InvocationStatus) (bool, error)

	// ListDispatchable возвращает SCHEDULED вызовы, которые пора
	// публиковать: not_before <= now и вызов ещё не публиковался
	// (или публиковался давно — fallback при потере сообщения).
	ListDispatchable(ctx context.Context, now time.Time, redispatchAfter time.Duration, limit int) ([]domain.Invocation, error)

	// MarkInvocationDispatched фиксирует время публикации.
	MarkInvocationDispatched(ctx context.Context, id uuid.UUID, at time.Time) error

	// ListOverdueInvocations возвращает нетерминальные вызовы с истёкшим
	// дедлайном.
	ListOverdueInvocations(ctx context.Context, now time.Time, limit int) ([]domain.Invocation, error)
}

// ScheduleStore — операции над расписаниями batches.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sched *domain.Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)
	ListSchedules(ctx context.Context, limit, offset int) ([]domain.Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, sched *domain.Schedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
	SetScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error

	// BumpSchedule сдвигает next_due_at после создания batch.
	// Условие prevDue защищает от двойного срабатывания при гонке лидеров.
	BumpSchedule(ctx context.Context, id uuid.UUID, prevDue, nextDue time.Time, batchID uuid.UUID) (bool, error)
}

// Store — полный набор хранилищ оркестрации.
type Store interface {
	TaskStore
	BatchStore
	InvocationStore
	ScheduleStore
}
