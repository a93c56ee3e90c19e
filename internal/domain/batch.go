package domain

import (
	"time"

	"github.com/google/uuid"
)

// Batch — группа tasks с одним агрегирующим действием
// (например: проанализировать N инструментов, затем один шаг аллокации).
//
// Ключевой инвариант — AggregateTriggered выставляется ровно один раз
// атомарным условным обновлением store: это единственное, что мешает
// двум tasks, финиширующим с разницей в миллисекунды, обоим запустить
// агрегирующее действие.
type Batch struct {
	// ID — уникальный идентификатор batch.
	ID uuid.UUID `json:"id"`

	// Owner — владелец batch.
	Owner string `json:"owner"`

	// TaskIDs — member tasks; множество фиксируется при fan-out
	// и больше не меняется.
	TaskIDs []uuid.UUID `json:"task_ids,omitempty"`

	// Subjects — subjects, для которых создаются tasks.
	Subjects []string `json:"subjects"`

	// Status — текущий статус batch.
	Status BatchStatus `json:"status"`

	// SkipPhases — опциональные фазы, пропускаемые каждым member task.
	SkipPhases []Phase `json:"skip_phases,omitempty"`

	// AggregateTriggered — флаг «агрегирующее действие уже запущено».
	// Выставляется ровно один раз условным обновлением.
	AggregateTriggered bool `json:"aggregate_triggered"`

	// CancelRequested — монотонный флаг отмены.
	CancelRequested bool `json:"cancel_requested"`

	// IdempotencyKey — ключ идемпотентности для предотвращения дубликатов.
	// Для scheduled batches: "{schedule_id}_{next_due_at}".
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// AggregateResult — результат агрегирующего действия.
	AggregateResult map[string]any `json:"aggregate_result,omitempty"`

	// Error — текст ошибки, если batch завершился с ERROR.
	Error string `json:"error,omitempty"`

	// CreatedAt — время создания batch.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBatch создаёт batch в статусе PENDING.
func NewBatch(owner string, subjects []string, skip []Phase, idempotencyKey string) *Batch {
	now := time.Now()
	return &Batch{
		ID:             uuid.New(),
		Owner:          owner,
		Subjects:       subjects,
		Status:         BatchStatusPending,
		SkipPhases:     skip,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsFinished возвращает true, если batch в терминальном статусе.
func (b *Batch) IsFinished() bool {
	return b.Status.IsTerminal()
}

// Size возвращает количество member tasks.
func (b *Batch) Size() int {
	return len(b.TaskIDs)
}
