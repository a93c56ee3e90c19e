package domain

import (
	"time"

	"github.com/google/uuid"
)

// Invocation — одна попытка вызова worker'а для (task, phase, role, round).
//
// Invocation — персистентное состояние watchdog'а: по DeadlineAt
// watchdog находит зависшие вызовы и либо создаёт попытку attempt+1,
// либо записывает терминальный результат с ErrorKindTimeout.
//
// Уникальность (task_id, phase, role, round, attempt) гарантирует,
// что повторные уведомления не порождают дублирующий fan-out.
type Invocation struct {
	// ID — уникальный идентификатор вызова.
	ID uuid.UUID `json:"id"`

	// TaskID — task, к которому относится вызов.
	TaskID uuid.UUID `json:"task_id"`

	// Phase — фаза, в которой выполняется worker.
	Phase Phase `json:"phase"`

	// Role — роль worker'а.
	Role Role `json:"role"`

	// Round — номер раунда для debate-фаз (0 для обычных фаз).
	Round int `json:"round,omitempty"`

	// Attempt — номер попытки (с 1). Увеличивается watchdog'ом.
	Attempt int `json:"attempt"`

	// Status — состояние вызова.
	Status InvocationStatus `json:"status"`

	// NotBefore — не публиковать вызов раньше этого времени
	// (фиксированная задержка между retry).
	NotBefore time.Time `json:"not_before"`

	// DeadlineAt — дедлайн: если к этому моменту нет терминального
	// результата, watchdog переводит вызов в TIMED_OUT.
	DeadlineAt time.Time `json:"deadline_at"`

	// DispatchedAt — время последней публикации в очередь workers.invoke.
	// Nil, если вызов ещё не публиковался.
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`

	// CreatedAt — время создания вызова.
	CreatedAt time.Time `json:"created_at"`
}

// NewInvocation создаёт вызов в статусе SCHEDULED.
// timeout отсчитывается от notBefore: дедлайн учитывает задержку retry.
func NewInvocation(taskID uuid.UUID, phase Phase, role Role, round, attempt int, notBefore time.Time, timeout time.Duration) *Invocation {
	return &Invocation{
		ID:         uuid.New(),
		TaskID:     taskID,
		Phase:      phase,
		Role:       role,
		Round:      round,
		Attempt:    attempt,
		Status:     InvocationStatusScheduled,
		NotBefore:  notBefore,
		DeadlineAt: notBefore.Add(timeout),
		CreatedAt:  time.Now(),
	}
}

// IsFinished возвращает true, если вызов в терминальном статусе.
func (i *Invocation) IsFinished() bool {
	return i.Status.IsTerminal()
}

// Overdue возвращает true, если дедлайн вызова истёк.
func (i *Invocation) Overdue(now time.Time) bool {
	return !i.IsFinished() && now.After(i.DeadlineAt)
}

// Due возвращает true, если вызов пора публиковать.
func (i *Invocation) Due(now time.Time) bool {
	return i.Status == InvocationStatusScheduled && !now.Before(i.NotBefore)
}
