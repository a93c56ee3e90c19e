package domain

import (
	"time"

	"github.com/google/uuid"
)

// Task — одно сквозное выполнение конвейера для одного subject.
//
// Task создаётся когда:
// - Batch Coordinator делает fan-out для batch
// - Пользователь запускает анализ одного subject напрямую (API/CLI)
//
// Task мутируется только координатором и записями результатов workers,
// и все переходы, важные для корректности, идут через условные
// обновления store (никаких read-then-write).
type Task struct {
	// ID — уникальный идентификатор task.
	ID uuid.UUID `json:"id"`

	// Subject — непрозрачный доменный ключ анализируемого объекта
	// (например тикер инструмента).
	Subject string `json:"subject"`

	// Owner — владелец task.
	Owner string `json:"owner"`

	// BatchID — слабая обратная ссылка на batch (nil для одиночных tasks).
	// Task не владеет batch'ем.
	BatchID *uuid.UUID `json:"batch_id,omitempty"`

	// Status — текущий статус выполнения.
	Status TaskStatus `json:"status"`

	// CurrentPhase — имя текущей фазы плана.
	CurrentPhase Phase `json:"current_phase,omitempty"`

	// PhaseResults — результаты workers по ключу (phase, role).
	PhaseResults PhaseResults `json:"phase_results,omitempty"`

	// SkipPhases — опциональные фазы, которые этот task пропускает.
	SkipPhases []Phase `json:"skip_phases,omitempty"`

	// CancelRequested — монотонный флаг отмены (false → true, никогда обратно).
	// Уже записанные результаты при отмене не удаляются.
	CancelRequested bool `json:"cancel_requested"`

	// Error — текст ошибки, если task завершился с ERROR.
	Error string `json:"error,omitempty"`

	// CreatedAt — время создания task.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTask создаёт task в статусе PENDING.
func NewTask(subject, owner string, batchID *uuid.UUID, skip []Phase) *Task {
	now := time.Now()
	return &Task{
		ID:           uuid.New(),
		Subject:      subject,
		Owner:        owner,
		BatchID:      batchID,
		Status:       TaskStatusPending,
		PhaseResults: make(PhaseResults),
		SkipPhases:   skip,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsFinished возвращает true, если task в терминальном статусе.
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}

// Skips возвращает true, если фаза помечена к пропуску для этого task.
func (t *Task) Skips(phase Phase) bool {
	for _, p := range t.SkipPhases {
		if p == phase {
			return true
		}
	}
	return false
}

// Result возвращает результат worker'а для (phase, role).
func (t *Task) Result(phase Phase, role Role) (WorkerResult, bool) {
	return t.PhaseResults.Get(phase, role)
}
