package domain

// TaskStatus — статус выполнения task (конвейер одного subject).
//
// Жизненный цикл:
//
//	PENDING → RUNNING → COMPLETED
//	                  ↘ ERROR
//	          (или) → CANCELLED (из PENDING или RUNNING)
type TaskStatus string

const (
	// TaskStatusPending — task создан, но конвейер ещё не запущен.
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusRunning — первый worker приглашён, конвейер выполняется.
	TaskStatusRunning TaskStatus = "RUNNING"

	// TaskStatusCompleted — все фазы завершены, артефакт решения собран.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusError — конвейер остановлен ошибкой (hard-фаза или финальное решение).
	TaskStatusError TaskStatus = "ERROR"

	// TaskStatusCancelled — task отменён, новые workers не приглашаются.
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusError, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// BatchStatus — статус batch (группа tasks с одним агрегирующим действием).
//
// Жизненный цикл:
//
//	PENDING → RUNNING → AGGREGATING → COMPLETED
//	                                ↘ ERROR
//	          (или) → CANCELLED (из любого нефинального)
type BatchStatus string

const (
	// BatchStatusPending — batch создан, fan-out ещё не выполнен.
	BatchStatusPending BatchStatus = "PENDING"

	// BatchStatusRunning — member tasks созданы и выполняются.
	BatchStatusRunning BatchStatus = "RUNNING"

	// BatchStatusAggregating — все tasks терминальны, агрегирующее действие запущено.
	BatchStatusAggregating BatchStatus = "AGGREGATING"

	// BatchStatusCompleted — агрегирующее действие записало результат.
	BatchStatusCompleted BatchStatus = "COMPLETED"

	// BatchStatusError — агрегирующее действие завершилось ошибкой.
	BatchStatusError BatchStatus = "ERROR"

	// BatchStatusCancelled — batch отменён.
	BatchStatusCancelled BatchStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusError, BatchStatusCancelled:
		return true
	default:
		return false
	}
}

// InvocationStatus — статус одного вызова worker'а (одна попытка).
//
// Жизненный цикл:
//
//	SCHEDULED → RUNNING → COMPLETED
//	                    ↘ TIMED_OUT (watchdog: дедлайн истёк без результата)
type InvocationStatus string

const (
	// InvocationStatusScheduled — вызов создан, worker ещё не взял его в работу.
	InvocationStatusScheduled InvocationStatus = "SCHEDULED"

	// InvocationStatusRunning — worker подтвердил начало выполнения.
	InvocationStatusRunning InvocationStatus = "RUNNING"

	// InvocationStatusCompleted — worker записал терминальный результат.
	InvocationStatusCompleted InvocationStatus = "COMPLETED"

	// InvocationStatusTimedOut — watchdog зафиксировал таймаут.
	InvocationStatusTimedOut InvocationStatus = "TIMED_OUT"
)

// IsTerminal возвращает true, если статус финальный.
func (s InvocationStatus) IsTerminal() bool {
	switch s {
	case InvocationStatusCompleted, InvocationStatusTimedOut:
		return true
	default:
		return false
	}
}
