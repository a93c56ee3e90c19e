package coordinator

import "errors"

// Ошибки координатора.
var (
	// ErrTaskNotFound — task не найден в БД.
	ErrTaskNotFound = errors.New("task not found")

	// ErrBatchNotFound — batch не найден в БД.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrUnknownPhase — current_phase task'а отсутствует в плане.
	ErrUnknownPhase = errors.New("unknown phase")

	// ErrEmptyPlan — план не содержит ни одной эффективной фазы.
	ErrEmptyPlan = errors.New("no effective phases in plan")
)
