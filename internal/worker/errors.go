package worker

import "errors"

// Ошибки воркера.
var (
	// ErrTaskNotFound — task не найден в БД.
	ErrTaskNotFound = errors.New("task not found")

	// ErrBatchNotFound — batch не найден в БД.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrUnknownRole — нет аналитика для данной роли.
	ErrUnknownRole = errors.New("unknown analyst role")

	// ErrCompletionRequest — запрос к completion-сервису не выполнился.
	ErrCompletionRequest = errors.New("completion request failed")

	// ErrRetryScheduled — completion-сервис отложил выполнение;
	// результата нет, retry делает watchdog.
	ErrRetryScheduled = errors.New("completion retry scheduled upstream")
)
