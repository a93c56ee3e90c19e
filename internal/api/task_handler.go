package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/mq"
	"github.com/shaiso/consilium/internal/store"
)

// ListTasks возвращает список tasks с фильтрацией.
// GET /api/v1/tasks?owner=...&batch_id=...&status=...&limit=...&offset=...
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskFilter{
		Owner:  r.URL.Query().Get("owner"),
		Status: domain.TaskStatus(r.URL.Query().Get("status")),
		Limit:  parseIntParam(r, "limit", 50),
		Offset: parseIntParam(r, "offset", 0),
	}

	if batchIDStr := r.URL.Query().Get("batch_id"); batchIDStr != "" {
		batchID, err := uuid.Parse(batchIDStr)
		if err != nil {
			BadRequest(w, "invalid batch_id")
			return
		}
		filter.BatchID = &batchID
	}

	tasks, err := h.store.ListTasks(r.Context(), filter)
	if HandleStoreError(w, h.logger, err, "") {
		return
	}

	result := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		result[i] = TaskFromDomain(t)
	}

	List(w, result, len(result))
}

// CreateTask запускает анализ одного subject.
// POST /api/v1/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Subject == "" {
		BadRequest(w, "subject is required")
		return
	}
	if req.Owner == "" {
		BadRequest(w, "owner is required")
		return
	}
	if err := h.validateSkipPhases(req.SkipPhases); err != nil {
		BadRequest(w, err.Error())
		return
	}

	task := domain.NewTask(req.Subject, req.Owner, nil, req.SkipPhases)

	if err := h.store.CreateTask(r.Context(), task); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	// Публикуем событие в очередь
	if h.publisher != nil {
		if err := h.publisher.PublishTaskPending(r.Context(), task.ID); err != nil {
			// Не фатальная ошибка — Coordinator заберёт task через polling
			h.logger.Warn("failed to publish task.pending", "task_id", task.ID, "error", err)
		}
	}

	Created(w, TaskFromDomain(*task))
}

// GetTask возвращает task по ID.
// GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	task, err := h.store.GetTask(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "task not found") {
		return
	}

	Success(w, TaskFromDomain(*task))
}

// GetTaskResults возвращает результаты workers по фазам.
// GET /api/v1/tasks/{id}/results
func (h *Handler) GetTaskResults(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	task, err := h.store.GetTask(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "task not found") {
		return
	}

	Success(w, TaskResultsResponse{
		TaskID:       task.ID,
		Status:       string(task.Status),
		PhaseResults: task.PhaseResults,
	})
}

// CancelTask запрашивает отмену task.
// POST /api/v1/tasks/{id}/cancel
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	task, err := h.store.GetTask(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "task not found") {
		return
	}

	if task.IsFinished() {
		InvalidState(w, "task is already finished")
		return
	}

	// Флаг монотонный: повторный запрос — no-op.
	if _, err := h.store.RequestTaskCancel(r.Context(), id); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	// Событие ускоряет сходимость; при потере отмену применит
	// координатор на ближайшем событии task'а.
	if h.publisher != nil {
		if err := h.publisher.PublishCancel(r.Context(), mq.CancelPayload{TaskID: &id}); err != nil {
			h.logger.Warn("failed to publish control.cancel", "task_id", id, "error", err)
		}
	}

	task, err = h.store.GetTask(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "task not found") {
		return
	}

	Success(w, TaskFromDomain(*task))
}

// validateSkipPhases проверяет, что пропускаются только Optional-фазы плана.
func (h *Handler) validateSkipPhases(skip []domain.Phase) error {
	return h.plan.ValidateSkip(skip)
}

// parseIntParam парсит числовой query-параметр с default значением.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
