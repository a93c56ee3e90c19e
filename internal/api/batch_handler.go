package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/mq"
	"github.com/shaiso/consilium/internal/store"
)

// ListBatches возвращает список batches с фильтрацией.
// GET /api/v1/batches?owner=...&status=...&limit=...&offset=...
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	filter := store.BatchFilter{
		Owner:  r.URL.Query().Get("owner"),
		Status: domain.BatchStatus(r.URL.Query().Get("status")),
		Limit:  parseIntParam(r, "limit", 50),
		Offset: parseIntParam(r, "offset", 0),
	}

	batches, err := h.store.ListBatches(r.Context(), filter)
	if HandleStoreError(w, h.logger, err, "") {
		return
	}

	result := make([]BatchResponse, len(batches))
	for i, b := range batches {
		result[i] = BatchFromDomain(b)
	}

	List(w, result, len(result))
}

// CreateBatch создаёт batch для группы subjects.
// POST /api/v1/batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Owner == "" {
		BadRequest(w, "owner is required")
		return
	}
	if len(req.Subjects) == 0 {
		BadRequest(w, "subjects is required")
		return
	}
	if err := h.plan.ValidateSkip(req.SkipPhases); err != nil {
		BadRequest(w, err.Error())
		return
	}

	// Повторный запрос с тем же ключом возвращает существующий batch.
	if req.IdempotencyKey != "" {
		existing, err := h.store.GetBatchByIdempotencyKey(r.Context(), req.IdempotencyKey)
		if err == nil {
			Success(w, BatchFromDomain(*existing))
			return
		}
	}

	batch := domain.NewBatch(req.Owner, req.Subjects, req.SkipPhases, req.IdempotencyKey)

	if err := h.store.CreateBatch(r.Context(), batch); err != nil {
		// Гонка двух запросов с одним ключом: проигравший забирает
		// batch победителя.
		if req.IdempotencyKey != "" {
			existing, getErr := h.store.GetBatchByIdempotencyKey(r.Context(), req.IdempotencyKey)
			if getErr == nil {
				Success(w, BatchFromDomain(*existing))
				return
			}
		}
		if HandleStoreError(w, h.logger, err, "") {
			return
		}
	}

	if h.publisher != nil {
		if err := h.publisher.PublishBatchPending(r.Context(), batch.ID); err != nil {
			// Не фатальная ошибка — Coordinator заберёт batch через polling
			h.logger.Warn("failed to publish batch.pending", "batch_id", batch.ID, "error", err)
		}
	}

	Created(w, BatchFromDomain(*batch))
}

// GetBatch возвращает batch по ID.
// GET /api/v1/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid batch id")
		return
	}

	batch, err := h.store.GetBatch(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "batch not found") {
		return
	}

	Success(w, BatchFromDomain(*batch))
}

// ListBatchTasks возвращает member tasks batch'а.
// GET /api/v1/batches/{id}/tasks
func (h *Handler) ListBatchTasks(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid batch id")
		return
	}

	if _, err := h.store.GetBatch(r.Context(), id); err != nil {
		HandleStoreError(w, h.logger, err, "batch not found")
		return
	}

	tasks, err := h.store.ListTasksByBatch(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "") {
		return
	}

	result := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		result[i] = TaskFromDomain(t)
	}

	List(w, result, len(result))
}

// CancelBatch запрашивает отмену batch и всех его member tasks.
// POST /api/v1/batches/{id}/cancel
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid batch id")
		return
	}

	batch, err := h.store.GetBatch(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "batch not found") {
		return
	}

	if batch.IsFinished() {
		InvalidState(w, "batch is already finished")
		return
	}

	// Флаг монотонный: повторный запрос — no-op.
	if _, err := h.store.RequestBatchCancel(r.Context(), id); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	// Событие ускоряет сходимость; при потере отмену применит
	// координатор на ближайшем событии batch'а.
	if h.publisher != nil {
		if err := h.publisher.PublishCancel(r.Context(), mq.CancelPayload{BatchID: &id}); err != nil {
			h.logger.Warn("failed to publish control.cancel", "batch_id", id, "error", err)
		}
	}

	batch, err = h.store.GetBatch(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "batch not found") {
		return
	}

	Success(w, BatchFromDomain(*batch))
}
