package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/store"
)

const batchColumns = `id, owner, task_ids, subjects, status, skip_phases, aggregate_triggered,
       cancel_requested, idempotency_key, aggregate_result, error, created_at, updated_at`

// BatchStore — хранилище batches.
type BatchStore struct {
	pool *pgxpool.Pool
}

// NewBatchStore создаёт новый BatchStore.
func NewBatchStore(pool *pgxpool.Pool) *BatchStore {
	return &BatchStore{pool: pool}
}

// CreateBatch создаёт новый batch.
// Конфликт по idempotency_key возвращает ErrAlreadyExists: повторный
// запуск той же scheduled-итерации не создаёт второй batch.
func (s *BatchStore) CreateBatch(ctx context.Context, batch *domain.Batch) error {
	taskIDsJSON, err := json.Marshal(batch.TaskIDs)
	if err != nil {
		return fmt.Errorf("marshal task_ids: %w", err)
	}
	subjectsJSON, err := json.Marshal(batch.Subjects)
	if err != nil {
		return fmt.Errorf("marshal subjects: %w", err)
	}
	skipJSON, err := json.Marshal(batch.SkipPhases)
	if err != nil {
		return fmt.Errorf("marshal skip_phases: %w", err)
	}

	query := `
		INSERT INTO batches (id, owner, task_ids, subjects, status, skip_phases,
		                     aggregate_triggered, cancel_requested, idempotency_key,
		                     error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING
	`
	result, err := s.pool.Exec(ctx, query,
		batch.ID,
		batch.Owner,
		taskIDsJSON,
		subjectsJSON,
		batch.Status,
		skipJSON,
		batch.AggregateTriggered,
		batch.CancelRequested,
		nullString(batch.IdempotencyKey),
		nullString(batch.Error),
		batch.CreatedAt,
		batch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

// GetBatch возвращает batch по ID.
func (s *BatchStore) GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	return scanBatch(s.pool.QueryRow(ctx, query, id))
}

// GetBatchByIdempotencyKey возвращает batch по ключу идемпотентности.
func (s *BatchStore) GetBatchByIdempotencyKey(ctx context.Context, key string) (*domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE idempotency_key = $1`
	return scanBatch(s.pool.QueryRow(ctx, query, key))
}

// ListBatches возвращает список batches с фильтрацией.
func (s *BatchStore) ListBatches(ctx context.Context, filter store.BatchFilter) ([]domain.Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE ($1::text IS NULL OR owner = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at ASC
		LIMIT $3 OFFSET $4
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, query,
		nullString(filter.Owner),
		nullString(string(filter.Status)),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

// ListPendingBatches возвращает batches в статусе PENDING (polling fallback).
func (s *BatchStore) ListPendingBatches(ctx context.Context, limit int) ([]domain.Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending batches: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

// SetBatchTasks фиксирует множество member tasks после fan-out.
func (s *BatchStore) SetBatchTasks(ctx context.Context, id uuid.UUID, taskIDs []uuid.UUID) error {
	taskIDsJSON, err := json.Marshal(taskIDs)
	if err != nil {
		return fmt.Errorf("marshal task_ids: %w", err)
	}

	query := `UPDATE batches SET task_ids = $2, updated_at = now() WHERE id = $1`
	result, err := s.pool.Exec(ctx, query, id, taskIDsJSON)
	if err != nil {
		return fmt.Errorf("set batch tasks: %w", err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetBatchStatus переводит статус из одного из from в to.
func (s *BatchStore) SetBatchStatus(ctx context.Context, id uuid.UUID, from []domain.BatchStatus, to domain.BatchStatus, errMsg string) (bool, error) {
	query := `
		UPDATE batches
		SET status = $3,
		    error = CASE WHEN $4::text IS NULL THEN error ELSE $4 END,
		    updated_at = now()
		WHERE id = $1 AND status = ANY($2)
	`
	result, err := s.pool.Exec(ctx, query, id, statusList(from), to, nullString(errMsg))
	if err != nil {
		return false, fmt.Errorf("set batch status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// TryTriggerAggregate атомарно выставляет aggregate_triggered, если все
// member tasks терминальны. Предусловие целиком в WHERE: при любом числе
// конкурентных вызовов строку обновит ровно один.
func (s *BatchStore) TryTriggerAggregate(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE batches b
		SET aggregate_triggered = true, status = 'AGGREGATING', updated_at = now()
		WHERE b.id = $1
		  AND b.status = 'RUNNING'
		  AND b.aggregate_triggered = false
		  AND b.cancel_requested = false
		  AND jsonb_array_length(b.task_ids) > 0
		  AND NOT EXISTS (
		      SELECT 1 FROM tasks t
		      WHERE t.batch_id = b.id
		        AND t.status NOT IN ('COMPLETED', 'ERROR', 'CANCELLED')
		  )
	`
	result, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("try trigger aggregate: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// TryFinishCancelled переводит отменяемый batch в CANCELLED, когда все
// member tasks дошли до терминального статуса.
func (s *BatchStore) TryFinishCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE batches b
		SET status = 'CANCELLED', updated_at = now()
		WHERE b.id = $1
		  AND b.cancel_requested = true
		  AND b.status NOT IN ('COMPLETED', 'ERROR', 'CANCELLED')
		  AND NOT EXISTS (
		      SELECT 1 FROM tasks t
		      WHERE t.batch_id = b.id
		        AND t.status NOT IN ('COMPLETED', 'ERROR', 'CANCELLED')
		  )
	`
	result, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("try finish cancelled: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// CompleteAggregate записывает результат агрегирующего действия.
func (s *BatchStore) CompleteAggregate(ctx context.Context, id uuid.UUID, result map[string]any, errMsg string) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal aggregate result: %w", err)
	}

	query := `
		UPDATE batches
		SET aggregate_result = $2,
		    error = CASE WHEN $3::text IS NULL THEN error ELSE $3 END,
		    status = CASE WHEN $3::text IS NULL THEN 'COMPLETED' ELSE 'ERROR' END,
		    updated_at = now()
		WHERE id = $1 AND status = 'AGGREGATING'
	`
	tag, err := s.pool.Exec(ctx, query, id, resultJSON, nullString(errMsg))
	if err != nil {
		return false, fmt.Errorf("complete aggregate: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RequestBatchCancel выставляет cancel_requested=true (монотонно).
func (s *BatchStore) RequestBatchCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE batches
		SET cancel_requested = true, updated_at = now()
		WHERE id = $1
		  AND cancel_requested = false
		  AND status NOT IN ('COMPLETED', 'ERROR', 'CANCELLED')
	`
	result, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("request batch cancel: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// --- Helpers ---

func scanBatch(row pgx.Row) (*domain.Batch, error) {
	var batch domain.Batch
	var taskIDsJSON, subjectsJSON, skipJSON, resultJSON []byte
	var idempotencyKey, batchError *string

	err := row.Scan(
		&batch.ID,
		&batch.Owner,
		&taskIDsJSON,
		&subjectsJSON,
		&batch.Status,
		&skipJSON,
		&batch.AggregateTriggered,
		&batch.CancelRequested,
		&idempotencyKey,
		&resultJSON,
		&batchError,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}

	if taskIDsJSON != nil {
		if err := json.Unmarshal(taskIDsJSON, &batch.TaskIDs); err != nil {
			return nil, fmt.Errorf("unmarshal task_ids: %w", err)
		}
	}
	if subjectsJSON != nil {
		if err := json.Unmarshal(subjectsJSON, &batch.Subjects); err != nil {
			return nil, fmt.Errorf("unmarshal subjects: %w", err)
		}
	}
	if skipJSON != nil {
		if err := json.Unmarshal(skipJSON, &batch.SkipPhases); err != nil {
			return nil, fmt.Errorf("unmarshal skip_phases: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &batch.AggregateResult); err != nil {
			return nil, fmt.Errorf("unmarshal aggregate_result: %w", err)
		}
	}
	if idempotencyKey != nil {
		batch.IdempotencyKey = *idempotencyKey
	}
	if batchError != nil {
		batch.Error = *batchError
	}
	return &batch, nil
}

func collectBatches(rows pgx.Rows) ([]domain.Batch, error) {
	var batches []domain.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *batch)
	}
	return batches, rows.Err()
}
