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

const taskColumns = `id, subject, owner, batch_id, status, current_phase, phase_results,
       skip_phases, cancel_requested, error, created_at, updated_at`

// TaskStore — хранилище tasks.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore создаёт новый TaskStore.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

// CreateTask создаёт новый task.
func (s *TaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	resultsJSON, err := json.Marshal(task.PhaseResults)
	if err != nil {
		return fmt.Errorf("marshal phase_results: %w", err)
	}
	skipJSON, err := json.Marshal(task.SkipPhases)
	if err != nil {
		return fmt.Errorf("marshal skip_phases: %w", err)
	}

	query := `
		INSERT INTO tasks (id, subject, owner, batch_id, status, current_phase, phase_results,
		                   skip_phases, cancel_requested, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := s.pool.Exec(ctx, query,
		task.ID,
		task.Subject,
		task.Owner,
		task.BatchID,
		task.Status,
		task.CurrentPhase,
		resultsJSON,
		skipJSON,
		task.CancelRequested,
		nullString(task.Error),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

// GetTask возвращает task по ID.
func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(s.pool.QueryRow(ctx, query, id))
}

// ListTasks возвращает список tasks с фильтрацией.
func (s *TaskStore) ListTasks(ctx context.Context, filter store.TaskFilter) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE ($1::text IS NULL OR owner = $1)
		  AND ($2::uuid IS NULL OR batch_id = $2)
		  AND ($3::text IS NULL OR status = $3)
		ORDER BY created_at ASC
		LIMIT $4 OFFSET $5
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, query,
		nullString(filter.Owner),
		filter.BatchID,
		nullString(string(filter.Status)),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListPendingTasks возвращает tasks в статусе PENDING (polling fallback).
func (s *TaskStore) ListPendingTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksByBatch возвращает все member tasks batch'а.
func (s *TaskStore) ListTasksByBatch(ctx context.Context, batchID uuid.UUID) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE batch_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by batch: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ApplyResult записывает результат worker'а в phase_results по ключу
// (phase, role), полностью заменяя запись. Одним стейтментом, поэтому
// повторная доставка того же результата безопасна.
func (s *TaskStore) ApplyResult(ctx context.Context, taskID uuid.UUID, phase domain.Phase, res domain.WorkerResult) (*domain.Task, error) {
	resJSON, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	query := `
		UPDATE tasks
		SET phase_results = jsonb_set(
		        phase_results,
		        ARRAY[$2::text],
		        COALESCE(phase_results -> $2, '{}'::jsonb) || jsonb_build_object($3::text, $4::jsonb)
		    ),
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + taskColumns + `
	`
	return scanTask(s.pool.QueryRow(ctx, query, taskID, string(phase), string(res.Role), resJSON))
}

// AdvancePhase переводит current_phase из from в to.
func (s *TaskStore) AdvancePhase(ctx context.Context, taskID uuid.UUID, from, to domain.Phase) (bool, error) {
	query := `
		UPDATE tasks
		SET current_phase = $3, updated_at = now()
		WHERE id = $1
		  AND current_phase = $2
		  AND status NOT IN ('COMPLETED', 'ERROR', 'CANCELLED')
	`
	result, err := s.pool.Exec(ctx, query, taskID, from, to)
	if err != nil {
		return false, fmt.Errorf("advance phase: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// SetTaskStatus переводит статус из одного из from в to.
func (s *TaskStore) SetTaskStatus(ctx context.Context, taskID uuid.UUID, from []domain.TaskStatus, to domain.TaskStatus, errMsg string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $3,
		    error = CASE WHEN $4::text IS NULL THEN error ELSE $4 END,
		    updated_at = now()
		WHERE id = $1 AND status = ANY($2)
	`
	result, err := s.pool.Exec(ctx, query, taskID, statusList(from), to, nullString(errMsg))
	if err != nil {
		return false, fmt.Errorf("set task status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// RequestTaskCancel выставляет cancel_requested=true (монотонно).
func (s *TaskStore) RequestTaskCancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	query := `
		UPDATE tasks
		SET cancel_requested = true, updated_at = now()
		WHERE id = $1
		  AND cancel_requested = false
		  AND status NOT IN ('COMPLETED', 'ERROR', 'CANCELLED')
	`
	result, err := s.pool.Exec(ctx, query, taskID)
	if err != nil {
		return false, fmt.Errorf("request task cancel: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// --- Helpers ---

func statusList[T ~string](list []T) []string {
	out := make([]string, len(list))
	for i, v := range list {
		out[i] = string(v)
	}
	return out
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var resultsJSON, skipJSON []byte
	var taskError *string

	err := row.Scan(
		&task.ID,
		&task.Subject,
		&task.Owner,
		&task.BatchID,
		&task.Status,
		&task.CurrentPhase,
		&resultsJSON,
		&skipJSON,
		&task.CancelRequested,
		&taskError,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if resultsJSON != nil {
		if err := json.Unmarshal(resultsJSON, &task.PhaseResults); err != nil {
			return nil, fmt.Errorf("unmarshal phase_results: %w", err)
		}
	}
	if skipJSON != nil {
		if err := json.Unmarshal(skipJSON, &task.SkipPhases); err != nil {
			return nil, fmt.Errorf("unmarshal skip_phases: %w", err)
		}
	}
	if taskError != nil {
		task.Error = *taskError
	}
	return &task, nil
}

func collectTasks(rows pgx.Rows) ([]domain.Task, error) {
	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}
