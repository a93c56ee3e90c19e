package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/store"
)

const invocationColumns = `id, task_id, phase, role, round, attempt, status,
       not_before, deadline_at, dispatched_at, created_at`

// InvocationStore — хранилище вызовов workers.
type InvocationStore struct {
	pool *pgxpool.Pool
}

// NewInvocationStore создаёт новый InvocationStore.
func NewInvocationStore(pool *pgxpool.Pool) *InvocationStore {
	return &InvocationStore{pool: pool}
}

// CreateInvocation создаёт вызов. Уникальный индекс по
// (task_id, phase, role, round, attempt) гасит дублирующий fan-out:
// проигравший конкурент получает applied=false, не ошибку.
func (s *InvocationStore) CreateInvocation(ctx context.Context, inv *domain.Invocation) (bool, error) {
	query := `
		INSERT INTO invocations (id, task_id, phase, role, round, attempt, status,
		                         not_before, deadline_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (task_id, phase, role, round, attempt) DO NOTHING
	`
	result, err := s.pool.Exec(ctx, query,
		inv.ID,
		inv.TaskID,
		inv.Phase,
		inv.Role,
		inv.Round,
		inv.Attempt,
		inv.Status,
		inv.NotBefore,
		inv.DeadlineAt,
		inv.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert invocation: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// GetInvocation возвращает вызов по ID.
func (s *InvocationStore) GetInvocation(ctx context.Context, id uuid.UUID) (*domain.Invocation, error) {
	query := `SELECT ` + invocationColumns + ` FROM invocations WHERE id = $1`
	return scanInvocation(s.pool.QueryRow(ctx, query, id))
}

// SetInvocationStatus переводит статус из одного из from в to.
func (s *InvocationStore) SetInvocationStatus(ctx context.Context, id uuid.UUID, from []domain.InvocationStatus, to domain.InvocationStatus) (bool, error) {
	query := `UPDATE invocations SET status = $3 WHERE id = $1 AND status = ANY($2)`
	result, err := s.pool.Exec(ctx, query, id, statusList(from), to)
	if err != nil {
		return false, fmt.Errorf("set invocation status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListDispatchable возвращает SCHEDULED вызовы, которые пора публиковать.
// Уже опубликованные попадают в выборку снова только спустя
// redispatchAfter — страховка на случай потерянного сообщения.
func (s *InvocationStore) ListDispatchable(ctx context.Context, now time.Time, redispatchAfter time.Duration, limit int) ([]domain.Invocation, error) {
	query := `
		SELECT ` + invocationColumns + `
		FROM invocations
		WHERE status = 'SCHEDULED'
		  AND not_before <= $1
		  AND (dispatched_at IS NULL OR dispatched_at <= $2)
		ORDER BY not_before ASC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, now, now.Add(-redispatchAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable invocations: %w", err)
	}
	defer rows.Close()
	return collectInvocations(rows)
}

// MarkInvocationDispatched фиксирует время публикации.
func (s *InvocationStore) MarkInvocationDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE invocations SET dispatched_at = $2 WHERE id = $1`
	result, err := s.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark invocation dispatched: %w", err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListOverdueInvocations возвращает нетерминальные вызовы с истёкшим
// дедлайном — вход watchdog'а.
func (s *InvocationStore) ListOverdueInvocations(ctx context.Context, now time.Time, limit int) ([]domain.Invocation, error) {
	query := `
		SELECT ` + invocationColumns + `
		FROM invocations
		WHERE status IN ('SCHEDULED', 'RUNNING')
		  AND deadline_at < $1
		ORDER BY deadline_at ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue invocations: %w", err)
	}
	defer rows.Close()
	return collectInvocations(rows)
}

// --- Helpers ---

func scanInvocation(row pgx.Row) (*domain.Invocation, error) {
	var inv domain.Invocation

	err := row.Scan(
		&inv.ID,
		&inv.TaskID,
		&inv.Phase,
		&inv.Role,
		&inv.Round,
		&inv.Attempt,
		&inv.Status,
		&inv.NotBefore,
		&inv.DeadlineAt,
		&inv.DispatchedAt,
		&inv.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan invocation: %w", err)
	}
	return &inv, nil
}

func collectInvocations(rows pgx.Rows) ([]domain.Invocation, error) {
	var invs []domain.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		invs = append(invs, *inv)
	}
	return invs, rows.Err()
}
