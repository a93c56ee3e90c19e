package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/store"
)

const scheduleColumns = `id, name, owner, subjects, skip_phases, cron_expr, interval_sec,
       timezone, enabled, next_due_at, last_run_at, last_batch_id, created_at, updated_at`

// ScheduleStore — хранилище расписаний.
type ScheduleStore struct {
	pool *pgxpool.Pool
}

// NewScheduleStore создаёт новый ScheduleStore.
func NewScheduleStore(pool *pgxpool.Pool) *ScheduleStore {
	return &ScheduleStore{pool: pool}
}

// CreateSchedule создаёт новое расписание.
func (s *ScheduleStore) CreateSchedule(ctx context.Context, sched *domain.Schedule) error {
	subjectsJSON, err := json.Marshal(sched.Subjects)
	if err != nil {
		return fmt.Errorf("marshal subjects: %w", err)
	}
	skipJSON, err := json.Marshal(sched.SkipPhases)
	if err != nil {
		return fmt.Errorf("marshal skip_phases: %w", err)
	}

	query := `
		INSERT INTO schedules (id, name, owner, subjects, skip_phases, cron_expr, interval_sec,
		                       timezone, enabled, next_due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := s.pool.Exec(ctx, query,
		sched.ID,
		nullString(sched.Name),
		sched.Owner,
		subjectsJSON,
		skipJSON,
		nullString(sched.CronExpr),
		nullInt(sched.IntervalSec),
		sched.Timezone,
		sched.Enabled,
		sched.NextDueAt,
		sched.CreatedAt,
		sched.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

// GetSchedule возвращает расписание по ID.
func (s *ScheduleStore) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`
	return scanSchedule(s.pool.QueryRow(ctx, query, id))
}

// ListSchedules возвращает список расписаний.
func (s *ScheduleStore) ListSchedules(ctx context.Context, limit, offset int) ([]domain.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		ORDER BY created_at ASC
		LIMIT $1 OFFSET $2
	`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListDueSchedules возвращает активные расписания, чьё время подошло.
func (s *ScheduleStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE enabled = true
		  AND next_due_at IS NOT NULL
		  AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// UpdateSchedule обновляет расписание целиком.
func (s *ScheduleStore) UpdateSchedule(ctx context.Context, sched *domain.Schedule) error {
	subjectsJSON, err := json.Marshal(sched.Subjects)
	if err != nil {
		return fmt.Errorf("marshal subjects: %w", err)
	}
	skipJSON, err := json.Marshal(sched.SkipPhases)
	if err != nil {
		return fmt.Errorf("marshal skip_phases: %w", err)
	}

	query := `
		UPDATE schedules
		SET name = $2, subjects = $3, skip_phases = $4, cron_expr = $5,
		    interval_sec = $6, timezone = $7, enabled = $8, next_due_at = $9,
		    updated_at = now()
		WHERE id = $1
	`
	result, err := s.pool.Exec(ctx, query,
		sched.ID,
		nullString(sched.Name),
		subjectsJSON,
		skipJSON,
		nullString(sched.CronExpr),
		nullInt(sched.IntervalSec),
		sched.Timezone,
		sched.Enabled,
		sched.NextDueAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteSchedule удаляет расписание.
func (s *ScheduleStore) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetScheduleEnabled включает или выключает расписание.
func (s *ScheduleStore) SetScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	query := `UPDATE schedules SET enabled = $2, updated_at = now() WHERE id = $1`
	result, err := s.pool.Exec(ctx, query, id, enabled)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// BumpSchedule сдвигает next_due_at после создания batch.
// Условие next_due_at = prevDue гасит гонку двух лидеров: второй
// получает applied=false и не создаёт дубль.
func (s *ScheduleStore) BumpSchedule(ctx context.Context, id uuid.UUID, prevDue, nextDue time.Time, batchID uuid.UUID) (bool, error) {
	query := `
		UPDATE schedules
		SET next_due_at = $3, last_run_at = now(), last_batch_id = $4, updated_at = now()
		WHERE id = $1 AND next_due_at = $2
	`
	result, err := s.pool.Exec(ctx, query, id, prevDue, nextDue, batchID)
	if err != nil {
		return false, fmt.Errorf("bump schedule: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// --- Helpers ---

func nullInt(i int) *int {
	if i == 0 {
		return nil
	}
	return &i
}

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var sched domain.Schedule
	var subjectsJSON, skipJSON []byte
	var name, cronExpr *string
	var intervalSec *int

	err := row.Scan(
		&sched.ID,
		&name,
		&sched.Owner,
		&subjectsJSON,
		&skipJSON,
		&cronExpr,
		&intervalSec,
		&sched.Timezone,
		&sched.Enabled,
		&sched.NextDueAt,
		&sched.LastRunAt,
		&sched.LastBatchID,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	if subjectsJSON != nil {
		if err := json.Unmarshal(subjectsJSON, &sched.Subjects); err != nil {
			return nil, fmt.Errorf("unmarshal subjects: %w", err)
		}
	}
	if skipJSON != nil {
		if err := json.Unmarshal(skipJSON, &sched.SkipPhases); err != nil {
			return nil, fmt.Errorf("unmarshal skip_phases: %w", err)
		}
	}
	if name != nil {
		sched.Name = *name
	}
	if cronExpr != nil {
		sched.CronExpr = *cronExpr
	}
	if intervalSec != nil {
		sched.IntervalSec = *intervalSec
	}
	return &sched, nil
}

func collectSchedules(rows pgx.Rows) ([]domain.Schedule, error) {
	var schedules []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *sched)
	}
	return schedules, rows.Err()
}
