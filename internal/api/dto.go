package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/consilium/internal/domain"
)

// Task DTOs

// CreateTaskRequest — запрос на запуск анализа одного subject.
type CreateTaskRequest struct {
	Subject    string         `json:"subject"`
	Owner      string         `json:"owner"`
	SkipPhases []domain.Phase `json:"skip_phases,omitempty"`
}

// TaskResponse — ответ с task.
type TaskResponse struct {
	ID              uuid.UUID      `json:"id"`
	Subject         string         `json:"subject"`
	Owner           string         `json:"owner"`
	BatchID         *uuid.UUID     `json:"batch_id,omitempty"`
	Status          string         `json:"status"`
	CurrentPhase    string         `json:"current_phase,omitempty"`
	SkipPhases      []domain.Phase `json:"skip_phases,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TaskFromDomain конвертирует domain.Task в TaskResponse.
func TaskFromDomain(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		Subject:         t.Subject,
		Owner:           t.Owner,
		BatchID:         t.BatchID,
		Status:          string(t.Status),
		CurrentPhase:    string(t.CurrentPhase),
		SkipPhases:      t.SkipPhases,
		CancelRequested: t.CancelRequested,
		Error:           t.Error,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

// TaskResultsResponse — результаты workers по фазам.
type TaskResultsResponse struct {
	TaskID       uuid.UUID           `json:"task_id"`
	Status       string              `json:"status"`
	PhaseResults domain.PhaseResults `json:"phase_results"`
}

// Batch DTOs

// CreateBatchRequest — запрос на создание batch.
type CreateBatchRequest struct {
	Owner          string         `json:"owner"`
	Subjects       []string       `json:"subjects"`
	SkipPhases     []domain.Phase `json:"skip_phases,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// BatchResponse — ответ с batch.
type BatchResponse struct {
	ID                 uuid.UUID      `json:"id"`
	Owner              string         `json:"owner"`
	Subjects           []string       `json:"subjects"`
	TaskIDs            []uuid.UUID    `json:"task_ids,omitempty"`
	Status             string         `json:"status"`
	SkipPhases         []domain.Phase `json:"skip_phases,omitempty"`
	AggregateTriggered bool           `json:"aggregate_triggered"`
	CancelRequested    bool           `json:"cancel_requested"`
	IdempotencyKey     string         `json:"idempotency_key,omitempty"`
	AggregateResult    map[string]any `json:"aggregate_result,omitempty"`
	Error              string         `json:"error,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// BatchFromDomain конвертирует domain.Batch в BatchResponse.
func BatchFromDomain(b domain.Batch) BatchResponse {
	return BatchResponse{
		ID:                 b.ID,
		Owner:              b.Owner,
		Subjects:           b.Subjects,
		TaskIDs:            b.TaskIDs,
		Status:             string(b.Status),
		SkipPhases:         b.SkipPhases,
		AggregateTriggered: b.AggregateTriggered,
		CancelRequested:    b.CancelRequested,
		IdempotencyKey:     b.IdempotencyKey,
		AggregateResult:    b.AggregateResult,
		Error:              b.Error,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
}

// Schedule DTOs

// CreateScheduleRequest — запрос на создание schedule.
type CreateScheduleRequest struct {
	Name        string         `json:"name"`
	Owner       string         `json:"owner"`
	Subjects    []string       `json:"subjects"`
	SkipPhases  []domain.Phase `json:"skip_phases,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     bool           `json:"enabled"`
}

// UpdateScheduleRequest — запрос на обновление schedule.
type UpdateScheduleRequest struct {
	Name        *string         `json:"name,omitempty"`
	Subjects    *[]string       `json:"subjects,omitempty"`
	SkipPhases  *[]domain.Phase `json:"skip_phases,omitempty"`
	CronExpr    *string         `json:"cron_expr,omitempty"`
	IntervalSec *int            `json:"interval_sec,omitempty"`
	Timezone    *string         `json:"timezone,omitempty"`
}

// SetEnabledRequest — запрос на включение/выключение.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ScheduleResponse — ответ с schedule.
type ScheduleResponse struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name,omitempty"`
	Owner       string         `json:"owner"`
	Subjects    []string       `json:"subjects"`
	SkipPhases  []domain.Phase `json:"skip_phases,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone"`
	Enabled     bool           `json:"enabled"`
	NextDueAt   *time.Time     `json:"next_due_at,omitempty"`
	LastRunAt   *time.Time     `json:"last_run_at,omitempty"`
	LastBatchID *uuid.UUID     `json:"last_batch_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ScheduleFromDomain конвертирует domain.Schedule в ScheduleResponse.
func ScheduleFromDomain(s *domain.Schedule) ScheduleResponse {
	if s == nil {
		return ScheduleResponse{}
	}
	return ScheduleResponse{
		ID:          s.ID,
		Name:        s.Name,
		Owner:       s.Owner,
		Subjects:    s.Subjects,
		SkipPhases:  s.SkipPhases,
		CronExpr:    s.CronExpr,
		IntervalSec: s.IntervalSec,
		Timezone:    s.Timezone,
		Enabled:     s.Enabled,
		NextDueAt:   s.NextDueAt,
		LastRunAt:   s.LastRunAt,
		LastBatchID: s.LastBatchID,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}
