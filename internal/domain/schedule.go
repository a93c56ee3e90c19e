package domain

import (
	"time"

	"github.com/google/uuid"
)

// Schedule — расписание автоматического создания batch.
//
// Schedule позволяет запускать batch:
// - По cron-выражению: "0 9 * * 1-5" (каждый будний день в 9:00)
// - По интервалу: каждые N секунд
//
// Scheduler проверяет next_due_at и создаёт batch, когда время подошло.
// Ключ идемпотентности "{schedule_id}_{next_due_at}" защищает от дублей
// при рестарте scheduler'а между созданием batch и сдвигом next_due_at.
type Schedule struct {
	// ID — уникальный идентификатор schedule.
	ID uuid.UUID `json:"id"`

	// Name — имя расписания для удобства.
	Name string `json:"name,omitempty"`

	// Owner — владелец создаваемых batches.
	Owner string `json:"owner"`

	// Subjects — subjects, по которым создаётся batch.
	Subjects []string `json:"subjects"`

	// SkipPhases — опциональные фазы, пропускаемые в создаваемых batches.
	SkipPhases []Phase `json:"skip_phases,omitempty"`

	// CronExpr — cron-выражение.
	// Формат: "минуты часы дни месяцы дни_недели"
	// Если задан CronExpr, IntervalSec игнорируется.
	CronExpr string `json:"cron_expr,omitempty"`

	// IntervalSec — интервал в секундах между запусками.
	// Используется если CronExpr не задан.
	IntervalSec int `json:"interval_sec,omitempty"`

	// Timezone — часовой пояс для вычисления времени.
	// По умолчанию: "UTC".
	Timezone string `json:"timezone"`

	// Enabled — флаг активности расписания.
	Enabled bool `json:"enabled"`

	// NextDueAt — время следующего запуска.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// LastRunAt — время последнего запуска.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	// LastBatchID — ID последнего созданного batch.
	LastBatchID *uuid.UUID `json:"last_batch_id,omitempty"`

	// CreatedAt — время создания schedule.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего обновления.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSchedule создаёт выключенное расписание без времени запуска.
// CronExpr/IntervalSec, NextDueAt и Enabled выставляет вызывающий.
func NewSchedule(name, owner string, subjects []string, skip []Phase) *Schedule {
	now := time.Now()
	return &Schedule{
		ID:         uuid.New(),
		Name:       name,
		Owner:      owner,
		Subjects:   subjects,
		SkipPhases: skip,
		Timezone:   "UTC",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsCron возвращает true, если расписание использует cron-выражение.
func (s *Schedule) IsCron() bool {
	return s.CronExpr != ""
}

// IsInterval возвращает true, если расписание использует интервал.
func (s *Schedule) IsInterval() bool {
	return s.CronExpr == "" && s.IntervalSec > 0
}

// IsDue проверяет, пора ли запускать.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Enabled && s.NextDueAt != nil && !now.Before(*s.NextDueAt)
}

// IdempotencyKey возвращает ключ идемпотентности для batch,
// создаваемого по этому расписанию в момент due.
func (s *Schedule) IdempotencyKey(due time.Time) string {
	return s.ID.String() + "_" + due.UTC().Format(time.RFC3339)
}
