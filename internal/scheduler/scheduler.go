package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/store"
	"github.com/shaiso/consilium/internal/telemetry"
)

// Publisher публикует событие о новом batch.
// Реализуется *mq.Publisher; в тестах подменяется fake'ом.
type Publisher interface {
	PublishBatchPending(ctx context.Context, batchID uuid.UUID) error
}

// Scheduler — планировщик, обрабатывающий due schedules.
type Scheduler struct {
	store     store.Store
	publisher Publisher
	logger    *slog.Logger
	batchSize int
}

// Config — конфигурация Scheduler.
type Config struct {
	Store     store.Store
	Publisher Publisher
	Logger    *slog.Logger
	BatchSize int // количество schedules за один тик (default: 100)
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Находит due schedules (enabled=true, next_due_at <= now)
// 2. Для каждого schedule создаёт batch (идемпотентно)
// 3. Сдвигает next_due_at условным обновлением
// 4. Публикует batch.pending в RabbitMQ
//
// Ошибки одного schedule не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now()

	schedules, err := s.store.ListDueSchedules(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}

	if len(schedules) == 0 {
		return nil
	}

	s.logger.Debug("found due schedules", "count", len(schedules))

	var processed, created int
	for i := range schedules {
		sched := &schedules[i]

		batchCreated, err := s.processSchedule(ctx, sched, now)
		if err != nil {
			s.logger.Error("failed to process schedule",
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"error", err,
			)
			// Продолжаем обработку остальных
			continue
		}

		processed++
		if batchCreated {
			created++
		}
	}

	s.logger.Info("scheduler tick completed",
		"due", len(schedules),
		"processed", processed,
		"batches_created", created,
	)

	return nil
}

// processSchedule обрабатывает один schedule.
// Возвращает true, если batch был создан (не был дубликатом).
func (s *Scheduler) processSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) (bool, error) {
	if sched.NextDueAt == nil {
		return false, nil
	}
	prevDue := *sched.NextDueAt

	// Ключ идемпотентности "{schedule_id}_{next_due_at}": для одного
	// schedule и конкретного времени создаётся только один batch,
	// даже при рестарте между созданием и сдвигом next_due_at.
	idempKey := sched.IdempotencyKey(prevDue)

	batch := domain.NewBatch(sched.Owner, sched.Subjects, sched.SkipPhases, idempKey)

	var batchID uuid.UUID
	var batchCreated bool

	err := s.store.CreateBatch(ctx, batch)
	switch {
	case err == nil:
		batchID = batch.ID
		batchCreated = true

		s.logger.Info("created batch from schedule",
			"batch_id", batch.ID,
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"subjects", len(batch.Subjects),
		)

	case errors.Is(err, store.ErrAlreadyExists):
		// Batch уже создан предыдущим запуском (idempotency)
		existing, gerr := s.store.GetBatchByIdempotencyKey(ctx, idempKey)
		if gerr != nil {
			return false, fmt.Errorf("get existing batch: %w", gerr)
		}
		batchID = existing.ID

		s.logger.Debug("batch already exists (idempotency)",
			"schedule_id", sched.ID,
			"batch_id", existing.ID,
			"idempotency_key", idempKey,
		)

	default:
		return false, fmt.Errorf("create batch: %w", err)
	}

	// Вычисляем следующее время запуска
	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		s.logger.Error("failed to calculate next due",
			"schedule_id", sched.ID,
			"error", err,
		)
		// Schedule некорректный — лучше не трогать next_due_at
		return batchCreated, nil
	}

	// Сдвигаем next_due_at; условие prevDue защищает от двойного
	// срабатывания, если два лидера обрабатывают один тик.
	applied, err := s.store.BumpSchedule(ctx, sched.ID, prevDue, nextDue, batchID)
	if err != nil {
		return batchCreated, fmt.Errorf("bump schedule: %w", err)
	}
	if !applied {
		s.logger.Debug("schedule already bumped by another leader",
			"schedule_id", sched.ID,
		)
	}

	if batchCreated {
		telemetry.SchedulerBatches.Inc()
	}

	// Публикуем событие (если publisher настроен и batch создан)
	if s.publisher != nil && batchCreated {
		if err := s.publisher.PublishBatchPending(ctx, batchID); err != nil {
			// Не фатальная ошибка — batch уже создан в БД,
			// Coordinator заберёт его через polling
			s.logger.Warn("failed to publish batch.pending",
				"batch_id", batchID,
				"error", err,
			)
		}
	}

	return batchCreated, nil
}
