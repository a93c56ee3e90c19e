package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/store"
	"github.com/shaiso/consilium/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// fanOutConcurrency ограничивает параллелизм создания member tasks.
const fanOutConcurrency = 8

// StartBatch выполняет fan-out batch'а: создаёт member task для каждого
// subject и запускает их. Повторный вызов безопасен: уже созданные
// tasks обнаруживаются по batch_id и не дублируются.
func (c *Coordinator) StartBatch(ctx context.Context, batchID uuid.UUID) error {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		return fmt.Errorf("get batch: %w", err)
	}

	if batch.IsFinished() || batch.Status != domain.BatchStatusPending {
		return nil
	}

	if batch.CancelRequested {
		applied, err := c.store.SetBatchStatus(ctx, batchID,
			[]domain.BatchStatus{domain.BatchStatusPending}, domain.BatchStatusCancelled, "")
		if err != nil {
			return fmt.Errorf("cancel pending batch: %w", err)
		}
		if applied {
			telemetry.BatchesFinished.WithLabelValues(string(domain.BatchStatusCancelled)).Inc()
		}
		return nil
	}

	// Частичный fan-out после рестарта: продолжаем с existing tasks.
	existing, err := c.store.ListTasksByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list batch tasks: %w", err)
	}
	bySubject := make(map[string]uuid.UUID, len(existing))
	for i := range existing {
		bySubject[existing[i].Subject] = existing[i].ID
	}

	first, _ := c.plan.FirstPhase(batch.SkipPhases)

	taskIDs := make([]uuid.UUID, len(batch.Subjects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutConcurrency)

	for i, subject := range batch.Subjects {
		if id, ok := bySubject[subject]; ok {
			taskIDs[i] = id
			continue
		}

		i, subject := i, subject
		g.Go(func() error {
			task := domain.NewTask(subject, batch.Owner, &batchID, batch.SkipPhases)
			task.CurrentPhase = first
			if err := c.store.CreateTask(gctx, task); err != nil {
				return fmt.Errorf("create task for %s: %w", subject, err)
			}
			taskIDs[i] = task.ID
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("fan out batch %s: %w", batchID, err)
	}

	if err := c.store.SetBatchTasks(ctx, batchID, taskIDs); err != nil {
		return fmt.Errorf("set batch tasks: %w", err)
	}

	// Batch переводится в RUNNING до запуска tasks: агрегат срабатывает
	// только из RUNNING, и терминальный member не должен его обогнать.
	applied, err := c.store.SetBatchStatus(ctx, batchID,
		[]domain.BatchStatus{domain.BatchStatusPending}, domain.BatchStatusRunning, "")
	if err != nil {
		return fmt.Errorf("set batch running: %w", err)
	}

	if applied {
		c.logger.Info("batch started",
			"batch_id", batchID,
			"subjects", len(batch.Subjects),
		)
	}

	for _, taskID := range taskIDs {
		if err := c.StartTask(ctx, taskID); err != nil {
			c.logger.Error("failed to start member task",
				"batch_id", batchID,
				"task_id", taskID,
				"error", err,
			)
			// Polling fallback подхватит PENDING task позже.
		}
	}

	return nil
}

// onMemberTerminal вызывается после терминального статуса member task'а.
//
// Здесь живёт fan-in: TryTriggerAggregate атомарно проверяет «все
// члены терминальны» и выставляет aggregate_triggered. При любом числе
// конкурентных уведомлений публикация произойдёт ровно после одного
// выигранного CAS.
func (c *Coordinator) onMemberTerminal(ctx context.Context, batchID uuid.UUID) error {
	applied, err := c.store.TryTriggerAggregate(ctx, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("try trigger aggregate: %w", err)
	}

	if applied {
		telemetry.AggregatesTriggered.Inc()
		c.logger.Info("batch aggregate triggered", "batch_id", batchID)

		if err := c.publisher.PublishBatchAggregate(ctx, batchID); err != nil {
			// Флаг уже выставлен; repollAggregating переиздаст сообщение.
			c.logger.Error("failed to publish batch.aggregate",
				"batch_id", batchID,
				"error", err,
			)
		}
		return nil
	}

	// Отменяемый batch закрывается, когда все его члены терминальны.
	finished, err := c.store.TryFinishCancelled(ctx, batchID)
	if err != nil {
		return fmt.Errorf("try finish cancelled: %w", err)
	}
	if finished {
		telemetry.BatchesFinished.WithLabelValues(string(domain.BatchStatusCancelled)).Inc()
		c.logger.Info("cancelled batch finished", "batch_id", batchID)
	}
	return nil
}

// CancelTask запрашивает отмену task'а.
//
// PENDING task отменяется сразу; RUNNING доезжает до отмены при
// следующем событии (результат, таймаут), уже созданные вызовы
// дорабатывают впустую. Флаг монотонный, повторная отмена — no-op.
func (c *Coordinator) CancelTask(ctx context.Context, taskID uuid.UUID) error {
	if _, err := c.store.RequestTaskCancel(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return fmt.Errorf("request task cancel: %w", err)
	}

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task.IsFinished() {
		return nil
	}

	// PENDING task никто больше не тронет — финализируем сами.
	if task.Status == domain.TaskStatusPending {
		return c.finalizeTask(ctx, task, domain.TaskStatusCancelled, "")
	}
	return nil
}

// CancelBatch запрашивает отмену batch'а и распространяет её на все
// member tasks.
func (c *Coordinator) CancelBatch(ctx context.Context, batchID uuid.UUID) error {
	if _, err := c.store.RequestBatchCancel(ctx, batchID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		return fmt.Errorf("request batch cancel: %w", err)
	}

	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}
	if batch.IsFinished() {
		return nil
	}

	// Fan-out ещё не было — закрываем batch сразу.
	if batch.Status == domain.BatchStatusPending {
		applied, err := c.store.SetBatchStatus(ctx, batchID,
			[]domain.BatchStatus{domain.BatchStatusPending}, domain.BatchStatusCancelled, "")
		if err != nil {
			return fmt.Errorf("cancel pending batch: %w", err)
		}
		if applied {
			telemetry.BatchesFinished.WithLabelValues(string(domain.BatchStatusCancelled)).Inc()
		}
		return nil
	}

	tasks, err := c.store.ListTasksByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list batch tasks: %w", err)
	}

	for i := range tasks {
		if tasks[i].IsFinished() {
			continue
		}
		if err := c.CancelTask(ctx, tasks[i].ID); err != nil {
			c.logger.Error("failed to cancel member task",
				"batch_id", batchID,
				"task_id", tasks[i].ID,
				"error", err,
			)
		}
	}

	// Если все члены уже терминальны, batch можно закрыть немедленно.
	finished, err := c.store.TryFinishCancelled(ctx, batchID)
	if err != nil {
		return fmt.Errorf("try finish cancelled: %w", err)
	}
	if finished {
		telemetry.BatchesFinished.WithLabelValues(string(domain.BatchStatusCancelled)).Inc()
		c.logger.Info("cancelled batch finished", "batch_id", batchID)
	}
	return nil
}
