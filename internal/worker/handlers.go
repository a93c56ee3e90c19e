package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/mq"
	"github.com/shaiso/consilium/internal/pipeline"
	"github.com/shaiso/consilium/internal/store"
	"github.com/shaiso/consilium/internal/telemetry"
)

// handleWorkerInvoke обрабатывает вызов аналитика из очереди workers.invoke.
func (w *Worker) handleWorkerInvoke(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.WorkerInvokePayload](&delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse worker.invoke payload", "error", err)
		return err
	}

	w.logger.Debug("received worker.invoke event",
		"task_id", payload.TaskID,
		"phase", payload.Phase,
		"role", payload.Role,
		"round", payload.Round,
		"attempt", payload.Attempt,
	)

	if err := w.processInvoke(ctx, payload); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			w.logger.Debug("invocation skipped", "task_id", payload.TaskID, "reason", err)
			return nil
		}
		w.logger.Error("failed to process invocation",
			"task_id", payload.TaskID,
			"role", payload.Role,
			"error", err,
		)
		return err
	}

	return nil
}

// processInvoke выполняет один вызов аналитика.
//
// Результат записывается в БД до ack'а — либо не записывается вовсе,
// и тогда retry делает watchdog Coordinator'а.
func (w *Worker) processInvoke(ctx context.Context, payload mq.WorkerInvokePayload) error {
	task, err := w.store.GetTask(ctx, payload.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, payload.TaskID)
		}
		return fmt.Errorf("get task: %w", err)
	}

	// Терминальный или отменяемый task не выполняется; вызов закроет watchdog.
	if task.IsFinished() || task.CancelRequested {
		w.logger.Debug("task no longer active, skipping invocation",
			"task_id", task.ID,
			"status", task.Status,
		)
		return nil
	}

	// Повторный вызов для уже записанного результата: аналитик не
	// выполняется заново, только переиздаётся уведомление о завершении.
	if res, ok := task.Result(payload.Phase, payload.Role); ok && res.Round >= payload.Round {
		w.logger.Debug("result already persisted, republishing completion",
			"task_id", task.ID,
			"phase", payload.Phase,
			"role", payload.Role,
		)
		return w.publishCompletion(ctx, payload, res)
	}

	// SCHEDULED → RUNNING; проигрыш гонки с watchdog'ом не мешает
	// выполнению — дедлайн уже записан при создании вызова.
	if _, err := w.store.SetInvocationStatus(ctx, payload.InvocationID,
		[]domain.InvocationStatus{domain.InvocationStatusScheduled},
		domain.InvocationStatusRunning,
	); err != nil && !errors.Is(err, store.ErrNotFound) {
		w.logger.Debug("failed to mark invocation running",
			"invocation_id", payload.InvocationID,
			"error", err,
		)
	}

	result, err := w.execute(ctx, payload)
	if err != nil {
		// Инфраструктурный сбой: результата нет, watchdog создаст
		// следующую попытку. На последней попытке записываем
		// классифицированную ошибку сами — она точнее, чем
		// синтетический TIMEOUT watchdog'а.
		if payload.Attempt < payload.MaxAttempts {
			w.logger.Warn("analyst infrastructure failure, leaving invocation to watchdog",
				"task_id", task.ID,
				"role", payload.Role,
				"attempt", payload.Attempt,
				"error", err,
			)
			return nil
		}

		result = domain.WorkerResult{
			Role:      payload.Role,
			Round:     payload.Round,
			Attempt:   payload.Attempt,
			Outcome:   domain.OutcomeError,
			ErrorKind: classifyError(err),
			Error:     err.Error(),
			Timestamp: time.Now(),
		}
	}

	if _, err := w.store.ApplyResult(ctx, task.ID, payload.Phase, result); err != nil {
		return fmt.Errorf("apply result: %w", err)
	}

	telemetry.WorkerResults.WithLabelValues(string(payload.Phase), string(result.Outcome)).Inc()

	if result.IsError() {
		w.logger.Warn("analyst returned error result",
			"task_id", task.ID,
			"phase", payload.Phase,
			"role", payload.Role,
			"error_kind", result.ErrorKind,
			"error", result.Error,
		)
	} else {
		w.logger.Info("analyst completed",
			"task_id", task.ID,
			"phase", payload.Phase,
			"role", payload.Role,
			"round", payload.Round,
			"attempt", payload.Attempt,
		)
	}

	return w.publishCompletion(ctx, payload, result)
}

// execute запускает аналитика роли и измеряет длительность.
func (w *Worker) execute(ctx context.Context, payload mq.WorkerInvokePayload) (domain.WorkerResult, error) {
	analyst, err := w.registry.Get(payload.Role)
	if err != nil {
		// Роль без аналитика — постоянная ошибка конфигурации,
		// retry не поможет: записываем доменную ошибку сразу.
		return domain.WorkerResult{
			Role:      payload.Role,
			Round:     payload.Round,
			Attempt:   payload.Attempt,
			Outcome:   domain.OutcomeError,
			ErrorKind: domain.ErrorKindOther,
			Error:     err.Error(),
			Timestamp: time.Now(),
		}, nil
	}

	req := &Request{
		Subject: payload.Subject,
		Owner:   payload.Owner,
		Phase:   payload.Phase,
		Role:    payload.Role,
		Round:   payload.Round,
		Attempt: payload.Attempt,
		Context: payload.Context,
	}

	start := time.Now()
	outcome, err := analyst.Analyze(ctx, req)
	telemetry.WorkerDuration.WithLabelValues(string(payload.Phase), string(payload.Role)).
		Observe(time.Since(start).Seconds())

	if err != nil {
		return domain.WorkerResult{}, err
	}

	result := domain.WorkerResult{
		Role:      payload.Role,
		Round:     payload.Round,
		Attempt:   payload.Attempt,
		Outcome:   domain.OutcomeSuccess,
		Payload:   outcome.Payload,
		Timestamp: time.Now(),
	}
	if outcome.IsError() {
		result.Outcome = domain.OutcomeError
		result.Error = outcome.Error
		result.ErrorKind = outcome.ErrorKind
		if result.ErrorKind == "" {
			result.ErrorKind = domain.ErrorKindOther
		}
	}

	return result, nil
}

// publishCompletion публикует событие worker.completed.
//
// Сбой публикации не возвращается как ошибка: результат уже в БД,
// watchdog переиздаст вызов, и повторный вызов переиздаст уведомление.
func (w *Worker) publishCompletion(ctx context.Context, payload mq.WorkerInvokePayload, result domain.WorkerResult) error {
	completed := mq.WorkerCompletedPayload{
		InvocationID: payload.InvocationID,
		TaskID:       payload.TaskID,
		Phase:        payload.Phase,
		Role:         payload.Role,
		Round:        result.Round,
		Attempt:      result.Attempt,
		Outcome:      result.Outcome,
		Payload:      result.Payload,
		ErrorKind:    result.ErrorKind,
		Error:        result.Error,
	}

	if err := w.publisher.PublishWorkerCompleted(ctx, completed); err != nil {
		w.logger.Warn("failed to publish worker.completed",
			"task_id", payload.TaskID,
			"error", err,
		)
	}

	return nil
}

// handleBatchAggregate выполняет агрегирующее действие batch'а.
func (w *Worker) handleBatchAggregate(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.BatchAggregatePayload](&delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse batch.aggregate payload", "error", err)
		return err
	}

	if err := w.processAggregate(ctx, payload.BatchID); err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			w.logger.Debug("aggregate skipped", "batch_id", payload.BatchID, "reason", err)
			return nil
		}
		w.logger.Error("failed to process aggregate", "batch_id", payload.BatchID, "error", err)
		return err
	}

	return nil
}

// processAggregate собирает решения member tasks и вызывает allocator.
//
// Безопасно переиздаётся: CompleteAggregate — условное обновление из
// AGGREGATING, дубликат события становится no-op.
func (w *Worker) processAggregate(ctx context.Context, batchID uuid.UUID) error {
	batch, err := w.store.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		return fmt.Errorf("get batch: %w", err)
	}

	if batch.Status != domain.BatchStatusAggregating {
		w.logger.Debug("batch not aggregating, skipping",
			"batch_id", batch.ID,
			"status", batch.Status,
		)
		return nil
	}

	tasks, err := w.store.ListTasksByBatch(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("list batch tasks: %w", err)
	}

	analyst, err := w.registry.Get(pipeline.RoleAllocator)
	if err != nil {
		// Нет allocator'а — batch завершается ошибкой, не зависает.
		applied, aerr := w.store.CompleteAggregate(ctx, batch.ID, nil, err.Error())
		if aerr != nil {
			return fmt.Errorf("complete aggregate: %w", aerr)
		}
		if applied {
			telemetry.BatchesFinished.WithLabelValues(string(domain.BatchStatusError)).Inc()
		}
		return nil
	}

	req := &Request{
		Owner:   batch.Owner,
		Role:    pipeline.RoleAllocator,
		Attempt: 1,
		Context: w.buildAggregateContext(tasks),
	}

	start := time.Now()
	outcome, err := analyst.Analyze(ctx, req)
	telemetry.WorkerDuration.WithLabelValues("aggregate", string(pipeline.RoleAllocator)).
		Observe(time.Since(start).Seconds())
	if err != nil {
		// Инфраструктурный сбой — redelivery очереди повторит действие.
		return fmt.Errorf("allocator: %w", err)
	}

	errMsg := ""
	if outcome.IsError() {
		errMsg = outcome.Error
	}

	applied, err := w.store.CompleteAggregate(ctx, batch.ID, outcome.Payload, errMsg)
	if err != nil {
		return fmt.Errorf("complete aggregate: %w", err)
	}
	if !applied {
		w.logger.Debug("aggregate already completed", "batch_id", batch.ID)
		return nil
	}

	status := domain.BatchStatusCompleted
	if errMsg != "" {
		status = domain.BatchStatusError
	}
	telemetry.BatchesFinished.WithLabelValues(string(status)).Inc()

	w.logger.Info("batch aggregate completed",
		"batch_id", batch.ID,
		"status", status,
		"tasks", len(tasks),
	)

	return nil
}

// buildAggregateContext собирает для allocator'а решения member tasks:
// subject → {status, decision | error}.
func (w *Worker) buildAggregateContext(tasks []domain.Task) map[string]any {
	members := make(map[string]any, len(tasks))

	for i := range tasks {
		task := &tasks[i]

		entry := map[string]any{"status": string(task.Status)}

		if finalPhase, ok := w.plan.FinalPhase(task.SkipPhases); ok {
			if def, ok := w.plan.PhaseDef(finalPhase); ok {
				if res, ok := task.Result(finalPhase, def.DecidingRole()); ok {
					if res.IsError() {
						entry["error"] = res.Error
						entry["error_kind"] = string(res.ErrorKind)
					} else {
						entry["decision"] = res.Payload
					}
				}
			}
		}

		members[task.Subject] = entry
	}

	return map[string]any{"members": members}
}
