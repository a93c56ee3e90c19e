package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/mq"
	"github.com/shaiso/consilium/internal/store"
	"github.com/shaiso/consilium/internal/telemetry"
)

// dispatchLoop публикует созданные вызовы в workers.invoke.
//
// Единственный путь публикации вызовов: и свежие строки, и строки,
// чьё сообщение потерялось (dispatched_at старше redispatchAfter),
// уходят отсюда. Worker идемпотентен, повторная доставка безопасна.
func (c *Coordinator) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(c.dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.dispatchDue(ctx); err != nil {
				c.logger.Error("dispatch cycle failed", "error", err)
			}
		}
	}
}

// dispatchDue публикует все вызовы, которые пора отправить.
func (c *Coordinator) dispatchDue(ctx context.Context) error {
	now := time.Now()

	invs, err := c.store.ListDispatchable(ctx, now, c.redispatchAfter, c.batchSize)
	if err != nil {
		return fmt.Errorf("list dispatchable: %w", err)
	}

	for i := range invs {
		if err := c.dispatchInvocation(ctx, &invs[i]); err != nil {
			c.logger.Error("failed to dispatch invocation",
				"invocation_id", invs[i].ID,
				"task_id", invs[i].TaskID,
				"error", err,
			)
		}
	}
	return nil
}

// dispatchInvocation публикует один вызов.
func (c *Coordinator) dispatchInvocation(ctx context.Context, inv *domain.Invocation) error {
	task, err := c.store.GetTask(ctx, inv.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("get task: %w", err)
	}

	// Терминальный или отменяемый task: вызов закрывается без публикации.
	if task.IsFinished() || task.CancelRequested {
		_, err := c.store.SetInvocationStatus(ctx, inv.ID,
			[]domain.InvocationStatus{domain.InvocationStatusScheduled},
			domain.InvocationStatusCompleted)
		return err
	}

	payload := mq.WorkerInvokePayload{
		InvocationID: inv.ID,
		TaskID:       task.ID,
		Subject:      task.Subject,
		Owner:        task.Owner,
		Phase:        inv.Phase,
		Role:         inv.Role,
		Round:        inv.Round,
		Attempt:      inv.Attempt,
		MaxAttempts:  c.maxAttempts,
		Context:      c.buildContext(task),
	}

	if err := c.publisher.PublishWorkerInvoke(ctx, payload); err != nil {
		return fmt.Errorf("publish worker.invoke: %w", err)
	}

	if err := c.store.MarkInvocationDispatched(ctx, inv.ID, time.Now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("mark dispatched: %w", err)
	}

	c.logger.Debug("invocation dispatched",
		"invocation_id", inv.ID,
		"task_id", task.ID,
		"phase", inv.Phase,
		"role", inv.Role,
		"attempt", inv.Attempt,
	)
	return nil
}

// buildContext собирает контекст вызова: payload'ы всех уже записанных
// результатов по фазам. Worker получает всё необходимое в сообщении и
// не ходит в БД.
func (c *Coordinator) buildContext(task *domain.Task) map[string]any {
	if len(task.PhaseResults) == 0 {
		return nil
	}

	out := make(map[string]any, len(task.PhaseResults))
	for phase, roles := range task.PhaseResults {
		phaseOut := make(map[string]any, len(roles))
		for role, res := range roles {
			if res.IsError() {
				// Ошибочные результаты не несут payload; роль видна
				// получателю как отсутствующая с пометкой об ошибке.
				phaseOut[string(role)] = map[string]any{
					"error":      res.Error,
					"error_kind": string(res.ErrorKind),
				}
				continue
			}
			phaseOut[string(role)] = res.Payload
		}
		out[string(phase)] = phaseOut
	}
	return out
}

// watchdogLoop закрывает вызовы с истёкшим дедлайном.
func (c *Coordinator) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(c.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.expireOverdue(ctx); err != nil {
				c.logger.Error("watchdog cycle failed", "error", err)
			}
		}
	}
}

// expireOverdue обрабатывает все просроченные вызовы.
func (c *Coordinator) expireOverdue(ctx context.Context) error {
	now := time.Now()

	overdue, err := c.store.ListOverdueInvocations(ctx, now, c.batchSize)
	if err != nil {
		return fmt.Errorf("list overdue: %w", err)
	}

	for i := range overdue {
		if err := c.expireInvocation(ctx, &overdue[i]); err != nil {
			c.logger.Error("failed to expire invocation",
				"invocation_id", overdue[i].ID,
				"task_id", overdue[i].TaskID,
				"error", err,
			)
		}
	}
	return nil
}

// expireInvocation закрывает один просроченный вызов: либо создаёт
// попытку attempt+1 с фиксированной задержкой, либо записывает
// терминальный TIMEOUT-результат, и конвейер продолжается как после
// обычного ошибочного результата.
func (c *Coordinator) expireInvocation(ctx context.Context, inv *domain.Invocation) error {
	applied, err := c.store.SetInvocationStatus(ctx, inv.ID,
		[]domain.InvocationStatus{domain.InvocationStatusScheduled, domain.InvocationStatusRunning},
		domain.InvocationStatusTimedOut)
	if err != nil {
		return fmt.Errorf("mark timed out: %w", err)
	}
	if !applied {
		// Результат успел прийти, или другой watchdog закрыл вызов.
		return nil
	}

	telemetry.InvocationsTimedOut.WithLabelValues(string(inv.Phase), string(inv.Role)).Inc()

	c.logger.Warn("invocation timed out",
		"invocation_id", inv.ID,
		"task_id", inv.TaskID,
		"phase", inv.Phase,
		"role", inv.Role,
		"attempt", inv.Attempt,
	)

	task, err := c.store.GetTask(ctx, inv.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("get task: %w", err)
	}
	if task.IsFinished() {
		return nil
	}

	// Worker мог записать результат, а worker.completed — потеряться.
	// Записанный результат выигрывает у синтетического: ни retry, ни
	// TIMEOUT не нужны, task продвигается по сохранённому состоянию.
	if res, ok := task.Result(inv.Phase, inv.Role); ok && res.Round >= inv.Round {
		return c.advanceTask(ctx, task)
	}

	if inv.Attempt < c.maxAttempts && !task.CancelRequested {
		retry := domain.NewInvocation(inv.TaskID, inv.Phase, inv.Role, inv.Round,
			inv.Attempt+1, time.Now().Add(c.retryDelay), c.invokeTimeout)
		applied, err := c.store.CreateInvocation(ctx, retry)
		if err != nil {
			return fmt.Errorf("create retry invocation: %w", err)
		}
		if applied {
			telemetry.InvocationsCreated.WithLabelValues(string(inv.Phase), string(inv.Role)).Inc()
			c.logger.Info("invocation retry scheduled",
				"task_id", inv.TaskID,
				"phase", inv.Phase,
				"role", inv.Role,
				"attempt", retry.Attempt,
			)
		}
		return nil
	}

	// Попытки исчерпаны: терминальный TIMEOUT-результат.
	result := domain.WorkerResult{
		Role:      inv.Role,
		Round:     inv.Round,
		Attempt:   inv.Attempt,
		Outcome:   domain.OutcomeError,
		ErrorKind: domain.ErrorKindTimeout,
		Error:     fmt.Sprintf("invocation timed out after %d attempts", inv.Attempt),
		Timestamp: time.Now(),
	}

	task, err = c.store.ApplyResult(ctx, inv.TaskID, inv.Phase, result)
	if err != nil {
		return fmt.Errorf("apply timeout result: %w", err)
	}

	telemetry.WorkerResults.WithLabelValues(string(inv.Phase), string(domain.OutcomeError)).Inc()

	return c.advanceTask(ctx, task)
}
