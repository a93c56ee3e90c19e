package coordinator

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

// StartTask переводит task из PENDING в RUNNING и создаёт вызовы
// первой фазы. Повторный вызов безопасен: переход статуса условный,
// а дубли вызовов гасятся уникальностью в store.
func (c *Coordinator) StartTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return fmt.Errorf("get task: %w", err)
	}

	if task.IsFinished() {
		return nil
	}

	if task.CancelRequested {
		return c.finalizeTask(ctx, task, domain.TaskStatusCancelled, "")
	}

	first, ok := c.plan.FirstPhase(task.SkipPhases)
	if !ok {
		return c.finalizeTask(ctx, task, domain.TaskStatusError, ErrEmptyPlan.Error())
	}

	applied, err := c.store.SetTaskStatus(ctx, taskID,
		[]domain.TaskStatus{domain.TaskStatusPending}, domain.TaskStatusRunning, "")
	if err != nil {
		return fmt.Errorf("set task running: %w", err)
	}
	if !applied {
		// Task уже запущен другим экземпляром или той же репликой до
		// рестарта. Убеждаемся, что вызовы текущей фазы существуют;
		// дубли гасятся уникальностью в store.
		task, err = c.store.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
		if task.IsFinished() || task.CurrentPhase == "" {
			return nil
		}
		return c.enterPhase(ctx, task, task.CurrentPhase)
	}

	if task.CurrentPhase == "" {
		if _, err := c.store.AdvancePhase(ctx, taskID, "", first); err != nil {
			return fmt.Errorf("set first phase: %w", err)
		}
		task.CurrentPhase = first
	}

	c.logger.Info("task started",
		"task_id", taskID,
		"subject", task.Subject,
		"phase", task.CurrentPhase,
	)

	return c.enterPhase(ctx, task, task.CurrentPhase)
}

// enterPhase создаёт вызовы, положенные при входе в фазу.
func (c *Coordinator) enterPhase(ctx context.Context, task *domain.Task, phase domain.Phase) error {
	def, ok := c.plan.PhaseDef(phase)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPhase, phase)
	}

	for _, rr := range def.InitialInvocations() {
		if err := c.invokeRole(ctx, task, phase, rr.Role, rr.Round); err != nil {
			return err
		}
	}
	return nil
}

// invokeRole создаёт вызов worker'а для (task, phase, role, round).
//
// Создаётся только строка в store; публикацией занимается dispatch-цикл.
// Так путь публикации ровно один, и потерянное сообщение переиздаётся
// тем же механизмом, что и обычная доставка.
func (c *Coordinator) invokeRole(ctx context.Context, task *domain.Task, phase domain.Phase, role domain.Role, round int) error {
	inv := domain.NewInvocation(task.ID, phase, role, round, 1, time.Now(), c.invokeTimeout)

	applied, err := c.store.CreateInvocation(ctx, inv)
	if err != nil {
		return fmt.Errorf("create invocation: %w", err)
	}
	if !applied {
		// Дублирующее уведомление уже создало этот вызов.
		return nil
	}

	telemetry.InvocationsCreated.WithLabelValues(string(phase), string(role)).Inc()

	c.logger.Debug("invocation created",
		"task_id", task.ID,
		"phase", phase,
		"role", role,
		"round", round,
	)
	return nil
}

// OnWorkerCompleted применяет результат worker'а и продвигает task.
// Идемпотентна: повторная доставка перезаписывает тот же ключ
// (phase, role) и приводит к тем же решениям.
func (c *Coordinator) OnWorkerCompleted(ctx context.Context, payload mq.WorkerCompletedPayload) error {
	// Вызов закрыт; проигрыш гонки с watchdog'ом не важен —
	// результат применяется в любом случае.
	if _, err := c.store.SetInvocationStatus(ctx, payload.InvocationID,
		[]domain.InvocationStatus{domain.InvocationStatusScheduled, domain.InvocationStatusRunning},
		domain.InvocationStatusCompleted); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("complete invocation: %w", err)
	}

	task, err := c.store.ApplyResult(ctx, payload.TaskID, payload.Phase, payload.Result())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("result for unknown task", "task_id", payload.TaskID)
			return nil
		}
		return fmt.Errorf("apply result: %w", err)
	}

	telemetry.WorkerResults.WithLabelValues(string(payload.Phase), string(payload.Outcome)).Inc()

	return c.advanceTask(ctx, task)
}

// advanceTask пересчитывает прогресс task'а по актуальному состоянию.
//
// Функция намеренно вызывается из любого места, где состояние могло
// измениться (результат worker'а, таймаут, отмена): она ничего не
// предполагает о причине вызова и безопасна при дублях.
func (c *Coordinator) advanceTask(ctx context.Context, task *domain.Task) error {
	if task.IsFinished() {
		// Терминальный статус мог записаться до рестарта, когда
		// уведомление batch'а ещё не прошло. Fan-in идемпотентен,
		// поэтому повторная доставка достраивает агрегацию.
		if task.BatchID != nil {
			return c.onMemberTerminal(ctx, *task.BatchID)
		}
		return nil
	}

	// Отмена выигрывает у любого продвижения. Записанные результаты
	// сохраняются.
	if task.CancelRequested {
		return c.finalizeTask(ctx, task, domain.TaskStatusCancelled, "")
	}

	def, ok := c.plan.PhaseDef(task.CurrentPhase)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPhase, task.CurrentPhase)
	}

	if !def.Complete(task.PhaseResults) {
		for _, rr := range def.NextInvocations(task.PhaseResults) {
			if err := c.invokeRole(ctx, task, def.Name, rr.Role, rr.Round); err != nil {
				return err
			}
		}
		return nil
	}

	// Фаза завершена.
	if def.Hard && def.Failed(task.PhaseResults) {
		return c.finalizeTask(ctx, task, domain.TaskStatusError,
			fmt.Sprintf("hard phase %s failed", def.Name))
	}

	next, ok := c.plan.NextPhase(task.CurrentPhase, task.SkipPhases)
	if !ok {
		return c.finalizeLastPhase(ctx, task, def)
	}

	applied, err := c.store.AdvancePhase(ctx, task.ID, task.CurrentPhase, next)
	if err != nil {
		return fmt.Errorf("advance phase: %w", err)
	}
	if !applied {
		// Дубликат продвижения: другой экземпляр уже перевёл фазу
		// и создал её вызовы.
		return nil
	}

	c.logger.Info("phase advanced",
		"task_id", task.ID,
		"from", task.CurrentPhase,
		"to", next,
	)

	task.CurrentPhase = next
	return c.enterPhase(ctx, task, next)
}

// finalizeLastPhase вычисляет терминальный статус task'а после
// завершения последней фазы: ERROR, если решающая роль финальной фазы
// завершилась ошибкой, иначе COMPLETED.
func (c *Coordinator) finalizeLastPhase(ctx context.Context, task *domain.Task, def *pipeline.PhaseDef) error {
	deciding, ok := task.Result(def.Name, def.DecidingRole())
	if ok && deciding.IsError() {
		return c.finalizeTask(ctx, task, domain.TaskStatusError,
			fmt.Sprintf("deciding role %s failed: %s", def.DecidingRole(), deciding.Error))
	}
	return c.finalizeTask(ctx, task, domain.TaskStatusCompleted, "")
}

// finalizeTask переводит task в терминальный статус и уведомляет batch.
func (c *Coordinator) finalizeTask(ctx context.Context, task *domain.Task, status domain.TaskStatus, errMsg string) error {
	applied, err := c.store.SetTaskStatus(ctx, task.ID,
		[]domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusRunning},
		status, errMsg)
	if err != nil {
		return fmt.Errorf("finalize task: %w", err)
	}
	if !applied {
		return nil
	}

	telemetry.TasksFinished.WithLabelValues(string(status)).Inc()

	c.logger.Info("task finished",
		"task_id", task.ID,
		"subject", task.Subject,
		"status", status,
	)

	if task.BatchID != nil {
		return c.onMemberTerminal(ctx, *task.BatchID)
	}
	return nil
}
