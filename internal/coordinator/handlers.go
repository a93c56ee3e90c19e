package coordinator

import (
	"context"
	"errors"

	"github.com/shaiso/consilium/internal/mq"
)

// handleTaskPending обрабатывает событие о новом pending task.
func (c *Coordinator) handleTaskPending(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.TaskPendingPayload](&delivery.Message)
	if err != nil {
		c.logger.Error("failed to parse task.pending payload", "error", err)
		return err
	}

	c.logger.Debug("received task.pending event", "task_id", payload.TaskID)

	if err := c.StartTask(ctx, payload.TaskID); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			// Событие обогнало запись в БД; polling fallback подхватит.
			c.logger.Debug("task not found yet", "task_id", payload.TaskID)
			return nil
		}
		c.logger.Error("failed to start task", "task_id", payload.TaskID, "error", err)
		return err
	}
	return nil
}

// handleBatchPending обрабатывает событие о новом pending batch.
func (c *Coordinator) handleBatchPending(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.BatchPendingPayload](&delivery.Message)
	if err != nil {
		c.logger.Error("failed to parse batch.pending payload", "error", err)
		return err
	}

	c.logger.Debug("received batch.pending event", "batch_id", payload.BatchID)

	if err := c.StartBatch(ctx, payload.BatchID); err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			c.logger.Debug("batch not found yet", "batch_id", payload.BatchID)
			return nil
		}
		c.logger.Error("failed to start batch", "batch_id", payload.BatchID, "error", err)
		return err
	}
	return nil
}

// handleWorkerCompleted обрабатывает событие о завершённом вызове.
func (c *Coordinator) handleWorkerCompleted(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.WorkerCompletedPayload](&delivery.Message)
	if err != nil {
		c.logger.Error("failed to parse worker.completed payload", "error", err)
		return err
	}

	c.logger.Debug("received worker.completed event",
		"invocation_id", payload.InvocationID,
		"task_id", payload.TaskID,
		"phase", payload.Phase,
		"role", payload.Role,
		"outcome", payload.Outcome,
	)

	if err := c.OnWorkerCompleted(ctx, payload); err != nil {
		c.logger.Error("failed to process worker completion",
			"invocation_id", payload.InvocationID,
			"task_id", payload.TaskID,
			"error", err,
		)
		return err
	}
	return nil
}

// handleCancel обрабатывает запрос отмены task или batch.
func (c *Coordinator) handleCancel(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.CancelPayload](&delivery.Message)
	if err != nil {
		c.logger.Error("failed to parse control.cancel payload", "error", err)
		return err
	}

	switch {
	case payload.BatchID != nil:
		c.logger.Debug("received cancel request", "batch_id", *payload.BatchID)
		if err := c.CancelBatch(ctx, *payload.BatchID); err != nil {
			if errors.Is(err, ErrBatchNotFound) {
				return nil
			}
			return err
		}
	case payload.TaskID != nil:
		c.logger.Debug("received cancel request", "task_id", *payload.TaskID)
		if err := c.CancelTask(ctx, *payload.TaskID); err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				return nil
			}
			return err
		}
	default:
		c.logger.Warn("cancel request without target")
	}
	return nil
}
