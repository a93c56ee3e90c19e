package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/consilium/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeTaskPending     MessageType = "task.pending"
	MessageTypeBatchPending    MessageType = "batch.pending"
	MessageTypeBatchAggregate  MessageType = "batch.aggregate"
	MessageTypeWorkerInvoke    MessageType = "worker.invoke"
	MessageTypeWorkerCompleted MessageType = "worker.completed"
	MessageTypeCancel          MessageType = "control.cancel"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// TaskPendingPayload — payload для сообщения о новом task.
type TaskPendingPayload struct {
	TaskID uuid.UUID `json:"task_id"`
}

// BatchPendingPayload — payload для сообщения о новом batch.
type BatchPendingPayload struct {
	BatchID uuid.UUID `json:"batch_id"`
}

// BatchAggregatePayload — payload для агрегирующего действия.
// Публикуется ровно один раз на batch (exactly-once triggering).
type BatchAggregatePayload struct {
	BatchID uuid.UUID `json:"batch_id"`
}

// WorkerInvokePayload — payload для вызова worker'а.
// Несёт всё необходимое для stateless-выполнения: worker не ходит в БД.
type WorkerInvokePayload struct {
	InvocationID uuid.UUID      `json:"invocation_id"`
	TaskID       uuid.UUID      `json:"task_id"`
	Subject      string         `json:"subject"`
	Owner        string         `json:"owner"`
	Phase        domain.Phase   `json:"phase"`
	Role         domain.Role    `json:"role"`
	Round        int            `json:"round,omitempty"`
	Attempt      int            `json:"attempt"`
	MaxAttempts  int            `json:"max_attempts"`

	// Context — результаты предыдущих фаз и ходов дебатов,
	// собранные координатором при создании вызова.
	Context map[string]any `json:"context,omitempty"`
}

// WorkerCompletedPayload — payload для завершённого вызова.
type WorkerCompletedPayload struct {
	InvocationID uuid.UUID        `json:"invocation_id"`
	TaskID       uuid.UUID        `json:"task_id"`
	Phase        domain.Phase     `json:"phase"`
	Role         domain.Role      `json:"role"`
	Round        int              `json:"round,omitempty"`
	Attempt      int              `json:"attempt"`
	Outcome      domain.Outcome   `json:"outcome"`
	Payload      map[string]any   `json:"payload,omitempty"`
	ErrorKind    domain.ErrorKind `json:"error_kind,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Result собирает WorkerResult из payload завершения.
func (p WorkerCompletedPayload) Result() domain.WorkerResult {
	return domain.WorkerResult{
		Role:      p.Role,
		Round:     p.Round,
		Attempt:   p.Attempt,
		Outcome:   p.Outcome,
		Payload:   p.Payload,
		ErrorKind: p.ErrorKind,
		Error:     p.Error,
		Timestamp: time.Now(),
	}
}

// CancelPayload — payload для запроса отмены.
// Заполнено ровно одно из полей TaskID / BatchID.
type CancelPayload struct {
	TaskID  *uuid.UUID `json:"task_id,omitempty"`
	BatchID *uuid.UUID `json:"batch_id,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishTaskPending публикует событие о новом task.
// Потребитель: Coordinator.
func (p *Publisher) PublishTaskPending(ctx context.Context, taskID uuid.UUID) error {
	return p.publish(ctx, ExchangeTasks, RoutingKeyTaskPending, MessageTypeTaskPending,
		TaskPendingPayload{TaskID: taskID})
}

// PublishBatchPending публикует событие о новом batch.
// Потребитель: Coordinator.
func (p *Publisher) PublishBatchPending(ctx context.Context, batchID uuid.UUID) error {
	return p.publish(ctx, ExchangeTasks, RoutingKeyBatchPending, MessageTypeBatchPending,
		BatchPendingPayload{BatchID: batchID})
}

// PublishBatchAggregate публикует запуск агрегирующего действия.
// Потребитель: Worker (allocator).
func (p *Publisher) PublishBatchAggregate(ctx context.Context, batchID uuid.UUID) error {
	return p.publish(ctx, ExchangeTasks, RoutingKeyBatchAggregate, MessageTypeBatchAggregate,
		BatchAggregatePayload{BatchID: batchID})
}

// PublishWorkerInvoke публикует вызов worker'а.
// Потребитель: Worker.
func (p *Publisher) PublishWorkerInvoke(ctx context.Context, payload WorkerInvokePayload) error {
	return p.publish(ctx, ExchangeWorkers, RoutingKeyInvoke, MessageTypeWorkerInvoke, payload)
}

// PublishWorkerCompleted публикует событие завершения вызова.
// Потребитель: Coordinator.
func (p *Publisher) PublishWorkerCompleted(ctx context.Context, payload WorkerCompletedPayload) error {
	return p.publish(ctx, ExchangeWorkers, RoutingKeyCompleted, MessageTypeWorkerCompleted, payload)
}

// PublishCancel публикует запрос отмены.
// Потребитель: Coordinator.
func (p *Publisher) PublishCancel(ctx context.Context, payload CancelPayload) error {
	return p.publish(ctx, ExchangeControl, RoutingKeyCancel, MessageTypeCancel, payload)
}

func (p *Publisher) publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, exchange, routingKey, msg)
}
