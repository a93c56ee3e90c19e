package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeTasks   Exchange = "consilium.tasks"
	ExchangeWorkers Exchange = "consilium.workers"
	ExchangeControl Exchange = "consilium.control"
	ExchangeDLQ     Exchange = "consilium.dlq"
)

// Queues — имена очередей.
const (
	QueueTasksPending     Queue = "tasks.pending"
	QueueBatchesPending   Queue = "batches.pending"
	QueueBatchesAggregate Queue = "batches.aggregate"
	QueueWorkersInvoke    Queue = "workers.invoke"
	QueueWorkersCompleted Queue = "workers.completed"
	QueueControlCancel    Queue = "control.cancel"
	QueueDLQWorkers       Queue = "dlq.workers"
)

// Routing keys.
const (
	RoutingKeyTaskPending    RoutingKey = "task.pending"
	RoutingKeyBatchPending   RoutingKey = "batch.pending"
	RoutingKeyBatchAggregate RoutingKey = "batch.aggregate"
	RoutingKeyInvoke         RoutingKey = "invoke"
	RoutingKeyCompleted      RoutingKey = "completed"
	RoutingKeyCancel         RoutingKey = "cancel"
	RoutingKeyDLQWorkers     RoutingKey = "workers"
)

func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		if err := bindQueues(ch); err != nil {
			return err
		}
		return nil
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeTasks, "direct"},
		{ExchangeWorkers, "direct"},
		{ExchangeControl, "direct"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	// Аргументы для очередей с DLQ
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQWorkers),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// события создания — обрабатываются идемпотентно, DLQ не нужна
		{QueueTasksPending, nil},
		{QueueBatchesPending, nil},
		{QueueBatchesAggregate, nil},

		// workers.invoke — с DLQ (некорректные вызовы уходят в DLQ)
		{QueueWorkersInvoke, dlqArgs},

		// события завершения и отмены
		{QueueWorkersCompleted, nil},
		{QueueControlCancel, nil},

		// сама DLQ очередь
		{QueueDLQWorkers, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueTasksPending, RoutingKeyTaskPending, ExchangeTasks},
		{QueueBatchesPending, RoutingKeyBatchPending, ExchangeTasks},
		{QueueBatchesAggregate, RoutingKeyBatchAggregate, ExchangeTasks},
		{QueueWorkersInvoke, RoutingKeyInvoke, ExchangeWorkers},
		{QueueWorkersCompleted, RoutingKeyCompleted, ExchangeWorkers},
		{QueueControlCancel, RoutingKeyCancel, ExchangeControl},
		{QueueDLQWorkers, RoutingKeyDLQWorkers, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Consilium RabbitMQ Topology:

    consilium.tasks (direct)
    ├── tasks.pending [routing: task.pending]
    │       Consumer: Coordinator
    ├── batches.pending [routing: batch.pending]
    │       Consumer: Coordinator
    └── batches.aggregate [routing: batch.aggregate]
            Consumer: Worker (allocator)

    consilium.workers (direct)
    ├── workers.invoke [routing: invoke]
    │       Consumer: Worker
    │       DLQ: dlq.workers
    └── workers.completed [routing: completed]
            Consumer: Coordinator

    consilium.control (direct)
    └── control.cancel [routing: cancel]
            Consumer: Coordinator

    consilium.dlq (direct)
    └── dlq.workers [routing: workers]
            Manual processing
  `
}
