// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//
// Типы сообщений:
//   - task.pending     — новый task ожидает запуска
//   - batch.pending    — новый batch ожидает fan-out
//   - batch.aggregate  — batch готов к агрегирующему действию
//   - worker.invoke    — вызов worker'а для (task, phase, role, round)
//   - worker.completed — worker завершил вызов
//   - control.cancel   — запрос отмены task или batch
//
// Exchanges:
//   - consilium.tasks   — события tasks и batches
//   - consilium.workers — вызовы и результаты workers
//   - consilium.control — управляющие команды
//   - consilium.dlq     — dead letter queue
package mq
