package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shaiso/consilium/internal/mq"
	"github.com/shaiso/consilium/internal/pipeline"
	"github.com/shaiso/consilium/internal/store"
)

// Default configuration values.
const (
	defaultInvokePrefetch    = 5
	defaultAggregatePrefetch = 1
)

// Publisher публикует события воркера.
// Реализуется *mq.Publisher; в тестах подменяется fake'ом.
type Publisher interface {
	PublishWorkerCompleted(ctx context.Context, payload mq.WorkerCompletedPayload) error
}

// Worker выполняет вызовы аналитиков.
//
// Worker — stateless компонент системы, который:
//   - Получает вызовы из очереди workers.invoke (event-driven)
//   - Выполняет аналитика роли через Registry
//   - Записывает WorkerResult в БД до ack'а
//   - Публикует worker.completed для Coordinator'а
//   - Выполняет агрегирующее действие batch'а (batches.aggregate)
//
// Workers масштабируются горизонтально — несколько экземпляров
// могут потреблять из одной очереди.
type Worker struct {
	store     store.Store
	publisher Publisher
	conn      *mq.Connection
	registry  *Registry
	plan      *pipeline.Plan

	// Consumers
	invokeConsumer    *mq.Consumer
	aggregateConsumer *mq.Consumer

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Store     store.Store
	Publisher Publisher
	Conn      *mq.Connection

	// Registry — реестр аналитиков (опционально; если nil —
	// создаётся реестр с HTTPAnalyst по умолчанию для всех ролей).
	Registry *Registry

	// Plan — план конвейера (default: pipeline.Default()).
	// Нужен для сборки контекста агрегирующего действия.
	Plan *pipeline.Plan

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
		registry.SetDefault(NewHTTPAnalyst(HTTPAnalystConfig{Logger: logger}))
	}

	plan := cfg.Plan
	if plan == nil {
		plan = pipeline.Default()
	}

	return &Worker{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		conn:      cfg.Conn,
		registry:  registry,
		plan:      plan,
		logger:    logger,
	}
}

// Start запускает Worker.
//
// Запускает consumers для workers.invoke и batches.aggregate.
// Polling-цикла у воркера нет: потерянные вызовы переиздаёт
// dispatch-цикл Coordinator'а.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker")

	w.invokeConsumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
		Queue:    mq.QueueWorkersInvoke,
		Handler:  w.handleWorkerInvoke,
		Prefetch: defaultInvokePrefetch,
	})

	w.aggregateConsumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
		Queue:    mq.QueueBatchesAggregate,
		Handler:  w.handleBatchAggregate,
		Prefetch: defaultAggregatePrefetch,
	})

	for _, consumer := range []*mq.Consumer{w.invokeConsumer, w.aggregateConsumer} {
		consumer := consumer
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("consumer error", "error", err)
			}
		}()
	}

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	if w.invokeConsumer != nil {
		w.invokeConsumer.Stop()
	}
	if w.aggregateConsumer != nil {
		w.aggregateConsumer.Stop()
	}

	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}
