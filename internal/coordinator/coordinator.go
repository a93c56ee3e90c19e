package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/consilium/internal/domain"
	"github.com/shaiso/consilium/internal/mq"
	"github.com/shaiso/consilium/internal/pipeline"
	"github.com/shaiso/consilium/internal/store"
)

// Default configuration values.
const (
	defaultPollInterval     = 10 * time.Second
	defaultDispatchInterval = time.Second
	defaultWatchdogInterval = 5 * time.Second
	defaultBatchSize        = 100

	defaultInvokeTimeout   = 180 * time.Second
	defaultRetryDelay      = 5 * time.Second
	defaultMaxAttempts     = 4
	defaultRedispatchAfter = time.Minute
)

// Publisher — издатель сообщений, нужных координатору.
// Реализуется *mq.Publisher; в тестах подменяется.
type Publisher interface {
	PublishWorkerInvoke(ctx context.Context, payload mq.WorkerInvokePayload) error
	PublishBatchAggregate(ctx context.Context, batchID uuid.UUID) error
}

// Coordinator управляет выполнением tasks и batches.
//
// Центральный компонент системы:
//   - Получает новые tasks/batches из очередей (event-driven)
//   - Периодически проверяет pending работу в БД (polling fallback)
//   - Создаёт вызовы workers по плану конвейера
//   - Применяет результаты и продвигает фазы условными обновлениями
//   - Watchdog: retry и таймаут зависших вызовов
type Coordinator struct {
	store     store.Store
	publisher Publisher
	conn      *mq.Connection
	plan      *pipeline.Plan

	// Consumers
	taskConsumer      *mq.Consumer
	batchConsumer     *mq.Consumer
	completedConsumer *mq.Consumer
	cancelConsumer    *mq.Consumer

	// Configuration
	pollInterval     time.Duration
	dispatchInterval time.Duration
	watchdogInterval time.Duration
	batchSize        int
	invokeTimeout    time.Duration
	retryDelay       time.Duration
	maxAttempts      int
	redispatchAfter  time.Duration

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Coordinator.
type Config struct {
	Store     store.Store
	Publisher Publisher
	Conn      *mq.Connection

	// Plan — план конвейера (default: pipeline.Default()).
	Plan *pipeline.Plan

	// Polling configuration
	PollInterval     time.Duration // интервал polling fallback (default: 10s)
	DispatchInterval time.Duration // интервал публикации вызовов (default: 1s)
	WatchdogInterval time.Duration // интервал проверки дедлайнов (default: 5s)
	BatchSize        int           // размер выборки за один poll (default: 100)

	// Invocation configuration
	InvokeTimeout   time.Duration // time-box одного вызова (default: 180s)
	RetryDelay      time.Duration // фиксированная задержка retry (default: 5s)
	MaxAttempts     int           // максимум попыток на вызов (default: 4)
	RedispatchAfter time.Duration // повторная публикация вызова (default: 60s)

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Coordinator.
func New(cfg Config) *Coordinator {
	plan := cfg.Plan
	if plan == nil {
		plan = pipeline.Default()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		store:            cfg.Store,
		publisher:        cfg.Publisher,
		conn:             cfg.Conn,
		plan:             plan,
		pollInterval:     cfg.PollInterval,
		dispatchInterval: cfg.DispatchInterval,
		watchdogInterval: cfg.WatchdogInterval,
		batchSize:        cfg.BatchSize,
		invokeTimeout:    cfg.InvokeTimeout,
		retryDelay:       cfg.RetryDelay,
		maxAttempts:      cfg.MaxAttempts,
		redispatchAfter:  cfg.RedispatchAfter,
		logger:           logger,
	}

	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.dispatchInterval <= 0 {
		c.dispatchInterval = defaultDispatchInterval
	}
	if c.watchdogInterval <= 0 {
		c.watchdogInterval = defaultWatchdogInterval
	}
	if c.batchSize <= 0 {
		c.batchSize = defaultBatchSize
	}
	if c.invokeTimeout <= 0 {
		c.invokeTimeout = defaultInvokeTimeout
	}
	if c.retryDelay <= 0 {
		c.retryDelay = defaultRetryDelay
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.redispatchAfter <= 0 {
		c.redispatchAfter = defaultRedispatchAfter
	}

	return c
}

// Start запускает Coordinator.
//
// Запускает:
//   - Consumers для tasks.pending, batches.pending, workers.completed,
//     control.cancel
//   - Polling горутину для fallback
//   - Dispatch-цикл публикации вызовов
//   - Watchdog-цикл дедлайнов
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	c.logger.Info("starting coordinator",
		"poll_interval", c.pollInterval,
		"invoke_timeout", c.invokeTimeout,
		"max_attempts", c.maxAttempts,
	)

	c.taskConsumer = mq.NewConsumer(c.conn, c.logger, mq.ConsumerConfig{
		Queue:    mq.QueueTasksPending,
		Handler:  c.handleTaskPending,
		Prefetch: 10,
	})
	c.batchConsumer = mq.NewConsumer(c.conn, c.logger, mq.ConsumerConfig{
		Queue:    mq.QueueBatchesPending,
		Handler:  c.handleBatchPending,
		Prefetch: 10,
	})
	c.completedConsumer = mq.NewConsumer(c.conn, c.logger, mq.ConsumerConfig{
		Queue:    mq.QueueWorkersCompleted,
		Handler:  c.handleWorkerCompleted,
		Prefetch: 10,
	})
	c.cancelConsumer = mq.NewConsumer(c.conn, c.logger, mq.ConsumerConfig{
		Queue:    mq.QueueControlCancel,
		Handler:  c.handleCancel,
		Prefetch: 10,
	})

	for _, consumer := range []*mq.Consumer{
		c.taskConsumer, c.batchConsumer, c.completedConsumer, c.cancelConsumer,
	} {
		consumer := consumer
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("consumer error", "error", err)
			}
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollLoop(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchLoop(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchdogLoop(ctx)
	}()

	c.logger.Info("coordinator started")
	return nil
}

// Stop останавливает Coordinator.
func (c *Coordinator) Stop() {
	c.logger.Info("stopping coordinator...")

	if c.cancelFunc != nil {
		c.cancelFunc()
	}

	for _, consumer := range []*mq.Consumer{
		c.taskConsumer, c.batchConsumer, c.completedConsumer, c.cancelConsumer,
	} {
		if consumer != nil {
			consumer.Stop()
		}
	}

	c.wg.Wait()

	c.logger.Info("coordinator stopped")
}

// pollLoop — цикл polling для fallback.
func (c *Coordinator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем работу, созданную
	// пока координатор был выключен)
	c.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling: pending batches, pending tasks,
// batches, зависшие в RUNNING при всех терминальных участниках, и
// batches, застрявшие в AGGREGATING (потерянное aggregate-сообщение).
func (c *Coordinator) poll(ctx context.Context) {
	batches, err := c.store.ListPendingBatches(ctx, c.batchSize)
	if err != nil {
		c.logger.Error("failed to list pending batches", "error", err)
	} else {
		for i := range batches {
			if err := c.StartBatch(ctx, batches[i].ID); err != nil {
				c.logger.Error("failed to start batch from poll",
					"batch_id", batches[i].ID,
					"error", err,
				)
			}
		}
	}

	tasks, err := c.store.ListPendingTasks(ctx, c.batchSize)
	if err != nil {
		c.logger.Error("failed to list pending tasks", "error", err)
	} else {
		for i := range tasks {
			if err := c.StartTask(ctx, tasks[i].ID); err != nil {
				c.logger.Error("failed to start task from poll",
					"task_id", tasks[i].ID,
					"error", err,
				)
			}
		}
	}

	c.repollRunning(ctx)
	c.repollAggregating(ctx)
}

// repollRunning достраивает fan-in для batches, оставшихся в RUNNING,
// хотя все участники уже терминальны: последний участник финализирован,
// а уведомление batch'а не прошло (рестарт между записями). CAS-переходы
// сами проверяют готовность, для незавершённых batches это no-op.
func (c *Coordinator) repollRunning(ctx context.Context) {
	running, err := c.store.ListBatches(ctx, store.BatchFilter{
		Status: domain.BatchStatusRunning,
		Limit:  c.batchSize,
	})
	if err != nil {
		c.logger.Error("failed to list running batches", "error", err)
		return
	}

	for i := range running {
		b := &running[i]
		if time.Since(b.UpdatedAt) < c.redispatchAfter {
			continue
		}
		if err := c.onMemberTerminal(ctx, b.ID); err != nil {
			c.logger.Error("failed to re-check batch fan-in",
				"batch_id", b.ID,
				"error", err,
			)
		}
	}
}

// repollAggregating повторно публикует batch.aggregate для batches,
// зависших в AGGREGATING: флаг aggregate_triggered выставлен, но
// сообщение могло потеряться. Обработчик агрегата идемпотентен,
// лишняя публикация безвредна.
func (c *Coordinator) repollAggregating(ctx context.Context) {
	aggregating, err := c.store.ListBatches(ctx, store.BatchFilter{
		Status: domain.BatchStatusAggregating,
		Limit:  c.batchSize,
	})
	if err != nil {
		c.logger.Error("failed to list aggregating batches", "error", err)
		return
	}

	for i := range aggregating {
		b := &aggregating[i]
		if time.Since(b.UpdatedAt) < c.redispatchAfter {
			continue
		}
		if err := c.publisher.PublishBatchAggregate(ctx, b.ID); err != nil {
			c.logger.Error("failed to republish batch.aggregate",
				"batch_id", b.ID,
				"error", err,
			)
		}
	}
}
