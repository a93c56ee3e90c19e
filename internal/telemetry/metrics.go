package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики оркестрации. Регистрируются в default registry,
// экспорт — promhttp.Handler() на /metrics каждого сервиса.
var (
	// InvocationsCreated — созданные вызовы workers, по фазе и роли.
	InvocationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consilium_invocations_created_total",
		Help: "Number of worker invocations created.",
	}, []string{"phase", "role"})

	// InvocationsTimedOut — вызовы, закрытые watchdog'ом по дедлайну.
	InvocationsTimedOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consilium_invocations_timed_out_total",
		Help: "Number of worker invocations timed out by the watchdog.",
	}, []string{"phase", "role"})

	// WorkerResults — применённые результаты workers, по фазе и исходу.
	WorkerResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consilium_worker_results_total",
		Help: "Number of worker results applied to tasks.",
	}, []string{"phase", "outcome"})

	// WorkerDuration — длительность выполнения worker'а.
	WorkerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consilium_worker_duration_seconds",
		Help:    "Duration of worker invocations.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"phase", "role"})

	// TasksFinished — tasks, дошедшие до терминального статуса.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consilium_tasks_finished_total",
		Help: "Number of tasks reaching a terminal status.",
	}, []string{"status"})

	// BatchesFinished — batches, дошедшие до терминального статуса.
	BatchesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consilium_batches_finished_total",
		Help: "Number of batches reaching a terminal status.",
	}, []string{"status"})

	// AggregatesTriggered — выигранные запуски агрегирующего действия.
	AggregatesTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consilium_aggregates_triggered_total",
		Help: "Number of batch aggregate actions triggered.",
	})

	// SchedulerBatches — batches, созданные scheduler'ом.
	SchedulerBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consilium_scheduler_batches_total",
		Help: "Number of batches created by the scheduler.",
	})
)
