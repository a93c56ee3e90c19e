package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shaiso/consilium/internal/mq"
	"github.com/shaiso/consilium/internal/pipeline"
	"github.com/shaiso/consilium/internal/store"
)

// Publisher публикует события API в очереди.
// Реализуется *mq.Publisher; в тестах подменяется fake'ом.
type Publisher interface {
	PublishTaskPending(ctx context.Context, taskID uuid.UUID) error
	PublishBatchPending(ctx context.Context, batchID uuid.UUID) error
	PublishCancel(ctx context.Context, payload mq.CancelPayload) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	store     store.Store
	publisher Publisher
	plan      *pipeline.Plan
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Store     store.Store
	Publisher Publisher
	Plan      *pipeline.Plan
	Logger    *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	plan := cfg.Plan
	if plan == nil {
		plan = pipeline.Default()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		plan:      plan,
		logger:    logger,
	}
}
