package worker

import (
	"context"
	"fmt"

	"github.com/shaiso/consilium/internal/domain"
)

// Request — запрос на выполнение роли аналитика.
//
// Несёт всё необходимое для stateless-выполнения: аналитик не ходит в БД.
type Request struct {
	// Subject — анализируемый инструмент.
	Subject string

	// Owner — владелец task'а.
	Owner string

	// Phase и Role — позиция в конвейере.
	Phase domain.Phase
	Role  domain.Role

	// Round — раунд дебатов (0 вне debate-фаз).
	Round int

	// Attempt — номер попытки (начиная с 1).
	Attempt int

	// Context — результаты предыдущих фаз и ходов дебатов,
	// собранные координатором: phase → role → payload.
	Context map[string]any
}

// Outcome — результат выполнения аналитика.
type Outcome struct {
	// Payload — структурированный артефакт роли.
	Payload map[string]any

	// Error — сообщение о доменной ошибке. Инфраструктурные ошибки
	// возвращаются через error в Analyze().
	Error string

	// ErrorKind — классификация доменной ошибки (только при Error != "").
	ErrorKind domain.ErrorKind
}

// IsError сообщает, является ли результат доменной ошибкой.
func (o *Outcome) IsError() bool {
	return o.Error != ""
}

// Analyst — интерфейс выполнения роли конвейера.
//
// Реализация по умолчанию — HTTPAnalyst (внешний completion-сервис).
type Analyst interface {
	Analyze(ctx context.Context, req *Request) (*Outcome, error)
}

// Registry — реестр аналитиков по роли.
//
// Роль без явной регистрации обслуживается аналитиком по умолчанию,
// если он задан через SetDefault.
type Registry struct {
	analysts map[domain.Role]Analyst
	fallback Analyst
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{analysts: make(map[domain.Role]Analyst)}
}

// Register добавляет аналитика для роли.
func (r *Registry) Register(role domain.Role, analyst Analyst) {
	r.analysts[role] = analyst
}

// SetDefault задаёт аналитика для ролей без явной регистрации.
func (r *Registry) SetDefault(analyst Analyst) {
	r.fallback = analyst
}

// Get возвращает аналитика для роли.
func (r *Registry) Get(role domain.Role) (Analyst, error) {
	if analyst, ok := r.analysts[role]; ok {
		return analyst, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
}
