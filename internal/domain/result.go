package domain

import "time"

// Phase — имя фазы конвейера (например "analysis", "debate").
// Набор фаз задаётся статическим планом в пакете pipeline.
type Phase string

// Role — роль worker'а внутри фазы (например "fundamentals", "trader").
type Role string

// Outcome — исход выполнения worker'а.
type Outcome string

const (
	// OutcomeSuccess — worker завершился успешно и вернул payload.
	OutcomeSuccess Outcome = "SUCCESS"

	// OutcomeError — worker завершился ошибкой; ошибка записана, не проброшена.
	OutcomeError Outcome = "ERROR"
)

// ErrorKind — классификация ошибки worker'а.
//
// Worker сам классифицирует свою ошибку перед записью результата,
// чтобы координатор и итоговый артефакт видели структурированную причину.
type ErrorKind string

const (
	// ErrorKindRateLimit — внешний сервис ограничил частоту запросов.
	ErrorKindRateLimit ErrorKind = "RATE_LIMIT"

	// ErrorKindAuthFailure — невалидный или истёкший credential.
	ErrorKindAuthFailure ErrorKind = "AUTH_FAILURE"

	// ErrorKindUpstream — внешняя зависимость вычисления вернула ошибку.
	ErrorKindUpstream ErrorKind = "UPSTREAM_ERROR"

	// ErrorKindDataFetch — не удалось получить исходные данные по subject.
	ErrorKindDataFetch ErrorKind = "DATA_FETCH_ERROR"

	// ErrorKindTimeout — watchdog исчерпал попытки, результата нет.
	ErrorKindTimeout ErrorKind = "TIMEOUT"

	// ErrorKindOther — всё остальное.
	ErrorKindOther ErrorKind = "OTHER"
)

// WorkerResult — терминальный результат одного worker'а в одной фазе.
//
// Результаты храним в Task.PhaseResults по ключу (phase, role):
// повторная запись с тем же ключом полностью заменяет предыдущую,
// поэтому дубликаты от retry идемпотентны.
type WorkerResult struct {
	// Role — роль worker'а, записавшего результат.
	Role Role `json:"role"`

	// Round — номер раунда для debate-фаз (0 для обычных фаз).
	Round int `json:"round,omitempty"`

	// Attempt — номер попытки, которая записала результат (с 1).
	Attempt int `json:"attempt"`

	// Outcome — исход: SUCCESS или ERROR.
	Outcome Outcome `json:"outcome"`

	// Payload — доменное содержимое результата.
	Payload map[string]any `json:"payload,omitempty"`

	// ErrorKind — классификация ошибки (только при Outcome == ERROR).
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// Error — текст ошибки (только при Outcome == ERROR).
	Error string `json:"error,omitempty"`

	// Timestamp — время записи результата.
	Timestamp time.Time `json:"timestamp"`
}

// IsError возвращает true, если результат — ошибка.
func (r *WorkerResult) IsError() bool {
	return r.Outcome == OutcomeError
}

// PhaseResults — карта результатов: фаза → роль → результат.
//
// Записи только заменяются по ключу (phase, role), никогда не сливаются
// позиционно: это единственная причина, по которой at-least-once доставка
// уведомлений безопасна.
type PhaseResults map[Phase]map[Role]WorkerResult

// Get возвращает результат для (phase, role).
func (pr PhaseResults) Get(phase Phase, role Role) (WorkerResult, bool) {
	roles, ok := pr[phase]
	if !ok {
		return WorkerResult{}, false
	}
	res, ok := roles[role]
	return res, ok
}

// Set записывает результат для (phase, res.Role), заменяя существующий.
func (pr PhaseResults) Set(phase Phase, res WorkerResult) {
	roles, ok := pr[phase]
	if !ok {
		roles = make(map[Role]WorkerResult)
		pr[phase] = roles
	}
	roles[res.Role] = res
}

// Clone возвращает глубокую копию карты результатов.
// Payload копируется по ссылке: результаты после записи не мутируются.
func (pr PhaseResults) Clone() PhaseResults {
	out := make(PhaseResults, len(pr))
	for phase, roles := range pr {
		m := make(map[Role]WorkerResult, len(roles))
		for role, res := range roles {
			m[role] = res
		}
		out[phase] = m
	}
	return out
}
