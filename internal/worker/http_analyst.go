package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/sony/gobreaker"

	"github.com/shaiso/consilium/internal/domain"
)

const defaultAnalystTimeout = 60 * time.Second

// CompletionURL возвращает базовый URL completion-сервиса.
//
// Порядок: переменная окружения COMPLETION_URL, иначе localhost.
func CompletionURL() string {
	if url := os.Getenv("COMPLETION_URL"); url != "" {
		return url
	}
	return "http://localhost:8090"
}

// completionEnvelope — soft-success конверт completion-сервиса.
//
// Транспортный уровень всегда отвечает 200 — доменная ошибка приходит
// внутри конверта, чтобы слой оркестрации разбирал структурированный
// исход, а не различал транспортные и доменные сбои разными путями.
type completionEnvelope struct {
	Success        bool              `json:"success"`
	Result         *completionResult `json:"result,omitempty"`
	RetryScheduled bool              `json:"retry_scheduled,omitempty"`
}

type completionResult struct {
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
}

// HTTPAnalyst — аналитик, вызывающий внешний completion-сервис.
//
// POST {baseURL}/v1/roles/{role}/complete с телом запроса и контекстом
// предыдущих фаз. Вызовы защищены circuit breaker'ом: после серии
// последовательных отказов запросы отклоняются без похода в сеть,
// пока сервис не восстановится.
type HTTPAnalyst struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// HTTPAnalystConfig — конфигурация HTTPAnalyst.
type HTTPAnalystConfig struct {
	// BaseURL — базовый URL completion-сервиса (default: CompletionURL()).
	BaseURL string

	// Timeout — таймаут одного запроса (default: 60s).
	Timeout time.Duration

	// Logger
	Logger *slog.Logger
}

// NewHTTPAnalyst создаёт аналитика для внешнего completion-сервиса.
func NewHTTPAnalyst(cfg HTTPAnalystConfig) *HTTPAnalyst {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = CompletionURL()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAnalystTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "completion",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Отмена вызова — не отказ сервиса.
			if err == nil || ctxErr(err) {
				return true
			}
			return false
		},
	})

	return &HTTPAnalyst{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

func ctxErr(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}

// Analyze выполняет запрос к completion-сервису.
//
// Инфраструктурный сбой (сеть, breaker открыт) возвращается через error —
// результат не записывается, retry делает watchdog. Доменная ошибка
// приходит в Outcome и записывается как ERROR-результат.
func (a *HTTPAnalyst) Analyze(ctx context.Context, req *Request) (*Outcome, error) {
	body, err := json.Marshal(map[string]any{
		"subject": req.Subject,
		"owner":   req.Owner,
		"phase":   req.Phase,
		"role":    req.Role,
		"round":   req.Round,
		"attempt": req.Attempt,
		"context": req.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrCompletionRequest, err)
	}

	url := fmt.Sprintf("%s/v1/roles/%s/complete", a.baseURL, req.Role)

	result, err := a.breaker.Execute(func() (any, error) {
		return a.doRequest(ctx, url, body)
	})
	if err != nil {
		return nil, err
	}

	envelope := result.(*completionEnvelope)

	// Сервис отложил выполнение — результата нет, вызов остаётся
	// открытым до следующей попытки watchdog'а.
	if !envelope.Success && envelope.RetryScheduled {
		return nil, ErrRetryScheduled
	}

	if envelope.Success {
		var payload map[string]any
		if envelope.Result != nil {
			payload = envelope.Result.Payload
		}
		return &Outcome{Payload: payload}, nil
	}

	// Доменная ошибка из конверта.
	errMsg := "completion failed"
	kind := domain.ErrorKindOther
	if envelope.Result != nil {
		if envelope.Result.Error != "" {
			errMsg = envelope.Result.Error
		}
		if envelope.Result.ErrorKind != "" {
			kind = domain.ErrorKind(envelope.Result.ErrorKind)
		}
	}

	return &Outcome{Error: errMsg, ErrorKind: kind}, nil
}

// doRequest выполняет один HTTP-запрос и разбирает конверт.
func (a *HTTPAnalyst) doRequest(ctx context.Context, url string, body []byte) (*completionEnvelope, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrCompletionRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompletionRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrCompletionRequest, err)
	}

	// Контракт — soft-success 200; прочие коды считаем доменной ошибкой
	// с классификацией по статусу, чтобы не терять исход.
	if resp.StatusCode != http.StatusOK {
		return &completionEnvelope{
			Success: false,
			Result: &completionResult{
				Error:     fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
				ErrorKind: string(classifyStatus(resp.StatusCode)),
			},
		}, nil
	}

	var envelope completionEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrCompletionRequest, err)
	}

	return &envelope, nil
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
