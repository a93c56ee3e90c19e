package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// TaskResponse — task из API.
type TaskResponse struct {
	ID              string   `json:"id"`
	Subject         string   `json:"subject"`
	Owner           string   `json:"owner"`
	BatchID         string   `json:"batch_id,omitempty"`
	Status          string   `json:"status"`
	CurrentPhase    string   `json:"current_phase,omitempty"`
	SkipPhases      []string `json:"skip_phases,omitempty"`
	CancelRequested bool     `json:"cancel_requested"`
	Error           string   `json:"error,omitempty"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

// TaskResultsResponse — результаты workers по фазам.
type TaskResultsResponse struct {
	TaskID       string                    `json:"task_id"`
	Status       string                    `json:"status"`
	PhaseResults map[string]map[string]any `json:"phase_results"`
}

// BatchResponse — batch из API.
type BatchResponse struct {
	ID                 string         `json:"id"`
	Owner              string         `json:"owner"`
	Subjects           []string       `json:"subjects"`
	TaskIDs            []string       `json:"task_ids,omitempty"`
	Status             string         `json:"status"`
	SkipPhases         []string       `json:"skip_phases,omitempty"`
	AggregateTriggered bool           `json:"aggregate_triggered"`
	CancelRequested    bool           `json:"cancel_requested"`
	IdempotencyKey     string         `json:"idempotency_key,omitempty"`
	AggregateResult    map[string]any `json:"aggregate_result,omitempty"`
	Error              string         `json:"error,omitempty"`
	CreatedAt          string         `json:"created_at"`
	UpdatedAt          string         `json:"updated_at"`
}

// ScheduleResponse — schedule из API.
type ScheduleResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Owner       string   `json:"owner"`
	Subjects    []string `json:"subjects"`
	SkipPhases  []string `json:"skip_phases,omitempty"`
	CronExpr    string   `json:"cron_expr,omitempty"`
	IntervalSec int      `json:"interval_sec,omitempty"`
	Timezone    string   `json:"timezone"`
	Enabled     bool     `json:"enabled"`
	NextDueAt   string   `json:"next_due_at,omitempty"`
	LastRunAt   string   `json:"last_run_at,omitempty"`
	LastBatchID string   `json:"last_batch_id,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// --- Request types ---

// CreateTaskRequest — запуск анализа одного subject.
type CreateTaskRequest struct {
	Subject    string   `json:"subject"`
	Owner      string   `json:"owner"`
	SkipPhases []string `json:"skip_phases,omitempty"`
}

// CreateBatchRequest — создание batch.
type CreateBatchRequest struct {
	Owner          string   `json:"owner"`
	Subjects       []string `json:"subjects"`
	SkipPhases     []string `json:"skip_phases,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// CreateScheduleRequest — создание schedule.
type CreateScheduleRequest struct {
	Name        string   `json:"name"`
	Owner       string   `json:"owner"`
	Subjects    []string `json:"subjects"`
	SkipPhases  []string `json:"skip_phases,omitempty"`
	CronExpr    string   `json:"cron_expr,omitempty"`
	IntervalSec int      `json:"interval_sec,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	Enabled     bool     `json:"enabled"`
}

// UpdateScheduleRequest — обновление schedule.
type UpdateScheduleRequest struct {
	Name        *string   `json:"name,omitempty"`
	Subjects    *[]string `json:"subjects,omitempty"`
	CronExpr    *string   `json:"cron_expr,omitempty"`
	IntervalSec *int      `json:"interval_sec,omitempty"`
	Timezone    *string   `json:"timezone,omitempty"`
}

// ListTasksOpts — параметры фильтрации tasks.
type ListTasksOpts struct {
	Owner   string
	BatchID string
	Status  string
	Limit   int
}

// ListBatchesOpts — параметры фильтрации batches.
type ListBatchesOpts struct {
	Owner  string
	Status string
	Limit  int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Consilium API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Tasks ---

// ListTasks возвращает список tasks с фильтрацией.
func (c *Client) ListTasks(opts ListTasksOpts) ([]TaskResponse, error) {
	params := url.Values{}
	if opts.Owner != "" {
		params.Set("owner", opts.Owner)
	}
	if opts.BatchID != "" {
		params.Set("batch_id", opts.BatchID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}

	var tasks []TaskResponse
	err := c.list("/api/v1/tasks", params, &tasks)
	return tasks, err
}

// CreateTask запускает анализ одного subject.
func (c *Client) CreateTask(req CreateTaskRequest) (*TaskResponse, error) {
	var task TaskResponse
	err := c.post("/api/v1/tasks", req, &task)
	return &task, err
}

// GetTask возвращает task по ID.
func (c *Client) GetTask(id string) (*TaskResponse, error) {
	var task TaskResponse
	err := c.get("/api/v1/tasks/"+id, &task)
	return &task, err
}

// GetTaskResults возвращает результаты workers по фазам.
func (c *Client) GetTaskResults(id string) (*TaskResultsResponse, error) {
	var results TaskResultsResponse
	err := c.get("/api/v1/tasks/"+id+"/results", &results)
	return &results, err
}

// CancelTask запрашивает отмену task.
func (c *Client) CancelTask(id string) (*TaskResponse, error) {
	var task TaskResponse
	err := c.post("/api/v1/tasks/"+id+"/cancel", nil, &task)
	return &task, err
}

// --- Batches ---

// ListBatches возвращает список batches с фильтрацией.
func (c *Client) ListBatches(opts ListBatchesOpts) ([]BatchResponse, error) {
	params := url.Values{}
	if opts.Owner != "" {
		params.Set("owner", opts.Owner)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}

	var batches []BatchResponse
	err := c.list("/api/v1/batches", params, &batches)
	return batches, err
}

// CreateBatch создаёт batch для группы subjects.
func (c *Client) CreateBatch(req CreateBatchRequest) (*BatchResponse, error) {
	var batch BatchResponse
	err := c.post("/api/v1/batches", req, &batch)
	return &batch, err
}

// GetBatch возвращает batch по ID.
func (c *Client) GetBatch(id string) (*BatchResponse, error) {
	var batch BatchResponse
	err := c.get("/api/v1/batches/"+id, &batch)
	return &batch, err
}

// ListBatchTasks возвращает member tasks batch'а.
func (c *Client) ListBatchTasks(batchID string) ([]TaskResponse, error) {
	var tasks []TaskResponse
	err := c.list("/api/v1/batches/"+batchID+"/tasks", nil, &tasks)
	return tasks, err
}

// CancelBatch запрашивает отмену batch.
func (c *Client) CancelBatch(id string) (*BatchResponse, error) {
	var batch BatchResponse
	err := c.post("/api/v1/batches/"+id+"/cancel", nil, &batch)
	return &batch, err
}

// --- Schedules ---

// ListSchedules возвращает schedules.
func (c *Client) ListSchedules() ([]ScheduleResponse, error) {
	var schedules []ScheduleResponse
	err := c.list("/api/v1/schedules", nil, &schedules)
	return schedules, err
}

// CreateSchedule создаёт schedule.
func (c *Client) CreateSchedule(req CreateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.post("/api/v1/schedules", req, &schedule)
	return &schedule, err
}

// GetSchedule возвращает schedule по ID.
func (c *Client) GetSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.get("/api/v1/schedules/"+id, &schedule)
	return &schedule, err
}

// UpdateSchedule обновляет schedule.
func (c *Client) UpdateSchedule(id string, req UpdateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.put("/api/v1/schedules/"+id, req, &schedule)
	return &schedule, err
}

// DeleteSchedule удаляет schedule.
func (c *Client) DeleteSchedule(id string) error {
	return c.delete("/api/v1/schedules/" + id)
}

// EnableSchedule включает schedule.
func (c *Client) EnableSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	body := map[string]bool{"enabled": true}
	err := c.put("/api/v1/schedules/"+id+"/enabled", body, &schedule)
	return &schedule, err
}

// DisableSchedule выключает schedule.
func (c *Client) DisableSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	body := map[string]bool{"enabled": false}
	err := c.put("/api/v1/schedules/"+id+"/enabled", body, &schedule)
	return &schedule, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
