// Package client is an HTTP client for the task API. Besides plain calls
// it implements the polling contract callers use to wait for a task:
// start at one second, double after every poll, cap the interval at 15
// seconds, and give up after eight minutes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/domain"
)

var (
	// ErrNotFound is returned when the server does not know the task.
	ErrNotFound = errors.New("task not found")

	// ErrNotReady is returned by Result while the task is still running.
	ErrNotReady = errors.New("task result is not ready")

	// ErrUnavailable wraps transport failures reaching the API.
	ErrUnavailable = errors.New("task api unavailable")
)

// TaskFailedError reports a task that reached the failed state.
type TaskFailedError struct {
	TaskID       uuid.UUID
	ErrorMessage string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.ErrorMessage)
}

// ConflictError is returned by Submit when an equivalent task exists.
type ConflictError struct {
	ExistingTaskID uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s already covers this request", e.ExistingTaskID)
}

// APIError is any other non-success response.
type APIError struct {
	StatusCode int
	Message    string
	TraceID    string
}

func (e *APIError) Error() string {
	if e.TraceID != "" {
		return fmt.Sprintf("api returned %d: %s (trace %s)", e.StatusCode, e.Message, e.TraceID)
	}
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

// Status is the task state reported by the status endpoint.
type Status struct {
	TaskID       uuid.UUID         `json:"task_id"`
	TaskType     domain.TaskType   `json:"task_type"`
	Status       domain.TaskStatus `json:"status"`
	Progress     int               `json:"progress"`
	Message      string            `json:"status_message"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Client calls the task API at a base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the API served at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "task_client")
	return c
}

// Submit creates a task and returns its id.
func (c *Client) Submit(ctx context.Context, taskType domain.TaskType, input any) (uuid.UUID, error) {
	payload, err := json.Marshal(map[string]any{"task_type": taskType, "input_data": input})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var accepted struct {
		TaskID uuid.UUID `json:"task_id"`
	}
	status, body, err := c.do(ctx, http.MethodPost, "/api/tasks", payload)
	if err != nil {
		return uuid.Nil, err
	}

	switch status {
	case http.StatusAccepted:
		if err := json.Unmarshal(body, &accepted); err != nil {
			return uuid.Nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return accepted.TaskID, nil
	case http.StatusConflict:
		var conflict struct {
			ExistingTaskID uuid.UUID `json:"existing_task_id"`
		}
		if err := json.Unmarshal(body, &conflict); err != nil {
			return uuid.Nil, fmt.Errorf("failed to decode conflict: %w", err)
		}
		return uuid.Nil, &ConflictError{ExistingTaskID: conflict.ExistingTaskID}
	default:
		return uuid.Nil, apiError(status, body)
	}
}

// Status fetches the current state of a task.
func (c *Client) Status(ctx context.Context, id uuid.UUID) (*Status, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/tasks/"+id.String()+"/status", nil)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		var s Status
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("failed to decode status: %w", err)
		}
		return &s, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, apiError(status, body)
	}
}

// Result fetches the document produced by a completed task. It returns
// ErrNotReady while the task runs and *TaskFailedError once it failed.
func (c *Client) Result(ctx context.Context, id uuid.UUID) (json.RawMessage, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/tasks/"+id.String()+"/result", nil)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		var res struct {
			Result json.RawMessage `json:"result_data"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
		return res.Result, nil
	case http.StatusAccepted:
		return nil, ErrNotReady
	case http.StatusUnprocessableEntity:
		var res struct {
			ErrorMessage string `json:"error_message"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("failed to decode failure: %w", err)
		}
		return nil, &TaskFailedError{TaskID: id, ErrorMessage: res.ErrorMessage}
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, apiError(status, body)
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to call %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}
	return resp.StatusCode, data, nil
}

func apiError(status int, body []byte) error {
	var e struct {
		Error   string `json:"error"`
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		e.Error = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: e.Error, TraceID: e.TraceID}
}
