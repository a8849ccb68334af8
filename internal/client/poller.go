package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/sethvargo/go-retry"
)

// Polling contract defaults.
const (
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 15 * time.Second
	DefaultBudget          = 8 * time.Minute
)

// ErrPollTimeout is returned when the polling budget runs out before the
// task reaches a terminal state. It never wraps a *TaskFailedError.
var ErrPollTimeout = errors.New("timed out waiting for task")

// errStillRunning marks a poll that saw a non-terminal task.
var errStillRunning = errors.New("task still running")

// PollConfig tunes the poller. Zero fields take the contract defaults.
type PollConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Budget          time.Duration
}

func (c PollConfig) withDefaults() PollConfig {
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	return c
}

// backoff doubles from InitialInterval up to MaxInterval and stops once
// Budget has elapsed since it was built.
func (c PollConfig) backoff() retry.Backoff {
	b := retry.NewExponential(c.InitialInterval)
	b = retry.WithCappedDuration(c.MaxInterval, b)
	return retry.WithMaxDuration(c.Budget, b)
}

// Poller waits for tasks to finish.
type Poller struct {
	client   *Client
	config   PollConfig
	onStatus func(*Status)
}

// NewPoller creates a poller using client.
func NewPoller(client *Client, config PollConfig) *Poller {
	return &Poller{client: client, config: config.withDefaults()}
}

// OnStatus registers fn to observe every status the poller reads.
func (p *Poller) OnStatus(fn func(*Status)) {
	p.onStatus = fn
}

// Wait polls until the task completes and returns its result. A failed
// task returns *TaskFailedError; an exhausted budget returns an error
// matching ErrPollTimeout; an unknown task returns ErrNotFound. Transport
// errors and 5xx responses are retried within the budget.
func (p *Poller) Wait(ctx context.Context, id uuid.UUID) (json.RawMessage, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.config.Budget)
	defer cancel()

	var (
		last   *Status
		result json.RawMessage
	)
	err := retry.Do(pollCtx, p.config.backoff(), func(ctx context.Context) error {
		s, err := p.client.Status(ctx, id)
		if err != nil {
			if retryable(err) {
				p.client.logger.DebugContext(ctx, "status poll failed, retrying", "task_id", id, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		last = s
		if p.onStatus != nil {
			p.onStatus(s)
		}

		switch s.Status {
		case domain.TaskStatusCompleted:
			res, err := p.client.Result(ctx, id)
			if err != nil {
				if retryable(err) {
					return retry.RetryableError(err)
				}
				return err
			}
			result = res
			return nil
		case domain.TaskStatusFailed:
			return &TaskFailedError{TaskID: id, ErrorMessage: s.ErrorMessage}
		default:
			return retry.RetryableError(errStillRunning)
		}
	})

	var failed *TaskFailedError
	switch {
	case err == nil:
		return result, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.As(err, &failed):
		return nil, failed
	case errors.Is(err, errStillRunning), pollCtx.Err() != nil, retryable(err):
		return nil, p.timeoutError(last, err)
	default:
		return nil, err
	}
}

func (p *Poller) timeoutError(last *Status, cause error) error {
	if last == nil {
		return fmt.Errorf("%w after %s: %v", ErrPollTimeout, p.config.Budget, cause)
	}
	return fmt.Errorf("%w after %s: last status %s at %d%% (%s)",
		ErrPollTimeout, p.config.Budget, last.Status, last.Progress, last.Message)
}

// retryable reports whether a poll error may clear up on a later poll.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotReady)
}
