package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/openfleet/fleetgate/internal/circuitbreaker"
	"github.com/openfleet/fleetgate/internal/retry"
)

// ErrUpstreamCoolingOff means the provider circuit is open and the request
// was not attempted.
var ErrUpstreamCoolingOff = errors.New("chat: upstream circuit open")

// resilientClient wraps an upstream Client with retries and a circuit
// breaker. Completions are retried on transient provider errors; stream
// opens go through the breaker but are never retried, the caller already
// holds an event-stream response by then.
type resilientClient struct {
	inner   Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	maxAttempts int
	baseDelay   time.Duration
}

// NewResilientClient decorates inner with retry and circuit-breaking.
func NewResilientClient(inner Client, logger *slog.Logger) Client {
	return &resilientClient{
		inner:       inner,
		breaker:     circuitbreaker.New("chat_upstream", 5, 30*time.Second),
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
	}
}

func (c *resilientClient) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	if !c.breaker.Allow() {
		return resp, ErrUpstreamCoolingOff
	}

	err := retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		r, err := c.inner.CreateCompletion(ctx, req)
		if err != nil {
			if !retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Warn("chat upstream failing", "state", c.breaker.State().String(), "error", err)
		return resp, err
	}
	c.breaker.RecordSuccess()
	return resp, nil
}

func (c *resilientClient) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (Stream, error) {
	if !c.breaker.Allow() {
		return nil, ErrUpstreamCoolingOff
	}
	stream, err := c.inner.CreateCompletionStream(ctx, req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}
	c.breaker.RecordSuccess()
	return stream, nil
}

// retryable reports whether a provider error is worth another attempt.
// Rate limiting and server-side failures are transient; any other API
// error is the request's own fault.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	// Network-level errors carry no status; assume transient.
	return true
}
