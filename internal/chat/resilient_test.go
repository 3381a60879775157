package chat

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/fleetgate/internal/circuitbreaker"
)

// flakyClient fails a scripted number of times before succeeding.
type flakyClient struct {
	failures int
	err      error
	calls    int
}

func (f *flakyClient) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{ID: "cmpl_ok"}, nil
}

func (f *flakyClient) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (Stream, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &fakeStream{}, nil
}

func newResilient(inner Client) *resilientClient {
	c := NewResilientClient(inner, testLogger()).(*resilientClient)
	c.baseDelay = time.Millisecond
	return c
}

func TestResilientRetriesTransientErrors(t *testing.T) {
	inner := &flakyClient{failures: 2, err: errors.New("connection reset")}
	c := newResilient(inner)

	resp, err := c.CreateCompletion(context.Background(), openai.ChatCompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "cmpl_ok", resp.ID)
	assert.Equal(t, 3, inner.calls)
}

func TestResilientDoesNotRetryClientErrors(t *testing.T) {
	apiErr := &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "bad prompt"}
	inner := &flakyClient{failures: 10, err: apiErr}
	c := newResilient(inner)

	_, err := c.CreateCompletion(context.Background(), openai.ChatCompletionRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestResilientRetriesRateLimitAndServerErrors(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		inner := &flakyClient{failures: 1, err: &openai.APIError{HTTPStatusCode: status}}
		c := newResilient(inner)

		_, err := c.CreateCompletion(context.Background(), openai.ChatCompletionRequest{})
		require.NoError(t, err, "status %d", status)
		assert.Equal(t, 2, inner.calls, "status %d", status)
	}
}

func TestResilientTripsBreakerAfterRepeatedFailures(t *testing.T) {
	inner := &flakyClient{failures: 1000, err: errors.New("down")}
	c := newResilient(inner)

	// Each CreateCompletion call exhausts its retries and counts one failure.
	for i := 0; i < 5; i++ {
		_, err := c.CreateCompletion(context.Background(), openai.ChatCompletionRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.breaker.State())

	callsBefore := inner.calls
	_, err := c.CreateCompletion(context.Background(), openai.ChatCompletionRequest{})
	assert.ErrorIs(t, err, ErrUpstreamCoolingOff)
	assert.Equal(t, callsBefore, inner.calls, "open circuit must not reach the upstream")
}

func TestResilientStreamGoesThroughBreaker(t *testing.T) {
	inner := &flakyClient{failures: 1000, err: errors.New("down")}
	c := newResilient(inner)
	for i := 0; i < 5; i++ {
		_, err := c.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{})
		require.Error(t, err)
	}

	_, err := c.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{})
	assert.ErrorIs(t, err, ErrUpstreamCoolingOff)
}

func TestResilientStreamOpenIsNotRetried(t *testing.T) {
	inner := &flakyClient{failures: 1, err: errors.New("transient")}
	c := newResilient(inner)

	_, err := c.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestUpstreamStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, upstreamStatus(ErrUpstreamCoolingOff))
	assert.Equal(t, http.StatusBadGateway, upstreamStatus(errors.New("boom")))
	assert.Equal(t, "upstream_cooling_off", upstreamErrorBody(ErrUpstreamCoolingOff)["error"])
	assert.Equal(t, "upstream_error", upstreamErrorBody(errors.New("boom"))["error"])
}
