// Package chat relays fleet assistant conversations to an upstream model
// provider. The relay itself is deliberately thin; which tenants may use it,
// and with which model, is decided by the authz gate before any upstream
// call is made.
package chat

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

// Errors
var (
	ErrNotConfigured = errors.New("chat: no upstream provider configured")
)

// Stream is a server-sent completion stream.
type Stream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// Client is the upstream completion API. It is an interface so tests can
// substitute a scripted fake.
type Client interface {
	CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (Stream, error)
}

// openAIClient adapts the go-openai client to the Client interface.
type openAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a Client backed by the OpenAI API.
func NewOpenAIClient(apiKey string) Client {
	return &openAIClient{client: openai.NewClient(apiKey)}
}

func (c *openAIClient) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return c.client.CreateChatCompletion(ctx, req)
}

func (c *openAIClient) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (Stream, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	return s.stream.Recv()
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
