package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/fleetgate/internal/authz"
	"github.com/openfleet/fleetgate/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClient struct {
	resp      openai.ChatCompletionResponse
	chunks    []openai.ChatCompletionStreamResponse
	err       error
	lastModel string
}

func (f *fakeClient) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastModel = req.Model
	return f.resp, f.err
}

func (f *fakeClient) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (Stream, error) {
	f.lastModel = req.Model
	if f.err != nil {
		return nil, f.err
	}
	return &fakeStream{chunks: f.chunks}, nil
}

type fakeStream struct {
	chunks []openai.ChatCompletionStreamResponse
	pos    int
}

func (s *fakeStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.pos >= len(s.chunks) {
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *fakeStream) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupChat(t *testing.T, client Client, tier tenant.Tier) (*gin.Engine, authz.Identity) {
	t.Helper()
	store := tenant.NewMemoryStore()
	rec := tenant.New("ten_chat", "Chat Fleet", tier, time.Now())
	rec.Status = tenant.StatusActive
	require.NoError(t, store.Create(context.Background(), rec))

	gate := authz.NewGate(store, testLogger())
	h := NewHandler(client, gate, "standard-model", "advanced-model", testLogger())

	id := authz.Identity{TenantID: rec.ID, APIKeyID: "key_1"}
	r := gin.New()
	r.POST("/v1/chat", func(c *gin.Context) {
		c.Set(authz.ContextIdentity, id)
		h.Chat(c)
	})
	return r, id
}

func postChat(r *gin.Engine, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestChat_NoClient_Returns503(t *testing.T) {
	r, _ := setupChat(t, nil, tenant.TierFree)

	w := postChat(r, Request{Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}}})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "chat_unavailable")
}

func TestChat_MissingMessages_Returns400(t *testing.T) {
	r, _ := setupChat(t, &fakeClient{}, tenant.TierFree)

	w := postChat(r, gin.H{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChat_StandardModel(t *testing.T) {
	client := &fakeClient{resp: openai.ChatCompletionResponse{ID: "cmpl_1"}}
	r, _ := setupChat(t, client, tenant.TierFree)

	w := postChat(r, Request{Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "status?"}}})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "standard-model", client.lastModel)
}

func TestChat_AdvancedModel_RequiresPermission(t *testing.T) {
	client := &fakeClient{resp: openai.ChatCompletionResponse{ID: "cmpl_1"}}
	// Free tier has no advanced AI feature
	r, _ := setupChat(t, client, tenant.TierFree)

	w := postChat(r, Request{
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "predict failures"}},
		Model:    "advanced",
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, client.lastModel, "denied request must not reach the upstream")
}

func TestChat_AdvancedModel_PremiumAllowed(t *testing.T) {
	client := &fakeClient{resp: openai.ChatCompletionResponse{ID: "cmpl_1"}}
	r, _ := setupChat(t, client, tenant.TierPremium)

	w := postChat(r, Request{
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "predict failures"}},
		Model:    "advanced",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "advanced-model", client.lastModel)
}

func TestChat_UnknownModelClass_Returns400(t *testing.T) {
	r, _ := setupChat(t, &fakeClient{}, tenant.TierFree)

	w := postChat(r, Request{
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
		Model:    "gpt-4o",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "model class")
}

func TestChat_Streaming(t *testing.T) {
	client := &fakeClient{chunks: []openai.ChatCompletionStreamResponse{
		{ID: "chunk_1"},
		{ID: "chunk_2"},
	}}
	r, _ := setupChat(t, client, tenant.TierFree)

	w := postChat(r, Request{
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
		Stream:   true,
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, `"chunk_1"`)
	assert.Contains(t, body, `"chunk_2"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))
}
