package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/fleetgate/internal/chat"
	"github.com/openfleet/fleetgate/internal/config"
)

const testAdminSecret = "test-admin-secret-0123456789"

type stubChatClient struct {
	calls int
}

func (f *stubChatClient) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	return openai.ChatCompletionResponse{
		Model: req.Model,
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "12 vehicles are idle"}},
		},
	}, nil
}

func (f *stubChatClient) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (chat.Stream, error) {
	return nil, chat.ErrNotConfigured
}

func testConfig() *config.Config {
	return &config.Config{
		Port:              "8080",
		Env:               "test",
		LogLevel:          "error",
		AdminSecret:       testAdminSecret,
		ChatModel:         "standard-model",
		ChatAdvancedModel: "advanced-model",
		RateLimitRPS:      1000,
	}
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s, err := New(testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
	})
	return s
}

func do(s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Secret": testAdminSecret}
}

// createTenant provisions a tenant through the admin API and returns its ID
// and the initial API key.
func createTenant(t *testing.T, s *Server, name, tier string) (tenantID, apiKey string) {
	t.Helper()
	w := do(s, http.MethodPost, "/admin/tenants", map[string]interface{}{
		"name": name,
		"tier": tier,
	}, adminHeaders())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Tenant struct {
			ID string `json:"id"`
		} `json:"tenant"`
		APIKey string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Tenant.ID)
	require.NotEmpty(t, resp.APIKey)
	return resp.Tenant.ID, resp.APIKey
}

func bearer(key string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + key}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	w = do(s, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips on only once Run has started
	w = do(s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = do(s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := do(s, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fleetgate_")
}

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/admin/tenants", map[string]interface{}{"name": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodPost, "/admin/tenants", map[string]interface{}{"name": "x"},
		map[string]string{"X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProtectedRoutesRequireAPIKey(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/v1/chat", map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodGet, "/v1/tenants/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCurrentTenant(t *testing.T) {
	s := newTestServer(t)
	tenantID, key := createTenant(t, s, "Acme Fleet", "premium")

	w := do(s, http.MethodGet, "/v1/tenants/me", nil, bearer(key))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Tenant struct {
			ID   string `json:"id"`
			Tier string `json:"tier"`
		} `json:"tenant"`
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, tenantID, resp.Tenant.ID)
	assert.Equal(t, "premium", resp.Tenant.Tier)
	assert.Contains(t, resp.Permissions, "fleet:query")
	assert.Contains(t, resp.Permissions, "fleet:query:advanced")
}

func TestAuthzCheck(t *testing.T) {
	s := newTestServer(t)
	_, key := createTenant(t, s, "Check Co", "free")

	w := do(s, http.MethodGet, "/v1/authz/check?permission=fleet:query", nil, bearer(key))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"allowed":true`)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))

	// Free tier does not carry the advanced permission
	w = do(s, http.MethodGet, "/v1/authz/check?permission=fleet:query:advanced", nil, bearer(key))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"allowed":false`)
	assert.Contains(t, w.Body.String(), `"forbidden"`)
}

func TestAuthzCheckDoesNotConsumeQuota(t *testing.T) {
	s := newTestServer(t)
	tenantID, key := createTenant(t, s, "Probe Co", "free")

	for i := 0; i < 5; i++ {
		w := do(s, http.MethodGet, "/v1/authz/check", nil, bearer(key))
		require.Equal(t, http.StatusOK, w.Code)
	}

	tn, err := s.TenantStore().Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 0, tn.Usage.CallsToday)
}

func TestChatEndToEnd(t *testing.T) {
	stub := &stubChatClient{}
	s := newTestServer(t, WithChatClient(stub))
	tenantID, key := createTenant(t, s, "Chat Co", "basic")

	w := do(s, http.MethodPost, "/v1/chat", map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "which vehicles are idle?"}},
	}, bearer(key))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, stub.calls)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))

	// The gate records usage around the handler
	tn, err := s.TenantStore().Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, tn.Usage.CallsToday)
}

func TestChatUnavailableWithoutUpstream(t *testing.T) {
	s := newTestServer(t)
	_, key := createTenant(t, s, "No Upstream Co", "basic")

	w := do(s, http.MethodPost, "/v1/chat", map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}, bearer(key))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "chat_unavailable")
}

func TestChatDeniedWhenRateLimited(t *testing.T) {
	stub := &stubChatClient{}
	s := newTestServer(t, WithChatClient(stub))
	_, key := createTenant(t, s, "Heavy Co", "free")

	// Free tier allows 10 calls per minute, so the 11th rapid call is denied
	var last *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		last = do(s, http.MethodPost, "/v1/chat", map[string]interface{}{
			"messages": []map[string]string{{"role": "user", "content": fmt.Sprintf("q%d", i)}},
		}, bearer(key))
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code, last.Body.String())
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
	assert.Contains(t, last.Body.String(), "rateLimitInfo")
}

func TestIntegrationTestEndpoint(t *testing.T) {
	s := newTestServer(t)
	tenantID, key := createTenant(t, s, "Integrations Co", "basic")

	// Not allow-listed yet
	w := do(s, http.MethodPost, "/v1/integrations/telematics/test", nil, bearer(key))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Allow-list it via the operator surface
	w = do(s, http.MethodPatch, "/admin/tenants/"+tenantID, map[string]interface{}{
		"integrations": map[string]interface{}{"allowed": []string{"telematics"}},
	}, adminHeaders())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodPost, "/v1/integrations/telematics/test", nil, bearer(key))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"reachable"`)

	// Private callback targets are rejected
	w = do(s, http.MethodPost, "/v1/integrations/telematics/test", map[string]interface{}{
		"callbackUrl": "http://169.254.169.254/latest/meta-data",
	}, bearer(key))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_callback_url")
}

func TestSuspendedTenantIsDenied(t *testing.T) {
	stub := &stubChatClient{}
	s := newTestServer(t, WithChatClient(stub))
	tenantID, key := createTenant(t, s, "Suspended Co", "basic")

	w := do(s, http.MethodPost, "/admin/tenants/"+tenantID+"/suspend", map[string]interface{}{
		"reason": "billing dispute",
	}, adminHeaders())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodPost, "/v1/chat", map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}, bearer(key))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, stub.calls)
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/api", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	// An upstream-provided ID passes through
	w = do(s, http.MethodGet, "/api", nil, map[string]string{"X-Request-ID": "req_upstream"})
	assert.Equal(t, "req_upstream", w.Header().Get("X-Request-ID"))
}
