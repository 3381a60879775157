package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"

	"github.com/openfleet/fleetgate/internal/authz"
	"github.com/openfleet/fleetgate/internal/metrics"
	"github.com/openfleet/fleetgate/internal/traces"
)

// PermissionAdvanced guards access to the advanced model.
const PermissionAdvanced = "fleet:query:advanced"

// Request is the inbound chat payload. Model selects a capability class, not
// a concrete upstream model; the mapping to provider models is server config.
type Request struct {
	Messages    []openai.ChatCompletionMessage `json:"messages" binding:"required"`
	Model       string                         `json:"model"` // "standard" (default) or "advanced"
	Stream      bool                           `json:"stream"`
	Temperature float32                        `json:"temperature"`
	MaxTokens   int                            `json:"maxTokens"`
}

// Handler serves the chat relay endpoints.
type Handler struct {
	client        Client
	gate          *authz.Gate
	model         string
	advancedModel string
	logger        *slog.Logger
}

// NewHandler creates a chat handler. A nil client disables the relay; the
// endpoint then answers 503 instead of failing at startup, so deployments
// without an upstream key still serve the rest of the API.
func NewHandler(client Client, gate *authz.Gate, model, advancedModel string, logger *slog.Logger) *Handler {
	return &Handler{
		client:        client,
		gate:          gate,
		model:         model,
		advancedModel: advancedModel,
		logger:        logger,
	}
}

// Chat handles POST /v1/chat. The route is already gated on fleet:query; the
// advanced model additionally requires fleet:query:advanced, checked here
// without consuming extra quota.
func (h *Handler) Chat(c *gin.Context) {
	if h.client == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "chat_unavailable",
			"message": "No upstream model provider is configured.",
		})
		return
	}

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "messages are required",
		})
		return
	}

	model, ok := h.resolveModel(c, req.Model)
	if !ok {
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "chat.Chat", traces.Model(model))
	defer span.End()

	upstream := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if req.Stream {
		h.stream(c, ctx, upstream)
		return
	}

	resp, err := h.client.CreateCompletion(ctx, upstream)
	if err != nil {
		metrics.ChatRequestsTotal.WithLabelValues("error").Inc()
		h.logger.Error("chat completion failed", "model", model, "error", err)
		c.JSON(upstreamStatus(err), upstreamErrorBody(err))
		return
	}

	metrics.ChatRequestsTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, resp)
}

// resolveModel maps the requested capability class to a concrete model. The
// advanced class is a speculative permission check: it never records usage,
// the surrounding middleware does that once for the whole request.
func (h *Handler) resolveModel(c *gin.Context, class string) (string, bool) {
	switch class {
	case "", "standard":
		return h.model, true
	case "advanced":
		id, ok := authz.IdentityFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "authentication required",
			})
			return "", false
		}
		d := h.gate.Authorize(c.Request.Context(), id, PermissionAdvanced)
		if !d.Allowed {
			c.JSON(http.StatusForbidden, d.ErrorBody())
			return "", false
		}
		return h.advancedModel, true
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": fmt.Sprintf("unknown model class %q, use \"standard\" or \"advanced\"", class),
		})
		return "", false
	}
}

// upstreamStatus maps a relay failure to an HTTP status. A tripped circuit
// is a temporary condition worth a retry; everything else is a bad gateway.
func upstreamStatus(err error) int {
	if errors.Is(err, ErrUpstreamCoolingOff) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func upstreamErrorBody(err error) gin.H {
	if errors.Is(err, ErrUpstreamCoolingOff) {
		return gin.H{
			"error":   "upstream_cooling_off",
			"message": "The model provider is temporarily unavailable. Try again shortly.",
		}
	}
	return gin.H{
		"error":   "upstream_error",
		"message": "The model provider returned an error.",
	}
}

// stream relays the upstream completion as server-sent events, terminated by
// a [DONE] sentinel.
func (h *Handler) stream(c *gin.Context, ctx context.Context, req openai.ChatCompletionRequest) {
	req.Stream = true

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "streaming_unsupported",
			"message": "streaming not supported by this connection",
		})
		return
	}

	stream, err := h.client.CreateCompletionStream(ctx, req)
	if err != nil {
		metrics.ChatRequestsTotal.WithLabelValues("error").Inc()
		h.logger.Error("chat stream open failed", "model", req.Model, "error", err)
		c.JSON(upstreamStatus(err), upstreamErrorBody(err))
		return
	}
	defer stream.Close()

	w.WriteHeader(http.StatusOK)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Headers are gone, report in-band
			fmt.Fprintf(w, "data: {\"error\": \"upstream_error\"}\n\n")
			flusher.Flush()
			metrics.ChatRequestsTotal.WithLabelValues("error").Inc()
			h.logger.Error("chat stream failed", "model", req.Model, "error", err)
			return
		}

		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
	metrics.ChatRequestsTotal.WithLabelValues("ok").Inc()
}
