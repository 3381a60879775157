// Package server wires configuration, storage, the authorization gate, and
// the HTTP surface into a runnable Fleetgate instance.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/openfleet/fleetgate/internal/admin"
	"github.com/openfleet/fleetgate/internal/auth"
	"github.com/openfleet/fleetgate/internal/authz"
	"github.com/openfleet/fleetgate/internal/chat"
	"github.com/openfleet/fleetgate/internal/config"
	"github.com/openfleet/fleetgate/internal/health"
	"github.com/openfleet/fleetgate/internal/idgen"
	"github.com/openfleet/fleetgate/internal/logging"
	"github.com/openfleet/fleetgate/internal/metrics"
	"github.com/openfleet/fleetgate/internal/ratelimit"
	"github.com/openfleet/fleetgate/internal/realtime"
	"github.com/openfleet/fleetgate/internal/security"
	"github.com/openfleet/fleetgate/internal/tenant"
	"github.com/openfleet/fleetgate/internal/validation"
)

// Server is the Fleetgate HTTP server.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *sql.DB
	tenants tenant.Store
	keys    auth.Store

	tenantSvc  *tenant.Service
	authMgr    *auth.Manager
	gate       *authz.Gate
	chatClient chat.Client
	chat       *chat.Handler
	admin      *admin.Handler
	checks     *health.Registry
	hub        *realtime.Hub

	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server

	ready        atomic.Bool
	healthy      atomic.Bool
	cancelRunCtx context.CancelFunc
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithChatClient overrides the upstream chat client. Used in tests.
func WithChatClient(c chat.Client) Option {
	return func(s *Server) { s.chatClient = c }
}

// New creates a server with all dependencies wired. When DATABASE_URL is set
// it uses Postgres; otherwise everything lives in memory and vanishes on
// restart.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Storage: Postgres when configured, in-memory otherwise
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}

		tenantStore := tenant.NewPostgresStore(db)
		if err := tenantStore.Migrate(ctx); err != nil {
			s.logger.Warn("tenant migration failed, run cmd/migrate", "error", err)
		}
		keyStore := auth.NewPostgresStore(db)
		if err := keyStore.Migrate(ctx); err != nil {
			s.logger.Warn("api key migration failed, run cmd/migrate", "error", err)
		}

		s.db = db
		s.tenants = tenantStore
		s.keys = keyStore
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.tenants = tenant.NewMemoryStore()
		s.keys = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage, data will not persist")
	}

	s.tenantSvc = tenant.NewService(s.tenants)
	s.authMgr = auth.NewManager(s.keys, s.tenants)
	s.hub = realtime.NewHub(s.logger)
	s.gate = authz.NewGate(s.tenants, s.logger, authz.WithEvents(s.hub))
	s.admin = admin.NewHandler(s.tenants, s.tenantSvc, s.authMgr)
	s.admin.SetNotifier(s.hub)

	// Chat relay is optional. Without an upstream key the endpoint answers
	// 503 but authorization and usage accounting still work.
	if s.chatClient == nil && cfg.OpenAIKey != "" {
		s.chatClient = chat.NewResilientClient(chat.NewOpenAIClient(cfg.OpenAIKey), s.logger)
	}
	s.chat = chat.NewHandler(s.chatClient, s.gate, cfg.ChatModel, cfg.ChatAdvancedModel, s.logger)

	s.registerHealthChecks()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Fail("database", "ping failed")
			}
			return health.Ok("database")
		})
	} else {
		s.checks.Register("storage", func(ctx context.Context) health.Status {
			return health.OkDetail("storage", "in-memory")
		})
	}

	s.checks.Register("chat", func(ctx context.Context) health.Status {
		if s.cfg.OpenAIKey == "" {
			return health.OkDetail("chat", "not configured")
		}
		return health.Ok("chat")
	})
}

// maskDSN hides credentials in a connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Per-client edge guard. Tenant quotas are enforced separately by the
	// authz gate; this only blunts abusive clients before they reach it.
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	rlCfg.BurstSize = s.cfg.RateLimitRPS
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info (public)
	s.router.GET("/api", s.infoHandler)

	// Operator surface. Tenant lifecycle and key minting live here, behind
	// the shared admin secret rather than tenant API keys.
	adminGroup := s.router.Group("/admin")
	adminGroup.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	s.admin.RegisterRoutes(adminGroup)
	adminGroup.GET("/stream", gin.WrapF(s.hub.HandleWebSocket))
	adminGroup.GET("/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)

	// Everything below requires a valid tenant API key
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		// Key self-service
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)

		// Tenant self view
		protected.GET("/tenants/me", s.currentTenantHandler)

		// Speculative authorization check. Returns the decision without
		// consuming quota, so clients can probe before an expensive call.
		protected.GET("/authz/check", s.authzCheckHandler)

		// Fleet chat. The gate enforces quota and records usage around the
		// handler; the handler itself only relays to the model provider.
		protected.POST("/chat", authz.RequirePermission(s.gate, "fleet:query"), s.chat.Chat)

		// Third-party integration probe. The gate checks both the
		// integration permission and allow-list membership.
		protected.POST("/integrations/:key/test", authz.RequireIntegration(s.gate, "key"), s.integrationTestHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for the aggregate health endpoint
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Fleetgate",
		"description": "Multi-tenant authorization gateway for fleet chat",
		"version":     "0.1.0",
		"auth":        "Include 'Authorization: Bearer fk_...' header. Keys are issued per tenant.",
	})
}

// currentTenantHandler handles GET /v1/tenants/me. Returns the caller's
// tenant record plus the effective permission set the gate would grant it.
func (s *Server) currentTenantHandler(c *gin.Context) {
	id, ok := authz.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return
	}

	t, err := s.tenants.Get(c.Request.Context(), id.TenantID)
	if err != nil {
		logging.L(c.Request.Context()).Error("tenant lookup failed", "tenant_id", id.TenantID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load tenant",
		})
		return
	}

	perms, err := s.gate.ResolvePermissions(c.Request.Context(), id.TenantID)
	if err != nil {
		perms = nil
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant":      t,
		"permissions": perms,
		"keyScopes":   id.Scopes,
	})
}

// authzCheckHandler handles GET /v1/authz/check?permission=...
// The decision is evaluated without recording usage, so probing is free.
func (s *Server) authzCheckHandler(c *gin.Context) {
	permission := c.Query("permission")
	if permission == "" {
		permission = "fleet:query"
	}

	id, ok := authz.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return
	}

	d := s.gate.Authorize(c.Request.Context(), id, permission)
	for k, v := range d.Headers() {
		c.Header(k, v)
	}

	if !d.Allowed {
		body := d.ErrorBody()
		body["allowed"] = false
		body["code"] = string(d.Code)
		body["permission"] = permission
		c.JSON(http.StatusOK, body)
		return
	}

	resp := gin.H{
		"allowed":    true,
		"permission": permission,
		"timestamp":  d.Timestamp.UTC().Format(time.RFC3339),
	}
	if d.RateLimit != nil {
		resp["rateLimit"] = d.RateLimit
	}
	c.JSON(http.StatusOK, resp)
}

// integrationTestHandler handles POST /v1/integrations/:key/test. The authz
// middleware has already verified the integration permission and allow-list
// membership; this just validates the optional callback endpoint.
func (s *Server) integrationTestHandler(c *gin.Context) {
	var req struct {
		CallbackURL string `json:"callbackUrl"`
	}
	// Body is optional
	_ = c.ShouldBindJSON(&req)

	key := c.Param("key")

	if req.CallbackURL != "" {
		if err := security.ValidateCallbackURL(req.CallbackURL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_callback_url",
				"message": err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"integration": key,
		"status":      "reachable",
		"callbackUrl": req.CallbackURL,
		"checkedAt":   time.Now().UTC().Format(time.RFC3339),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// DB pool stats for the /metrics endpoint
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Live decision/usage event stream for operator dashboards
	go s.hub.Run(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Gate returns the authorization gate. Used by tests to seed decisions.
func (s *Server) Gate() *authz.Gate {
	return s.gate
}

// TenantStore returns the tenant store. Used by tests to seed tenants.
func (s *Server) TenantStore() tenant.Store {
	return s.tenants
}

// AuthManager returns the API key manager. Used by tests to mint keys.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}

