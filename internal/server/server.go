// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nanba-labs/escrowd/internal/chain"
	"github.com/nanba-labs/escrowd/internal/config"
	"github.com/nanba-labs/escrowd/internal/dispute"
	"github.com/nanba-labs/escrowd/internal/escrow"
	"github.com/nanba-labs/escrowd/internal/health"
	"github.com/nanba-labs/escrowd/internal/logging"
	"github.com/nanba-labs/escrowd/internal/metrics"
	"github.com/nanba-labs/escrowd/internal/ratelimit"
	"github.com/nanba-labs/escrowd/internal/realtime"
	"github.com/nanba-labs/escrowd/internal/reputation"
	"github.com/nanba-labs/escrowd/internal/security"
	"github.com/nanba-labs/escrowd/internal/settlement"
	"github.com/nanba-labs/escrowd/internal/traces"
	"github.com/nanba-labs/escrowd/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	chains        *chain.Registry
	coordinator   *settlement.Coordinator
	ledger        *reputation.Ledger
	escrowService *escrow.Service
	resolver      *dispute.Resolver
	sweeper       *escrow.Sweeper
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	healthChecks  *health.Registry
	submitter     chain.Submitter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownTrace func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSubmitter sets the transaction submitter used for RPC-backed
// chains. Without one, every chain runs on the in-process fake adapter.
func WithSubmitter(sub chain.Submitter) Option {
	return func(s *Server) {
		s.submitter = sub
	}
}

// WithChainRegistry injects a pre-built adapter registry (for testing)
func WithChainRegistry(r *chain.Registry) Option {
	return func(s *Server) {
		s.chains = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, "json"),
		healthChecks: health.NewRegistry(),
	}

	// Apply options first (may set logger/submitter/chains)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Chain adapters
	if s.chains == nil {
		registry, err := s.buildChainRegistry(ctx)
		if err != nil {
			return nil, err
		}
		s.chains = registry
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore   escrow.Store
		transferStore settlement.Store
		disputeStore  dispute.Store
		agentStore    reputation.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		transferStore = settlement.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		agentStore = reputation.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthChecks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		escrowStore = escrow.NewMemoryStore()
		transferStore = settlement.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		agentStore = reputation.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Settlement coordinator
	s.coordinator = settlement.NewCoordinator(transferStore, s.chains, s.logger, settlement.Config{
		MaxAttempts: cfg.SettleMaxAttempts,
		BaseDelay:   500 * time.Millisecond,
	})

	// Reputation ledger
	s.ledger = reputation.NewLedger(agentStore, s.logger)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.coordinator.WithPublisher(s.realtimeHub)

	// Escrow state machine
	s.escrowService = escrow.NewService(escrowStore, s.coordinator, s.ledger, s.logger).
		WithTTLBounds(cfg.EscrowDefaultTTL, cfg.EscrowMinTTL, cfg.EscrowMaxTTL).
		WithPublisher(s.realtimeHub)

	// Dispute resolver, wired both ways: escrow opens disputes through
	// the resolver, the resolver settles escrows through the service.
	s.resolver = dispute.NewResolver(disputeStore, s.escrowService, s.ledger, s.logger).
		WithPublisher(s.realtimeHub)
	s.escrowService.WithDisputeOpener(s.resolver)

	// Deadline sweep
	s.sweeper = escrow.NewSweeper(s.escrowService, escrowStore, s.resolver, cfg.SweepInterval, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// buildChainRegistry wires one adapter per configured chain. Chains with
// an RPC endpoint and a submitter get the EVM adapter; everything else
// gets the in-process fake.
func (s *Server) buildChainRegistry(ctx context.Context) (*chain.Registry, error) {
	registry := chain.NewRegistry()

	for chainID, rpcURL := range s.cfg.ChainRPCs {
		if s.submitter == nil {
			s.logger.Warn("chain has RPC endpoint but no submitter, using fake adapter", "chain", chainID)
			continue
		}
		adapter, err := chain.DialEVM(ctx, chainID, rpcURL, common.Address{}, s.submitter)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", chainID, err)
		}
		registry.Register(chainID, adapter)
		s.logger.Info("EVM chain adapter connected", "chain", chainID)
	}

	// Fakes for the default chain and any RPC chain that fell through,
	// so development mode works with zero configuration.
	fallbacks := append([]string{s.cfg.DefaultChain, "base", "ethereum", "arbitrum", "polygon"}, mapKeys(s.cfg.ChainRPCs)...)
	for _, chainID := range fallbacks {
		if _, err := registry.Get(chainID); err != nil {
			registry.Register(chainID, chain.NewFake(chainID))
		}
	}

	s.logger.Info("chain registry ready", "chains", registry.Known())
	return registry, nil
}

func mapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// maskDSN hides password in connection string for logging
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

	// WebSocket for real-time escrow and dispute events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	v1.GET("/platform", s.platformHandler)

	// Escrow lifecycle
	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)

	// Dispute voting
	disputeHandler := dispute.NewHandler(s.resolver)
	disputeHandler.RegisterRoutes(v1)

	// Reputation (trust scores and the mediator pool)
	reputationHandler := reputation.NewHandler(s.ledger)
	reputationHandler.RegisterRoutes(v1)

	// Operator surface for settlements that need manual attention
	v1.GET("/settlements/:id", s.getSettlement)
}

// getSettlement handles GET /v1/settlements/:id
func (s *Server) getSettlement(c *gin.Context) {
	var id int64
	if _, err := fmt.Sscanf(c.Param("id"), "%d", &id); err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "id must be a positive integer"})
		return
	}

	transfer, err := s.coordinator.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Settlement not found"})
			return
		}
		logging.L(c.Request.Context()).Error("settlement lookup failed", "escrow_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Operation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlement": transfer})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthChecks.CheckAll(ctx)

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
		"name":        "escrowd",
		"description": "Cross-chain escrow coordination for agent service payments",
		"version":     "0.1.0",
		"currency":    "USDC",
	})
}

// platformHandler returns platform info including supported chains
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":         "escrowd",
			"version":      "0.1.0",
			"defaultChain": s.cfg.DefaultChain,
			"chains":       s.chains.Known(),
		},
		"instructions": gin.H{
			"create":  "POST /v1/escrows locks the initiator's funds on the source chain",
			"deliver": "POST /v1/escrows/{id}/deliver with a proof hash, then the initiator confirms",
			"dispute": "POST /v1/escrows/{id}/dispute; eligible mediators vote at /v1/disputes/{id}/votes",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Traces (no-op when no OTLP endpoint configured)
	shutdownTrace, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("trace exporter init failed, continuing without traces", "error", err)
	} else {
		s.shutdownTrace = shutdownTrace
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chains", s.chains.Known(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Re-drive settlements that were mid-flight when the last process died.
	if resumed, err := s.coordinator.Resume(runCtx); err != nil {
		s.logger.Error("settlement resume failed", "error", err)
	} else if resumed > 0 {
		s.logger.Info("resumed in-flight settlements", "count", resumed)
	}

	// Apply reputation mutations a prior process failed to land.
	if applied, err := s.ledger.Replay(runCtx); err != nil {
		s.logger.Error("reputation replay failed", "error", err)
	} else if applied > 0 {
		s.logger.Info("replayed queued reputation outcomes", "count", applied)
	}

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start deadline sweep
	go s.sweeper.Start(runCtx)

	// DB pool gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Cancel the context for all background goroutines (hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop deadline sweep
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("deadline sweep stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
