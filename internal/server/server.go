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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/Michaelmk708/proofcart/internal/catalog"
	"github.com/Michaelmk708/proofcart/internal/chain"
	"github.com/Michaelmk708/proofcart/internal/config"
	"github.com/Michaelmk708/proofcart/internal/dispute"
	"github.com/Michaelmk708/proofcart/internal/escrow"
	"github.com/Michaelmk708/proofcart/internal/events"
	"github.com/Michaelmk708/proofcart/internal/gateway"
	"github.com/Michaelmk708/proofcart/internal/health"
	"github.com/Michaelmk708/proofcart/internal/identity"
	"github.com/Michaelmk708/proofcart/internal/logging"
	"github.com/Michaelmk708/proofcart/internal/metrics"
	"github.com/Michaelmk708/proofcart/internal/order"
	"github.com/Michaelmk708/proofcart/internal/ratelimit"
	"github.com/Michaelmk708/proofcart/internal/security"
	"github.com/Michaelmk708/proofcart/internal/settlement"
	"github.com/Michaelmk708/proofcart/internal/traces"
	"github.com/Michaelmk708/proofcart/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	orch         *settlement.Orchestrator
	sweep        *settlement.Sweep
	gateway      gateway.Gateway
	chain        chain.Chain
	identity     *identity.Service
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	tracesStop   func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithChain sets a custom escrow chain (for testing)
func WithChain(ch chain.Chain) Option {
	return func(s *Server) {
		s.chain = ch
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFmt),
	}

	// Apply options first (may set adapters/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Tracing (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
	tracesStop, err := traces.Init(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.tracesStop = tracesStop

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		orderStore    order.Store
		txStore       order.TxStore
		escrowStore   escrow.Store
		disputeStore  dispute.Store
		catalogStore  catalog.Store
		identityStore identity.Store
		eventLog      events.Log
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
		pg := order.NewPostgresStore(db)
		orderStore = pg
		txStore = pg
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		catalogStore = catalog.NewPostgresStore(db)
		identityStore = identity.NewPostgresStore(db)
		eventLog = events.NewPostgresLog(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		mem := order.NewMemoryStore()
		orderStore = mem
		txStore = mem
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		catalogStore = catalog.NewMemoryStore()
		identityStore = identity.NewMemoryStore()
		eventLog = events.NewMemoryLog()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Payment gateway adapter, chosen once at startup. There is no silent
	// fallback: a misconfigured provider fails here, not mid-settlement.
	if s.gateway == nil {
		switch cfg.GatewayProvider {
		case "stripe":
			gw, err := gateway.NewStripe(cfg.StripeAPIKey, cfg.StripeWebhookSecret, s.logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create stripe gateway: %w", err)
			}
			s.gateway = gw
		case "simulated":
			s.gateway = gateway.NewSimulated(cfg.GatewayWebhookSecret, cfg.GatewayBaseURL, s.logger)
		default:
			return nil, fmt.Errorf("unknown gateway provider %q", cfg.GatewayProvider)
		}
	}

	// Blockchain escrow adapter, same rule.
	if s.chain == nil {
		switch cfg.ChainProvider {
		case "eth":
			ch, err := chain.NewEth(chain.EthConfig{
				RPCURL:        cfg.RPCURL,
				PrivateKey:    cfg.OperatorKey,
				ChainID:       cfg.ChainID,
				FactoryAddr:   cfg.EscrowFactory,
				Blockchain:    cfg.BlockchainName,
				TokenDecimals: cfg.TokenDecimals,
			}, s.logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create eth chain adapter: %w", err)
			}
			s.chain = ch
		case "simulated":
			s.chain = chain.NewSimulated(cfg.TokenDecimals, s.logger)
		default:
			return nil, fmt.Errorf("unknown chain provider %q", cfg.ChainProvider)
		}
	}

	gwCaps := s.gateway.Capabilities()
	chCaps := s.chain.Capabilities()
	s.logger.Info("payment gateway configured",
		"provider", gwCaps.Name, "simulated", gwCaps.Simulated,
		"refunds", gwCaps.Refunds, "signed_webhooks", gwCaps.SignedWebhooks)
	s.logger.Info("escrow chain configured",
		"provider", chCaps.Name, "blockchain", chCaps.Blockchain, "simulated", chCaps.Simulated)

	s.identity = identity.NewService(identityStore)
	bus := events.NewBus(eventLog, s.logger)

	s.orch = settlement.New(settlement.Config{
		Currency:         cfg.Currency,
		ShippingFeeUnits: cfg.ShippingFeeUnits,
		EscrowFeePercent: cfg.EscrowFeePercent,
		RedirectURL:      cfg.PaymentRedirectURL,
		WebhookURL:       cfg.PaymentWebhookURL,
		PayoutKind:       gateway.AccountKind(cfg.PayoutAccountKind),
	}, orderStore, txStore, escrowStore, disputeStore,
		catalog.NewService(catalogStore, cfg.VerificationBaseURL),
		s.identity, s.gateway, s.chain, bus, s.logger)

	s.sweep = settlement.NewSweep(s.orch,
		time.Duration(cfg.SweepInterval)*time.Second,
		time.Duration(cfg.StuckAfter)*time.Second,
		s.logger)

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthReg.Register("sweep", func(ctx context.Context) health.Status {
		return health.Status{Name: "sweep", Healthy: s.sweep.Running()}
	})

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

	// CORS (allow all origins in development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
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
			requestID = generateRequestID()
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

// authMiddleware resolves the caller from the X-User-ID header set by the
// upstream API gateway, which owns token verification. Requests without an
// identity are rejected before they reach any handler.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing caller identity",
			})
			return
		}
		if _, err := s.identity.Get(c.Request.Context(), userID); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Unknown caller",
			})
			return
		}
		c.Set("authUserID", userID)
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	settlementHandler := settlement.NewHandler(s.orch)

	// Gateway callbacks carry their own authentication (HMAC signature).
	settlementHandler.RegisterWebhookRoutes(s.router.Group(""))

	v1 := s.router.Group("/v1")
	v1.Use(s.authMiddleware())
	settlementHandler.RegisterRoutes(v1)
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy || !s.healthy.Load() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"healthy": healthy && s.healthy.Load(),
		"checks":  statuses,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alive": true})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// Run starts the HTTP server and background loops, blocking until shutdown.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the reconciliation sweep
	go s.sweep.Start(runCtx)

	// Sample DB pool stats into Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.sweep != nil {
		s.sweep.Stop()
		s.logger.Info("settlement sweep stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
