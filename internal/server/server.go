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
	ossignal "os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/alphawhale/guardian/internal/aggregate"
	"github.com/alphawhale/guardian/internal/alerts"
	"github.com/alphawhale/guardian/internal/approval"
	"github.com/alphawhale/guardian/internal/cache"
	"github.com/alphawhale/guardian/internal/config"
	"github.com/alphawhale/guardian/internal/health"
	"github.com/alphawhale/guardian/internal/ingest"
	"github.com/alphawhale/guardian/internal/logging"
	"github.com/alphawhale/guardian/internal/metrics"
	"github.com/alphawhale/guardian/internal/ratelimit"
	"github.com/alphawhale/guardian/internal/realtime"
	"github.com/alphawhale/guardian/internal/risk"
	"github.com/alphawhale/guardian/internal/security"
	"github.com/alphawhale/guardian/internal/signal"
	"github.com/alphawhale/guardian/internal/validation"
	"github.com/alphawhale/guardian/internal/watcher"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	approvals    approval.Store
	snapshots    risk.SnapshotStore
	cacheStore   cache.Store
	aggregates   *aggregate.Service
	ingestor     *ingest.Service
	normalizer   *signal.Normalizer
	realtimeHub  *realtime.Hub
	alertStore   alerts.Store
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil if using in-memory cache
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithIngestor sets a custom ingestor (for testing)
func WithIngestor(i *ingest.Service) Option {
	return func(s *Server) {
		s.ingestor = i
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, "json"),
		healthReg:  health.NewRegistry(),
		normalizer: signal.NewNormalizer(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Approval records, snapshot history and alert subscriptions
	// (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.approvals = approval.NewPostgresStore(db)
		s.snapshots = risk.NewPostgresSnapshotStore(db)
		s.alertStore = alerts.NewPostgresStore(db)
		s.healthReg.Register("postgres", health.PingChecker("postgres", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.approvals = approval.NewMemoryStore()
		s.snapshots = risk.NewMemorySnapshotStore()
		s.alertStore = alerts.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Cache backend (Redis if REDIS_URL set, otherwise in-memory)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
		s.cacheStore = cache.NewRedisStore(s.redis)
		s.healthReg.Register("redis", health.PingChecker("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
		s.logger.Info("using Redis cache")
	} else {
		s.cacheStore = cache.NewMemoryStore()
		s.logger.Info("using in-memory cache")
	}

	// Scorer and aggregate layer
	scorer := risk.NewScorer(risk.DefaultWeights).
		WithTrustFloor(cfg.TrustFloor).
		WithVerifiedOperators(cfg.VerifiedOperators)

	s.realtimeHub = realtime.NewHub(s.logger)
	emitter := alerts.NewEmitter(alerts.NewDispatcher(s.alertStore), s.logger)
	s.aggregates = aggregate.NewService(
		cfg.Chain, s.approvals, s.snapshots, s.cacheStore,
		scorer, cache.NewRand(time.Now().UnixNano()),
	).WithPublisher(multiPublisher{s.realtimeHub, emitter})

	// Ingestion: primary RPC watcher plus an optional fallback endpoint
	if s.ingestor == nil && cfg.RPCURL != "" {
		primary, err := newRPCProvider("rpc-primary", cfg.RPCURL)
		if err != nil {
			s.logger.Warn("failed to create primary chain provider, ingestion disabled", "error", err)
		} else {
			fallback := primary
			if cfg.FallbackRPCURL != "" {
				if fb, err := newRPCProvider("rpc-fallback", cfg.FallbackRPCURL); err != nil {
					s.logger.Warn("failed to create fallback chain provider", "error", err)
				} else {
					fallback = fb
				}
			}

			ingestOpts := ingest.DefaultOptions()
			ingestOpts.Chains = []string{cfg.Chain}
			ingestOpts.EventsPerSec = cfg.IngestRPS
			s.ingestor = ingest.NewService(ingestOpts, primary, fallback, s.approvals, s.aggregates)
			s.logger.Info("chain ingestion configured", "chain", cfg.Chain)
		}
	}

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

func newRPCProvider(name, rpcURL string) (ingest.Provider, error) {
	cfg := watcher.DefaultConfig()
	cfg.Name = name
	cfg.RPCURL = rpcURL
	return watcher.New(cfg)
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

	// CORS (browser dashboards call this API directly)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting: shared across replicas when Redis is available
	if s.redis != nil {
		limiter := ratelimit.NewRedisLimiter(s.redis, s.cfg.RateLimitRPM, time.Minute, "")
		s.router.Use(limiter.Middleware())
	} else {
		limiterCfg := ratelimit.DefaultConfig()
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
		s.rateLimiter = ratelimit.New(limiterCfg)
		s.router.Use(s.rateLimiter.Middleware())
	}

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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	// Wallet views (cached aggregates)
	v1.GET("/wallets/:address/approvals", s.getApprovals)
	v1.GET("/wallets/:address/snapshot", s.getSnapshot)
	v1.GET("/wallets/:address/actions", s.getActions)
	v1.GET("/wallets/:address/history", s.getHistory)

	// Ad-hoc scoring
	v1.POST("/score", s.scoreApproval)

	// Cache invalidation events
	v1.POST("/events", s.postEvent)

	// Scoring policy
	v1.GET("/policy/weights", s.getWeights)
	v1.PUT("/policy/weights", s.putWeights)

	// Realtime hub stats
	v1.GET("/realtime/stats", s.realtimeStats)

	// Webhook alert subscriptions
	alerts.NewHandler(s.alertStore).RegisterRoutes(v1)
}

// multiPublisher fans risk and cache notifications out to every
// attached publisher.
type multiPublisher []aggregate.Publisher

func (m multiPublisher) PublishRiskUpdated(wallet string, risks []*risk.ApprovalRisk) {
	for _, p := range m {
		p.PublishRiskUpdated(wallet, risks)
	}
}

func (m multiPublisher) PublishCachePurged(kind, wallet string, purged int) {
	for _, p := range m {
		p.PublishCachePurged(kind, wallet, purged)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
			"chain", s.cfg.Chain,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Periodic DB pool stats for Prometheus
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Start chain ingestion
	if s.ingestor != nil {
		go func() {
			if err := s.ingestor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("ingestion stopped", "error", err)
			}
		}()
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

	// Cancel the context for all background goroutines (hub, ingestion)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close Redis connection
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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

	s.logger.Info("graceful shutdown complete")
	return nil
}

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}
