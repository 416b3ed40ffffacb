// Package server wires the HTTP surface: store selection, service
// construction, middleware chain, route mounting, and graceful
// lifecycle.
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

	"github.com/kudupay/kudu/internal/auth"
	"github.com/kudupay/kudu/internal/budget"
	"github.com/kudupay/kudu/internal/config"
	"github.com/kudupay/kudu/internal/deposits"
	"github.com/kudupay/kudu/internal/events"
	"github.com/kudupay/kudu/internal/health"
	"github.com/kudupay/kudu/internal/idempotency"
	"github.com/kudupay/kudu/internal/ledger"
	"github.com/kudupay/kudu/internal/logging"
	"github.com/kudupay/kudu/internal/lots"
	"github.com/kudupay/kudu/internal/merchants"
	"github.com/kudupay/kudu/internal/metrics"
	"github.com/kudupay/kudu/internal/ratelimit"
	"github.com/kudupay/kudu/internal/realtime"
	"github.com/kudupay/kudu/internal/security"
	"github.com/kudupay/kudu/internal/sponsorship"
	"github.com/kudupay/kudu/internal/store"
	"github.com/kudupay/kudu/internal/traces"
	"github.com/kudupay/kudu/internal/transactions"
	"github.com/kudupay/kudu/internal/validation"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg      *config.Config
	store    store.Store
	db       *sql.DB // nil when using the in-memory store
	verifier *auth.Verifier

	ledger       *ledger.Ledger
	budgets      *budget.Service
	lots         *lots.Service
	idem         *idempotency.Cache
	merchants    *merchants.Service
	deposits     *deposits.Service
	sponsorship  *sponsorship.Service
	transactions *transactions.Service
	emitter      *events.Emitter

	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	resolver    sponsorship.Resolver

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc
	shutdownOTel func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithStore injects a store (for testing).
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithResolver injects the student email resolver.
func WithResolver(r sponsorship.Resolver) Option {
	return func(s *Server) { s.resolver = r }
}

// New creates a server instance wired against cfg.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	if s.store == nil {
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

			pg, err := store.NewPostgresStore(db, cfg.DBTableName)
			if err != nil {
				return nil, err
			}
			if err := pg.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("store migration failed: %w", err)
			}
			s.store = pg
			s.checks.Register("database", health.DBChecker(db))
			s.logger.Info("using PostgreSQL storage",
				"url", maskDSN(cfg.DatabaseURL),
				"table", cfg.DBTableName,
				"region", cfg.DBTableRegion,
			)
		} else {
			s.store = store.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	s.verifier = auth.NewVerifier(cfg.JWTSecret)

	// Event sink: signed webhook when QUEUE_URL is configured, plus the
	// admin realtime feed.
	s.realtimeHub = realtime.NewHub(s.logger)
	sinks := events.Multi{s.realtimeHub}
	if cfg.QueueURL != "" {
		if err := security.ValidateEndpointURL(cfg.QueueURL); err != nil {
			return nil, fmt.Errorf("invalid QUEUE_URL: %w", err)
		}
		sinks = append(sinks, events.NewWebhookSink(cfg.QueueURL, cfg.EventWebhookSecret))
		s.logger.Info("event emission enabled", "sink", maskDSN(cfg.QueueURL))
	}
	s.emitter = events.NewEmitter(sinks, s.logger)

	// Domain services.
	s.ledger = ledger.New(s.store)
	s.budgets = budget.New(s.store, s.ledger)
	s.lots = lots.New(s.store)
	s.idem = idempotency.New(s.store, cfg.IdempotencyTTL())
	s.merchants = merchants.New(s.store)
	s.deposits = deposits.New(s.store, s.ledger, s.budgets, s.idem, s.emitter)
	s.sponsorship = sponsorship.New(s.store, s.budgets, s.lots, s.ledger, s.idem, s.emitter, s.resolver)
	s.transactions = transactions.New(s.store, s.budgets, s.lots, s.ledger, s.idem, s.merchants, s.emitter, cfg.RefundRestoresBudget)

	s.probeIndexes(ctx)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// probeIndexes verifies the secondary indexes at startup. GSI2 backs
// the student funding lookups and is fatal when missing; GSI1 only
// accelerates sponsor status listings, so its absence degrades them.
func (s *Server) probeIndexes(ctx context.Context) {
	if err := s.store.ProbeIndex(ctx, store.GSI2); err != nil {
		if errors.Is(err, store.ErrIndexMissing) {
			s.logger.Error("required index missing", "index", store.GSI2)
			s.healthy.Store(false)
			return
		}
		s.logger.Warn("index probe failed", "index", store.GSI2, "error", err)
	}
	if err := s.store.ProbeIndex(ctx, store.GSI1); err != nil {
		s.logger.Warn("sponsor status index unavailable, listings degrade to partition scans",
			"index", store.GSI1, "error", err)
		s.deposits.SetGSI1Available(false)
	}
}

// maskDSN hides credentials in connection strings for logging.
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware(s.verifier))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		Requests: s.cfg.RateLimitRequests,
		Window:   s.cfg.RateLimitWindow(),
	})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

func (s *Server) setupRoutes() {
	// Operational endpoints, unversioned and unprefixed.
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/live", s.livenessHandler)
	s.router.GET("/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group(s.cfg.APIBasePath)
	limited := s.rateLimiter.Middleware()

	depositHandler := deposits.NewHandler(s.deposits, !s.cfg.IsProduction())
	depositHandler.RegisterSponsorRoutes(api)

	sponsorshipHandler := sponsorship.NewHandler(s.sponsorship)
	sponsorshipHandler.RegisterRoutes(api)

	txHandler := transactions.NewHandler(s.transactions)
	txHandler.RegisterStudentRoutes(api, limited)
	txHandler.RegisterMerchantRoutes(api)

	merchantHandler := merchants.NewHandler(s.merchants)
	merchantHandler.RegisterPublicRoutes(api, limited)

	adminGroup := api.Group("")
	adminGroup.Use(auth.RequireRole(auth.RoleAdmin))
	depositHandler.RegisterAdminRoutes(adminGroup)
	merchantHandler.RegisterAdminRoutes(adminGroup)
	adminGroup.GET("/admin/reconciliation/:sponsorId", s.reconciliationHandler)
	adminGroup.GET("/admin/events/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
}

// reconciliationHandler replays a sponsor's ledger and compares it
// against the aggregate row.
func (s *Server) reconciliationHandler(c *gin.Context) {
	ctx := c.Request.Context()
	sponsorID := c.Param("sponsorId")

	totals, err := s.ledger.ReplayPartition(ctx, "SPONSOR#"+sponsorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	summary, err := s.budgets.Summary(ctx, sponsorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	drift := gin.H{
		"approved_cents":  summary.ApprovedTotalCents - totals.ApprovedCents,
		"allocated_cents": summary.AllocatedTotalCents - totals.AllocatedCents,
	}
	coherent := summary.ApprovedTotalCents == totals.ApprovedCents &&
		summary.AllocatedTotalCents == totals.AllocatedCents

	c.JSON(http.StatusOK, gin.H{
		"sponsor_id": sponsorID,
		"ledger":     totals,
		"aggregate":  summary,
		"coherent":   coherent,
		"drift":      drift,
	})
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy || !s.healthy.Load() {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    statuses,
		"realtime":  s.realtimeHub.Stats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing init failed", "error", err)
		} else {
			s.shutdownOTel = shutdown
		}
	}

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
			"base_path", s.cfg.APIBasePath,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

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

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if stopper, ok := s.store.(interface{ Stop() }); ok {
		stopper.Stop()
	}
	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(ctx); err != nil {
			s.logger.Warn("tracer shutdown error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
