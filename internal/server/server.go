// Package server exposes the oracle's HTTP API: paid score and report
// lookups behind the x402 paywall, a rate-limited demo tier, score history,
// and the operational endpoints.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/robomoustach/trustoracle/internal/config"
	"github.com/robomoustach/trustoracle/internal/health"
	"github.com/robomoustach/trustoracle/internal/history"
	"github.com/robomoustach/trustoracle/internal/idgen"
	"github.com/robomoustach/trustoracle/internal/logging"
	"github.com/robomoustach/trustoracle/internal/metrics"
	"github.com/robomoustach/trustoracle/internal/paywall"
	"github.com/robomoustach/trustoracle/internal/ratelimit"
	"github.com/robomoustach/trustoracle/internal/rpc"
	"github.com/robomoustach/trustoracle/internal/security"
	"github.com/robomoustach/trustoracle/internal/trust"
	"github.com/robomoustach/trustoracle/internal/trustscore"
	"github.com/robomoustach/trustoracle/internal/validation"
	"github.com/robomoustach/trustoracle/internal/wallet"
)

// ScoreReader reads agent reports from the TrustScore contract.
type ScoreReader interface {
	DetailedReport(ctx context.Context, agentID *big.Int) (trustscore.Report, error)
}

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg       *config.Config
	reader    ScoreReader
	wallet    paywall.PaymentWallet
	histories history.Store
	shaper    trust.Shaper
	checks    *health.Registry
	limiter   *ratelimit.Limiter
	db        *sql.DB // nil when using in-memory history
	ethClient *ethclient.Client
	router    *gin.Engine
	httpSrv   *http.Server
	logger    *slog.Logger
	cancelRun context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithWallet injects the payment wallet, replacing the one built from config.
func WithWallet(w paywall.PaymentWallet) Option {
	return func(s *Server) { s.wallet = w }
}

// WithReader injects the contract reader, replacing the one built from config.
func WithReader(r ScoreReader) Option {
	return func(s *Server) { s.reader = r }
}

// WithHistory injects the snapshot store, replacing the one built from config.
func WithHistory(store history.Store) Option {
	return func(s *Server) { s.histories = store }
}

// New creates a server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
		shaper: trust.Shaper{
			ConfidenceThreshold:      cfg.Scoring.ConfidenceThresholdFeedbackCount,
			NegativeFlagThresholdBps: cfg.Scoring.NegativeFlagThresholdBps,
			DisableNoHistoryMask:     cfg.DisableNoHistoryMask,
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	// History storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	if s.histories == nil {
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
			s.histories = history.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL score history", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.histories = history.NewMemoryStore()
			s.logger.Info("using in-memory score history (data will not persist)")
		}
	}

	if s.wallet == nil {
		w, err := wallet.New(wallet.Config{
			RPCURL:       cfg.RPCURL,
			PrivateKey:   cfg.PrivateKey,
			ChainID:      cfg.ChainID,
			USDCContract: cfg.USDCContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create wallet: %w", err)
		}
		s.wallet = w
	}

	if s.reader == nil && cfg.TrustScoreAddress != "" {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial rpc: %w", err)
		}
		s.ethClient = client
		reader, err := trustscore.NewReader(client, common.HexToAddress(cfg.TrustScoreAddress),
			trustscore.WithReaderRetry(rpc.SingleAttempt()))
		if err != nil {
			return nil, fmt.Errorf("failed to create contract reader: %w", err)
		}
		s.reader = reader
		s.logger.Info("contract reader enabled", "trustscore", cfg.TrustScoreAddress)
	}

	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.checks.Register("database", s.db.PingContext)
	}
	if s.ethClient != nil {
		s.checks.Register("rpc", func(ctx context.Context) error {
			_, err := s.ethClient.BlockNumber(ctx)
			return err
		})
	}
}

// maskDSN hides the password in a connection string for logging.
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS,
		BurstSize:         s.cfg.RateLimitRPS / 4,
		CleanupInterval:   time.Minute,
	})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	paywallCfg := paywall.Config{
		Wallet:              s.wallet,
		DefaultPrice:        s.cfg.ScorePrice,
		Chain:               "base",
		ChainID:             s.cfg.ChainID,
		Contract:            s.cfg.USDCContract,
		RequireConfirmation: false,
		ConfirmationTimeout: 30 * time.Second,
		ValidFor:            5 * time.Minute,
		OnPaymentReceived: func(proof *paywall.PaymentProof, route string) {
			metrics.PaymentsSettledTotal.Inc()
			s.logger.Info("payment received",
				"tx_hash", proof.TxHash,
				"from", proof.From,
				"route", route,
			)
		},
		OnPaymentFailed: func(proof *paywall.PaymentProof, err error) {
			s.logger.Warn("payment failed",
				"tx_hash", proof.TxHash,
				"error", err,
			)
		},
	}

	// ?demo=true bypasses the paywall onto the rate-limited free tier.
	s.router.GET("/score/:agentId",
		s.demoGate(paywall.MiddlewareWithPrice(paywallCfg, s.cfg.ScorePrice, "Trust score lookup")),
		s.scoreHandler,
	)
	s.router.GET("/report/:agentId",
		s.demoGate(paywall.MiddlewareWithPrice(paywallCfg, s.cfg.ReportPrice, "Trust report lookup")),
		s.reportHandler,
	)

	// History is free-tier only.
	s.router.GET("/history/:agentId", s.demoLimit(), s.historyHandler)
}

// demoGate routes demo-tier requests through the rate limiter and everything
// else through the paywall.
func (s *Server) demoGate(paid gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Query("demo") == "true" {
			if !s.allowDemo(c) {
				return
			}
			c.Next()
			return
		}
		paid(c)
	}
}

func (s *Server) demoLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.allowDemo(c) {
			return
		}
		c.Next()
	}
}

func (s *Server) allowDemo(c *gin.Context) bool {
	if s.limiter.Allow(c.ClientIP()) {
		return true
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate_limit_exceeded",
		"message":     "Too many requests. Please slow down.",
		"retry_after": 1,
	})
	return false
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until a shutdown signal or error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

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
		s.logger.Info("starting server", "port", s.cfg.Port, "wallet", s.wallet.Address())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	if s.cancelRun != nil {
		s.cancelRun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}
	if w, ok := s.wallet.(*wallet.Wallet); ok {
		if err := w.Close(); err != nil {
			s.logger.Error("wallet close error", "error", err)
		}
	}
	if s.ethClient != nil {
		s.ethClient.Close()
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
