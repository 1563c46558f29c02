// Package console is the operator surface: a gin HTTP server exposing
// the risk engine's fingerprint list and administrative actions, a
// WebSocket stream of reconciler snapshots, and the block-signal
// publisher that unblocks live sessions without a reload.
package console

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/mrashdan/portalwatch/internal/blocksync"
	"github.com/mrashdan/portalwatch/internal/config"
	"github.com/mrashdan/portalwatch/internal/event"
	"github.com/mrashdan/portalwatch/internal/health"
	"github.com/mrashdan/portalwatch/internal/logging"
	"github.com/mrashdan/portalwatch/internal/metrics"
	"github.com/mrashdan/portalwatch/internal/ratelimit"
	"github.com/mrashdan/portalwatch/internal/reconciler"
	"github.com/mrashdan/portalwatch/internal/riskapi"
	"github.com/mrashdan/portalwatch/internal/security"
	"github.com/mrashdan/portalwatch/internal/storage"
	"github.com/mrashdan/portalwatch/internal/validation"
)

// Server is the operator console.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	api     *riskapi.Client
	hub     *Hub
	rec     *reconciler.Reconciler
	channel blocksync.Channel
	store   storage.KV // nil without redis

	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server

	ready     atomic.Bool
	cancelRun context.CancelFunc
}

// New wires the console. Without REDIS_ADDR the unblock endpoint still
// clears fingerprints on the engine, but there is no shared channel to
// notify running sessions, which is logged loudly at startup.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		api:       riskapi.New(cfg.APIBaseURL),
		hub:       NewHub(logger),
		healthReg: health.NewRegistry(),
	}

	if cfg.RedisAddr != "" {
		rs, err := storage.NewRedisStore(context.Background(), storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect block-signal backend: %w", err)
		}
		s.store = rs
		s.channel = blocksync.NewRedisChannel(rs.Client(), logger)
	} else {
		s.channel = blocksync.NewMemoryBus()
		logger.Warn("no REDIS_ADDR configured: unblock signals will not reach sessions in other processes")
	}

	s.rec = reconciler.New(s.api, s.hub, s.hub, cfg.PollInterval, logger)

	s.healthReg.Register("risk_engine", func(ctx context.Context) health.Status {
		_, err := s.api.Fingerprints(ctx)
		if err != nil {
			return health.Status{Name: "risk_engine", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "risk_engine", Healthy: true}
	})
	if s.store != nil {
		s.healthReg.Register("redis", func(ctx context.Context) health.Status {
			if _, err := s.store.Get(ctx, storage.KeyDeviceID); err != nil && err != storage.ErrNotFound {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

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

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logging.WithLogger(c.Request.Context(), s.logger)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds(), "client_ip", c.ClientIP())
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/api/v1")
	v1.GET("/fingerprints", s.listFingerprintsHandler)
	v1.GET("/snapshot", s.snapshotHandler)
	v1.GET("/stats", s.statsHandler)
	v1.POST("/confirm-threat", s.confirmThreatHandler)
	v1.POST("/unblock-user", s.unblockUserHandler)
	v1.POST("/clear-fingerprint", s.clearFingerprintHandler)
	v1.POST("/delete-fingerprint", s.deleteFingerprintHandler)
}

// Run starts the HTTP server, reconciler, and hub, blocking until a
// shutdown signal or ctx cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.ConsolePort,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting console", "port", s.cfg.ConsolePort, "risk_engine", s.cfg.APIBaseURL)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	s.rec.Start(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("console ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("console server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown stops the server and every background loop.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.rec.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("state backend close failed", "error", err)
		}
	}

	s.logger.Info("console stopped")
	return nil
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "checks": statuses})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// listFingerprintsHandler proxies the live fingerprint list. Engine
// failures surface as 502 so the operator sees the real state of the
// backend instead of a silently stale view.
func (s *Server) listFingerprintsHandler(c *gin.Context) {
	fps, err := s.api.Fingerprints(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "risk_engine_unavailable", "message": err.Error()})
		return
	}
	if fps == nil {
		fps = []riskapi.Fingerprint{}
	}
	c.JSON(http.StatusOK, fps)
}

func (s *Server) snapshotHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.rec.Last())
}

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"hub":       s.hub.Stats(),
		"poll":      s.cfg.PollInterval.String(),
		"snapshot":  s.rec.Last().FetchedAt,
		"high_risk": s.rec.Last().HighRisk,
	})
}

type fingerprintRequest struct {
	FingerprintID string `json:"fingerprint_id"`
}

type userRequest struct {
	UserID string `json:"user_id"`
}

// confirmThreatHandler marks a fingerprint as a confirmed threat, which
// blocks the associated user on their next event.
func (s *Server) confirmThreatHandler(c *gin.Context) {
	var req fingerprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(validation.Required("fingerprint_id", req.FingerprintID)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error()})
		return
	}

	if err := s.api.ConfirmThreat(c.Request.Context(), req.FingerprintID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "action_failed", "message": err.Error()})
		return
	}

	s.hub.BroadcastAdminAction("confirm_threat", map[string]any{"fingerprint_id": req.FingerprintID})
	c.JSON(http.StatusOK, gin.H{"status": "confirmed", "fingerprint_id": req.FingerprintID})
}

// unblockUserHandler clears the user's fingerprints on the engine, then
// broadcasts the unblock signal so every live session lifts its overlay
// without a reload. The signal goes out only after the engine confirms;
// an unblocked overlay over a still-blocking engine would re-block on
// the next event anyway.
func (s *Server) unblockUserHandler(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(validation.Required("user_id", req.UserID)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error()})
		return
	}

	cleared, err := s.api.UnblockUser(c.Request.Context(), req.UserID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "action_failed", "message": err.Error()})
		return
	}

	sig := blocksync.Signal{
		Action:    blocksync.ActionUnblock,
		UserID:    req.UserID,
		Timestamp: event.Now(),
	}
	if err := s.channel.Publish(c.Request.Context(), sig); err != nil {
		// The engine state is already cleared; report the partial success.
		s.logger.Error("unblock signal publish failed", "user_id", req.UserID, "error", err)
		c.JSON(http.StatusOK, gin.H{
			"status":               "unblocked",
			"cleared_fingerprints": cleared,
			"signal_published":     false,
		})
		return
	}
	metrics.BlockSignalsTotal.WithLabelValues(string(blocksync.ActionUnblock)).Inc()

	s.hub.BroadcastAdminAction("unblock_user", map[string]any{
		"user_id":              req.UserID,
		"cleared_fingerprints": cleared,
	})
	c.JSON(http.StatusOK, gin.H{
		"status":               "unblocked",
		"cleared_fingerprints": cleared,
		"signal_published":     true,
	})
}

// clearFingerprintHandler marks a fingerprint reviewed and benign.
func (s *Server) clearFingerprintHandler(c *gin.Context) {
	var req fingerprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(validation.Required("fingerprint_id", req.FingerprintID)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error()})
		return
	}

	if err := s.api.ClearFingerprint(c.Request.Context(), req.FingerprintID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "action_failed", "message": err.Error()})
		return
	}

	s.hub.BroadcastAdminAction("clear_fingerprint", map[string]any{"fingerprint_id": req.FingerprintID})
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "fingerprint_id": req.FingerprintID})
}

// deleteFingerprintHandler removes a fingerprint record entirely.
func (s *Server) deleteFingerprintHandler(c *gin.Context) {
	var req fingerprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(validation.Required("fingerprint_id", req.FingerprintID)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error()})
		return
	}

	if err := s.api.DeleteFingerprint(c.Request.Context(), req.FingerprintID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "action_failed", "message": err.Error()})
		return
	}

	s.hub.BroadcastAdminAction("delete_fingerprint", map[string]any{"fingerprint_id": req.FingerprintID})
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "fingerprint_id": req.FingerprintID})
}
