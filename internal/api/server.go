package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"aifx-advisor/internal/dispatch"
	"aifx-advisor/internal/logging"
	"aifx-advisor/internal/market"
	"aifx-advisor/internal/ml"
	"aifx-advisor/internal/registry"
	"aifx-advisor/internal/signal"
	"aifx-advisor/internal/store"
)

// RateLimiter provides simple in-memory rate limiting per client key.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// SignalRunner runs one synthesis pass on demand. The pipeline
// satisfies it.
type SignalRunner interface {
	Process(ctx context.Context, pair market.Pair, tf market.Timeframe) (*signal.Signal, error)
}

// PairControl pauses and resumes scheduled streams per pair. The
// scheduler satisfies it.
type PairControl interface {
	Pause(pair market.Pair)
	Resume(pair market.Pair)
	IsPaused(pair market.Pair) bool
	Stats() map[string]int
}

// StatsSource reports component counters for the health endpoint.
type StatsSource interface {
	Stats() map[string]int
}

// HealthSources groups the component probes the health endpoint reads.
// Any nil member is reported as disabled.
type HealthSources struct {
	Scheduler  StatsSource
	Pipeline   StatsSource
	Dispatcher StatsSource
	Monitor    StatsSource
	Gateway    interface{ Health() map[string]int }
	Predictor  interface{ BreakerState() ml.BreakerState }
	Mirror     interface{ HealthCheck(ctx context.Context) error }
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           int
	Host           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ProductionMode bool

	AuthEnabled bool
	JWTSecret   string
}

// Server is the HTTP and websocket surface over the advisory core.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	runner      SignalRunner
	pairs       PairControl
	health      HealthSources
	registry    *registry.Registry
	signals     store.SignalStore
	positions   store.PositionStore
	hub         *dispatch.WSHub
	rateLimiter *RateLimiter
	log         *logging.Logger
}

// NewServer wires the router. Start actually listens.
func NewServer(
	config ServerConfig,
	runner SignalRunner,
	pairs PairControl,
	health HealthSources,
	reg *registry.Registry,
	signals store.SignalStore,
	positions store.PositionStore,
	hub *dispatch.WSHub,
	log *logging.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Subscriber-ID"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		config:      config,
		runner:      runner,
		pairs:       pairs,
		health:      health,
		registry:    reg,
		signals:     signals,
		positions:   positions,
		hub:         hub,
		rateLimiter: NewRateLimiter(120, time.Minute),
		log:         log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	api.Use(s.authMiddleware())
	{
		api.GET("/signals", s.handleGetSignal)
		api.GET("/signals/changes", s.handleGetLastChange)
		api.POST("/signals/generate", s.handleGenerateSignal)

		api.GET("/subscriptions", s.handleListSubscriptions)
		api.POST("/subscriptions", s.handleSubscribe)
		api.DELETE("/subscriptions", s.handleUnsubscribe)

		api.GET("/policy", s.handleGetPolicy)
		api.PATCH("/policy", s.handleUpdatePolicy)

		api.GET("/positions", s.handleListPositions)
		api.POST("/positions", s.handleOpenPosition)
		api.POST("/positions/:id/close", s.handleClosePosition)

		admin := api.Group("/admin")
		{
			admin.POST("/pairs/pause", s.handlePausePair)
			admin.POST("/pairs/resume", s.handleResumePair)
		}
	}

	s.router.GET("/ws", s.handleWebSocket)
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start listens until the server is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.log.Info("http server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
