package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/crss-project/crss/internal/config"
	"github.com/crss-project/crss/internal/connector"
	"github.com/crss-project/crss/internal/db"
	"github.com/crss-project/crss/internal/health"
	"github.com/crss-project/crss/internal/network"
)

// Version is reported in the X-Powered-By header and by /ping.
const Version = "1.0.0"

// HistoryReader serves the per-server event history.
type HistoryReader interface {
	Recent(serverID string, limit int) ([]db.HistoryEntry, error)
}

// Server is the REST API in front of the game server status clients.
type Server struct {
	cfg      *config.Config
	registry *connector.Registry
	started  time.Time

	// Optional dependencies
	history HistoryReader
	health  *health.Manager

	// HTTP server
	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, registry *connector.Registry) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		registry: registry,
		started:  time.Now(),
	}
	s.router = s.buildRouter()

	return s
}

// SetDependencies injects the optional history store and health manager.
// Either may be nil.
func (s *Server) SetDependencies(history HistoryReader, healthMgr *health.Manager) {
	s.history = history
	s.health = healthMgr
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.API.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := network.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}

	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(PoweredBy(Version))

	allowedOrigins := s.cfg.API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           24 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(s.cfg.API.RateLimit, time.Minute)
	router.Use(rateLimiter.Middleware())

	router.GET("/ping", s.handlePing)

	v1 := router.Group("/v1/server/:id")
	v1.Use(s.requireKnownServer())
	{
		v1.GET("", s.handleGetServer)
		v1.GET("/player", s.handleGetPlayers)
		v1.GET("/player/:uuid", s.handleGetPlayer)
		v1.GET("/events", s.handleGetEvents)
	}

	router.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "Not Found")
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
