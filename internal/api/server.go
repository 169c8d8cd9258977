// Package api implements the webadmin: a gin HTTP surface for starting and
// inspecting transfers, reading history, running console commands and
// serving static assets.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/dashboard"
	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/console"
	"github.com/energizer-project/courier/internal/events"
	"github.com/energizer-project/courier/internal/fetch"
	"github.com/energizer-project/courier/internal/patcher"
	"github.com/energizer-project/courier/internal/transport"
	"github.com/energizer-project/courier/internal/util"
)

// Server is the webadmin HTTP server.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	fetch    *fetch.Manager
	console  *console.Dispatcher
	history  console.HistoryReader
	patcher  *patcher.Patcher
	version  string

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the webadmin. history may be nil.
func NewServer(cfg *config.Config, eventBus *events.EventBus, mgr *fetch.Manager, dispatcher *console.Dispatcher, history console.HistoryReader, version string) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		eventBus: eventBus,
		fetch:    mgr,
		console:  dispatcher,
		history:  history,
		version:  version,
	}
}

// SetPatcher exposes patch status and manual checks.
func (s *Server) SetPatcher(p *patcher.Patcher) {
	s.patcher = p
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	app := s.cfg.GetApplicationData()
	addr := fmt.Sprintf(":%d", app.WebAdmin.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	if app.Security.TLSEnabled {
		certFile, keyFile := app.Security.TLSCertFile, app.Security.TLSKeyFile
		if certFile == "" || keyFile == "" {
			certFile = filepath.Join(config.DefaultConfigDir, "tls", "webadmin.crt")
			keyFile = filepath.Join(config.DefaultConfigDir, "tls", "webadmin.key")
		}
		if err := util.EnsureCertificate(certFile, keyFile); err != nil {
			return fmt.Errorf("webadmin certificate: %w", err)
		}
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return fmt.Errorf("webadmin certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	// SO_REUSEADDR so a restart can rebind immediately.
	lc := transport.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("webadmin listen: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", app.Security.TLSEnabled).Msg("webadmin starting")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if s.httpServer.TLSConfig != nil {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webadmin error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	app := s.cfg.GetApplicationData()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := app.Security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(app.Security.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/version", s.handleGetVersion)
	}

	protected := router.Group("/api")
	protected.Use(IPWhitelist(app.Security.IPWhitelist))
	{
		protected.GET("/transfers", s.handleListTransfers)
		protected.POST("/transfers", s.handleCreateTransfer)
		protected.GET("/transfers/:id", s.handleGetTransfer)
		protected.GET("/transfers/:id/body", s.handleGetTransferBody)
		protected.DELETE("/transfers/:id", s.handleCancelTransfer)

		protected.GET("/history", s.handleGetHistory)
		protected.GET("/history/stats", s.handleGetHistoryStats)

		protected.GET("/system", s.handleGetSystem)
		protected.GET("/patch", s.handleGetPatchStatus)
		protected.POST("/patch/check", s.handlePatchCheck)
		protected.GET("/logs", s.handleGetLogEntries)

		protected.POST("/console", s.handleConsole)

		protected.GET("/config", s.handleGetConfig)
		protected.POST("/config/transfer", s.handleSetTransferConfig)
		protected.POST("/config/application", s.handleSetAppConfig)
	}

	// Static assets are served as plain files.
	if dir := app.WebAdmin.StaticDirectory; dir != "" {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			prefix := "/" + strings.Trim(app.WebAdmin.StaticPrefix, "/")
			router.Static(prefix, dir)
			log.Info().Str("prefix", prefix).Str("path", dir).Msg("serving static assets")
		} else {
			log.Debug().Str("path", dir).Msg("static directory not found, static assets disabled")
		}
	}

	router.GET("/", s.handleDashboard)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// handleDashboard serves the embedded webadmin page.
func (s *Server) handleDashboard(c *gin.Context) {
	page, err := dashboard.Index()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "dashboard not available"})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", page)
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
