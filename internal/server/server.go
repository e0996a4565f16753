// Package server exposes the daemon's RPC surface: procedure calls under
// POST /rpc/<procedure> and WebSocket upgrades for terminals and agent
// chat.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/perrydev/perry/internal/chat"
	"github.com/perrydev/perry/internal/common/config"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/container"
	"github.com/perrydev/perry/internal/sessions"
	"github.com/perrydev/perry/internal/state"
	"github.com/perrydev/perry/internal/terminal"
	"github.com/perrydev/perry/internal/workspace"
)

// Server hosts the HTTP API.
type Server struct {
	cfg        *config.Config
	logger     *logger.Logger
	version    string
	startedAt  time.Time
	workspaces *workspace.Manager
	chats      *chat.Manager
	history    *chat.History
	terminals  *terminal.Multiplexer
	registry   *sessions.Registry
	store      *state.Store
	driver     container.Engine

	httpServer *http.Server
}

// Deps are the constructed subsystems the server fronts.
type Deps struct {
	Config     *config.Config
	Logger     *logger.Logger
	Version    string
	Workspaces *workspace.Manager
	Chats      *chat.Manager
	History    *chat.History
	Terminals  *terminal.Multiplexer
	Registry   *sessions.Registry
	Store      *state.Store
	Driver     container.Engine
}

// New builds the server and its routes.
func New(deps Deps) *Server {
	s := &Server{
		cfg:        deps.Config,
		logger:     deps.Logger.WithFields(zap.String("component", "server")),
		version:    deps.Version,
		startedAt:  time.Now(),
		workspaces: deps.Workspaces,
		chats:      deps.Chats,
		history:    deps.History,
		terminals:  deps.Terminals,
		registry:   deps.Registry,
		store:      deps.Store,
		driver:     deps.Driver,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.version})
	})

	rpc := router.Group("/rpc", authMiddleware(s.cfg.AuthToken))
	rpc.POST("/:procedure", s.handleRPC)
	rpc.GET("/terminal/:name", s.handleTerminalWS)
	rpc.GET("/chat/:name", s.handleChatWS)
	rpc.GET("/opencode/:name", s.handleOpenCodeWS)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.Int("port", s.cfg.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
