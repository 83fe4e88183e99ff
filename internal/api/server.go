// Package api exposes the HTTP facade of the demo client: login and
// step-up endpoints, session introspection, and an authorized proxy in front
// of the resource gateway. Each browser session, keyed by a cookie, owns its
// own auth controller.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/auth/wso2"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/config"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/logging"
)

// Server is the HTTP facade. It owns the gin engine, the session manager,
// and the underlying http.Server lifecycle.
type Server struct {
	engine   *gin.Engine
	srv      *http.Server
	sessions *SessionManager
	stop     chan struct{}
}

// NewServer wires the routes and middleware for the given configuration.
func NewServer(cfg *config.Config, svc *wso2.Service, httpClient *http.Client, backends BackendFactory) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	sessions := NewSessionManager(cfg, svc, httpClient, backends)
	handler := NewHandler(sessions)

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	engine.GET("/", handler.Home)
	engine.GET("/health", handler.Health)

	auth := engine.Group("/auth")
	{
		auth.GET("/login", handler.Login)
		auth.GET("/callback", handler.Callback)
		auth.GET("/session", handler.Session)
		auth.POST("/refresh", handler.Refresh)
		auth.POST("/logout", handler.Logout)
		auth.POST("/stepup", handler.StepUp)
		auth.POST("/stepup/verify", handler.StepUpVerify)
		auth.GET("/userinfo", handler.UserInfo)
	}

	engine.Any("/api/*path", handler.Resource)

	return &Server{
		engine:   engine,
		sessions: sessions,
		stop:     make(chan struct{}),
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Engine exposes the underlying gin engine for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// UpdateConfig applies a hot-reloaded configuration. New sessions pick up
// the new provider settings; sessions in flight keep theirs.
func (s *Server) UpdateConfig(cfg *config.Config, svc *wso2.Service) {
	s.sessions.UpdateConfig(cfg, svc)
	log.Info("configuration updated; new sessions use the reloaded settings")
}

// Run serves requests until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.sessions.StartEvictions(s.stop)

	errCh := make(chan error, 1)
	go func() {
		log.Infof("auth facade listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		close(s.stop)
		return err
	case <-ctx.Done():
	}

	close(s.stop)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("graceful shutdown failed: %v", err)
		return err
	}
	log.Info("auth facade stopped")
	return nil
}
