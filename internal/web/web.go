package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ohbridge/auth"
	"ohbridge/internal/logging"
	"ohbridge/internal/web/api"
	"ohbridge/internal/web/middleware"

	"github.com/gin-gonic/gin"
)

// Dependencies are the collaborators of the web server. History and Metrics
// may be nil.
type Dependencies struct {
	Items   api.Items
	Nodes   api.Nodes
	History api.History
	Auth    *auth.AuthModule
	Metrics http.Handler
	Logger  *slog.Logger
}

type WebServer struct {
	router *gin.Engine
	logger *slog.Logger

	srv *http.Server
}

func NewWebServer(deps Dependencies) *WebServer {
	router := gin.New()

	middlewareManager := middleware.NewMiddlewareManager(deps.Auth, deps.Logger)
	router.Use(gin.Recovery(), middlewareManager.RequestLogger())

	api.RegisterAuthRoutes(router, deps.Auth, middlewareManager)
	api.RegisterItemRoutes(router, middlewareManager, deps.Items)
	api.RegisterTriggerRoutes(router, middlewareManager, deps.Nodes, deps.History)
	api.RegisterStatusRoutes(router, middlewareManager, deps.Nodes)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	return &WebServer{
		router: router,
		logger: logging.Component(deps.Logger, "web"),
		srv: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start serves until Shutdown is called
func (ws *WebServer) Start(addr string) error {
	ws.srv.Addr = addr
	ws.logger.Info("web server listening", "addr", addr)
	if err := ws.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (ws *WebServer) Shutdown(ctx context.Context) error {
	return ws.srv.Shutdown(ctx)
}
