// Package router wires the gin engine: middleware, routes, and server lifecycle.
package router

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qutemail/qkms/internal/config"
	"github.com/qutemail/qkms/internal/interfaces/http/handlers"
	"github.com/qutemail/qkms/pkg/logger"
)

// Router holds the gin engine and the HTTP server lifecycle.
type Router struct {
	engine        *gin.Engine
	config        *config.Config
	logger        logger.Logger
	keyHandler    *handlers.KeyHandler
	pqcHandler    *handlers.PQCHandler
	healthHandler *handlers.HealthHandler
	middlewares   []gin.HandlerFunc
	authMW        gin.HandlerFunc
	server        *http.Server
}

// NewRouter creates the router. middlewares run on every route; authMW, when
// non-nil, guards the /api/v1 group.
func NewRouter(
	cfg *config.Config,
	log logger.Logger,
	keyHandler *handlers.KeyHandler,
	pqcHandler *handlers.PQCHandler,
	healthHandler *handlers.HealthHandler,
	authMW gin.HandlerFunc,
	middlewares ...gin.HandlerFunc,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	return &Router{
		engine:        engine,
		config:        cfg,
		logger:        log,
		keyHandler:    keyHandler,
		pqcHandler:    pqcHandler,
		healthHandler: healthHandler,
		middlewares:   middlewares,
		authMW:        authMW,
	}
}

// SetupRoutes registers all middleware and routes.
func (r *Router) SetupRoutes() {
	r.engine.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	r.engine.Use(cors.New(corsConfig))

	for _, mw := range r.middlewares {
		r.engine.Use(mw)
	}

	r.engine.GET("/health/live", r.healthHandler.Live)
	r.engine.GET("/health/ready", r.healthHandler.Ready)
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if r.config.Server.EnablePprof {
		pprof.Register(r.engine)
	}

	v1 := r.engine.Group("/api/v1")
	if r.authMW != nil {
		v1.Use(r.authMW)
	}
	{
		keys := v1.Group("/keys")
		{
			keys.POST("/request", r.keyHandler.RequestKey)
			keys.GET("/list", r.keyHandler.ListKeys)
			keys.POST("/consume", r.keyHandler.ConsumeKey)
			keys.POST("/cleanup", r.keyHandler.Cleanup)
			keys.GET("/:key_id", r.keyHandler.GetKey)
		}
		pqc := v1.Group("/pqc")
		{
			pqc.POST("/keypair", r.pqcHandler.EnsureKeypair)
			pqc.GET("/public-key/:principal", r.pqcHandler.GetPublicKey)
			pqc.GET("/private-key/:principal", r.pqcHandler.GetPrivateKey)
		}
		v1.GET("/status", r.keyHandler.Status)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"status": "error",
			"error":  "the requested resource was not found",
			"code":   "not_found",
		})
	})
}

// Start runs the HTTP server until SIGINT/SIGTERM.
func (r *Router) Start() error {
	r.SetupRoutes()

	addr := r.config.Server.Addr()
	r.server = &http.Server{
		Addr:           addr,
		Handler:        r.engine,
		ReadTimeout:    time.Duration(r.config.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(r.config.Server.WriteTimeout) * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	r.logger.Info(context.Background(), "starting http server", logger.Fields{"address": addr})

	go r.gracefulShutdown()

	if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (r *Router) gracefulShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	r.logger.Info(context.Background(), "shutting down http server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := r.server.Shutdown(ctx); err != nil {
		r.logger.Error(context.Background(), "server forced to shutdown", err)
	}
}

// Stop shuts the server down.
func (r *Router) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}

// Engine exposes the gin engine for tests.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
