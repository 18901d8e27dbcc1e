package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glmgate/glmgate/internal/infrastructure/monitoring"
	"github.com/glmgate/glmgate/internal/interfaces/http/handlers"
	"go.uber.org/zap"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host  string
	Port  int
	Debug bool
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, openaiHandler *handlers.OpenAIHandler, monitor *monitoring.Monitor, logger *zap.Logger) *Server {
	// 设置Gin模式
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	// 注册路由
	setupRoutes(router, openaiHandler, monitor)

	// 调试端点只在 debug 模式暴露
	if cfg.Debug && monitor != nil {
		handlers.RegisterDebugRoutes(router, handlers.NewDebugHandler(monitor, logger))
	}

	// 创建HTTP服务器
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, openaiHandler *handlers.OpenAIHandler, monitor *monitoring.Monitor) {
	router.GET("/", openaiHandler.Root)

	// 健康检查
	healthz := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	}
	router.GET("/health", healthz)
	router.GET("/healthz", healthz)

	// 指标
	if monitor != nil {
		router.GET("/metrics", gin.WrapH(monitor.PrometheusHandler()))
	}

	// OpenAI-compatible API，带 /v1 前缀和裸路径双注册
	router.POST("/v1/chat/completions", openaiHandler.ChatCompletions)
	router.POST("/chat/completions", openaiHandler.ChatCompletions)
	router.GET("/v1/models", openaiHandler.ListModels)
	router.GET("/models", openaiHandler.ListModels)
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
