package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/glmgate/glmgate/internal/infrastructure/monitoring"
)

// DebugHandler 调试 API 处理器，仅在 debug 模式注册
type DebugHandler struct {
	monitor *monitoring.Monitor
	logger  *zap.Logger
}

// NewDebugHandler 创建调试处理器
func NewDebugHandler(monitor *monitoring.Monitor, logger *zap.Logger) *DebugHandler {
	return &DebugHandler{
		monitor: monitor,
		logger:  logger,
	}
}

// GetStats 获取代理统计 (请求/上游/防护/token 计数)
// GET /debug/stats
func (h *DebugHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.GetStats())
}

// GetRuntime 获取运行时信息
// GET /debug/runtime
func (h *DebugHandler) GetRuntime(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	c.JSON(http.StatusOK, gin.H{
		"go_version":    runtime.Version(),
		"num_cpu":       runtime.NumCPU(),
		"num_goroutine": runtime.NumGoroutine(),
		"memory": gin.H{
			"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
			"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
			"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
			"num_gc":         memStats.NumGC,
		},
		"timestamp": time.Now().Unix(),
	})
}

// TriggerGC 手动触发 GC
// POST /debug/gc
func (h *DebugHandler) TriggerGC(c *gin.Context) {
	before := runtime.NumGoroutine()
	runtime.GC()
	after := runtime.NumGoroutine()

	h.logger.Info("manual GC triggered",
		zap.Int("goroutines_before", before),
		zap.Int("goroutines_after", after),
	)
	c.JSON(http.StatusOK, gin.H{
		"message":           "GC triggered",
		"goroutines_before": before,
		"goroutines_after":  after,
	})
}

// RegisterDebugRoutes 注册调试路由
func RegisterDebugRoutes(router *gin.Engine, handler *DebugHandler) {
	debug := router.Group("/debug")
	{
		debug.GET("/stats", handler.GetStats)
		debug.GET("/runtime", handler.GetRuntime)
		debug.POST("/gc", handler.TriggerGC)
	}
}
