package monitoring

import (
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Metrics 指标收集器
type Metrics struct {
	// 请求计数
	RequestsTotal   uint64
	RequestsSuccess uint64
	RequestsFailed  uint64

	// 上游调用
	UpstreamCalls   uint64
	UpstreamErrors  uint64
	UpstreamRetries uint64

	// 规划与防护
	PlannerRetries uint64
	ToolCallsOut   uint64
	GuardBlocks    uint64
	GuardConfirms  uint64

	// 流式输出
	StreamChunks uint64

	// token 估算
	TokensEstimated uint64

	// 延迟 (纳秒)
	RequestLatencySum   uint64
	RequestLatencyCount uint64

	// 启动时间
	StartTime time.Time
}

// Monitor 性能监控器
type Monitor struct {
	metrics *Metrics
	logger  *zap.Logger
}

// NewMonitor 创建监控器
func NewMonitor(logger *zap.Logger) *Monitor {
	return &Monitor{
		metrics: &Metrics{StartTime: time.Now()},
		logger:  logger,
	}
}

// 计数方法
func (m *Monitor) IncRequestTotal()    { atomic.AddUint64(&m.metrics.RequestsTotal, 1) }
func (m *Monitor) IncRequestSuccess()  { atomic.AddUint64(&m.metrics.RequestsSuccess, 1) }
func (m *Monitor) IncRequestFailed()   { atomic.AddUint64(&m.metrics.RequestsFailed, 1) }
func (m *Monitor) IncUpstreamCall()    { atomic.AddUint64(&m.metrics.UpstreamCalls, 1) }
func (m *Monitor) IncUpstreamError()   { atomic.AddUint64(&m.metrics.UpstreamErrors, 1) }
func (m *Monitor) IncUpstreamRetry()   { atomic.AddUint64(&m.metrics.UpstreamRetries, 1) }
func (m *Monitor) IncPlannerRetry()    { atomic.AddUint64(&m.metrics.PlannerRetries, 1) }
func (m *Monitor) IncToolCallsOut()    { atomic.AddUint64(&m.metrics.ToolCallsOut, 1) }
func (m *Monitor) IncGuardBlock()      { atomic.AddUint64(&m.metrics.GuardBlocks, 1) }
func (m *Monitor) IncGuardConfirm()    { atomic.AddUint64(&m.metrics.GuardConfirms, 1) }
func (m *Monitor) AddStreamChunks(n int) {
	atomic.AddUint64(&m.metrics.StreamChunks, uint64(n))
}

func (m *Monitor) AddTokensEstimated(n int) {
	if n > 0 {
		atomic.AddUint64(&m.metrics.TokensEstimated, uint64(n))
	}
}

func (m *Monitor) RecordRequestLatency(d time.Duration) {
	atomic.AddUint64(&m.metrics.RequestLatencySum, uint64(d.Nanoseconds()))
	atomic.AddUint64(&m.metrics.RequestLatencyCount, 1)
}

// GetStats 获取当前统计
func (m *Monitor) GetStats() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(m.metrics.StartTime)
	reqTotal := atomic.LoadUint64(&m.metrics.RequestsTotal)

	avgLatency := float64(0)
	if count := atomic.LoadUint64(&m.metrics.RequestLatencyCount); count > 0 {
		avgLatency = float64(atomic.LoadUint64(&m.metrics.RequestLatencySum)) / float64(count) / 1e6 // ms
	}

	return map[string]interface{}{
		"uptime_seconds":   uptime.Seconds(),
		"requests_total":   reqTotal,
		"requests_success": atomic.LoadUint64(&m.metrics.RequestsSuccess),
		"requests_failed":  atomic.LoadUint64(&m.metrics.RequestsFailed),
		"upstream_calls":   atomic.LoadUint64(&m.metrics.UpstreamCalls),
		"upstream_errors":  atomic.LoadUint64(&m.metrics.UpstreamErrors),
		"planner_retries":  atomic.LoadUint64(&m.metrics.PlannerRetries),
		"tool_calls_out":   atomic.LoadUint64(&m.metrics.ToolCallsOut),
		"guard_blocks":     atomic.LoadUint64(&m.metrics.GuardBlocks),
		"guard_confirms":   atomic.LoadUint64(&m.metrics.GuardConfirms),
		"stream_chunks":    atomic.LoadUint64(&m.metrics.StreamChunks),
		"tokens_estimated": atomic.LoadUint64(&m.metrics.TokensEstimated),
		"avg_latency_ms":   avgLatency,
		"memory_mb":        float64(memStats.Alloc) / 1024 / 1024,
		"goroutines":       runtime.NumGoroutine(),
		"rps":              float64(reqTotal) / uptime.Seconds(),
	}
}
