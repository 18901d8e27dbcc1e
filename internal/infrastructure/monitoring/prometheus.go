package monitoring

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// monitorCollector exposes the Monitor's atomic counters to Prometheus as
// const metrics, so the hot path stays on plain atomics and scrape-time
// conversion happens here.
type monitorCollector struct {
	m *Monitor

	requestsTotal   *prometheus.Desc
	requestsSuccess *prometheus.Desc
	requestsFailed  *prometheus.Desc
	upstreamCalls   *prometheus.Desc
	upstreamErrors  *prometheus.Desc
	upstreamRetries *prometheus.Desc
	plannerRetries  *prometheus.Desc
	toolCallsOut    *prometheus.Desc
	guardBlocks     *prometheus.Desc
	guardConfirms   *prometheus.Desc
	streamChunks    *prometheus.Desc
	tokensEstimated *prometheus.Desc
	uptimeSeconds   *prometheus.Desc
	requestLatency  *prometheus.Desc
}

func newMonitorCollector(m *Monitor) *monitorCollector {
	return &monitorCollector{
		m: m,
		requestsTotal: prometheus.NewDesc("glmgate_requests_total",
			"Total number of proxy requests processed", nil, nil),
		requestsSuccess: prometheus.NewDesc("glmgate_requests_success_total",
			"Total successful proxy requests", nil, nil),
		requestsFailed: prometheus.NewDesc("glmgate_requests_failed_total",
			"Total failed proxy requests", nil, nil),
		upstreamCalls: prometheus.NewDesc("glmgate_upstream_calls_total",
			"Total upstream completions sent", nil, nil),
		upstreamErrors: prometheus.NewDesc("glmgate_upstream_errors_total",
			"Total upstream errors observed", nil, nil),
		upstreamRetries: prometheus.NewDesc("glmgate_upstream_retries_total",
			"Total upstream request retries", nil, nil),
		plannerRetries: prometheus.NewDesc("glmgate_planner_retries_total",
			"Total planner corrective retries", nil, nil),
		toolCallsOut: prometheus.NewDesc("glmgate_tool_calls_out_total",
			"Total tool calls emitted to clients", nil, nil),
		guardBlocks: prometheus.NewDesc("glmgate_guard_blocks_total",
			"Total tool calls blocked by the guard", nil, nil),
		guardConfirms: prometheus.NewDesc("glmgate_guard_confirms_total",
			"Total confirmations requested by the guard", nil, nil),
		streamChunks: prometheus.NewDesc("glmgate_stream_chunks_total",
			"Total SSE chunks relayed", nil, nil),
		tokensEstimated: prometheus.NewDesc("glmgate_tokens_estimated_total",
			"Total tokens estimated for usage accounting", nil, nil),
		uptimeSeconds: prometheus.NewDesc("glmgate_uptime_seconds",
			"Process uptime in seconds", nil, nil),
		requestLatency: prometheus.NewDesc("glmgate_request_latency_seconds",
			"Request latency observed at the completion handler", nil, nil),
	}
}

func (c *monitorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsTotal
	ch <- c.requestsSuccess
	ch <- c.requestsFailed
	ch <- c.upstreamCalls
	ch <- c.upstreamErrors
	ch <- c.upstreamRetries
	ch <- c.plannerRetries
	ch <- c.toolCallsOut
	ch <- c.guardBlocks
	ch <- c.guardConfirms
	ch <- c.streamChunks
	ch <- c.tokensEstimated
	ch <- c.uptimeSeconds
	ch <- c.requestLatency
}

func (c *monitorCollector) Collect(ch chan<- prometheus.Metric) {
	counter := func(desc *prometheus.Desc, v *uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(atomic.LoadUint64(v)))
	}
	counter(c.requestsTotal, &c.m.metrics.RequestsTotal)
	counter(c.requestsSuccess, &c.m.metrics.RequestsSuccess)
	counter(c.requestsFailed, &c.m.metrics.RequestsFailed)
	counter(c.upstreamCalls, &c.m.metrics.UpstreamCalls)
	counter(c.upstreamErrors, &c.m.metrics.UpstreamErrors)
	counter(c.upstreamRetries, &c.m.metrics.UpstreamRetries)
	counter(c.plannerRetries, &c.m.metrics.PlannerRetries)
	counter(c.toolCallsOut, &c.m.metrics.ToolCallsOut)
	counter(c.guardBlocks, &c.m.metrics.GuardBlocks)
	counter(c.guardConfirms, &c.m.metrics.GuardConfirms)
	counter(c.streamChunks, &c.m.metrics.StreamChunks)
	counter(c.tokensEstimated, &c.m.metrics.TokensEstimated)

	ch <- prometheus.MustNewConstMetric(c.uptimeSeconds, prometheus.GaugeValue,
		time.Since(c.m.metrics.StartTime).Seconds())

	count := atomic.LoadUint64(&c.m.metrics.RequestLatencyCount)
	sum := float64(atomic.LoadUint64(&c.m.metrics.RequestLatencySum)) / 1e9
	ch <- prometheus.MustNewConstSummary(c.requestLatency, count, sum, nil)
}

// PrometheusHandler returns the /metrics handler. A private registry keeps
// the exposition limited to this process's own metrics plus the standard Go
// runtime collectors.
func (m *Monitor) PrometheusHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newMonitorCollector(m))
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
