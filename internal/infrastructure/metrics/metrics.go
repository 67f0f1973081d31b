package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 帧分类标签
const (
	FrameHeartbeat = "heartbeat"
	FrameLogin     = "login"
	FrameReply     = "reply"
	FramePush      = "push"
	FrameInvalid   = "invalid"
)

// Metrics 中继进程的 Prometheus 指标。每个实例使用独立的 Registry，测试中可以重复创建。
type Metrics struct {
	Registry *prometheus.Registry

	FramesReceived      *prometheus.CounterVec
	PushEvents          *prometheus.CounterVec
	PendingRequests     prometheus.Gauge
	CorrelationTimeouts prometheus.Counter
	UpstreamConnected   prometheus.Gauge
	ReconnectAttempts   prometheus.Counter
	CacheWriteErrors    prometheus.Counter
	CacheWritesDropped  prometheus.Counter
	Listeners           prometheus.Gauge
	ListenerEvictions   prometheus.Counter
}

// New 创建并注册全部指标
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_frames_total",
			Help: "Upstream frames received, by demux class",
		}, []string{"class"}),
		PushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_push_events_total",
			Help: "Push events dispatched, by data kind",
		}, []string{"kind"}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending_requests",
			Help: "Requests awaiting a tagged reply",
		}),
		CorrelationTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_correlation_timeouts_total",
			Help: "Requests that timed out waiting for their reply",
		}),
		UpstreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_upstream_connected",
			Help: "1 when the upstream socket is connected",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_reconnect_attempts_total",
			Help: "Upstream reconnect attempts",
		}),
		CacheWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_cache_write_errors_total",
			Help: "Failed cache writes",
		}),
		CacheWritesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_cache_writes_dropped_total",
			Help: "Cache writes dropped because the write queue was full",
		}),
		Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_listeners",
			Help: "Connected downstream listeners",
		}),
		ListenerEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_listener_evictions_total",
			Help: "Listeners removed after a failed send",
		}),
	}
	m.Registry.MustRegister(
		m.FramesReceived,
		m.PushEvents,
		m.PendingRequests,
		m.CorrelationTimeouts,
		m.UpstreamConnected,
		m.ReconnectAttempts,
		m.CacheWriteErrors,
		m.CacheWritesDropped,
		m.Listeners,
		m.ListenerEvictions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler /metrics 端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// SetConnected 更新连接状态指标
func (m *Metrics) SetConnected(ok bool) {
	if ok {
		m.UpstreamConnected.Set(1)
		return
	}
	m.UpstreamConnected.Set(0)
}
