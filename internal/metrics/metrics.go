// Package metrics 导出拦截结果、规则裁决与监听回调的 Prometheus 指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cdpwebreq"

// Metrics 指标集合；nil 接收者上的方法均为空操作
type Metrics struct {
	registry *prometheus.Registry

	Requests      *prometheus.CounterVec
	Verdicts      *prometheus.CounterVec
	ListenerCalls *prometheus.CounterVec
	InFlight      prometheus.Gauge
	Pending       prometheus.Gauge
}

// New 在独立注册表上创建指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Intercepted requests by terminal outcome.",
		}, []string{"outcome"}),
		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Rule evaluation verdicts by stage.",
		}, []string{"stage", "verdict"}),
		ListenerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_calls_total",
			Help:      "Callbacks issued to listener contexts by result.",
		}, []string{"result"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Requests currently owned by the interceptor.",
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_callbacks",
			Help:      "Callback continuations awaiting a reply.",
		}),
	}
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler 指标抓取端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveVerdict(stage, verdict string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(stage, verdict).Inc()
}

func (m *Metrics) ObserveListenerCall(result string) {
	if m == nil {
		return
	}
	m.ListenerCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) AddInFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}

func (m *Metrics) AddPending(delta float64) {
	if m == nil {
		return
	}
	m.Pending.Add(delta)
}
