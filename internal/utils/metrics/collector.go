// internal/utils/metrics/collector.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "copybot"

// Collector держит метрики пайплайна копирования в собственном реестре.
// Все методы допускают nil-получателя, чтобы компоненты работали без метрик.
type Collector struct {
	registry *prometheus.Registry

	executions    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	monitorTicks  prometheus.Counter
	tickDuration  prometheus.Histogram
	riskTriggers  *prometheus.CounterVec
	openPositions prometheus.Gauge
	subscriptions prometheus.Gauge
	busEvents     *prometheus.CounterVec
}

// NewCollector создает коллектор и регистрирует метрики.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Copy pipeline runs by kind and terminal status",
		}, []string{"kind", "status"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent reaching each pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"stage"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Log notifications by handling outcome",
		}, []string{"result"}),
		monitorTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_ticks_total",
			Help:      "Completed position monitor ticks",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_tick_duration_seconds",
			Help:      "Position monitor tick duration",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		riskTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_triggers_total",
			Help:      "Risk exits triggered by reason",
		}, []string{"reason"}),
		openPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Positions currently held",
		}),
		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Open log subscriptions",
		}),
		busEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Detection and risk events seen on the event bus",
		}, []string{"type"}),
	}
}

// RecordExecution считает завершенный запуск пайплайна.
func (c *Collector) RecordExecution(kind, status string) {
	if c == nil {
		return
	}
	c.executions.WithLabelValues(kind, status).Inc()
}

// ObserveStage записывает время от начала запуска до достижения стадии.
func (c *Collector) ObserveStage(stage string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (c *Collector) RecordNotification(result string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(result).Inc()
}

func (c *Collector) RecordTick(duration time.Duration) {
	if c == nil {
		return
	}
	c.monitorTicks.Inc()
	c.tickDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordRiskTrigger(reason string) {
	if c == nil {
		return
	}
	c.riskTriggers.WithLabelValues(reason).Inc()
}

func (c *Collector) SetOpenPositions(n int) {
	if c == nil {
		return
	}
	c.openPositions.Set(float64(n))
}

func (c *Collector) RecordEvent(eventType string) {
	if c == nil {
		return
	}
	c.busEvents.WithLabelValues(eventType).Inc()
}

func (c *Collector) AddSubscriptions(delta int) {
	if c == nil {
		return
	}
	c.subscriptions.Add(float64(delta))
}

// Handler отдает метрики в формате Prometheus.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
