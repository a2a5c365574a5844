// Package metrics экспортирует метрики сигнализации звонков в Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// События кандидатов
const (
	CandidateBuffered = "buffered"
	CandidateFlushed  = "flushed"
	CandidateDropped  = "dropped"
	CandidateSent     = "sent"
)

// MetricsCollector собирает метрики сессий, звонков и кандидатов.
//
// Все методы безопасны для nil получателя и для выключенного сборщика,
// поэтому компоненты вызывают их без проверок.
type MetricsCollector struct {
	registry *prometheus.Registry
	enabled  bool

	sessionsOpened     *prometheus.CounterVec
	sessionsTerminated *prometheus.CounterVec
	sessionsActive     prometheus.Gauge

	callsStarted *prometheus.CounterVec
	callsEnded   *prometheus.CounterVec
	callsActive  prometheus.Gauge
	callDuration prometheus.Histogram

	candidates       *prometheus.CounterVec
	sdpParseFailures prometheus.Counter
	fanoutWidth      prometheus.Histogram
}

// MetricsConfig конфигурация системы метрик
type MetricsConfig struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:   true,
		Namespace: "xmpp_call",
		Subsystem: "signaling",
	}
}

// NewMetricsCollector создает сборщик с собственным реестром
func NewMetricsCollector(config *MetricsConfig) *MetricsCollector {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	if !config.Enabled {
		return &MetricsCollector{enabled: false}
	}

	mc := &MetricsCollector{
		registry: prometheus.NewRegistry(),
		enabled:  true,
	}
	mc.initPrometheusMetrics(config.Namespace, config.Subsystem)
	return mc
}

func (mc *MetricsCollector) initPrometheusMetrics(namespace, subsystem string) {
	factory := promauto.With(mc.registry)

	mc.sessionsOpened = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sessions_opened_total",
		Help:      "Jingle sessions opened by role and initiation variant",
	}, []string{"role", "initiation"})

	mc.sessionsTerminated = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sessions_terminated_total",
		Help:      "Jingle sessions terminated by reason condition",
	}, []string{"reason"})

	mc.sessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sessions_active",
		Help:      "Sessions currently present in the registry",
	})

	mc.callsStarted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "calls_total",
		Help:      "Calls created by direction",
	}, []string{"direction"})

	mc.callsEnded = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "calls_ended_total",
		Help:      "Calls ended by outcome",
	}, []string{"outcome"})

	mc.callsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "calls_active",
		Help:      "Calls currently registered",
	})

	mc.callDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "call_duration_seconds",
		Help:      "Call lifetime from creation to reset",
		Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
	})

	mc.candidates = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "candidates_total",
		Help:      "ICE candidates by buffer event",
	}, []string{"event"})

	mc.sdpParseFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sdp_parse_failures_total",
		Help:      "Inbound or local descriptions that could not be translated",
	})

	mc.fanoutWidth = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "fanout_width",
		Help:      "Number of establishing sessions per outgoing call",
		Buckets:   []float64{1, 2, 3, 4, 6, 8},
	})
}

// Registry реестр сборщика, nil если метрики выключены
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

// Handler HTTP обработчик для /metrics
func (mc *MetricsCollector) Handler() http.Handler {
	if !mc.on() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{Registry: mc.registry})
}

func (mc *MetricsCollector) on() bool {
	return mc != nil && mc.enabled
}

// SessionOpened регистрирует новую сессию
func (mc *MetricsCollector) SessionOpened(role, initiation string) {
	if !mc.on() {
		return
	}
	mc.sessionsOpened.WithLabelValues(role, initiation).Inc()
	mc.sessionsActive.Inc()
}

// SessionTerminated регистрирует завершение сессии
func (mc *MetricsCollector) SessionTerminated(reason string) {
	if !mc.on() {
		return
	}
	mc.sessionsTerminated.WithLabelValues(reason).Inc()
	mc.sessionsActive.Dec()
}

// CallStarted регистрирует новый звонок
func (mc *MetricsCollector) CallStarted(direction string) {
	if !mc.on() {
		return
	}
	mc.callsStarted.WithLabelValues(direction).Inc()
	mc.callsActive.Inc()
}

// CallEnded регистрирует окончание звонка
func (mc *MetricsCollector) CallEnded(outcome string, duration time.Duration) {
	if !mc.on() {
		return
	}
	mc.callsEnded.WithLabelValues(outcome).Inc()
	mc.callsActive.Dec()
	mc.callDuration.Observe(duration.Seconds())
}

// Candidates учитывает n кандидатов с событием event
func (mc *MetricsCollector) Candidates(event string, n int) {
	if !mc.on() || n <= 0 {
		return
	}
	mc.candidates.WithLabelValues(event).Add(float64(n))
}

// SDPParseFailure учитывает ошибку трансляции описания
func (mc *MetricsCollector) SDPParseFailure() {
	if !mc.on() {
		return
	}
	mc.sdpParseFailures.Inc()
}

// FanoutWidth фиксирует число параллельно устанавливаемых сессий
func (mc *MetricsCollector) FanoutWidth(n int) {
	if !mc.on() {
		return
	}
	mc.fanoutWidth.Observe(float64(n))
}
