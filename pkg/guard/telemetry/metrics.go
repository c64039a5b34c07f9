package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/TFMV/scooterguard/pkg/guard/model"
)

// MetricsConfig contains configuration for the dashboard metrics
type MetricsConfig struct {
	PrometheusEnabled   bool   `mapstructure:"prometheus_enabled"`
	PrometheusNamespace string `mapstructure:"prometheus_namespace"`

	OTelEnabled  bool          `mapstructure:"otel_enabled"`
	OTelEndpoint string        `mapstructure:"otel_endpoint"`
	OTelInsecure bool          `mapstructure:"otel_insecure"`
	OTelInterval time.Duration `mapstructure:"otel_interval"`

	// RateLimit caps scrapes of the metrics handler, in requests per minute.
	RateLimit int `mapstructure:"rate_limit"`
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		PrometheusEnabled:   true,
		PrometheusNamespace: "scooterguard",
		OTelEnabled:         false,
		OTelEndpoint:        "localhost:4317",
		OTelInsecure:        true,
		OTelInterval:        10 * time.Second,
		RateLimit:           60,
	}
}

// Metrics records dashboard metrics. It observes the session through the hub
// and is called by the backend client from HTTP goroutines; prometheus and
// OTel instruments are safe for concurrent use. A nil *Metrics is a valid
// no-op recorder.
type Metrics struct {
	model.NopObserver

	config        MetricsConfig
	registry      *prometheus.Registry
	meterProvider *sdkmetric.MeterProvider

	anomalyScore      prometheus.Gauge
	systemState       *prometheus.GaugeVec
	connected         prometheus.Gauge
	connectionChanges *prometheus.CounterVec
	speed             prometheus.Gauge
	battery           prometheus.Gauge
	samples           prometheus.Counter
	countdown         prometheus.Gauge
	logEntries        *prometheus.CounterVec
	simulations       *prometheus.CounterVec
	healthProbes      *prometheus.CounterVec
	backendRequests   *prometheus.CounterVec
	backendLatency    *prometheus.HistogramVec
	breakerOpen       prometheus.Gauge

	otelSamples     metric.Int64Counter
	otelTransitions metric.Int64Counter
	otelScore       metric.Float64Histogram
	otelLatency     metric.Int64Histogram
}

// NewMetrics creates the metrics recorder with the given configuration
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	m := &Metrics{config: config}
	ns := config.PrometheusNamespace

	if config.PrometheusEnabled {
		reg := prometheus.NewRegistry()
		m.registry = reg

		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		f := promauto.With(reg)
		m.anomalyScore = f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "anomaly", Name: "score",
			Help: "Current anomaly score (0-1)",
		})
		m.systemState = f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "system", Name: "state",
			Help: "1 for the current system state, 0 otherwise",
		}, []string{"state"})
		m.connected = f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "backend", Name: "connected",
			Help: "Indicates if the streaming connection is up (1) or down (0)",
		})
		m.connectionChanges = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "backend", Name: "connection_changes_total",
			Help: "Streaming connection state changes",
		}, []string{"state"})
		m.speed = f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "vehicle", Name: "speed_kmh",
			Help: "Last simulated speed",
		})
		m.battery = f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "vehicle", Name: "battery_percent",
			Help: "Last simulated battery level",
		})
		m.samples = f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "telemetry", Name: "samples_total",
			Help: "Telemetry samples produced",
		})
		m.countdown = f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "simulation", Name: "countdown_seconds",
			Help: "Seconds remaining before safe mode",
		})
		m.logEntries = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "eventlog", Name: "entries_total",
			Help: "User-visible log entries by category",
		}, []string{"category"})
		m.simulations = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "simulation", Name: "started_total",
			Help: "Attack simulations started",
		}, []string{"attack_type", "source"})
		m.healthProbes = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "health", Name: "probes_total",
			Help: "Backend health probes by result",
		}, []string{"result"})
		m.backendRequests = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "backend", Name: "requests_total",
			Help: "Backend REST requests by endpoint and result",
		}, []string{"endpoint", "result"})
		m.backendLatency = f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "backend", Name: "request_duration_seconds",
			Help:    "Backend REST request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"})
		m.breakerOpen = f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "circuit_breaker", Name: "open",
			Help: "Indicates if the circuit breaker is open (1) or closed (0)",
		})
	}

	if config.OTelEnabled {
		if err := m.initOTel(context.Background()); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) initOTel(ctx context.Context) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(m.config.OTelEndpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithUserAgent("scooterguard")),
	}
	if m.config.OTelInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(m.config.PrometheusNamespace),
			semconv.ServiceVersion("v1.0.0"),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	interval := m.config.OTelInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	meter := m.meterProvider.Meter("scooterguard")

	if m.otelSamples, err = meter.Int64Counter("telemetry.samples",
		metric.WithDescription("Telemetry samples produced")); err != nil {
		return fmt.Errorf("failed to create OTel counter: %w", err)
	}
	if m.otelTransitions, err = meter.Int64Counter("system.transitions",
		metric.WithDescription("System state transitions")); err != nil {
		return fmt.Errorf("failed to create OTel counter: %w", err)
	}
	if m.otelScore, err = meter.Float64Histogram("anomaly.score",
		metric.WithDescription("Anomaly score observations")); err != nil {
		return fmt.Errorf("failed to create OTel histogram: %w", err)
	}
	if m.otelLatency, err = meter.Int64Histogram("backend.request.duration",
		metric.WithDescription("Backend REST request duration"),
		metric.WithUnit("ms")); err != nil {
		return fmt.Errorf("failed to create OTel histogram: %w", err)
	}
	return nil
}

// Handler serves the prometheus registry, rate limited per the configuration.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}

	next := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})

	var limiter *rate.Limiter
	if m.config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(m.config.RateLimit)/60.0), m.config.RateLimit)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter != nil && !limiter.Allow() {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop flushes and shuts down the OTel provider, if any.
func (m *Metrics) Stop(ctx context.Context) error {
	if m == nil || m.meterProvider == nil {
		return nil
	}
	log.Info().Msg("Shutting down OpenTelemetry provider")
	if err := m.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down OpenTelemetry provider: %w", err)
	}
	return nil
}

// OnTelemetry implements model.Observer.
func (m *Metrics) OnTelemetry(sample model.TelemetrySample) {
	if m == nil {
		return
	}
	if m.registry != nil {
		m.samples.Inc()
		m.speed.Set(sample.Speed)
		m.battery.Set(sample.BatteryPct)
	}
	if m.otelSamples != nil {
		m.otelSamples.Add(context.Background(), 1)
	}
}

// OnAnomalyMetrics implements model.Observer.
func (m *Metrics) OnAnomalyMetrics(metrics model.AnomalyMetrics) {
	if m == nil {
		return
	}
	if m.registry != nil {
		m.anomalyScore.Set(metrics.Score)
	}
	if m.otelScore != nil {
		m.otelScore.Record(context.Background(), metrics.Score)
	}
}

// OnSystemStateChange implements model.Observer.
func (m *Metrics) OnSystemStateChange(state model.SystemState) {
	if m == nil {
		return
	}
	if m.registry != nil {
		for _, s := range []model.SystemState{model.StateNormal, model.StateAttackDetected, model.StateSafeMode} {
			v := 0.0
			if s == state {
				v = 1
			}
			m.systemState.WithLabelValues(string(s)).Set(v)
		}
	}
	if m.otelTransitions != nil {
		m.otelTransitions.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("state", string(state))))
	}
}

// OnConnectionStateChange implements model.Observer.
func (m *Metrics) OnConnectionStateChange(state model.ConnectionState) {
	if m == nil || m.registry == nil {
		return
	}
	m.connectionChanges.WithLabelValues(state.String()).Inc()
	if state == model.Connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// OnCountdownTick implements model.Observer.
func (m *Metrics) OnCountdownTick(remaining int) {
	if m == nil || m.registry == nil {
		return
	}
	m.countdown.Set(float64(remaining))
}

// OnLogEvent implements model.Observer.
func (m *Metrics) OnLogEvent(entry model.LogEntry) {
	if m == nil || m.registry == nil {
		return
	}
	m.logEntries.WithLabelValues(string(entry.Category)).Inc()
}

// RecordSimulation counts a started attack simulation.
func (m *Metrics) RecordSimulation(attackType string, localFallback bool) {
	if m == nil || m.registry == nil {
		return
	}
	source := "backend"
	if localFallback {
		source = "local"
	}
	m.simulations.WithLabelValues(attackType, source).Inc()
}

// RecordHealthProbe counts a health probe result.
func (m *Metrics) RecordHealthProbe(healthy bool) {
	if m == nil || m.registry == nil {
		return
	}
	result := "healthy"
	if !healthy {
		result = "unreachable"
	}
	m.healthProbes.WithLabelValues(result).Inc()
}

// ObserveBackendRequest records one backend REST call.
func (m *Metrics) ObserveBackendRequest(endpoint string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	if m.registry != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.backendRequests.WithLabelValues(endpoint, result).Inc()
		m.backendLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	}
	if m.otelLatency != nil {
		m.otelLatency.Record(context.Background(), elapsed.Milliseconds(),
			metric.WithAttributes(attribute.String("endpoint", endpoint)))
	}
}

// EmitCircuitBreakerState records the backend circuit breaker state.
func (m *Metrics) EmitCircuitBreakerState(open bool) {
	if m == nil || m.registry == nil {
		return
	}
	if open {
		m.breakerOpen.Set(1)
	} else {
		m.breakerOpen.Set(0)
	}
}
