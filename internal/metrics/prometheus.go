// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// paygate_inflight_requests
	inFlight prometheus.Gauge

	// paygate_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// paygate_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// paygate_decisions_total{outcome,reason}
	decisionsTotal *prometheus.CounterVec

	// paygate_payments_committed_total{provider,operation}
	paymentsCommitted *prometheus.CounterVec

	// paygate_payments_reversed_total{provider,operation}
	paymentsReversed *prometheus.CounterVec

	// paygate_charged_micros_total{provider,operation} — net micro-USDC charged
	chargedMicros *prometheus.CounterVec

	// paygate_reconciliation_flags_total
	reconciliationFlags prometheus.Counter

	// paygate_dispatch_attempts_total{provider,operation,outcome}
	dispatchAttempts *prometheus.CounterVec

	// paygate_dispatch_attempt_duration_seconds{provider,operation,outcome}
	dispatchDuration *prometheus.HistogramVec

	// paygate_provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// paygate_circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// paygate_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// paygate_circuit_breaker_rejections_total{provider,state}
	cbRejections *prometheus.CounterVec

	// paygate_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// paygate_tokens_total{provider,operation,direction}
	tokensTotal *prometheus.CounterVec

	// paygate_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// paygate_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paygate_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paygate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream dispatch)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_decisions_total",
				Help: "Decision engine verdicts by outcome and rejection reason",
			},
			[]string{"outcome", "reason"},
		),

		paymentsCommitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_payments_committed_total",
				Help: "Payments committed against the ledger",
			},
			[]string{"provider", "operation"},
		),

		paymentsReversed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_payments_reversed_total",
				Help: "Committed payments reversed after dispatch failure",
			},
			[]string{"provider", "operation"},
		),

		chargedMicros: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_charged_micros_total",
				Help: "Micro-USDC charged (committed minus reversed)",
			},
			[]string{"provider", "operation"},
		),

		reconciliationFlags: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paygate_reconciliation_flags_total",
			Help: "Accounts flagged for reconciliation after a failed reversal or record write",
		}),

		dispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_dispatch_attempts_total",
				Help: "Total upstream dispatch attempts (includes retries)",
			},
			[]string{"provider", "operation", "outcome"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paygate_dispatch_attempt_duration_seconds",
				Help:    "Upstream dispatch attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "operation", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "paygate_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_circuit_breaker_rejections_total",
				Help: "Requests rejected due to circuit breaker state",
			},
			[]string{"provider", "state"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "operation", "direction"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "paygate_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "paygate_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.decisionsTotal,
		r.paymentsCommitted,
		r.paymentsReversed,
		r.chargedMicros,
		r.reconciliationFlags,
		r.dispatchAttempts,
		r.dispatchDuration,
		r.providerErrors,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.rateLimitTotal,
		r.tokensTotal,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordDecision counts one decision engine verdict. reason is empty for
// approvals.
func (r *Registry) RecordDecision(outcome, reason string) {
	r.decisionsTotal.WithLabelValues(outcome, reason).Inc()
}

func (r *Registry) RecordPaymentCommitted(provider, operation string, amountMicros int64) {
	r.paymentsCommitted.WithLabelValues(provider, operation).Inc()
	r.chargedMicros.WithLabelValues(provider, operation).Add(float64(amountMicros))
}

func (r *Registry) RecordPaymentReversed(provider, operation string) {
	r.paymentsReversed.WithLabelValues(provider, operation).Inc()
}

func (r *Registry) RecordReconciliationFlag() {
	r.reconciliationFlags.Inc()
}

// ObserveDispatchAttempt records one upstream dispatch attempt.
func (r *Registry) ObserveDispatchAttempt(provider, operation, outcome string, dur time.Duration) {
	r.dispatchAttempts.WithLabelValues(provider, operation, outcome).Inc()
	r.dispatchDuration.WithLabelValues(provider, operation, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(provider, operation string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, operation, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, operation, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(provider, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(provider, state string) {
	r.cbRejections.WithLabelValues(provider, state).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
