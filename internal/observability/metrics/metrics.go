package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	metricPrefix = "alert_engine_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	evaluationsTotal   *prometheus.CounterVec
	evaluationLatency  *prometheus.HistogramVec
	dispatchTotal      *prometheus.CounterVec
	activeTimers       prometheus.Gauge
	timerTicksTotal    *prometheus.CounterVec
	computationTotal   *prometheus.CounterVec
	computationLatency *prometheus.HistogramVec
	computationPolls   *prometheus.CounterVec
	busMessagesTotal   *prometheus.CounterVec
	triggeredTotal     *prometheus.CounterVec
)

// Init registers engine metrics and DB-backed gauges.
func Init(db *sql.DB, logger zerolog.Logger) {
	registerOnce.Do(func() {
		evaluationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "evaluations_total",
				Help: "Total rule evaluations by trigger and status",
			},
			[]string{"trigger", "status"},
		)
		evaluationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "evaluation_latency_seconds",
				Help:    "Rule evaluation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"trigger"},
		)
		dispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "action_dispatch_total",
				Help: "Total dispatched actions by kind and result",
			},
			[]string{"kind", "result"},
		)
		activeTimers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "active_timers",
				Help: "Live scheduler timers",
			},
		)
		timerTicksTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "timer_ticks_total",
				Help: "Scheduler ticks by result",
			},
			[]string{"result"},
		)
		computationTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "computation_runs_total",
				Help: "External computation runs by result",
			},
			[]string{"result"},
		)
		computationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "computation_latency_seconds",
				Help:    "External computation latency in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"result"},
		)
		computationPolls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "computation_polls_total",
				Help: "External computation status polls by observed status",
			},
			[]string{"status"},
		)
		busMessagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bus_messages_total",
				Help: "Inbound bus messages by source and result",
			},
			[]string{"source", "result"},
		)
		triggeredTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "triggered_transitions_total",
				Help: "Triggered state transitions by type",
			},
			[]string{"transition"},
		)

		prometheus.MustRegister(
			evaluationsTotal,
			evaluationLatency,
			dispatchTotal,
			activeTimers,
			timerTicksTotal,
			computationTotal,
			computationLatency,
			computationPolls,
			busMessagesTotal,
			triggeredTotal,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveEvaluation records an evaluation outcome and latency.
func ObserveEvaluation(trigger, status string, duration time.Duration) {
	if trigger == "" {
		trigger = "unknown"
	}
	if status == "" {
		status = resultSuccess
	}
	if evaluationsTotal != nil {
		evaluationsTotal.WithLabelValues(trigger, status).Inc()
	}
	if evaluationLatency != nil {
		evaluationLatency.WithLabelValues(trigger).Observe(duration.Seconds())
	}
}

// IncDispatch counts a dispatched action.
func IncDispatch(kind, result string) {
	if kind == "" {
		kind = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if dispatchTotal != nil {
		dispatchTotal.WithLabelValues(kind, result).Inc()
	}
}

// SetActiveTimers sets the live timer gauge.
func SetActiveTimers(count int) {
	if count < 0 {
		count = 0
	}
	if activeTimers != nil {
		activeTimers.Set(float64(count))
	}
}

// IncTimerTick counts a scheduler tick.
func IncTimerTick(result string) {
	if result == "" {
		result = resultSuccess
	}
	if timerTicksTotal != nil {
		timerTicksTotal.WithLabelValues(result).Inc()
	}
}

// ObserveComputation records an external computation run.
func ObserveComputation(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if computationTotal != nil {
		computationTotal.WithLabelValues(result).Inc()
	}
	if computationLatency != nil {
		computationLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncComputationPoll counts a status poll.
func IncComputationPoll(status string) {
	if status == "" {
		status = "unknown"
	}
	if computationPolls != nil {
		computationPolls.WithLabelValues(status).Inc()
	}
}

// IncBusMessage counts an inbound bus message.
func IncBusMessage(source, result string) {
	if source == "" {
		source = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if busMessagesTotal != nil {
		busMessagesTotal.WithLabelValues(source, result).Inc()
	}
}

// IncTriggered counts a triggered-state transition.
func IncTriggered(transition string) {
	if transition == "" {
		transition = "unknown"
	}
	if triggeredTotal != nil {
		triggeredTotal.WithLabelValues(transition).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultTimeout = "timeout"
)
