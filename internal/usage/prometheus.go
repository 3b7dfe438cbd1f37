package usage

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "newsrag"

// Prometheus exports usage records as metrics.
type Prometheus struct {
	calls     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	tokens    *prometheus.CounterVec
	energy    *prometheus.CounterVec
	emissions *prometheus.CounterVec
}

// NewPrometheus registers the usage metrics with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		calls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "llm",
				Name:      "call_total",
				Help:      "Total number of generation calls",
			},
			[]string{"operation", "model", "status"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "llm",
				Name:      "call_duration_seconds",
				Help:      "Generation call duration in seconds",
				Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"operation", "model"},
		),
		tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "llm",
				Name:      "tokens_used_total",
				Help:      "Total tokens used for generation calls",
			},
			[]string{"operation", "model", "type"}, // type: prompt/completion
		),
		energy: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "llm",
				Name:      "energy_kwh_total",
				Help:      "Estimated energy used by generation calls in kWh",
			},
			[]string{"operation", "model"},
		),
		emissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "llm",
				Name:      "emissions_kg_total",
				Help:      "Estimated CO2 emissions of generation calls in kg",
			},
			[]string{"operation", "model"},
		),
	}
}

func (p *Prometheus) Record(_ context.Context, r Record) {
	status := "ok"
	if r.Err != nil {
		status = "error"
		if r.Status > 0 {
			status = strconv.Itoa(r.Status)
		}
	}

	p.calls.WithLabelValues(r.Operation, r.Model, status).Inc()
	p.duration.WithLabelValues(r.Operation, r.Model).Observe(r.Latency.Seconds())
	if r.PromptTokens > 0 {
		p.tokens.WithLabelValues(r.Operation, r.Model, "prompt").Add(float64(r.PromptTokens))
	}
	if r.CompletionTokens > 0 {
		p.tokens.WithLabelValues(r.Operation, r.Model, "completion").Add(float64(r.CompletionTokens))
	}
	if r.EnergyKWh > 0 {
		p.energy.WithLabelValues(r.Operation, r.Model).Add(r.EnergyKWh)
		p.emissions.WithLabelValues(r.Operation, r.Model).Add(r.EmissionsKg)
	}
}
