// Package usage records the cost of generation calls: latency, tokens and an
// estimate of energy use and emissions.
package usage

import (
	"context"
	"time"
)

// Record describes one generation attempt, successful or not.
type Record struct {
	Operation        string // "answer" or "summarize"
	Model            string
	Started          time.Time
	Latency          time.Duration
	Status           int
	Err              error
	PromptTokens     int
	CompletionTokens int
	EnergyKWh        float64
	EmissionsKg      float64
}

// Recorder receives usage records. Implementations must not block the
// caller for long and must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, r Record)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, r Record)

func (f RecorderFunc) Record(ctx context.Context, r Record) {
	f(ctx, r)
}

type multi []Recorder

func (m multi) Record(ctx context.Context, r Record) {
	for _, rec := range m {
		rec.Record(ctx, r)
	}
}

// Multi fans a record out to every non-nil recorder. It returns nil when
// none are given.
func Multi(recorders ...Recorder) Recorder {
	var m multi
	for _, r := range recorders {
		if r != nil {
			m = append(m, r)
		}
	}
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	}
	return m
}

// Estimator turns wall-clock time into energy and emissions from a fixed
// power draw and grid carbon intensity.
type Estimator struct {
	PowerWatts      float64
	CarbonIntensity float64 // kg CO2 per kWh
}

// Estimate returns energy in kWh and emissions in kg for d.
func (e Estimator) Estimate(d time.Duration) (kwh, kg float64) {
	kwh = e.PowerWatts * d.Hours() / 1000
	return kwh, kwh * e.CarbonIntensity
}

// Estimating fills EnergyKWh and EmissionsKg from the latency before
// passing the record on.
func Estimating(next Recorder, e Estimator) Recorder {
	if next == nil {
		return nil
	}
	return RecorderFunc(func(ctx context.Context, r Record) {
		if r.EnergyKWh == 0 {
			r.EnergyKWh, r.EmissionsKg = e.Estimate(r.Latency)
		}
		next.Record(ctx, r)
	})
}
