package usage

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type captureRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (c *captureRecorder) Record(_ context.Context, r Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func TestEstimator(t *testing.T) {
	e := Estimator{PowerWatts: 45, CarbonIntensity: 0.5}
	kwh, kg := e.Estimate(2 * time.Hour)
	if math.Abs(kwh-0.09) > 1e-9 {
		t.Errorf("expected 0.09 kWh, got %v", kwh)
	}
	if math.Abs(kg-0.045) > 1e-9 {
		t.Errorf("expected 0.045 kg, got %v", kg)
	}
}

func TestMultiAndEstimating(t *testing.T) {
	a, b := &captureRecorder{}, &captureRecorder{}
	rec := Estimating(Multi(a, nil, b), Estimator{PowerWatts: 3600, CarbonIntensity: 1})

	rec.Record(context.Background(), Record{Model: "m", Latency: time.Second})

	for _, c := range []*captureRecorder{a, b} {
		if len(c.records) != 1 {
			t.Fatalf("expected 1 record, got %d", len(c.records))
		}
		if math.Abs(c.records[0].EnergyKWh-0.001) > 1e-12 {
			t.Errorf("expected 0.001 kWh, got %v", c.records[0].EnergyKWh)
		}
	}

	if Multi() != nil || Multi(nil) != nil {
		t.Error("Multi of nothing should be nil")
	}
	if Estimating(nil, Estimator{}) != nil {
		t.Error("Estimating(nil) should be nil")
	}
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.Record(context.Background(), Record{
		Operation: "answer", Model: "llama3", Latency: 2 * time.Second,
		PromptTokens: 100, CompletionTokens: 20, EnergyKWh: 0.001, EmissionsKg: 0.0005,
	})
	p.Record(context.Background(), Record{
		Operation: "answer", Model: "llama3", Latency: time.Second,
		Status: 500, Err: errors.New("boom"),
	})

	if got := testutil.ToFloat64(p.calls.WithLabelValues("answer", "llama3", "ok")); got != 1 {
		t.Errorf("expected 1 ok call, got %v", got)
	}
	if got := testutil.ToFloat64(p.calls.WithLabelValues("answer", "llama3", "500")); got != 1 {
		t.Errorf("expected 1 failed call, got %v", got)
	}
	if got := testutil.ToFloat64(p.tokens.WithLabelValues("answer", "llama3", "prompt")); got != 100 {
		t.Errorf("expected 100 prompt tokens, got %v", got)
	}
	if got := testutil.ToFloat64(p.energy.WithLabelValues("answer", "llama3")); got != 0.001 {
		t.Errorf("expected 0.001 kWh, got %v", got)
	}
}

func TestEmissionsLogAndLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "emissions.csv")
	log := NewEmissionsLog(path, "newsrag", "eu-west")
	ctx := context.Background()

	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	log.Record(ctx, Record{Operation: "summarize", Model: "llama2", Started: started, Latency: time.Second, EnergyKWh: 0.002, EmissionsKg: 0.001})
	log.Record(ctx, Record{Operation: "answer", Model: "llama3", Started: started.Add(time.Minute), Latency: 2 * time.Second, EnergyKWh: 0.004, EmissionsKg: 0.002})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "timestamp,project_name") {
		t.Errorf("unexpected header %q", lines[0])
	}

	summary, err := Latest(path)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if summary.Rows != 2 {
		t.Errorf("expected 2 rows, got %d", summary.Rows)
	}
	if summary.Latest.Model != "llama3" || summary.Latest.EmissionsKg != 0.002 {
		t.Errorf("unexpected latest row %+v", summary.Latest)
	}
	if !summary.Latest.Timestamp.Equal(started.Add(time.Minute)) {
		t.Errorf("unexpected timestamp %v", summary.Latest.Timestamp)
	}
	if math.Abs(summary.TotalEmissionsKg-0.003) > 1e-12 {
		t.Errorf("expected total 0.003 kg, got %v", summary.TotalEmissionsKg)
	}
}

func TestLatestMissingFile(t *testing.T) {
	if _, err := Latest(filepath.Join(t.TempDir(), "none.csv")); !errors.Is(err, ErrNoEmissions) {
		t.Errorf("expected ErrNoEmissions, got %v", err)
	}
}
