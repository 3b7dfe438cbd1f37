package usage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/newsrag/internal/logger"
)

// ErrNoEmissions is returned by Latest when nothing has been logged yet.
var ErrNoEmissions = errors.New("no emissions recorded")

var emissionsHeader = []string{
	"timestamp", "project_name", "operation", "model", "duration",
	"status", "energy_consumed", "emissions", "prompt_tokens", "completion_tokens", "region",
}

// EmissionsLog appends one CSV row per record to a file, in the spirit of a
// codecarbon emissions.csv.
type EmissionsLog struct {
	path    string
	project string
	region  string
	mu      sync.Mutex
}

// NewEmissionsLog creates a log writing to path.
func NewEmissionsLog(path, project, region string) *EmissionsLog {
	return &EmissionsLog{path: path, project: project, region: region}
}

// Path returns the CSV file path.
func (l *EmissionsLog) Path() string {
	return l.path
}

func (l *EmissionsLog) Record(ctx context.Context, r Record) {
	if err := l.append(r); err != nil {
		logger.Warn(ctx, "failed to write emissions row", "path", l.path, "error", err.Error())
	}
}

func (l *EmissionsLog) append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(emissionsHeader); err != nil {
			return err
		}
	}

	status := "ok"
	if r.Err != nil {
		status = "error"
	}
	started := r.Started
	if started.IsZero() {
		started = time.Now()
	}
	row := []string{
		started.UTC().Format(time.RFC3339),
		l.project,
		r.Operation,
		r.Model,
		strconv.FormatFloat(r.Latency.Seconds(), 'f', 3, 64),
		status,
		strconv.FormatFloat(r.EnergyKWh, 'g', -1, 64),
		strconv.FormatFloat(r.EmissionsKg, 'g', -1, 64),
		strconv.Itoa(r.PromptTokens),
		strconv.Itoa(r.CompletionTokens),
		l.region,
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// Emission is one row of the emissions log.
type Emission struct {
	Timestamp   time.Time `json:"timestamp"`
	Operation   string    `json:"operation"`
	Model       string    `json:"model"`
	Duration    float64   `json:"duration_seconds"`
	EnergyKWh   float64   `json:"energy_kwh"`
	EmissionsKg float64   `json:"emissions_kg"`
}

// EmissionsSummary is the latest row plus running totals.
type EmissionsSummary struct {
	Latest           Emission `json:"latest"`
	Rows             int      `json:"rows"`
	TotalEnergyKWh   float64  `json:"total_energy_kwh"`
	TotalEmissionsKg float64  `json:"total_emissions_kg"`
}

// Latest reads the emissions log at path and returns its most recent row
// and totals. A missing or empty file is ErrNoEmissions.
func Latest(path string) (*EmissionsSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoEmissions
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return nil, ErrNoEmissions
	}
	if err != nil {
		return nil, fmt.Errorf("read emissions header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	for _, name := range []string{"timestamp", "duration", "energy_consumed", "emissions"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("emissions log has no %q column", name)
		}
	}

	summary := &EmissionsSummary{}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read emissions row: %w", err)
		}

		e := Emission{
			Duration:    parseFloat(rec, col, "duration"),
			EnergyKWh:   parseFloat(rec, col, "energy_consumed"),
			EmissionsKg: parseFloat(rec, col, "emissions"),
		}
		if i, ok := col["operation"]; ok && i < len(rec) {
			e.Operation = rec[i]
		}
		if i, ok := col["model"]; ok && i < len(rec) {
			e.Model = rec[i]
		}
		if t, err := time.Parse(time.RFC3339, rec[col["timestamp"]]); err == nil {
			e.Timestamp = t
		}

		summary.Rows++
		summary.TotalEnergyKWh += e.EnergyKWh
		summary.TotalEmissionsKg += e.EmissionsKg
		summary.Latest = e
	}

	if summary.Rows == 0 {
		return nil, ErrNoEmissions
	}
	return summary, nil
}

func parseFloat(rec []string, col map[string]int, name string) float64 {
	i := col[name]
	if i >= len(rec) {
		return 0
	}
	v, _ := strconv.ParseFloat(rec[i], 64)
	return v
}
