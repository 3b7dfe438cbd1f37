package search

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OutputFormat specifies the output format for search results.
type OutputFormat string

const (
	FormatDefault OutputFormat = "default"
	FormatJSON    OutputFormat = "json"
	FormatCompact OutputFormat = "compact"
)

// FormatResults formats search hits according to the specified format.
func FormatResults(hits []Hit, format OutputFormat) string {
	switch format {
	case FormatJSON:
		return formatJSON(hits)
	case FormatCompact:
		return formatCompact(hits)
	default:
		return formatDefault(hits)
	}
}

// formatDefault produces human-readable output.
func formatDefault(hits []Hit) string {
	if len(hits) == 0 {
		return "No results found."
	}

	var sb strings.Builder

	for i, h := range hits {
		d := h.Document
		sb.WriteString(fmt.Sprintf("=== Result %d (score: %.2f) ===\n", i+1, h.Score))
		sb.WriteString(fmt.Sprintf("Title: %s\n", d.Title))
		if d.Source != "" {
			sb.WriteString(fmt.Sprintf("Source: %s", d.Source))
			if !d.PublishedAt.IsZero() {
				sb.WriteString(fmt.Sprintf(" | %s", d.PublishedAt.Format("2006-01-02")))
			}
			sb.WriteString("\n")
		}
		if d.URL != "" {
			sb.WriteString(fmt.Sprintf("URL: %s\n", d.URL))
		}
		sb.WriteString("\n")

		for _, line := range strings.Split(d.Summary, "\n") {
			sb.WriteString("  ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// formatJSON produces JSON output.
func formatJSON(hits []Hit) string {
	if hits == nil {
		hits = []Hit{}
	}
	data, err := json.MarshalIndent(hits, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "%s"}`, err.Error())
	}
	return string(data)
}

// formatCompact produces one line per hit: id, score, title.
func formatCompact(hits []Hit) string {
	if len(hits) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, h := range hits {
		sb.WriteString(fmt.Sprintf("%d\t%.2f\t%s\n", h.Document.ID, h.Score, h.Document.Title))
	}
	return sb.String()
}
