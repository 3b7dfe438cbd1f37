package rag

import (
	"fmt"
	"strings"
)

// FormatAnswer renders an answer with numbered sources for terminals and
// tool output.
func FormatAnswer(a *Answer) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(a.Answer))
	sb.WriteString("\n")

	if a.Degraded && a.Error != "" {
		sb.WriteString(fmt.Sprintf("\n(generation failed: %s)\n", a.Error))
	}

	if len(a.Sources) == 0 {
		sb.WriteString("\nSources: none\n")
	} else {
		sb.WriteString("\nSources:\n")
		for i, s := range a.Sources {
			title := s.Title
			if title == "" {
				title = fmt.Sprintf("article %d", s.ID)
			}
			sb.WriteString(fmt.Sprintf("  [%d] %s", i+1, title))
			if s.Source != "" {
				sb.WriteString(" (" + s.Source + ")")
			}
			if s.URL != "" {
				sb.WriteString("\n      " + s.URL)
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString(fmt.Sprintf("\nLatency: %.2fs", a.LatencySeconds))
	if a.Cached {
		sb.WriteString(" (cached)")
	}
	sb.WriteString("\n")
	return sb.String()
}
