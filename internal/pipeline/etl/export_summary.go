// Copyright 2025 James Ross
package etl

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

// ExportSummaryOrgan is the terminal organ of the ETL chain: it renders a
// human-readable summary of the transformed data, hands it to an
// optional OutputFunc (useful for tests), and emits ETL_COMPLETE so a
// coordinator can observe pipeline completion without controlling the
// spine directly.
type ExportSummaryOrgan struct {
	// OutputFunc receives the rendered summary; if nil, the summary is
	// only retained via LastSummary.
	OutputFunc func(string)
	// OnComplete, if set, is invoked after the summary is rendered —
	// typically wired to a coordinator's spine.Stop, mirroring the
	// callback-preferred-over-direct-control pattern.
	OnComplete func()

	mu          sync.Mutex
	lastSummary string
}

func (*ExportSummaryOrgan) Name() string { return "export_summary" }

func (*ExportSummaryOrgan) ListensTo() []string { return []string{"DATA_TRANSFORMED"} }

func (o *ExportSummaryOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	payload := evt.Payload()
	sourceName := stringField(payload, "source_name")
	rowCount := payload["row_count"]
	headers := stringSliceAny(payload["headers"])
	numericStats, _ := payload["numeric_stats"].(map[string]any)

	var b strings.Builder
	fmt.Fprintf(&b, "=== ETL Summary for '%s' ===\n", sourceName)
	fmt.Fprintf(&b, "Total rows processed: %v\n", rowCount)
	fmt.Fprintf(&b, "Columns: %s", strings.Join(headers, ", "))

	if len(numericStats) > 0 {
		b.WriteString("\n\nNumeric Statistics:\n")
		fields := make([]string, 0, len(numericStats))
		for field := range numericStats {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			stat, ok := numericStats[field].(map[string]any)
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "  %s: min=%s, max=%s, avg=%s, sum=%s\n",
				field, statValue(stat["min"]), statValue(stat["max"]), statValue(stat["avg"]), statValue(stat["sum"]))
		}
	}

	summary := b.String()

	o.mu.Lock()
	o.lastSummary = summary
	o.mu.Unlock()

	if o.OutputFunc != nil {
		o.OutputFunc(summary)
	}
	if o.OnComplete != nil {
		o.OnComplete()
	}

	out, err := event.New("ETL_COMPLETE", map[string]any{
		"source_name": sourceName,
		"row_count":   rowCount,
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}

// LastSummary returns the most recently rendered summary, for tests.
func (o *ExportSummaryOrgan) LastSummary() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSummary
}

func statValue(v any) string {
	f, ok := asFloat(v)
	if !ok {
		return "N/A"
	}
	return fmt.Sprintf("%.2f", f)
}
