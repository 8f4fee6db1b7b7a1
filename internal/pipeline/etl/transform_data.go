// Copyright 2025 James Ross
package etl

import (
	"context"
	"strconv"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

// numericStat summarizes one numeric column.
type numericStat struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// TransformDataOrgan computes min/max/sum/avg/count for every header
// column whose values parse as numbers across the cleaned records.
type TransformDataOrgan struct{}

func (TransformDataOrgan) Name() string { return "transform_data" }

func (TransformDataOrgan) ListensTo() []string { return []string{"DATA_CLEANED"} }

func (TransformDataOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	payload := evt.Payload()
	sourceName := stringField(payload, "source_name")
	headers := stringSliceAny(payload["headers"])
	records := recordSlice(payload["records"])

	stats := make(map[string]any, len(headers))
	for _, header := range headers {
		var values []float64
		for _, record := range records {
			f, ok := asFloat(record[header])
			if ok {
				values = append(values, f)
			}
		}
		if len(values) == 0 {
			continue
		}
		stats[header] = summarize(values)
	}

	out, err := event.New("DATA_TRANSFORMED", map[string]any{
		"source_name":   sourceName,
		"headers":       headers,
		"records":       records,
		"row_count":     len(records),
		"numeric_stats": stats,
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}

func summarize(values []float64) numericStat {
	stat := numericStat{Min: values[0], Max: values[0], Count: len(values)}
	var sum float64
	for _, v := range values {
		sum += v
		if v < stat.Min {
			stat.Min = v
		}
		if v > stat.Max {
			stat.Max = v
		}
	}
	stat.Sum = sum
	stat.Avg = sum / float64(len(values))
	return stat
}

func asFloat(v any) (float64, bool) {
	switch vv := v.(type) {
	case float64:
		return vv, true
	case string:
		f, err := strconv.ParseFloat(vv, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func stringSliceAny(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
