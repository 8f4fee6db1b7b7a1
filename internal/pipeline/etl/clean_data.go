// Copyright 2025 James Ross
package etl

import (
	"context"
	"strings"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

// CleanDataOrgan drops any record containing an empty value and
// normalizes remaining string values (trimmed, lowercased).
type CleanDataOrgan struct{}

func (CleanDataOrgan) Name() string { return "clean_data" }

func (CleanDataOrgan) ListensTo() []string { return []string{"RAW_DATA_LOADED"} }

func (CleanDataOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	payload := evt.Payload()
	sourceName := stringField(payload, "source_name")
	headers := payload["headers"]
	records := recordSlice(payload["records"])

	cleaned := make([]map[string]any, 0, len(records))
	removed := 0

	for _, record := range records {
		if hasEmptyValue(record) {
			removed++
			continue
		}
		out := make(map[string]any, len(record))
		for k, v := range record {
			if s, ok := v.(string); ok {
				out[k] = strings.ToLower(strings.TrimSpace(s))
			} else {
				out[k] = v
			}
		}
		cleaned = append(cleaned, out)
	}

	result, err := event.New("DATA_CLEANED", map[string]any{
		"source_name":   sourceName,
		"headers":       headers,
		"records":       cleaned,
		"row_count":     len(cleaned),
		"removed_count": removed,
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(result), nil
}

func hasEmptyValue(record map[string]any) bool {
	for _, v := range record {
		if v == nil {
			return true
		}
		if s, ok := v.(string); ok && s == "" {
			return true
		}
	}
	return false
}

func recordSlice(v any) []map[string]any {
	switch vv := v.(type) {
	case []map[string]any:
		return vv
	case []any:
		out := make([]map[string]any, 0, len(vv))
		for _, e := range vv {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}
