// Copyright 2025 James Ross

// Package etl implements a small reference pipeline: extract CSV data,
// clean and transform it, then print a summary. It exists to exercise
// the spine's multi-hop routing over a realistic data shape, not as a
// production ETL tool.
package etl

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

// ExtractCSVOrgan turns an ETL_START event into RAW_DATA_LOADED. The
// payload supplies CSV data either inline via "csv_data", or as a set of
// on-disk files matched by a doublestar glob pattern via "glob" (e.g.
// "data/**/*.csv"), in which case matching files are read and their rows
// concatenated under a shared header.
type ExtractCSVOrgan struct{}

func (ExtractCSVOrgan) Name() string { return "extract_csv" }

func (ExtractCSVOrgan) ListensTo() []string { return []string{"ETL_START"} }

func (ExtractCSVOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	payload := evt.Payload()
	sourceName := stringField(payload, "source_name")
	if sourceName == "" {
		sourceName = "unknown"
	}

	raw, err := gatherCSVData(payload)
	if err != nil {
		return organ.Result{}, fmt.Errorf("etl: extract_csv: %w", err)
	}

	headers, records, err := parseCSV(raw)
	if err != nil {
		return organ.Result{}, fmt.Errorf("etl: extract_csv: %w", err)
	}

	out, err := event.New("RAW_DATA_LOADED", map[string]any{
		"source_name": sourceName,
		"headers":     headers,
		"records":     records,
		"row_count":   len(records),
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}

// gatherCSVData resolves the organ's two input modes: an inline string
// or a glob of on-disk files, in that preference order.
func gatherCSVData(payload map[string]any) (string, error) {
	if inline := stringField(payload, "csv_data"); inline != "" {
		return inline, nil
	}

	pattern := stringField(payload, "glob")
	if pattern == "" {
		return "", nil
	}

	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("glob %q matched no files", pattern)
	}

	var chunks []string
	for i, path := range matches {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		text := strings.TrimRight(string(content), "\n")
		if i > 0 {
			// Drop the header line from every file after the first so
			// concatenated sources share a single header row.
			if idx := strings.IndexByte(text, '\n'); idx >= 0 {
				text = text[idx+1:]
			} else {
				continue
			}
		}
		chunks = append(chunks, text)
	}
	return strings.Join(chunks, "\n"), nil
}

func parseCSV(raw string) ([]string, []map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return []string{}, []map[string]any{}, nil
	}

	r := csv.NewReader(strings.NewReader(trimmed))
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("malformed csv: %w", err)
	}
	if len(rows) == 0 {
		return []string{}, []map[string]any{}, nil
	}

	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = strings.TrimSpace(h)
	}

	records := make([]map[string]any, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := make(map[string]any, len(headers))
		for i, h := range headers {
			if i < len(row) {
				record[h] = strings.TrimSpace(row[i])
			} else {
				record[h] = ""
			}
		}
		records = append(records, record)
	}
	return headers, records, nil
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}
