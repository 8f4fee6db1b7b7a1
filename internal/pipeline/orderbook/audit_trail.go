// Copyright 2025 James Ross
package orderbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

const defaultMaxLogSize = 100_000

// AuditRecord is one compliance log entry.
type AuditRecord struct {
	EventID        string
	EventType      string
	Timestamp      time.Time
	RecordedAt     time.Time
	PayloadSummary string
}

// AuditTrailOrgan records every significant order-lifecycle event for
// compliance, keeping a bounded ring of recent records plus running
// per-event-type counters. It is a terminal organ: it emits nothing.
type AuditTrailOrgan struct {
	maxLogSize int

	mu    sync.Mutex
	log   []AuditRecord
	stats map[string]int
}

func NewAuditTrailOrgan(maxLogSize int) *AuditTrailOrgan {
	if maxLogSize <= 0 {
		maxLogSize = defaultMaxLogSize
	}
	return &AuditTrailOrgan{
		maxLogSize: maxLogSize,
		stats:      make(map[string]int),
	}
}

func (*AuditTrailOrgan) Name() string { return "audit_trail" }

func (*AuditTrailOrgan) ListensTo() []string {
	return []string{
		"ORDER_VALIDATED", "ORDER_REJECTED", "ORDER_FILLED", "ORDER_PARTIAL_FILL",
		"ORDER_QUEUED", "TRADE_EXECUTED", "SETTLEMENT_COMPLETE", "RISK_ALERT",
	}
}

func (o *AuditTrailOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	record := AuditRecord{
		EventID:        evt.ID(),
		EventType:      evt.Type(),
		Timestamp:      evt.Timestamp(),
		RecordedAt:     time.Now().UTC(),
		PayloadSummary: summarize(evt),
	}

	o.mu.Lock()
	o.log = append(o.log, record)
	if len(o.log) > o.maxLogSize {
		o.log = o.log[len(o.log)-o.maxLogSize:]
	}
	o.stats[statsKey(evt.Type())]++
	o.mu.Unlock()

	return organ.Nothing(), nil
}

func statsKey(eventType string) string {
	switch eventType {
	case "ORDER_VALIDATED":
		return "orders_validated"
	case "ORDER_REJECTED":
		return "orders_rejected"
	case "ORDER_FILLED":
		return "orders_filled"
	case "ORDER_PARTIAL_FILL":
		return "orders_partial"
	case "ORDER_QUEUED":
		return "orders_queued"
	case "TRADE_EXECUTED":
		return "trades_executed"
	case "SETTLEMENT_COMPLETE":
		return "settlements"
	case "RISK_ALERT":
		return "risk_alerts"
	default:
		return "other"
	}
}

func summarize(evt *event.Event) string {
	p := evt.Payload()
	switch evt.Type() {
	case "ORDER_VALIDATED":
		return fmt.Sprintf("%v %v %v @ %v", p["side"], p["quantity"], p["symbol"], priceOrMarket(p["price"]))
	case "ORDER_REJECTED":
		return fmt.Sprintf("Rejected: %v", p["reason"])
	case "ORDER_FILLED":
		return fmt.Sprintf("Filled %v %v @ %.2f", p["quantity"], p["symbol"], floatOrZero(p["avg_price"]))
	case "ORDER_PARTIAL_FILL":
		return fmt.Sprintf("Partial %v/%v %v", p["filled_quantity"], p["original_quantity"], p["symbol"])
	case "ORDER_QUEUED":
		return fmt.Sprintf("Queued %v %v %v @ %v", p["side"], p["quantity"], p["symbol"], priceOrMarket(p["price"]))
	case "TRADE_EXECUTED":
		return fmt.Sprintf("Trade %v: %v %v @ %v", p["trade_id"], p["quantity"], p["symbol"], p["price"])
	case "SETTLEMENT_COMPLETE":
		return fmt.Sprintf("Settled %v: $%.2f", p["trade_id"], floatOrZero(p["total_value"]))
	case "RISK_ALERT":
		alerts, _ := p["alerts"].([]any)
		return fmt.Sprintf("Alerts: %d", len(alerts))
	default:
		return fmt.Sprintf("%v", p)
	}
}

func priceOrMarket(v any) any {
	if v == nil {
		return "MKT"
	}
	return v
}

func floatOrZero(v any) float64 {
	f, _ := asFloat(v)
	return f
}

// Log returns a snapshot of the recorded audit entries.
func (o *AuditTrailOrgan) Log() []AuditRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]AuditRecord, len(o.log))
	copy(out, o.log)
	return out
}

// Stats returns a snapshot of the per-event-type counters.
func (o *AuditTrailOrgan) Stats() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int, len(o.stats))
	for k, v := range o.stats {
		out[k] = v
	}
	return out
}
