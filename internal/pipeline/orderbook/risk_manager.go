// Copyright 2025 James Ross
package orderbook

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

const (
	maxPositionValue = 1_000_000.0
	maxDailyVolume   = 50_000
)

// Alert is one risk-limit breach.
type Alert struct {
	Type          string
	TraderID      string
	Symbol        string
	PositionValue float64
	DailyVolume   int
	Limit         float64
}

// RiskManagerOrgan tracks per-trader positions and daily traded volume,
// emitting a RISK_ALERT event whenever a settlement or fill pushes a
// trader over the notional position limit or the daily volume limit.
// Returns organ.Nothing() on events it has nothing to say about,
// matching the Python original's Optional[Event] return.
type RiskManagerOrgan struct {
	mu          sync.Mutex
	positions   map[string]map[string]int
	dailyVolume map[string]int
	alerts      []Alert
}

func NewRiskManagerOrgan() *RiskManagerOrgan {
	return &RiskManagerOrgan{
		positions:   make(map[string]map[string]int),
		dailyVolume: make(map[string]int),
	}
}

func (*RiskManagerOrgan) Name() string { return "risk_manager" }

func (*RiskManagerOrgan) ListensTo() []string {
	return []string{"SETTLEMENT_COMPLETE", "ORDER_FILLED", "ORDER_PARTIAL_FILL"}
}

func (o *RiskManagerOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	p := evt.Payload()
	var alerts []Alert

	o.mu.Lock()
	switch evt.Type() {
	case "SETTLEMENT_COMPLETE":
		buyer, _ := p["buyer_id"].(string)
		seller, _ := p["seller_id"].(string)
		symbol, _ := p["symbol"].(string)
		qty, qtyOK := asInt(p["quantity"])
		price, priceOK := asFloat(p["price"])

		if buyer == "" || seller == "" || symbol == "" || !qtyOK || qty <= 0 || !priceOK || price <= 0 {
			o.mu.Unlock()
			return organ.Nothing(), nil
		}

		o.addPosition(buyer, symbol, qty)
		o.addPosition(seller, symbol, -qty)
		o.dailyVolume[buyer] += qty
		o.dailyVolume[seller] += qty

		if v := o.positionValue(buyer, symbol, price); v > maxPositionValue {
			alerts = append(alerts, Alert{Type: "POSITION_LIMIT", TraderID: buyer, Symbol: symbol, PositionValue: v, Limit: maxPositionValue})
		}
		if v := o.positionValue(seller, symbol, price); v > maxPositionValue {
			alerts = append(alerts, Alert{Type: "POSITION_LIMIT", TraderID: seller, Symbol: symbol, PositionValue: v, Limit: maxPositionValue})
		}
		if o.dailyVolume[buyer] > maxDailyVolume {
			alerts = append(alerts, Alert{Type: "VOLUME_LIMIT", TraderID: buyer, DailyVolume: o.dailyVolume[buyer], Limit: maxDailyVolume})
		}
		if o.dailyVolume[seller] > maxDailyVolume {
			alerts = append(alerts, Alert{Type: "VOLUME_LIMIT", TraderID: seller, DailyVolume: o.dailyVolume[seller], Limit: maxDailyVolume})
		}

	case "ORDER_FILLED", "ORDER_PARTIAL_FILL":
		trader, _ := p["trader_id"].(string)
		qty, ok := asInt(p["quantity"])
		if !ok {
			qty, _ = asInt(p["filled_quantity"])
		}
		o.dailyVolume[trader] += qty
		if o.dailyVolume[trader] > maxDailyVolume {
			alerts = append(alerts, Alert{Type: "VOLUME_LIMIT", TraderID: trader, DailyVolume: o.dailyVolume[trader], Limit: maxDailyVolume})
		}
	}

	if len(alerts) > 0 {
		o.alerts = append(o.alerts, alerts...)
	}
	o.mu.Unlock()

	if len(alerts) == 0 {
		return organ.Nothing(), nil
	}

	payloadAlerts := make([]map[string]any, len(alerts))
	for i, a := range alerts {
		payloadAlerts[i] = map[string]any{
			"type":           a.Type,
			"trader_id":      a.TraderID,
			"symbol":         a.Symbol,
			"position_value": a.PositionValue,
			"daily_volume":   a.DailyVolume,
			"limit":          a.Limit,
		}
	}

	out, err := event.New("RISK_ALERT", map[string]any{
		"alerts":       payloadAlerts,
		"triggered_by": evt.Type(),
		"triggered_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}

func (o *RiskManagerOrgan) addPosition(trader, symbol string, delta int) {
	if _, ok := o.positions[trader]; !ok {
		o.positions[trader] = make(map[string]int)
	}
	o.positions[trader][symbol] += delta
}

func (o *RiskManagerOrgan) positionValue(trader, symbol string, price float64) float64 {
	qty := o.positions[trader][symbol]
	v := float64(qty) * price
	if v < 0 {
		v = -v
	}
	return v
}

// Position reports a trader's current net position in symbol.
func (o *RiskManagerOrgan) Position(trader, symbol string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.positions[trader][symbol]
}

// Alerts returns a snapshot of all alerts raised so far.
func (o *RiskManagerOrgan) Alerts() []Alert {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Alert, len(o.alerts))
	copy(out, o.alerts)
	return out
}
