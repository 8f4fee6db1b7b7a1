// Copyright 2025 James Ross
package orderbook

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

// problematicTraders always fail settlement (a permanent failure: every
// delivery of their trades fails).
var problematicTraders = map[string]bool{"trader_bad_1": true, "trader_bad_2": true}

// SettlementOrgan settles an executed trade via a simulated clearing
// house: a 5% transient failure rate plus a permanent failure for
// problematicTraders. Both surface as handler errors, resolved by the
// spine's HandlerFailureMode (written to the DLQ under HandlerStore).
type SettlementOrgan struct {
	mu           sync.Mutex
	settledCount int
	failedCount  int
}

func (*SettlementOrgan) Name() string { return "settlement" }

func (*SettlementOrgan) ListensTo() []string { return []string{"TRADE_EXECUTED"} }

func (o *SettlementOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	p := evt.Payload()
	tradeID, _ := p["trade_id"].(string)
	symbol, _ := p["symbol"].(string)
	buyerID, _ := p["buyer_id"].(string)
	sellerID, _ := p["seller_id"].(string)
	quantity, _ := asInt(p["quantity"])
	price, _ := asFloat(p["price"])
	totalValue := float64(quantity) * price

	if buyerID != "" && problematicTraders[buyerID] {
		o.mu.Lock()
		o.failedCount++
		o.mu.Unlock()
		return organ.Result{}, fmt.Errorf("orderbook: settlement: %s has insufficient funds", buyerID)
	}
	if sellerID != "" && problematicTraders[sellerID] {
		o.mu.Lock()
		o.failedCount++
		o.mu.Unlock()
		return organ.Result{}, fmt.Errorf("orderbook: settlement: %s has a restricted account", sellerID)
	}

	if rand.Float64() < 0.05 {
		return organ.Result{}, fmt.Errorf("orderbook: settlement: clearing house timeout for trade %s", tradeID)
	}

	o.mu.Lock()
	o.settledCount++
	o.mu.Unlock()

	out, err := event.New("SETTLEMENT_COMPLETE", map[string]any{
		"trade_id":       tradeID,
		"symbol":         symbol,
		"buyer_id":       buyerID,
		"seller_id":      sellerID,
		"quantity":       quantity,
		"price":          price,
		"total_value":    totalValue,
		"settlement_fee": round2(totalValue * 0.0001),
		"settled_at":     time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}

// SettledCount reports the number of trades successfully settled.
func (o *SettlementOrgan) SettledCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settledCount
}

// FailedCount reports the number of permanent settlement failures.
func (o *SettlementOrgan) FailedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failedCount
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
