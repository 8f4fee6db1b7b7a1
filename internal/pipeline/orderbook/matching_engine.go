// Copyright 2025 James Ross
package orderbook

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

// MatchingEngineOrgan matches ORDER_VALIDATED events against a live,
// per-symbol order book using price-time priority, emitting one
// TRADE_EXECUTED per fill plus a terminal ORDER_FILLED,
// ORDER_PARTIAL_FILL, ORDER_QUEUED, or ORDER_REJECTED event.
type MatchingEngineOrgan struct {
	books *bookRegistry

	mu         sync.Mutex
	tradeCount int
}

// NewMatchingEngineOrgan returns an engine with its own, isolated set of
// order books (unlike the Python original's process-wide class
// variable, so tests and concurrent pipelines never share state).
func NewMatchingEngineOrgan() *MatchingEngineOrgan {
	return &MatchingEngineOrgan{books: newBookRegistry()}
}

func (*MatchingEngineOrgan) Name() string { return "matching_engine" }

func (*MatchingEngineOrgan) ListensTo() []string { return []string{"ORDER_VALIDATED"} }

// Depth reports up to n resting bid/ask levels for symbol.
func (o *MatchingEngineOrgan) Depth(symbol string, n int) (bids, asks []DepthLevel) {
	return o.books.Depth(symbol, n)
}

// TradeCount reports the number of fills this engine has executed.
func (o *MatchingEngineOrgan) TradeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tradeCount
}

func (o *MatchingEngineOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	p := evt.Payload()
	orderID, _ := p["order_id"].(string)
	symbol, _ := p["symbol"].(string)
	side, _ := p["side"].(string)
	orderType, _ := p["order_type"].(string)
	traderID, _ := p["trader_id"].(string)
	quantity, _ := asInt(p["quantity"])
	price, _ := asFloat(p["price"])

	book := o.books.get(symbol)

	var events []*event.Event
	remaining := quantity
	type fill struct {
		quantity int
		price    float64
	}
	var fills []fill

	counterSide := book.BestAsk
	if side == "SELL" {
		counterSide = book.BestBid
	}

	for remaining > 0 {
		best := counterSide()
		if best == nil {
			break
		}
		if orderType == "LIMIT" {
			if side == "BUY" && best.price > price {
				break
			}
			if side == "SELL" && best.price < price {
				break
			}
		}

		fillQty := remaining
		if best.quantity < fillQty {
			fillQty = best.quantity
		}
		tradeID := "T" + uuid.New().String()
		fills = append(fills, fill{quantity: fillQty, price: best.price})

		buyerID, sellerID, buyerOrder, sellerOrder := traderID, best.traderID, orderID, best.orderID
		if side == "SELL" {
			buyerID, sellerID, buyerOrder, sellerOrder = best.traderID, traderID, best.orderID, orderID
		}

		trade, err := event.New("TRADE_EXECUTED", map[string]any{
			"trade_id":     tradeID,
			"symbol":       symbol,
			"price":        best.price,
			"quantity":     fillQty,
			"buyer_id":     buyerID,
			"buyer_order":  buyerOrder,
			"seller_id":    sellerID,
			"seller_order": sellerOrder,
			"executed_at":  time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return organ.Result{}, err
		}
		events = append(events, trade)

		remaining -= fillQty
		best.quantity -= fillQty
		if best.quantity <= 0 {
			book.Remove(best.orderID)
		}

		o.mu.Lock()
		o.tradeCount++
		o.mu.Unlock()
	}

	filledQty := quantity - remaining

	switch {
	case filledQty == quantity:
		var notional float64
		for _, f := range fills {
			notional += f.price * float64(f.quantity)
		}
		avgPrice := 0.0
		if quantity > 0 {
			avgPrice = notional / float64(quantity)
		}
		out, err := event.New("ORDER_FILLED", map[string]any{
			"order_id":   orderID,
			"trader_id":  traderID,
			"symbol":     symbol,
			"side":       side,
			"quantity":   quantity,
			"avg_price":  avgPrice,
			"filled_at":  time.Now().UTC().Format(time.RFC3339Nano),
			"fill_count": len(fills),
		})
		if err != nil {
			return organ.Result{}, err
		}
		events = append(events, out)

	case filledQty > 0:
		out, err := event.New("ORDER_PARTIAL_FILL", map[string]any{
			"order_id":           orderID,
			"trader_id":          traderID,
			"symbol":             symbol,
			"side":               side,
			"original_quantity":  quantity,
			"filled_quantity":    filledQty,
			"remaining_quantity": remaining,
			"filled_at":          time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return organ.Result{}, err
		}
		events = append(events, out)
		if orderType == "LIMIT" {
			book.Add(orderID, traderID, side, remaining, price)
		}

	default:
		if orderType == "LIMIT" {
			book.Add(orderID, traderID, side, quantity, price)
			out, err := event.New("ORDER_QUEUED", map[string]any{
				"order_id":  orderID,
				"trader_id": traderID,
				"symbol":    symbol,
				"side":      side,
				"quantity":  quantity,
				"price":     price,
				"queued_at": time.Now().UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				return organ.Result{}, err
			}
			events = append(events, out)
		} else {
			out, err := event.New("ORDER_REJECTED", map[string]any{
				"order_id":    orderID,
				"trader_id":   traderID,
				"reason":      "No liquidity for MARKET order",
				"rejected_at": time.Now().UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				return organ.Result{}, err
			}
			events = append(events, out)
		}
	}

	return organ.All(events...), nil
}
