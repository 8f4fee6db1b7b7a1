// Copyright 2025 James Ross
package orderbook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

var validSymbols = map[string]bool{
	"AAPL": true, "GOOGL": true, "MSFT": true, "AMZN": true, "TSLA": true, "NVDA": true, "META": true,
}

var validSides = map[string]bool{"BUY": true, "SELL": true}

var validOrderTypes = map[string]bool{"LIMIT": true, "MARKET": true}

const (
	maxQuantity = 10000
	maxPrice    = 100000.0
)

// ValidateOrderOrgan checks an ORDER_SUBMITTED payload's trader, symbol,
// side, order type, quantity, and (for LIMIT orders) price before it
// reaches the matching engine.
type ValidateOrderOrgan struct{}

func (ValidateOrderOrgan) Name() string { return "validate_order" }

func (ValidateOrderOrgan) ListensTo() []string { return []string{"ORDER_SUBMITTED"} }

func (ValidateOrderOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	payload := evt.Payload()
	var errs []string

	traderID := strings.TrimSpace(stringField(payload, "trader_id"))
	if traderID == "" {
		errs = append(errs, "trader_id required")
	}

	symbol := strings.ToUpper(stringField(payload, "symbol"))
	if !validSymbols[symbol] {
		errs = append(errs, fmt.Sprintf("invalid symbol: %s", symbol))
	}

	side := strings.ToUpper(stringField(payload, "side"))
	if !validSides[side] {
		errs = append(errs, fmt.Sprintf("invalid side: %s", side))
	}

	orderType := strings.ToUpper(stringField(payload, "order_type"))
	if orderType == "" {
		errs = append(errs, "order_type required")
	} else if !validOrderTypes[orderType] {
		errs = append(errs, fmt.Sprintf("invalid order_type: %s", orderType))
	}

	quantity, qtyOK := asInt(payload["quantity"])
	if !qtyOK || quantity <= 0 {
		errs = append(errs, "quantity must be a positive integer")
	} else if quantity > maxQuantity {
		errs = append(errs, fmt.Sprintf("quantity exceeds max %d", maxQuantity))
	}

	price, _ := asFloat(payload["price"])
	if orderType == "LIMIT" {
		if price <= 0 {
			errs = append(errs, "LIMIT order requires positive price")
		} else if price > maxPrice {
			errs = append(errs, fmt.Sprintf("price exceeds max %.2f", maxPrice))
		}
	}

	if len(errs) > 0 {
		if traderID == "" {
			traderID = "unknown"
		}
		out, err := event.New("ORDER_REJECTED", map[string]any{
			"order_id":    evt.ID(),
			"trader_id":   traderID,
			"reason":      strings.Join(errs, "; "),
			"rejected_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return organ.Result{}, err
		}
		return organ.One(out), nil
	}

	var priceField any
	if orderType == "LIMIT" {
		priceField = price
	}

	out, err := event.New("ORDER_VALIDATED", map[string]any{
		"order_id":     evt.ID(),
		"trader_id":    traderID,
		"symbol":       symbol,
		"side":         side,
		"order_type":   orderType,
		"quantity":     quantity,
		"price":        priceField,
		"validated_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func asInt(v any) (int, bool) {
	switch vv := v.(type) {
	case int:
		return vv, true
	case float64:
		return int(vv), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch vv := v.(type) {
	case float64:
		return vv, true
	case int:
		return float64(vv), true
	default:
		return 0, false
	}
}
