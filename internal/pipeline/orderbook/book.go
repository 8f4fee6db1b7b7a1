// Copyright 2025 James Ross

// Package orderbook implements a small reference pipeline: a price-time
// priority matching engine operating purely through emitted events
// (order submitted → validated → matched/partially-matched → settled),
// plus a risk manager and an audit trail. It exists to exercise the
// spine's fan-out and multi-consumer routing over a stateful domain, not
// as a production trading system.
package orderbook

import (
	"container/heap"
	"sync"
	"time"
)

// bookEntry is one resting order in a book's priority queue.
type bookEntry struct {
	orderID   string
	traderID  string
	side      string
	quantity  int
	price     float64
	timestamp time.Time
}

// priceTimeHeap is a container/heap.Interface over bookEntry pointers,
// ordered by a side-specific comparator (bids: highest price first,
// asks: lowest price first; ties broken by arrival time).
type priceTimeHeap struct {
	entries []*bookEntry
	less    func(a, b *bookEntry) bool
}

func (h *priceTimeHeap) Len() int { return len(h.entries) }
func (h *priceTimeHeap) Less(i, j int) bool {
	return h.less(h.entries[i], h.entries[j])
}
func (h *priceTimeHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *priceTimeHeap) Push(x any)    { h.entries = append(h.entries, x.(*bookEntry)) }
func (h *priceTimeHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	h.entries = old[:n-1]
	return e
}

func bidLess(a, b *bookEntry) bool {
	if a.price != b.price {
		return a.price > b.price
	}
	return a.timestamp.Before(b.timestamp)
}

func askLess(a, b *bookEntry) bool {
	if a.price != b.price {
		return a.price < b.price
	}
	return a.timestamp.Before(b.timestamp)
}

// OrderBook is a price-time priority book for a single symbol. Resting
// orders are removed lazily: Best* pops entries that no longer appear in
// the live index (settled, cancelled, or fully filled) before returning.
type OrderBook struct {
	Symbol string

	bids  priceTimeHeap
	asks  priceTimeHeap
	index map[string]*bookEntry
}

func newOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol: symbol,
		bids:   priceTimeHeap{less: bidLess},
		asks:   priceTimeHeap{less: askLess},
		index:  make(map[string]*bookEntry),
	}
}

// Add inserts a resting order into the appropriate side of the book.
func (b *OrderBook) Add(orderID, traderID, side string, quantity int, price float64) {
	e := &bookEntry{orderID: orderID, traderID: traderID, side: side, quantity: quantity, price: price, timestamp: time.Now().UTC()}
	b.index[orderID] = e
	if side == "BUY" {
		heap.Push(&b.bids, e)
	} else {
		heap.Push(&b.asks, e)
	}
}

// Remove drops an order from the live index so it is skipped on next peek.
func (b *OrderBook) Remove(orderID string) {
	delete(b.index, orderID)
}

// BestBid returns the highest-priority resting buy order, or nil.
func (b *OrderBook) BestBid() *bookEntry {
	b.clean(&b.bids)
	if b.bids.Len() == 0 {
		return nil
	}
	return b.bids.entries[0]
}

// BestAsk returns the highest-priority resting sell order, or nil.
func (b *OrderBook) BestAsk() *bookEntry {
	b.clean(&b.asks)
	if b.asks.Len() == 0 {
		return nil
	}
	return b.asks.entries[0]
}

func (b *OrderBook) clean(h *priceTimeHeap) {
	for h.Len() > 0 {
		top := h.entries[0]
		if _, live := b.index[top.orderID]; live {
			return
		}
		heap.Pop(h)
	}
}

// DepthLevel is a single (price, quantity) row of book depth.
type DepthLevel struct {
	Price    float64
	Quantity int
}

// Depth reports up to n resting bid/ask levels, sorted by priority. It
// copies the live index rather than draining the heaps.
func (b *OrderBook) Depth(n int) (bids, asks []DepthLevel) {
	bids = depthSide(b.index, "BUY", n, true)
	asks = depthSide(b.index, "SELL", n, false)
	return bids, asks
}

func depthSide(index map[string]*bookEntry, side string, n int, descending bool) []DepthLevel {
	var entries []*bookEntry
	for _, e := range index {
		if e.side == side {
			entries = append(entries, e)
		}
	}
	sortEntries(entries, descending)
	if len(entries) > n {
		entries = entries[:n]
	}
	out := make([]DepthLevel, len(entries))
	for i, e := range entries {
		out[i] = DepthLevel{Price: e.price, Quantity: e.quantity}
	}
	return out
}

func sortEntries(entries []*bookEntry, descending bool) {
	less := askLess
	if descending {
		less = bidLess
	}
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && less(entries[j], entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// bookRegistry holds one OrderBook per symbol, guarded for concurrent
// access by multiple MatchingEngineOrgan invocations.
type bookRegistry struct {
	mu    sync.Mutex
	books map[string]*OrderBook
}

func newBookRegistry() *bookRegistry {
	return &bookRegistry{books: make(map[string]*OrderBook)}
}

func (r *bookRegistry) get(symbol string) *OrderBook {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[symbol]
	if !ok {
		b = newOrderBook(symbol)
		r.books[symbol] = b
	}
	return b
}

// Depth reports book depth for symbol, for diagnostics/tests.
func (r *bookRegistry) Depth(symbol string, n int) (bids, asks []DepthLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[symbol]
	if !ok {
		return nil, nil
	}
	return b.Depth(n)
}
