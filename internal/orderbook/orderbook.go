// Package orderbook implements the per-security resting order book.
//
// Orders rest in price levels held in B-trees (bids descending, asks
// ascending); within a level orders queue FIFO by submission sequence. All
// mutation goes through the matching engine, which processes one event at a
// time per security. Resting order fields double as book state read by the
// API layer's snapshots, so every write to them happens under the book lock:
// Fill, CancelResting and Update are the only mutation paths for orders a
// concurrent reader may hold.
package orderbook

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/tradeclass/simex/internal/model"
)

// priceLevel is the FIFO queue of resting orders at one price.
type priceLevel struct {
	price  decimal.Decimal
	orders []*model.Order
}

func (pl *priceLevel) total() decimal.Decimal {
	sum := decimal.Zero
	for _, o := range pl.orders {
		sum = sum.Add(o.Remaining())
	}
	return sum
}

// Level is one aggregated row of the display view.
type Level struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	OrderCount int             `json:"order_count"`
}

// Snapshot is the read-only aggregated view returned to clients. It is never
// the source of matching truth.
type Snapshot struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// Book is the resting order book for one security.
type Book struct {
	symbol string
	mu     sync.RWMutex
	bids   *btree.BTreeG[*priceLevel] // best bid first
	asks   *btree.BTreeG[*priceLevel] // best ask first
	index  map[uuid.UUID]*model.Order
}

// New creates an empty book for the given symbol.
func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids: btree.NewBTreeG(func(a, b *priceLevel) bool {
			return a.price.GreaterThan(b.price)
		}),
		asks: btree.NewBTreeG(func(a, b *priceLevel) bool {
			return a.price.LessThan(b.price)
		}),
		index: make(map[uuid.UUID]*model.Order),
	}
}

func (b *Book) sideFor(side string) *btree.BTreeG[*priceLevel] {
	if side == model.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

// Add rests an order at its price level. The caller has already validated
// the order and decided it belongs on the book.
func (b *Book) Add(o *model.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tree := b.sideFor(o.Side)
	key := &priceLevel{price: o.Price}
	level, ok := tree.Get(key)
	if !ok {
		level = &priceLevel{price: o.Price}
		tree.Set(level)
	}
	level.orders = append(level.orders, o)
	b.index[o.ID] = o
}

// Remove takes an order off the book by id.
func (b *Book) Remove(id uuid.UUID) (*model.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

func (b *Book) removeLocked(id uuid.UUID) (*model.Order, bool) {
	o, ok := b.index[id]
	if !ok {
		return nil, false
	}
	tree := b.sideFor(o.Side)
	key := &priceLevel{price: o.Price}
	level, ok := tree.Get(key)
	if !ok {
		return nil, false
	}
	for i, rest := range level.orders {
		if rest.ID == id {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			break
		}
	}
	if len(level.orders) == 0 {
		tree.Delete(key)
	}
	delete(b.index, id)
	return o, true
}

// Fill applies one match to the taker and the resting maker, dropping the
// maker from the book once it is done. Quantity and status writes share the
// lock that Depth and View readers take.
func (b *Book) Fill(taker, maker *model.Order, qty decimal.Decimal, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	taker.FilledQuantity = taker.FilledQuantity.Add(qty)
	maker.FilledQuantity = maker.FilledQuantity.Add(qty)
	taker.UpdatedAt = now
	maker.UpdatedAt = now
	if maker.Remaining().IsZero() {
		maker.Status = model.OrderStatusFilled
		b.removeLocked(maker.ID)
	} else {
		maker.Status = model.OrderStatusPartiallyFilled
	}
	if taker.Remaining().IsPositive() {
		taker.Status = model.OrderStatusPartiallyFilled
	} else {
		taker.Status = model.OrderStatusFilled
	}
}

// CancelResting removes an order from the book and marks it cancelled in one
// critical section.
func (b *Book) CancelResting(id uuid.UUID, now time.Time) (*model.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.removeLocked(id)
	if !ok {
		return nil, false
	}
	o.Status = model.OrderStatusCancelled
	o.UpdatedAt = now
	return o, true
}

// Update runs fn under the book's write lock. Order field writes go through
// here whenever a concurrent snapshot reader may hold the order.
func (b *Book) Update(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
}

// View returns a copy of an order taken under the book's read lock.
func (b *Book) View(o *model.Order) model.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return *o
}

// Get returns a resting order by id.
func (b *Book) Get(id uuid.UUID) (*model.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.index[id]
	return o, ok
}

// PeekBest returns the first order in time priority at the best price on the
// given side, without removing it.
func (b *Book) PeekBest(side string) (*model.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	level, ok := b.sideFor(side).Min()
	if !ok || len(level.orders) == 0 {
		return nil, false
	}
	return level.orders[0], true
}

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	level, ok := b.bids.Min()
	if !ok {
		return decimal.Zero, false
	}
	return level.price, true
}

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	level, ok := b.asks.Min()
	if !ok {
		return decimal.Zero, false
	}
	return level.price, true
}

// AvailableUpTo sums contra-side quantity fillable by an order with the given
// side and limit (zero limit means market: everything counts). Used for the
// fill-or-kill feasibility check before any mutation.
func (b *Book) AvailableUpTo(side string, limit decimal.Decimal) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	contra := model.OrderSideSell
	if side == model.OrderSideSell {
		contra = model.OrderSideBuy
	}
	sum := decimal.Zero
	b.sideFor(contra).Scan(func(level *priceLevel) bool {
		if !limit.IsZero() {
			if side == model.OrderSideBuy && level.price.GreaterThan(limit) {
				return false
			}
			if side == model.OrderSideSell && level.price.LessThan(limit) {
				return false
			}
		}
		sum = sum.Add(level.total())
		return true
	})
	return sum
}

// RemoveWhere removes every resting order matching pred and returns them in
// no particular order. Used for day-order expiry on market close.
func (b *Book) RemoveWhere(pred func(*model.Order) bool) []*model.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []uuid.UUID
	for id, o := range b.index {
		if pred(o) {
			ids = append(ids, id)
		}
	}
	removed := make([]*model.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := b.removeLocked(id); ok {
			removed = append(removed, o)
		}
	}
	return removed
}

// Depth returns the aggregated display view down to maxLevels per side.
func (b *Book) Depth(maxLevels int) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := Snapshot{Symbol: b.symbol}
	b.bids.Scan(func(level *priceLevel) bool {
		snap.Bids = append(snap.Bids, Level{
			Price:      level.price,
			Quantity:   level.total(),
			OrderCount: len(level.orders),
		})
		return len(snap.Bids) < maxLevels
	})
	b.asks.Scan(func(level *priceLevel) bool {
		snap.Asks = append(snap.Asks, Level{
			Price:      level.price,
			Quantity:   level.total(),
			OrderCount: len(level.orders),
		})
		return len(snap.Asks) < maxLevels
	})
	return snap
}
