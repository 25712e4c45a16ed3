package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeclass/simex/internal/event"
	"github.com/tradeclass/simex/internal/model"
)

// StopMonitor watches price ticks and converts pending-trigger stop orders
// into market or limit orders. Orders are evaluated in registration order;
// triggering is one-shot: the order leaves the registry before resubmission.
type StopMonitor struct {
	engine *Engine

	mu      sync.Mutex
	pending map[string][]*model.Order // symbol -> registration order
}

func newStopMonitor(e *Engine) *StopMonitor {
	return &StopMonitor{
		engine:  e,
		pending: make(map[string][]*model.Order),
	}
}

// Register parks a stop order until its trigger price prints.
func (sm *StopMonitor) Register(o *model.Order) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.pending[o.Symbol] = append(sm.pending[o.Symbol], o)
}

// Remove drops a pending stop order (cancellation path).
func (sm *StopMonitor) Remove(id uuid.UUID) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for sym, orders := range sm.pending {
		for i, o := range orders {
			if o.ID == id {
				sm.pending[sym] = append(orders[:i], orders[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Pending returns how many stop orders wait on a symbol.
func (sm *StopMonitor) Pending(symbol string) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.pending[symbol])
}

func triggered(o *model.Order, price decimal.Decimal) bool {
	if o.Side == model.OrderSideSell {
		return price.LessThanOrEqual(o.StopPrice)
	}
	return price.GreaterThanOrEqual(o.StopPrice)
}

// OnTick scans the symbol's pending stops against the new last price. Each
// triggered order converts (STOP becomes MARKET, STOP_LIMIT becomes LIMIT)
// and is handed back to the matching engine; the symbol worker matches them
// sequentially, so each affects book state before the next evaluation.
func (sm *StopMonitor) OnTick(md model.MarketData) {
	sm.mu.Lock()
	orders := sm.pending[md.Symbol]
	var fired []*model.Order
	var remaining []*model.Order
	for _, o := range orders {
		if triggered(o, md.LastPrice) {
			fired = append(fired, o)
		} else {
			remaining = append(remaining, o)
		}
	}
	sm.pending[md.Symbol] = remaining
	sm.mu.Unlock()

	if len(fired) == 0 {
		return
	}
	book, _, err := sm.engine.bookFor(md.Symbol)
	if err != nil {
		return
	}
	for _, o := range fired {
		// Conversion runs on the ticking goroutine, so the writes take the
		// book lock like every other mutation a reader can observe.
		book.Update(func() {
			if o.Type == model.OrderTypeStop {
				o.Type = model.OrderTypeMarket
			} else {
				o.Type = model.OrderTypeLimit
			}
			o.Status = model.OrderStatusPending
			o.UpdatedAt = time.Now()
		})
		sm.engine.pub.Publish(event.UserTopic(sm.engine.sessionID, o.UserID),
			event.New(event.TypeStopOrderTriggered, sm.engine.sessionID, book.View(o)))
		sm.engine.enqueueTriggered(o)
	}
}
