// Package engine implements the order matching engine and the stop-order
// trigger monitor.
//
// Each security has a single worker goroutine owning its book: every
// state-changing operation for that security is a closure queued to the
// worker, so events apply one at a time in arrival order and price-time
// priority stays deterministic. A single fill commits through a fixed
// pipeline: book mutation, execution recording, position updates for both
// counterparties, then broadcast.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeclass/simex/internal/event"
	"github.com/tradeclass/simex/internal/marketdata"
	"github.com/tradeclass/simex/internal/model"
	"github.com/tradeclass/simex/internal/orderbook"
	"github.com/tradeclass/simex/internal/portfolio"
	"github.com/tradeclass/simex/pkg/errors"
	"github.com/tradeclass/simex/pkg/metrics"
)

const taskQueueSize = 1024

// AuditSink receives the engine's history writes. Implementations must not
// block the caller; the write-behind persistence layer queues internally.
type AuditSink interface {
	RecordOrder(o model.Order)
	RecordExecution(x model.Execution)
}

// NopAudit discards history. Used when persistence is disabled and in tests.
type NopAudit struct{}

func (NopAudit) RecordOrder(model.Order)         {}
func (NopAudit) RecordExecution(model.Execution) {}

type worker struct {
	mu     sync.RWMutex
	tasks  chan func()
	closed bool

	trigMu    sync.Mutex
	triggered []*model.Order
}

// submit queues a task unless the worker has shut down. The lock pairs with
// shutdown so a send can never hit a closed channel.
func (w *worker) submit(ctx context.Context, task func()) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return errors.New(errors.CodeSessionEnded, "matching engine is closed")
	}
	select {
	case w.tasks <- task:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.CodeInternal, ctx.Err(), "order queue send")
	}
}

// nudge wakes an idle worker without blocking.
func (w *worker) nudge() {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.tasks <- nil:
	default:
	}
}

func (w *worker) shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.tasks)
	}
}

// Engine is the matching engine for one session.
type Engine struct {
	sessionID  uuid.UUID
	store      *marketdata.Store
	portfolios *portfolio.Engine
	stops      *StopMonitor
	pub        event.Publisher
	audit      AuditSink
	logger     *zap.Logger

	mu      sync.RWMutex
	books   map[string]*orderbook.Book
	workers map[string]*worker
	orders  map[uuid.UUID]*model.Order

	seq    atomic.Uint64
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewEngine wires the matching engine to the session's market data store and
// portfolio engine.
func NewEngine(sessionID uuid.UUID, store *marketdata.Store, portfolios *portfolio.Engine,
	pub event.Publisher, audit AuditSink, logger *zap.Logger) *Engine {
	e := &Engine{
		sessionID:  sessionID,
		store:      store,
		portfolios: portfolios,
		pub:        pub,
		audit:      audit,
		logger:     logger,
		books:      make(map[string]*orderbook.Book),
		workers:    make(map[string]*worker),
		orders:     make(map[uuid.UUID]*model.Order),
	}
	e.stops = newStopMonitor(e)
	store.OnTick(e.stops.OnTick)
	return e
}

// AddSecurity creates the book and worker for a symbol. Called during
// session wiring, before any order flows.
func (e *Engine) AddSecurity(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.books[symbol]; ok {
		return
	}
	e.books[symbol] = orderbook.New(symbol)
	w := &worker{tasks: make(chan func(), taskQueueSize)}
	e.workers[symbol] = w
	e.wg.Add(1)
	go e.run(w)
}

// Close drains the workers and refuses further operations.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.mu.RLock()
	for _, w := range e.workers {
		w.shutdown()
	}
	e.mu.RUnlock()
	e.wg.Wait()
}

func (e *Engine) run(w *worker) {
	defer e.wg.Done()
	for fn := range w.tasks {
		if fn != nil {
			fn()
		}
		e.drainTriggered(w)
	}
}

// drainTriggered matches stop orders that fired, one at a time; each match
// can print trades that trigger further stops, so drain until quiet.
func (e *Engine) drainTriggered(w *worker) {
	for {
		w.trigMu.Lock()
		if len(w.triggered) == 0 {
			w.trigMu.Unlock()
			return
		}
		next := w.triggered[0]
		w.triggered = w.triggered[1:]
		w.trigMu.Unlock()

		if err := e.process(next); err != nil {
			e.logger.Warn("triggered stop order rejected",
				zap.String("order_id", next.ID.String()), zap.Error(err))
		}
	}
}

// enqueueTriggered hands a converted stop order to the symbol worker without
// blocking; the nil task nudges an idle worker to drain.
func (e *Engine) enqueueTriggered(o *model.Order) {
	e.mu.RLock()
	w, ok := e.workers[o.Symbol]
	e.mu.RUnlock()
	if !ok {
		return
	}
	w.trigMu.Lock()
	w.triggered = append(w.triggered, o)
	w.trigMu.Unlock()
	w.nudge()
}

func (e *Engine) bookFor(symbol string) (*orderbook.Book, *worker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[symbol]
	if !ok {
		return nil, nil, errors.New(errors.CodeNotFound, "unknown security %s", symbol)
	}
	return b, e.workers[symbol], nil
}

// dispatch runs fn on the symbol's worker and waits for completion.
func (e *Engine) dispatch(ctx context.Context, symbol string, fn func() error) error {
	if e.closed.Load() {
		return errors.New(errors.CodeSessionEnded, "matching engine is closed")
	}
	_, w, err := e.bookFor(symbol)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := w.submit(ctx, func() { done <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrap(errors.CodeInternal, ctx.Err(), "order processing")
	}
}

// Submit validates and processes a new order. Validation and policy failures
// reject the order before any state mutates.
func (e *Engine) Submit(ctx context.Context, o *model.Order) error {
	start := time.Now()
	if err := validateShape(o); err != nil {
		metrics.OrdersRejected.WithLabelValues(string(errors.CodeOf(err))).Inc()
		return err
	}
	err := e.dispatch(ctx, o.Symbol, func() error {
		return e.admit(o)
	})
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(string(errors.CodeOf(err))).Inc()
		return err
	}
	metrics.OrdersProcessed.WithLabelValues(o.Side).Inc()
	metrics.OrderLatency.Observe(time.Since(start).Seconds())
	return nil
}

// validateShape checks order parameters with no state involved.
func validateShape(o *model.Order) error {
	if o.Quantity.LessThanOrEqual(decimal.Zero) {
		return errors.New(errors.CodeInvalidOrder, "quantity must be positive")
	}
	switch o.Side {
	case model.OrderSideBuy, model.OrderSideSell:
	default:
		return errors.New(errors.CodeInvalidOrder, "unknown side %q", o.Side)
	}
	switch o.Type {
	case model.OrderTypeLimit, model.OrderTypeStopLimit:
		if o.Price.LessThanOrEqual(decimal.Zero) {
			return errors.New(errors.CodeInvalidOrder, "%s order requires a positive price", o.Type)
		}
	case model.OrderTypeMarket, model.OrderTypeStop:
		if !o.Price.IsZero() {
			return errors.New(errors.CodeInvalidOrder, "%s order must not carry a price", o.Type)
		}
	default:
		return errors.New(errors.CodeInvalidOrder, "unknown order type %q", o.Type)
	}
	if o.IsStop() && o.StopPrice.LessThanOrEqual(decimal.Zero) {
		return errors.New(errors.CodeInvalidOrder, "%s order requires a positive stop price", o.Type)
	}
	switch o.TimeInForce {
	case "":
		o.TimeInForce = model.TimeInForceGTC
	case model.TimeInForceGTC, model.TimeInForceDay, model.TimeInForceIOC, model.TimeInForceFOK:
	default:
		return errors.New(errors.CodeInvalidOrder, "unknown time in force %q", o.TimeInForce)
	}
	return nil
}

// admit runs on the symbol worker: stateful checks, then registration or
// matching. Nothing mutates before every check passes.
func (e *Engine) admit(o *model.Order) error {
	if !e.store.IsOpen(o.Symbol) {
		return errors.New(errors.CodeMarketClosed, "market for %s is closed", o.Symbol)
	}
	if o.Side == model.OrderSideBuy {
		ref := o.Price
		if ref.IsZero() {
			md, err := e.store.Get(o.Symbol)
			if err != nil {
				return err
			}
			ref = md.LastPrice
		}
		if err := e.portfolios.CheckFunds(o.UserID, ref, o.Quantity); err != nil {
			return err
		}
	}

	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.SessionID = e.sessionID
	o.Sequence = e.seq.Add(1)
	o.FilledQuantity = decimal.Zero
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now
	if o.IsStop() {
		o.Status = model.OrderStatusPendingTrigger
	} else {
		o.Status = model.OrderStatusPending
	}

	// Every field is in place before the order becomes visible to readers.
	e.mu.Lock()
	e.orders[o.ID] = o
	e.mu.Unlock()

	if o.IsStop() {
		e.publishOrder(o)
		e.audit.RecordOrder(*o)
		// Registration last: once registered, a tick on another goroutine
		// may convert the order.
		e.stops.Register(o)
		return nil
	}
	return e.match(o)
}

// process re-admits a triggered stop order, already converted to MARKET or
// LIMIT and recorded in the order table.
func (e *Engine) process(o *model.Order) error {
	book, _, err := e.bookFor(o.Symbol)
	if err != nil {
		return err
	}
	if !e.store.IsOpen(o.Symbol) {
		e.reject(book, o, "market closed at trigger time")
		return errors.New(errors.CodeMarketClosed, "market for %s is closed", o.Symbol)
	}
	return e.match(o)
}

func crosses(incoming *model.Order, restingPrice decimal.Decimal) bool {
	if incoming.Type == model.OrderTypeMarket {
		return true
	}
	if incoming.Side == model.OrderSideBuy {
		return incoming.Price.GreaterThanOrEqual(restingPrice)
	}
	return incoming.Price.LessThanOrEqual(restingPrice)
}

// match runs the price-time match loop and settles the remainder according
// to order type and time in force. Runs on the symbol worker.
func (e *Engine) match(o *model.Order) error {
	book, _, err := e.bookFor(o.Symbol)
	if err != nil {
		return err
	}
	contra := model.OrderSideSell
	if o.Side == model.OrderSideSell {
		contra = model.OrderSideBuy
	}

	// Fill-or-kill feasibility is decided before any mutation.
	if o.TimeInForce == model.TimeInForceFOK {
		limit := decimal.Zero
		if o.Type == model.OrderTypeLimit {
			limit = o.Price
		}
		if book.AvailableUpTo(o.Side, limit).LessThan(o.Quantity) {
			e.reject(book, o, "insufficient liquidity for fill-or-kill")
			return errors.New(errors.CodeInsufficientLiquidity,
				"fill-or-kill order for %s cannot be fully filled", o.Symbol)
		}
	}
	if o.Type == model.OrderTypeMarket {
		if _, ok := book.PeekBest(contra); !ok {
			e.reject(book, o, "no liquidity for market order")
			return errors.New(errors.CodeInsufficientLiquidity, "no resting orders for %s", o.Symbol)
		}
	}

	for o.Remaining().IsPositive() {
		resting, ok := book.PeekBest(contra)
		if !ok || !crosses(o, resting.Price) {
			break
		}
		qty := decimal.Min(o.Remaining(), resting.Remaining())
		// Price improvement goes to the incoming order: trade at the
		// resting order's price.
		e.fill(book, o, resting, resting.Price, qty)
	}

	var rest bool
	book.Update(func() {
		switch {
		case o.Remaining().IsZero():
			o.Status = model.OrderStatusFilled
		case o.Type == model.OrderTypeMarket,
			o.TimeInForce == model.TimeInForceIOC:
			// Unmatched remainder of a market or immediate-or-cancel order is
			// cancelled, never rested.
			o.Status = model.OrderStatusCancelled
		default:
			if o.FilledQuantity.IsPositive() {
				o.Status = model.OrderStatusPartiallyFilled
			} else {
				o.Status = model.OrderStatusPending
			}
			rest = true
		}
		o.UpdatedAt = time.Now()
	})
	if rest {
		book.Add(o)
	}
	e.updateQuotes(book, o.Symbol)
	e.publishOrder(o)
	e.audit.RecordOrder(*o)
	return nil
}

// fill commits one match: order quantities and book state first, then the
// two executions, then both counterparties' positions, then broadcast. No
// stage begins before the previous one committed.
func (e *Engine) fill(book *orderbook.Book, taker, maker *model.Order, price, qty decimal.Decimal) {
	now := time.Now()
	book.Fill(taker, maker, qty, now)

	takerExec := &model.Execution{
		ID:           uuid.New(),
		SessionID:    e.sessionID,
		OrderID:      taker.ID,
		CounterOrder: maker.ID,
		UserID:       taker.UserID,
		Symbol:       taker.Symbol,
		Side:         taker.Side,
		Quantity:     qty,
		Price:        price,
		Commission:   e.portfolios.Commission(price, qty),
		CreatedAt:    now,
	}
	makerExec := &model.Execution{
		ID:           uuid.New(),
		SessionID:    e.sessionID,
		OrderID:      maker.ID,
		CounterOrder: taker.ID,
		UserID:       maker.UserID,
		Symbol:       maker.Symbol,
		Side:         maker.Side,
		Quantity:     qty,
		Price:        price,
		Commission:   e.portfolios.Commission(price, qty),
		Maker:        true,
		CreatedAt:    now,
	}
	e.audit.RecordExecution(*takerExec)
	e.audit.RecordExecution(*makerExec)

	for _, exec := range []*model.Execution{takerExec, makerExec} {
		if err := e.portfolios.ApplyExecution(exec, price); err != nil {
			e.logger.Error("position update failed",
				zap.String("execution_id", exec.ID.String()), zap.Error(err))
		}
	}

	// The trade print moves market data last; its tick drives stop
	// evaluation and P&L marks.
	if err := e.store.RecordTrade(taker.Symbol, price, qty); err != nil {
		e.logger.Error("market data update failed", zap.String("symbol", taker.Symbol), zap.Error(err))
	}

	metrics.TradesExecuted.Inc()
	e.publishOrder(maker)
	trade := map[string]any{
		"symbol":   taker.Symbol,
		"price":    price,
		"quantity": qty,
		"buyer":    buyerOf(taker, maker),
		"seller":   sellerOf(taker, maker),
	}
	e.pub.Publish(event.MarketTopic(e.sessionID, taker.Symbol),
		event.New(event.TypeTradeExecuted, e.sessionID, trade))
	e.pub.Publish(event.UserTopic(e.sessionID, taker.UserID),
		event.New(event.TypeTradeExecuted, e.sessionID, takerExec))
	e.pub.Publish(event.UserTopic(e.sessionID, maker.UserID),
		event.New(event.TypeTradeExecuted, e.sessionID, makerExec))
}

func buyerOf(a, b *model.Order) uuid.UUID {
	if a.Side == model.OrderSideBuy {
		return a.UserID
	}
	return b.UserID
}

func sellerOf(a, b *model.Order) uuid.UUID {
	if a.Side == model.OrderSideSell {
		return a.UserID
	}
	return b.UserID
}

func (e *Engine) reject(book *orderbook.Book, o *model.Order, reason string) {
	book.Update(func() {
		o.Status = model.OrderStatusRejected
		o.UpdatedAt = time.Now()
	})
	e.publishOrder(o)
	e.audit.RecordOrder(*o)
	e.logger.Debug("order rejected",
		zap.String("order_id", o.ID.String()), zap.String("reason", reason))
}

func (e *Engine) publishOrder(o *model.Order) {
	cp := *o
	e.pub.Publish(event.UserTopic(e.sessionID, o.UserID),
		event.New(event.TypeOrderUpdate, e.sessionID, cp))
}

func (e *Engine) updateQuotes(book *orderbook.Book, symbol string) {
	bid, _ := book.BestBid()
	ask, _ := book.BestAsk()
	if err := e.store.SetQuote(symbol, bid, ask); err != nil {
		e.logger.Warn("quote update failed", zap.String("symbol", symbol), zap.Error(err))
	}
}

// Cancel removes a resting or pending-trigger order. Terminal orders cannot
// be cancelled; callers only see their own orders.
func (e *Engine) Cancel(ctx context.Context, orderID, userID uuid.UUID) error {
	e.mu.RLock()
	o, ok := e.orders[orderID]
	e.mu.RUnlock()
	if !ok || o.UserID != userID {
		return errors.New(errors.CodeNotFound, "order %s not found", orderID)
	}
	return e.dispatch(ctx, o.Symbol, func() error {
		book, _, err := e.bookFor(o.Symbol)
		if err != nil {
			return err
		}
		cur := book.View(o)
		if cur.IsTerminal() {
			return errors.New(errors.CodeInvalidState, "order %s is %s", orderID, cur.Status)
		}
		if cur.Status == model.OrderStatusPendingTrigger {
			if !e.stops.Remove(o.ID) {
				return errors.New(errors.CodeConflict, "order %s already triggered", orderID)
			}
			book.Update(func() {
				o.Status = model.OrderStatusCancelled
				o.UpdatedAt = time.Now()
			})
		} else {
			if _, ok := book.CancelResting(o.ID, time.Now()); !ok {
				return errors.New(errors.CodeInvalidState, "order %s is not resting", orderID)
			}
			e.updateQuotes(book, o.Symbol)
		}
		e.publishOrder(o)
		e.audit.RecordOrder(*o)
		return nil
	})
}

// Order returns a copy of any known order, taken under the book lock so a
// concurrent fill cannot tear the read.
func (e *Engine) Order(orderID uuid.UUID) (model.Order, bool) {
	e.mu.RLock()
	o, ok := e.orders[orderID]
	e.mu.RUnlock()
	if !ok {
		return model.Order{}, false
	}
	book, _, err := e.bookFor(o.Symbol)
	if err != nil {
		return model.Order{}, false
	}
	return book.View(o), true
}

// Depth returns the aggregated display view of a book.
func (e *Engine) Depth(symbol string, levels int) (orderbook.Snapshot, error) {
	book, _, err := e.bookFor(symbol)
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	return book.Depth(levels), nil
}

// ExpireDayOrders cancels resting DAY orders for a symbol; called when its
// market closes.
func (e *Engine) ExpireDayOrders(ctx context.Context, symbol string) error {
	return e.dispatch(ctx, symbol, func() error {
		book, _, err := e.bookFor(symbol)
		if err != nil {
			return err
		}
		expired := book.RemoveWhere(func(o *model.Order) bool {
			return o.TimeInForce == model.TimeInForceDay
		})
		now := time.Now()
		book.Update(func() {
			for _, o := range expired {
				o.Status = model.OrderStatusCancelled
				o.UpdatedAt = now
			}
		})
		for _, o := range expired {
			e.publishOrder(o)
			e.audit.RecordOrder(*o)
		}
		if len(expired) > 0 {
			e.updateQuotes(book, symbol)
		}
		return nil
	})
}
