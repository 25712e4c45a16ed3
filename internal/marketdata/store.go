// Package marketdata owns per-security quote state and the price evolution
// process that moves reference prices between trades.
package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeclass/simex/internal/model"
	"github.com/tradeclass/simex/pkg/errors"
)

// TickFunc receives every market data update for a security. Listeners for
// one security are invoked sequentially in update order.
type TickFunc func(md model.MarketData)

type entry struct {
	mu       sync.Mutex
	security model.Security
	data     model.MarketData
	drift    decimal.Decimal // per-tick evolution drift, set by news injection
	evolve   bool            // liquidity trader enabled
}

// Store holds the authoritative market data for every security in one
// session. Mutations for one security are serialized through its entry lock;
// tick listeners run outside the lock, still in per-security update order
// because each security has a single mutating owner.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	onTick  []TickFunc
	logger  *zap.Logger
}

// NewStore creates an empty market data store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// OnTick registers a tick listener. Registration happens at session wiring
// time, before any update flows, and is not safe concurrently with updates.
func (s *Store) OnTick(fn TickFunc) {
	s.onTick = append(s.onTick, fn)
}

// AddSecurity registers a security with its opening reference price.
func (s *Store) AddSecurity(sec model.Security, openPrice decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sec.Symbol] = &entry{
		security: sec,
		data: model.MarketData{
			Symbol:    sec.Symbol,
			LastPrice: openPrice,
			UpdatedAt: time.Now(),
		},
	}
}

func (s *Store) entryFor(symbol string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[symbol]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "unknown security %s", symbol)
	}
	return e, nil
}

// Get returns the current market data for a security.
func (s *Store) Get(symbol string) (model.MarketData, error) {
	e, err := s.entryFor(symbol)
	if err != nil {
		return model.MarketData{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data, nil
}

// Security returns the security definition, including its open flag.
func (s *Store) Security(symbol string) (model.Security, error) {
	e, err := s.entryFor(symbol)
	if err != nil {
		return model.Security{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.security, nil
}

// Securities returns all security definitions.
func (s *Store) Securities() []model.Security {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Security, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		out = append(out, e.security)
		e.mu.Unlock()
	}
	return out
}

// Snapshot returns current market data for every security.
func (s *Store) Snapshot() []model.MarketData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MarketData, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		out = append(out, e.data)
		e.mu.Unlock()
	}
	return out
}

// SetOpen flips the security's trading flag and reports the prior value.
func (s *Store) SetOpen(symbol string, open bool) (bool, error) {
	e, err := s.entryFor(symbol)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	was := e.security.Open
	e.security.Open = open
	return was, nil
}

// IsOpen reports whether the security currently trades.
func (s *Store) IsOpen(symbol string) bool {
	e, err := s.entryFor(symbol)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.security.Open
}

// SetPrice sets the reference price directly (SET_PRICE command or the
// evolution process) and emits a tick.
func (s *Store) SetPrice(symbol string, price decimal.Decimal) error {
	e, err := s.entryFor(symbol)
	if err != nil {
		return err
	}
	e.mu.Lock()
	price = roundToTick(price, e.security.TickSize)
	e.data.LastPrice = price
	e.data.TickCount++
	e.data.UpdatedAt = time.Now()
	md := e.data
	e.mu.Unlock()

	s.emit(md)
	return nil
}

// RecordTrade folds an execution print into the quote state and emits a tick.
func (s *Store) RecordTrade(symbol string, price, qty decimal.Decimal) error {
	e, err := s.entryFor(symbol)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.data.LastPrice = price
	e.data.Volume = e.data.Volume.Add(qty)
	e.data.TickCount++
	e.data.UpdatedAt = time.Now()
	md := e.data
	e.mu.Unlock()

	s.emit(md)
	return nil
}

// SetQuote updates best bid/ask after a book mutation. Quote moves do not
// emit ticks; only last-price changes drive stop triggers and P&L marks.
func (s *Store) SetQuote(symbol string, bid, ask decimal.Decimal) error {
	e, err := s.entryFor(symbol)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data.Bid = bid
	e.data.Ask = ask
	e.data.UpdatedAt = time.Now()
	return nil
}

func (s *Store) emit(md model.MarketData) {
	for _, fn := range s.onTick {
		fn(md)
	}
}

// roundToTick rounds a price to the nearest multiple of tickSize.
func roundToTick(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.LessThanOrEqual(decimal.Zero) {
		return price
	}
	ticks := price.Div(tickSize).Round(0)
	return ticks.Mul(tickSize)
}
