package marketdata

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Evolution is the session's liquidity-trader price process: a seeded random
// walk that nudges each enabled security's reference price while its market
// is open. The session engine starts and stops it with the session clock, so
// prices freeze while a session is paused.
type Evolution struct {
	store      *Store
	interval   time.Duration
	volatility decimal.Decimal
	rng        *rand.Rand
	logger     *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewEvolution creates the price process. A zero seed derives one from the
// clock; a fixed seed makes lesson runs reproducible.
func NewEvolution(store *Store, interval time.Duration, volatility decimal.Decimal, seed int64, logger *zap.Logger) *Evolution {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Evolution{
		store:      store,
		interval:   interval,
		volatility: volatility,
		rng:        rand.New(rand.NewSource(seed)),
		logger:     logger,
	}
}

// SetEnabled toggles the liquidity trader for one security.
func (ev *Evolution) SetEnabled(symbol string, enabled bool) error {
	e, err := ev.store.entryFor(symbol)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evolve = enabled
	return nil
}

// SetDrift applies a per-tick drift to one security, used by news injection
// to push a price in a direction over subsequent ticks.
func (ev *Evolution) SetDrift(symbol string, drift decimal.Decimal) error {
	e, err := ev.store.entryFor(symbol)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drift = drift
	return nil
}

// Start launches the tick loop. Starting an already-running process is a
// no-op, so resume after pause is idempotent.
func (ev *Evolution) Start() {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ev.cancel = cancel
	ev.running = true
	go ev.loop(ctx)
}

// Stop halts the tick loop; prices hold until Start.
func (ev *Evolution) Stop() {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if !ev.running {
		return
	}
	ev.cancel()
	ev.running = false
}

func (ev *Evolution) loop(ctx context.Context) {
	ticker := time.NewTicker(ev.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev.step()
		}
	}
}

// step advances every enabled, open security by one random-walk increment.
func (ev *Evolution) step() {
	ev.store.mu.RLock()
	symbols := make([]string, 0, len(ev.store.entries))
	for sym, e := range ev.store.entries {
		e.mu.Lock()
		if e.evolve && e.security.Open {
			symbols = append(symbols, sym)
		}
		e.mu.Unlock()
	}
	ev.store.mu.RUnlock()

	for _, sym := range symbols {
		e, err := ev.store.entryFor(sym)
		if err != nil {
			continue
		}
		e.mu.Lock()
		last := e.data.LastPrice
		drift := e.drift
		e.mu.Unlock()
		if last.LessThanOrEqual(decimal.Zero) {
			continue
		}

		ev.mu.Lock()
		shock := decimal.NewFromFloat(ev.rng.NormFloat64()).Mul(ev.volatility)
		ev.mu.Unlock()

		next := last.Mul(decimal.NewFromInt(1).Add(shock).Add(drift))
		if next.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if err := ev.store.SetPrice(sym, next); err != nil {
			ev.logger.Warn("price evolution update failed", zap.String("symbol", sym), zap.Error(err))
		}
	}
}
