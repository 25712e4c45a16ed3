// Package portfolio maintains per-user positions, cash, and P&L.
//
// All updates for one user flow through that user's account lock, so
// executions and price marks apply strictly in arrival order and never
// overlap. Different users update concurrently.
package portfolio

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeclass/simex/internal/event"
	"github.com/tradeclass/simex/internal/model"
	"github.com/tradeclass/simex/pkg/errors"
)

type account struct {
	mu        sync.Mutex
	portfolio model.Portfolio
}

// Engine is the position & portfolio engine for one session.
type Engine struct {
	sessionID uuid.UUID
	policy    MarginPolicy
	pub       event.Publisher
	logger    *zap.Logger

	mu       sync.RWMutex
	accounts map[uuid.UUID]*account
}

// NewEngine creates the portfolio engine with an injected margin policy.
func NewEngine(sessionID uuid.UUID, policy MarginPolicy, pub event.Publisher, logger *zap.Logger) *Engine {
	return &Engine{
		sessionID: sessionID,
		policy:    policy,
		pub:       pub,
		logger:    logger,
		accounts:  make(map[uuid.UUID]*account),
	}
}

// CreateAccount opens a portfolio with starting cash. Creating an existing
// account is a no-op, so session rejoin is safe.
func (e *Engine) CreateAccount(userID uuid.UUID, startCash decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.accounts[userID]; ok {
		return
	}
	e.accounts[userID] = &account{
		portfolio: model.Portfolio{
			UserID:      userID,
			Cash:        startCash,
			StartCash:   startCash,
			BuyingPower: e.policy.BuyingPower(startCash, nil),
			TotalValue:  startCash,
			RiskLevel:   "LOW",
			Positions:   make(map[string]*model.Position),
		},
	}
}

func (e *Engine) accountFor(userID uuid.UUID) (*account, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	acct, ok := e.accounts[userID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "no portfolio for user %s", userID)
	}
	return acct, nil
}

// Commission returns the policy fee for a fill. The matching engine stamps
// this onto executions so both engines agree on the amount.
func (e *Engine) Commission(price, qty decimal.Decimal) decimal.Decimal {
	return e.policy.Commission(price, qty)
}

// CheckFunds verifies buying power covers a prospective buy of qty at a
// reference price, before the order enters the matching pipeline.
func (e *Engine) CheckFunds(userID uuid.UUID, refPrice, qty decimal.Decimal) error {
	acct, err := e.accountFor(userID)
	if err != nil {
		return err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	required := refPrice.Mul(qty).Add(e.policy.Commission(refPrice, qty))
	if acct.portfolio.BuyingPower.LessThan(required) {
		return errors.New(errors.CodeInsufficientFunds,
			"order requires %s buying power, %s available", required, acct.portfolio.BuyingPower)
	}
	return nil
}

// ApplyExecution folds one fill into the user's position and cash, per the
// quantity-weighted average price rules: extending a position blends the
// average, reducing or reversing books realized P&L on the closed quantity.
func (e *Engine) ApplyExecution(exec *model.Execution, markPrice decimal.Decimal) error {
	acct, err := e.accountFor(exec.UserID)
	if err != nil {
		return err
	}
	acct.mu.Lock()
	p := &acct.portfolio

	pos, ok := p.Positions[exec.Symbol]
	if !ok {
		pos = &model.Position{UserID: exec.UserID, Symbol: exec.Symbol}
		p.Positions[exec.Symbol] = pos
	}

	signed := exec.Quantity
	if exec.Side == model.OrderSideSell {
		signed = signed.Neg()
	}

	switch {
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == signed.Sign():
		// Same direction: blend the average price.
		oldAbs := pos.Quantity.Abs()
		newAbs := oldAbs.Add(exec.Quantity)
		pos.AvgPrice = pos.AvgPrice.Mul(oldAbs).Add(exec.Price.Mul(exec.Quantity)).Div(newAbs)
		pos.Quantity = pos.Quantity.Add(signed)
	default:
		closed := decimal.Min(pos.Quantity.Abs(), exec.Quantity)
		sign := decimal.NewFromInt(int64(pos.Quantity.Sign()))
		pos.RealizedPnL = pos.RealizedPnL.Add(exec.Price.Sub(pos.AvgPrice).Mul(closed).Mul(sign))
		pos.Quantity = pos.Quantity.Add(signed)
		if pos.Quantity.IsZero() {
			pos.AvgPrice = decimal.Zero
			pos.UnrealizedPnL = decimal.Zero
		} else if pos.Quantity.Sign() == signed.Sign() {
			// Reversed through zero: the remainder opens at the trade price.
			pos.AvgPrice = exec.Price
		}
	}
	pos.UpdatedAt = exec.CreatedAt

	notional := exec.Price.Mul(exec.Quantity)
	if exec.Side == model.OrderSideBuy {
		p.Cash = p.Cash.Sub(notional).Sub(exec.Commission)
	} else {
		p.Cash = p.Cash.Add(notional).Sub(exec.Commission)
	}

	e.revalueLocked(p, exec.Symbol, markPrice)
	posCopy := *pos
	portCopy := e.copyLocked(p)
	acct.mu.Unlock()

	topic := event.UserTopic(e.sessionID, exec.UserID)
	e.pub.Publish(topic, event.New(event.TypePositionUpdate, e.sessionID, posCopy))
	e.pub.Publish(topic, event.New(event.TypePortfolioUpdate, e.sessionID, portCopy))
	return nil
}

// MarkPrice recomputes unrealized P&L for every holder of the security on a
// market data tick.
func (e *Engine) MarkPrice(md model.MarketData) {
	e.mu.RLock()
	holders := make([]uuid.UUID, 0)
	for id, acct := range e.accounts {
		acct.mu.Lock()
		if pos, ok := acct.portfolio.Positions[md.Symbol]; ok && !pos.Quantity.IsZero() {
			holders = append(holders, id)
		}
		acct.mu.Unlock()
	}
	e.mu.RUnlock()

	for _, id := range holders {
		acct, err := e.accountFor(id)
		if err != nil {
			continue
		}
		acct.mu.Lock()
		e.revalueLocked(&acct.portfolio, md.Symbol, md.LastPrice)
		portCopy := e.copyLocked(&acct.portfolio)
		acct.mu.Unlock()
		e.pub.Publish(event.UserTopic(e.sessionID, id),
			event.New(event.TypePortfolioUpdate, e.sessionID, portCopy))
	}
}

// revalueLocked refreshes unrealized P&L for symbol at mark, then recomputes
// the portfolio aggregates. Caller holds the account lock.
func (e *Engine) revalueLocked(p *model.Portfolio, symbol string, mark decimal.Decimal) {
	if pos, ok := p.Positions[symbol]; ok && !mark.IsZero() {
		pos.UnrealizedPnL = mark.Sub(pos.AvgPrice).Mul(pos.Quantity)
		pos.UpdatedAt = time.Now()
	}

	total := p.Cash
	gross := decimal.Zero
	for _, pos := range p.Positions {
		// Positions are carried at avg price plus their current unrealized mark.
		value := pos.AvgPrice.Mul(pos.Quantity).Add(pos.UnrealizedPnL)
		total = total.Add(value)
		gross = gross.Add(value.Abs())
	}
	p.TotalValue = total
	p.BuyingPower = e.policy.BuyingPower(p.Cash, p.Positions)
	p.RiskLevel = riskLevel(gross, total)
	p.UpdatedAt = time.Now()
}

func riskLevel(gross, equity decimal.Decimal) string {
	if equity.LessThanOrEqual(decimal.Zero) {
		return "CRITICAL"
	}
	ratio := gross.Div(equity)
	switch {
	case ratio.GreaterThan(decimal.NewFromInt(2)):
		return "HIGH"
	case ratio.GreaterThan(decimal.NewFromInt(1)):
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func (e *Engine) copyLocked(p *model.Portfolio) model.Portfolio {
	cp := *p
	cp.Positions = make(map[string]*model.Position, len(p.Positions))
	for sym, pos := range p.Positions {
		pc := *pos
		cp.Positions[sym] = &pc
	}
	return cp
}

// Position returns a copy of the user's position in one security.
func (e *Engine) Position(userID uuid.UUID, symbol string) (model.Position, error) {
	acct, err := e.accountFor(userID)
	if err != nil {
		return model.Position{}, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	pos, ok := acct.portfolio.Positions[symbol]
	if !ok {
		return model.Position{UserID: userID, Symbol: symbol}, nil
	}
	return *pos, nil
}

// Portfolio returns a copy of the user's full portfolio.
func (e *Engine) Portfolio(userID uuid.UUID) (model.Portfolio, error) {
	acct, err := e.accountFor(userID)
	if err != nil {
		return model.Portfolio{}, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return e.copyLocked(&acct.portfolio), nil
}

// Performance builds the leaderboard snapshot for one user.
func (e *Engine) Performance(userID uuid.UUID) (model.Performance, error) {
	acct, err := e.accountFor(userID)
	if err != nil {
		return model.Performance{}, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	p := &acct.portfolio
	perf := model.Performance{UserID: userID, Equity: p.TotalValue}
	for _, pos := range p.Positions {
		perf.RealizedPnL = perf.RealizedPnL.Add(pos.RealizedPnL)
		perf.UnrealizedPnL = perf.UnrealizedPnL.Add(pos.UnrealizedPnL)
	}
	if p.StartCash.IsPositive() {
		perf.ReturnPct = p.TotalValue.Sub(p.StartCash).Div(p.StartCash).Mul(decimal.NewFromInt(100))
	}
	return perf, nil
}

// Leaderboard returns every participant's performance, best return first.
func (e *Engine) Leaderboard() []model.Performance {
	e.mu.RLock()
	ids := make([]uuid.UUID, 0, len(e.accounts))
	for id := range e.accounts {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	out := make([]model.Performance, 0, len(ids))
	for _, id := range ids {
		if perf, err := e.Performance(id); err == nil {
			out = append(out, perf)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReturnPct.GreaterThan(out[j].ReturnPct)
	})
	return out
}

// CloseAll liquidates every open position at the given last prices, booking
// realized P&L through the normal execution path. Used by end-of-session
// liquidation.
func (e *Engine) CloseAll(lastPrice func(symbol string) (decimal.Decimal, bool)) {
	e.mu.RLock()
	ids := make([]uuid.UUID, 0, len(e.accounts))
	for id := range e.accounts {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		acct, err := e.accountFor(id)
		if err != nil {
			continue
		}
		acct.mu.Lock()
		var closes []*model.Execution
		for sym, pos := range acct.portfolio.Positions {
			if pos.Quantity.IsZero() {
				continue
			}
			price, ok := lastPrice(sym)
			if !ok || price.IsZero() {
				continue
			}
			side := model.OrderSideSell
			if pos.Quantity.IsNegative() {
				side = model.OrderSideBuy
			}
			closes = append(closes, &model.Execution{
				ID:        uuid.New(),
				SessionID: e.sessionID,
				UserID:    id,
				Symbol:    sym,
				Side:      side,
				Quantity:  pos.Quantity.Abs(),
				Price:     price,
				CreatedAt: time.Now(),
			})
		}
		acct.mu.Unlock()

		for _, exec := range closes {
			if err := e.ApplyExecution(exec, exec.Price); err != nil {
				e.logger.Error("liquidation failed",
					zap.String("user", id.String()), zap.String("symbol", exec.Symbol), zap.Error(err))
			}
		}
	}
}
