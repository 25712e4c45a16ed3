// Package model holds the domain types shared by every engine component.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order sides, types, statuses, and time in force options.
const (
	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order types
	OrderTypeMarket    = "MARKET"
	OrderTypeLimit     = "LIMIT"
	OrderTypeStop      = "STOP"
	OrderTypeStopLimit = "STOP_LIMIT"

	// Order statuses
	OrderStatusPending         = "PENDING"
	OrderStatusPendingTrigger  = "PENDING_TRIGGER" // stop order waiting for its trigger price
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"

	// Time in force
	TimeInForceGTC = "GTC" // Good Till Cancelled
	TimeInForceDay = "DAY" // Good for the current market day
	TimeInForceIOC = "IOC" // Immediate Or Cancel
	TimeInForceFOK = "FOK" // Fill Or Kill
)

// Participant roles.
const (
	RoleStudent    = "STUDENT"
	RoleInstructor = "INSTRUCTOR"
	RoleAdmin      = "ADMIN"
)

// Session statuses.
const (
	SessionPending    = "PENDING"
	SessionInProgress = "IN_PROGRESS"
	SessionPaused     = "PAUSED"
	SessionCompleted  = "COMPLETED"
)

// Auction statuses.
const (
	AuctionActive    = "ACTIVE"
	AuctionCompleted = "COMPLETED"
	AuctionExpired   = "EXPIRED"
)

// Privilege codes gate which operations a participant may invoke. The set is
// open-ended; these are the ones lessons grant today.
const (
	PrivilegeTrade         = "TRADE"
	PrivilegeShortSell     = "SHORT_SELL"
	PrivilegeMarketMaker   = "MARKET_MAKER"
	PrivilegeInsiderFeed   = "INSIDER_FEED"
	PrivilegeRunSession    = "RUN_SESSION"
	PrivilegeManualCommand = "MANUAL_COMMAND"
)

// Security is a tradable instrument within one session.
type Security struct {
	Symbol   string          `json:"symbol"`
	Name     string          `json:"name"`
	TickSize decimal.Decimal `json:"tick_size"`
	Open     bool            `json:"open"`
}

// Order represents a trading order in the system.
type Order struct {
	ID             uuid.UUID       `json:"id"`
	SessionID      uuid.UUID       `json:"session_id"`
	UserID         uuid.UUID       `json:"user_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price,omitempty"`
	StopPrice      decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce    string          `json:"time_in_force"`
	Status         string          `json:"status"`
	Sequence       uint64          `json:"sequence"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsTerminal reports whether the order can no longer change.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// IsStop reports whether the order waits on a trigger price before entering
// the book.
func (o *Order) IsStop() bool {
	return o.Type == OrderTypeStop || o.Type == OrderTypeStopLimit
}

// Execution records one side of a match.
type Execution struct {
	ID           uuid.UUID       `json:"id"`
	SessionID    uuid.UUID       `json:"session_id"`
	OrderID      uuid.UUID       `json:"order_id"`
	CounterOrder uuid.UUID       `json:"counter_order_id"`
	UserID       uuid.UUID       `json:"user_id"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Commission   decimal.Decimal `json:"commission"`
	Maker        bool            `json:"maker"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Position is a user's signed holding in one security.
type Position struct {
	UserID        uuid.UUID       `json:"user_id"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"` // signed: negative is short
	AvgPrice      decimal.Decimal `json:"avg_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Portfolio aggregates a user's cash and positions.
type Portfolio struct {
	UserID      uuid.UUID            `json:"user_id"`
	Cash        decimal.Decimal      `json:"cash"`
	StartCash   decimal.Decimal      `json:"start_cash"`
	BuyingPower decimal.Decimal      `json:"buying_power"`
	TotalValue  decimal.Decimal      `json:"total_value"`
	RiskLevel   string               `json:"risk_level"`
	Positions   map[string]*Position `json:"positions"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Performance is the per-participant snapshot shown on leaderboards.
type Performance struct {
	UserID        uuid.UUID       `json:"user_id"`
	Equity        decimal.Decimal `json:"equity"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	ReturnPct     decimal.Decimal `json:"return_pct"`
}

// MarketData is the per-security quote state.
type MarketData struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume    decimal.Decimal `json:"volume"`
	TickCount uint64          `json:"tick_count"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PrivilegeGrant scopes a privilege to a role or to an individual user.
// Exactly one of Role and UserID is set.
type PrivilegeGrant struct {
	Privilege string    `json:"privilege"`
	Role      string    `json:"role,omitempty"`
	UserID    uuid.UUID `json:"user_id,omitempty"`
	Active    bool      `json:"active"`
}

// Bid is one entry in an auction's ordered bid list.
type Bid struct {
	Bidder    uuid.UUID       `json:"bidder"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// Auction is a timed, single-winner English auction for a privilege.
type Auction struct {
	ID         uuid.UUID       `json:"id"`
	SessionID  uuid.UUID       `json:"session_id"`
	Privilege  string          `json:"privilege"`
	MinimumBid decimal.Decimal `json:"minimum_bid"`
	EndsAt     time.Time       `json:"ends_at"`
	Status     string          `json:"status"`
	Bids       []Bid           `json:"bids"`
	Winner     *Bid            `json:"winner,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// HighestBid returns the current best bid, or nil when no bids were placed.
// Ties on amount go to the earliest bid.
func (a *Auction) HighestBid() *Bid {
	var best *Bid
	for i := range a.Bids {
		b := &a.Bids[i]
		if best == nil || b.Amount.GreaterThan(best.Amount) {
			best = b
		}
	}
	return best
}

// Participant is a connected (or previously connected) member of a session.
type Participant struct {
	UserID     uuid.UUID       `json:"user_id"`
	Name       string          `json:"name"`
	Role       string          `json:"role"`
	Privileges map[string]bool `json:"privileges"`
	Connected  bool            `json:"connected"`
	JoinedAt   time.Time       `json:"joined_at"`
}

// HasPrivilege reports whether the participant holds the privilege directly.
// Role-scoped grants are resolved by the privilege registry, not here.
func (p *Participant) HasPrivilege(code string) bool {
	return p.Privileges[code]
}
