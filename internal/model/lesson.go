package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LessonSecurity defines one instrument a lesson trades.
type LessonSecurity struct {
	Symbol          string          `json:"symbol"`
	Name            string          `json:"name"`
	TickSize        decimal.Decimal `json:"tick_size"`
	OpenPrice       decimal.Decimal `json:"open_price"`
	OpenAtStart     bool            `json:"open_at_start"`
	LiquidityTrader bool            `json:"liquidity_trader"`
}

// Lesson is the instructor-authored definition a session runs: securities,
// the command timeline, and session policy overrides. It arrives from the
// lesson-definition collaborator already decoded and validated.
type Lesson struct {
	ID             uuid.UUID        `json:"id"`
	Name           string           `json:"name"`
	Scenario       string           `json:"scenario"`
	Securities     []LessonSecurity `json:"securities"`
	Commands       []LessonCommand  `json:"commands"`
	StartingCash   decimal.Decimal  `json:"starting_cash,omitempty"` // zero means session default
	LiquidateOnEnd *bool            `json:"liquidate_on_end,omitempty"`
}
