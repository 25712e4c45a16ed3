// Package persistence writes engine history behind the hot path: orders,
// executions, and executed commands queue in memory and batch into postgres.
// Nothing here is read back during a live session; in-memory state stays
// authoritative.
package persistence

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderRecord is the audit row for an order's latest state.
type OrderRecord struct {
	ID             uuid.UUID       `gorm:"primaryKey"`
	SessionID      uuid.UUID       `gorm:"index"`
	UserID         uuid.UUID       `gorm:"index"`
	Symbol         string          `gorm:"index"`
	Side           string
	Type           string
	Quantity       decimal.Decimal `gorm:"type:numeric"`
	FilledQuantity decimal.Decimal `gorm:"type:numeric"`
	Price          decimal.Decimal `gorm:"type:numeric"`
	StopPrice      decimal.Decimal `gorm:"type:numeric"`
	TimeInForce    string
	Status         string
	Sequence       uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExecutionRecord is the audit row for one side of a match.
type ExecutionRecord struct {
	ID           uuid.UUID       `gorm:"primaryKey"`
	SessionID    uuid.UUID       `gorm:"index"`
	OrderID      uuid.UUID       `gorm:"index"`
	CounterOrder uuid.UUID
	UserID       uuid.UUID       `gorm:"index"`
	Symbol       string
	Side         string
	Quantity     decimal.Decimal `gorm:"type:numeric"`
	Price        decimal.Decimal `gorm:"type:numeric"`
	Commission   decimal.Decimal `gorm:"type:numeric"`
	Maker        bool
	CreatedAt    time.Time
}

// CommandRecord is the audit row for an executed lesson command.
type CommandRecord struct {
	RowID      uint      `gorm:"primaryKey;autoIncrement"`
	SessionID  uuid.UUID `gorm:"index"`
	CommandID  string
	Type       string
	ExecutedAt time.Time
}
