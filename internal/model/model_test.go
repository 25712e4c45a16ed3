package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderRemaining(t *testing.T) {
	o := Order{Quantity: decimal.NewFromInt(100), FilledQuantity: decimal.NewFromInt(40)}
	assert.True(t, o.Remaining().Equal(decimal.NewFromInt(60)))
}

func TestOrderIsTerminal(t *testing.T) {
	for status, terminal := range map[string]bool{
		OrderStatusPending:         false,
		OrderStatusPendingTrigger:  false,
		OrderStatusPartiallyFilled: false,
		OrderStatusFilled:          true,
		OrderStatusCancelled:       true,
		OrderStatusRejected:        true,
	} {
		o := Order{Status: status}
		assert.Equal(t, terminal, o.IsTerminal(), status)
	}
}

func TestHighestBidTieGoesToEarliest(t *testing.T) {
	first := uuid.New()
	second := uuid.New()
	a := Auction{Bids: []Bid{
		{Bidder: first, Amount: decimal.NewFromInt(100), CreatedAt: time.Now()},
		{Bidder: second, Amount: decimal.NewFromInt(100), CreatedAt: time.Now().Add(time.Second)},
		{Bidder: second, Amount: decimal.NewFromInt(90)},
	}}

	best := a.HighestBid()
	require.NotNil(t, best)
	assert.Equal(t, first, best.Bidder)
}

func TestHighestBidEmpty(t *testing.T) {
	a := Auction{}
	assert.Nil(t, a.HighestBid())
}
