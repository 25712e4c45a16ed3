package orderbook

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeclass/simex/internal/model"
)

func resting(side string, price, qty float64) *model.Order {
	return &model.Order{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Symbol:      "ACME",
		Side:        side,
		Type:        model.OrderTypeLimit,
		Quantity:    decimal.NewFromFloat(qty),
		Price:       decimal.NewFromFloat(price),
		TimeInForce: model.TimeInForceGTC,
		Status:      model.OrderStatusPending,
	}
}

func TestPeekBestPriceOrdering(t *testing.T) {
	b := New("ACME")
	b.Add(resting(model.OrderSideBuy, 49.50, 10))
	best := resting(model.OrderSideBuy, 50.00, 10)
	b.Add(best)
	b.Add(resting(model.OrderSideBuy, 49.00, 10))

	got, ok := b.PeekBest(model.OrderSideBuy)
	require.True(t, ok)
	assert.Equal(t, best.ID, got.ID)

	b.Add(resting(model.OrderSideSell, 51.00, 5))
	bestAsk := resting(model.OrderSideSell, 50.50, 5)
	b.Add(bestAsk)

	got, ok = b.PeekBest(model.OrderSideSell)
	require.True(t, ok)
	assert.Equal(t, bestAsk.ID, got.ID)
}

func TestTimePriorityWithinLevel(t *testing.T) {
	b := New("ACME")
	first := resting(model.OrderSideBuy, 50.00, 10)
	second := resting(model.OrderSideBuy, 50.00, 20)
	b.Add(first)
	b.Add(second)

	got, ok := b.PeekBest(model.OrderSideBuy)
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID, "earliest order at a level goes first")

	_, removed := b.Remove(first.ID)
	require.True(t, removed)
	got, ok = b.PeekBest(model.OrderSideBuy)
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
}

func TestRemoveDropsEmptyLevel(t *testing.T) {
	b := New("ACME")
	o := resting(model.OrderSideSell, 50.00, 10)
	b.Add(o)

	_, ok := b.Remove(o.ID)
	require.True(t, ok)
	_, ok = b.PeekBest(model.OrderSideSell)
	assert.False(t, ok)
	_, ok = b.BestAsk()
	assert.False(t, ok)

	_, ok = b.Remove(o.ID)
	assert.False(t, ok, "second remove is a miss")
}

func TestBestBidBestAsk(t *testing.T) {
	b := New("ACME")
	b.Add(resting(model.OrderSideBuy, 49.75, 10))
	b.Add(resting(model.OrderSideBuy, 50.00, 10))
	b.Add(resting(model.OrderSideSell, 50.25, 10))

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(decimal.NewFromFloat(50.00)))

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Equal(decimal.NewFromFloat(50.25)))
}

func TestAvailableUpTo(t *testing.T) {
	b := New("ACME")
	b.Add(resting(model.OrderSideSell, 50.00, 10))
	b.Add(resting(model.OrderSideSell, 50.50, 20))
	b.Add(resting(model.OrderSideSell, 51.00, 30))

	// Market buy sees everything.
	assert.True(t, b.AvailableUpTo(model.OrderSideBuy, decimal.Zero).Equal(decimal.NewFromInt(60)))
	// Limit buy at 50.50 stops before the 51.00 level.
	assert.True(t, b.AvailableUpTo(model.OrderSideBuy, decimal.NewFromFloat(50.50)).Equal(decimal.NewFromInt(30)))
	// Limit buy below the best ask reaches nothing.
	assert.True(t, b.AvailableUpTo(model.OrderSideBuy, decimal.NewFromFloat(49.00)).IsZero())

	b.Add(resting(model.OrderSideBuy, 49.00, 15))
	// Limit sell at 49.00 can hit the bid at 49.00.
	assert.True(t, b.AvailableUpTo(model.OrderSideSell, decimal.NewFromFloat(49.00)).Equal(decimal.NewFromInt(15)))
	assert.True(t, b.AvailableUpTo(model.OrderSideSell, decimal.NewFromFloat(49.50)).IsZero())
}

func TestAvailableUpToDiscountsFilled(t *testing.T) {
	b := New("ACME")
	o := resting(model.OrderSideSell, 50.00, 10)
	o.FilledQuantity = decimal.NewFromInt(4)
	b.Add(o)

	assert.True(t, b.AvailableUpTo(model.OrderSideBuy, decimal.Zero).Equal(decimal.NewFromInt(6)))
}

func TestRemoveWhere(t *testing.T) {
	b := New("ACME")
	day := resting(model.OrderSideBuy, 50.00, 10)
	day.TimeInForce = model.TimeInForceDay
	gtc := resting(model.OrderSideBuy, 50.00, 10)
	b.Add(day)
	b.Add(gtc)

	removed := b.RemoveWhere(func(o *model.Order) bool {
		return o.TimeInForce == model.TimeInForceDay
	})
	require.Len(t, removed, 1)
	assert.Equal(t, day.ID, removed[0].ID)

	_, ok := b.Get(gtc.ID)
	assert.True(t, ok)
	_, ok = b.Get(day.ID)
	assert.False(t, ok)
}

func TestDepthAggregation(t *testing.T) {
	b := New("ACME")
	b.Add(resting(model.OrderSideBuy, 50.00, 10))
	b.Add(resting(model.OrderSideBuy, 50.00, 5))
	b.Add(resting(model.OrderSideBuy, 49.50, 7))
	b.Add(resting(model.OrderSideSell, 50.50, 3))

	snap := b.Depth(10)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, "ACME", snap.Symbol)

	assert.True(t, snap.Bids[0].Price.Equal(decimal.NewFromFloat(50.00)))
	assert.True(t, snap.Bids[0].Quantity.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, 2, snap.Bids[0].OrderCount)
	assert.True(t, snap.Bids[1].Price.Equal(decimal.NewFromFloat(49.50)))

	snap = b.Depth(1)
	assert.Len(t, snap.Bids, 1)
	assert.Len(t, snap.Asks, 1)
}
