package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitcex/core/internal/model"
)

func newOrder(id int64, side string, price, amount string) *model.Order {
	return &model.Order{
		ID: id, Market: "ALT/USDT", Side: side, Kind: model.OrderKindLimit,
		Price: decimal.RequireFromString(price), Amount: decimal.RequireFromString(amount),
	}
}

func TestInsertAndBestPrice(t *testing.T) {
	b := New("ALT/USDT")
	b.Insert(newOrder(1, model.SideBuy, "100", "1"))
	b.Insert(newOrder(2, model.SideBuy, "101", "1"))
	b.Insert(newOrder(3, model.SideBuy, "99", "1"))

	price, ok := b.BestPrice(model.SideBuy)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("101")), "best bid must be the highest price")
}

func TestBestPrice_Asks_CheapestFirst(t *testing.T) {
	b := New("ALT/USDT")
	b.Insert(newOrder(1, model.SideSell, "105", "1"))
	b.Insert(newOrder(2, model.SideSell, "100", "1"))

	price, ok := b.BestPrice(model.SideSell)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("100")), "best ask must be the lowest price")
}

func TestPriceLevel_FIFOOrdering(t *testing.T) {
	b := New("ALT/USDT")
	b.Insert(newOrder(1, model.SideBuy, "100", "1"))
	b.Insert(newOrder(2, model.SideBuy, "100", "1"))
	b.Insert(newOrder(3, model.SideBuy, "100", "1"))

	level, ok := b.BestLevel(model.SideBuy)
	require.True(t, ok)
	assert.Equal(t, int64(1), level.Front().ID, "oldest order at a level must be served first")

	first := b.PopFront(model.SideBuy, level)
	assert.Equal(t, int64(1), first.ID)
	second := b.PopFront(model.SideBuy, level)
	assert.Equal(t, int64(2), second.ID)
}

func TestRemove_PrunesEmptyLevel(t *testing.T) {
	b := New("ALT/USDT")
	b.Insert(newOrder(1, model.SideBuy, "100", "1"))
	require.Equal(t, 1, b.DepthCount(model.SideBuy))

	o, ok := b.Remove(1)
	require.True(t, ok)
	assert.Equal(t, int64(1), o.ID)
	assert.Equal(t, 0, b.DepthCount(model.SideBuy))

	_, ok = b.Remove(1)
	assert.False(t, ok, "removing an already-removed order must report not found")
}

func TestIterOpposite_BuyWalksAsksAscending(t *testing.T) {
	b := New("ALT/USDT")
	b.Insert(newOrder(1, model.SideSell, "105", "1"))
	b.Insert(newOrder(2, model.SideSell, "100", "1"))
	b.Insert(newOrder(3, model.SideSell, "110", "1"))

	var seen []decimal.Decimal
	b.IterOpposite(model.SideBuy, func(level *PriceLevel) bool {
		seen = append(seen, level.Price)
		return true
	})

	require.Len(t, seen, 3)
	assert.True(t, seen[0].Equal(decimal.RequireFromString("100")))
	assert.True(t, seen[1].Equal(decimal.RequireFromString("105")))
	assert.True(t, seen[2].Equal(decimal.RequireFromString("110")))
}

func TestGet_ReturnsLiveOrder(t *testing.T) {
	b := New("ALT/USDT")
	b.Insert(newOrder(7, model.SideBuy, "50", "2"))

	o, ok := b.Get(7)
	require.True(t, ok)
	assert.True(t, o.Amount.Equal(decimal.RequireFromString("2")))

	_, ok = b.Get(8)
	assert.False(t, ok)
}
