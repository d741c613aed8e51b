package matching

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/orbitcex/core/internal/model"
)

// triggerTable holds pending stop/stop-limit orders for one market, one
// instance per side, ordered monotonically by (StopPrice, OrderID) per
// Open Question (b) resolved in §9: ascending for buy-stops, descending
// stop_price (then ascending order_id) for sell-stops. A plain sorted
// slice is used rather than a tree since re-sorting on each insert is
// cheap relative to matching itself and the table is scanned in full on
// every trade anyway.
type triggerTable struct {
	buyStops  []*model.Order // ascending StopPrice, ascending ID
	sellStops []*model.Order // descending StopPrice, ascending ID
}

func newTriggerTable() *triggerTable {
	return &triggerTable{}
}

// Add arms a stop/stop-limit order.
func (t *triggerTable) Add(o *model.Order) {
	if o.Side == model.SideBuy {
		t.buyStops = append(t.buyStops, o)
		sort.SliceStable(t.buyStops, func(i, j int) bool {
			return lessBuyStop(t.buyStops[i], t.buyStops[j])
		})
		return
	}
	t.sellStops = append(t.sellStops, o)
	sort.SliceStable(t.sellStops, func(i, j int) bool {
		return lessSellStop(t.sellStops[i], t.sellStops[j])
	})
}

func lessBuyStop(a, b *model.Order) bool {
	if !a.StopPrice.Equal(b.StopPrice) {
		return a.StopPrice.LessThan(b.StopPrice)
	}
	return a.ID < b.ID
}

func lessSellStop(a, b *model.Order) bool {
	if !a.StopPrice.Equal(b.StopPrice) {
		return a.StopPrice.GreaterThan(b.StopPrice)
	}
	return a.ID < b.ID
}

// Remove disarms a stop order by id, returning it if it was present.
func (t *triggerTable) Remove(orderID int64) *model.Order {
	for i, o := range t.buyStops {
		if o.ID == orderID {
			t.buyStops = append(t.buyStops[:i], t.buyStops[i+1:]...)
			return o
		}
	}
	for i, o := range t.sellStops {
		if o.ID == orderID {
			t.sellStops = append(t.sellStops[:i], t.sellStops[i+1:]...)
			return o
		}
	}
	return nil
}

// maxActivationsPerTrade bounds recursive stop activation so a pathological
// trigger cycle can't loop forever; exceeding it is promoted to the
// stop_trigger_loop fatal kind.
const maxActivationsPerTrade = 10000

// ScanActivated returns, in activation order, every armed stop/stop-limit
// order whose trigger condition is satisfied by lastTradePrice: buy-stops
// with StopPrice <= lastTradePrice, sell-stops with StopPrice >=
// lastTradePrice, per §4.3. Activated orders are removed from the table as
// part of this call.
func (t *triggerTable) ScanActivated(lastTradePrice decimal.Decimal) []*model.Order {
	var activated []*model.Order

	var remainingBuy []*model.Order
	for _, o := range t.buyStops {
		if o.StopPrice.LessThanOrEqual(lastTradePrice) {
			activated = append(activated, o)
		} else {
			remainingBuy = append(remainingBuy, o)
		}
	}
	t.buyStops = remainingBuy

	var remainingSell []*model.Order
	for _, o := range t.sellStops {
		if o.StopPrice.GreaterThanOrEqual(lastTradePrice) {
			activated = append(activated, o)
		} else {
			remainingSell = append(remainingSell, o)
		}
	}
	t.sellStops = remainingSell

	return activated
}
