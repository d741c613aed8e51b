// Package orderbook implements the two-sided, price-time-priority book for
// a single market. It is grounded on the teacher's
// internal/trading/orderbook package: a tidwall/btree.Map keyed by a
// decimal-string price, each price level holding a FIFO chain of order
// slots. The teacher's order book is designed to be called from many
// goroutines and therefore carries its own fine-grained RWMutexes; this one
// is only ever touched by the single matching-engine goroutine that owns
// its market; it drops those internal locks accordingly.
package orderbook

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/orbitcex/core/internal/model"
)

const maxOrdersPerChunk = 256

// orderChunk is a fixed-size ring buffer node in a price level's FIFO chain,
// the same chunked-ring design the teacher uses to avoid a slice
// reallocation on every enqueue/dequeue at a hot price level.
type orderChunk struct {
	orders     [maxOrdersPerChunk]*model.Order
	head, tail int
	next       *orderChunk
}

func (c *orderChunk) len() int {
	if c.tail >= c.head {
		return c.tail - c.head
	}
	return maxOrdersPerChunk - c.head + c.tail
}

// PriceLevel holds every resting order at one price, oldest first.
type PriceLevel struct {
	Price      decimal.Decimal
	firstChunk *orderChunk
	count      int
}

func newPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{Price: price, firstChunk: &orderChunk{}}
}

// Len returns the number of resting orders at this level.
func (pl *PriceLevel) Len() int { return pl.count }

func (pl *PriceLevel) push(o *model.Order) {
	// Always append to the last chunk, so a slot freed in an earlier chunk
	// never lets a newer order jump ahead of older ones further down.
	chunk := pl.firstChunk
	for chunk.next != nil {
		chunk = chunk.next
	}
	if chunk.tail-chunk.head >= maxOrdersPerChunk {
		chunk.next = &orderChunk{}
		chunk = chunk.next
	}
	chunk.orders[chunk.tail%maxOrdersPerChunk] = o
	chunk.tail++
	pl.count++
}

// front returns the oldest order at this level without removing it.
func (pl *PriceLevel) front() *model.Order {
	chunk := pl.firstChunk
	for chunk != nil {
		for i := chunk.head; i < chunk.tail; i++ {
			if o := chunk.orders[i%maxOrdersPerChunk]; o != nil {
				return o
			}
		}
		chunk = chunk.next
	}
	return nil
}

// popFront removes and returns the oldest order, or nil if the level is empty.
func (pl *PriceLevel) popFront() *model.Order {
	chunk := pl.firstChunk
	for chunk != nil {
		for chunk.head < chunk.tail {
			idx := chunk.head % maxOrdersPerChunk
			o := chunk.orders[idx]
			chunk.orders[idx] = nil
			chunk.head++
			if o != nil {
				pl.count--
				return o
			}
		}
		chunk = chunk.next
	}
	return nil
}

// remove deletes a specific order by id, e.g. for out-of-order cancel. O(n)
// in level size, same tradeoff the teacher accepts for RemoveOrder.
func (pl *PriceLevel) remove(orderID int64) bool {
	chunk := pl.firstChunk
	for chunk != nil {
		for i := chunk.head; i < chunk.tail; i++ {
			idx := i % maxOrdersPerChunk
			if o := chunk.orders[idx]; o != nil && o.ID == orderID {
				chunk.orders[idx] = nil
				pl.count--
				return true
			}
		}
		chunk = chunk.next
	}
	return false
}

// Front returns the oldest resting order at this level without removing
// it, or nil if the level is empty.
func (pl *PriceLevel) Front() *model.Order { return pl.front() }

// Orders returns every resting order at this level, oldest first.
func (pl *PriceLevel) Orders() []*model.Order {
	out := make([]*model.Order, 0, pl.count)
	chunk := pl.firstChunk
	for chunk != nil {
		for i := chunk.head; i < chunk.tail; i++ {
			if o := chunk.orders[i%maxOrdersPerChunk]; o != nil {
				out = append(out, o)
			}
		}
		chunk = chunk.next
	}
	return out
}

// Book is the two-sided price-level index for one market.
type Book struct {
	Market     string
	bids       *btree.Map[string, *PriceLevel]
	asks       *btree.Map[string, *PriceLevel]
	ordersByID map[int64]*model.Order
}

// New creates an empty book for market.
func New(market string) *Book {
	return &Book{
		Market:     market,
		bids:       &btree.Map[string, *PriceLevel]{},
		asks:       &btree.Map[string, *PriceLevel]{},
		ordersByID: make(map[int64]*model.Order),
	}
}

func priceKey(p decimal.Decimal) string {
	// Decimal's string form doesn't sort lexically across scales (e.g.
	// "9" > "10"), so keys are padded to a fixed-width rat representation.
	return fmt.Sprintf("%040s", p.Mul(decimal.New(1, 18)).BigInt().String())
}

func (b *Book) sideTree(side string) *btree.Map[string, *PriceLevel] {
	if side == model.SideBuy {
		return b.bids
	}
	return b.asks
}

// OppositeSide returns the side a taker on `side` would cross against.
func OppositeSide(side string) string {
	if side == model.SideBuy {
		return model.SideSell
	}
	return model.SideBuy
}

// BestPrice returns the best resting price on side and whether one exists.
func (b *Book) BestPrice(side string) (decimal.Decimal, bool) {
	tree := b.sideTree(side)
	var price decimal.Decimal
	var found bool
	if side == model.SideBuy {
		tree.Reverse(func(_ string, level *PriceLevel) bool {
			price, found = level.Price, true
			return false
		})
	} else {
		tree.Scan(func(_ string, level *PriceLevel) bool {
			price, found = level.Price, true
			return false
		})
	}
	return price, found
}

// BestLevel returns the PriceLevel at the best price on side, if any.
func (b *Book) BestLevel(side string) (*PriceLevel, bool) {
	tree := b.sideTree(side)
	var level *PriceLevel
	var found bool
	if side == model.SideBuy {
		tree.Reverse(func(_ string, l *PriceLevel) bool {
			level, found = l, true
			return false
		})
	} else {
		tree.Scan(func(_ string, l *PriceLevel) bool {
			level, found = l, true
			return false
		})
	}
	return level, found
}

// Insert places a resting order at the back of its price level's FIFO queue.
func (b *Book) Insert(o *model.Order) {
	tree := b.sideTree(o.Side)
	key := priceKey(o.Price)
	level, ok := tree.Get(key)
	if !ok {
		level = newPriceLevel(o.Price)
		tree.Set(key, level)
	}
	level.push(o)
	b.ordersByID[o.ID] = o
}

// Remove deletes an order by id wherever it rests, pruning an emptied level.
func (b *Book) Remove(orderID int64) (*model.Order, bool) {
	o, ok := b.ordersByID[orderID]
	if !ok {
		return nil, false
	}
	tree := b.sideTree(o.Side)
	key := priceKey(o.Price)
	if level, ok := tree.Get(key); ok {
		level.remove(orderID)
		if level.Len() == 0 {
			tree.Delete(key)
		}
	}
	delete(b.ordersByID, orderID)
	return o, true
}

// Get returns the live order for orderID, if it is resting in this book.
func (b *Book) Get(orderID int64) (*model.Order, bool) {
	o, ok := b.ordersByID[orderID]
	return o, ok
}

// IterOpposite walks the price levels on the opposite side of side in
// execution priority (best price first; each level's Orders are oldest
// first), invoking fn once per level until fn returns false or the side is
// exhausted.
// Emptied levels are pruned as they're drained by the caller via Remove.
func (b *Book) IterOpposite(side string, fn func(level *PriceLevel) bool) {
	tree := b.sideTree(OppositeSide(side))
	if side == model.SideBuy {
		// taker is a buy: walk asks ascending (cheapest first)
		tree.Scan(func(_ string, level *PriceLevel) bool { return fn(level) })
	} else {
		// taker is a sell: walk bids descending (richest first)
		tree.Reverse(func(_ string, level *PriceLevel) bool { return fn(level) })
	}
}

// PopFront removes and returns the oldest order at level, pruning the level
// from its tree if it becomes empty. Used by the matching loop as it
// consumes resting liquidity.
func (b *Book) PopFront(side string, level *PriceLevel) *model.Order {
	o := level.popFront()
	if o != nil {
		delete(b.ordersByID, o.ID)
	}
	if level.Len() == 0 {
		b.sideTree(OppositeSide(side)).Delete(priceKey(level.Price))
	}
	return o
}

// DepthCount returns the number of distinct price levels on side.
func (b *Book) DepthCount(side string) int {
	return b.sideTree(side).Len()
}
