// Package events is the trading core's event bus contract, grounded on the
// teacher's internal/trading/events package (Event/EventBus/
// InMemoryEventBus) and its topic catalogue, generalized to the topics the
// matching engine, ledger, and wallet/admin services need to publish.
package events

import (
	"context"
	"sync"
	"time"
)

// Topics published by the trading core.
const (
	TopicOrderSubmitted = "order.submitted"
	TopicOrderAccepted  = "order.accepted"
	TopicOrderRejected  = "order.rejected"
	TopicOrderCanceled  = "order.canceled"
	TopicOrderTriggered = "order.triggered"
	TopicTradeExecuted  = "trade.executed"
	TopicBalanceChanged = "balance.changed"
	TopicDepositPosted  = "deposit.posted"
	TopicWithdrawalReq  = "withdrawal.requested"
	TopicWithdrawalApp  = "withdrawal.approved"
	TopicWithdrawalDone = "withdrawal.confirmed"
	TopicSystemAlert    = "system.alert"
	TopicOrderbookDepth = "orderbook.depth"
)

// Event is one published occurrence. Payload is topic-specific (an
// *model.Order, *model.Trade, etc.); consumers switch on Topic to decode.
type Event struct {
	Topic     string
	Timestamp time.Time
	Payload   any
}

// Handler receives delivered events. InMemoryBus runs each delivery on its
// own goroutine, so a slow handler does not delay the publisher.
type Handler func(Event)

// Bus publishes events to zero or more subscribed handlers.
type Bus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(topic string, handler Handler)
}

// InMemoryBus is a concurrent-safe fan-out bus: every Publish call hands
// the event to each subscribed handler on its own goroutine, recovering
// panics so one bad handler can't take down the publisher.
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]Handler

	onPanic func(topic string, recovered any)
}

// NewInMemoryBus creates an empty bus. onPanic, if non-nil, is invoked
// on the panicking handler's goroutine whenever a handler panics.
func NewInMemoryBus(onPanic func(topic string, recovered any)) *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]Handler), onPanic: onPanic}
}

func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := append([]Handler{}, b.subs[event.Topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil && b.onPanic != nil {
					b.onPanic(event.Topic, r)
				}
			}()
			h(event)
		}(h)
	}
}

func (b *InMemoryBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
}
