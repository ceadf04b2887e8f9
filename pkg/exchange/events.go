package exchange

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Event payloads. Field names and order are the compatibility contract for
// indexers and the websocket stream; do not reorder or rename.

type EventType string

const (
	EventDeposit  EventType = "Deposit"
	EventWithdraw EventType = "Withdraw"
	EventOrder    EventType = "Order"
	EventCancel   EventType = "Cancel"
	EventTrade    EventType = "Trade"
)

type DepositEvent struct {
	Token   common.Address `json:"token"`
	User    common.Address `json:"user"`
	Amount  *big.Int       `json:"amount"`
	Balance *big.Int       `json:"balance"` // custody balance after the deposit
}

type WithdrawEvent struct {
	Token   common.Address `json:"token"`
	User    common.Address `json:"user"`
	Amount  *big.Int       `json:"amount"`
	Balance *big.Int       `json:"balance"` // custody balance after the withdrawal
}

type OrderEvent struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
}

type CancelEvent struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"` // cancellation time, not creation time
}

type TradeEvent struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"` // filler (taker)
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	Creator    common.Address `json:"creator"` // original maker
	Timestamp  int64          `json:"timestamp"`
}

// Event is one committed state transition. Seq is assigned in commit order
// and is gapless; the log's order is the engine's total operation order.
type Event struct {
	Seq  uint64      `json:"seq"`
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

// EventLog is the append-only record of committed operations. The engine
// only ever appends; it never reads the log back to derive state. Subscribers
// get every event in commit order over a buffered channel; a subscriber that
// stops draining is dropped rather than allowed to block the engine.
type EventLog struct {
	mu     sync.RWMutex
	events []Event
	subs   map[chan Event]struct{}
}

func NewEventLog() *EventLog {
	return &EventLog{
		events: make([]Event, 0, 1024),
		subs:   make(map[chan Event]struct{}),
	}
}

// Append records a committed event and fans it out. Returns the event with
// its assigned sequence number.
func (l *EventLog) Append(typ EventType, data interface{}) Event {
	l.mu.Lock()
	ev := Event{Seq: uint64(len(l.events)) + 1, Type: typ, Data: data}
	l.events = append(l.events, ev)

	for ch := range l.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop it so the engine never blocks.
			delete(l.subs, ch)
			close(ch)
		}
	}
	l.mu.Unlock()
	return ev
}

// Events returns a snapshot copy of the full log.
func (l *EventLog) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Subscribe registers a listener for future events. The returned cancel
// function unregisters it and closes the channel.
func (l *EventLog) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subs[ch]; ok {
			delete(l.subs, ch)
			close(ch)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}
