package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OrderStatus is the lifecycle state of an order. Transitions are one-way:
// Open -> Cancelled or Open -> Filled, never back.
type OrderStatus int8

const (
	OrderOpen OrderStatus = iota
	OrderCancelled
	OrderFilled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderCancelled:
		return "cancelled"
	case OrderFilled:
		return "filled"
	default:
		return "unknown"
	}
}

// Order is a bilateral offer: the creator wants AmountGet of TokenGet in
// exchange for AmountGive of TokenGive out of their custodied balance.
// Orders are filled in full or not at all, and are never deleted.
type Order struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"` // creator (maker)
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"` // unix seconds at creation
	Status     OrderStatus    `json:"status"`
}

// clone returns a deep copy so callers can't mutate engine state through a
// returned order.
func (o *Order) clone() Order {
	c := *o
	c.AmountGet = new(big.Int).Set(o.AmountGet)
	c.AmountGive = new(big.Int).Set(o.AmountGive)
	return c
}
