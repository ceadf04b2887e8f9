package exchange

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger holds the custodied balances: token -> user -> amount. It is owned
// by the Exchange and must only be touched while the engine mutex is held;
// it carries no lock of its own.
//
// Balances are created implicitly at zero and never deleted, only driven
// back to zero.
type Ledger struct {
	balances map[common.Address]map[common.Address]*big.Int
}

func NewLedger() *Ledger {
	return &Ledger{balances: make(map[common.Address]map[common.Address]*big.Int)}
}

// Balance returns a copy of the (token, user) entry, zero if never set.
func (l *Ledger) Balance(token, user common.Address) *big.Int {
	if users, ok := l.balances[token]; ok {
		if b, ok := users[user]; ok {
			return new(big.Int).Set(b)
		}
	}
	return new(big.Int)
}

// Credit adds amount to the (token, user) entry.
func (l *Ledger) Credit(token, user common.Address, amount *big.Int) {
	users, ok := l.balances[token]
	if !ok {
		users = make(map[common.Address]*big.Int)
		l.balances[token] = users
	}
	if b, ok := users[user]; ok {
		b.Add(b, amount)
	} else {
		users[user] = new(big.Int).Set(amount)
	}
}

// Debit removes amount from the (token, user) entry. It never drives a
// balance negative: a shortfall is an error and the entry is untouched.
func (l *Ledger) Debit(token, user common.Address, amount *big.Int) error {
	users, ok := l.balances[token]
	if !ok {
		return fmt.Errorf("%w: have 0, need %s", ErrInsufficientBalance, amount)
	}
	b, ok := users[user]
	if !ok || b.Cmp(amount) < 0 {
		have := "0"
		if ok {
			have = b.String()
		}
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, have, amount)
	}
	b.Sub(b, amount)
	return nil
}

// Move is one leg of a settlement; a negative amount debits the entry.
type Move struct {
	Token  common.Address
	User   common.Address
	Amount *big.Int
}

// Settle applies every leg or none. Legs run in order against staged
// balances, so when the same (token, user) entry appears in several legs
// each one sees the effect of the legs before it. A leg that would drive
// an entry negative rejects the whole set and the ledger is untouched.
func (l *Ledger) Settle(moves []Move) error {
	type key struct {
		token, user common.Address
	}
	staged := make(map[key]*big.Int, len(moves))
	for _, m := range moves {
		k := key{m.Token, m.User}
		b, ok := staged[k]
		if !ok {
			b = l.Balance(m.Token, m.User)
			staged[k] = b
		}
		b.Add(b, m.Amount)
		if b.Sign() < 0 {
			return fmt.Errorf("%w: %s is short %s of token %s",
				ErrInsufficientBalance, m.User.Hex(), new(big.Int).Neg(b), m.Token.Hex())
		}
	}
	for k, b := range staged {
		users, ok := l.balances[k.token]
		if !ok {
			users = make(map[common.Address]*big.Int)
			l.balances[k.token] = users
		}
		users[k.user] = b
	}
	return nil
}

// TotalCustodied sums every user's entry for a token. Under the conservation
// invariant this equals net deposits minus net withdrawals for that token.
func (l *Ledger) TotalCustodied(token common.Address) *big.Int {
	total := new(big.Int)
	for _, b := range l.balances[token] {
		total.Add(total, b)
	}
	return total
}

// Entry is one (token, user, amount) row, used for persistence and hashing.
type Entry struct {
	Token  common.Address
	User   common.Address
	Amount *big.Int
}

// Entries returns every balance row in deterministic (token, user) order.
func (l *Ledger) Entries() []Entry {
	var out []Entry
	for token, users := range l.balances {
		for user, b := range users {
			out = append(out, Entry{Token: token, User: user, Amount: new(big.Int).Set(b)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Token.Cmp(out[j].Token); c != 0 {
			return c < 0
		}
		return out[i].User.Cmp(out[j].User) < 0
	})
	return out
}
