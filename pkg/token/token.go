// Package token implements an in-process fungible asset with ERC-20 style
// bookkeeping: balances, allowances, and delegated transfers. The exchange
// engine custodies these assets but never touches their internals.
package token

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Event types recorded by the token.
const (
	EventTransfer = "Transfer"
	EventApproval = "Approval"
)

// TransferEvent records one balance movement. The mint at construction is
// recorded as a transfer from the zero address.
type TransferEvent struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
}

// ApprovalEvent records an allowance being set.
type ApprovalEvent struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Value   *big.Int       `json:"value"`
}

// Event is one entry in the token's append-only log. Seq is 1-based and
// gapless.
type Event struct {
	Seq  uint64      `json:"seq"`
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Token is a fungible asset ledger. All amounts are fixed-point integers with
// 18 fractional decimals (wei-style). Safe for concurrent use.
type Token struct {
	mu sync.RWMutex

	addr        common.Address
	name        string
	symbol      string
	decimals    uint8
	totalSupply *big.Int

	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	events     []Event
}

// New creates a token and mints the full supply (in whole units, scaled by
// 18 decimals) to the deployer. The token's address is derived from its
// symbol so a fresh process reproduces the same identities.
func New(name, symbol string, supply int64, deployer common.Address) *Token {
	total := new(big.Int).Mul(big.NewInt(supply), Unit())

	t := &Token{
		addr:        deriveAddress(symbol),
		name:        name,
		symbol:      symbol,
		decimals:    18,
		totalSupply: total,
		balances:    make(map[common.Address]*big.Int),
		allowances:  make(map[common.Address]map[common.Address]*big.Int),
	}
	t.balances[deployer] = new(big.Int).Set(total)
	t.recordLocked(EventTransfer, TransferEvent{
		From: common.Address{}, To: deployer, Value: new(big.Int).Set(total),
	})
	return t
}

// Unit returns 10^18, the scale factor for one whole token.
func Unit() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
}

// deriveAddress hashes the symbol into a stable 20-byte address, the same way
// an eth address is taken from the tail of a keccak digest.
func deriveAddress(symbol string) common.Address {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("token:" + symbol))
	sum := h.Sum(nil)
	return common.BytesToAddress(sum[12:])
}

func (t *Token) Address() common.Address { return t.addr }
func (t *Token) Name() string            { return t.name }
func (t *Token) Symbol() string          { return t.symbol }
func (t *Token) TokenDecimals() uint8    { return t.decimals }

func (t *Token) TotalSupply() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.totalSupply)
}

// BalanceOf returns the holder's balance, zero if never seen.
func (t *Token) BalanceOf(owner common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.balances[owner]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Allowance returns how much spender may move out of owner's balance.
func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m, ok := t.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return new(big.Int).Set(a)
		}
	}
	return new(big.Int)
}

// Transfer moves amount from -> to. Rejects the zero address and any amount
// the sender does not hold.
func (t *Token) Transfer(from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferLocked(from, to, amount)
}

func (t *Token) transferLocked(from, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("transfer to zero address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("transfer amount must be positive")
	}

	bal, ok := t.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient token balance: have %s, need %s", balStr(bal), amount)
	}

	bal.Sub(bal, amount)
	if cur, ok := t.balances[to]; ok {
		cur.Add(cur, amount)
	} else {
		t.balances[to] = new(big.Int).Set(amount)
	}
	t.recordLocked(EventTransfer, TransferEvent{
		From: from, To: to, Value: new(big.Int).Set(amount),
	})
	return nil
}

// Approve grants spender the right to move amount out of owner's balance.
func (t *Token) Approve(owner, spender common.Address, amount *big.Int) error {
	if spender == (common.Address{}) {
		return fmt.Errorf("approve zero address spender")
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("approve amount must be non-negative")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[common.Address]*big.Int)
		t.allowances[owner] = m
	}
	m[spender] = new(big.Int).Set(amount)
	t.recordLocked(EventApproval, ApprovalEvent{
		Owner: owner, Spender: spender, Value: new(big.Int).Set(amount),
	})
	return nil
}

// TransferFrom moves amount from -> to on behalf of spender, consuming
// allowance. Fails if either the allowance or the balance is short.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("transfer amount must be positive")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.allowances[from]
	if !ok {
		return fmt.Errorf("no allowance for spender %s", spender.Hex())
	}
	allowed, ok := m[spender]
	if !ok || allowed.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient allowance: have %s, need %s", balStr(allowed), amount)
	}

	if err := t.transferLocked(from, to, amount); err != nil {
		return err
	}

	allowed.Sub(allowed, amount)
	return nil
}

// Events returns a snapshot of the token's event log.
func (t *Token) Events() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

func (t *Token) recordLocked(typ string, data interface{}) {
	t.events = append(t.events, Event{Seq: uint64(len(t.events)) + 1, Type: typ, Data: data})
}

func balStr(b *big.Int) string {
	if b == nil {
		return "0"
	}
	return b.String()
}
