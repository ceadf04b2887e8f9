package exchange

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema:
//
//	bal:{token}:{user} -> decimal amount
//	ord:{id, zero-padded} -> order JSON (padding keeps ids in scan order)
//	seq -> last assigned order id
const (
	prefixBalance = "bal:"
	prefixOrder   = "ord:"
	keyOrderSeq   = "seq"
)

func balanceKey(token, user common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, token.Hex(), user.Hex()))
}

func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// Store persists the engine's state (balances, orders, order counter) in a
// pebble database. All writes happen under the engine mutex; multi-key
// effects of a single operation go through one Batch so the on-disk state
// never shows a half-applied fill.
type Store struct {
	db *pebble.DB
}

// OpenStore opens a pebble database at the given path.
func OpenStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20),
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBalance persists one ledger entry.
func (s *Store) SaveBalance(token, user common.Address, amount *big.Int) error {
	if err := s.db.Set(balanceKey(token, user), []byte(amount.String()), pebble.Sync); err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}

// SaveOrder persists one order record.
func (s *Store) SaveOrder(o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order %d: %w", o.ID, err)
	}
	if err := s.db.Set(orderKey(o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save order %d: %w", o.ID, err)
	}
	return nil
}

// SaveOrderSeq persists the order counter.
func (s *Store) SaveOrderSeq(seq uint64) error {
	if err := s.db.Set([]byte(keyOrderSeq), []byte(fmt.Sprintf("%d", seq)), pebble.Sync); err != nil {
		return fmt.Errorf("save order seq: %w", err)
	}
	return nil
}

// LoadState restores the full engine state written by previous runs:
// every balance entry, every order, and the order counter.
func (s *Store) LoadState() (*Ledger, map[uint64]*Order, uint64, error) {
	ledger := NewLedger()

	balPrefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: balPrefix,
		UpperBound: keyUpperBound(balPrefix),
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("balance iterator: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		token, user, err := parseBalanceKey(iter.Key())
		if err != nil {
			continue
		}
		amount, ok := new(big.Int).SetString(string(iter.Value()), 10)
		if !ok || amount.Sign() == 0 {
			continue
		}
		ledger.Credit(token, user, amount)
	}
	if err := iter.Close(); err != nil {
		return nil, nil, 0, fmt.Errorf("balance iterator close: %w", err)
	}

	orders := make(map[uint64]*Order)
	ordPrefix := []byte(prefixOrder)
	iter, err = s.db.NewIter(&pebble.IterOptions{
		LowerBound: ordPrefix,
		UpperBound: keyUpperBound(ordPrefix),
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("order iterator: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		var o Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue
		}
		orders[o.ID] = &o
	}
	if err := iter.Close(); err != nil {
		return nil, nil, 0, fmt.Errorf("order iterator close: %w", err)
	}

	var seq uint64
	data, closer, err := s.db.Get([]byte(keyOrderSeq))
	switch err {
	case nil:
		seq, err = strconv.ParseUint(string(data), 10, 64)
		closer.Close()
		if err != nil {
			return nil, nil, 0, fmt.Errorf("parse order seq %q: %w", data, err)
		}
	case pebble.ErrNotFound:
		// fresh database
	default:
		return nil, nil, 0, fmt.Errorf("load order seq: %w", err)
	}

	return ledger, orders, seq, nil
}

func parseBalanceKey(key []byte) (common.Address, common.Address, error) {
	// "bal:" + 42-char token hex + ":" + 42-char user hex
	rest := string(key[len(prefixBalance):])
	if len(rest) != 42+1+42 {
		return common.Address{}, common.Address{}, fmt.Errorf("bad balance key: %q", key)
	}
	tokenHex, userHex := rest[:42], rest[43:]
	if !common.IsHexAddress(tokenHex) || !common.IsHexAddress(userHex) {
		return common.Address{}, common.Address{}, fmt.Errorf("bad balance key: %q", key)
	}
	return common.HexToAddress(tokenHex), common.HexToAddress(userHex), nil
}

// Batch groups the writes of one engine operation so they commit atomically.
// The first staging error sticks and surfaces from Commit, so a marshal
// failure can never silently drop one write out of the set.
type Batch struct {
	batch *pebble.Batch
	err   error
}

func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) SaveBalance(token, user common.Address, amount *big.Int) {
	if b.err != nil {
		return
	}
	b.err = b.batch.Set(balanceKey(token, user), []byte(amount.String()), nil)
}

func (b *Batch) SaveOrder(o *Order) {
	if b.err != nil {
		return
	}
	data, err := json.Marshal(o)
	if err != nil {
		b.err = fmt.Errorf("marshal order %d: %w", o.ID, err)
		return
	}
	b.err = b.batch.Set(orderKey(o.ID), data, nil)
}

func (b *Batch) SaveOrderSeq(seq uint64) {
	if b.err != nil {
		return
	}
	b.err = b.batch.Set([]byte(keyOrderSeq), []byte(fmt.Sprintf("%d", seq)), nil)
}

// Commit writes the batch atomically. A staging error discards the batch
// and is returned instead.
func (b *Batch) Commit() error {
	if b.err != nil {
		b.batch.Close()
		return b.err
	}
	return b.batch.Commit(pebble.Sync)
}

// Close discards the batch without committing.
func (b *Batch) Close() error {
	return b.batch.Close()
}
