// Package exchange implements the custodial token-exchange engine: the
// per-user/per-asset custody ledger, the order lifecycle state machine, fee
// settlement, and the append-only event log. Every mutating operation is
// serialized through a single mutex and commits all of its effects or none.
package exchange

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/zenithdex/zenith/pkg/util"
)

// Asset is the external fungible-asset contract the engine custodies. The
// engine depends on these four operations and nothing else; any failure is a
// hard rejection of the enclosing operation.
type Asset interface {
	Address() common.Address
	BalanceOf(owner common.Address) *big.Int
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
}

// Config wires an engine instance. Store and Journal may be nil for a purely
// in-memory engine (tests); Clock and Logger default to the real clock and a
// no-op logger.
type Config struct {
	FeeAccount common.Address
	FeePercent uint64
	Store      *Store
	Journal    *Journal
	Clock      util.Clock
	Logger     *zap.Logger
}

// Exchange is the engine. One mutex serializes every mutating operation, so
// operations execute in a strict global order with no observable
// interleaving: two fills against overlapping balances can never race.
type Exchange struct {
	mu sync.Mutex

	addr common.Address // custody account in the asset contracts
	fee  FeeConfig

	assets   map[common.Address]Asset
	ledger   *Ledger
	orders   map[uint64]*Order
	orderSeq uint64

	log     *EventLog
	store   *Store
	journal *Journal
	clock   util.Clock
	logger  *zap.Logger
}

// New creates an engine. If cfg.Store holds state from a previous run, the
// ledger, orders and counter are restored from it.
func New(cfg Config) (*Exchange, error) {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	e := &Exchange{
		addr:    deriveExchangeAddress(cfg.FeeAccount, cfg.FeePercent),
		fee:     FeeConfig{Account: cfg.FeeAccount, Percent: cfg.FeePercent},
		assets:  make(map[common.Address]Asset),
		ledger:  NewLedger(),
		orders:  make(map[uint64]*Order),
		log:     NewEventLog(),
		store:   cfg.Store,
		journal: cfg.Journal,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}

	if e.store != nil {
		ledger, orders, seq, err := e.store.LoadState()
		if err != nil {
			return nil, fmt.Errorf("restore engine state: %w", err)
		}
		e.ledger, e.orders, e.orderSeq = ledger, orders, seq
	}

	return e, nil
}

func deriveExchangeAddress(feeAccount common.Address, feePercent uint64) common.Address {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("exchange:"))
	h.Write(feeAccount.Bytes())
	var pct [8]byte
	binary.BigEndian.PutUint64(pct[:], feePercent)
	h.Write(pct[:])
	sum := h.Sum(nil)
	return common.BytesToAddress(sum[12:])
}

// Address is the engine's custody account: the identity that holds deposited
// tokens inside the asset contracts.
func (e *Exchange) Address() common.Address    { return e.addr }
func (e *Exchange) FeeAccount() common.Address { return e.fee.Account }
func (e *Exchange) FeePercent() uint64         { return e.fee.Percent }

// Log exposes the append-only event log for subscribers (websocket hub,
// indexers).
func (e *Exchange) Log() *EventLog { return e.log }

// RegisterToken makes an asset depositable. Registration is wiring, not a
// ledger operation; it emits no event.
func (e *Exchange) RegisterToken(asset Asset) {
	e.mu.Lock()
	e.assets[asset.Address()] = asset
	e.mu.Unlock()
}

// Token returns the registered asset for an address, nil if unknown.
func (e *Exchange) Token(addr common.Address) Asset {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.assets[addr]
}

// Tokens returns the registered asset addresses in deterministic order.
func (e *Exchange) Tokens() []common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.Address, 0, len(e.assets))
	for addr := range e.assets {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Deposit pulls amount of token from user's external holdings into custody.
// The user must have approved the engine's address in the asset contract
// beforehand; a refused pull rejects the whole operation untouched.
// Returns the user's new custody balance.
func (e *Exchange) Deposit(token, user common.Address, amount *big.Int) (*big.Int, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if user == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero user address", ErrInvalidParty)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	asset, ok := e.assets[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAsset, token.Hex())
	}

	if err := asset.TransferFrom(e.addr, user, e.addr, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}

	e.ledger.Credit(token, user, amount)
	balance := e.ledger.Balance(token, user)

	e.persistBalance(token, user, balance)
	e.commit(EventDeposit, DepositEvent{Token: token, User: user, Amount: new(big.Int).Set(amount), Balance: balance})

	e.logger.Info("deposit",
		zap.String("token", token.Hex()),
		zap.String("user", user.Hex()),
		zap.String("amount", amount.String()),
		zap.String("balance", balance.String()))

	return new(big.Int).Set(balance), nil
}

// Withdraw pushes amount of token from custody back to user's external
// holdings. The ledger is decremented first and restored if the external
// push fails, so a failed withdraw leaves no balance effect.
// Returns the user's new custody balance.
func (e *Exchange) Withdraw(token, user common.Address, amount *big.Int) (*big.Int, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if user == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero user address", ErrInvalidParty)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	asset, ok := e.assets[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAsset, token.Hex())
	}

	if err := e.ledger.Debit(token, user, amount); err != nil {
		return nil, err
	}

	if err := asset.Transfer(e.addr, user, amount); err != nil {
		// Roll the decrement back: the operation is all-or-nothing.
		e.ledger.Credit(token, user, amount)
		return nil, fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}

	balance := e.ledger.Balance(token, user)

	e.persistBalance(token, user, balance)
	e.commit(EventWithdraw, WithdrawEvent{Token: token, User: user, Amount: new(big.Int).Set(amount), Balance: balance})

	e.logger.Info("withdraw",
		zap.String("token", token.Hex()),
		zap.String("user", user.Hex()),
		zap.String("amount", amount.String()),
		zap.String("balance", balance.String()))

	return new(big.Int).Set(balance), nil
}

// BalanceOf returns the custody balance for (token, user), zero if never set.
func (e *Exchange) BalanceOf(token, user common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balance(token, user)
}

// TotalCustodied returns the sum of every user's custody balance for a token.
func (e *Exchange) TotalCustodied(token common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.TotalCustodied(token)
}

// MakeOrder places an offer of amountGive of tokenGive (already in custody)
// for amountGet of tokenGet. The offered funds are checked but NOT reserved:
// the creator can still withdraw them, which makes the order unfillable
// until the balance is topped back up. FillOrder re-checks at fill time.
// Returns the new order's id; ids are sequential from 1 and never reused.
func (e *Exchange) MakeOrder(user, tokenGet common.Address, amountGet *big.Int, tokenGive common.Address, amountGive *big.Int) (uint64, error) {
	if err := checkAmount(amountGet); err != nil {
		return 0, err
	}
	if err := checkAmount(amountGive); err != nil {
		return 0, err
	}
	if user == (common.Address{}) {
		return 0, fmt.Errorf("%w: zero user address", ErrInvalidParty)
	}
	if tokenGet == (common.Address{}) || tokenGive == (common.Address{}) {
		return 0, fmt.Errorf("%w: zero token address", ErrInvalidAsset)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ledger.Balance(tokenGive, user).Cmp(amountGive) < 0 {
		return 0, fmt.Errorf("%w: offered funds not in custody", ErrInsufficientBalance)
	}

	e.orderSeq++
	o := &Order{
		ID:         e.orderSeq,
		User:       user,
		TokenGet:   tokenGet,
		AmountGet:  new(big.Int).Set(amountGet),
		TokenGive:  tokenGive,
		AmountGive: new(big.Int).Set(amountGive),
		Timestamp:  e.clock.Now().Unix(),
		Status:     OrderOpen,
	}
	e.orders[o.ID] = o

	if e.store != nil {
		b := e.store.NewBatch()
		b.SaveOrder(o)
		b.SaveOrderSeq(e.orderSeq)
		if err := b.Commit(); err != nil {
			e.logger.Error("persist order", zap.Uint64("id", o.ID), zap.Error(err))
		}
	}

	e.commit(EventOrder, OrderEvent{
		ID: o.ID, User: o.User,
		TokenGet: o.TokenGet, AmountGet: new(big.Int).Set(o.AmountGet),
		TokenGive: o.TokenGive, AmountGive: new(big.Int).Set(o.AmountGive),
		Timestamp: o.Timestamp,
	})

	e.logger.Info("order_created",
		zap.Uint64("id", o.ID),
		zap.String("user", user.Hex()),
		zap.String("token_get", tokenGet.Hex()),
		zap.String("amount_get", amountGet.String()),
		zap.String("token_give", tokenGive.Hex()),
		zap.String("amount_give", amountGive.String()))

	return o.ID, nil
}

// CancelOrder marks an open order cancelled. Only the creator may cancel,
// and only once: a second cancel (or a cancel after a fill) is rejected.
func (e *Exchange) CancelOrder(id uint64, caller common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if o.User != caller {
		return fmt.Errorf("%w: order %d belongs to %s", ErrUnauthorized, id, o.User.Hex())
	}
	if o.Status != OrderOpen {
		return fmt.Errorf("%w: order %d is %s", ErrOrderNotOpen, id, o.Status)
	}

	o.Status = OrderCancelled
	e.persistOrder(o)

	e.commit(EventCancel, CancelEvent{
		ID: o.ID, User: o.User,
		TokenGet: o.TokenGet, AmountGet: new(big.Int).Set(o.AmountGet),
		TokenGive: o.TokenGive, AmountGive: new(big.Int).Set(o.AmountGive),
		Timestamp: e.clock.Now().Unix(),
	})

	e.logger.Info("order_cancelled", zap.Uint64("id", id), zap.String("user", caller.Hex()))
	return nil
}

// FillOrder settles an open order in full. The filler pays amountGet plus
// the protocol fee in tokenGet and receives amountGive in tokenGive; the
// fee goes to the fee account. Every balance leg and the status change
// commit together or the operation is rejected untouched.
func (e *Exchange) FillOrder(id uint64, filler common.Address) error {
	if filler == (common.Address{}) {
		return fmt.Errorf("%w: zero filler address", ErrInvalidParty)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if o.Status != OrderOpen {
		return fmt.Errorf("%w: order %d is %s", ErrOrderNotOpen, id, o.Status)
	}

	fee := Fee(o.AmountGet, e.fee.Percent)
	cost := new(big.Int).Add(o.AmountGet, fee)

	// Check both sides before touching anything. The creator's funds were
	// only checked at creation time and may have been withdrawn since.
	if e.ledger.Balance(o.TokenGet, filler).Cmp(cost) < 0 {
		return fmt.Errorf("%w: filler cannot cover amount plus fee", ErrInsufficientBalance)
	}
	if e.ledger.Balance(o.TokenGive, o.User).Cmp(o.AmountGive) < 0 {
		return fmt.Errorf("%w: creator no longer holds the offered funds", ErrInsufficientBalance)
	}

	// Settle all legs or none. The checks above give the precise error for
	// the common cases, but only Settle decides: when the filler is the
	// creator, or tokenGet and tokenGive coincide, the legs overlap and an
	// intermediate balance can still come up short.
	err := e.ledger.Settle([]Move{
		{Token: o.TokenGet, User: filler, Amount: new(big.Int).Neg(cost)},
		{Token: o.TokenGet, User: o.User, Amount: new(big.Int).Set(o.AmountGet)},
		{Token: o.TokenGet, User: e.fee.Account, Amount: new(big.Int).Set(fee)},
		{Token: o.TokenGive, User: o.User, Amount: new(big.Int).Neg(o.AmountGive)},
		{Token: o.TokenGive, User: filler, Amount: new(big.Int).Set(o.AmountGive)},
	})
	if err != nil {
		return err
	}
	o.Status = OrderFilled

	if e.store != nil {
		b := e.store.NewBatch()
		b.SaveBalance(o.TokenGet, filler, e.ledger.Balance(o.TokenGet, filler))
		b.SaveBalance(o.TokenGet, o.User, e.ledger.Balance(o.TokenGet, o.User))
		b.SaveBalance(o.TokenGet, e.fee.Account, e.ledger.Balance(o.TokenGet, e.fee.Account))
		b.SaveBalance(o.TokenGive, o.User, e.ledger.Balance(o.TokenGive, o.User))
		b.SaveBalance(o.TokenGive, filler, e.ledger.Balance(o.TokenGive, filler))
		b.SaveOrder(o)
		if err := b.Commit(); err != nil {
			e.logger.Error("persist fill", zap.Uint64("id", id), zap.Error(err))
		}
	}

	e.commit(EventTrade, TradeEvent{
		ID: o.ID, User: filler,
		TokenGet: o.TokenGet, AmountGet: new(big.Int).Set(o.AmountGet),
		TokenGive: o.TokenGive, AmountGive: new(big.Int).Set(o.AmountGive),
		Creator:   o.User,
		Timestamp: e.clock.Now().Unix(),
	})

	e.logger.Info("order_filled",
		zap.Uint64("id", id),
		zap.String("filler", filler.Hex()),
		zap.String("creator", o.User.Hex()),
		zap.String("fee", fee.String()))

	return nil
}

// OrdersCount returns how many orders have ever been created.
func (e *Exchange) OrdersCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orderSeq
}

// OrderCancelled reports whether the order exists and is cancelled.
func (e *Exchange) OrderCancelled(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	return ok && o.Status == OrderCancelled
}

// OrderFilled reports whether the order exists and is filled.
func (e *Exchange) OrderFilled(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	return ok && o.Status == OrderFilled
}

// Order returns a copy of the order record.
func (e *Exchange) Order(id uint64) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	return o.clone(), nil
}

// Orders returns copies of every order, sorted by id.
func (e *Exchange) Orders() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenOrders returns copies of every order still open, sorted by id.
func (e *Exchange) OpenOrders() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Order, 0)
	for _, o := range e.orders {
		if o.Status == OrderOpen {
			out = append(out, o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UserOrders returns copies of every order created by user, sorted by id.
func (e *Exchange) UserOrders(user common.Address) []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Order, 0)
	for _, o := range e.orders {
		if o.User == user {
			out = append(out, o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StateHash returns a deterministic keccak digest over every balance entry,
// every order, and the order counter. Two engines that processed the same
// operations in the same order produce the same hash.
func (e *Exchange) StateHash() common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := sha3.NewLegacyKeccak256()

	for _, entry := range e.ledger.Entries() {
		h.Write(entry.Token.Bytes())
		h.Write(entry.User.Bytes())
		h.Write(entry.Amount.Bytes())
	}

	ids := make([]uint64, 0, len(e.orders))
	for id := range e.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf [8]byte
	for _, id := range ids {
		o := e.orders[id]
		binary.BigEndian.PutUint64(buf[:], o.ID)
		h.Write(buf[:])
		h.Write(o.User.Bytes())
		h.Write(o.TokenGet.Bytes())
		h.Write(o.AmountGet.Bytes())
		h.Write(o.TokenGive.Bytes())
		h.Write(o.AmountGive.Bytes())
		h.Write([]byte{byte(o.Status)})
	}

	binary.BigEndian.PutUint64(buf[:], e.orderSeq)
	h.Write(buf[:])

	return common.BytesToHash(h.Sum(nil))
}

// Close releases the store and journal.
func (e *Exchange) Close() error {
	var firstErr error
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// commit appends the event to the in-memory log and the durable journal.
// Called with the engine mutex held, so log order matches operation order.
func (e *Exchange) commit(typ EventType, data interface{}) {
	ev := e.log.Append(typ, data)
	if e.journal != nil {
		if err := e.journal.Append(ev); err != nil {
			e.logger.Error("journal append", zap.Uint64("seq", ev.Seq), zap.Error(err))
		}
	}
}

func (e *Exchange) persistBalance(token, user common.Address, balance *big.Int) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveBalance(token, user, balance); err != nil {
		e.logger.Error("persist balance", zap.String("token", token.Hex()), zap.String("user", user.Hex()), zap.Error(err))
	}
}

func (e *Exchange) persistOrder(o *Order) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveOrder(o); err != nil {
		e.logger.Error("persist order", zap.Uint64("id", o.ID), zap.Error(err))
	}
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	return nil
}
