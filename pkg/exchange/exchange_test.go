package exchange_test

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zenithdex/zenith/pkg/exchange"
	"github.com/zenithdex/zenith/pkg/token"
	"github.com/zenithdex/zenith/pkg/util"
)

var (
	deployer   = common.HexToAddress("0xD000000000000000000000000000000000000000")
	feeAccount = common.HexToAddress("0xFe00000000000000000000000000000000000000")
	user1      = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	user2      = common.HexToAddress("0xBB00000000000000000000000000000000000000")
)

// tokens converts whole tokens into the 18-decimal integer representation.
func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), token.Unit())
}

// newTestExchange builds an engine with feePercent=10, a pebble store in a
// temp dir, two registered tokens, and user1 funded with 100 ZTH externally.
func newTestExchange(t *testing.T) (*exchange.Exchange, *token.Token, *token.Token) {
	t.Helper()

	store, err := exchange.OpenStore(t.TempDir() + "/exchange.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	e, err := exchange.New(exchange.Config{
		FeeAccount: feeAccount,
		FeePercent: 10,
		Store:      store,
		Clock:      util.FixedClock{T: time.Unix(1_700_000_000, 0)},
	})
	if err != nil {
		t.Fatalf("create exchange: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	zth := token.New("ZENITH", "ZTH", 1_000_000, deployer)
	mdai := token.New("Mock DAI", "mDAI", 1_000_000, deployer)
	e.RegisterToken(zth)
	e.RegisterToken(mdai)

	if err := zth.Transfer(deployer, user1, tokens(100)); err != nil {
		t.Fatalf("fund user1: %v", err)
	}

	return e, zth, mdai
}

// approveAndDeposit funds the user's custody balance via the full
// approve-then-pull path.
func approveAndDeposit(t *testing.T, e *exchange.Exchange, tok *token.Token, user common.Address, amount *big.Int) {
	t.Helper()
	if err := tok.Approve(user, e.Address(), amount); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := e.Deposit(tok.Address(), user, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestDepositTracksBalance(t *testing.T) {
	e, zth, _ := newTestExchange(t)

	if err := zth.Approve(user1, e.Address(), tokens(10)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	balance, err := e.Deposit(zth.Address(), user1, tokens(10))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if balance.Cmp(tokens(10)) != 0 {
		t.Errorf("returned balance = %s, want %s", balance, tokens(10))
	}
	if got := e.BalanceOf(zth.Address(), user1); got.Cmp(tokens(10)) != 0 {
		t.Errorf("BalanceOf = %s, want %s", got, tokens(10))
	}
	// The tokens moved into the engine's custody account.
	if got := zth.BalanceOf(e.Address()); got.Cmp(tokens(10)) != 0 {
		t.Errorf("custody holdings = %s, want %s", got, tokens(10))
	}

	events := e.Log().Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev, ok := events[0].Data.(exchange.DepositEvent)
	if !ok || events[0].Type != exchange.EventDeposit {
		t.Fatalf("expected Deposit event, got %v", events[0])
	}
	if ev.Token != zth.Address() || ev.User != user1 {
		t.Errorf("wrong event parties: %+v", ev)
	}
	if ev.Amount.Cmp(tokens(10)) != 0 || ev.Balance.Cmp(tokens(10)) != 0 {
		t.Errorf("wrong event amounts: %+v", ev)
	}
}

func TestDepositWithoutApprovalFails(t *testing.T) {
	e, zth, _ := newTestExchange(t)

	_, err := e.Deposit(zth.Address(), user1, tokens(10))
	if !errors.Is(err, exchange.ErrTransferRejected) {
		t.Fatalf("expected ErrTransferRejected, got %v", err)
	}
	if got := e.BalanceOf(zth.Address(), user1); got.Sign() != 0 {
		t.Errorf("balance mutated on failed deposit: %s", got)
	}
	if e.Log().Len() != 0 {
		t.Errorf("event appended on failed deposit")
	}
}

func TestDepositValidation(t *testing.T) {
	e, zth, _ := newTestExchange(t)

	if _, err := e.Deposit(zth.Address(), user1, big.NewInt(0)); !errors.Is(err, exchange.ErrInvalidAmount) {
		t.Errorf("zero amount: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := e.Deposit(zth.Address(), user1, big.NewInt(-1)); !errors.Is(err, exchange.ErrInvalidAmount) {
		t.Errorf("negative amount: expected ErrInvalidAmount, got %v", err)
	}
	unknown := common.HexToAddress("0x1234000000000000000000000000000000000000")
	if _, err := e.Deposit(unknown, user1, tokens(1)); !errors.Is(err, exchange.ErrInvalidAsset) {
		t.Errorf("unregistered asset: expected ErrInvalidAsset, got %v", err)
	}
	if _, err := e.Deposit(zth.Address(), common.Address{}, tokens(1)); !errors.Is(err, exchange.ErrInvalidParty) {
		t.Errorf("zero user: expected ErrInvalidParty, got %v", err)
	}
}

// Scenario: deposit 10, withdraw 10, second withdraw rejected.
func TestWithdrawLifecycle(t *testing.T) {
	e, zth, _ := newTestExchange(t)
	approveAndDeposit(t, e, zth, user1, tokens(10))

	balance, err := e.Withdraw(zth.Address(), user1, tokens(10))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if balance.Sign() != 0 {
		t.Errorf("balance after withdraw = %s, want 0", balance)
	}
	if got := zth.BalanceOf(user1); got.Cmp(tokens(100)) != 0 {
		t.Errorf("external balance = %s, want %s", got, tokens(100))
	}
	if got := zth.BalanceOf(e.Address()); got.Sign() != 0 {
		t.Errorf("custody holdings = %s, want 0", got)
	}

	_, err = e.Withdraw(zth.Address(), user1, tokens(10))
	if !errors.Is(err, exchange.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	events := e.Log().Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Type != exchange.EventWithdraw {
		t.Errorf("expected Withdraw event, got %s", events[1].Type)
	}
}

// rejectingAsset refuses every outbound transfer, to exercise the withdraw
// rollback path.
type rejectingAsset struct {
	*token.Token
}

func (a rejectingAsset) Transfer(from, to common.Address, amount *big.Int) error {
	return fmt.Errorf("transfer disabled")
}

func TestWithdrawRollsBackOnRejectedTransfer(t *testing.T) {
	e, _, _ := newTestExchange(t)

	bad := rejectingAsset{token.New("Broken", "BRK", 1_000_000, deployer)}
	e.RegisterToken(bad)
	if err := bad.Token.Transfer(deployer, user1, tokens(50)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	approveAndDeposit(t, e, bad.Token, user1, tokens(50))

	// Deposit pulls through TransferFrom and succeeds; the outbound push is
	// what the wrapper rejects.
	_, err := e.Withdraw(bad.Address(), user1, tokens(20))
	if !errors.Is(err, exchange.ErrTransferRejected) {
		t.Fatalf("expected ErrTransferRejected, got %v", err)
	}
	if got := e.BalanceOf(bad.Address(), user1); got.Cmp(tokens(50)) != 0 {
		t.Errorf("balance = %s after failed withdraw, want %s (rolled back)", got, tokens(50))
	}
	if e.Log().Len() != 1 {
		t.Errorf("expected only the deposit event, got %d events", e.Log().Len())
	}
}

func TestMakeOrder(t *testing.T) {
	e, zth, mdai := newTestExchange(t)
	approveAndDeposit(t, e, zth, user1, tokens(1))

	id, err := e.MakeOrder(user1, mdai.Address(), tokens(1), zth.Address(), tokens(1))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}
	if id != 1 {
		t.Errorf("first order id = %d, want 1", id)
	}

	o, err := e.Order(id)
	if err != nil {
		t.Fatalf("read order: %v", err)
	}
	if o.Status != exchange.OrderOpen {
		t.Errorf("status = %s, want open", o.Status)
	}
	if o.User != user1 || o.TokenGet != mdai.Address() || o.TokenGive != zth.Address() {
		t.Errorf("wrong order fields: %+v", o)
	}

	// Creation does not move funds.
	if got := e.BalanceOf(zth.Address(), user1); got.Cmp(tokens(1)) != 0 {
		t.Errorf("balance moved at creation: %s", got)
	}
}

// Scenario: a user with nothing in custody cannot place an order.
func TestMakeOrderWithoutFunds(t *testing.T) {
	e, zth, mdai := newTestExchange(t)

	_, err := e.MakeOrder(user2, mdai.Address(), tokens(1), zth.Address(), tokens(1))
	if !errors.Is(err, exchange.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if e.OrdersCount() != 0 {
		t.Errorf("OrdersCount = %d after rejected make, want 0", e.OrdersCount())
	}
	if e.Log().Len() != 0 {
		t.Errorf("event appended for rejected order")
	}
}

func TestOrderIDsAreSequential(t *testing.T) {
	e, zth, mdai := newTestExchange(t)
	approveAndDeposit(t, e, zth, user1, tokens(10))

	for want := uint64(1); want <= 5; want++ {
		id, err := e.MakeOrder(user1, mdai.Address(), tokens(1), zth.Address(), tokens(1))
		if err != nil {
			t.Fatalf("make order %d: %v", want, err)
		}
		if id != want {
			t.Errorf("order id = %d, want %d", id, want)
		}
	}
	if e.OrdersCount() != 5 {
		t.Errorf("OrdersCount = %d, want 5", e.OrdersCount())
	}
}

// Scenario: create, cancel by creator, then a fill attempt must fail.
func TestCancelOrder(t *testing.T) {
	e, zth, mdai := newTestExchange(t)
	approveAndDeposit(t, e, zth, user1, tokens(1))

	id, err := e.MakeOrder(user1, mdai.Address(), tokens(1), zth.Address(), tokens(1))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}

	if err := e.CancelOrder(id, user2); !errors.Is(err, exchange.ErrUnauthorized) {
		t.Errorf("foreign cancel: expected ErrUnauthorized, got %v", err)
	}
	if err := e.CancelOrder(99, user1); !errors.Is(err, exchange.ErrOrderNotFound) {
		t.Errorf("unknown id: expected ErrOrderNotFound, got %v", err)
	}

	if err := e.CancelOrder(id, user1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !e.OrderCancelled(id) {
		t.Error("order not marked cancelled")
	}

	if err := e.CancelOrder(id, user1); !errors.Is(err, exchange.ErrOrderNotOpen) {
		t.Errorf("double cancel: expected ErrOrderNotOpen, got %v", err)
	}
	if err := e.FillOrder(id, user2); !errors.Is(err, exchange.ErrOrderNotOpen) {
		t.Errorf("fill after cancel: expected ErrOrderNotOpen, got %v", err)
	}
}

// Scenario: user1 offers 1 ZTH for 1 mDAI; user2 deposits 2 mDAI and fills
// with feePercent=10. Final: user1 ZTH=0 mDAI=1, user2 ZTH=1 mDAI=0.9,
// feeAccount mDAI=0.1.
func TestFillOrderSettlement(t *testing.T) {
	e, zth, mdai := newTestExchange(t)
	approveAndDeposit(t, e, zth, user1, tokens(1))

	if err := mdai.Transfer(deployer, user2, tokens(2)); err != nil {
		t.Fatalf("fund user2: %v", err)
	}
	approveAndDeposit(t, e, mdai, user2, tokens(2))

	id, err := e.MakeOrder(user1, mdai.Address(), tokens(1), zth.Address(), tokens(1))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}
	if err := e.FillOrder(id, user2); err != nil {
		t.Fatalf("fill order: %v", err)
	}

	tenth := new(big.Int).Div(tokens(1), big.NewInt(10)) // 0.1

	checks := []struct {
		name  string
		token common.Address
		user  common.Address
		want  *big.Int
	}{
		{"user1 ZTH", zth.Address(), user1, big.NewInt(0)},
		{"user1 mDAI", mdai.Address(), user1, tokens(1)},
		{"user2 ZTH", zth.Address(), user2, tokens(1)},
		{"user2 mDAI", mdai.Address(), user2, new(big.Int).Sub(tokens(1), tenth)}, // 0.9
		{"feeAccount mDAI", mdai.Address(), feeAccount, tenth},
	}
	for _, c := range checks {
		if got := e.BalanceOf(c.token, c.user); got.Cmp(c.want) != 0 {
			t.Errorf("%s = %s, want %s", c.name, got, c.want)
		}
	}

	if !e.OrderFilled(id) {
		t.Error("order not marked filled")
	}
	if err := e.FillOrder(id, user2); !errors.Is(err, exchange.ErrOrderNotOpen) {
		t.Errorf("double fill: expected ErrOrderNotOpen, got %v", err)
	}

	events := e.Log().Events()
	last := events[len(events)-1]
	trade, ok := last.Data.(exchange.TradeEvent)
	if !ok || last.Type != exchange.EventTrade {
		t.Fatalf("expected Trade event, got %v", last)
	}
	if trade.ID != id || trade.User != user2 || trade.Creator != user1 {
		t.Errorf("wrong trade parties: %+v", trade)
	}
	if trade.AmountGet.Cmp(tokens(1)) != 0 || trade.AmountGive.Cmp(tokens(1)) != 0 {
		t.Errorf("wrong trade amounts: %+v", trade)
	}
}

func TestFillOrderFillerCannotCover(t *testing.T) {
	e, zth, mdai := newTestExchange(t)
	approveAndDeposit(t, e, zth, user1, tokens(1))

	// user2 has exactly amountGet but not the fee on top.
	if err := mdai.Transfer(deployer, user2, tokens(1)); err != nil {
		t.Fatalf("fund user2: %v", err)
	}
	approveAndDeposit(t, e, mdai, user2, tokens(1))

	id, err := e.MakeOrder(user1, mdai.Address(), tokens(1), zth.Address(), tokens(1))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}

	if err := e.FillOrder(id, user2); !errors.Is(err, exchange.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// No partial effect: everything as before the attempt.
	if got := e.BalanceOf(mdai.Address(), user2); got.Cmp(tokens(1)) != 0 {
		t.Errorf("filler balance touched: %s", got)
	}
	if got := e.BalanceOf(zth.Address(), user1); got.Cmp(tokens(1)) != 0 {
		t.Errorf("creator balance touched: %s", got)
	}
	if got := e.BalanceOf(mdai.Address(), feeAccount); got.Sign() != 0 {
		t.Errorf("fee account credited on failed fill: %s", got)
	}
	o, _ := e.Order(id)
	if o.Status != exchange.OrderOpen {
		t.Errorf("status = %s after failed fill, want open", o.Status)
	}
}

// Offered funds are checked at creation but not reserved: if the creator
// withdraws them, the fill must be rejected instead of going negative.
func TestFillOrderCreatorWithdrewFunds(t *testing.T) {
	e, zth, mdai := newTestExchange(t)
	approveAndDeposit(t, e, zth, user1, tokens(1))

	if err := mdai.Transfer(deployer, user2, tokens(2)); err != nil {
		t.Fatalf("fund user2: %v", err)
	}
	approveAndDeposit(t, e, mdai, user2, tokens(2))

	id, err := e.MakeOrder(user1, mdai.Address(), tokens(1), zth.Address(), tokens(1))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}

	if _, err := e.Withdraw(zth.Address(), user1, tokens(1)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if err := e.FillOrder(id, user2); !errors.Is(err, exchange.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := e.BalanceOf(mdai.Address(), user2); got.Cmp(tokens(2)) != 0 {
		t.Errorf("filler balance touched: %s", got)
	}
	o, _ := e.Order(id)
	if o.Status != exchange.OrderOpen {
		t.Errorf("status = %s, want open (order stays fillable if refunded)", o.Status)
	}
}

// A creator may fill their own order, and both sides of an order may name
// the same token. The settlement legs then overlap on one balance entry and
// must settle against each other, never against a stale snapshot.
func TestFillOrderSelfFillSameToken(t *testing.T) {
	e, zth, _ := newTestExchange(t)
	approveAndDeposit(t, e, zth, user1, tokens(12))

	id, err := e.MakeOrder(user1, zth.Address(), tokens(10), zth.Address(), tokens(11))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}
	if err := e.FillOrder(id, user1); err != nil {
		t.Fatalf("self fill: %v", err)
	}

	// The legs cancel out except for the 1 ZTH fee.
	if got := e.BalanceOf(zth.Address(), user1); got.Cmp(tokens(11)) != 0 {
		t.Errorf("user1 balance = %s, want %s", got, tokens(11))
	}
	if got := e.BalanceOf(zth.Address(), feeAccount); got.Cmp(tokens(1)) != 0 {
		t.Errorf("fee account balance = %s, want %s", got, tokens(1))
	}
	if got := e.TotalCustodied(zth.Address()); got.Cmp(tokens(12)) != 0 {
		t.Errorf("total custodied = %s, want %s", got, tokens(12))
	}
	if !e.OrderFilled(id) {
		t.Error("order not marked filled")
	}
}

// Overlapping legs can come up short partway through settlement even when
// both pre-checks pass against the starting balances. The whole fill must
// then be rejected with nothing mutated.
func TestFillOrderSelfFillSameTokenShortfall(t *testing.T) {
	e, zth, _ := newTestExchange(t)
	approveAndDeposit(t, e, zth, user1, tokens(11))

	// cost is 11 (10 + 1 fee) and the give side needs another 11 from an
	// intermediate balance of 10.
	id, err := e.MakeOrder(user1, zth.Address(), tokens(10), zth.Address(), tokens(11))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}
	if err := e.FillOrder(id, user1); !errors.Is(err, exchange.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if got := e.BalanceOf(zth.Address(), user1); got.Cmp(tokens(11)) != 0 {
		t.Errorf("user1 balance touched: %s", got)
	}
	if got := e.BalanceOf(zth.Address(), feeAccount); got.Sign() != 0 {
		t.Errorf("fee account credited on failed fill: %s", got)
	}
	if got := e.TotalCustodied(zth.Address()); got.Cmp(tokens(11)) != 0 {
		t.Errorf("total custodied = %s, want %s", got, tokens(11))
	}
	o, _ := e.Order(id)
	if o.Status != exchange.OrderOpen {
		t.Errorf("status = %s after failed fill, want open", o.Status)
	}
}

// Conservation: for every token, the sum of custody balances equals net
// deposits minus net withdrawals, across deposits, withdrawals and fills.
func TestConservation(t *testing.T) {
	e, zth, mdai := newTestExchange(t)

	if err := mdai.Transfer(deployer, user2, tokens(50)); err != nil {
		t.Fatalf("fund user2: %v", err)
	}

	approveAndDeposit(t, e, zth, user1, tokens(40))
	approveAndDeposit(t, e, mdai, user2, tokens(50))

	if _, err := e.Withdraw(zth.Address(), user1, tokens(5)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	id, err := e.MakeOrder(user1, mdai.Address(), tokens(10), zth.Address(), tokens(20))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}
	if err := e.FillOrder(id, user2); err != nil {
		t.Fatalf("fill: %v", err)
	}

	// ZTH: 40 in, 5 out. mDAI: 50 in, 0 out. Fills only move value between
	// custody entries.
	if got := e.TotalCustodied(zth.Address()); got.Cmp(tokens(35)) != 0 {
		t.Errorf("ZTH custodied = %s, want %s", got, tokens(35))
	}
	if got := e.TotalCustodied(mdai.Address()); got.Cmp(tokens(50)) != 0 {
		t.Errorf("mDAI custodied = %s, want %s", got, tokens(50))
	}

	// The engine's external holdings match what it says it custodies.
	if got := zth.BalanceOf(e.Address()); got.Cmp(tokens(35)) != 0 {
		t.Errorf("external ZTH custody = %s, want %s", got, tokens(35))
	}
	if got := mdai.BalanceOf(e.Address()); got.Cmp(tokens(50)) != 0 {
		t.Errorf("external mDAI custody = %s, want %s", got, tokens(50))
	}
}

func TestEventSequenceIsGapless(t *testing.T) {
	e, zth, mdai := newTestExchange(t)
	approveAndDeposit(t, e, zth, user1, tokens(10))

	for i := 0; i < 3; i++ {
		if _, err := e.MakeOrder(user1, mdai.Address(), tokens(1), zth.Address(), tokens(1)); err != nil {
			t.Fatalf("make order: %v", err)
		}
	}
	if err := e.CancelOrder(1, user1); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	events := e.Log().Events()
	for i, ev := range events {
		if ev.Seq != uint64(i)+1 {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}
}

func TestOpenOrdersView(t *testing.T) {
	e, zth, mdai := newTestExchange(t)
	approveAndDeposit(t, e, zth, user1, tokens(10))

	for i := 0; i < 3; i++ {
		if _, err := e.MakeOrder(user1, mdai.Address(), tokens(1), zth.Address(), tokens(1)); err != nil {
			t.Fatalf("make order: %v", err)
		}
	}
	if err := e.CancelOrder(2, user1); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	open := e.OpenOrders()
	if len(open) != 2 {
		t.Fatalf("open orders = %d, want 2", len(open))
	}
	if open[0].ID != 1 || open[1].ID != 3 {
		t.Errorf("open order ids = %d, %d, want 1, 3", open[0].ID, open[1].ID)
	}
	if got := len(e.UserOrders(user1)); got != 3 {
		t.Errorf("user orders = %d, want 3", got)
	}
}

func TestStateHashDeterminism(t *testing.T) {
	run := func(t *testing.T) common.Hash {
		e, zth, mdai := newTestExchange(t)
		approveAndDeposit(t, e, zth, user1, tokens(10))
		if _, err := e.MakeOrder(user1, mdai.Address(), tokens(1), zth.Address(), tokens(2)); err != nil {
			t.Fatalf("make order: %v", err)
		}
		return e.StateHash()
	}

	h1, h2 := run(t), run(t)
	if h1 != h2 {
		t.Errorf("same operations produced different state hashes: %s vs %s", h1, h2)
	}

	e, _, _ := newTestExchange(t)
	if e.StateHash() == h1 {
		t.Error("empty engine hash equals populated engine hash")
	}
}
