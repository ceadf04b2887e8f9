package main

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/zenithdex/zenith/pkg/exchange"
	"github.com/zenithdex/zenith/pkg/token"
)

// Demo identities for the seeded devnet state.
var (
	seedDeployer = common.HexToAddress("0xDe9107e9000000000000000000000000000000a0")
	seedUser1    = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	seedUser2    = common.HexToAddress("0x0000000000000000000000000000000000000a02")
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), token.Unit())
}

// seed populates a fresh devnet with two funded users, a cancelled order, a
// filled trade, and a ladder of open orders, so the API has something to
// show immediately.
func seed(engine *exchange.Exchange, zth, meth *token.Token, logger *zap.Logger) error {
	// Distribute external holdings.
	if err := zth.Transfer(seedDeployer, seedUser1, units(100_000)); err != nil {
		return fmt.Errorf("fund user1: %w", err)
	}
	if err := meth.Transfer(seedDeployer, seedUser2, units(100_000)); err != nil {
		return fmt.Errorf("fund user2: %w", err)
	}

	// Approve and deposit into custody.
	if err := zth.Approve(seedUser1, engine.Address(), units(10_000)); err != nil {
		return err
	}
	if _, err := engine.Deposit(zth.Address(), seedUser1, units(10_000)); err != nil {
		return fmt.Errorf("deposit user1: %w", err)
	}
	if err := meth.Approve(seedUser2, engine.Address(), units(10_000)); err != nil {
		return err
	}
	if _, err := engine.Deposit(meth.Address(), seedUser2, units(10_000)); err != nil {
		return fmt.Errorf("deposit user2: %w", err)
	}

	// One cancelled order.
	id, err := engine.MakeOrder(seedUser1, meth.Address(), units(100), zth.Address(), units(5))
	if err != nil {
		return err
	}
	if err := engine.CancelOrder(id, seedUser1); err != nil {
		return err
	}

	// One filled trade.
	id, err = engine.MakeOrder(seedUser1, meth.Address(), units(100), zth.Address(), units(10))
	if err != nil {
		return err
	}
	if err := engine.FillOrder(id, seedUser2); err != nil {
		return err
	}

	// A ladder of open orders from each side.
	for i := int64(1); i <= 5; i++ {
		if _, err := engine.MakeOrder(seedUser1, meth.Address(), units(10*i), zth.Address(), units(10)); err != nil {
			return err
		}
		if _, err := engine.MakeOrder(seedUser2, zth.Address(), units(10), meth.Address(), units(10*i)); err != nil {
			return err
		}
	}

	logger.Info("seeded", zap.Uint64("orders", engine.OrdersCount()))
	return nil
}
