package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var hundred = big.NewInt(100)

// FeeConfig names the account that collects protocol fees and the percentage
// charged. Both are fixed at engine construction; there is no runtime fee
// schedule.
type FeeConfig struct {
	Account common.Address
	Percent uint64
}

// Fee computes the protocol fee on a fill: amountGet * percent / 100,
// truncated toward zero. Trades small enough to truncate to zero pay no fee;
// that matches the settlement arithmetic this engine replicates and must not
// be rounded up.
func Fee(amountGet *big.Int, percent uint64) *big.Int {
	fee := new(big.Int).Mul(amountGet, new(big.Int).SetUint64(percent))
	return fee.Div(fee, hundred)
}
