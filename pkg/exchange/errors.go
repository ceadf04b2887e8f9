package exchange

import "errors"

// Operation failures. Every precondition is checked before any state is
// touched, so a returned error always means the engine is unchanged.
// Callers discriminate with errors.Is.
var (
	// ErrInsufficientBalance: a ledger or external-asset balance is too low
	// for the requested effect.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTransferRejected: the external asset contract refused the transfer
	// (missing allowance, short external balance).
	ErrTransferRejected = errors.New("asset transfer rejected")

	// ErrOrderNotFound: unknown order id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrUnauthorized: caller is not the order's creator.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrOrderNotOpen: the order was already filled or cancelled. The two
	// cases are deliberately not distinguished here; read the order's status
	// if you need to know which.
	ErrOrderNotOpen = errors.New("order not open")

	// ErrInvalidAmount: zero or negative amount where a positive one is
	// required.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidAsset: zero-address or unregistered asset.
	ErrInvalidAsset = errors.New("invalid asset")

	// ErrInvalidParty: zero-address user or counterparty.
	ErrInvalidParty = errors.New("invalid party")
)
