// errors.go - Error taxonomy for shielded account operations.

package shield

import "errors"

var (
	// ErrInsufficientFunds is returned before any network call when a spend
	// exceeds the account's current value.
	ErrInsufficientFunds = errors.New("shield: insufficient funds")

	// ErrOutputNotFound means the account has no live spendable output on
	// chain for its current address.
	ErrOutputNotFound = errors.New("shield: no spendable output for address")

	// ErrNotOnChain means the operation requires a confirmed on-chain output
	// and the account does not currently have one.
	ErrNotOnChain = errors.New("shield: account not on chain")

	// ErrBroadcastFailed wraps any failure to broadcast a signed message.
	// Local account state is never mutated when it is returned.
	ErrBroadcastFailed = errors.New("shield: broadcast failed")

	// ErrDoubleSpend means a transfer tried to consume an output whose serial
	// number is already published.
	ErrDoubleSpend = errors.New("shield: output already spent")
)
