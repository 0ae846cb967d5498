// account.go - PrivateAccount: a client-held shielded balance.
//
// The account's identity is split in two on purpose. LogicalID is stable and
// is the only key other components may hold; Address/Scalar rotate on every
// successful spend and are derived, time-varying attributes. Looking an
// account up by address is a bug: the reference dangles after the next spend.

package shield

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies how an account's balance may currently be used.
type Kind string

const (
	// KindCoin is a confirmed, spendable balance.
	KindCoin Kind = "coin"
	// KindMemo marks a balance awaiting confirmation; not yet safely spendable.
	KindMemo Kind = "memo"
	// KindCoinSettled marks a balance that just received settlement proceeds,
	// so its value may differ from what in-flight orders expect.
	KindCoinSettled Kind = "coin_settled"
)

// PrivateAccount is one shielded single-owner balance.
type PrivateAccount struct {
	LogicalID uuid.UUID `json:"logical_id"`
	Address   string    `json:"address"`
	Scalar    string    `json:"scalar"`
	Value     uint64    `json:"value"`
	OnChain   bool      `json:"is_on_chain"`
	Kind      Kind      `json:"kind"`
	Tag       string    `json:"tag"`
	CreatedAt time.Time `json:"created_at"`
}

// Spendable reports whether the account currently denotes a confirmed output
// that may be consumed.
func (a PrivateAccount) Spendable() bool {
	return a.OnChain && a.Kind != KindMemo && a.Value > 0
}
