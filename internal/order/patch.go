// patch.go - Typed patches from remote truth to the local order cache.
//
// Remote-to-local reconciliation goes through an explicit Patch produced by
// field-by-field comparison, so a renamed or missing remote field is a
// compile error here rather than a silent no-op. One Patch per order; the
// repository applies a batch of patches in a single write.

package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Report carries the remote-owned fields of an order as returned by a signed
// status query.
type Report struct {
	Status       Status
	EntryPrice   decimal.Decimal
	SettlePrice  decimal.Decimal
	Margin       uint64
	PositionSize decimal.Decimal
	Fee          decimal.Decimal
	TxHash       string
	Output       string
}

// Patch is the set of local fields a reconciliation pass will overwrite.
// Nil means "leave unchanged".
type Patch struct {
	UUID         uuid.UUID
	Status       *Status
	EntryPrice   *decimal.Decimal
	SettlePrice  *decimal.Decimal
	Margin       *uint64
	PositionSize *decimal.Decimal
	Fee          *decimal.Decimal
	TxHash       *string
	Output       *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.EntryPrice == nil && p.SettlePrice == nil &&
		p.Margin == nil && p.PositionSize == nil && p.Fee == nil &&
		p.TxHash == nil && p.Output == nil
}

// Diff compares the local cache against a remote report and stages a patch
// for every differing field. Status is only staged when the transition is a
// legal forward move; a stale (less advanced) remote status is dropped.
func Diff(local Order, remote Report) Patch {
	p := Patch{UUID: local.UUID}
	if remote.Status != local.Status && CanTransition(local.Status, remote.Status) {
		s := remote.Status
		p.Status = &s
	}
	if !remote.EntryPrice.Equal(local.EntryPrice) {
		v := remote.EntryPrice
		p.EntryPrice = &v
	}
	if !remote.SettlePrice.Equal(local.SettlePrice) {
		v := remote.SettlePrice
		p.SettlePrice = &v
	}
	if remote.Margin != local.Margin {
		v := remote.Margin
		p.Margin = &v
	}
	if !remote.PositionSize.Equal(local.PositionSize) {
		v := remote.PositionSize
		p.PositionSize = &v
	}
	if !remote.Fee.Equal(local.Fee) {
		v := remote.Fee
		p.Fee = &v
	}
	if remote.TxHash != "" && remote.TxHash != local.TxHash {
		v := remote.TxHash
		p.TxHash = &v
	}
	if remote.Output != "" && remote.Output != local.Output {
		v := remote.Output
		p.Output = &v
	}
	return p
}

// Apply overwrites the order's fields with the patch. Last applied patch wins;
// there is no merging beyond the nil checks.
func Apply(o *Order, p Patch) {
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.EntryPrice != nil {
		o.EntryPrice = *p.EntryPrice
	}
	if p.SettlePrice != nil {
		o.SettlePrice = *p.SettlePrice
	}
	if p.Margin != nil {
		o.Margin = *p.Margin
	}
	if p.PositionSize != nil {
		o.PositionSize = *p.PositionSize
	}
	if p.Fee != nil {
		o.Fee = *p.Fee
	}
	if p.TxHash != nil {
		o.TxHash = *p.TxHash
	}
	if p.Output != nil {
		o.Output = *p.Output
	}
	o.UpdatedAt = time.Now().UTC()
}
