// types.go - Wire shapes consumed from and produced for the relayer.
//
// The relayer owns all financial truth; these records are what the core
// caches. History records carry a structured Failed flag, which is the only
// failure signal polling predicates may use.

package relayer

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"shieldwallet/internal/order"
)

// SettleRequest is the signed execute-settle message.
type SettleRequest struct {
	OrderID   uuid.UUID        `json:"order_id"`
	Mode      order.SettleMode `json:"mode"`
	Price     decimal.Decimal  `json:"price"`
	Output    string           `json:"output"`
	Signature string           `json:"signature"`
}

// CancelRequest is the signed cancel message.
type CancelRequest struct {
	OrderID   uuid.UUID `json:"order_id"`
	Signature string    `json:"signature"`
}

// SubmitResponse is the relayer's immediate answer to a submission. Rejected
// submissions never enter the relayer's pipeline and must not be polled for.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
	Rejected  bool   `json:"rejected"`
	Reason    string `json:"reason,omitempty"`
}

// ReasonNotCancelable is the rejection reason for cancel requests against
// orders that already progressed past PENDING.
const ReasonNotCancelable = "not_cancelable"

// OrderRecord is the full authoritative order state.
type OrderRecord struct {
	OrderID      uuid.UUID       `json:"order_id"`
	Variant      order.Variant   `json:"variant"`
	Status       order.Status    `json:"order_status"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	SettlePrice  decimal.Decimal `json:"settlement_price"`
	Margin       uint64          `json:"margin"`
	PositionSize decimal.Decimal `json:"position_size"`
	Fee          decimal.Decimal `json:"fee"`
	SettledValue uint64          `json:"settled_value"`
	TxHash       string          `json:"tx_hash"`
	Output       string          `json:"output"`
}

// Report converts the record into the reconciler's typed report.
func (r OrderRecord) Report() order.Report {
	return order.Report{
		Status:       r.Status,
		EntryPrice:   r.EntryPrice,
		SettlePrice:  r.SettlePrice,
		Margin:       r.Margin,
		PositionSize: r.PositionSize,
		Fee:          r.Fee,
		TxHash:       r.TxHash,
		Output:       r.Output,
	}
}

// HistoryRecord is one transaction-history entry for an address.
type HistoryRecord struct {
	OrderID uuid.UUID    `json:"order_id"`
	Status  order.Status `json:"order_status"`
	TxHash  string       `json:"tx_hash"`
	Output  string       `json:"output"`
	Failed  bool         `json:"failed"`
}
