// order.go - Order model for trading and lending positions.
//
// Financial fields are owned by the remote relayer; the local copy is a
// cache, mutated only by reconciliation against remote truth. An order is
// referenced by its relayer-assigned uuid and owns one shielded account via
// the account's stable logical id (the account address is a snapshot taken at
// creation; addresses rotate and must not be used for lookups).

package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Variant distinguishes trade positions from lend deposits.
type Variant string

const (
	VariantTrade Variant = "trade"
	VariantLend  Variant = "lend"
)

// SettleMode selects how a settlement executes.
type SettleMode string

const (
	SettleMarket SettleMode = "market"
	SettleLimit  SettleMode = "limit"
)

// Order is one position or deposit tracked against an owning account.
type Order struct {
	UUID           uuid.UUID       `json:"uuid"`
	Variant        Variant         `json:"variant"`
	Status         Status          `json:"order_status"`
	AccountID      uuid.UUID       `json:"account_id"`
	AccountAddress string          `json:"account_address"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	SettlePrice    decimal.Decimal `json:"settlement_price"`
	Margin         uint64          `json:"margin"`
	PositionSize   decimal.Decimal `json:"position_size"`
	Fee            decimal.Decimal `json:"fee"`
	TxHash         string          `json:"tx_hash"`
	Output         string          `json:"output"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
