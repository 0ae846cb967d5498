// controller.go - Settlement and cancellation workflow for a single order.
//
// Every remote observation goes through the bounded poller: the relayer's
// acknowledgement of a submission and the on-chain confirmation of its effect
// are separate events, and only the second one is truth. A confirmation
// timeout is always safe to retry on the read side because nothing below
// rotates account state until a broadcast is confirmed.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"shieldwallet/internal/order"
	"shieldwallet/internal/poll"
	"shieldwallet/internal/relayer"
	"shieldwallet/internal/shield"
)

var (
	// ErrSettlementInFlight means a settlement for this uuid is already
	// running; nothing was submitted.
	ErrSettlementInFlight = errors.New("lifecycle: settlement already in flight")

	// ErrOrderNotFilled means the order is not in a settleable state.
	ErrOrderNotFilled = errors.New("lifecycle: order not in FILLED state")

	// ErrNotCancelable is the relayer's immediate verdict that the order can
	// no longer be cancelled. No polling happens after it.
	ErrNotCancelable = errors.New("lifecycle: order not cancelable")

	// ErrSubmissionRejected means the relayer refused the message outright.
	ErrSubmissionRejected = errors.New("lifecycle: submission rejected")

	// ErrConfirmationTimeout means polling exhausted its attempts without
	// observing the expected record. The submission may still confirm later;
	// retry the read side, never the send side.
	ErrConfirmationTimeout = errors.New("lifecycle: confirmation timeout")
)

// Relayer is the subset of the relayer API the controller drives.
type Relayer interface {
	SubmitSettle(ctx context.Context, req relayer.SettleRequest) (relayer.SubmitResponse, error)
	SubmitCancel(ctx context.Context, req relayer.CancelRequest) (relayer.SubmitResponse, error)
	QueryOrder(ctx context.Context, address string, orderID uuid.UUID, signature string) (relayer.OrderRecord, error)
	TransactionHistory(ctx context.Context, address string) ([]relayer.HistoryRecord, error)
}

// Controller drives settle/cancel/cleanup for orders.
type Controller struct {
	relayer Relayer
	guard   Guard

	backend shield.Backend
	outputs shield.OutputSource
	caster  shield.Broadcaster

	outputPoll  poll.Policy
	confirmPoll poll.Policy
	log         *logrus.Entry
}

// Option configures a Controller.
type Option func(*Controller)

// WithGuard replaces the default in-flight guard.
func WithGuard(g Guard) Option {
	return func(c *Controller) { c.guard = g }
}

// WithPolicies replaces the polling policies (output memo resolution and
// confirmation).
func WithPolicies(output, confirm poll.Policy) Option {
	return func(c *Controller) {
		c.outputPoll = output
		c.confirmPoll = confirm
	}
}

// NewController creates a controller. The shield capabilities are used by
// cleanup to create and drive transient accounts.
func NewController(r Relayer, backend shield.Backend, outputs shield.OutputSource, caster shield.Broadcaster, log *logrus.Entry, opts ...Option) *Controller {
	c := &Controller{
		relayer:     r,
		guard:       NewMapGuard(),
		backend:     backend,
		outputs:     outputs,
		caster:      caster,
		outputPoll:  poll.Policy{MaxAttempts: 30, Interval: time.Second},
		confirmPoll: poll.Policy{MaxAttempts: 30, Interval: time.Second},
		log:         log.WithField("component", "lifecycle.controller"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SettleResult is the outcome of a settlement: the authoritative remote state
// merged with the settlement transaction hash when one was observed.
type SettleResult struct {
	Remote relayer.OrderRecord
	TxHash string
}

// SettleOrder executes the settle flow for a FILLED order. At most one
// settlement per uuid runs at a time; re-entry while in flight fails without
// submitting anything.
func (c *Controller) SettleOrder(ctx context.Context, o order.Order, mode order.SettleMode, signature string, price decimal.Decimal) (SettleResult, error) {
	if !c.guard.TryAcquire(o.UUID) {
		return SettleResult{}, fmt.Errorf("%w: %s", ErrSettlementInFlight, o.UUID)
	}
	defer c.guard.Release(o.UUID)

	if o.Status != order.StatusFilled {
		return SettleResult{}, fmt.Errorf("%w: status %s", ErrOrderNotFilled, o.Status)
	}

	// Resolve the settlement output memo: cached if present, otherwise from
	// transaction history.
	output := o.Output
	if output == "" {
		rec, err := c.pollHistory(ctx, c.outputPoll, o.AccountAddress, func(r relayer.HistoryRecord) bool {
			return r.OrderID == o.UUID && r.Output != ""
		})
		if err != nil {
			return SettleResult{}, fmt.Errorf("resolving settlement output: %w", err)
		}
		output = rec.Output
	}

	resp, err := c.relayer.SubmitSettle(ctx, relayer.SettleRequest{
		OrderID:   o.UUID,
		Mode:      mode,
		Price:     price,
		Output:    output,
		Signature: signature,
	})
	if err != nil {
		return SettleResult{}, fmt.Errorf("submitting settle: %w", err)
	}
	if resp.Rejected {
		return SettleResult{}, fmt.Errorf("%w: %s", ErrSubmissionRejected, resp.Reason)
	}
	c.log.WithFields(logrus.Fields{"uuid": o.UUID, "mode": mode, "request_id": resp.RequestID}).
		Info("settle submitted")

	var txHash string
	if mode == order.SettleMarket {
		rec, err := c.pollHistory(ctx, c.confirmPoll, o.AccountAddress, func(r relayer.HistoryRecord) bool {
			return r.OrderID == o.UUID && r.Status == order.StatusSettled && !r.Failed && r.TxHash != ""
		})
		if err != nil {
			return SettleResult{}, fmt.Errorf("awaiting settlement confirmation: %w", err)
		}
		txHash = rec.TxHash
	}

	remote, err := c.relayer.QueryOrder(ctx, o.AccountAddress, o.UUID, signature)
	if err != nil {
		return SettleResult{}, fmt.Errorf("querying settled order: %w", err)
	}
	if txHash == "" {
		txHash = remote.TxHash
	}
	return SettleResult{Remote: remote, TxHash: txHash}, nil
}

// CancelOrder submits a cancel and waits for its confirmation. A relayer
// verdict of "not cancelable" fails immediately with zero polling.
func (c *Controller) CancelOrder(ctx context.Context, o order.Order, signature string) (SettleResult, error) {
	resp, err := c.relayer.SubmitCancel(ctx, relayer.CancelRequest{OrderID: o.UUID, Signature: signature})
	if err != nil {
		return SettleResult{}, fmt.Errorf("submitting cancel: %w", err)
	}
	if resp.Rejected {
		if resp.Reason == relayer.ReasonNotCancelable {
			return SettleResult{}, fmt.Errorf("%w: %s", ErrNotCancelable, o.UUID)
		}
		return SettleResult{}, fmt.Errorf("%w: %s", ErrSubmissionRejected, resp.Reason)
	}

	rec, err := c.pollHistory(ctx, c.confirmPoll, o.AccountAddress, func(r relayer.HistoryRecord) bool {
		return r.OrderID == o.UUID && r.Status == order.StatusCancelled && !r.Failed && r.TxHash != ""
	})
	if err != nil {
		return SettleResult{}, fmt.Errorf("awaiting cancel confirmation: %w", err)
	}

	remote, err := c.relayer.QueryOrder(ctx, o.AccountAddress, o.UUID, signature)
	if err != nil {
		return SettleResult{}, fmt.Errorf("querying cancelled order: %w", err)
	}
	return SettleResult{Remote: remote, TxHash: rec.TxHash}, nil
}

// CleanupResult reports the two transactions of a completed cleanup.
type CleanupResult struct {
	TransferTxID string
	BridgeTxHash string
}

// CleanupSettledAccount folds a settled sub-account's remaining value back
// into a persistent public destination: spend the full balance into a
// transient identity, then burn the transient output across the bridge.
//
// Each step commits independently; a failure leaves account state reflecting
// exactly what succeeded, and cleanup can be retried from there.
func (c *Controller) CleanupSettledAccount(ctx context.Context, mgr *shield.Manager, o order.Order, signature, destAddress string) (CleanupResult, error) {
	balance := mgr.Account().Value
	if balance == 0 {
		return CleanupResult{}, nil
	}

	transient, err := shield.New(ctx, signature, "cleanup-transient", c.backend, c.outputs, c.caster, c.log)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("creating transient identity: %w", err)
	}

	spend, err := mgr.PrivateTxSingle(ctx, balance, transient.Account().Address, nil)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("folding sub-account balance: %w", err)
	}

	resumed, err := shield.Resume(ctx, signature, transient.Account(), c.backend, c.outputs, c.caster, c.log)
	if err != nil {
		return CleanupResult{TransferTxID: spend.TxID}, fmt.Errorf("resuming transient identity: %w", err)
	}
	bridgeHash, err := resumed.Burn(ctx, destAddress)
	if err != nil {
		return CleanupResult{TransferTxID: spend.TxID}, fmt.Errorf("bridging to public chain: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"uuid":     o.UUID,
		"transfer": spend.TxID,
		"bridge":   bridgeHash,
		"dest":     destAddress,
		"amount":   balance,
	}).Info("settled account cleaned up")
	return CleanupResult{TransferTxID: spend.TxID, BridgeTxHash: bridgeHash}, nil
}

// pollHistory polls transaction history until a record matching pred appears.
func (c *Controller) pollHistory(ctx context.Context, policy poll.Policy, address string, pred func(relayer.HistoryRecord) bool) (relayer.HistoryRecord, error) {
	recs, err := poll.Retry(ctx, policy,
		func(ctx context.Context) ([]relayer.HistoryRecord, error) {
			return c.relayer.TransactionHistory(ctx, address)
		},
		func(recs []relayer.HistoryRecord) bool {
			_, ok := findRecord(recs, pred)
			return ok
		},
	)
	if err != nil {
		if errors.Is(err, poll.ErrExhausted) {
			return relayer.HistoryRecord{}, fmt.Errorf("%w: %v", ErrConfirmationTimeout, err)
		}
		return relayer.HistoryRecord{}, err
	}
	rec, _ := findRecord(recs, pred)
	return rec, nil
}

func findRecord(recs []relayer.HistoryRecord, pred func(relayer.HistoryRecord) bool) (relayer.HistoryRecord, bool) {
	for _, r := range recs {
		if pred(r) {
			return r, true
		}
	}
	return relayer.HistoryRecord{}, false
}
