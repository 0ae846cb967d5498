// reconciler.go - Periodic remote-to-local state reconciliation.
//
// The relayer owns financial truth; the local repository is a cache. Each
// tick queries every open order, diffs the remote report against the cache,
// and applies all staged patches in one repository write. A tick where
// nothing differs performs zero writes. Terminal transitions additionally
// settle the owning account, archive the order, and fire the cleanup hook.

package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"shieldwallet/internal/order"
	"shieldwallet/internal/relayer"
	"shieldwallet/internal/shield"
	"shieldwallet/internal/store"
)

// Repository is the slice of the local store the reconciler drives.
type Repository interface {
	ListOpenOrders(ctx context.Context) ([]order.Order, error)
	ApplyPatches(ctx context.Context, patches []order.Patch) error
	PatchAccount(ctx context.Context, p store.AccountPatch) error
	AppendHistory(ctx context.Context, e store.HistoryEntry) error
	HistoryExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// RemoteSource answers signed per-order status queries.
type RemoteSource interface {
	QueryOrder(ctx context.Context, address string, orderID uuid.UUID, signature string) (relayer.OrderRecord, error)
}

// SettledHook runs after an order reaches SETTLED and its patch batch has
// committed. Hook failures are logged and do not fail the tick; cleanup is
// retryable from persisted state.
type SettledHook func(ctx context.Context, o order.Order, remote relayer.OrderRecord) error

// TickStats summarizes one completed reconciliation pass.
type TickStats struct {
	Open     int
	Patched  int
	Terminal int
	Duration time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithObserver registers a callback invoked after every successful pass,
// including passes that changed nothing. The daemon hangs its metrics off it.
func WithObserver(fn func(TickStats)) Option {
	return func(r *Reconciler) { r.observe = fn }
}

// Reconciler runs the periodic reconciliation loop.
type Reconciler struct {
	repo      Repository
	remote    RemoteSource
	sign      func(address string) (string, error)
	interval  time.Duration
	onSettled SettledHook
	observe   func(TickStats)
	log       *logrus.Entry
}

const (
	minInterval     = 3 * time.Second
	maxInterval     = 5 * time.Second
	defaultInterval = 4 * time.Second
)

// NewReconciler creates a reconciler ticking at interval, clamped to the
// 3s..5s range (zero selects the default).
func NewReconciler(repo Repository, remote RemoteSource, sign func(string) (string, error), interval time.Duration, hook SettledHook, log *logrus.Entry, opts ...Option) *Reconciler {
	switch {
	case interval == 0:
		interval = defaultInterval
	case interval < minInterval:
		interval = minInterval
	case interval > maxInterval:
		interval = maxInterval
	}
	r := &Reconciler{
		repo:      repo,
		remote:    remote,
		sign:      sign,
		interval:  interval,
		onSettled: hook,
		log:       log.WithField("component", "reconcile"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks until ctx is cancelled. Tick errors are logged, never fatal.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.WithField("interval", r.interval).Info("reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.log.WithError(err).Error("reconciliation tick failed")
			}
		}
	}
}

// terminalChange is a committed transition into a terminal state.
type terminalChange struct {
	local  order.Order
	remote relayer.OrderRecord
	status order.Status
}

// Tick runs one reconciliation pass: query every open order, stage typed
// patches for the differences, commit them in a single write, then handle
// the orders that just went terminal.
func (r *Reconciler) Tick(ctx context.Context) error {
	start := time.Now()
	stats, err := r.pass(ctx)
	if err != nil {
		return err
	}
	stats.Duration = time.Since(start)
	if r.observe != nil {
		r.observe(stats)
	}
	return nil
}

func (r *Reconciler) pass(ctx context.Context) (TickStats, error) {
	var stats TickStats
	orders, err := r.repo.ListOpenOrders(ctx)
	if err != nil {
		return stats, err
	}
	stats.Open = len(orders)
	if len(orders) == 0 {
		return stats, nil
	}

	var patches []order.Patch
	var terminal []terminalChange
	for _, o := range orders {
		sig, err := r.sign(o.AccountAddress)
		if err != nil {
			r.log.WithError(err).WithField("uuid", o.UUID).Warn("skipping order, signing failed")
			continue
		}
		rec, err := r.remote.QueryOrder(ctx, o.AccountAddress, o.UUID, sig)
		if err != nil {
			// One unreachable order must not block the rest of the batch.
			r.log.WithError(err).WithField("uuid", o.UUID).Warn("skipping order, remote query failed")
			continue
		}

		p := order.Diff(o, rec.Report())
		if p.Empty() {
			continue
		}
		patches = append(patches, p)
		if p.Status != nil && (*p.Status).Terminal() {
			terminal = append(terminal, terminalChange{local: o, remote: rec, status: *p.Status})
		}
	}

	stats.Patched = len(patches)
	stats.Terminal = len(terminal)
	if len(patches) == 0 {
		return stats, nil
	}
	if err := r.repo.ApplyPatches(ctx, patches); err != nil {
		return stats, err
	}
	r.log.WithFields(logrus.Fields{"patched": len(patches), "terminal": len(terminal)}).
		Debug("reconciliation pass applied")

	for _, tc := range terminal {
		r.finalize(ctx, tc)
	}
	return stats, nil
}

// finalize handles one order that just reached a terminal state: update the
// owning account, archive the order, and fire the settled hook. Each step is
// independently retryable on the next tick via the idempotent history append.
func (r *Reconciler) finalize(ctx context.Context, tc terminalChange) {
	log := r.log.WithFields(logrus.Fields{"uuid": tc.local.UUID, "status": tc.status})

	if tc.status == order.StatusSettled {
		kind := shield.KindCoinSettled
		value := tc.remote.SettledValue
		err := r.repo.PatchAccount(ctx, store.AccountPatch{
			LogicalID: tc.local.AccountID,
			Value:     &value,
			Kind:      &kind,
		})
		if err != nil {
			log.WithError(err).Error("failed to settle owning account")
		}
	}

	archived, err := r.repo.HistoryExists(ctx, tc.local.UUID)
	if err != nil {
		log.WithError(err).Error("failed to check history")
		return
	}
	if !archived {
		err := r.repo.AppendHistory(ctx, store.HistoryEntry{
			UUID:        tc.local.UUID,
			Variant:     tc.local.Variant,
			Status:      tc.status,
			TxHash:      tc.remote.TxHash,
			SettlePrice: tc.remote.SettlePrice,
			Failed:      tc.status == order.StatusError,
			ArchivedAt:  time.Now().UTC(),
		})
		if err != nil {
			log.WithError(err).Error("failed to archive order")
			return
		}
		log.Info("order archived")
	}

	if tc.status == order.StatusSettled && r.onSettled != nil {
		if err := r.onSettled(ctx, tc.local, tc.remote); err != nil {
			log.WithError(err).Error("settled hook failed")
		}
	}
}
