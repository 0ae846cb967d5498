package reconcile

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"shieldwallet/internal/order"
	"shieldwallet/internal/relayer"
	"shieldwallet/internal/shield"
	"shieldwallet/internal/store"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func noSign(address string) (string, error) { return "sig-" + address, nil }

type fakeRepo struct {
	mu         sync.Mutex
	open       []order.Order
	applyCalls int
	applied    [][]order.Patch
	acctPatch  []store.AccountPatch
	history    map[uuid.UUID]store.HistoryEntry
}

func newFakeRepo(open ...order.Order) *fakeRepo {
	return &fakeRepo{open: open, history: make(map[uuid.UUID]store.HistoryEntry)}
}

func (f *fakeRepo) ListOpenOrders(ctx context.Context) ([]order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]order.Order(nil), f.open...), nil
}

func (f *fakeRepo) ApplyPatches(ctx context.Context, patches []order.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++
	f.applied = append(f.applied, patches)
	return nil
}

func (f *fakeRepo) PatchAccount(ctx context.Context, p store.AccountPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acctPatch = append(f.acctPatch, p)
	return nil
}

func (f *fakeRepo) AppendHistory(ctx context.Context, e store.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.history[e.UUID]; ok {
		return nil
	}
	f.history[e.UUID] = e
	return nil
}

func (f *fakeRepo) HistoryExists(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.history[id]
	return ok, nil
}

type fakeRemote struct {
	records map[uuid.UUID]relayer.OrderRecord
	errs    map[uuid.UUID]error
	queries int
}

func (f *fakeRemote) QueryOrder(ctx context.Context, address string, orderID uuid.UUID, signature string) (relayer.OrderRecord, error) {
	f.queries++
	if err := f.errs[orderID]; err != nil {
		return relayer.OrderRecord{}, err
	}
	return f.records[orderID], nil
}

func openOrder(status order.Status) order.Order {
	return order.Order{
		UUID:           uuid.New(),
		Variant:        order.VariantTrade,
		Status:         status,
		AccountID:      uuid.New(),
		AccountAddress: "addr-1",
		EntryPrice:     decimal.NewFromInt(100),
		Margin:         5000,
	}
}

// matchingRecord mirrors the local order so Diff stages nothing.
func matchingRecord(o order.Order) relayer.OrderRecord {
	return relayer.OrderRecord{
		OrderID:      o.UUID,
		Variant:      o.Variant,
		Status:       o.Status,
		EntryPrice:   o.EntryPrice,
		SettlePrice:  o.SettlePrice,
		Margin:       o.Margin,
		PositionSize: o.PositionSize,
		Fee:          o.Fee,
	}
}

func TestTick_NoDiffPerformsZeroWrites(t *testing.T) {
	o := openOrder(order.StatusFilled)
	repo := newFakeRepo(o)
	remote := &fakeRemote{records: map[uuid.UUID]relayer.OrderRecord{o.UUID: matchingRecord(o)}}
	r := NewReconciler(repo, remote, noSign, 0, nil, testLog())

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if repo.applyCalls != 0 {
		t.Errorf("expected zero repository writes, got %d", repo.applyCalls)
	}
}

func TestTick_BatchesAllPatchesInOneWrite(t *testing.T) {
	a := openOrder(order.StatusPending)
	b := openOrder(order.StatusPending)
	recA := matchingRecord(a)
	recA.Status = order.StatusFilled
	recB := matchingRecord(b)
	recB.EntryPrice = decimal.NewFromInt(105)
	repo := newFakeRepo(a, b)
	remote := &fakeRemote{records: map[uuid.UUID]relayer.OrderRecord{a.UUID: recA, b.UUID: recB}}
	r := NewReconciler(repo, remote, noSign, 0, nil, testLog())

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if repo.applyCalls != 1 {
		t.Fatalf("expected one batched write, got %d", repo.applyCalls)
	}
	if len(repo.applied[0]) != 2 {
		t.Errorf("expected 2 patches in the batch, got %d", len(repo.applied[0]))
	}
}

func TestTick_QueryFailureSkipsOrderNotTick(t *testing.T) {
	a := openOrder(order.StatusPending)
	b := openOrder(order.StatusPending)
	recB := matchingRecord(b)
	recB.Status = order.StatusFilled
	repo := newFakeRepo(a, b)
	remote := &fakeRemote{
		records: map[uuid.UUID]relayer.OrderRecord{b.UUID: recB},
		errs:    map[uuid.UUID]error{a.UUID: errors.New("relayer unreachable")},
	}
	r := NewReconciler(repo, remote, noSign, 0, nil, testLog())

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if repo.applyCalls != 1 || len(repo.applied[0]) != 1 {
		t.Fatalf("expected the healthy order to be patched, got %+v", repo.applied)
	}
	if repo.applied[0][0].UUID != b.UUID {
		t.Errorf("patched wrong order: %s", repo.applied[0][0].UUID)
	}
}

func TestTick_StaleRemoteStatusDropped(t *testing.T) {
	o := openOrder(order.StatusFilled)
	rec := matchingRecord(o)
	rec.Status = order.StatusPending
	repo := newFakeRepo(o)
	remote := &fakeRemote{records: map[uuid.UUID]relayer.OrderRecord{o.UUID: rec}}
	r := NewReconciler(repo, remote, noSign, 0, nil, testLog())

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if repo.applyCalls != 0 {
		t.Errorf("stale remote status must not write, got %d writes", repo.applyCalls)
	}
}

func TestTick_SettledOrderFinalizedOnce(t *testing.T) {
	o := openOrder(order.StatusFilled)
	rec := matchingRecord(o)
	rec.Status = order.StatusSettled
	rec.SettlePrice = decimal.NewFromInt(110)
	rec.SettledValue = 5400
	rec.TxHash = "0xdead"
	repo := newFakeRepo(o)
	remote := &fakeRemote{records: map[uuid.UUID]relayer.OrderRecord{o.UUID: rec}}

	hookCalls := 0
	hook := func(ctx context.Context, ho order.Order, hr relayer.OrderRecord) error {
		hookCalls++
		if ho.UUID != o.UUID || hr.SettledValue != 5400 {
			t.Errorf("hook got wrong arguments: %s %d", ho.UUID, hr.SettledValue)
		}
		return nil
	}
	r := NewReconciler(repo, remote, noSign, 0, hook, testLog())

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(repo.acctPatch) != 1 {
		t.Fatalf("expected one account patch, got %d", len(repo.acctPatch))
	}
	p := repo.acctPatch[0]
	if p.LogicalID != o.AccountID || p.Value == nil || *p.Value != 5400 {
		t.Errorf("account patch wrong: %+v", p)
	}
	if p.Kind == nil || *p.Kind != shield.KindCoinSettled {
		t.Errorf("expected settled kind, got %+v", p.Kind)
	}

	e, ok := repo.history[o.UUID]
	if !ok {
		t.Fatal("order not archived")
	}
	if e.TxHash != "0xdead" || e.Failed {
		t.Errorf("bad history entry: %+v", e)
	}
	if hookCalls != 1 {
		t.Errorf("expected one hook invocation, got %d", hookCalls)
	}

	// A second pass over the same remote state archives nothing new.
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if len(repo.history) != 1 {
		t.Errorf("history grew on replay: %d entries", len(repo.history))
	}
}

func TestTick_ErrorStatusArchivedAsFailed(t *testing.T) {
	o := openOrder(order.StatusLended)
	o.Variant = order.VariantLend
	rec := matchingRecord(o)
	rec.Status = order.StatusError
	repo := newFakeRepo(o)
	remote := &fakeRemote{records: map[uuid.UUID]relayer.OrderRecord{o.UUID: rec}}
	r := NewReconciler(repo, remote, noSign, 0, nil, testLog())

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	e, ok := repo.history[o.UUID]
	if !ok {
		t.Fatal("errored order not archived")
	}
	if !e.Failed {
		t.Error("expected Failed flag on ERROR archive")
	}
	if len(repo.acctPatch) != 0 {
		t.Errorf("ERROR must not settle the account, got %d patches", len(repo.acctPatch))
	}
}

func TestTick_ObserverReceivesPassStats(t *testing.T) {
	a := openOrder(order.StatusFilled)
	b := openOrder(order.StatusFilled)
	recA := matchingRecord(a)
	recA.Status = order.StatusSettled
	recB := matchingRecord(b)
	repo := newFakeRepo(a, b)
	remote := &fakeRemote{records: map[uuid.UUID]relayer.OrderRecord{a.UUID: recA, b.UUID: recB}}

	var got []TickStats
	r := NewReconciler(repo, remote, noSign, 0, nil, testLog(),
		WithObserver(func(s TickStats) { got = append(got, s) }))

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one observation, got %d", len(got))
	}
	if got[0].Open != 2 || got[0].Patched != 1 || got[0].Terminal != 1 {
		t.Errorf("wrong stats: %+v", got[0])
	}

	// A pass that changes nothing still reports, so gauges stay current.
	remote.records[a.UUID] = matchingRecord(a)
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected a second observation, got %d", len(got))
	}
	if got[1].Patched != 0 {
		t.Errorf("no-diff pass reported patches: %+v", got[1])
	}
}

func TestNewReconciler_ClampsInterval(t *testing.T) {
	cases := []struct {
		in, want time.Duration
	}{
		{0, 4 * time.Second},
		{time.Second, 3 * time.Second},
		{4 * time.Second, 4 * time.Second},
		{time.Minute, 5 * time.Second},
	}
	for _, c := range cases {
		r := NewReconciler(newFakeRepo(), &fakeRemote{}, noSign, c.in, nil, testLog())
		if r.interval != c.want {
			t.Errorf("interval %v: got %v, want %v", c.in, r.interval, c.want)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := NewReconciler(newFakeRepo(), &fakeRemote{}, noSign, 0, nil, testLog())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
