package inventory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/internal/inventory/inventorytest"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingJournal struct {
	mu       sync.Mutex
	postings []inventory.JournalPosting
}

func (j *recordingJournal) PublishJournal(_ context.Context, p inventory.JournalPosting) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.postings = append(j.postings, p)
	return nil
}

type memoryIdempotency struct {
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

func newService(t *testing.T, cfg inventory.ServiceConfig) (*inventory.Service, *inventorytest.Store, *recordingJournal) {
	t.Helper()
	store := inventorytest.NewStore()
	store.AddItem(inventory.Item{ID: 1, Code: "PARA-500", Name: "Paracetamol 500mg", Unit: "tab"})
	store.AddItem(inventory.Item{ID: 2, Code: "GLV-M", Name: "Gloves M", Unit: "box"})
	journal := &recordingJournal{}
	svc := inventory.NewService(store, nil, nil, journal, cfg, nil)
	return svc, store, journal
}

func receive(t *testing.T, svc *inventory.Service, itemID int64, loc inventory.Location, qty, cost string) inventory.LedgerEntry {
	t.Helper()
	entry, err := svc.Receive(context.Background(), inventory.ReceiveInput{
		ItemID:     itemID,
		Location:   loc,
		Quantity:   dec(qty),
		UnitCost:   dec(cost),
		PurchaseID: 77,
		ActorID:    5,
	})
	require.NoError(t, err)
	return entry
}

func TestWeightedAverageScenario(t *testing.T) {
	svc, store, _ := newService(t, inventory.ServiceConfig{})
	ctx := context.Background()
	central := inventory.Central()

	receive(t, svc, 1, central, "10", "100")
	entry := receive(t, svc, 1, central, "10", "200")
	require.True(t, entry.BalanceBefore.Equal(dec("10")))
	require.True(t, entry.BalanceAfter.Equal(dec("20")))

	pos, err := svc.GetPosition(ctx, 1, central)
	require.NoError(t, err)
	require.True(t, pos.AvgCost.Equal(dec("150")))
	require.True(t, pos.TotalValue.Equal(dec("3000")))

	out, err := svc.Issue(ctx, inventory.IssueInput{ItemID: 1, Location: central, Quantity: dec("5"), Reference: inventory.Reference{Kind: inventory.RefManual}, ActorID: 5})
	require.NoError(t, err)
	require.True(t, out.UnitCost.Equal(dec("150")))
	require.True(t, out.TotalCost.Equal(dec("750")))
	require.Regexp(t, `^SO/\d{4}/\d{2}/0001$`, out.Number)

	pos, err = svc.GetPosition(ctx, 1, central)
	require.NoError(t, err)
	require.True(t, pos.OnHand.Equal(dec("15")))
	require.True(t, pos.AvgCost.Equal(dec("150")))
	store.RequireInvariants(t)
}

func TestIssueRejectsInsufficientStock(t *testing.T) {
	svc, store, journal := newService(t, inventory.ServiceConfig{})
	receive(t, svc, 1, inventory.Central(), "3", "10")

	_, err := svc.Issue(context.Background(), inventory.IssueInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("4"), Reference: inventory.Reference{Kind: inventory.RefManual}})
	var stockErr *shared.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.Equal(t, int64(1), stockErr.ItemID)
	require.Equal(t, "4", stockErr.Requested)
	require.Equal(t, "3", stockErr.Available)

	require.Len(t, store.Entries(), 1)
	require.Len(t, journal.postings, 1)
	store.RequireInvariants(t)
}

func TestIssueRespectsReservations(t *testing.T) {
	svc, store, _ := newService(t, inventory.ServiceConfig{})
	ctx := context.Background()
	receive(t, svc, 1, inventory.Central(), "10", "10")

	res, err := svc.Reserve(ctx, inventory.ReserveInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("8"), Reference: inventory.Reference{Kind: inventory.RefRequisition, ID: 9}})
	require.NoError(t, err)

	_, err = svc.Issue(ctx, inventory.IssueInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("3"), Reference: inventory.Reference{Kind: inventory.RefManual}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	require.NoError(t, svc.Release(ctx, res.Token))
	require.NoError(t, svc.Release(ctx, res.Token))
	pos := store.Position(1, inventory.Central())
	require.True(t, pos.Reserved.IsZero())
	require.True(t, pos.Available.Equal(dec("10")))

	_, err = svc.Issue(ctx, inventory.IssueInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("3"), Reference: inventory.Reference{Kind: inventory.RefManual}})
	require.NoError(t, err)
	store.RequireInvariants(t)
}

func TestReserveFailsWithoutMutation(t *testing.T) {
	svc, store, _ := newService(t, inventory.ServiceConfig{})
	receive(t, svc, 1, inventory.Central(), "5", "10")

	_, err := svc.Reserve(context.Background(), inventory.ReserveInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("6"), Reference: inventory.Reference{Kind: inventory.RefRequisition, ID: 1}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	pos := store.Position(1, inventory.Central())
	require.True(t, pos.Reserved.IsZero())
	require.Empty(t, store.Reservations())
}

func TestTransferMovesAtSourceAverage(t *testing.T) {
	svc, store, journal := newService(t, inventory.ServiceConfig{})
	ctx := context.Background()
	receive(t, svc, 2, inventory.Central(), "20", "50")

	result, err := svc.Transfer(ctx, inventory.TransferInput{ItemID: 2, From: inventory.Central(), To: inventory.Department(4), Quantity: dec("5"), TransferID: 31})
	require.NoError(t, err)
	require.Regexp(t, `^TRF-\d{6}-0001$`, result.DocumentNumber)
	require.Equal(t, result.DocumentNumber, result.Out.DocumentNumber)
	require.Equal(t, result.DocumentNumber, result.In.DocumentNumber)
	require.Equal(t, inventory.MovementTransferOut, result.Out.Type)
	require.Equal(t, inventory.MovementTransferIn, result.In.Type)
	require.True(t, result.In.UnitCost.Equal(dec("50")))

	require.True(t, store.Position(2, inventory.Central()).OnHand.Equal(dec("15")))
	dept := store.Position(2, inventory.Department(4))
	require.True(t, dept.OnHand.Equal(dec("5")))
	require.True(t, dept.AvgCost.Equal(dec("50")))

	last := journal.postings[len(journal.postings)-1]
	require.Equal(t, "transfer", last.ReferenceType)
	require.Len(t, last.Lines, 2)

	_, err = svc.Transfer(ctx, inventory.TransferInput{ItemID: 2, From: inventory.Central(), To: inventory.Department(4), Quantity: dec("50"), TransferID: 32})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.True(t, store.Position(2, inventory.Central()).OnHand.Equal(dec("15")))
	store.RequireInvariants(t)
}

func TestTransferToSameLocationIsInvalid(t *testing.T) {
	svc, _, _ := newService(t, inventory.ServiceConfig{})
	_, err := svc.Transfer(context.Background(), inventory.TransferInput{ItemID: 2, From: inventory.Central(), To: inventory.Central(), Quantity: dec("1"), TransferID: 1})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAdjustNegativePolicy(t *testing.T) {
	svc, store, _ := newService(t, inventory.ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Adjust(ctx, inventory.AdjustInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("-1"), Note: "breakage"})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	permissive, pstore, _ := newService(t, inventory.ServiceConfig{AllowNegativeAdjustment: true})
	entry, err := permissive.Adjust(ctx, inventory.AdjustInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("-1"), Note: "breakage"})
	require.NoError(t, err)
	require.Equal(t, inventory.MovementAdjustmentMinus, entry.Type)
	require.Regexp(t, `^ADJ-\d{6}-0001$`, entry.DocumentNumber)
	require.Regexp(t, `^AM/`, entry.Number)
	pos := pstore.Position(1, inventory.Central())
	require.True(t, pos.OnHand.Equal(dec("-1")))
	require.True(t, pos.Available.IsZero())
	pstore.RequireInvariants(t)
	store.RequireInvariants(t)
}

func TestMovementValidation(t *testing.T) {
	svc, _, _ := newService(t, inventory.ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Receive(ctx, inventory.ReceiveInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("0"), UnitCost: dec("1"), PurchaseID: 1})
	var vErr *shared.ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "quantity", vErr.Field)

	_, err = svc.Receive(ctx, inventory.ReceiveInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("1"), UnitCost: dec("-1"), PurchaseID: 1})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Receive(ctx, inventory.ReceiveInput{ItemID: 99, Location: inventory.Central(), Quantity: dec("1"), UnitCost: dec("1"), PurchaseID: 1})
	require.ErrorIs(t, err, shared.ErrReferentialIntegrity)

	_, err = svc.Issue(ctx, inventory.IssueInput{ItemID: 1, Location: inventory.Department(0), Quantity: dec("1"), Reference: inventory.Reference{Kind: inventory.RefManual}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestValuesBeyondFourDecimalsAreRejected(t *testing.T) {
	svc, store, _ := newService(t, inventory.ServiceConfig{})
	ctx := context.Background()
	var vErr *shared.ValidationError

	_, err := svc.Receive(ctx, inventory.ReceiveInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("0.00004"), UnitCost: dec("1"), PurchaseID: 1})
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "quantity", vErr.Field)

	_, err = svc.Receive(ctx, inventory.ReceiveInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("1"), UnitCost: dec("1.23456"), PurchaseID: 1})
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "unit_cost", vErr.Field)
	require.Empty(t, store.Entries())

	receive(t, svc, 1, inventory.Central(), "1.50000", "2.5000")

	_, err = svc.Issue(ctx, inventory.IssueInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("0.12345"), Reference: inventory.Reference{Kind: inventory.RefManual}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.Reserve(ctx, inventory.ReserveInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("0.00001"), Reference: inventory.Reference{Kind: inventory.RefRequisition, ID: 1}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.Adjust(ctx, inventory.AdjustInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("-0.00005")})
	require.ErrorIs(t, err, shared.ErrValidation)

	require.Len(t, store.Entries(), 1)
	require.True(t, store.Position(1, inventory.Central()).OnHand.Equal(dec("1.5")))
	store.RequireInvariants(t)
}

func TestPositiveAdjustmentWithoutCostUsesAverage(t *testing.T) {
	svc, store, _ := newService(t, inventory.ServiceConfig{})
	ctx := context.Background()
	receive(t, svc, 1, inventory.Central(), "10", "100")

	entry, err := svc.Adjust(ctx, inventory.AdjustInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("5"), Note: "found in returns"})
	require.NoError(t, err)
	require.Equal(t, inventory.MovementAdjustmentPlus, entry.Type)
	require.True(t, entry.UnitCost.Equal(dec("100")))
	require.True(t, entry.TotalCost.Equal(dec("500")))
	pos := store.Position(1, inventory.Central())
	require.True(t, pos.AvgCost.Equal(dec("100")))
	require.True(t, pos.OnHand.Equal(dec("15")))

	free := decimal.Zero
	_, err = svc.Adjust(ctx, inventory.AdjustInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("5"), UnitCost: &free, Note: "donated"})
	require.NoError(t, err)
	require.True(t, store.Position(1, inventory.Central()).AvgCost.Equal(dec("75")))
	store.RequireInvariants(t)
}

type readHook struct {
	inventory.TxRepository
	after func()
}

func (h readHook) ReadPosition(ctx context.Context, itemID int64, loc inventory.Location) (inventory.Position, bool, error) {
	pos, ok, err := h.TxRepository.ReadPosition(ctx, itemID, loc)
	h.after()
	return pos, ok, err
}

// interleavingStore runs after() between the position read and the ledger sum of every
// transaction it opens.
type interleavingStore struct {
	*inventorytest.Store
	after func()
}

func (s *interleavingStore) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return s.Store.WithTx(ctx, func(ctx context.Context, tx inventory.TxRepository) error {
		return fn(ctx, readHook{TxRepository: tx, after: s.after})
	})
}

func TestReconcileIgnoresMovementsCommittingMidway(t *testing.T) {
	svc, store, _ := newService(t, inventory.ServiceConfig{})
	ctx := context.Background()
	receive(t, svc, 1, inventory.Central(), "10", "4")

	done := make(chan error, 1)
	var once sync.Once
	repo := &interleavingStore{Store: store, after: func() {
		once.Do(func() {
			go func() {
				_, err := svc.Receive(ctx, inventory.ReceiveInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("5"), UnitCost: dec("4"), PurchaseID: 78})
				done <- err
			}()
			time.Sleep(20 * time.Millisecond)
		})
	}}
	reconciler := inventory.NewService(repo, nil, nil, nil, inventory.ServiceConfig{}, nil)

	rec, err := reconciler.Reconcile(ctx, 1, inventory.Central())
	require.NoError(t, err)
	require.True(t, rec.Matches, "ledger %s on hand %s", rec.LedgerSum, rec.OnHand)
	require.True(t, rec.OnHand.Equal(dec("10")))

	require.NoError(t, <-done)
	rec, err = reconciler.Reconcile(ctx, 1, inventory.Central())
	require.NoError(t, err)
	require.True(t, rec.Matches)
	require.True(t, rec.LedgerSum.Equal(dec("15")))
}

func TestRetriesConflictsTransparently(t *testing.T) {
	svc, store, _ := newService(t, inventory.ServiceConfig{MaxAttempts: 3})
	store.InjectConflicts(2)
	receive(t, svc, 1, inventory.Central(), "1", "1")
	require.Len(t, store.Entries(), 1)

	store.InjectConflicts(3)
	_, err := svc.Receive(context.Background(), inventory.ReceiveInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("1"), UnitCost: dec("1"), PurchaseID: 1})
	require.ErrorIs(t, err, shared.ErrRetryExhausted)
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	require.Len(t, store.Entries(), 1)
}

func TestRetryStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := inventory.Retry(context.Background(), 5, func(int) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestIdempotentReceipt(t *testing.T) {
	store := inventorytest.NewStore()
	store.AddItem(inventory.Item{ID: 1, Code: "X"})
	idem := &memoryIdempotency{keys: map[string]bool{}}
	svc := inventory.NewService(store, nil, idem, nil, inventory.ServiceConfig{}, nil)
	ctx := context.Background()
	in := inventory.ReceiveInput{Code: "GRN-1", ItemID: 1, Location: inventory.Central(), Quantity: dec("2"), UnitCost: dec("3"), PurchaseID: 4}

	_, err := svc.Receive(ctx, in)
	require.NoError(t, err)
	_, err = svc.Receive(ctx, in)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, store.Entries(), 1)

	in.Code = "GRN-2"
	in.ItemID = 99
	_, err = svc.Receive(ctx, in)
	require.Error(t, err)
	require.False(t, idem.keys["inventory:receive:GRN-2"])
}

func TestReconcileAndLedger(t *testing.T) {
	svc, _, _ := newService(t, inventory.ServiceConfig{})
	ctx := context.Background()
	loc := inventory.Department(7)
	receive(t, svc, 1, loc, "12", "4")
	_, err := svc.Issue(ctx, inventory.IssueInput{ItemID: 1, Location: loc, Quantity: dec("5"), Reference: inventory.Reference{Kind: inventory.RefManual}})
	require.NoError(t, err)

	rec, err := svc.Reconcile(ctx, 1, loc)
	require.NoError(t, err)
	require.True(t, rec.Matches)
	require.True(t, rec.LedgerSum.Equal(dec("7")))

	entries, err := svc.Ledger(ctx, inventory.LedgerFilter{ItemID: 1, Location: &loc})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, inventory.Sum(entries).Equal(dec("7")))

	_, err = svc.Ledger(ctx, inventory.LedgerFilter{})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestExpireReservations(t *testing.T) {
	svc, store, _ := newService(t, inventory.ServiceConfig{ReservationTTL: time.Hour})
	ctx := context.Background()
	receive(t, svc, 1, inventory.Central(), "10", "1")
	_, err := svc.Reserve(ctx, inventory.ReserveInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("4"), Reference: inventory.Reference{Kind: inventory.RefRequisition, ID: 3}})
	require.NoError(t, err)

	n, err := svc.ExpireReservations(ctx, time.Now(), 0)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = svc.ExpireReservations(ctx, time.Now().Add(2*time.Hour), 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, store.Position(1, inventory.Central()).Reserved.IsZero())
}

func TestConcurrentIssuesNeverOversell(t *testing.T) {
	svc, store, _ := newService(t, inventory.ServiceConfig{})
	receive(t, svc, 1, inventory.Central(), "10", "1")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, fail int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Issue(context.Background(), inventory.IssueInput{ItemID: 1, Location: inventory.Central(), Quantity: dec("3"), Reference: inventory.Reference{Kind: inventory.RefManual}})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, shared.ErrInsufficientStock):
				fail++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 3, ok)
	require.Equal(t, 5, fail)
	require.True(t, store.Position(1, inventory.Central()).OnHand.Equal(dec("1")))
	store.RequireInvariants(t)
}

func TestAllocateNumberIsMonotonic(t *testing.T) {
	svc, _, _ := newService(t, inventory.ServiceConfig{})
	ctx := context.Background()
	first, err := svc.AllocateNumber(ctx, inventory.PrefixPurchase)
	require.NoError(t, err)
	second, err := svc.AllocateNumber(ctx, inventory.PrefixPurchase)
	require.NoError(t, err)
	require.Regexp(t, `^PO/\d{4}/\d{2}/0001$`, first)
	require.Regexp(t, `^PO/\d{4}/\d{2}/0002$`, second)
}
