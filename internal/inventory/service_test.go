package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/lotledger/internal/shared"
)

var adminActor = Actor{UserID: 1, Username: "admin", Admin: true}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, log := range a.logs {
		out = append(out, log.Action)
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []MovementEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, evt MovementEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	retries  int
}

func (m *countingMetrics) ObserveMovement(kind, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[kind+"/"+outcome]++
}

func (m *countingMetrics) ObserveRetry(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

type fixture struct {
	svc       *Service
	repo      *memoryRepo
	audit     *recordingAudit
	publisher *recordingPublisher
	idem      *memoryIdempotency
	metrics   *countingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemoryRepo()
	repo.addWarehouse(1, WarehouseActive)
	repo.addWarehouse(2, WarehouseActive)
	repo.addWarehouse(3, WarehouseInactive)
	f := &fixture{
		repo:      repo,
		audit:     &recordingAudit{},
		publisher: &recordingPublisher{},
		idem:      &memoryIdempotency{keys: make(map[string]string)},
		metrics:   &countingMetrics{outcomes: make(map[string]int)},
	}
	f.svc = NewService(repo, f.audit, f.idem, ServiceConfig{RetryBackoff: time.Millisecond, Now: fakeClock}, f.publisher)
	f.svc.SetMetrics(f.metrics)
	return f
}

func TestReceiveCreatesAndMergesLots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.svc.Receive(ctx, adminActor, ReceiveInput{
		WarehouseID: 1,
		SupplierID:  7,
		Lines: []ReceiveLine{
			{ProductID: 1, LotCode: " L1 ", Qty: 5, ProductionDate: day("2024-01-01"), ExpDate: day("2024-09-01")},
			{ProductID: 2, LotCode: "M1", Qty: 3},
		},
	})
	require.NoError(t, err)
	require.Equal(t, TransactionTypeReceive, txn.Type)
	require.Len(t, txn.Lines, 2)
	require.Regexp(t, `^RCV-20240301-[0-9A-F]{8}$`, txn.Number)

	lot, ok := f.repo.lotByCode(1, 1, "L1")
	require.True(t, ok)
	require.EqualValues(t, 5, lot.QtyOnHand)

	_, err = f.svc.Receive(ctx, adminActor, ReceiveInput{
		WarehouseID: 1,
		Lines:       []ReceiveLine{{ProductID: 1, LotCode: "L1", Qty: 4, ExpDate: day("2024-10-01")}},
	})
	require.NoError(t, err)

	lot, _ = f.repo.lotByCode(1, 1, "L1")
	require.EqualValues(t, 9, lot.QtyOnHand)
	require.Equal(t, *day("2024-10-01"), *lot.ExpDate)
	require.Equal(t, *day("2024-01-01"), *lot.ProductionDate)

	page, err := f.svc.ListAdjustments(ctx, HistoryFilter{Type: "received"})
	require.NoError(t, err)
	require.EqualValues(t, 3, page.Pagination.Total)
	latest := page.Items[0]
	require.EqualValues(t, 5, latest.BeforeOnHand)
	require.EqualValues(t, 9, latest.AfterOnHand)
	require.Equal(t, RefTransaction, latest.RefType)

	require.Equal(t, []string{"inventory:receive", "inventory:receive"}, f.audit.actions())
	require.Equal(t, 2, f.publisher.count())
	require.EqualValues(t, 4, f.publisher.events[1].Lines[0].Qty)
}

func TestReceiveRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Receive(ctx, adminActor, ReceiveInput{WarehouseID: 1, Lines: []ReceiveLine{{ProductID: 1, LotCode: "L1", Qty: 0}}})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = f.svc.Receive(ctx, adminActor, ReceiveInput{WarehouseID: 1, Lines: []ReceiveLine{{ProductID: 1, LotCode: "  ", Qty: 1}}})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Receive(ctx, adminActor, ReceiveInput{WarehouseID: 1, Lines: []ReceiveLine{{ProductID: 1, LotCode: "L1", Qty: 1, ProductionDate: day("2024-05-01"), ExpDate: day("2024-04-01")}}})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Receive(ctx, adminActor, ReceiveInput{WarehouseID: 3, Lines: []ReceiveLine{{ProductID: 1, LotCode: "L1", Qty: 1}}})
	require.ErrorIs(t, err, ErrWarehouseInactive)

	_, err = f.svc.Receive(ctx, adminActor, ReceiveInput{WarehouseID: 99, Lines: []ReceiveLine{{ProductID: 1, LotCode: "L1", Qty: 1}}})
	require.ErrorIs(t, err, ErrNotFound)

	require.Zero(t, f.repo.transactionCount())
	require.Zero(t, f.repo.adjustmentCount())
	require.Zero(t, f.publisher.count())
}

func TestReceiveThenIssueRestoresOnHand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "OLD", ExpDate: day("2024-12-01"), QtyOnHand: 2})
	before := f.repo.onHand(1, 1)

	_, err := f.svc.Receive(ctx, adminActor, ReceiveInput{WarehouseID: 1, Lines: []ReceiveLine{{ProductID: 1, LotCode: "NEW", Qty: 6, ExpDate: day("2024-06-01")}}})
	require.NoError(t, err)
	require.Equal(t, before+6, f.repo.onHand(1, 1))

	issued, err := f.svc.Issue(ctx, adminActor, IssueInput{WarehouseID: 1, Type: TransactionTypeSale, Products: []ProductQty{{ProductID: 1, Qty: 6}}})
	require.NoError(t, err)
	require.Equal(t, before, f.repo.onHand(1, 1))
	require.Len(t, issued.Lines, 1)
	require.Equal(t, "NEW", issued.Lines[0].LotCode)
}

func TestIssueFEFOAcrossLots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", ExpDate: day("2024-01-01"), QtyOnHand: 5})
	b := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "B", ExpDate: day("2024-06-01"), QtyOnHand: 5})
	c := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "C", ExpDate: day("2025-01-01"), QtyOnHand: 5})

	txn, err := f.svc.Issue(ctx, adminActor, IssueInput{WarehouseID: 1, Type: TransactionTypeWaste, Products: []ProductQty{{ProductID: 1, Qty: 7}}})
	require.NoError(t, err)
	require.EqualValues(t, 7, txn.TotalQty())
	require.Zero(t, f.repo.lot(a.ID).QtyOnHand)
	require.EqualValues(t, 3, f.repo.lot(b.ID).QtyOnHand)
	require.EqualValues(t, 5, f.repo.lot(c.ID).QtyOnHand)

	_, err = f.svc.Issue(ctx, adminActor, IssueInput{WarehouseID: 1, Type: TransactionTypeWaste, Products: []ProductQty{{ProductID: 1, Qty: 9}}})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.EqualValues(t, 8, f.repo.onHand(1, 1))
	require.Equal(t, 1, f.repo.transactionCount())
}

func TestIssueValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", QtyOnHand: 5})

	_, err := f.svc.Issue(ctx, adminActor, IssueInput{WarehouseID: 1, Type: TransactionTypeReceive, Picks: []Pick{{LotID: lot.ID, Qty: 1}}})
	require.ErrorIs(t, err, ErrInvalidType)

	_, err = f.svc.Issue(ctx, adminActor, IssueInput{WarehouseID: 1, Type: TransactionTypeSale})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Issue(ctx, adminActor, IssueInput{
		WarehouseID: 1,
		Type:        TransactionTypeSale,
		Picks:       []Pick{{LotID: lot.ID, Qty: 1}},
		Products:    []ProductQty{{ProductID: 1, Qty: 1}},
	})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Issue(ctx, adminActor, IssueInput{WarehouseID: 2, Type: TransactionTypeSale, Picks: []Pick{{LotID: lot.ID, Qty: 1}}})
	require.ErrorIs(t, err, ErrLotNotFound)

	require.EqualValues(t, 5, f.repo.lot(lot.ID).QtyOnHand)
}

func TestIssueReportsOriginalLineIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", QtyOnHand: 5})
	f.repo.addLot(Lot{ProductID: 2, WarehouseID: 1, LotCode: "B", QtyOnHand: 5})

	_, err := f.svc.Issue(ctx, adminActor, IssueInput{
		WarehouseID: 1,
		Type:        TransactionTypeSale,
		Products:    []ProductQty{{ProductID: 1, Qty: 1}, {ProductID: 1, Qty: 1}, {ProductID: 2, Qty: 999}},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	var lineErr *LineError
	require.True(t, errors.As(err, &lineErr))
	require.Equal(t, 2, lineErr.Index)
	require.EqualValues(t, 2, lineErr.ProductID)
	require.EqualValues(t, 5, f.repo.onHand(1, 1))
}

func TestIssueFromInactiveWarehouseIsAllowed(t *testing.T) {
	f := newFixture(t)
	lot := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 3, LotCode: "A", QtyOnHand: 5})

	_, err := f.svc.Issue(context.Background(), adminActor, IssueInput{WarehouseID: 3, Type: TransactionTypeExpired, Picks: []Pick{{LotID: lot.ID, Qty: 5}}})
	require.NoError(t, err)
	require.Zero(t, f.repo.lot(lot.ID).QtyOnHand)
}

func TestIssueRollsBackEveryLineOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", QtyOnHand: 5})
	b := f.repo.addLot(Lot{ProductID: 2, WarehouseID: 1, LotCode: "B", QtyOnHand: 5})
	f.repo.onBegin = func(s *memoryState) {
		lot := s.lots[b.ID]
		lot.QtyOnHand = 1
		s.lots[b.ID] = lot
	}

	_, err := f.svc.Issue(ctx, adminActor, IssueInput{WarehouseID: 1, Type: TransactionTypeSale, Picks: []Pick{{LotID: a.ID, Qty: 3}, {LotID: b.ID, Qty: 4}}})
	require.ErrorIs(t, err, ErrInsufficientStock)
	var lineErr *LineError
	require.ErrorAs(t, err, &lineErr)
	require.Equal(t, 1, lineErr.Index)

	require.EqualValues(t, 5, f.repo.lot(a.ID).QtyOnHand)
	require.Zero(t, f.repo.transactionCount())
	require.Zero(t, f.repo.adjustmentCount())
	require.Zero(t, f.publisher.count())
	require.Equal(t, 1, f.repo.txCount)
}

func TestIssueReplansStaleAllocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", ExpDate: day("2024-04-01"), QtyOnHand: 5})
	b := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "B", ExpDate: day("2024-08-01"), QtyOnHand: 10})
	calls := 0
	f.repo.onBegin = func(s *memoryState) {
		calls++
		if calls == 1 {
			lot := s.lots[a.ID]
			lot.QtyOnHand = 2
			s.lots[a.ID] = lot
		}
	}

	txn, err := f.svc.Issue(ctx, adminActor, IssueInput{WarehouseID: 1, Type: TransactionTypeSale, Products: []ProductQty{{ProductID: 1, Qty: 5}}})
	require.NoError(t, err)
	require.Len(t, txn.Lines, 2)
	require.Zero(t, f.repo.lot(a.ID).QtyOnHand)
	require.EqualValues(t, 7, f.repo.lot(b.ID).QtyOnHand)
	require.Equal(t, 1, f.metrics.retries)
	require.Equal(t, 1, f.metrics.outcomes["issue/success"])
}

func TestIssueGivesUpAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", ExpDate: day("2024-04-01"), QtyOnHand: 5})
	b := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "B", ExpDate: day("2024-08-01"), QtyOnHand: 10})
	f.repo.onBegin = func(s *memoryState) {
		lot := s.lots[a.ID]
		lot.QtyOnHand--
		s.lots[a.ID] = lot
	}

	_, err := f.svc.Issue(ctx, adminActor, IssueInput{WarehouseID: 1, Type: TransactionTypeSale, Products: []ProductQty{{ProductID: 1, Qty: 5}}, IdempotencyKey: "req-1"})
	require.ErrorIs(t, err, ErrConcurrentModification)
	require.True(t, IsRetryable(err))
	require.Equal(t, 3, f.repo.txCount)
	require.EqualValues(t, 10, f.repo.lot(b.ID).QtyOnHand)
	require.Equal(t, 1, f.metrics.outcomes["issue/conflict"])
	require.NotContains(t, f.idem.keys, "issue:req-1")
}

func TestConcurrentIssuesNeverOversell(t *testing.T) {
	for _, fefo := range []bool{false, true} {
		f := newFixture(t)
		lot := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", QtyOnHand: 10})
		input := IssueInput{WarehouseID: 1, Type: TransactionTypeSale, Picks: []Pick{{LotID: lot.ID, Qty: 6}}}
		if fefo {
			input.Picks = nil
			input.Products = []ProductQty{{ProductID: 1, Qty: 6}}
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.svc.Issue(context.Background(), adminActor, input)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			require.True(t, errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrConcurrentModification), err)
		}
		require.Equal(t, 1, succeeded)
		require.EqualValues(t, 4, f.repo.lot(lot.ID).QtyOnHand)
		require.Equal(t, 1, f.repo.transactionCount())
	}
}

func TestIssueCancelRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", ExpDate: day("2024-04-01"), QtyOnHand: 3})
	b := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "B", ExpDate: day("2024-08-01"), QtyOnHand: 4})

	txn, err := f.svc.Issue(ctx, adminActor, IssueInput{WarehouseID: 1, Type: TransactionTypeActivity, Products: []ProductQty{{ProductID: 1, Qty: 5}}})
	require.NoError(t, err)
	require.EqualValues(t, 2, f.repo.onHand(1, 1))

	cancelled, err := f.svc.Cancel(ctx, adminActor, txn.ID)
	require.NoError(t, err)
	require.Equal(t, TransactionCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	require.EqualValues(t, 3, f.repo.lot(a.ID).QtyOnHand)
	require.EqualValues(t, 4, f.repo.lot(b.ID).QtyOnHand)

	adjustments := f.repo.adjustmentCount()
	_, err = f.svc.Cancel(ctx, adminActor, txn.ID)
	require.ErrorIs(t, err, ErrAlreadyCancelled)
	require.EqualValues(t, 7, f.repo.onHand(1, 1))
	require.Equal(t, adjustments, f.repo.adjustmentCount())

	stored, err := f.svc.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, TransactionCancelled, stored.Status)

	history, err := f.svc.ListTransactions(ctx, HistoryFilter{Status: "cancelled"})
	require.NoError(t, err)
	require.Len(t, history.Items, 1)
}

func TestCancelRejectsReceiveAndMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn, err := f.svc.Receive(ctx, adminActor, ReceiveInput{WarehouseID: 1, Lines: []ReceiveLine{{ProductID: 1, LotCode: "A", Qty: 2}}})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, adminActor, txn.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.Cancel(ctx, adminActor, 424242)
	require.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestWarehouseScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", QtyOnHand: 5})
	clerk := Actor{UserID: 9, Username: "clerk", WarehouseIDs: []int64{2}}

	_, err := f.svc.Issue(ctx, clerk, IssueInput{WarehouseID: 1, Type: TransactionTypeSale, Picks: []Pick{{LotID: lot.ID, Qty: 1}}})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.Adjust(ctx, clerk, AdjustInput{LotID: lot.ID, Delta: -1, Reason: ReasonLost})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.Receive(ctx, clerk, ReceiveInput{WarehouseID: 1, Lines: []ReceiveLine{{ProductID: 1, LotCode: "A", Qty: 1}}})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.PreviewAllocation(ctx, clerk, AllocationRequest{ProductID: 1, WarehouseID: 1, Qty: 1})
	require.ErrorIs(t, err, ErrUnauthorized)

	require.EqualValues(t, 5, f.repo.lot(lot.ID).QtyOnHand)
}

func TestPreviewAllocationLeavesStock(t *testing.T) {
	f := newFixture(t)
	lot := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", QtyOnHand: 5})

	plan, err := f.svc.PreviewAllocation(context.Background(), adminActor, AllocationRequest{ProductID: 1, WarehouseID: 1, Qty: 4})
	require.NoError(t, err)
	require.EqualValues(t, 4, plan.Total())
	require.EqualValues(t, 5, f.repo.lot(lot.ID).QtyOnHand)
	require.Zero(t, f.repo.txCount)
}

func TestTransferConfirmConservesStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "X", ProductionDate: day("2024-01-01"), ExpDate: day("2024-09-01"), QtyOnHand: 10})
	f.repo.addLot(Lot{ProductID: 1, WarehouseID: 2, LotCode: "X", ExpDate: day("2024-09-01"), QtyOnHand: 1})
	receiver := Actor{UserID: 5, Username: "receiver", WarehouseIDs: []int64{2}}
	sender := Actor{UserID: 6, Username: "sender", WarehouseIDs: []int64{1}}
	total := func() int64 {
		transit, err := f.svc.InTransit(ctx, InTransitFilter{ProductID: 1})
		require.NoError(t, err)
		var qty int64
		for _, line := range transit {
			qty += line.Qty
		}
		return f.repo.onHand(1, 1) + f.repo.onHand(1, 2) + qty
	}
	require.EqualValues(t, 11, total())

	order, err := f.svc.CreateTransfer(ctx, sender, TransferInput{SourceWarehouseID: 1, DestinationWarehouseID: 2, Picks: []Pick{{LotID: src.ID, Qty: 4}}})
	require.NoError(t, err)
	require.Equal(t, TransferPending, order.Status)
	require.EqualValues(t, 6, f.repo.lot(src.ID).QtyOnHand)
	require.EqualValues(t, 11, total())

	_, err = f.svc.ConfirmTransfer(ctx, sender, order.ID)
	require.ErrorIs(t, err, ErrUnauthorized)

	confirmed, err := f.svc.ConfirmTransfer(ctx, receiver, order.ID)
	require.NoError(t, err)
	require.Equal(t, TransferConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.Lines[0].DestinationLotID)
	require.EqualValues(t, 11, total())

	dest, ok := f.repo.lotByCode(1, 2, "X")
	require.True(t, ok)
	require.EqualValues(t, 5, dest.QtyOnHand)
	require.Equal(t, dest.ID, *confirmed.Lines[0].DestinationLotID)
	require.Equal(t, *day("2024-01-01"), *dest.ProductionDate)

	_, err = f.svc.ConfirmTransfer(ctx, receiver, order.ID)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.RejectTransfer(ctx, receiver, order.ID, "too late")
	require.ErrorIs(t, err, ErrInvalidState)
	require.EqualValues(t, 11, total())
}

func TestTransferRejectRestoresSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", ExpDate: day("2024-05-01"), QtyOnHand: 2})
	b := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "B", ExpDate: day("2024-07-01"), QtyOnHand: 5})

	order, err := f.svc.CreateTransfer(ctx, adminActor, TransferInput{SourceWarehouseID: 1, DestinationWarehouseID: 2, Products: []ProductQty{{ProductID: 1, Qty: 4}}})
	require.NoError(t, err)
	require.Len(t, order.Lines, 2)
	require.EqualValues(t, 3, f.repo.onHand(1, 1))

	transit, err := f.svc.InTransit(ctx, InTransitFilter{WarehouseID: 2})
	require.NoError(t, err)
	require.Equal(t, []InTransitLine{{ProductID: 1, SourceWarehouseID: 1, DestinationWarehouseID: 2, Qty: 4}}, transit)

	rejected, err := f.svc.RejectTransfer(ctx, adminActor, order.ID, "damaged on arrival")
	require.NoError(t, err)
	require.Equal(t, TransferRejected, rejected.Status)
	require.Equal(t, "damaged on arrival", rejected.ResolutionNote)
	require.EqualValues(t, 2, f.repo.lot(a.ID).QtyOnHand)
	require.EqualValues(t, 5, f.repo.lot(b.ID).QtyOnHand)
	require.Zero(t, f.repo.onHand(1, 2))

	transit, err = f.svc.InTransit(ctx, InTransitFilter{})
	require.NoError(t, err)
	require.Empty(t, transit)

	page, err := f.svc.ListTransfers(ctx, HistoryFilter{Status: "rejected"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", QtyOnHand: 5})

	_, err := f.svc.CreateTransfer(ctx, adminActor, TransferInput{SourceWarehouseID: 1, DestinationWarehouseID: 1, Picks: []Pick{{LotID: lot.ID, Qty: 1}}})
	require.ErrorIs(t, err, ErrSameWarehouse)

	_, err = f.svc.CreateTransfer(ctx, adminActor, TransferInput{SourceWarehouseID: 1, DestinationWarehouseID: 3, Picks: []Pick{{LotID: lot.ID, Qty: 1}}})
	require.ErrorIs(t, err, ErrWarehouseInactive)

	_, err = f.svc.CreateTransfer(ctx, adminActor, TransferInput{SourceWarehouseID: 1, DestinationWarehouseID: 2, Picks: []Pick{{LotID: lot.ID, Qty: 6}}})
	require.ErrorIs(t, err, ErrInsufficientStock)

	_, err = f.svc.ConfirmTransfer(ctx, adminActor, 777)
	require.ErrorIs(t, err, ErrTransferNotFound)

	require.EqualValues(t, 5, f.repo.lot(lot.ID).QtyOnHand)
}

func TestAdjustReasonRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", QtyOnHand: 10})

	_, err := f.svc.Adjust(ctx, adminActor, AdjustInput{LotID: lot.ID, Delta: 1, Reason: ReasonLost})
	require.ErrorIs(t, err, ErrInvalidReason)
	_, err = f.svc.Adjust(ctx, adminActor, AdjustInput{LotID: lot.ID, Delta: -1, Reason: ReasonReceived})
	require.ErrorIs(t, err, ErrInvalidReason)
	_, err = f.svc.Adjust(ctx, adminActor, AdjustInput{LotID: lot.ID, Delta: 1, Reason: ReasonTransferIn})
	require.ErrorIs(t, err, ErrInvalidReason)
	_, err = f.svc.Adjust(ctx, adminActor, AdjustInput{LotID: lot.ID, Delta: -11, Reason: ReasonManualAdjustment})
	require.ErrorIs(t, err, ErrInsufficientStock)
	_, err = f.svc.Adjust(ctx, adminActor, AdjustInput{LotID: 999, Delta: 1, Reason: ReasonManualAdjustment})
	require.ErrorIs(t, err, ErrLotNotFound)

	res, err := f.svc.Adjust(ctx, adminActor, AdjustInput{LotID: lot.ID, Delta: 2, Reason: ReasonManualAdjustment, Note: "found on shelf"})
	require.NoError(t, err)
	require.EqualValues(t, 12, res.Lot.QtyOnHand)
	require.EqualValues(t, 10, res.Adjustment.BeforeOnHand)
	require.EqualValues(t, 12, res.Adjustment.AfterOnHand)
	require.Equal(t, "found on shelf", res.Adjustment.Note)

	res, err = f.svc.Adjust(ctx, adminActor, AdjustInput{LotID: lot.ID, Delta: -12, Reason: ReasonLost})
	require.NoError(t, err)
	require.Zero(t, res.Lot.QtyOnHand)
}

func TestAdjustAcceptsCountAndDamageReasons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", QtyOnHand: 10})

	res, err := f.svc.Adjust(ctx, adminActor, AdjustInput{LotID: lot.ID, Delta: -3, Reason: ReasonStockCount})
	require.NoError(t, err)
	require.EqualValues(t, 7, res.Lot.QtyOnHand)
	require.Equal(t, ReasonStockCount, res.Adjustment.Reason)

	res, err = f.svc.Adjust(ctx, adminActor, AdjustInput{LotID: lot.ID, Delta: 2, Reason: ReasonStockCount})
	require.NoError(t, err)
	require.EqualValues(t, 9, res.Lot.QtyOnHand)

	_, err = f.svc.Adjust(ctx, adminActor, AdjustInput{LotID: lot.ID, Delta: -1, Reason: ReasonDamage})
	require.ErrorIs(t, err, ErrInvalidReason)
	_, err = f.svc.Adjust(ctx, adminActor, AdjustInput{LotID: lot.ID, Delta: 10, Reason: ReasonDamage})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	res, err = f.svc.Adjust(ctx, adminActor, AdjustInput{LotID: lot.ID, Delta: 4, Reason: ReasonDamage, Note: "crushed"})
	require.NoError(t, err)
	require.EqualValues(t, 5, res.Lot.QtyOnHand)
	require.EqualValues(t, 4, res.Lot.Damaged)
	require.EqualValues(t, 9, res.Lot.Total())
	require.Equal(t, ReasonDamage, res.Adjustment.Reason)
	require.EqualValues(t, -4, res.Adjustment.Delta)
	require.EqualValues(t, 4, res.Adjustment.DamagedDelta)
	require.Equal(t, "crushed", res.Adjustment.Note)
	require.Equal(t, 3, f.repo.adjustmentCount())
}

func TestCountStockRecordsEveryCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", QtyOnHand: 12})

	res, err := f.svc.CountStock(ctx, adminActor, CountInput{LotID: lot.ID, Counted: 7})
	require.NoError(t, err)
	require.EqualValues(t, 7, res.Lot.QtyOnHand)
	require.EqualValues(t, -5, res.Adjustment.Delta)
	require.Equal(t, ReasonStockCount, res.Adjustment.Reason)

	res, err = f.svc.CountStock(ctx, adminActor, CountInput{LotID: lot.ID, Counted: 7})
	require.NoError(t, err)
	require.Zero(t, res.Adjustment.Delta)
	require.Equal(t, 2, f.repo.adjustmentCount())

	_, err = f.svc.CountStock(ctx, adminActor, CountInput{LotID: lot.ID, Counted: -1})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestDamageAndReclassify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "A", QtyOnHand: 10})

	res, err := f.svc.Damage(ctx, adminActor, DamageInput{LotID: lot.ID, Qty: 4})
	require.NoError(t, err)
	require.EqualValues(t, 6, res.Lot.QtyOnHand)
	require.EqualValues(t, 4, res.Lot.Damaged)
	require.Equal(t, ReasonDamage, res.Adjustment.Reason)

	_, err = f.svc.Reclassify(ctx, adminActor, ReclassifyInput{LotID: lot.ID, From: BucketDamaged, To: BucketOnHand, Qty: 5})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	stored := f.repo.lot(lot.ID)
	require.EqualValues(t, 6, stored.QtyOnHand)
	require.EqualValues(t, 4, stored.Damaged)

	_, err = f.svc.Reclassify(ctx, adminActor, ReclassifyInput{LotID: lot.ID, From: BucketDamaged, To: BucketDamaged, Qty: 1})
	require.ErrorIs(t, err, ErrInvalidBucket)

	res, err = f.svc.Reclassify(ctx, adminActor, ReclassifyInput{LotID: lot.ID, From: BucketOnHand, To: BucketDamaged, Qty: 6})
	require.NoError(t, err)
	require.Zero(t, res.Lot.QtyOnHand)
	require.EqualValues(t, 10, res.Lot.Damaged)
	require.Equal(t, LotStatusDamaged, res.Lot.Status)
	require.EqualValues(t, 10, res.Lot.Total())

	_, err = f.svc.Damage(ctx, adminActor, DamageInput{LotID: lot.ID, Qty: 1})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	res, err = f.svc.Reclassify(ctx, adminActor, ReclassifyInput{LotID: lot.ID, From: BucketDamaged, To: BucketOnHand, Qty: 3})
	require.NoError(t, err)
	require.EqualValues(t, 3, res.Lot.QtyOnHand)
	require.EqualValues(t, 7, res.Lot.Damaged)
	require.EqualValues(t, -3, res.Adjustment.DamagedDelta)
}

func TestIdempotencyKeyRejectsReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	input := ReceiveInput{WarehouseID: 1, Lines: []ReceiveLine{{ProductID: 1, LotCode: "A", Qty: 5}}, IdempotencyKey: "grn-42"}

	_, err := f.svc.Receive(ctx, adminActor, input)
	require.NoError(t, err)
	_, err = f.svc.Receive(ctx, adminActor, input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.EqualValues(t, 5, f.repo.onHand(1, 1))
	require.Equal(t, 1, f.metrics.outcomes["receive/duplicate"])

	_, err = f.svc.Issue(ctx, adminActor, IssueInput{WarehouseID: 1, Type: TransactionTypeSale, Products: []ProductQty{{ProductID: 1, Qty: 50}}, IdempotencyKey: "sale-1"})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.NotContains(t, f.idem.keys, "issue:sale-1")
	_, err = f.svc.Issue(ctx, adminActor, IssueInput{WarehouseID: 1, Type: TransactionTypeSale, Products: []ProductQty{{ProductID: 1, Qty: 5}}, IdempotencyKey: "sale-1"})
	require.NoError(t, err)
}

func TestListLotsDerivesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "OLD", ExpDate: day("2024-02-01"), QtyOnHand: 2})
	f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "BROKEN", Damaged: 3})
	f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "FRESH", ExpDate: day("2024-12-01"), QtyOnHand: 4})
	f.repo.addLot(Lot{ProductID: 1, WarehouseID: 1, LotCode: "GONE"})

	page, err := f.svc.ListLots(ctx, LotFilter{WarehouseID: 1})
	require.NoError(t, err)
	require.EqualValues(t, 3, page.Pagination.Total)
	status := make(map[string]LotStatus)
	for _, lot := range page.Items {
		status[lot.LotCode] = lot.Status
	}
	require.Equal(t, map[string]LotStatus{"OLD": LotStatusExpired, "FRESH": LotStatusActive, "BROKEN": LotStatusDamaged}, status)

	page, err = f.svc.ListLots(ctx, LotFilter{WarehouseID: 1, IncludeEmpty: true})
	require.NoError(t, err)
	require.EqualValues(t, 4, page.Pagination.Total)

	page, err = f.svc.ListLots(ctx, LotFilter{Status: LotStatusExpired})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "OLD", page.Items[0].LotCode)
}
