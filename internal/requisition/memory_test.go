package requisition_test

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory/inventorytest"
	"github.com/odyssey-erp/odyssey-stock/internal/requisition"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// memoryRepo keeps requests next to an in-memory inventory store so both roll back together.
type memoryRepo struct {
	store    *inventorytest.Store
	requests map[int64]requisition.Request
	nextID   int64
}

func newMemoryRepo(store *inventorytest.Store) *memoryRepo {
	return &memoryRepo{store: store, requests: make(map[int64]requisition.Request)}
}

func cloneRequest(req requisition.Request) requisition.Request {
	req.Items = append([]requisition.Item(nil), req.Items...)
	rounds := make([]requisition.ApprovalRound, len(req.Rounds))
	for i, r := range req.Rounds {
		r.Lines = append([]requisition.ApprovalLine(nil), r.Lines...)
		rounds[i] = r
	}
	req.Rounds = rounds
	return req
}

func (m *memoryRepo) save() func() {
	requests := make(map[int64]requisition.Request, len(m.requests))
	for id, req := range m.requests {
		requests[id] = cloneRequest(req)
	}
	nextID := m.nextID
	return func() {
		m.requests = requests
		m.nextID = nextID
	}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, requisition.TxRepository) error) error {
	return m.store.RunTx(m.save, func(tx *inventorytest.Tx) error {
		return fn(ctx, &memoryTx{Tx: tx, repo: m})
	})
}

func (m *memoryRepo) GetRequest(_ context.Context, id int64) (requisition.Request, error) {
	var (
		req requisition.Request
		ok  bool
	)
	_ = m.store.RunTx(nil, func(*inventorytest.Tx) error {
		req, ok = m.requests[id]
		req = cloneRequest(req)
		req.ApplyRounds()
		return nil
	})
	if !ok {
		return requisition.Request{}, fmt.Errorf("requisition %d: %w", id, shared.ErrNotFound)
	}
	return req, nil
}

func (m *memoryRepo) ListRequests(_ context.Context, filter requisition.ListFilter) ([]requisition.Request, error) {
	var out []requisition.Request
	_ = m.store.RunTx(nil, func(*inventorytest.Tx) error {
		for _, req := range m.requests {
			if filter.Status != "" && req.Status != filter.Status {
				continue
			}
			if filter.DepartmentID > 0 && req.DepartmentID != filter.DepartmentID {
				continue
			}
			req.Items = nil
			req.Rounds = nil
			out = append(out, req)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

type memoryTx struct {
	*inventorytest.Tx
	repo *memoryRepo
}

func (t *memoryTx) CreateRequest(_ context.Context, req requisition.Request) (int64, error) {
	t.repo.nextID++
	req.ID = t.repo.nextID
	req.Items = nil
	req.Rounds = nil
	t.repo.requests[req.ID] = req
	return req.ID, nil
}

func (t *memoryTx) InsertItem(_ context.Context, item requisition.Item) (int64, error) {
	req, ok := t.repo.requests[item.RequestID]
	if !ok {
		return 0, shared.ErrNotFound
	}
	t.repo.nextID++
	item.ID = t.repo.nextID
	req.Items = append(req.Items, item)
	t.repo.requests[req.ID] = req
	return item.ID, nil
}

func (t *memoryTx) DeleteItems(_ context.Context, requestID int64) error {
	req := t.repo.requests[requestID]
	req.Items = nil
	t.repo.requests[requestID] = req
	return nil
}

func (t *memoryTx) GetRequestForUpdate(_ context.Context, id int64) (requisition.Request, error) {
	req, ok := t.repo.requests[id]
	if !ok {
		return requisition.Request{}, fmt.Errorf("requisition %d: %w", id, shared.ErrNotFound)
	}
	req = cloneRequest(req)
	req.ApplyRounds()
	return req, nil
}

func (t *memoryTx) InsertApprovalRound(_ context.Context, round requisition.ApprovalRound) (int64, error) {
	req := t.repo.requests[round.RequestID]
	t.repo.nextID++
	round.ID = t.repo.nextID
	req.Rounds = append(req.Rounds, round)
	t.repo.requests[req.ID] = req
	return round.ID, nil
}

func (t *memoryTx) UpdateStatus(_ context.Context, id int64, status requisition.Status, at time.Time, note string) error {
	req := t.repo.requests[id]
	req.Status = status
	switch status {
	case requisition.StatusSubmitted:
		req.SubmittedAt = &at
	case requisition.StatusApproved:
		req.ApprovedAt = &at
	case requisition.StatusCompleted:
		req.CompletedAt = &at
	case requisition.StatusRejected:
		req.RejectReason = note
	}
	t.repo.requests[id] = req
	return nil
}

func (t *memoryTx) SetIssued(_ context.Context, requestItemID int64, issued, unitCost decimal.Decimal) error {
	for id, req := range t.repo.requests {
		for i := range req.Items {
			if req.Items[i].ID == requestItemID {
				req.Items[i].QuantityIssued = issued
				req.Items[i].UnitCost = unitCost
				t.repo.requests[id] = req
				return nil
			}
		}
	}
	return shared.ErrNotFound
}
