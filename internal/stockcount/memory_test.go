package stockcount_test

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/internal/inventory/inventorytest"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
	"github.com/odyssey-erp/odyssey-stock/internal/stockcount"
)

// memoryRepo keeps counts next to an in-memory inventory store so both roll back together.
type memoryRepo struct {
	store  *inventorytest.Store
	counts map[int64]stockcount.Count
	nextID int64
}

func newMemoryRepo(store *inventorytest.Store) *memoryRepo {
	return &memoryRepo{store: store, counts: make(map[int64]stockcount.Count)}
}

func cloneCount(c stockcount.Count) stockcount.Count {
	c.Items = append([]stockcount.Item(nil), c.Items...)
	return c
}

func (m *memoryRepo) save() func() {
	counts := make(map[int64]stockcount.Count, len(m.counts))
	for id, c := range m.counts {
		counts[id] = cloneCount(c)
	}
	nextID := m.nextID
	return func() {
		m.counts = counts
		m.nextID = nextID
	}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, stockcount.TxRepository) error) error {
	return m.store.RunTx(m.save, func(tx *inventorytest.Tx) error {
		return fn(ctx, &memoryTx{Tx: tx, repo: m})
	})
}

func (m *memoryRepo) GetCount(_ context.Context, id int64) (stockcount.Count, error) {
	var (
		c  stockcount.Count
		ok bool
	)
	_ = m.store.RunTx(nil, func(*inventorytest.Tx) error {
		c, ok = m.counts[id]
		c = cloneCount(c)
		return nil
	})
	if !ok {
		return stockcount.Count{}, fmt.Errorf("stock count %d: %w", id, shared.ErrNotFound)
	}
	return c, nil
}

func (m *memoryRepo) ListCounts(_ context.Context, filter stockcount.ListFilter) ([]stockcount.Count, error) {
	var out []stockcount.Count
	_ = m.store.RunTx(nil, func(*inventorytest.Tx) error {
		for _, c := range m.counts {
			if filter.Status != "" && c.Status != filter.Status {
				continue
			}
			if filter.Location != nil && c.Location != *filter.Location {
				continue
			}
			c.Items = nil
			out = append(out, c)
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

func (t *memoryTx) CreateCount(_ context.Context, c stockcount.Count) (int64, error) {
	t.repo.nextID++
	c.ID = t.repo.nextID
	c.Items = nil
	t.repo.counts[c.ID] = c
	return c.ID, nil
}

func (t *memoryTx) InsertItem(_ context.Context, item stockcount.Item) (int64, error) {
	c, ok := t.repo.counts[item.CountID]
	if !ok {
		return 0, shared.ErrNotFound
	}
	t.repo.nextID++
	item.ID = t.repo.nextID
	c.Items = append(c.Items, item)
	t.repo.counts[c.ID] = c
	return item.ID, nil
}

func (t *memoryTx) GetCountForUpdate(_ context.Context, id int64) (stockcount.Count, error) {
	c, ok := t.repo.counts[id]
	if !ok {
		return stockcount.Count{}, fmt.Errorf("stock count %d: %w", id, shared.ErrNotFound)
	}
	return cloneCount(c), nil
}

func (t *memoryTx) UpdateStatus(_ context.Context, id int64, status stockcount.Status, at time.Time, actorID int64) error {
	c := t.repo.counts[id]
	c.Status = status
	switch status {
	case stockcount.StatusInProgress:
		c.StartedAt = &at
	case stockcount.StatusCompleted:
		c.CompletedAt = &at
	case stockcount.StatusApproved:
		c.ApprovedAt = &at
		c.ApprovedBy = actorID
	case stockcount.StatusFinalized:
		c.FinalizedAt = &at
	}
	t.repo.counts[id] = c
	return nil
}

func (t *memoryTx) UpdateItem(_ context.Context, item stockcount.Item) error {
	c := cloneCount(t.repo.counts[item.CountID])
	for i := range c.Items {
		if c.Items[i].ID == item.ID {
			c.Items[i] = item
			t.repo.counts[c.ID] = c
			return nil
		}
	}
	return shared.ErrNotFound
}

func (t *memoryTx) SnapshotPositions(_ context.Context, loc inventory.Location, itemIDs []int64) ([]inventory.Position, error) {
	all := t.PositionsAt(loc)
	if len(itemIDs) == 0 {
		var out []inventory.Position
		for _, pos := range all {
			if !pos.OnHand.IsZero() {
				out = append(out, pos)
			}
		}
		return out, nil
	}
	byItem := make(map[int64]inventory.Position, len(all))
	for _, pos := range all {
		byItem[pos.ItemID] = pos
	}
	out := make([]inventory.Position, 0, len(itemIDs))
	for _, id := range itemIDs {
		pos, ok := byItem[id]
		if !ok {
			pos = inventory.NewPosition(id, loc)
		}
		out = append(out, pos)
	}
	return out, nil
}
