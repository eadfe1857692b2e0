package stockcount

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/internal/platform/db"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// Repository persists stock counts in PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	noWait bool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, noWait bool) *Repository {
	return &Repository{pool: pool, noWait: noWait}
}

type txRepo struct {
	*inventory.Queries
	tx pgx.Tx
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock count repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{Queries: inventory.NewQueries(tx, r.noWait), tx: tx})
	})
}

const countColumns = `id, number, location_kind, department_id, count_date, status, note, created_by, approved_by,
created_at, started_at, completed_at, approved_at, finalized_at`

func scanCount(row pgx.Row) (Count, error) {
	var (
		c            Count
		kind, status string
		approvedBy   *int64
	)
	err := row.Scan(&c.ID, &c.Number, &kind, &c.Location.DepartmentID, &c.CountDate, &status, &c.Note, &c.CreatedBy, &approvedBy,
		&c.CreatedAt, &c.StartedAt, &c.CompletedAt, &c.ApprovedAt, &c.FinalizedAt)
	c.Location.Kind = inventory.LocationKind(kind)
	c.Status = Status(status)
	if approvedBy != nil {
		c.ApprovedBy = *approvedBy
	}
	return c, err
}

func loadCount(ctx context.Context, q querier, id int64, lock string) (Count, error) {
	c, err := scanCount(q.QueryRow(ctx, `SELECT `+countColumns+` FROM stock_counts WHERE id=$1 `+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Count{}, fmt.Errorf("stock count %d: %w", id, shared.ErrNotFound)
		}
		return Count{}, db.Classify(err, "stock_counts")
	}
	rows, err := q.Query(ctx, `SELECT id, count_id, item_id, system_quantity, counted_quantity, variance, unit_cost, status, note,
counted_by, counted_at, verified_by, adjustment_entry
FROM stock_count_items WHERE count_id=$1 ORDER BY item_id`, id)
	if err != nil {
		return Count{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it                    Item
			status                string
			countedBy, verifiedBy *int64
		)
		if err := rows.Scan(&it.ID, &it.CountID, &it.ItemID, &it.SystemQuantity, &it.CountedQuantity, &it.Variance, &it.UnitCost, &status, &it.Note,
			&countedBy, &it.CountedAt, &verifiedBy, &it.AdjustmentEntry); err != nil {
			return Count{}, err
		}
		it.Status = ItemStatus(status)
		if countedBy != nil {
			it.CountedBy = *countedBy
		}
		if verifiedBy != nil {
			it.VerifiedBy = *verifiedBy
		}
		c.Items = append(c.Items, it)
	}
	return c, rows.Err()
}

// GetCount loads a count with its items.
func (r *Repository) GetCount(ctx context.Context, id int64) (Count, error) {
	return loadCount(ctx, r.pool, id, "")
}

// ListCounts lists count headers, newest first.
func (r *Repository) ListCounts(ctx context.Context, filter ListFilter) ([]Count, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if filter.Location != nil {
		args = append(args, string(filter.Location.Kind), filter.Location.DepartmentID)
		where = append(where, fmt.Sprintf("location_kind=$%d AND department_id=$%d", len(args)-1, len(args)))
	}
	query := `SELECT ` + countColumns + ` FROM stock_counts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY count_date DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Count
	for rows.Next() {
		c, err := scanCount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *txRepo) CreateCount(ctx context.Context, c Count) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO stock_counts (number, location_kind, department_id, count_date, status, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8) RETURNING id`,
		c.Number, string(c.Location.Kind), c.Location.DepartmentID, c.CountDate, string(c.Status), c.Note, c.CreatedBy, c.CreatedAt).Scan(&id)
	return id, db.Classify(err, "stock_counts")
}

func (t *txRepo) InsertItem(ctx context.Context, item Item) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO stock_count_items (count_id, item_id, system_quantity, counted_quantity, variance, unit_cost, status, note, adjustment_entry)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'') RETURNING id`,
		item.CountID, item.ItemID, item.SystemQuantity, item.CountedQuantity, item.Variance, item.UnitCost, string(item.Status), item.Note).Scan(&id)
	return id, db.Classify(err, "stock_count_items")
}

func (t *txRepo) GetCountForUpdate(ctx context.Context, id int64) (Count, error) {
	return loadCount(ctx, t.tx, id, t.RowLock())
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status Status, at time.Time, actorID int64) error {
	query := `UPDATE stock_counts SET status=$2, updated_at=$3`
	args := []any{id, string(status), at}
	switch status {
	case StatusInProgress:
		query += ", started_at=$3"
	case StatusCompleted:
		query += ", completed_at=$3"
	case StatusApproved:
		query += ", approved_at=$3, approved_by=$4"
		args = append(args, actorID)
	case StatusFinalized:
		query += ", finalized_at=$3"
	}
	_, err := t.tx.Exec(ctx, query+` WHERE id=$1`, args...)
	return err
}

func (t *txRepo) UpdateItem(ctx context.Context, item Item) error {
	_, err := t.tx.Exec(ctx, `UPDATE stock_count_items
SET counted_quantity=$2, variance=$3, status=$4, note=$5, counted_by=$6, counted_at=$7, verified_by=$8, adjustment_entry=$9
WHERE id=$1`,
		item.ID, item.CountedQuantity, item.Variance, string(item.Status), item.Note,
		nullID(item.CountedBy), item.CountedAt, nullID(item.VerifiedBy), item.AdjustmentEntry)
	return err
}

func (t *txRepo) SnapshotPositions(ctx context.Context, loc inventory.Location, itemIDs []int64) ([]inventory.Position, error) {
	query := `SELECT item_id, on_hand, avg_cost FROM stock_positions WHERE location_kind=$1 AND department_id=$2`
	args := []any{string(loc.Kind), loc.DepartmentID}
	if len(itemIDs) > 0 {
		query += ` AND item_id = ANY($3)`
		args = append(args, itemIDs)
	} else {
		query += ` AND on_hand <> 0`
	}
	rows, err := t.tx.Query(ctx, query+` ORDER BY item_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := make(map[int64]inventory.Position)
	var out []inventory.Position
	for rows.Next() {
		pos := inventory.NewPosition(0, loc)
		if err := rows.Scan(&pos.ItemID, &pos.OnHand, &pos.AvgCost); err != nil {
			return nil, err
		}
		found[pos.ItemID] = pos
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range itemIDs {
		if _, ok := found[id]; !ok {
			out = append(out, inventory.NewPosition(id, loc))
		}
	}
	return out, nil
}

func nullID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}
