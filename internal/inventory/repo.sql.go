package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/platform/db"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	noWait bool
}

// NewRepository constructs Repository. With noWait set, position locks fail fast with a
// conflict instead of queueing behind another transaction.
func NewRepository(pool *pgxpool.Pool, noWait bool) *Repository {
	return &Repository{pool: pool, noWait: noWait}
}

// Queries wraps a transaction with the inventory statements. Workflow repositories embed it
// so their own transactions can drive the recorder.
type Queries struct {
	tx     pgx.Tx
	noWait bool
}

// NewQueries binds the inventory statements to tx.
func NewQueries(tx pgx.Tx, noWait bool) *Queries {
	return &Queries{tx: tx, noWait: noWait}
}

// RowLock returns the locking clause used for rows the caller is about to mutate.
func (q *Queries) RowLock() string {
	if q.noWait {
		return "FOR UPDATE NOWAIT"
	}
	return "FOR UPDATE"
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewQueries(tx, r.noWait))
	})
}

const positionColumns = `item_id, location_kind, department_id, on_hand, reserved, available, avg_cost, total_value, updated_at`

func scanPosition(row pgx.Row) (Position, error) {
	var (
		pos  Position
		kind string
	)
	err := row.Scan(&pos.ItemID, &kind, &pos.Location.DepartmentID, &pos.OnHand, &pos.Reserved, &pos.Available, &pos.AvgCost, &pos.TotalValue, &pos.UpdatedAt)
	pos.Location.Kind = LocationKind(kind)
	return pos, err
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetPosition reads a position without locking it.
func (r *Repository) GetPosition(ctx context.Context, itemID int64, loc Location) (Position, bool, error) {
	return readPosition(ctx, r.pool, itemID, loc)
}

// ReadPosition reads a position inside the transaction snapshot without locking it.
func (q *Queries) ReadPosition(ctx context.Context, itemID int64, loc Location) (Position, bool, error) {
	return readPosition(ctx, q.tx, itemID, loc)
}

func readPosition(ctx context.Context, db rowQuerier, itemID int64, loc Location) (Position, bool, error) {
	pos, err := scanPosition(db.QueryRow(ctx, `SELECT `+positionColumns+`
FROM stock_positions WHERE item_id=$1 AND location_kind=$2 AND department_id=$3`, itemID, string(loc.Kind), loc.DepartmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Position{}, false, nil
		}
		return Position{}, false, err
	}
	return pos, true, nil
}

// ListPositions lists positions filtered by item and/or location.
func (r *Repository) ListPositions(ctx context.Context, filter PositionFilter) ([]Position, error) {
	var (
		where []string
		args  []any
	)
	if filter.ItemID > 0 {
		args = append(args, filter.ItemID)
		where = append(where, fmt.Sprintf("item_id=$%d", len(args)))
	}
	if filter.Location != nil {
		args = append(args, string(filter.Location.Kind), filter.Location.DepartmentID)
		where = append(where, fmt.Sprintf("location_kind=$%d AND department_id=$%d", len(args)-1, len(args)))
	}
	query := `SELECT ` + positionColumns + ` FROM stock_positions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY item_id, location_kind, department_id LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var positions []Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

const ledgerColumns = `id, number, document_number, item_id, location_kind, department_id, movement_type, quantity, unit_cost, total_cost,
reference_kind, reference_id, balance_before, balance_after, movement_date, created_by, status, note, created_at`

// ListLedger lists ledger entries in posting order.
func (r *Repository) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, vals ...any) {
		args = append(args, vals...)
		placeholders := make([]any, len(vals))
		for i := range vals {
			placeholders[i] = len(args) - len(vals) + i + 1
		}
		where = append(where, fmt.Sprintf(cond, placeholders...))
	}
	if filter.ItemID > 0 {
		add("item_id=$%d", filter.ItemID)
	}
	if filter.Location != nil {
		add("location_kind=$%d AND department_id=$%d", string(filter.Location.Kind), filter.Location.DepartmentID)
	}
	if filter.Reference != nil {
		add("reference_kind=$%d AND reference_id=$%d", string(filter.Reference.Kind), filter.Reference.ID)
	}
	if !filter.From.IsZero() {
		add("movement_date >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("movement_date <= $%d", filter.To)
	}
	query := `SELECT ` + ledgerColumns + ` FROM stock_ledger`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []LedgerEntry
	for rows.Next() {
		var (
			e                          LedgerEntry
			kind, typ, refKind, status string
			createdBy                  *int64
		)
		if err := rows.Scan(&e.ID, &e.Number, &e.DocumentNumber, &e.ItemID, &kind, &e.Location.DepartmentID, &typ, &e.Quantity, &e.UnitCost, &e.TotalCost,
			&refKind, &e.Reference.ID, &e.BalanceBefore, &e.BalanceAfter, &e.MovementDate, &createdBy, &status, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Location.Kind = LocationKind(kind)
		e.Type = MovementType(typ)
		e.Reference.Kind = ReferenceKind(refKind)
		e.Status = MovementStatus(status)
		if createdBy != nil {
			e.CreatedBy = *createdBy
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LedgerSum adds the signed quantities of every entry for the position, reading the same
// snapshot as ReadPosition.
func (q *Queries) LedgerSum(ctx context.Context, itemID int64, loc Location) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := q.tx.QueryRow(ctx, `SELECT COALESCE(SUM(CASE WHEN movement_type IN ('in','transfer_in','adjustment_plus') THEN quantity ELSE -quantity END), 0)
FROM stock_ledger WHERE item_id=$1 AND location_kind=$2 AND department_id=$3 AND status <> 'cancelled'`, itemID, string(loc.Kind), loc.DepartmentID).Scan(&sum)
	return sum, err
}

// ListExpiredReservations returns open reservations whose expiry passed.
func (r *Repository) ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]Reservation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+reservationColumns+` FROM reservations
WHERE released_at IS NULL AND expires_at < $1 ORDER BY expires_at ASC LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReservations(rows)
}

// GetItem loads a catalog item.
func (q *Queries) GetItem(ctx context.Context, itemID int64) (Item, error) {
	var item Item
	err := q.tx.QueryRow(ctx, `SELECT id, code, name, unit, pack_size, reorder_level, safety_stock, standard_cost, controlled, requires_approval
FROM stock_items WHERE id=$1`, itemID).Scan(&item.ID, &item.Code, &item.Name, &item.Unit, &item.PackSize, &item.ReorderLevel, &item.SafetyStock, &item.StandardCost, &item.Controlled, &item.RequiresApproval)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, shared.ErrNotFound
	}
	return item, err
}

// LockPosition creates the position row when missing and locks it.
func (q *Queries) LockPosition(ctx context.Context, itemID int64, loc Location) (Position, error) {
	if _, err := q.tx.Exec(ctx, `INSERT INTO stock_positions (item_id, location_kind, department_id, on_hand, reserved, available, avg_cost, total_value, updated_at)
VALUES ($1,$2,$3,0,0,0,0,0,NOW())
ON CONFLICT (item_id, location_kind, department_id) DO NOTHING`, itemID, string(loc.Kind), loc.DepartmentID); err != nil {
		return Position{}, db.Classify(err, "stock_positions")
	}
	pos, err := scanPosition(q.tx.QueryRow(ctx, `SELECT `+positionColumns+`
FROM stock_positions WHERE item_id=$1 AND location_kind=$2 AND department_id=$3 `+q.RowLock(), itemID, string(loc.Kind), loc.DepartmentID))
	if err != nil {
		return Position{}, db.Classify(err, "stock_positions")
	}
	return pos, nil
}

// SavePosition writes back a locked position.
func (q *Queries) SavePosition(ctx context.Context, pos Position) error {
	_, err := q.tx.Exec(ctx, `UPDATE stock_positions
SET on_hand=$4, reserved=$5, available=$6, avg_cost=$7, total_value=$8, updated_at=$9
WHERE item_id=$1 AND location_kind=$2 AND department_id=$3`,
		pos.ItemID, string(pos.Location.Kind), pos.Location.DepartmentID, pos.OnHand, pos.Reserved, pos.Available, pos.AvgCost, pos.TotalValue, pos.UpdatedAt)
	return err
}

// InsertLedgerEntry appends a ledger entry.
func (q *Queries) InsertLedgerEntry(ctx context.Context, e LedgerEntry) (int64, error) {
	var id int64
	err := q.tx.QueryRow(ctx, `INSERT INTO stock_ledger (number, document_number, item_id, location_kind, department_id, movement_type, quantity, unit_cost, total_cost,
reference_kind, reference_id, balance_before, balance_after, movement_date, created_by, status, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18) RETURNING id`,
		e.Number, e.DocumentNumber, e.ItemID, string(e.Location.Kind), e.Location.DepartmentID, string(e.Type), e.Quantity, e.UnitCost, e.TotalCost,
		string(e.Reference.Kind), e.Reference.ID, e.BalanceBefore, e.BalanceAfter, e.MovementDate, nullInt(e.CreatedBy), string(e.Status), e.Note, e.CreatedAt).Scan(&id)
	if db.IsUniqueViolation(err) {
		return 0, &shared.ConcurrencyConflictError{Resource: "stock_ledger.number", Err: err}
	}
	return id, err
}

// NextSequence bumps the (prefix, bucket) counter atomically.
func (q *Queries) NextSequence(ctx context.Context, prefix, bucket string) (int64, error) {
	var seq int64
	err := q.tx.QueryRow(ctx, `INSERT INTO document_sequences (prefix, bucket, seq)
VALUES ($1, $2, 1)
ON CONFLICT (prefix, bucket)
DO UPDATE SET seq = document_sequences.seq + 1
RETURNING seq`, prefix, bucket).Scan(&seq)
	return seq, db.Classify(err, "document_sequences")
}

const reservationColumns = `token, item_id, location_kind, department_id, quantity, reference_kind, reference_id, created_by, created_at, expires_at, released_at`

// InsertReservation stores a new reservation.
func (q *Queries) InsertReservation(ctx context.Context, res Reservation) error {
	_, err := q.tx.Exec(ctx, `INSERT INTO reservations (`+reservationColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULL)`,
		res.Token, res.ItemID, string(res.Location.Kind), res.Location.DepartmentID, res.Quantity, string(res.Reference.Kind), res.Reference.ID, nullInt(res.CreatedBy), res.CreatedAt, res.ExpiresAt)
	return err
}

// GetReservationForUpdate loads and locks a reservation.
func (q *Queries) GetReservationForUpdate(ctx context.Context, token uuid.UUID) (Reservation, error) {
	rows, err := q.tx.Query(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE token=$1 FOR UPDATE`, token)
	if err != nil {
		return Reservation{}, db.Classify(err, "reservations")
	}
	defer rows.Close()
	list, err := collectReservations(rows)
	if err != nil {
		return Reservation{}, db.Classify(err, "reservations")
	}
	if len(list) == 0 {
		return Reservation{}, shared.ErrNotFound
	}
	return list[0], nil
}

// ListOpenReservations returns unreleased reservations held for ref, locked.
func (q *Queries) ListOpenReservations(ctx context.Context, ref Reference) ([]Reservation, error) {
	rows, err := q.tx.Query(ctx, `SELECT `+reservationColumns+` FROM reservations
WHERE reference_kind=$1 AND reference_id=$2 AND released_at IS NULL ORDER BY item_id, created_at FOR UPDATE`, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, db.Classify(err, "reservations")
	}
	defer rows.Close()
	return collectReservations(rows)
}

// MarkReservationReleased stamps the release time.
func (q *Queries) MarkReservationReleased(ctx context.Context, token uuid.UUID, at time.Time) error {
	_, err := q.tx.Exec(ctx, `UPDATE reservations SET released_at=$2 WHERE token=$1 AND released_at IS NULL`, token, at)
	return err
}

func collectReservations(rows pgx.Rows) ([]Reservation, error) {
	var list []Reservation
	for rows.Next() {
		var (
			res           Reservation
			kind, refKind string
			createdBy     *int64
		)
		if err := rows.Scan(&res.Token, &res.ItemID, &kind, &res.Location.DepartmentID, &res.Quantity, &refKind, &res.Reference.ID, &createdBy, &res.CreatedAt, &res.ExpiresAt, &res.ReleasedAt); err != nil {
			return nil, err
		}
		res.Location.Kind = LocationKind(kind)
		res.Reference.Kind = ReferenceKind(refKind)
		if createdBy != nil {
			res.CreatedBy = *createdBy
		}
		list = append(list, res)
	}
	return list, rows.Err()
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
