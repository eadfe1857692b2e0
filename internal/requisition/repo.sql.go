package requisition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/internal/platform/db"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// Repository persists stock requests in PostgreSQL.
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

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("requisition repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{Queries: inventory.NewQueries(tx, r.noWait), tx: tx})
	})
}

// GetRequest loads a request with items and rounds.
func (r *Repository) GetRequest(ctx context.Context, id int64) (Request, error) {
	return loadRequest(ctx, r.pool, id, "")
}

const headerColumns = `id, number, requester_id, department_id, status, priority, note, reject_reason, created_at, submitted_at, approved_at, completed_at`

func scanHeader(row pgx.Row) (Request, error) {
	var (
		req              Request
		status, priority string
	)
	err := row.Scan(&req.ID, &req.Number, &req.RequesterID, &req.DepartmentID, &status, &priority, &req.Note, &req.RejectReason,
		&req.CreatedAt, &req.SubmittedAt, &req.ApprovedAt, &req.CompletedAt)
	req.Status = Status(status)
	req.Priority = Priority(priority)
	return req, err
}

func loadRequest(ctx context.Context, q querier, id int64, lock string) (Request, error) {
	req, err := scanHeader(q.QueryRow(ctx, `SELECT `+headerColumns+` FROM requisitions WHERE id=$1 `+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, fmt.Errorf("requisition %d: %w", id, shared.ErrNotFound)
		}
		return Request{}, db.Classify(err, "requisitions")
	}
	rows, err := q.Query(ctx, `SELECT id, requisition_id, item_id, quantity_requested, quantity_issued, unit_cost, note
FROM requisition_items WHERE requisition_id=$1 ORDER BY id`, id)
	if err != nil {
		return Request{}, err
	}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.RequestID, &it.ItemID, &it.QuantityRequested, &it.QuantityIssued, &it.UnitCost, &it.Note); err != nil {
			rows.Close()
			return Request{}, err
		}
		req.Items = append(req.Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Request{}, err
	}

	rows, err = q.Query(ctx, `SELECT r.id, r.approver_id, r.approved_at, r.note, l.requisition_item_id, l.quantity
FROM request_approval_rounds r
JOIN request_approval_lines l ON l.round_id = r.id
WHERE r.requisition_id=$1 ORDER BY r.id, l.requisition_item_id`, id)
	if err != nil {
		return Request{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			round ApprovalRound
			line  ApprovalLine
		)
		if err := rows.Scan(&round.ID, &round.ApproverID, &round.ApprovedAt, &round.Note, &line.RequestItemID, &line.Quantity); err != nil {
			return Request{}, err
		}
		if n := len(req.Rounds); n > 0 && req.Rounds[n-1].ID == round.ID {
			req.Rounds[n-1].Lines = append(req.Rounds[n-1].Lines, line)
			continue
		}
		round.RequestID = id
		round.Lines = []ApprovalLine{line}
		req.Rounds = append(req.Rounds, round)
	}
	if err := rows.Err(); err != nil {
		return Request{}, err
	}
	req.ApplyRounds()
	return req, nil
}

// ListRequests lists headers, newest first.
func (r *Repository) ListRequests(ctx context.Context, filter ListFilter) ([]Request, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if filter.DepartmentID > 0 {
		args = append(args, filter.DepartmentID)
		where = append(where, fmt.Sprintf("department_id=$%d", len(args)))
	}
	query := `SELECT ` + headerColumns + ` FROM requisitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		req, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (t *txRepo) CreateRequest(ctx context.Context, req Request) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO requisitions (number, requester_id, department_id, status, priority, note, reject_reason, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,'',$7,$7) RETURNING id`, req.Number, req.RequesterID, req.DepartmentID, string(req.Status), string(req.Priority), req.Note, req.CreatedAt).Scan(&id)
	return id, db.Classify(err, "requisitions")
}

func (t *txRepo) InsertItem(ctx context.Context, item Item) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO requisition_items (requisition_id, item_id, quantity_requested, quantity_issued, unit_cost, note)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, item.RequestID, item.ItemID, item.QuantityRequested, item.QuantityIssued, item.UnitCost, item.Note).Scan(&id)
	return id, db.Classify(err, "requisition_items")
}

func (t *txRepo) DeleteItems(ctx context.Context, requestID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM requisition_items WHERE requisition_id=$1`, requestID)
	return err
}

func (t *txRepo) GetRequestForUpdate(ctx context.Context, id int64) (Request, error) {
	return loadRequest(ctx, t.tx, id, t.RowLock())
}

func (t *txRepo) InsertApprovalRound(ctx context.Context, round ApprovalRound) (int64, error) {
	var id int64
	if err := t.tx.QueryRow(ctx, `INSERT INTO request_approval_rounds (requisition_id, approver_id, approved_at, note)
VALUES ($1,$2,$3,$4) RETURNING id`, round.RequestID, round.ApproverID, round.ApprovedAt, round.Note).Scan(&id); err != nil {
		return 0, err
	}
	for _, line := range round.Lines {
		if _, err := t.tx.Exec(ctx, `INSERT INTO request_approval_lines (round_id, requisition_item_id, quantity) VALUES ($1,$2,$3)`,
			id, line.RequestItemID, line.Quantity); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status Status, at time.Time, note string) error {
	query := `UPDATE requisitions SET status=$2, updated_at=$3`
	args := []any{id, string(status), at}
	switch status {
	case StatusSubmitted:
		query += ", submitted_at=$3"
	case StatusApproved:
		query += ", approved_at=$3"
	case StatusCompleted:
		query += ", completed_at=$3"
	case StatusRejected:
		query += ", reject_reason=$4"
		args = append(args, note)
	}
	_, err := t.tx.Exec(ctx, query+` WHERE id=$1`, args...)
	return err
}

func (t *txRepo) SetIssued(ctx context.Context, requestItemID int64, issued, unitCost decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE requisition_items SET quantity_issued=$2, unit_cost=$3 WHERE id=$1`, requestItemID, issued, unitCost)
	return err
}
