package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ApprovalAction enumerates approval log actions.
type ApprovalAction string

const (
	// ApprovalSubmit marks a submit action.
	ApprovalSubmit ApprovalAction = "SUBMIT"
	// ApprovalApprove marks an approve action.
	ApprovalApprove ApprovalAction = "APPROVE"
	// ApprovalReject marks a reject action.
	ApprovalReject ApprovalAction = "REJECT"
	// ApprovalCancel marks a cancel action.
	ApprovalCancel ApprovalAction = "CANCEL"
	// ApprovalComplete marks a completion that moved stock.
	ApprovalComplete ApprovalAction = "COMPLETE"
	// ApprovalStart marks the start of a stock count.
	ApprovalStart ApprovalAction = "START"
	// ApprovalVerify marks verification of counted items.
	ApprovalVerify ApprovalAction = "VERIFY"
	// ApprovalFinalize marks a stock count finalization.
	ApprovalFinalize ApprovalAction = "FINALIZE"
)

// ApprovalLog represents a single approval record.
type ApprovalLog struct {
	ID      int64
	Module  string
	RefID   uuid.UUID
	ActorID int64
	Action  ApprovalAction
	Note    string
	At      time.Time
}

// DocumentRef derives the stable approval reference for a workflow document.
func DocumentRef(module string, id int64) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("%s:%d", module, id)))
}

// TransitionEvent describes one workflow state change for the notification service.
type TransitionEvent struct {
	Module     string
	DocumentID int64
	Number     string
	From       string
	To         string
	ActorID    int64
	At         time.Time
	Note       string
}

func (l ApprovalLog) validate() error {
	switch {
	case l.Module == "":
		return NewValidationError("module", "is required")
	case l.RefID == uuid.Nil:
		return NewValidationError("ref_id", "is required")
	case l.ActorID <= 0:
		return NewValidationError("actor_id", "is required")
	case l.Action == "":
		return NewValidationError("action", "is required")
	}
	return nil
}

// ApprovalRecorder keeps the append-only approval trail of requisitions and stock counts.
type ApprovalRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(pool *pgxpool.Pool, logger *slog.Logger) *ApprovalRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalRecorder{pool: pool, logger: logger}
}

// Record appends one transition to the trail.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if r == nil || r.pool == nil {
		return errors.New("shared: approval recorder not configured")
	}
	if err := log.validate(); err != nil {
		return err
	}
	at := log.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := r.pool.Exec(ctx, `INSERT INTO approvals (module, ref_id, actor_id, action, note, at)
VALUES ($1, $2, $3, $4, $5, $6)`, log.Module, log.RefID, log.ActorID, string(log.Action), log.Note, at.UTC()); err != nil {
		r.logger.Error("record approval",
			slog.String("module", log.Module),
			slog.String("action", string(log.Action)),
			slog.Any("error", err))
		return err
	}
	return nil
}

// History returns the trail of one document, oldest first.
func (r *ApprovalRecorder) History(ctx context.Context, module string, documentID int64) ([]ApprovalLog, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("shared: approval recorder not configured")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, module, ref_id, actor_id, action, note, at
FROM approvals WHERE module=$1 AND ref_id=$2 ORDER BY at ASC, id ASC`, module, DocumentRef(module, documentID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []ApprovalLog
	for rows.Next() {
		var (
			l      ApprovalLog
			action string
		)
		if err := rows.Scan(&l.ID, &l.Module, &l.RefID, &l.ActorID, &action, &l.Note, &l.At); err != nil {
			return nil, err
		}
		l.Action = ApprovalAction(action)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
