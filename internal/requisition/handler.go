package requisition

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// Handler exposes the stock request workflow over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs requisition handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers requisition routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Get("/{id}/history", h.history)
	r.Put("/{id}/items", h.updateItems)
	r.Post("/{id}/submit", h.submit)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/complete", h.complete)
	r.Post("/{id}/reject", h.reject)
	r.Post("/{id}/cancel", h.cancel)
}

type itemView struct {
	ID                int64           `json:"id"`
	ItemID            int64           `json:"item_id"`
	QuantityRequested decimal.Decimal `json:"quantity_requested"`
	QuantityApproved  decimal.Decimal `json:"quantity_approved"`
	QuantityIssued    decimal.Decimal `json:"quantity_issued"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	Note              string          `json:"note,omitempty"`
}

type roundView struct {
	ApproverID int64          `json:"approver_id"`
	ApprovedAt time.Time      `json:"approved_at"`
	Note       string         `json:"note,omitempty"`
	Lines      []approvalLine `json:"lines"`
}

type requestView struct {
	ID           int64       `json:"id"`
	Number       string      `json:"number"`
	RequesterID  int64       `json:"requester_id"`
	DepartmentID int64       `json:"department_id"`
	Status       Status      `json:"status"`
	Priority     Priority    `json:"priority"`
	Note         string      `json:"note,omitempty"`
	RejectReason string      `json:"reject_reason,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	SubmittedAt  *time.Time  `json:"submitted_at,omitempty"`
	ApprovedAt   *time.Time  `json:"approved_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	Items        []itemView  `json:"items,omitempty"`
	Rounds       []roundView `json:"approval_rounds,omitempty"`
}

func toView(req Request) requestView {
	v := requestView{
		ID:           req.ID,
		Number:       req.Number,
		RequesterID:  req.RequesterID,
		DepartmentID: req.DepartmentID,
		Status:       req.Status,
		Priority:     req.Priority,
		Note:         req.Note,
		RejectReason: req.RejectReason,
		CreatedAt:    req.CreatedAt,
		SubmittedAt:  req.SubmittedAt,
		ApprovedAt:   req.ApprovedAt,
		CompletedAt:  req.CompletedAt,
	}
	for _, it := range req.Items {
		v.Items = append(v.Items, itemView{
			ID:                it.ID,
			ItemID:            it.ItemID,
			QuantityRequested: it.QuantityRequested,
			QuantityApproved:  it.QuantityApproved,
			QuantityIssued:    it.QuantityIssued,
			UnitCost:          it.UnitCost,
			Note:              it.Note,
		})
	}
	for _, round := range req.Rounds {
		rv := roundView{ApproverID: round.ApproverID, ApprovedAt: round.ApprovedAt, Note: round.Note}
		for _, line := range round.Lines {
			rv.Lines = append(rv.Lines, approvalLine{RequestItemID: line.RequestItemID, Quantity: line.Quantity})
		}
		v.Rounds = append(v.Rounds, rv)
	}
	return v
}

type itemRequest struct {
	ItemID   int64           `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Note     string          `json:"note"`
}

func toItemInputs(items []itemRequest) []ItemInput {
	out := make([]ItemInput, 0, len(items))
	for _, it := range items {
		out = append(out, ItemInput{ItemID: it.ItemID, Quantity: it.Quantity, Note: it.Note})
	}
	return out
}

type createRequest struct {
	DepartmentID int64         `json:"department_id"`
	Priority     Priority      `json:"priority"`
	Note         string        `json:"note"`
	Items        []itemRequest `json:"items"`
}

type approvalLine struct {
	RequestItemID int64           `json:"request_item_id"`
	Quantity      decimal.Decimal `json:"quantity"`
}

type approveRequest struct {
	Note  string         `json:"note"`
	Lines []approvalLine `json:"lines"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	deptID, err := httpx.QueryInt64(r, "department_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, err := httpx.QueryInt64(r, "limit")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	offset, err := httpx.QueryInt64(r, "offset")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	requests, err := h.service.List(r.Context(), ListFilter{
		Status:       Status(r.URL.Query().Get("status")),
		DepartmentID: deptID,
		Limit:        int(limit),
		Offset:       int(offset),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]requestView, 0, len(requests))
	for _, req := range requests {
		views = append(views, toView(req))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.Create(r.Context(), CreateInput{
		RequesterID:  shared.ActorFromContext(r.Context()),
		DepartmentID: body.DepartmentID,
		Priority:     body.Priority,
		Note:         body.Note,
		Items:        toItemInputs(body.Items),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toView(req))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(req))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	logs, err := h.service.History(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": httpx.ApprovalViews(logs)})
}

func (h *Handler) updateItems(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body struct {
		Items []itemRequest `json:"items"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.UpdateItems(r.Context(), id, shared.ActorFromContext(r.Context()), toItemInputs(body.Items))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(req))
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.service.Submit)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.service.Complete)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body approveRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := ApproveInput{RequestID: id, ApproverID: shared.ActorFromContext(r.Context()), Note: body.Note}
	for _, line := range body.Lines {
		in.Lines = append(in.Lines, ApprovalLine{RequestItemID: line.RequestItemID, Quantity: line.Quantity})
	}
	req, err := h.service.Approve(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(req))
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.reasonTransition(w, r, h.service.Reject)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.reasonTransition(w, r, h.service.Cancel)
}

func (h *Handler) simpleTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actorID int64) (Request, error)) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := fn(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(req))
}

func (h *Handler) reasonTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actorID int64, reason string) (Request, error)) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body reasonRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	req, err := fn(r.Context(), id, shared.ActorFromContext(r.Context()), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(req))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if inventory.ErrorReason(err) == "internal" {
		h.logger.Error("requisition request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
