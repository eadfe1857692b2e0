package stockcount

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

// Handler exposes the stock count workflow over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs stock count handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers stock count routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Get("/{id}/history", h.history)
	r.Post("/{id}/start", h.start)
	r.Put("/{id}/items/{itemID}", h.recordCount)
	r.Post("/{id}/verify", h.verify)
	r.Post("/{id}/complete", h.complete)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/finalize", h.finalize)
	r.Post("/{id}/cancel", h.cancel)
}

type itemView struct {
	ID              int64           `json:"id"`
	ItemID          int64           `json:"item_id"`
	SystemQuantity  decimal.Decimal `json:"system_quantity"`
	CountedQuantity decimal.Decimal `json:"counted_quantity"`
	Variance        decimal.Decimal `json:"variance"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	Status          ItemStatus      `json:"status"`
	Note            string          `json:"note,omitempty"`
	CountedAt       *time.Time      `json:"counted_at,omitempty"`
	AdjustmentEntry string          `json:"adjustment_entry,omitempty"`
}

type countView struct {
	ID            int64           `json:"id"`
	Number        string          `json:"number"`
	Location      string          `json:"location"`
	CountDate     time.Time       `json:"count_date"`
	Status        Status          `json:"status"`
	Note          string          `json:"note,omitempty"`
	CreatedBy     int64           `json:"created_by"`
	ApprovedBy    int64           `json:"approved_by,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ApprovedAt    *time.Time      `json:"approved_at,omitempty"`
	FinalizedAt   *time.Time      `json:"finalized_at,omitempty"`
	VarianceValue decimal.Decimal `json:"variance_value"`
	Items         []itemView      `json:"items,omitempty"`
}

func toView(c Count) countView {
	v := countView{
		ID:            c.ID,
		Number:        c.Number,
		Location:      c.Location.String(),
		CountDate:     c.CountDate,
		Status:        c.Status,
		Note:          c.Note,
		CreatedBy:     c.CreatedBy,
		ApprovedBy:    c.ApprovedBy,
		StartedAt:     c.StartedAt,
		CompletedAt:   c.CompletedAt,
		ApprovedAt:    c.ApprovedAt,
		FinalizedAt:   c.FinalizedAt,
		VarianceValue: c.Summarize().VarianceValue,
	}
	for _, it := range c.Items {
		v.Items = append(v.Items, itemView{
			ID:              it.ID,
			ItemID:          it.ItemID,
			SystemQuantity:  it.SystemQuantity,
			CountedQuantity: it.CountedQuantity,
			Variance:        it.Variance,
			UnitCost:        it.UnitCost,
			Status:          it.Status,
			Note:            it.Note,
			CountedAt:       it.CountedAt,
			AdjustmentEntry: it.AdjustmentEntry,
		})
	}
	return v
}

type createRequest struct {
	Location  string  `json:"location"`
	CountDate string  `json:"count_date"`
	ItemIDs   []int64 `json:"item_ids"`
	Note      string  `json:"note"`
}

type recordRequest struct {
	CountedQuantity decimal.Decimal `json:"counted_quantity"`
	Note            string          `json:"note"`
}

type verifyRequest struct {
	ItemIDs []int64 `json:"item_ids"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
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
	filter := ListFilter{Status: Status(r.URL.Query().Get("status")), Limit: int(limit), Offset: int(offset)}
	if raw := r.URL.Query().Get("location"); raw != "" {
		loc, err := inventory.ParseLocation(raw)
		if err != nil {
			httpx.RespondError(w, shared.NewValidationError("location", err.Error()))
			return
		}
		filter.Location = &loc
	}
	counts, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]countView, 0, len(counts))
	for _, c := range counts {
		views = append(views, toView(c))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	loc, err := inventory.ParseLocation(body.Location)
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("location", err.Error()))
		return
	}
	in := CreateInput{Location: loc, ItemIDs: body.ItemIDs, Note: body.Note, ActorID: shared.ActorFromContext(r.Context())}
	if body.CountDate != "" {
		in.CountDate, err = time.Parse("2006-01-02", body.CountDate)
		if err != nil {
			httpx.RespondError(w, shared.NewValidationError("count_date", "must be a YYYY-MM-DD date"))
			return
		}
	}
	c, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toView(c))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(c))
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

func (h *Handler) recordCount(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	itemID, err := httpx.PathInt64(r, "itemID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body recordRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.RecordCount(r.Context(), RecordInput{
		CountID:     id,
		CountItemID: itemID,
		Counted:     body.CountedQuantity,
		Note:        body.Note,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(c))
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body verifyRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	c, err := h.service.Verify(r.Context(), id, shared.ActorFromContext(r.Context()), body.ItemIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(c))
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Start)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Complete)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Approve)
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Finalize)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actorID int64) (Count, error)) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := fn(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(c))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if inventory.ErrorReason(err) == "internal" {
		h.logger.Error("stock count request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
