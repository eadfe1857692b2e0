package inventory

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-stock/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/positions", h.listPositions)
	r.Get("/positions/{itemID}", h.getPosition)
	r.Get("/positions/{itemID}/reconcile", h.reconcile)
	r.Get("/ledger", h.ledger)
	r.Post("/receipts", h.receive)
	r.Post("/issues", h.issue)
	r.Post("/transfers", h.transfer)
	r.Post("/adjustments", h.adjust)
	r.Post("/reservations", h.reserve)
	r.Delete("/reservations/{token}", h.release)
	r.Post("/numbers/{prefix}", h.allocateNumber)
}

type positionView struct {
	ItemID     int64           `json:"item_id"`
	Location   string          `json:"location"`
	OnHand     decimal.Decimal `json:"on_hand"`
	Reserved   decimal.Decimal `json:"reserved"`
	Available  decimal.Decimal `json:"available"`
	AvgCost    decimal.Decimal `json:"avg_cost"`
	TotalValue decimal.Decimal `json:"total_value"`
	UpdatedAt  *time.Time      `json:"updated_at,omitempty"`
}

func toPositionView(p Position) positionView {
	v := positionView{
		ItemID:     p.ItemID,
		Location:   p.Location.String(),
		OnHand:     p.OnHand,
		Reserved:   p.Reserved,
		Available:  p.Available,
		AvgCost:    p.AvgCost,
		TotalValue: p.TotalValue,
	}
	if !p.UpdatedAt.IsZero() {
		at := p.UpdatedAt
		v.UpdatedAt = &at
	}
	return v
}

type entryView struct {
	ID             int64           `json:"id"`
	Number         string          `json:"number"`
	DocumentNumber string          `json:"document_number,omitempty"`
	ItemID         int64           `json:"item_id"`
	Location       string          `json:"location"`
	Type           MovementType    `json:"movement_type"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	ReferenceKind  ReferenceKind   `json:"reference_type"`
	ReferenceID    int64           `json:"reference_id"`
	BalanceBefore  decimal.Decimal `json:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	MovementDate   time.Time       `json:"movement_date"`
	CreatedBy      int64           `json:"created_by,omitempty"`
	Status         MovementStatus  `json:"status"`
	Note           string          `json:"note,omitempty"`
}

func toEntryView(e LedgerEntry) entryView {
	return entryView{
		ID:             e.ID,
		Number:         e.Number,
		DocumentNumber: e.DocumentNumber,
		ItemID:         e.ItemID,
		Location:       e.Location.String(),
		Type:           e.Type,
		Quantity:       e.Quantity,
		UnitCost:       e.UnitCost,
		TotalCost:      e.TotalCost,
		ReferenceKind:  e.Reference.Kind,
		ReferenceID:    e.Reference.ID,
		BalanceBefore:  e.BalanceBefore,
		BalanceAfter:   e.BalanceAfter,
		MovementDate:   e.MovementDate,
		CreatedBy:      e.CreatedBy,
		Status:         e.Status,
		Note:           e.Note,
	}
}

func toEntryViews(entries []LedgerEntry) []entryView {
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryView(e))
	}
	return out
}

func queryLocation(r *http.Request) (Location, error) {
	loc, err := ParseLocation(r.URL.Query().Get("location"))
	if err != nil {
		return Location{}, shared.NewValidationError("location", err.Error())
	}
	return loc, nil
}

func (h *Handler) listPositions(w http.ResponseWriter, r *http.Request) {
	itemID, err := httpx.QueryInt64(r, "item_id")
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
	filter := PositionFilter{ItemID: itemID, Limit: int(limit), Offset: int(offset)}
	if r.URL.Query().Get("location") != "" {
		loc, err := queryLocation(r)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		filter.Location = &loc
	}
	positions, err := h.service.ListPositions(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, toPositionView(p))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) getPosition(w http.ResponseWriter, r *http.Request) {
	itemID, err := httpx.PathInt64(r, "itemID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	loc, err := queryLocation(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	pos, err := h.service.GetPosition(r.Context(), itemID, loc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPositionView(pos))
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	itemID, err := httpx.PathInt64(r, "itemID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	loc, err := queryLocation(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rec, err := h.service.Reconcile(r.Context(), itemID, loc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"item_id":    rec.ItemID,
		"location":   rec.Location.String(),
		"ledger_sum": rec.LedgerSum,
		"on_hand":    rec.OnHand,
		"matches":    rec.Matches,
	})
}

func (h *Handler) ledger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	itemID, err := httpx.QueryInt64(r, "item_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, err := httpx.QueryInt64(r, "limit")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := LedgerFilter{ItemID: itemID, Limit: int(limit)}
	if q.Get("location") != "" {
		loc, err := queryLocation(r)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		filter.Location = &loc
	}
	if kind := q.Get("reference_type"); kind != "" {
		refID, err := httpx.QueryInt64(r, "reference_id")
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		filter.Reference = &Reference{Kind: ReferenceKind(kind), ID: refID}
	}
	for name, target := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.RespondError(w, shared.NewValidationError(name, "must be a YYYY-MM-DD date"))
			return
		}
		*target = parsed
	}
	if !filter.To.IsZero() {
		filter.To = filter.To.Add(24*time.Hour - time.Nanosecond)
	}
	entries, err := h.service.Ledger(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toEntryViews(entries))
}

type receiptRequest struct {
	Code       string          `json:"code"`
	ItemID     int64           `json:"item_id"`
	Location   string          `json:"location"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	PurchaseID int64           `json:"purchase_id"`
	Note       string          `json:"note"`
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	loc, err := parseBodyLocation(req.Location)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.Receive(r.Context(), ReceiveInput{
		Code:       req.Code,
		ItemID:     req.ItemID,
		Location:   loc,
		Quantity:   req.Quantity,
		UnitCost:   req.UnitCost,
		PurchaseID: req.PurchaseID,
		Note:       req.Note,
		ActorID:    shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toEntryView(entry))
}

type issueRequest struct {
	Code          string          `json:"code"`
	ItemID        int64           `json:"item_id"`
	Location      string          `json:"location"`
	Quantity      decimal.Decimal `json:"quantity"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   int64           `json:"reference_id"`
	Note          string          `json:"note"`
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	loc, err := parseBodyLocation(req.Location)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.Issue(r.Context(), IssueInput{
		Code:      req.Code,
		ItemID:    req.ItemID,
		Location:  loc,
		Quantity:  req.Quantity,
		Reference: bodyReference(req.ReferenceType, req.ReferenceID),
		Note:      req.Note,
		ActorID:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toEntryView(entry))
}

type transferRequest struct {
	Code       string          `json:"code"`
	ItemID     int64           `json:"item_id"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Quantity   decimal.Decimal `json:"quantity"`
	TransferID int64           `json:"transfer_id"`
	Note       string          `json:"note"`
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	from, err := parseBodyLocation(req.From)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	to, err := parseBodyLocation(req.To)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Transfer(r.Context(), TransferInput{
		Code:       req.Code,
		ItemID:     req.ItemID,
		From:       from,
		To:         to,
		Quantity:   req.Quantity,
		TransferID: req.TransferID,
		Note:       req.Note,
		ActorID:    shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"document_number": result.DocumentNumber,
		"out":             toEntryView(result.Out),
		"in":              toEntryView(result.In),
	})
}

type adjustmentRequest struct {
	Code     string           `json:"code"`
	ItemID   int64            `json:"item_id"`
	Location string           `json:"location"`
	Quantity decimal.Decimal  `json:"quantity"`
	UnitCost *decimal.Decimal `json:"unit_cost"`
	Note     string           `json:"note"`
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	loc, err := parseBodyLocation(req.Location)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.Adjust(r.Context(), AdjustInput{
		Code:     req.Code,
		ItemID:   req.ItemID,
		Location: loc,
		Quantity: req.Quantity,
		UnitCost: req.UnitCost,
		Note:     req.Note,
		ActorID:  shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toEntryView(entry))
}

type reservationRequest struct {
	ItemID        int64           `json:"item_id"`
	Location      string          `json:"location"`
	Quantity      decimal.Decimal `json:"quantity"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   int64           `json:"reference_id"`
	TTLSeconds    int64           `json:"ttl_seconds"`
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	loc, err := parseBodyLocation(req.Location)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Reserve(r.Context(), ReserveInput{
		ItemID:    req.ItemID,
		Location:  loc,
		Quantity:  req.Quantity,
		Reference: bodyReference(req.ReferenceType, req.ReferenceID),
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
		ActorID:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"token":      res.Token,
		"item_id":    res.ItemID,
		"location":   res.Location.String(),
		"quantity":   res.Quantity,
		"expires_at": res.ExpiresAt,
	})
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	token, err := uuid.Parse(chi.URLParam(r, "token"))
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("token", "must be a uuid"))
		return
	}
	if err := h.service.Release(r.Context(), token); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) allocateNumber(w http.ResponseWriter, r *http.Request) {
	prefix := strings.ToUpper(chi.URLParam(r, "prefix"))
	number, err := h.service.AllocateNumber(r.Context(), prefix)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]string{"number": number})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if ErrorReason(err) == "internal" {
		h.logger.Error("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseBodyLocation(raw string) (Location, error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return Location{}, shared.NewValidationError("location", err.Error())
	}
	return loc, nil
}

func bodyReference(kind string, id int64) Reference {
	if kind == "" {
		return Reference{Kind: RefManual}
	}
	return Reference{Kind: ReferenceKind(kind), ID: id}
}
