package inventory

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/lotledger/internal/platform/httpx"
	"github.com/odyssey-erp/lotledger/internal/shared"
)

const dateLayout = "2006-01-02"

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	alerts    *AlertStore
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service, alerts *AlertStore) *Handler {
	return &Handler{logger: logger, service: service, alerts: alerts, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/allocate-preview", h.handlePreview)
	r.Post("/receive", h.handleReceive)
	r.Post("/issue", h.handleIssue)
	r.Get("/issue/{id}", h.handleGetIssue)
	r.Patch("/issue/{id}/cancel", h.handleCancel)
	r.Post("/transfer", h.handleTransfer)
	r.Get("/transfer/{id}", h.handleGetTransfer)
	r.Patch("/transfer/{id}/confirm", h.handleConfirm)
	r.Patch("/transfer/{id}/reject", h.handleReject)
	r.Post("/adjust", h.handleAdjust)
	r.Post("/damage", h.handleDamage)
	r.Post("/stock-count", h.handleStockCount)
	r.Post("/reclassify", h.handleReclassify)
	r.Get("/lots", h.handleLots)
	r.Get("/issue-history", h.handleIssueHistory)
	r.Get("/transfer-history", h.handleTransferHistory)
	r.Get("/adjustment-history", h.handleAdjustmentHistory)
	r.Get("/in-transit", h.handleInTransit)
	r.Get("/alerts", h.handleAlerts)
}

type previewRequest struct {
	ProductID   int64           `json:"product_id" validate:"required,gt=0"`
	WarehouseID int64           `json:"warehouse_id" validate:"required,gt=0"`
	Qty         decimal.Decimal `json:"qty"`
}

type receiveLineRequest struct {
	ProductID      int64           `json:"product_id" validate:"required,gt=0"`
	LotCode        string          `json:"lot_code" validate:"required,max=64"`
	Qty            decimal.Decimal `json:"qty"`
	ProductionDate string          `json:"production_date" validate:"omitempty,datetime=2006-01-02"`
	ExpDate        string          `json:"exp_date" validate:"omitempty,datetime=2006-01-02"`
}

type receiveRequest struct {
	WarehouseID int64                `json:"warehouse_id" validate:"required,gt=0"`
	SupplierID  int64                `json:"supplier_id" validate:"gte=0"`
	Note        string               `json:"note" validate:"max=500"`
	Lines       []receiveLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type outboundLineRequest struct {
	LotID     int64           `json:"lot_id" validate:"required_without=ProductID,excluded_with=ProductID"`
	ProductID int64           `json:"product_id" validate:"required_without=LotID"`
	Qty       decimal.Decimal `json:"qty"`
}

type issueRequest struct {
	WarehouseID int64                 `json:"warehouse_id" validate:"required,gt=0"`
	Type        string                `json:"type" validate:"required"`
	Note        string                `json:"note" validate:"max=500"`
	Lines       []outboundLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type transferRequest struct {
	SourceWarehouseID      int64                 `json:"source_warehouse_id" validate:"required,gt=0"`
	DestinationWarehouseID int64                 `json:"destination_warehouse_id" validate:"required,gt=0"`
	Note                   string                `json:"note" validate:"max=500"`
	Lines                  []outboundLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type adjustRequest struct {
	LotID  int64           `json:"lot_id" validate:"required,gt=0"`
	Qty    decimal.Decimal `json:"qty"`
	Reason string          `json:"reason" validate:"required"`
	Note   string          `json:"note" validate:"max=500"`
}

type damageRequest struct {
	LotID  int64           `json:"lot_id" validate:"required,gt=0"`
	Qty    decimal.Decimal `json:"qty"`
	Reason string          `json:"reason" validate:"max=500"`
}

type stockCountRequest struct {
	LotID   int64           `json:"lot_id" validate:"required,gt=0"`
	Counted decimal.Decimal `json:"counted"`
	Note    string          `json:"note" validate:"max=500"`
}

type reclassifyRequest struct {
	LotID int64           `json:"lot_id" validate:"required,gt=0"`
	From  string          `json:"from" validate:"required,oneof=on_hand damaged"`
	To    string          `json:"to" validate:"required,oneof=on_hand damaged,nefield=From"`
	Qty   decimal.Decimal `json:"qty"`
	Note  string          `json:"note" validate:"max=500"`
}

type noteRequest struct {
	Note string `json:"note" validate:"max=500"`
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req previewRequest
	if !h.decode(w, r, &req) {
		return
	}
	qty, err := ParseQuantity(req.Qty)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	plan, err := h.service.PreviewAllocation(r.Context(), actor, AllocationRequest{ProductID: req.ProductID, WarehouseID: req.WarehouseID, Qty: qty})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, plan)
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := ReceiveInput{WarehouseID: req.WarehouseID, SupplierID: req.SupplierID, Note: req.Note, IdempotencyKey: idempotencyKey(r)}
	for i, line := range req.Lines {
		qty, err := ParseQuantity(line.Qty)
		if err != nil {
			h.writeError(w, r, lineErr(i, 0, line.ProductID, err))
			return
		}
		input.Lines = append(input.Lines, ReceiveLine{
			ProductID:      line.ProductID,
			LotCode:        line.LotCode,
			Qty:            qty,
			ProductionDate: parseDate(line.ProductionDate),
			ExpDate:        parseDate(line.ExpDate),
		})
	}
	txn, err := h.service.Receive(r.Context(), actor, input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("inventory received", slog.Int64("transaction_id", txn.ID), slog.Int64("warehouse_id", txn.WarehouseID), slog.Int64("qty", txn.TotalQty()))
	httpx.JSON(w, http.StatusCreated, txn)
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req issueRequest
	if !h.decode(w, r, &req) {
		return
	}
	picks, products, err := outboundLines(req.Lines)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	txn, err := h.service.Issue(r.Context(), actor, IssueInput{
		WarehouseID:    req.WarehouseID,
		Type:           TransactionType(strings.ToUpper(req.Type)),
		Note:           req.Note,
		Picks:          picks,
		Products:       products,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("inventory issued", slog.Int64("transaction_id", txn.ID), slog.String("type", string(txn.Type)), slog.Int64("qty", txn.TotalQty()))
	httpx.JSON(w, http.StatusCreated, txn)
}

func (h *Handler) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	txn, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, txn)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	txn, err := h.service.Cancel(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("inventory issue cancelled", slog.Int64("transaction_id", txn.ID), slog.Int64("cancelled_by", actor.UserID))
	httpx.JSON(w, http.StatusOK, txn)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	picks, products, err := outboundLines(req.Lines)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.service.CreateTransfer(r.Context(), actor, TransferInput{
		SourceWarehouseID:      req.SourceWarehouseID,
		DestinationWarehouseID: req.DestinationWarehouseID,
		Note:                   req.Note,
		Picks:                  picks,
		Products:               products,
		IdempotencyKey:         idempotencyKey(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("inventory transfer created", slog.Int64("transfer_id", order.ID), slog.Int64("qty", order.TotalQty()))
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	order, err := h.service.GetTransfer(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	order, err := h.service.ConfirmTransfer(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("inventory transfer confirmed", slog.Int64("transfer_id", order.ID), slog.Int64("actor_id", actor.UserID))
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req noteRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.RejectTransfer(r.Context(), actor, id, req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("inventory transfer rejected", slog.Int64("transfer_id", order.ID), slog.Int64("actor_id", actor.UserID))
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req adjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	delta, err := ParseDelta(req.Qty)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.service.Adjust(r.Context(), actor, AdjustInput{
		LotID:          req.LotID,
		Delta:          delta,
		Reason:         AdjustmentReason(strings.ToUpper(req.Reason)),
		Note:           req.Note,
		IdempotencyKey: idempotencyKey(r),
	})
	h.respondMutation(w, r, result, err)
}

func (h *Handler) handleDamage(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req damageRequest
	if !h.decode(w, r, &req) {
		return
	}
	qty, err := ParseQuantity(req.Qty)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.service.Damage(r.Context(), actor, DamageInput{LotID: req.LotID, Qty: qty, Note: req.Reason, IdempotencyKey: idempotencyKey(r)})
	h.respondMutation(w, r, result, err)
}

func (h *Handler) handleStockCount(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req stockCountRequest
	if !h.decode(w, r, &req) {
		return
	}
	counted, err := ParseCount(req.Counted)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.service.CountStock(r.Context(), actor, CountInput{LotID: req.LotID, Counted: counted, Note: req.Note, IdempotencyKey: idempotencyKey(r)})
	h.respondMutation(w, r, result, err)
}

func (h *Handler) handleReclassify(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req reclassifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	qty, err := ParseQuantity(req.Qty)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.service.Reclassify(r.Context(), actor, ReclassifyInput{
		LotID:          req.LotID,
		From:           Bucket(req.From),
		To:             Bucket(req.To),
		Qty:            qty,
		Note:           req.Note,
		IdempotencyKey: idempotencyKey(r),
	})
	h.respondMutation(w, r, result, err)
}

func (h *Handler) respondMutation(w http.ResponseWriter, r *http.Request, result LotMutation, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("inventory lot mutated",
		slog.Int64("lot_id", result.Lot.ID),
		slog.String("reason", string(result.Adjustment.Reason)),
		slog.Int64("delta", result.Adjustment.Delta),
		slog.Int64("damaged_delta", result.Adjustment.DamagedDelta))
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := LotFilter{
		Status:       LotStatus(strings.ToLower(q.Get("status"))),
		Search:       q.Get("q"),
		IncludeEmpty: q.Get("include_empty") == "true",
	}
	var err error
	if filter.ProductID, err = queryInt(q.Get("product_id")); err != nil {
		h.badQuery(w, "product_id")
		return
	}
	if filter.WarehouseID, err = queryInt(q.Get("warehouse_id")); err != nil {
		h.badQuery(w, "warehouse_id")
		return
	}
	switch filter.Status {
	case "", LotStatusActive, LotStatusDamaged, LotStatusExpired:
	default:
		h.badQuery(w, "status")
		return
	}
	filter.Page, filter.PageSize = pageParams(q.Get("page"), q.Get("per_page"))
	page, err := h.service.ListLots(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) handleIssueHistory(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.historyFilter(w, r)
	if !ok {
		return
	}
	page, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) handleTransferHistory(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.historyFilter(w, r)
	if !ok {
		return
	}
	page, err := h.service.ListTransfers(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) handleAdjustmentHistory(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.historyFilter(w, r)
	if !ok {
		return
	}
	page, err := h.service.ListAdjustments(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) handleInTransit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter InTransitFilter
	var err error
	if filter.ProductID, err = queryInt(q.Get("product_id")); err != nil {
		h.badQuery(w, "product_id")
		return
	}
	if filter.WarehouseID, err = queryInt(q.Get("warehouse_id")); err != nil {
		h.badQuery(w, "warehouse_id")
		return
	}
	lines, err := h.service.InTransit(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if lines == nil {
		lines = []InTransitLine{}
	}
	httpx.JSON(w, http.StatusOK, lines)
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	warehouseID, err := queryInt(r.URL.Query().Get("warehouse_id"))
	if err != nil || warehouseID == 0 {
		h.badQuery(w, "warehouse_id")
		return
	}
	alerts, err := h.alerts.Load(r.Context(), warehouseID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, alerts)
}

func (h *Handler) historyFilter(w http.ResponseWriter, r *http.Request) (HistoryFilter, bool) {
	q := r.URL.Query()
	filter := HistoryFilter{Status: q.Get("status"), Type: q.Get("type"), Search: q.Get("q")}
	var err error
	if filter.WarehouseID, err = queryInt(q.Get("warehouse_id")); err != nil {
		h.badQuery(w, "warehouse_id")
		return HistoryFilter{}, false
	}
	if v := q.Get("from"); v != "" {
		if filter.From, err = time.Parse(dateLayout, v); err != nil {
			h.badQuery(w, "from")
			return HistoryFilter{}, false
		}
	}
	if v := q.Get("to"); v != "" {
		if filter.To, err = time.Parse(dateLayout, v); err != nil {
			h.badQuery(w, "to")
			return HistoryFilter{}, false
		}
		filter.To = filter.To.Add(24*time.Hour - time.Nanosecond)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		h.badQuery(w, "to")
		return HistoryFilter{}, false
	}
	filter.Page, filter.PageSize = pageParams(q.Get("page"), q.Get("per_page"))
	return filter, true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	actor, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		h.writeError(w, r, shared.ErrUnauthenticated)
		return Actor{}, false
	}
	return actor, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Bad Request", Status: http.StatusBadRequest, Detail: err.Error(), Code: "malformed_body"})
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Validation Failed", Status: http.StatusUnprocessableEntity, Detail: strings.Join(fields, "; "), Code: "validation_failed"})
			return false
		}
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Validation Failed", Status: http.StatusUnprocessableEntity, Detail: err.Error(), Code: "validation_failed"})
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Bad Request", Status: http.StatusBadRequest, Detail: "invalid id", Code: "invalid_request"})
		return 0, false
	}
	return id, true
}

func (h *Handler) badQuery(w http.ResponseWriter, param string) {
	httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Bad Request", Status: http.StatusBadRequest, Detail: "invalid query parameter " + param, Code: "invalid_request"})
}

// writeError maps domain errors to problem responses. Messages of domain errors are
// shown verbatim so operators see which lot or line failed.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	p := httpx.ProblemDetail{Detail: err.Error()}
	switch {
	case errors.Is(err, ErrInvalidQuantity):
		p.Status, p.Title, p.Code = http.StatusBadRequest, "Invalid Quantity", "invalid_quantity"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidType), errors.Is(err, ErrInvalidReason),
		errors.Is(err, ErrInvalidBucket), errors.Is(err, ErrSameWarehouse):
		p.Status, p.Title, p.Code = http.StatusBadRequest, "Invalid Request", "invalid_request"
	case errors.Is(err, ErrNotFound):
		p.Status, p.Title, p.Code = http.StatusNotFound, "Not Found", "not_found"
	case errors.Is(err, ErrInsufficientStock):
		p.Status, p.Title, p.Code = http.StatusConflict, "Insufficient Stock", "insufficient_stock"
	case errors.Is(err, ErrAlreadyCancelled):
		p.Status, p.Title, p.Code = http.StatusConflict, "Already Cancelled", "already_cancelled"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrWarehouseInactive):
		p.Status, p.Title, p.Code = http.StatusConflict, "Invalid State", "invalid_state"
	case errors.Is(err, ErrConcurrentModification):
		p.Status, p.Title, p.Code, p.Retryable = http.StatusConflict, "Concurrent Modification", "concurrent_modification", true
	case errors.Is(err, shared.ErrIdempotencyConflict):
		p.Status, p.Title, p.Code = http.StatusConflict, "Duplicate Request", "duplicate_request"
	case errors.Is(err, ErrUnauthorized):
		p.Status, p.Title, p.Code = http.StatusForbidden, "Forbidden", "unauthorized"
	case errors.Is(err, shared.ErrUnauthenticated):
		p.Status, p.Title, p.Code = http.StatusUnauthorized, "Unauthorized", "unauthenticated"
	default:
		h.logger.Error("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		p.Status, p.Title, p.Code, p.Detail = http.StatusInternalServerError, "Internal Error", "internal", ""
	}
	httpx.WriteProblem(w, p)
}

func outboundLines(lines []outboundLineRequest) ([]Pick, []ProductQty, error) {
	var picks []Pick
	var products []ProductQty
	for i, line := range lines {
		qty, err := ParseQuantity(line.Qty)
		if err != nil {
			return nil, nil, lineErr(i, line.LotID, line.ProductID, err)
		}
		if line.LotID != 0 {
			picks = append(picks, Pick{LotID: line.LotID, Qty: qty})
			continue
		}
		products = append(products, ProductQty{ProductID: line.ProductID, Qty: qty})
	}
	return picks, products, nil
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

// parseDate expects input already validated against dateLayout.
func parseDate(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil
	}
	return &t
}

func queryInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func pageParams(page, perPage string) (int, int) {
	p, _ := strconv.Atoi(page)
	pp, _ := strconv.Atoi(perPage)
	return shared.NormalizePage(p, pp)
}
