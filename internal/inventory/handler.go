package inventory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// IdempotencyHeader carries the client supplied idempotency key on POST requests.
const IdempotencyHeader = "Idempotency-Key"

// StaffHeader identifies the staff member archiving a variant.
const StaffHeader = "X-Staff-ID"

// Handler wires JSON endpoints for the stock ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterCustomTypeFunc(validationValue, decimal.Decimal{}, uuid.UUID{})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{logger: logger, service: service, validator: v}
}

// validationValue lets numeric and required tags apply to decimals and UUIDs.
func validationValue(field reflect.Value) any {
	switch v := field.Interface().(type) {
	case decimal.Decimal:
		return v.InexactFloat64()
	case uuid.UUID:
		if v == uuid.Nil {
			return ""
		}
		return v.String()
	}
	return nil
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/variants", h.handleProvision)
	r.Route("/variants/{id}", func(r chi.Router) {
		r.Get("/summary", h.handleSummary)
		r.Get("/movements", h.handleMovements)
		r.Get("/verify", h.handleVerify)
		r.Post("/intakes", h.handleIntake)
		r.Post("/sales", h.handleSale)
		r.Post("/refunds", h.handleRefund)
		r.Post("/modifications", h.handleModification)
		r.Post("/transfers", h.handleTransfer)
		r.Delete("/", h.handleArchive)
	})
	r.Get("/transfers", h.handleListTransfers)
	r.Get("/transfers/{id}", h.handleGetTransfer)
}

type holdingRequest struct {
	Kind string    `json:"kind" validate:"required,oneof=LOCATION WAREHOUSE"`
	ID   uuid.UUID `json:"id" validate:"required"`
}

func (h holdingRequest) ref() HoldingRef {
	return HoldingRef{Kind: HoldingKind(h.Kind), ID: h.ID}
}

type provisionRequest struct {
	StockID         uuid.UUID       `json:"stock_id" validate:"required"`
	Holding         holdingRequest  `json:"holding"`
	Name            string          `json:"name" validate:"required,max=255"`
	AlertLevel      decimal.Decimal `json:"alert_level" validate:"gte=0"`
	OpeningQuantity decimal.Decimal `json:"opening_quantity" validate:"gte=0"`
	OpeningValue    decimal.Decimal `json:"opening_value" validate:"gte=0"`
	StaffID         uuid.UUID       `json:"staff_id" validate:"required"`
}

type intakeRequest struct {
	Quantity         decimal.Decimal `json:"quantity" validate:"gt=0"`
	Value            decimal.Decimal `json:"value" validate:"gte=0"`
	SupplierID       *uuid.UUID      `json:"supplier_id"`
	StaffID          uuid.UUID       `json:"staff_id" validate:"required"`
	OrderDate        *time.Time      `json:"order_date"`
	DeliveryDate     *time.Time      `json:"delivery_date"`
	SourceDocumentID string          `json:"source_document_id" validate:"max=128"`
	Note             string          `json:"note" validate:"max=500"`
}

type saleRequest struct {
	Quantity  decimal.Decimal `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"gte=0"`
	StaffID   uuid.UUID       `json:"staff_id" validate:"required"`
	OrderID   string          `json:"order_id" validate:"max=128"`
	Note      string          `json:"note" validate:"max=500"`
}

type modificationRequest struct {
	NewQuantity decimal.Decimal `json:"new_quantity"`
	NewValue    decimal.Decimal `json:"new_value" validate:"gte=0"`
	StaffID     uuid.UUID       `json:"staff_id" validate:"required"`
	Note        string          `json:"note" validate:"max=500"`
}

type transferRequest struct {
	Destination holdingRequest  `json:"destination"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gt=0"`
	StaffID     uuid.UUID       `json:"staff_id" validate:"required"`
	Note        string          `json:"note" validate:"max=500"`
}

func (h *Handler) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	variant, err := h.service.ProvisionVariant(r.Context(), ProvisionInput{
		StockID:         req.StockID,
		Holding:         req.Holding.ref(),
		Name:            req.Name,
		AlertLevel:      req.AlertLevel,
		OpeningQuantity: req.OpeningQuantity,
		OpeningValue:    req.OpeningValue,
		StaffID:         req.StaffID,
		IdempotencyKey:  r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, variant)
}

func (h *Handler) handleIntake(w http.ResponseWriter, r *http.Request) {
	id, ok := h.variantID(w, r)
	if !ok {
		return
	}
	var req intakeRequest
	if !h.decode(w, r, &req) {
		return
	}
	mv, err := h.service.RecordIntake(r.Context(), IntakeInput{
		VariantID:        id,
		Quantity:         req.Quantity,
		Value:            req.Value,
		SupplierID:       req.SupplierID,
		StaffID:          req.StaffID,
		OrderDate:        req.OrderDate,
		DeliveryDate:     req.DeliveryDate,
		SourceDocumentID: req.SourceDocumentID,
		Note:             req.Note,
		IdempotencyKey:   r.Header.Get(IdempotencyHeader),
	})
	h.respondMovement(w, r, mv, err)
}

func (h *Handler) handleSale(w http.ResponseWriter, r *http.Request) {
	id, ok := h.variantID(w, r)
	if !ok {
		return
	}
	var req saleRequest
	if !h.decode(w, r, &req) {
		return
	}
	mv, err := h.service.RecordSale(r.Context(), SaleInput{
		VariantID:      id,
		Quantity:       req.Quantity,
		UnitPrice:      req.UnitPrice,
		StaffID:        req.StaffID,
		OrderID:        req.OrderID,
		Note:           req.Note,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	h.respondMovement(w, r, mv, err)
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := h.variantID(w, r)
	if !ok {
		return
	}
	var req saleRequest
	if !h.decode(w, r, &req) {
		return
	}
	mv, err := h.service.RecordRefund(r.Context(), RefundInput{
		VariantID:      id,
		Quantity:       req.Quantity,
		UnitPrice:      req.UnitPrice,
		StaffID:        req.StaffID,
		OrderID:        req.OrderID,
		Note:           req.Note,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	h.respondMovement(w, r, mv, err)
}

func (h *Handler) handleModification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.variantID(w, r)
	if !ok {
		return
	}
	var req modificationRequest
	if !h.decode(w, r, &req) {
		return
	}
	mv, err := h.service.RecordModification(r.Context(), ModificationInput{
		VariantID:      id,
		NewQuantity:    req.NewQuantity,
		NewValue:       req.NewValue,
		StaffID:        req.StaffID,
		Note:           req.Note,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	h.respondMovement(w, r, mv, err)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.variantID(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.RecordTransfer(r.Context(), TransferInput{
		VariantID:          id,
		DestinationHolding: req.Destination.ref(),
		Quantity:           req.Quantity,
		StaffID:            req.StaffID,
		Note:               req.Note,
		IdempotencyKey:     r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.variantID(w, r)
	if !ok {
		return
	}
	var staffID uuid.UUID
	if raw := r.Header.Get(StaffHeader); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			httpx.ValidationProblem(w, map[string]string{"staff_id": "must be a uuid"})
			return
		}
		staffID = parsed
	}
	if err := h.service.ArchiveVariant(r.Context(), id, staffID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := h.variantID(w, r)
	if !ok {
		return
	}
	summary, err := h.service.GetSummary(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	id, ok := h.variantID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := MovementFilter{StockVariantID: id, Ascending: strings.EqualFold(q.Get("order"), "asc")}
	fields := map[string]string{}
	filter.Page = queryInt(q.Get("page"), "page", fields)
	filter.PageSize = queryInt(q.Get("page_size"), "page_size", fields)
	filter.From = queryTime(q.Get("from"), "from", fields)
	filter.To = queryTime(q.Get("to"), "to", fields)
	if raw := q.Get("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			filter.Types = append(filter.Types, MovementType(strings.ToUpper(strings.TrimSpace(t))))
		}
	}
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return
	}
	page, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

type chainResponse struct {
	ChainReport
	OK bool `json:"ok"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, ok := h.variantID(w, r)
	if !ok {
		return
	}
	report, err := h.service.VerifyChain(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, chainResponse{ChainReport: report, OK: report.OK()})
}

func (h *Handler) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := map[string]string{}
	filter := TransferFilter{
		OlderThan: queryTime(q.Get("older_than"), "older_than", fields),
		Limit:     queryInt(q.Get("limit"), "limit", fields),
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, TransferStatus(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return
	}
	transfers, err := h.service.ListTransfers(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if transfers == nil {
		transfers = []Transfer{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": transfers})
}

func (h *Handler) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown transfer")
		return
	}
	t, err := h.service.GetTransfer(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) variantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown stock variant")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			httpx.RespondError(w, err)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fieldErr := range verrs {
			_, field, _ := strings.Cut(fieldErr.Namespace(), ".")
			fields[field] = fieldErr.Tag()
		}
		httpx.ValidationProblem(w, fields)
		return false
	}
	return true
}

func (h *Handler) respondMovement(w http.ResponseWriter, r *http.Request, mv Movement, err error) {
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, mv)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidValue):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Movement", err.Error())
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Concurrent Update", err.Error())
	case errors.Is(err, ErrArchived):
		httpx.Problem(w, http.StatusConflict, "Variant Archived", err.Error())
	case errors.Is(err, ErrDuplicateVariant):
		httpx.Problem(w, http.StatusConflict, "Duplicate Variant", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrSameHolding), errors.Is(err, ErrInvalidHolding), errors.Is(err, ErrInvalidVariant),
		errors.Is(err, ErrInvalidDateRange):
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, ErrTransferFailed):
		httpx.Problem(w, http.StatusBadGateway, "Transfer Failed", err.Error())
	case errors.Is(err, ErrReconciliationRequired):
		h.logger.Error("stock ledger request left a transfer for reconciliation",
			slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Reconciliation Required", err.Error())
	case errors.Is(err, context.Canceled):
		// client went away
		w.WriteHeader(499)
	default:
		if !errors.Is(err, context.DeadlineExceeded) {
			h.logger.Error("stock ledger request", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}

func queryInt(raw, name string, fields map[string]string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		fields[name] = "must be a non-negative integer"
		return 0
	}
	return n
}

func queryTime(raw, name string, fields map[string]string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		fields[name] = "must be an RFC3339 timestamp"
		return time.Time{}
	}
	return t
}
