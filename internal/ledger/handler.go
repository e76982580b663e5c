package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/storeinv/backoffice/internal/platform/httpx"
	"github.com/storeinv/backoffice/internal/rbac"
	"github.com/storeinv/backoffice/internal/shared"
)

// IdempotencyHeader may carry the idempotency key instead of the body.
const IdempotencyHeader = "Idempotency-Key"

// Handler wires HTTP endpoints for the ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
	rateLimit func(http.Handler) http.Handler
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	limiter := httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
		if p, ok := rbacPrincipal(r); ok {
			return "user:" + strconv.FormatInt(p.UserID, 10), nil
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return "ip:" + r.RemoteAddr, nil
		}
		return "ip:" + host, nil
	}))
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New(), rateLimit: limiter}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermLedgerSale, shared.PermLedgerReturn, shared.PermLedgerReceive, shared.PermLedgerTransfer))
		r.Use(h.rateLimit)
		r.Post("/movements", h.handleMovement)
	})
	r.Route("/stores/{storeID}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermLedgerView))
			r.Get("/products/{productID}", h.handleInventory)
			r.Get("/products/{productID}/fefo", h.handleFEFO)
			r.Get("/levels", h.handleLevels)
			r.Get("/reconcile/{productID}", h.handleReconcile)
			r.Get("/batches", h.handleBatches)
			r.Get("/transactions", h.handleTransactions)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermLedgerAdjust))
			r.Post("/batches/{batchID}/expire", h.handleExpire)
			r.Post("/batches/{batchID}/deplete", h.handleDeplete)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermLedgerAdmin))
			r.Delete("/transactions/{txID}", h.handleDeleteTransaction)
		})
	})
}

type movementPayload struct {
	Type           string        `json:"type" validate:"required"`
	StoreID        int64         `json:"store_id" validate:"required,gt=0"`
	ReferenceID    string        `json:"reference_id" validate:"max=64"`
	IdempotencyKey string        `json:"idempotency_key" validate:"max=128"`
	PartyID        int64         `json:"party_id" validate:"gte=0"`
	PaymentMethod  string        `json:"payment_method" validate:"max=32"`
	Notes          string        `json:"notes" validate:"max=500"`
	Lines          []linePayload `json:"lines" validate:"required,min=1,max=200,dive"`
}

type linePayload struct {
	ProductID      int64            `json:"product_id" validate:"required,gt=0"`
	Quantity       int64            `json:"quantity" validate:"required,gt=0"`
	UnitPrice      *decimal.Decimal `json:"unit_price"`
	BatchID        *int64           `json:"batch_id" validate:"omitempty,gt=0"`
	ProductionDate string           `json:"production_date" validate:"omitempty,datetime=2006-01-02"`
	ExpiryDate     string           `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
}

type movementError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

type movementResponse struct {
	Success bool `json:"success"`
	*MovementResult
	Error *movementError `json:"error,omitempty"`
}

type batchActionPayload struct {
	Notes string `json:"notes" validate:"max=500"`
}

func (h *Handler) handleMovement(w http.ResponseWriter, r *http.Request) {
	var payload movementPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.ValidationProblem(w, map[string]string{"body": "malformed JSON"})
		return
	}
	if fields := h.validate(payload); len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return
	}
	typ, ok := ParseMovementType(payload.Type)
	if !ok {
		httpx.ValidationProblem(w, map[string]string{"type": "unknown movement type"})
		return
	}
	req, err := payload.toRequest(typ)
	if err != nil {
		httpx.ValidationProblem(w, map[string]string{"lines": err.Error()})
		return
	}
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	p, ok := h.authorize(w, r, movementPermission(typ), req.StoreID)
	if !ok {
		return
	}
	req.UserID = p.UserID

	result, err := h.service.Execute(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if Kind(err) == KindConflict {
			w.Header().Set("Retry-After", "1")
		}
		httpx.JSON(w, status, movementResponse{Error: &movementError{Kind: Kind(err), Message: Message(err)}})
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, movementResponse{Success: true, MovementResult: &result})
}

func (p movementPayload) toRequest(typ MovementType) (MovementRequest, error) {
	req := MovementRequest{
		Type:           typ,
		StoreID:        p.StoreID,
		ReferenceID:    p.ReferenceID,
		IdempotencyKey: p.IdempotencyKey,
		PartyID:        p.PartyID,
		PaymentMethod:  p.PaymentMethod,
		Notes:          p.Notes,
	}
	for i, l := range p.Lines {
		line := MovementLine{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice, BatchHint: l.BatchID}
		var err error
		if line.ProductionDate, err = parseDate(l.ProductionDate); err != nil {
			return MovementRequest{}, fmt.Errorf("line %d production_date: %w", i+1, err)
		}
		if line.ExpiryDate, err = parseDate(l.ExpiryDate); err != nil {
			return MovementRequest{}, fmt.Errorf("line %d expiry_date: %w", i+1, err)
		}
		req.Lines = append(req.Lines, line)
	}
	return req, nil
}

func (h *Handler) handleInventory(w http.ResponseWriter, r *http.Request) {
	storeID, productID, ok := h.storeAndProduct(w, r)
	if !ok {
		return
	}
	rec, err := h.service.GetInventory(r.Context(), productID, storeID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleFEFO(w http.ResponseWriter, r *http.Request) {
	storeID, productID, ok := h.storeAndProduct(w, r)
	if !ok {
		return
	}
	qty, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if err != nil {
		httpx.ValidationProblem(w, map[string]string{"quantity": "must be an integer"})
		return
	}
	batch, err := h.service.SelectBatch(r.Context(), productID, storeID, qty)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batch": batch})
}

func (h *Handler) handleLevels(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.viewStore(w, r)
	if !ok {
		return
	}
	levels, err := h.service.ListLevels(r.Context(), storeID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"levels": levels})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	storeID, productID, ok := h.storeAndProduct(w, r)
	if !ok {
		return
	}
	rc, err := h.service.Reconcile(r.Context(), productID, storeID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rc)
}

func (h *Handler) handleBatches(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.viewStore(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := BatchFilter{StoreID: storeID, Status: BatchStatus(q.Get("status"))}
	fields := map[string]string{}
	filter.ProductID = queryInt(q.Get("product_id"), "product_id", fields)
	filter.Limit = int(queryInt(q.Get("limit"), "limit", fields))
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return
	}
	listing, err := h.service.ListBatches(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, listing)
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.viewStore(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	fields := map[string]string{}
	filter := TransactionFilter{StoreID: storeID}
	filter.ProductID = queryInt(q.Get("product_id"), "product_id", fields)
	filter.Limit = int(queryInt(q.Get("limit"), "limit", fields))
	if raw := q.Get("type"); raw != "" {
		typ, ok := ParseMovementType(raw)
		if !ok {
			fields["type"] = "unknown movement type"
		}
		filter.Type = typ
	}
	if from, err := parseDate(q.Get("from")); err != nil {
		fields["from"] = "expected YYYY-MM-DD"
	} else if from != nil {
		filter.From = *from
	}
	if to, err := parseDate(q.Get("to")); err != nil {
		fields["to"] = "expected YYYY-MM-DD"
	} else if to != nil {
		filter.To = to.Add(24*time.Hour - time.Nanosecond)
	}
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return
	}
	txs, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (h *Handler) handleExpire(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, h.service.MarkBatchExpired)
}

func (h *Handler) handleDeplete(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, h.service.MarkBatchDepleted)
}

func (h *Handler) batchAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, cmd BatchCommand) (Batch, error)) {
	storeID, ok := pathInt(w, r, "storeID")
	if !ok {
		return
	}
	batchID, ok := pathInt(w, r, "batchID")
	if !ok {
		return
	}
	var payload batchActionPayload
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &payload); err != nil {
			httpx.ValidationProblem(w, map[string]string{"body": "malformed JSON"})
			return
		}
		if fields := h.validate(payload); len(fields) > 0 {
			httpx.ValidationProblem(w, fields)
			return
		}
	}
	p, ok := h.authorize(w, r, shared.PermLedgerAdjust, storeID)
	if !ok {
		return
	}
	batch, err := action(r.Context(), BatchCommand{BatchID: batchID, StoreID: storeID, UserID: p.UserID, Notes: payload.Notes})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, batch)
}

func (h *Handler) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	storeID, ok := pathInt(w, r, "storeID")
	if !ok {
		return
	}
	txID, ok := pathInt(w, r, "txID")
	if !ok {
		return
	}
	p, ok := h.authorize(w, r, shared.PermLedgerAdmin, storeID)
	if !ok {
		return
	}
	deleted, err := h.service.DeleteTransaction(r.Context(), TransactionCommand{
		TransactionID: txID,
		StoreID:       storeID,
		UserID:        p.UserID,
		Reason:        r.URL.Query().Get("reason"),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, deleted)
}

func (h *Handler) viewStore(w http.ResponseWriter, r *http.Request) (int64, bool) {
	storeID, ok := pathInt(w, r, "storeID")
	if !ok {
		return 0, false
	}
	if _, ok := h.authorize(w, r, shared.PermLedgerView, storeID); !ok {
		return 0, false
	}
	return storeID, true
}

func (h *Handler) storeAndProduct(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	storeID, ok := h.viewStore(w, r)
	if !ok {
		return 0, 0, false
	}
	productID, ok := pathInt(w, r, "productID")
	if !ok {
		return 0, 0, false
	}
	return storeID, productID, true
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, action string, storeID int64) (rbac.Principal, bool) {
	p, ok := rbacPrincipal(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return rbac.Principal{}, false
	}
	decision := rbac.Authorize(p, action, rbac.Resource{StoreID: storeID})
	if !decision.Allowed {
		h.logger.Warn("ledger access denied",
			slog.Int64("user_id", p.UserID),
			slog.String("action", action),
			slog.Int64("store_id", storeID),
			slog.String("reason", decision.Reason))
		httpx.Problem(w, http.StatusForbidden, "Forbidden", decision.Reason)
		return rbac.Principal{}, false
	}
	return p, true
}

func (h *Handler) validate(v any) map[string]string {
	err := h.validator.Struct(v)
	if err == nil {
		return nil
	}
	fields := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields[fe.Namespace()] = fe.Tag()
		}
		return fields
	}
	fields["body"] = err.Error()
	return fields
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	kind := Kind(err)
	status := statusFor(err)
	if kind == KindStorage {
		h.logger.Error("ledger request failed", slog.Any("error", err))
	}
	if kind == KindConflict {
		w.Header().Set("Retry-After", "1")
	}
	httpx.TypedProblem(w, status, string(kind), http.StatusText(status), Message(err))
}

func statusFor(err error) int {
	switch Kind(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientStock, KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func movementPermission(t MovementType) string {
	switch t {
	case MovementSale:
		return shared.PermLedgerSale
	case MovementReturn:
		return shared.PermLedgerReturn
	case MovementReceipt:
		return shared.PermLedgerReceive
	case MovementTransfer:
		return shared.PermLedgerTransfer
	default:
		return shared.PermLedgerAdjust
	}
}

func rbacPrincipal(r *http.Request) (rbac.Principal, bool) {
	return rbac.PrincipalFromContext(r.Context())
}

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.ValidationProblem(w, map[string]string{name: "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func queryInt(raw, name string, fields map[string]string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		fields[name] = "must be a non-negative integer"
		return 0
	}
	return v
}

func parseDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
