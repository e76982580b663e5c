package alerts

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/storeinv/backoffice/internal/platform/httpx"
	"github.com/storeinv/backoffice/internal/rbac"
	"github.com/storeinv/backoffice/internal/shared"
)

// Handler wires HTTP endpoints for alerts.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs the alerts handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers alert routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/stores/{storeID}", func(r chi.Router) {
		r.With(h.rbac.RequireAny(shared.PermAlertsView)).Get("/", h.handleList)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermAlertsEdit))
			r.Post("/refresh", h.handleRefresh)
			r.Post("/{alertID}/read", h.handleMarkRead)
		})
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.store(w, r, shared.PermAlertsView)
	if !ok {
		return
	}
	list, err := h.service.List(r.Context(), storeID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"alerts": list})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.store(w, r, shared.PermAlertsEdit)
	if !ok {
		return
	}
	report, err := h.service.Refresh(r.Context(), storeID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.store(w, r, shared.PermAlertsEdit)
	if !ok {
		return
	}
	alertID, err := strconv.ParseInt(chi.URLParam(r, "alertID"), 10, 64)
	if err != nil || alertID <= 0 {
		httpx.ValidationProblem(w, map[string]string{"alertID": "must be a positive integer"})
		return
	}
	if err := h.service.MarkRead(r.Context(), storeID, alertID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request, action string) (int64, bool) {
	storeID, err := strconv.ParseInt(chi.URLParam(r, "storeID"), 10, 64)
	if err != nil || storeID <= 0 {
		httpx.ValidationProblem(w, map[string]string{"storeID": "must be a positive integer"})
		return 0, false
	}
	p, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return 0, false
	}
	if d := rbac.Authorize(p, action, rbac.Resource{StoreID: storeID}); !d.Allowed {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", d.Reason)
		return 0, false
	}
	return storeID, true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrAlertNotFound) {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	h.logger.Error("alerts request failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
