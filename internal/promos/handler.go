package promos

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/rbac"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// Handler wires promo HTTP endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	gate      rbac.Middleware
	validator *validator.Validate
}

// NewHandler constructs a promo Handler.
func NewHandler(logger *slog.Logger, service *Service, gate rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, gate: gate, validator: validator.New()}
}

// MountAdminRoutes registers the promo management surface.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermBillingPromoManage))
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Delete("/{code}", h.deactivate)
	})
}

// MountUserRoutes registers the redemption endpoint.
func (h *Handler) MountUserRoutes(r chi.Router) {
	r.Post("/redeem", h.redeem)
}

type promoView struct {
	ID              int64      `json:"id"`
	Code            string     `json:"code"`
	Description     string     `json:"description"`
	PercentOff      int        `json:"percent_off"`
	MaxRedemptions  int        `json:"max_redemptions"`
	RedemptionCount int        `json:"redemption_count"`
	StartsAt        time.Time  `json:"starts_at"`
	EndsAt          *time.Time `json:"ends_at,omitempty"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toPromoView(p PromoCode) promoView {
	return promoView{
		ID:              p.ID,
		Code:            p.Code,
		Description:     p.Description,
		PercentOff:      p.PercentOff,
		MaxRedemptions:  p.MaxRedemptions,
		RedemptionCount: p.RedemptionCount,
		StartsAt:        p.StartsAt,
		EndsAt:          p.EndsAt,
		IsActive:        p.IsActive,
		CreatedAt:       p.CreatedAt,
	}
}

type createPromoRequest struct {
	Code           string     `json:"code" validate:"required,min=3,max=40"`
	Description    string     `json:"description" validate:"max=500"`
	PercentOff     int        `json:"percent_off" validate:"required,gte=1,lte=100"`
	MaxRedemptions int        `json:"max_redemptions" validate:"gte=0"`
	StartsAt       *time.Time `json:"starts_at"`
	EndsAt         *time.Time `json:"ends_at"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createPromoRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	in := CreateInput{
		Code:           req.Code,
		Description:    req.Description,
		PercentOff:     req.PercentOff,
		MaxRedemptions: req.MaxRedemptions,
		EndsAt:         req.EndsAt,
	}
	if req.StartsAt != nil {
		in.StartsAt = *req.StartsAt
	}
	promo, err := h.service.Create(r.Context(), audit.ActorFromRequest(r), in)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPromoView(*promo))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	activeOnly := r.URL.Query().Get("active") == "true"
	rows, pagination, err := h.service.List(r.Context(), activeOnly, page, perPage)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	views := make([]promoView, 0, len(rows))
	for _, p := range rows {
		views = append(views, toPromoView(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"promo_codes": views,
		"pagination":  pagination,
	})
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := h.service.Deactivate(r.Context(), audit.ActorFromRequest(r), code); err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

type redeemRequest struct {
	Code string `json:"code" validate:"required"`
}

func (h *Handler) redeem(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	var req redeemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	promo, red, err := h.service.Redeem(r.Context(), *ident, req.Code)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"code":        promo.Code,
		"percent_off": promo.PercentOff,
		"redeemed_at": red.RedeemedAt,
	})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error("promo request failed", "error", err)
	}
	httpx.RespondError(w, err)
}
