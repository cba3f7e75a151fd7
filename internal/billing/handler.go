package billing

import (
	"crypto/hmac"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/rbac"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// WebhookSecretHeader carries the shared secret from the payment provider.
const WebhookSecretHeader = "X-Webhook-Secret"

// Handler wires billing HTTP endpoints.
type Handler struct {
	logger        *slog.Logger
	service       *Service
	gate          rbac.Middleware
	webhookSecret string
	validator     *validator.Validate
}

// NewHandler constructs a billing Handler.
func NewHandler(logger *slog.Logger, service *Service, gate rbac.Middleware, webhookSecret string) *Handler {
	return &Handler{
		logger:        logger,
		service:       service,
		gate:          gate,
		webhookSecret: webhookSecret,
		validator:     validator.New(),
	}
}

// MountWebhookRoutes registers the unauthenticated provider callback.
func (h *Handler) MountWebhookRoutes(r chi.Router) {
	r.Post("/events", h.webhook)
}

// MountAdminRoutes registers the subscription admin surface.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermBillingSubscriptionsView))
		r.Get("/", h.list)
		r.Get("/{userID}", h.get)
	})
}

// MountUserRoutes registers the self-service subscription view.
func (h *Handler) MountUserRoutes(r chi.Router) {
	r.Get("/subscription", h.mine)
}

type webhookRequest struct {
	ID        string     `json:"id" validate:"required"`
	Type      string     `json:"type" validate:"required"`
	UserID    int64      `json:"user_id" validate:"required,gt=0"`
	Plan      string     `json:"plan"`
	Status    string     `json:"status"`
	PeriodEnd *time.Time `json:"period_end"`
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(WebhookSecretHeader)
	if h.webhookSecret == "" || !hmac.Equal([]byte(secret), []byte(h.webhookSecret)) {
		httpx.Error(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}
	var req webhookRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	ev := Event{
		ID:     req.ID,
		Type:   req.Type,
		UserID: req.UserID,
		Plan:   req.Plan,
		Status: req.Status,
	}
	if req.PeriodEnd != nil {
		ev.PeriodEnd = *req.PeriodEnd
	}
	if err := h.service.ProcessEvent(r.Context(), ev); err != nil {
		if errors.Is(err, ErrEventSeen) {
			// Retry from the provider; already applied.
			httpx.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

type subscriptionView struct {
	UserID           int64      `json:"user_id"`
	Plan             string     `json:"plan"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func toSubscriptionView(s Subscription) subscriptionView {
	return subscriptionView{
		UserID:           s.UserID,
		Plan:             s.Plan,
		Status:           s.Status,
		CurrentPeriodEnd: s.CurrentPeriodEnd,
		UpdatedAt:        s.UpdatedAt,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	rows, pagination, err := h.service.List(r.Context(), r.URL.Query().Get("status"), page, perPage)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	views := make([]subscriptionView, 0, len(rows))
	for _, s := range rows {
		views = append(views, toSubscriptionView(s))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"subscriptions": views,
		"pagination":    pagination,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	sub, err := h.service.Subscription(r.Context(), userID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSubscriptionView(*sub))
}

func (h *Handler) mine(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	sub, err := h.service.Subscription(r.Context(), ident.ID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSubscriptionView(*sub))
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error("billing request failed", "error", err)
	}
	httpx.RespondError(w, err)
}
