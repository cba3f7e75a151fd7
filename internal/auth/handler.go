package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// Handler wires the auth HTTP endpoints.
type Handler struct {
	logger       *slog.Logger
	service      *Service
	validator    *validator.Validate
	cookieDomain string
	secureCookie bool
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, cookieDomain string, secureCookie bool) *Handler {
	return &Handler{
		logger:       logger,
		service:      service,
		validator:    validator.New(),
		cookieDomain: cookieDomain,
		secureCookie: secureCookie,
	}
}

// MountRoutes registers auth routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/register", h.register)
	r.Post("/login", h.login)
	r.Post("/login/cookie", h.loginCookie)
	r.Post("/refresh", h.refresh)
	r.Post("/logout", h.logout)
	r.Group(func(r chi.Router) {
		r.Use(RequireIdentity)
		r.Get("/me", h.me)
	})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type identityView struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	Kind        string `json:"kind"`
	IsSuperuser bool   `json:"is_superuser,omitempty"`
}

func toIdentityView(ident shared.Identity) identityView {
	return identityView{
		ID:          ident.ID,
		Email:       ident.Email,
		Kind:        string(ident.Kind),
		IsSuperuser: ident.IsSuperuser,
	}
}

func requestMeta(r *http.Request) Meta {
	return Meta{IP: r.RemoteAddr, UserAgent: r.UserAgent()}
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.service.Register(r.Context(), req.Username, req.Email, req.Password, requestMeta(r))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"identity": toIdentityView(result.Identity),
		"tokens":   result.Tokens,
	})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	result, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"identity": toIdentityView(result.Identity),
		"tokens":   result.Tokens,
	})
}

// loginCookie is the browser variant: tokens travel in httpOnly cookies
// instead of the response body.
func (h *Handler) loginCookie(w http.ResponseWriter, r *http.Request) {
	result, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	h.setCookie(w, AccessCookie, result.Tokens.AccessToken, h.service.tokens.AccessTTL())
	h.setCookie(w, RefreshCookie, result.Tokens.RefreshToken, h.service.tokens.RefreshTTL())
	httpx.JSON(w, http.StatusOK, map[string]any{
		"identity": toIdentityView(result.Identity),
	})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*LoginResult, bool) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	result, err := h.service.Login(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		var lerr *LoginError
		if errors.As(err, &lerr) && lerr.RedirectHint != "" {
			httpx.ErrorWithContext(w, httpx.StatusFor(lerr), lerr.Error(), map[string]any{
				"redirect": lerr.RedirectHint,
			})
			return nil, false
		}
		h.respondErr(w, err)
		return nil, false
	}
	return result, true
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	_ = httpx.DecodeJSON(r, &req)
	token := req.RefreshToken
	fromCookie := false
	if token == "" {
		if c, err := r.Cookie(RefreshCookie); err == nil {
			token = c.Value
			fromCookie = true
		}
	}
	if token == "" {
		httpx.Error(w, http.StatusUnauthorized, "refresh token required")
		return
	}
	pair, err := h.service.Refresh(r.Context(), token)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if fromCookie {
		h.setCookie(w, AccessCookie, pair.AccessToken, h.service.tokens.AccessTTL())
	}
	httpx.JSON(w, http.StatusOK, pair)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.clearCookie(w, AccessCookie)
	h.clearCookie(w, RefreshCookie)
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	perms, err := h.service.PermissionsFor(r.Context(), *ident)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"identity":    toIdentityView(*ident),
		"permissions": perms,
	})
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.cookieDomain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   h.cookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error("auth request failed", "error", err)
	}
	httpx.RespondError(w, err)
}
