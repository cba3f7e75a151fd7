package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/rbac"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// AnnouncementsRoom is the public room any authenticated client may join.
const AnnouncementsRoom = "announcements"

const heartbeatInterval = 25 * time.Second

// Handler wires the realtime endpoints.
type Handler struct {
	logger    *slog.Logger
	hub       *Hub
	bridge    *Bridge
	gate      rbac.Middleware
	validator *validator.Validate
}

// NewHandler constructs a notify Handler. The bridge may be nil, in which
// case broadcasts stay instance-local.
func NewHandler(logger *slog.Logger, hub *Hub, bridge *Bridge, gate rbac.Middleware) *Handler {
	return &Handler{logger: logger, hub: hub, bridge: bridge, gate: gate, validator: validator.New()}
}

// MountRoutes registers the stream and broadcast endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/stream", h.stream)
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermNotifyBroadcast))
		r.Post("/broadcast", h.broadcast)
	})
}

// stream is the SSE endpoint. The client auto-joins its private room plus
// any allowed rooms from the rooms query parameter.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	client := h.hub.Register(*ident, 32)
	defer h.hub.Unregister(client.ID)

	for _, room := range parseRooms(r.URL.Query().Get("rooms")) {
		if !roomAllowed(*ident, room) {
			httpx.Error(w, http.StatusForbidden, fmt.Sprintf("room %q not allowed", room))
			return
		}
		h.hub.Join(client.ID, room)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			h.hub.Touch(client.ID)
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case env, open := <-client.Ch:
			if !open {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				h.logger.Error("marshal notify envelope", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data)
			flusher.Flush()
		}
	}
}

type broadcastRequest struct {
	Room    string `json:"room" validate:"required"`
	Type    string `json:"type" validate:"required"`
	Payload any    `json:"payload"`
}

func (h *Handler) broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	env := Envelope{Type: req.Type, Payload: req.Payload}
	if h.bridge != nil {
		if err := h.bridge.Publish(r.Context(), req.Room, env); err != nil {
			h.logger.Error("publish broadcast", "room", req.Room, "error", err)
			httpx.Error(w, http.StatusInternalServerError, "internal server error")
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "published"})
		return
	}
	delivered, dropped := h.hub.Broadcast(req.Room, env)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"delivered": delivered,
		"dropped":   dropped,
	})
}

// RunPruner removes idle clients on a fixed cadence until ctx is done.
func (h *Handler) RunPruner(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.hub.PruneIdle(maxIdle)
		}
	}
}

func parseRooms(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// roomAllowed restricts non-admin clients to the public announcement room
// and their own private room.
func roomAllowed(ident shared.Identity, room string) bool {
	if ident.IsAdmin() {
		return true
	}
	return room == AnnouncementsRoom || room == PrincipalRoom(ident)
}
