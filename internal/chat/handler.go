package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"go-converse/internal/metrics"
	myMiddleware "go-converse/internal/middleware"
	"go-converse/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (dev mode)
	},
}

var validate = validator.New()

// Presence mirrors connection liveness for out-of-process consumers.
// Implementations must treat every call as best-effort.
type Presence interface {
	Online(ctx context.Context, userID int)
	Offline(ctx context.Context, userID int)
}

type Handler struct {
	service  *Service
	registry *realtime.Registry
	router   *realtime.Router
	presence Presence
}

// NewHandler wires the conversation service to HTTP and the websocket
// endpoint. presence may be nil when no Redis mirror is configured.
func NewHandler(service *Service, registry *realtime.Registry, router *realtime.Router, presence Presence) *Handler {
	return &Handler{service: service, registry: registry, router: router, presence: presence}
}

// ServeWs upgrades the connection and registers it as the user's live
// handle. The socket is push-only: actions travel over the REST routes.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	conn := realtime.NewConn(userID, ws)
	h.registry.Register(conn)
	conn.Start()
	metrics.WSConnections.Inc()
	if h.presence != nil {
		h.presence.Online(r.Context(), userID)
	}
	log.Info().Int("user_id", userID).Str("conn_id", conn.ID).Msg("websocket connected")

	go func() {
		conn.ReadPump()

		h.registry.Unregister(conn)
		h.router.Disconnect(conn)
		metrics.WSConnections.Dec()
		if h.presence != nil {
			// The request context is canceled once ServeWs returns, which is
			// long before the read pump exits. The cleanup needs its own.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			h.presence.Offline(ctx, userID)
			cancel()
		}
		log.Info().Int("user_id", userID).Str("conn_id", conn.ID).Msg("websocket disconnected")
	}()
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateConversationRequest
	if !decodeValid(w, r, &req) {
		return
	}

	conv, err := h.service.CreateConversation(r.Context(), userID, &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID, ok := pathID(w, r)
	if !ok {
		return
	}

	conv, err := h.service.GetConversation(r.Context(), userID, conversationID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (h *Handler) JoinConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID, ok := pathID(w, r)
	if !ok {
		return
	}

	p, err := h.service.JoinConversation(r.Context(), userID, conversationID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handler) LeaveConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.service.LeaveConversation(r.Context(), userID, conversationID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.ConversationID = conversationID
	if err := validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := h.service.SendMessage(r.Context(), userID, &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID, ok := pathID(w, r)
	if !ok {
		return
	}

	messages, err := h.service.GetConversationMessages(r.Context(), userID, conversationID)
	if err != nil {
		respondError(w, err)
		return
	}
	if messages == nil {
		messages = []*Message{}
	}
	respondJSON(w, http.StatusOK, messages)
}

func (h *Handler) MuteUser(w http.ResponseWriter, r *http.Request) {
	adminID, ok := callerID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req MuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.ConversationID = conversationID
	if err := validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := h.service.MuteUser(r.Context(), adminID, &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handler) BanUser(w http.ResponseWriter, r *http.Request) {
	adminID, ok := callerID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req BanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.ConversationID = conversationID
	if err := validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := h.service.BanUser(r.Context(), adminID, &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handler) SetAdmin(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := callerID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req SetAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.ConversationID = conversationID
	if err := validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := h.service.SetAdmin(r.Context(), ownerID, &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func callerID(r *http.Request) (int, bool) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	return userID, ok
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps the service's error kinds to HTTP statuses without
// leaking internals for unexpected failures.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrPermissionDenied):
		respondJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrConflict):
		respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("conversation operation failed")
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
