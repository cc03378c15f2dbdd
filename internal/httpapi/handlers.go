// Package httpapi serves the request/response endpoints for auth, users,
// conversations and message history.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"pyrexxbook/chat-service/internal/middleware"
	"pyrexxbook/chat-service/internal/models"
	"pyrexxbook/chat-service/internal/presence"
	"pyrexxbook/chat-service/internal/service"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// TokenIssuer mints and checks access tokens.
type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
	Verify(token string) (string, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	users         service.UserService
	conversations service.ConversationService
	messages      service.MessageService
	registry      *presence.Registry
	issuer        TokenIssuer
	store         Pinger
	logger        *logrus.Logger
}

func NewHandler(
	users service.UserService,
	conversations service.ConversationService,
	messages service.MessageService,
	registry *presence.Registry,
	issuer TokenIssuer,
	store Pinger,
	logger *logrus.Logger,
) *Handler {
	return &Handler{
		users:         users,
		conversations: conversations,
		messages:      messages,
		registry:      registry,
		issuer:        issuer,
		store:         store,
		logger:        logger,
	}
}

// NewRouter wires every endpoint. ws serves the realtime gateway and is
// mounted behind the same token check as the API.
func NewRouter(h *Handler, ws http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(h.logger))

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/auth/register", h.Register).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", h.Login).Methods(http.MethodPost)

	protected := r.NewRoute().Subrouter()
	protected.Use(middleware.AuthMiddleware(h.issuer, WriteError))
	protected.HandleFunc("/users", h.ListUsers).Methods(http.MethodGet)
	protected.HandleFunc("/conversations", h.CreateConversation).Methods(http.MethodPost)
	protected.HandleFunc("/conversations/{userId}", h.ListConversations).Methods(http.MethodGet)
	protected.HandleFunc("/messages/{conversationId}", h.GetMessages).Methods(http.MethodGet)
	if ws != nil {
		protected.Handle("/ws", ws).Methods(http.MethodGet)
	}

	return r
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      *models.User `json:"user"`
}

type CreateConversationRequest struct {
	ReceiverID string `json:"receiverId"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := service.Code(err)
	message := err.Error()
	if code == service.CodeInternal {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Request failed")
		message = "internal error"
	}
	WriteError(w, statusFor(code), code, message)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, service.CodeValidation, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.WithError(err).Warn("Health check failed")
		WriteError(w, http.StatusServiceUnavailable, service.CodeUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, status int, user *models.User) {
	token, expiresAt, err := h.issuer.Issue(user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, status, AuthResponse{Token: token, ExpiresAt: expiresAt, User: user})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}

	user, err := h.users.Register(r.Context(), req.Name, req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.issue(w, r, http.StatusCreated, user)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}

	user, err := h.users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.issue(w, r, http.StatusOK, user)
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.registry.Describe(users))
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())

	var req CreateConversationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ReceiverID == "" || req.ReceiverID == userID {
		h.fail(w, r, service.ErrInvalidParticipants)
		return
	}
	if _, err := h.users.Get(r.Context(), req.ReceiverID); err != nil {
		h.fail(w, r, err)
		return
	}

	conv, err := h.conversations.GetOrCreate(r.Context(), userID, req.ReceiverID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	if mux.Vars(r)["userId"] != userID {
		WriteError(w, http.StatusForbidden, service.CodeForbidden, "cannot list another user's conversations")
		return
	}

	convs, err := h.conversations.ListFor(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	query := r.URL.Query()

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, service.CodeValidation, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	messages, err := h.messages.History(r.Context(), mux.Vars(r)["conversationId"], userID, limit, query.Get("before"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}
