// Package api exposes the HTTP surface: health, metrics, the websocket
// endpoint and a small REST API for state a client loads on reconnect.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"chatwire/internal/auth"
	"chatwire/internal/blocking"
	"chatwire/internal/conversation"
	"chatwire/internal/messaging"
	"chatwire/internal/pin"
	"chatwire/internal/presence"
	"chatwire/pkg/types"
)

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Verify(token string) (string, error)
}

// HealthChecker reports whether the store is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsProvider contributes counters to the health report.
type StatsProvider interface {
	GetStats() map[string]int
}

// Deps are the components the server exposes.
type Deps struct {
	Auth          Authenticator
	Health        HealthChecker
	Stats         map[string]StatsProvider
	Conversations *conversation.Directory
	Messages      *messaging.Engine
	Pins          *pin.Coordinator
	Presence      *presence.Tracker
	Blocks        *blocking.Directory
	WebSocket     http.Handler
	Metrics       http.Handler
}

// Server exposes health, metrics, the websocket endpoint and the REST API.
type Server struct {
	deps    Deps
	router  chi.Router
	logger  *zap.Logger
	started time.Time
}

// NewServer builds the router.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:    deps,
		router:  chi.NewRouter(),
		logger:  logger.With(zap.String("component", "api")),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(corsMiddleware)

	r.Get("/health", s.healthCheck)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	if s.deps.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", s.deps.WebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonMiddleware)
		r.Use(s.requireUser)

		r.Post("/conversations", s.createConversation)
		r.Get("/conversations/{conversationID}", s.getConversation)
		r.Get("/conversations/{conversationID}/messages", s.listMessages)
		r.Get("/conversations/{conversationID}/pin", s.getPinned)
		r.Get("/users/{userID}/presence", s.getPresence)
		r.Post("/blocks", s.block)
		r.Delete("/blocks/{userID}", s.unblock)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type CreateConversationRequest struct {
	Kind         types.ConversationKind `json:"kind"`
	Participants []string               `json:"participants"`
}

type BlockRequest struct {
	UserID string `json:"userId"`
}

type MessagesResponse struct {
	Messages []*types.Message `json:"messages"`
}

type PinnedResponse struct {
	Message *types.Message `json:"message"`
}

type HealthResponse struct {
	Status    string                    `json:"status"`
	Timestamp time.Time                 `json:"timestamp"`
	Uptime    string                    `json:"uptime"`
	Database  string                    `json:"database"`
	Stats     map[string]map[string]int `json:"stats"`
}

type ErrorResponse struct {
	Error   string          `json:"error"`
	Kind    types.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

type ctxUserKey struct{}

func userFrom(r *http.Request) types.Actor {
	userID, _ := r.Context().Value(ctxUserKey{}).(string)
	return types.Actor{UserID: userID}
}

// requireUser verifies the bearer token and stores the caller in the context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.writeError(w, http.StatusUnauthorized, types.Authorization("missing bearer token"))
			return
		}
		userID, err := s.deps.Auth.Verify(token)
		if err != nil || !types.IsValidUserID(userID) {
			s.writeError(w, http.StatusUnauthorized, types.Authorization("invalid token"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// POST /api/conversations
func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, types.Validation("invalid JSON"))
		return
	}
	conv, err := s.deps.Conversations.Create(r.Context(), userFrom(r).UserID, req.Kind, req.Participants)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, conv)
}

// GET /api/conversations/{conversationID}
func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.deps.Conversations.RequireParticipant(r.Context(), chi.URLParam(r, "conversationID"), userFrom(r).UserID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, conv)
}

// GET /api/conversations/{conversationID}/messages?before=<RFC3339>&limit=<n>
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.sendError(w, types.Validation("before must be an RFC3339 timestamp"))
			return
		}
		before = t
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, types.Validation("limit must be a positive integer"))
			return
		}
		limit = n
	}

	msgs, err := s.deps.Messages.History(r.Context(), userFrom(r), chi.URLParam(r, "conversationID"), before, limit)
	if err != nil {
		s.sendError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	s.sendJSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}

// GET /api/conversations/{conversationID}/pin
func (s *Server) getPinned(w http.ResponseWriter, r *http.Request) {
	msg, err := s.deps.Pins.Pinned(r.Context(), userFrom(r), chi.URLParam(r, "conversationID"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, PinnedResponse{Message: msg})
}

// GET /api/users/{userID}/presence
func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Presence.State(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, state)
}

// POST /api/blocks
func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, types.Validation("invalid JSON"))
		return
	}
	if err := s.deps.Blocks.Block(r.Context(), userFrom(r).UserID, req.UserID); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /api/blocks/{userID}
func (s *Server) unblock(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Blocks.Unblock(r.Context(), userFrom(r).UserID, chi.URLParam(r, "userID")); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// healthCheck serves GET /health. Storage failures are reported by kind only.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Database:  "healthy",
		Stats:     make(map[string]map[string]int, len(s.deps.Stats)),
	}
	if err := s.deps.Health.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = types.DetailOf(err).Message
	}
	for name, p := range s.deps.Stats {
		resp.Stats[name] = p.GetStats()
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	s.sendJSON(w, code, resp)
}

func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation, types.KindProtocol:
		return http.StatusBadRequest
	case types.KindAuthorization:
		return http.StatusForbidden
	case types.KindBlocked:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindTransientStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(types.KindOf(err)), err)
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	detail := types.DetailOf(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Kind:    detail.Kind,
		Message: detail.Message,
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
