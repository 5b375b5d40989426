// Package api exposes the read-only HTTP interface: community status and
// entity lookups, activity counts, and pipeline visibility.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dongshu2013/the-sniper/internal/config"
	"github.com/dongshu2013/the-sniper/internal/metrics"
	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// Server wires HTTP handlers to the stores.
type Server struct {
	router chi.Router
	chats  sniper.ChatStore
	fast   sniper.FastStore
	clock  sniper.Clock
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	chats sniper.ChatStore,
	fast sniper.FastStore,
	clock sniper.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		chats:  chats,
		fast:   fast,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/chats/{chat_id}", func(r chi.Router) {
			r.Get("/", s.getChat)
			r.Get("/activity", s.getChatActivity)
		})
		r.Get("/pipeline/depth", s.getPipelineDepth)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.fast.QueueDepth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "fast store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(w, r)
	if !ok {
		return
	}
	meta, err := s.chats.GetChat(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, sniper.ErrChatNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		s.logger.Error("get chat failed", zap.Int64("chat_id", chatID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) getChatActivity(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(w, r)
	if !ok {
		return
	}
	count, err := s.fast.MessageCount24h(r.Context(), chatID, s.clock.Now())
	if err != nil {
		s.logger.Error("activity count failed", zap.Int64("chat_id", chatID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "fast store error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chat_id":       chatID,
		"messages_24h":  count,
		"window_end_at": s.clock.Now().UTC(),
	})
}

func (s *Server) getPipelineDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.fast.QueueDepth(r.Context())
	if err != nil {
		s.logger.Error("queue depth failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "fast store error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"pending": depth})
}

func chatIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "chat_id")
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return 0, false
	}
	return chatID, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// encode failures mean the client went away; nothing useful to do
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

// RequestID extracts the request ID middleware value, if present.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}
