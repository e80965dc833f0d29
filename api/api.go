// Package api exposes the HTTP surface: the admin endpoints used by the
// moderation frontend and the public chat endpoints for history, message
// creation and uploads.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ember-chat/ember-chat/auth"
	"github.com/ember-chat/ember-chat/config"
	"github.com/ember-chat/ember-chat/globals"
	"github.com/ember-chat/ember-chat/moderation"
	"github.com/ember-chat/ember-chat/persistence"
	"github.com/ember-chat/ember-chat/types"
	"github.com/ember-chat/ember-chat/ws"
	"github.com/gorilla/mux"
)

type Server struct {
	cfg       *config.Config
	hub       *ws.Hub
	gateway   *moderation.Gateway
	persister persistence.Persister

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

func NewServer(cfg *config.Config, hub *ws.Hub, gateway *moderation.Gateway, persister persistence.Persister) *Server {
	return &Server{
		cfg:       cfg,
		hub:       hub,
		gateway:   gateway,
		persister: persister,
		Now:       time.Now,
	}
}

// Routes attaches all API handlers to the router.
func (s *Server) Routes(router *mux.Router) {
	router.HandleFunc("/api/admin/login", s.handleLogin).Methods(http.MethodPost)

	admin := router.PathPrefix("/api/admin").Subrouter()
	admin.Use(s.requireToken)
	admin.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	admin.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}/ban", s.handleBan).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id}/unban", s.handleUnban).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id}/kick", s.handleKick).Methods(http.MethodPost)
	admin.HandleFunc("/messages/{id}", s.handleDeleteMessage).Methods(http.MethodDelete)
	admin.HandleFunc("/messages/{id}/pin", s.handleTogglePin).Methods(http.MethodPost)
	admin.HandleFunc("/blocked-ips", s.handleListBlocked).Methods(http.MethodGet)
	admin.HandleFunc("/blocked-ips", s.handleBlock).Methods(http.MethodPost)
	admin.HandleFunc("/blocked-ips/{address}", s.handleUnblock).Methods(http.MethodDelete)
	admin.HandleFunc("/announcement", s.handleAnnounce).Methods(http.MethodPost)

	router.HandleFunc("/api/chat/messages", s.handleListMessages).Methods(http.MethodGet)
	router.HandleFunc("/api/chat/messages", s.handleCreateMessage).Methods(http.MethodPost)
	router.HandleFunc("/api/chat/messages/pinned", s.handlePinnedMessages).Methods(http.MethodGet)
	router.HandleFunc("/api/chat/upload/{kind}", s.handleUpload).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		globals.AppLogger.Error("could not encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	switch types.KindOf(err) {
	case types.KindValidation:
		status = http.StatusBadRequest
	case types.KindNotFound:
		status = http.StatusNotFound
	case types.KindForbidden, types.KindBlocked:
		status = http.StatusForbidden
	case types.KindRateLimited:
		status = http.StatusTooManyRequests
	case types.KindConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, types.ErrorPayload{Message: err.Error()})
}

func decodeBody(r *http.Request, out interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return types.ValidationError("malformed request body")
	}
	return nil
}

type contextKey string

const claimsKey contextKey = "claims"

// requireToken authenticates the moderator token. Authorization per action
// is checked by the handlers resp. the moderation gateway.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, types.ForbiddenError("missing bearer token"))
			return
		}
		claims, err := auth.VerifyToken([]byte(s.cfg.JWTSecret), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func actorFrom(r *http.Request) moderation.Actor {
	if claims, ok := r.Context().Value(claimsKey).(*auth.Claims); ok {
		return moderation.Actor{Username: claims.Username, Role: claims.Role}
	}
	return moderation.Actor{}
}
