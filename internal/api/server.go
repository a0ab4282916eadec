// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hts-nas/nasgate/internal/access"
	"github.com/hts-nas/nasgate/internal/accounts"
	"github.com/hts-nas/nasgate/internal/auth"
	"github.com/hts-nas/nasgate/internal/events"
	"github.com/hts-nas/nasgate/internal/gateway"
	"github.com/hts-nas/nasgate/internal/lock"
	"github.com/hts-nas/nasgate/internal/logging"
	"github.com/hts-nas/nasgate/internal/metrics"
	"github.com/hts-nas/nasgate/internal/sandbox"
)

// Server is the HTTP server.
type Server struct {
	engine        *gateway.Engine
	auth          *auth.Auth
	accounts      *accounts.Store
	broadcaster   *events.Broadcaster
	maxUploadSize int64
	sseHeartbeat  time.Duration
}

// NewServer creates a new server.
func NewServer(
	engine *gateway.Engine,
	authHandler *auth.Auth,
	accountStore *accounts.Store,
	broadcaster *events.Broadcaster,
	maxUploadSize int64,
	sseHeartbeat time.Duration,
) *Server {
	return &Server{
		engine:        engine,
		auth:          authHandler,
		accounts:      accountStore,
		broadcaster:   broadcaster,
		maxUploadSize: maxUploadSize,
		sseHeartbeat:  sseHeartbeat,
	}
}

// Handler returns the HTTP handler with auth, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	// Protected endpoints
	protected := http.NewServeMux()

	protected.HandleFunc("POST /api/auth/logout", s.handleLogout)
	protected.HandleFunc("GET /api/auth/me", s.handleMe)

	// Browsing and content
	protected.HandleFunc("GET /api/items", s.handleList)
	protected.HandleFunc("GET /api/items/content", s.handleContent)

	// Mutations
	protected.HandleFunc("POST /api/folders", s.handleMkdir)
	protected.HandleFunc("POST /api/upload", s.handleUpload)
	protected.HandleFunc("DELETE /api/items", s.handleDelete)
	protected.HandleFunc("PUT /api/items/rename", s.handleRename)
	protected.HandleFunc("PUT /api/items/move", s.handleMove)
	protected.HandleFunc("POST /api/items/copy", s.handleCopy)

	// Locks (admin only)
	protected.HandleFunc("POST /api/items/lock", s.handleLock)
	protected.HandleFunc("POST /api/items/unlock", s.handleUnlock)

	// SSE endpoint
	protected.HandleFunc("GET /api/events", s.handleEvents)

	// Self-service account endpoints
	protected.HandleFunc("PUT /api/users/me/password", s.handleChangeOwnPassword)
	protected.HandleFunc("GET /api/users/me/access", s.handleOwnAccess)

	// Admin user management
	protected.HandleFunc("GET /api/admin/users", s.handleListUsers)
	protected.HandleFunc("POST /api/admin/users", s.handleCreateUser)
	protected.HandleFunc("PUT /api/admin/users/{username}", s.handleUpdateUser)
	protected.HandleFunc("DELETE /api/admin/users/{username}", s.handleDeleteUser)

	mux.Handle("/api/", s.auth.Middleware(protected))

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]interface{}{
		"error": message,
		"code":  code,
	})
}

// sendOpError maps a gateway/store error onto its HTTP status. 423 marks a
// lock that needs a password; 403 marks a password that did not match.
func (s *Server) sendOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sandbox.ErrInvalidPath),
		errors.Is(err, gateway.ErrNameRequired),
		errors.Is(err, gateway.ErrNotADirectory),
		errors.Is(err, gateway.ErrNotAFile):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, accounts.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gateway.ErrAlreadyExists),
		errors.Is(err, gateway.ErrNotLocked),
		errors.Is(err, lock.ErrAlreadyLocked),
		errors.Is(err, accounts.ErrAlreadyExists):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, access.ErrAccessDenied),
		errors.Is(err, gateway.ErrForbidden),
		errors.Is(err, lock.ErrWrongPassword):
		s.sendError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, lock.ErrMissingPassword):
		s.sendError(w, http.StatusLocked, err.Error())
	case errors.Is(err, accounts.ErrBadCredential):
		s.sendError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		logging.Error("request failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
