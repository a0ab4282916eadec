package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/hts-nas/nasgate/internal/access"
	"github.com/hts-nas/nasgate/internal/accounts"
	"github.com/hts-nas/nasgate/internal/auth"
	"github.com/hts-nas/nasgate/internal/logging"
	"github.com/hts-nas/nasgate/internal/sandbox"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		s.sendError(w, http.StatusBadRequest, "username and password required")
		return
	}

	token, expires, account, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		s.sendError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresAt": expires,
		"user": map[string]interface{}{
			"username": account.Username,
			"role":     account.Role,
		},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := auth.GetToken(r.Context()); token != "" {
		s.auth.Logout(token)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccount(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username": account.Username,
		"role":     account.Role,
	})
}

func (s *Server) handleChangeOwnPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NewPassword == "" {
		s.sendError(w, http.StatusBadRequest, "new password required")
		return
	}

	account := auth.GetAccount(r.Context())
	if _, err := s.accounts.Authenticate(account.Username, req.CurrentPassword); err != nil {
		s.sendError(w, http.StatusForbidden, "current password incorrect")
		return
	}
	if _, err := s.accounts.Apply(account.Username, accounts.Update{Password: &req.NewPassword}); err != nil {
		s.sendOpError(w, err)
		return
	}
	logging.Info("password changed", zap.String("username", account.Username))
	writeJSON(w, http.StatusOK, map[string]bool{"changed": true})
}

// handleOwnAccess returns the caller's grant prefixes without the stored
// grant passwords.
func (s *Server) handleOwnAccess(w http.ResponseWriter, r *http.Request) {
	account := auth.GetAccount(r.Context())
	paths := make([]string, 0, len(account.Grants))
	for _, g := range account.Grants {
		paths = append(paths, g.PathPrefix)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"role":   account.Role,
		"access": paths,
	})
}

// ─── Admin user management ──────────────────────────────────────────────────

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) *access.Account {
	account := auth.GetAccount(r.Context())
	if !account.IsAdmin() {
		s.sendError(w, http.StatusForbidden, "admin role required")
		return nil
	}
	return account
}

type grantRequest struct {
	Path     string `json:"path"`
	Password string `json:"password"`
}

// validateGrants sandboxes and deduplicates the requested grant prefixes.
// Every grant needs a password (it doubles as the lock credential on the
// grant folder) and must name an existing folder.
func (s *Server) validateGrants(raw []grantRequest) ([]access.Grant, string) {
	seen := make(map[string]bool, len(raw))
	grants := make([]access.Grant, 0, len(raw))
	for _, g := range raw {
		prefix := sandbox.Normalize(g.Path)
		if prefix == "" {
			return nil, "grant path required"
		}
		if g.Password == "" {
			return nil, "grant password required"
		}
		if seen[prefix] {
			continue
		}
		seen[prefix] = true
		ok, err := s.engine.DirExists(prefix)
		if err != nil || !ok {
			return nil, "grant path must be an existing folder: " + prefix
		}
		grants = append(grants, access.Grant{PathPrefix: prefix, Password: g.Password})
	}
	return grants, ""
}

// syncGrantLocks ensures every password-protected grant folder carries a
// matching lock entry. Existing locks with the same password are kept as-is.
func (s *Server) syncGrantLocks(grants []access.Grant) {
	for _, g := range grants {
		if g.Password == "" {
			continue
		}
		if err := s.engine.Locks().SetIfChanged(g.PathPrefix, g.Password); err != nil {
			logging.Warn("grant lock sync failed", zap.String("path", g.PathPrefix), zap.Error(err))
		}
	}
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}
	records, err := s.accounts.List()
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	users := make([]accounts.PublicUser, 0, len(records))
	for _, record := range records {
		users = append(users, record.Public())
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	admin := s.requireAdmin(w, r)
	if admin == nil {
		return
	}

	var req struct {
		Username string         `json:"username"`
		Password string         `json:"password"`
		Role     string         `json:"role"`
		Access   []grantRequest `json:"access"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	username := accounts.SanitizeUsername(req.Username)
	if username == "" || req.Password == "" {
		s.sendError(w, http.StatusBadRequest, "valid username and password required")
		return
	}
	role := req.Role
	if role == "" {
		role = access.RoleUser
	}
	if role != access.RoleUser && role != access.RoleAdmin {
		s.sendError(w, http.StatusBadRequest, "role must be user or admin")
		return
	}
	grants, problem := s.validateGrants(req.Access)
	if problem != "" {
		s.sendError(w, http.StatusBadRequest, problem)
		return
	}

	record, err := s.accounts.Create(username, req.Password, role, grants)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	s.syncGrantLocks(grants)

	logging.Info("user created",
		zap.String("username", username),
		zap.String("role", role),
		zap.String("actor", admin.Username))
	writeJSON(w, http.StatusCreated, record.Public())
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	admin := s.requireAdmin(w, r)
	if admin == nil {
		return
	}
	username := r.PathValue("username")

	var req struct {
		Password *string         `json:"password"`
		Role     *string         `json:"role"`
		Access   *[]grantRequest `json:"access"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	upd := accounts.Update{Password: req.Password, Role: req.Role}
	var grants []access.Grant
	if req.Access != nil {
		var problem string
		grants, problem = s.validateGrants(*req.Access)
		if problem != "" {
			s.sendError(w, http.StatusBadRequest, problem)
			return
		}
		upd.Grants = &grants
	}
	if req.Role != nil && *req.Role != access.RoleUser && *req.Role != access.RoleAdmin {
		s.sendError(w, http.StatusBadRequest, "role must be user or admin")
		return
	}

	// Demoting the last admin would leave the system without lock
	// management.
	if req.Role != nil && *req.Role != access.RoleAdmin {
		if existing, err := s.accounts.Get(username); err == nil && existing.Role == access.RoleAdmin {
			n, err := s.accounts.AdminCount()
			if err == nil && n <= 1 {
				s.sendError(w, http.StatusConflict, "cannot demote the last admin")
				return
			}
		}
	}

	record, err := s.accounts.Apply(username, upd)
	if err != nil {
		s.sendOpError(w, err)
		return
	}
	if req.Access != nil {
		s.syncGrantLocks(grants)
	}

	logging.Info("user updated", zap.String("username", username), zap.String("actor", admin.Username))
	writeJSON(w, http.StatusOK, record.Public())
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	admin := s.requireAdmin(w, r)
	if admin == nil {
		return
	}
	username := r.PathValue("username")
	if username == admin.Username {
		s.sendError(w, http.StatusConflict, "cannot delete your own account")
		return
	}
	if existing, err := s.accounts.Get(username); err == nil && existing.Role == access.RoleAdmin {
		n, err := s.accounts.AdminCount()
		if err == nil && n <= 1 {
			s.sendError(w, http.StatusConflict, "cannot delete the last admin")
			return
		}
	}

	if err := s.accounts.Delete(username); err != nil {
		s.sendOpError(w, err)
		return
	}
	logging.Info("user deleted", zap.String("username", username), zap.String("actor", admin.Username))
	writeJSON(w, http.StatusOK, map[string]interface{}{"username": username, "removed": true})
}
