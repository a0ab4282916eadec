// Package access evaluates per-account path grants.
package access

import (
	"fmt"

	"github.com/hts-nas/nasgate/internal/sandbox"
)

// ErrAccessDenied is returned when an account holds no grant covering a path.
var ErrAccessDenied = fmt.Errorf("access denied")

// Roles understood by the gateway. Any role other than admin is subject to
// grant evaluation.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Grant allows an account to read and write everything at or under
// PathPrefix. Password is the credential for the prefix's own lock, if any;
// it never unlocks items beneath the prefix.
type Grant struct {
	PathPrefix string `json:"path"`
	Password   string `json:"password"`
}

// Account is the read-only identity supplied per request by the auth layer.
type Account struct {
	Username string
	Role     string
	Grants   []Grant
}

// IsAdmin reports whether the account bypasses grant evaluation.
func (a *Account) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}

// CanAccess reports whether the account may touch the given normalized
// path. Admins always can; other accounts need a grant whose prefix covers
// the path. An empty grant prefix covers the whole storage root, and an
// account with no grants at all can reach nothing, not even the root.
func CanAccess(account *Account, path string) bool {
	if account == nil {
		return false
	}
	if account.IsAdmin() {
		return true
	}
	for _, g := range account.Grants {
		if sandbox.Under(path, g.PathPrefix) {
			return true
		}
	}
	return false
}

// AssertAccess returns ErrAccessDenied when CanAccess is false.
func AssertAccess(account *Account, path string) error {
	if !CanAccess(account, path) {
		return fmt.Errorf("%s: %w", path, ErrAccessDenied)
	}
	return nil
}

// IsGrantRoot reports whether path exactly equals one of the account's
// grant prefixes. Deleting or renaming such a folder would lock the
// account out of its own access, so callers forbid it. Admins have no
// grant roots.
func IsGrantRoot(account *Account, path string) bool {
	if account == nil || account.IsAdmin() {
		return false
	}
	for _, g := range account.Grants {
		if g.PathPrefix == path {
			return true
		}
	}
	return false
}

// GrantPassword returns the stored password of the grant whose prefix
// exactly equals path, or "" when no such grant exists. Used as the
// fallback credential when verifying a lock on the grant's own folder.
func GrantPassword(account *Account, path string) string {
	if account == nil {
		return ""
	}
	for _, g := range account.Grants {
		if g.PathPrefix == path {
			return g.Password
		}
	}
	return ""
}
