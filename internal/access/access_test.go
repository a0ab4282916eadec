package access

import (
	"errors"
	"testing"
)

func TestCanAccessAdminBypass(t *testing.T) {
	admin := &Account{Username: "Admin", Role: RoleAdmin}
	for _, path := range []string{"", "Team", "Team/sub", "anything"} {
		if !CanAccess(admin, path) {
			t.Errorf("admin denied on %q", path)
		}
	}
}

func TestCanAccessGrantPrefix(t *testing.T) {
	acct := &Account{
		Username: "alice",
		Role:     RoleUser,
		Grants:   []Grant{{PathPrefix: "Team", Password: "p"}},
	}

	cases := []struct {
		path string
		want bool
	}{
		{"Team", true},
		{"Team/sub", true},
		{"Team/sub/deep/file.txt", true},
		{"Teammate", false},
		{"Other", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := CanAccess(acct, tc.path); got != tc.want {
			t.Errorf("CanAccess(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestCanAccessEmptyGrantListDeniesEverything(t *testing.T) {
	acct := &Account{Username: "bob", Role: RoleUser}
	for _, path := range []string{"", "Team", "Team/sub"} {
		if CanAccess(acct, path) {
			t.Errorf("account with no grants allowed on %q", path)
		}
	}
}

func TestCanAccessEmptyPrefixIsFullGrant(t *testing.T) {
	acct := &Account{
		Username: "carol",
		Role:     RoleUser,
		Grants:   []Grant{{PathPrefix: "", Password: "p"}},
	}
	for _, path := range []string{"", "Team", "Other/deep"} {
		if !CanAccess(acct, path) {
			t.Errorf("full-storage grant denied on %q", path)
		}
	}
}

func TestAssertAccess(t *testing.T) {
	acct := &Account{Username: "alice", Role: RoleUser, Grants: []Grant{{PathPrefix: "Team"}}}
	if err := AssertAccess(acct, "Team/sub"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := AssertAccess(acct, "Other")
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}
}

func TestIsGrantRoot(t *testing.T) {
	acct := &Account{Username: "alice", Role: RoleUser, Grants: []Grant{{PathPrefix: "Team"}}}
	if !IsGrantRoot(acct, "Team") {
		t.Error("expected Team to be a grant root")
	}
	if IsGrantRoot(acct, "Team/sub") {
		t.Error("Team/sub is not a grant root")
	}

	admin := &Account{Username: "Admin", Role: RoleAdmin, Grants: []Grant{{PathPrefix: "Team"}}}
	if IsGrantRoot(admin, "Team") {
		t.Error("admins have no grant roots")
	}
}

func TestGrantPasswordExactMatchOnly(t *testing.T) {
	acct := &Account{
		Username: "alice",
		Role:     RoleUser,
		Grants:   []Grant{{PathPrefix: "Reports", Password: "secret1"}},
	}
	if got := GrantPassword(acct, "Reports"); got != "secret1" {
		t.Errorf("GrantPassword(Reports) = %q", got)
	}
	if got := GrantPassword(acct, "Reports/q1.csv"); got != "" {
		t.Errorf("fallback must not apply under the prefix, got %q", got)
	}
}
