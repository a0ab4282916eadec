package gateway

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/hts-nas/nasgate/internal/access"
	"github.com/hts-nas/nasgate/internal/events"
	"github.com/hts-nas/nasgate/internal/lock"
	"github.com/hts-nas/nasgate/internal/sandbox"
)

var admin = &access.Account{Username: "Admin", Role: access.RoleAdmin}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	sb, err := sandbox.New(root)
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	locks := lock.NewStore(filepath.Join(t.TempDir(), "locks.json"), bcrypt.MinCost)
	return New(sb, locks, events.NewBroadcaster()), root
}

func mustWrite(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func exists(root, rel string) bool {
	_, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	return err == nil
}

func TestListSortsDirectoriesFirst(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "zeta.txt", "z")
	mustWrite(t, root, "Alpha.txt", "a")
	if err := os.Mkdir(filepath.Join(root, "bravo"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "Zulu"), 0755); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, root, ".DS_Store", "junk")

	listing, err := e.List(admin, "/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := make([]string, 0, len(listing.Items))
	for _, item := range listing.Items {
		got = append(got, item.Name)
	}
	want := []string{"bravo", "Zulu", "Alpha.txt", "zeta.txt"}
	if len(got) != len(want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("items = %v, want %v", got, want)
		}
	}
}

func TestListBreadcrumbs(t *testing.T) {
	e, root := newTestEngine(t)
	if err := os.MkdirAll(filepath.Join(root, "Projects", "Alpha"), 0755); err != nil {
		t.Fatal(err)
	}
	listing, err := e.List(admin, "Projects/Alpha")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listing.Breadcrumbs) != 2 {
		t.Fatalf("breadcrumbs = %v, want 2 entries", listing.Breadcrumbs)
	}
	if listing.Breadcrumbs[0].Path != "Projects" || listing.Breadcrumbs[1].Path != "Projects/Alpha" {
		t.Fatalf("breadcrumb paths = %v", listing.Breadcrumbs)
	}
	rootListing, err := e.List(admin, "")
	if err != nil {
		t.Fatalf("List root: %v", err)
	}
	if len(rootListing.Breadcrumbs) != 0 {
		t.Fatalf("root breadcrumbs = %v, want empty", rootListing.Breadcrumbs)
	}
}

func TestListFlagsLockedItems(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "secret.txt", "s")
	mustWrite(t, root, "open.txt", "o")
	if err := e.Lock(admin, "secret.txt", "pw"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	listing, err := e.List(admin, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, item := range listing.Items {
		locked := item.Name == "secret.txt"
		if item.IsLocked != locked {
			t.Errorf("%s: IsLocked = %v, want %v", item.Name, item.IsLocked, locked)
		}
	}
}

func TestListDeniedBeforeNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	user := &access.Account{Username: "bob", Role: access.RoleUser,
		Grants: []access.Grant{{PathPrefix: "Team"}}}
	_, err := e.List(user, "Private/nope")
	if !errors.Is(err, access.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
}

func TestMkdir(t *testing.T) {
	e, root := newTestEngine(t)
	path, err := e.Mkdir(admin, "", "Docs")
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if path != "Docs" || !exists(root, "Docs") {
		t.Fatalf("path = %q, exists = %v", path, exists(root, "Docs"))
	}
	if _, err := e.Mkdir(admin, "", "Docs"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate mkdir err = %v, want ErrAlreadyExists", err)
	}
	if _, err := e.Mkdir(admin, "", "   "); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("blank-name err = %v, want ErrNameRequired", err)
	}
	if _, err := e.Mkdir(admin, "missing", "sub"); err == nil {
		t.Fatal("mkdir under missing parent should fail")
	}
}

func TestMkdirRejectsTraversingNames(t *testing.T) {
	e, root := newTestEngine(t)
	if err := os.Mkdir(filepath.Join(root, "docs"), 0755); err != nil {
		t.Fatal(err)
	}
	user := &access.Account{Username: "bob", Role: access.RoleUser,
		Grants: []access.Grant{{PathPrefix: "docs"}}}

	// A name with separators or ".." would land outside the parent the
	// access check covered.
	for _, name := range []string{"../Other", `..\Other`, "sub/nested", ".."} {
		if _, err := e.Mkdir(user, "docs", name); !errors.Is(err, sandbox.ErrInvalidPath) {
			t.Fatalf("Mkdir(%q) err = %v, want ErrInvalidPath", name, err)
		}
	}
	if exists(root, "Other") {
		t.Fatal("folder created outside the granted parent")
	}
}

func TestUploadRejectsLockedDestinationOnly(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "docs/report.pdf", "old")
	if err := e.Lock(admin, "docs/report.pdf", "pw"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	result, err := e.Upload(admin, "docs", []IncomingFile{
		{Name: "report.pdf", Content: strings.NewReader("new")},
		{Name: "notes.txt", Content: strings.NewReader("hello")},
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(result.Accepted) != 1 || result.Accepted[0] != "notes.txt" {
		t.Fatalf("accepted = %v", result.Accepted)
	}
	if len(result.RejectedLocked) != 1 || result.RejectedLocked[0] != "report.pdf" {
		t.Fatalf("rejected = %v", result.RejectedLocked)
	}
	data, err := os.ReadFile(filepath.Join(root, "docs", "report.pdf"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "old" {
		t.Fatalf("locked file overwritten: %q", data)
	}
	if !exists(root, "docs/notes.txt") {
		t.Fatal("accepted file missing")
	}
}

func TestUploadCreatesParent(t *testing.T) {
	e, root := newTestEngine(t)
	_, err := e.Upload(admin, "a/b", []IncomingFile{
		{Name: "f.txt", Content: strings.NewReader("x")},
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !exists(root, "a/b/f.txt") {
		t.Fatal("uploaded file missing")
	}
}

func TestUploadRejectsTraversingNames(t *testing.T) {
	e, root := newTestEngine(t)
	if err := os.Mkdir(filepath.Join(root, "docs"), 0755); err != nil {
		t.Fatal(err)
	}
	user := &access.Account{Username: "bob", Role: access.RoleUser,
		Grants: []access.Grant{{PathPrefix: "docs"}}}

	// Backslash-separated names survive filepath.Base on Linux, so a
	// hostile multipart filename can reach the engine intact.
	for _, name := range []string{`..\Other\evil.txt`, "../Other/evil.txt", "sub/evil.txt"} {
		_, err := e.Upload(user, "docs", []IncomingFile{
			{Name: name, Content: strings.NewReader("pwned")},
		})
		if !errors.Is(err, sandbox.ErrInvalidPath) {
			t.Fatalf("Upload(%q) err = %v, want ErrInvalidPath", name, err)
		}
	}
	if exists(root, "Other/evil.txt") || exists(root, "docs/sub/evil.txt") {
		t.Fatal("file written outside the granted parent")
	}
}

func TestDeleteClearsLocksUnderPath(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "proj/a.txt", "a")
	mustWrite(t, root, "proj/sub/b.txt", "b")
	if err := e.Lock(admin, "proj/sub/b.txt", "pw"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := e.Lock(admin, "proj", "pw"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if err := e.Delete(admin, "proj", "pw"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if exists(root, "proj") {
		t.Fatal("folder still exists")
	}
	table, err := e.Locks().Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(table) != 0 {
		t.Fatalf("lock table not cleared: %v", table)
	}
}

func TestDeleteLockedRequiresPassword(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "vault.txt", "v")
	if err := e.Lock(admin, "vault.txt", "secret"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := e.Delete(admin, "vault.txt", ""); !errors.Is(err, lock.ErrMissingPassword) {
		t.Fatalf("err = %v, want ErrMissingPassword", err)
	}
	if err := e.Delete(admin, "vault.txt", "wrong"); !errors.Is(err, lock.ErrWrongPassword) {
		t.Fatalf("err = %v, want ErrWrongPassword", err)
	}
	if !exists(root, "vault.txt") {
		t.Fatal("file removed despite failed verification")
	}
	if err := e.Delete(admin, "vault.txt", "secret"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestDeleteGrantRootForbidden(t *testing.T) {
	e, root := newTestEngine(t)
	if err := os.Mkdir(filepath.Join(root, "Team"), 0755); err != nil {
		t.Fatal(err)
	}
	user := &access.Account{Username: "bob", Role: access.RoleUser,
		Grants: []access.Grant{{PathPrefix: "Team"}}}
	if err := e.Delete(user, "Team", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	// An admin has no grant roots and may remove the same folder.
	if err := e.Delete(admin, "Team", ""); err != nil {
		t.Fatalf("admin Delete: %v", err)
	}
}

func TestRenameMigratesLockEntries(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "F/doc.txt", "d")
	if err := e.Lock(admin, "F/doc.txt", "pw"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	newPath, err := e.Rename(admin, "F", "G", "")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if newPath != "G" {
		t.Fatalf("newPath = %q, want G", newPath)
	}
	if !exists(root, "G/doc.txt") || exists(root, "F") {
		t.Fatal("filesystem rename incomplete")
	}

	locked, err := e.Locks().Locked("G/doc.txt")
	if err != nil || !locked {
		t.Fatalf("G/doc.txt locked = %v, err = %v", locked, err)
	}
	if stale, _ := e.Locks().Locked("F/doc.txt"); stale {
		t.Fatal("stale lock entry under old path")
	}
	// The migrated entry still verifies against the original password.
	if err := e.Locks().Verify("G/doc.txt", "pw", ""); err != nil {
		t.Fatalf("Verify after rename: %v", err)
	}
}

func TestRenameCollision(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "a.txt", "a")
	mustWrite(t, root, "b.txt", "b")
	if _, err := e.Rename(admin, "a.txt", "b.txt", ""); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestRenameSameNameIsNoop(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "a.txt", "a")
	path, err := e.Rename(admin, "a.txt", "a.txt", "")
	if err != nil || path != "a.txt" {
		t.Fatalf("path = %q, err = %v", path, err)
	}
}

func TestMoveIntoSelfRejected(t *testing.T) {
	e, root := newTestEngine(t)
	if err := os.MkdirAll(filepath.Join(root, "outer", "inner"), 0755); err != nil {
		t.Fatal(err)
	}
	_, err := e.Move(admin, "outer", "outer/inner", "", "")
	if !errors.Is(err, sandbox.ErrInvalidPath) {
		t.Fatalf("err = %v, want ErrInvalidPath", err)
	}
}

func TestMoveRelocatesAndKeepsLock(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "inbox/todo.txt", "t")
	if err := os.Mkdir(filepath.Join(root, "archive"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := e.Lock(admin, "inbox/todo.txt", "pw"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	newPath, err := e.Move(admin, "inbox/todo.txt", "archive", "", "pw")
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if newPath != "archive/todo.txt" || !exists(root, "archive/todo.txt") {
		t.Fatalf("newPath = %q", newPath)
	}
	if locked, _ := e.Locks().Locked("archive/todo.txt"); !locked {
		t.Fatal("lock did not follow the move")
	}
}

func TestCopyDuplicatesTreeAndLocks(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "src/a.txt", "alpha")
	mustWrite(t, root, "src/sub/b.txt", "beta")
	if err := e.Lock(admin, "src/sub/b.txt", "pw"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	newPath, err := e.Copy(admin, "src", "", "dst", "")
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if newPath != "dst" {
		t.Fatalf("newPath = %q, want dst", newPath)
	}
	for _, rel := range []string{"src/a.txt", "src/sub/b.txt", "dst/a.txt", "dst/sub/b.txt"} {
		if !exists(root, rel) {
			t.Fatalf("%s missing after copy", rel)
		}
	}
	data, _ := os.ReadFile(filepath.Join(root, "dst", "sub", "b.txt"))
	if string(data) != "beta" {
		t.Fatalf("copied content = %q", data)
	}
	// Copied lock verifies against the same password; the original stays.
	if err := e.Locks().Verify("dst/sub/b.txt", "pw", ""); err != nil {
		t.Fatalf("Verify copy: %v", err)
	}
	if locked, _ := e.Locks().Locked("src/sub/b.txt"); !locked {
		t.Fatal("source lock removed by copy")
	}
}

func TestCopyLockedSourceRequiresPassword(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "secret.txt", "s")
	if err := e.Lock(admin, "secret.txt", "pw"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := e.Copy(admin, "secret.txt", "", "copy.txt", ""); !errors.Is(err, lock.ErrMissingPassword) {
		t.Fatalf("err = %v, want ErrMissingPassword", err)
	}
	if _, err := e.Copy(admin, "secret.txt", "", "copy.txt", "pw"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
}

func TestLockMissingTarget(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Lock(admin, "ghost.txt", "pw"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLockTwice(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "a.txt", "a")
	if err := e.Lock(admin, "a.txt", "pw"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := e.Lock(admin, "a.txt", "other"); !errors.Is(err, lock.ErrAlreadyLocked) {
		t.Fatalf("err = %v, want ErrAlreadyLocked", err)
	}
}

func TestUnlock(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "a.txt", "a")
	if err := e.Unlock(admin, "a.txt", "pw"); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("err = %v, want ErrNotLocked", err)
	}
	if err := e.Lock(admin, "a.txt", "pw"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := e.Unlock(admin, "a.txt", "bad"); !errors.Is(err, lock.ErrWrongPassword) {
		t.Fatalf("err = %v, want ErrWrongPassword", err)
	}
	if err := e.Unlock(admin, "a.txt", "pw"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if locked, _ := e.Locks().Locked("a.txt"); locked {
		t.Fatal("still locked")
	}
}

func TestUnlockEventCarriesDirectoryType(t *testing.T) {
	e, root := newTestEngine(t)
	if err := os.Mkdir(filepath.Join(root, "vault"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := e.Lock(admin, "vault", "pw"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ch := e.broadcaster.Subscribe()
	defer e.broadcaster.Unsubscribe(ch)
	if err := e.Unlock(admin, "vault", "pw"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	ev := <-ch
	if ev.Action != events.ActionUnlocked {
		t.Fatalf("action = %q", ev.Action)
	}
	if len(ev.Items) != 1 || ev.Items[0].Type != events.TypeDirectory {
		t.Fatalf("items = %+v, want directory type", ev.Items)
	}
}

func TestReadContent(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "docs/readme.txt", "hello world")

	rc, info, err := e.ReadContent(admin, "docs/readme.txt", "")
	if err != nil {
		t.Fatalf("ReadContent: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("hello world")) {
		t.Fatalf("content = %q", data)
	}
	if info.Name != "readme.txt" || info.Size != int64(len("hello world")) {
		t.Fatalf("info = %+v", info)
	}
	if !strings.HasPrefix(info.ContentType, "text/plain") {
		t.Fatalf("content type = %q", info.ContentType)
	}
}

func TestReadContentOnDirectory(t *testing.T) {
	e, root := newTestEngine(t)
	if err := os.Mkdir(filepath.Join(root, "dir"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.ReadContent(admin, "dir", ""); !errors.Is(err, ErrNotAFile) {
		t.Fatalf("err = %v, want ErrNotAFile", err)
	}
}

func TestReadContentGrantPasswordFallback(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "Reports/q1.csv", "1,2,3")
	if err := e.Lock(admin, "Reports/q1.csv", "pw"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := e.Lock(admin, "Reports", "rpw"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	user := &access.Account{Username: "ann", Role: access.RoleUser,
		Grants: []access.Grant{{PathPrefix: "Reports", Password: "rpw"}}}

	// The grant password matches the grant folder's own lock, not a lock
	// on an item beneath it.
	if _, _, err := e.ReadContent(user, "Reports/q1.csv", ""); !errors.Is(err, lock.ErrMissingPassword) {
		t.Fatalf("err = %v, want ErrMissingPassword", err)
	}
	rc, _, err := e.ReadContent(user, "Reports/q1.csv", "pw")
	if err != nil {
		t.Fatalf("ReadContent with explicit password: %v", err)
	}
	rc.Close()
}

func TestOperationsRejectEscapingPaths(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "a.txt", "a")
	// Traversal segments clamp at the root instead of escaping, so the
	// path resolves inside the sandbox.
	listing, err := e.List(admin, "../../..")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if listing.Path != "" {
		t.Fatalf("path = %q, want root", listing.Path)
	}
}

func TestEventsEmitted(t *testing.T) {
	e, _ := newTestEngine(t)
	ch := e.broadcaster.Subscribe()
	defer e.broadcaster.Unsubscribe(ch)

	if _, err := e.Mkdir(admin, "", "Docs"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	ev := <-ch
	if ev.Action != events.ActionFolderCreated || ev.Actor != "Admin" {
		t.Fatalf("event = %+v", ev)
	}
	if len(ev.Items) != 1 || ev.Items[0].Path != "Docs" {
		t.Fatalf("items = %+v", ev.Items)
	}
	if len(ev.Parents) != 1 || ev.Parents[0] != "" {
		t.Fatalf("parents = %v", ev.Parents)
	}
}

func TestRenameEventDeduplicatesParents(t *testing.T) {
	e, root := newTestEngine(t)
	mustWrite(t, root, "docs/a.txt", "a")

	ch := e.broadcaster.Subscribe()
	defer e.broadcaster.Unsubscribe(ch)
	if _, err := e.Rename(admin, "docs/a.txt", "b.txt", ""); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	ev := <-ch
	// A plain rename keeps the item in place, so the old and new parent
	// collapse to one entry.
	if len(ev.Parents) != 1 || ev.Parents[0] != "docs" {
		t.Fatalf("parents = %v, want [docs]", ev.Parents)
	}

	ch2 := e.broadcaster.Subscribe()
	defer e.broadcaster.Unsubscribe(ch2)
	if err := os.Mkdir(filepath.Join(root, "archive"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Move(admin, "docs/b.txt", "archive", "", ""); err != nil {
		t.Fatalf("Move: %v", err)
	}
	ev = <-ch2
	if len(ev.Parents) != 2 || ev.Parents[0] != "docs" || ev.Parents[1] != "archive" {
		t.Fatalf("parents = %v, want [docs archive]", ev.Parents)
	}
}
