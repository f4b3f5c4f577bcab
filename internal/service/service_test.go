package service

import (
	"context"
	"testing"
	"time"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

var testNow = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx   context.Context
	st    *store.Store
	svc   *Services
	admin *models.User
	bob   *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.New(store.Options{})
	f := &fixture{ctx: context.Background(), st: st, svc: New(st, FixedClock(testNow))}

	admin, err := f.svc.Identity.CreateUser(f.ctx, "", CreateUserRequest{Username: "ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}
	if !admin.IsAdmin {
		t.Fatal("first user should bootstrap as admin")
	}
	bob, err := f.svc.Identity.CreateUser(f.ctx, admin.ID, CreateUserRequest{Username: "bob", Email: "bob@example.com"})
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	f.admin, f.bob = admin, bob
	return f
}

// repo creates a public repository owned by the admin with a "main" default branch.
func (f *fixture) repo(t *testing.T, name string) (*models.Repository, models.Branch) {
	t.Helper()
	repo, err := f.svc.Repos.CreateRepository(f.ctx, f.admin.ID, CreateRepoRequest{Name: name, DefaultBranch: "main"})
	if err != nil {
		t.Fatalf("create repository %s: %v", name, err)
	}
	return repo, f.branch(t, repo.ID, "main")
}

func (f *fixture) branch(t *testing.T, repoID, name string) models.Branch {
	t.Helper()
	var b models.Branch
	var ok bool
	_ = f.st.View(f.ctx, "test", func(tx *store.Tx) error {
		b, ok = findBranchByName(tx, repoID, name)
		return nil
	})
	if !ok {
		t.Fatalf("branch %q not found", name)
	}
	return b
}

func (f *fixture) writeFile(t *testing.T, repoID, branchID, name, content string) *FileResult {
	t.Helper()
	res, err := f.svc.Files.UpsertFile(f.ctx, f.admin.ID, UpsertFileRequest{
		RepoID:   repoID,
		BranchID: branchID,
		Name:     &name,
		Content:  &content,
	})
	if err != nil {
		t.Fatalf("create file %s: %v", name, err)
	}
	return res
}

func wantKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("error kind = %s, want %s (%v)", got, kind, err)
	}
}

func TestCreateUserRequiresAdminAfterBootstrap(t *testing.T) {
	f := newFixture(t)
	if f.bob.IsAdmin {
		t.Fatal("second user should not be an admin")
	}
	_, err := f.svc.Identity.CreateUser(f.ctx, f.bob.ID, CreateUserRequest{Username: "eve", Email: "eve@example.com"})
	wantKind(t, err, KindForbidden)

	_, err = f.svc.Identity.CreateUser(f.ctx, f.admin.ID, CreateUserRequest{Username: "BOB", Email: "other@example.com"})
	wantKind(t, err, KindState)

	_, err = f.svc.Identity.CreateUser(f.ctx, f.admin.ID, CreateUserRequest{Username: "carol", Email: "not-an-email"})
	wantKind(t, err, KindValidation)
}

func TestIssueAccessTokenOnlyForSelfUnlessAdmin(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Identity.IssueAccessToken(f.ctx, f.bob.ID, f.admin.ID, "steal", 0); !IsForbidden(err) {
		t.Fatalf("err = %v, want forbidden", err)
	}
	tok, err := f.svc.Identity.IssueAccessToken(f.ctx, f.admin.ID, f.bob.ID, "ci", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if tok.Secret == "" || tok.Token.UserID != f.bob.ID {
		t.Fatalf("unexpected token %+v", tok.Token)
	}
	if tok.Token.ExpiresAt == nil || !tok.Token.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("expires_at = %v", tok.Token.ExpiresAt)
	}
}

func TestFailedUpdateLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.repo(t, "widgets")
	before := f.st.Version()
	counts := f.st.Counts()

	_, err := f.svc.Repos.CreateRepository(f.ctx, f.admin.ID, CreateRepoRequest{Name: "widgets", DefaultBranch: "main"})
	wantKind(t, err, KindState)

	if f.st.Version() != before {
		t.Fatalf("version moved from %d to %d on a failed mutation", before, f.st.Version())
	}
	for table, n := range f.st.Counts() {
		if counts[table] != n {
			t.Fatalf("table %s changed from %d to %d", table, counts[table], n)
		}
	}
}
