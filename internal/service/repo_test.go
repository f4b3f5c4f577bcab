package service

import (
	"testing"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

func TestCreateRepositoryValidatesAndRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	repo, main := f.repo(t, "widgets")
	if repo.OwnerID != f.admin.ID || repo.Visibility != models.VisibilityPublic {
		t.Fatalf("unexpected defaults: %+v", repo)
	}
	if !main.IsDefault || main.CommitSHA != "" {
		t.Fatalf("default branch = %+v", main)
	}

	_, err := f.svc.Repos.CreateRepository(f.ctx, f.admin.ID, CreateRepoRequest{Name: "bad name!"})
	wantKind(t, err, KindValidation)

	// Another owner may reuse the name.
	if _, err := f.svc.Repos.CreateRepository(f.ctx, f.bob.ID, CreateRepoRequest{Name: "widgets"}); err != nil {
		t.Fatalf("bob widgets: %v", err)
	}
}

func TestPrivateRepositoryHiddenFromStrangers(t *testing.T) {
	f := newFixture(t)
	repo, err := f.svc.Repos.CreateRepository(f.ctx, f.admin.ID, CreateRepoRequest{Name: "secret", Visibility: "private"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = f.svc.Repos.GetRepository(f.ctx, f.bob.ID, repo.ID)
	wantKind(t, err, KindReference)

	if _, err := f.svc.Repos.UpsertCollaborator(f.ctx, f.admin.ID, repo.ID, f.bob.ID, "read"); err != nil {
		t.Fatalf("add collaborator: %v", err)
	}
	if _, err := f.svc.Repos.GetRepository(f.ctx, f.bob.ID, repo.ID); err != nil {
		t.Fatalf("collaborator read: %v", err)
	}
	_, err = f.svc.Branches.CreateBranch(f.ctx, f.bob.ID, CreateBranchRequest{RepoID: repo.ID, Name: "topic"})
	wantKind(t, err, KindForbidden)
}

func TestAtMostOneDefaultBranch(t *testing.T) {
	f := newFixture(t)
	repo, main := f.repo(t, "widgets")

	dev, err := f.svc.Branches.CreateBranch(f.ctx, f.admin.ID, CreateBranchRequest{RepoID: repo.ID, Name: "dev", IsDefault: true})
	if err != nil {
		t.Fatalf("create dev: %v", err)
	}

	branches, err := f.svc.Branches.ListBranches(f.ctx, f.admin.ID, repo.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defaults := 0
	for _, b := range branches {
		if b.IsDefault {
			defaults++
			if b.ID != dev.ID {
				t.Fatalf("default branch = %s, want dev", b.Name)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("found %d default branches", defaults)
	}

	got, err := f.svc.Repos.GetRepository(f.ctx, f.admin.ID, repo.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DefaultBranch != "dev" {
		t.Fatalf("repository default_branch = %q, want dev", got.DefaultBranch)
	}

	wantKind(t, f.svc.Branches.DeleteBranch(f.ctx, f.admin.ID, repo.ID, dev.ID), KindState)
	if err := f.svc.Branches.DeleteBranch(f.ctx, f.admin.ID, repo.ID, main.ID); err != nil {
		t.Fatalf("delete former default: %v", err)
	}
}

func TestCreateBranchCopiesHead(t *testing.T) {
	f := newFixture(t)
	repo, main := f.repo(t, "widgets")
	res := f.writeFile(t, repo.ID, main.ID, "README.md", "hello")

	topic, err := f.svc.Branches.CreateBranch(f.ctx, f.admin.ID, CreateBranchRequest{RepoID: repo.ID, Name: "topic"})
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	if topic.CommitSHA != res.Commit.SHA {
		t.Fatalf("topic head = %q, want %q", topic.CommitSHA, res.Commit.SHA)
	}
	if topic.SourceBranchID == nil || *topic.SourceBranchID != main.ID {
		t.Fatalf("source branch = %v", topic.SourceBranchID)
	}

	_, err = f.svc.Branches.CreateBranch(f.ctx, f.admin.ID, CreateBranchRequest{RepoID: repo.ID, Name: "topic"})
	wantKind(t, err, KindState)
}

func TestProtectedBranchRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	repo, main := f.repo(t, "widgets")
	if _, err := f.svc.Repos.UpsertCollaborator(f.ctx, f.admin.ID, repo.ID, f.bob.ID, "write"); err != nil {
		t.Fatalf("collaborator: %v", err)
	}
	rel, err := f.svc.Branches.CreateBranch(f.ctx, f.admin.ID, CreateBranchRequest{RepoID: repo.ID, Name: "release"})
	if err != nil {
		t.Fatalf("create release: %v", err)
	}
	if _, err := f.svc.Branches.SetBranchProtection(f.ctx, f.bob.ID, repo.ID, rel.ID, true); !IsForbidden(err) {
		t.Fatalf("protect as writer: %v", err)
	}
	if _, err := f.svc.Branches.SetBranchProtection(f.ctx, f.admin.ID, repo.ID, rel.ID, true); err != nil {
		t.Fatalf("protect: %v", err)
	}

	wantKind(t, f.svc.Branches.DeleteBranch(f.ctx, f.bob.ID, repo.ID, rel.ID), KindForbidden)

	_, err = f.svc.Commits.Commit(f.ctx, f.bob.ID, CommitRequest{RepoID: repo.ID, BranchID: rel.ID, Message: "sneak"})
	wantKind(t, err, KindForbidden)
	if _, err := f.svc.Commits.Commit(f.ctx, f.bob.ID, CommitRequest{RepoID: repo.ID, BranchID: main.ID, Message: "fine"}); err != nil {
		t.Fatalf("write to unprotected branch: %v", err)
	}

	if err := f.svc.Branches.DeleteBranch(f.ctx, f.admin.ID, repo.ID, rel.ID); err != nil {
		t.Fatalf("admin delete of protected branch: %v", err)
	}
	// The default branch stays undeletable for everyone.
	wantKind(t, f.svc.Branches.DeleteBranch(f.ctx, f.admin.ID, repo.ID, main.ID), KindState)
}

func TestForkCopiesGraphWithoutDanglingReferences(t *testing.T) {
	f := newFixture(t)
	src, main := f.repo(t, "widgets")
	f.writeFile(t, src.ID, main.ID, "main.go", "package main\n")
	f.writeFile(t, src.ID, main.ID, "go.mod", "module widgets\n")
	if _, err := f.svc.Branches.CreateBranch(f.ctx, f.admin.ID, CreateBranchRequest{RepoID: src.ID, Name: "topic"}); err != nil {
		t.Fatalf("create topic: %v", err)
	}

	fork, err := f.svc.Repos.ForkRepository(f.ctx, f.bob.ID, ForkRequest{SourceRepoID: src.ID})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if !fork.IsFork || fork.ParentRepositoryID == nil || *fork.ParentRepositoryID != src.ID || fork.OwnerID != f.bob.ID {
		t.Fatalf("unexpected fork %+v", fork)
	}

	_ = f.st.View(f.ctx, "check", func(tx *store.Tx) error {
		count := func(repoID string) (branches, commits, files int) {
			branches = tx.Branches().Count(func(b models.Branch) bool { return b.RepoID == repoID })
			commits = tx.Commits().Count(func(c models.Commit) bool { return c.RepoID == repoID })
			files = tx.Files().Count(func(fl models.File) bool { return fl.RepoID == repoID })
			return
		}
		sb, sc, sf := count(src.ID)
		fb, fc, ff := count(fork.ID)
		if sb != fb || sc != fc || sf != ff {
			t.Fatalf("fork counts %d/%d/%d, source %d/%d/%d", fb, fc, ff, sb, sc, sf)
		}

		for _, c := range tx.Commits().Filter(func(c models.Commit) bool { return c.RepoID == fork.ID }) {
			if c.ParentCommitID == nil {
				continue
			}
			parent, ok := tx.Commits().Get(*c.ParentCommitID)
			if !ok || parent.RepoID != fork.ID {
				t.Fatalf("commit %s parent %s escapes the fork", c.ID, *c.ParentCommitID)
			}
		}
		branchIDs := map[string]bool{}
		for _, b := range tx.Branches().Filter(func(b models.Branch) bool { return b.RepoID == fork.ID }) {
			branchIDs[b.ID] = true
			if b.SourceBranchID != nil {
				if sb, ok := tx.Branches().Get(*b.SourceBranchID); !ok || sb.RepoID != fork.ID {
					t.Fatalf("branch %s source escapes the fork", b.Name)
				}
			}
		}
		for _, fl := range tx.Files().Filter(func(fl models.File) bool { return fl.RepoID == fork.ID }) {
			if !branchIDs[fl.BranchID] {
				t.Fatalf("file %s points at a foreign branch", fl.Path)
			}
			if last, ok := tx.Commits().Get(fl.LastCommitID); !ok || last.RepoID != fork.ID {
				t.Fatalf("file %s last commit escapes the fork", fl.Path)
			}
		}

		updated, _ := tx.Repos().Get(src.ID)
		if updated.ForksCount != 1 {
			t.Fatalf("forks_count = %d, want 1", updated.ForksCount)
		}
		return nil
	})

	_, err = f.svc.Repos.ForkRepository(f.ctx, f.bob.ID, ForkRequest{SourceRepoID: src.ID})
	wantKind(t, err, KindState)
}

func TestArchivedRepositoryRejectsMutations(t *testing.T) {
	f := newFixture(t)
	repo, main := f.repo(t, "widgets")
	f.writeFile(t, repo.ID, main.ID, "README.md", "v0")
	topic, err := f.svc.Branches.CreateBranch(f.ctx, f.admin.ID, CreateBranchRequest{RepoID: repo.ID, Name: "topic"})
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	f.writeFile(t, repo.ID, topic.ID, "CHANGELOG.md", "v1")

	archived := true
	if _, err := f.svc.Repos.UpdateRepository(f.ctx, f.admin.ID, UpdateRepoRequest{RepoID: repo.ID, IsArchived: &archived}); err != nil {
		t.Fatalf("archive: %v", err)
	}
	version := f.st.Version()

	_, err = f.svc.Branches.CreateBranch(f.ctx, f.admin.ID, CreateBranchRequest{RepoID: repo.ID, Name: "other"})
	wantKind(t, err, KindState)
	wantKind(t, f.svc.Branches.DeleteBranch(f.ctx, f.admin.ID, repo.ID, topic.ID), KindState)
	body := "blocked"
	_, err = f.svc.Files.UpsertFile(f.ctx, f.admin.ID, UpsertFileRequest{RepoID: repo.ID, BranchID: main.ID, Name: ptr("new.txt"), Content: &body})
	wantKind(t, err, KindState)
	_, err = f.svc.PRs.CreatePullRequest(f.ctx, f.admin.ID, CreatePRRequest{RepoID: repo.ID, Title: "t", SourceBranch: "topic", TargetBranch: "main"})
	wantKind(t, err, KindState)
	desc := "still archived"
	_, err = f.svc.Repos.UpdateRepository(f.ctx, f.admin.ID, UpdateRepoRequest{RepoID: repo.ID, Description: &desc})
	wantKind(t, err, KindState)
	if f.st.Version() != version {
		t.Fatal("a rejected mutation changed the store")
	}

	// Reads keep working.
	if _, err := f.svc.Repos.GetRepository(f.ctx, f.bob.ID, repo.ID); err != nil {
		t.Fatalf("read archived repository: %v", err)
	}

	unarchived := false
	if _, err := f.svc.Repos.UpdateRepository(f.ctx, f.admin.ID, UpdateRepoRequest{RepoID: repo.ID, IsArchived: &unarchived}); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	if _, err := f.svc.Branches.CreateBranch(f.ctx, f.admin.ID, CreateBranchRequest{RepoID: repo.ID, Name: "other"}); err != nil {
		t.Fatalf("create branch after unarchive: %v", err)
	}
	if _, err := f.svc.PRs.CreatePullRequest(f.ctx, f.admin.ID, CreatePRRequest{RepoID: repo.ID, Title: "t", SourceBranch: "topic", TargetBranch: "main"}); err != nil {
		t.Fatalf("create pr after unarchive: %v", err)
	}
}
