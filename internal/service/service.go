package service

import (
	"strings"
	"time"

	"github.com/odvcencio/forgesim/internal/authz"
	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

// Clock supplies the current instant. Simulations inject a frozen clock.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }

// FixedClock returns a clock frozen at t.
func FixedClock(t time.Time) Clock {
	t = t.UTC()
	return func() time.Time { return t }
}

// Services bundles every service over one shared store.
type Services struct {
	Identity *IdentityService
	Repos    *RepoService
	Branches *BranchService
	Commits  *CommitService
	Files    *FileService
	Issues   *IssueService
	Labels   *LabelService
	PRs      *PRService
	Comments *CommentService
	Releases *ReleaseService
	Flows    *WorkflowService
}

func New(st *store.Store, now Clock) *Services {
	if now == nil {
		now = SystemClock
	}
	return &Services{
		Identity: NewIdentityService(st, now),
		Repos:    NewRepoService(st, now),
		Branches: NewBranchService(st, now),
		Commits:  NewCommitService(st, now),
		Files:    NewFileService(st, now),
		Issues:   NewIssueService(st, now),
		Labels:   NewLabelService(st, now),
		PRs:      NewPRService(st, now),
		Comments: NewCommentService(st, now),
		Releases: NewReleaseService(st, now),
		Flows:    NewWorkflowService(st, now),
	}
}

func getUser(tx *store.Tx, id, role string) (models.User, error) {
	if strings.TrimSpace(id) == "" {
		return models.User{}, validationf("%s is required", role)
	}
	u, ok := tx.Users().Get(id)
	if !ok {
		return models.User{}, notFoundf("%s %q not found", role, id)
	}
	return u, nil
}

func getActiveUser(tx *store.Tx, id, role string) (models.User, error) {
	u, err := getUser(tx, id, role)
	if err != nil {
		return u, err
	}
	if u.Status != models.UserActive {
		return u, statef("%s %q is %s", role, id, u.Status)
	}
	return u, nil
}

func getRepo(tx *store.Tx, id string) (models.Repository, error) {
	if strings.TrimSpace(id) == "" {
		return models.Repository{}, validationf("repository_id is required")
	}
	repo, ok := tx.Repos().Get(id)
	if !ok {
		return models.Repository{}, notFoundf("repository %q not found", id)
	}
	return repo, nil
}

// authorizeRepo resolves actorID's capability on repo and fails unless it is
// at least need. Callers with no capability at all on a non-public
// repository get a reference error so private repositories stay hidden.
func authorizeRepo(tx *store.Tx, actorID string, repo models.Repository, need models.Capability) (authz.Resolution, error) {
	res := authz.Resolve(tx, actorID, repo)
	if res.Allows(need) {
		return res, nil
	}
	if res.Capability == models.CapNone && repo.Visibility != models.VisibilityPublic {
		return res, notFoundf("repository %q not found", repo.ID)
	}
	return res, forbiddenf("insufficient permissions: %s access to repository %q required", need, repo.Name)
}

// loadRepoFor looks up a repository and authorizes actorID on it in one step.
func loadRepoFor(tx *store.Tx, actorID, repoID string, need models.Capability) (models.Repository, error) {
	repo, err := getRepo(tx, repoID)
	if err != nil {
		return repo, err
	}
	if _, err := authorizeRepo(tx, actorID, repo, need); err != nil {
		return repo, err
	}
	return repo, nil
}

// loadMutableRepo is loadRepoFor plus the archived-repository gate.
func loadMutableRepo(tx *store.Tx, actorID, repoID string, need models.Capability) (models.Repository, error) {
	repo, err := loadRepoFor(tx, actorID, repoID, need)
	if err != nil {
		return repo, err
	}
	if repo.IsArchived {
		return repo, statef("repository %q is archived", repo.Name)
	}
	return repo, nil
}

func getBranch(tx *store.Tx, repoID, branchID string) (models.Branch, error) {
	if strings.TrimSpace(branchID) == "" {
		return models.Branch{}, validationf("branch_id is required")
	}
	b, ok := tx.Branches().Get(branchID)
	if !ok {
		return b, notFoundf("branch %q not found", branchID)
	}
	if b.RepoID != repoID {
		return b, validationf("branch %q does not belong to repository %q", branchID, repoID)
	}
	return b, nil
}

func findBranchByName(tx *store.Tx, repoID, name string) (models.Branch, bool) {
	return tx.Branches().Find(func(b models.Branch) bool {
		return b.RepoID == repoID && b.Name == name
	})
}

func defaultBranch(tx *store.Tx, repoID string) (models.Branch, bool) {
	return tx.Branches().Find(func(b models.Branch) bool {
		return b.RepoID == repoID && b.IsDefault
	})
}

func ptr[T any](v T) *T { return &v }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func normalizePage(page, perPage, defaultPerPage, maxPerPage int) (limit, offset int) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return perPage, (page - 1) * perPage
}

func pageOf[T any](items []T, page, perPage, defaultPerPage, maxPerPage int) []T {
	limit, offset := normalizePage(page, perPage, defaultPerPage, maxPerPage)
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
