package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

type CommitService struct {
	st  *store.Store
	now Clock
}

func NewCommitService(st *store.Store, now Clock) *CommitService {
	return &CommitService{st: st, now: now}
}

type CommitRequest struct {
	RepoID   string `json:"repository_id"`
	BranchID string `json:"branch_id"`
	Message  string `json:"message"`
	// ExpectedParentSHA, when set, must equal the branch HEAD at commit time.
	ExpectedParentSHA *string `json:"expected_parent_sha"`
}

// Commit appends a commit on top of the branch HEAD and fast-forwards the
// branch to it.
func (s *CommitService) Commit(ctx context.Context, actorID string, req CommitRequest) (*models.Commit, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, validationf("message is required")
	}
	var commit models.Commit
	err := s.st.Update(ctx, "commit", func(tx *store.Tx) error {
		repo, branch, err := loadWritableBranch(tx, actorID, req.RepoID, req.BranchID)
		if err != nil {
			return err
		}
		if req.ExpectedParentSHA != nil && *req.ExpectedParentSHA != branch.CommitSHA {
			return statef("branch %q has moved: HEAD is %q, expected %q", branch.Name, branch.CommitSHA, *req.ExpectedParentSHA)
		}
		commit = appendCommit(tx, repo, branch, actorID, req.Message, s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &commit, nil
}

// loadWritableBranch authorizes a write to branchID. Protected branches only
// take writes from repository admins.
func loadWritableBranch(tx *store.Tx, actorID, repoID, branchID string) (models.Repository, models.Branch, error) {
	repo, err := loadMutableRepo(tx, actorID, repoID, models.CapWrite)
	if err != nil {
		return repo, models.Branch{}, err
	}
	branch, err := getBranch(tx, repo.ID, branchID)
	if err != nil {
		return repo, branch, err
	}
	return repo, branch, requireBranchAdmin(tx, actorID, repo, branch)
}

// requireBranchAdmin guards every change to a protected branch's HEAD or
// existence: only repository admins may make one.
func requireBranchAdmin(tx *store.Tx, actorID string, repo models.Repository, branch models.Branch) error {
	if !branch.IsProtected {
		return nil
	}
	if _, err := authorizeRepo(tx, actorID, repo, models.CapAdmin); err != nil {
		return forbiddenf("branch %q is protected", branch.Name)
	}
	return nil
}

// appendCommit records a commit whose parent is the branch's current HEAD and
// moves HEAD to it. The SHA is derived from the commit's coordinates and its
// id, so it is deterministic and unique within the repository.
func appendCommit(tx *store.Tx, repo models.Repository, branch models.Branch, actorID, message string, now time.Time) models.Commit {
	var parent *string
	if branch.CommitSHA != "" {
		if pc, ok := findCommitBySHA(tx, repo.ID, branch.CommitSHA); ok {
			parent = ptr(pc.ID)
		}
	}
	commit := tx.Commits().Insert(func(id string) models.Commit {
		return models.Commit{
			ID:             id,
			RepoID:         repo.ID,
			SHA:            commitSHA(repo.ID, branch.Name, actorID, message, now, id),
			AuthorID:       actorID,
			CommitterID:    actorID,
			Message:        message,
			ParentCommitID: parent,
			CommittedAt:    now,
			CreatedAt:      now,
		}
	})

	branch.CommitSHA = commit.SHA
	branch.UpdatedAt = now
	tx.Branches().Put(branch.ID, branch)

	repo.PushedAt = ptr(now)
	repo.UpdatedAt = now
	tx.Repos().Put(repo.ID, repo)
	return commit
}

func commitSHA(repoID, branch, actorID, message string, at time.Time, commitID string) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s:%s:%s:%s:%s:%s", repoID, branch, actorID, message, at.Format(time.RFC3339Nano), commitID)))
	return hex.EncodeToString(sum[:])
}

func findCommitBySHA(tx *store.Tx, repoID, sha string) (models.Commit, bool) {
	return tx.Commits().Find(func(c models.Commit) bool {
		return c.RepoID == repoID && c.SHA == sha
	})
}

func (s *CommitService) GetCommit(ctx context.Context, actorID, repoID, sha string) (*models.Commit, error) {
	var commit models.Commit
	err := s.st.View(ctx, "get_commit", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		var ok bool
		commit, ok = findCommitBySHA(tx, repo.ID, sha)
		if !ok {
			return notFoundf("commit %q not found in repository %q", sha, repo.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &commit, nil
}

// ListCommits walks parent links back from the branch HEAD, newest first.
func (s *CommitService) ListCommits(ctx context.Context, actorID, repoID, branchID string, page, perPage int) ([]models.Commit, error) {
	var history []models.Commit
	err := s.st.View(ctx, "list_commits", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		branch, err := getBranch(tx, repo.ID, branchID)
		if err != nil {
			return err
		}
		if branch.CommitSHA == "" {
			return nil
		}
		c, ok := findCommitBySHA(tx, repo.ID, branch.CommitSHA)
		seen := map[string]bool{}
		for ok && !seen[c.ID] {
			seen[c.ID] = true
			history = append(history, c)
			if c.ParentCommitID == nil {
				break
			}
			c, ok = tx.Commits().Get(*c.ParentCommitID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pageOf(history, page, perPage, 30, 100), nil
}
