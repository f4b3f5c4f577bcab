package service

import (
	"context"
	"strings"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

type BranchService struct {
	st  *store.Store
	now Clock
}

func NewBranchService(st *store.Store, now Clock) *BranchService {
	return &BranchService{st: st, now: now}
}

type CreateBranchRequest struct {
	RepoID         string  `json:"repository_id"`
	Name           string  `json:"branch_name"`
	SourceBranchID *string `json:"source_branch"`
	IsDefault      bool    `json:"is_default"`
	IsProtected    bool    `json:"is_protected"`
}

// CreateBranch points a new branch at the HEAD of the source branch, or of
// the default branch when no source is given. Only the pointer is copied;
// the new branch starts with its own empty file tree.
func (s *BranchService) CreateBranch(ctx context.Context, actorID string, req CreateBranchRequest) (*models.Branch, error) {
	req.Name = strings.TrimSpace(req.Name)
	if !validBranchName(req.Name) {
		return nil, validationf("invalid branch name: %q", req.Name)
	}
	var branch models.Branch
	err := s.st.Update(ctx, "create_branch", func(tx *store.Tx) error {
		repo, err := loadMutableRepo(tx, actorID, req.RepoID, models.CapWrite)
		if err != nil {
			return err
		}
		if _, exists := findBranchByName(tx, repo.ID, req.Name); exists {
			return statef("branch %q already exists in repository %q", req.Name, repo.Name)
		}

		var head string
		var source *string
		if req.SourceBranchID != nil && *req.SourceBranchID != "" {
			src, err := getBranch(tx, repo.ID, *req.SourceBranchID)
			if err != nil {
				return err
			}
			head, source = src.CommitSHA, ptr(src.ID)
		} else if def, ok := defaultBranch(tx, repo.ID); ok {
			head, source = def.CommitSHA, ptr(def.ID)
		}

		now := s.now()
		branch = tx.Branches().Insert(func(id string) models.Branch {
			return models.Branch{
				ID:             id,
				RepoID:         repo.ID,
				Name:           req.Name,
				CommitSHA:      head,
				SourceBranchID: source,
				IsProtected:    req.IsProtected,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
		})
		if req.IsDefault {
			setDefaultBranch(tx, repo.ID, branch.ID, now)
			branch.IsDefault = true
			repo.DefaultBranch = branch.Name
			repo.UpdatedAt = now
			tx.Repos().Put(repo.ID, repo)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &branch, nil
}

// DeleteBranch removes a non-default branch along with its directory and
// file tree. Protected branches can only be deleted by an admin. Commits stay, since they belong to the repository.
func (s *BranchService) DeleteBranch(ctx context.Context, actorID, repoID, branchID string) error {
	return s.st.Update(ctx, "delete_branch", func(tx *store.Tx) error {
		repo, err := loadMutableRepo(tx, actorID, repoID, models.CapWrite)
		if err != nil {
			return err
		}
		branch, err := getBranch(tx, repo.ID, branchID)
		if err != nil {
			return err
		}
		if branch.IsDefault {
			return statef("cannot delete the default branch %q", branch.Name)
		}
		if err := requireBranchAdmin(tx, actorID, repo, branch); err != nil {
			return err
		}

		fileIDs := map[string]bool{}
		for _, f := range tx.Files().Filter(func(f models.File) bool { return f.BranchID == branch.ID }) {
			fileIDs[f.ID] = true
			tx.Files().Delete(f.ID)
		}
		for _, fc := range tx.FileContents().Filter(func(fc models.FileContent) bool { return fileIDs[fc.FileID] }) {
			tx.FileContents().Delete(fc.ID)
		}
		for _, d := range tx.Directories().Filter(func(d models.Directory) bool { return d.BranchID == branch.ID }) {
			tx.Directories().Delete(d.ID)
		}
		for _, b := range tx.Branches().Filter(func(b models.Branch) bool {
			return b.SourceBranchID != nil && *b.SourceBranchID == branch.ID
		}) {
			b.SourceBranchID = nil
			tx.Branches().Put(b.ID, b)
		}
		tx.Branches().Delete(branch.ID)
		return nil
	})
}

// SetBranchProtection toggles the protected flag. Requires admin.
func (s *BranchService) SetBranchProtection(ctx context.Context, actorID, repoID, branchID string, protected bool) (*models.Branch, error) {
	var branch models.Branch
	err := s.st.Update(ctx, "set_branch_protection", func(tx *store.Tx) error {
		repo, err := loadMutableRepo(tx, actorID, repoID, models.CapAdmin)
		if err != nil {
			return err
		}
		branch, err = getBranch(tx, repo.ID, branchID)
		if err != nil {
			return err
		}
		branch.IsProtected = protected
		branch.UpdatedAt = s.now()
		tx.Branches().Put(branch.ID, branch)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &branch, nil
}

func (s *BranchService) ListBranches(ctx context.Context, actorID, repoID string) ([]models.Branch, error) {
	var out []models.Branch
	err := s.st.View(ctx, "list_branches", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		out = tx.Branches().Filter(func(b models.Branch) bool { return b.RepoID == repo.ID })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
