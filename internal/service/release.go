package service

import (
	"context"
	"strings"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

type ReleaseService struct {
	st  *store.Store
	now Clock
}

func NewReleaseService(st *store.Store, now Clock) *ReleaseService {
	return &ReleaseService{st: st, now: now}
}

type UpsertReleaseRequest struct {
	ReleaseID       *string `json:"release_id"`
	RepoID          string  `json:"repository_id"`
	TagName         *string `json:"tag_name"`
	Name            *string `json:"release_name"`
	Description     *string `json:"description"`
	TargetType      *string `json:"target_type"`
	TargetReference *string `json:"target_reference"`
	IsDraft         *bool   `json:"is_draft"`
	IsPrerelease    *bool   `json:"is_prerelease"`
}

// UpsertRelease creates or edits a release. Leaving draft sets published_at
// once; going back to draft is only possible through DecideRelease.
func (s *ReleaseService) UpsertRelease(ctx context.Context, actorID string, req UpsertReleaseRequest) (*models.Release, error) {
	if req.TagName != nil {
		*req.TagName = strings.TrimSpace(*req.TagName)
		if !validBranchName(*req.TagName) {
			return nil, validationf("invalid tag name: %q", *req.TagName)
		}
	}
	if req.ReleaseID == nil && req.TagName == nil {
		return nil, validationf("tag_name is required")
	}
	if req.TargetType != nil {
		switch models.ReleaseTarget(*req.TargetType) {
		case models.ReleaseTargetCommit, models.ReleaseTargetBranch:
		default:
			return nil, validationf("target_type must be commit or branch")
		}
	}

	var rel models.Release
	err := s.st.Update(ctx, "upsert_release", func(tx *store.Tx) error {
		repo, err := loadMutableRepo(tx, actorID, req.RepoID, models.CapWrite)
		if err != nil {
			return err
		}
		now := s.now()
		creating := req.ReleaseID == nil
		if creating {
			rel = models.Release{
				RepoID:          repo.ID,
				TargetType:      models.ReleaseTargetBranch,
				TargetReference: repo.DefaultBranch,
				AuthorID:        actorID,
				IsDraft:         true,
				CreatedAt:       now,
			}
		} else {
			if rel, err = getRelease(tx, *req.ReleaseID); err != nil {
				return err
			}
			if rel.RepoID != repo.ID {
				return validationf("release %q does not belong to repository %q", rel.ID, repo.Name)
			}
		}

		if req.TagName != nil {
			if _, taken := tx.Releases().Find(func(r models.Release) bool {
				return r.RepoID == repo.ID && r.TagName == *req.TagName && r.ID != rel.ID
			}); taken {
				return statef("tag %q already exists in repository %q", *req.TagName, repo.Name)
			}
			rel.TagName = *req.TagName
		}
		if req.Name != nil {
			rel.Name = strings.TrimSpace(*req.Name)
		}
		if req.Description != nil {
			rel.Description = strings.TrimSpace(*req.Description)
		}
		if req.TargetType != nil {
			rel.TargetType = models.ReleaseTarget(*req.TargetType)
		}
		if req.TargetReference != nil {
			rel.TargetReference = strings.TrimSpace(*req.TargetReference)
		}
		if req.TargetType != nil || req.TargetReference != nil || creating {
			if err := checkReleaseTarget(tx, repo, rel); err != nil {
				return err
			}
		}
		if req.IsPrerelease != nil {
			rel.IsPrerelease = *req.IsPrerelease
		}
		if req.IsDraft != nil {
			switch {
			case *req.IsDraft && !rel.IsDraft && !creating:
				return statef("release %q is published; unpublishing requires an admin decision", rel.TagName)
			case !*req.IsDraft && rel.PublishedAt == nil:
				rel.PublishedAt = ptr(now)
			}
			rel.IsDraft = *req.IsDraft
		}
		rel.UpdatedAt = now

		if creating {
			rel = tx.Releases().Insert(func(id string) models.Release {
				rel.ID = id
				return rel
			})
		} else {
			tx.Releases().Put(rel.ID, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

func checkReleaseTarget(tx *store.Tx, repo models.Repository, rel models.Release) error {
	if rel.TargetReference == "" {
		return validationf("target_reference is required")
	}
	switch rel.TargetType {
	case models.ReleaseTargetBranch:
		if _, ok := findBranchByName(tx, repo.ID, rel.TargetReference); !ok {
			return notFoundf("branch %q not found in repository %q", rel.TargetReference, repo.Name)
		}
	case models.ReleaseTargetCommit:
		if _, ok := findCommitBySHA(tx, repo.ID, rel.TargetReference); !ok {
			return notFoundf("commit %q not found in repository %q", rel.TargetReference, repo.Name)
		}
	}
	return nil
}

func getRelease(tx *store.Tx, id string) (models.Release, error) {
	if strings.TrimSpace(id) == "" {
		return models.Release{}, validationf("release_id is required")
	}
	r, ok := tx.Releases().Get(id)
	if !ok {
		return r, notFoundf("release %q not found", id)
	}
	return r, nil
}

const (
	ReleaseApprove = "approve"
	ReleaseReject  = "reject"
)

// DecideRelease is the admin gate on publication: approve publishes a draft,
// reject moves a published release back to draft and clears published_at.
func (s *ReleaseService) DecideRelease(ctx context.Context, actorID, releaseID, decision string) (*models.Release, error) {
	if decision != ReleaseApprove && decision != ReleaseReject {
		return nil, validationf("decision must be approve or reject")
	}
	var rel models.Release
	err := s.st.Update(ctx, "decide_release", func(tx *store.Tx) error {
		var err error
		if rel, err = getRelease(tx, releaseID); err != nil {
			return err
		}
		if _, err := loadMutableRepo(tx, actorID, rel.RepoID, models.CapAdmin); err != nil {
			return err
		}
		now := s.now()
		switch decision {
		case ReleaseApprove:
			if !rel.IsDraft {
				return statef("release %q is already published", rel.TagName)
			}
			rel.IsDraft = false
			if rel.PublishedAt == nil {
				rel.PublishedAt = ptr(now)
			}
		case ReleaseReject:
			if rel.IsDraft {
				return statef("release %q is already a draft", rel.TagName)
			}
			rel.IsDraft = true
			rel.PublishedAt = nil
		}
		rel.UpdatedAt = now
		tx.Releases().Put(rel.ID, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

func (s *ReleaseService) DeleteRelease(ctx context.Context, actorID, releaseID string) error {
	return s.st.Update(ctx, "delete_release", func(tx *store.Tx) error {
		rel, err := getRelease(tx, releaseID)
		if err != nil {
			return err
		}
		if _, err := loadMutableRepo(tx, actorID, rel.RepoID, models.CapWrite); err != nil {
			return err
		}
		tx.Releases().Delete(rel.ID)
		return nil
	})
}

// ListReleases lists published releases, plus drafts for callers with write access.
func (s *ReleaseService) ListReleases(ctx context.Context, actorID, repoID string) ([]models.Release, error) {
	var out []models.Release
	err := s.st.View(ctx, "list_releases", func(tx *store.Tx) error {
		repo, err := getRepo(tx, repoID)
		if err != nil {
			return err
		}
		res, err := authorizeRepo(tx, actorID, repo, models.CapRead)
		if err != nil {
			return err
		}
		drafts := res.Allows(models.CapWrite)
		out = tx.Releases().Filter(func(r models.Release) bool {
			return r.RepoID == repo.ID && (drafts || !r.IsDraft)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
