package service

import (
	"context"
	"regexp"
	"strings"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

var validColor = regexp.MustCompile(`^#?[0-9a-fA-F]{6}$`)

type LabelService struct {
	st  *store.Store
	now Clock
}

func NewLabelService(st *store.Store, now Clock) *LabelService {
	return &LabelService{st: st, now: now}
}

// LabelView is a label with both sides of its relation materialized.
type LabelView struct {
	models.Label
	IssueIDs       []string `json:"issue_ids"`
	PullRequestIDs []string `json:"pull_request_ids"`
}

func labelView(tx *store.Tx, l models.Label) LabelView {
	v := LabelView{Label: l, IssueIDs: []string{}, PullRequestIDs: []string{}}
	for _, link := range tx.LabelLinks().Filter(func(link models.LabelLink) bool { return link.LabelID == l.ID }) {
		switch link.TargetType {
		case models.LabelTargetIssue:
			v.IssueIDs = append(v.IssueIDs, link.TargetID)
		case models.LabelTargetPullRequest:
			v.PullRequestIDs = append(v.PullRequestIDs, link.TargetID)
		}
	}
	return v
}

type UpsertLabelRequest struct {
	RepoID      string  `json:"repository_id"`
	LabelID     *string `json:"label_id"`
	Name        *string `json:"label_name"`
	Color       *string `json:"color"`
	Description *string `json:"description"`
}

// UpsertLabel creates a label, or updates the one named by LabelID. Names
// are unique per repository ignoring case.
func (s *LabelService) UpsertLabel(ctx context.Context, actorID string, req UpsertLabelRequest) (*LabelView, error) {
	if req.Name != nil {
		*req.Name = strings.TrimSpace(*req.Name)
		if *req.Name == "" {
			return nil, validationf("label_name must not be empty")
		}
	}
	if req.Color != nil && !validColor.MatchString(*req.Color) {
		return nil, validationf("color must be a 6-digit hex value")
	}
	if req.LabelID == nil && req.Name == nil {
		return nil, validationf("label_name is required")
	}

	var view LabelView
	err := s.st.Update(ctx, "upsert_label", func(tx *store.Tx) error {
		repo, err := loadMutableRepo(tx, actorID, req.RepoID, models.CapWrite)
		if err != nil {
			return err
		}
		var label models.Label
		if req.LabelID != nil {
			if label, err = getLabel(tx, *req.LabelID); err != nil {
				return err
			}
			if label.RepoID != repo.ID {
				return validationf("label %q does not belong to repository %q", label.ID, repo.Name)
			}
		}
		if req.Name != nil && labelNameTaken(tx, repo.ID, *req.Name, label.ID) {
			return statef("label %q already exists in repository %q", *req.Name, repo.Name)
		}

		if req.LabelID == nil {
			color := "ededed"
			if req.Color != nil {
				color = strings.TrimPrefix(*req.Color, "#")
			}
			now := s.now()
			label = tx.Labels().Insert(func(id string) models.Label {
				return models.Label{
					ID:          id,
					RepoID:      repo.ID,
					Name:        *req.Name,
					Color:       color,
					Description: strings.TrimSpace(deref(req.Description)),
					CreatedAt:   now,
				}
			})
		} else {
			if req.Name != nil {
				label.Name = *req.Name
			}
			if req.Color != nil {
				label.Color = strings.TrimPrefix(*req.Color, "#")
			}
			if req.Description != nil {
				label.Description = strings.TrimSpace(*req.Description)
			}
			tx.Labels().Put(label.ID, label)
		}
		view = labelView(tx, label)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

func labelNameTaken(tx *store.Tx, repoID, name, exceptID string) bool {
	_, taken := tx.Labels().Find(func(l models.Label) bool {
		return l.RepoID == repoID && l.ID != exceptID && strings.EqualFold(l.Name, name)
	})
	return taken
}

func getLabel(tx *store.Tx, id string) (models.Label, error) {
	if strings.TrimSpace(id) == "" {
		return models.Label{}, validationf("label_id is required")
	}
	l, ok := tx.Labels().Get(id)
	if !ok {
		return l, notFoundf("label %q not found", id)
	}
	return l, nil
}

func (s *LabelService) DeleteLabel(ctx context.Context, actorID, labelID string) error {
	return s.st.Update(ctx, "delete_label", func(tx *store.Tx) error {
		label, err := getLabel(tx, labelID)
		if err != nil {
			return err
		}
		if _, err := loadMutableRepo(tx, actorID, label.RepoID, models.CapWrite); err != nil {
			return err
		}
		for _, link := range tx.LabelLinks().Filter(func(link models.LabelLink) bool { return link.LabelID == label.ID }) {
			tx.LabelLinks().Delete(link.ID)
		}
		tx.Labels().Delete(label.ID)
		return nil
	})
}

// labelTargetRepo returns the repository that owns an issue or pull request.
func labelTargetRepo(tx *store.Tx, target models.LabelTarget, targetID string) (string, error) {
	switch target {
	case models.LabelTargetIssue:
		is, err := getIssue(tx, targetID)
		return is.RepoID, err
	case models.LabelTargetPullRequest:
		pr, err := getPullRequest(tx, targetID)
		return pr.RepoID, err
	default:
		return "", validationf("target_type must be issue or pull_request")
	}
}

func findLabelLink(tx *store.Tx, labelID string, target models.LabelTarget, targetID string) (models.LabelLink, bool) {
	return tx.LabelLinks().Find(func(link models.LabelLink) bool {
		return link.LabelID == labelID && link.TargetType == target && link.TargetID == targetID
	})
}

// AttachLabel links a label to an issue or pull request of the same
// repository. Attaching twice is an error.
func (s *LabelService) AttachLabel(ctx context.Context, actorID, labelID, targetType, targetID string) (*LabelView, error) {
	return s.relink(ctx, "attach_label", actorID, labelID, targetType, targetID, true)
}

// DetachLabel removes a link. Detaching a label that is not attached is an error.
func (s *LabelService) DetachLabel(ctx context.Context, actorID, labelID, targetType, targetID string) (*LabelView, error) {
	return s.relink(ctx, "detach_label", actorID, labelID, targetType, targetID, false)
}

func (s *LabelService) relink(ctx context.Context, op, actorID, labelID, targetType, targetID string, attach bool) (*LabelView, error) {
	target := models.LabelTarget(targetType)
	var view LabelView
	err := s.st.Update(ctx, op, func(tx *store.Tx) error {
		label, err := getLabel(tx, labelID)
		if err != nil {
			return err
		}
		repo, err := loadMutableRepo(tx, actorID, label.RepoID, models.CapWrite)
		if err != nil {
			return err
		}
		repoID, err := labelTargetRepo(tx, target, targetID)
		if err != nil {
			return err
		}
		if repoID != repo.ID {
			return validationf("%s %q does not belong to repository %q", target, targetID, repo.Name)
		}
		link, linked := findLabelLink(tx, label.ID, target, targetID)
		switch {
		case attach && linked:
			return statef("label %q is already attached to %s %q", label.Name, target, targetID)
		case attach:
			tx.LabelLinks().Insert(func(id string) models.LabelLink {
				return models.LabelLink{ID: id, LabelID: label.ID, TargetType: target, TargetID: targetID}
			})
		case !linked:
			return notFoundf("label %q is not attached to %s %q", label.Name, target, targetID)
		default:
			tx.LabelLinks().Delete(link.ID)
		}
		view = labelView(tx, label)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

func deleteLabelLinks(tx *store.Tx, target models.LabelTarget, targetID string) {
	for _, link := range tx.LabelLinks().Filter(func(link models.LabelLink) bool {
		return link.TargetType == target && link.TargetID == targetID
	}) {
		tx.LabelLinks().Delete(link.ID)
	}
}

// ListLabels lists a repository's labels, or only those attached to a target
// when targetType is set.
func (s *LabelService) ListLabels(ctx context.Context, actorID, repoID, targetType, targetID string) ([]LabelView, error) {
	out := []LabelView{}
	err := s.st.View(ctx, "list_labels", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		attached := map[string]bool{}
		if targetType != "" {
			target := models.LabelTarget(targetType)
			if _, err := labelTargetRepo(tx, target, targetID); err != nil {
				return err
			}
			for _, link := range tx.LabelLinks().Filter(func(link models.LabelLink) bool {
				return link.TargetType == target && link.TargetID == targetID
			}) {
				attached[link.LabelID] = true
			}
		}
		for _, l := range tx.Labels().Filter(func(l models.Label) bool { return l.RepoID == repo.ID }) {
			if targetType == "" || attached[l.ID] {
				out = append(out, labelView(tx, l))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
