package service

import (
	"context"
	"strings"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

type IssueService struct {
	st  *store.Store
	now Clock
}

func NewIssueService(st *store.Store, now Clock) *IssueService {
	return &IssueService{st: st, now: now}
}

func issueSequenceKey(repoID string) string { return "issue:" + repoID }

type CreateIssueRequest struct {
	RepoID      string  `json:"repository_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	AssigneeID  *string `json:"assignee_id"`
	Priority    string  `json:"priority"`
	Type        string  `json:"issue_type"`
}

func (s *IssueService) CreateIssue(ctx context.Context, actorID string, req CreateIssueRequest) (*models.Issue, error) {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return nil, validationf("title is required")
	}
	if req.Priority == "" {
		req.Priority = string(models.PriorityMedium)
	}
	if !models.IsIssuePriority(req.Priority) {
		return nil, validationf("priority must be one of low, medium, high, critical")
	}
	if req.Type == "" {
		req.Type = string(models.IssueBug)
	}
	if !models.IsIssueType(req.Type) {
		return nil, validationf("issue_type must be one of bug, feature, documentation, question, enhancement")
	}

	var issue models.Issue
	err := s.st.Update(ctx, "create_issue", func(tx *store.Tx) error {
		repo, err := loadMutableRepo(tx, actorID, req.RepoID, models.CapRead)
		if err != nil {
			return err
		}
		assignee, err := resolveAssignee(tx, req.AssigneeID)
		if err != nil {
			return err
		}
		number := nextNumber(tx, issueSequenceKey(repo.ID), maxIssueNumber(tx, repo.ID))
		now := s.now()
		issue = tx.Issues().Insert(func(id string) models.Issue {
			return models.Issue{
				ID:          id,
				RepoID:      repo.ID,
				Number:      number,
				Title:       req.Title,
				Description: strings.TrimSpace(req.Description),
				AuthorID:    actorID,
				AssigneeID:  assignee,
				Status:      models.IssueOpen,
				Priority:    models.IssuePriority(req.Priority),
				Type:        models.IssueType(req.Type),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// nextNumber hands out the next value of a per-repository sequence. The
// sequence is first raised past any number already in use so rows loaded
// from outside never collide with new ones.
func nextNumber(tx *store.Tx, key string, inUse int) int {
	tx.RaiseSequence(key, int64(inUse))
	return int(tx.NextSequence(key))
}

func maxIssueNumber(tx *store.Tx, repoID string) int {
	n := 0
	for _, is := range tx.Issues().Filter(func(is models.Issue) bool { return is.RepoID == repoID }) {
		n = max(n, is.Number)
	}
	return n
}

// resolveAssignee validates an optional assignee. A nil or empty id means unassigned.
func resolveAssignee(tx *store.Tx, id *string) (*string, error) {
	if id == nil || *id == "" {
		return nil, nil
	}
	if _, err := getActiveUser(tx, *id, "assignee"); err != nil {
		return nil, err
	}
	return ptr(*id), nil
}

func getIssue(tx *store.Tx, id string) (models.Issue, error) {
	if strings.TrimSpace(id) == "" {
		return models.Issue{}, validationf("issue_id is required")
	}
	is, ok := tx.Issues().Get(id)
	if !ok {
		return is, notFoundf("issue %q not found", id)
	}
	return is, nil
}

func (s *IssueService) GetIssue(ctx context.Context, actorID, issueID string) (*models.Issue, error) {
	var issue models.Issue
	err := s.st.View(ctx, "get_issue", func(tx *store.Tx) error {
		var err error
		if issue, err = getIssue(tx, issueID); err != nil {
			return err
		}
		_, err = loadRepoFor(tx, actorID, issue.RepoID, models.CapRead)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

type UpdateIssueRequest struct {
	IssueID     string  `json:"issue_id"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	// AssigneeID set to "" unassigns.
	AssigneeID *string `json:"assignee_id"`
	Status     *string `json:"status"`
	Priority   *string `json:"priority"`
	Type       *string `json:"issue_type"`
}

// UpdateIssue edits an issue. The author may edit their own issue; anyone
// else needs write access. closed_at follows status in lockstep.
func (s *IssueService) UpdateIssue(ctx context.Context, actorID string, req UpdateIssueRequest) (*models.Issue, error) {
	if req.Title == nil && req.Description == nil && req.AssigneeID == nil &&
		req.Status == nil && req.Priority == nil && req.Type == nil {
		return nil, validationf("no updates supplied")
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return nil, validationf("title must not be empty")
	}
	if req.Status != nil && !models.IsIssueStatus(*req.Status) {
		return nil, validationf("status must be one of open, in_progress, closed")
	}
	if req.Priority != nil && !models.IsIssuePriority(*req.Priority) {
		return nil, validationf("priority must be one of low, medium, high, critical")
	}
	if req.Type != nil && !models.IsIssueType(*req.Type) {
		return nil, validationf("issue_type must be one of bug, feature, documentation, question, enhancement")
	}

	var issue models.Issue
	err := s.st.Update(ctx, "update_issue", func(tx *store.Tx) error {
		var err error
		if issue, err = getIssue(tx, req.IssueID); err != nil {
			return err
		}
		need := models.CapWrite
		if issue.AuthorID == actorID {
			need = models.CapRead
		}
		if _, err := loadMutableRepo(tx, actorID, issue.RepoID, need); err != nil {
			return err
		}
		if req.AssigneeID != nil {
			if issue.AssigneeID, err = resolveAssignee(tx, req.AssigneeID); err != nil {
				return err
			}
		}
		if req.Title != nil {
			issue.Title = strings.TrimSpace(*req.Title)
		}
		if req.Description != nil {
			issue.Description = strings.TrimSpace(*req.Description)
		}
		if req.Priority != nil {
			issue.Priority = models.IssuePriority(*req.Priority)
		}
		if req.Type != nil {
			issue.Type = models.IssueType(*req.Type)
		}
		now := s.now()
		if req.Status != nil {
			next := models.IssueStatus(*req.Status)
			switch {
			case next == models.IssueClosed && issue.Status != models.IssueClosed:
				issue.ClosedAt = ptr(now)
			case next != models.IssueClosed:
				issue.ClosedAt = nil
			}
			issue.Status = next
		}
		issue.UpdatedAt = now
		tx.Issues().Put(issue.ID, issue)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// DeleteIssue removes an issue with its comments and label links. Its
// number is not reused.
func (s *IssueService) DeleteIssue(ctx context.Context, actorID, issueID string) error {
	return s.st.Update(ctx, "delete_issue", func(tx *store.Tx) error {
		issue, err := getIssue(tx, issueID)
		if err != nil {
			return err
		}
		if _, err := loadMutableRepo(tx, actorID, issue.RepoID, models.CapWrite); err != nil {
			return err
		}
		deleteComments(tx, models.CommentOnIssue, issue.ID)
		deleteLabelLinks(tx, models.LabelTargetIssue, issue.ID)
		tx.Issues().Delete(issue.ID)
		return nil
	})
}

type IssueFilter struct {
	Status     string `json:"status"`
	AssigneeID string `json:"assignee_id"`
	Page       int    `json:"page"`
	PerPage    int    `json:"per_page"`
}

func (s *IssueService) ListIssues(ctx context.Context, actorID, repoID string, f IssueFilter) ([]models.Issue, error) {
	if f.Status != "" && !models.IsIssueStatus(f.Status) {
		return nil, validationf("status must be one of open, in_progress, closed")
	}
	var out []models.Issue
	err := s.st.View(ctx, "list_issues", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		out = tx.Issues().Filter(func(is models.Issue) bool {
			if is.RepoID != repo.ID {
				return false
			}
			if f.Status != "" && string(is.Status) != f.Status {
				return false
			}
			return f.AssigneeID == "" || deref(is.AssigneeID) == f.AssigneeID
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pageOf(out, f.Page, f.PerPage, 30, 200), nil
}
