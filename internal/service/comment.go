package service

import (
	"context"
	"strings"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

type CommentService struct {
	st  *store.Store
	now Clock
}

func NewCommentService(st *store.Store, now Clock) *CommentService {
	return &CommentService{st: st, now: now}
}

type UpsertCommentRequest struct {
	CommentID       *string `json:"comment_id"`
	Action          string  `json:"action"`
	CommentableType string  `json:"commentable_type"`
	CommentableID   string  `json:"commentable_id"`
	Body            string  `json:"comment_body"`
}

type CommentResult struct {
	Comment models.Comment `json:"comment"`
	Deleted bool           `json:"deleted,omitempty"`
}

// commentableRepo returns the repository an issue or pull request lives in.
func commentableRepo(tx *store.Tx, kind models.CommentableType, id string) (string, error) {
	switch kind {
	case models.CommentOnIssue:
		is, err := getIssue(tx, id)
		return is.RepoID, err
	case models.CommentOnPullRequest:
		pr, err := getPullRequest(tx, id)
		return pr.RepoID, err
	default:
		return "", validationf("commentable_type must be issue or pull_request")
	}
}

// UpsertComment creates a comment on an issue or pull request, edits one
// (author only), or deletes one (author or repository admin).
func (s *CommentService) UpsertComment(ctx context.Context, actorID string, req UpsertCommentRequest) (*CommentResult, error) {
	req.Body = strings.TrimSpace(req.Body)
	deleting := req.Action == FileActionDelete
	switch {
	case req.Action != "" && !deleting:
		return nil, validationf("action must be empty or %q", FileActionDelete)
	case deleting && req.CommentID == nil:
		return nil, validationf("comment_id is required to delete a comment")
	case !deleting && req.Body == "":
		return nil, validationf("comment_body is required")
	}

	var out CommentResult
	err := s.st.Update(ctx, "upsert_comment", func(tx *store.Tx) error {
		now := s.now()
		if req.CommentID == nil {
			repoID, err := commentableRepo(tx, models.CommentableType(req.CommentableType), req.CommentableID)
			if err != nil {
				return err
			}
			if _, err := loadMutableRepo(tx, actorID, repoID, models.CapRead); err != nil {
				return err
			}
			out.Comment = tx.Comments().Insert(func(id string) models.Comment {
				return models.Comment{
					ID:              id,
					CommentableType: models.CommentableType(req.CommentableType),
					CommentableID:   req.CommentableID,
					AuthorID:        actorID,
					Body:            req.Body,
					CreatedAt:       now,
					UpdatedAt:       now,
				}
			})
			return nil
		}

		c, ok := tx.Comments().Get(*req.CommentID)
		if !ok {
			return notFoundf("comment %q not found", *req.CommentID)
		}
		repoID, err := commentableRepo(tx, c.CommentableType, c.CommentableID)
		if err != nil {
			return err
		}
		repo, err := loadMutableRepo(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		if deleting {
			if c.AuthorID != actorID {
				if _, err := authorizeRepo(tx, actorID, repo, models.CapAdmin); err != nil {
					return forbiddenf("only the author or a repository admin can delete this comment")
				}
			}
			tx.Comments().Delete(c.ID)
			out.Comment, out.Deleted = c, true
			return nil
		}
		if c.AuthorID != actorID {
			return forbiddenf("only the author can edit this comment")
		}
		c.Body = req.Body
		c.UpdatedAt = now
		tx.Comments().Put(c.ID, c)
		out.Comment = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *CommentService) ListComments(ctx context.Context, actorID, commentableType, commentableID string) ([]models.Comment, error) {
	kind := models.CommentableType(commentableType)
	var out []models.Comment
	err := s.st.View(ctx, "list_comments", func(tx *store.Tx) error {
		repoID, err := commentableRepo(tx, kind, commentableID)
		if err != nil {
			return err
		}
		if _, err := loadRepoFor(tx, actorID, repoID, models.CapRead); err != nil {
			return err
		}
		out = tx.Comments().Filter(func(c models.Comment) bool {
			return c.CommentableType == kind && c.CommentableID == commentableID
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func deleteComments(tx *store.Tx, kind models.CommentableType, id string) {
	for _, c := range tx.Comments().Filter(func(c models.Comment) bool {
		return c.CommentableType == kind && c.CommentableID == id
	}) {
		tx.Comments().Delete(c.ID)
	}
}
