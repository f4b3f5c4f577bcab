package service

import (
	"context"
	"strings"

	"github.com/odvcencio/forgesim/internal/authz"
	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

type PRService struct {
	st  *store.Store
	now Clock
}

func NewPRService(st *store.Store, now Clock) *PRService {
	return &PRService{st: st, now: now}
}

func prSequenceKey(repoID string) string { return "pull_request:" + repoID }

type CreatePRRequest struct {
	RepoID       string `json:"repository_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	Draft        bool   `json:"draft"`
}

// CreatePullRequest opens a pull request between two branches of one
// repository. Branches are captured by name.
func (s *PRService) CreatePullRequest(ctx context.Context, actorID string, req CreatePRRequest) (*models.PullRequest, error) {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return nil, validationf("title is required")
	}
	if req.SourceBranch == "" || req.TargetBranch == "" {
		return nil, validationf("source_branch and target_branch are required")
	}
	if req.SourceBranch == req.TargetBranch {
		return nil, validationf("source and target branch must differ")
	}

	var pr models.PullRequest
	err := s.st.Update(ctx, "create_pull_request", func(tx *store.Tx) error {
		repo, err := loadMutableRepo(tx, actorID, req.RepoID, models.CapWrite)
		if err != nil {
			return err
		}
		for _, name := range []string{req.SourceBranch, req.TargetBranch} {
			if _, ok := findBranchByName(tx, repo.ID, name); !ok {
				return notFoundf("branch %q not found in repository %q", name, repo.Name)
			}
		}
		if dup, ok := tx.PullRequests().Find(func(p models.PullRequest) bool {
			return p.RepoID == repo.ID && p.SourceBranch == req.SourceBranch &&
				p.TargetBranch == req.TargetBranch && !p.Status.IsTerminal()
		}); ok {
			return statef("pull request #%d already proposes %s into %s", dup.Number, req.SourceBranch, req.TargetBranch)
		}

		status := models.PROpen
		if req.Draft {
			status = models.PRDraft
		}
		number := nextNumber(tx, prSequenceKey(repo.ID), maxPRNumber(tx, repo.ID))
		now := s.now()
		pr = tx.PullRequests().Insert(func(id string) models.PullRequest {
			return models.PullRequest{
				ID:           id,
				RepoID:       repo.ID,
				Number:       number,
				Title:        req.Title,
				Description:  strings.TrimSpace(req.Description),
				AuthorID:     actorID,
				SourceBranch: req.SourceBranch,
				TargetBranch: req.TargetBranch,
				Status:       status,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func maxPRNumber(tx *store.Tx, repoID string) int {
	n := 0
	for _, pr := range tx.PullRequests().Filter(func(pr models.PullRequest) bool { return pr.RepoID == repoID }) {
		n = max(n, pr.Number)
	}
	return n
}

func getPullRequest(tx *store.Tx, id string) (models.PullRequest, error) {
	if strings.TrimSpace(id) == "" {
		return models.PullRequest{}, validationf("pull_request_id is required")
	}
	pr, ok := tx.PullRequests().Get(id)
	if !ok {
		return pr, notFoundf("pull request %q not found", id)
	}
	return pr, nil
}

// requireOpen rejects any change to a merged or closed pull request.
func requireOpen(pr models.PullRequest) error {
	switch pr.Status {
	case models.PRMerged:
		return statef("pull request #%d is already merged", pr.Number)
	case models.PRClosed:
		return statef("pull request #%d is closed", pr.Number)
	}
	return nil
}

func (s *PRService) GetPullRequest(ctx context.Context, actorID, prID string) (*models.PullRequest, error) {
	var pr models.PullRequest
	err := s.st.View(ctx, "get_pull_request", func(tx *store.Tx) error {
		var err error
		if pr, err = getPullRequest(tx, prID); err != nil {
			return err
		}
		_, err = loadRepoFor(tx, actorID, pr.RepoID, models.CapRead)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (s *PRService) ListPullRequests(ctx context.Context, actorID, repoID, status string, page, perPage int) ([]models.PullRequest, error) {
	var out []models.PullRequest
	err := s.st.View(ctx, "list_pull_requests", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		out = tx.PullRequests().Filter(func(pr models.PullRequest) bool {
			return pr.RepoID == repo.ID && (status == "" || string(pr.Status) == status)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pageOf(out, page, perPage, 30, 200), nil
}

type UpdatePRRequest struct {
	PRID        string  `json:"pull_request_id"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	// Status may move between draft and open, or to closed.
	Status *string `json:"status"`
}

// UpdatePullRequest edits an open or draft pull request. The author may edit
// their own; anyone else needs write access. Merging goes through MergePullRequest.
func (s *PRService) UpdatePullRequest(ctx context.Context, actorID string, req UpdatePRRequest) (*models.PullRequest, error) {
	if req.Title == nil && req.Description == nil && req.Status == nil {
		return nil, validationf("no updates supplied")
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return nil, validationf("title must not be empty")
	}
	if req.Status != nil {
		switch models.PullRequestStatus(*req.Status) {
		case models.PRDraft, models.PROpen, models.PRClosed:
		case models.PRMerged:
			return nil, validationf("use the merge operation to merge a pull request")
		default:
			return nil, validationf("status must be one of draft, open, closed")
		}
	}

	var pr models.PullRequest
	err := s.st.Update(ctx, "update_pull_request", func(tx *store.Tx) error {
		var err error
		if pr, err = getPullRequest(tx, req.PRID); err != nil {
			return err
		}
		need := models.CapWrite
		if pr.AuthorID == actorID {
			need = models.CapRead
		}
		if _, err := loadMutableRepo(tx, actorID, pr.RepoID, need); err != nil {
			return err
		}
		if err := requireOpen(pr); err != nil {
			return err
		}
		now := s.now()
		if req.Title != nil {
			pr.Title = strings.TrimSpace(*req.Title)
		}
		if req.Description != nil {
			pr.Description = strings.TrimSpace(*req.Description)
		}
		if req.Status != nil {
			pr.Status = models.PullRequestStatus(*req.Status)
			if pr.Status == models.PRClosed {
				pr.ClosedAt = ptr(now)
			}
		}
		pr.UpdatedAt = now
		tx.PullRequests().Put(pr.ID, pr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

type MergeRequest struct {
	PRID     string `json:"pull_request_id"`
	Decision string `json:"decision"`
	Body     string `json:"review_body"`
}

type MergeResult struct {
	PullRequest models.PullRequest `json:"pull_request"`
	Review      *models.PRReview   `json:"review,omitempty"`
	Target      *models.Branch     `json:"target_branch,omitempty"`
}

// MergePullRequest applies a reviewer's decision:
//
//	approved           fast-forward the target branch to the source HEAD, mark merged
//	changes_requested  return to open
//	commented          no state change
//	dismissed          close
//
// Requires write access, and admin when the target branch is protected. A review row records every decision made by someone
// other than the author; the author may only merge or close their own
// pull request, which records no review.
func (s *PRService) MergePullRequest(ctx context.Context, actorID string, req MergeRequest) (*MergeResult, error) {
	decision := models.ReviewState(req.Decision)
	switch decision {
	case models.ReviewApproved, models.ReviewChangesRequested, models.ReviewCommented, models.ReviewDismissed:
	default:
		return nil, validationf("decision must be one of approved, changes_requested, commented, dismissed")
	}

	var out MergeResult
	err := s.st.Update(ctx, "merge_pull_request", func(tx *store.Tx) error {
		pr, err := getPullRequest(tx, req.PRID)
		if err != nil {
			return err
		}
		repo, err := loadMutableRepo(tx, actorID, pr.RepoID, models.CapWrite)
		if err != nil {
			return err
		}
		if err := requireOpen(pr); err != nil {
			return err
		}
		isAuthor := pr.AuthorID == actorID
		if isAuthor && decision != models.ReviewApproved && decision != models.ReviewDismissed {
			return forbiddenf("authors cannot review their own pull request")
		}

		now := s.now()
		switch decision {
		case models.ReviewApproved:
			source, ok := findBranchByName(tx, repo.ID, pr.SourceBranch)
			if !ok {
				return statef("source branch %q no longer exists", pr.SourceBranch)
			}
			target, ok := findBranchByName(tx, repo.ID, pr.TargetBranch)
			if !ok {
				return statef("target branch %q no longer exists", pr.TargetBranch)
			}
			if err := requireBranchAdmin(tx, actorID, repo, target); err != nil {
				return err
			}
			if source.CommitSHA == "" {
				return statef("source branch %q has no commits", source.Name)
			}
			target.CommitSHA = source.CommitSHA
			target.UpdatedAt = now
			tx.Branches().Put(target.ID, target)
			out.Target = &target

			pr.Status = models.PRMerged
			pr.MergedBy = ptr(actorID)
			pr.MergedAt = ptr(now)
		case models.ReviewChangesRequested:
			pr.Status = models.PROpen
		case models.ReviewDismissed:
			pr.Status = models.PRClosed
			pr.ClosedAt = ptr(now)
		}
		pr.UpdatedAt = now
		tx.PullRequests().Put(pr.ID, pr)
		out.PullRequest = pr

		if !isAuthor {
			review := tx.Reviews().Insert(func(id string) models.PRReview {
				return models.PRReview{
					ID:          id,
					PRID:        pr.ID,
					ReviewerID:  actorID,
					State:       decision,
					Body:        strings.TrimSpace(req.Body),
					SubmittedAt: ptr(now),
					CreatedAt:   now,
				}
			})
			out.Review = &review
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type CreateReviewRequest struct {
	PRID  string `json:"pull_request_id"`
	State string `json:"review_state"`
	Body  string `json:"review_body"`
}

// CreateReview submits a review directly. Any reader of the repository other
// than the author may review; the review does not change the pull request.
func (s *PRService) CreateReview(ctx context.Context, actorID string, req CreateReviewRequest) (*models.PRReview, error) {
	if !models.IsReviewState(req.State) || req.State == string(models.ReviewPending) {
		return nil, validationf("review_state must be one of approved, changes_requested, commented, dismissed")
	}
	var review models.PRReview
	err := s.st.Update(ctx, "create_review", func(tx *store.Tx) error {
		pr, err := getPullRequest(tx, req.PRID)
		if err != nil {
			return err
		}
		if _, err := loadMutableRepo(tx, actorID, pr.RepoID, models.CapRead); err != nil {
			return err
		}
		if err := requireOpen(pr); err != nil {
			return err
		}
		if pr.AuthorID == actorID {
			return forbiddenf("authors cannot review their own pull request")
		}
		now := s.now()
		review = tx.Reviews().Insert(func(id string) models.PRReview {
			return models.PRReview{
				ID:          id,
				PRID:        pr.ID,
				ReviewerID:  actorID,
				State:       models.ReviewState(req.State),
				Body:        strings.TrimSpace(req.Body),
				SubmittedAt: ptr(now),
				CreatedAt:   now,
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &review, nil
}

// RequestReview creates a pending review for reviewerID. The requester must be
// the author or hold write access, and a reviewer holds at most one pending
// review per pull request.
func (s *PRService) RequestReview(ctx context.Context, actorID, prID, reviewerID string) (*models.PRReview, error) {
	var review models.PRReview
	err := s.st.Update(ctx, "request_review", func(tx *store.Tx) error {
		pr, err := getPullRequest(tx, prID)
		if err != nil {
			return err
		}
		need := models.CapWrite
		if pr.AuthorID == actorID {
			need = models.CapRead
		}
		repo, err := loadMutableRepo(tx, actorID, pr.RepoID, need)
		if err != nil {
			return err
		}
		if err := requireOpen(pr); err != nil {
			return err
		}
		if _, err := getActiveUser(tx, reviewerID, "reviewer"); err != nil {
			return err
		}
		if reviewerID == pr.AuthorID {
			return forbiddenf("authors cannot review their own pull request")
		}
		if !authz.Resolve(tx, reviewerID, repo).Allows(models.CapRead) {
			return forbiddenf("reviewer %q cannot read repository %q", reviewerID, repo.Name)
		}
		if _, ok := tx.Reviews().Find(func(r models.PRReview) bool {
			return r.PRID == pr.ID && r.ReviewerID == reviewerID && r.State == models.ReviewPending
		}); ok {
			return statef("reviewer %q already has a pending review on pull request #%d", reviewerID, pr.Number)
		}
		now := s.now()
		review = tx.Reviews().Insert(func(id string) models.PRReview {
			return models.PRReview{
				ID:         id,
				PRID:       pr.ID,
				ReviewerID: reviewerID,
				State:      models.ReviewPending,
				CreatedAt:  now,
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &review, nil
}

// SubmitReview completes the actor's pending review.
func (s *PRService) SubmitReview(ctx context.Context, actorID, reviewID, state, body string) (*models.PRReview, error) {
	if !models.IsReviewState(state) || state == string(models.ReviewPending) {
		return nil, validationf("review_state must be one of approved, changes_requested, commented, dismissed")
	}
	var review models.PRReview
	err := s.st.Update(ctx, "submit_review", func(tx *store.Tx) error {
		var ok bool
		review, ok = tx.Reviews().Get(reviewID)
		if !ok {
			return notFoundf("review %q not found", reviewID)
		}
		pr, err := getPullRequest(tx, review.PRID)
		if err != nil {
			return err
		}
		if _, err := loadMutableRepo(tx, actorID, pr.RepoID, models.CapRead); err != nil {
			return err
		}
		if review.ReviewerID != actorID {
			return forbiddenf("only the requested reviewer can submit this review")
		}
		if review.State != models.ReviewPending {
			return statef("review %q was already submitted", reviewID)
		}
		if err := requireOpen(pr); err != nil {
			return err
		}
		review.State = models.ReviewState(state)
		review.Body = strings.TrimSpace(body)
		review.SubmittedAt = ptr(s.now())
		tx.Reviews().Put(review.ID, review)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &review, nil
}

func (s *PRService) ListReviews(ctx context.Context, actorID, prID string) ([]models.PRReview, error) {
	var out []models.PRReview
	err := s.st.View(ctx, "list_reviews", func(tx *store.Tx) error {
		pr, err := getPullRequest(tx, prID)
		if err != nil {
			return err
		}
		if _, err := loadRepoFor(tx, actorID, pr.RepoID, models.CapRead); err != nil {
			return err
		}
		out = tx.Reviews().Filter(func(r models.PRReview) bool { return r.PRID == pr.ID })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
