package service

import (
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/odvcencio/forgesim/internal/models"
)

func TestIssueNumbersAreNotReused(t *testing.T) {
	f := newFixture(t)
	repo, _ := f.repo(t, "widgets")

	var last *models.Issue
	for i, title := range []string{"one", "two", "three"} {
		is, err := f.svc.Issues.CreateIssue(f.ctx, f.admin.ID, CreateIssueRequest{RepoID: repo.ID, Title: title})
		if err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
		if is.Number != i+1 {
			t.Fatalf("issue %s number = %d, want %d", title, is.Number, i+1)
		}
		last = is
	}
	if err := f.svc.Issues.DeleteIssue(f.ctx, f.admin.ID, last.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	next, err := f.svc.Issues.CreateIssue(f.ctx, f.admin.ID, CreateIssueRequest{RepoID: repo.ID, Title: "four"})
	if err != nil {
		t.Fatalf("create four: %v", err)
	}
	if next.Number != 4 {
		t.Fatalf("number after delete = %d, want 4", next.Number)
	}
}

func TestIssueDefaultsAndPermissions(t *testing.T) {
	f := newFixture(t)
	repo, _ := f.repo(t, "widgets")

	is, err := f.svc.Issues.CreateIssue(f.ctx, f.bob.ID, CreateIssueRequest{RepoID: repo.ID, Title: "crash on start"})
	if err != nil {
		t.Fatalf("reader should be able to file issues: %v", err)
	}
	if is.Status != models.IssueOpen || is.Priority != models.PriorityMedium || is.Type != models.IssueBug {
		t.Fatalf("defaults = %+v", is)
	}

	closed := string(models.IssueClosed)
	updated, err := f.svc.Issues.UpdateIssue(f.ctx, f.bob.ID, UpdateIssueRequest{IssueID: is.ID, Status: &closed})
	if err != nil {
		t.Fatalf("author close: %v", err)
	}
	if updated.ClosedAt == nil {
		t.Fatal("closed_at not set")
	}
	open := string(models.IssueOpen)
	reopened, err := f.svc.Issues.UpdateIssue(f.ctx, f.admin.ID, UpdateIssueRequest{IssueID: is.ID, Status: &open})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.ClosedAt != nil {
		t.Fatal("closed_at should clear on reopen")
	}

	mine, err := f.svc.Issues.CreateIssue(f.ctx, f.admin.ID, CreateIssueRequest{RepoID: repo.ID, Title: "admin's own"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	title := "hijacked"
	_, err = f.svc.Issues.UpdateIssue(f.ctx, f.bob.ID, UpdateIssueRequest{IssueID: mine.ID, Title: &title})
	wantKind(t, err, KindForbidden)

	_, err = f.svc.Issues.CreateIssue(f.ctx, f.admin.ID, CreateIssueRequest{RepoID: repo.ID, Title: "x", Priority: "urgent"})
	wantKind(t, err, KindValidation)

	list, err := f.svc.Issues.ListIssues(f.ctx, f.admin.ID, repo.ID, IssueFilter{Status: "open"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("open issues = %d, want 2", len(list))
	}
}

func TestLabelAttachDetach(t *testing.T) {
	f := newFixture(t)
	repo, _ := f.repo(t, "widgets")
	is, err := f.svc.Issues.CreateIssue(f.ctx, f.admin.ID, CreateIssueRequest{RepoID: repo.ID, Title: "flaky"})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	name, color := "bug", "#d73a4a"
	label, err := f.svc.Labels.UpsertLabel(f.ctx, f.admin.ID, UpsertLabelRequest{RepoID: repo.ID, Name: &name, Color: &color})
	if err != nil {
		t.Fatalf("create label: %v", err)
	}
	upper := "BUG"
	_, err = f.svc.Labels.UpsertLabel(f.ctx, f.admin.ID, UpsertLabelRequest{RepoID: repo.ID, Name: &upper})
	wantKind(t, err, KindState)

	issueTarget := string(models.LabelTargetIssue)
	_, err = f.svc.Labels.DetachLabel(f.ctx, f.admin.ID, label.ID, issueTarget, is.ID)
	wantKind(t, err, KindReference)

	view, err := f.svc.Labels.AttachLabel(f.ctx, f.admin.ID, label.ID, issueTarget, is.ID)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(view.IssueIDs) != 1 || view.IssueIDs[0] != is.ID {
		t.Fatalf("issue ids = %v", view.IssueIDs)
	}
	_, err = f.svc.Labels.AttachLabel(f.ctx, f.admin.ID, label.ID, issueTarget, is.ID)
	wantKind(t, err, KindState)

	attached, err := f.svc.Labels.ListLabels(f.ctx, f.admin.ID, repo.ID, issueTarget, is.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(attached) != 1 {
		t.Fatalf("attached labels = %d, want 1", len(attached))
	}

	// Deleting the issue drops its links.
	if err := f.svc.Issues.DeleteIssue(f.ctx, f.admin.ID, is.ID); err != nil {
		t.Fatalf("delete issue: %v", err)
	}
	all, err := f.svc.Labels.ListLabels(f.ctx, f.admin.ID, repo.ID, "", "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 || len(all[0].IssueIDs) != 0 {
		t.Fatalf("labels after delete = %+v", all)
	}
}

func TestCommentsFollowAuthorship(t *testing.T) {
	f := newFixture(t)
	repo, _ := f.repo(t, "widgets")
	is, err := f.svc.Issues.CreateIssue(f.ctx, f.admin.ID, CreateIssueRequest{RepoID: repo.ID, Title: "question"})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	res, err := f.svc.Comments.UpsertComment(f.ctx, f.bob.ID, UpsertCommentRequest{
		CommentableType: "issue", CommentableID: is.ID, Body: "me too",
	})
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	_, err = f.svc.Comments.UpsertComment(f.ctx, f.admin.ID, UpsertCommentRequest{
		CommentID: &res.Comment.ID, CommentableType: "issue", CommentableID: is.ID, Body: "edited",
	})
	wantKind(t, err, KindForbidden)

	if _, err := f.svc.Comments.UpsertComment(f.ctx, f.admin.ID, UpsertCommentRequest{
		CommentID: &res.Comment.ID, Action: FileActionDelete, CommentableType: "issue", CommentableID: is.ID,
	}); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	list, err := f.svc.Comments.ListComments(f.ctx, f.admin.ID, "issue", is.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("comments = %d, want 0", len(list))
	}
}

func TestConcurrentIssueNumbersAreDistinctAndGapFree(t *testing.T) {
	f := newFixture(t)
	repo, _ := f.repo(t, "widgets")

	const n = 32
	numbers := make([]int, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := f.admin.ID
			if i%2 == 1 {
				actor = f.bob.ID
			}
			issue, err := f.svc.Issues.CreateIssue(f.ctx, actor, CreateIssueRequest{RepoID: repo.ID, Title: fmt.Sprintf("issue %d", i)})
			if err != nil {
				errs[i] = err
				return
			}
			numbers[i] = issue.Number
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("create issue %d: %v", i, err)
		}
	}
	slices.Sort(numbers)
	for i, got := range numbers {
		if got != i+1 {
			t.Fatalf("sorted numbers = %v, want 1..%d", numbers, n)
		}
	}
	if c := f.st.Counts()["issues"]; c != n {
		t.Fatalf("issues = %d, want %d", c, n)
	}
}
