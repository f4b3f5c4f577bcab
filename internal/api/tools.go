package api

import (
	"context"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/odvcencio/forgesim/internal/auth"
	"github.com/odvcencio/forgesim/internal/service"
)

// toolFunc runs one tool for actorID ("" when anonymous) against a decoded body.
type toolFunc func(ctx context.Context, actorID string, body io.Reader) (any, error)

type toolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Anonymous tools accept callers without a bearer; the authorization
	// resolver still gates what they can see.
	Anonymous bool `json:"anonymous"`
	// Mutates marks tools that can change the store.
	Mutates bool `json:"mutates"`
	run     toolFunc
}

// tool adapts a typed operation into a toolFunc that decodes Req first.
func tool[Req any](fn func(ctx context.Context, actorID string, req Req) (any, error)) toolFunc {
	return func(ctx context.Context, actorID string, body io.Reader) (any, error) {
		var req Req
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return fn(ctx, actorID, req)
	}
}

type deleted struct {
	Deleted bool   `json:"deleted"`
	ID      string `json:"id"`
}

// Request shapes for operations whose service signature takes positional
// arguments.
type (
	userRef struct {
		UserID string `json:"user_id"`
	}
	userStatusRequest struct {
		UserID string `json:"user_id"`
		Status string `json:"status"`
	}
	issueTokenRequest struct {
		UserID    string `json:"user_id"`
		Name      string `json:"token_name"`
		ExpiresIn string `json:"expires_in"`
	}
	orgRef struct {
		OrgID string `json:"organization_id"`
	}
	orgMemberRequest struct {
		OrgID  string `json:"organization_id"`
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	repoRef struct {
		RepoID string `json:"repository_id"`
	}
	listReposRequest struct {
		OwnerType string `json:"owner_type"`
		OwnerID   string `json:"owner_id"`
	}
	collaboratorRequest struct {
		RepoID          string `json:"repository_id"`
		UserID          string `json:"user_id"`
		PermissionLevel string `json:"permission_level"`
	}
	branchRef struct {
		RepoID   string `json:"repository_id"`
		BranchID string `json:"branch_id"`
	}
	branchProtectionRequest struct {
		RepoID      string `json:"repository_id"`
		BranchID    string `json:"branch_id"`
		IsProtected bool   `json:"is_protected"`
	}
	commitRef struct {
		RepoID    string `json:"repository_id"`
		CommitSHA string `json:"commit_sha"`
	}
	listCommitsRequest struct {
		RepoID   string `json:"repository_id"`
		BranchID string `json:"branch_id"`
		Page     int    `json:"page"`
		PerPage  int    `json:"per_page"`
	}
	fileRef struct {
		RepoID   string `json:"repository_id"`
		BranchID string `json:"branch_id"`
		FileID   string `json:"file_id"`
	}
	fileEntitiesRequest struct {
		RepoID           string `json:"repository_id"`
		FileID           string `json:"file_id"`
		DeclarationsOnly bool   `json:"declarations_only"`
	}
	treeRequest struct {
		RepoID      string  `json:"repository_id"`
		BranchID    string  `json:"branch_id"`
		DirectoryID *string `json:"directory_id"`
	}
	diffRequest struct {
		RepoID        string `json:"repository_id"`
		FileID        string `json:"file_id"`
		FromContentID string `json:"from_content_id"`
		ToContentID   string `json:"to_content_id"`
	}
	issueRef struct {
		IssueID string `json:"issue_id"`
	}
	listIssuesRequest struct {
		RepoID string `json:"repository_id"`
		service.IssueFilter
	}
	labelRef struct {
		LabelID string `json:"label_id"`
	}
	labelLinkRequest struct {
		LabelID    string `json:"label_id"`
		TargetType string `json:"target_type"`
		TargetID   string `json:"target_id"`
	}
	listLabelsRequest struct {
		RepoID     string `json:"repository_id"`
		TargetType string `json:"target_type"`
		TargetID   string `json:"target_id"`
	}
	prRef struct {
		PRID string `json:"pull_request_id"`
	}
	listPRsRequest struct {
		RepoID  string `json:"repository_id"`
		Status  string `json:"status"`
		Page    int    `json:"page"`
		PerPage int    `json:"per_page"`
	}
	requestReviewRequest struct {
		PRID       string `json:"pull_request_id"`
		ReviewerID string `json:"reviewer_id"`
	}
	submitReviewRequest struct {
		ReviewID string `json:"review_id"`
		State    string `json:"review_state"`
		Body     string `json:"review_body"`
	}
	commentableRef struct {
		CommentableType string `json:"commentable_type"`
		CommentableID   string `json:"commentable_id"`
	}
	releaseRef struct {
		ReleaseID string `json:"release_id"`
	}
	releaseDecisionRequest struct {
		ReleaseID string `json:"release_id"`
		Decision  string `json:"decision"`
	}
	listWorkflowsRequest struct {
		RepoID         string `json:"repository_id"`
		IncludeDeleted bool   `json:"include_deleted"`
	}
)

func (s *Server) registerTools() {
	svc := s.svc
	add := func(name, desc string, anonymous, mutates bool, run toolFunc) {
		s.tools[name] = toolSpec{Name: name, Description: desc, Anonymous: anonymous, Mutates: mutates, run: run}
	}

	// Identity
	add("create_user", "Create a user account. The first account may be created without a caller and becomes an administrator.", true, true,
		tool(func(ctx context.Context, actor string, req service.CreateUserRequest) (any, error) {
			return svc.Identity.CreateUser(ctx, actor, req)
		}))
	add("get_user", "Fetch a user by id.", false, false,
		tool(func(ctx context.Context, _ string, req userRef) (any, error) {
			return svc.Identity.GetUser(ctx, req.UserID)
		}))
	add("update_user_status", "Set a user's status to active, suspended or deleted.", false, true,
		tool(func(ctx context.Context, actor string, req userStatusRequest) (any, error) {
			return svc.Identity.UpdateUserStatus(ctx, actor, req.UserID, req.Status)
		}))
	add("issue_access_token", "Mint an access token for a user. The secret is returned once.", false, true,
		tool(func(ctx context.Context, actor string, req issueTokenRequest) (any, error) {
			var ttl time.Duration
			if strings.TrimSpace(req.ExpiresIn) != "" {
				d, err := time.ParseDuration(req.ExpiresIn)
				if err != nil || d <= 0 {
					return nil, badRequest("expires_in must be a positive duration such as 720h")
				}
				ttl = d
			}
			return svc.Identity.IssueAccessToken(ctx, actor, req.UserID, req.Name, ttl)
		}))
	add("create_organization", "Create an organization owned by the caller.", false, true,
		tool(func(ctx context.Context, actor string, req service.CreateOrgRequest) (any, error) {
			return svc.Identity.CreateOrganization(ctx, actor, req)
		}))
	add("update_organization", "Rename an organization or change its description or visibility.", false, true,
		tool(func(ctx context.Context, actor string, req service.UpdateOrgRequest) (any, error) {
			return svc.Identity.UpdateOrganization(ctx, actor, req)
		}))
	add("invite_org_member", "Invite a user into an organization with a role.", false, true,
		tool(func(ctx context.Context, actor string, req orgMemberRequest) (any, error) {
			return svc.Identity.InviteMember(ctx, actor, req.OrgID, req.UserID, req.Role)
		}))
	add("accept_org_invitation", "Accept a pending organization invitation.", false, true,
		tool(func(ctx context.Context, actor string, req orgRef) (any, error) {
			return svc.Identity.AcceptInvitation(ctx, actor, req.OrgID)
		}))
	add("update_org_member", "Change an organization member's role or status.", false, true,
		tool(func(ctx context.Context, actor string, req service.UpdateMemberRequest) (any, error) {
			return svc.Identity.UpdateMember(ctx, actor, req)
		}))
	add("remove_org_member", "Deactivate an organization membership.", false, true,
		tool(func(ctx context.Context, actor string, req orgMemberRequest) (any, error) {
			return svc.Identity.RemoveMember(ctx, actor, req.OrgID, req.UserID)
		}))
	add("list_org_members", "List an organization's memberships.", true, false,
		tool(func(ctx context.Context, actor string, req orgRef) (any, error) {
			return svc.Identity.ListMembers(ctx, actor, req.OrgID)
		}))

	// Repositories
	add("create_repository", "Create a repository owned by the caller or one of their organizations.", false, true,
		tool(func(ctx context.Context, actor string, req service.CreateRepoRequest) (any, error) {
			return svc.Repos.CreateRepository(ctx, actor, req)
		}))
	add("get_repository", "Fetch a repository.", true, false,
		tool(func(ctx context.Context, actor string, req repoRef) (any, error) {
			return svc.Repos.GetRepository(ctx, actor, req.RepoID)
		}))
	add("list_repositories", "List repositories visible to the caller, optionally for one owner.", true, false,
		tool(func(ctx context.Context, actor string, req listReposRequest) (any, error) {
			return svc.Repos.ListRepositories(ctx, actor, req.OwnerType, req.OwnerID)
		}))
	add("update_repository", "Update repository settings, including archiving and the default branch.", false, true,
		tool(func(ctx context.Context, actor string, req service.UpdateRepoRequest) (any, error) {
			return svc.Repos.UpdateRepository(ctx, actor, req)
		}))
	add("delete_repository", "Delete a repository and everything it contains.", false, true,
		tool(func(ctx context.Context, actor string, req repoRef) (any, error) {
			if err := svc.Repos.DeleteRepository(ctx, actor, req.RepoID); err != nil {
				return nil, err
			}
			return deleted{Deleted: true, ID: req.RepoID}, nil
		}))
	add("fork_repository", "Copy a repository with its full history under a new owner.", false, true,
		tool(func(ctx context.Context, actor string, req service.ForkRequest) (any, error) {
			return svc.Repos.ForkRepository(ctx, actor, req)
		}))
	add("update_repository_permissions", "Grant or change a collaborator's permission level.", false, true,
		tool(func(ctx context.Context, actor string, req collaboratorRequest) (any, error) {
			return svc.Repos.UpsertCollaborator(ctx, actor, req.RepoID, req.UserID, req.PermissionLevel)
		}))
	add("remove_collaborator", "Revoke a collaborator grant.", false, true,
		tool(func(ctx context.Context, actor string, req collaboratorRequest) (any, error) {
			return svc.Repos.RemoveCollaborator(ctx, actor, req.RepoID, req.UserID)
		}))
	add("list_collaborators", "List collaborator grants on a repository.", false, false,
		tool(func(ctx context.Context, actor string, req repoRef) (any, error) {
			return svc.Repos.ListCollaborators(ctx, actor, req.RepoID)
		}))
	add("get_repository_permissions", "Resolve a user's effective capability on a repository.", false, false,
		tool(func(ctx context.Context, actor string, req collaboratorRequest) (any, error) {
			return svc.Repos.GetPermission(ctx, actor, req.RepoID, req.UserID)
		}))

	// Branches and commits
	add("create_branch", "Create a branch from another branch's head.", false, true,
		tool(func(ctx context.Context, actor string, req service.CreateBranchRequest) (any, error) {
			return svc.Branches.CreateBranch(ctx, actor, req)
		}))
	add("delete_branch", "Delete a non-default branch and its tree.", false, true,
		tool(func(ctx context.Context, actor string, req branchRef) (any, error) {
			if err := svc.Branches.DeleteBranch(ctx, actor, req.RepoID, req.BranchID); err != nil {
				return nil, err
			}
			return deleted{Deleted: true, ID: req.BranchID}, nil
		}))
	add("set_branch_protection", "Protect or unprotect a branch.", false, true,
		tool(func(ctx context.Context, actor string, req branchProtectionRequest) (any, error) {
			return svc.Branches.SetBranchProtection(ctx, actor, req.RepoID, req.BranchID, req.IsProtected)
		}))
	add("list_branches", "List a repository's branches.", true, false,
		tool(func(ctx context.Context, actor string, req repoRef) (any, error) {
			return svc.Branches.ListBranches(ctx, actor, req.RepoID)
		}))
	add("create_commit", "Record a commit on a branch and advance its head.", false, true,
		tool(func(ctx context.Context, actor string, req service.CommitRequest) (any, error) {
			return svc.Commits.Commit(ctx, actor, req)
		}))
	add("get_commit", "Fetch a commit by sha.", true, false,
		tool(func(ctx context.Context, actor string, req commitRef) (any, error) {
			return svc.Commits.GetCommit(ctx, actor, req.RepoID, req.CommitSHA)
		}))
	add("list_commits", "Walk a branch's history from its head.", true, false,
		tool(func(ctx context.Context, actor string, req listCommitsRequest) (any, error) {
			return svc.Commits.ListCommits(ctx, actor, req.RepoID, req.BranchID, req.Page, req.PerPage)
		}))

	// Files and directories
	add("upsert_file", "Create, update, move or delete a file on a branch.", false, true,
		tool(func(ctx context.Context, actor string, req service.UpsertFileRequest) (any, error) {
			return svc.Files.UpsertFile(ctx, actor, req)
		}))
	add("upsert_directory", "Create, rename, move or delete a directory on a branch.", false, true,
		tool(func(ctx context.Context, actor string, req service.UpsertDirectoryRequest) (any, error) {
			return svc.Files.UpsertDirectory(ctx, actor, req)
		}))
	add("get_file", "Fetch a file and its latest content.", true, false,
		tool(func(ctx context.Context, actor string, req fileRef) (any, error) {
			return svc.Files.GetFile(ctx, actor, req.RepoID, req.BranchID, req.FileID)
		}))
	add("list_files_directories", "List the entries of a directory, or the branch root.", true, false,
		tool(func(ctx context.Context, actor string, req treeRequest) (any, error) {
			return svc.Files.ListTree(ctx, actor, req.RepoID, req.BranchID, req.DirectoryID)
		}))
	add("get_file_history", "List every content snapshot of a file.", true, false,
		tool(func(ctx context.Context, actor string, req fileRef) (any, error) {
			return svc.Files.FileHistory(ctx, actor, req.RepoID, req.FileID)
		}))
	add("diff_file_revisions", "Entity-level diff between two content snapshots of a file.", true, false,
		tool(func(ctx context.Context, actor string, req diffRequest) (any, error) {
			return svc.Files.DiffFileRevisions(ctx, actor, req.RepoID, req.FileID, req.FromContentID, req.ToContentID)
		}))
	add("get_file_entities", "Outline the declarations and other entities of a file's latest content.", true, false,
		tool(func(ctx context.Context, actor string, req fileEntitiesRequest) (any, error) {
			return svc.Files.FileEntities(ctx, actor, req.RepoID, req.FileID, req.DeclarationsOnly)
		}))

	// Issues and labels
	add("create_issue", "Open an issue.", false, true,
		tool(func(ctx context.Context, actor string, req service.CreateIssueRequest) (any, error) {
			return svc.Issues.CreateIssue(ctx, actor, req)
		}))
	add("get_issue", "Fetch an issue.", true, false,
		tool(func(ctx context.Context, actor string, req issueRef) (any, error) {
			return svc.Issues.GetIssue(ctx, actor, req.IssueID)
		}))
	add("update_issues", "Edit an issue or move it between open, in_progress and closed.", false, true,
		tool(func(ctx context.Context, actor string, req service.UpdateIssueRequest) (any, error) {
			return svc.Issues.UpdateIssue(ctx, actor, req)
		}))
	add("delete_issue", "Delete an issue. Its number is not reused.", false, true,
		tool(func(ctx context.Context, actor string, req issueRef) (any, error) {
			if err := svc.Issues.DeleteIssue(ctx, actor, req.IssueID); err != nil {
				return nil, err
			}
			return deleted{Deleted: true, ID: req.IssueID}, nil
		}))
	add("list_issues", "List a repository's issues.", true, false,
		tool(func(ctx context.Context, actor string, req listIssuesRequest) (any, error) {
			return svc.Issues.ListIssues(ctx, actor, req.RepoID, req.IssueFilter)
		}))
	add("upsert_label", "Create or update a repository label.", false, true,
		tool(func(ctx context.Context, actor string, req service.UpsertLabelRequest) (any, error) {
			return svc.Labels.UpsertLabel(ctx, actor, req)
		}))
	add("delete_label", "Delete a label and its links.", false, true,
		tool(func(ctx context.Context, actor string, req labelRef) (any, error) {
			if err := svc.Labels.DeleteLabel(ctx, actor, req.LabelID); err != nil {
				return nil, err
			}
			return deleted{Deleted: true, ID: req.LabelID}, nil
		}))
	add("attach_label", "Attach a label to an issue or pull request.", false, true,
		tool(func(ctx context.Context, actor string, req labelLinkRequest) (any, error) {
			return svc.Labels.AttachLabel(ctx, actor, req.LabelID, req.TargetType, req.TargetID)
		}))
	add("detach_label", "Detach a label from an issue or pull request.", false, true,
		tool(func(ctx context.Context, actor string, req labelLinkRequest) (any, error) {
			return svc.Labels.DetachLabel(ctx, actor, req.LabelID, req.TargetType, req.TargetID)
		}))
	add("list_labels", "List a repository's labels, optionally only those on one issue or pull request.", true, false,
		tool(func(ctx context.Context, actor string, req listLabelsRequest) (any, error) {
			return svc.Labels.ListLabels(ctx, actor, req.RepoID, req.TargetType, req.TargetID)
		}))

	// Pull requests and reviews
	add("create_pull_request", "Open a pull request between two branches.", false, true,
		tool(func(ctx context.Context, actor string, req service.CreatePRRequest) (any, error) {
			return svc.PRs.CreatePullRequest(ctx, actor, req)
		}))
	add("get_pull_request", "Fetch a pull request.", true, false,
		tool(func(ctx context.Context, actor string, req prRef) (any, error) {
			return svc.PRs.GetPullRequest(ctx, actor, req.PRID)
		}))
	add("list_pull_requests", "List a repository's pull requests.", true, false,
		tool(func(ctx context.Context, actor string, req listPRsRequest) (any, error) {
			return svc.PRs.ListPullRequests(ctx, actor, req.RepoID, req.Status, req.Page, req.PerPage)
		}))
	add("update_pull_request", "Edit a pull request, toggle draft or close it.", false, true,
		tool(func(ctx context.Context, actor string, req service.UpdatePRRequest) (any, error) {
			return svc.PRs.UpdatePullRequest(ctx, actor, req)
		}))
	add("merge_pull_request", "Apply a review decision; approved fast-forwards the target branch.", false, true,
		tool(func(ctx context.Context, actor string, req service.MergeRequest) (any, error) {
			return svc.PRs.MergePullRequest(ctx, actor, req)
		}))
	add("create_pr_review", "Record a review on a pull request.", false, true,
		tool(func(ctx context.Context, actor string, req service.CreateReviewRequest) (any, error) {
			return svc.PRs.CreateReview(ctx, actor, req)
		}))
	add("request_pr_review", "Request a review from a user.", false, true,
		tool(func(ctx context.Context, actor string, req requestReviewRequest) (any, error) {
			return svc.PRs.RequestReview(ctx, actor, req.PRID, req.ReviewerID)
		}))
	add("submit_pr_review", "Submit a requested review.", false, true,
		tool(func(ctx context.Context, actor string, req submitReviewRequest) (any, error) {
			return svc.PRs.SubmitReview(ctx, actor, req.ReviewID, req.State, req.Body)
		}))
	add("list_pr_reviews", "List a pull request's reviews.", true, false,
		tool(func(ctx context.Context, actor string, req prRef) (any, error) {
			return svc.PRs.ListReviews(ctx, actor, req.PRID)
		}))

	// Comments, releases, workflows
	add("upsert_comment", "Create, edit or delete a comment on an issue or pull request.", false, true,
		tool(func(ctx context.Context, actor string, req service.UpsertCommentRequest) (any, error) {
			return svc.Comments.UpsertComment(ctx, actor, req)
		}))
	add("list_comments", "List comments on an issue or pull request.", true, false,
		tool(func(ctx context.Context, actor string, req commentableRef) (any, error) {
			return svc.Comments.ListComments(ctx, actor, req.CommentableType, req.CommentableID)
		}))
	add("upsert_release", "Create or update a release.", false, true,
		tool(func(ctx context.Context, actor string, req service.UpsertReleaseRequest) (any, error) {
			return svc.Releases.UpsertRelease(ctx, actor, req)
		}))
	add("decide_release", "Approve (publish) or reject (unpublish) a release.", false, true,
		tool(func(ctx context.Context, actor string, req releaseDecisionRequest) (any, error) {
			return svc.Releases.DecideRelease(ctx, actor, req.ReleaseID, req.Decision)
		}))
	add("delete_release", "Delete a release.", false, true,
		tool(func(ctx context.Context, actor string, req releaseRef) (any, error) {
			if err := svc.Releases.DeleteRelease(ctx, actor, req.ReleaseID); err != nil {
				return nil, err
			}
			return deleted{Deleted: true, ID: req.ReleaseID}, nil
		}))
	add("list_releases", "List a repository's releases.", true, false,
		tool(func(ctx context.Context, actor string, req repoRef) (any, error) {
			return svc.Releases.ListReleases(ctx, actor, req.RepoID)
		}))
	add("create_workflow", "Register a workflow file with a trigger.", false, true,
		tool(func(ctx context.Context, actor string, req service.CreateWorkflowRequest) (any, error) {
			return svc.Flows.CreateWorkflow(ctx, actor, req)
		}))
	add("update_workflow", "Update, enable, disable or delete a workflow.", false, true,
		tool(func(ctx context.Context, actor string, req service.UpdateWorkflowRequest) (any, error) {
			return svc.Flows.UpdateWorkflow(ctx, actor, req)
		}))
	add("list_workflows", "List a repository's workflows.", true, false,
		tool(func(ctx context.Context, actor string, req listWorkflowsRequest) (any, error) {
			return svc.Flows.ListWorkflows(ctx, actor, req.RepoID, req.IncludeDeleted)
		}))
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	specs := make([]toolSpec, 0, len(s.tools))
	for _, spec := range s.tools {
		specs = append(specs, spec)
	}
	slices.SortFunc(specs, func(a, b toolSpec) int { return strings.Compare(a.Name, b.Name) })
	writeResult(w, http.StatusOK, specs)
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("tool")
	spec, ok := s.tools[name]
	if !ok {
		s.metrics.observeTool("unknown", "not_found")
		jsonError(w, "unknown tool: "+name, http.StatusNotFound)
		return
	}

	var actorID string
	if p := auth.GetPrincipal(r.Context()); p != nil {
		actorID = p.UserID
	} else if !spec.Anonymous {
		s.metrics.observeTool(name, "unauthenticated")
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	result, err := spec.run(r.Context(), actorID, r.Body)
	if err != nil {
		if err == errBodyTooLarge {
			s.metrics.observeTool(name, string(service.KindValidation))
			jsonError(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		status, kind := statusForError(err)
		s.metrics.observeTool(name, kind)
		if status == http.StatusInternalServerError {
			s.logger.Error("tool failed", "tool", name, "actor_id", actorID, "error", err)
		}
		writeServiceError(w, err)
		return
	}
	s.metrics.observeTool(name, "success")
	writeResult(w, http.StatusOK, result)
}
