package service

import (
	"testing"

	"github.com/odvcencio/forgesim/internal/models"
)

func TestReleaseLifecycle(t *testing.T) {
	f := newFixture(t)
	repo, main := f.repo(t, "widgets")
	commit := f.writeFile(t, repo.ID, main.ID, "README.md", "v1").Commit
	if _, err := f.svc.Repos.UpsertCollaborator(f.ctx, f.admin.ID, repo.ID, f.bob.ID, "write"); err != nil {
		t.Fatalf("collaborator: %v", err)
	}

	tag := "v1.0.0"
	rel, err := f.svc.Releases.UpsertRelease(f.ctx, f.bob.ID, UpsertReleaseRequest{RepoID: repo.ID, TagName: &tag})
	if err != nil {
		t.Fatalf("create release: %v", err)
	}
	if !rel.IsDraft || rel.PublishedAt != nil || rel.TargetReference != "main" {
		t.Fatalf("new release = %+v", rel)
	}
	_, err = f.svc.Releases.UpsertRelease(f.ctx, f.bob.ID, UpsertReleaseRequest{RepoID: repo.ID, TagName: &tag})
	wantKind(t, err, KindState)

	target, missing := string(models.ReleaseTargetCommit), "deadbeef"
	_, err = f.svc.Releases.UpsertRelease(f.ctx, f.bob.ID, UpsertReleaseRequest{ReleaseID: &rel.ID, RepoID: repo.ID, TargetType: &target, TargetReference: &missing})
	wantKind(t, err, KindReference)
	if _, err := f.svc.Releases.UpsertRelease(f.ctx, f.bob.ID, UpsertReleaseRequest{ReleaseID: &rel.ID, RepoID: repo.ID, TargetType: &target, TargetReference: &commit.SHA}); err != nil {
		t.Fatalf("retarget to commit: %v", err)
	}

	_, err = f.svc.Releases.DecideRelease(f.ctx, f.bob.ID, rel.ID, ReleaseApprove)
	wantKind(t, err, KindForbidden)

	published, err := f.svc.Releases.DecideRelease(f.ctx, f.admin.ID, rel.ID, ReleaseApprove)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if published.IsDraft || published.PublishedAt == nil {
		t.Fatalf("published = %+v", published)
	}
	_, err = f.svc.Releases.DecideRelease(f.ctx, f.admin.ID, rel.ID, ReleaseApprove)
	wantKind(t, err, KindState)

	draft := true
	_, err = f.svc.Releases.UpsertRelease(f.ctx, f.bob.ID, UpsertReleaseRequest{ReleaseID: &rel.ID, RepoID: repo.ID, IsDraft: &draft})
	wantKind(t, err, KindState)

	rejected, err := f.svc.Releases.DecideRelease(f.ctx, f.admin.ID, rel.ID, ReleaseReject)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !rejected.IsDraft || rejected.PublishedAt != nil {
		t.Fatalf("rejected = %+v", rejected)
	}
}

func TestWorkflowPathMustExistOnDefaultBranch(t *testing.T) {
	f := newFixture(t)
	repo, main := f.repo(t, "widgets")

	req := CreateWorkflowRequest{RepoID: repo.ID, Name: "CI", Path: "ci.yml", TriggerEvent: "push"}
	_, err := f.svc.Flows.CreateWorkflow(f.ctx, f.admin.ID, req)
	wantKind(t, err, KindReference)

	f.writeFile(t, repo.ID, main.ID, "ci.yml", "on: push\n")
	wf, err := f.svc.Flows.CreateWorkflow(f.ctx, f.admin.ID, req)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if wf.Status != models.WorkflowActive {
		t.Fatalf("status = %s", wf.Status)
	}
	_, err = f.svc.Flows.CreateWorkflow(f.ctx, f.admin.ID, req)
	wantKind(t, err, KindState)

	req.TriggerEvent = "cron"
	_, err = f.svc.Flows.CreateWorkflow(f.ctx, f.admin.ID, req)
	wantKind(t, err, KindValidation)

	if _, err := f.svc.Flows.UpdateWorkflow(f.ctx, f.admin.ID, UpdateWorkflowRequest{WorkflowID: wf.ID, Action: WorkflowDelete}); err != nil {
		t.Fatalf("delete workflow: %v", err)
	}
	visible, err := f.svc.Flows.ListWorkflows(f.ctx, f.admin.ID, repo.ID, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("deleted workflow still listed: %+v", visible)
	}
	all, err := f.svc.Flows.ListWorkflows(f.ctx, f.admin.ID, repo.ID, true)
	if err != nil || len(all) != 1 {
		t.Fatalf("list with deleted = %d, %v", len(all), err)
	}
}
