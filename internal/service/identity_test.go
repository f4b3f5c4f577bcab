package service

import (
	"testing"

	"github.com/odvcencio/forgesim/internal/models"
)

func TestOrganizationKeepsAnActiveOwner(t *testing.T) {
	f := newFixture(t)
	org, err := f.svc.Identity.CreateOrganization(f.ctx, f.admin.ID, CreateOrgRequest{Name: "acme"})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}

	owner := string(models.OrgRoleOwner)
	member := string(models.OrgRoleMember)

	// Sole owner cannot step down or leave.
	_, err = f.svc.Identity.UpdateMember(f.ctx, f.admin.ID, UpdateMemberRequest{OrgID: org.ID, UserID: f.admin.ID, Role: &member})
	wantKind(t, err, KindState)
	_, err = f.svc.Identity.RemoveMember(f.ctx, f.admin.ID, org.ID, f.admin.ID)
	wantKind(t, err, KindState)

	invite, err := f.svc.Identity.InviteMember(f.ctx, f.admin.ID, org.ID, f.bob.ID, owner)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if invite.Status != models.MembershipPending {
		t.Fatalf("invite status = %s", invite.Status)
	}
	// A pending owner does not count yet.
	_, err = f.svc.Identity.RemoveMember(f.ctx, f.admin.ID, org.ID, f.admin.ID)
	wantKind(t, err, KindState)

	if _, err := f.svc.Identity.AcceptInvitation(f.ctx, f.bob.ID, org.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err = f.svc.Identity.AcceptInvitation(f.ctx, f.bob.ID, org.ID)
	wantKind(t, err, KindState)

	demoted, err := f.svc.Identity.UpdateMember(f.ctx, f.bob.ID, UpdateMemberRequest{OrgID: org.ID, UserID: f.admin.ID, Role: &member})
	if err != nil {
		t.Fatalf("demote with a second owner: %v", err)
	}
	if demoted.Role != models.OrgRoleMember {
		t.Fatalf("role = %s", demoted.Role)
	}

	_, err = f.svc.Identity.RemoveMember(f.ctx, f.bob.ID, org.ID, f.bob.ID)
	wantKind(t, err, KindState)

	members, err := f.svc.Identity.ListMembers(f.ctx, f.admin.ID, org.ID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	owners := 0
	for _, m := range members {
		if m.Role == models.OrgRoleOwner && m.Status == models.MembershipActive {
			owners++
		}
	}
	if owners != 1 {
		t.Fatalf("active owners = %d, want 1", owners)
	}
}

func TestInviteRequiresOwner(t *testing.T) {
	f := newFixture(t)
	org, err := f.svc.Identity.CreateOrganization(f.ctx, f.bob.ID, CreateOrgRequest{Name: "bobco"})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	_, err = f.svc.Identity.InviteMember(f.ctx, f.admin.ID, org.ID, f.admin.ID, "")
	wantKind(t, err, KindForbidden)

	_, err = f.svc.Identity.CreateOrganization(f.ctx, f.admin.ID, CreateOrgRequest{Name: "BobCo"})
	wantKind(t, err, KindState)
}

func TestSuspendedUserCannotAct(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Identity.UpdateUserStatus(f.ctx, f.admin.ID, f.bob.ID, string(models.UserSuspended)); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := f.svc.Repos.CreateRepository(f.ctx, f.bob.ID, CreateRepoRequest{Name: "mine"}); err == nil {
		t.Fatal("suspended user created a repository")
	}
}

func TestCannotSuspendLastOwner(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Identity.CreateOrganization(f.ctx, f.bob.ID, CreateOrgRequest{Name: "bobco"}); err != nil {
		t.Fatalf("create org: %v", err)
	}
	_, err := f.svc.Identity.UpdateUserStatus(f.ctx, f.admin.ID, f.bob.ID, "suspended")
	wantKind(t, err, KindState)
}
