package authz

import (
	"context"
	"testing"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

type world struct {
	st                                *store.Store
	owner, collab, member, orgOwner   models.User
	stranger, suspended               models.User
	userRepo, orgPrivate, orgInternal models.Repository
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{st: store.New(store.Options{})}
	err := w.st.Update(context.Background(), "fixture", func(tx *store.Tx) error {
		user := func(name string, status models.UserStatus) models.User {
			return tx.Users().Insert(func(id string) models.User {
				return models.User{ID: id, Username: name, Status: status}
			})
		}
		w.owner = user("owner", models.UserActive)
		w.collab = user("collab", models.UserActive)
		w.member = user("member", models.UserActive)
		w.orgOwner = user("org-owner", models.UserActive)
		w.stranger = user("stranger", models.UserActive)
		w.suspended = user("suspended", models.UserSuspended)

		org := tx.Orgs().Insert(func(id string) models.Organization {
			return models.Organization{ID: id, Name: "acme"}
		})
		for _, m := range []struct {
			user models.User
			role models.OrgRole
		}{{w.member, models.OrgRoleMember}, {w.orgOwner, models.OrgRoleOwner}} {
			tx.OrgMembers().Insert(func(id string) models.OrgMember {
				return models.OrgMember{ID: id, OrgID: org.ID, UserID: m.user.ID, Role: m.role, Status: models.MembershipActive}
			})
		}

		repo := func(name string, ot models.OwnerType, ownerID string, vis models.Visibility) models.Repository {
			return tx.Repos().Insert(func(id string) models.Repository {
				return models.Repository{ID: id, Name: name, OwnerType: ot, OwnerID: ownerID, Visibility: vis}
			})
		}
		w.userRepo = repo("tools", models.OwnerUser, w.owner.ID, models.VisibilityPublic)
		w.orgPrivate = repo("secret", models.OwnerOrganization, org.ID, models.VisibilityPrivate)
		w.orgInternal = repo("handbook", models.OwnerOrganization, org.ID, models.VisibilityInternal)

		for _, r := range []models.Repository{w.userRepo, w.orgPrivate} {
			tx.Collaborators().Insert(func(id string) models.Collaborator {
				return models.Collaborator{ID: id, RepoID: r.ID, UserID: w.collab.ID, PermissionLevel: "write", Status: models.CollaboratorActive}
			})
		}
		tx.Collaborators().Insert(func(id string) models.Collaborator {
			return models.Collaborator{ID: id, RepoID: w.orgPrivate.ID, UserID: w.suspended.ID, PermissionLevel: "admin", Status: models.CollaboratorActive}
		})
		return nil
	})
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
	return w
}

func TestResolve(t *testing.T) {
	w := newWorld(t)
	tests := []struct {
		name  string
		actor string
		repo  models.Repository
		want  models.Capability
	}{
		{"owner", w.owner.ID, w.userRepo, models.CapAdmin},
		{"collaborator on public", w.collab.ID, w.userRepo, models.CapWrite},
		{"stranger on public", w.stranger.ID, w.userRepo, models.CapRead},
		{"anonymous on public", "", w.userRepo, models.CapRead},
		{"collaborator on private", w.collab.ID, w.orgPrivate, models.CapWrite},
		{"org member on private", w.member.ID, w.orgPrivate, models.CapRead},
		{"org owner on private", w.orgOwner.ID, w.orgPrivate, models.CapAdmin},
		{"stranger on private", w.stranger.ID, w.orgPrivate, models.CapNone},
		{"anonymous on private", "", w.orgPrivate, models.CapNone},
		{"suspended collaborator", w.suspended.ID, w.orgPrivate, models.CapNone},
		{"stranger on internal", w.stranger.ID, w.orgInternal, models.CapRead},
		{"anonymous on internal", "", w.orgInternal, models.CapNone},
	}
	_ = w.st.View(context.Background(), "resolve", func(tx *store.Tx) error {
		for _, tt := range tests {
			if got := Resolve(tx, tt.actor, tt.repo); got.Capability != tt.want {
				t.Errorf("%s: capability = %v, want %v (grants %v)", tt.name, got.Capability, tt.want, got.Grants)
			}
		}
		return nil
	})
}

func TestResolveUnionRecordsEveryGrant(t *testing.T) {
	w := newWorld(t)
	_ = w.st.View(context.Background(), "resolve", func(tx *store.Tx) error {
		res := Resolve(tx, w.collab.ID, w.userRepo)
		if !res.Allows(models.CapWrite) || res.Allows(models.CapAdmin) {
			t.Fatalf("capability = %v", res.Capability)
		}
		if len(res.Grants) != 2 || res.Grants[0] != GrantCollaborator || res.Grants[1] != GrantPublic {
			t.Fatalf("grants = %v", res.Grants)
		}
		return nil
	})
}

func TestOrgOwnerHelpers(t *testing.T) {
	w := newWorld(t)
	_ = w.st.View(context.Background(), "owners", func(tx *store.Tx) error {
		orgID := w.orgPrivate.OwnerID
		if !IsOrgOwner(tx, orgID, w.orgOwner.ID) || IsOrgOwner(tx, orgID, w.member.ID) {
			t.Fatal("IsOrgOwner mismatch")
		}
		if n := ActiveOwnerCount(tx, orgID); n != 1 {
			t.Fatalf("active owners = %d, want 1", n)
		}
		if _, ok := ActiveMembership(tx, orgID, w.stranger.ID); ok {
			t.Fatal("stranger has a membership")
		}
		return nil
	})
}
