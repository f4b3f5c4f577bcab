// Package authz resolves what an actor may do on a repository or organization.
//
// Repository capability is the union of independent grants and the maximum
// of them wins:
//
//   - owning user: admin
//   - active collaborator record: its permission level
//   - active member of the owning organization: read, or admin for owners
//   - public repository: read for anyone; internal repository: read for any active user
//
// Nothing subtracts a grant. Revoking access means deactivating the record
// that conferred it. Organization membership alone never confers write.
package authz

import (
	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

// Grant names the rule that contributed a capability.
type Grant string

const (
	GrantOwner        Grant = "owner"
	GrantCollaborator Grant = "collaborator"
	GrantOrgOwner     Grant = "organization_owner"
	GrantOrgMember    Grant = "organization_member"
	GrantPublic       Grant = "public"
	GrantInternal     Grant = "internal"
)

type Resolution struct {
	Capability models.Capability `json:"capability"`
	Grants     []Grant           `json:"grants"`
}

// Allows reports whether the resolved capability meets need.
func (r Resolution) Allows(need models.Capability) bool {
	return r.Capability >= need
}

func (r *Resolution) add(c models.Capability, g Grant) {
	if c > r.Capability {
		r.Capability = c
	}
	r.Grants = append(r.Grants, g)
}

// Resolve computes actorID's effective capability on repo. It must run inside
// the same transaction as the write it gates.
func Resolve(tx *store.Tx, actorID string, repo models.Repository) Resolution {
	var res Resolution
	if actorID == "" {
		if c := Anonymous(repo); c > models.CapNone {
			res.add(c, GrantPublic)
		}
		return res
	}
	user, ok := tx.Users().Get(actorID)
	if !ok || user.Status != models.UserActive {
		return res
	}

	if repo.OwnerType == models.OwnerUser && repo.OwnerID == actorID {
		res.add(models.CapAdmin, GrantOwner)
	}

	if c, ok := ActiveCollaborator(tx, repo.ID, actorID); ok {
		if level, valid := models.ParseCapability(c.PermissionLevel); valid {
			res.add(level, GrantCollaborator)
		}
	}

	if repo.OwnerType == models.OwnerOrganization {
		if m, ok := ActiveMembership(tx, repo.OwnerID, actorID); ok {
			if m.Role == models.OrgRoleOwner {
				res.add(models.CapAdmin, GrantOrgOwner)
			} else {
				res.add(models.CapRead, GrantOrgMember)
			}
		}
	}

	switch repo.Visibility {
	case models.VisibilityPublic:
		res.add(models.CapRead, GrantPublic)
	case models.VisibilityInternal:
		res.add(models.CapRead, GrantInternal)
	}
	return res
}

// Anonymous is the capability of a caller with no principal: read on public
// repositories only.
func Anonymous(repo models.Repository) models.Capability {
	if repo.Visibility == models.VisibilityPublic {
		return models.CapRead
	}
	return models.CapNone
}

func ActiveCollaborator(tx *store.Tx, repoID, userID string) (models.Collaborator, bool) {
	return tx.Collaborators().Find(func(c models.Collaborator) bool {
		return c.RepoID == repoID && c.UserID == userID && c.Status == models.CollaboratorActive
	})
}

func Membership(tx *store.Tx, orgID, userID string) (models.OrgMember, bool) {
	return tx.OrgMembers().Find(func(m models.OrgMember) bool {
		return m.OrgID == orgID && m.UserID == userID
	})
}

func ActiveMembership(tx *store.Tx, orgID, userID string) (models.OrgMember, bool) {
	m, ok := Membership(tx, orgID, userID)
	if !ok || m.Status != models.MembershipActive {
		return models.OrgMember{}, false
	}
	return m, true
}

// IsOrgOwner reports whether userID is an active owner of orgID. Organization
// administration requires this regardless of any repository capability.
func IsOrgOwner(tx *store.Tx, orgID, userID string) bool {
	m, ok := ActiveMembership(tx, orgID, userID)
	return ok && m.Role == models.OrgRoleOwner
}

func ActiveOwnerCount(tx *store.Tx, orgID string) int {
	return tx.OrgMembers().Count(func(m models.OrgMember) bool {
		return m.OrgID == orgID && m.Role == models.OrgRoleOwner && m.Status == models.MembershipActive
	})
}
