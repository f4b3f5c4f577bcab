package service

import (
	"context"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/odvcencio/forgesim/internal/auth"
	"github.com/odvcencio/forgesim/internal/authz"
	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

var validHandle = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// IdentityService owns users, access tokens, organizations and memberships.
type IdentityService struct {
	st  *store.Store
	now Clock
}

func NewIdentityService(st *store.Store, now Clock) *IdentityService {
	return &IdentityService{st: st, now: now}
}

type CreateUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	IsAdmin  bool   `json:"is_admin"`
}

// CreateUser registers a user. Only platform admins may create users, except
// for the very first user, who bootstraps the platform as an admin.
func (s *IdentityService) CreateUser(ctx context.Context, actorID string, req CreateUserRequest) (*models.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if !validHandle.MatchString(req.Username) {
		return nil, validationf("invalid username: %q", req.Username)
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, validationf("invalid email: %q", req.Email)
	}

	var user models.User
	err := s.st.Update(ctx, "create_user", func(tx *store.Tx) error {
		bootstrap := tx.Users().Len() == 0
		if !bootstrap {
			actor, err := getActiveUser(tx, actorID, "actor")
			if err != nil {
				return err
			}
			if !actor.IsAdmin {
				return forbiddenf("only platform admins can create users")
			}
		}
		if _, taken := tx.Users().Find(func(u models.User) bool {
			return strings.EqualFold(u.Username, req.Username) || strings.EqualFold(u.Email, req.Email)
		}); taken {
			return statef("username or email already registered")
		}
		now := s.now()
		user = tx.Users().Insert(func(id string) models.User {
			return models.User{
				ID:        id,
				Username:  req.Username,
				Email:     req.Email,
				FullName:  strings.TrimSpace(req.FullName),
				Status:    models.UserActive,
				IsAdmin:   req.IsAdmin || bootstrap,
				CreatedAt: now,
				UpdatedAt: now,
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *IdentityService) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.st.View(ctx, "get_user", func(tx *store.Tx) error {
		var err error
		user, err = getUser(tx, id, "user")
		return err
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUserStatus changes an account status. Admins may set any status;
// users may only delete their own account.
func (s *IdentityService) UpdateUserStatus(ctx context.Context, actorID, userID, status string) (*models.User, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !models.IsUserStatus(status) {
		return nil, validationf("status must be one of active, suspended, deleted")
	}
	var user models.User
	err := s.st.Update(ctx, "update_user_status", func(tx *store.Tx) error {
		actor, err := getActiveUser(tx, actorID, "actor")
		if err != nil {
			return err
		}
		user, err = getUser(tx, userID, "user")
		if err != nil {
			return err
		}
		self := actor.ID == user.ID
		if !actor.IsAdmin && !(self && models.UserStatus(status) == models.UserDeleted) {
			return forbiddenf("only platform admins can change account status")
		}
		if user.Status == models.UserStatus(status) {
			return statef("user %q is already %s", user.Username, status)
		}
		if models.UserStatus(status) != models.UserActive {
			if err := ensureNotLastOwnerAnywhere(tx, user.ID); err != nil {
				return err
			}
		}
		user.Status = models.UserStatus(status)
		user.UpdatedAt = s.now()
		tx.Users().Put(user.ID, user)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ensureNotLastOwnerAnywhere rejects deactivating an account that is the
// last active owner of some organization.
func ensureNotLastOwnerAnywhere(tx *store.Tx, userID string) error {
	owned := tx.OrgMembers().Filter(func(m models.OrgMember) bool {
		return m.UserID == userID && m.Role == models.OrgRoleOwner && m.Status == models.MembershipActive
	})
	for _, m := range owned {
		if authz.ActiveOwnerCount(tx, m.OrgID) <= 1 {
			return statef("user is the last active owner of organization %q; transfer ownership first", m.OrgID)
		}
	}
	return nil
}

// IssuedToken is returned once; the secret is not recoverable afterwards.
type IssuedToken struct {
	Token  models.AccessToken `json:"token"`
	Secret string             `json:"secret"`
}

// IssueAccessToken mints a bearer token for userID. Admins may mint tokens
// for anyone; other users only for themselves.
func (s *IdentityService) IssueAccessToken(ctx context.Context, actorID, userID, name string, ttl time.Duration) (*IssuedToken, error) {
	if ttl < 0 {
		return nil, validationf("ttl must not be negative")
	}
	var out IssuedToken
	err := s.st.Update(ctx, "issue_access_token", func(tx *store.Tx) error {
		actor, err := getActiveUser(tx, actorID, "actor")
		if err != nil {
			return err
		}
		if _, err := getActiveUser(tx, userID, "user"); err != nil {
			return err
		}
		if actor.ID != userID && !actor.IsAdmin {
			return forbiddenf("tokens can only be issued for your own account")
		}
		now := s.now()
		var hashErr error
		out.Token = tx.AccessTokens().Insert(func(id string) models.AccessToken {
			secret, hash, err := auth.NewIssuedSecret(id)
			if err != nil {
				hashErr = err
			}
			out.Secret = secret
			t := models.AccessToken{
				ID:        id,
				UserID:    userID,
				TokenHash: hash,
				Name:      strings.TrimSpace(name),
				CreatedAt: now,
			}
			if ttl > 0 {
				t.ExpiresAt = ptr(now.Add(ttl))
			}
			return t
		})
		return hashErr
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type CreateOrgRequest struct {
	Name        string `json:"organization_name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
}

// CreateOrganization creates an organization with actorID as its first active owner.
func (s *IdentityService) CreateOrganization(ctx context.Context, actorID string, req CreateOrgRequest) (*models.Organization, error) {
	req.Name = strings.TrimSpace(req.Name)
	if !validHandle.MatchString(req.Name) {
		return nil, validationf("invalid organization name: %q", req.Name)
	}
	if req.Visibility == "" {
		req.Visibility = string(models.OrgPublic)
	}
	if !models.IsOrgVisibility(req.Visibility) {
		return nil, validationf("visibility must be one of public, limited, private")
	}
	var org models.Organization
	err := s.st.Update(ctx, "create_organization", func(tx *store.Tx) error {
		if _, err := getActiveUser(tx, actorID, "actor"); err != nil {
			return err
		}
		if orgNameTaken(tx, req.Name, "") {
			return statef("organization %q already exists", req.Name)
		}
		now := s.now()
		org = tx.Orgs().Insert(func(id string) models.Organization {
			return models.Organization{
				ID:          id,
				Name:        req.Name,
				Description: strings.TrimSpace(req.Description),
				Visibility:  models.OrgVisibility(req.Visibility),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
		})
		tx.OrgMembers().Insert(func(id string) models.OrgMember {
			return models.OrgMember{
				ID:       id,
				OrgID:    org.ID,
				UserID:   actorID,
				Role:     models.OrgRoleOwner,
				Status:   models.MembershipActive,
				JoinedAt: now,
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func orgNameTaken(tx *store.Tx, name, exceptID string) bool {
	_, taken := tx.Orgs().Find(func(o models.Organization) bool {
		return o.ID != exceptID && strings.EqualFold(o.Name, name)
	})
	return taken
}

func getOrg(tx *store.Tx, id string) (models.Organization, error) {
	if strings.TrimSpace(id) == "" {
		return models.Organization{}, validationf("organization_id is required")
	}
	org, ok := tx.Orgs().Get(id)
	if !ok {
		return org, notFoundf("organization %q not found", id)
	}
	return org, nil
}

func requireOrgOwner(tx *store.Tx, orgID, actorID string) (models.Organization, error) {
	org, err := getOrg(tx, orgID)
	if err != nil {
		return org, err
	}
	if _, err := getActiveUser(tx, actorID, "actor"); err != nil {
		return org, err
	}
	if !authz.IsOrgOwner(tx, orgID, actorID) {
		return org, forbiddenf("only active owners of organization %q can do this", org.Name)
	}
	return org, nil
}

type UpdateOrgRequest struct {
	OrgID       string  `json:"organization_id"`
	Name        *string `json:"organization_name"`
	Description *string `json:"description"`
	Visibility  *string `json:"visibility"`
}

func (s *IdentityService) UpdateOrganization(ctx context.Context, actorID string, req UpdateOrgRequest) (*models.Organization, error) {
	if req.Name == nil && req.Description == nil && req.Visibility == nil {
		return nil, validationf("no updates supplied")
	}
	if req.Name != nil && !validHandle.MatchString(strings.TrimSpace(*req.Name)) {
		return nil, validationf("invalid organization name: %q", *req.Name)
	}
	if req.Visibility != nil && !models.IsOrgVisibility(*req.Visibility) {
		return nil, validationf("visibility must be one of public, limited, private")
	}
	var org models.Organization
	err := s.st.Update(ctx, "update_organization", func(tx *store.Tx) error {
		var err error
		org, err = requireOrgOwner(tx, req.OrgID, actorID)
		if err != nil {
			return err
		}
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if orgNameTaken(tx, name, org.ID) {
				return statef("organization %q already exists", name)
			}
			org.Name = name
		}
		if req.Description != nil {
			org.Description = strings.TrimSpace(*req.Description)
		}
		if req.Visibility != nil {
			org.Visibility = models.OrgVisibility(*req.Visibility)
		}
		org.UpdatedAt = s.now()
		tx.Orgs().Put(org.ID, org)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// InviteMember creates a pending membership, or re-invites an inactive one.
func (s *IdentityService) InviteMember(ctx context.Context, actorID, orgID, userID, role string) (*models.OrgMember, error) {
	if role == "" {
		role = string(models.OrgRoleMember)
	}
	if !models.IsOrgRole(role) {
		return nil, validationf("role must be owner or member")
	}
	var m models.OrgMember
	err := s.st.Update(ctx, "invite_org_member", func(tx *store.Tx) error {
		if _, err := requireOrgOwner(tx, orgID, actorID); err != nil {
			return err
		}
		if _, err := getActiveUser(tx, userID, "user"); err != nil {
			return err
		}
		existing, ok := authz.Membership(tx, orgID, userID)
		now := s.now()
		if ok {
			if existing.Status != models.MembershipInactive {
				return statef("user %q already has a %s membership", userID, existing.Status)
			}
			existing.Role = models.OrgRole(role)
			existing.Status = models.MembershipPending
			existing.JoinedAt = now
			tx.OrgMembers().Put(existing.ID, existing)
			m = existing
			return nil
		}
		m = tx.OrgMembers().Insert(func(id string) models.OrgMember {
			return models.OrgMember{
				ID:       id,
				OrgID:    orgID,
				UserID:   userID,
				Role:     models.OrgRole(role),
				Status:   models.MembershipPending,
				JoinedAt: now,
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AcceptInvitation activates the actor's own pending membership.
func (s *IdentityService) AcceptInvitation(ctx context.Context, actorID, orgID string) (*models.OrgMember, error) {
	var m models.OrgMember
	err := s.st.Update(ctx, "accept_org_invitation", func(tx *store.Tx) error {
		if _, err := getOrg(tx, orgID); err != nil {
			return err
		}
		if _, err := getActiveUser(tx, actorID, "actor"); err != nil {
			return err
		}
		var ok bool
		m, ok = authz.Membership(tx, orgID, actorID)
		if !ok {
			return notFoundf("no invitation for user %q in organization %q", actorID, orgID)
		}
		if m.Status != models.MembershipPending {
			return statef("membership is %s, not pending", m.Status)
		}
		m.Status = models.MembershipActive
		m.JoinedAt = s.now()
		tx.OrgMembers().Put(m.ID, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type UpdateMemberRequest struct {
	OrgID  string  `json:"organization_id"`
	UserID string  `json:"user_id"`
	Role   *string `json:"role"`
	Status *string `json:"status"`
}

// UpdateMember changes a membership's role or status. An organization always
// keeps at least one active owner.
func (s *IdentityService) UpdateMember(ctx context.Context, actorID string, req UpdateMemberRequest) (*models.OrgMember, error) {
	if req.Role == nil && req.Status == nil {
		return nil, validationf("role or status is required")
	}
	if req.Role != nil && !models.IsOrgRole(*req.Role) {
		return nil, validationf("role must be owner or member")
	}
	if req.Status != nil && !models.IsMembershipStatus(*req.Status) {
		return nil, validationf("status must be one of active, pending, inactive")
	}
	var m models.OrgMember
	err := s.st.Update(ctx, "update_org_member", func(tx *store.Tx) error {
		if _, err := requireOrgOwner(tx, req.OrgID, actorID); err != nil {
			return err
		}
		var ok bool
		m, ok = authz.Membership(tx, req.OrgID, req.UserID)
		if !ok {
			return notFoundf("user %q is not a member of organization %q", req.UserID, req.OrgID)
		}
		next := m
		if req.Role != nil {
			next.Role = models.OrgRole(*req.Role)
		}
		if req.Status != nil {
			next.Status = models.MembershipStatus(*req.Status)
		}
		if err := guardLastOwner(tx, m, next); err != nil {
			return err
		}
		m = next
		tx.OrgMembers().Put(m.ID, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RemoveMember soft-deletes a membership by marking it inactive.
func (s *IdentityService) RemoveMember(ctx context.Context, actorID, orgID, userID string) (*models.OrgMember, error) {
	inactive := string(models.MembershipInactive)
	var m models.OrgMember
	err := s.st.Update(ctx, "remove_org_member", func(tx *store.Tx) error {
		if _, err := requireOrgOwner(tx, orgID, actorID); err != nil {
			return err
		}
		var ok bool
		m, ok = authz.Membership(tx, orgID, userID)
		if !ok || m.Status == models.MembershipInactive {
			return notFoundf("user %q is not a member of organization %q", userID, orgID)
		}
		next := m
		next.Status = models.MembershipStatus(inactive)
		if err := guardLastOwner(tx, m, next); err != nil {
			return err
		}
		m = next
		tx.OrgMembers().Put(m.ID, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// guardLastOwner rejects a transition that takes away the last active owner.
func guardLastOwner(tx *store.Tx, prev, next models.OrgMember) error {
	wasOwner := prev.Role == models.OrgRoleOwner && prev.Status == models.MembershipActive
	stillOwner := next.Role == models.OrgRoleOwner && next.Status == models.MembershipActive
	if wasOwner && !stillOwner && authz.ActiveOwnerCount(tx, prev.OrgID) <= 1 {
		return statef("cannot remove the last active owner of the organization; transfer ownership first")
	}
	return nil
}

func (s *IdentityService) ListMembers(ctx context.Context, actorID, orgID string) ([]models.OrgMember, error) {
	var members []models.OrgMember
	err := s.st.View(ctx, "list_org_members", func(tx *store.Tx) error {
		org, err := getOrg(tx, orgID)
		if err != nil {
			return err
		}
		if org.Visibility != models.OrgPublic {
			if _, ok := authz.ActiveMembership(tx, orgID, actorID); !ok {
				return notFoundf("organization %q not found", orgID)
			}
		}
		members = tx.OrgMembers().Filter(func(m models.OrgMember) bool { return m.OrgID == orgID })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}
