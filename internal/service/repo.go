package service

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/odvcencio/forgesim/internal/authz"
	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

var validRepoName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

type RepoService struct {
	st  *store.Store
	now Clock
}

func NewRepoService(st *store.Store, now Clock) *RepoService {
	return &RepoService{st: st, now: now}
}

type CreateRepoRequest struct {
	Name          string `json:"repository_name"`
	OwnerType     string `json:"owner_type"`
	OwnerID       string `json:"owner_id"`
	Description   string `json:"description"`
	Visibility    string `json:"visibility"`
	DefaultBranch string `json:"default_branch"`
	LicenseType   string `json:"license_type"`
}

// authorizeOwner checks that actorID may place a repository under the given
// owner: users only under themselves, organizations for any active member.
func authorizeOwner(tx *store.Tx, actorID string, ownerType models.OwnerType, ownerID string) error {
	if _, err := getActiveUser(tx, actorID, "actor"); err != nil {
		return err
	}
	switch ownerType {
	case models.OwnerUser:
		if _, err := getActiveUser(tx, ownerID, "owner"); err != nil {
			return err
		}
		if ownerID != actorID {
			return forbiddenf("repositories can only be created under your own account")
		}
	case models.OwnerOrganization:
		org, err := getOrg(tx, ownerID)
		if err != nil {
			return err
		}
		if _, ok := authz.ActiveMembership(tx, org.ID, actorID); !ok {
			return forbiddenf("only active members of organization %q can create repositories in it", org.Name)
		}
	default:
		return validationf("owner_type must be user or organization")
	}
	return nil
}

func repoNameTaken(tx *store.Tx, ownerType models.OwnerType, ownerID, name string) bool {
	_, taken := tx.Repos().Find(func(r models.Repository) bool {
		return r.OwnerType == ownerType && r.OwnerID == ownerID && strings.EqualFold(r.Name, name)
	})
	return taken
}

func validBranchName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.Contains(name, "..") {
		return false
	}
	return validRefName.MatchString(name)
}

var validRefName = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

// CreateRepository creates a repository and, when a default branch name is
// given, its initial branch with no history.
func (s *RepoService) CreateRepository(ctx context.Context, actorID string, req CreateRepoRequest) (*models.Repository, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.DefaultBranch = strings.TrimSpace(req.DefaultBranch)
	if !validRepoName.MatchString(req.Name) {
		return nil, validationf("invalid repository name: %q", req.Name)
	}
	if req.OwnerType == "" {
		req.OwnerType = string(models.OwnerUser)
	}
	if req.OwnerID == "" && req.OwnerType == string(models.OwnerUser) {
		req.OwnerID = actorID
	}
	if req.Visibility == "" {
		req.Visibility = string(models.VisibilityPublic)
	}
	if !models.IsVisibility(req.Visibility) {
		return nil, validationf("visibility must be one of public, private, internal")
	}
	if req.DefaultBranch != "" && !validBranchName(req.DefaultBranch) {
		return nil, validationf("invalid branch name: %q", req.DefaultBranch)
	}

	var repo models.Repository
	err := s.st.Update(ctx, "create_repository", func(tx *store.Tx) error {
		ownerType := models.OwnerType(req.OwnerType)
		if err := authorizeOwner(tx, actorID, ownerType, req.OwnerID); err != nil {
			return err
		}
		if repoNameTaken(tx, ownerType, req.OwnerID, req.Name) {
			return statef("repository %q already exists for this owner", req.Name)
		}
		now := s.now()
		repo = tx.Repos().Insert(func(id string) models.Repository {
			return models.Repository{
				ID:            id,
				Name:          req.Name,
				OwnerType:     ownerType,
				OwnerID:       req.OwnerID,
				Description:   strings.TrimSpace(req.Description),
				Visibility:    models.Visibility(req.Visibility),
				DefaultBranch: req.DefaultBranch,
				LicenseType:   strings.TrimSpace(req.LicenseType),
				CreatedAt:     now,
				UpdatedAt:     now,
			}
		})
		if req.DefaultBranch != "" {
			tx.Branches().Insert(func(id string) models.Branch {
				return models.Branch{
					ID:        id,
					RepoID:    repo.ID,
					Name:      req.DefaultBranch,
					IsDefault: true,
					CreatedAt: now,
					UpdatedAt: now,
				}
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *RepoService) GetRepository(ctx context.Context, actorID, repoID string) (*models.Repository, error) {
	var repo models.Repository
	err := s.st.View(ctx, "get_repository", func(tx *store.Tx) error {
		var err error
		repo, err = loadRepoFor(tx, actorID, repoID, models.CapRead)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// ListRepositories returns the repositories owned by (ownerType, ownerID)
// that actorID can read.
func (s *RepoService) ListRepositories(ctx context.Context, actorID, ownerType, ownerID string) ([]models.Repository, error) {
	var repos []models.Repository
	err := s.st.View(ctx, "list_repositories", func(tx *store.Tx) error {
		repos = tx.Repos().Filter(func(r models.Repository) bool {
			if ownerType != "" && string(r.OwnerType) != ownerType {
				return false
			}
			if ownerID != "" && r.OwnerID != ownerID {
				return false
			}
			return authz.Resolve(tx, actorID, r).Allows(models.CapRead)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repos, nil
}

type UpdateRepoRequest struct {
	RepoID        string  `json:"repository_id"`
	Name          *string `json:"repository_name"`
	Description   *string `json:"description"`
	Visibility    *string `json:"visibility"`
	DefaultBranch *string `json:"default_branch"`
	IsArchived    *bool   `json:"is_archived"`
	LicenseType   *string `json:"license_type"`
}

// UpdateRepository edits repository settings. An archived repository only
// accepts being unarchived; any other field in the same request is applied
// after the unarchive.
func (s *RepoService) UpdateRepository(ctx context.Context, actorID string, req UpdateRepoRequest) (*models.Repository, error) {
	if req.Name == nil && req.Description == nil && req.Visibility == nil &&
		req.DefaultBranch == nil && req.IsArchived == nil && req.LicenseType == nil {
		return nil, validationf("no updates supplied")
	}
	if req.Name != nil && !validRepoName.MatchString(strings.TrimSpace(*req.Name)) {
		return nil, validationf("invalid repository name: %q", *req.Name)
	}
	if req.Visibility != nil && !models.IsVisibility(*req.Visibility) {
		return nil, validationf("visibility must be one of public, private, internal")
	}

	var repo models.Repository
	err := s.st.Update(ctx, "update_repository", func(tx *store.Tx) error {
		var err error
		repo, err = loadRepoFor(tx, actorID, req.RepoID, models.CapAdmin)
		if err != nil {
			return err
		}
		if repo.IsArchived && (req.IsArchived == nil || *req.IsArchived) {
			return statef("repository %q is archived", repo.Name)
		}
		if req.IsArchived != nil {
			repo.IsArchived = *req.IsArchived
		}
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if !strings.EqualFold(name, repo.Name) && repoNameTaken(tx, repo.OwnerType, repo.OwnerID, name) {
				return statef("repository %q already exists for this owner", name)
			}
			repo.Name = name
		}
		if req.Description != nil {
			repo.Description = strings.TrimSpace(*req.Description)
		}
		if req.Visibility != nil {
			repo.Visibility = models.Visibility(*req.Visibility)
		}
		if req.LicenseType != nil {
			repo.LicenseType = strings.TrimSpace(*req.LicenseType)
		}
		if req.DefaultBranch != nil {
			target, ok := findBranchByName(tx, repo.ID, *req.DefaultBranch)
			if !ok {
				return notFoundf("branch %q not found in repository %q", *req.DefaultBranch, repo.Name)
			}
			setDefaultBranch(tx, repo.ID, target.ID, s.now())
			repo.DefaultBranch = target.Name
		}
		repo.UpdatedAt = s.now()
		tx.Repos().Put(repo.ID, repo)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// setDefaultBranch marks branchID as the only default branch of repoID.
func setDefaultBranch(tx *store.Tx, repoID, branchID string, now time.Time) {
	for _, b := range tx.Branches().Filter(func(b models.Branch) bool { return b.RepoID == repoID }) {
		want := b.ID == branchID
		if b.IsDefault == want {
			continue
		}
		b.IsDefault = want
		b.UpdatedAt = now
		tx.Branches().Put(b.ID, b)
	}
}

// DeleteRepository removes a repository together with every row that
// belongs to it. Forks keep their parent_repository_id backlink.
func (s *RepoService) DeleteRepository(ctx context.Context, actorID, repoID string) error {
	return s.st.Update(ctx, "delete_repository", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapAdmin)
		if err != nil {
			return err
		}
		deleteRepositoryRows(tx, repo.ID)
		tx.Repos().Delete(repo.ID)
		return nil
	})
}

func deleteRepositoryRows(tx *store.Tx, repoID string) {
	inRepo := func(id string) bool { return id == repoID }

	issueIDs := map[string]bool{}
	for _, is := range tx.Issues().Filter(func(is models.Issue) bool { return inRepo(is.RepoID) }) {
		issueIDs[is.ID] = true
		tx.Issues().Delete(is.ID)
	}
	prIDs := map[string]bool{}
	for _, pr := range tx.PullRequests().Filter(func(pr models.PullRequest) bool { return inRepo(pr.RepoID) }) {
		prIDs[pr.ID] = true
		tx.PullRequests().Delete(pr.ID)
	}
	for _, r := range tx.Reviews().Filter(func(r models.PRReview) bool { return prIDs[r.PRID] }) {
		tx.Reviews().Delete(r.ID)
	}
	for _, c := range tx.Comments().Filter(func(c models.Comment) bool {
		return (c.CommentableType == models.CommentOnIssue && issueIDs[c.CommentableID]) ||
			(c.CommentableType == models.CommentOnPullRequest && prIDs[c.CommentableID])
	}) {
		tx.Comments().Delete(c.ID)
	}
	labelIDs := map[string]bool{}
	for _, l := range tx.Labels().Filter(func(l models.Label) bool { return inRepo(l.RepoID) }) {
		labelIDs[l.ID] = true
		tx.Labels().Delete(l.ID)
	}
	for _, link := range tx.LabelLinks().Filter(func(link models.LabelLink) bool { return labelIDs[link.LabelID] }) {
		tx.LabelLinks().Delete(link.ID)
	}

	fileIDs := map[string]bool{}
	for _, f := range tx.Files().Filter(func(f models.File) bool { return inRepo(f.RepoID) }) {
		fileIDs[f.ID] = true
		tx.Files().Delete(f.ID)
	}
	commitIDs := map[string]bool{}
	for _, c := range tx.Commits().Filter(func(c models.Commit) bool { return inRepo(c.RepoID) }) {
		commitIDs[c.ID] = true
		tx.Commits().Delete(c.ID)
	}
	// Snapshots of already deleted files are only reachable through their commit.
	for _, fc := range tx.FileContents().Filter(func(fc models.FileContent) bool {
		return fileIDs[fc.FileID] || commitIDs[fc.CommitID]
	}) {
		tx.FileContents().Delete(fc.ID)
	}
	for _, d := range tx.Directories().Filter(func(d models.Directory) bool { return inRepo(d.RepoID) }) {
		tx.Directories().Delete(d.ID)
	}
	for _, b := range tx.Branches().Filter(func(b models.Branch) bool { return inRepo(b.RepoID) }) {
		tx.Branches().Delete(b.ID)
	}
	for _, r := range tx.Releases().Filter(func(r models.Release) bool { return inRepo(r.RepoID) }) {
		tx.Releases().Delete(r.ID)
	}
	for _, w := range tx.Workflows().Filter(func(w models.Workflow) bool { return inRepo(w.RepoID) }) {
		tx.Workflows().Delete(w.ID)
	}
	for _, c := range tx.Collaborators().Filter(func(c models.Collaborator) bool { return inRepo(c.RepoID) }) {
		tx.Collaborators().Delete(c.ID)
	}
}

// UpsertCollaborator grants userID the given permission level. An existing
// record for the pair is replaced in place, reactivating it if it was removed.
func (s *RepoService) UpsertCollaborator(ctx context.Context, actorID, repoID, userID, level string) (*models.Collaborator, error) {
	if _, ok := models.ParseCapability(level); !ok {
		return nil, validationf("permission_level must be one of read, write, admin")
	}
	var collab models.Collaborator
	err := s.st.Update(ctx, "upsert_collaborator", func(tx *store.Tx) error {
		repo, err := loadMutableRepo(tx, actorID, repoID, models.CapAdmin)
		if err != nil {
			return err
		}
		if _, err := getActiveUser(tx, userID, "user"); err != nil {
			return err
		}
		now := s.now()
		existing, ok := tx.Collaborators().Find(func(c models.Collaborator) bool {
			return c.RepoID == repo.ID && c.UserID == userID
		})
		if ok {
			existing.PermissionLevel = level
			existing.Status = models.CollaboratorActive
			existing.AddedAt = now
			tx.Collaborators().Put(existing.ID, existing)
			collab = existing
			return nil
		}
		collab = tx.Collaborators().Insert(func(id string) models.Collaborator {
			return models.Collaborator{
				ID:              id,
				RepoID:          repo.ID,
				UserID:          userID,
				PermissionLevel: level,
				Status:          models.CollaboratorActive,
				AddedAt:         now,
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &collab, nil
}

// RemoveCollaborator soft-deletes the active collaborator record for userID.
func (s *RepoService) RemoveCollaborator(ctx context.Context, actorID, repoID, userID string) (*models.Collaborator, error) {
	var collab models.Collaborator
	err := s.st.Update(ctx, "remove_collaborator", func(tx *store.Tx) error {
		repo, err := loadMutableRepo(tx, actorID, repoID, models.CapAdmin)
		if err != nil {
			return err
		}
		var ok bool
		collab, ok = authz.ActiveCollaborator(tx, repo.ID, userID)
		if !ok {
			return notFoundf("user %q is not a collaborator on repository %q", userID, repo.Name)
		}
		collab.Status = models.CollaboratorRemoved
		tx.Collaborators().Put(collab.ID, collab)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &collab, nil
}

func (s *RepoService) ListCollaborators(ctx context.Context, actorID, repoID string) ([]models.Collaborator, error) {
	var out []models.Collaborator
	err := s.st.View(ctx, "list_collaborators", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		out = tx.Collaborators().Filter(func(c models.Collaborator) bool {
			return c.RepoID == repo.ID && c.Status == models.CollaboratorActive
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetPermission resolves userID's capability on a repository the actor can read.
func (s *RepoService) GetPermission(ctx context.Context, actorID, repoID, userID string) (authz.Resolution, error) {
	var res authz.Resolution
	err := s.st.View(ctx, "get_permission", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		if _, err := getUser(tx, userID, "user"); err != nil {
			return err
		}
		res = authz.Resolve(tx, userID, repo)
		return nil
	})
	return res, err
}

type ForkRequest struct {
	SourceRepoID string `json:"source_repository_id"`
	OwnerType    string `json:"owner_type"`
	OwnerID      string `json:"owner_id"`
	Name         string `json:"repository_name"`
}

// ForkRepository deep-copies the source repository's branches, commits,
// directories, files and file contents under a new owner. Every id is
// rewritten through an old-to-new map so no copied row points back into the
// source repository.
func (s *RepoService) ForkRepository(ctx context.Context, actorID string, req ForkRequest) (*models.Repository, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name != "" && !validRepoName.MatchString(req.Name) {
		return nil, validationf("invalid repository name: %q", req.Name)
	}
	if req.OwnerType == "" {
		req.OwnerType = string(models.OwnerUser)
	}
	if req.OwnerID == "" && req.OwnerType == string(models.OwnerUser) {
		req.OwnerID = actorID
	}

	var fork models.Repository
	err := s.st.Update(ctx, "fork_repository", func(tx *store.Tx) error {
		src, err := loadRepoFor(tx, actorID, req.SourceRepoID, models.CapRead)
		if err != nil {
			return err
		}
		ownerType := models.OwnerType(req.OwnerType)
		if err := authorizeOwner(tx, actorID, ownerType, req.OwnerID); err != nil {
			return err
		}
		name := req.Name
		if name == "" {
			name = src.Name
		}
		if repoNameTaken(tx, ownerType, req.OwnerID, name) {
			return statef("repository %q already exists for this owner", name)
		}

		now := s.now()
		fork = tx.Repos().Insert(func(id string) models.Repository {
			return models.Repository{
				ID:                 id,
				Name:               name,
				OwnerType:          ownerType,
				OwnerID:            req.OwnerID,
				Description:        src.Description,
				Visibility:         src.Visibility,
				DefaultBranch:      src.DefaultBranch,
				IsFork:             true,
				ParentRepositoryID: ptr(src.ID),
				LicenseType:        src.LicenseType,
				CreatedAt:          now,
				UpdatedAt:          now,
				PushedAt:           src.PushedAt,
			}
		})
		copyRepositoryGraph(tx, src.ID, fork.ID, now)

		src.ForksCount++
		src.UpdatedAt = now
		tx.Repos().Put(src.ID, src)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &fork, nil
}

func copyRepositoryGraph(tx *store.Tx, srcID, dstID string, now time.Time) {
	remap := func(m map[string]string, id *string) *string {
		if id == nil {
			return nil
		}
		if mapped, ok := m[*id]; ok {
			return ptr(mapped)
		}
		return nil
	}

	branchIDs := map[string]string{}
	srcBranches := tx.Branches().Filter(func(b models.Branch) bool { return b.RepoID == srcID })
	for _, b := range srcBranches {
		nb := tx.Branches().Insert(func(id string) models.Branch {
			c := b
			c.ID = id
			c.RepoID = dstID
			c.CreatedAt = now
			c.UpdatedAt = now
			return c
		})
		branchIDs[b.ID] = nb.ID
	}
	for _, b := range srcBranches {
		nb, _ := tx.Branches().Get(branchIDs[b.ID])
		nb.SourceBranchID = remap(branchIDs, b.SourceBranchID)
		tx.Branches().Put(nb.ID, nb)
	}

	commitIDs := map[string]string{}
	srcCommits := tx.Commits().Filter(func(c models.Commit) bool { return c.RepoID == srcID })
	for _, c := range srcCommits {
		nc := tx.Commits().Insert(func(id string) models.Commit {
			cp := c
			cp.ID = id
			cp.RepoID = dstID
			return cp
		})
		commitIDs[c.ID] = nc.ID
	}
	for _, c := range srcCommits {
		nc, _ := tx.Commits().Get(commitIDs[c.ID])
		nc.ParentCommitID = remap(commitIDs, c.ParentCommitID)
		tx.Commits().Put(nc.ID, nc)
	}

	dirIDs := map[string]string{}
	srcDirs := tx.Directories().Filter(func(d models.Directory) bool { return d.RepoID == srcID })
	for _, d := range srcDirs {
		nd := tx.Directories().Insert(func(id string) models.Directory {
			cp := d
			cp.ID = id
			cp.RepoID = dstID
			cp.BranchID = branchIDs[d.BranchID]
			return cp
		})
		dirIDs[d.ID] = nd.ID
	}
	for _, d := range srcDirs {
		nd, _ := tx.Directories().Get(dirIDs[d.ID])
		nd.ParentDirectoryID = remap(dirIDs, d.ParentDirectoryID)
		tx.Directories().Put(nd.ID, nd)
	}

	fileIDs := map[string]string{}
	for _, f := range tx.Files().Filter(func(f models.File) bool { return f.RepoID == srcID }) {
		nf := tx.Files().Insert(func(id string) models.File {
			cp := f
			cp.ID = id
			cp.RepoID = dstID
			cp.BranchID = branchIDs[f.BranchID]
			cp.DirectoryID = remap(dirIDs, f.DirectoryID)
			cp.LastCommitID = commitIDs[f.LastCommitID]
			return cp
		})
		fileIDs[f.ID] = nf.ID
	}
	for _, fc := range tx.FileContents().Filter(func(fc models.FileContent) bool {
		_, ok := fileIDs[fc.FileID]
		return ok
	}) {
		tx.FileContents().Insert(func(id string) models.FileContent {
			cp := fc
			cp.ID = id
			cp.FileID = fileIDs[fc.FileID]
			cp.CommitID = commitIDs[fc.CommitID]
			return cp
		})
	}
}
