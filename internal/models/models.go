package models

import "time"

type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserDeleted   UserStatus = "deleted"
)

type User struct {
	ID        string     `json:"user_id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	FullName  string     `json:"full_name,omitempty"`
	Status    UserStatus `json:"status"`
	IsAdmin   bool       `json:"is_admin"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type OrgVisibility string

const (
	OrgPublic  OrgVisibility = "public"
	OrgLimited OrgVisibility = "limited"
	OrgPrivate OrgVisibility = "private"
)

type Organization struct {
	ID          string        `json:"organization_id"`
	Name        string        `json:"organization_name"`
	Description string        `json:"description,omitempty"`
	Visibility  OrgVisibility `json:"visibility"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type OrgRole string

const (
	OrgRoleOwner  OrgRole = "owner"
	OrgRoleMember OrgRole = "member"
)

type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "active"
	MembershipPending  MembershipStatus = "pending"
	MembershipInactive MembershipStatus = "inactive"
)

type OrgMember struct {
	ID       string           `json:"membership_id"`
	OrgID    string           `json:"organization_id"`
	UserID   string           `json:"user_id"`
	Role     OrgRole          `json:"role"`
	Status   MembershipStatus `json:"status"`
	JoinedAt time.Time        `json:"joined_at"`
}

// AccessToken maps a bearer secret to a user. Seeded tokens carry the
// legacy reversible TokenEncoded form; issued tokens carry a bcrypt TokenHash.
type AccessToken struct {
	ID           string     `json:"token_id"`
	UserID       string     `json:"user_id"`
	TokenEncoded string     `json:"token_encoded,omitempty"`
	TokenHash    string     `json:"token_hash,omitempty"`
	Name         string     `json:"token_name,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type OwnerType string

const (
	OwnerUser         OwnerType = "user"
	OwnerOrganization OwnerType = "organization"
)

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
	VisibilityInternal Visibility = "internal"
)

type Repository struct {
	ID                 string     `json:"repository_id"`
	Name               string     `json:"repository_name"`
	OwnerType          OwnerType  `json:"owner_type"`
	OwnerID            string     `json:"owner_id"`
	Description        string     `json:"description,omitempty"`
	Visibility         Visibility `json:"visibility"`
	DefaultBranch      string     `json:"default_branch"`
	IsFork             bool       `json:"is_fork"`
	ParentRepositoryID *string    `json:"parent_repository_id"`
	IsArchived         bool       `json:"is_archived"`
	StarsCount         int        `json:"stars_count"`
	ForksCount         int        `json:"forks_count"`
	LicenseType        string     `json:"license_type,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	PushedAt           *time.Time `json:"pushed_at"`
}

// Capability is the effective access an actor holds on a repository.
// The zero value is CapNone.
type Capability int

const (
	CapNone Capability = iota
	CapRead
	CapWrite
	CapAdmin
)

func (c Capability) String() string {
	switch c {
	case CapRead:
		return "read"
	case CapWrite:
		return "write"
	case CapAdmin:
		return "admin"
	default:
		return "none"
	}
}

func (c Capability) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// ParseCapability parses a permission level; only read, write and admin are grantable.
func ParseCapability(s string) (Capability, bool) {
	switch s {
	case "read":
		return CapRead, true
	case "write":
		return CapWrite, true
	case "admin":
		return CapAdmin, true
	default:
		return CapNone, false
	}
}

type CollaboratorStatus string

const (
	CollaboratorActive  CollaboratorStatus = "active"
	CollaboratorRemoved CollaboratorStatus = "removed"
)

type Collaborator struct {
	ID              string             `json:"collaborator_id"`
	RepoID          string             `json:"repository_id"`
	UserID          string             `json:"user_id"`
	PermissionLevel string             `json:"permission_level"` // "read", "write", "admin"
	Status          CollaboratorStatus `json:"status"`
	AddedAt         time.Time          `json:"added_at"`
}

type Branch struct {
	ID             string    `json:"branch_id"`
	RepoID         string    `json:"repository_id"`
	Name           string    `json:"branch_name"`
	CommitSHA      string    `json:"commit_sha"`
	SourceBranchID *string   `json:"source_branch"`
	IsDefault      bool      `json:"is_default"`
	IsProtected    bool      `json:"is_protected"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Commit struct {
	ID             string    `json:"commit_id"`
	RepoID         string    `json:"repository_id"`
	SHA            string    `json:"commit_sha"`
	AuthorID       string    `json:"author_id"`
	CommitterID    string    `json:"committer_id"`
	Message        string    `json:"message"`
	ParentCommitID *string   `json:"parent_commit_id"`
	CommittedAt    time.Time `json:"committed_at"`
	CreatedAt      time.Time `json:"created_at"`
}

type Directory struct {
	ID                string    `json:"directory_id"`
	RepoID            string    `json:"repository_id"`
	BranchID          string    `json:"branch_id"`
	Path              string    `json:"directory_path"`
	ParentDirectoryID *string   `json:"parent_directory_id"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type File struct {
	ID             string    `json:"file_id"`
	RepoID         string    `json:"repository_id"`
	BranchID       string    `json:"branch_id"`
	DirectoryID    *string   `json:"directory_id"`
	Path           string    `json:"file_path"`
	Name           string    `json:"file_name"`
	Language       string    `json:"language,omitempty"`
	IsBinary       bool      `json:"is_binary"`
	LastCommitID   string    `json:"last_commit_id"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Encoding string

const (
	EncodingUTF8   Encoding = "utf-8"
	EncodingBase64 Encoding = "base64"
	EncodingBinary Encoding = "binary"
)

// FileContent is an append-only snapshot of a file at a commit.
type FileContent struct {
	ID        string    `json:"content_id"`
	FileID    string    `json:"file_id"`
	CommitID  string    `json:"commit_id"`
	Content   string    `json:"content"`
	Encoding  Encoding  `json:"encoding"`
	CreatedAt time.Time `json:"created_at"`
}

type IssueStatus string

const (
	IssueOpen       IssueStatus = "open"
	IssueInProgress IssueStatus = "in_progress"
	IssueClosed     IssueStatus = "closed"
)

type IssuePriority string

const (
	PriorityLow      IssuePriority = "low"
	PriorityMedium   IssuePriority = "medium"
	PriorityHigh     IssuePriority = "high"
	PriorityCritical IssuePriority = "critical"
)

type IssueType string

const (
	IssueBug           IssueType = "bug"
	IssueFeature       IssueType = "feature"
	IssueDocumentation IssueType = "documentation"
	IssueQuestion      IssueType = "question"
	IssueEnhancement   IssueType = "enhancement"
)

type Issue struct {
	ID          string        `json:"issue_id"`
	RepoID      string        `json:"repository_id"`
	Number      int           `json:"issue_number"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	AuthorID    string        `json:"author_id"`
	AssigneeID  *string       `json:"assignee_id"`
	Status      IssueStatus   `json:"status"`
	Priority    IssuePriority `json:"priority"`
	Type        IssueType     `json:"issue_type"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ClosedAt    *time.Time    `json:"closed_at"`
}

type Label struct {
	ID          string    `json:"label_id"`
	RepoID      string    `json:"repository_id"`
	Name        string    `json:"label_name"`
	Color       string    `json:"color"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type LabelTarget string

const (
	LabelTargetIssue       LabelTarget = "issue"
	LabelTargetPullRequest LabelTarget = "pull_request"
)

// LabelLink is one edge of the label <-> issue/pull request relation.
type LabelLink struct {
	ID         string      `json:"link_id"`
	LabelID    string      `json:"label_id"`
	TargetType LabelTarget `json:"target_type"`
	TargetID   string      `json:"target_id"`
}

type PullRequestStatus string

const (
	PRDraft  PullRequestStatus = "draft"
	PROpen   PullRequestStatus = "open"
	PRMerged PullRequestStatus = "merged"
	PRClosed PullRequestStatus = "closed"
)

type PullRequest struct {
	ID           string            `json:"pull_request_id"`
	RepoID       string            `json:"repository_id"`
	Number       int               `json:"pull_request_number"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	AuthorID     string            `json:"author_id"`
	SourceBranch string            `json:"source_branch"`
	TargetBranch string            `json:"target_branch"`
	Status       PullRequestStatus `json:"status"`
	MergedBy     *string           `json:"merged_by"`
	MergedAt     *time.Time        `json:"merged_at"`
	ClosedAt     *time.Time        `json:"closed_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type ReviewState string

const (
	ReviewPending          ReviewState = "pending"
	ReviewApproved         ReviewState = "approved"
	ReviewChangesRequested ReviewState = "changes_requested"
	ReviewCommented        ReviewState = "commented"
	ReviewDismissed        ReviewState = "dismissed"
)

type PRReview struct {
	ID          string      `json:"review_id"`
	PRID        string      `json:"pull_request_id"`
	ReviewerID  string      `json:"reviewer_id"`
	State       ReviewState `json:"review_state"`
	Body        string      `json:"review_body,omitempty"`
	SubmittedAt *time.Time  `json:"submitted_at"`
	CreatedAt   time.Time   `json:"created_at"`
}

type CommentableType string

const (
	CommentOnIssue       CommentableType = "issue"
	CommentOnPullRequest CommentableType = "pull_request"
)

type Comment struct {
	ID              string          `json:"comment_id"`
	CommentableType CommentableType `json:"commentable_type"`
	CommentableID   string          `json:"commentable_id"`
	AuthorID        string          `json:"author_id"`
	Body            string          `json:"comment_body"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type ReleaseTarget string

const (
	ReleaseTargetCommit ReleaseTarget = "commit"
	ReleaseTargetBranch ReleaseTarget = "branch"
)

type Release struct {
	ID              string        `json:"release_id"`
	RepoID          string        `json:"repository_id"`
	TagName         string        `json:"tag_name"`
	Name            string        `json:"release_name,omitempty"`
	Description     string        `json:"description,omitempty"`
	TargetType      ReleaseTarget `json:"target_type"`
	TargetReference string        `json:"target_reference"`
	AuthorID        string        `json:"author_id"`
	IsDraft         bool          `json:"is_draft"`
	IsPrerelease    bool          `json:"is_prerelease"`
	PublishedAt     *time.Time    `json:"published_at"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

type WorkflowStatus string

const (
	WorkflowActive   WorkflowStatus = "active"
	WorkflowDisabled WorkflowStatus = "disabled"
	WorkflowDeleted  WorkflowStatus = "deleted"
)

type TriggerEvent string

const (
	TriggerPush             TriggerEvent = "push"
	TriggerPullRequest      TriggerEvent = "pull_request"
	TriggerSchedule         TriggerEvent = "schedule"
	TriggerWorkflowDispatch TriggerEvent = "workflow_dispatch"
	TriggerRelease          TriggerEvent = "release"
)

type Workflow struct {
	ID           string         `json:"workflow_id"`
	RepoID       string         `json:"repository_id"`
	Name         string         `json:"workflow_name"`
	Path         string         `json:"workflow_path"`
	TriggerEvent TriggerEvent   `json:"trigger_event"`
	Status       WorkflowStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
