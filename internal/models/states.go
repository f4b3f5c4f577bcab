package models

func IsUserStatus(s string) bool {
	switch UserStatus(s) {
	case UserActive, UserSuspended, UserDeleted:
		return true
	}
	return false
}

func IsOrgVisibility(s string) bool {
	switch OrgVisibility(s) {
	case OrgPublic, OrgLimited, OrgPrivate:
		return true
	}
	return false
}

func IsOrgRole(s string) bool {
	return OrgRole(s) == OrgRoleOwner || OrgRole(s) == OrgRoleMember
}

func IsMembershipStatus(s string) bool {
	switch MembershipStatus(s) {
	case MembershipActive, MembershipPending, MembershipInactive:
		return true
	}
	return false
}

func IsVisibility(s string) bool {
	switch Visibility(s) {
	case VisibilityPublic, VisibilityPrivate, VisibilityInternal:
		return true
	}
	return false
}

func IsEncoding(s string) bool {
	switch Encoding(s) {
	case EncodingUTF8, EncodingBase64, EncodingBinary:
		return true
	}
	return false
}

func IsIssueStatus(s string) bool {
	switch IssueStatus(s) {
	case IssueOpen, IssueInProgress, IssueClosed:
		return true
	}
	return false
}

func IsIssuePriority(s string) bool {
	switch IssuePriority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

func IsIssueType(s string) bool {
	switch IssueType(s) {
	case IssueBug, IssueFeature, IssueDocumentation, IssueQuestion, IssueEnhancement:
		return true
	}
	return false
}

func IsReviewState(s string) bool {
	switch ReviewState(s) {
	case ReviewPending, ReviewApproved, ReviewChangesRequested, ReviewCommented, ReviewDismissed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is defined out of s.
func (s PullRequestStatus) IsTerminal() bool {
	return s == PRMerged || s == PRClosed
}

func IsTriggerEvent(s string) bool {
	switch TriggerEvent(s) {
	case TriggerPush, TriggerPullRequest, TriggerSchedule, TriggerWorkflowDispatch, TriggerRelease:
		return true
	}
	return false
}
