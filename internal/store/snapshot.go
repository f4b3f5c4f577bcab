package store

import (
	"fmt"

	"github.com/odvcencio/forgesim/internal/models"
)

const snapshotVersion = 1

// Snapshot is a point-in-time copy of every table, keyed the way the
// original fixtures are: table name -> id -> record.
type Snapshot struct {
	Version   int              `json:"version"`
	Counters  map[string]int64 `json:"counters"`
	Sequences map[string]int64 `json:"sequences"`

	Users         map[string]models.User         `json:"users"`
	Organizations map[string]models.Organization `json:"organizations"`
	OrgMembers    map[string]models.OrgMember    `json:"organization_members"`
	AccessTokens  map[string]models.AccessToken  `json:"access_tokens"`
	Repositories  map[string]models.Repository   `json:"repositories"`
	Collaborators map[string]models.Collaborator `json:"repository_collaborators"`
	Branches      map[string]models.Branch       `json:"branches"`
	Commits       map[string]models.Commit       `json:"commits"`
	Directories   map[string]models.Directory    `json:"directories"`
	Files         map[string]models.File         `json:"files"`
	FileContents  map[string]models.FileContent  `json:"file_contents"`
	Issues        map[string]models.Issue        `json:"issues"`
	Labels        map[string]models.Label        `json:"labels"`
	LabelLinks    map[string]models.LabelLink    `json:"label_links"`
	PullRequests  map[string]models.PullRequest  `json:"pull_requests"`
	Reviews       map[string]models.PRReview     `json:"pull_request_reviews"`
	Comments      map[string]models.Comment      `json:"comments"`
	Releases      map[string]models.Release      `json:"releases"`
	Workflows     map[string]models.Workflow     `json:"workflows"`
}

// Snapshot copies the whole graph under the read lock.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.d

	snap := &Snapshot{
		Version:   snapshotVersion,
		Counters:  make(map[string]int64),
		Sequences: make(map[string]int64, len(d.sequences)),
	}
	for k, v := range d.sequences {
		snap.Sequences[k] = v
	}
	snap.Users = dump(&d.users, "users", snap.Counters)
	snap.Organizations = dump(&d.orgs, "organizations", snap.Counters)
	snap.OrgMembers = dump(&d.orgMembers, "organization_members", snap.Counters)
	snap.AccessTokens = dump(&d.accessTokens, "access_tokens", snap.Counters)
	snap.Repositories = dump(&d.repos, "repositories", snap.Counters)
	snap.Collaborators = dump(&d.collaborators, "repository_collaborators", snap.Counters)
	snap.Branches = dump(&d.branches, "branches", snap.Counters)
	snap.Commits = dump(&d.commits, "commits", snap.Counters)
	snap.Directories = dump(&d.directories, "directories", snap.Counters)
	snap.Files = dump(&d.files, "files", snap.Counters)
	snap.FileContents = dump(&d.fileContents, "file_contents", snap.Counters)
	snap.Issues = dump(&d.issues, "issues", snap.Counters)
	snap.Labels = dump(&d.labels, "labels", snap.Counters)
	snap.LabelLinks = dump(&d.labelLinks, "label_links", snap.Counters)
	snap.PullRequests = dump(&d.pullRequests, "pull_requests", snap.Counters)
	snap.Reviews = dump(&d.reviews, "pull_request_reviews", snap.Counters)
	snap.Comments = dump(&d.comments, "comments", snap.Counters)
	snap.Releases = dump(&d.releases, "releases", snap.Counters)
	snap.Workflows = dump(&d.workflows, "workflows", snap.Counters)
	return snap
}

func dump[T any](t *table[T], name string, counters map[string]int64) map[string]T {
	c := t.clone()
	counters[name] = c.seq
	return c.rows
}

// Restore replaces the whole graph with snap. Counters never move backwards
// past the highest numeric id present in a table.
func (s *Store) Restore(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if snap.Version > snapshotVersion {
		return fmt.Errorf("snapshot version %d is newer than supported version %d", snap.Version, snapshotVersion)
	}
	d := newData()
	load(&d.users, snap.Users, snap.Counters["users"])
	load(&d.orgs, snap.Organizations, snap.Counters["organizations"])
	load(&d.orgMembers, snap.OrgMembers, snap.Counters["organization_members"])
	load(&d.accessTokens, snap.AccessTokens, snap.Counters["access_tokens"])
	load(&d.repos, snap.Repositories, snap.Counters["repositories"])
	load(&d.collaborators, snap.Collaborators, snap.Counters["repository_collaborators"])
	load(&d.branches, snap.Branches, snap.Counters["branches"])
	load(&d.commits, snap.Commits, snap.Counters["commits"])
	load(&d.directories, snap.Directories, snap.Counters["directories"])
	load(&d.files, snap.Files, snap.Counters["files"])
	load(&d.fileContents, snap.FileContents, snap.Counters["file_contents"])
	load(&d.issues, snap.Issues, snap.Counters["issues"])
	load(&d.labels, snap.Labels, snap.Counters["labels"])
	load(&d.labelLinks, snap.LabelLinks, snap.Counters["label_links"])
	load(&d.pullRequests, snap.PullRequests, snap.Counters["pull_requests"])
	load(&d.reviews, snap.Reviews, snap.Counters["pull_request_reviews"])
	load(&d.comments, snap.Comments, snap.Counters["comments"])
	load(&d.releases, snap.Releases, snap.Counters["releases"])
	load(&d.workflows, snap.Workflows, snap.Counters["workflows"])
	for k, v := range snap.Sequences {
		d.sequences[k] = v
	}

	s.mu.Lock()
	s.d = d
	s.version++
	s.mu.Unlock()
	return nil
}

func load[T any](t *table[T], rows map[string]T, counter int64) {
	for id, row := range rows {
		t.rows[id] = row
		t.observe(id)
	}
	if counter > t.seq {
		t.seq = counter
	}
}
