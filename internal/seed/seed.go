// Package seed loads fixture documents shaped as {table: {id: record}} into
// the store. Fixtures use naive timestamps and keep label edges as
// JSON-encoded id lists, so records are normalized before decoding.
package seed

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

type record = map[string]any

// Result reports what a load consumed.
type Result struct {
	Tables     map[string]int `json:"tables"`
	LabelLinks int            `json:"label_links"`
	// Skipped lists fixture tables with no counterpart in the store.
	Skipped []string `json:"skipped,omitempty"`
}

// LoadFile reads path and replaces the contents of st with it.
func LoadFile(st *store.Store, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return Load(st, f)
}

// Load parses a fixture from r and restores it into st.
func Load(st *store.Store, r io.Reader) (*Result, error) {
	snap, res, err := Parse(r)
	if err != nil {
		return nil, err
	}
	if err := st.Restore(snap); err != nil {
		return nil, fmt.Errorf("restore seed: %w", err)
	}
	return res, nil
}

// Parse converts a fixture document into a store snapshot.
func Parse(r io.Reader) (*store.Snapshot, *Result, error) {
	var doc map[string]map[string]record
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("parse seed: %w", err)
	}

	snap := &store.Snapshot{Version: 1}
	res := &Result{Tables: make(map[string]int)}
	type table struct {
		idKey  string
		decode func(map[string]record) (int, error)
	}
	tables := map[string]table{
		"users":                    {"user_id", into(&snap.Users)},
		"organizations":            {"organization_id", into(&snap.Organizations)},
		"organization_members":     {"membership_id", into(&snap.OrgMembers)},
		"access_tokens":            {"token_id", into(&snap.AccessTokens)},
		"repositories":             {"repository_id", into(&snap.Repositories)},
		"repository_collaborators": {"collaborator_id", into(&snap.Collaborators)},
		"branches":                 {"branch_id", into(&snap.Branches)},
		"commits":                  {"commit_id", into(&snap.Commits)},
		"directories":              {"directory_id", into(&snap.Directories)},
		"files":                    {"file_id", into(&snap.Files)},
		"file_contents":            {"content_id", into(&snap.FileContents)},
		"issues":                   {"issue_id", into(&snap.Issues)},
		"labels":                   {"label_id", into(&snap.Labels)},
		"label_links":              {"link_id", into(&snap.LabelLinks)},
		"pull_requests":            {"pull_request_id", into(&snap.PullRequests)},
		"pull_request_reviews":     {"review_id", into(&snap.Reviews)},
		"comments":                 {"comment_id", into(&snap.Comments)},
		"releases":                 {"release_id", into(&snap.Releases)},
		"workflows":                {"workflow_id", into(&snap.Workflows)},
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		rows := doc[name]
		tbl, ok := tables[name]
		if !ok {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		for id, row := range rows {
			if err := normalize(row); err != nil {
				return nil, nil, fmt.Errorf("%s/%s: %w", name, id, err)
			}
			// The table key is authoritative for the row id.
			row[tbl.idKey] = id
		}
		n, err := tbl.decode(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", name, err)
		}
		res.Tables[name] = n
	}

	links, err := labelLinks(doc["labels"], snap.LabelLinks)
	if err != nil {
		return nil, nil, err
	}
	if len(links) > 0 {
		if snap.LabelLinks == nil {
			snap.LabelLinks = make(map[string]models.LabelLink, len(links))
		}
		for _, l := range links {
			snap.LabelLinks[l.ID] = l
		}
		res.LabelLinks = len(links)
	}
	return snap, res, nil
}

// into decodes normalized rows into the typed snapshot table dst.
func into[T any](dst *map[string]T) func(map[string]record) (int, error) {
	return func(rows map[string]record) (int, error) {
		raw, err := json.Marshal(rows)
		if err != nil {
			return 0, err
		}
		out := make(map[string]T, len(rows))
		if err := json.Unmarshal(raw, &out); err != nil {
			return 0, err
		}
		*dst = out
		return len(out), nil
	}
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

var numericFields = map[string]bool{
	"issue_number":        true,
	"pull_request_number": true,
	"stars_count":         true,
	"forks_count":         true,
}

// normalize rewrites a raw record in place: timestamps become RFC 3339 in
// UTC, numeric ids become strings and numeric counters given as strings
// become numbers.
func normalize(row record) error {
	for key, v := range row {
		switch {
		case strings.HasSuffix(key, "_at"):
			s, ok := v.(string)
			if !ok {
				continue
			}
			t, err := parseTime(s)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			if t == nil {
				row[key] = nil
			} else {
				row[key] = t.Format(time.RFC3339Nano)
			}
		case key == "id" || strings.HasSuffix(key, "_id") || key == "merged_by" || key == "source_branch":
			if n, ok := v.(json.Number); ok {
				row[key] = n.String()
			}
		case numericFields[key]:
			if s, ok := v.(string); ok {
				n, err := strconv.Atoi(strings.TrimSpace(s))
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				row[key] = n
			}
		}
	}
	return nil
}

func parseTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized timestamp %q", s)
}

// labelLinks expands the id lists carried on fixture label rows into join
// rows, numbered after any links already present.
func labelLinks(labels map[string]record, existing map[string]models.LabelLink) ([]models.LabelLink, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	var next int64
	seen := make(map[string]bool, len(existing))
	for id, l := range existing {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > next {
			next = n
		}
		seen[linkKey(l.LabelID, l.TargetType, l.TargetID)] = true
	}

	labelIDs := make([]string, 0, len(labels))
	for id := range labels {
		labelIDs = append(labelIDs, id)
	}
	slices.SortFunc(labelIDs, compareNumeric)

	var out []models.LabelLink
	for _, labelID := range labelIDs {
		row := labels[labelID]
		for _, field := range []struct {
			key    string
			target models.LabelTarget
		}{
			{"issue_ids", models.LabelTargetIssue},
			{"pr_ids", models.LabelTargetPullRequest},
			{"pull_request_ids", models.LabelTargetPullRequest},
		} {
			ids, err := idList(row[field.key])
			if err != nil {
				return nil, fmt.Errorf("labels/%s: %s: %w", labelID, field.key, err)
			}
			for _, targetID := range ids {
				key := linkKey(labelID, field.target, targetID)
				if seen[key] {
					continue
				}
				seen[key] = true
				next++
				out = append(out, models.LabelLink{
					ID:         strconv.FormatInt(next, 10),
					LabelID:    labelID,
					TargetType: field.target,
					TargetID:   targetID,
				})
			}
		}
	}
	return out, nil
}

func linkKey(labelID string, target models.LabelTarget, targetID string) string {
	return labelID + "|" + string(target) + "|" + targetID
}

// idList accepts a JSON-encoded list or object, a comma separated string, or
// an already decoded value.
func idList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" || s == "null" {
			return nil, nil
		}
		if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
			dec := json.NewDecoder(strings.NewReader(s))
			dec.UseNumber()
			var decoded any
			if err := dec.Decode(&decoded); err != nil {
				return nil, err
			}
			return idList(decoded)
		}
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			switch id := item.(type) {
			case string:
				if id != "" {
					out = append(out, id)
				}
			case json.Number:
				out = append(out, id.String())
			default:
				return nil, fmt.Errorf("unsupported id %v", item)
			}
		}
		return out, nil
	case map[string]any:
		// {id: "add"} edit sets; the keys are the ids.
		out := make([]string, 0, len(t))
		for id := range t {
			out = append(out, id)
		}
		slices.SortFunc(out, compareNumeric)
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported id list %T", v)
	}
}

func compareNumeric(a, b string) int {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
