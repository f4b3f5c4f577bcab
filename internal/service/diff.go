package service

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"
	"unicode"

	"github.com/odvcencio/forgesim/internal/entityutil"
	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
	"github.com/odvcencio/got/pkg/diff"
	"github.com/odvcencio/got/pkg/entity"
)

// EntityInfo represents a single entity for API responses.
type EntityInfo struct {
	Key       string `json:"key"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	DeclKind  string `json:"decl_kind"`
	Receiver  string `json:"receiver,omitempty"`
	Signature string `json:"signature,omitempty"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

type EntityChangeInfo struct {
	Type   string      `json:"type"` // "added", "removed", "modified"
	Key    string      `json:"key"`
	Before *EntityInfo `json:"before,omitempty"`
	After  *EntityInfo `json:"after,omitempty"`
}

// RevisionDiff compares two content snapshots of the same file.
type RevisionDiff struct {
	FileID      string `json:"file_id"`
	Path        string `json:"file_path"`
	FromContent string `json:"from_content_id"`
	ToContent   string `json:"to_content_id"`
	Changed     bool   `json:"changed"`
	// Structural is false when the language has no entity grammar; Changes is
	// then empty and only Changed is meaningful.
	Structural bool               `json:"structural"`
	Changes    []EntityChangeInfo `json:"changes"`
	Bump       string             `json:"bump"` // "none", "patch", "minor", "major"
}

// DiffFileRevisions computes an entity-level diff between two snapshots of a
// file. An empty fromContentID diffs against nothing, so every entity in the
// target shows as added.
func (s *FileService) DiffFileRevisions(ctx context.Context, actorID, repoID, fileID, fromContentID, toContentID string) (*RevisionDiff, error) {
	var from, to []byte
	var file models.File
	var toFC models.FileContent
	err := s.st.View(ctx, "diff_file_revisions", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		var ok bool
		file, ok = tx.Files().Get(fileID)
		if !ok || file.RepoID != repo.ID {
			return notFoundf("file %q not found", fileID)
		}
		if toContentID == "" {
			latest, ok := latestContent(tx, file.ID)
			if !ok {
				return notFoundf("file %q has no content", fileID)
			}
			toContentID = latest.ID
		}
		if toFC, to, err = contentBytes(tx, file.ID, toContentID); err != nil {
			return err
		}
		if fromContentID != "" {
			if _, from, err = contentBytes(tx, file.ID, fromContentID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &RevisionDiff{
		FileID:      file.ID,
		Path:        file.Path,
		FromContent: fromContentID,
		ToContent:   toFC.ID,
		Changed:     string(from) != string(to),
		Changes:     []EntityChangeInfo{},
		Bump:        semverNone.String(),
	}
	if file.IsBinary || toFC.Encoding == models.EncodingBinary {
		return out, nil
	}
	fd, err := diff.DiffFiles(file.Path, from, to)
	if err != nil {
		return out, nil
	}
	out.Structural = true
	impact := semverNone
	for _, c := range fd.Changes {
		out.Changes = append(out.Changes, entityChangeToInfo(c))
		impact = maxSemverImpact(impact, classifyChange(c))
	}
	sort.SliceStable(out.Changes, func(i, j int) bool { return out.Changes[i].Key < out.Changes[j].Key })
	out.Bump = impact.String()
	return out, nil
}

// FileEntities is the entity outline of a file's latest content.
type FileEntities struct {
	FileID     string       `json:"file_id"`
	Path       string       `json:"file_path"`
	ContentID  string       `json:"content_id"`
	Language   string       `json:"language,omitempty"`
	Structural bool         `json:"structural"`
	Entities   []EntityInfo `json:"entities"`
}

// FileEntities extracts the entities of a file's latest content. Files in
// languages without an entity grammar return an empty, non-structural
// outline. With declarationsOnly set, preambles, imports and interstitial
// text are left out.
func (s *FileService) FileEntities(ctx context.Context, actorID, repoID, fileID string, declarationsOnly bool) (*FileEntities, error) {
	var file models.File
	var fc models.FileContent
	var data []byte
	err := s.st.View(ctx, "get_file_entities", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		var ok bool
		file, ok = tx.Files().Get(fileID)
		if !ok || file.RepoID != repo.ID {
			return notFoundf("file %q not found", fileID)
		}
		latest, ok := latestContent(tx, file.ID)
		if !ok {
			return notFoundf("file %q has no content", fileID)
		}
		fc, data, err = contentBytes(tx, file.ID, latest.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &FileEntities{FileID: file.ID, Path: file.Path, ContentID: fc.ID, Entities: []EntityInfo{}}
	if file.IsBinary || fc.Encoding == models.EncodingBinary {
		return out, nil
	}
	el, ok := entityutil.Outline(file.Path, data)
	if !ok {
		return out, nil
	}
	out.Structural = true
	out.Language = el.Language
	entities := el.Entities
	if declarationsOnly {
		entities = entityutil.Declarations(el)
	}
	for i := range entities {
		out.Entities = append(out.Entities, entityToInfo(&entities[i]))
	}
	return out, nil
}

func contentBytes(tx *store.Tx, fileID, contentID string) (models.FileContent, []byte, error) {
	fc, ok := tx.FileContents().Get(contentID)
	if !ok || fc.FileID != fileID {
		return fc, nil, notFoundf("content %q not found for file %q", contentID, fileID)
	}
	if fc.Encoding == models.EncodingBase64 {
		data, err := base64.StdEncoding.DecodeString(fc.Content)
		if err != nil {
			return fc, nil, validationf("content %q is not valid base64", contentID)
		}
		return fc, data, nil
	}
	return fc, []byte(fc.Content), nil
}

var changeTypeNames = map[diff.ChangeType]string{
	diff.Added:    "added",
	diff.Removed:  "removed",
	diff.Modified: "modified",
}

func entityChangeToInfo(c diff.EntityChange) EntityChangeInfo {
	change := EntityChangeInfo{
		Type: changeTypeNames[c.Type],
		Key:  c.Key,
	}
	if c.Before != nil {
		info := entityToInfo(c.Before)
		change.Before = &info
	}
	if c.After != nil {
		info := entityToInfo(c.After)
		change.After = &info
	}
	return change
}

func entityToInfo(e *entity.Entity) EntityInfo {
	return EntityInfo{
		Key:       e.IdentityKey(),
		Kind:      entityutil.KindName(e.Kind),
		Name:      e.Name,
		DeclKind:  e.DeclKind,
		Receiver:  e.Receiver,
		Signature: e.Signature,
		StartLine: e.StartLine,
		EndLine:   e.EndLine,
	}
}

type semverImpact uint8

const (
	semverNone semverImpact = iota
	semverPatch
	semverMinor
	semverMajor
)

func (i semverImpact) String() string {
	switch i {
	case semverPatch:
		return "patch"
	case semverMinor:
		return "minor"
	case semverMajor:
		return "major"
	default:
		return "none"
	}
}

func maxSemverImpact(a, b semverImpact) semverImpact {
	if a > b {
		return a
	}
	return b
}

// classifyChange maps one entity change to the release bump it implies.
// Removing or re-signing an exported entity breaks callers; adding one is a feature.
func classifyChange(c diff.EntityChange) semverImpact {
	exported := isExportedEntity(c.Before) || isExportedEntity(c.After)
	switch c.Type {
	case diff.Removed:
		if exported {
			return semverMajor
		}
	case diff.Added:
		if exported {
			return semverMinor
		}
	case diff.Modified:
		if exported && isBreakingSignatureChange(c.Before, c.After) {
			return semverMajor
		}
	}
	return semverPatch
}

func isExportedEntity(e *entity.Entity) bool {
	if e == nil {
		return false
	}
	if isExportedName(e.Name) {
		return true
	}
	sig := strings.ToLower(firstEntitySignatureLine(e))
	return strings.HasPrefix(sig, "export ") || strings.Contains(sig, " public ")
}

func isExportedName(name string) bool {
	name = strings.TrimSpace(name)
	for _, r := range name {
		return unicode.IsUpper(r)
	}
	return false
}

func firstEntitySignatureLine(e *entity.Entity) string {
	if e == nil || len(e.Body) == 0 {
		return ""
	}
	for _, line := range strings.Split(string(e.Body), "\n") {
		l := strings.TrimSpace(line)
		if l == "" || strings.HasPrefix(l, "//") || strings.HasPrefix(l, "/*") || strings.HasPrefix(l, "*") {
			continue
		}
		return l
	}
	return ""
}

func isBreakingSignatureChange(before, after *entity.Entity) bool {
	if before == nil || after == nil {
		return false
	}
	if before.DeclKind != after.DeclKind || before.Receiver != after.Receiver || before.Name != after.Name {
		return true
	}
	return firstEntitySignatureLine(before) != firstEntitySignatureLine(after)
}
