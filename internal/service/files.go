package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

// FileActionDelete is the distinguished upsert form that removes a file or directory.
const FileActionDelete = "delete"

type FileService struct {
	st  *store.Store
	now Clock
}

func NewFileService(st *store.Store, now Clock) *FileService {
	return &FileService{st: st, now: now}
}

type UpsertFileRequest struct {
	RepoID   string  `json:"repository_id"`
	BranchID string  `json:"branch_id"`
	FileID   *string `json:"file_id"`
	Action   string  `json:"action"`
	Name     *string `json:"file_name"`
	// DirectoryID places the file; an empty string means the branch root.
	DirectoryID *string `json:"directory_id"`
	Content     *string `json:"content"`
	Encoding    string  `json:"encoding"`
	Language    *string `json:"language"`
	IsBinary    *bool   `json:"is_binary"`
	Message     string  `json:"commit_message"`
}

type FileResult struct {
	File    *models.File        `json:"file,omitempty"`
	Content *models.FileContent `json:"content,omitempty"`
	Commit  *models.Commit      `json:"commit,omitempty"`
	Deleted bool                `json:"deleted,omitempty"`
}

func validEntryName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\\")
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// resolveDirectory returns the directory a nil-or-empty id refers to: nil for the root.
func resolveDirectory(tx *store.Tx, repoID, branchID string, dirID *string) (*models.Directory, error) {
	if dirID == nil || *dirID == "" {
		return nil, nil
	}
	d, ok := tx.Directories().Get(*dirID)
	if !ok {
		return nil, notFoundf("directory %q not found", *dirID)
	}
	if d.RepoID != repoID || d.BranchID != branchID {
		return nil, validationf("directory %q does not belong to this repository and branch", *dirID)
	}
	return &d, nil
}

func dirPath(d *models.Directory) string {
	if d == nil {
		return ""
	}
	return d.Path
}

func dirID(d *models.Directory) *string {
	if d == nil {
		return nil
	}
	return ptr(d.ID)
}

// pathTaken reports whether a file or directory other than exceptID already
// occupies path in (repo, branch).
func pathTaken(tx *store.Tx, repoID, branchID, path, exceptID string) bool {
	if _, ok := tx.Files().Find(func(f models.File) bool {
		return f.RepoID == repoID && f.BranchID == branchID && f.Path == path && f.ID != exceptID
	}); ok {
		return true
	}
	_, ok := tx.Directories().Find(func(d models.Directory) bool {
		return d.RepoID == repoID && d.BranchID == branchID && d.Path == path && d.ID != exceptID
	})
	return ok
}

func latestContent(tx *store.Tx, fileID string) (models.FileContent, bool) {
	all := tx.FileContents().Filter(func(fc models.FileContent) bool { return fc.FileID == fileID })
	if len(all) == 0 {
		return models.FileContent{}, false
	}
	return all[len(all)-1], true
}

// UpsertFile creates, updates, moves or deletes a file. Every change to
// content, path or existence records a commit on the branch; metadata-only
// updates do not.
func (s *FileService) UpsertFile(ctx context.Context, actorID string, req UpsertFileRequest) (*FileResult, error) {
	if req.Encoding == "" {
		req.Encoding = string(models.EncodingUTF8)
	}
	if !models.IsEncoding(req.Encoding) {
		return nil, validationf("encoding must be one of utf-8, base64, binary")
	}
	if req.Name != nil {
		*req.Name = strings.TrimSpace(*req.Name)
		if !validEntryName(*req.Name) {
			return nil, validationf("invalid file name: %q", *req.Name)
		}
	}
	switch {
	case req.Action == FileActionDelete:
		if req.FileID == nil {
			return nil, validationf("file_id is required to delete a file")
		}
	case req.Action != "":
		return nil, validationf("action must be empty or %q", FileActionDelete)
	case req.FileID == nil && req.Name == nil:
		return nil, validationf("file_name is required to create a file")
	}

	var out FileResult
	err := s.st.Update(ctx, "upsert_file", func(tx *store.Tx) error {
		repo, branch, err := loadWritableBranch(tx, actorID, req.RepoID, req.BranchID)
		if err != nil {
			return err
		}
		now := s.now()
		switch {
		case req.Action == FileActionDelete:
			return s.deleteFile(tx, repo, branch, actorID, *req.FileID, req.Message, now, &out)
		case req.FileID == nil:
			return s.createFile(tx, repo, branch, actorID, req, now, &out)
		default:
			return s.updateFile(tx, repo, branch, actorID, req, now, &out)
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *FileService) createFile(tx *store.Tx, repo models.Repository, branch models.Branch, actorID string, req UpsertFileRequest, now time.Time, out *FileResult) error {
	dir, err := resolveDirectory(tx, repo.ID, branch.ID, req.DirectoryID)
	if err != nil {
		return err
	}
	name := *req.Name
	path := joinPath(dirPath(dir), name)
	if pathTaken(tx, repo.ID, branch.ID, path, "") {
		return statef("path %q already exists on branch %q", path, branch.Name)
	}

	msg := req.Message
	if msg == "" {
		msg = "Create " + path
	}
	commit := appendCommit(tx, repo, branch, actorID, msg, now)

	lang := detectLanguage(name)
	if req.Language != nil {
		lang = strings.TrimSpace(*req.Language)
	}
	file := tx.Files().Insert(func(id string) models.File {
		return models.File{
			ID:             id,
			RepoID:         repo.ID,
			BranchID:       branch.ID,
			DirectoryID:    dirID(dir),
			Path:           path,
			Name:           name,
			Language:       lang,
			IsBinary:       req.IsBinary != nil && *req.IsBinary,
			LastCommitID:   commit.ID,
			LastModifiedAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	})
	content := tx.FileContents().Insert(func(id string) models.FileContent {
		return models.FileContent{
			ID:        id,
			FileID:    file.ID,
			CommitID:  commit.ID,
			Content:   deref(req.Content),
			Encoding:  models.Encoding(req.Encoding),
			CreatedAt: now,
		}
	})
	out.File, out.Content, out.Commit = &file, &content, &commit
	return nil
}

func (s *FileService) updateFile(tx *store.Tx, repo models.Repository, branch models.Branch, actorID string, req UpsertFileRequest, now time.Time, out *FileResult) error {
	file, err := getFile(tx, repo.ID, branch.ID, *req.FileID)
	if err != nil {
		return err
	}

	dir, err := resolveDirectory(tx, repo.ID, branch.ID, file.DirectoryID)
	if err != nil {
		return err
	}
	if req.DirectoryID != nil {
		if dir, err = resolveDirectory(tx, repo.ID, branch.ID, req.DirectoryID); err != nil {
			return err
		}
	}
	name := file.Name
	if req.Name != nil {
		name = *req.Name
	}
	path := joinPath(dirPath(dir), name)
	moved := path != file.Path || deref(dirID(dir)) != deref(file.DirectoryID)
	contentChanged := req.Content != nil

	if req.Language != nil {
		file.Language = strings.TrimSpace(*req.Language)
	} else if name != file.Name {
		file.Language = detectLanguage(name)
	}
	if req.IsBinary != nil {
		file.IsBinary = *req.IsBinary
	}

	if !moved && !contentChanged {
		if req.Language == nil && req.IsBinary == nil {
			return validationf("no changes supplied")
		}
		file.UpdatedAt = now
		tx.Files().Put(file.ID, file)
		out.File = &file
		return nil
	}

	if moved && pathTaken(tx, repo.ID, branch.ID, path, file.ID) {
		return statef("path %q already exists on branch %q", path, branch.Name)
	}

	next := models.FileContent{Encoding: models.Encoding(req.Encoding)}
	if contentChanged {
		next.Content = *req.Content
	} else if prev, ok := latestContent(tx, file.ID); ok {
		next.Content, next.Encoding = prev.Content, prev.Encoding
	}

	msg := req.Message
	if msg == "" {
		if moved {
			msg = fmt.Sprintf("Move %s to %s", file.Path, path)
		} else {
			msg = "Update " + path
		}
	}
	commit := appendCommit(tx, repo, branch, actorID, msg, now)

	file.Name = name
	file.Path = path
	file.DirectoryID = dirID(dir)
	file.LastCommitID = commit.ID
	file.LastModifiedAt = now
	file.UpdatedAt = now
	tx.Files().Put(file.ID, file)

	content := tx.FileContents().Insert(func(id string) models.FileContent {
		next.ID = id
		next.FileID = file.ID
		next.CommitID = commit.ID
		next.CreatedAt = now
		return next
	})
	out.File, out.Content, out.Commit = &file, &content, &commit
	return nil
}

func (s *FileService) deleteFile(tx *store.Tx, repo models.Repository, branch models.Branch, actorID, fileID, msg string, now time.Time, out *FileResult) error {
	file, err := getFile(tx, repo.ID, branch.ID, fileID)
	if err != nil {
		return err
	}
	if msg == "" {
		msg = "Delete " + file.Path
	}
	commit := appendCommit(tx, repo, branch, actorID, msg, now)
	// Content snapshots are append-only and outlive the file.
	tx.Files().Delete(file.ID)
	out.File, out.Commit, out.Deleted = &file, &commit, true
	return nil
}

func getFile(tx *store.Tx, repoID, branchID, fileID string) (models.File, error) {
	if strings.TrimSpace(fileID) == "" {
		return models.File{}, validationf("file_id is required")
	}
	f, ok := tx.Files().Get(fileID)
	if !ok {
		return f, notFoundf("file %q not found", fileID)
	}
	if f.RepoID != repoID || f.BranchID != branchID {
		return f, validationf("file %q does not belong to this repository and branch", fileID)
	}
	return f, nil
}

type UpsertDirectoryRequest struct {
	RepoID      string  `json:"repository_id"`
	BranchID    string  `json:"branch_id"`
	DirectoryID *string `json:"directory_id"`
	Action      string  `json:"action"`
	Name        *string `json:"directory_name"`
	// ParentDirectoryID places the directory; an empty string means the branch root.
	ParentDirectoryID *string `json:"parent_directory_id"`
	Message           string  `json:"commit_message"`
}

type DirectoryResult struct {
	Directory    *models.Directory `json:"directory,omitempty"`
	Commit       *models.Commit    `json:"commit,omitempty"`
	MovedEntries int               `json:"moved_entries,omitempty"`
	Deleted      bool              `json:"deleted,omitempty"`
}

// UpsertDirectory creates, renames, moves or deletes a directory. Renames and
// moves rewrite every descendant path; when files move a commit is recorded.
// Only empty directories can be deleted.
func (s *FileService) UpsertDirectory(ctx context.Context, actorID string, req UpsertDirectoryRequest) (*DirectoryResult, error) {
	if req.Name != nil {
		*req.Name = strings.TrimSpace(*req.Name)
		if !validEntryName(*req.Name) {
			return nil, validationf("invalid directory name: %q", *req.Name)
		}
	}
	switch {
	case req.Action == FileActionDelete:
		if req.DirectoryID == nil {
			return nil, validationf("directory_id is required to delete a directory")
		}
	case req.Action != "":
		return nil, validationf("action must be empty or %q", FileActionDelete)
	case req.DirectoryID == nil && req.Name == nil:
		return nil, validationf("directory_name is required to create a directory")
	case req.DirectoryID != nil && req.Name == nil && req.ParentDirectoryID == nil:
		return nil, validationf("no changes supplied")
	}

	var out DirectoryResult
	err := s.st.Update(ctx, "upsert_directory", func(tx *store.Tx) error {
		repo, branch, err := loadWritableBranch(tx, actorID, req.RepoID, req.BranchID)
		if err != nil {
			return err
		}
		now := s.now()
		switch {
		case req.Action == FileActionDelete:
			return deleteDirectory(tx, repo.ID, branch.ID, *req.DirectoryID, &out)
		case req.DirectoryID == nil:
			return createDirectory(tx, repo.ID, branch, req, now, &out)
		default:
			return moveDirectory(tx, repo, branch, actorID, req, now, &out)
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func getDirectory(tx *store.Tx, repoID, branchID, id string) (models.Directory, error) {
	d, err := resolveDirectory(tx, repoID, branchID, &id)
	if err != nil {
		return models.Directory{}, err
	}
	if d == nil {
		return models.Directory{}, validationf("directory_id is required")
	}
	return *d, nil
}

func createDirectory(tx *store.Tx, repoID string, branch models.Branch, req UpsertDirectoryRequest, now time.Time, out *DirectoryResult) error {
	parent, err := resolveDirectory(tx, repoID, branch.ID, req.ParentDirectoryID)
	if err != nil {
		return err
	}
	path := joinPath(dirPath(parent), *req.Name)
	if pathTaken(tx, repoID, branch.ID, path, "") {
		return statef("path %q already exists on branch %q", path, branch.Name)
	}
	d := tx.Directories().Insert(func(id string) models.Directory {
		return models.Directory{
			ID:                id,
			RepoID:            repoID,
			BranchID:          branch.ID,
			Path:              path,
			ParentDirectoryID: dirID(parent),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	})
	out.Directory = &d
	return nil
}

func moveDirectory(tx *store.Tx, repo models.Repository, branch models.Branch, actorID string, req UpsertDirectoryRequest, now time.Time, out *DirectoryResult) error {
	dir, err := getDirectory(tx, repo.ID, branch.ID, *req.DirectoryID)
	if err != nil {
		return err
	}
	parent, err := resolveDirectory(tx, repo.ID, branch.ID, dir.ParentDirectoryID)
	if err != nil {
		return err
	}
	if req.ParentDirectoryID != nil {
		if parent, err = resolveDirectory(tx, repo.ID, branch.ID, req.ParentDirectoryID); err != nil {
			return err
		}
	}
	name := dir.Path[strings.LastIndex(dir.Path, "/")+1:]
	if req.Name != nil {
		name = *req.Name
	}
	oldPath := dir.Path
	newPath := joinPath(dirPath(parent), name)
	if parent != nil && (parent.ID == dir.ID || strings.HasPrefix(parent.Path+"/", oldPath+"/")) {
		return validationf("cannot move directory %q into itself", oldPath)
	}
	if newPath == oldPath && deref(dirID(parent)) == deref(dir.ParentDirectoryID) {
		out.Directory = &dir
		return nil
	}
	if pathTaken(tx, repo.ID, branch.ID, newPath, dir.ID) {
		return statef("path %q already exists on branch %q", newPath, branch.Name)
	}

	prefix := oldPath + "/"
	rewrite := func(p string) string { return newPath + "/" + strings.TrimPrefix(p, prefix) }
	onBranch := func(r, b string) bool { return r == repo.ID && b == branch.ID }

	subdirs := tx.Directories().Filter(func(d models.Directory) bool {
		return onBranch(d.RepoID, d.BranchID) && strings.HasPrefix(d.Path, prefix)
	})
	files := tx.Files().Filter(func(f models.File) bool {
		return onBranch(f.RepoID, f.BranchID) && strings.HasPrefix(f.Path, prefix)
	})
	moving := map[string]bool{dir.ID: true}
	for _, d := range subdirs {
		moving[d.ID] = true
	}
	for _, f := range files {
		moving[f.ID] = true
	}
	for _, d := range subdirs {
		if p := rewrite(d.Path); pathTakenOutside(tx, repo.ID, branch.ID, p, moving) {
			return statef("path %q already exists on branch %q", p, branch.Name)
		}
	}
	for _, f := range files {
		if p := rewrite(f.Path); pathTakenOutside(tx, repo.ID, branch.ID, p, moving) {
			return statef("path %q already exists on branch %q", p, branch.Name)
		}
	}

	dir.Path = newPath
	dir.ParentDirectoryID = dirID(parent)
	dir.UpdatedAt = now
	tx.Directories().Put(dir.ID, dir)
	for _, d := range subdirs {
		d.Path = rewrite(d.Path)
		d.UpdatedAt = now
		tx.Directories().Put(d.ID, d)
	}
	if len(files) > 0 {
		msg := req.Message
		if msg == "" {
			msg = fmt.Sprintf("Move %s to %s", oldPath, newPath)
		}
		commit := appendCommit(tx, repo, branch, actorID, msg, now)
		for _, f := range files {
			f.Path = rewrite(f.Path)
			f.LastCommitID = commit.ID
			f.LastModifiedAt = now
			f.UpdatedAt = now
			tx.Files().Put(f.ID, f)
		}
		out.Commit = &commit
	}
	out.Directory = &dir
	out.MovedEntries = len(subdirs) + len(files)
	return nil
}

// pathTakenOutside is pathTaken ignoring every entry that is itself moving.
func pathTakenOutside(tx *store.Tx, repoID, branchID, path string, moving map[string]bool) bool {
	if _, ok := tx.Files().Find(func(f models.File) bool {
		return f.RepoID == repoID && f.BranchID == branchID && f.Path == path && !moving[f.ID]
	}); ok {
		return true
	}
	_, ok := tx.Directories().Find(func(d models.Directory) bool {
		return d.RepoID == repoID && d.BranchID == branchID && d.Path == path && !moving[d.ID]
	})
	return ok
}

func deleteDirectory(tx *store.Tx, repoID, branchID, id string, out *DirectoryResult) error {
	dir, err := getDirectory(tx, repoID, branchID, id)
	if err != nil {
		return err
	}
	children := tx.Directories().Count(func(d models.Directory) bool {
		return d.ParentDirectoryID != nil && *d.ParentDirectoryID == dir.ID
	})
	files := tx.Files().Count(func(f models.File) bool {
		return f.DirectoryID != nil && *f.DirectoryID == dir.ID
	})
	if children > 0 || files > 0 {
		return statef("directory %q is not empty: %d directories, %d files", dir.Path, children, files)
	}
	tx.Directories().Delete(dir.ID)
	out.Directory, out.Deleted = &dir, true
	return nil
}

type FileView struct {
	File    models.File         `json:"file"`
	Content *models.FileContent `json:"content"`
}

// GetFile returns a file with its latest content snapshot.
func (s *FileService) GetFile(ctx context.Context, actorID, repoID, branchID, fileID string) (*FileView, error) {
	var view FileView
	err := s.st.View(ctx, "get_file", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		view.File, err = getFile(tx, repo.ID, branchID, fileID)
		if err != nil {
			return err
		}
		if fc, ok := latestContent(tx, fileID); ok {
			view.Content = &fc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

type Tree struct {
	Directories []models.Directory `json:"directories"`
	Files       []models.File      `json:"files"`
}

// ListTree lists the immediate children of a directory, or of the branch
// root when directoryID is nil or empty.
func (s *FileService) ListTree(ctx context.Context, actorID, repoID, branchID string, directoryID *string) (*Tree, error) {
	tree := Tree{Directories: []models.Directory{}, Files: []models.File{}}
	err := s.st.View(ctx, "list_tree", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		if _, err := getBranch(tx, repo.ID, branchID); err != nil {
			return err
		}
		dir, err := resolveDirectory(tx, repo.ID, branchID, directoryID)
		if err != nil {
			return err
		}
		want := deref(dirID(dir))
		for _, d := range tx.Directories().Filter(func(d models.Directory) bool {
			return d.RepoID == repo.ID && d.BranchID == branchID && deref(d.ParentDirectoryID) == want
		}) {
			tree.Directories = append(tree.Directories, d)
		}
		for _, f := range tx.Files().Filter(func(f models.File) bool {
			return f.RepoID == repo.ID && f.BranchID == branchID && deref(f.DirectoryID) == want
		}) {
			tree.Files = append(tree.Files, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tree, nil
}

type FileRevision struct {
	Content models.FileContent `json:"content"`
	Commit  *models.Commit     `json:"commit,omitempty"`
}

// FileHistory lists a file's content snapshots, oldest first.
func (s *FileService) FileHistory(ctx context.Context, actorID, repoID, fileID string) ([]FileRevision, error) {
	var out []FileRevision
	err := s.st.View(ctx, "file_history", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		f, ok := tx.Files().Get(fileID)
		if !ok || f.RepoID != repo.ID {
			return notFoundf("file %q not found", fileID)
		}
		for _, fc := range tx.FileContents().Filter(func(fc models.FileContent) bool { return fc.FileID == fileID }) {
			rev := FileRevision{Content: fc}
			if c, ok := tx.Commits().Get(fc.CommitID); ok {
				rev.Commit = &c
			}
			out = append(out, rev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
