package service

import (
	"context"
	"strings"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

type WorkflowService struct {
	st  *store.Store
	now Clock
}

func NewWorkflowService(st *store.Store, now Clock) *WorkflowService {
	return &WorkflowService{st: st, now: now}
}

type CreateWorkflowRequest struct {
	RepoID       string `json:"repository_id"`
	Name         string `json:"workflow_name"`
	Path         string `json:"workflow_path"`
	TriggerEvent string `json:"trigger_event"`
}

// checkWorkflowPath requires path to name a file on the repository's default
// branch, when the repository has one.
func checkWorkflowPath(tx *store.Tx, repo models.Repository, path string) error {
	def, ok := defaultBranch(tx, repo.ID)
	if !ok {
		return nil
	}
	if _, ok := tx.Files().Find(func(f models.File) bool {
		return f.RepoID == repo.ID && f.BranchID == def.ID && f.Path == path
	}); !ok {
		return notFoundf("workflow file %q not found on branch %q", path, def.Name)
	}
	return nil
}

func workflowTaken(tx *store.Tx, repoID, name, path, exceptID string) bool {
	_, taken := tx.Workflows().Find(func(w models.Workflow) bool {
		return w.RepoID == repoID && w.ID != exceptID && w.Status != models.WorkflowDeleted &&
			(strings.EqualFold(w.Name, name) || w.Path == path)
	})
	return taken
}

func (s *WorkflowService) CreateWorkflow(ctx context.Context, actorID string, req CreateWorkflowRequest) (*models.Workflow, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Path = strings.Trim(strings.TrimSpace(req.Path), "/")
	if req.Name == "" || req.Path == "" {
		return nil, validationf("workflow_name and workflow_path are required")
	}
	if !models.IsTriggerEvent(req.TriggerEvent) {
		return nil, validationf("trigger_event must be one of push, pull_request, schedule, workflow_dispatch, release")
	}
	var wf models.Workflow
	err := s.st.Update(ctx, "create_workflow", func(tx *store.Tx) error {
		repo, err := loadMutableRepo(tx, actorID, req.RepoID, models.CapWrite)
		if err != nil {
			return err
		}
		if workflowTaken(tx, repo.ID, req.Name, req.Path, "") {
			return statef("a workflow named %q or at %q already exists", req.Name, req.Path)
		}
		if err := checkWorkflowPath(tx, repo, req.Path); err != nil {
			return err
		}
		now := s.now()
		wf = tx.Workflows().Insert(func(id string) models.Workflow {
			return models.Workflow{
				ID:           id,
				RepoID:       repo.ID,
				Name:         req.Name,
				Path:         req.Path,
				TriggerEvent: models.TriggerEvent(req.TriggerEvent),
				Status:       models.WorkflowActive,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

const (
	WorkflowUpdate  = "update"
	WorkflowEnable  = "enable"
	WorkflowDisable = "disable"
	WorkflowDelete  = "delete"
)

type UpdateWorkflowRequest struct {
	WorkflowID   string  `json:"workflow_id"`
	Action       string  `json:"action"`
	Name         *string `json:"workflow_name"`
	Path         *string `json:"workflow_path"`
	TriggerEvent *string `json:"trigger_event"`
}

// UpdateWorkflow edits, enables, disables or soft-deletes a workflow. A
// deleted workflow accepts no further actions.
func (s *WorkflowService) UpdateWorkflow(ctx context.Context, actorID string, req UpdateWorkflowRequest) (*models.Workflow, error) {
	switch req.Action {
	case WorkflowUpdate:
		if req.Name == nil && req.Path == nil && req.TriggerEvent == nil {
			return nil, validationf("no updates supplied")
		}
		if req.TriggerEvent != nil && !models.IsTriggerEvent(*req.TriggerEvent) {
			return nil, validationf("trigger_event must be one of push, pull_request, schedule, workflow_dispatch, release")
		}
	case WorkflowEnable, WorkflowDisable, WorkflowDelete:
	default:
		return nil, validationf("action must be one of update, enable, disable, delete")
	}

	var wf models.Workflow
	err := s.st.Update(ctx, "update_workflow", func(tx *store.Tx) error {
		var ok bool
		wf, ok = tx.Workflows().Get(req.WorkflowID)
		if !ok {
			return notFoundf("workflow %q not found", req.WorkflowID)
		}
		repo, err := loadMutableRepo(tx, actorID, wf.RepoID, models.CapWrite)
		if err != nil {
			return err
		}
		if wf.Status == models.WorkflowDeleted {
			return statef("workflow %q is deleted", wf.Name)
		}
		switch req.Action {
		case WorkflowUpdate:
			name, path := wf.Name, wf.Path
			if req.Name != nil {
				name = strings.TrimSpace(*req.Name)
			}
			if req.Path != nil {
				path = strings.Trim(strings.TrimSpace(*req.Path), "/")
			}
			if name == "" || path == "" {
				return validationf("workflow_name and workflow_path must not be empty")
			}
			if workflowTaken(tx, repo.ID, name, path, wf.ID) {
				return statef("a workflow named %q or at %q already exists", name, path)
			}
			if path != wf.Path {
				if err := checkWorkflowPath(tx, repo, path); err != nil {
					return err
				}
			}
			wf.Name, wf.Path = name, path
			if req.TriggerEvent != nil {
				wf.TriggerEvent = models.TriggerEvent(*req.TriggerEvent)
			}
		case WorkflowEnable:
			if wf.Status == models.WorkflowActive {
				return statef("workflow %q is already active", wf.Name)
			}
			wf.Status = models.WorkflowActive
		case WorkflowDisable:
			if wf.Status == models.WorkflowDisabled {
				return statef("workflow %q is already disabled", wf.Name)
			}
			wf.Status = models.WorkflowDisabled
		case WorkflowDelete:
			wf.Status = models.WorkflowDeleted
		}
		wf.UpdatedAt = s.now()
		tx.Workflows().Put(wf.ID, wf)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *WorkflowService) ListWorkflows(ctx context.Context, actorID, repoID string, includeDeleted bool) ([]models.Workflow, error) {
	var out []models.Workflow
	err := s.st.View(ctx, "list_workflows", func(tx *store.Tx) error {
		repo, err := loadRepoFor(tx, actorID, repoID, models.CapRead)
		if err != nil {
			return err
		}
		out = tx.Workflows().Filter(func(w models.Workflow) bool {
			return w.RepoID == repo.ID && (includeDeleted || w.Status != models.WorkflowDeleted)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
