package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/loomweave/loomweave/pkg/branchengine"
	"github.com/loomweave/loomweave/pkg/model"
)

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	if storyID == "" {
		handleServerError(w, fmt.Errorf("%w: story_id required", ErrBadRequest))
		return
	}
	tree, err := branchengine.LoadTree(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "active_branch_id": tree.ActiveBranchID, "branches": tree.Branches})
}

type createBranchRequest struct {
	Name             string `json:"name"`
	ParentBranchID   string `json:"parent_branch_id"`
	BranchPointIndex int    `json:"branch_point_index"`
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	var body createBranchRequest
	if err := decodeJSON(r, &body); err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if storyID == "" {
		handleServerError(w, fmt.Errorf("%w: story_id required", ErrBadRequest))
		return
	}

	tree, err := branchengine.LoadTree(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	branch, err := s.Engine.CreateBranch(storyID, &tree, body.ParentBranchID, body.Name, body.BranchPointIndex)
	if err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if err := branchengine.SaveTree(s.Root, storyID, tree); err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "branch": branch})
}

func (s *Server) handleCreateBlankBranch(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if storyID == "" {
		handleServerError(w, fmt.Errorf("%w: story_id required", ErrBadRequest))
		return
	}
	schema, err := loadCharacterSchema(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}

	tree, err := branchengine.LoadTree(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	branch, err := s.Engine.CreateBlankBranch(storyID, &tree, schema, body.Name)
	if err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if err := branchengine.SaveTree(s.Root, storyID, tree); err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "branch": branch})
}

func (s *Server) handleSwitchBranch(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	var body struct {
		BranchID string `json:"branch_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	tree, err := branchengine.LoadTree(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	branch, ok := tree.Branches[body.BranchID]
	if body.BranchID != model.RootBranchID && !ok {
		handleServerError(w, fmt.Errorf("%w: branch %q", ErrNotFound, body.BranchID))
		return
	}
	if ok && !branch.IsActive() {
		handleServerError(w, fmt.Errorf("%w: branch %q is not active", ErrBadRequest, body.BranchID))
		return
	}
	tree.ActiveBranchID = body.BranchID
	if err := branchengine.SaveTree(s.Root, storyID, tree); err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "active_branch_id": tree.ActiveBranchID})
}

func (s *Server) handlePatchBranch(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	id := chi.URLParam(r, "id")
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	tree, err := branchengine.LoadTree(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	branch, ok := tree.Branches[id]
	if !ok {
		handleServerError(w, fmt.Errorf("%w: branch %q", ErrNotFound, id))
		return
	}
	if name := strings.TrimSpace(body.Name); name != "" {
		branch.Name = name
	}
	if err := branchengine.SaveTree(s.Root, storyID, tree); err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "branch": branch})
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	id := chi.URLParam(r, "id")
	tree, err := branchengine.LoadTree(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	if err := s.Engine.Delete(storyID, &tree, id); err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if err := branchengine.SaveTree(s.Root, storyID, tree); err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePromoteBranch(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	tree, err := branchengine.LoadTree(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	if err := s.Engine.Promote(storyID, &tree); err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if err := branchengine.SaveTree(s.Root, storyID, tree); err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "active_branch_id": tree.ActiveBranchID})
}

func (s *Server) handleMergeBranch(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	var body struct {
		BranchID string `json:"branch_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	tree, err := branchengine.LoadTree(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	parentID, err := s.Engine.Merge(storyID, &tree, body.BranchID)
	if err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if err := branchengine.SaveTree(s.Root, storyID, tree); err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "parent_branch_id": parentID})
}
