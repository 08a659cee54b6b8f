package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/loomweave/loomweave/pkg/branchengine"
	"github.com/loomweave/loomweave/pkg/llm"
	"github.com/loomweave/loomweave/pkg/model"
)

// truncateRunes returns the first n runes of s, appending an ellipsis if s
// was longer — mirrors original_source/app.py's name-from-content truncation
// for edited/regenerated branch names, rune-aware so CJK text doesn't get
// cut mid-character.
func truncateRunes(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

type editBranchRequest struct {
	ParentBranchID   string `json:"parent_branch_id"`
	BranchPointIndex *int   `json:"branch_point_index"`
	EditedMessage    string `json:"edited_message"`
}

func (s *Server) decodeEditRequest(r *http.Request) (storyID string, body editBranchRequest, err error) {
	if err := decodeJSON(r, &body); err != nil {
		return "", editBranchRequest{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if body.BranchPointIndex == nil {
		return "", editBranchRequest{}, fmt.Errorf("%w: branch_point_index required", ErrBadRequest)
	}
	body.EditedMessage = strings.TrimSpace(body.EditedMessage)
	if body.EditedMessage == "" {
		return "", editBranchRequest{}, fmt.Errorf("%w: edited_message required", ErrBadRequest)
	}
	if body.ParentBranchID == "" {
		body.ParentBranchID = model.RootBranchID
	}
	storyID = r.URL.Query().Get("story_id")
	if storyID == "" {
		return "", editBranchRequest{}, fmt.Errorf("%w: story_id required", ErrBadRequest)
	}
	return storyID, body, nil
}

// forkForEdit creates the branch an edit or regenerate request plays out on:
// same fork-seeding CreateBranch already does for a normal named branch, just
// with a name derived from the message content instead of a user-supplied one.
func (s *Server) forkForEdit(storyID string, body editBranchRequest, name string) (model.Tree, *model.Branch, error) {
	tree, err := branchengine.LoadTree(s.Root, storyID)
	if err != nil {
		return model.Tree{}, nil, err
	}
	branch, err := s.Engine.CreateBranch(storyID, &tree, body.ParentBranchID, name, *body.BranchPointIndex)
	if err != nil {
		return model.Tree{}, nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := branchengine.SaveTree(s.Root, storyID, tree); err != nil {
		return model.Tree{}, nil, err
	}
	return tree, branch, nil
}

// handleEditBranch forks parent_branch_id at branch_point_index, replaces
// the message that followed with edited_message, and plays one turn forward
// from it — the player rewriting a past choice and living with the GM's new
// response to it.
func (s *Server) handleEditBranch(w http.ResponseWriter, r *http.Request) {
	storyID, body, err := s.decodeEditRequest(r)
	if err != nil {
		handleServerError(w, err)
		return
	}
	name := truncateRunes(body.EditedMessage, 15)
	tree, branch, err := s.forkForEdit(storyID, body, name)
	if err != nil {
		handleServerError(w, err)
		return
	}
	schema, err := loadCharacterSchema(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}

	result, err := s.Turn.Send(r.Context(), storyID, tree, branch.ID, body.EditedMessage, "", schema, branch.TeamMode, defaultPromptTemplate)
	if err != nil {
		var gmErr *llm.GMError
		if errors.As(err, &gmErr) {
			writeJSON(w, http.StatusOK, gmErrorPayload(gmErr))
			return
		}
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "branch": branch, "user_msg": result.User, "gm_msg": result.GM})
}

// handleEditBranchStream is the SSE counterpart of handleEditBranch, framed
// the same simulated dice/text/done sequence as handleSendStream.
func (s *Server) handleEditBranchStream(w http.ResponseWriter, r *http.Request) {
	storyID, body, err := s.decodeEditRequest(r)
	if err != nil {
		handleServerError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		handleServerError(w, fmt.Errorf("httpapi: streaming unsupported by response writer"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	writeEvent := func(event map[string]any) {
		data, _ := json.Marshal(event)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	name := truncateRunes(body.EditedMessage, 15)
	tree, branch, err := s.forkForEdit(storyID, body, name)
	if err != nil {
		writeEvent(map[string]any{"type": "error", "message": err.Error()})
		return
	}
	schema, err := loadCharacterSchema(s.Root, storyID)
	if err != nil {
		writeEvent(map[string]any{"type": "error", "message": err.Error()})
		return
	}

	result, err := s.Turn.Send(r.Context(), storyID, tree, branch.ID, body.EditedMessage, "", schema, branch.TeamMode, defaultPromptTemplate)
	if err != nil {
		var gmErr *llm.GMError
		if errors.As(err, &gmErr) {
			writeEvent(map[string]any{"type": "error", "message": gmErr.Text})
			return
		}
		writeEvent(map[string]any{"type": "error", "message": err.Error()})
		return
	}
	if result.User.Dice != nil {
		writeEvent(map[string]any{"type": "dice", "dice": result.User.Dice})
	}
	writeEvent(map[string]any{"type": "text", "chunk": result.GM.Content})
	writeEvent(map[string]any{"type": "done", "branch": branch, "user_msg": result.User, "gm_msg": result.GM})
}

type regenerateBranchRequest struct {
	ParentBranchID   string `json:"parent_branch_id"`
	BranchPointIndex *int   `json:"branch_point_index"`
}

func (s *Server) decodeRegenerateRequest(r *http.Request) (storyID string, body regenerateBranchRequest, err error) {
	if err := decodeJSON(r, &body); err != nil {
		return "", regenerateBranchRequest{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if body.BranchPointIndex == nil {
		return "", regenerateBranchRequest{}, fmt.Errorf("%w: branch_point_index required", ErrBadRequest)
	}
	if body.ParentBranchID == "" {
		body.ParentBranchID = model.RootBranchID
	}
	storyID = r.URL.Query().Get("story_id")
	if storyID == "" {
		return "", regenerateBranchRequest{}, fmt.Errorf("%w: story_id required", ErrBadRequest)
	}
	return storyID, body, nil
}

// handleRegenerateBranch forks parent_branch_id at branch_point_index — the
// index of the user turn whose GM reply the player wants re-rolled — and
// asks the model for a new reply to that same turn, without touching the
// user message itself (it's inherited from the parent chain, not rewritten).
func (s *Server) handleRegenerateBranch(w http.ResponseWriter, r *http.Request) {
	storyID, body, err := s.decodeRegenerateRequest(r)
	if err != nil {
		handleServerError(w, err)
		return
	}
	tree, err := branchengine.LoadTree(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	parentTimeline, err := branchengine.GetFullTimeline(s.Root, storyID, tree, body.ParentBranchID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	userContent := ""
	for _, m := range parentTimeline {
		if m.Index == *body.BranchPointIndex {
			userContent = m.Content
			break
		}
	}
	name := "Re: " + truncateRunes(userContent, 12)

	branch, err := s.Engine.CreateBranch(storyID, &tree, body.ParentBranchID, name, *body.BranchPointIndex)
	if err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if err := branchengine.SaveTree(s.Root, storyID, tree); err != nil {
		handleServerError(w, err)
		return
	}
	schema, err := loadCharacterSchema(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}

	result, err := s.Turn.Regenerate(r.Context(), storyID, tree, branch.ID, "", schema, branch.TeamMode, defaultPromptTemplate)
	if err != nil {
		var gmErr *llm.GMError
		if errors.As(err, &gmErr) {
			writeJSON(w, http.StatusOK, gmErrorPayload(gmErr))
			return
		}
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "branch": branch, "gm_msg": result.GM})
}

// handleRegenerateBranchStream is the SSE counterpart of handleRegenerateBranch.
func (s *Server) handleRegenerateBranchStream(w http.ResponseWriter, r *http.Request) {
	storyID, body, err := s.decodeRegenerateRequest(r)
	if err != nil {
		handleServerError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		handleServerError(w, fmt.Errorf("httpapi: streaming unsupported by response writer"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	writeEvent := func(event map[string]any) {
		data, _ := json.Marshal(event)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	tree, err := branchengine.LoadTree(s.Root, storyID)
	if err != nil {
		writeEvent(map[string]any{"type": "error", "message": err.Error()})
		return
	}
	parentTimeline, err := branchengine.GetFullTimeline(s.Root, storyID, tree, body.ParentBranchID)
	if err != nil {
		writeEvent(map[string]any{"type": "error", "message": err.Error()})
		return
	}
	userContent := ""
	for _, m := range parentTimeline {
		if m.Index == *body.BranchPointIndex {
			userContent = m.Content
			break
		}
	}
	name := "Re: " + truncateRunes(userContent, 12)

	branch, err := s.Engine.CreateBranch(storyID, &tree, body.ParentBranchID, name, *body.BranchPointIndex)
	if err != nil {
		writeEvent(map[string]any{"type": "error", "message": err.Error()})
		return
	}
	if err := branchengine.SaveTree(s.Root, storyID, tree); err != nil {
		writeEvent(map[string]any{"type": "error", "message": err.Error()})
		return
	}
	schema, err := loadCharacterSchema(s.Root, storyID)
	if err != nil {
		writeEvent(map[string]any{"type": "error", "message": err.Error()})
		return
	}

	result, err := s.Turn.Regenerate(r.Context(), storyID, tree, branch.ID, "", schema, branch.TeamMode, defaultPromptTemplate)
	if err != nil {
		var gmErr *llm.GMError
		if errors.As(err, &gmErr) {
			writeEvent(map[string]any{"type": "error", "message": gmErr.Text})
			return
		}
		writeEvent(map[string]any{"type": "error", "message": err.Error()})
		return
	}
	if result.GM.Dice != nil {
		writeEvent(map[string]any{"type": "dice", "dice": result.GM.Dice})
	}
	writeEvent(map[string]any{"type": "text", "chunk": result.GM.Content})
	writeEvent(map[string]any{"type": "done", "branch": branch, "gm_msg": result.GM})
}
