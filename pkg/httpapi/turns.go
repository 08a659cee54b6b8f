package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/loomweave/loomweave/pkg/branchengine"
	"github.com/loomweave/loomweave/pkg/llm"
	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/recap"
)

// handleInit migrates a legacy layout (a no-op once a story's tree
// already exists) and returns the client's starting context: which story
// and branch are active, the story's name, how many messages its seed
// conversation carried, whether a recap has ever run, and its character
// schema.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	stories, err := loadStories(s.Root)
	if err != nil {
		handleServerError(w, err)
		return
	}
	if storyID == "" && len(stories) > 0 {
		storyID = stories[0].ID
	}
	if storyID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "active_story_id": nil})
		return
	}

	tree, err := branchengine.LoadTree(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	originalCount, err := branchengine.BaseConversationLength(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	rec, err := recap.Load(s.Root, storyID, tree.ActiveBranchID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	schema, err := loadCharacterSchema(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	storyName := storyID
	if story, ok := findStory(stories, storyID); ok {
		storyName = story.Name
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                true,
		"active_story_id":   storyID,
		"active_branch_id":  tree.ActiveBranchID,
		"story_name":        storyName,
		"original_count":    originalCount,
		"has_summary":       rec.LastCompactedAt != nil,
		"character_schema":  schema,
	})
}

type sendRequest struct {
	Message  string `json:"message"`
	BranchID string `json:"branch_id"`
}

// handleSend runs one non-streaming turn. A provider failure surfaced as
// *llm.GMError is returned inline as the gm payload rather than as an
// HTTP error, so the UI renders it the same way it renders any other GM
// reply — only a genuine transport/client fault becomes a non-2xx status.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	storyID, body, schema, err := s.decodeSendRequest(r)
	if err != nil {
		handleServerError(w, err)
		return
	}

	tree, err := branchengine.LoadTree(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	branchID := body.BranchID
	if branchID == "" {
		branchID = tree.ActiveBranchID
	}

	result, err := s.Turn.Send(r.Context(), storyID, tree, branchID, body.Message, "", schema, "", defaultPromptTemplate)
	if err != nil {
		var gmErr *llm.GMError
		if errors.As(err, &gmErr) {
			writeJSON(w, http.StatusOK, gmErrorPayload(gmErr))
			return
		}
		handleServerError(w, err)
		return
	}

	if result.Cheat != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cheat": result.Cheat})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "player": result.User, "gm": result.GM})
}

// handleSendStream runs the same turn as handleSend but frames the result
// as Server-Sent Events. pkg/llm.Client has no token-streaming method, so
// this simulates the dice/text/done sequence from one completed Generate
// call instead of forwarding real incremental tokens: once the blocking
// Send call has returned, a dice event (if the turn rolled one), then a
// single text chunk carrying the whole GM reply, then done.
func (s *Server) handleSendStream(w http.ResponseWriter, r *http.Request) {
	storyID, body, schema, err := s.decodeSendRequest(r)
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
	branchID := body.BranchID
	if branchID == "" {
		branchID = tree.ActiveBranchID
	}

	result, err := s.Turn.Send(r.Context(), storyID, tree, branchID, body.Message, "", schema, "", defaultPromptTemplate)
	if err != nil {
		var gmErr *llm.GMError
		if errors.As(err, &gmErr) {
			writeEvent(map[string]any{"type": "error", "message": gmErr.Text})
			return
		}
		writeEvent(map[string]any{"type": "error", "message": err.Error()})
		return
	}

	if result.Cheat != nil {
		writeEvent(map[string]any{"type": "done", "cheat": result.Cheat, "branch": result.Branch})
		return
	}
	if result.User.Dice != nil {
		writeEvent(map[string]any{"type": "dice", "dice": result.User.Dice})
	}
	writeEvent(map[string]any{"type": "text", "chunk": result.GM.Content})
	writeEvent(map[string]any{"type": "done", "gm_msg": result.GM, "branch": result.Branch})
}

func (s *Server) decodeSendRequest(r *http.Request) (string, sendRequest, model.CharacterSchema, error) {
	var body sendRequest
	if err := decodeJSON(r, &body); err != nil {
		return "", sendRequest{}, model.CharacterSchema{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	body.Message = strings.TrimSpace(body.Message)
	if body.Message == "" {
		return "", sendRequest{}, model.CharacterSchema{}, fmt.Errorf("%w: message required", ErrBadRequest)
	}
	storyID := r.URL.Query().Get("story_id")
	if storyID == "" {
		return "", sendRequest{}, model.CharacterSchema{}, fmt.Errorf("%w: story_id required", ErrBadRequest)
	}
	schema, err := loadCharacterSchema(s.Root, storyID)
	if err != nil {
		return "", sendRequest{}, model.CharacterSchema{}, err
	}
	return storyID, body, schema, nil
}

// handleMessages serves a page of branchID's reconstructed timeline, plus
// the fork markers and sibling-group counts the UI renders alongside it.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	branchID := r.URL.Query().Get("branch_id")
	if storyID == "" || branchID == "" {
		handleServerError(w, fmt.Errorf("%w: story_id and branch_id required", ErrBadRequest))
		return
	}

	tree, err := branchengine.LoadTree(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	full, err := branchengine.GetFullTimeline(s.Root, storyID, tree, branchID)
	if err != nil {
		handleServerError(w, err)
		return
	}

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", len(full))
	tail := r.URL.Query().Get("tail") == "true"
	afterIndex := queryInt(r, "after_index", -1)

	messages := full
	if afterIndex >= 0 {
		var filtered []model.Message
		for _, m := range full {
			if m.Index > afterIndex {
				filtered = append(filtered, m)
			}
		}
		messages = filtered
	} else if tail {
		if limit > 0 && len(messages) > limit {
			messages = messages[len(messages)-limit:]
		}
	} else {
		end := offset + limit
		if offset > len(messages) {
			offset = len(messages)
		}
		if end > len(messages) || limit <= 0 {
			end = len(messages)
		}
		messages = messages[offset:end]
	}

	originalCount, err := branchengine.BaseConversationLength(s.Root, storyID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	rec, err := recap.Load(s.Root, storyID, branchID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	forkPoints := branchengine.GetForkPoints(tree, branchID)
	siblingGroups, err := branchengine.GetSiblingGroups(s.Root, storyID, tree, branchID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	worldDay := float64(0)
	if s.Clock != nil {
		worldDay, err = s.Clock.WorldDay(storyID, branchID)
		if err != nil {
			handleServerError(w, err)
			return
		}
	}

	payload := map[string]any{
		"ok":             true,
		"messages":       messages,
		"total":          len(full),
		"offset":         offset,
		"original_count": originalCount,
		"fork_points":    forkPoints,
		"sibling_groups": siblingGroups,
		"branch_id":      branchID,
		"world_day":      worldDay,
		"summary_count":  rec.TotalTurnsCompacted,
	}
	if strings.HasPrefix(branchID, "auto_") {
		payload["auto_play_state"] = autoPlayStateOrNil(s.Root, storyID, branchID)
	}
	writeJSON(w, http.StatusOK, payload)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

const defaultPromptTemplate = "{character_state}\n{narrative_recap}\n{world_lore}\n{npc_profiles}\n{team_rules}\n{other_agents}\n{critical_facts}"
