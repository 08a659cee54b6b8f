package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/npc"
	"github.com/loomweave/loomweave/pkg/recap"
	"github.com/loomweave/loomweave/pkg/storage"
)

// autoPlayStateOrNil reads branchID's auto-play progress file, returning nil
// rather than an error when none exists yet — an auto_-prefixed branch that
// has never run the driver has no state to report.
func autoPlayStateOrNil(root *storage.Root, storyID, branchID string) any {
	var state map[string]any
	if err := storage.ReadJSON(root.AutoPlayStatePath(storyID, branchID), &state); err != nil {
		return nil
	}
	return state
}

// handleAutoPlaySummaries reports how much of branchID's history has been
// folded into a running recap by the auto-play compactor, and the recap
// text itself — the UI's "story so far" panel for a long unattended run.
func (s *Server) handleAutoPlaySummaries(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	branchID := r.URL.Query().Get("branch_id")
	if storyID == "" || branchID == "" {
		handleServerError(w, fmt.Errorf("%w: story_id and branch_id required", ErrBadRequest))
		return
	}
	rec, err := recap.Load(s.Root, storyID, branchID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                       true,
		"recap_text":               rec.RecapText,
		"compacted_through_index":  rec.CompactedThroughIndex,
		"total_turns_compacted":    rec.TotalTurnsCompacted,
		"last_compacted_at":        rec.LastCompactedAt,
	})
}

func (s *Server) handleListLore(w http.ResponseWriter, r *http.Request) {
	if s.Lore == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "lore": []model.LoreEntry{}})
		return
	}
	if q := r.URL.Query().Get("q"); q != "" {
		entries, err := s.Lore.Search(q, queryInt(r, "limit", 20))
		if err != nil {
			handleServerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "lore": entries})
		return
	}
	entries, err := s.Lore.All()
	if err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "lore": entries})
}

func (s *Server) handleUpsertLore(w http.ResponseWriter, r *http.Request) {
	var entry model.LoreEntry
	if err := decodeJSON(r, &entry); err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	entry.Topic = strings.TrimSpace(entry.Topic)
	if entry.Topic == "" {
		handleServerError(w, fmt.Errorf("%w: topic required", ErrBadRequest))
		return
	}
	if s.Lore == nil {
		handleServerError(w, fmt.Errorf("httpapi: lore index not configured"))
		return
	}
	if err := s.Lore.Upsert(entry); err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "lore": entry})
}

func (s *Server) handleDeleteLore(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if s.Lore == nil {
		handleServerError(w, fmt.Errorf("%w: lore topic %q", ErrNotFound, topic))
		return
	}
	if err := s.Lore.Delete(topic); err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListNPCs(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	branchID := r.URL.Query().Get("branch_id")
	if storyID == "" || branchID == "" {
		handleServerError(w, fmt.Errorf("%w: story_id and branch_id required", ErrBadRequest))
		return
	}
	roster, err := npc.Load(s.Root, storyID, branchID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "npcs": roster})
}

func (s *Server) handleUpsertNPC(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	branchID := r.URL.Query().Get("branch_id")
	if storyID == "" || branchID == "" {
		handleServerError(w, fmt.Errorf("%w: story_id and branch_id required", ErrBadRequest))
		return
	}
	var incoming model.NPC
	if err := decodeJSON(r, &incoming); err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	incoming.Name = strings.TrimSpace(incoming.Name)
	if incoming.Name == "" {
		handleServerError(w, fmt.Errorf("%w: name required", ErrBadRequest))
		return
	}

	roster, err := npc.Load(s.Root, storyID, branchID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	roster, _ = npc.Upsert(roster, incoming)
	if err := npc.Save(s.Root, storyID, branchID, roster); err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "npcs": roster})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	branchID := r.URL.Query().Get("branch_id")
	if branchID == "" {
		handleServerError(w, fmt.Errorf("%w: branch_id required", ErrBadRequest))
		return
	}
	if s.Events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": []model.Event{}})
		return
	}
	events, err := s.Events.List(branchID, queryInt(r, "limit", 100))
	if err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": events})
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	branchID := r.URL.Query().Get("branch_id")
	if branchID == "" {
		handleServerError(w, fmt.Errorf("%w: branch_id required", ErrBadRequest))
		return
	}
	var ev model.Event
	if err := decodeJSON(r, &ev); err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	ev.Title = strings.TrimSpace(ev.Title)
	if ev.Title == "" {
		handleServerError(w, fmt.Errorf("%w: title required", ErrBadRequest))
		return
	}
	if ev.Status == "" {
		ev.Status = model.EventPlanted
	}
	if s.Events == nil {
		handleServerError(w, fmt.Errorf("httpapi: event store not configured"))
		return
	}
	id, err := s.Events.Insert(branchID, ev)
	if err != nil {
		handleServerError(w, err)
		return
	}
	ev.ID = id
	ev.BranchID = branchID
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "event": ev})
}

func (s *Server) handlePatchEventStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Status model.EventStatus `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if body.Status == "" {
		handleServerError(w, fmt.Errorf("%w: status required", ErrBadRequest))
		return
	}
	var parsedID int64
	if _, err := fmt.Sscanf(id, "%d", &parsedID); err != nil {
		handleServerError(w, fmt.Errorf("%w: malformed event id %q", ErrBadRequest, id))
		return
	}
	if s.Events == nil {
		handleServerError(w, fmt.Errorf("%w: event %q", ErrNotFound, id))
		return
	}
	if err := s.Events.UpdateStatus(parsedID, body.Status); err != nil {
		handleServerError(w, err)
		return
	}
	ev, err := s.Events.Get(parsedID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "event": ev})
}

func (s *Server) handleImageStatus(w http.ResponseWriter, r *http.Request) {
	storyID := chi.URLParam(r, "storyId")
	filename := chi.URLParam(r, "filename")
	if s.Images == nil {
		handleServerError(w, fmt.Errorf("%w: image generation not configured", ErrNotFound))
		return
	}
	status, err := s.Images.Status(r.Context(), storyID, filename)
	if err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ready": status.Ready, "filename": status.Filename})
}

func (s *Server) handleListNPCActivities(w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story_id")
	branchID := r.URL.Query().Get("branch_id")
	if storyID == "" || branchID == "" {
		handleServerError(w, fmt.Errorf("%w: story_id and branch_id required", ErrBadRequest))
		return
	}
	batches, err := npc.LoadActivities(s.Root, storyID, branchID)
	if err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "activities": batches})
}

// handleGetLLMConfig reports the active provider/model binding without
// leaking the API key — a UI settings panel wants to know what's configured,
// not the secret itself.
func (s *Server) handleGetLLMConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config.LLM
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"provider": cfg.Provider,
		"model":    cfg.Model,
		"base_url": cfg.BaseURL,
		"has_key":  cfg.APIKey != "",
	})
}
