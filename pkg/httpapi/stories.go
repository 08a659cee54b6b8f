package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/storage"
)

func loadStories(root *storage.Root) ([]model.Story, error) {
	var stories []model.Story
	err := storage.ReadJSON(root.StoriesIndexPath(), &stories)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("httpapi: failed to load story registry: %w", err)
	}
	return stories, nil
}

func saveStories(root *storage.Root, stories []model.Story) error {
	return storage.WriteJSON(root.StoriesIndexPath(), stories)
}

func findStory(stories []model.Story, id string) (model.Story, bool) {
	for _, s := range stories {
		if s.ID == id {
			return s, true
		}
	}
	return model.Story{}, false
}

func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	stories, err := loadStories(s.Root)
	if err != nil {
		handleServerError(w, err)
		return
	}
	sort.Slice(stories, func(i, j int) bool { return stories[i].CreatedAt.Before(stories[j].CreatedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stories": stories})
}

func (s *Server) handleCreateStory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		handleServerError(w, fmt.Errorf("%w: name required", ErrBadRequest))
		return
	}

	stories, err := loadStories(s.Root)
	if err != nil {
		handleServerError(w, err)
		return
	}
	story := model.Story{ID: newID(), Name: body.Name, CreatedAt: time.Now().UTC()}
	stories = append(stories, story)
	if err := saveStories(s.Root, stories); err != nil {
		handleServerError(w, err)
		return
	}
	if err := s.Root.EnsureStoryDir(story.ID); err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "story": story})
}

func (s *Server) handleSwitchStory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StoryID string `json:"story_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	stories, err := loadStories(s.Root)
	if err != nil {
		handleServerError(w, err)
		return
	}
	story, ok := findStory(stories, body.StoryID)
	if !ok {
		handleServerError(w, fmt.Errorf("%w: story %q", ErrNotFound, body.StoryID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "story": story})
}

func (s *Server) handlePatchStory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		handleServerError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	stories, err := loadStories(s.Root)
	if err != nil {
		handleServerError(w, err)
		return
	}
	found := false
	for i := range stories {
		if stories[i].ID == id {
			if name := strings.TrimSpace(body.Name); name != "" {
				stories[i].Name = name
			}
			found = true
			break
		}
	}
	if !found {
		handleServerError(w, fmt.Errorf("%w: story %q", ErrNotFound, id))
		return
	}
	if err := saveStories(s.Root, stories); err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteStory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stories, err := loadStories(s.Root)
	if err != nil {
		handleServerError(w, err)
		return
	}
	kept := stories[:0]
	found := false
	for _, st := range stories {
		if st.ID == id {
			found = true
			continue
		}
		kept = append(kept, st)
	}
	if !found {
		handleServerError(w, fmt.Errorf("%w: story %q", ErrNotFound, id))
		return
	}
	if err := saveStories(s.Root, kept); err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleGetStorySchema returns storyID's character schema, read from
// character_schema.yaml if present, falling back to the built-in default.
func (s *Server) handleGetStorySchema(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	schema, err := loadCharacterSchema(s.Root, id)
	if err != nil {
		handleServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "character_schema": schema})
}

func loadCharacterSchema(root *storage.Root, storyID string) (model.CharacterSchema, error) {
	text, err := storage.ReadText(root.CharacterSchemaPath(storyID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.DefaultCharacterSchema(), nil
		}
		return model.CharacterSchema{}, fmt.Errorf("httpapi: failed to read character schema for %s: %w", storyID, err)
	}
	var schema model.CharacterSchema
	if err := yaml.Unmarshal([]byte(text), &schema); err != nil {
		return model.CharacterSchema{}, fmt.Errorf("httpapi: failed to parse character schema for %s: %w", storyID, err)
	}
	return schema, nil
}
