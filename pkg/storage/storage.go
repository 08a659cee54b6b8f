// Package storage is the narrative engine's C1 storage layer: it owns the
// on-disk layout of a story's filesystem tree, atomic JSON reads/writes, and
// a per-(story,branch) lock registry background jobs use to avoid stepping
// on an in-flight write.
//
// Layout mirrors hector's SQL-backed session store conceptually (one
// durable record per (story, branch) key) but the medium is the
// filesystem: a single process owns a story's filesystem tree directly,
// with no network-accessible database involved.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Read when the requested file does not exist.
var ErrNotFound = errors.New("storage: not found")

// Root owns the filesystem tree beneath a configured root directory.
type Root struct {
	dir   string
	locks *LockRegistry
}

// NewRoot returns a Root rooted at dir, creating it if necessary.
func NewRoot(dir string) (*Root, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: root dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: failed to create root %s: %w", dir, err)
	}
	return &Root{dir: dir, locks: NewLockRegistry()}, nil
}

// Dir returns the root directory path.
func (r *Root) Dir() string { return r.dir }

// Locks returns the root's per-(story,branch) lock registry.
func (r *Root) Locks() *LockRegistry { return r.locks }

// StoryDir returns the directory owning a story's tree.
func (r *Root) StoryDir(storyID string) string {
	return filepath.Join(r.dir, storyID)
}

// StoriesIndexPath returns the root-level registry of every story's
// metadata (name, creation time) — the one file not scoped under a single
// story's own directory.
func (r *Root) StoriesIndexPath() string {
	return filepath.Join(r.dir, "stories.json")
}

// BranchDir returns the directory owning one branch's delta files.
func (r *Root) BranchDir(storyID, branchID string) string {
	return filepath.Join(r.StoryDir(storyID), "branches", branchID)
}

// Path layout helpers. Every path is relative to a story or branch dir, so
// callers never hand-assemble a filename.
func (r *Root) BranchesIndexPath(storyID string) string {
	return filepath.Join(r.StoryDir(storyID), "branches.json")
}

func (r *Root) BaseConversationPath(storyID string) string {
	return filepath.Join(r.StoryDir(storyID), "base_conversation.md")
}

func (r *Root) CharacterSchemaPath(storyID string) string {
	return filepath.Join(r.StoryDir(storyID), "character_schema.yaml")
}

func (r *Root) MessagesDeltaPath(storyID, branchID string) string {
	return filepath.Join(r.BranchDir(storyID, branchID), "messages.json")
}

func (r *Root) RecapPath(storyID, branchID string) string {
	return filepath.Join(r.BranchDir(storyID, branchID), "recap.json")
}

func (r *Root) WorldDayPath(storyID, branchID string) string {
	return filepath.Join(r.BranchDir(storyID, branchID), "world_day.json")
}

func (r *Root) NPCsPath(storyID, branchID string) string {
	return filepath.Join(r.BranchDir(storyID, branchID), "npcs.json")
}

func (r *Root) CharacterStatePath(storyID, branchID string) string {
	return filepath.Join(r.BranchDir(storyID, branchID), "character_state.json")
}

func (r *Root) SnapshotsPath(storyID, branchID string) string {
	return filepath.Join(r.BranchDir(storyID, branchID), "snapshots.json")
}

func (r *Root) NPCActivitiesPath(storyID, branchID string) string {
	return filepath.Join(r.BranchDir(storyID, branchID), "npc_activities.json")
}

func (r *Root) AutoPlayStatePath(storyID, branchID string) string {
	return filepath.Join(r.BranchDir(storyID, branchID), "auto_play_state.json")
}

// AutoPlayTranscriptPath returns the append-only Markdown log the auto-play
// driver writes one entry to per turn, for a human to skim a long
// unattended run without replaying the timeline.
func (r *Root) AutoPlayTranscriptPath(storyID, branchID string) string {
	return filepath.Join(r.BranchDir(storyID, branchID), "auto_play_transcript.md")
}

// AutoPlayStopPath returns the sentinel file whose existence halts a
// running auto-play loop for branchID between turns.
func (r *Root) AutoPlayStopPath(storyID, branchID string) string {
	return filepath.Join(r.BranchDir(storyID, branchID), "auto_play.stop")
}

func (r *Root) SystemPromptPath(storyID string) string {
	return filepath.Join(r.StoryDir(storyID), "system_prompt.txt")
}

func (r *Root) LoreDBPath(storyID string) string {
	return filepath.Join(r.StoryDir(storyID), "lore.db")
}

func (r *Root) EventDBPath(storyID string) string {
	return filepath.Join(r.StoryDir(storyID), "events.db")
}

func (r *Root) StateIndexDBPath(storyID string) string {
	return filepath.Join(r.StoryDir(storyID), "state_index.db")
}

// ImagesDir returns the directory a story's generated illustrations are
// saved under.
func (r *Root) ImagesDir(storyID string) string {
	return filepath.Join(r.StoryDir(storyID), "images")
}

// ImagePath returns the path a given image filename is saved at within
// storyID's images directory.
func (r *Root) ImagePath(storyID, filename string) string {
	return filepath.Join(r.ImagesDir(storyID), filename)
}

// EnsureBranchDir creates a branch's directory if it does not already exist.
func (r *Root) EnsureBranchDir(storyID, branchID string) error {
	dir := r.BranchDir(storyID, branchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: failed to create branch dir %s: %w", dir, err)
	}
	return nil
}

// EnsureStoryDir creates a story's directory if it does not already exist.
func (r *Root) EnsureStoryDir(storyID string) error {
	dir := r.StoryDir(storyID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: failed to create story dir %s: %w", dir, err)
	}
	return nil
}

// ListStoryIDs returns every story directory name under the root.
func (r *Root) ListStoryIDs() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to list stories: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// WriteJSON atomically writes v as JSON to path: it writes to a sibling
// ".tmp" file first and renames it into place, so a reader never observes a
// partially-written file, and a crash mid-write never corrupts the target.
func WriteJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: failed to create dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: failed to marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("storage: failed to create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("storage: failed to write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("storage: failed to sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage: failed to close temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage: failed to rename temp file into %s: %w", path, err)
	}
	return nil
}

// ReadJSON reads and unmarshals the JSON file at path into v. It returns
// ErrNotFound (wrapped) if the file does not exist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("storage: failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("storage: failed to parse %s: %w", path, err)
	}
	return nil
}

// WriteText atomically writes s to path using the same tmp-then-rename
// strategy as WriteJSON.
func WriteText(path, s string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: failed to create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("storage: failed to create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(s); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("storage: failed to write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage: failed to close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage: failed to rename temp file into %s: %w", path, err)
	}
	return nil
}

// ReadText reads the file at path, returning ErrNotFound if it is absent.
func ReadText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return "", fmt.Errorf("storage: failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// Exists reports whether path names a file that currently exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
