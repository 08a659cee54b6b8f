// Package snapshot implements C12: per-GM-message state/NPC/world-day
// snapshots for time-travel reads, and the separate multi-agent
// agent_snapshots.json timeline used by auto-play summaries.
//
// Ported from original_source/app.py's _find_state_at_index/
// _find_npcs_at_index and the agent-snapshot helpers.
package snapshot

import (
	"errors"
	"fmt"
	"sort"

	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/storage"
)

// FindStateAt returns the character-state snapshot carried by the nearest
// GM message at index ≤ idx, scanning timeline in reverse. ok is false if
// no such snapshot exists, in which case the caller should fall back to
// the story's default character state.
func FindStateAt(timeline []model.Message, idx int) (model.CharacterState, bool) {
	for i := len(timeline) - 1; i >= 0; i-- {
		m := timeline[i]
		if m.Index > idx || m.Role != model.RoleGM {
			continue
		}
		if m.Snapshots != nil && m.Snapshots.State != nil {
			return m.Snapshots.State, true
		}
	}
	return nil, false
}

// FindNPCsAt returns the NPC roster snapshot carried by the nearest GM
// message at index ≤ idx, scanning timeline in reverse.
func FindNPCsAt(timeline []model.Message, idx int) ([]model.NPC, bool) {
	for i := len(timeline) - 1; i >= 0; i-- {
		m := timeline[i]
		if m.Index > idx || m.Role != model.RoleGM {
			continue
		}
		if m.Snapshots != nil && m.Snapshots.NPCs != nil {
			return m.Snapshots.NPCs, true
		}
	}
	return nil, false
}

// FindWorldDayAt returns the world-day snapshot carried by the nearest GM
// message at index ≤ idx, scanning timeline in reverse.
func FindWorldDayAt(timeline []model.Message, idx int) (float64, bool) {
	for i := len(timeline) - 1; i >= 0; i-- {
		m := timeline[i]
		if m.Index > idx || m.Role != model.RoleGM {
			continue
		}
		if m.Snapshots != nil {
			return m.Snapshots.WorldDay, true
		}
	}
	return 0, false
}

// LoadAgentSnapshots reads a branch's chronologically sorted multi-agent
// snapshot timeline, returning an empty slice if none exists yet.
func LoadAgentSnapshots(root *storage.Root, storyID, branchID string) ([]model.AgentSnapshot, error) {
	var snaps []model.AgentSnapshot
	err := storage.ReadJSON(root.SnapshotsPath(storyID, branchID), &snaps)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: failed to load agent snapshots for %s/%s: %w", storyID, branchID, err)
	}
	return snaps, nil
}

func saveAgentSnapshots(root *storage.Root, storyID, branchID string, snaps []model.AgentSnapshot) error {
	if err := storage.WriteJSON(root.SnapshotsPath(storyID, branchID), snaps); err != nil {
		return fmt.Errorf("snapshot: failed to save agent snapshots for %s/%s: %w", storyID, branchID, err)
	}
	return nil
}

// AppendAgentSnapshot appends snap to a branch's agent-snapshot timeline,
// keeping it sorted by world day, and persists the result. Concurrent
// callers must serialize through root.Locks() themselves; this function
// itself is not concurrency-safe.
func AppendAgentSnapshot(root *storage.Root, storyID, branchID string, snap model.AgentSnapshot) error {
	snaps, err := LoadAgentSnapshots(root, storyID, branchID)
	if err != nil {
		return err
	}
	snaps = append(snaps, snap)
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].WorldDay < snaps[j].WorldDay })
	return saveAgentSnapshots(root, storyID, branchID, snaps)
}

// MissingSummaryIndices returns the indices into snaps whose Summary field
// is still empty, in timeline order.
func MissingSummaryIndices(snaps []model.AgentSnapshot) []int {
	var idxs []int
	for i, s := range snaps {
		if s.Summary == "" {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// ApplySummaries sets the Summary field of the snapshots at the given
// indices and persists the whole timeline in a single write. Indices
// outside snaps' current bounds (the timeline shifted between the caller
// reading it and generating captions) are silently skipped.
func ApplySummaries(root *storage.Root, storyID, branchID string, captions map[int]string) error {
	if len(captions) == 0 {
		return nil
	}
	snaps, err := LoadAgentSnapshots(root, storyID, branchID)
	if err != nil {
		return err
	}
	for idx, caption := range captions {
		if idx < 0 || idx >= len(snaps) {
			continue
		}
		snaps[idx].Summary = caption
	}
	return saveAgentSnapshots(root, storyID, branchID, snaps)
}

// AgentSnapshotAt returns the latest snapshot with WorldDay ≤ targetDay.
// ok is false if snapshots is empty or every entry is later than
// targetDay.
func AgentSnapshotAt(snapshots []model.AgentSnapshot, targetDay float64) (model.AgentSnapshot, bool) {
	var best model.AgentSnapshot
	found := false
	for _, s := range snapshots {
		if s.WorldDay <= targetDay && (!found || s.WorldDay > best.WorldDay) {
			best = s
			found = true
		}
	}
	return best, found
}
