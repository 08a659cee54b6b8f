// Package npc implements the per-branch NPC roster: identity-matched
// upsert, fork propagation, and the system-prompt profile block the turn
// pipeline injects into context.
//
// Ported from original_source/app.py's _load_npcs/_save_npc/
// _copy_npcs_to_branch/_build_npc_text.
package npc

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/storage"
	"github.com/loomweave/loomweave/pkg/textindex"
)

// Load reads a branch's NPC roster, returning an empty slice if none has
// been written yet.
func Load(root *storage.Root, storyID, branchID string) ([]model.NPC, error) {
	var npcs []model.NPC
	err := storage.ReadJSON(root.NPCsPath(storyID, branchID), &npcs)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("npc: failed to load roster for %s/%s: %w", storyID, branchID, err)
	}
	return npcs, nil
}

// Save writes a branch's NPC roster.
func Save(root *storage.Root, storyID, branchID string, npcs []model.NPC) error {
	if err := storage.WriteJSON(root.NPCsPath(storyID, branchID), npcs); err != nil {
		return fmt.Errorf("npc: failed to save roster for %s/%s: %w", storyID, branchID, err)
	}
	return nil
}

// CopyToBranch propagates a parent branch's NPC roster verbatim to a
// freshly forked child.
func CopyToBranch(root *storage.Root, storyID, fromBranchID, toBranchID string) error {
	npcs, err := Load(root, storyID, fromBranchID)
	if err != nil {
		return err
	}
	return Save(root, storyID, toBranchID, npcs)
}

var nonWordPattern = regexp.MustCompile(`\W+`)

func generateID(name string) string {
	id := nonWordPattern.ReplaceAllString(name, "")
	if len(id) > 20 {
		id = id[:20]
	}
	return "npc_" + id
}

// Upsert merges incoming into roster, matching an existing entry by
// identity (name, case- and punctuation-insensitive, NFKC-normalized —
// see textindex.SameEntity) rather than exact string equality. A matched
// entry keeps every field incoming leaves unset; an unmatched entry is
// appended with a generated id if it didn't carry one. Returns the
// updated roster and whether an existing entry was matched.
func Upsert(roster []model.NPC, incoming model.NPC) ([]model.NPC, bool) {
	name := strings.TrimSpace(incoming.Name)
	if name == "" {
		return roster, false
	}
	incoming.Name = name
	if incoming.ID == "" {
		incoming.ID = generateID(name)
	}

	for i, existing := range roster {
		if textindex.SameEntity(existing.Name, name) {
			roster[i] = mergeNPC(existing, incoming)
			return roster, true
		}
	}
	return append(roster, incoming), false
}

// mergeNPC keeps every field of existing that incoming leaves at its zero
// value, mirroring the original's `{**existing, **incoming}` dict merge.
func mergeNPC(existing, incoming model.NPC) model.NPC {
	merged := existing
	if incoming.ID != "" {
		merged.ID = incoming.ID
	}
	merged.Name = incoming.Name
	if incoming.Role != "" {
		merged.Role = incoming.Role
	}
	if incoming.Appearance != "" {
		merged.Appearance = incoming.Appearance
	}
	if incoming.Personality != nil {
		merged.Personality = incoming.Personality
	}
	if incoming.Backstory != "" {
		merged.Backstory = incoming.Backstory
	}
	if incoming.CurrentStatus != "" {
		merged.CurrentStatus = incoming.CurrentStatus
	}
	if incoming.NotableTraits != nil {
		merged.NotableTraits = incoming.NotableTraits
	}
	if incoming.RelationshipToPlayer != "" {
		merged.RelationshipToPlayer = incoming.RelationshipToPlayer
	}
	if incoming.Tier != "" {
		merged.Tier = incoming.Tier
	}
	if incoming.LifecycleStatus != "" {
		merged.LifecycleStatus = incoming.LifecycleStatus
	}
	if incoming.ArchivedReason != "" {
		merged.ArchivedReason = incoming.ArchivedReason
	}
	return merged
}

// maxActivityBatches bounds npc_activities.json, matching the original's
// "keep last 20 entries" retention in get_recent_activities' sibling saver.
const maxActivityBatches = 20

// LoadActivities reads a branch's recorded NPC-activity batches, returning
// an empty slice if none has been recorded yet.
func LoadActivities(root *storage.Root, storyID, branchID string) ([]model.NPCActivityBatch, error) {
	var batches []model.NPCActivityBatch
	err := storage.ReadJSON(root.NPCActivitiesPath(storyID, branchID), &batches)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("npc: failed to load activities for %s/%s: %w", storyID, branchID, err)
	}
	return batches, nil
}

// AppendActivityBatch records one turn's worth of simulated NPC activity,
// trimming to the most recent maxActivityBatches entries. Callers must
// serialize concurrent writers through root.Locks().
func AppendActivityBatch(root *storage.Root, storyID, branchID string, batch model.NPCActivityBatch) error {
	batches, err := LoadActivities(root, storyID, branchID)
	if err != nil {
		return err
	}
	batches = append(batches, batch)
	if len(batches) > maxActivityBatches {
		batches = batches[len(batches)-maxActivityBatches:]
	}
	if err := storage.WriteJSON(root.NPCActivitiesPath(storyID, branchID), batches); err != nil {
		return fmt.Errorf("npc: failed to save activities for %s/%s: %w", storyID, branchID, err)
	}
	return nil
}

// RecentActivitiesText renders the most recent limit activity batches as
// GM-context injection text, or "" if none have been recorded.
func RecentActivitiesText(batches []model.NPCActivityBatch, limit int) string {
	if len(batches) == 0 {
		return ""
	}
	if limit > 0 && len(batches) > limit {
		batches = batches[len(batches)-limit:]
	}

	lines := []string{"[NPC 近期動態]"}
	for _, batch := range batches {
		for _, act := range batch.Activities {
			name := act.NPCName
			if name == "" {
				name = "?"
			}
			parts := []string{fmt.Sprintf("%s：%s", name, act.Activity)}
			if act.Mood != "" {
				parts = append(parts, "情緒："+act.Mood)
			}
			if act.Location != "" {
				parts = append(parts, "地點："+act.Location)
			}
			lines = append(lines, "- "+strings.Join(parts, "，"))
		}
	}
	return strings.Join(lines, "\n")
}

// BuildProfileText renders the roster as the system-prompt NPC profile
// block, or a placeholder when the roster is empty.
func BuildProfileText(roster []model.NPC) string {
	if len(roster) == 0 {
		return "（尚無已記錄的 NPC）"
	}

	var blocks []string
	for _, n := range roster {
		var lines []string
		role := n.Role
		if role == "" {
			role = "?"
		}
		name := n.Name
		if name == "" {
			name = "?"
		}
		lines = append(lines, fmt.Sprintf("### %s（%s）", name, role))
		if n.Appearance != "" {
			lines = append(lines, "- 外觀："+n.Appearance)
		}
		if summary, ok := n.Personality["summary"].(string); ok && summary != "" {
			lines = append(lines, "- 性格："+summary)
		}
		if n.RelationshipToPlayer != "" {
			lines = append(lines, "- 與主角關係："+n.RelationshipToPlayer)
		}
		if n.CurrentStatus != "" {
			lines = append(lines, "- 狀態："+n.CurrentStatus)
		}
		if len(n.NotableTraits) > 0 {
			lines = append(lines, "- 特質："+strings.Join(n.NotableTraits, "、"))
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}
	return strings.TrimSpace(strings.Join(blocks, "\n\n"))
}
