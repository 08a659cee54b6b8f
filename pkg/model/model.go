// Package model defines the persistent data shapes shared across the turn
// pipeline and branch engine: stories, branches, messages, character state,
// NPCs, lore, events, and recaps.
//
// The shapes mirror hector's session/task model (pkg/session.Session,
// pkg/task.Task) adapted to the narrative-engine
// domain: a Branch plays the role hector gives a Session, and a Message
// plays the role hector gives an a2a.Message inside an Event.
package model

import "time"

// RootBranchID is the reserved id of a story's root branch.
const RootBranchID = "main"

// BlankBranchPoint marks a branch that inherits no history from its parent.
const BlankBranchPoint = -1

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser Role = "user"
	RoleGM   Role = "gm"
)

// Message is one turn of dialogue in a branch's delta or in the story's
// base parsed conversation.
type Message struct {
	Index     int            `json:"index"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Dice      *DiceResult    `json:"dice,omitempty"`
	Image     *ImageRef      `json:"image,omitempty"`
	Snapshots *MessageSnaps  `json:"snapshots,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// OwnerBranchID is derived at read time during timeline reconstruction;
	// it is never persisted to disk.
	OwnerBranchID string `json:"owner_branch_id,omitempty"`
}

// MessageSnaps holds the three snapshots a GM message carries.
type MessageSnaps struct {
	State     map[string]any `json:"state_snapshot,omitempty"`
	NPCs      []NPC          `json:"npcs_snapshot,omitempty"`
	WorldDay  float64        `json:"world_day_snapshot"`
	CapturedAt time.Time     `json:"captured_at,omitempty"`
}

// ImageRef records a fire-and-forget image generation request.
type ImageRef struct {
	Prompt string `json:"prompt"`
	URL    string `json:"url,omitempty"`
	Status string `json:"status,omitempty"`
}

// DiceResult is the outcome of a fate-dice roll, attached to a user message.
type DiceResult struct {
	Raw           int    `json:"raw"`
	AttrBonus     int    `json:"attr_bonus"`
	PhysiqueMod   int    `json:"physique_mod"`
	SpiritMod     int    `json:"spirit_mod"`
	GeneLockMod   int    `json:"gene_lock_mod"`
	Effective     int    `json:"effective"`
	Outcome       string `json:"outcome"`
	CheatModifier int    `json:"cheat_modifier,omitempty"`
	AlwaysSuccess bool   `json:"always_success,omitempty"`
}

// Branch is a node in a story's branch tree.
type Branch struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	ParentID         *string    `json:"parent_branch_id"`
	BranchPointIndex *int       `json:"branch_point_index"`
	CreatedAt        time.Time  `json:"created_at"`
	SessionID        *string    `json:"session_id,omitempty"`
	Blank            bool       `json:"blank,omitempty"`
	Deleted          bool       `json:"deleted,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	WasMain          bool       `json:"was_main,omitempty"`
	Merged           bool       `json:"merged,omitempty"`
	MergedAt         *time.Time `json:"merged_at,omitempty"`
	TeamMode         string     `json:"team_mode,omitempty"`
}

// IsRoot reports whether b is the story's root branch.
func (b *Branch) IsRoot() bool {
	return b.ParentID == nil
}

// IsActive reports whether b may currently accept writes.
func (b *Branch) IsActive() bool {
	return !b.Deleted && !b.Merged
}

// IsBlank reports whether b is a blank branch (branch_point_index == -1).
func (b *Branch) IsBlank() bool {
	if b.Blank {
		return true
	}
	return b.BranchPointIndex != nil && *b.BranchPointIndex == BlankBranchPoint
}

// Tree is a story's complete branch set plus which one is currently active.
// It is the in-memory shape of branches.json.
type Tree struct {
	ActiveBranchID string             `json:"active_branch_id"`
	Branches       map[string]*Branch `json:"branches"`
}

// NPCLifecycle is the NPC's activity status.
type NPCLifecycle string

const (
	NPCActive   NPCLifecycle = "active"
	NPCArchived NPCLifecycle = "archived"
)

// NPC describes a non-player character tracked by a branch's roster.
type NPC struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Role                string         `json:"role,omitempty"`
	Appearance          string         `json:"appearance,omitempty"`
	Personality         map[string]any `json:"personality,omitempty"`
	Backstory           string         `json:"backstory,omitempty"`
	CurrentStatus       string         `json:"current_status,omitempty"`
	NotableTraits       []string       `json:"notable_traits,omitempty"`
	RelationshipToPlayer string        `json:"relationship_to_player,omitempty"`
	Tier                string         `json:"tier,omitempty"`
	LifecycleStatus     NPCLifecycle   `json:"lifecycle_status"`
	ArchivedReason      string         `json:"archived_reason,omitempty"`
}

// LoreCategory is one of the closed set of seven lore categories.
type LoreCategory string

// The closed set of lore categories, ported verbatim from the original
// implementation's VALID_LORE_CATEGORIES (lore_db.py).
const (
	LoreCategoryCoreRules     LoreCategory = "主神設定與規則"
	LoreCategorySystem        LoreCategory = "體系"
	LoreCategoryMarket        LoreCategory = "商城"
	LoreCategoryDungeonLore   LoreCategory = "副本世界觀"
	LoreCategoryScene         LoreCategory = "場景"
	LoreCategoryNPC           LoreCategory = "NPC"
	LoreCategoryStoryTracking LoreCategory = "故事追蹤"
)

// ValidLoreCategories is the closed set used by lore.Rebuild to drop
// out-of-vocabulary rows.
var ValidLoreCategories = map[LoreCategory]bool{
	LoreCategoryCoreRules:     true,
	LoreCategorySystem:        true,
	LoreCategoryMarket:        true,
	LoreCategoryDungeonLore:   true,
	LoreCategoryScene:         true,
	LoreCategoryNPC:           true,
	LoreCategoryStoryTracking: true,
}

// LoreEntry is a single row of the world-lore corpus.
type LoreEntry struct {
	Category    LoreCategory `json:"category"`
	Topic       string       `json:"topic"`
	Content     string       `json:"content"`
	Subcategory string       `json:"subcategory,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
}

// EventStatus is the lifecycle stage of a tracked event.
type EventStatus string

const (
	EventPlanted   EventStatus = "planted"
	EventTriggered EventStatus = "triggered"
	EventResolved  EventStatus = "resolved"
	EventAbandoned EventStatus = "abandoned"
)

// Event is a structured narrative beat tracked per branch.
type Event struct {
	ID             int64       `json:"id"`
	EventType      string      `json:"event_type"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Status         EventStatus `json:"status"`
	Tags           string      `json:"tags,omitempty"`
	RelatedTitles  string      `json:"related_titles,omitempty"`
	MessageIndex   *int        `json:"message_index,omitempty"`
	BranchID       string      `json:"branch_id"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Recap is the rolling narrative compaction record for a branch.
type Recap struct {
	RecapText              string     `json:"recap_text"`
	CompactedThroughIndex  int        `json:"compacted_through_index"`
	LastCompactedAt        *time.Time `json:"last_compacted_at"`
	TotalTurnsCompacted    int        `json:"total_turns_compacted"`
}

// DefaultRecap returns the zero-value recap used when no recap file exists.
func DefaultRecap() Recap {
	return Recap{CompactedThroughIndex: -1}
}

// CharacterState is the untyped per-branch character sheet. Its recognized
// shape is declared by a per-story CharacterSchema.
type CharacterState map[string]any

// FieldType is a CharacterSchema scalar field's declared type.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldNumber FieldType = "number"
)

// FieldDef declares one scalar field of a character sheet.
type FieldDef struct {
	Key       string    `json:"key"`
	Label     string    `json:"label,omitempty"`
	Type      FieldType `json:"type,omitempty"`
	Highlight bool      `json:"highlight,omitempty"`
	Suffix    string    `json:"suffix,omitempty"`
}

// ListType distinguishes an ordered list field from a map (whole-object
// replace) field.
type ListType string

const (
	ListOrdered ListType = "list"
	ListMap     ListType = "map"
)

// ListDef declares one list- or map-typed field of a character sheet.
// Ordered lists are mutated through a paired add/remove key pointing at
// a list of items in an incoming STATE update; map fields are merged
// key-by-key.
type ListDef struct {
	Key            string   `json:"key"`
	Label          string   `json:"label,omitempty"`
	Type           ListType `json:"type,omitempty"`
	StateAddKey    string   `json:"state_add_key,omitempty"`
	StateRemoveKey string   `json:"state_remove_key,omitempty"`
}

// CharacterSchema declares a story's character-sheet shape: which keys are
// known scalar fields, which are list/map collections, and which scalar
// keys a STATE update may overwrite directly rather than through a
// dedicated field rule.
type CharacterSchema struct {
	Fields              []FieldDef `json:"fields,omitempty"`
	Lists               []ListDef  `json:"lists,omitempty"`
	DirectOverwriteKeys []string   `json:"direct_overwrite_keys,omitempty"`
}

// DefaultCharacterSchema is used for any story that has not declared its
// own character_schema.yaml.
func DefaultCharacterSchema() CharacterSchema {
	return CharacterSchema{
		Fields: []FieldDef{
			{Key: "name", Label: "姓名", Type: FieldText},
			{Key: "gene_lock", Label: "基因鎖", Type: FieldText},
			{Key: "physique", Label: "體質", Type: FieldText},
			{Key: "spirit", Label: "精神力", Type: FieldText},
			{Key: "reward_points", Label: "獎勵點", Type: FieldNumber, Highlight: true, Suffix: " 點"},
			{Key: "current_status", Label: "狀態", Type: FieldText},
		},
		Lists: []ListDef{
			{Key: "inventory", Label: "道具欄", Type: ListOrdered, StateAddKey: "inventory_add", StateRemoveKey: "inventory_remove"},
			{Key: "completed_missions", Label: "已完成任務", Type: ListOrdered, StateAddKey: "completed_missions_add"},
			{Key: "relationships", Label: "人際關係", Type: ListMap},
		},
		DirectOverwriteKeys: []string{"gene_lock", "physique", "spirit", "current_status"},
	}
}

// KnownKeys returns every top-level key this schema recognizes: scalar
// field keys, list/map keys and their add/remove companion keys, and
// direct-overwrite keys. A key absent from this set is "unknown" and is
// written through verbatim by the state updater, pending background
// normalization.
func (s CharacterSchema) KnownKeys() map[string]bool {
	known := make(map[string]bool)
	for _, f := range s.Fields {
		known[f.Key] = true
	}
	for _, l := range s.Lists {
		known[l.Key] = true
		if l.StateAddKey != "" {
			known[l.StateAddKey] = true
		}
		if l.StateRemoveKey != "" {
			known[l.StateRemoveKey] = true
		}
	}
	for _, k := range s.DirectOverwriteKeys {
		known[k] = true
	}
	known["reward_points"] = true
	known["reward_points_delta"] = true
	return known
}

// AgentSnapshot is one entry of a branch's multi-agent snapshot timeline.
type AgentSnapshot struct {
	WorldDay           float64        `json:"world_day"`
	Turn               int            `json:"turn"`
	Phase              string         `json:"phase,omitempty"`
	CharacterState     CharacterState `json:"character_state,omitempty"`
	CompletedMissions  []string       `json:"completed_missions,omitempty"`
	Summary            string         `json:"summary,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
}

// NPCActivity is one NPC's autonomous activity for a single simulation tick.
type NPCActivity struct {
	NPCName  string `json:"npc_name"`
	Activity string `json:"activity"`
	Mood     string `json:"mood,omitempty"`
	Location string `json:"location,omitempty"`
}

// NPCActivityBatch groups the activities a background simulation pass
// produced for one player turn.
type NPCActivityBatch struct {
	TurnIndex  int           `json:"turn_index"`
	Timestamp  time.Time     `json:"timestamp"`
	Activities []NPCActivity `json:"activities"`
}

// Story is one entry of the root-level story registry: enough metadata
// for the HTTP surface to list and switch between stories without loading
// each one's full branch tree.
type Story struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
