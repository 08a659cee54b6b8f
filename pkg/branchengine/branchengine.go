// Package branchengine implements C11, the branch engine: reconstructing a
// branch's full message timeline from its ancestor chain, discovering where
// sibling variants diverge, and the tree-mutating operations (create, fork,
// promote, merge, delete) that grow and prune a story's branch tree.
//
// Ported from original_source/app.py's get_full_timeline,
// _resolve_sibling_parent, _get_fork_points, _get_sibling_groups, and the
// api_branches_* route handlers' fork/promote/merge/delete bodies.
package branchengine

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"

	"github.com/loomweave/loomweave/pkg/clock"
	"github.com/loomweave/loomweave/pkg/event"
	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/npc"
	"github.com/loomweave/loomweave/pkg/recap"
	"github.com/loomweave/loomweave/pkg/snapshot"
	"github.com/loomweave/loomweave/pkg/stateupdate"
	"github.com/loomweave/loomweave/pkg/storage"
)

// timelineCache memoizes GetFullTimeline by (storyID, branchID). A
// branch's timeline is built from every ancestor's delta, and a delta
// write can shrink or replace an ancestor's messages (edits, promote,
// merge), so saveDelta purges the whole cache rather than only the
// written branch's entry; no descendant keeps a timeline built from the
// old delta.
var timelineCache, _ = lru.New[string, []model.Message](256)

func timelineCacheKey(storyID, branchID string) string {
	return storyID + "\x00" + branchID
}

// Engine owns the collaborators a branch mutation needs to keep in sync:
// the filesystem root, the branch's world clock, and its event store.
type Engine struct {
	Root   *storage.Root
	Clock  *clock.Clock
	Events *event.Store
}

// New returns an Engine wired to root, clk, and events.
func New(root *storage.Root, clk *clock.Clock, events *event.Store) *Engine {
	return &Engine{Root: root, Clock: clk, Events: events}
}

// LoadTree returns storyID's branch tree, or an empty tree rooted at "main"
// if branches.json does not exist yet.
func LoadTree(root *storage.Root, storyID string) (model.Tree, error) {
	var tree model.Tree
	err := storage.ReadJSON(root.BranchesIndexPath(storyID), &tree)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Tree{ActiveBranchID: model.RootBranchID, Branches: map[string]*model.Branch{}}, nil
		}
		return model.Tree{}, fmt.Errorf("branchengine: failed to load tree for %s: %w", storyID, err)
	}
	if tree.Branches == nil {
		tree.Branches = map[string]*model.Branch{}
	}
	if tree.ActiveBranchID == "" {
		tree.ActiveBranchID = model.RootBranchID
	}
	return tree, nil
}

// SaveTree persists storyID's branch tree.
func SaveTree(root *storage.Root, storyID string, tree model.Tree) error {
	if err := storage.WriteJSON(root.BranchesIndexPath(storyID), tree); err != nil {
		return fmt.Errorf("branchengine: failed to save tree for %s: %w", storyID, err)
	}
	return nil
}

func loadBase(root *storage.Root, storyID string) ([]model.Message, error) {
	var base []model.Message
	err := storage.ReadJSON(root.BaseConversationPath(storyID), &base)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("branchengine: failed to load base conversation for %s: %w", storyID, err)
	}
	return base, nil
}

// BaseConversationLength returns the number of messages in storyID's
// original seed conversation — the "original_count" the HTTP init route
// reports so a client can distinguish imported history from turns played
// since.
func BaseConversationLength(root *storage.Root, storyID string) (int, error) {
	base, err := loadBase(root, storyID)
	if err != nil {
		return 0, err
	}
	return len(base), nil
}

func loadDelta(root *storage.Root, storyID, branchID string) ([]model.Message, error) {
	var delta []model.Message
	err := storage.ReadJSON(root.MessagesDeltaPath(storyID, branchID), &delta)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("branchengine: failed to load delta for %s/%s: %w", storyID, branchID, err)
	}
	return delta, nil
}

func saveDelta(root *storage.Root, storyID, branchID string, delta []model.Message) error {
	if delta == nil {
		delta = []model.Message{}
	}
	if err := storage.WriteJSON(root.MessagesDeltaPath(storyID, branchID), delta); err != nil {
		return fmt.Errorf("branchengine: failed to save delta for %s/%s: %w", storyID, branchID, err)
	}
	timelineCache.Purge()
	return nil
}

// AppendMessage appends msg to branchID's own delta file — not the full
// reconstructed timeline, just the slice this branch itself owns. The turn
// pipeline uses this to persist the user message and, separately, the GM
// reply; a write spanning both calls of a single turn must hold the
// branch's write lock for its full duration, so callers are responsible
// for acquiring that lock around both calls together.
func AppendMessage(root *storage.Root, storyID, branchID string, msg model.Message) error {
	delta, err := loadDelta(root, storyID, branchID)
	if err != nil {
		return err
	}
	delta = append(delta, msg)
	return saveDelta(root, storyID, branchID, delta)
}

// RemoveLastMessage drops the most recently appended message from
// branchID's own delta file. Used to unwind a turn whose LLM call failed
// after the player's message had already been persisted, so a retried
// send doesn't leave an orphaned, unanswered message sitting in the
// timeline ahead of it. Callers hold the branch's write lock, same as
// AppendMessage. A no-op if the delta is already empty.
func RemoveLastMessage(root *storage.Root, storyID, branchID string) error {
	delta, err := loadDelta(root, storyID, branchID)
	if err != nil {
		return err
	}
	if len(delta) == 0 {
		return nil
	}
	return saveDelta(root, storyID, branchID, delta[:len(delta)-1])
}

// NextMessageIndex returns the index the next message appended to
// branchID's full timeline would receive.
func NextMessageIndex(root *storage.Root, storyID string, tree model.Tree, branchID string) (int, error) {
	timeline, err := GetFullTimeline(root, storyID, tree, branchID)
	if err != nil {
		return 0, err
	}
	return len(timeline), nil
}

// ancestorChain returns branchID's ancestors from the root branch down to
// (and including) branchID itself. An unknown branchID yields nil.
func ancestorChain(tree model.Tree, branchID string) []*model.Branch {
	var chain []*model.Branch
	cur := branchID
	for cur != "" {
		b, ok := tree.Branches[cur]
		if !ok {
			break
		}
		chain = append(chain, b)
		if b.ParentID == nil {
			break
		}
		cur = *b.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// GetFullTimeline reconstructs branchID's complete message history: the
// story's base conversation, truncated and extended by each ancestor's
// delta in turn. Every returned message carries the id of the branch that
// owns it, computed at read time rather than persisted (see spec's Open
// Question on owner_branch_id). Results are memoized in timelineCache; a
// cache hit returns a fresh copy so a caller mutating its own slice (e.g.
// Promote's OwnerBranchID clearing) can never corrupt the cached entry.
func GetFullTimeline(root *storage.Root, storyID string, tree model.Tree, branchID string) ([]model.Message, error) {
	key := timelineCacheKey(storyID, branchID)
	if cached, ok := timelineCache.Get(key); ok {
		return append([]model.Message(nil), cached...), nil
	}

	timeline, err := reconstructFullTimeline(root, storyID, tree, branchID)
	if err != nil {
		return nil, err
	}

	timelineCache.Add(key, timeline)
	return append([]model.Message(nil), timeline...), nil
}

func reconstructFullTimeline(root *storage.Root, storyID string, tree model.Tree, branchID string) ([]model.Message, error) {
	base, err := loadBase(root, storyID)
	if err != nil {
		return nil, err
	}

	chain := ancestorChain(tree, branchID)
	if len(chain) == 0 {
		for i := range base {
			base[i].OwnerBranchID = model.RootBranchID
		}
		return base, nil
	}

	for i := range base {
		base[i].OwnerBranchID = chain[0].ID
	}
	timeline := base

	for _, b := range chain {
		if b.BranchPointIndex != nil {
			bp := *b.BranchPointIndex
			kept := timeline[:0:0]
			for _, m := range timeline {
				if m.Index <= bp {
					kept = append(kept, m)
				}
			}
			timeline = kept
		}

		delta, err := loadDelta(root, storyID, b.ID)
		if err != nil {
			return nil, err
		}
		for i := range delta {
			delta[i].OwnerBranchID = b.ID
		}
		timeline = append(timeline, delta...)
	}

	return timeline, nil
}

// resolveSiblingParent walks up parentBranchID's ancestor chain while each
// ancestor's own branch point is at or after branchPointIndex. This stops a
// repeated edit/regenerate at the same origin message from chaining new
// branches linearly off one another instead of forking as true siblings
// that share a grandparent.
func resolveSiblingParent(tree model.Tree, parentBranchID string, branchPointIndex int) string {
	current := parentBranchID
	for {
		b, ok := tree.Branches[current]
		if !ok || current == model.RootBranchID {
			return current
		}
		if b.BranchPointIndex != nil && branchPointIndex <= *b.BranchPointIndex {
			if b.ParentID == nil {
				current = model.RootBranchID
			} else {
				current = *b.ParentID
			}
			continue
		}
		return current
	}
}

// ForkPoint identifies one sibling branch diverging from an ancestor of the
// branch being viewed, at a specific message index.
type ForkPoint struct {
	BranchID   string `json:"branch_id"`
	BranchName string `json:"branch_name"`
}

// GetForkPoints returns, for every message index at which a visible sibling
// of one of branchID's ancestors diverges, the list of branches that
// diverge there — used to render fork markers alongside the timeline.
func GetForkPoints(tree model.Tree, branchID string) map[int][]ForkPoint {
	ancestors := map[string]bool{}
	cur := branchID
	for cur != "" {
		ancestors[cur] = true
		b, ok := tree.Branches[cur]
		if !ok || b.ParentID == nil {
			break
		}
		cur = *b.ParentID
	}

	points := map[int][]ForkPoint{}
	ids := make([]string, 0, len(tree.Branches))
	for id := range tree.Branches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		b := tree.Branches[id]
		if id == branchID || b.Deleted || b.Blank || b.Merged {
			continue
		}
		if b.ParentID == nil || b.BranchPointIndex == nil {
			continue
		}
		if !ancestors[*b.ParentID] {
			continue
		}
		points[*b.BranchPointIndex] = append(points[*b.BranchPointIndex], ForkPoint{BranchID: id, BranchName: b.Name})
	}
	return points
}

// Variant is one competing continuation at a sibling group's divergence
// point — either the parent's own continuation, or one of its children.
type Variant struct {
	BranchID  string `json:"branch_id"`
	Label     string `json:"label"`
	IsCurrent bool   `json:"is_current"`
}

// SiblingGroup collects every variant that diverges at the same
// (parent, branch_point_index) pair, for rendering a "1 of N" switcher.
type SiblingGroup struct {
	CurrentVariant int       `json:"current_variant"`
	Total          int       `json:"total"`
	Variants       []Variant `json:"variants"`
}

// GetSiblingGroups groups branchID's ancestors' sibling forks by divergence
// point, keyed by the message index of the first message the group's
// variants disagree about (branch_point_index + 1).
func GetSiblingGroups(root *storage.Root, storyID string, tree model.Tree, branchID string) (map[int]SiblingGroup, error) {
	if _, ok := tree.Branches[branchID]; !ok {
		return map[int]SiblingGroup{}, nil
	}

	var ancestorIDs []string
	ancestorSet := map[string]bool{}
	cur := branchID
	for cur != "" {
		ancestorIDs = append(ancestorIDs, cur)
		ancestorSet[cur] = true
		b, ok := tree.Branches[cur]
		if !ok || b.ParentID == nil {
			break
		}
		cur = *b.ParentID
	}

	type forkKey struct {
		parentID string
		bpIndex  int
	}
	forkMap := map[forkKey][]*model.Branch{}
	ids := make([]string, 0, len(tree.Branches))
	for id := range tree.Branches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		b := tree.Branches[id]
		if b.Deleted || b.Blank || b.Merged {
			continue
		}
		if b.ParentID == nil || b.BranchPointIndex == nil || !ancestorSet[*b.ParentID] {
			continue
		}
		key := forkKey{*b.ParentID, *b.BranchPointIndex}
		forkMap[key] = append(forkMap[key], b)
	}

	base, err := loadBase(root, storyID)
	if err != nil {
		return nil, err
	}

	groups := map[int]SiblingGroup{}
	for key, children := range forkMap {
		sort.Slice(children, func(i, j int) bool { return children[i].CreatedAt.Before(children[j].CreatedAt) })

		parentDelta, err := loadDelta(root, storyID, key.parentID)
		if err != nil {
			return nil, err
		}
		parentHasContinuation := false
		for _, m := range parentDelta {
			if m.Index > key.bpIndex {
				parentHasContinuation = true
				break
			}
		}
		if key.parentID == model.RootBranchID && !parentHasContinuation {
			for _, m := range base {
				if m.Index > key.bpIndex {
					parentHasContinuation = true
					break
				}
			}
		}

		var variants []Variant
		if parentHasContinuation {
			parent := tree.Branches[key.parentID]
			childIsAncestor := false
			for _, c := range children {
				if ancestorSet[c.ID] {
					childIsAncestor = true
					break
				}
			}
			variants = append(variants, Variant{
				BranchID:  key.parentID,
				Label:     parent.Name,
				IsCurrent: ancestorSet[key.parentID] && !childIsAncestor,
			})
		}
		for _, c := range children {
			variants = append(variants, Variant{BranchID: c.ID, Label: c.Name, IsCurrent: ancestorSet[c.ID]})
		}

		if len(variants) < 2 {
			continue
		}
		currentVariant := 0
		for vi, v := range variants {
			if v.IsCurrent {
				currentVariant = vi + 1
				break
			}
		}
		groups[key.bpIndex+1] = SiblingGroup{CurrentVariant: currentVariant, Total: len(variants), Variants: variants}
	}

	return groups, nil
}

func newBranchID() string {
	return "branch_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewAutoPlayBranchID returns a branch id tagged for the auto-play driver,
// matching original_source/auto_play.py's setup() naming its run branches
// "auto_<uuid8>" so downstream consumers can recognize them at a glance.
func NewAutoPlayBranchID() string {
	return "auto_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func loadCharacterState(root *storage.Root, storyID, branchID string) (model.CharacterState, error) {
	var state model.CharacterState
	err := storage.ReadJSON(root.CharacterStatePath(storyID, branchID), &state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.CharacterState{}, nil
		}
		return nil, fmt.Errorf("branchengine: failed to load character state for %s/%s: %w", storyID, branchID, err)
	}
	return state, nil
}

// BlankCharacterState builds a placeholder character sheet from schema:
// every scalar field gets a type-appropriate empty value, every list gets
// an empty slice, and every map field gets an empty map. Used to seed a
// blank branch, which inherits nothing from its parent.
func BlankCharacterState(schema model.CharacterSchema) model.CharacterState {
	state := model.CharacterState{}
	for _, f := range schema.Fields {
		if f.Type == model.FieldNumber {
			state[f.Key] = 0
		} else {
			state[f.Key] = "—"
		}
	}
	for _, l := range schema.Lists {
		if l.Type == model.ListMap {
			state[l.Key] = map[string]any{}
		} else {
			state[l.Key] = []any{}
		}
	}
	return state
}

// forkSeed copies everything a new branch inherits from its resolved
// parent at branchPointIndex: character state and NPC roster from the
// nearest snapshot at or before that index (falling back to the parent's
// own live files if the timeline carries no snapshot yet), its narrative
// recap, its world day, its fate-dice cheats, and its events. Team mode is
// copied by CreateBranchWithID, not here.
func (e *Engine) forkSeed(storyID string, tree model.Tree, parentID, childID string, branchPointIndex int) error {
	timeline, err := GetFullTimeline(e.Root, storyID, tree, parentID)
	if err != nil {
		return err
	}

	state, found := snapshot.FindStateAt(timeline, branchPointIndex)
	if !found {
		state, err = loadCharacterState(e.Root, storyID, parentID)
		if err != nil {
			return err
		}
	}
	if err := storage.WriteJSON(e.Root.CharacterStatePath(storyID, childID), state); err != nil {
		return fmt.Errorf("branchengine: failed to seed character state for %s: %w", childID, err)
	}

	roster, found := snapshot.FindNPCsAt(timeline, branchPointIndex)
	if !found {
		roster, err = npc.Load(e.Root, storyID, parentID)
		if err != nil {
			return err
		}
	}
	if err := npc.Save(e.Root, storyID, childID, roster); err != nil {
		return err
	}

	if err := recap.CopyToBranch(e.Root, storyID, parentID, childID, branchPointIndex); err != nil {
		return err
	}
	if e.Clock != nil {
		if err := e.Clock.CopyFrom(storyID, parentID, childID); err != nil {
			return err
		}
	}
	if err := stateupdate.CopyCheats(e.Root, storyID, parentID, childID); err != nil {
		return err
	}
	if e.Events != nil {
		bp := branchPointIndex
		if err := e.Events.CopyForFork(parentID, childID, &bp); err != nil {
			return fmt.Errorf("branchengine: failed to copy events for %s: %w", childID, err)
		}
	}
	return nil
}

// CreateBranch forks a new named branch from parentBranchID at
// branchPointIndex, seeding its state from the parent's timeline and
// switching the tree's active branch to it. The parent is first resolved
// through resolveSiblingParent, so repeated forks from the same origin
// message become siblings rather than a linear chain.
func (e *Engine) CreateBranch(storyID string, tree *model.Tree, parentBranchID, name string, branchPointIndex int) (*model.Branch, error) {
	return e.CreateBranchWithID(storyID, tree, parentBranchID, name, branchPointIndex, newBranchID())
}

// CreateBranchWithID is CreateBranch with an explicit branch id rather than
// a generated one. The auto-play driver uses this so its branches carry the
// auto_ prefix the HTTP surface recognizes for auto_play_state reporting.
func (e *Engine) CreateBranchWithID(storyID string, tree *model.Tree, parentBranchID, name string, branchPointIndex int, id string) (*model.Branch, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("branchengine: branch name required")
	}
	parentBranchID = resolveSiblingParent(*tree, parentBranchID, branchPointIndex)
	parent, ok := tree.Branches[parentBranchID]
	var parentTeamMode string
	if ok {
		parentTeamMode = parent.TeamMode
	} else if parentBranchID != model.RootBranchID {
		return nil, fmt.Errorf("branchengine: parent branch %q not found", parentBranchID)
	}

	now := time.Now().UTC()
	bp := branchPointIndex

	if err := e.forkSeed(storyID, *tree, parentBranchID, id, branchPointIndex); err != nil {
		return nil, err
	}
	if err := saveDelta(e.Root, storyID, id, nil); err != nil {
		return nil, err
	}

	branch := &model.Branch{
		ID:               id,
		Name:             name,
		ParentID:         &parentBranchID,
		BranchPointIndex: &bp,
		CreatedAt:        now,
		TeamMode:         parentTeamMode,
	}
	tree.Branches[id] = branch
	tree.ActiveBranchID = id
	return branch, nil
}

// CreateBlankBranch starts a fresh game thread under storyID: an empty
// character sheet (from schema), no NPCs, no inherited messages, and a
// branch_point_index of -1 marking it as inheriting nothing.
func (e *Engine) CreateBlankBranch(storyID string, tree *model.Tree, schema model.CharacterSchema, name string) (*model.Branch, error) {
	return e.CreateBlankBranchWithID(storyID, tree, schema, name, newBranchID())
}

// CreateBlankBranchWithID is CreateBlankBranch with an explicit branch id,
// for the same reason CreateBranchWithID exists.
func (e *Engine) CreateBlankBranchWithID(storyID string, tree *model.Tree, schema model.CharacterSchema, name, id string) (*model.Branch, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("branchengine: branch name required")
	}

	now := time.Now().UTC()
	bp := model.BlankBranchPoint

	if err := storage.WriteJSON(e.Root.CharacterStatePath(storyID, id), BlankCharacterState(schema)); err != nil {
		return nil, fmt.Errorf("branchengine: failed to seed blank character state for %s: %w", id, err)
	}
	if err := npc.Save(e.Root, storyID, id, nil); err != nil {
		return nil, err
	}
	if err := saveDelta(e.Root, storyID, id, nil); err != nil {
		return nil, err
	}

	parentID := model.RootBranchID
	branch := &model.Branch{
		ID:               id,
		Name:             name,
		ParentID:         &parentID,
		BranchPointIndex: &bp,
		CreatedAt:        now,
		Blank:            true,
	}
	tree.Branches[id] = branch
	tree.ActiveBranchID = id
	return branch, nil
}

// Promote adopts branchID's full timeline as the story's new main line: the
// portion of its timeline past the original base conversation becomes
// main's delta, its character state/NPCs/recap/world-day overwrite main's,
// every ancestor between main and branchID is soft-deleted (their data is
// kept so older messages still resolve), and every branch that was parented
// under one of those ancestors is reparented onto main directly.
func (e *Engine) Promote(storyID string, tree *model.Tree) error {
	branchID := tree.ActiveBranchID
	if branchID == "" || branchID == model.RootBranchID {
		return fmt.Errorf("branchengine: invalid branch_id")
	}
	if _, ok := tree.Branches[branchID]; !ok {
		return fmt.Errorf("branchengine: branch %q not found", branchID)
	}

	base, err := loadBase(e.Root, storyID)
	if err != nil {
		return err
	}
	baseCount := len(base)

	fullTimeline, err := GetFullTimeline(e.Root, storyID, *tree, branchID)
	if err != nil {
		return err
	}
	var newMessages []model.Message
	for _, m := range fullTimeline {
		if m.Index >= baseCount {
			m.OwnerBranchID = ""
			newMessages = append(newMessages, m)
		}
	}

	var ancestorChainIDs []string
	cur := branchID
	for cur != "" && cur != model.RootBranchID {
		ancestorChainIDs = append(ancestorChainIDs, cur)
		b, ok := tree.Branches[cur]
		if !ok || b.ParentID == nil {
			break
		}
		cur = *b.ParentID
	}

	if err := saveDelta(e.Root, storyID, model.RootBranchID, newMessages); err != nil {
		return err
	}
	if err := recap.CopyToBranch(e.Root, storyID, branchID, model.RootBranchID, model.BlankBranchPoint); err != nil {
		return err
	}
	if e.Clock != nil {
		if err := e.Clock.CopyFrom(storyID, branchID, model.RootBranchID); err != nil {
			return err
		}
	}
	if state, err := loadCharacterState(e.Root, storyID, branchID); err == nil {
		if err := storage.WriteJSON(e.Root.CharacterStatePath(storyID, model.RootBranchID), state); err != nil {
			return fmt.Errorf("branchengine: failed to promote character state: %w", err)
		}
	} else {
		return err
	}
	if roster, err := npc.Load(e.Root, storyID, branchID); err == nil {
		if err := npc.Save(e.Root, storyID, model.RootBranchID, roster); err != nil {
			return err
		}
	} else {
		return err
	}

	removed := map[string]bool{}
	for _, id := range ancestorChainIDs {
		removed[id] = true
	}
	for id, b := range tree.Branches {
		if id == model.RootBranchID || removed[id] {
			continue
		}
		if b.ParentID != nil && removed[*b.ParentID] {
			root := model.RootBranchID
			b.ParentID = &root
		}
	}

	now := time.Now().UTC()
	for _, id := range ancestorChainIDs {
		b := tree.Branches[id]
		b.Deleted = true
		b.DeletedAt = &now
		b.WasMain = true
	}

	tree.ActiveBranchID = model.RootBranchID
	return nil
}

// Merge folds childID's delta onto its parent from the branch point onward,
// copies its character state, NPCs, recap, and world day onto the parent,
// reparents the child's own children onto the parent, and marks the child
// merged. It refuses to merge the root branch, an already-deleted branch,
// or an already-merged branch.
func (e *Engine) Merge(storyID string, tree *model.Tree, childID string) (string, error) {
	if childID == "" || childID == model.RootBranchID {
		return "", fmt.Errorf("branchengine: invalid branch_id")
	}
	child, ok := tree.Branches[childID]
	if !ok {
		return "", fmt.Errorf("branchengine: branch %q not found", childID)
	}
	if child.Deleted {
		return "", fmt.Errorf("branchengine: cannot merge a deleted branch")
	}
	if child.Merged {
		return "", fmt.Errorf("branchengine: branch already merged")
	}
	if child.ParentID == nil {
		return "", fmt.Errorf("branchengine: branch has no parent")
	}
	parentID := *child.ParentID
	if _, ok := tree.Branches[parentID]; !ok && parentID != model.RootBranchID {
		return "", fmt.Errorf("branchengine: parent branch %q not found", parentID)
	}

	bp := -1
	if child.BranchPointIndex != nil {
		bp = *child.BranchPointIndex
	}
	parentMsgs, err := loadDelta(e.Root, storyID, parentID)
	if err != nil {
		return "", err
	}
	var kept []model.Message
	for _, m := range parentMsgs {
		if m.Index <= bp {
			kept = append(kept, m)
		}
	}
	childMsgs, err := loadDelta(e.Root, storyID, childID)
	if err != nil {
		return "", err
	}
	for _, m := range childMsgs {
		m.OwnerBranchID = ""
		kept = append(kept, m)
	}
	if err := saveDelta(e.Root, storyID, parentID, kept); err != nil {
		return "", err
	}

	if state, err := loadCharacterState(e.Root, storyID, childID); err == nil {
		if err := storage.WriteJSON(e.Root.CharacterStatePath(storyID, parentID), state); err != nil {
			return "", fmt.Errorf("branchengine: failed to merge character state: %w", err)
		}
	} else {
		return "", err
	}
	if roster, err := npc.Load(e.Root, storyID, childID); err == nil {
		if err := npc.Save(e.Root, storyID, parentID, roster); err != nil {
			return "", err
		}
	} else {
		return "", err
	}
	if err := recap.CopyToBranch(e.Root, storyID, childID, parentID, model.BlankBranchPoint); err != nil {
		return "", err
	}
	if e.Clock != nil {
		if err := e.Clock.CopyFrom(storyID, childID, parentID); err != nil {
			return "", err
		}
	}
	if e.Events != nil {
		if err := e.Events.MergeInto(childID, parentID); err != nil {
			return "", fmt.Errorf("branchengine: failed to merge events: %w", err)
		}
	}

	for _, b := range tree.Branches {
		if b.ParentID != nil && *b.ParentID == childID {
			b.ParentID = &parentID
		}
	}

	now := time.Now().UTC()
	child.Merged = true
	child.MergedAt = &now

	if tree.ActiveBranchID == childID {
		tree.ActiveBranchID = parentID
	}
	return parentID, nil
}

// Delete removes branchID and every non-deleted descendant, found by a
// breadth-first walk of the tree. A descendant that was once promoted to
// main (WasMain) is soft-deleted to preserve the data earlier timelines
// still read through; any other descendant is hard-deleted: its branch
// directory and event rows are removed and it is dropped from the tree.
func (e *Engine) Delete(storyID string, tree *model.Tree, branchID string) error {
	if branchID == model.RootBranchID {
		return fmt.Errorf("branchengine: cannot delete main branch")
	}
	if _, ok := tree.Branches[branchID]; !ok {
		return fmt.Errorf("branchengine: branch %q not found", branchID)
	}

	toDelete := []string{}
	seen := map[string]bool{}
	queue := []string{branchID}
	for len(queue) > 0 {
		bid := queue[0]
		queue = queue[1:]
		if seen[bid] {
			continue
		}
		seen[bid] = true
		toDelete = append(toDelete, bid)

		ids := make([]string, 0, len(tree.Branches))
		for id := range tree.Branches {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			b := tree.Branches[id]
			if b.ParentID != nil && *b.ParentID == bid && !seen[id] && !b.Deleted {
				queue = append(queue, id)
			}
		}
	}

	now := time.Now().UTC()
	for _, bid := range toDelete {
		b, ok := tree.Branches[bid]
		if !ok {
			continue
		}
		if b.WasMain {
			b.Deleted = true
			b.DeletedAt = &now
			continue
		}
		if err := e.hardDelete(storyID, bid); err != nil {
			return err
		}
		delete(tree.Branches, bid)
	}

	if seen[tree.ActiveBranchID] {
		tree.ActiveBranchID = model.RootBranchID
	}
	return nil
}

func (e *Engine) hardDelete(storyID, branchID string) error {
	dir := e.Root.BranchDir(storyID, branchID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("branchengine: failed to remove branch dir %s: %w", dir, err)
	}
	if e.Events != nil {
		if err := e.Events.DeleteForBranch(branchID); err != nil {
			return fmt.Errorf("branchengine: failed to delete events for %s: %w", branchID, err)
		}
	}
	return nil
}
