package branchengine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomweave/loomweave/pkg/clock"
	"github.com/loomweave/loomweave/pkg/event"
	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/npc"
	"github.com/loomweave/loomweave/pkg/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	root, err := storage.NewRoot(t.TempDir())
	require.NoError(t, err)
	events, err := event.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })
	return New(root, clock.New(root, 0, 0), events)
}

func seedBase(t *testing.T, e *Engine, storyID string, messages []model.Message) {
	t.Helper()
	require.NoError(t, storage.WriteJSON(e.Root.BaseConversationPath(storyID), messages))
}

func TestGetFullTimelineUnknownBranchReturnsBaseStampedAsMain(t *testing.T) {
	e := newTestEngine(t)
	seedBase(t, e, "story-1", []model.Message{{Index: 0, Role: model.RoleUser, Content: "嗨"}})

	timeline, err := GetFullTimeline(e.Root, "story-1", model.Tree{}, "missing-branch")
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, model.RootBranchID, timeline[0].OwnerBranchID)
}

func TestGetFullTimelineTruncatesAtAncestorBranchPointAndStampsOwners(t *testing.T) {
	e := newTestEngine(t)
	seedBase(t, e, "story-1", []model.Message{
		{Index: 0, Role: model.RoleUser, Content: "0"},
		{Index: 1, Role: model.RoleGM, Content: "1"},
		{Index: 2, Role: model.RoleUser, Content: "2"},
	})
	require.NoError(t, saveDelta(e.Root, "story-1", "branch-a", []model.Message{
		{Index: 2, Role: model.RoleUser, Content: "2-alt"},
		{Index: 3, Role: model.RoleGM, Content: "3-alt"},
	}))

	bp := 1
	tree := model.Tree{Branches: map[string]*model.Branch{
		"branch-a": {ID: "branch-a", ParentID: strPtr(model.RootBranchID), BranchPointIndex: &bp},
	}}

	timeline, err := GetFullTimeline(e.Root, "story-1", tree, "branch-a")
	require.NoError(t, err)
	require.Len(t, timeline, 4)
	assert.Equal(t, model.RootBranchID, timeline[0].OwnerBranchID)
	assert.Equal(t, model.RootBranchID, timeline[1].OwnerBranchID)
	assert.Equal(t, "2-alt", timeline[2].Content)
	assert.Equal(t, "branch-a", timeline[2].OwnerBranchID)
	assert.Equal(t, "branch-a", timeline[3].OwnerBranchID)
}

func TestResolveSiblingParentWalksUpWhenForkingAtOrBeforeParentsOwnBranchPoint(t *testing.T) {
	bp5 := 5
	tree := model.Tree{Branches: map[string]*model.Branch{
		"branch-a": {ID: "branch-a", ParentID: strPtr(model.RootBranchID), BranchPointIndex: &bp5},
	}}

	assert.Equal(t, model.RootBranchID, resolveSiblingParent(tree, "branch-a", 3))
	assert.Equal(t, model.RootBranchID, resolveSiblingParent(tree, "branch-a", 5))
	assert.Equal(t, "branch-a", resolveSiblingParent(tree, "branch-a", 6))
}

func TestCreateBranchSeedsStateFromParentSnapshotAtBranchPoint(t *testing.T) {
	e := newTestEngine(t)
	seedBase(t, e, "story-1", []model.Message{
		{Index: 0, Role: model.RoleUser, Content: "開始"},
		{Index: 1, Role: model.RoleGM, Content: "回應", Snapshots: &model.MessageSnaps{
			State: map[string]any{"hp": float64(80)},
			NPCs:  []model.NPC{{Name: "鐵匠"}},
		}},
	})
	tree := model.Tree{ActiveBranchID: model.RootBranchID, Branches: map[string]*model.Branch{}}

	branch, err := e.CreateBranch("story-1", &tree, model.RootBranchID, "新分支", 1)
	require.NoError(t, err)
	assert.Equal(t, tree.ActiveBranchID, branch.ID)

	roster, err := npc.Load(e.Root, "story-1", branch.ID)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "鐵匠", roster[0].Name)

	var state model.CharacterState
	require.NoError(t, storage.ReadJSON(e.Root.CharacterStatePath("story-1", branch.ID), &state))
	assert.Equal(t, float64(80), state["hp"])

	delta, err := loadDelta(e.Root, "story-1", branch.ID)
	require.NoError(t, err)
	assert.Empty(t, delta)
}

func TestCreateBranchResolvesToSiblingNotChildWhenForkingAtSameOrigin(t *testing.T) {
	e := newTestEngine(t)
	seedBase(t, e, "story-1", []model.Message{{Index: 0, Role: model.RoleUser, Content: "0"}})
	tree := model.Tree{ActiveBranchID: model.RootBranchID, Branches: map[string]*model.Branch{}}

	first, err := e.CreateBranch("story-1", &tree, model.RootBranchID, "first", 0)
	require.NoError(t, err)

	second, err := e.CreateBranch("story-1", &tree, first.ID, "second", 0)
	require.NoError(t, err)
	require.NotNil(t, second.ParentID)
	assert.Equal(t, model.RootBranchID, *second.ParentID, "forking at the same origin again should produce a sibling of first, not its child")
}

func TestCreateBlankBranchSeedsEmptyStateFromSchema(t *testing.T) {
	e := newTestEngine(t)
	tree := model.Tree{ActiveBranchID: model.RootBranchID, Branches: map[string]*model.Branch{}}
	schema := model.DefaultCharacterSchema()

	branch, err := e.CreateBlankBranch("story-1", &tree, schema, "全新開始")
	require.NoError(t, err)
	assert.True(t, branch.IsBlank())

	var state model.CharacterState
	require.NoError(t, storage.ReadJSON(e.Root.CharacterStatePath("story-1", branch.ID), &state))
	assert.Equal(t, "—", state["name"])
	assert.Equal(t, float64(0), state["reward_points"])

	roster, err := npc.Load(e.Root, "story-1", branch.ID)
	require.NoError(t, err)
	assert.Empty(t, roster)
}

func TestGetForkPointsListsVisibleSiblingsOfAncestorsExcludingSelfAndDeleted(t *testing.T) {
	bp := 2
	tree := model.Tree{Branches: map[string]*model.Branch{
		"branch-a": {ID: "branch-a", Name: "A", ParentID: strPtr(model.RootBranchID), BranchPointIndex: &bp},
		"branch-b": {ID: "branch-b", Name: "B", ParentID: strPtr(model.RootBranchID), BranchPointIndex: &bp, Deleted: true},
		"branch-c": {ID: "branch-c", Name: "C", ParentID: strPtr(model.RootBranchID), BranchPointIndex: &bp},
	}}

	points := GetForkPoints(tree, "branch-a")
	require.Contains(t, points, 2)
	require.Len(t, points[2], 1, "branch-a excludes itself, branch-b is deleted")
	assert.Equal(t, "branch-c", points[2][0].BranchID)
}

func TestGetSiblingGroupsComputesCurrentVariantAmongCompetingContinuations(t *testing.T) {
	e := newTestEngine(t)
	seedBase(t, e, "story-1", []model.Message{{Index: 0, Role: model.RoleUser, Content: "0"}})
	require.NoError(t, saveDelta(e.Root, "story-1", model.RootBranchID, []model.Message{
		{Index: 1, Role: model.RoleGM, Content: "主線續寫"},
	}))

	bp := 0
	tree := model.Tree{Branches: map[string]*model.Branch{
		model.RootBranchID: {ID: model.RootBranchID, Name: "主線"},
		"branch-a":          {ID: "branch-a", Name: "分支A", ParentID: strPtr(model.RootBranchID), BranchPointIndex: &bp},
	}}
	require.NoError(t, saveDelta(e.Root, "story-1", "branch-a", nil))

	groups, err := GetSiblingGroups(e.Root, "story-1", tree, "branch-a")
	require.NoError(t, err)
	require.Contains(t, groups, 1)
	group := groups[1]
	assert.Equal(t, 2, group.Total)
	assert.Equal(t, 2, group.CurrentVariant, "branch-a is the viewed branch, so it is the current variant")
}

func TestPromoteAdoptsBranchAsMainAndSoftDeletesAncestorChain(t *testing.T) {
	e := newTestEngine(t)
	seedBase(t, e, "story-1", []model.Message{{Index: 0, Role: model.RoleUser, Content: "0"}})
	tree := model.Tree{ActiveBranchID: model.RootBranchID, Branches: map[string]*model.Branch{}}

	branch, err := e.CreateBranch("story-1", &tree, model.RootBranchID, "支線", 0)
	require.NoError(t, err)
	require.NoError(t, saveDelta(e.Root, "story-1", branch.ID, []model.Message{
		{Index: 1, Role: model.RoleUser, Content: "支線續寫"},
	}))

	require.NoError(t, e.Promote("story-1", &tree))
	assert.Equal(t, model.RootBranchID, tree.ActiveBranchID)

	promoted := tree.Branches[branch.ID]
	assert.True(t, promoted.Deleted)
	assert.True(t, promoted.WasMain)

	mainDelta, err := loadDelta(e.Root, "story-1", model.RootBranchID)
	require.NoError(t, err)
	require.Len(t, mainDelta, 1)
	assert.Equal(t, "支線續寫", mainDelta[0].Content)
}

func TestMergeFoldsChildDeltaOntoParentAndReparentsGrandchildren(t *testing.T) {
	e := newTestEngine(t)
	seedBase(t, e, "story-1", []model.Message{{Index: 0, Role: model.RoleUser, Content: "0"}})
	tree := model.Tree{ActiveBranchID: model.RootBranchID, Branches: map[string]*model.Branch{}}

	child, err := e.CreateBranch("story-1", &tree, model.RootBranchID, "子分支", 0)
	require.NoError(t, err)
	require.NoError(t, saveDelta(e.Root, "story-1", child.ID, []model.Message{
		{Index: 1, Role: model.RoleUser, Content: "子分支內容"},
	}))

	grandchild, err := e.CreateBranch("story-1", &tree, child.ID, "孫分支", 1)
	require.NoError(t, err)

	parentID, err := e.Merge("story-1", &tree, child.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RootBranchID, parentID)
	assert.True(t, tree.Branches[child.ID].Merged)

	require.NotNil(t, tree.Branches[grandchild.ID].ParentID)
	assert.Equal(t, model.RootBranchID, *tree.Branches[grandchild.ID].ParentID)

	mainDelta, err := loadDelta(e.Root, "story-1", model.RootBranchID)
	require.NoError(t, err)
	require.Len(t, mainDelta, 1)
	assert.Equal(t, "子分支內容", mainDelta[0].Content)
}

func TestMergeRejectsRootAlreadyMergedOrDeletedBranch(t *testing.T) {
	e := newTestEngine(t)
	tree := model.Tree{Branches: map[string]*model.Branch{
		"deleted-branch": {ID: "deleted-branch", ParentID: strPtr(model.RootBranchID), Deleted: true},
		"merged-branch":  {ID: "merged-branch", ParentID: strPtr(model.RootBranchID), Merged: true},
	}}

	_, err := e.Merge("story-1", &tree, model.RootBranchID)
	assert.Error(t, err)
	_, err = e.Merge("story-1", &tree, "deleted-branch")
	assert.Error(t, err)
	_, err = e.Merge("story-1", &tree, "merged-branch")
	assert.Error(t, err)
}

func TestDeleteSoftDeletesWasMainHardDeletesOthersAndResetsActiveBranch(t *testing.T) {
	e := newTestEngine(t)
	tree := model.Tree{ActiveBranchID: "branch-a", Branches: map[string]*model.Branch{
		"branch-a": {ID: "branch-a", ParentID: strPtr(model.RootBranchID)},
		"branch-b": {ID: "branch-b", ParentID: strPtr("branch-a"), WasMain: true},
		"branch-c": {ID: "branch-c", ParentID: strPtr("branch-b")},
	}}
	require.NoError(t, saveDelta(e.Root, "story-1", "branch-c", nil))

	require.NoError(t, e.Delete("story-1", &tree, "branch-a"))

	assert.NotContains(t, tree.Branches, "branch-a")
	assert.NotContains(t, tree.Branches, "branch-c")
	require.Contains(t, tree.Branches, "branch-b")
	assert.True(t, tree.Branches["branch-b"].Deleted)
	assert.Equal(t, model.RootBranchID, tree.ActiveBranchID)
}

func TestDeleteRefusesToDeleteMainBranch(t *testing.T) {
	e := newTestEngine(t)
	tree := model.Tree{Branches: map[string]*model.Branch{}}
	assert.Error(t, e.Delete("story-1", &tree, model.RootBranchID))
}

func strPtr(s string) *string { return &s }
