package npc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/storage"
)

func newTestRoot(t *testing.T) *storage.Root {
	t.Helper()
	root, err := storage.NewRoot(t.TempDir())
	require.NoError(t, err)
	return root
}

func TestLoadReturnsEmptyWhenAbsent(t *testing.T) {
	root := newTestRoot(t)
	roster, err := Load(root, "story-1", "main")
	require.NoError(t, err)
	assert.Empty(t, roster)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, Save(root, "story-1", "main", []model.NPC{{Name: "鐵匠"}}))

	roster, err := Load(root, "story-1", "main")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "鐵匠", roster[0].Name)
}

func TestUpsertAppendsNewNPCWithGeneratedID(t *testing.T) {
	roster, matched := Upsert(nil, model.NPC{Name: "Alice"})
	require.Len(t, roster, 1)
	assert.False(t, matched)
	assert.Equal(t, "npc_Alice", roster[0].ID)
}

func TestUpsertMatchesByCanonicalIdentityNotExactString(t *testing.T) {
	roster := []model.NPC{{ID: "npc_alice", Name: "Alice's Shop"}}
	roster, matched := Upsert(roster, model.NPC{Name: "alice's shop", CurrentStatus: "忙碌中"})

	require.Len(t, roster, 1)
	assert.True(t, matched)
	assert.Equal(t, "忙碌中", roster[0].CurrentStatus)
	assert.Equal(t, "alice's shop", roster[0].Name, "canonical match keeps original casing from the incoming update's own Name field")
}

func TestUpsertMergePreservesFieldsNotInIncoming(t *testing.T) {
	roster := []model.NPC{{Name: "鐵匠", Role: "商人", Appearance: "滿臉鬍渣"}}
	roster, _ = Upsert(roster, model.NPC{Name: "鐵匠", CurrentStatus: "受傷"})

	require.Len(t, roster, 1)
	assert.Equal(t, "商人", roster[0].Role)
	assert.Equal(t, "滿臉鬍渣", roster[0].Appearance)
	assert.Equal(t, "受傷", roster[0].CurrentStatus)
}

func TestUpsertIgnoresBlankName(t *testing.T) {
	roster, matched := Upsert(nil, model.NPC{Name: "   "})
	assert.Empty(t, roster)
	assert.False(t, matched)
}

func TestCopyToBranchPropagatesRoster(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, Save(root, "story-1", "main", []model.NPC{{Name: "鐵匠"}}))
	require.NoError(t, CopyToBranch(root, "story-1", "main", "branch-2"))

	roster, err := Load(root, "story-1", "branch-2")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "鐵匠", roster[0].Name)
}

func TestLoadActivitiesReturnsEmptyWhenAbsent(t *testing.T) {
	root := newTestRoot(t)
	batches, err := LoadActivities(root, "story-1", "main")
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestAppendActivityBatchTrimsToMaxRetention(t *testing.T) {
	root := newTestRoot(t)
	for i := 0; i < maxActivityBatches+5; i++ {
		require.NoError(t, AppendActivityBatch(root, "story-1", "main", model.NPCActivityBatch{TurnIndex: i}))
	}

	batches, err := LoadActivities(root, "story-1", "main")
	require.NoError(t, err)
	require.Len(t, batches, maxActivityBatches)
	assert.Equal(t, 5, batches[0].TurnIndex)
	assert.Equal(t, maxActivityBatches+4, batches[len(batches)-1].TurnIndex)
}

func TestRecentActivitiesTextRendersLimitedBatchesWithOptionalFields(t *testing.T) {
	batches := []model.NPCActivityBatch{
		{TurnIndex: 1, Activities: []model.NPCActivity{{NPCName: "鐵匠", Activity: "打鐵"}}},
		{TurnIndex: 2, Activities: []model.NPCActivity{{NPCName: "艾莉絲", Activity: "巡邏", Mood: "警戒", Location: "城門"}}},
	}
	text := RecentActivitiesText(batches, 1)

	assert.Equal(t, "[NPC 近期動態]\n- 艾莉絲：巡邏，情緒：警戒，地點：城門", text)
}

func TestRecentActivitiesTextEmptyWhenNoBatches(t *testing.T) {
	assert.Equal(t, "", RecentActivitiesText(nil, 2))
}

func TestBuildProfileTextEmptyRoster(t *testing.T) {
	assert.Equal(t, "（尚無已記錄的 NPC）", BuildProfileText(nil))
}

func TestBuildProfileTextRendersFieldsPresent(t *testing.T) {
	roster := []model.NPC{{
		Name:                 "艾莉絲",
		Role:                 "見習法師",
		Appearance:           "銀髮碧眼",
		Personality:          map[string]any{"summary": "活潑開朗"},
		RelationshipToPlayer: "盟友",
		CurrentStatus:        "健康",
		NotableTraits:        []string{"好奇心強", "記憶力驚人"},
	}}
	text := BuildProfileText(roster)

	assert.Contains(t, text, "### 艾莉絲（見習法師）")
	assert.Contains(t, text, "銀髮碧眼")
	assert.Contains(t, text, "活潑開朗")
	assert.Contains(t, text, "盟友")
	assert.Contains(t, text, "健康")
	assert.Contains(t, text, "好奇心強、記憶力驚人")
}
