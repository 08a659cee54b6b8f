package turn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomweave/loomweave/internal/config"
	"github.com/loomweave/loomweave/pkg/branchengine"
	"github.com/loomweave/loomweave/pkg/clock"
	"github.com/loomweave/loomweave/pkg/event"
	"github.com/loomweave/loomweave/pkg/llm"
	"github.com/loomweave/loomweave/pkg/lore"
	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/npc"
	"github.com/loomweave/loomweave/pkg/stateupdate"
	"github.com/loomweave/loomweave/pkg/storage"
	"github.com/loomweave/loomweave/pkg/worker"
)

type stubLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (s *stubLLM) Generate(ctx context.Context, messages []llm.Message) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx < len(s.responses) {
		return llm.Response{Text: s.responses[idx]}, nil
	}
	if len(s.responses) > 0 {
		return llm.Response{Text: s.responses[len(s.responses)-1]}, nil
	}
	return llm.Response{}, nil
}

func (s *stubLLM) ModelName() string { return "stub" }

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestPipeline(t *testing.T, client *stubLLM) *Pipeline {
	t.Helper()
	root, err := storage.NewRoot(t.TempDir())
	require.NoError(t, err)

	loreIdx, err := lore.Open(filepath.Join(t.TempDir(), "lore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = loreIdx.Close() })

	events, err := event.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	clk := clock.New(root, clock.DefaultDungeonEnterDays, clock.DefaultDungeonExitDays)

	workersCfg := config.WorkersConfig{}
	workersCfg.SetDefaults()
	jobs := worker.New(root, client, workersCfg, nil, loreIdx, events)

	cfg := config.Config{}
	cfg.Compaction.SetDefaults()
	cfg.Context.SetDefaults()
	cfg.StateIndex.SetDefaults()

	return New(root, client, loreIdx, events, nil, clk, jobs, nil, cfg)
}

func blankTree() model.Tree {
	return model.Tree{ActiveBranchID: model.RootBranchID, Branches: map[string]*model.Branch{}}
}

func TestSendRejectsDeletedBranch(t *testing.T) {
	p := newTestPipeline(t, &stubLLM{})
	tree := blankTree()
	tree.Branches["branch_x"] = &model.Branch{ID: "branch_x", Deleted: true}

	_, err := p.Send(context.Background(), "story-1", tree, "branch_x", "你好", "角色", model.DefaultCharacterSchema(), "free_agent", "你是GM。\n{character_state}\n{narrative_recap}\n{world_lore}\n{npc_profiles}\n{team_rules}\n{other_agents}\n{critical_facts}")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBranchUnavailable)
}

func TestSendRejectsUnknownBranch(t *testing.T) {
	p := newTestPipeline(t, &stubLLM{})
	tree := blankTree()

	_, err := p.Send(context.Background(), "story-1", tree, "branch_missing", "你好", "角色", model.DefaultCharacterSchema(), "free_agent", "{character_state}{narrative_recap}{world_lore}{npc_profiles}{team_rules}{other_agents}{critical_facts}")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBranchUnavailable)
}

func TestSendHappyPathPersistsUserAndGMMessages(t *testing.T) {
	client := &stubLLM{responses: []string{"你進入了森林。\n[STATE{\"hp\": 90}STATE]\n[LORE{\"category\": \"場景\", \"topic\": \"森林\", \"content\": \"幽暗的森林\"}LORE]"}}
	p := newTestPipeline(t, client)
	tree := blankTree()

	result, err := p.Send(context.Background(), "story-1", tree, model.RootBranchID, "我往森林走去", "角色", model.DefaultCharacterSchema(), "free_agent", "{character_state}\n{narrative_recap}\n{world_lore}\n{npc_profiles}\n{team_rules}\n{other_agents}\n{critical_facts}")
	require.NoError(t, err)
	require.Nil(t, result.Cheat)

	assert.Equal(t, 0, result.User.Index)
	assert.Equal(t, 1, result.GM.Index)
	assert.Contains(t, result.GM.Content, "你進入了森林")
	assert.NotContains(t, result.GM.Content, "STATE")
	require.NotNil(t, result.GM.Snapshots)
	assert.Equal(t, float64(90), result.GM.Snapshots.State["hp"])

	assert.True(t, p.Lore.TopicExists("森林"))
}

func TestSendCheatCommandShortCircuitsWithoutCallingLLM(t *testing.T) {
	client := &stubLLM{responses: []string{"這不應該被使用"}}
	p := newTestPipeline(t, client)
	tree := blankTree()

	result, err := p.Send(context.Background(), "story-1", tree, model.RootBranchID, "/gm dice +30", "角色", model.DefaultCharacterSchema(), "free_agent", "{character_state}")
	require.NoError(t, err)
	require.NotNil(t, result.Cheat)
	assert.Equal(t, 0, client.callCount())
	assert.Equal(t, 30, result.Cheat.New)

	cheats, err := stateupdate.LoadCheats(p.Root, "story-1", model.RootBranchID)
	require.NoError(t, err)
	assert.Equal(t, 30, cheats.DiceModifier)
}

func TestSendAppliesNPCUpdatesFromTags(t *testing.T) {
	client := &stubLLM{responses: []string{"村莊裡出現了一位新朋友。\n[NPC{\"name\": \"艾莉絲\", \"role\": \"盟友\"}NPC]"}}
	p := newTestPipeline(t, client)
	tree := blankTree()

	_, err := p.Send(context.Background(), "story-1", tree, model.RootBranchID, "我探索村莊", "角色", model.DefaultCharacterSchema(), "free_agent", "{character_state}")
	require.NoError(t, err)

	roster, err := npc.Load(p.Root, "story-1", model.RootBranchID)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "艾莉絲", roster[0].Name)
}

func TestSendAdvancesClockFromTimeTag(t *testing.T) {
	client := &stubLLM{responses: []string{"一段時間過去了。\n[TIME days:2 TIME]"}}
	p := newTestPipeline(t, client)
	tree := blankTree()

	_, err := p.Send(context.Background(), "story-1", tree, model.RootBranchID, "我休息了一下", "角色", model.DefaultCharacterSchema(), "free_agent", "{character_state}")
	require.NoError(t, err)

	day, err := p.Clock.WorldDay("story-1", model.RootBranchID)
	require.NoError(t, err)
	assert.Equal(t, float64(2), day)
}

func TestSendRollsBackUserMessageOnProviderError(t *testing.T) {
	client := &stubLLM{responses: []string{llm.ErrorMarker + " 連線逾時，請稍後再試"}}
	p := newTestPipeline(t, client)
	tree := blankTree()

	_, err := p.Send(context.Background(), "story-1", tree, model.RootBranchID, "我往森林走去", "角色", model.DefaultCharacterSchema(), "free_agent", "{character_state}")
	require.Error(t, err)
	var gmErr *llm.GMError
	require.ErrorAs(t, err, &gmErr)
	assert.Contains(t, gmErr.Text, llm.ErrorMarker)

	timeline, err := branchengine.GetFullTimeline(p.Root, "story-1", tree, model.RootBranchID)
	require.NoError(t, err)
	assert.Empty(t, timeline)
}

func TestRegenerateReusesInheritedUserMessageWithoutRewritingIt(t *testing.T) {
	client := &stubLLM{responses: []string{"你的劍刃劃破了黑暗。"}}
	p := newTestPipeline(t, client)

	base := []model.Message{{Index: 0, Role: model.RoleUser, Content: "我揮劍攻擊。"}}
	require.NoError(t, storage.WriteJSON(p.Root.BaseConversationPath("story-1"), base))

	bp := 0
	tree := model.Tree{
		ActiveBranchID: "branch_c",
		Branches: map[string]*model.Branch{
			"branch_c": {ID: "branch_c", ParentID: strPtrTurn(model.RootBranchID), BranchPointIndex: &bp},
		},
	}
	require.NoError(t, branchengine.SaveTree(p.Root, "story-1", tree))

	result, err := p.Regenerate(context.Background(), "story-1", tree, "branch_c", "角色", model.DefaultCharacterSchema(), "free_agent", "{character_state}\n{narrative_recap}\n{world_lore}\n{npc_profiles}\n{team_rules}\n{other_agents}\n{critical_facts}")
	require.NoError(t, err)
	assert.Equal(t, "我揮劍攻擊。", result.User.Content)
	assert.Equal(t, 1, result.GM.Index)
	assert.Contains(t, result.GM.Content, "劍刃")

	timeline, err := branchengine.GetFullTimeline(p.Root, "story-1", tree, "branch_c")
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, model.RoleUser, timeline[0].Role)
	assert.Equal(t, model.RoleGM, timeline[1].Role)
}

func strPtrTurn(s string) *string { return &s }

func TestSendLaunchesBackgroundJobs(t *testing.T) {
	longText := "這是一段足夠長的敘述文字。"
	for len([]rune(longText)) < 200 {
		longText += "延伸補充說明內容。"
	}
	client := &stubLLM{responses: []string{longText}}
	p := newTestPipeline(t, client)
	tree := blankTree()

	_, err := p.Send(context.Background(), "story-1", tree, model.RootBranchID, "推進劇情", "角色", model.DefaultCharacterSchema(), "free_agent", "{character_state}")
	require.NoError(t, err)

	waitForCondition(t, time.Second, func() bool { return client.callCount() >= 2 })
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition did not become true within %s", timeout)
}
