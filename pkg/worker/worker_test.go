package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomweave/loomweave/internal/config"
	"github.com/loomweave/loomweave/pkg/llm"
	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/npc"
	"github.com/loomweave/loomweave/pkg/snapshot"
	"github.com/loomweave/loomweave/pkg/storage"
)

func newTestRoot(t *testing.T) *storage.Root {
	t.Helper()
	root, err := storage.NewRoot(t.TempDir())
	require.NoError(t, err)
	return root
}

func testWorkersConfig() config.WorkersConfig {
	cfg := config.WorkersConfig{}
	cfg.SetDefaults()
	return cfg
}

type stubClient struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (s *stubClient) Generate(ctx context.Context, messages []llm.Message) (llm.Response, error) {
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

func (s *stubClient) ModelName() string { return "stub" }

func (s *stubClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
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

func TestShouldRunEvolutionRequiresIntervalMultiple(t *testing.T) {
	root := newTestRoot(t)
	j := New(root, &stubClient{}, testWorkersConfig(), nil, nil, nil)
	j.cfg.NPCEvolutionEvery = 3

	assert.False(t, j.shouldRunEvolution("story-1", "main", 1))
	assert.False(t, j.shouldRunEvolution("story-1", "main", 2))
	assert.True(t, j.shouldRunEvolution("story-1", "main", 3))
}

func TestShouldRunEvolutionEnforcesCooldown(t *testing.T) {
	root := newTestRoot(t)
	j := New(root, &stubClient{}, testWorkersConfig(), nil, nil, nil)
	j.cfg.NPCEvolutionEvery = 1
	j.cfg.NPCEvolutionCooldown = time.Hour

	assert.True(t, j.shouldRunEvolution("story-1", "main", 1))
	assert.False(t, j.shouldRunEvolution("story-1", "main", 2))
}

func TestShouldRunEvolutionTracksCooldownPerBranchIndependently(t *testing.T) {
	root := newTestRoot(t)
	j := New(root, &stubClient{}, testWorkersConfig(), nil, nil, nil)
	j.cfg.NPCEvolutionEvery = 1
	j.cfg.NPCEvolutionCooldown = time.Hour

	assert.True(t, j.shouldRunEvolution("story-1", "main", 1))
	assert.True(t, j.shouldRunEvolution("story-1", "branch-a", 1))
}

func TestTriggerNPCEvolutionSkipsWhenRosterEmpty(t *testing.T) {
	root := newTestRoot(t)
	client := &stubClient{responses: []string{`[{"npc_name": "鐵匠", "activity": "打鐵"}]`}}
	j := New(root, client, testWorkersConfig(), nil, nil, nil)
	j.cfg.NPCEvolutionEvery = 1

	j.triggerNPCEvolution(context.Background(), "story-1", "main", 1, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, client.callCount())
}

func TestTriggerNPCEvolutionSavesActivitiesFromLLMResponse(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, npc.Save(root, "story-1", "main", []model.NPC{{ID: "npc_1", Name: "鐵匠"}}))

	client := &stubClient{responses: []string{`前情提要\n[{"npc_name": "鐵匠", "activity": "打鐵", "mood": "專注"}]\n`}}
	j := New(root, client, testWorkersConfig(), nil, nil, nil)
	j.cfg.NPCEvolutionEvery = 1
	j.cfg.NPCEvolutionCooldown = time.Hour

	j.triggerNPCEvolution(context.Background(), "story-1", "main", 1, []model.Message{{Role: model.RoleGM, Content: "鐵匠在打鐵"}})

	waitFor(t, time.Second, func() bool {
		batches, err := npc.LoadActivities(root, "story-1", "main")
		return err == nil && len(batches) == 1
	})

	batches, err := npc.LoadActivities(root, "story-1", "main")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "鐵匠", batches[0].Activities[0].NPCName)
}

func TestTriggerSnapshotSummarySkipsWhenNothingMissing(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, snapshot.AppendAgentSnapshot(root, "story-1", "main", model.AgentSnapshot{WorldDay: 1, Turn: 1, Summary: "已有摘要"}))

	client := &stubClient{responses: []string{`{"0": "不應使用"}`}}
	j := New(root, client, testWorkersConfig(), nil, nil, nil)

	j.triggerSnapshotSummary(context.Background(), "story-1", "main", "角色")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, client.callCount())
}

func TestTriggerSnapshotSummaryFillsMissingCaptionsInOneCall(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, snapshot.AppendAgentSnapshot(root, "story-1", "main", model.AgentSnapshot{WorldDay: 1, Turn: 1}))
	require.NoError(t, snapshot.AppendAgentSnapshot(root, "story-1", "main", model.AgentSnapshot{WorldDay: 2, Turn: 2}))

	client := &stubClient{responses: []string{`{"0": "抵達村莊", "1": "擊退盜賊"}`}}
	j := New(root, client, testWorkersConfig(), nil, nil, nil)

	j.triggerSnapshotSummary(context.Background(), "story-1", "main", "角色")

	waitFor(t, time.Second, func() bool {
		snaps, err := snapshot.LoadAgentSnapshots(root, "story-1", "main")
		return err == nil && len(snapshot.MissingSummaryIndices(snaps)) == 0
	})

	assert.Equal(t, 1, client.callCount())
	snaps, err := snapshot.LoadAgentSnapshots(root, "story-1", "main")
	require.NoError(t, err)
	assert.Equal(t, "抵達村莊", snaps[0].Summary)
	assert.Equal(t, "擊退盜賊", snaps[1].Summary)
}

func TestRecentMessagesPreviewTruncatesAndLimitsCount(t *testing.T) {
	messages := make([]model.Message, 0, 10)
	for i := 0; i < 10; i++ {
		messages = append(messages, model.Message{Content: "訊息內容" + string(rune('0'+i))})
	}
	text := recentMessagesPreview(messages, 3, 4)
	assert.Equal(t, 3, len(splitLinesNonEmpty(text)))
	assert.Equal(t, "訊息內容\n訊息內容\n訊息內容", text)
}

func splitLinesNonEmpty(s string) []string {
	var out []string
	for _, line := range split(s, "\n") {
		out = append(out, line)
	}
	return out
}

func split(s, sep string) []string {
	var out []string
	start := 0
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			out = append(out, s[start:i])
			start = i + len(sep)
		}
	}
	out = append(out, s[start:])
	return out
}
