package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomweave/loomweave/pkg/event"
	"github.com/loomweave/loomweave/pkg/lore"
	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/npc"
	"github.com/loomweave/loomweave/pkg/storage"
)

func newTestExtractor(t *testing.T, client *stubClient) (*extractor, *storage.Root) {
	t.Helper()
	root, err := storage.NewRoot(t.TempDir())
	require.NoError(t, err)

	loreIdx, err := lore.Open(filepath.Join(t.TempDir(), "lore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = loreIdx.Close() })

	events, err := event.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	cfg := testWorkersConfig()
	ext := newExtractor(root, client, cfg)
	ext.Lore = loreIdx
	ext.Events = events
	return ext, root
}

func longEnoughText(body string) string {
	text := body
	for len([]rune(text)) < 200 {
		text += "補充內容延伸敘述。"
	}
	return text
}

func TestExtractorTriggerSkipsWhenTextBelowMinChars(t *testing.T) {
	client := &stubClient{responses: []string{`{"lore": [{"topic": "測試", "content": "內容"}]}`}}
	ext, _ := newTestExtractor(t, client)

	ext.trigger(context.Background(), "story-1", "main", "太短", 1, model.CharacterSchema{}, false)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, client.callCount())
}

func TestExtractorTriggerSkipsWhenStoresNotWired(t *testing.T) {
	root, err := storage.NewRoot(t.TempDir())
	require.NoError(t, err)
	client := &stubClient{}
	ext := newExtractor(root, client, testWorkersConfig())

	ext.trigger(context.Background(), "story-1", "main", longEnoughText("冒險開始了"), 1, model.CharacterSchema{}, false)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, client.callCount())
}

func TestExtractorRunSavesNewLoreEventsAndNPCs(t *testing.T) {
	client := &stubClient{responses: []string{
		`{"lore": [{"category": "scene", "topic": "廢棄神殿", "content": "位於森林深處"}],
		  "events": [{"event_type": "quest", "title": "尋找聖劍", "description": "主線任務", "status": "planted"}],
		  "npcs": [{"name": "艾莉絲", "role": "盟友"}]}`,
	}}
	ext, _ := newTestExtractor(t, client)

	require.NoError(t, ext.run(context.Background(), "story-1", "main", extractionInput{
		gmText:       longEnoughText("你進入了廢棄神殿"),
		messageIndex: 5,
		schema:       model.DefaultCharacterSchema(),
	}))

	assert.True(t, ext.Lore.TopicExists("廢棄神殿"))
	titles, err := ext.Events.Titles("main")
	require.NoError(t, err)
	assert.True(t, titles["尋找聖劍"])

	roster, err := npc.Load(ext.root, "story-1", "main")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "艾莉絲", roster[0].Name)
}

func TestExtractorRunSkipsDuplicateLoreAndEvents(t *testing.T) {
	client := &stubClient{responses: []string{
		`{"lore": [{"category": "scene", "topic": "廢棄神殿", "content": "重複內容"}],
		  "events": [{"event_type": "quest", "title": "尋找聖劍", "description": "重複事件", "status": "planted"}]}`,
	}}
	ext, _ := newTestExtractor(t, client)

	require.NoError(t, ext.Lore.Upsert(model.LoreEntry{Category: model.LoreCategoryScene, Topic: "廢棄神殿", Content: "原始內容"}))
	_, err := ext.Events.Insert("main", model.Event{EventType: "quest", Title: "尋找聖劍", Status: model.EventPlanted})
	require.NoError(t, err)

	require.NoError(t, ext.run(context.Background(), "story-1", "main", extractionInput{
		gmText:       longEnoughText("劇情繼續"),
		messageIndex: 6,
		schema:       model.DefaultCharacterSchema(),
	}))

	all, err := ext.Lore.All()
	require.NoError(t, err)
	count := 0
	for _, e := range all {
		if e.Topic == "廢棄神殿" {
			count++
		}
	}
	assert.Equal(t, 1, count)

	list, err := ext.Events.List("main", 10)
	require.NoError(t, err)
	titleCount := 0
	for _, e := range list {
		if e.Title == "尋找聖劍" {
			titleCount++
		}
	}
	assert.Equal(t, 1, titleCount)
}

func TestExtractorRunSkipsStateWhenFlagged(t *testing.T) {
	client := &stubClient{responses: []string{`{"state": {"hp_delta": -5}}`}}
	ext, root := newTestExtractor(t, client)

	err := ext.run(context.Background(), "story-1", "main", extractionInput{
		gmText:       longEnoughText("戰鬥結束"),
		messageIndex: 2,
		schema:       model.DefaultCharacterSchema(),
		skipState:    true,
	})
	require.NoError(t, err)

	_, err = storage.ReadText(root.CharacterStatePath("story-1", "main"))
	assert.ErrorIs(t, err, storage.ErrNotFound, "a flagged run writes no character state")
}

func TestParseExtractionPayloadHandlesPlainJSON(t *testing.T) {
	payload, ok := parseExtractionPayload(`{"lore": [{"topic": "a", "content": "b"}]}`)
	require.True(t, ok)
	require.Len(t, payload.Lore, 1)
	assert.Equal(t, "a", payload.Lore[0].Topic)
}

func TestParseExtractionPayloadHandlesCodeFencedJSON(t *testing.T) {
	text := "```json\n{\"events\": [{\"title\": \"x\"}]}\n```"
	payload, ok := parseExtractionPayload(text)
	require.True(t, ok)
	require.Len(t, payload.Events, 1)
	assert.Equal(t, "x", payload.Events[0].Title)
}

func TestParseExtractionPayloadFallsBackToRegexExtraction(t *testing.T) {
	text := "這是說明文字\n{\"npcs\": [{\"name\": \"老王\"}]}\n結尾備註"
	payload, ok := parseExtractionPayload(text)
	require.True(t, ok)
	require.Len(t, payload.NPCs, 1)
	assert.Equal(t, "老王", payload.NPCs[0].Name)
}

func TestParseExtractionPayloadReturnsFalseWhenNoJSONFound(t *testing.T) {
	_, ok := parseExtractionPayload("純文字，沒有JSON")
	assert.False(t, ok)
}

func TestParseExtractionPayloadReturnsFalseOnEmptyText(t *testing.T) {
	_, ok := parseExtractionPayload("   ")
	assert.False(t, ok)
}

func TestTitleListSortsAndFlattensKeys(t *testing.T) {
	out := titleList(map[string]bool{"b": true, "a": true, "c": true})
	assert.Equal(t, []string{"a", "b", "c"}, out)
}

func TestBuildExtractionPromptIncludesKeyContext(t *testing.T) {
	schema := model.DefaultCharacterSchema()
	prompt := buildExtractionPrompt("GM說的話", "既有設定目錄", []string{"事件A", "事件B"}, schema, model.CharacterState{"hp": 10})
	assert.Contains(t, prompt, "GM說的話")
	assert.Contains(t, prompt, "既有設定目錄")
	assert.Contains(t, prompt, "事件A, 事件B")
	assert.Contains(t, prompt, "hp")
}

func TestExtractorTriggerDebouncesConcurrentCallsForSameBranch(t *testing.T) {
	client := &stubClient{responses: []string{`{}`}}
	ext, _ := newTestExtractor(t, client)

	for i := 0; i < 10; i++ {
		ext.trigger(context.Background(), "story-1", "main", longEnoughText("劇情推進"), i, model.CharacterSchema{}, false)
	}

	waitFor(t, time.Second, func() bool { return client.callCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Less(t, client.callCount(), 10)
}

func TestLoadCharacterStateReturnsEmptyWhenMissing(t *testing.T) {
	root, err := storage.NewRoot(t.TempDir())
	require.NoError(t, err)
	state, err := loadCharacterState(root, "story-1", "main")
	require.NoError(t, err)
	assert.Empty(t, state)
}
