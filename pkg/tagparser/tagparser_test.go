package tagparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanExtractsStateTagAndStripsIt(t *testing.T) {
	text := `你走進房間。<!--STATE {"hp": 80} STATE--> GM 繼續敘述。`
	clean, result := Scan(text)

	assert.NotContains(t, clean, "STATE")
	assert.Contains(t, clean, "你走進房間")
	assert.Contains(t, clean, "GM 繼續敘述")
	require.Len(t, result.StateUpdates, 1)
	assert.Equal(t, float64(80), result.StateUpdates[0]["hp"])
	assert.Equal(t, []string{"hp"}, result.ConsumedFields)
}

func TestScanSupportsBracketStyleTags(t *testing.T) {
	text := `場景描述 [LORE {"category": "NPC", "topic": "艾莉絲", "content": "見習法師"} LORE] 結尾。`
	clean, result := Scan(text)

	assert.NotContains(t, clean, "LORE")
	require.Len(t, result.LoreEntries, 1)
	assert.Equal(t, "艾莉絲", result.LoreEntries[0].Topic)
}

func TestScanDropsMalformedJSONSilently(t *testing.T) {
	text := `文字 <!--STATE {not valid json} STATE--> 更多文字`
	clean, result := Scan(text)

	assert.NotContains(t, clean, "STATE")
	assert.Empty(t, result.StateUpdates)
	assert.Contains(t, clean, "文字")
	assert.Contains(t, clean, "更多文字")
}

func TestScanExtractsMultipleTagsOfSameFamily(t *testing.T) {
	text := `<!--NPC {"name": "鐵匠"} NPC--> 中間文字 <!--NPC {"name": "旅店老闆"} NPC-->`
	_, result := Scan(text)

	require.Len(t, result.NPCUpdates, 2)
	assert.Equal(t, "鐵匠", result.NPCUpdates[0].Name)
	assert.Equal(t, "旅店老闆", result.NPCUpdates[1].Name)
}

func TestScanExtractsEventTag(t *testing.T) {
	text := `<!--EVENT {"event_type": "伏筆", "title": "神秘信件", "description": "桌上有一封信"} EVENT-->`
	_, result := Scan(text)

	require.Len(t, result.Events, 1)
	assert.Equal(t, "神秘信件", result.Events[0].Title)
}

func TestScanExtractsFirstImagePromptOnly(t *testing.T) {
	text := `<!--IMG prompt: 一座古老的城堡 IMG--> 文字 <!--IMG prompt: 第二個提示 IMG-->`
	clean, result := Scan(text)

	assert.Equal(t, "一座古老的城堡", result.ImagePrompt)
	assert.NotContains(t, clean, "IMG")
}

func TestScanReturnsCleanTextWhenNoTagsPresent(t *testing.T) {
	text := "這是一段完全沒有標籤的敘述文字。"
	clean, result := Scan(text)

	assert.Equal(t, text, clean)
	assert.Empty(t, result.StateUpdates)
	assert.Empty(t, result.ConsumedFields)
}

func TestHasTimeTagDetectsPresenceWithoutConsuming(t *testing.T) {
	assert.True(t, HasTimeTag("<!--TIME days:1 TIME-->"))
	assert.False(t, HasTimeTag("沒有時間標籤的文字"))
}

func TestConsumedFieldsMergesAcrossMultipleStateTags(t *testing.T) {
	text := `<!--STATE {"hp": 80} STATE--> <!--STATE {"mp": 30} STATE-->`
	_, result := Scan(text)
	assert.Equal(t, []string{"hp", "mp"}, result.ConsumedFields)
}
