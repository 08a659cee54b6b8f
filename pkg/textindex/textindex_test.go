package textindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeForMatchFoldsCaseAndPunctuation(t *testing.T) {
	assert.Equal(t, "monkey d. luffy", CanonicalizeForMatch("Monkey D. Luffy"))
	assert.Equal(t, "o'brien", CanonicalizeForMatch("O’Brien"))
	assert.Equal(t, "jean-luc", CanonicalizeForMatch("Jean—Luc"))
}

func TestCanonicalizeForMatchCollapsesSeparators(t *testing.T) {
	assert.Equal(t, "san francisco", CanonicalizeForMatch("  San,   Francisco!! "))
}

func TestSameEntityIgnoresFormatting(t *testing.T) {
	assert.True(t, SameEntity("Jean-Luc", "JEAN-LUC"))
	assert.True(t, SameEntity("  Foo Bar ", "foo   bar"))
	assert.False(t, SameEntity("Foo", "Bar"))
}

func TestExtractKeywordsCJKProducesBigramsAndTrigrams(t *testing.T) {
	kws := ExtractKeywords("主神空間")
	assert.Contains(t, kws, "主神")
	assert.Contains(t, kws, "神空")
	assert.Contains(t, kws, "空間")
	assert.Contains(t, kws, "主神空")
	assert.Contains(t, kws, "神空間")
}

func TestExtractKeywordsNonCJKFallsBackToWholeQuery(t *testing.T) {
	kws := ExtractKeywords("dungeon")
	assert.Equal(t, []string{"dungeon"}, kws)
}

func TestScoreRowWeightsTopicOverTagOverContent(t *testing.T) {
	kws := []string{"神殿"}
	topicHit := ScoreRow(kws, "神殿傳說", "", "")
	tagHit := ScoreRow(kws, "", "神殿", "")
	contentHit := ScoreRow(kws, "", "", "神殿的歷史")

	assert.Equal(t, 10, topicHit)
	assert.Equal(t, 5, tagHit)
	assert.Equal(t, 1, contentHit)
}

func TestScoreRowSumsAcrossMultipleKeywords(t *testing.T) {
	kws := []string{"神殿", "歷史"}
	score := ScoreRow(kws, "神殿", "", "神殿的歷史")
	assert.Equal(t, scoreTopicMatch+scoreContentMatch+scoreContentMatch, score)
}

func TestScoreRowNoMatchIsZero(t *testing.T) {
	assert.Zero(t, ScoreRow([]string{"龍"}, "貓", "狗", "鳥"))
}

func TestExtractInlineTagsSplitsAndDedupes(t *testing.T) {
	content := "Some lore. [tag: 地點/副本] More text. [tag: 副本/NPC]"
	tags := ExtractInlineTags(content)
	assert.Equal(t, []string{"地點", "副本", "NPC"}, tags)
}

func TestExtractInlineTagsEmptyWhenAbsent(t *testing.T) {
	assert.Empty(t, ExtractInlineTags("no tags here"))
}
