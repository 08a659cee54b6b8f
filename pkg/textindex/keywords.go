package textindex

import "strings"

// scoreTopicMatch, scoreTagMatch, and scoreContentMatch are the additive
// per-keyword weights the original implementation uses in lore_db.py and
// event_db.py: a topic hit outweighs a tag hit, which outweighs a plain
// content hit.
const (
	scoreTopicMatch   = 10
	scoreTagMatch     = 5
	scoreContentMatch = 1
)

// isCJK reports whether r falls in the CJK Unified Ideographs block.
func isCJK(r rune) bool {
	return r >= 0x4e00 && r <= 0x9fff
}

// ExtractKeywords builds the keyword set used to score a free-text query
// against an indexed row. CJK runs are split into overlapping bigrams and
// trigrams (CJK has no whitespace word boundaries, so n-grams stand in for
// tokens); a query with no CJK characters is used as a single whole-string
// keyword instead.
func ExtractKeywords(query string) []string {
	runs := cjkRuns(query)

	seen := make(map[string]bool)
	var keywords []string
	add := func(kw string) {
		if kw == "" || seen[kw] {
			return
		}
		seen[kw] = true
		keywords = append(keywords, kw)
	}

	for _, run := range runs {
		r := []rune(run)
		for i := 0; i+1 < len(r); i++ {
			add(string(r[i : i+2]))
		}
		for i := 0; i+2 < len(r); i++ {
			add(string(r[i : i+3]))
		}
	}

	if len(keywords) == 0 {
		add(query)
	}
	return keywords
}

// cjkRuns returns every maximal run of consecutive CJK Unified Ideograph
// runes in s.
func cjkRuns(s string) []string {
	var runs []string
	var current []rune
	flush := func() {
		if len(current) > 0 {
			runs = append(runs, string(current))
			current = nil
		}
	}
	for _, r := range s {
		if isCJK(r) {
			current = append(current, r)
		} else {
			flush()
		}
	}
	flush()
	return runs
}

// ScoreRow scores one indexed row against a set of keywords previously
// built by ExtractKeywords, using the topic/tag/content weighting above.
// A row with no matching keyword scores 0.
func ScoreRow(keywords []string, topic, tags, content string) int {
	score := 0
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(topic, kw) {
			score += scoreTopicMatch
		}
		if strings.Contains(tags, kw) {
			score += scoreTagMatch
		}
		if strings.Contains(content, kw) {
			score += scoreContentMatch
		}
	}
	return score
}
