// Package tagparser implements C7, the synchronous hidden-tag scanner: the
// GM's raw response carries STATE/LORE/NPC/EVENT/IMG directives inline as
// `<!--TAG ... TAG-->` or `[TAG ... TAG]` markers, which must be stripped
// from the player-visible text and decoded into structured updates before
// the turn pipeline moves on. World-clock TIME tags use the same dual
// bracket grammar but are scanned by pkg/clock, which owns the day-advance
// side effect; this package only reports whether a TIME tag is present so
// a caller can skip invoking pkg/clock on plain prose.
//
// Ported from original_source/app.py's _STATE_RE/_LORE_RE/_NPC_RE/_EVENT_RE/
// _IMG_RE family and their _extract_*_tag functions.
package tagparser

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/coregx/ahocorasick"

	"github.com/loomweave/loomweave/pkg/model"
)

// Tag family names, matching the original's bracket grammar keywords.
const (
	FamilyState = "STATE"
	FamilyLore  = "LORE"
	FamilyNPC   = "NPC"
	FamilyEvent = "EVENT"
	FamilyImg   = "IMG"
	FamilyTime  = "TIME"
)

var familyNames = []string{FamilyState, FamilyLore, FamilyNPC, FamilyEvent, FamilyImg, FamilyTime}

const (
	tagOpen  = `(?:<!--|\[)`
	tagClose = `(?:-->|\])`
)

var (
	statePattern = regexp.MustCompile(`(?s)` + tagOpen + `STATE\s*(.*?)\s*STATE` + tagClose)
	lorePattern  = regexp.MustCompile(`(?s)` + tagOpen + `LORE\s*(.*?)\s*LORE` + tagClose)
	npcPattern   = regexp.MustCompile(`(?s)` + tagOpen + `NPC\s*(.*?)\s*NPC` + tagClose)
	eventPattern = regexp.MustCompile(`(?s)` + tagOpen + `EVENT\s*(.*?)\s*EVENT` + tagClose)
	imgPattern   = regexp.MustCompile(`(?s)` + tagOpen + `IMG\s+prompt:\s*(.*?)\s*IMG` + tagClose)
)

var (
	familyAutomaton     *ahocorasick.Automaton
	familyAutomatonOnce sync.Once
	familyAutomatonErr  error
)

func loadFamilyAutomaton() (*ahocorasick.Automaton, error) {
	familyAutomatonOnce.Do(func() {
		familyAutomaton, familyAutomatonErr = ahocorasick.NewBuilder().
			AddStrings(familyNames).
			SetMatchKind(ahocorasick.LeftmostLongest).
			SetPrefilter(true).
			Build()
	})
	return familyAutomaton, familyAutomatonErr
}

// Present reports which of the six tag families appear anywhere in text,
// scanned once with a multi-pattern automaton rather than running every
// family's regexp over text that may contain none of them.
func Present(text string) map[string]bool {
	found := make(map[string]bool, len(familyNames))
	automaton, err := loadFamilyAutomaton()
	if err != nil {
		slog.Warn("tagparser: automaton unavailable, assuming every family may be present", "error", err)
		for _, name := range familyNames {
			found[name] = true
		}
		return found
	}
	for _, m := range automaton.FindAllOverlapping([]byte(text)) {
		if int(m.PatternID) < len(familyNames) {
			found[familyNames[m.PatternID]] = true
		}
	}
	return found
}

// Result is everything a turn scan pulled out of the GM's raw response.
type Result struct {
	StateUpdates []model.CharacterState
	LoreEntries  []model.LoreEntry
	NPCUpdates   []model.NPC
	Events       []model.Event
	ImagePrompt  string

	// ConsumedFields lists, sorted, the top-level character-state keys
	// carried by this turn's STATE tags.
	ConsumedFields []string
}

// Scan strips every recognized tag from text and decodes its payload,
// silently dropping a tag whose body fails to parse as JSON (matching the
// original's bare except-and-continue behavior) and returns the cleaned,
// player-visible text alongside the aggregated Result.
func Scan(text string) (string, Result) {
	clean := text
	present := Present(clean)

	var result Result
	if present[FamilyState] {
		clean, result.StateUpdates = extractJSONTags[model.CharacterState](clean, statePattern)
	}
	if present[FamilyLore] {
		clean, result.LoreEntries = extractJSONTags[model.LoreEntry](clean, lorePattern)
	}
	if present[FamilyNPC] {
		clean, result.NPCUpdates = extractJSONTags[model.NPC](clean, npcPattern)
	}
	if present[FamilyEvent] {
		clean, result.Events = extractJSONTags[model.Event](clean, eventPattern)
	}
	if present[FamilyImg] {
		clean, result.ImagePrompt = extractFirstText(clean, imgPattern)
	}

	result.ConsumedFields = consumedFields(result.StateUpdates)
	return clean, result
}

// HasTimeTag reports whether text contains a TIME tag, letting a caller
// skip invoking pkg/clock.ProcessTimeTags on text it already knows has none.
func HasTimeTag(text string) bool {
	return Present(text)[FamilyTime]
}

func consumedFields(updates []model.CharacterState) []string {
	seen := make(map[string]bool)
	for _, u := range updates {
		for k := range u {
			seen[k] = true
		}
	}
	fields := make([]string, 0, len(seen))
	for k := range seen {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func trimTagBoundary(before, after string) string {
	before = strings.TrimRightFunc(before, unicode.IsSpace)
	return strings.TrimSpace(before + after)
}

func extractJSONTags[T any](text string, pattern *regexp.Regexp) (string, []T) {
	var results []T
	for {
		loc := pattern.FindStringSubmatchIndex(text)
		if loc == nil {
			break
		}
		body := text[loc[2]:loc[3]]
		var v T
		if err := json.Unmarshal([]byte(body), &v); err == nil {
			results = append(results, v)
		} else {
			slog.Debug("tagparser: dropping malformed tag payload", "error", err)
		}
		text = trimTagBoundary(text[:loc[0]], text[loc[1]:])
	}
	return text, results
}

func extractFirstText(text string, pattern *regexp.Regexp) (string, string) {
	var first string
	for {
		loc := pattern.FindStringSubmatchIndex(text)
		if loc == nil {
			break
		}
		body := strings.TrimSpace(text[loc[2]:loc[3]])
		if body != "" && first == "" {
			first = body
		}
		text = trimTagBoundary(text[:loc[0]], text[loc[1]:])
	}
	return text, first
}
