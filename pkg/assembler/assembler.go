// Package assembler implements C8, the context assembler: it fills the
// story's system-prompt template, builds the retrieval-augmented user
// message the turn pipeline sends to the LLM, and cleans both the
// recent-message window and the model's own transcript of the context
// blocks this package injects.
//
// Ported from original_source/app.py's _build_story_system_prompt and
// _build_augmented_message, original_source/lore_db.py's
// search_relevant_lore, original_source/npc_evolution.py's
// get_recent_activities, and the _FATE_LABEL_RE/_CHOICE_BLOCK_RE/
// _CONTEXT_ECHO_RE cleanup helpers exercised by tests/test_fate_strip.py.
package assembler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/loomweave/loomweave/pkg/event"
	"github.com/loomweave/loomweave/pkg/lore"
	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/npc"
	"github.com/loomweave/loomweave/pkg/stateupdate"
)

// NoOtherAgentsText is the fixed placeholder used until a multi-agent
// shared-world feed exists.
const NoOtherAgentsText = "（目前無其他輪迴者資料）"

// NoCriticalFactsText is the fixed placeholder when the state index has
// nothing yet to report.
const NoCriticalFactsText = "（尚無關鍵事實摘要）"

// NoRecapText mirrors recap.FallbackText; duplicated here (rather than
// imported) to avoid a dependency on pkg/recap for a single constant —
// pkg/recap already depends on pkg/llm and pkg/storage, which this
// package has no other reason to import.
const NoRecapText = "（尚無回顧，完整對話記錄已提供。）"

var teamRules = map[string]string{
	"free_agent": "4. **組隊系統**：主神以「個人」為單位分配任務，每次從輪迴者中挑選 20-30 人投放進同一副本。" +
		"進入副本後自行結盟、組隊、分工，任務結束各自回主神空間，下次重新分配。" +
		"每次副本的隊友組合都不同——你可能遇到老戰友、排行榜大佬、甚至死對頭。" +
		"信任建立是生存核心：這人可信嗎？合作還是防備？",
	"fixed_team": "4. **團隊系統**：新人混合隊（20人）存活者可組成固定隊伍（最多8人），" +
		"之後每次任務整隊一起進副本。有人死了可招募補位，低於4人主神強制塞人。" +
		"固定隊伍間偶爾會被安排進同一副本，形成合作或對抗局面。",
}

// TeamRules returns the rules paragraph for mode, falling back to
// "free_agent" for an unset or unrecognized mode.
func TeamRules(mode string) string {
	if rules, ok := teamRules[mode]; ok {
		return rules
	}
	return teamRules["free_agent"]
}

// SystemPromptInput carries every placeholder value a story's
// system_prompt.txt template may reference.
type SystemPromptInput struct {
	Template           string
	CharacterStateText string
	NarrativeRecap     string
	WorldLore          string
	NPCProfiles        string
	TeamMode           string
	OtherAgents        string
	CriticalFacts      string
	// Blank marks a freshly forked blank branch — it always sees an empty
	// narrative recap, regardless of what the branch's parent had compacted.
	Blank bool
}

// BuildSystemPrompt fills in's template. Template placeholders use the
// story-authored system_prompt.txt's own `{character_state}`-style tokens,
// not this codebase's {{...}} convention, because the template is
// per-story content the original implementation already shipped this way.
func BuildSystemPrompt(in SystemPromptInput) string {
	narrativeRecap := in.NarrativeRecap
	if in.Blank || strings.TrimSpace(narrativeRecap) == "" {
		narrativeRecap = NoRecapText
	}
	otherAgents := in.OtherAgents
	if otherAgents == "" {
		otherAgents = NoOtherAgentsText
	}
	criticalFacts := in.CriticalFacts
	if criticalFacts == "" {
		criticalFacts = NoCriticalFactsText
	}

	replacer := strings.NewReplacer(
		"{character_state}", in.CharacterStateText,
		"{narrative_recap}", narrativeRecap,
		"{story_summary}", narrativeRecap,
		"{world_lore}", in.WorldLore,
		"{npc_profiles}", in.NPCProfiles,
		"{team_rules}", TeamRules(in.TeamMode),
		"{other_agents}", otherAgents,
		"{critical_facts}", criticalFacts,
	)
	return replacer.Replace(in.Template)
}

// AugmentedMessageInput carries everything BuildAugmentedMessage needs to
// retrieve and attach context to a user's turn.
type AugmentedMessageInput struct {
	UserText  string
	BranchID  string
	Blank     bool
	Lore       *lore.Index
	Events     *event.Store
	LoreLimit  int
	EventLimit int

	ActivityBatches []model.NPCActivityBatch
	ActivityLimit   int

	// CharacterState, when non-nil, triggers a fate-dice roll appended to
	// the augmented message. A nil state (no character yet) skips dice.
	CharacterState model.CharacterState
	CheatModifier  int
	AlwaysSuccess  bool
}

// BuildAugmentedMessage assembles retrieved_blocks + "\n---\n" + user_text,
// where retrieved_blocks concatenates (in order) relevant lore, active-only
// relevant events (skipped on blank branches), recent NPC-activity
// summaries, and a fate-dice context line. Returns the augmented text and
// the dice roll attached to the user message, if one was rolled.
func BuildAugmentedMessage(in AugmentedMessageInput) (string, *model.DiceResult, error) {
	var parts []string

	if in.Lore != nil {
		loreText, err := in.Lore.SearchRelevantText(in.UserText, in.LoreLimit)
		if err != nil {
			return "", nil, fmt.Errorf("assembler: lore search failed: %w", err)
		}
		if loreText != "" {
			parts = append(parts, loreText)
		}
	}

	if !in.Blank && in.Events != nil {
		eventsText, err := in.Events.SearchRelevantText(in.UserText, in.BranchID, in.EventLimit)
		if err != nil {
			return "", nil, fmt.Errorf("assembler: event search failed: %w", err)
		}
		if eventsText != "" {
			parts = append(parts, eventsText)
		}
	}

	if activitiesText := npc.RecentActivitiesText(in.ActivityBatches, in.ActivityLimit); activitiesText != "" {
		parts = append(parts, activitiesText)
	}

	var dice *model.DiceResult
	if in.CharacterState != nil {
		rolled := stateupdate.RollFate(in.CharacterState, in.CheatModifier, in.AlwaysSuccess)
		dice = &rolled
		parts = append(parts, stateupdate.FormatDiceContext(rolled))
	}

	if len(parts) == 0 {
		return in.UserText, dice, nil
	}
	return strings.Join(parts, "\n") + "\n---\n" + in.UserText, dice, nil
}

// fateLabelPattern matches a fate-dice result label rendered as its own
// bracketed token — e.g. "**[命運走向：順遂]**" or "【命運判定結果:大失敗】" —
// with or without bold markers, in half- or full-width brackets. It
// deliberately requires the bracket pair around the whole "命運…:…" span so
// an inline narrative mention like "因為「命運判定」的加持" (different
// bracket style, no colon inside) never matches.
var fateLabelPattern = regexp.MustCompile(`\*{0,2}[\[【]命運[^\]\n】]*?[:：][^\]\n】]*?[\]】]\*{0,2}`)

// choiceBlockPattern matches a trailing "可選行動：" options block (and any
// blank line introducing it) through the end of the message.
var choiceBlockPattern = regexp.MustCompile(`(?s)\n*\*{0,2}可選行動[:：]\*{0,2}.*$`)

// StripFateFromMessages returns a copy of messages with any fate-dice
// result label removed from GM-authored content. User messages are
// returned unchanged; the input slice is not mutated.
func StripFateFromMessages(messages []model.Message) []model.Message {
	out := make([]model.Message, len(messages))
	for i, m := range messages {
		if m.Role == model.RoleGM {
			m.Content = strings.TrimSpace(fateLabelPattern.ReplaceAllString(m.Content, ""))
		}
		out[i] = m
	}
	return out
}

// SanitizeRecentMessages prepares a recent-window message slice for LLM
// context: GM messages always have their trailing "可選行動：" options
// block stripped, and — when stripFate is true — their fate-dice result
// label stripped too. User messages are never modified.
func SanitizeRecentMessages(messages []model.Message, stripFate bool) []model.Message {
	out := make([]model.Message, len(messages))
	for i, m := range messages {
		if m.Role == model.RoleGM {
			content := choiceBlockPattern.ReplaceAllString(m.Content, "")
			if stripFate {
				content = fateLabelPattern.ReplaceAllString(content, "")
			}
			m.Content = strings.TrimSpace(content)
		}
		out[i] = m
	}
	return out
}

// contextEchoLabels are the fixed bracketed headers BuildAugmentedMessage
// and BuildSystemPrompt inject, which an imitative LLM sometimes echoes
// back verbatim at the top of its own reply.
var contextEchoLabels = []string{"命運判定", "命運骰結果", "相關世界設定", "相關事件追蹤", "NPC 近期動態"}

// StripContextEcho removes any echoed context-injection section from text.
// Go's RE2 engine has no lookahead, so unlike the original's single regex
// this walks the string by hand: each echoed section runs from its
// "[label]" token up to (but not including) the next "\n---\n" separator,
// a blank line that starts a new, non-bracketed paragraph, or the end of
// the string — matching the original's non-greedy-with-lookahead behavior,
// including letting adjacent bracketed sections merge into one removal.
func StripContextEcho(text string) string {
	for _, label := range contextEchoLabels {
		token := "[" + label + "]"
		for {
			idx := strings.Index(text, token)
			if idx < 0 {
				break
			}
			end := echoSectionEnd(text, idx+len(token))
			text = text[:idx] + text[end:]
		}
	}
	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "---"))
	text = strings.ReplaceAll(text, "\n---\n", "\n")
	return strings.TrimSpace(text)
}

func echoSectionEnd(text string, from int) int {
	rest := text[from:]
	best := len(text)
	if i := strings.Index(rest, "\n---\n"); i >= 0 && from+i < best {
		best = from + i
	}
	for i := 0; i+2 < len(rest); i++ {
		if rest[i] != '\n' || rest[i+1] != '\n' {
			continue
		}
		c := rest[i+2]
		if c == '[' || c == '\n' {
			continue
		}
		if from+i < best {
			best = from + i
		}
		break
	}
	return best
}
