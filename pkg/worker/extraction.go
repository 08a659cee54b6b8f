package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/orsinium-labs/stopwords"
	"golang.org/x/sync/singleflight"

	"github.com/loomweave/loomweave/internal/config"
	"github.com/loomweave/loomweave/pkg/event"
	"github.com/loomweave/loomweave/pkg/llm"
	"github.com/loomweave/loomweave/pkg/lore"
	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/npc"
	"github.com/loomweave/loomweave/pkg/stateupdate"
	"github.com/loomweave/loomweave/pkg/storage"
)

// extractor runs the second-pass structured-data extraction job: a
// separate LLM call that mines a GM turn for lore/events/NPCs/state the
// primary model's inline tags omitted. Ported from
// original_source/app.py's _extract_tags_async.
type extractor struct {
	root *storage.Root
	llm  llm.Client
	cfg  config.WorkersConfig

	Lore   *lore.Index
	Events *event.Store

	group singleflight.Group

	mu     sync.Mutex
	latest map[string]extractionInput
}

type extractionInput struct {
	gmText       string
	messageIndex int
	schema       model.CharacterSchema
	skipState    bool
}

func newExtractor(root *storage.Root, client llm.Client, cfg config.WorkersConfig) *extractor {
	return &extractor{root: root, llm: client, cfg: cfg, latest: map[string]extractionInput{}}
}

// trigger debounces structured extraction per (storyID, branchID): a call
// that arrives while one is already in flight for the same branch does not
// spawn a second LLM call, but its input replaces whatever the in-flight
// call would otherwise have read, so the branch's extraction eventually
// runs against the latest GM turn rather than a stale one. This is a
// "debounced, latest job wins" rule built on singleflight.Group instead of
// original_source's unsynchronized _last_run dict — both are best-effort,
// not a hard ordering guarantee.
func (e *extractor) trigger(ctx context.Context, storyID, branchID, gmText string, messageIndex int, schema model.CharacterSchema, skipState bool) {
	if len([]rune(gmText)) < e.cfg.ExtractionMinChars {
		return
	}
	if !hasSubstantiveKeywords(gmText) {
		slog.Debug("worker: extraction skipped, no substantive keywords after stopword prefilter", "story", storyID, "branch", branchID)
		return
	}
	if e.Lore == nil || e.Events == nil {
		slog.Warn("worker: extraction triggered without lore/event stores wired, skipping", "story", storyID, "branch", branchID)
		return
	}

	key := storyID + "/" + branchID
	e.mu.Lock()
	e.latest[key] = extractionInput{gmText: gmText, messageIndex: messageIndex, schema: schema, skipState: skipState}
	e.mu.Unlock()

	go func() {
		_, _, _ = e.group.Do(key, func() (any, error) {
			e.mu.Lock()
			in := e.latest[key]
			delete(e.latest, key)
			e.mu.Unlock()

			if err := e.run(ctx, storyID, branchID, in); err != nil {
				slog.Warn("worker: extraction failed", "story", storyID, "branch", branchID, "error", err)
			}
			return nil, nil
		})
	}()
}

var extractionStopwords = stopwords.MustGet("en")

// hasSubstantiveKeywords is a cheap, LLM-free gate in front of the
// extraction oneshot call. pkg/textindex's bigram/trigram scorer already
// handles CJK text, which has no whitespace word boundaries a stopword
// list could filter; this prefilter instead catches the opposite case, a
// GM turn made up of latin filler words ("ok", "then", "and so on") with
// nothing a structured-data extraction pass would find. Text with no
// whitespace-separated latin words at all (plain CJK) always passes.
func hasSubstantiveKeywords(text string) bool {
	words := strings.Fields(text)
	latinWords, meaningful := 0, 0
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, ".,!?;:\"'()[]{}<>-—…*`"))
		if w == "" || !isLatinWord(w) {
			continue
		}
		latinWords++
		if !extractionStopwords.Contains(w) {
			meaningful++
		}
	}
	if latinWords == 0 {
		return true
	}
	return meaningful > 0
}

func isLatinWord(w string) bool {
	for _, r := range w {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

type extractionPayload struct {
	Lore   []model.LoreEntry    `json:"lore"`
	Events []model.Event        `json:"events"`
	NPCs   []model.NPC          `json:"npcs"`
	State  model.CharacterState `json:"state"`
}

var extractionJSONObject = regexp.MustCompile(`(?s)\{.*\}`)

func (e *extractor) run(ctx context.Context, storyID, branchID string, in extractionInput) error {
	toc, err := e.Lore.TOC()
	if err != nil {
		return fmt.Errorf("worker: extraction failed to load lore toc: %w", err)
	}
	existingTitles, err := e.Events.Titles(branchID)
	if err != nil {
		return fmt.Errorf("worker: extraction failed to load event titles: %w", err)
	}
	state, err := loadCharacterState(e.root, storyID, branchID)
	if err != nil {
		return err
	}

	prompt := buildExtractionPrompt(in.gmText, toc, titleList(existingTitles), in.schema, state)

	resp, err := llm.Oneshot(ctx, e.llm, "", prompt)
	if err != nil {
		return fmt.Errorf("worker: extraction oneshot call failed: %w", err)
	}
	payload, ok := parseExtractionPayload(resp.Text)
	if !ok {
		return nil
	}

	savedLore, savedEvents, savedNPCs := 0, 0, 0

	for _, entry := range payload.Lore {
		topic := strings.TrimSpace(string(entry.Topic))
		if topic == "" || e.Lore.TopicExists(topic) {
			continue
		}
		entry.Topic = topic
		if err := e.Lore.Upsert(entry); err != nil {
			return fmt.Errorf("worker: extraction failed to save lore %q: %w", topic, err)
		}
		savedLore++
	}

	for _, ev := range payload.Events {
		title := strings.TrimSpace(ev.Title)
		if title == "" || existingTitles[title] {
			continue
		}
		ev.Title = title
		idx := in.messageIndex
		ev.MessageIndex = &idx
		if _, err := e.Events.Insert(branchID, ev); err != nil {
			return fmt.Errorf("worker: extraction failed to save event %q: %w", title, err)
		}
		existingTitles[title] = true
		savedEvents++
	}

	if len(payload.NPCs) > 0 {
		roster, err := npc.Load(e.root, storyID, branchID)
		if err != nil {
			return err
		}
		for _, incoming := range payload.NPCs {
			if strings.TrimSpace(incoming.Name) == "" {
				continue
			}
			roster, _ = npc.Upsert(roster, incoming)
			savedNPCs++
		}
		if err := npc.Save(e.root, storyID, branchID, roster); err != nil {
			return err
		}
	}

	stateUpdated := false
	if len(payload.State) > 0 && !in.skipState {
		mode := config.ReviewDeterministicOnly
		if _, err := stateupdate.ApplyStateUpdate(ctx, e.root, storyID, branchID, payload.State, in.schema, mode, e.llm); err != nil {
			return fmt.Errorf("worker: extraction failed to apply state update: %w", err)
		}
		stateUpdated = true
	}

	slog.Info("worker: extraction saved", "story", storyID, "branch", branchID,
		"lore", savedLore, "events", savedEvents, "npcs", savedNPCs, "state_updated", stateUpdated)
	return nil
}

func titleList(titles map[string]bool) []string {
	out := make([]string, 0, len(titles))
	for t := range titles {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func schemaSummary(schema model.CharacterSchema) string {
	var lines []string
	for _, f := range schema.Fields {
		lines = append(lines, fmt.Sprintf("- %s（%s）: %s", f.Key, f.Label, f.Type))
	}
	for _, l := range schema.Lists {
		if l.Type == model.ListMap {
			lines = append(lines, fmt.Sprintf("- %s（%s）: map，用直接覆蓋", l.Key, l.Label))
		} else {
			lines = append(lines, fmt.Sprintf("- %s（%s）: list，新增用 %s，移除用 %s", l.Key, l.Label, l.StateAddKey, l.StateRemoveKey))
		}
	}
	return strings.Join(lines, "\n")
}

func buildExtractionPrompt(gmText, loreTOC string, eventTitles []string, schema model.CharacterSchema, state model.CharacterState) string {
	titlesStr := "（無）"
	if len(eventTitles) > 0 {
		titlesStr = strings.Join(eventTitles, ", ")
	}
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return fmt.Sprintf(
		"你是一個RPG結構化資料擷取工具。分析以下GM回覆，提取結構化資訊。\n\n"+
			"## GM回覆\n%s\n\n"+
			"## 1. 世界設定（lore）\n提取新的世界設定。不要提取劇情動態或角色行動。\n已有設定（避免重複）：\n%s\n"+
			`格式：[{"category": "分類", "topic": "主題", "content": "完整描述"}]`+"\n\n"+
			"## 2. 事件追蹤（events）\n提取重要事件。\n已有事件標題（避免重複）：%s\n"+
			`格式：[{"event_type": "類型", "title": "標題", "description": "描述", "status": "planted", "tags": "關鍵字"}]`+"\n\n"+
			"## 3. NPC資料（npcs）\n提取首次登場或有重大變化的NPC。\n"+
			`格式：[{"name": "名字", "role": "定位", "appearance": "外觀", "backstory": "背景"}]`+"\n\n"+
			"## 4. 角色狀態變化（state）\nSchema：\n%s\n現有欄位：%s\n"+
			"列表型欄位用 _add/_remove 後綴，數值型用 _delta 後綴，文字型直接覆蓋。\n\n"+
			"## 輸出\nJSON物件，只包含有內容的類型：\n"+
			`{"lore": [...], "events": [...], "npcs": [...], "state": {...}}`+"\n只輸出JSON。",
		gmText, loreTOC, titlesStr, schemaSummary(schema), strings.Join(keys, ", "),
	)
}

func parseExtractionPayload(text string) (extractionPayload, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return extractionPayload{}, false
	}
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		kept := lines[:0]
		for _, l := range lines {
			if !strings.HasPrefix(l, "```") {
				kept = append(kept, l)
			}
		}
		text = strings.Join(kept, "\n")
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(text), &payload); err == nil {
		return payload, true
	}

	match := extractionJSONObject.FindString(text)
	if match == "" {
		slog.Info("worker: extraction found no JSON in response, skipping")
		return extractionPayload{}, false
	}
	if err := json.Unmarshal([]byte(match), &payload); err != nil {
		slog.Warn("worker: extraction failed to parse JSON object", "error", err)
		return extractionPayload{}, false
	}
	return payload, true
}

func loadCharacterState(root *storage.Root, storyID, branchID string) (model.CharacterState, error) {
	var state model.CharacterState
	err := storage.ReadJSON(root.CharacterStatePath(storyID, branchID), &state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.CharacterState{}, nil
		}
		return nil, fmt.Errorf("worker: failed to load character state for %s/%s: %w", storyID, branchID, err)
	}
	return state, nil
}
