// Package stateindex implements C5, the per-branch state index: a SQLite
// table of character-state entries (inventory/ability/relationship/mission/
// system/npc) rebuilt from the branch's character_state.json and npcs.json,
// searched with a context-boosted keyword ranking, and rendered as GM
// context-injection text grouped by category.
//
// Ported from original_source/state_db.py.
package stateindex

import (
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/loomweave/loomweave/pkg/model"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS state_entries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	category   TEXT NOT NULL,
	entry_key  TEXT NOT NULL,
	content    TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	UNIQUE(category, entry_key)
);
CREATE INDEX IF NOT EXISTS idx_state_entries_category ON state_entries(category);
`

// Category names, matching the original's SQLite category column values.
const (
	CategoryInventory    = "inventory"
	CategoryAbility      = "ability"
	CategoryRelationship = "relationship"
	CategoryNPC          = "npc"
	CategoryMission      = "mission"
	CategorySystem       = "system"
)

// CategoryLabels maps a category to its display label for grouped output.
var CategoryLabels = map[string]string{
	CategoryInventory:    "道具",
	CategoryAbility:      "技能",
	CategoryRelationship: "關係",
	CategoryNPC:          "NPC 檔案",
	CategoryMission:      "已完成任務",
	CategorySystem:       "體系",
}

var categoryOrder = []string{
	CategoryInventory, CategoryAbility, CategoryNPC,
	CategoryRelationship, CategoryMission, CategorySystem,
}

var npcTierAllowlist = map[string]bool{
	"D-": true, "D": true, "D+": true,
	"C-": true, "C": true, "C+": true,
	"B-": true, "B": true, "B+": true,
	"A-": true, "A": true, "A+": true,
	"S-": true, "S": true, "S+": true,
}

var npcTierTranslation = strings.NewReplacer(
	"－", "-", "—", "-", "–", "-", "−", "-", "﹣", "-", "ー", "-", "＋", "+",
)

// NormalizeNPCTier folds full-width dash/plus variants and a trailing "級"
// suffix, returning ("", false) if the result is not one of the fifteen
// allowlisted tiers (D- through S+).
func NormalizeNPCTier(raw string) (string, bool) {
	tier := strings.ToUpper(strings.TrimSpace(raw))
	tier = npcTierTranslation.Replace(tier)
	tier = strings.TrimSpace(strings.ReplaceAll(tier, "級", ""))
	if npcTierAllowlist[tier] {
		return tier, true
	}
	return "", false
}

// RelationshipToString renders a relationship value (a plain string or a
// map carrying summary/description/type) as display text.
func RelationshipToString(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		for _, key := range []string{"summary", "description", "type"} {
			if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

var archivedSynonyms = map[string]bool{
	"archived": true, "archive": true,
	"封存": true, "已封存": true, "归档": true, "歸檔": true,
}

// NormalizeNPCLifecycleStatus folds the many ways an NPC's lifecycle can be
// spelled into the two-value model.NPCLifecycle enum, defaulting to active.
func NormalizeNPCLifecycleStatus(raw string) model.NPCLifecycle {
	text := strings.ToLower(strings.TrimSpace(raw))
	if archivedSynonyms[text] {
		return model.NPCArchived
	}
	return model.NPCActive
}

func rowHasArchivedTag(tags string) bool {
	for _, part := range strings.Split(tags, "|") {
		if strings.ToUpper(strings.TrimSpace(part)) == "ARCHIVED" {
			return true
		}
	}
	return false
}

// BuildNPCContent renders the stable summary text persisted for an NPC row.
func BuildNPCContent(npc model.NPC) string {
	var parts []string
	if role := strings.TrimSpace(npc.Role); role != "" {
		parts = append(parts, "定位:"+role)
	}
	if tier, ok := NormalizeNPCTier(npc.Tier); ok {
		parts = append(parts, "戰力:"+tier+"級")
	}
	if rel := RelationshipToString(npc.RelationshipToPlayer); rel != "" {
		parts = append(parts, "關係:"+rel)
	}
	if status := strings.TrimSpace(npc.CurrentStatus); status != "" {
		parts = append(parts, "狀態:"+status)
	}
	if len(npc.NotableTraits) > 0 {
		parts = append(parts, "特質:"+strings.Join(npc.NotableTraits, "、"))
	}
	return strings.Join(parts, "；")
}

// Row is one state entry to write.
type Row struct {
	Category string
	Key      string
	Content  string
	Tags     string
}

// Store is a per-branch state index backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the state index at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("stateindex: failed to open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("stateindex: failed to init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// UpsertEntry inserts or updates a single entry keyed by (category, key).
func (s *Store) UpsertEntry(category, key, content, tags string) error {
	key = strings.TrimSpace(key)
	category = strings.TrimSpace(category)
	if key == "" || category == "" {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO state_entries (category, entry_key, content, tags, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(category, entry_key)
		 DO UPDATE SET content=excluded.content, tags=excluded.tags, updated_at=excluded.updated_at`,
		category, key, content, tags,
	)
	if err != nil {
		return fmt.Errorf("stateindex: failed to upsert %s/%s: %w", category, key, err)
	}
	return nil
}

// DeleteEntry removes a single (category, key) entry.
func (s *Store) DeleteEntry(category, key string) error {
	key = strings.TrimSpace(key)
	category = strings.TrimSpace(category)
	if key == "" || category == "" {
		return nil
	}
	if _, err := s.db.Exec("DELETE FROM state_entries WHERE category = ? AND entry_key = ?", category, key); err != nil {
		return fmt.Errorf("stateindex: failed to delete %s/%s: %w", category, key, err)
	}
	return nil
}

// BulkUpsert upserts many rows in one transaction.
func (s *Store) BulkUpsert(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("stateindex: failed to begin bulk upsert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO state_entries (category, entry_key, content, tags, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(category, entry_key)
		 DO UPDATE SET content=excluded.content, tags=excluded.tags, updated_at=excluded.updated_at`,
	)
	if err != nil {
		return fmt.Errorf("stateindex: failed to prepare bulk upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		key := strings.TrimSpace(r.Key)
		category := strings.TrimSpace(r.Category)
		if key == "" || category == "" {
			continue
		}
		if _, err := stmt.Exec(category, key, r.Content, r.Tags); err != nil {
			return fmt.Errorf("stateindex: failed to upsert %s/%s: %w", category, key, err)
		}
	}
	return tx.Commit()
}

// ReplaceCategoriesBatch clears and rewrites several categories in one
// transaction, used by RebuildFromState.
func (s *Store) ReplaceCategoriesBatch(categories map[string][]Row) error {
	if len(categories) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("stateindex: failed to begin replace tx: %w", err)
	}
	defer tx.Rollback()

	insert, err := tx.Prepare(
		`INSERT INTO state_entries (category, entry_key, content, tags, updated_at) VALUES (?, ?, ?, ?, datetime('now'))`,
	)
	if err != nil {
		return fmt.Errorf("stateindex: failed to prepare replace insert: %w", err)
	}
	defer insert.Close()

	for category, rows := range categories {
		category = strings.TrimSpace(category)
		if category == "" {
			continue
		}
		if _, err := tx.Exec("DELETE FROM state_entries WHERE category = ?", category); err != nil {
			return fmt.Errorf("stateindex: failed to clear category %s: %w", category, err)
		}
		for _, r := range rows {
			key := strings.TrimSpace(r.Key)
			if key == "" {
				continue
			}
			if _, err := insert.Exec(category, key, r.Content, r.Tags); err != nil {
				return fmt.Errorf("stateindex: failed to insert %s/%s: %w", category, key, err)
			}
		}
	}
	return tx.Commit()
}

var (
	parenSuffixPattern = regexp.MustCompile(`^(.*?)(?:\s*[（(].*[）)])$`)
	quantitySuffixPattern = regexp.MustCompile(`^(.*?)(×\d+)$`)
)

func extractItemBaseName(item string) string {
	item = strings.TrimSpace(item)
	if strings.Contains(item, "—") {
		return strings.TrimSpace(strings.SplitN(item, "—", 2)[0])
	}
	if strings.Contains(item, " - ") {
		return strings.TrimSpace(strings.SplitN(item, " - ", 2)[0])
	}
	if m := parenSuffixPattern.FindStringSubmatch(item); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := quantitySuffixPattern.FindStringSubmatch(item); m != nil {
		return strings.TrimSpace(m[1])
	}
	return item
}

func parseItemToKV(item string) (string, string) {
	if strings.Contains(item, " — ") {
		parts := strings.SplitN(item, " — ", 2)
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	if strings.Contains(item, "—") {
		parts := strings.SplitN(item, "—", 2)
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	base := extractItemBaseName(item)
	suffix := strings.TrimSpace(item[len(base):])
	switch {
	case strings.HasPrefix(suffix, "（") && strings.HasSuffix(suffix, "）"):
		suffix = string([]rune(suffix)[1 : len([]rune(suffix))-1])
	case strings.HasPrefix(suffix, "(") && strings.HasSuffix(suffix, ")"):
		suffix = suffix[1 : len(suffix)-1]
	}
	return base, suffix
}

// toInventoryMap normalizes the inventory field, which the character sheet
// may represent either as a map of item->note or a list of "item — note"
// strings, into a single key->value map.
func toInventoryMap(inv any) map[string]string {
	out := make(map[string]string)
	switch v := inv.(type) {
	case map[string]any:
		for k, val := range v {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			if val == nil {
				out[key] = ""
			} else {
				out[key] = fmt.Sprintf("%v", val)
			}
		}
	case []any:
		for _, item := range v {
			text, ok := item.(string)
			if !ok || strings.TrimSpace(text) == "" {
				continue
			}
			key, val := parseItemToKV(strings.TrimSpace(text))
			if key != "" {
				out[key] = val
			}
		}
	}
	return out
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// RebuildFromState replaces every category's rows from a parsed
// character-state document and NPC roster, returning the total row count
// written.
func (s *Store) RebuildFromState(state model.CharacterState, npcs []model.NPC) (int, error) {
	if state == nil {
		state = model.CharacterState{}
	}

	invMap := toInventoryMap(state["inventory"])
	invKeys := make([]string, 0, len(invMap))
	for k := range invMap {
		invKeys = append(invKeys, k)
	}
	sort.Strings(invKeys)
	var invRows []Row
	for _, k := range invKeys {
		invRows = append(invRows, Row{Key: k, Content: invMap[k], Tags: "道具"})
	}

	var abilityRows []Row
	for _, item := range stringList(state["abilities"]) {
		abilityRows = append(abilityRows, Row{Key: item, Tags: "技能"})
	}

	var relRows []Row
	if rels, ok := state["relationships"].(map[string]any); ok {
		names := make([]string, 0, len(rels))
		for name := range rels {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			key := strings.TrimSpace(name)
			if key == "" {
				continue
			}
			relRows = append(relRows, Row{Key: key, Content: RelationshipToString(rels[name]), Tags: "關係"})
		}
	}

	var missionRows []Row
	for _, item := range stringList(state["completed_missions"]) {
		missionRows = append(missionRows, Row{Key: item, Tags: "任務"})
	}

	var systemRows []Row
	if systems, ok := state["systems"].(map[string]any); ok {
		names := make([]string, 0, len(systems))
		for name := range systems {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			key := strings.TrimSpace(name)
			if key == "" {
				continue
			}
			lv := systems[name]
			content := ""
			if lv != nil {
				content = fmt.Sprintf("%v", lv)
			}
			systemRows = append(systemRows, Row{Key: key, Content: content, Tags: "體系"})
		}
	}

	var npcRows []Row
	for _, npc := range npcs {
		name := strings.TrimSpace(npc.Name)
		if name == "" {
			continue
		}
		tags := "NPC"
		if NormalizeNPCLifecycleStatus(string(npc.LifecycleStatus)) == model.NPCArchived {
			tags = "NPC|ARCHIVED"
		}
		npcRows = append(npcRows, Row{Key: name, Content: BuildNPCContent(npc), Tags: tags})
	}

	if err := s.ReplaceCategoriesBatch(map[string][]Row{
		CategoryInventory:    invRows,
		CategoryAbility:      abilityRows,
		CategoryRelationship: relRows,
		CategoryMission:      missionRows,
		CategorySystem:       systemRows,
		CategoryNPC:          npcRows,
	}); err != nil {
		return 0, err
	}

	return len(invRows) + len(abilityRows) + len(relRows) + len(missionRows) + len(systemRows) + len(npcRows), nil
}

var (
	cjkRunPattern   = regexp.MustCompile(`[\x{4e00}-\x{9fff}]+`)
	asciiTokenPattern = regexp.MustCompile(`[A-Za-z0-9_+-]+`)
)

// extractKeywords mirrors the original's slightly richer keyword set: CJK
// bigrams/trigrams plus standalone ASCII tokens of length >= 2, distinct
// from pkg/textindex.ExtractKeywords' pure-CJK-or-whole-query strategy.
func extractKeywords(query string) map[string]bool {
	keywords := make(map[string]bool)
	for _, run := range cjkRunPattern.FindAllString(query, -1) {
		runes := []rune(run)
		for i := 0; i < len(runes)-1; i++ {
			keywords[string(runes[i:i+2])] = true
		}
		for i := 0; i < len(runes)-2; i++ {
			keywords[string(runes[i:i+3])] = true
		}
	}
	for _, token := range asciiTokenPattern.FindAllString(strings.ToLower(query), -1) {
		if len(token) >= 2 {
			keywords[token] = true
		}
	}
	if len(keywords) == 0 && strings.TrimSpace(query) != "" {
		keywords[strings.ToLower(strings.TrimSpace(query))] = true
	}
	return keywords
}

type scoredRow struct {
	category, key, content, tags string
	score                        float64
}

func scoreRow(r scoredRow, keywords map[string]bool) float64 {
	key, tags, content := strings.ToLower(r.key), strings.ToLower(r.tags), strings.ToLower(r.content)
	text := key + " " + tags + " " + content
	score := 0.0
	for kw := range keywords {
		if !strings.Contains(text, kw) {
			continue
		}
		if strings.Contains(key, kw) {
			score += 10
		}
		if strings.Contains(tags, kw) {
			score += 5
		}
		if strings.Contains(content, kw) {
			score += 1
		}
	}
	return score
}

// SearchContext carries the turn-pipeline phase/status used to boost
// combat- and dungeon-relevant categories.
type SearchContext struct {
	Phase  string
	Status string
}

func applyContextBoost(score float64, category string, ctx *SearchContext) float64 {
	if ctx == nil {
		return score
	}
	boostCategories := func(cats ...string) bool {
		for _, c := range cats {
			if c == category {
				return true
			}
		}
		return false
	}
	if strings.Contains(ctx.Status, "戰鬥") && boostCategories(CategoryInventory, CategoryAbility, CategoryNPC) {
		score *= 1.4
	}
	if (strings.Contains(ctx.Phase, "主神空間") || strings.Contains(ctx.Phase, "空間")) && boostCategories(CategoryInventory, CategoryMission) {
		score *= 1.3
	}
	if strings.Contains(ctx.Phase, "副本") && boostCategories(CategoryNPC, CategoryAbility) {
		score *= 1.3
	}
	return score
}

func lineForRow(category, key, content string) string {
	switch category {
	case CategoryInventory, CategoryAbility, CategoryMission:
		if content != "" {
			return fmt.Sprintf("- %s（%s）", key, content)
		}
		return "- " + key
	case CategoryRelationship, CategorySystem, CategoryNPC:
		if content != "" {
			return fmt.Sprintf("- %s：%s", key, content)
		}
		return "- " + key
	default:
		return "- " + key
	}
}

// SearchOptions configures Search's ranking and output budget.
type SearchOptions struct {
	TokenBudget      int
	MustIncludeKeys  []string
	Context          *SearchContext
	CategoryLimits   map[string]int
	MaxItems         int
}

// Search ranks every indexed entry against query and renders the selected
// rows as "[相關角色狀態]" GM context-injection text, or "" if nothing
// matched or the index is empty.
func (s *Store) Search(query string, opts SearchOptions) (string, error) {
	rows, err := s.db.Query("SELECT category, entry_key, content, tags FROM state_entries")
	if err != nil {
		return "", fmt.Errorf("stateindex: failed to query entries: %w", err)
	}
	defer rows.Close()

	var all []scoredRow
	for rows.Next() {
		var r scoredRow
		if err := rows.Scan(&r.category, &r.key, &r.content, &r.tags); err != nil {
			return "", fmt.Errorf("stateindex: failed to scan row: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "", nil
	}

	keywords := extractKeywords(query)
	forcedKeys := make(map[string]bool)
	for _, k := range opts.MustIncludeKeys {
		if k = strings.TrimSpace(k); k != "" {
			forcedKeys[k] = true
		}
	}

	type ident struct{ category, key string }
	seen := make(map[ident]bool)

	var forced []scoredRow
	var candidates []scoredRow
	for _, r := range all {
		if forcedKeys[r.key] {
			forced = append(forced, r)
			continue
		}
		if r.category == CategoryNPC && rowHasArchivedTag(r.tags) {
			continue
		}
		r.score = applyContextBoost(scoreRow(r, keywords), r.category, opts.Context)
		if r.score > 0 {
			candidates = append(candidates, r)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	var selected []scoredRow
	for _, r := range forced {
		id := ident{r.category, r.key}
		if seen[id] {
			continue
		}
		selected = append(selected, r)
		seen[id] = true
	}

	usedCounts := make(map[string]int)
	picked := 0
	for _, r := range candidates {
		id := ident{r.category, r.key}
		if seen[id] {
			continue
		}
		if cap, ok := opts.CategoryLimits[r.category]; ok && cap > 0 && usedCounts[r.category] >= cap {
			continue
		}
		if opts.MaxItems > 0 && picked >= opts.MaxItems {
			break
		}
		selected = append(selected, r)
		seen[id] = true
		usedCounts[r.category]++
		picked++
	}
	if len(selected) == 0 {
		return "", nil
	}

	grouped := make(map[string][]string)
	used := 0
	for _, r := range selected {
		line := lineForRow(r.category, r.key, r.content)
		isForced := forcedKeys[r.key]
		if opts.TokenBudget > 0 && used+len(line) > opts.TokenBudget && len(grouped) > 0 && !isForced {
			continue
		}
		grouped[r.category] = append(grouped[r.category], line)
		used += len(line)
	}
	if len(grouped) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("[相關角色狀態]")
	for _, category := range categoryOrder {
		items := grouped[category]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n#### %s", CategoryLabels[category])
		for _, line := range items {
			b.WriteString("\n" + line)
		}
	}
	return b.String(), nil
}

// Summary renders a one-line "category×count" digest of the whole index.
func (s *Store) Summary() (string, error) {
	rows, err := s.db.Query("SELECT category, COUNT(*) AS cnt FROM state_entries GROUP BY category")
	if err != nil {
		return "", fmt.Errorf("stateindex: failed to summarize: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var category string
		var cnt int
		if err := rows.Scan(&category, &cnt); err != nil {
			return "", fmt.Errorf("stateindex: failed to scan summary row: %w", err)
		}
		counts[category] = cnt
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(counts) == 0 {
		return "（尚無狀態索引）", nil
	}

	var parts []string
	for _, category := range []string{CategoryInventory, CategoryAbility, CategoryRelationship, CategoryNPC, CategoryMission, CategorySystem} {
		if cnt := counts[category]; cnt > 0 {
			parts = append(parts, CategoryLabels[category]+strconv.Itoa(cnt))
		}
	}
	if len(parts) == 0 {
		return "（尚無狀態索引）", nil
	}
	return strings.Join(parts, "、"), nil
}
