// Package lore implements C3, the world-lore index: a per-story SQLite
// table of lore entries (category/topic/content/tags), keyword search
// scored by pkg/textindex, a table-of-contents renderer for system-prompt
// injection, and a prefix trie for fast topic lookups in the admin CRUD
// surface.
//
// Ported from original_source/lore_db.py, restructured as a Go type the
// way hector wraps a SQLite-backed index in a service struct
// (pkg/memory.SQLSessionService).
package lore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/derekparker/trie/v3"

	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/textindex"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS lore (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	topic    TEXT NOT NULL UNIQUE,
	content  TEXT NOT NULL,
	tags     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_lore_category ON lore(category);
`

// Entry is a scored search result.
type Entry struct {
	model.LoreEntry
	Score int
}

// Index is a per-story lore index backed by SQLite.
type Index struct {
	db    *sql.DB
	topic *trie.Trie[string] // canonicalized topic -> original topic, for prefix lookup
}

// Open opens (creating if necessary) the lore index at dbPath and loads its
// topic trie.
func Open(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("lore: failed to open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("lore: failed to init schema: %w", err)
	}

	idx := &Index{db: db, topic: trie.New[string]()}
	if err := idx.reloadTrie(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error { return idx.db.Close() }

func (idx *Index) reloadTrie() error {
	rows, err := idx.db.Query("SELECT topic FROM lore")
	if err != nil {
		return fmt.Errorf("lore: failed to list topics: %w", err)
	}
	defer rows.Close()

	idx.topic = trie.New[string]()
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return fmt.Errorf("lore: failed to scan topic: %w", err)
		}
		idx.topic.Add(textindex.CanonicalizeForMatch(topic), topic)
	}
	return rows.Err()
}

// Rebuild replaces the entire index with entries, silently dropping any row
// whose category is not in model.ValidLoreCategories (matching the
// original implementation's skip-and-log behavior).
func (idx *Index) Rebuild(storyID string, entries []model.LoreEntry) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("lore: failed to begin rebuild tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM lore"); err != nil {
		return fmt.Errorf("lore: failed to clear index: %w", err)
	}

	skipped := 0
	for _, e := range entries {
		category := strings.TrimSpace(strings.Trim(string(e.Category), "【】"))
		if !model.ValidLoreCategories[model.LoreCategory(category)] {
			skipped++
			slog.Warn("lore: skipping entry with invalid category", "category", category, "topic", e.Topic)
			continue
		}
		tags := textindex.ExtractInlineTags(e.Content)
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO lore (category, topic, content, tags) VALUES (?, ?, ?, ?)`,
			category, e.Topic, e.Content, strings.Join(tags, ","),
		); err != nil {
			return fmt.Errorf("lore: failed to insert %q: %w", e.Topic, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lore: failed to commit rebuild: %w", err)
	}
	if skipped > 0 {
		slog.Info("lore: rebuild skipped entries with invalid categories", "story", storyID, "skipped", skipped)
	}
	return idx.reloadTrie()
}

// Upsert inserts or updates a single lore entry by topic.
func (idx *Index) Upsert(e model.LoreEntry) error {
	topic := strings.TrimSpace(e.Topic)
	if topic == "" {
		return fmt.Errorf("lore: topic must not be empty")
	}
	tags := textindex.ExtractInlineTags(e.Content)

	var existingID int64
	err := idx.db.QueryRow("SELECT id FROM lore WHERE topic = ?", topic).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		if _, err := idx.db.Exec(
			`INSERT INTO lore (category, topic, content, tags) VALUES (?, ?, ?, ?)`,
			string(e.Category), topic, e.Content, strings.Join(tags, ","),
		); err != nil {
			return fmt.Errorf("lore: failed to insert %q: %w", topic, err)
		}
	case err != nil:
		return fmt.Errorf("lore: failed to look up %q: %w", topic, err)
	default:
		if _, err := idx.db.Exec(
			`UPDATE lore SET category=?, content=?, tags=? WHERE topic=?`,
			string(e.Category), e.Content, strings.Join(tags, ","), topic,
		); err != nil {
			return fmt.Errorf("lore: failed to update %q: %w", topic, err)
		}
	}
	idx.topic.Add(textindex.CanonicalizeForMatch(topic), topic)
	return nil
}

// Delete removes the lore entry with the given topic.
func (idx *Index) Delete(topic string) error {
	if _, err := idx.db.Exec("DELETE FROM lore WHERE topic = ?", topic); err != nil {
		return fmt.Errorf("lore: failed to delete %q: %w", topic, err)
	}
	return idx.reloadTrie()
}

// Search scores every row against query's extracted keywords and returns
// the top `limit` results, highest score first.
func (idx *Index) Search(query string, limit int) ([]Entry, error) {
	keywords := textindex.ExtractKeywords(query)

	rows, err := idx.db.Query("SELECT category, topic, content, tags FROM lore")
	if err != nil {
		return nil, fmt.Errorf("lore: failed to query entries: %w", err)
	}
	defer rows.Close()

	var scored []Entry
	for rows.Next() {
		var e model.LoreEntry
		var category, tags string
		if err := rows.Scan(&category, &e.Topic, &e.Content, &tags); err != nil {
			return nil, fmt.Errorf("lore: failed to scan row: %w", err)
		}
		e.Category = model.LoreCategory(category)

		score := textindex.ScoreRow(keywords, e.Topic, tags, e.Content)
		if score > 0 {
			scored = append(scored, Entry{LoreEntry: e, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// SearchByTags returns entries whose tags column contains any of tags.
func (idx *Index) SearchByTags(tags []string, limit int) ([]model.LoreEntry, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(tags))
	args := make([]any, 0, len(tags)+1)
	for i, t := range tags {
		placeholders[i] = "tags LIKE ?"
		args = append(args, "%"+t+"%")
	}
	args = append(args, limit)

	query := fmt.Sprintf("SELECT category, topic, content, tags FROM lore WHERE (%s) LIMIT ?", strings.Join(placeholders, " OR "))
	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("lore: failed to query by tags: %w", err)
	}
	defer rows.Close()

	var results []model.LoreEntry
	for rows.Next() {
		var e model.LoreEntry
		var category string
		if err := rows.Scan(&category, &e.Topic, &e.Content, new(string)); err != nil {
			return nil, fmt.Errorf("lore: failed to scan row: %w", err)
		}
		e.Category = model.LoreCategory(category)
		results = append(results, e)
	}
	return results, rows.Err()
}

// All returns every lore entry, ordered by insertion id.
func (idx *Index) All() ([]model.LoreEntry, error) {
	rows, err := idx.db.Query("SELECT category, topic, content, tags FROM lore ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("lore: failed to list entries: %w", err)
	}
	defer rows.Close()

	var results []model.LoreEntry
	for rows.Next() {
		var e model.LoreEntry
		var category, tags string
		if err := rows.Scan(&category, &e.Topic, &e.Content, &tags); err != nil {
			return nil, fmt.Errorf("lore: failed to scan row: %w", err)
		}
		e.Category = model.LoreCategory(category)
		if tags != "" {
			e.Tags = strings.Split(tags, ",")
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

var inlineMetaPattern = regexp.MustCompile(`\s*\[(?:tag|source):\s*[^\]]*\]`)

// SearchRelevantText renders the top-scoring lore entries matching query as
// a block of GM-context injection text, or "" if nothing matched.
func (idx *Index) SearchRelevantText(query string, limit int) (string, error) {
	results, err := idx.Search(query, limit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	lines := []string{"[相關世界設定]"}
	for _, e := range results {
		content := strings.TrimSpace(inlineMetaPattern.ReplaceAllString(e.Content, ""))
		if runes := []rune(content); len(runes) > 800 {
			content = string(runes[:800]) + "…（截斷）"
		}
		lines = append(lines, fmt.Sprintf("#### %s：%s", e.Category, e.Topic), content, "")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n"), nil
}

// TOC renders a hierarchical table of contents for system-prompt injection.
// Topics are split on the full-width colon "：" into a tree, grouped by
// category, and rendered as an indented outline.
func (idx *Index) TOC() (string, error) {
	rows, err := idx.db.Query("SELECT category, topic FROM lore ORDER BY id")
	if err != nil {
		return "", fmt.Errorf("lore: failed to list for toc: %w", err)
	}
	defer rows.Close()

	type tocNode struct {
		children map[string]*tocNode
		order    []string
	}
	newNode := func() *tocNode { return &tocNode{children: make(map[string]*tocNode)} }

	var categories []string
	catTrees := make(map[string]*tocNode)

	for rows.Next() {
		var category, topic string
		if err := rows.Scan(&category, &topic); err != nil {
			return "", fmt.Errorf("lore: failed to scan toc row: %w", err)
		}
		tree, ok := catTrees[category]
		if !ok {
			tree = newNode()
			catTrees[category] = tree
			categories = append(categories, category)
		}
		node := tree
		for _, part := range strings.Split(topic, "：") {
			child, ok := node.children[part]
			if !ok {
				child = newNode()
				node.children[part] = child
				node.order = append(node.order, part)
			}
			node = child
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	if len(categories) == 0 {
		return "（尚無已確立的世界設定）", nil
	}

	var b strings.Builder
	var render func(node *tocNode, depth int)
	render = func(node *tocNode, depth int) {
		indent := strings.Repeat("  ", depth)
		for _, key := range node.order {
			fmt.Fprintf(&b, "%s- %s\n", indent, key)
			render(node.children[key], depth+1)
		}
	}

	for _, cat := range categories {
		fmt.Fprintf(&b, "### 【%s】\n", cat)
		render(catTrees[cat], 0)
		b.WriteString("\n")
	}

	return strings.TrimSpace(b.String()), nil
}

// FindByPrefix returns every original (non-canonicalized) topic whose
// canonicalized form starts with the canonicalized prefix — the admin
// CRUD "find by partial topic" lookup, served by the trie instead of a
// table scan.
func (idx *Index) FindByPrefix(prefix string) []string {
	keys := idx.topic.PrefixSearch(textindex.CanonicalizeForMatch(prefix))
	topics := make([]string, 0, len(keys))
	for _, k := range keys {
		if node, ok := idx.topic.Find(k); ok {
			topics = append(topics, node.Meta())
		}
	}
	return topics
}

// TopicExists reports whether topic (or a different-cased/punctuated
// variant of it) is already indexed — a fast trie-backed uniqueness check
// before an upsert that should be treated as a create.
func (idx *Index) TopicExists(topic string) bool {
	_, ok := idx.topic.Find(textindex.CanonicalizeForMatch(topic))
	return ok
}
