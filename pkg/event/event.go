// Package event implements C4, the per-branch event store: a SQLite table
// of structured narrative beats (planted/triggered/resolved/abandoned),
// fork/merge lifecycle operations, and CJK keyword search shared with C3
// via pkg/textindex.
//
// Ported from original_source/event_db.py.
package event

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/textindex"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type     TEXT NOT NULL,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL,
	message_index  INTEGER,
	branch_id      TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'planted',
	tags           TEXT NOT NULL DEFAULT '',
	related_titles TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_branch ON events(branch_id);
CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
`

// StatusLabel maps an EventStatus to the Chinese display label the original
// implementation injects into GM context.
var StatusLabel = map[model.EventStatus]string{
	model.EventPlanted:   "已埋",
	model.EventTriggered: "已觸發",
	model.EventResolved:  "已解決",
	model.EventAbandoned: "已廢棄",
}

// ScoredEvent pairs an Event with its search relevance score.
type ScoredEvent struct {
	model.Event
	Score int
}

// Store is a per-story event store backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the event store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("event: failed to open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("event: failed to init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Insert adds a new event for branchID and returns its id.
func (s *Store) Insert(branchID string, e model.Event) (int64, error) {
	if e.EventType == "" {
		e.EventType = "遭遇"
	}
	if e.Status == "" {
		e.Status = model.EventPlanted
	}
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := s.db.Exec(
		`INSERT INTO events (event_type, title, description, message_index, branch_id, status, tags, related_titles, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventType, e.Title, e.Description, e.MessageIndex, branchID, string(e.Status), e.Tags, e.RelatedTitles, now,
	)
	if err != nil {
		return 0, fmt.Errorf("event: failed to insert %q: %w", e.Title, err)
	}
	return res.LastInsertId()
}

// UpdateStatus sets an event's lifecycle status.
func (s *Store) UpdateStatus(eventID int64, status model.EventStatus) error {
	if _, err := s.db.Exec("UPDATE events SET status = ? WHERE id = ?", string(status), eventID); err != nil {
		return fmt.Errorf("event: failed to update status of %d: %w", eventID, err)
	}
	return nil
}

// scanEvent scans one row returned by a `SELECT *`-shaped query, in schema
// column order.
func scanEvent(row interface {
	Scan(dest ...any) error
}) (model.Event, error) {
	var e model.Event
	var status string
	var createdAt string
	var messageIndex sql.NullInt64
	if err := row.Scan(&e.ID, &e.EventType, &e.Title, &e.Description, &messageIndex, &e.BranchID, &status, &e.Tags, &e.RelatedTitles, &createdAt); err != nil {
		return model.Event{}, err
	}
	e.Status = model.EventStatus(status)
	if messageIndex.Valid {
		idx := int(messageIndex.Int64)
		e.MessageIndex = &idx
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		e.CreatedAt = t
	}
	return e, nil
}

const selectColumns = "id, event_type, title, description, message_index, branch_id, status, tags, related_titles, created_at"

// List returns the most recent events, optionally filtered by branch.
func (s *Store) List(branchID string, limit int) ([]model.Event, error) {
	var rows *sql.Rows
	var err error
	if branchID != "" {
		rows, err = s.db.Query("SELECT "+selectColumns+" FROM events WHERE branch_id = ? ORDER BY id DESC LIMIT ?", branchID, limit)
	} else {
		rows, err = s.db.Query("SELECT "+selectColumns+" FROM events ORDER BY id DESC LIMIT ?", limit)
	}
	if err != nil {
		return nil, fmt.Errorf("event: failed to list events: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// Get returns a single event by id.
func (s *Store) Get(eventID int64) (*model.Event, error) {
	row := s.db.QueryRow("SELECT "+selectColumns+" FROM events WHERE id = ?", eventID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("event: failed to get %d: %w", eventID, err)
	}
	return &e, nil
}

// CopyForFork copies sourceBranchID's events into targetBranchID. If
// branchPointIndex is non-nil, only events at or before that message index
// (or with no message index at all) are copied — mirroring the original
// implementation's conservative treatment of legacy events.
func (s *Store) CopyForFork(sourceBranchID, targetBranchID string, branchPointIndex *int) error {
	if sourceBranchID == targetBranchID {
		return nil
	}

	var rows *sql.Rows
	var err error
	cols := "event_type, title, description, message_index, status, tags, related_titles, created_at"
	if branchPointIndex == nil {
		rows, err = s.db.Query("SELECT "+cols+" FROM events WHERE branch_id = ? ORDER BY id", sourceBranchID)
	} else {
		rows, err = s.db.Query(
			"SELECT "+cols+" FROM events WHERE branch_id = ? AND (message_index <= ? OR message_index IS NULL) ORDER BY id",
			sourceBranchID, *branchPointIndex,
		)
	}
	if err != nil {
		return fmt.Errorf("event: failed to read source events: %w", err)
	}
	defer rows.Close()

	type forkRow struct {
		eventType, title, description, status, tags, relatedTitles, createdAt string
		messageIndex                                                          sql.NullInt64
	}
	var copies []forkRow
	for rows.Next() {
		var r forkRow
		if err := rows.Scan(&r.eventType, &r.title, &r.description, &r.messageIndex, &r.status, &r.tags, &r.relatedTitles, &r.createdAt); err != nil {
			return fmt.Errorf("event: failed to scan source event: %w", err)
		}
		copies = append(copies, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(copies) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("event: failed to begin fork tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO events (event_type, title, description, message_index, branch_id, status, tags, related_titles, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("event: failed to prepare fork insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range copies {
		if _, err := stmt.Exec(r.eventType, r.title, r.description, r.messageIndex, targetBranchID, r.status, r.tags, r.relatedTitles, r.createdAt); err != nil {
			return fmt.Errorf("event: failed to copy event %q: %w", r.title, err)
		}
	}
	return tx.Commit()
}

// MergeInto merges srcBranchID's events into dstBranchID by title: titles
// absent from dst are inserted, titles present in both have dst's status
// overwritten by src's.
func (s *Store) MergeInto(srcBranchID, dstBranchID string) error {
	if srcBranchID == dstBranchID {
		return nil
	}

	srcRows, err := s.db.Query(
		"SELECT event_type, title, description, message_index, status, tags, related_titles, created_at FROM events WHERE branch_id = ? ORDER BY id",
		srcBranchID,
	)
	if err != nil {
		return fmt.Errorf("event: failed to read source branch events: %w", err)
	}
	type srcRow struct {
		eventType, title, description, status, tags, relatedTitles, createdAt string
		messageIndex                                                          sql.NullInt64
	}
	bySrcTitle := make(map[string]srcRow)
	var order []string
	for srcRows.Next() {
		var r srcRow
		if err := srcRows.Scan(&r.eventType, &r.title, &r.description, &r.messageIndex, &r.status, &r.tags, &r.relatedTitles, &r.createdAt); err != nil {
			srcRows.Close()
			return fmt.Errorf("event: failed to scan source event: %w", err)
		}
		if _, exists := bySrcTitle[r.title]; !exists {
			order = append(order, r.title)
		}
		bySrcTitle[r.title] = r
	}
	srcRows.Close()
	if err := srcRows.Err(); err != nil {
		return err
	}
	if len(bySrcTitle) == 0 {
		return nil
	}

	dstRows, err := s.db.Query("SELECT id, title FROM events WHERE branch_id = ?", dstBranchID)
	if err != nil {
		return fmt.Errorf("event: failed to read destination branch events: %w", err)
	}
	dstTitleToID := make(map[string]int64)
	for dstRows.Next() {
		var id int64
		var title string
		if err := dstRows.Scan(&id, &title); err != nil {
			dstRows.Close()
			return fmt.Errorf("event: failed to scan destination event: %w", err)
		}
		dstTitleToID[title] = id
	}
	dstRows.Close()
	if err := dstRows.Err(); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("event: failed to begin merge tx: %w", err)
	}
	defer tx.Rollback()

	insertStmt, err := tx.Prepare(
		`INSERT INTO events (event_type, title, description, message_index, branch_id, status, tags, related_titles, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("event: failed to prepare merge insert: %w", err)
	}
	defer insertStmt.Close()

	for _, title := range order {
		r := bySrcTitle[title]
		if dstID, exists := dstTitleToID[title]; exists {
			if _, err := tx.Exec("UPDATE events SET status = ? WHERE id = ?", r.status, dstID); err != nil {
				return fmt.Errorf("event: failed to update merged status for %q: %w", title, err)
			}
			continue
		}
		if _, err := insertStmt.Exec(r.eventType, r.title, r.description, r.messageIndex, dstBranchID, r.status, r.tags, r.relatedTitles, r.createdAt); err != nil {
			return fmt.Errorf("event: failed to insert merged event %q: %w", title, err)
		}
	}
	return tx.Commit()
}

// DeleteForBranch removes every event belonging to branchID.
func (s *Store) DeleteForBranch(branchID string) error {
	if _, err := s.db.Exec("DELETE FROM events WHERE branch_id = ?", branchID); err != nil {
		return fmt.Errorf("event: failed to delete events for %s: %w", branchID, err)
	}
	return nil
}

// Search scores branchID's events (or every branch's, if branchID is empty)
// against query's extracted keywords. When activeOnly is set, only
// planted/triggered events are considered, so the GM is never handed a
// resolved or abandoned event to re-trigger.
func (s *Store) Search(query, branchID string, limit int, activeOnly bool) ([]ScoredEvent, error) {
	keywords := textindex.ExtractKeywords(query)

	filter := ""
	args := []any{}
	if activeOnly {
		filter = "AND status IN ('planted', 'triggered')"
	}
	sqlQuery := "SELECT " + selectColumns + " FROM events WHERE 1=1 " + filter
	if branchID != "" {
		sqlQuery = "SELECT " + selectColumns + " FROM events WHERE branch_id = ? " + filter
		args = append(args, branchID)
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("event: failed to search events: %w", err)
	}
	defer rows.Close()

	events, err := scanAll(rows)
	if err != nil {
		return nil, err
	}

	var scored []ScoredEvent
	for _, e := range events {
		score := textindex.ScoreRow(keywords, e.Title, e.Tags+" "+e.RelatedTitles, e.Description)
		if score > 0 {
			scored = append(scored, ScoredEvent{Event: e, Score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// SearchRelevantText renders the top active events matching userMessage as
// a block of GM-context injection text, or "" if nothing matched.
func (s *Store) SearchRelevantText(userMessage, branchID string, limit int) (string, error) {
	results, err := s.Search(userMessage, branchID, limit, true)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("[相關事件追蹤]")
	for _, e := range results {
		label := StatusLabel[e.Status]
		if label == "" {
			label = string(e.Status)
		}
		desc := e.Description
		if runes := []rune(desc); len(runes) > 200 {
			desc = string(runes[:200])
		}
		fmt.Fprintf(&b, "\n- [%s] %s（%s）：%s", e.EventType, e.Title, label, desc)
	}
	return b.String(), nil
}

// Titles returns the set of event titles already present on branchID, for
// dedup when merging extraction results.
func (s *Store) Titles(branchID string) (map[string]bool, error) {
	rows, err := s.db.Query("SELECT title FROM events WHERE branch_id = ?", branchID)
	if err != nil {
		return nil, fmt.Errorf("event: failed to list titles: %w", err)
	}
	defer rows.Close()

	titles := make(map[string]bool)
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, err
		}
		titles[title] = true
	}
	return titles, rows.Err()
}

// TitleInfo is the id/status pair returned by TitleMap.
type TitleInfo struct {
	ID     int64
	Status model.EventStatus
}

// TitleMap returns a title → {id,status} map for branchID, used to decide
// whether a newly extracted event is a duplicate needing only a status bump.
func (s *Store) TitleMap(branchID string) (map[string]TitleInfo, error) {
	rows, err := s.db.Query("SELECT id, title, status FROM events WHERE branch_id = ?", branchID)
	if err != nil {
		return nil, fmt.Errorf("event: failed to build title map: %w", err)
	}
	defer rows.Close()

	result := make(map[string]TitleInfo)
	for rows.Next() {
		var id int64
		var title, status string
		if err := rows.Scan(&id, &title, &status); err != nil {
			return nil, err
		}
		result[title] = TitleInfo{ID: id, Status: model.EventStatus(status)}
	}
	return result, rows.Err()
}

// ActiveForeshadowing returns branchID's planted-but-not-yet-triggered events.
func (s *Store) ActiveForeshadowing(branchID string) ([]model.Event, error) {
	rows, err := s.db.Query("SELECT "+selectColumns+" FROM events WHERE branch_id = ? AND status = ? ORDER BY id", branchID, string(model.EventPlanted))
	if err != nil {
		return nil, fmt.Errorf("event: failed to list foreshadowing: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("event: failed to scan row: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
