package event

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomweave/loomweave/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func intPtr(i int) *int { return &i }

func TestInsertDefaultsTypeAndStatus(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Insert("main", model.Event{Title: "神秘商人來訪", Description: "一名商人出現在村口"})
	require.NoError(t, err)
	require.NotZero(t, id)

	e, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, model.EventPlanted, e.Status)
	assert.Equal(t, "遭遇", e.EventType)
}

func TestUpdateStatus(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Insert("main", model.Event{Title: "伏筆：失落的王冠"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(id, model.EventTriggered))
	e, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.EventTriggered, e.Status)
}

func TestListFiltersByBranch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert("main", model.Event{Title: "A"})
	require.NoError(t, err)
	_, err = s.Insert("branch-2", model.Event{Title: "B"})
	require.NoError(t, err)

	events, err := s.List("main", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "A", events[0].Title)
}

func TestCopyForForkHonorsBranchPointIndex(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert("main", model.Event{Title: "早期事件", MessageIndex: intPtr(1)})
	require.NoError(t, err)
	_, err = s.Insert("main", model.Event{Title: "晚期事件", MessageIndex: intPtr(10)})
	require.NoError(t, err)
	_, err = s.Insert("main", model.Event{Title: "無索引事件"})
	require.NoError(t, err)

	require.NoError(t, s.CopyForFork("main", "branch-2", intPtr(5)))

	events, err := s.List("branch-2", 10)
	require.NoError(t, err)
	var titles []string
	for _, e := range events {
		titles = append(titles, e.Title)
	}
	assert.ElementsMatch(t, []string{"早期事件", "無索引事件"}, titles)
}

func TestCopyForForkWithNilIndexCopiesAll(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert("main", model.Event{Title: "A", MessageIndex: intPtr(1)})
	require.NoError(t, err)
	_, err = s.Insert("main", model.Event{Title: "B", MessageIndex: intPtr(99)})
	require.NoError(t, err)

	require.NoError(t, s.CopyForFork("main", "branch-2", nil))

	events, err := s.List("branch-2", 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestMergeIntoInsertsNewAndUpdatesExistingStatus(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert("feature", model.Event{Title: "共有事件", Status: model.EventResolved})
	require.NoError(t, err)
	_, err = s.Insert("feature", model.Event{Title: "僅存於分支的事件"})
	require.NoError(t, err)
	_, err = s.Insert("main", model.Event{Title: "共有事件", Status: model.EventPlanted})
	require.NoError(t, err)

	require.NoError(t, s.MergeInto("feature", "main"))

	events, err := s.List("main", 10)
	require.NoError(t, err)
	byTitle := make(map[string]model.Event)
	for _, e := range events {
		byTitle[e.Title] = e
	}
	require.Contains(t, byTitle, "共有事件")
	require.Contains(t, byTitle, "僅存於分支的事件")
	assert.Equal(t, model.EventResolved, byTitle["共有事件"].Status)
}

func TestDeleteForBranch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert("main", model.Event{Title: "A"})
	require.NoError(t, err)
	_, err = s.Insert("branch-2", model.Event{Title: "B"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteForBranch("main"))

	events, err := s.List("", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "B", events[0].Title)
}

func TestSearchActiveOnlyExcludesResolvedAndAbandoned(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert("main", model.Event{Title: "龍族的詛咒", Description: "關於龍族的古老詛咒", Status: model.EventPlanted})
	require.NoError(t, err)
	_, err = s.Insert("main", model.Event{Title: "龍族的寶藏", Description: "已經被發現的寶藏", Status: model.EventResolved})
	require.NoError(t, err)

	results, err := s.Search("龍族", "main", 10, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "龍族的詛咒", results[0].Title)
}

func TestSearchRelevantTextFormatsStatusLabel(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert("main", model.Event{EventType: "伏筆", Title: "神秘的信件", Description: "一封沒有署名的信件出現在桌上", Status: model.EventPlanted})
	require.NoError(t, err)

	text, err := s.SearchRelevantText("信件", "main", 5)
	require.NoError(t, err)
	assert.Contains(t, text, "[相關事件追蹤]")
	assert.Contains(t, text, "[伏筆] 神秘的信件（已埋）")
}

func TestSearchRelevantTextEmptyWhenNoMatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert("main", model.Event{Title: "無關事件", Description: "完全不相關的內容"})
	require.NoError(t, err)

	text, err := s.SearchRelevantText("龍族", "main", 5)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestTitlesAndTitleMap(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Insert("main", model.Event{Title: "伏筆A", Status: model.EventPlanted})
	require.NoError(t, err)

	titles, err := s.Titles("main")
	require.NoError(t, err)
	assert.True(t, titles["伏筆A"])

	titleMap, err := s.TitleMap("main")
	require.NoError(t, err)
	info, ok := titleMap["伏筆A"]
	require.True(t, ok)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, model.EventPlanted, info.Status)
}

func TestActiveForeshadowingReturnsOnlyPlanted(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert("main", model.Event{Title: "A", Status: model.EventPlanted})
	require.NoError(t, err)
	_, err = s.Insert("main", model.Event{Title: "B", Status: model.EventTriggered})
	require.NoError(t, err)

	events, err := s.ActiveForeshadowing("main")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "A", events[0].Title)
}
