package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomweave/loomweave/pkg/storage"
)

func newTestClock(t *testing.T) *Clock {
	t.Helper()
	root, err := storage.NewRoot(t.TempDir())
	require.NoError(t, err)
	return New(root, 0, 0)
}

func TestWorldDayDefaultsToZero(t *testing.T) {
	c := newTestClock(t)
	day, err := c.WorldDay("story-1", "main")
	require.NoError(t, err)
	assert.Zero(t, day)
}

func TestAdvanceAccumulates(t *testing.T) {
	c := newTestClock(t)
	_, err := c.Advance("story-1", "main", 2)
	require.NoError(t, err)
	day, err := c.Advance("story-1", "main", 1.5)
	require.NoError(t, err)
	assert.Equal(t, 3.5, day)
}

func TestAdvanceIgnoresNonPositiveDelta(t *testing.T) {
	c := newTestClock(t)
	_, err := c.Advance("story-1", "main", 5)
	require.NoError(t, err)

	day, err := c.Advance("story-1", "main", 0)
	require.NoError(t, err)
	assert.Equal(t, 5.0, day)

	day, err = c.Advance("story-1", "main", -3)
	require.NoError(t, err)
	assert.Equal(t, 5.0, day, "a non-positive delta must never roll the clock backward")
}

func TestEnterAndExitDungeonUseFixedCosts(t *testing.T) {
	c := newTestClock(t)
	day, err := c.EnterDungeon("story-1", "main")
	require.NoError(t, err)
	assert.Equal(t, DefaultDungeonEnterDays, day)

	day, err = c.ExitDungeon("story-1", "main")
	require.NoError(t, err)
	assert.Equal(t, DefaultDungeonEnterDays+DefaultDungeonExitDays, day)
}

func TestCopyFromSkipsZeroParentClock(t *testing.T) {
	c := newTestClock(t)
	require.NoError(t, c.CopyFrom("story-1", "main", "branch-a"))

	day, err := c.WorldDay("story-1", "branch-a")
	require.NoError(t, err)
	assert.Zero(t, day, "copying from a zero-day parent must leave the child with no world_day file")
}

func TestCopyFromPropagatesPositiveParentClock(t *testing.T) {
	c := newTestClock(t)
	_, err := c.Advance("story-1", "main", 4)
	require.NoError(t, err)

	require.NoError(t, c.CopyFrom("story-1", "main", "branch-a"))

	day, err := c.WorldDay("story-1", "branch-a")
	require.NoError(t, err)
	assert.Equal(t, 4.0, day)
}

func TestParseTimeTagBody(t *testing.T) {
	assert.Equal(t, 3.0, ParseTimeTagBody("days:3"))
	assert.Equal(t, 0.5, ParseTimeTagBody("hours:12"))
	assert.Zero(t, ParseTimeTagBody("garbage"))
	assert.Zero(t, ParseTimeTagBody("days:not-a-number"))
}

func TestProcessTimeTagsAdvancesAndStripsBothBracketStyles(t *testing.T) {
	c := newTestClock(t)

	text := "You rest. <!--TIME days:2 TIME--> The sun rises. [TIME hours:24 TIME] Done."
	stripped, err := c.ProcessTimeTags("story-1", "main", text)
	require.NoError(t, err)

	assert.NotContains(t, stripped, "TIME")
	day, err := c.WorldDay("story-1", "main")
	require.NoError(t, err)
	assert.Equal(t, 3.0, day)
}

func TestProcessTimeTagsIgnoresZeroDeltas(t *testing.T) {
	c := newTestClock(t)
	_, err := c.ProcessTimeTags("story-1", "main", "<!--TIME garbage TIME-->")
	require.NoError(t, err)

	day, err := c.WorldDay("story-1", "main")
	require.NoError(t, err)
	assert.Zero(t, day)
}
