package stateupdate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomweave/loomweave/pkg/storage"
)

func newTestRoot(t *testing.T) *storage.Root {
	t.Helper()
	root, err := storage.NewRoot(t.TempDir())
	require.NoError(t, err)
	return root
}

func TestLoadCheatsReturnsZeroValueWhenAbsent(t *testing.T) {
	root := newTestRoot(t)
	cheats, err := LoadCheats(root, "story-1", "main")
	require.NoError(t, err)
	assert.Equal(t, Cheats{}, cheats)
}

func TestSaveThenLoadCheatsRoundTrips(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, SaveCheats(root, "story-1", "main", Cheats{DiceModifier: 20}))

	cheats, err := LoadCheats(root, "story-1", "main")
	require.NoError(t, err)
	assert.Equal(t, 20, cheats.DiceModifier)
}

func TestCopyCheatsSkipsWhenParentHasNone(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, CopyCheats(root, "story-1", "main", "branch-2"))

	cheats, err := LoadCheats(root, "story-1", "branch-2")
	require.NoError(t, err)
	assert.Equal(t, Cheats{}, cheats)
}

func TestCopyCheatsCarriesDiceModifierToChild(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, SaveCheats(root, "story-1", "main", Cheats{DiceModifier: -10}))
	require.NoError(t, CopyCheats(root, "story-1", "main", "branch-2"))

	cheats, err := LoadCheats(root, "story-1", "branch-2")
	require.NoError(t, err)
	assert.Equal(t, -10, cheats.DiceModifier)
}

func TestIsGMCommandDetectsPrefix(t *testing.T) {
	assert.True(t, IsGMCommand("/gm dice +10"))
	assert.True(t, IsGMCommand("  /gm 骰子 reset"))
	assert.False(t, IsGMCommand("我要攻擊史萊姆"))
}

func TestParseDiceCommandHandlesSignedNumbersAndResetSpellings(t *testing.T) {
	n, ok := ParseDiceCommand("/gm dice +30")
	require.True(t, ok)
	assert.Equal(t, 30, n)

	n, ok = ParseDiceCommand("/gm 骰子 -10")
	require.True(t, ok)
	assert.Equal(t, -10, n)

	n, ok = ParseDiceCommand("/gm dice reset")
	require.True(t, ok)
	assert.Equal(t, 0, n)

	n, ok = ParseDiceCommand("/gm 骰子 重置")
	require.True(t, ok)
	assert.Equal(t, 0, n)

	_, ok = ParseDiceCommand("不是指令")
	assert.False(t, ok)
}

func TestApplyDiceCommandPersistsModifierAndReportsAction(t *testing.T) {
	root := newTestRoot(t)

	result, ok, err := ApplyDiceCommand(root, "story-1", "main", "/gm dice +25")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, result.Old)
	assert.Equal(t, 25, result.New)
	assert.Equal(t, "add", result.Action)

	result, ok, err = ApplyDiceCommand(root, "story-1", "main", "/gm dice reset")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 25, result.Old)
	assert.Equal(t, 0, result.New)
	assert.Equal(t, "reset", result.Action)
}

func TestApplyDiceCommandReturnsFalseForNonDiceText(t *testing.T) {
	root := newTestRoot(t)
	_, ok, err := ApplyDiceCommand(root, "story-1", "main", "我要前往市集")
	require.NoError(t, err)
	assert.False(t, ok)
}
