package stateupdate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loomweave/loomweave/pkg/model"
)

func TestLookupModifierMatchesSubstringAfterFlatteningParens(t *testing.T) {
	assert.Equal(t, 3, lookupModifier("健壯士兵（後天鍛鍊）", physiqueTable))
	assert.Equal(t, 0, lookupModifier("完全不存在的描述", physiqueTable))
	assert.Equal(t, 0, lookupModifier("", physiqueTable))
}

func TestGetModifiersReadsThreeFields(t *testing.T) {
	state := model.CharacterState{
		"physique":  "超凡戰士",
		"spirit":    "強韌",
		"gene_lock": "解鎖二階",
	}
	p, s, g := getModifiers(state)
	assert.Equal(t, 10, p)
	assert.Equal(t, 5, s)
	assert.Equal(t, 10, g)
}

func TestRollFateAlwaysSuccessNeverBandsBelowModerate(t *testing.T) {
	for i := 0; i < 50; i++ {
		result := RollFate(model.CharacterState{}, 0, true)
		assert.Contains(t, []string{"大成功", "成功", "勉強成功"}, result.Outcome)
		assert.True(t, result.AlwaysSuccess)
	}
}

func TestRollFateNormalModeUsesRawExtremesAndEffectiveBands(t *testing.T) {
	for i := 0; i < 200; i++ {
		result := RollFate(model.CharacterState{}, 0, false)
		assert.Contains(t, []string{"大成功", "成功", "勉強成功", "失敗", "嚴重失敗", "大失敗"}, result.Outcome)
		assert.False(t, result.AlwaysSuccess)
		assert.Zero(t, result.CheatModifier)
	}
}

func TestRollFateRecordsCheatModifierWhenNonZero(t *testing.T) {
	result := RollFate(model.CharacterState{}, 15, false)
	assert.Equal(t, 15, result.CheatModifier)
}

func TestFormatDiceContextCarriesOutcomeAndFlavorAndWarning(t *testing.T) {
	result := model.DiceResult{Outcome: "大成功"}
	text := FormatDiceContext(result)
	assert.Contains(t, text, "大成功")
	assert.Contains(t, text, "命運眷顧")
	assert.Contains(t, text, "命運骰")
}
