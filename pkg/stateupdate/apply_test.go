package stateupdate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomweave/loomweave/internal/config"
	"github.com/loomweave/loomweave/pkg/llm"
	"github.com/loomweave/loomweave/pkg/model"
)

func TestValidateDeterministicRejectsOverwriteOfNonOverwritableField(t *testing.T) {
	schema := model.DefaultCharacterSchema()
	trimmed, issues := ValidateDeterministic(model.CharacterState{"name": "新名字"}, schema)
	assert.NotContains(t, trimmed, "name")
	require.Len(t, issues, 1)
	assert.Equal(t, "name", issues[0].Key)
}

func TestValidateDeterministicRejectsNonNumericRewardPoints(t *testing.T) {
	schema := model.DefaultCharacterSchema()
	trimmed, issues := ValidateDeterministic(model.CharacterState{"reward_points": "很多"}, schema)
	assert.NotContains(t, trimmed, "reward_points")
	require.Len(t, issues, 1)
}

func TestValidateDeterministicAllowsDirectOverwriteFields(t *testing.T) {
	schema := model.DefaultCharacterSchema()
	trimmed, issues := ValidateDeterministic(model.CharacterState{"physique": "健壯士兵"}, schema)
	assert.Equal(t, "健壯士兵", trimmed["physique"])
	assert.Empty(t, issues)
}

func TestValidateDeterministicPassesThroughUnknownKeys(t *testing.T) {
	schema := model.DefaultCharacterSchema()
	trimmed, issues := ValidateDeterministic(model.CharacterState{"mood": "開心"}, schema)
	assert.Equal(t, "開心", trimmed["mood"])
	assert.Empty(t, issues)
}

func TestApplyRawAddsAndRemovesInventoryByBaseName(t *testing.T) {
	schema := model.DefaultCharacterSchema()
	state := model.CharacterState{"inventory": []any{"鐵劍 — 鋒利"}}

	ApplyRaw(state, model.CharacterState{"inventory_add": []any{"藥水"}}, schema)
	assert.ElementsMatch(t, []any{"鐵劍 — 鋒利", "藥水"}, state["inventory"])

	ApplyRaw(state, model.CharacterState{"inventory_remove": []any{"鐵劍"}}, schema)
	assert.Equal(t, []any{"藥水"}, state["inventory"])
}

func TestApplyRawMergesRelationshipsMap(t *testing.T) {
	schema := model.DefaultCharacterSchema()
	state := model.CharacterState{"relationships": map[string]any{"艾莉絲": "朋友"}}
	ApplyRaw(state, model.CharacterState{"relationships": map[string]any{"鐵匠": "中立"}}, schema)

	rel := state["relationships"].(map[string]any)
	assert.Equal(t, "朋友", rel["艾莉絲"])
	assert.Equal(t, "中立", rel["鐵匠"])
}

func TestApplyRawAccumulatesRewardPointsDelta(t *testing.T) {
	schema := model.DefaultCharacterSchema()
	state := model.CharacterState{"reward_points": float64(100)}
	ApplyRaw(state, model.CharacterState{"reward_points_delta": float64(-30)}, schema)
	assert.Equal(t, 70, state["reward_points"])
}

func TestApplyRawAcceptsExplicitRewardPointsWithoutDelta(t *testing.T) {
	schema := model.DefaultCharacterSchema()
	state := model.CharacterState{"reward_points": float64(10)}
	ApplyRaw(state, model.CharacterState{"reward_points": float64(999)}, schema)
	assert.Equal(t, 999, state["reward_points"])
}

func TestApplyRawOverwritesDirectOverwriteKeys(t *testing.T) {
	schema := model.DefaultCharacterSchema()
	state := model.CharacterState{"current_status": "健康"}
	ApplyRaw(state, model.CharacterState{"current_status": "受傷"}, schema)
	assert.Equal(t, "受傷", state["current_status"])
}

func TestApplyRawWritesUnknownScalarKeysThrough(t *testing.T) {
	schema := model.DefaultCharacterSchema()
	state := model.CharacterState{}
	ApplyRaw(state, model.CharacterState{"mood": "開心", "luck": float64(7)}, schema)
	assert.Equal(t, "開心", state["mood"])
	assert.Equal(t, float64(7), state["luck"])
}

type refusingClient struct{}

func (refusingClient) Generate(ctx context.Context, messages []llm.Message) (llm.Response, error) {
	return llm.Response{Text: `{"patch": {"current_status": "幸運加身"}, "notes": ["調整狀態以符合劇情"]}`}, nil
}
func (refusingClient) ModelName() string { return "stub-reviewer" }

func TestApplyStateUpdateOffModeSkipsValidationEntirely(t *testing.T) {
	root := newTestRoot(t)
	schema := model.DefaultCharacterSchema()

	outcome, err := ApplyStateUpdate(context.Background(), root, "story-1", "main",
		model.CharacterState{"name": "硬改名字"}, schema, config.ReviewOff, nil)
	require.NoError(t, err)
	assert.Equal(t, "硬改名字", outcome.State["name"])
	assert.Empty(t, outcome.Issues)
}

func TestApplyStateUpdateDeterministicOnlyDropsInvalidKeys(t *testing.T) {
	root := newTestRoot(t)
	schema := model.DefaultCharacterSchema()

	outcome, err := ApplyStateUpdate(context.Background(), root, "story-1", "main",
		model.CharacterState{"name": "硬改名字", "physique": "健壯士兵"}, schema, config.ReviewDeterministicOnly, nil)
	require.NoError(t, err)
	assert.NotContains(t, outcome.State, "name")
	assert.Equal(t, "健壯士兵", outcome.State["physique"])
	require.Len(t, outcome.Issues, 1)
}

func TestApplyStateUpdateLLMShadowRecordsNotesWithoutApplyingPatch(t *testing.T) {
	root := newTestRoot(t)
	schema := model.DefaultCharacterSchema()

	outcome, err := ApplyStateUpdate(context.Background(), root, "story-1", "main",
		model.CharacterState{"mood": "平靜"}, schema, config.ReviewLLMShadow, refusingClient{})
	require.NoError(t, err)
	assert.NotEqual(t, "幸運加身", outcome.State["current_status"])
	assert.False(t, outcome.ReviewApplied)
	assert.NotEmpty(t, outcome.ReviewNotes)
}

func TestApplyStateUpdateLLMEnforceAppliesPatch(t *testing.T) {
	root := newTestRoot(t)
	schema := model.DefaultCharacterSchema()

	outcome, err := ApplyStateUpdate(context.Background(), root, "story-1", "main",
		model.CharacterState{"mood": "平靜"}, schema, config.ReviewLLMEnforce, refusingClient{})
	require.NoError(t, err)
	assert.Equal(t, "幸運加身", outcome.State["current_status"])
	assert.True(t, outcome.ReviewApplied)
}

func TestApplyStateUpdateReportsUnknownKeysForBackgroundNormalization(t *testing.T) {
	root := newTestRoot(t)
	schema := model.DefaultCharacterSchema()

	outcome, err := ApplyStateUpdate(context.Background(), root, "story-1", "main",
		model.CharacterState{"mood": "開心"}, schema, config.ReviewDeterministicOnly, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"mood"}, outcome.UnknownKeys)
}
