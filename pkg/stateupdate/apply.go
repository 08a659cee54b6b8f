// Package stateupdate implements C9, the state updater: applying STATE tag
// payloads to a branch's character sheet through a two-stage review gate,
// and the fate-dice subsystem (dice.go) and /gm cheat command surface
// (cheats.go) that ride alongside it.
//
// The deterministic apply logic is ported from
// original_source/app.py's _apply_state_update_inner/_apply_state_update;
// the schema itself is ported from DEFAULT_CHARACTER_SCHEMA. The two-stage
// review gate (deterministic validation, then an optional LLM review pass)
// is new in this design: the original applies every STATE update verbatim.
package stateupdate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/loomweave/loomweave/internal/config"
	"github.com/loomweave/loomweave/pkg/llm"
	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/storage"
)

// ValidationIssue records one deterministic stage-A rejection or trim.
type ValidationIssue struct {
	Key    string
	Reason string
}

// ValidateDeterministic is stage A of the review gate: a pure function that
// drops update keys violating schema types or the rule that a known scalar
// field may only be overwritten directly when the schema lists it in
// DirectOverwriteKeys. Numeric values are not range-checked. Keys the schema does not
// recognize at all pass through untouched — they are the "verbatim
// forward-compatible write" the original always allowed, and remain the
// background normalizer's job to translate.
func ValidateDeterministic(update model.CharacterState, schema model.CharacterSchema) (model.CharacterState, []ValidationIssue) {
	trimmed := make(model.CharacterState, len(update))
	var issues []ValidationIssue

	fieldTypes := make(map[string]model.FieldType, len(schema.Fields))
	for _, f := range schema.Fields {
		fieldTypes[f.Key] = f.Type
	}
	overwritable := make(map[string]bool, len(schema.DirectOverwriteKeys))
	for _, k := range schema.DirectOverwriteKeys {
		overwritable[k] = true
	}
	listKeys := make(map[string]bool)
	for _, l := range schema.Lists {
		listKeys[l.Key] = true
		if l.StateAddKey != "" {
			listKeys[l.StateAddKey] = true
		}
		if l.StateRemoveKey != "" {
			listKeys[l.StateRemoveKey] = true
		}
	}

	for key, val := range update {
		if ftype, known := fieldTypes[key]; known {
			if !overwritable[key] && key != "reward_points" {
				issues = append(issues, ValidationIssue{Key: key, Reason: "schema field is not in direct_overwrite_keys"})
				continue
			}
			if ftype == model.FieldNumber && !isNumeric(val) {
				issues = append(issues, ValidationIssue{Key: key, Reason: "expected a number"})
				continue
			}
		}
		if key == "reward_points" && !isNumeric(val) {
			issues = append(issues, ValidationIssue{Key: key, Reason: "expected a number"})
			continue
		}
		if key == "reward_points_delta" {
			if !isNumeric(val) {
				issues = append(issues, ValidationIssue{Key: key, Reason: "expected a number"})
				continue
			}
		}
		if listKeys[key] {
			if _, ok := val.([]any); !ok {
				if _, ok := val.(map[string]any); !ok {
					issues = append(issues, ValidationIssue{Key: key, Reason: "expected a list or map"})
					continue
				}
			}
		}
		trimmed[key] = val
	}
	return trimmed, issues
}

func isNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64:
		return true
	default:
		return false
	}
}

// ApplyRaw merges update into state according to schema: list fields
// append/remove by base-name match, map fields merge key-by-key,
// reward_points_delta accumulates, direct-overwrite keys replace, and any
// remaining unrecognized scalar key is written through verbatim. state is
// mutated in place and also returned for convenience.
func ApplyRaw(state model.CharacterState, update model.CharacterState, schema model.CharacterSchema) model.CharacterState {
	if state == nil {
		state = model.CharacterState{}
	}
	handled := map[string]bool{"reward_points": true, "reward_points_delta": true}

	for _, listDef := range schema.Lists {
		handled[listDef.Key] = true
		if listDef.StateAddKey != "" {
			handled[listDef.StateAddKey] = true
		}
		if listDef.StateRemoveKey != "" {
			handled[listDef.StateRemoveKey] = true
		}

		if listDef.Type == model.ListMap {
			if raw, ok := update[listDef.Key]; ok {
				incoming, _ := raw.(map[string]any)
				existing, _ := state[listDef.Key].(map[string]any)
				if existing == nil {
					existing = map[string]any{}
				}
				for k, v := range incoming {
					existing[k] = v
				}
				state[listDef.Key] = existing
			}
			continue
		}

		if listDef.StateAddKey != "" {
			if raw, ok := update[listDef.StateAddKey]; ok {
				items, _ := raw.([]any)
				lst := toAnyList(state[listDef.Key])
				for _, item := range items {
					if !containsAny(lst, item) {
						lst = append(lst, item)
					}
				}
				state[listDef.Key] = lst
			}
		}
		if listDef.StateRemoveKey != "" {
			if raw, ok := update[listDef.StateRemoveKey]; ok {
				items, _ := raw.([]any)
				lst := toAnyList(state[listDef.Key])
				for _, rmItem := range items {
					rmName := itemBaseName(fmt.Sprintf("%v", rmItem))
					filtered := lst[:0]
					for _, x := range lst {
						if itemBaseName(fmt.Sprintf("%v", x)) != rmName {
							filtered = append(filtered, x)
						}
					}
					lst = filtered
				}
				state[listDef.Key] = lst
			}
		}
	}

	if raw, ok := update["reward_points"]; ok {
		if _, hasDelta := update["reward_points_delta"]; !hasDelta {
			if n, ok := toFloat(raw); ok {
				state["reward_points"] = int(n)
			}
		}
	}
	if raw, ok := update["reward_points_delta"]; ok {
		if n, ok := toFloat(raw); ok {
			current, _ := toFloat(state["reward_points"])
			state["reward_points"] = int(current + n)
		}
	}

	for _, key := range schema.DirectOverwriteKeys {
		handled[key] = true
		if v, ok := update[key]; ok {
			state[key] = v
		}
	}

	for key, val := range update {
		if handled[key] {
			continue
		}
		switch val.(type) {
		case string, float64, float32, int, int64, bool:
			state[key] = val
		}
	}
	return state
}

func toAnyList(v any) []any {
	lst, _ := v.([]any)
	return lst
}

func containsAny(lst []any, item any) bool {
	for _, x := range lst {
		if fmt.Sprintf("%v", x) == fmt.Sprintf("%v", item) {
			return true
		}
	}
	return false
}

// itemBaseName extracts an inventory/mission item's base name the same way
// the original splits on an em-dash-separated "name — detail" pair before
// comparing for removal.
func itemBaseName(item string) string {
	if idx := strings.Index(item, " — "); idx >= 0 {
		return strings.TrimSpace(item[:idx])
	}
	return strings.TrimSpace(item)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ReviewPatch is stage B's proposed correction to a STATE update, together
// with the reviewer's rationale.
type ReviewPatch struct {
	Patch model.CharacterState `json:"patch"`
	Notes []string             `json:"notes"`
}

const reviewPromptTemplate = `你是角色狀態更新的審核員。以下是角色卡的欄位結構，以及 GM 提議的一筆狀態更新。
請檢查更新是否合理（型別正確、數值在合理範圍、沒有不當覆蓋保護欄位），
如有問題請提出修正後的 patch（僅包含需要修正的欄位，其餘沿用原值）以及簡短說明。

Schema:
{{schema}}

目前狀態：
{{state}}

提議的更新：
{{update}}

請僅以 JSON 回覆，格式為 {"patch": {...}, "notes": ["..."]}；若更新完全沒有問題，patch 可以是空物件。`

// LLMReview is stage B of the review gate: an LLM call that proposes a
// patched update plus notes. It is only invoked in ReviewLLMShadow and
// ReviewLLMEnforce modes.
func LLMReview(ctx context.Context, client llm.Client, state, update model.CharacterState, schema model.CharacterSchema) (ReviewPatch, error) {
	schemaJSON, _ := json.Marshal(schema)
	stateJSON, _ := json.Marshal(state)
	updateJSON, _ := json.Marshal(update)

	prompt := strings.NewReplacer(
		"{{schema}}", string(schemaJSON),
		"{{state}}", string(stateJSON),
		"{{update}}", string(updateJSON),
	).Replace(reviewPromptTemplate)

	resp, err := llm.Oneshot(ctx, client, "", prompt)
	if err != nil {
		return ReviewPatch{}, fmt.Errorf("stateupdate: review call failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var patch ReviewPatch
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &patch); err != nil {
		slog.Warn("stateupdate: review response was not valid JSON, treating as no-op", "error", err)
		return ReviewPatch{}, nil
	}
	return patch, nil
}

// Outcome reports what ApplyStateUpdate did: the resulting state, any
// stage-A issues, any stage-B notes, and the unknown keys still pending
// background normalization (C13's job, not this package's).
type Outcome struct {
	State         model.CharacterState
	Issues        []ValidationIssue
	ReviewNotes   []string
	ReviewApplied bool
	UnknownKeys   []string
}

// ApplyStateUpdate loads a branch's character state, runs it through the
// review gate selected by mode, merges the surviving update, and persists
// the result.
func ApplyStateUpdate(ctx context.Context, root *storage.Root, storyID, branchID string, rawUpdate model.CharacterState, schema model.CharacterSchema, mode config.StateReviewMode, client llm.Client) (Outcome, error) {
	var state model.CharacterState
	if err := storage.ReadJSON(root.CharacterStatePath(storyID, branchID), &state); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return Outcome{}, fmt.Errorf("stateupdate: failed to load state for %s/%s: %w", storyID, branchID, err)
		}
		state = model.CharacterState{}
	}

	update := rawUpdate
	var issues []ValidationIssue
	if mode != config.ReviewOff {
		update, issues = ValidateDeterministic(rawUpdate, schema)
	}

	var notes []string
	applied := false
	if (mode == config.ReviewLLMShadow || mode == config.ReviewLLMEnforce) && client != nil {
		patch, err := LLMReview(ctx, client, state, update, schema)
		if err != nil {
			slog.Warn("stateupdate: llm review failed, falling back to stage-A result", "error", err)
		} else {
			notes = patch.Notes
			if mode == config.ReviewLLMEnforce && len(patch.Patch) > 0 {
				for k, v := range patch.Patch {
					update[k] = v
				}
				applied = true
			}
		}
	}

	ApplyRaw(state, update, schema)

	known := schema.KnownKeys()
	var unknown []string
	for key := range update {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	if err := storage.WriteJSON(root.CharacterStatePath(storyID, branchID), state); err != nil {
		return Outcome{}, fmt.Errorf("stateupdate: failed to save state for %s/%s: %w", storyID, branchID, err)
	}

	return Outcome{State: state, Issues: issues, ReviewNotes: notes, ReviewApplied: applied, UnknownKeys: unknown}, nil
}
