// Package stateupdate implements C9, the state updater: applying STATE tag
// payloads to a branch's character sheet and rolling the fate-dice subsystem
// that backs narrative checks.
//
// The dice mechanics are ported from original_source/dice.py.
package stateupdate

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"github.com/loomweave/loomweave/pkg/model"
)

type modifierEntry struct {
	label string
	mod   int
}

var physiqueTable = []modifierEntry{
	{"超凡戰士", 10},
	{"健壯士兵", 3},
	{"虛弱", 1},
	{"普通", 0},
}

var spiritTable = []modifierEntry{
	{"超凡", 10},
	{"強韌", 5},
	{"穩定", 1},
	{"不堪一擊", 1},
	{"普通", 0},
}

var geneLockTable = []modifierEntry{
	{"解鎖四階", 30},
	{"解鎖三階", 20},
	{"解鎖二階", 10},
	{"解鎖一階", 5},
	{"未覺醒", 0},
}

// parenSuffixPattern drops the brackets around a parenthesized suffix,
// keeping its text, so "普通（虛弱）" matches
// the same way "普通 虛弱" would.
var parenSuffixPattern = regexp.MustCompile(`[（(]([^）)]*)[）)]`)

func lookupModifier(raw string, table []modifierEntry) int {
	if raw == "" {
		return 0
	}
	flat := strings.TrimSpace(parenSuffixPattern.ReplaceAllString(raw, " $1"))
	for _, entry := range table {
		if strings.Contains(flat, entry.label) {
			return entry.mod
		}
	}
	return 0
}

func stringField(state model.CharacterState, key string) string {
	v, ok := state[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getModifiers(state model.CharacterState) (physique, spirit, geneLock int) {
	physique = lookupModifier(stringField(state, "physique"), physiqueTable)
	spirit = lookupModifier(stringField(state, "spirit"), spiritTable)
	geneLock = lookupModifier(stringField(state, "gene_lock"), geneLockTable)
	return
}

// outcomeFlavor carries the Chinese flavor text shown alongside each banded
// outcome name.
var outcomeFlavor = map[string]string{
	"大成功":  "命運眷顧，超乎預期的完美結果",
	"成功":   "順利達成目標",
	"勉強成功": "險些失敗，但勉強達成，可能有代價或不完美",
	"失敗":   "未能達成目標，可能遭受挫折",
	"嚴重失敗": "未能達成目標，並帶來額外的負面後果",
	"大失敗":  "災難性的失敗，情況急轉直下",
}

// RollFate rolls a d100 fate die, combining the character state's
// physique/spirit/gene-lock tiers into an attribute bonus and banding the
// result into one of six named outcomes. cheatModifier and alwaysSuccess
// carry a branch's /gm dice override, when set.
func RollFate(state model.CharacterState, cheatModifier int, alwaysSuccess bool) model.DiceResult {
	pMod, sMod, gMod := getModifiers(state)
	attrBonus := (pMod+sMod)/2 + gMod

	raw := rand.Intn(100) + 1
	effective := raw + attrBonus + cheatModifier

	var outcome string
	switch {
	case alwaysSuccess && raw >= 71:
		outcome = "大成功"
	case alwaysSuccess && raw >= 21:
		outcome = "成功"
	case alwaysSuccess:
		outcome = "勉強成功"
	case raw >= 96:
		outcome = "大成功"
	case raw <= 5:
		outcome = "大失敗"
	case effective >= 80:
		outcome = "成功"
	case effective >= 50:
		outcome = "勉強成功"
	case effective >= 30:
		outcome = "失敗"
	default:
		outcome = "嚴重失敗"
	}

	result := model.DiceResult{
		Raw:         raw,
		AttrBonus:   attrBonus,
		PhysiqueMod: pMod,
		SpiritMod:   sMod,
		GeneLockMod: gMod,
		Effective:   effective,
		Outcome:     outcome,
	}
	if cheatModifier != 0 {
		result.CheatModifier = cheatModifier
	}
	if alwaysSuccess {
		result.AlwaysSuccess = true
	}
	return result
}

// FormatDiceContext renders a dice roll as a GM-facing context block: the
// narrative must reflect the outcome but never name the mechanic.
func FormatDiceContext(result model.DiceResult) string {
	return fmt.Sprintf(
		"[命運判定]\n判定: **%s** — %s\n（此為系統內部判定，請融入敘事中體現結果好壞，但絕對不要在敘事中出現「命運骰」「判定結果」「骰面」等詞彙。若玩家的行動不涉及需要判定的情境，可忽略。）",
		result.Outcome, outcomeFlavor[result.Outcome],
	)
}
