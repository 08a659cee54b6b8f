package stateupdate

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/loomweave/loomweave/pkg/storage"
)

// diceCommandPattern matches "/gm dice +30", "/gm dice -10", "/gm 骰子 +20",
// and the reset spelling in either language.
var diceCommandPattern = regexp.MustCompile(`(?i)^/gm\s+(?:dice|骰子)\s*([+-]\d+|reset|重置)`)

// Cheats is a branch's persisted GM cheat state.
type Cheats struct {
	DiceModifier int `json:"dice_modifier,omitempty"`
}

func cheatsPath(root *storage.Root, storyID, branchID string) string {
	return filepath.Join(root.BranchDir(storyID, branchID), "gm_cheats.json")
}

// LoadCheats reads a branch's cheat file, returning a zero-value Cheats if
// none has been written yet.
func LoadCheats(root *storage.Root, storyID, branchID string) (Cheats, error) {
	var cheats Cheats
	err := storage.ReadJSON(cheatsPath(root, storyID, branchID), &cheats)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Cheats{}, nil
		}
		return Cheats{}, fmt.Errorf("stateupdate: failed to load cheats for %s/%s: %w", storyID, branchID, err)
	}
	return cheats, nil
}

// SaveCheats writes a branch's cheat file.
func SaveCheats(root *storage.Root, storyID, branchID string, cheats Cheats) error {
	if err := storage.WriteJSON(cheatsPath(root, storyID, branchID), cheats); err != nil {
		return fmt.Errorf("stateupdate: failed to save cheats for %s/%s: %w", storyID, branchID, err)
	}
	return nil
}

// CopyCheats propagates a parent branch's cheat state to a freshly forked
// child, matching gm_cheats.py's behavior of carrying the dice modifier
// across a fork rather than resetting it.
func CopyCheats(root *storage.Root, storyID, fromBranchID, toBranchID string) error {
	cheats, err := LoadCheats(root, storyID, fromBranchID)
	if err != nil {
		return err
	}
	if cheats == (Cheats{}) {
		return nil
	}
	return SaveCheats(root, storyID, toBranchID, cheats)
}

// IsGMCommand reports whether text is a /gm cheat command rather than
// ordinary player input.
func IsGMCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/gm")
}

// ParseDiceCommand extracts the new dice modifier from a /gm dice command.
// The second return value is false if text is not a dice command at all.
func ParseDiceCommand(text string) (int, bool) {
	m := diceCommandPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return 0, false
	}
	val := m[1]
	if val == "reset" || val == "重置" {
		return 0, true
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}

// DiceCommandResult reports the effect of applying a /gm dice command.
type DiceCommandResult struct {
	Old    int
	New    int
	Action string // "reset", "add", or "subtract"
}

// ApplyDiceCommand parses and, if text is a dice command, persists a new
// dice modifier for the branch. It returns ok=false when text is not a
// dice command at all, leaving the branch's cheat state untouched.
func ApplyDiceCommand(root *storage.Root, storyID, branchID, text string) (DiceCommandResult, bool, error) {
	newMod, ok := ParseDiceCommand(text)
	if !ok {
		return DiceCommandResult{}, false, nil
	}

	cheats, err := LoadCheats(root, storyID, branchID)
	if err != nil {
		return DiceCommandResult{}, false, err
	}
	oldMod := cheats.DiceModifier
	cheats.DiceModifier = newMod
	if err := SaveCheats(root, storyID, branchID, cheats); err != nil {
		return DiceCommandResult{}, false, err
	}

	action := "reset"
	switch {
	case newMod > 0:
		action = "add"
	case newMod < 0:
		action = "subtract"
	}
	return DiceCommandResult{Old: oldMod, New: newMod, Action: action}, true, nil
}
