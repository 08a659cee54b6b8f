package autoplay

import (
	"time"

	"github.com/loomweave/loomweave/pkg/storage"
)

// Phase is the auto-play driver's coarse narrative phase, used to bias the
// player-AI prompt and to decide when a dungeon run has started or ended.
type Phase string

const (
	PhaseHub     Phase = "hub"
	PhaseDungeon Phase = "dungeon"
)

// RunState is one branch's auto-play progress, persisted to
// auto_play_state.json between turns so a run survives a process restart
// via --resume. Mirrors original_source/auto_play.py's RunState dataclass.
type RunState struct {
	Turn              int       `json:"turn"`
	Phase             Phase     `json:"phase"`
	DungeonCount      int       `json:"dungeon_count"`
	HubTurns          int       `json:"hub_turns"`
	DeathDetected     bool      `json:"death_detected"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	StartedAt         time.Time `json:"started_at"`
	LastTurnAt        time.Time `json:"last_turn_at"`
}

// LoadState reads branchID's saved run state.
func LoadState(root *storage.Root, storyID, branchID string) (RunState, error) {
	var state RunState
	err := storage.ReadJSON(root.AutoPlayStatePath(storyID, branchID), &state)
	return state, err
}

// SaveState persists state for branchID.
func SaveState(root *storage.Root, storyID, branchID string, state RunState) error {
	return storage.WriteJSON(root.AutoPlayStatePath(storyID, branchID), state)
}
