// Package autoplay drives a story forward without a human at the
// keyboard: it forks a dedicated branch, alternates a player-AI oneshot
// call with the normal turn pipeline, tracks a hub/dungeon phase and a
// death flag off the GM's replies, and persists enough state to resume a
// long run after a restart.
//
// Ported from original_source/auto_play.py's auto_play() loop. The turn
// pipeline itself (pkg/turn) already implements every per-turn side
// effect Python's execute_turn performs, including the NPC-evolution
// trigger (pkg/worker); this package only adds the outer loop, the
// player-AI prompt, and the phase/death/stop bookkeeping Python kept
// outside its own per-turn function.
package autoplay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/loomweave/loomweave/internal/config"
	"github.com/loomweave/loomweave/pkg/branchengine"
	"github.com/loomweave/loomweave/pkg/llm"
	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/storage"
	"github.com/loomweave/loomweave/pkg/turn"
)

// maxRetriesPerTurn is the per-turn retry ceiling on a provider error,
// independent of the run-wide consecutive-error ceiling in Config.
const maxRetriesPerTurn = 3

// Config configures one auto-play run. Mirrors original_source/
// auto_play.py's AutoPlayConfig dataclass, using Go-native types where
// Python used a float or a sentinel (time.Duration for turn_delay, 0 for
// "unlimited" max dungeons instead of None).
type Config struct {
	StoryID          string
	ParentBranchID   string // defaults to model.RootBranchID
	BranchPointIndex int
	Blank            bool

	Character            model.CharacterState // optional full override; nil to inherit/start empty
	CharacterName        string
	CharacterPersonality string
	OpeningMessage       string
	TeamMode             string
	PromptTemplate       string
	Schema               model.CharacterSchema

	MaxTurns    int
	MaxDungeons int // 0 means unlimited
	MaxHubTurns int
	TurnDelay   time.Duration
	SkipImages  bool
	MaxErrors   int

	Resume   bool
	BranchID string // required when Resume is true
}

// SetDefaults fills zero-valued fields with auto_play.py's defaults.
func (c *Config) SetDefaults() {
	if c.ParentBranchID == "" {
		c.ParentBranchID = model.RootBranchID
	}
	if c.CharacterPersonality == "" {
		c.CharacterPersonality = "謹慎但不失勇氣，重視同伴，遇到未知事物會先觀察再行動。"
	}
	if c.OpeningMessage == "" {
		c.OpeningMessage = "我剛被選中成為輪迴者，準備開始這趟旅程。"
	}
	if c.PromptTemplate == "" {
		c.PromptTemplate = config.DefaultSystemPromptTemplate
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 200
	}
	if c.MaxHubTurns <= 0 {
		c.MaxHubTurns = 10
	}
	if c.TurnDelay <= 0 {
		c.TurnDelay = 3 * time.Second
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = 10
	}
}

// Driver runs auto-play loops against one story's filesystem root.
type Driver struct {
	Root   *storage.Root
	Engine *branchengine.Engine
	Turn   *turn.Pipeline
}

// New builds a Driver.
func New(root *storage.Root, engine *branchengine.Engine, pipeline *turn.Pipeline) *Driver {
	return &Driver{Root: root, Engine: engine, Turn: pipeline}
}

// Run drives cfg's branch to completion: death, a turn or dungeon
// ceiling, a stop-file sentinel, or too many consecutive turn failures.
// It returns the final RunState regardless of which condition ended the
// loop, and a non-nil error for a setup failure, ctx cancellation, or a
// failure to save the run state.
func (d *Driver) Run(ctx context.Context, cfg Config) (RunState, error) {
	cfg.SetDefaults()

	var branchID string
	var state RunState

	if cfg.Resume {
		if cfg.BranchID == "" {
			return RunState{}, fmt.Errorf("autoplay: resume requires a branch id")
		}
		branchID = cfg.BranchID
		loaded, err := LoadState(d.Root, cfg.StoryID, branchID)
		if err != nil {
			return RunState{}, fmt.Errorf("autoplay: no saved state for branch %q: %w", branchID, err)
		}
		state = loaded
		state.DeathDetected = false
		slog.Info("autoplay: resuming run", "story", cfg.StoryID, "branch", branchID, "turn", state.Turn, "phase", state.Phase)
	} else {
		branch, err := d.setup(cfg)
		if err != nil {
			return RunState{}, err
		}
		branchID = branch.ID
		state = RunState{Phase: PhaseHub, StartedAt: time.Now().UTC()}
		if err := d.writeTranscriptHeader(cfg.StoryID, branchID, state.StartedAt); err != nil {
			return RunState{}, err
		}
		slog.Info("autoplay: run started", "story", cfg.StoryID, "branch", branchID)
	}

	stopPath := d.Root.AutoPlayStopPath(cfg.StoryID, branchID)
	sw, err := newStopWatcher(stopPath)
	if err != nil {
		return state, fmt.Errorf("autoplay: failed to watch stop file: %w", err)
	}
	defer sw.Close()

	pipeline := *d.Turn
	if cfg.SkipImages {
		pipeline.Images = nil
	}

	for !shouldStop(state, cfg, sw) {
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		default:
		}

		var playerText string
		if state.Turn == 0 && !cfg.Resume {
			playerText = cfg.OpeningMessage
		} else {
			playerText, err = d.generatePlayerAction(ctx, cfg, state, branchID)
			if err != nil {
				slog.Warn("autoplay: player-action generation failed, using fallback action", "error", err)
				playerText = "我觀察周圍的環境，思考下一步該怎麼做。"
			}
		}

		gmText, turnErr := d.executeTurnWithRetry(ctx, &pipeline, cfg, branchID, playerText, state.Turn)
		if turnErr != nil {
			state.ConsecutiveErrors++
			state.LastTurnAt = time.Now().UTC()
			_ = SaveState(d.Root, cfg.StoryID, branchID, state)
			slog.Error("autoplay: turn failed after retries", "turn", state.Turn, "consecutive_errors", state.ConsecutiveErrors, "error", turnErr)
			if state.ConsecutiveErrors >= cfg.MaxErrors {
				break
			}
			if !sleepOrDone(ctx, errorBackoff(cfg.TurnDelay, state.ConsecutiveErrors)) {
				return state, ctx.Err()
			}
			continue
		}

		state.ConsecutiveErrors = 0
		a := analyzeResponse(gmText, d.characterStatus(cfg.StoryID, branchID))
		updatePhase(&state, a)
		d.logTurn(cfg.StoryID, branchID, state, playerText, gmText)

		state.LastTurnAt = time.Now().UTC()
		if err := SaveState(d.Root, cfg.StoryID, branchID, state); err != nil {
			return state, err
		}
		state.Turn++

		if !sleepOrDone(ctx, cfg.TurnDelay) {
			return state, ctx.Err()
		}
	}

	d.logSummary(cfg, branchID, state)
	return state, nil
}

// setup forks cfg's branch the same way the interactive branch-creation
// routes do, but restores the tree's active branch afterward: an
// auto-play run should never steal focus from whatever a human is
// looking at in the UI.
func (d *Driver) setup(cfg Config) (*model.Branch, error) {
	tree, err := branchengine.LoadTree(d.Root, cfg.StoryID)
	if err != nil {
		return nil, err
	}
	originalActive := tree.ActiveBranchID

	id := branchengine.NewAutoPlayBranchID()
	name := "Auto-Play " + time.Now().UTC().Format("2006-01-02 15:04")

	var branch *model.Branch
	if cfg.Blank {
		branch, err = d.Engine.CreateBlankBranchWithID(cfg.StoryID, &tree, cfg.Schema, name, id)
	} else {
		branch, err = d.Engine.CreateBranchWithID(cfg.StoryID, &tree, cfg.ParentBranchID, name, cfg.BranchPointIndex, id)
	}
	if err != nil {
		return nil, err
	}

	if len(cfg.Character) > 0 {
		if err := storage.WriteJSON(d.Root.CharacterStatePath(cfg.StoryID, id), cfg.Character); err != nil {
			return nil, fmt.Errorf("autoplay: failed to seed character state: %w", err)
		}
	}

	tree.ActiveBranchID = originalActive
	if err := branchengine.SaveTree(d.Root, cfg.StoryID, tree); err != nil {
		return nil, err
	}
	slog.Info("autoplay: branch created", "branch", id, "parent", cfg.ParentBranchID, "branch_point", cfg.BranchPointIndex, "blank", cfg.Blank)
	return branch, nil
}

// executeTurnWithRetry calls Send up to maxRetriesPerTurn times,
// retrying only on *llm.GMError (a provider failure the turn pipeline
// already rolled back cleanly) with exponential backoff between
// attempts. Any other error is not retried.
func (d *Driver) executeTurnWithRetry(ctx context.Context, pipeline *turn.Pipeline, cfg Config, branchID, playerText string, turnNum int) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRetriesPerTurn; attempt++ {
		tree, err := branchengine.LoadTree(d.Root, cfg.StoryID)
		if err != nil {
			return "", err
		}
		result, err := pipeline.Send(ctx, cfg.StoryID, tree, branchID, playerText, cfg.CharacterName, cfg.Schema, cfg.TeamMode, cfg.PromptTemplate)
		if err == nil {
			if result.Cheat != nil {
				return "", nil
			}
			return result.GM.Content, nil
		}

		var gmErr *llm.GMError
		if !errors.As(err, &gmErr) {
			return "", err
		}
		lastErr = gmErr
		slog.Warn("autoplay: turn attempt failed", "turn", turnNum, "attempt", attempt, "error", gmErr.Text)
		if attempt < maxRetriesPerTurn {
			if !sleepOrDone(ctx, retryBackoff(cfg.TurnDelay, attempt)) {
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

// generatePlayerAction asks the same LLM client the turn pipeline uses
// to produce the next player line, grounded in the recent timeline and
// the current character sheet. Mirrors generate_player_action.
func (d *Driver) generatePlayerAction(ctx context.Context, cfg Config, state RunState, branchID string) (string, error) {
	characterStateText, err := loadCharacterStateText(d.Root, cfg.StoryID, branchID)
	if err != nil {
		return "", err
	}
	systemPrompt := fmt.Sprintf(playerSystemPromptTemplate, cfg.CharacterPersonality, characterStateText, phaseHint(state, cfg))

	tree, err := branchengine.LoadTree(d.Root, cfg.StoryID)
	if err != nil {
		return "", err
	}
	timeline, err := branchengine.GetFullTimeline(d.Root, cfg.StoryID, tree, branchID)
	if err != nil {
		return "", err
	}

	recent := timeline
	if len(recent) > 6 {
		recent = recent[len(recent)-6:]
	}
	recentContext := "（開局）"
	if len(recent) > 0 {
		var lines []string
		for _, m := range recent {
			prefix := "【GM】"
			if m.Role == model.RoleUser {
				prefix = "【玩家】"
			}
			lines = append(lines, prefix+"\n"+truncateRunes(m.Content, 300))
		}
		recentContext = strings.Join(lines, "\n\n")
	}

	gmLast := "（尚無GM回覆）"
	for i := len(timeline) - 1; i >= 0; i-- {
		if timeline[i].Role == model.RoleGM {
			gmLast = truncateRunes(timeline[i].Content, 600)
			break
		}
	}

	turnPrompt := fmt.Sprintf(playerTurnPromptTemplate, recentContext, gmLast)

	resp, err := llm.Oneshot(ctx, d.Turn.LLM, systemPrompt, turnPrompt)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "我觀察周圍的環境，思考下一步該怎麼做。", nil
	}
	return text, nil
}

func (d *Driver) characterStatus(storyID, branchID string) string {
	var state model.CharacterState
	if err := storage.ReadJSON(d.Root.CharacterStatePath(storyID, branchID), &state); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(fmt.Sprint(state["current_status"])))
}

func loadCharacterStateText(root *storage.Root, storyID, branchID string) (string, error) {
	var state model.CharacterState
	if err := storage.ReadJSON(root.CharacterStatePath(storyID, branchID), &state); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
		state = model.CharacterState{}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *Driver) writeTranscriptHeader(storyID, branchID string, startedAt time.Time) error {
	var b strings.Builder
	b.WriteString("# Auto-Play Transcript\n\n")
	fmt.Fprintf(&b, "- Story: %s\n", storyID)
	fmt.Fprintf(&b, "- Branch: %s\n", branchID)
	fmt.Fprintf(&b, "- Started: %s\n\n", startedAt.Format(time.RFC3339))
	b.WriteString("---\n")
	return storage.WriteText(d.Root.AutoPlayTranscriptPath(storyID, branchID), b.String())
}

func (d *Driver) logTurn(storyID, branchID string, state RunState, playerText, gmText string) {
	slog.Info("autoplay: turn", "turn", state.Turn, "phase", state.Phase, "dungeons", state.DungeonCount)

	path := d.Root.AutoPlayTranscriptPath(storyID, branchID)
	existing, err := storage.ReadText(path)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.Warn("autoplay: failed to read transcript for append", "error", err)
		return
	}
	var b strings.Builder
	b.WriteString(existing)
	fmt.Fprintf(&b, "\n## Turn %d [%s]\n\n", state.Turn, state.Phase)
	fmt.Fprintf(&b, "**Player:** %s\n\n", playerText)
	fmt.Fprintf(&b, "**GM:** %s\n\n", gmText)
	b.WriteString("---\n")
	if err := storage.WriteText(path, b.String()); err != nil {
		slog.Warn("autoplay: failed to append transcript entry", "error", err)
	}
}

func (d *Driver) logSummary(cfg Config, branchID string, state RunState) {
	slog.Info("autoplay: run ended",
		"story", cfg.StoryID,
		"branch", branchID,
		"turns", state.Turn,
		"dungeons", state.DungeonCount,
		"phase", state.Phase,
		"death", state.DeathDetected,
		"consecutive_errors", state.ConsecutiveErrors,
	)
}

// shouldStop mirrors should_stop's ordered checks.
func shouldStop(state RunState, cfg Config, sw *stopWatcher) bool {
	switch {
	case state.DeathDetected:
		slog.Info("autoplay: stopping — character death detected")
		return true
	case state.Turn >= cfg.MaxTurns:
		slog.Info("autoplay: stopping — max turns reached", "max_turns", cfg.MaxTurns)
		return true
	case cfg.MaxDungeons > 0 && state.DungeonCount >= cfg.MaxDungeons:
		slog.Info("autoplay: stopping — max dungeons reached", "max_dungeons", cfg.MaxDungeons)
		return true
	case sw.Stopped():
		slog.Info("autoplay: stopping — stop file detected")
		return true
	case state.ConsecutiveErrors >= cfg.MaxErrors:
		slog.Info("autoplay: stopping — too many consecutive errors", "consecutive_errors", state.ConsecutiveErrors)
		return true
	default:
		return false
	}
}

func retryBackoff(base time.Duration, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
}

func errorBackoff(base time.Duration, consecutiveErrors int) time.Duration {
	exp := consecutiveErrors
	if exp > 6 {
		exp = 6
	}
	return time.Duration(float64(base) * math.Pow(2, float64(exp)))
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
