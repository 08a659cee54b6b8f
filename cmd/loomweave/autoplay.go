package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/loomweave/loomweave/internal/config"
	"github.com/loomweave/loomweave/internal/logging"
	"github.com/loomweave/loomweave/pkg/autoplay"
	"github.com/loomweave/loomweave/pkg/branchengine"
	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/turn"
)

// AutoplayCmd runs an unattended session to completion. Flag names and
// defaults mirror original_source/auto_play.py's parse_args exactly, down
// to blank-by-default branch creation and skip-images-by-default.
type AutoplayCmd struct {
	StoryID          string        `name:"story-id" help:"Story to play." default:"story_original"`
	ParentBranch     string        `name:"parent-branch" help:"Parent branch to fork from." default:"main"`
	BranchPoint      int           `name:"branch-point" help:"Message index to fork at (0 = fresh start)."`
	NoBlank          bool          `name:"no-blank" help:"Fork from the parent branch instead of creating a blank branch."`
	Character        string        `help:"Path to a character JSON file (flat character_state, or wrapped {personality, opening_message, character_state})." type:"path"`
	Personality      string        `help:"Player AI personality description."`
	Opening          string        `help:"Opening message for the first turn."`
	MaxTurns         int           `name:"max-turns" help:"Maximum number of turns." default:"200"`
	MaxDungeons      int           `name:"max-dungeons" help:"Maximum number of dungeons (0 = unlimited)."`
	MaxHubTurns      int           `name:"max-hub-turns" help:"Hub turns before nudging the next dungeon." default:"10"`
	TurnDelay        float64       `name:"turn-delay" help:"Seconds between turns." default:"3"`
	WithImages       bool          `name:"with-images" help:"Enable image generation (default: skip images)."`
	Resume           bool          `help:"Resume a previous auto-play run."`
	BranchID         string        `name:"branch-id" help:"Branch ID to resume (required with --resume)."`
	Provider         string        `help:"Override LLM provider (anthropic, openai)."`
	Model            string        `help:"Override model name."`
	APIKey           string        `name:"api-key" help:"Provider API key (defaults to config file / environment)."`
	BaseURL          string        `name:"base-url" help:"Custom API base URL."`
	MaxErrors        int           `name:"max-errors" help:"Max consecutive errors before stopping." default:"10"`
	NoWebSearch      bool          `name:"no-web-search" help:"No-op: no web-search enrichment backend is wired in this build."`
}

func (c *AutoplayCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	c.applyOverrides(cfg)
	logging.Setup(logging.Options{Level: cli.LogLevel, Format: cli.LogFormat})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := buildDeps(cfg, c.StoryID)
	if err != nil {
		return err
	}
	defer deps.Close()

	pipeline := turn.New(deps.Root, deps.LLM, deps.Lore, deps.Events, deps.StateIndex, deps.Clock, deps.Jobs, nil, *cfg)
	engine := branchengine.New(deps.Root, deps.Clock, deps.Events)
	driver := autoplay.New(deps.Root, engine, pipeline)

	schema, err := config.LoadCharacterSchema(deps.Root, c.StoryID)
	if err != nil {
		return err
	}
	promptTemplate, err := config.LoadSystemPromptTemplate(deps.Root, c.StoryID)
	if err != nil {
		return err
	}

	runCfg := autoplay.Config{
		StoryID:          c.StoryID,
		ParentBranchID:   c.ParentBranch,
		BranchPointIndex: c.BranchPoint,
		Blank:            !c.NoBlank,
		Schema:           schema,
		PromptTemplate:   promptTemplate,
		MaxTurns:         c.MaxTurns,
		MaxDungeons:      c.MaxDungeons,
		MaxHubTurns:      c.MaxHubTurns,
		TurnDelay:        time.Duration(c.TurnDelay * float64(time.Second)),
		SkipImages:       !c.WithImages,
		MaxErrors:        c.MaxErrors,
		Resume:           c.Resume,
		BranchID:         c.BranchID,
	}

	if c.Resume && c.BranchID == "" {
		return fmt.Errorf("autoplay: --branch-id is required with --resume")
	}

	if c.Character != "" {
		character, personality, opening, err := loadCharacterFile(c.Character)
		if err != nil {
			return err
		}
		runCfg.Character = character
		if personality != "" {
			runCfg.CharacterPersonality = personality
		}
		if opening != "" {
			runCfg.OpeningMessage = opening
		}
	} else if !c.Resume {
		generated, err := autoplay.GenerateRandomCharacter(ctx, deps.LLM)
		if err != nil {
			return fmt.Errorf("autoplay: failed to generate a random character: %w", err)
		}
		runCfg.Character = generated.CharacterState
		runCfg.CharacterPersonality = generated.Personality
		runCfg.OpeningMessage = generated.OpeningMessage
	}

	if c.Personality != "" {
		runCfg.CharacterPersonality = c.Personality
	}
	if c.Opening != "" {
		runCfg.OpeningMessage = c.Opening
	}

	state, err := driver.Run(ctx, runCfg)
	fmt.Printf("auto-play ended: turns=%d dungeons=%d phase=%s death=%v\n",
		state.Turn, state.DungeonCount, state.Phase, state.DeathDetected)
	return err
}

func (c *AutoplayCmd) applyOverrides(cfg *config.Config) {
	if c.Provider != "" {
		cfg.LLM.Provider = c.Provider
	}
	if c.Model != "" {
		cfg.LLM.Model = c.Model
	}
	if c.APIKey != "" {
		cfg.LLM.APIKey = c.APIKey
	}
	if c.BaseURL != "" {
		cfg.LLM.BaseURL = c.BaseURL
	}
	cfg.SetDefaults()
}

// loadCharacterFile mirrors parse_args' "support both flat state and
// wrapped format" character loading: a file with a character_state key is
// the wrapped format (optionally carrying personality/opening_message
// alongside it); anything else is taken as the flat character_state
// itself.
func loadCharacterFile(path string) (model.CharacterState, string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", "", fmt.Errorf("autoplay: failed to read character file %s: %w", path, err)
	}

	var wrapped struct {
		Personality    string               `json:"personality"`
		OpeningMessage string               `json:"opening_message"`
		CharacterState model.CharacterState `json:"character_state"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, "", "", fmt.Errorf("autoplay: failed to parse character file %s: %w", path, err)
	}
	if wrapped.CharacterState != nil {
		return wrapped.CharacterState, wrapped.Personality, wrapped.OpeningMessage, nil
	}

	var flat model.CharacterState
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, "", "", fmt.Errorf("autoplay: failed to parse character file %s: %w", path, err)
	}
	return flat, "", "", nil
}
