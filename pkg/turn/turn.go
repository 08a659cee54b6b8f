// Package turn implements C10, the turn pipeline: it resolves the active
// branch, persists the player's message, assembles the model's context,
// invokes the LLM, parses the structured tags out of its reply, commits
// every resulting side effect in one locked step, and launches the
// background jobs a committed turn triggers.
//
// Ported from original_source/app.py's send_message/_generate_response
// turn-commit sequence.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomweave/loomweave/internal/config"
	"github.com/loomweave/loomweave/pkg/assembler"
	"github.com/loomweave/loomweave/pkg/branchengine"
	"github.com/loomweave/loomweave/pkg/clock"
	"github.com/loomweave/loomweave/pkg/event"
	"github.com/loomweave/loomweave/pkg/imagegen"
	"github.com/loomweave/loomweave/pkg/llm"
	"github.com/loomweave/loomweave/pkg/lore"
	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/npc"
	"github.com/loomweave/loomweave/pkg/recap"
	"github.com/loomweave/loomweave/pkg/stateindex"
	"github.com/loomweave/loomweave/pkg/stateupdate"
	"github.com/loomweave/loomweave/pkg/storage"
	"github.com/loomweave/loomweave/pkg/tagparser"
	"github.com/loomweave/loomweave/pkg/worker"
)

// ErrBranchUnavailable is returned when the requested branch cannot accept
// a new turn: it does not exist, was deleted, or was merged into its
// parent.
var ErrBranchUnavailable = errors.New("turn: branch unavailable")

// Pipeline wires every collaborator one turn needs: the filesystem root
// and its write-lock registry, the LLM provider, the three SQLite
// indexes, the world clock, the background-job supervisor, and an
// optional image generator.
type Pipeline struct {
	Root       *storage.Root
	LLM        llm.Client
	Lore       *lore.Index
	Events     *event.Store
	StateIndex *stateindex.Store
	Clock      *clock.Clock
	Jobs       *worker.Jobs
	Images     imagegen.Generator // nil disables image generation

	Compaction config.CompactionConfig
	Context    config.ContextConfig
	ReviewMode config.StateReviewMode
}

// New builds a Pipeline wired to its collaborators. images may be nil to
// disable illustration requests entirely.
func New(root *storage.Root, client llm.Client, loreIdx *lore.Index, events *event.Store, stateIdx *stateindex.Store, clk *clock.Clock, jobs *worker.Jobs, images imagegen.Generator, cfg config.Config) *Pipeline {
	return &Pipeline{
		Root:       root,
		LLM:        client,
		Lore:       loreIdx,
		Events:     events,
		StateIndex: stateIdx,
		Clock:      clk,
		Jobs:       jobs,
		Images:     images,
		Compaction: cfg.Compaction,
		Context:    cfg.Context,
		ReviewMode: cfg.StateIndex.ReviewMode,
	}
}

// Result is what a turn hands back to its caller.
type Result struct {
	User   model.Message
	GM     model.Message
	Branch *model.Branch
	// Cheat is set instead of GM when userText was a /gm cheat command: the
	// LLM was never invoked and nothing was committed to the timeline.
	Cheat *stateupdate.DiceCommandResult
}

// resolveBranch looks up branchID in tree and rejects it if it cannot
// accept a new turn.
func resolveBranch(tree model.Tree, branchID string) (*model.Branch, error) {
	if branchID == model.RootBranchID {
		b, ok := tree.Branches[model.RootBranchID]
		if !ok {
			return &model.Branch{ID: model.RootBranchID}, nil
		}
		return b, validateBranch(b)
	}
	b, ok := tree.Branches[branchID]
	if !ok {
		return nil, fmt.Errorf("%w: %q not found", ErrBranchUnavailable, branchID)
	}
	return b, validateBranch(b)
}

func validateBranch(b *model.Branch) error {
	if b.Deleted {
		return fmt.Errorf("%w: %q was deleted", ErrBranchUnavailable, b.ID)
	}
	if b.Merged {
		return fmt.Errorf("%w: %q was merged", ErrBranchUnavailable, b.ID)
	}
	return nil
}

// Send runs the full turn pipeline for one piece of player input. A /gm
// cheat command short-circuits before the LLM is ever invoked: it mutates
// the branch's cheat state and returns a synthetic acknowledgement instead
// of a committed GM message.
func (p *Pipeline) Send(ctx context.Context, storyID string, tree model.Tree, branchID, userText, characterName string, schema model.CharacterSchema, teamMode string, promptTemplate string) (*Result, error) {
	branch, err := resolveBranch(tree, branchID)
	if err != nil {
		return nil, err
	}

	if stateupdate.IsGMCommand(userText) {
		cheat, applied, err := stateupdate.ApplyDiceCommand(p.Root, storyID, branchID, userText)
		if err != nil {
			return nil, fmt.Errorf("turn: cheat command failed: %w", err)
		}
		if applied {
			return &Result{Branch: branch, Cheat: &cheat}, nil
		}
	}

	unlock := p.Root.Locks().Lock(storyID, branchID)
	nextIndex, err := branchengine.NextMessageIndex(p.Root, storyID, tree, branchID)
	if err != nil {
		unlock()
		return nil, err
	}
	userMsg := model.Message{
		Index:     nextIndex,
		Role:      model.RoleUser,
		Content:   userText,
		CreatedAt: time.Now().UTC(),
	}

	state, err := loadCharacterState(p.Root, storyID, branchID)
	if err != nil {
		unlock()
		return nil, err
	}
	cheats, err := stateupdate.LoadCheats(p.Root, storyID, branchID)
	if err != nil {
		unlock()
		return nil, err
	}

	var characterStateForDice model.CharacterState
	if len(state) > 0 {
		characterStateForDice = state
	}
	augmented, dice, err := assembler.BuildAugmentedMessage(assembler.AugmentedMessageInput{
		UserText:        userText,
		BranchID:        branchID,
		Blank:           branch.IsBlank(),
		Lore:            p.Lore,
		Events:          p.Events,
		LoreLimit:       p.Context.LoreLimit,
		EventLimit:      p.Context.EventLimit,
		ActivityBatches: mustLoadActivities(p.Root, storyID, branchID),
		ActivityLimit:   p.Context.ActivityBatches,
		CharacterState:  characterStateForDice,
		CheatModifier:   cheats.DiceModifier,
	})
	if err != nil {
		unlock()
		return nil, fmt.Errorf("turn: failed to assemble augmented message: %w", err)
	}
	if dice != nil {
		userMsg.Dice = dice
	}

	if err := branchengine.AppendMessage(p.Root, storyID, branchID, userMsg); err != nil {
		unlock()
		return nil, fmt.Errorf("turn: failed to persist user message: %w", err)
	}
	unlock()

	messages, err := p.buildLLMMessages(storyID, branchID, tree, branch, state, augmented, schema, teamMode, promptTemplate)
	if err != nil {
		return nil, err
	}

	resp, err := p.LLM.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("turn: generation failed: %w", err)
	}
	if llm.IsProviderError(resp.Text) {
		unlock := p.Root.Locks().Lock(storyID, branchID)
		rollbackErr := branchengine.RemoveLastMessage(p.Root, storyID, branchID)
		unlock()
		if rollbackErr != nil {
			return nil, fmt.Errorf("turn: failed to roll back user message after provider error: %w", rollbackErr)
		}
		return nil, &llm.GMError{Text: resp.Text}
	}

	gmMsg, err := p.commitGMReply(ctx, storyID, branchID, tree, resp.Text, nextIndex+1, schema, nil)
	if err != nil {
		return nil, err
	}

	fullTimeline, err := branchengine.GetFullTimeline(p.Root, storyID, tree, branchID)
	if err != nil {
		return nil, fmt.Errorf("turn: failed to reload timeline: %w", err)
	}
	if p.Jobs != nil {
		_, scanned := tagparser.Scan(assembler.StripContextEcho(resp.Text))
		p.Jobs.LaunchAfterTurn(ctx, worker.TurnContext{
			StoryID:        storyID,
			BranchID:       branchID,
			GMText:         gmMsg.Content,
			MessageIndex:   gmMsg.Index,
			TurnCount:      countUserTurns(fullTimeline),
			Schema:         schema,
			FullTimeline:   fullTimeline,
			CharacterName:  characterName,
			SkipStateField: len(scanned.StateUpdates) > 0,
		})
	}

	return &Result{User: userMsg, GM: gmMsg, Branch: branch}, nil
}

// Regenerate produces a fresh GM reply for the user turn already sitting at
// branchID's fork point. Unlike Send, it never persists a new user message —
// the branch was forked specifically so its delta starts empty with the
// original user message inherited from the parent chain — it only builds
// context from that inherited message, calls the model, and commits the
// resulting GM reply.
func (p *Pipeline) Regenerate(ctx context.Context, storyID string, tree model.Tree, branchID, characterName string, schema model.CharacterSchema, teamMode, promptTemplate string) (*Result, error) {
	branch, err := resolveBranch(tree, branchID)
	if err != nil {
		return nil, err
	}

	fullTimeline, err := branchengine.GetFullTimeline(p.Root, storyID, tree, branchID)
	if err != nil {
		return nil, fmt.Errorf("turn: failed to load timeline: %w", err)
	}
	if len(fullTimeline) == 0 || fullTimeline[len(fullTimeline)-1].Role != model.RoleUser {
		return nil, fmt.Errorf("turn: regenerate requires a user message at the fork point")
	}
	userMsg := fullTimeline[len(fullTimeline)-1]

	nextIndex, err := branchengine.NextMessageIndex(p.Root, storyID, tree, branchID)
	if err != nil {
		return nil, err
	}

	state, err := loadCharacterState(p.Root, storyID, branchID)
	if err != nil {
		return nil, err
	}
	cheats, err := stateupdate.LoadCheats(p.Root, storyID, branchID)
	if err != nil {
		return nil, err
	}
	var characterStateForDice model.CharacterState
	if len(state) > 0 {
		characterStateForDice = state
	}
	augmented, dice, err := assembler.BuildAugmentedMessage(assembler.AugmentedMessageInput{
		UserText:        userMsg.Content,
		BranchID:        branchID,
		Blank:           branch.IsBlank(),
		Lore:            p.Lore,
		Events:          p.Events,
		LoreLimit:       p.Context.LoreLimit,
		EventLimit:      p.Context.EventLimit,
		ActivityBatches: mustLoadActivities(p.Root, storyID, branchID),
		ActivityLimit:   p.Context.ActivityBatches,
		CharacterState:  characterStateForDice,
		CheatModifier:   cheats.DiceModifier,
	})
	if err != nil {
		return nil, fmt.Errorf("turn: failed to assemble augmented message: %w", err)
	}

	messages, err := p.buildLLMMessages(storyID, branchID, tree, branch, state, augmented, schema, teamMode, promptTemplate)
	if err != nil {
		return nil, err
	}

	resp, err := p.LLM.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("turn: generation failed: %w", err)
	}
	if llm.IsProviderError(resp.Text) {
		return nil, &llm.GMError{Text: resp.Text}
	}

	gmMsg, err := p.commitGMReply(ctx, storyID, branchID, tree, resp.Text, nextIndex, schema, dice)
	if err != nil {
		return nil, err
	}

	fullTimeline, err = branchengine.GetFullTimeline(p.Root, storyID, tree, branchID)
	if err != nil {
		return nil, fmt.Errorf("turn: failed to reload timeline: %w", err)
	}
	if p.Jobs != nil {
		_, scanned := tagparser.Scan(assembler.StripContextEcho(resp.Text))
		p.Jobs.LaunchAfterTurn(ctx, worker.TurnContext{
			StoryID:        storyID,
			BranchID:       branchID,
			GMText:         gmMsg.Content,
			MessageIndex:   gmMsg.Index,
			TurnCount:      countUserTurns(fullTimeline),
			Schema:         schema,
			FullTimeline:   fullTimeline,
			CharacterName:  characterName,
			SkipStateField: len(scanned.StateUpdates) > 0,
		})
	}

	return &Result{User: userMsg, GM: gmMsg, Branch: branch}, nil
}

// buildLLMMessages assembles the system prompt and sanitized recent window
// that accompany augmented as the final user turn sent to the model.
func (p *Pipeline) buildLLMMessages(storyID, branchID string, tree model.Tree, branch *model.Branch, state model.CharacterState, augmented string, schema model.CharacterSchema, teamMode, promptTemplate string) ([]llm.Message, error) {
	recapText, err := recap.Text(p.Root, storyID, branchID)
	if err != nil {
		return nil, fmt.Errorf("turn: failed to load recap: %w", err)
	}
	roster, err := npc.Load(p.Root, storyID, branchID)
	if err != nil {
		return nil, fmt.Errorf("turn: failed to load NPC roster: %w", err)
	}
	var criticalFacts string
	if p.StateIndex != nil {
		criticalFacts, err = p.StateIndex.Summary()
		if err != nil {
			return nil, fmt.Errorf("turn: failed to summarize state index: %w", err)
		}
	}

	systemPrompt := assembler.BuildSystemPrompt(assembler.SystemPromptInput{
		Template:           promptTemplate,
		CharacterStateText: formatCharacterState(state),
		NarrativeRecap:     recapText,
		WorldLore:          loreTOC(p.Lore),
		NPCProfiles:        npc.BuildProfileText(roster),
		TeamMode:           teamMode,
		CriticalFacts:      criticalFacts,
		Blank:              branch.IsBlank(),
	})

	fullTimeline, err := branchengine.GetFullTimeline(p.Root, storyID, tree, branchID)
	if err != nil {
		return nil, fmt.Errorf("turn: failed to reconstruct timeline: %w", err)
	}
	window := recap.ContextWindow(fullTimeline, p.Compaction)
	// Drop the just-appended user turn: its text is already folded into
	// augmented below, which carries the retrieval context the plain
	// content here does not.
	if len(window) > 0 && window[len(window)-1].Role == model.RoleUser {
		window = window[:len(window)-1]
	}
	sanitized := assembler.SanitizeRecentMessages(window, true)

	messages := make([]llm.Message, 0, len(sanitized)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	for _, m := range sanitized {
		role := "assistant"
		if m.Role == model.RoleUser {
			role = "user"
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: augmented})
	return messages, nil
}

// commitGMReply cleans the model's raw text, applies every structured tag
// it carried, and persists the resulting GM message under the branch's
// write lock. Snapshots are captured after every side effect has landed,
// so they describe the state the GM message actually produced.
func (p *Pipeline) commitGMReply(ctx context.Context, storyID, branchID string, tree model.Tree, rawText string, index int, schema model.CharacterSchema, dice *model.DiceResult) (model.Message, error) {
	unlock := p.Root.Locks().Lock(storyID, branchID)
	defer unlock()

	systemPromptEchoStripped := assembler.StripContextEcho(rawText)
	cleanText, result := tagparser.Scan(systemPromptEchoStripped)
	cleanText, err := p.Clock.ProcessTimeTags(storyID, branchID, cleanText)
	if err != nil {
		return model.Message{}, fmt.Errorf("turn: failed to process time tags: %w", err)
	}

	var stateOutcome stateupdate.Outcome
	for _, delta := range result.StateUpdates {
		stateOutcome, err = stateupdate.ApplyStateUpdate(ctx, p.Root, storyID, branchID, delta, schema, p.ReviewMode, p.LLM)
		if err != nil {
			return model.Message{}, fmt.Errorf("turn: failed to apply state update: %w", err)
		}
	}

	for _, entry := range result.LoreEntries {
		if p.Lore != nil {
			if err := p.Lore.Upsert(entry); err != nil {
				return model.Message{}, fmt.Errorf("turn: failed to upsert lore: %w", err)
			}
		}
	}

	roster, err := npc.Load(p.Root, storyID, branchID)
	if err != nil {
		return model.Message{}, fmt.Errorf("turn: failed to load NPC roster: %w", err)
	}
	for _, incoming := range result.NPCUpdates {
		roster, _ = npc.Upsert(roster, incoming)
	}
	if len(result.NPCUpdates) > 0 {
		if err := npc.Save(p.Root, storyID, branchID, roster); err != nil {
			return model.Message{}, fmt.Errorf("turn: failed to save NPC roster: %w", err)
		}
	}

	for _, e := range result.Events {
		if p.Events != nil {
			if _, err := p.Events.Insert(branchID, e); err != nil {
				return model.Message{}, fmt.Errorf("turn: failed to insert event: %w", err)
			}
		}
	}

	if p.StateIndex != nil {
		finalState := stateOutcome.State
		if finalState == nil {
			finalState, err = loadCharacterState(p.Root, storyID, branchID)
			if err != nil {
				return model.Message{}, err
			}
		}
		if _, err := p.StateIndex.RebuildFromState(finalState, roster); err != nil {
			return model.Message{}, fmt.Errorf("turn: failed to rebuild state index: %w", err)
		}
	}

	var imageRef *model.ImageRef
	if result.ImagePrompt != "" && p.Images != nil {
		filename, err := p.Images.RequestAsync(ctx, storyID, index, result.ImagePrompt)
		if err != nil {
			imageRef = &model.ImageRef{Prompt: result.ImagePrompt, Status: "failed"}
		} else {
			imageRef = &model.ImageRef{Prompt: result.ImagePrompt, URL: filename, Status: "pending"}
		}
	}

	finalState, err := loadCharacterState(p.Root, storyID, branchID)
	if err != nil {
		return model.Message{}, err
	}
	worldDay, err := p.Clock.WorldDay(storyID, branchID)
	if err != nil {
		return model.Message{}, fmt.Errorf("turn: failed to read world day: %w", err)
	}

	gmMsg := model.Message{
		Index:     index,
		Role:      model.RoleGM,
		Content:   cleanText,
		Image:     imageRef,
		Dice:      dice,
		CreatedAt: time.Now().UTC(),
		Snapshots: &model.MessageSnaps{
			State:      finalState,
			NPCs:       roster,
			WorldDay:   worldDay,
			CapturedAt: time.Now().UTC(),
		},
	}
	if err := branchengine.AppendMessage(p.Root, storyID, branchID, gmMsg); err != nil {
		return model.Message{}, fmt.Errorf("turn: failed to persist GM message: %w", err)
	}
	return gmMsg, nil
}

func loadCharacterState(root *storage.Root, storyID, branchID string) (model.CharacterState, error) {
	var state model.CharacterState
	err := storage.ReadJSON(root.CharacterStatePath(storyID, branchID), &state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.CharacterState{}, nil
		}
		return nil, fmt.Errorf("turn: failed to load character state for %s/%s: %w", storyID, branchID, err)
	}
	return state, nil
}

func mustLoadActivities(root *storage.Root, storyID, branchID string) []model.NPCActivityBatch {
	batches, err := npc.LoadActivities(root, storyID, branchID)
	if err != nil {
		return nil
	}
	return batches
}

func loreTOC(idx *lore.Index) string {
	if idx == nil {
		return ""
	}
	toc, err := idx.TOC()
	if err != nil {
		return ""
	}
	return toc
}

func countUserTurns(timeline []model.Message) int {
	count := 0
	for _, m := range timeline {
		if m.Role == model.RoleUser {
			count++
		}
	}
	return count
}

// formatCharacterState renders the full character state as pretty JSON for
// the {character_state} system prompt token, matching original_source/
// app.py's `json.dumps(state, ensure_ascii=False, indent=2)`. A bullet list
// over schema.Fields would silently drop every schema.Lists entry
// (inventory, completed_missions, relationships) and any unrecognized
// passthrough key, so the GM model is handed the state map itself rather
// than a schema-filtered summary of it.
func formatCharacterState(state model.CharacterState) string {
	if len(state) == 0 {
		return "（尚無角色狀態）"
	}
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "（尚無角色狀態）"
	}
	return string(b)
}
