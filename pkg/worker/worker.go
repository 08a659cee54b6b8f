// Package worker implements C13, the four background jobs a committed turn
// launches without making the player wait for them: structured-data
// extraction, recap compaction, NPC evolution, and snapshot-summary
// captioning. Every job is fire-and-forget, idempotent, and individually
// rate-limited the way original_source's daemon threads are — the caller
// never blocks on any of them.
//
// Ported from original_source/npc_evolution.py (should_run_evolution,
// run_npc_evolution_async) and original_source/auto_summary.py's
// snapshot-summary coalescing rule. Recap compaction itself already lives
// in pkg/recap.Compactor; Jobs composes it rather than re-implementing it.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomweave/loomweave/internal/config"
	"github.com/loomweave/loomweave/pkg/event"
	"github.com/loomweave/loomweave/pkg/llm"
	"github.com/loomweave/loomweave/pkg/lore"
	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/npc"
	"github.com/loomweave/loomweave/pkg/recap"
	"github.com/loomweave/loomweave/pkg/snapshot"
	"github.com/loomweave/loomweave/pkg/storage"
)

// Jobs wires the collaborators every background job needs: the filesystem
// root and its per-branch lock registry, an LLM client for the jobs that
// call one, and the already-built recap compactor.
type Jobs struct {
	root   *storage.Root
	llm    llm.Client
	cfg    config.WorkersConfig
	locks  *storage.LockRegistry
	Recap  *recap.Compactor

	extraction *extractor

	mu        sync.Mutex
	lastEvolution map[string]time.Time
}

// New builds a Jobs supervisor. compactor may be nil in tests that only
// exercise NPC evolution; loreIdx/events may be nil in tests that never
// trigger extraction (extraction.trigger logs and skips rather than
// panicking when either is absent).
func New(root *storage.Root, client llm.Client, cfg config.WorkersConfig, compactor *recap.Compactor, loreIdx *lore.Index, events *event.Store) *Jobs {
	ext := newExtractor(root, client, cfg)
	ext.Lore = loreIdx
	ext.Events = events
	return &Jobs{
		root:          root,
		llm:           client,
		cfg:           cfg,
		locks:         root.Locks(),
		Recap:         compactor,
		extraction:    ext,
		lastEvolution: map[string]time.Time{},
	}
}

// TurnContext carries everything the four jobs need about the turn that was
// just committed. It is intentionally a snapshot, not a live handle: every
// job either copies what it needs before returning or reacquires state
// itself once it actually runs, so none of it outlives the request that
// built it.
type TurnContext struct {
	StoryID        string
	BranchID       string
	GMText         string
	MessageIndex   int
	TurnCount      int
	Schema         model.CharacterSchema
	FullTimeline   []model.Message
	CharacterName  string
	SkipStateField bool
}

// LaunchAfterTurn fires all four background jobs for ctx without blocking
// the caller. It runs them under one detached goroutine supervised by an
// errgroup so a single failing job's error is logged without taking the
// others down with it; the caller never sees or waits on the result.
func (j *Jobs) LaunchAfterTurn(ctx context.Context, tc TurnContext) {
	detached := context.WithoutCancel(ctx)
	go func() {
		var g errgroup.Group

		g.Go(func() error {
			j.extraction.trigger(detached, tc.StoryID, tc.BranchID, tc.GMText, tc.MessageIndex, tc.Schema, tc.SkipStateField)
			return nil
		})
		g.Go(func() error {
			j.triggerNPCEvolution(detached, tc.StoryID, tc.BranchID, tc.TurnCount, tc.FullTimeline)
			return nil
		})
		g.Go(func() error {
			j.triggerSnapshotSummary(detached, tc.StoryID, tc.BranchID, tc.CharacterName)
			return nil
		})
		if j.Recap != nil {
			g.Go(func() error {
				j.Recap.TriggerAsync(detached, tc.StoryID, tc.BranchID, tc.FullTimeline, tc.CharacterName)
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			slog.Error("worker: background turn jobs reported an error", "story", tc.StoryID, "branch", tc.BranchID, "error", err)
		}
	}()
}

// shouldRunEvolution reports whether NPC evolution is due for
// (storyID, branchID) at turnCount: every cfg.NPCEvolutionEvery player
// turns, gated by a wall-clock cooldown, matching
// original_source/npc_evolution.py's should_run_evolution.
func (j *Jobs) shouldRunEvolution(storyID, branchID string, turnCount int) bool {
	every := j.cfg.NPCEvolutionEvery
	if every <= 0 || turnCount < every || turnCount%every != 0 {
		return false
	}

	key := storyID + "/" + branchID
	j.mu.Lock()
	defer j.mu.Unlock()
	if last, ok := j.lastEvolution[key]; ok && time.Since(last) < j.cfg.NPCEvolutionCooldown {
		return false
	}
	j.lastEvolution[key] = time.Now()
	return true
}

// triggerNPCEvolution starts a background simulation of every NPC's
// off-screen activity, if one is due and the branch has any NPCs to
// simulate. It never blocks; its LLM call and result commit happen on a
// detached goroutine.
func (j *Jobs) triggerNPCEvolution(ctx context.Context, storyID, branchID string, turnCount int, fullTimeline []model.Message) {
	roster, err := npc.Load(j.root, storyID, branchID)
	if err != nil {
		slog.Warn("worker: npc_evolution failed to load roster", "story", storyID, "branch", branchID, "error", err)
		return
	}
	if len(roster) == 0 || !j.shouldRunEvolution(storyID, branchID, turnCount) {
		return
	}

	profileText := npc.BuildProfileText(roster)
	recentText := recentMessagesPreview(fullTimeline, 6, 200)

	go func() {
		if err := j.runNPCEvolution(ctx, storyID, branchID, turnCount, profileText, recentText); err != nil {
			slog.Warn("worker: npc_evolution failed", "story", storyID, "branch", branchID, "error", err)
		}
	}()
}

func recentMessagesPreview(messages []model.Message, count, charLimit int) string {
	if len(messages) > count {
		messages = messages[len(messages)-count:]
	}
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		if runes := []rune(content); len(runes) > charLimit {
			content = string(runes[:charLimit])
		}
		lines = append(lines, content)
	}
	return strings.Join(lines, "\n")
}

var npcEvolutionJSONArray = regexp.MustCompile(`(?s)\[.*\]`)

func (j *Jobs) runNPCEvolution(ctx context.Context, storyID, branchID string, turnCount int, npcProfiles, recentContext string) error {
	prompt := fmt.Sprintf(
		"你是RPG的NPC行為模擬器。根據以下NPC資料和最近劇情，模擬每個NPC在當前時間段的自主活動。\n\n"+
			"## NPC 資料\n%s\n\n## 最近劇情\n%s\n\n"+
			"請為每個NPC生成一條簡短的自主活動描述，格式為JSON陣列：\n"+
			`[{"npc_name": "名字", "activity": "正在做什麼", "mood": "情緒", "location": "地點"}]`+"\n只輸出JSON，不要其他文字。",
		npcProfiles, recentContext,
	)

	resp, err := llm.Oneshot(ctx, j.llm, "", prompt)
	if err != nil {
		return fmt.Errorf("worker: npc_evolution oneshot call failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil
	}

	match := npcEvolutionJSONArray.FindString(text)
	if match == "" {
		slog.Info("worker: npc_evolution found no JSON array in response")
		return nil
	}
	var activities []model.NPCActivity
	if err := json.Unmarshal([]byte(match), &activities); err != nil {
		return fmt.Errorf("worker: npc_evolution failed to parse activities: %w", err)
	}
	if len(activities) == 0 {
		return nil
	}

	unlock := j.locks.Lock(storyID, branchID)
	defer unlock()
	batch := model.NPCActivityBatch{TurnIndex: turnCount, Timestamp: time.Now().UTC(), Activities: activities}
	if err := npc.AppendActivityBatch(j.root, storyID, branchID, batch); err != nil {
		return err
	}
	slog.Info("worker: npc_evolution saved activities", "story", storyID, "branch", branchID, "count", len(activities))
	return nil
}

// triggerSnapshotSummary generates a narrative caption for every
// agent-snapshot entry still missing one, coalescing all of them into a
// single LLM call rather than one call per snapshot (spec's rate-limit
// rule for this job). It skips this round if the branch's snapshot lock is
// already held by another writer.
func (j *Jobs) triggerSnapshotSummary(ctx context.Context, storyID, branchID, characterName string) {
	snaps, err := snapshot.LoadAgentSnapshots(j.root, storyID, branchID)
	if err != nil {
		slog.Warn("worker: snapshot_summary failed to load snapshots", "story", storyID, "branch", branchID, "error", err)
		return
	}
	missing := snapshot.MissingSummaryIndices(snaps)
	if len(missing) == 0 {
		return
	}

	unlock, ok := j.locks.TryLock(storyID, branchID)
	if !ok {
		slog.Info("worker: snapshot_summary branch busy, skipping", "story", storyID, "branch", branchID)
		return
	}

	go func() {
		defer unlock()
		if err := j.runSnapshotSummary(ctx, storyID, branchID, characterName, snaps, missing); err != nil {
			slog.Warn("worker: snapshot_summary failed", "story", storyID, "branch", branchID, "error", err)
		}
	}()
}

func (j *Jobs) runSnapshotSummary(ctx context.Context, storyID, branchID, characterName string, snaps []model.AgentSnapshot, missing []int) error {
	var b strings.Builder
	for _, idx := range missing {
		s := snaps[idx]
		fmt.Fprintf(&b, "%d. 第%d天，第%d回合，完成任務：%s\n", idx, int(s.WorldDay), s.Turn, strings.Join(s.CompletedMissions, "、"))
	}

	prompt := fmt.Sprintf(
		"你是RPG的劇情摘要生成器。角色名為「%s」。為下列每個時間點生成一句精簡的劇情註記（繁體中文，15字以內）。\n\n%s\n"+
			`請只輸出JSON物件，鍵為編號、值為摘要文字，例如 {"0": "摘要1", "1": "摘要2"}。`,
		characterName, b.String(),
	)

	resp, err := llm.Oneshot(ctx, j.llm, "", prompt)
	if err != nil {
		return fmt.Errorf("worker: snapshot_summary oneshot call failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil
	}

	var raw map[string]string
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		match := regexp.MustCompile(`(?s)\{.*\}`).FindString(text)
		if match == "" {
			slog.Info("worker: snapshot_summary found no JSON object in response")
			return nil
		}
		if err := json.Unmarshal([]byte(match), &raw); err != nil {
			return fmt.Errorf("worker: snapshot_summary failed to parse captions: %w", err)
		}
	}

	captions := make(map[int]string, len(raw))
	for k, v := range raw {
		var idx int
		if _, err := fmt.Sscanf(k, "%d", &idx); err != nil {
			continue
		}
		if v != "" {
			captions[idx] = v
		}
	}
	if len(captions) == 0 {
		return nil
	}
	return snapshot.ApplySummaries(j.root, storyID, branchID, captions)
}
