// Package recap implements C6, the rolling narrative compactor: it folds
// older turns into an LLM-written prose recap so the turn pipeline's
// context window stays bounded regardless of how long a branch runs.
//
// Ported from original_source/compaction.py.
package recap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomweave/loomweave/internal/config"
	"github.com/loomweave/loomweave/pkg/llm"
	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/storage"
)

// FallbackText is returned when a branch has no recap yet.
const FallbackText = "（尚無回顧，完整對話記錄已提供。）"

const compactPromptTemplate = `你是故事摘要助手。以下是文字 RPG 遊戲的對話片段。請用繁體中文寫一份 500-800 字的敘事回顧：

1. 關鍵劇情發展（按時間順序）
2. 玩家的重要決策及後果
3. 情感轉折與角色發展
4. 尚未解決的懸念

重要：玩家角色名為「{{name}}」。摘要中請使用第三人稱「{{name}}」稱呼玩家角色，不要用其他名字替代，也不要使用第一人稱「我」。
注意：角色屬性、道具、NPC 資料、世界設定已由其他系統追蹤，不需列出。
專注於「發生了什麼事」和「故事走向如何」。

{{existing_recap}}

---
以下是新的對話內容：
{{messages}}
`

const metaCompactPromptTemplate = `你是故事摘要助手。以下是一份 RPG 遊戲的累積敘事回顧，已經太長了。
請用繁體中文將它重新精煉為約 800 字的版本，保留：

1. 最關鍵的劇情轉折（按時間順序）
2. 核心角色發展弧線
3. 仍在進行中的懸念和伏筆

重要：玩家角色名為「{{name}}」。請一律使用「{{name}}」稱呼玩家角色，不要用其他名字替代。
可以省略已解決的小事件和重複的細節。

---
{{recap}}
`

func renderTemplate(tmpl string, pairs ...string) string {
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Load reads a branch's recap, returning model.DefaultRecap() if none
// exists yet.
func Load(root *storage.Root, storyID, branchID string) (model.Recap, error) {
	var recap model.Recap
	err := storage.ReadJSON(root.RecapPath(storyID, branchID), &recap)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.DefaultRecap(), nil
		}
		return model.Recap{}, fmt.Errorf("recap: failed to load %s/%s: %w", storyID, branchID, err)
	}
	return recap, nil
}

// Save writes a branch's recap atomically.
func Save(root *storage.Root, storyID, branchID string, recap model.Recap) error {
	if err := storage.WriteJSON(root.RecapPath(storyID, branchID), recap); err != nil {
		return fmt.Errorf("recap: failed to save %s/%s: %w", storyID, branchID, err)
	}
	return nil
}

// Text returns the recap text for system-prompt injection, or FallbackText
// if the branch has no recap yet.
func Text(root *storage.Root, storyID, branchID string) (string, error) {
	recap, err := Load(root, storyID, branchID)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(recap.RecapText)
	if text == "" {
		return FallbackText, nil
	}
	return text, nil
}

// ShouldCompact reports whether more than cfg.MinUncompactedForTrigger
// messages lie between the recap's compacted-through point and the start
// of the recent raw window.
func ShouldCompact(recap model.Recap, timelineLen int, cfg config.CompactionConfig) bool {
	recentStart := timelineLen - cfg.RecentWindow
	uncompacted := recentStart - (recap.CompactedThroughIndex + 1)
	return uncompacted > cfg.MinUncompactedForTrigger
}

// ContextWindow returns the trailing raw-message window kept alongside the
// recap.
func ContextWindow(fullTimeline []model.Message, cfg config.CompactionConfig) []model.Message {
	if len(fullTimeline) <= cfg.RecentWindow {
		return fullTimeline
	}
	return fullTimeline[len(fullTimeline)-cfg.RecentWindow:]
}

// CopyToBranch propagates a parent branch's recap to a freshly forked
// branch, appending a divergence note when the fork point falls inside
// the parent's already-compacted region (the child's history departs from
// the summary its recap describes at that point on).
func CopyToBranch(root *storage.Root, storyID, fromBranchID, toBranchID string, branchPointIndex int) error {
	parent, err := Load(root, storyID, fromBranchID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(parent.RecapText) == "" {
		return nil
	}

	child := parent
	if branchPointIndex >= 0 && parent.CompactedThroughIndex > branchPointIndex {
		child.RecapText += "\n\n（注意：以下為分支劇情，從此處開始與主線不同。）"
	}
	return Save(root, storyID, toBranchID, child)
}

func formatMessages(messages []model.Message) string {
	var lines []string
	for _, m := range messages {
		prefix := "【GM】"
		if m.Role == model.RoleUser {
			prefix = "【玩家】"
		}
		content := m.Content
		if runes := []rune(content); len(runes) > 1000 {
			content = string(runes[:1000]) + "…（略）"
		}
		lines = append(lines, prefix+"\n"+content)
	}
	return strings.Join(lines, "\n\n")
}

// Compactor runs background narrative compaction for one story's branches,
// skipping (never queueing) a branch that is already being compacted.
type Compactor struct {
	root  *storage.Root
	llm   llm.Client
	cfg   config.CompactionConfig
	locks *storage.LockRegistry
}

// NewCompactor builds a Compactor backed by client for LLM calls and
// root's per-branch lock registry for de-duplication.
func NewCompactor(root *storage.Root, client llm.Client, cfg config.CompactionConfig) *Compactor {
	return &Compactor{root: root, llm: client, cfg: cfg, locks: root.Locks()}
}

// TriggerAsync starts compaction in the background if the branch is not
// already being compacted. It never blocks the caller and swallows its own
// errors into the log, matching the original's fire-and-forget thread.
func (c *Compactor) TriggerAsync(ctx context.Context, storyID, branchID string, fullTimeline []model.Message, characterName string) {
	unlock, ok := c.locks.TryLock(storyID, branchID)
	if !ok {
		slog.Info("recap: compaction already running, skipping", "story", storyID, "branch", branchID)
		return
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		defer unlock()
		if err := c.run(detached, storyID, branchID, fullTimeline, characterName); err != nil {
			slog.Error("recap: compaction failed", "story", storyID, "branch", branchID, "error", err)
		}
	}()
}

func (c *Compactor) run(ctx context.Context, storyID, branchID string, fullTimeline []model.Message, characterName string) error {
	recap, err := Load(c.root, storyID, branchID)
	if err != nil {
		return err
	}

	compactEnd := len(fullTimeline) - c.cfg.RecentWindow
	if compactEnd <= recap.CompactedThroughIndex+1 {
		return nil
	}
	toCompact := fullTimeline[recap.CompactedThroughIndex+1 : compactEnd]
	if len(toCompact) == 0 {
		return nil
	}

	slog.Info("recap: summarizing", "story", storyID, "branch", branchID, "count", len(toCompact))

	existingRecap := ""
	if recap.RecapText != "" {
		existingRecap = "以下是先前的敘事回顧（請在此基礎上延續）：\n\n" + recap.RecapText
	}

	prompt := renderTemplate(compactPromptTemplate,
		"{{name}}", characterName,
		"{{existing_recap}}", existingRecap,
		"{{messages}}", formatMessages(toCompact),
	)

	resp, err := llm.Oneshot(ctx, c.llm, "", prompt)
	if err != nil {
		return fmt.Errorf("recap: oneshot call failed: %w", err)
	}
	newRecapText := strings.TrimSpace(resp.Text)
	if newRecapText == "" {
		slog.Info("recap: llm returned empty, aborting")
		return nil
	}

	if len([]rune(newRecapText)) > c.cfg.RecapCharCap {
		slog.Info("recap: recap too long, meta-compacting", "chars", len([]rune(newRecapText)))
		metaPrompt := renderTemplate(metaCompactPromptTemplate, "{{name}}", characterName, "{{recap}}", newRecapText)
		metaResp, err := llm.Oneshot(ctx, c.llm, "", metaPrompt)
		if err == nil && strings.TrimSpace(metaResp.Text) != "" {
			newRecapText = strings.TrimSpace(metaResp.Text)
			slog.Info("recap: meta-compacted", "chars", len([]rune(newRecapText)))
		}
	}

	turnCount := 0
	for _, m := range toCompact {
		if m.Role == model.RoleUser {
			turnCount++
		}
	}

	now := time.Now().UTC()
	recap.RecapText = newRecapText
	recap.CompactedThroughIndex = compactEnd - 1
	recap.LastCompactedAt = &now
	recap.TotalTurnsCompacted += turnCount

	if err := Save(c.root, storyID, branchID, recap); err != nil {
		return err
	}
	slog.Info("recap: done", "story", storyID, "branch", branchID, "chars", len([]rune(newRecapText)), "compacted_through", recap.CompactedThroughIndex)
	return nil
}
