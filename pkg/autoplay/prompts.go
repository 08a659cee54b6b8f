package autoplay

import "regexp"

// Phase-transition detectors, matched against a GM reply's clean text.
// Ported verbatim (pattern content, not code shape) from
// original_source/auto_play.py's _DUNGEON_START_PATTERNS,
// _DUNGEON_END_PATTERNS and _HUB_PATTERNS.
var (
	dungeonStartPattern = regexp.MustCompile(`(?i)【主神提示：.*?任務】|傳送開始|副本.*?開啟|進入副本|主神.*?傳送|白光.*?吞噬|場景.*?轉換`)
	dungeonEndPattern   = regexp.MustCompile(`(?i)任務完成|返回主神空間|任務評級|副本.*?結束|回到.*?主神空間|傳送回.*?主神|主神.*?評分`)
	hubPattern          = regexp.MustCompile(`(?i)兌換大廳|主神空間|訓練場|休息區|商城`)
)

const playerSystemPromptTemplate = `你是主神空間 RPG 的自動玩家 AI。你扮演一名輪迴者。

## 你的性格
%s

## 行動原則
1. 直接採取行動——移動、戰鬥、交涉、探索，推動故事前進
2. 副本中以生存和完成任務為最高優先，遇到危險立刻反應
3. 主神空間中積極兌換裝備、與NPC互動、準備下一次副本
4. 做出合理但有趣的選擇，偶爾冒險
5. 像真正的玩家一樣行動——有情緒、有判斷、有策略
6. 回覆 50-150 字，用第一人稱
7. 主動探索世界設定——遇到新的體系、規則、地點、NPC時，花時間了解細節
8. 每 3-5 回合至少做一次探索性行動（研究體系、詢問NPC背景、調查環境線索等）
9. 明確詢問具體規則，用提問引出詳細設定

## 當前角色狀態
%s

## 階段提示
%s
`

const playerTurnPromptTemplate = `最近的故事進展：
%s

GM 最後的回覆：
%s

請輸出你的下一步行動（50-150字，第一人稱）。`

// phaseHint mirrors _get_phase_hint: it nudges the player AI toward
// dungeon survival, hub exploration, or requesting the next mission
// depending on how long the run has sat in the hub.
func phaseHint(state RunState, cfg Config) string {
	if state.Phase == PhaseDungeon {
		return "你正在副本任務中。優先存活和完成任務目標。觀察環境、與隊友合作、對威脅保持警惕。主動尋找支線任務和隱藏事件，進入新副本時花一回合詢問這個世界的背景設定和規則。"
	}
	if state.HubTurns >= cfg.MaxHubTurns {
		return "你已經在主神空間待了很久。是時候請求下一個副本任務了。向主神表示你準備好接受新任務。"
	}
	return "你在主神空間。可以兌換裝備、訓練、與NPC互動、收集情報。主動探索各種體系的細節和規則，向NPC請教具體怎麼運作、有什麼限制和代價。準備好了就向主神請求下一個副本任務。"
}

// analysis is what one GM reply tells the phase tracker.
type analysis struct {
	death        bool
	dungeonStart bool
	dungeonEnd   bool
	hubDetected  bool
}

// analyzeResponse mirrors analyze_response: death is read from the
// character sheet's current_status field, independent of the reply text.
func analyzeResponse(gmText, status string) analysis {
	return analysis{
		death:        status == "end",
		dungeonStart: dungeonStartPattern.MatchString(gmText),
		dungeonEnd:   dungeonEndPattern.MatchString(gmText),
		hubDetected:  hubPattern.MatchString(gmText),
	}
}

// updatePhase mirrors update_phase's state machine: death short-circuits
// everything else, a hub-phase dungeon-start cue moves into a dungeon and
// counts it, and a dungeon-phase end cue (or a bare hub cue with no
// competing start cue) returns to the hub.
func updatePhase(state *RunState, a analysis) {
	if a.death {
		state.DeathDetected = true
		return
	}
	switch state.Phase {
	case PhaseDungeon:
		if a.dungeonEnd || (a.hubDetected && !a.dungeonStart) {
			state.Phase = PhaseHub
			state.HubTurns = 0
		}
	default:
		if a.dungeonStart {
			state.Phase = PhaseDungeon
			state.DungeonCount++
			state.HubTurns = 0
		} else {
			state.HubTurns++
		}
	}
}
