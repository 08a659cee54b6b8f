package autoplay

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/loomweave/loomweave/pkg/llm"
	"github.com/loomweave/loomweave/pkg/model"
)

// charGenPrompt is the oneshot prompt that asks the model for a complete
// random character card. Ported verbatim from
// original_source/auto_play.py's _CHAR_GEN_PROMPT.
const charGenPrompt = `為主神空間 RPG 生成一個隨機角色卡。角色固定設定：姓名 Eddy，男性。
其他所有設定請隨機產生，包括年齡、外貌、性格、專長、背景等。
請讓角色有趣且有特色，避免過於平凡的設定。

請嚴格按照以下 JSON 格式回覆，不要加任何其他文字：
{
  "personality": "給 AI 玩家的性格指導，描述這個角色會怎麼行動和說話，要行動導向（2-3句）",
  "opening_message": "角色的第一句話，用第一人稱簡短自我介紹後直接開始行動，不要問問題（1-2句）",
  "character_state": {
    "name": "Eddy",
    "gene_lock": "未開啟",
    "physique": "描述體質（如：退伍軍人/運動員/普通人等）",
    "spirit": "描述精神力（如：普通人類/敏銳直覺等）",
    "reward_points": 0,
    "current_status": "新人，剛進入主神空間",
    "inventory": [],
    "completed_missions": [],
    "relationships": {}
  },
  "summary": "一句話角色概述"
}`

// GeneratedCharacter is one randomly generated character card: a
// personality directive and opening line for the player AI, plus the
// character_state to seed the branch with.
type GeneratedCharacter struct {
	Personality    string               `json:"personality"`
	OpeningMessage string               `json:"opening_message"`
	CharacterState model.CharacterState `json:"character_state"`
	Summary        string               `json:"summary"`
}

var fallbackCharacter = GeneratedCharacter{
	Personality:    "冷靜果決，善於觀察和分析，帶點玩世不恭的表演慾。",
	OpeningMessage: "我叫 Eddy，剛被丟進這個莫名其妙的地方。看起來得靠自己活下去了。",
	CharacterState: model.CharacterState{
		"name":               "Eddy",
		"gene_lock":          "未開啟",
		"physique":           "普通人類",
		"spirit":             "普通人類",
		"reward_points":      0,
		"current_status":     "新人，剛進入主神空間",
		"inventory":          []any{},
		"completed_missions": []any{},
		"relationships":      map[string]any{},
	},
}

// GenerateRandomCharacter asks client for a random character card,
// falling back to a fixed Eddy character if the response cannot be
// parsed as JSON. Mirrors generate_random_character, minus the
// filesystem archival Python does under data/auto_play_characters/ —
// the caller already owns the branch's character_state.json once setup
// writes cfg.Character there.
func GenerateRandomCharacter(ctx context.Context, client llm.Client) (GeneratedCharacter, error) {
	resp, err := llm.Oneshot(ctx, client, "", charGenPrompt)
	if err != nil {
		return GeneratedCharacter{}, err
	}

	text := strings.TrimSpace(resp.Text)
	if strings.HasPrefix(text, "```") {
		var lines []string
		for _, line := range strings.Split(text, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				continue
			}
			lines = append(lines, line)
		}
		text = strings.Join(lines, "\n")
	}

	var generated GeneratedCharacter
	if err := json.Unmarshal([]byte(text), &generated); err != nil {
		return fallbackCharacter, nil
	}
	if len(generated.CharacterState) == 0 || generated.Personality == "" {
		return fallbackCharacter, nil
	}
	return generated, nil
}
