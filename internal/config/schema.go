package config

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/loomweave/loomweave/pkg/model"
	"github.com/loomweave/loomweave/pkg/storage"
)

// DefaultSystemPromptTemplate is used for any story that has not authored
// its own system_prompt.txt.
const DefaultSystemPromptTemplate = `你是一個文字角色扮演遊戲的主神（GM）。

## 角色狀態
{character_state}

## 劇情回顧
{narrative_recap}

## 世界設定
{world_lore}

## NPC 檔案
{npc_profiles}

{team_rules}

## 其他輪迴者
{other_agents}

## 關鍵事實
{critical_facts}

請以第二人稱、生動地推進劇情，並在合適時機使用 STATE/LORE/NPC/EVENT/IMG/TIME 標籤回報結構化資訊。`

// LoadCharacterSchema reads a story's character_schema.yaml, falling back
// to model.DefaultCharacterSchema when the story has not authored its own.
func LoadCharacterSchema(root *storage.Root, storyID string) (model.CharacterSchema, error) {
	raw, err := storage.ReadText(root.CharacterSchemaPath(storyID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.DefaultCharacterSchema(), nil
		}
		return model.CharacterSchema{}, fmt.Errorf("config: failed to read character schema for %s: %w", storyID, err)
	}
	var schema model.CharacterSchema
	if err := yaml.Unmarshal([]byte(raw), &schema); err != nil {
		return model.CharacterSchema{}, fmt.Errorf("config: failed to parse character schema for %s: %w", storyID, err)
	}
	return schema, nil
}

// LoadSystemPromptTemplate reads a story's system_prompt.txt, falling back
// to DefaultSystemPromptTemplate when the story has not authored its own.
func LoadSystemPromptTemplate(root *storage.Root, storyID string) (string, error) {
	raw, err := storage.ReadText(root.SystemPromptPath(storyID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return DefaultSystemPromptTemplate, nil
		}
		return "", fmt.Errorf("config: failed to read system prompt for %s: %w", storyID, err)
	}
	return raw, nil
}
