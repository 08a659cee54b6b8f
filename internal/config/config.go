// Package config defines loomweave's unified configuration document and its
// loader. Mirrors hector's config.Config: a single YAML entry point,
// a Validate/SetDefaults pair, and environment-variable expansion applied
// to every string leaf before unmarshalling.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomweave/loomweave/internal/envconfig"
)

// StateReviewMode controls how much of C9's two-stage review gate runs
// before a parsed STATE delta is committed. Stage A (deterministic schema/
// vocabulary/bounds validation) always runs once a mode enables the gate at
// all; stage B (an LLM review pass that proposes a patched delta) only runs
// in the two LLM modes, and only llm_enforce lets its patch replace the
// delta rather than merely being logged alongside it.
type StateReviewMode string

const (
	ReviewOff               StateReviewMode = "off"
	ReviewDeterministicOnly StateReviewMode = "deterministic_only"
	ReviewLLMShadow         StateReviewMode = "llm_shadow"
	ReviewLLMEnforce        StateReviewMode = "llm_enforce"
)

// Config is the single entry point for loomweave's runtime configuration.
type Config struct {
	Version     string            `yaml:"version,omitempty"`
	Name        string            `yaml:"name,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`

	Storage    StorageConfig    `yaml:"storage,omitempty"`
	HTTP       HTTPConfig       `yaml:"http,omitempty"`
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
	Compaction CompactionConfig `yaml:"compaction,omitempty"`
	Clock      ClockConfig      `yaml:"clock,omitempty"`
	StateIndex StateIndexConfig `yaml:"state_index,omitempty"`
	Workers    WorkersConfig    `yaml:"workers,omitempty"`
	LLM        LLMConfig        `yaml:"llm,omitempty"`
	ImageGen   ImageGenConfig   `yaml:"image_gen,omitempty"`
	Context    ContextConfig    `yaml:"context,omitempty"`
}

// StorageConfig locates the filesystem root that owns every story tree.
type StorageConfig struct {
	RootDir string `yaml:"root_dir,omitempty"`
}

func (c *StorageConfig) Validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("storage.root_dir must not be empty")
	}
	return nil
}

func (c *StorageConfig) SetDefaults() {
	if c.RootDir == "" {
		c.RootDir = "./stories"
	}
}

// HTTPConfig configures the chi-routed HTTP/SSE surface.
type HTTPConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

func (c *HTTPConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.Port)
	}
	return nil
}

func (c *HTTPConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8088
	}
}

// LoggingConfig configures internal/logging.Setup.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

func (c *LoggingConfig) Validate() error { return nil }

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

// CompactionConfig holds the recap engine's sliding-window constants,
// defaulted from the original implementation's compaction.py values.
type CompactionConfig struct {
	RecapCharCap             int `yaml:"recap_char_cap,omitempty"`
	RecapMetaCompactTarget   int `yaml:"recap_meta_compact_target,omitempty"`
	MinUncompactedForTrigger int `yaml:"min_uncompacted_for_trigger,omitempty"`
	RecentWindow             int `yaml:"recent_window,omitempty"`
}

func (c *CompactionConfig) Validate() error {
	if c.RecentWindow > 0 && c.MinUncompactedForTrigger > 0 && c.RecentWindow > c.MinUncompactedForTrigger {
		return fmt.Errorf("compaction.recent_window (%d) must not exceed min_uncompacted_for_trigger (%d)", c.RecentWindow, c.MinUncompactedForTrigger)
	}
	return nil
}

func (c *CompactionConfig) SetDefaults() {
	if c.RecapCharCap == 0 {
		c.RecapCharCap = 8000
	}
	if c.RecapMetaCompactTarget == 0 {
		c.RecapMetaCompactTarget = 3000
	}
	if c.MinUncompactedForTrigger == 0 {
		c.MinUncompactedForTrigger = 20
	}
	if c.RecentWindow == 0 {
		c.RecentWindow = 20
	}
}

// ClockConfig holds the world clock's fixed dungeon time costs.
type ClockConfig struct {
	DungeonEnterDays float64 `yaml:"dungeon_enter_days,omitempty"`
	DungeonExitDays  float64 `yaml:"dungeon_exit_days,omitempty"`
}

func (c *ClockConfig) Validate() error { return nil }

func (c *ClockConfig) SetDefaults() {
	if c.DungeonEnterDays == 0 {
		c.DungeonEnterDays = 3
	}
	if c.DungeonExitDays == 0 {
		c.DungeonExitDays = 1
	}
}

// StateIndexConfig selects how C9 applies parsed state deltas.
type StateIndexConfig struct {
	ReviewMode StateReviewMode `yaml:"review_mode,omitempty"`
}

func (c *StateIndexConfig) Validate() error {
	switch c.ReviewMode {
	case "", ReviewOff, ReviewDeterministicOnly, ReviewLLMShadow, ReviewLLMEnforce:
		return nil
	default:
		return fmt.Errorf("state_index.review_mode invalid: %q", c.ReviewMode)
	}
}

func (c *StateIndexConfig) SetDefaults() {
	if c.ReviewMode == "" {
		c.ReviewMode = ReviewDeterministicOnly
	}
}

// WorkersConfig tunes the background-job supervisor (C13).
type WorkersConfig struct {
	ExtractionDebounce    time.Duration `yaml:"extraction_debounce,omitempty"`
	ExtractionMinChars    int           `yaml:"extraction_min_chars,omitempty"`
	NPCEvolutionEvery     int           `yaml:"npc_evolution_every,omitempty"`
	NPCEvolutionCooldown  time.Duration `yaml:"npc_evolution_cooldown,omitempty"`
}

func (c *WorkersConfig) Validate() error { return nil }

func (c *WorkersConfig) SetDefaults() {
	if c.ExtractionDebounce == 0 {
		c.ExtractionDebounce = 2 * time.Second
	}
	if c.ExtractionMinChars == 0 {
		c.ExtractionMinChars = 200
	}
	if c.NPCEvolutionEvery == 0 {
		c.NPCEvolutionEvery = 10
	}
	if c.NPCEvolutionCooldown == 0 {
		c.NPCEvolutionCooldown = 120 * time.Second
	}
}

// LLMConfig selects the out-of-scope LLM provider contract binding.
type LLMConfig struct {
	Provider string `yaml:"provider,omitempty"`
	Model    string `yaml:"model,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`
}

func (c *LLMConfig) Validate() error { return nil }
func (c *LLMConfig) SetDefaults()    {}

// ImageGenConfig selects the out-of-scope image-generation contract binding.
type ImageGenConfig struct {
	Provider string `yaml:"provider,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
}

func (c *ImageGenConfig) Validate() error { return nil }
func (c *ImageGenConfig) SetDefaults()    {}

// ContextConfig tunes C8's retrieval limits for augmented-message assembly.
type ContextConfig struct {
	LoreLimit       int `yaml:"lore_limit,omitempty"`
	EventLimit      int `yaml:"event_limit,omitempty"`
	ActivityBatches int `yaml:"activity_batches,omitempty"`
}

func (c *ContextConfig) Validate() error { return nil }

func (c *ContextConfig) SetDefaults() {
	if c.LoreLimit == 0 {
		c.LoreLimit = 5
	}
	if c.EventLimit == 0 {
		c.EventLimit = 3
	}
	if c.ActivityBatches == 0 {
		c.ActivityBatches = 2
	}
}

// Validate checks every section of c in turn.
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := c.Compaction.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := c.Clock.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := c.StateIndex.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := c.Workers.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := c.Context.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// SetDefaults fills every zero-valued section of c with its default.
func (c *Config) SetDefaults() {
	c.Storage.SetDefaults()
	c.HTTP.SetDefaults()
	c.Logging.SetDefaults()
	c.Compaction.SetDefaults()
	c.Clock.SetDefaults()
	c.StateIndex.SetDefaults()
	c.Workers.SetDefaults()
	c.LLM.SetDefaults()
	c.ImageGen.SetDefaults()
	c.Context.SetDefaults()
}

// Load reads the YAML document at path, expands ${VAR}/${VAR:-default}/$VAR
// references in every line before parsing, fills defaults, and validates
// the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return LoadFromString(string(raw))
}

// LoadFromString parses a YAML document already in memory, following the
// same expand-then-unmarshal-then-default-then-validate pipeline as Load.
func LoadFromString(yamlContent string) (*Config, error) {
	expanded := envconfig.Expand(yamlContent)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
