package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomweave/loomweave/internal/config"
	"github.com/loomweave/loomweave/internal/logging"
	"github.com/loomweave/loomweave/pkg/branchengine"
	"github.com/loomweave/loomweave/pkg/clock"
	"github.com/loomweave/loomweave/pkg/event"
	"github.com/loomweave/loomweave/pkg/httpapi"
	"github.com/loomweave/loomweave/pkg/imagegen"
	"github.com/loomweave/loomweave/pkg/llm"
	"github.com/loomweave/loomweave/pkg/lore"
	"github.com/loomweave/loomweave/pkg/recap"
	"github.com/loomweave/loomweave/pkg/stateindex"
	"github.com/loomweave/loomweave/pkg/storage"
	"github.com/loomweave/loomweave/pkg/turn"
	"github.com/loomweave/loomweave/pkg/worker"
)

// defaultStoryID matches original_source/auto_play.py's --story-id default,
// since loomweave (like the app it is ported from) serves one active story
// per process — switching stories in the UI repoints a client at a
// different id, but the server process backing it is still scoped to a
// single story's lore/event/state-index databases.
const defaultStoryID = "story_original"

// ServeCmd starts the chi-routed HTTP/SSE API server. Flags that mirror an
// internal/config.LLMConfig field let an operator run with no config file
// at all, the same zero-config convenience hector's ServeCmd offers.
type ServeCmd struct {
	StoryID string `name:"story-id" help:"Story to serve." default:"story_original"`
	Host    string `help:"Override http.host from the config file."`
	Port    int    `help:"Override http.port from the config file."`

	Provider string `help:"LLM provider (anthropic, openai)."`
	Model    string `help:"Model name."`
	APIKey   string `name:"api-key" help:"Provider API key (defaults to config file / environment)."`
	BaseURL  string `name:"base-url" help:"Custom API base URL."`

	SkipImages bool `name:"skip-images" help:"Disable image generation even if the config requests it."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	c.applyOverrides(cfg)

	logging.Setup(logging.Options{Level: cli.LogLevel, Format: cli.LogFormat})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("serve: shutting down")
		cancel()
	}()

	storyID := c.StoryID
	if storyID == "" {
		storyID = defaultStoryID
	}

	deps, err := buildDeps(cfg, storyID)
	if err != nil {
		return err
	}
	defer deps.Close()

	var images imagegen.Generator
	if !c.SkipImages {
		images = imagegen.NewDeduper(newPollinationsGenerator(deps.Root))
	}

	pipeline := turn.New(deps.Root, deps.LLM, deps.Lore, deps.Events, deps.StateIndex, deps.Clock, deps.Jobs, images, *cfg)
	engine := branchengine.New(deps.Root, deps.Clock, deps.Events)
	server := httpapi.New(deps.Root, engine, pipeline, deps.Lore, deps.Events, deps.StateIndex, deps.Clock, images, *cfg)

	slog.Info("serve: listening", "story", storyID, "host", cfg.HTTP.Host, "port", cfg.HTTP.Port)
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (c *ServeCmd) applyOverrides(cfg *config.Config) {
	if c.Host != "" {
		cfg.HTTP.Host = c.Host
	}
	if c.Port != 0 {
		cfg.HTTP.Port = c.Port
	}
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

// deps bundles the collaborators every entrypoint (serve, autoplay) builds
// from one Config and story id, so both commands wire storage, the
// SQLite-backed indexes, the clock, and the background job supervisor
// identically.
type deps struct {
	Root       *storage.Root
	Lore       *lore.Index
	Events     *event.Store
	StateIndex *stateindex.Store
	Clock      *clock.Clock
	Jobs       *worker.Jobs
	LLM        llm.Client
}

func (d *deps) Close() {
	_ = d.Lore.Close()
	_ = d.Events.Close()
	_ = d.StateIndex.Close()
}

func buildDeps(cfg *config.Config, storyID string) (*deps, error) {
	root, err := storage.NewRoot(cfg.Storage.RootDir)
	if err != nil {
		return nil, err
	}
	if err := root.EnsureStoryDir(storyID); err != nil {
		return nil, err
	}

	client, err := newLLMClient(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to build llm client: %w", err)
	}

	loreIdx, err := lore.Open(root.LoreDBPath(storyID))
	if err != nil {
		return nil, fmt.Errorf("failed to open lore index: %w", err)
	}
	events, err := event.Open(root.EventDBPath(storyID))
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	stateIdx, err := stateindex.Open(root.StateIndexDBPath(storyID))
	if err != nil {
		return nil, fmt.Errorf("failed to open state index: %w", err)
	}

	clk := clock.New(root, cfg.Clock.DungeonEnterDays, cfg.Clock.DungeonExitDays)
	compactor := recap.NewCompactor(root, client, cfg.Compaction)
	jobs := worker.New(root, client, cfg.Workers, compactor, loreIdx, events)

	return &deps{Root: root, Lore: loreIdx, Events: events, StateIndex: stateIdx, Clock: clk, Jobs: jobs, LLM: client}, nil
}
