// Package clock implements C2, the per-branch world clock: a monotonic
// day counter advanced by parsed TIME tags and by fixed dungeon enter/exit
// costs, persisted as one small JSON file per branch.
//
// Ported from original_source/world_timer.py, expressed as a storage-backed
// Go type instead of a module of free functions, matching hector's
// storage-wrapping-a-domain-type style (pkg/checkpoint.Storage).
package clock

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loomweave/loomweave/pkg/storage"
)

// Default dungeon time costs, in days. Overridable via internal/config's
// ClockConfig; these are the original implementation's literal defaults.
const (
	DefaultDungeonEnterDays = 3.0
	DefaultDungeonExitDays  = 1.0
)

// timeTagPattern matches both bracket styles used across the tag grammar:
// "<!--TIME ... TIME-->" and "[TIME ... TIME]".
var timeTagPattern = regexp.MustCompile(`(?s)(?:<!--TIME\s+(.*?)\s*TIME-->|\[TIME\s+(.*?)\s*TIME\])`)

// record is the on-disk shape of a branch's world_day.json.
type record struct {
	WorldDay    float64   `json:"world_day"`
	LastUpdated time.Time `json:"last_updated,omitempty"`
}

// Clock reads and advances a single branch's world day counter.
type Clock struct {
	root             *storage.Root
	dungeonEnterDays float64
	dungeonExitDays  float64
}

// New returns a Clock backed by root, using the given dungeon time costs.
// Pass zero to use the package defaults.
func New(root *storage.Root, dungeonEnterDays, dungeonExitDays float64) *Clock {
	if dungeonEnterDays == 0 {
		dungeonEnterDays = DefaultDungeonEnterDays
	}
	if dungeonExitDays == 0 {
		dungeonExitDays = DefaultDungeonExitDays
	}
	return &Clock{root: root, dungeonEnterDays: dungeonEnterDays, dungeonExitDays: dungeonExitDays}
}

// WorldDay returns the current world day for a branch. Defaults to 0 when
// no world_day.json exists — this is what lets a blank branch skip writing
// one at creation time (see DESIGN.md Open Question 2).
func (c *Clock) WorldDay(storyID, branchID string) (float64, error) {
	var rec record
	err := storage.ReadJSON(c.root.WorldDayPath(storyID, branchID), &rec)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("clock: failed to read world day: %w", err)
	}
	return rec.WorldDay, nil
}

// Advance adds days to the branch's world day and persists the result.
// A non-positive delta is a no-op, matching the original implementation's
// "ignore Δ≤0" rule: the clock never runs backward.
func (c *Clock) Advance(storyID, branchID string, days float64) (float64, error) {
	if days <= 0 {
		return c.WorldDay(storyID, branchID)
	}
	current, err := c.WorldDay(storyID, branchID)
	if err != nil {
		return 0, err
	}
	next := current + days
	rec := record{WorldDay: next, LastUpdated: time.Now().UTC()}
	if err := storage.WriteJSON(c.root.WorldDayPath(storyID, branchID), rec); err != nil {
		return 0, fmt.Errorf("clock: failed to persist world day: %w", err)
	}
	slog.Debug("world clock advanced", "branch", branchID, "delta_days", days, "world_day", next)
	return next, nil
}

// Set pins the branch's world day to an exact value, used when a new branch
// inherits its parent's clock at fork time.
func (c *Clock) Set(storyID, branchID string, day float64) error {
	rec := record{WorldDay: day, LastUpdated: time.Now().UTC()}
	if err := storage.WriteJSON(c.root.WorldDayPath(storyID, branchID), rec); err != nil {
		return fmt.Errorf("clock: failed to set world day: %w", err)
	}
	return nil
}

// CopyFrom copies fromBranchID's world day onto toBranchID, but only if it
// is positive — a zero parent clock leaves the child with no file at all,
// exactly like a blank branch.
func (c *Clock) CopyFrom(storyID, fromBranchID, toBranchID string) error {
	day, err := c.WorldDay(storyID, fromBranchID)
	if err != nil {
		return err
	}
	if day <= 0 {
		return nil
	}
	return c.Set(storyID, toBranchID, day)
}

// EnterDungeon advances the branch's clock by the fixed dungeon-enter cost.
func (c *Clock) EnterDungeon(storyID, branchID string) (float64, error) {
	return c.Advance(storyID, branchID, c.dungeonEnterDays)
}

// ExitDungeon advances the branch's clock by the fixed dungeon-exit
// recovery cost.
func (c *Clock) ExitDungeon(storyID, branchID string) (float64, error) {
	return c.Advance(storyID, branchID, c.dungeonExitDays)
}

// ParseTimeTagBody parses a TIME tag body like "days:3" or "hours:8" into a
// day delta. Unparseable or unrecognized bodies return 0 — callers must
// treat 0 as "nothing to advance", not as an error.
func ParseTimeTagBody(body string) float64 {
	body = strings.TrimSpace(body)
	if idx := strings.Index(body, "days:"); idx >= 0 {
		v := strings.TrimSpace(body[idx+len("days:"):])
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		return 0
	}
	if idx := strings.Index(body, "hours:"); idx >= 0 {
		v := strings.TrimSpace(body[idx+len("hours:"):])
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f / 24
		}
		return 0
	}
	return 0
}

// ProcessTimeTags scans gmText for TIME tags, advances the branch's clock
// for each one found, and returns gmText with the TIME tags stripped out.
func (c *Clock) ProcessTimeTags(storyID, branchID, gmText string) (string, error) {
	matches := timeTagPattern.FindAllStringSubmatch(gmText, -1)
	for _, m := range matches {
		body := m[1]
		if body == "" {
			body = m[2]
		}
		if days := ParseTimeTagBody(body); days > 0 {
			if _, err := c.Advance(storyID, branchID, days); err != nil {
				return gmText, err
			}
		}
	}
	return strings.TrimSpace(timeTagPattern.ReplaceAllString(gmText, "")), nil
}
