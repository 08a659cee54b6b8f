// Package imagegen declares the provider-agnostic contract the turn
// pipeline calls through when a GM turn's IMG tag (already extracted by
// pkg/tagparser) asks for an illustration. It owns no provider
// implementation — a Pollinations-style or other backend is injected by
// cmd/loomweave, the same separation pkg/llm draws between the turn
// pipeline's needs and the concrete model behind them.
//
// Ported from original_source/image_gen.py: generate_image_async starts a
// detached download and hands back the filename it expects to produce
// before the download finishes, get_image_status/get_image_path poll for
// completion. Go expresses "detached download" as a goroutine behind the
// Generator interface rather than a daemon thread; the caller never blocks
// on RequestAsync.
package imagegen

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// DefaultWidth and DefaultHeight are the Pollinations-style image
// dimensions every request is generated at, matching
// original_source/image_gen.py's IMAGE_WIDTH/IMAGE_HEIGHT. A concrete
// Generator is free to ignore these, but they are the values loomweave's
// own adapter uses.
const (
	DefaultWidth  = 768
	DefaultHeight = 512
)

// Status reports whether a requested image has finished downloading.
type Status struct {
	Ready    bool
	Filename string
}

// Generator is the contract a concrete image backend implements.
type Generator interface {
	// RequestAsync starts generating an illustration for prompt and returns
	// the filename it will be saved under once ready. It must not block on
	// the download itself; a caller that needs to know when the file is
	// ready polls Status.
	RequestAsync(ctx context.Context, storyID string, messageIndex int, prompt string) (filename string, err error)

	// Status reports whether filename has finished downloading for storyID.
	Status(ctx context.Context, storyID, filename string) (Status, error)

	// Path returns the absolute filesystem path to filename and whether it
	// exists yet.
	Path(ctx context.Context, storyID, filename string) (path string, ready bool, err error)
}

// Filename derives the deterministic name a given (messageIndex, prompt)
// pair is saved under: img_{message_index}_{hash}.png, where hash is the
// first 8 hex characters of the prompt's MD5 sum. Matching
// original_source/image_gen.py's _make_filename keeps the same prompt at
// the same turn resolving to the same file across retries, so a repeated
// RequestAsync for an already-downloaded image is a cache hit rather than
// a second download.
func Filename(messageIndex int, prompt string) string {
	sum := md5.Sum([]byte(prompt))
	return fmt.Sprintf("img_%d_%s.png", messageIndex, hex.EncodeToString(sum[:])[:8])
}

// Deduper wraps a Generator so that concurrent RequestAsync calls for the
// same filename collapse into a single in-flight download, rather than
// racing to write the same destination file. original_source/image_gen.py
// guards this with a plain os.path.exists(dest) check before starting its
// thread, which is racy under concurrent requests; singleflight closes that
// race instead of papering over it.
type Deduper struct {
	inner Generator
	group singleflight.Group
}

// NewDeduper returns a Deduper delegating to inner.
func NewDeduper(inner Generator) *Deduper {
	return &Deduper{inner: inner}
}

// RequestAsync computes the expected filename up front and only invokes the
// wrapped Generator once per distinct (storyID, filename) pair that is
// currently in flight.
func (d *Deduper) RequestAsync(ctx context.Context, storyID string, messageIndex int, prompt string) (string, error) {
	key := storyID + "/" + Filename(messageIndex, prompt)
	_, err, _ := d.group.Do(key, func() (any, error) {
		return d.inner.RequestAsync(ctx, storyID, messageIndex, prompt)
	})
	if err != nil {
		return "", err
	}
	return Filename(messageIndex, prompt), nil
}

// Status delegates directly; polling status is cheap and never needs
// deduplication.
func (d *Deduper) Status(ctx context.Context, storyID, filename string) (Status, error) {
	return d.inner.Status(ctx, storyID, filename)
}

// Path delegates directly.
func (d *Deduper) Path(ctx context.Context, storyID, filename string) (string, bool, error) {
	return d.inner.Path(ctx, storyID, filename)
}
