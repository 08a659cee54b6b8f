package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/loomweave/loomweave/pkg/imagegen"
	"github.com/loomweave/loomweave/pkg/storage"
)

// pollinationsBase is the free image.pollinations.ai text-to-image
// endpoint. Ported from original_source/image_gen.py's POLLINATIONS_BASE.
const pollinationsBase = "https://image.pollinations.ai/prompt"

// pollinationsGenerator implements imagegen.Generator against
// image.pollinations.ai: RequestAsync starts a detached download goroutine
// and returns the deterministic destination filename immediately, mirroring
// Python's generate_image_async spawning a daemon thread rather than
// blocking the caller on the download.
type pollinationsGenerator struct {
	root *storage.Root
	http *http.Client
}

func newPollinationsGenerator(root *storage.Root) *pollinationsGenerator {
	return &pollinationsGenerator{root: root, http: &http.Client{Timeout: 90 * time.Second}}
}

func (g *pollinationsGenerator) RequestAsync(ctx context.Context, storyID string, messageIndex int, prompt string) (string, error) {
	filename := imagegen.Filename(messageIndex, prompt)
	dest := g.root.ImagePath(storyID, filename)

	if _, err := os.Stat(dest); err == nil {
		return filename, nil
	}

	if err := os.MkdirAll(g.root.ImagesDir(storyID), 0o755); err != nil {
		return "", fmt.Errorf("imagegen: failed to create images dir: %w", err)
	}

	go g.download(prompt, dest)
	return filename, nil
}

func (g *pollinationsGenerator) download(prompt, dest string) {
	requestURL := fmt.Sprintf("%s/%s?width=%d&height=%d&nologo=true",
		pollinationsBase, url.PathEscape(prompt), imagegen.DefaultWidth, imagegen.DefaultHeight)

	req, err := http.NewRequest(http.MethodGet, requestURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", "loomweave/1.0")

	resp, err := g.http.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}

	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, dest)
}

func (g *pollinationsGenerator) Status(ctx context.Context, storyID, filename string) (imagegen.Status, error) {
	_, err := os.Stat(g.root.ImagePath(storyID, filename))
	return imagegen.Status{Ready: err == nil, Filename: filename}, nil
}

func (g *pollinationsGenerator) Path(ctx context.Context, storyID, filename string) (string, bool, error) {
	path := g.root.ImagePath(storyID, filename)
	_, err := os.Stat(path)
	return path, err == nil, nil
}
