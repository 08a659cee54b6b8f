package textindex

import (
	"regexp"
	"strings"
)

// inlineTagPattern matches "[tag: x/y/z]" markers embedded in lore/event
// content bodies — distinct from the GM-response tag grammar in
// pkg/tagparser, which wraps a whole structured payload rather than a
// slash-separated tag list.
var inlineTagPattern = regexp.MustCompile(`\[tag:\s*([^\]]+)\]`)

// ExtractInlineTags pulls every "[tag: a/b/c]" marker out of content and
// returns the flattened, deduplicated, order-preserving tag list.
func ExtractInlineTags(content string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, m := range inlineTagPattern.FindAllStringSubmatch(content, -1) {
		for _, part := range strings.Split(m[1], "/") {
			tag := strings.TrimSpace(part)
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}
