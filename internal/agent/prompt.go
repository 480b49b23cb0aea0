package agent

import (
	"encoding/base64"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"parley/internal/acp"
)

// BuildPrompt assembles the content blocks for a prompt turn: a text block
// with the literal prompt first, then one resource block per @path
// reference that reads successfully. References to directories and paths
// that fail to read are skipped silently; the prompt text itself is never
// modified.
func BuildPrompt(root, prompt string) []acp.ContentBlock {
	blocks := []acp.ContentBlock{acp.TextBlock(prompt)}

	for _, path := range extractPaths(prompt) {
		if strings.HasSuffix(path, "/") {
			continue
		}
		block, ok := loadResource(root, path)
		if !ok {
			continue
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// extractPaths returns the @path references in a prompt, in order, without
// the leading @.
func extractPaths(prompt string) []string {
	var paths []string
	for _, field := range strings.Fields(prompt) {
		if len(field) < 2 || field[0] != '@' {
			continue
		}
		paths = append(paths, field[1:])
	}
	return paths
}

// loadResource reads one referenced file and wraps it in a resource block.
// UTF-8 content becomes an embedded text resource; anything else becomes a
// base64 blob.
func loadResource(root, path string) (acp.ContentBlock, bool) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return acp.ContentBlock{}, false
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return acp.ContentBlock{}, false
	}

	abs, err := filepath.Abs(resolved)
	if err != nil {
		abs = resolved
	}
	uri := "file://" + abs
	mimeType := mime.TypeByExtension(filepath.Ext(resolved))

	if utf8.Valid(data) {
		if mimeType == "" {
			mimeType = "text/plain"
		}
		return acp.TextResourceBlock(uri, string(data), mimeType), true
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return acp.BlobResourceBlock(uri, base64.StdEncoding.EncodeToString(data), mimeType), true
}
