package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"parley/internal/acp"
	"parley/internal/jsonrpc"
)

// resolveProjectPath maps an fs/* path onto the filesystem and enforces the
// project-root boundary. Relative paths resolve against the root; absolute
// paths are accepted only when they stay inside it.
func resolveProjectPath(root, path string) (string, error) {
	if path == "" {
		return "", &jsonrpc.RPCError{Code: jsonrpc.CodeInvalidParams, Message: "empty path"}
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", &jsonrpc.RPCError{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}
	if resolved != rootAbs && !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
		return "", &jsonrpc.RPCError{
			Code:    jsonrpc.CodeInvalidParams,
			Message: fmt.Sprintf("path %q is outside the project root", path),
		}
	}
	return resolved, nil
}

// readTextFile serves fs/read_text_file. Line is 1-based; Line and Limit
// window the returned content when present.
func (e *Engine) readTextFile(req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	path, err := resolveProjectPath(e.Root, req.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return acp.ReadTextFileResponse{}, &jsonrpc.RPCError{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}
	text := string(data)

	if req.Line != nil || req.Limit != nil {
		start := 0
		if req.Line != nil && *req.Line > 1 {
			start = *req.Line - 1
		}
		lines := strings.Split(text, "\n")
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if req.Limit != nil {
			if *req.Limit < 0 {
				end = start
			} else if start+*req.Limit < end {
				end = start + *req.Limit
			}
		}
		text = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: text}, nil
}

// writeTextFile serves fs/write_text_file.
func (e *Engine) writeTextFile(req acp.WriteTextFileRequest) error {
	path, err := resolveProjectPath(e.Root, req.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &jsonrpc.RPCError{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		return &jsonrpc.RPCError{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}
	return nil
}
