package agent

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"parley/internal/acp"
	"parley/internal/jsonrpc"
)

func intPtr(n int) *int { return &n }

func TestResolveProjectPath(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{name: "relative", path: "a/b.txt", want: filepath.Join(root, "a/b.txt")},
		{name: "absolute inside", path: filepath.Join(root, "x.txt"), want: filepath.Join(root, "x.txt")},
		{name: "root itself", path: root, want: root},
		{name: "dot-dot escape", path: "../outside.txt", wantErr: true},
		{name: "nested dot-dot escape", path: "a/../../outside.txt", wantErr: true},
		{name: "absolute outside", path: "/etc/passwd", wantErr: true},
		{name: "prefix sibling", path: root + "-sibling/x.txt", wantErr: true},
		{name: "empty", path: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveProjectPath(root, tt.path)
			if tt.wantErr {
				var rpcErr *jsonrpc.RPCError
				if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.CodeInvalidParams {
					t.Fatalf("error = %v, want invalid-params RPC error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got != tt.want {
				t.Errorf("resolved = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadTextFileWindow(t *testing.T) {
	root := t.TempDir()
	e := New("fake", root)
	content := "one\ntwo\nthree\nfour\nfive"
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  acp.ReadTextFileRequest
		want string
	}{
		{name: "whole file", req: acp.ReadTextFileRequest{Path: "f.txt"}, want: content},
		{name: "from line", req: acp.ReadTextFileRequest{Path: "f.txt", Line: intPtr(3)}, want: "three\nfour\nfive"},
		{name: "line and limit", req: acp.ReadTextFileRequest{Path: "f.txt", Line: intPtr(2), Limit: intPtr(2)}, want: "two\nthree"},
		{name: "limit only", req: acp.ReadTextFileRequest{Path: "f.txt", Limit: intPtr(2)}, want: "one\ntwo"},
		{name: "negative limit", req: acp.ReadTextFileRequest{Path: "f.txt", Limit: intPtr(-1)}, want: ""},
		{name: "negative limit with line", req: acp.ReadTextFileRequest{Path: "f.txt", Line: intPtr(2), Limit: intPtr(-5)}, want: ""},
		{name: "line past end", req: acp.ReadTextFileRequest{Path: "f.txt", Line: intPtr(99)}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := e.readTextFile(tt.req)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if resp.Content != tt.want {
				t.Errorf("content = %q, want %q", resp.Content, tt.want)
			}
		})
	}
}

func TestReadTextFileMissing(t *testing.T) {
	e := New("fake", t.TempDir())
	_, err := e.readTextFile(acp.ReadTextFileRequest{Path: "nope.txt"})
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want RPC error", err)
	}
}

func TestWriteTextFileCreatesParents(t *testing.T) {
	root := t.TempDir()
	e := New("fake", root)

	err := e.writeTextFile(acp.WriteTextFileRequest{Path: "deep/nested/out.txt", Content: "hello"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "deep/nested/out.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q", data)
	}
}

func TestWriteTextFileOutsideRoot(t *testing.T) {
	e := New("fake", t.TempDir())
	err := e.writeTextFile(acp.WriteTextFileRequest{Path: "../escape.txt", Content: "x"})
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.CodeInvalidParams {
		t.Fatalf("error = %v, want invalid-params RPC error", err)
	}
}
