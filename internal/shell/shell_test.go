package shell

import (
	"strings"
	"testing"
)

func TestScrubEchoRemovesThroughNewline(t *testing.T) {
	s := New("sh", t.TempDir())
	s.hideEcho = [][]byte{[]byte("ls -la")}

	got := s.scrubEcho([]byte("ls -la\r\ntotal 42\n"))
	want := "\x1b[2Ktotal 42\n"
	if string(got) != want {
		t.Errorf("scrubbed = %q, want %q", got, want)
	}
	if len(s.hideEcho) != 0 {
		t.Error("echo registration not consumed")
	}
}

func TestScrubEchoWithoutNewline(t *testing.T) {
	s := New("sh", t.TempDir())
	s.hideEcho = [][]byte{[]byte("pwd")}

	got := s.scrubEcho([]byte("$ pwd"))
	if string(got) != "$ \x1b[2K" {
		t.Errorf("scrubbed = %q", got)
	}
}

func TestScrubEchoWithoutNewlineSingleOccurrence(t *testing.T) {
	s := New("sh", t.TempDir())
	s.hideEcho = [][]byte{[]byte("ls")}

	// Only the echoed occurrence goes; "ls" inside unrelated words and a
	// later literal repeat stay.
	got := s.scrubEcho([]byte("$ ls and tools ls again"))
	want := "$ \x1b[2K and tools ls again"
	if string(got) != want {
		t.Errorf("scrubbed = %q, want %q", got, want)
	}
}

func TestScrubEchoExactlyOnce(t *testing.T) {
	s := New("sh", t.TempDir())
	s.hideEcho = [][]byte{[]byte("echo hi")}

	first := s.scrubEcho([]byte("echo hi\n"))
	if strings.Contains(string(first), "echo hi") {
		t.Errorf("first chunk not scrubbed: %q", first)
	}
	// The registration is spent: a later literal occurrence stays.
	second := s.scrubEcho([]byte("echo hi\n"))
	if string(second) != "echo hi\n" {
		t.Errorf("second chunk = %q, want untouched", second)
	}
}

func TestScrubEchoUnmatchedStaysRegistered(t *testing.T) {
	s := New("sh", t.TempDir())
	s.hideEcho = [][]byte{[]byte("make test")}

	got := s.scrubEcho([]byte("unrelated output\n"))
	if string(got) != "unrelated output\n" {
		t.Errorf("chunk = %q, want untouched", got)
	}
	if len(s.hideEcho) != 1 {
		t.Error("registration dropped without a match")
	}

	got = s.scrubEcho([]byte("make test\nok\n"))
	if string(got) != "\x1b[2Kok\n" {
		t.Errorf("late chunk = %q", got)
	}
}

func TestScrubEchoMultipleLines(t *testing.T) {
	s := New("sh", t.TempDir())
	s.hideEcho = [][]byte{[]byte("first"), []byte("second")}

	got := s.scrubEcho([]byte("first\nsecond\nreal output\n"))
	if string(got) != "\x1b[2K\x1b[2Kreal output\n" {
		t.Errorf("scrubbed = %q", got)
	}
}

func TestConsumeExtractsCwdMarker(t *testing.T) {
	s := New("sh", t.TempDir())
	var out []string
	var cwds []string
	s.OnOutput = func(text string) { out = append(out, text) }
	s.OnCwdChange = func(dir string) { cwds = append(cwds, dir) }

	s.consume("done\n\x1b]2025;/home/user/project;\x1b\\$ ")

	if len(cwds) != 1 || cwds[0] != "/home/user/project" {
		t.Errorf("cwd events = %v", cwds)
	}
	if s.Cwd() != "/home/user/project" {
		t.Errorf("Cwd() = %q", s.Cwd())
	}
	joined := strings.Join(out, "")
	if strings.Contains(joined, "2025") {
		t.Errorf("marker leaked into output: %q", joined)
	}
	if joined != "done\n$ " {
		t.Errorf("output = %q", joined)
	}
}

func TestConsumeMarkerSplitAcrossChunks(t *testing.T) {
	s := New("sh", t.TempDir())
	var cwds []string
	s.OnCwdChange = func(dir string) { cwds = append(cwds, dir) }

	s.consume("out\x1b]2025;/ho")
	if len(cwds) != 0 {
		t.Fatalf("cwd reported from partial marker: %v", cwds)
	}
	s.consume("me;\x1b\\more")

	if len(cwds) != 1 || cwds[0] != "/home" {
		t.Errorf("cwd events = %v", cwds)
	}
}

func TestConsumeRepeatedCwdNoDuplicateEvents(t *testing.T) {
	s := New("sh", t.TempDir())
	var cwds []string
	s.OnCwdChange = func(dir string) { cwds = append(cwds, dir) }

	s.consume("\x1b]2025;/a;\x1b\\")
	s.consume("\x1b]2025;/a;\x1b\\")
	s.consume("\x1b]2025;/b;\x1b\\")

	if len(cwds) != 2 || cwds[0] != "/a" || cwds[1] != "/b" {
		t.Errorf("cwd events = %v, want [/a /b]", cwds)
	}
}

func TestConsumeHiddenOutput(t *testing.T) {
	s := New("sh", t.TempDir())
	var out []string
	s.OnOutput = func(text string) { out = append(out, text) }

	s.hideOutput = true
	s.consume("secret setup noise\n")
	if len(out) != 0 {
		t.Errorf("hidden output surfaced: %v", out)
	}

	s.hideOutput = false
	s.consume("visible\n")
	if len(out) != 1 || out[0] != "visible\n" {
		t.Errorf("output = %v", out)
	}
}

func TestConsumeTracksBracketedPaste(t *testing.T) {
	s := New("sh", t.TempDir())

	s.consume("\x1b[?2004h")
	if !s.bracketedPaste {
		t.Error("bracketed paste not enabled")
	}
	s.consume("\x1b[?2004l")
	if s.bracketedPaste {
		t.Error("bracketed paste not disabled")
	}
}
