// Package shell supervises an interactive shell running under a pty. It
// spawns the user's shell, feeds decoded output to a virtual terminal and
// the UI surface, suppresses the echo of injected commands, and watches
// for cwd markers so the conversation can follow directory changes.
package shell

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/vito/midterm"

	"parley/internal/activitylog"
)

// eraseLine replaces a scrubbed echo so the emulator clears any partial
// render of it.
const eraseLine = "\x1b[2K"

// cwdMarker delimiters. Send appends a printf that emits the shell's cwd
// wrapped in this private OSC sequence; the read loop strips it back out.
const (
	cwdMarkerPrefix = "\x1b]2025;"
	cwdMarkerSuffix = "\x1b\\"
)

// cwdMarkerCommand is the shell fragment appended to every injected
// command so the supervisor learns the directory it landed in.
const cwdMarkerCommand = `printf "\e]2025;$(pwd);\e\\"`

// Bracketed paste toggles, watched in the output stream.
const (
	bracketedPasteOn  = "\x1b[?2004h"
	bracketedPasteOff = "\x1b[?2004l"
)

// Supervisor owns one shell process under a pty. Configure the exported
// fields before Start; the On* callbacks are invoked from the read loop
// goroutine.
type Supervisor struct {
	// Shell is the shell command. Empty means $SHELL, falling back to sh.
	Shell string
	// Dir is the shell's starting directory.
	Dir string
	// Startup is an optional script written to the shell once it is up.
	Startup string
	// HideStartup suppresses the startup script's output.
	HideStartup bool
	// Log records shell lifecycle events. Never nil after New.
	Log *activitylog.Logger

	// OscFg and OscBg, when set, answer OSC 10/11 color queries from
	// programs in the shell (X11 rgb: format).
	OscFg string
	OscBg string

	// OnOutput receives decoded output after echo scrubbing and marker
	// extraction. Not called while output is hidden.
	OnOutput func(text string)
	// OnCwdChange fires when a cwd marker reports a new directory.
	OnCwdChange func(dir string)
	// OnFinished fires once, when the shell exits and the pty drains.
	OnFinished func()

	mu             sync.Mutex
	ptm            *os.File
	cmd            *exec.Cmd
	vt             *midterm.Terminal
	ready          chan struct{}
	started        bool
	finished       bool
	hideEcho       [][]byte
	hideOutput     bool
	bracketedPaste bool
	markerCarry    string
	cwd            string
	decoder        streamDecoder
}

// New creates a supervisor for the given shell command and directory.
func New(shellCmd, dir string) *Supervisor {
	if shellCmd == "" {
		shellCmd = os.Getenv("SHELL")
	}
	if shellCmd == "" {
		shellCmd = "sh"
	}
	return &Supervisor{
		Shell: shellCmd,
		Dir:   dir,
		Log:   activitylog.Nop(),
		ready: make(chan struct{}),
	}
}

// Start spawns the shell under a pty of the given size and begins reading
// its output. The optional startup script is written immediately, with its
// output hidden when HideStartup is set.
func (s *Supervisor) Start(rows, cols int) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("shell: already started")
	}
	s.started = true
	s.cwd = s.Dir
	s.mu.Unlock()

	cmd := exec.Command(s.Shell)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"FORCE_COLOR=1",
		"CLICOLOR=1",
		"PARLEY=1",
	)

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	s.mu.Lock()
	s.ptm = ptm
	s.cmd = cmd
	s.vt = midterm.NewTerminal(rows, cols)
	s.hideOutput = false
	s.mu.Unlock()

	s.Log.ShellEvent("started", s.Shell)
	close(s.ready)
	go s.readLoop()

	if script := strings.TrimSpace(s.Startup); script != "" {
		s.write([]byte(script+"\n"), false, s.HideStartup)
	}
	return nil
}

// Ready returns a channel closed once the shell is up.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// Finished reports whether the shell has exited.
func (s *Supervisor) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Cwd returns the shell's current directory as last reported by a marker.
func (s *Supervisor) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// Terminal returns the emulator fed by the read loop, with the mutex that
// guards it. Callers lock around any read of the screen state.
func (s *Supervisor) Terminal() (*midterm.Terminal, *sync.Mutex) {
	return s.vt, &s.mu
}

// Send injects a command into the shell: resizes the pty, appends the cwd
// marker printf and registers the command's echo for suppression. Blocks
// until the shell is ready.
func (s *Supervisor) Send(command string, rows, cols int) error {
	<-s.ready
	s.Resize(rows, cols)
	line := command + ";" + cwdMarkerCommand + "\n"
	_, err := s.write([]byte(line), true, false)
	return err
}

// SendInput writes free-form input to the shell, with echo suppressed.
// Pasted text is wrapped in bracketed paste markers when the application
// in the shell has bracketed paste enabled.
func (s *Supervisor) SendInput(text string, paste bool) error {
	<-s.ready
	s.mu.Lock()
	bracketed := paste && s.bracketedPaste
	s.mu.Unlock()
	if bracketed {
		text = "\x1b[200~" + text + "\x1b[201~"
	}
	_, err := s.write([]byte(text+"\n"), true, false)
	return err
}

// Interrupt sends ETX to the foreground process group.
func (s *Supervisor) Interrupt() error {
	_, err := s.write([]byte{0x03}, false, false)
	return err
}

// Resize updates the pty and emulator dimensions. Errors after the shell
// has exited are ignored.
func (s *Supervisor) Resize(rows, cols int) {
	if rows < 1 {
		rows = 1
	}
	s.mu.Lock()
	ptm := s.ptm
	if s.vt != nil {
		s.vt.Resize(rows, cols)
	}
	s.mu.Unlock()
	if ptm != nil {
		pty.Setsize(ptm, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}) //nolint:errcheck
	}
}

// Busy reports whether a command is running in the shell, probed through
// the process tree: a shell with child processes is busy, an idle prompt
// has none. Best effort; probe failure reads as idle.
func (s *Supervisor) Busy() bool {
	s.mu.Lock()
	cmd := s.cmd
	finished := s.finished
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil || finished {
		return false
	}
	pid := cmd.Process.Pid
	if busy, ok := procHasChildren(pid); ok {
		return busy
	}
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		// pgrep exits non-zero when there are no children.
		return false
	}
	return len(bytes.TrimSpace(out)) > 0
}

// procHasChildren checks /proc for child processes of pid. ok is false
// when /proc is unavailable and the caller should fall back to pgrep.
func procHasChildren(pid int) (busy, ok bool) {
	pattern := fmt.Sprintf("/proc/%d/task/*/children", pid)
	paths, err := filepath.Glob(pattern)
	if err != nil || len(paths) == 0 {
		return false, false
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if len(bytes.TrimSpace(data)) > 0 {
			return true, true
		}
	}
	return false, true
}

// Close kills the shell process and closes the pty master.
func (s *Supervisor) Close() {
	s.mu.Lock()
	ptm := s.ptm
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill() //nolint:errcheck
	}
	if ptm != nil {
		ptm.Close()
	}
}

// write sends bytes to the pty master. hideEcho registers each non-empty
// line of the payload for one-shot scrubbing from the output stream;
// hideOutput sets whether subsequent output is shown. Writes after the
// shell exits are no-ops.
func (s *Supervisor) write(data []byte, hideEcho, hideOutput bool) (int, error) {
	s.mu.Lock()
	ptm := s.ptm
	if ptm == nil || s.finished {
		s.mu.Unlock()
		return 0, nil
	}
	if hideEcho {
		for _, line := range bytes.Split(data, []byte("\n")) {
			if len(line) > 0 {
				s.hideEcho = append(s.hideEcho, append([]byte(nil), line...))
			}
		}
	}
	s.hideOutput = hideOutput
	s.mu.Unlock()

	n, err := ptm.Write(data)
	if err != nil {
		// The shell may have exited between the check and the write.
		return 0, nil
	}
	return n, err
}

// readLoop drains the pty master until the shell exits: scrub registered
// echo, decode incrementally, extract cwd markers, feed the emulator and
// the output callback.
func (s *Supervisor) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := s.ptm.Read(buf)
		if n > 0 {
			s.respondOSCColors(buf[:n])
			data := s.scrubEcho(append([]byte(nil), buf[:n]...))
			if text := s.decoder.decode(data); text != "" {
				s.consume(text)
			}
		}
		if err != nil {
			break
		}
	}
	if tail := s.decoder.flush(); tail != "" {
		s.consume(tail)
	}

	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.Log.ShellEvent("finished", "")
	if s.OnFinished != nil {
		s.OnFinished()
	}
}

// respondOSCColors answers OSC 10/11 color queries from the shell's
// programs with the configured palette.
func (s *Supervisor) respondOSCColors(data []byte) {
	if s.OscFg != "" && bytes.Contains(data, []byte("\x1b]10;?")) {
		fmt.Fprintf(s.ptm, "\x1b]10;%s\x1b\\", s.OscFg)
	}
	if s.OscBg != "" && bytes.Contains(data, []byte("\x1b]11;?")) {
		fmt.Fprintf(s.ptm, "\x1b]11;%s\x1b\\", s.OscBg)
	}
}

// scrubEcho removes registered echo lines from the chunk, each exactly
// once. A matched line is replaced with an erase-line sequence; when the
// echo's trailing newline is in the same chunk everything through it goes.
func (s *Supervisor) scrubEcho(data []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.hideEcho) == 0 {
		return data
	}
	remaining := s.hideEcho[:0]
	for _, line := range s.hideEcho {
		start := bytes.Index(data, line)
		if start < 0 {
			remaining = append(remaining, line)
			continue
		}
		next := bytes.IndexByte(data[start+len(line):], '\n')
		if next < 0 {
			data = bytes.Replace(data, line, []byte(eraseLine), 1)
		} else {
			end := start + len(line) + next + 1
			data = append(append(data[:start:start], eraseLine...), data[end:]...)
		}
	}
	s.hideEcho = remaining
	return data
}

// consume applies decoded output: cwd markers come out of the stream and
// fire OnCwdChange, bracketed-paste toggles are tracked, and what remains
// feeds the emulator and, unless hidden, OnOutput.
func (s *Supervisor) consume(text string) {
	s.mu.Lock()
	if s.markerCarry != "" {
		text = s.markerCarry + text
		s.markerCarry = ""
	}
	s.mu.Unlock()

	var cwds []string
	text, cwds = s.extractMarkers(text)

	if strings.Contains(text, bracketedPasteOn) || strings.Contains(text, bracketedPasteOff) {
		s.mu.Lock()
		s.bracketedPaste = strings.LastIndex(text, bracketedPasteOn) > strings.LastIndex(text, bracketedPasteOff)
		s.mu.Unlock()
	}

	for _, dir := range cwds {
		s.mu.Lock()
		changed := dir != "" && dir != s.cwd
		if changed {
			s.cwd = dir
		}
		s.mu.Unlock()
		if changed {
			s.Log.ShellEvent("cwd", dir)
			if s.OnCwdChange != nil {
				s.OnCwdChange(dir)
			}
		}
	}

	if text == "" {
		return
	}
	s.mu.Lock()
	hidden := s.hideOutput
	if s.vt != nil {
		s.vt.Write([]byte(text)) //nolint:errcheck
	}
	s.mu.Unlock()
	if !hidden && s.OnOutput != nil {
		s.OnOutput(text)
	}
}

// extractMarkers strips complete cwd markers from text and returns the
// reported directories in order. An incomplete marker at the tail is held
// back until the rest of it arrives.
func (s *Supervisor) extractMarkers(text string) (string, []string) {
	var cwds []string
	for {
		start := strings.Index(text, cwdMarkerPrefix)
		if start < 0 {
			return text, cwds
		}
		rest := text[start+len(cwdMarkerPrefix):]
		end := strings.Index(rest, cwdMarkerSuffix)
		if end < 0 {
			s.mu.Lock()
			s.markerCarry = text[start:]
			s.mu.Unlock()
			return text[:start], cwds
		}
		payload := strings.TrimSuffix(rest[:end], ";")
		cwds = append(cwds, payload)
		text = text[:start] + rest[end+len(cwdMarkerSuffix):]
	}
}
