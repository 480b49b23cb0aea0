package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"parley/internal/acp"
	"parley/internal/activitylog"
	"parley/internal/agent"
	"parley/internal/config"
	"parley/internal/shell"
	"parley/internal/termtool"
)

func newRunCmd() *cobra.Command {
	var agentName string
	var rawCommand string
	var project string
	var printPrompt string
	var wireLog bool

	cmd := &cobra.Command{
		Use:   "run [--agent=<name>] [--project=<dir>] [-p <prompt>]",
		Short: "Start a conversation with an agent",
		Long: `Start an ACP session with the named agent and converse interactively.

Plain input is sent to the agent as a prompt. Lines starting with ! run in
the shell panel. /cancel stops the current turn, /mode switches the agent
mode, /quit exits. With -p, send a single prompt and exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			command := rawCommand
			if command == "" {
				entry, err := cfg.Agent(agentName)
				if err != nil {
					return err
				}
				command = entry.Run
			}

			root, err := filepath.Abs(project)
			if err != nil {
				return fmt.Errorf("resolve project dir: %w", err)
			}

			c := &conversation{
				cfg:     cfg,
				command: command,
				root:    root,
				out:     termenv.NewOutput(os.Stdout),
				wireLog: wireLog || cfg.WireLog,
			}
			if printPrompt != "" {
				return c.runOnce(cmd.Context(), printPrompt)
			}
			if !isatty.IsTerminal(os.Stdin.Fd()) {
				return fmt.Errorf("interactive mode needs a terminal; use -p to send a single prompt")
			}
			return c.runInteractive(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&agentName, "agent", "claude", "Agent name from the registry")
	cmd.Flags().StringVar(&rawCommand, "command", "", "Raw agent command (overrides --agent)")
	cmd.Flags().StringVar(&project, "project", ".", "Project root directory")
	cmd.Flags().StringVarP(&printPrompt, "print", "p", "", "Send one prompt, print the reply and exit")
	cmd.Flags().BoolVar(&wireLog, "wire-log", false, "Record an activity log under ~/.parley/runtime")

	return cmd
}

// conversation holds the wiring of one run invocation: engine, shell panel,
// terminal bridge and the printing state shared by their callbacks.
type conversation struct {
	cfg     *config.Config
	command string
	root    string
	out     *termenv.Output
	wireLog bool

	printMu sync.Mutex

	permitMu sync.Mutex
	permit   *agent.PermissionRequest

	// sh is the live shell supervisor; replaced when the shell exits.
	sh *shell.Supervisor
}

func (c *conversation) printf(format string, args ...any) {
	c.printMu.Lock()
	defer c.printMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// newEngine builds an engine with the conversation's callbacks attached.
func (c *conversation) newEngine(log *activitylog.Logger, terminals *termtool.Manager, failed chan<- error) *agent.Engine {
	e := agent.New(c.command, c.root)
	e.Log = log
	e.CallTimeout = time.Duration(c.cfg.RPCTimeout)
	e.Terminals = terminals
	if c.wireLog {
		e.WireTrace = log.Wire
	}

	e.OnMessageChunk = func(text string, begin bool) {
		if begin {
			c.printf("\n")
		}
		c.printf("%s", text)
	}
	e.OnThoughtChunk = func(text string, begin bool) {
		if begin {
			c.printf("\n")
		}
		c.printf("%s", c.out.String(text).Faint().Italic())
	}
	e.OnToolCall = func(tc acp.ToolCall) {
		c.printf("\n%s\n", c.out.String("• "+toolCallLabel(tc)).Faint())
	}
	e.OnToolCallUpdate = func(tc acp.ToolCall) {
		c.printf("%s\n", c.out.String("  "+toolCallLabel(tc)).Faint())
	}
	e.OnPlan = func(entries []acp.PlanEntry) {
		c.printf("\n%s\n", c.out.String("Plan:").Bold())
		for _, entry := range entries {
			c.printf("  [%s] %s\n", entry.Status, entry.Content)
		}
	}
	e.OnModeChange = func(modeID string) {
		c.printf("\n%s\n", c.out.String("mode: "+modeID).Faint())
	}
	e.OnAdvisory = func(text string) {
		c.printf("\n%s\n", c.out.String(text).Foreground(termenv.ANSIYellow))
	}
	e.OnFailure = func(err error) {
		c.printf("\n%s\n", c.out.String(err.Error()).Foreground(termenv.ANSIRed))
		select {
		case failed <- err:
		default:
		}
	}
	e.OnPermission = c.askPermission
	return e
}

func toolCallLabel(tc acp.ToolCall) string {
	label := tc.Title
	if label == "" {
		label = tc.ToolCallID
	}
	if tc.Status != "" {
		label += " [" + tc.Status + "]"
	}
	return label
}

// askPermission prints the request's options and parks it until the input
// loop answers.
func (c *conversation) askPermission(req *agent.PermissionRequest) {
	c.permitMu.Lock()
	if c.permit != nil {
		// One pending request at a time; a second one is refused rather
		// than queued.
		c.permitMu.Unlock()
		req.Cancel()
		return
	}
	c.permit = req
	c.permitMu.Unlock()

	title := req.Title
	if title == "" {
		title = "The agent requests permission"
	}
	c.printf("\n%s\n", c.out.String(title).Bold().Foreground(termenv.ANSIYellow))
	for i, opt := range req.Options {
		c.printf("  %d. %s\n", i+1, opt.Name)
	}
	c.printf("%s\n", c.out.String("Choose a number (empty to refuse):").Faint())
}

// answerPermission consumes one input line as the answer to the pending
// request. Reports whether a request was pending.
func (c *conversation) answerPermission(line string) bool {
	c.permitMu.Lock()
	req := c.permit
	c.permit = nil
	c.permitMu.Unlock()
	if req == nil {
		return false
	}

	choice := strings.TrimSpace(line)
	if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= len(req.Options) {
		req.Resolve(req.Options[n-1].OptionID)
		return true
	}
	for _, opt := range req.Options {
		if choice == opt.OptionID {
			req.Resolve(opt.OptionID)
			return true
		}
	}
	req.Cancel()
	return true
}

// runOnce sends a single prompt and exits. Permission requests are
// refused: there is nobody to ask.
func (c *conversation) runOnce(ctx context.Context, prompt string) error {
	log, cleanup, err := c.newLogger()
	if err != nil {
		return err
	}
	defer cleanup()

	terminals := termtool.NewManager(c.root)
	terminals.Log = log
	failed := make(chan error, 1)
	e := c.newEngine(log, terminals, failed)
	e.OnPermission = nil

	if err := e.Start(ctx); err != nil {
		return err
	}
	defer func() {
		e.Close()
		terminals.ReleaseAll()
	}()

	if _, err := e.Prompt(ctx, prompt); err != nil {
		return err
	}
	c.printf("\n")
	return nil
}

// runInteractive is the main conversation loop.
func (c *conversation) runInteractive(ctx context.Context) error {
	log, cleanup, err := c.newLogger()
	if err != nil {
		return err
	}
	defer cleanup()

	terminals := termtool.NewManager(c.root)
	terminals.Log = log
	failed := make(chan error, 1)
	e := c.newEngine(log, terminals, failed)

	c.printf("Starting %s in %s\n", c.command, c.root)
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer func() {
		e.Close()
		terminals.ReleaseAll()
	}()

	c.sh = c.newShell(log)
	if err := c.sh.Start(c.termSize()); err != nil {
		return fmt.Errorf("start shell: %w", err)
	}
	// Through the pointer: ensureShell may have swapped in a replacement.
	defer func() { c.sh.Close() }()

	if methods := e.AuthMethods(); len(methods) > 0 {
		c.printf("%s\n", c.out.String(
			"The agent advertises authentication methods; run its own auth flow if prompts fail.").Faint())
	}
	if modes, current := e.Modes(); len(modes) > 0 {
		c.printf("%s\n", c.out.String(fmt.Sprintf("mode: %s (switch with /mode)", current)).Faint())
	}

	turnDone := make(chan struct{}, 1)
	scanner := bufio.NewScanner(os.Stdin)
	c.prompt()
	for scanner.Scan() {
		line := scanner.Text()

		select {
		case err := <-failed:
			return err
		default:
		}

		if c.answerPermission(line) {
			continue
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case trimmed == "/quit" || trimmed == "/exit":
			return nil
		case trimmed == "/cancel":
			if err := e.Cancel(ctx); err != nil {
				c.printf("%s\n", err)
			}
		case trimmed == "/modes":
			modes, current := e.Modes()
			for _, m := range modes {
				marker := " "
				if m.ID == current {
					marker = "*"
				}
				c.printf("%s %s — %s\n", marker, m.ID, m.Name)
			}
		case strings.HasPrefix(trimmed, "/mode "):
			if err := e.SetMode(ctx, strings.TrimSpace(strings.TrimPrefix(trimmed, "/mode"))); err != nil {
				c.printf("%s\n", err)
			}
		case trimmed == "/help":
			c.printHelp()
		case strings.HasPrefix(trimmed, "!"):
			c.ensureShell(log)
			rows, cols := c.termSize()
			if err := c.sh.Send(strings.TrimPrefix(trimmed, "!"), rows, cols); err != nil {
				c.printf("shell: %s\n", err)
			}
		case e.TurnActive():
			c.printf("%s\n", c.out.String("A turn is in progress (/cancel to stop it).").Faint())
		default:
			go func(text string) {
				if _, err := e.Prompt(ctx, text); err != nil {
					c.printf("\n%s\n", c.out.String(err.Error()).Foreground(termenv.ANSIRed))
				}
				turnDone <- struct{}{}
			}(trimmed)
			// Stay on the scanner so permission answers and /cancel keep
			// working during the turn; the prompt reappears when it ends.
			go func() {
				<-turnDone
				c.prompt()
			}()
			continue
		}
		c.prompt()
	}
	return scanner.Err()
}

func (c *conversation) prompt() {
	c.printf("%s", c.out.String("\n> ").Bold())
}

func (c *conversation) printHelp() {
	c.printf(`/cancel       stop the current turn
/mode <id>    switch the agent mode
/modes        list available modes
!<command>    run a command in the shell panel
/quit         exit
`)
}

// newShell builds a shell supervisor with the conversation's settings and
// the detected terminal palette.
func (c *conversation) newShell(log *activitylog.Logger) *shell.Supervisor {
	sh := shell.New(c.cfg.Shell.Program, c.root)
	sh.Startup = c.cfg.Shell.Start
	sh.HideStartup = c.cfg.Shell.HideStartOutput()
	sh.Log = log
	sh.OscFg, sh.OscBg, _ = detectTerminalColorHints()
	sh.OnOutput = func(text string) { c.printf("%s", text) }
	sh.OnCwdChange = func(dir string) {
		c.printf("\n%s\n", c.out.String("shell cwd: "+dir).Faint())
	}
	return sh
}

// ensureShell replaces a finished supervisor with a fresh one so a shell
// that exited does not end the conversation. The finished supervisor is
// closed so its pty master does not leak across restarts.
func (c *conversation) ensureShell(log *activitylog.Logger) {
	if !c.sh.Finished() {
		return
	}
	next := c.newShell(log)
	if err := next.Start(c.termSize()); err != nil {
		c.printf("restart shell: %s\n", err)
		return
	}
	c.sh.Close()
	c.sh = next
}

func (c *conversation) termSize() (rows, cols int) {
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || rows < 1 || cols < 1 {
		return 24, 80
	}
	return rows, cols
}

// newLogger opens the activity log under the locked runtime directory when
// wire logging is on; otherwise it returns a no-op logger.
func (c *conversation) newLogger() (*activitylog.Logger, func(), error) {
	if !c.wireLog {
		return activitylog.Nop(), func() {}, nil
	}
	dir, err := config.RuntimeDir()
	if err != nil {
		return nil, nil, err
	}
	lock, err := config.AcquireInstanceLock(dir)
	if err != nil {
		return nil, nil, err
	}
	log := activitylog.New(true, filepath.Join(dir, "activity.jsonl"), "parley", "")
	cleanup := func() {
		log.Close()
		lock.Release() //nolint:errcheck
	}
	return log, cleanup, nil
}
