package termtool

import (
	"context"
	"strings"
	"testing"
	"time"

	"parley/internal/acp"
)

func int64Ptr(n int64) *int64 { return &n }

func TestCreateAndWaitForExit(t *testing.T) {
	m := NewManager(t.TempDir())
	id, err := m.Create(context.Background(), acp.CreateTerminalRequest{
		Command: "sh",
		Args:    []string{"-c", "echo hello from terminal"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := m.WaitForExit(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status.ExitCode == nil || *status.ExitCode != 0 {
		t.Errorf("exit status = %+v, want exit code 0", status)
	}

	// Output capture races the last pty read; poll briefly.
	deadline := time.Now().Add(5 * time.Second)
	for {
		out, err := m.Output(id)
		if err != nil {
			t.Fatalf("output: %v", err)
		}
		if strings.Contains(out.Output, "hello from terminal") {
			if out.Truncated {
				t.Error("short output reported truncated")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("output never captured: %q", out.Output)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNonZeroExitCode(t *testing.T) {
	m := NewManager(t.TempDir())
	id, err := m.Create(context.Background(), acp.CreateTerminalRequest{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	status, err := m.WaitForExit(context.Background(), id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status.ExitCode == nil || *status.ExitCode != 3 {
		t.Errorf("exit status = %+v, want exit code 3", status)
	}
}

func TestOutputByteLimitKeepsTail(t *testing.T) {
	m := NewManager(t.TempDir())
	id, err := m.Create(context.Background(), acp.CreateTerminalRequest{
		Command:         "sh",
		Args:            []string{"-c", "i=0; while [ $i -lt 200 ]; do echo line-$i; i=$((i+1)); done; echo LAST"},
		OutputByteLimit: int64Ptr(256),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.WaitForExit(context.Background(), id); err != nil {
		t.Fatalf("wait: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		out, err := m.Output(id)
		if err != nil {
			t.Fatalf("output: %v", err)
		}
		if strings.Contains(out.Output, "LAST") {
			if !out.Truncated {
				t.Error("overflowing output not marked truncated")
			}
			if len(out.Output) > 256 {
				t.Errorf("output length = %d, want <= limit", len(out.Output))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tail of output never captured")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestKillReportsSignal(t *testing.T) {
	m := NewManager(t.TempDir())
	id, err := m.Create(context.Background(), acp.CreateTerminalRequest{
		Command: "sleep",
		Args:    []string{"60"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Kill(id); err != nil {
		t.Fatalf("kill: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := m.WaitForExit(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status.Signal == nil {
		t.Errorf("status = %+v, want a signal", status)
	}
}

func TestReleaseForgetsTerminal(t *testing.T) {
	m := NewManager(t.TempDir())
	id, err := m.Create(context.Background(), acp.CreateTerminalRequest{
		Command: "sleep",
		Args:    []string{"60"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Release(id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Output(id); err == nil || !strings.Contains(err.Error(), "no terminal with id") {
		t.Errorf("output after release = %v, want no-terminal error", err)
	}
	if err := m.Release(id); err == nil {
		t.Error("second release succeeded, want error")
	}
	if err := m.Kill(id); err == nil {
		t.Error("kill after release succeeded, want error")
	}
}

func TestUnknownID(t *testing.T) {
	m := NewManager(t.TempDir())
	if _, err := m.Output("nope"); err == nil || !strings.Contains(err.Error(), "no terminal with id") {
		t.Errorf("error = %v", err)
	}
}

func TestReleaseAll(t *testing.T) {
	m := NewManager(t.TempDir())
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Create(context.Background(), acp.CreateTerminalRequest{
			Command: "sleep",
			Args:    []string{"60"},
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, id)
	}

	m.ReleaseAll()
	for _, id := range ids {
		if _, err := m.Output(id); err == nil {
			t.Errorf("terminal %s survived ReleaseAll", id)
		}
	}
}
