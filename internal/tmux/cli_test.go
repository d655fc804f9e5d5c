package tmux

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeTmux writes a shell script to a temp dir and points a CLIGateway at
// it, so the real run/parse paths are exercised end to end.
func fakeTmux(t *testing.T, script string) *CLIGateway {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tmux")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write fake tmux: %v", err)
	}
	g := NewCLIGateway(nil)
	g.bin = path
	return g
}

func TestListSessions_ParsesTabDelimitedOutput(t *testing.T) {
	g := fakeTmux(t, `printf 'work\t1\t3\ndev\t0\t1\n'`)

	sessions, err := g.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d: %+v", len(sessions), sessions)
	}
	if sessions[0].Name != "work" || !sessions[0].Attached || sessions[0].Windows != 3 {
		t.Fatalf("unexpected first session: %+v", sessions[0])
	}
	if sessions[1].Name != "dev" || sessions[1].Attached || sessions[1].Windows != 1 {
		t.Fatalf("unexpected second session: %+v", sessions[1])
	}
}

func TestListSessions_NoServerIsEmpty(t *testing.T) {
	g := fakeTmux(t, `echo 'no server running on /tmp/tmux-1000/default' >&2; exit 1`)

	sessions, err := g.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("expected no-server normalized to empty, got %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected empty sequence, got %+v", sessions)
	}
}

func TestListWindows_ParsesFields(t *testing.T) {
	g := fakeTmux(t, `printf '0\tmain\t1\t2\n1\tlogs\t0\t1\n'`)

	windows, err := g.ListWindows(context.Background(), "work")
	if err != nil {
		t.Fatalf("ListWindows: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if windows[0].Name != "main" || !windows[0].Active || windows[0].PaneCount != 2 {
		t.Fatalf("unexpected first window: %+v", windows[0])
	}
	if windows[1].Index != 1 || windows[1].Active {
		t.Fatalf("unexpected second window: %+v", windows[1])
	}
}

func TestListPanes_ParsesZoomAndDimensions(t *testing.T) {
	g := fakeTmux(t, `printf '0\t%%3\tvim\t1\t80x24\t1\n1\t%%4\tzsh\t0\t120x40\t0\n'`)

	panes, err := g.ListPanes(context.Background(), "work", 0)
	if err != nil {
		t.Fatalf("ListPanes: %v", err)
	}
	if len(panes) != 2 {
		t.Fatalf("expected 2 panes, got %d", len(panes))
	}
	if panes[0].ID != "%3" || panes[0].CurrentCommand != "vim" || !panes[0].Active || !panes[0].Zoomed {
		t.Fatalf("unexpected first pane: %+v", panes[0])
	}
	if panes[0].Width != 80 || panes[0].Height != 24 {
		t.Fatalf("unexpected first pane dimensions: %+v", panes[0])
	}
	if panes[1].Width != 120 || panes[1].Height != 40 || panes[1].Zoomed {
		t.Fatalf("unexpected second pane: %+v", panes[1])
	}
}

func TestCreateGroupedSession_ArgumentVector(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	g := fakeTmux(t, `echo "$@" > `+argsFile)

	if err := g.CreateGroupedSession(context.Background(), "tmux-mobile-client-x", "base"); err != nil {
		t.Fatalf("CreateGroupedSession: %v", err)
	}
	argv, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	want := "new-session -d -s tmux-mobile-client-x -t base"
	if got := strings.TrimSpace(string(argv)); got != want {
		t.Fatalf("expected argv %q, got %q", want, got)
	}
}

func TestRun_WrapsStderrOnFailure(t *testing.T) {
	g := fakeTmux(t, `echo "can't find session: nope" >&2; exit 1`)

	err := g.KillSession(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error from failing command")
	}
	if !strings.Contains(err.Error(), "can't find session") {
		t.Fatalf("expected stderr in wrapped error, got %v", err)
	}
}

func TestIsPaneZoomed_ParsesFlag(t *testing.T) {
	g := fakeTmux(t, `echo 1`)

	zoomed, err := g.IsPaneZoomed(context.Background(), "%3")
	if err != nil {
		t.Fatalf("IsPaneZoomed: %v", err)
	}
	if !zoomed {
		t.Fatal("expected zoomed true for flag 1")
	}
}

func TestCapturePane_ReturnsOutput(t *testing.T) {
	g := fakeTmux(t, `printf 'line one\nline two\n'`)

	text, err := g.CapturePane(context.Background(), "%3", 100)
	if err != nil {
		t.Fatalf("CapturePane: %v", err)
	}
	if text != "line one\nline two\n" {
		t.Fatalf("unexpected capture text: %q", text)
	}
}

func TestParseWxH_Malformed(t *testing.T) {
	w, h := parseWxH("notadimension")
	if w != 0 || h != 0 {
		t.Fatalf("expected zero values for malformed input, got %d, %d", w, h)
	}
}

func TestSplitLines_IgnoresBlankLines(t *testing.T) {
	lines := splitLines("a\tb\n\nc\td\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(lines), lines)
	}
}

func TestStrippedEnv_RemovesMultiplexerVars(t *testing.T) {
	t.Setenv("TMUX", "/tmp/tmux-1000/default,1234,0")
	t.Setenv("TMUX_PANE", "%5")
	t.Setenv("UNRELATED", "keep-me")

	env := strippedEnv()
	for _, kv := range env {
		if strings.HasPrefix(kv, "TMUX=") || strings.HasPrefix(kv, "TMUX_PANE=") {
			t.Fatalf("expected multiplexer env vars stripped, found %q", kv)
		}
	}

	found := false
	for _, kv := range env {
		if kv == "UNRELATED=keep-me" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected unrelated env var to survive stripping")
	}
}
