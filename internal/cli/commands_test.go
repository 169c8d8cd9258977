package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/console"
	"github.com/energizer-project/courier/internal/events"
	"github.com/energizer-project/courier/internal/fetch"
	"github.com/energizer-project/courier/internal/transport/transporttest"
)

func newCLI(t *testing.T) (*CLI, *events.EventBus) {
	t.Helper()
	cfg := config.DefaultConfig()
	td := cfg.GetTransferData()
	td.DownloadDirectory = t.TempDir()
	cfg.SetTransferData(td)
	bus := events.NewEventBus()
	mgr := fetch.NewManager(cfg, bus, transporttest.New())
	return NewCLI(bus, console.New(cfg, bus, mgr, nil, "test")), bus
}

func TestHandleLine(t *testing.T) {
	c, _ := newCLI(t)
	var out bytes.Buffer

	if c.handleLine(context.Background(), &out, "   ") || out.Len() != 0 {
		t.Fatalf("Unexpected output for a blank line %q", out.String())
	}
	if c.handleLine(context.Background(), &out, "bogus arg") {
		t.Fatalf("Unexpected stop on an unknown command")
	}
	if !strings.Contains(out.String(), "Unknown command: 'bogus'") {
		t.Fatalf("Unexpected output %q", out.String())
	}

	out.Reset()
	c.handleLine(context.Background(), &out, "cancel 9")
	if !strings.HasPrefix(out.String(), "Error: ") {
		t.Fatalf("Unexpected output %q", out.String())
	}
}

func TestQuitEmitsShutdown(t *testing.T) {
	// Arrange
	c, bus := newCLI(t)
	got := make(chan events.Event, 1)
	bus.Subscribe(events.EventShutdown, "test", func(ctx context.Context, e events.Event) error {
		got <- e
		return nil
	})
	var out bytes.Buffer

	// Act
	stop := c.handleLine(context.Background(), &out, "QUIT")

	// Assert
	if !stop {
		t.Fatalf("Unexpected: quit did not stop the CLI")
	}
	select {
	case e := <-got:
		if e.Source != "cli" {
			t.Fatalf("Unexpected source %q", e.Source)
		}
	case <-time.After(time.Second):
		t.Fatalf("Unexpected: no shutdown event")
	}
}

func TestCommandNames(t *testing.T) {
	names := map[string]bool{}
	for _, name := range commandNames() {
		names[name] = true
	}
	for _, want := range []string{"quit", "fetch", "setconfig", "history"} {
		if !names[want] {
			t.Fatalf("Unexpected command names, missing %q in %v", want, names)
		}
	}
}
