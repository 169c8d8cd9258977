// Package cli implements the interactive operator console: a readline
// prompt with tab completion on top of the shared command dispatcher.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/liangmanlin/readline"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/internal/console"
	"github.com/energizer-project/courier/internal/events"
)

// CLI reads commands from the terminal.
type CLI struct {
	eventBus   *events.EventBus
	dispatcher *console.Dispatcher
}

// NewCLI creates a CLI that runs commands through dispatcher.
func NewCLI(eventBus *events.EventBus, dispatcher *console.Dispatcher) *CLI {
	return &CLI{
		eventBus:   eventBus,
		dispatcher: dispatcher,
	}
}

// commandNames lists what the prompt completes.
func commandNames() []string {
	return append(console.Commands(), "quit")
}

func completer() *readline.PrefixCompleter {
	var items []readline.PrefixCompleterInterface
	for _, name := range commandNames() {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

// Start runs the prompt until the operator quits, stdin closes or ctx is
// done.
func (c *CLI) Start(ctx context.Context) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "courier> ",
		AutoComplete:      completer(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		FuncFilterInputRune: func(r rune) (rune, bool) {
			if r == readline.CharCtrlZ {
				return r, false
			}
			return r, true
		},
	})
	if err != nil {
		log.Warn().Err(err).Msg("CLI: failed to initialize readline, CLI disabled")
		<-ctx.Done()
		return
	}
	defer l.Close()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	fmt.Fprintln(l.Stdout(), "\nCourier CLI ready. Type 'help' for available commands.")

	for {
		line, err := l.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return
			}
			continue
		} else if err != nil {
			return
		}

		if c.handleLine(ctx, l.Stdout(), line) {
			return
		}
	}
}

// handleLine runs one line and reports whether the CLI should stop.
func (c *CLI) handleLine(ctx context.Context, out io.Writer, line string) bool {
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "":
		return false
	case "quit", "exit", "q":
		fmt.Fprintln(out, "Shutting down Courier...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true
	}

	if err := c.dispatcher.Execute(ctx, out, line); err != nil {
		if errors.Is(err, console.ErrUnknownCommand) {
			fmt.Fprintf(out, "Unknown command: '%s'. Type 'help' for available commands.\n", strings.Fields(line)[0])
		} else {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
	}
	return false
}
