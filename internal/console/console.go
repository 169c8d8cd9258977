// Package console implements the operator command set shared by the
// interactive CLI and the webadmin. Every command writes to the sink it is
// given, so concurrent callers never see each other's output.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/db"
	"github.com/energizer-project/courier/internal/events"
	"github.com/energizer-project/courier/internal/fetch"
)

// ErrUnknownCommand is returned for a command name Execute does not know.
var ErrUnknownCommand = errors.New("unknown command")

// HistoryReader is the part of the history ledger the console reads.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]db.TransferRecord, error)
	Stats(ctx context.Context) (db.TransferStats, error)
}

// Dispatcher parses command lines and runs them.
type Dispatcher struct {
	cfg     *config.Config
	bus     *events.EventBus
	fetch   *fetch.Manager
	history HistoryReader
	version string
	started time.Time
}

// New creates a dispatcher. history may be nil when the ledger is disabled.
func New(cfg *config.Config, bus *events.EventBus, mgr *fetch.Manager, history HistoryReader, version string) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		bus:     bus,
		fetch:   mgr,
		history: history,
		version: version,
		started: time.Now(),
	}
}

type command struct {
	name  string
	usage string
	help  string
	run   func(d *Dispatcher, ctx context.Context, out io.Writer, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"help", "help", "Show this help message", (*Dispatcher).cmdHelp},
		{"fetch", "fetch <url> [saveas]", "Start an HTTP GET", (*Dispatcher).cmdFetch},
		{"ftp", "ftp <url> [list|nlst|saveas]", "Start an FTP retrieval or listing", (*Dispatcher).cmdFTP},
		{"list", "list", "List transfers", (*Dispatcher).cmdList},
		{"show", "show <id>", "Show one transfer", (*Dispatcher).cmdShow},
		{"cancel", "cancel <id>", "Cancel an active transfer", (*Dispatcher).cmdCancel},
		{"history", "history [n]", "Show the last n finished transfers", (*Dispatcher).cmdHistory},
		{"patch", "patch", "Check the patch server now", (*Dispatcher).cmdPatch},
		{"status", "status", "Show service status", (*Dispatcher).cmdStatus},
		{"setconfig", "setconfig <key> <value>", "Update a transfer setting", (*Dispatcher).cmdSetConfig},
	}
}

// Commands returns the command names in help order.
func Commands() []string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = c.name
	}
	return names
}

// Execute runs one command line, writing its output to out.
func (d *Dispatcher) Execute(ctx context.Context, out io.Writer, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	name := strings.ToLower(parts[0])
	for _, c := range commands {
		if c.name == name {
			log.Debug().Str("command", name).Msg("console command")
			return c.run(d, ctx, out, parts[1:])
		}
	}
	return fmt.Errorf("%w %q, type 'help' for available commands", ErrUnknownCommand, name)
}

func (d *Dispatcher) cmdHelp(ctx context.Context, out io.Writer, args []string) error {
	fmt.Fprintln(out, "Courier commands:")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-30s %s\n", c.usage, c.help)
	}
	return nil
}

func (d *Dispatcher) cmdFetch(ctx context.Context, out io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: fetch <url> [saveas]")
	}
	spec := fetch.JobSpec{URL: args[0], Method: "GET", Source: "console"}
	if len(args) > 1 {
		spec.SaveAs = args[1]
	}
	return d.submit(out, spec)
}

func (d *Dispatcher) cmdFTP(ctx context.Context, out io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ftp <url> [list|nlst|saveas]")
	}
	url := args[0]
	if !strings.Contains(url, "://") {
		url = "ftp://" + url
	}
	spec := fetch.JobSpec{URL: url, Method: "RETR", Source: "console"}
	if len(args) > 1 {
		switch strings.ToUpper(args[1]) {
		case "LIST", "NLST":
			spec.Method = strings.ToUpper(args[1])
		default:
			spec.SaveAs = args[1]
		}
	}
	return d.submit(out, spec)
}

func (d *Dispatcher) submit(out io.Writer, spec fetch.JobSpec) error {
	id, err := d.fetch.Submit(spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Transfer %d queued: %s %s\n", id, spec.Method, spec.URL)
	return nil
}

func (d *Dispatcher) cmdList(ctx context.Context, out io.Writer, args []string) error {
	jobs := d.fetch.List()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No transfers")
		return nil
	}

	now := time.Now()
	tw := tablewriter.NewWriter(out)
	tw.SetHeader([]string{"ID", "State", "Method", "URL", "Status", "Bytes", "Elapsed"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, j := range jobs {
		status := "-"
		if j.StatusCode != 0 {
			status = strconv.Itoa(j.StatusCode)
		} else if j.Stage != "" {
			status = j.Stage
		}
		tw.Append([]string{
			strconv.FormatUint(j.ID, 10),
			j.State.String(),
			j.Method,
			j.URL,
			status,
			progress(j.Bytes, j.Expected),
			j.Duration(now).Truncate(time.Millisecond).String(),
		})
	}
	tw.Render()
	return nil
}

func (d *Dispatcher) cmdShow(ctx context.Context, out io.Writer, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	j, ok := d.fetch.Get(id)
	if !ok {
		return fmt.Errorf("transfer %d not found", id)
	}

	fmt.Fprintf(out, "  ID:         %d\n", j.ID)
	fmt.Fprintf(out, "  URL:        %s\n", j.URL)
	fmt.Fprintf(out, "  Protocol:   %s\n", j.Protocol)
	fmt.Fprintf(out, "  Method:     %s\n", j.Method)
	fmt.Fprintf(out, "  State:      %s\n", j.State)
	if j.Stage != "" {
		fmt.Fprintf(out, "  Stage:      %s\n", j.Stage)
	}
	if j.StatusCode != 0 {
		fmt.Fprintf(out, "  Status:     %d %s\n", j.StatusCode, j.StatusText)
	}
	fmt.Fprintf(out, "  Bytes:      %s\n", progress(j.Bytes, j.Expected))
	fmt.Fprintf(out, "  Redirects:  %d\n", j.Redirects)
	fmt.Fprintf(out, "  Elapsed:    %s\n", j.Duration(time.Now()).Truncate(time.Millisecond))
	if j.SavedTo != "" {
		fmt.Fprintf(out, "  Saved to:   %s\n", j.SavedTo)
	}
	if j.Error != "" {
		fmt.Fprintf(out, "  Error:      %s\n", j.Error)
	}
	return nil
}

func (d *Dispatcher) cmdCancel(ctx context.Context, out io.Writer, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	if err := d.fetch.Cancel(id); err != nil {
		return fmt.Errorf("transfer %d: %w", id, err)
	}
	fmt.Fprintf(out, "Transfer %d cancelled\n", id)
	return nil
}

func (d *Dispatcher) cmdHistory(ctx context.Context, out io.Writer, args []string) error {
	if d.history == nil {
		return fmt.Errorf("history is not available")
	}
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	records, err := d.history.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No history")
		return nil
	}

	tw := tablewriter.NewWriter(out)
	tw.SetHeader([]string{"When", "Result", "Method", "URL", "Status", "Bytes", "Duration"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, r := range records {
		tw.Append([]string{
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			r.Result,
			r.Method,
			r.URL,
			strconv.Itoa(r.StatusCode),
			strconv.FormatInt(r.Bytes, 10),
			(time.Duration(r.DurationMS) * time.Millisecond).String(),
		})
	}
	tw.Render()
	return nil
}

func (d *Dispatcher) cmdPatch(ctx context.Context, out io.Writer, args []string) error {
	if !d.cfg.GetApplicationData().Patch.Enabled {
		return fmt.Errorf("patching is disabled")
	}
	d.bus.Emit(ctx, events.Event{
		Type:   events.EventPatchCheck,
		Source: "console",
	})
	fmt.Fprintln(out, "Patch check initiated")
	return nil
}

func (d *Dispatcher) cmdStatus(ctx context.Context, out io.Writer, args []string) error {
	fmt.Fprintf(out, "  Version:    %s\n", d.version)
	fmt.Fprintf(out, "  Uptime:     %s\n", time.Since(d.started).Truncate(time.Second))
	fmt.Fprintf(out, "  Active:     %d/%d\n", d.fetch.ActiveCount(), d.fetch.Capacity())

	counts := make(map[events.JobState]int)
	for _, j := range d.fetch.List() {
		counts[j.State]++
	}
	fmt.Fprintf(out, "  Session:    %d completed, %d failed, %d timed out, %d cancelled\n",
		counts[events.JobStateCompleted], counts[events.JobStateFailed],
		counts[events.JobStateTimedOut], counts[events.JobStateCancelled])

	if d.history != nil {
		stats, err := d.history.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  History:    %d transfers, %d bytes\n", stats.Total, stats.TotalBytes)
	}
	return nil
}

func (d *Dispatcher) cmdSetConfig(ctx context.Context, out io.Writer, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}
	key := args[0]
	raw := strings.Join(args[1:], " ")

	previous := d.cfg.GetTransferData()
	if err := updateField(d.cfg, key, raw); err != nil {
		return err
	}

	if result := config.Validate(d.cfg); !result.IsValid() {
		d.cfg.SetTransferData(previous)
		return fmt.Errorf("invalid value for %s: %s", key, result.Errors[0].Message)
	}

	if d.cfg.Path() != "" {
		if err := d.cfg.Save(); err != nil {
			return err
		}
	}
	d.bus.Emit(ctx, events.Event{
		Type:    events.EventConfigChanged,
		Source:  "console",
		Payload: events.ConfigChangedPayload{Section: "transfer"},
	})

	fmt.Fprintf(out, "Config updated: %s = %s\n", key, raw)
	return nil
}

// updateField applies raw to a transfer setting, trying it as a string, then
// an integer, then a boolean.
func updateField(cfg *config.Config, key, raw string) error {
	err := cfg.UpdateTransferField(key, raw)
	if err == nil || errors.Is(err, config.ErrUnknownField) {
		return err
	}
	if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
		return cfg.UpdateTransferField(key, n)
	}
	if b, perr := strconv.ParseBool(raw); perr == nil {
		return cfg.UpdateTransferField(key, b)
	}
	return err
}

func parseID(args []string) (uint64, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("transfer id required")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid transfer id: %s", args[0])
	}
	return id, nil
}

func progress(n, total int64) string {
	if total < 0 {
		return strconv.FormatInt(n, 10)
	}
	return fmt.Sprintf("%d/%d", n, total)
}
