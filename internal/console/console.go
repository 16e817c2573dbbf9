// Package console is the interactive operator prompt of cisternd.
//
// Every command is a synchronous read of the engine's contract, except
// capacity, reload and export, which go through the engine or the archive.
// Execute is independent of the terminal so commands can be driven from
// tests and scripts; Run wraps it in a go-prompt loop.
package console

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	prompt "github.com/c-bata/go-prompt"

	"github.com/xtxerr/cistern/internal/engine"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/logging"
	"github.com/xtxerr/cistern/internal/metrics"
	"github.com/xtxerr/cistern/internal/storage/types"
)

var log = logging.Component("console")

// ErrExit is returned by Execute for the exit command.
var ErrExit = errors.New("exit")

// HistoryFunc returns the stored rows of topic with a timestamp in
// [from, to], oldest first.
type HistoryFunc func(ctx context.Context, topic string, from, to time.Time) ([]types.Row, error)

// Exporter writes window samples to durable storage and returns the path
// written, "" when there was nothing to write.
type Exporter interface {
	Export(topic string, samples []types.Sample) (string, error)
}

// Option configures a Console.
type Option func(*Console)

// WithHistory answers history queries from stored rows instead of the
// window.
func WithHistory(fn HistoryFunc) Option {
	return func(c *Console) { c.history = fn }
}

// WithExporter enables the export command.
func WithExporter(x Exporter) Option {
	return func(c *Console) { c.exporter = x }
}

// WithTimeout bounds commands that reach a backend.
func WithTimeout(d time.Duration) Option {
	return func(c *Console) { c.timeout = d }
}

// Console executes operator commands against an engine.
type Console struct {
	engine   *engine.Engine
	history  HistoryFunc
	exporter Exporter
	timeout  time.Duration
	now      func() time.Time
}

// New creates a console over e.
func New(e *engine.Engine, opts ...Option) *Console {
	c := &Console{
		engine:  e,
		timeout: 10 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type command struct {
	name  string
	args  string
	help  string
	run   func(c *Console, ctx context.Context, w io.Writer, args []string) error
	topic bool
}

var commands []command

func init() {
	commands = []command{
		{name: "status", help: "fill level, capacity, comfort and window sizes", run: (*Console).status},
		{name: "latest", args: "[topic]", help: "most recent sample per topic", run: (*Console).latest, topic: true},
		{name: "window", args: "<topic> [n]", help: "newest n window samples (default 10)", run: (*Console).window, topic: true},
		{name: "stats", args: "<topic> [field]", help: "aggregate statistics over the window", run: (*Console).stats, topic: true},
		{name: "trend", args: "<topic> <field> [bucket]", help: "per-bucket statistics over the window (default bucket 1h)", run: (*Console).trend, topic: true},
		{name: "capacity", args: "[m3]", help: "show or set the tank capacity", run: (*Console).capacity},
		{name: "history", args: "<topic> <from> [to]", help: "samples in a time range; times are RFC 3339 or a duration ago (1h)", run: (*Console).historyCmd, topic: true},
		{name: "reload", args: "<topic>", help: "re-run the bulk load of a topic", run: (*Console).reload, topic: true},
		{name: "export", args: "[topic]", help: "write the window to the archive", run: (*Console).export, topic: true},
		{name: "engine", help: "store and ingestion counters", run: (*Console).engineStats},
		{name: "help", help: "list commands", run: (*Console).help},
		{name: "exit", help: "leave the console", run: func(*Console, context.Context, io.Writer, []string) error { return ErrExit }},
	}
}

func lookup(name string) (command, bool) {
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
	}
	if name == "quit" {
		return lookup("exit")
	}
	return command{}, false
}

// Execute runs one command line, writing its output to w. An empty line
// is a no-op.
func (c *Console) Execute(ctx context.Context, line string, w io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, ok := lookup(strings.ToLower(fields[0]))
	if !ok {
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return cmd.run(c, ctx, w, fields[1:])
}

// Complete suggests commands, then topics for commands that take one.
func (c *Console) Complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()
	fields := strings.Fields(before)

	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(before, " ")) {
		s := make([]prompt.Suggest, 0, len(commands))
		for _, cmd := range commands {
			s = append(s, prompt.Suggest{Text: cmd.name, Description: cmd.help})
		}
		return prompt.FilterHasPrefix(s, word, true)
	}

	cmd, ok := lookup(fields[0])
	if !ok {
		return nil
	}

	argIdx := len(fields) - 1
	if strings.HasSuffix(before, " ") {
		argIdx++
	}

	switch {
	case cmd.topic && argIdx == 1:
		s := make([]prompt.Suggest, 0, 2)
		for _, t := range c.engine.Topics() {
			s = append(s, prompt.Suggest{Text: t})
		}
		return prompt.FilterHasPrefix(s, word, true)
	case (cmd.name == "stats" || cmd.name == "trend") && argIdx == 2:
		v, err := c.engine.View(fields[1])
		if err != nil {
			return nil
		}
		s := make([]prompt.Suggest, 0, 2)
		for _, f := range v.FieldNames() {
			s = append(s, prompt.Suggest{Text: f})
		}
		return prompt.FilterHasPrefix(s, word, true)
	}
	return nil
}

// report prints a failed command. Bad input is told apart from failures
// of the engine itself.
func report(w io.Writer, err error) {
	switch {
	case err == nil:
	case errors.IsValidation(err):
		fmt.Fprintf(w, "invalid input: %v\n", err)
	default:
		fmt.Fprintf(w, "error: %v\n", err)
	}
}

// Run reads commands from the terminal until exit, Ctrl-D or ctx is done.
// ctx is checked between commands; a blocked read is not interrupted.
func (c *Console) Run(ctx context.Context, out io.Writer) {
	exit := false
	executor := func(line string) {
		if ctx.Err() != nil {
			exit = true
			return
		}
		err := c.Execute(ctx, line, out)
		if errors.Is(err, ErrExit) {
			exit = true
			return
		}
		report(out, err)
	}

	p := prompt.New(executor, c.Complete,
		prompt.OptionTitle("cistern"),
		prompt.OptionPrefix("cistern> "),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool {
			return exit || ctx.Err() != nil
		}),
	)

	log.Debug("console started")
	p.Run()
	log.Debug("console stopped")
}

// =============================================================================
// Commands
// =============================================================================

func (c *Console) status(_ context.Context, w io.Writer, _ []string) error {
	d := c.engine.Derived()

	fmt.Fprintf(w, "ready:     %v\n", c.engine.Ready())
	fmt.Fprintf(w, "capacity:  %s m³\n", formatFloat(d.Capacity))

	switch {
	case d.Water == nil:
		fmt.Fprintln(w, "fill:      no data")
	case !d.FillOK:
		fmt.Fprintf(w, "fill:      unavailable (%v)\n", d.FillErr)
	default:
		fmt.Fprintf(w, "fill:      %.1f%% (%s), %s m³ = %s l\n",
			d.FillPercent, d.Band, formatFloat(d.Water.Volume), formatFloat(d.Litres))
	}

	if d.Atmosphere == nil {
		fmt.Fprintf(w, "comfort:   %s\n", d.Comfort.Label())
	} else {
		fmt.Fprintf(w, "comfort:   %s (%s °C, %s %%)\n", d.Comfort.Label(),
			formatFloat(d.Atmosphere.Temperature), formatFloat(d.Atmosphere.Humidity))
	}

	for _, topic := range c.engine.Topics() {
		v, _ := c.engine.View(topic)
		fmt.Fprintf(w, "window:    %s %d/%d\n", topic, v.Len(), v.Cap())
	}
	return nil
}

func (c *Console) latest(_ context.Context, w io.Writer, args []string) error {
	topics := c.engine.Topics()
	if len(args) > 0 {
		topics = args[:1]
	}

	tw := newTable(w)
	for _, topic := range topics {
		s, ok, err := c.engine.Latest(topic)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(tw, "%s\tno data\n", topic)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\n", topic, formatSample(s))
	}
	return tw.Flush()
}

func (c *Console) window(_ context.Context, w io.Writer, args []string) error {
	if len(args) == 0 {
		return errors.NewMissingField("topic")
	}
	n := 10
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			return errors.NewInvalidValue("n", args[1], "must be a positive integer")
		}
		n = v
	}

	samples, err := c.engine.Snapshot(args[0])
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(w, "no data")
		return nil
	}

	tw := newTable(w)
	for _, s := range samples[:min(n, len(samples))] {
		fmt.Fprintln(tw, formatSample(s))
	}
	return tw.Flush()
}

func (c *Console) stats(_ context.Context, w io.Writer, args []string) error {
	if len(args) == 0 {
		return errors.NewMissingField("topic")
	}
	topic := args[0]

	var fields []string
	if len(args) > 1 {
		fields = args[1:2]
	} else {
		v, err := c.engine.View(topic)
		if err != nil {
			return err
		}
		fields = v.FieldNames()
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "field\tcount\tmin\tmean\tmax\tp50\tp90\tp99")
	for _, f := range fields {
		st, err := c.engine.AggregateStats(topic, f)
		if err != nil {
			return err
		}
		if st.IsEmpty() {
			fmt.Fprintf(tw, "%s\t0\t-\t-\t-\t-\t-\t-\n", f)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n", f, st.Count,
			formatFloat(st.Min), formatFloat(st.Mean), formatFloat(st.Max),
			formatOptional(st.P50), formatOptional(st.P90), formatOptional(st.P99))
	}
	return tw.Flush()
}

func (c *Console) trend(_ context.Context, w io.Writer, args []string) error {
	if len(args) < 2 {
		return errors.NewMissingField("field")
	}
	size := time.Hour
	if len(args) > 2 {
		d, err := time.ParseDuration(args[2])
		if err != nil {
			return errors.NewInvalidValue("bucket", args[2], "not a duration")
		}
		size = d
	}

	buckets, err := c.engine.Trend(args[0], args[1], size)
	if err != nil {
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "start	count	min	mean	max")
	for _, b := range buckets {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", b.StartTime().UTC().Format(time.RFC3339), b.Stats.Count,
			formatFloat(b.Stats.Min), formatFloat(b.Stats.Mean), formatFloat(b.Stats.Max))
	}
	return tw.Flush()
}

func (c *Console) capacity(ctx context.Context, w io.Writer, args []string) error {
	if len(args) > 0 {
		if err := c.engine.SetCapacity(ctx, args[0]); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "capacity: %s m³\n", formatFloat(c.engine.CurrentCapacity()))

	fill, err := c.engine.FillPercentage()
	switch {
	case errors.Is(err, errors.ErrNoData):
	case err != nil:
		fmt.Fprintf(w, "fill: unavailable (%v)\n", err)
	default:
		fmt.Fprintf(w, "fill: %.1f%% (%s)\n", fill, metrics.BandFor(fill))
	}
	return nil
}

func (c *Console) historyCmd(ctx context.Context, w io.Writer, args []string) error {
	if len(args) < 2 {
		return errors.NewMissingField("from")
	}
	topic := args[0]
	view, err := c.engine.View(topic)
	if err != nil {
		return err
	}

	now := c.now()
	from, err := parseTime(args[1], now)
	if err != nil {
		return err
	}
	to := now
	if len(args) > 2 {
		if to, err = parseTime(args[2], now); err != nil {
			return err
		}
	}
	if to.Before(from) {
		return errors.NewInvalidValue("to", args[len(args)-1], "before from")
	}

	tw := newTable(w)
	if c.history == nil {
		samples, err := c.engine.Range(topic, from, to)
		if err != nil {
			return err
		}
		for _, s := range samples {
			fmt.Fprintln(tw, formatSample(s))
		}
		fmt.Fprintf(tw, "%d samples from the window\n", len(samples))
		return tw.Flush()
	}

	rows, err := c.history(ctx, topic, from, to)
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Fprintln(tw, formatRow(row, view.FieldNames()))
	}
	fmt.Fprintf(tw, "%d stored rows\n", len(rows))
	return tw.Flush()
}

func (c *Console) reload(ctx context.Context, w io.Writer, args []string) error {
	if len(args) == 0 {
		return errors.NewMissingField("topic")
	}
	if err := c.engine.Reload(ctx, args[0]); err != nil {
		return err
	}
	v, _ := c.engine.View(args[0])
	fmt.Fprintf(w, "reloaded %s: %d samples\n", args[0], v.Len())
	return nil
}

func (c *Console) export(_ context.Context, w io.Writer, args []string) error {
	if c.exporter == nil {
		return errors.Wrap(errors.ErrInvalidConfig, "no archive configured")
	}
	topics := c.engine.Topics()
	if len(args) > 0 {
		topics = args[:1]
	}

	for _, topic := range topics {
		samples, err := c.engine.Snapshot(topic)
		if err != nil {
			return err
		}
		path, err := c.exporter.Export(topic, samples)
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Fprintf(w, "%s: nothing to export\n", topic)
			continue
		}
		fmt.Fprintf(w, "%s: %d samples -> %s\n", topic, len(samples), path)
	}
	return nil
}

func (c *Console) engineStats(_ context.Context, w io.Writer, _ []string) error {
	st := c.engine.Stats()

	names := make([]string, 0, len(st.Stores))
	for name := range st.Stores {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := newTable(w)
	fmt.Fprintln(tw, "topic\tlen/cap\tloads\tingests\tevicted\tready\treplayed\tduplicates\tmalformed\toverflow\tload_failures")
	for _, name := range names {
		s := st.Stores[name]
		in := st.Ingestion[name]
		fmt.Fprintf(tw, "%s\t%d/%d\t%d\t%d\t%d\t%v\t%d\t%d\t%d\t%d\t%d\n",
			name, s.Len, s.Capacity, s.Loads, s.Ingests, s.Evicted,
			in.Ready, in.Replayed, in.Duplicates, in.Malformed, in.Overflow, in.LoadFailures)
	}
	return tw.Flush()
}

func (c *Console) help(_ context.Context, w io.Writer, _ []string) error {
	tw := newTable(w)
	for _, cmd := range commands {
		fmt.Fprintf(tw, "%s %s\t%s\n", cmd.name, cmd.args, cmd.help)
	}
	return tw.Flush()
}

// =============================================================================
// Formatting
// =============================================================================

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatSample(s types.Sample) string {
	var b strings.Builder
	b.WriteString(time.UnixMilli(s.Timestamp()).UTC().Format(time.RFC3339))
	b.WriteString("\t")
	b.WriteString(s.SampleID())
	for _, f := range s.FieldNames() {
		v, _ := s.Field(f)
		fmt.Fprintf(&b, "\t%s=%s", f, formatFloat(v))
	}
	return b.String()
}

func formatRow(row types.Row, fields []string) string {
	var b strings.Builder
	if ts, ok := row["timestamp"].(int64); ok {
		b.WriteString(time.UnixMilli(ts).UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintf(&b, "%v", row["timestamp"])
	}
	fmt.Fprintf(&b, "\t%v", row["id"])
	for _, f := range fields {
		switch v := row[f].(type) {
		case float64:
			fmt.Fprintf(&b, "\t%s=%s", f, formatFloat(v))
		case nil:
			fmt.Fprintf(&b, "\t%s=-", f)
		default:
			fmt.Fprintf(&b, "\t%s=%v", f, v)
		}
	}
	return b.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 3, 64)
}

// parseTime accepts RFC 3339 or a duration before now.
func parseTime(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, errors.NewInvalidValue("time", s, "expected RFC 3339 or a duration such as 1h")
}
