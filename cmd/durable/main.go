// Command durable inspects and administers a durable run ledger.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/config"
	"github.com/deepnoodle-ai/durable/postgres"
)

const usage = `durable - inspect and administer durable runs

Usage: durable [-config file] [-json] <command> [arguments]

Commands:
  migrate [-down]                   Apply (or roll back) the storage schema
  start -key K -agent A [-loop L]   Create a pending run (idempotent on K)
        [-input k=v ...] [-timeout d]
  runs [-status s] [-agent a] [-limit n]
                                    List runs
  show <run-id>                     Show one run
  checkpoints <run-id>              List a run's ledger
  resume-state <run-id>             Show the reconstructed resume state
  cancel <run-id>                   Cancel a pending or running run

Configuration is read from the -config file and DURABLE_* variables.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

type cli struct {
	cfg    *config.Config
	out    io.Writer
	json   bool
	runs   *durable.RunStore
	ledger *durable.Ledger
}

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("durable", flag.ContinueOnError)
	flags.SetOutput(out)
	flags.Usage = func() { fmt.Fprint(out, usage) }
	configFile := flags.String("config", "", "Path to a YAML config file")
	jsonOutput := flags.Bool("json", false, "Output JSON")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return fmt.Errorf("a command is required")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	command, rest := flags.Arg(0), flags.Args()[1:]
	if command == "migrate" {
		return migrate(ctx, cfg, rest, out)
	}

	logger := cfg.Logger()
	storage, err := cfg.OpenStorage(ctx, logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	runs, err := durable.NewRunStore(durable.RunStoreOptions{Storage: storage, Logger: logger})
	if err != nil {
		return err
	}
	ledger, err := durable.NewLedger(durable.LedgerOptions{
		Storage:  storage,
		AuditLog: cfg.AuditLog(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	c := &cli{cfg: cfg, out: out, json: *jsonOutput, runs: runs, ledger: ledger}

	switch command {
	case "start":
		return c.start(ctx, rest)
	case "runs":
		return c.list(ctx, rest)
	case "show":
		return c.withRunID(rest, func(id string) error { return c.show(ctx, id) })
	case "checkpoints":
		return c.withRunID(rest, func(id string) error { return c.checkpoints(ctx, id) })
	case "resume-state":
		return c.withRunID(rest, func(id string) error { return c.resumeState(ctx, id) })
	case "cancel":
		return c.withRunID(rest, func(id string) error { return c.cancel(ctx, id) })
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func migrate(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	flags.SetOutput(out)
	down := flags.Bool("down", false, "Roll back all migrations")
	if err := flags.Parse(args); err != nil {
		return err
	}
	logger := cfg.Logger()

	if cfg.Storage.Driver != config.DriverPostgres {
		if *down {
			return fmt.Errorf("rollback is only supported for postgres")
		}
		// Opening the store applies the embedded schema.
		storage, err := cfg.OpenStorage(ctx, logger)
		if err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(out, "Schema up to date (%s)\n", cfg.Storage.Driver)
		return storage.Close()
	}

	migrator, err := postgres.NewMigrator(ctx, cfg.Storage.DSN, logger)
	if err != nil {
		return err
	}
	defer migrator.Close()
	if *down {
		err = migrator.Down()
	} else {
		err = migrator.Up()
	}
	if err != nil {
		return err
	}
	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(out, "Schema version %d (dirty: %t)\n", version, dirty)
	return nil
}

func (c *cli) withRunID(args []string, fn func(id string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one run id")
	}
	return fn(args[0])
}

func (c *cli) start(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("start", flag.ContinueOnError)
	flags.SetOutput(c.out)
	key := flags.String("key", "", "Caller idempotency key (required)")
	agent := flags.String("agent", "", "Agent kind (required)")
	loopKind := flags.String("loop", "react", "Loop kind")
	timeout := flags.Duration("timeout", 0, "Run deadline, e.g. 10m")
	var inputs inputFlags
	flags.Var(&inputs, "input", "Input in format key=value (repeatable)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	run, err := c.runs.Start(ctx, durable.StartRequest{
		CallerIdempotencyKey: *key,
		AgentKind:            *agent,
		LoopKind:             *loopKind,
		Input:                inputs.values(),
		Timeout:              *timeout,
	})
	if err != nil {
		return err
	}
	return c.printRun(run)
}

func (c *cli) list(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("runs", flag.ContinueOnError)
	flags.SetOutput(c.out)
	status := flags.String("status", "", "Comma-separated statuses to include")
	agent := flags.String("agent", "", "Agent kind to include")
	limit := flags.Int("limit", 50, "Maximum number of runs")
	if err := flags.Parse(args); err != nil {
		return err
	}

	filter := durable.RunFilter{AgentKind: *agent, Limit: *limit}
	if *status != "" {
		for _, s := range strings.Split(*status, ",") {
			rs := durable.RunStatus(strings.TrimSpace(s))
			if !rs.Valid() {
				return fmt.Errorf("unknown status %q", s)
			}
			filter.Statuses = append(filter.Statuses, rs)
		}
	}
	runs, err := c.runs.List(ctx, filter)
	if err != nil {
		return err
	}

	summaries := make([]*durable.RunSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, run.Summary())
	}
	if c.json {
		return c.writeJSON(summaries)
	}
	if len(summaries) == 0 {
		color.New(color.FgBlue).Fprintln(c.out, "No runs")
		return nil
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tAGENT\tSTATUS\tITERATION\tCREATED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.RunID, s.AgentKind, statusColor(s.Status),
			s.CurrentIteration, s.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func (c *cli) show(ctx context.Context, id string) error {
	run, err := c.runs.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.printRun(run)
}

func (c *cli) printRun(run *durable.Run) error {
	if c.json {
		return c.writeJSON(run)
	}
	color.New(color.FgCyan).Fprintf(c.out, "Run %s\n", run.ID)
	fmt.Fprintf(c.out, "  Status:    %s\n", statusColor(run.Status))
	fmt.Fprintf(c.out, "  Agent:     %s (%s)\n", run.AgentKind, run.LoopKind)
	fmt.Fprintf(c.out, "  Caller:    %s\n", run.CallerIdempotencyKey)
	fmt.Fprintf(c.out, "  Iteration: %d\n", run.CurrentIteration)
	fmt.Fprintf(c.out, "  Version:   %d\n", run.Version)
	if run.LeaseOwner != "" {
		fmt.Fprintf(c.out, "  Lease:     %s\n", run.LeaseOwner)
	}
	if run.TimeoutAt != nil {
		fmt.Fprintf(c.out, "  Deadline:  %s\n", run.TimeoutAt.Format(time.RFC3339))
	}
	if run.Error != "" {
		color.New(color.FgRed).Fprintf(c.out, "  Error:     %s\n", run.Error)
	}
	if len(run.Output) > 0 {
		output, err := json.Marshal(run.Output)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "  Output:    %s\n", output)
	}
	return nil
}

func (c *cli) checkpoints(ctx context.Context, id string) error {
	if _, err := c.runs.Get(ctx, id); err != nil {
		return err
	}
	checkpoints, err := c.ledger.ListForRun(ctx, id)
	if err != nil {
		return err
	}
	if c.json {
		return c.writeJSON(checkpoints)
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tITER\tTYPE\tSTATUS\tKEY")
	for _, cp := range checkpoints {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", cp.Sequence, cp.Iteration, cp.Type, cp.Status, cp.IdempotencyKey)
	}
	return w.Flush()
}

func (c *cli) resumeState(ctx context.Context, id string) error {
	loader, err := durable.NewResumeLoader(c.runs, c.ledger, nil)
	if err != nil {
		return err
	}
	state, err := loader.Load(ctx, id)
	if err != nil {
		return err
	}

	inFlight := make([]string, 0, len(state.InFlight))
	for _, call := range state.InFlight {
		inFlight = append(inFlight, call.IdempotencyKey)
	}
	satisfied := make([]string, 0, len(state.Satisfied))
	for key := range state.Satisfied {
		satisfied = append(satisfied, key)
	}
	if c.json {
		return c.writeJSON(map[string]any{
			"run_id":              id,
			"status":              state.Run.Status,
			"last_iteration":      state.LastIteration,
			"completed_iteration": state.CompletedIteration,
			"resume_iteration":    state.ResumeIteration(),
			"last_sequence":       state.LastSequence,
			"finished":            state.Finished(),
			"satisfied":           satisfied,
			"in_flight":           inFlight,
			"conversation_id":     state.ConversationID,
		})
	}
	color.New(color.FgCyan).Fprintf(c.out, "Resume state for %s\n", id)
	fmt.Fprintf(c.out, "  Status:              %s\n", statusColor(state.Run.Status))
	fmt.Fprintf(c.out, "  Last iteration:      %d\n", state.LastIteration)
	fmt.Fprintf(c.out, "  Completed iteration: %d\n", state.CompletedIteration)
	fmt.Fprintf(c.out, "  Resume at:           %d\n", state.ResumeIteration())
	fmt.Fprintf(c.out, "  Last sequence:       %d\n", state.LastSequence)
	fmt.Fprintf(c.out, "  Finished:            %t\n", state.Finished())
	fmt.Fprintf(c.out, "  Satisfied calls:     %d\n", len(satisfied))
	if len(inFlight) > 0 {
		color.New(color.FgYellow).Fprintf(c.out, "  In-flight calls:     %s\n", strings.Join(inFlight, ", "))
	}
	return nil
}

func (c *cli) cancel(ctx context.Context, id string) error {
	run, err := c.runs.Get(ctx, id)
	if err != nil {
		return err
	}
	cancelled, err := c.runs.Cancel(ctx, run)
	if err != nil {
		if errors.Is(err, durable.ErrInvalidTransition) && cancelled != nil {
			return fmt.Errorf("run %s is %s and cannot be cancelled", id, cancelled.Status)
		}
		return err
	}
	if c.json {
		return c.writeJSON(cancelled.Summary())
	}
	color.New(color.FgGreen).Fprintf(c.out, "Cancelled run %s\n", cancelled.ID)
	return nil
}

func (c *cli) writeJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(data))
	return err
}

func statusColor(status durable.RunStatus) string {
	switch status {
	case durable.RunStatusCompleted:
		return color.GreenString(string(status))
	case durable.RunStatusFailed:
		return color.RedString(string(status))
	case durable.RunStatusCancelled:
		return color.YellowString(string(status))
	case durable.RunStatusRunning:
		return color.CyanString(string(status))
	default:
		return string(status)
	}
}

// inputFlags collects repeated -input key=value flags. Values are parsed
// as JSON when possible and kept as strings otherwise.
type inputFlags []string

func (f *inputFlags) String() string {
	return strings.Join(*f, ", ")
}

func (f *inputFlags) Set(value string) error {
	if !strings.Contains(value, "=") {
		return fmt.Errorf("invalid input %q, use key=value", value)
	}
	*f = append(*f, value)
	return nil
}

func (f inputFlags) values() map[string]any {
	values := make(map[string]any, len(f))
	for _, input := range f {
		key, raw, _ := strings.Cut(input, "=")
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			parsed = raw
		}
		values[key] = parsed
	}
	return values
}
