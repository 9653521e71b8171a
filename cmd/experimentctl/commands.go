package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/blocks"
	"github.com/goliatone/go-experiment/cli"
	"github.com/goliatone/go-experiment/cron"
	"github.com/goliatone/go-experiment/engine"
	"github.com/goliatone/go-experiment/fsm"
	"github.com/goliatone/go-experiment/pipeline"
	"github.com/goliatone/go-experiment/store"
	"github.com/goliatone/go-experiment/tasks"
)

type runCmd struct {
	Pipeline string        `arg:"" help:"HCL pipeline definition." type:"existingfile"`
	Timeout  time.Duration `help:"Give up waiting for the pipeline after this long." default:"10m"`
}

func (c *runCmd) CLIHandler() any { return c }

func (c *runCmd) CLIOptions() cli.Config {
	return cli.Config{Name: "run", Description: "Build a pipeline and run it to completion.", Group: "pipelines"}
}

func (c *runCmd) Run(g *Globals) error {
	def, err := pipeline.LoadFile(c.Pipeline)
	if err != nil {
		return err
	}
	rt, err := g.Runtime()
	if err != nil {
		return err
	}
	ctx := g.Context()
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			rt.Logger.Warn("closing runtime: %v", err)
		}
	}()

	info, err := rt.Engine.CreateExperiment(ctx, def.Name)
	if err != nil {
		return err
	}
	log := experiment.WithLoggerFields(rt.Logger, map[string]any{"exp_id": info.ID})
	applied, err := pipeline.Apply(ctx, rt.Engine, info.ID, def)
	if err != nil {
		return err
	}
	if invalid := applied.Invalid(); len(invalid) > 0 {
		printBlocks(g.Out, def, applied)
		return experiment.NewError(experiment.ErrConfiguration,
			fmt.Sprintf("invalid blocks: %s", strings.Join(invalid, ", ")), nil,
			map[string]any{"exp_id": info.ID})
	}

	log.Info("running %s with %d blocks", def.Name, len(applied.Blocks))
	if err := applied.Run(ctx, rt.Engine); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	if err := rt.Runner.WaitIdle(waitCtx); err != nil {
		return fmt.Errorf("waiting for %s: %w", def.Name, err)
	}
	if err := applied.Refresh(ctx, rt.Engine); err != nil {
		return err
	}

	fmt.Fprintf(g.Out, "experiment %s (%s)\n", def.Name, info.ID)
	printBlocks(g.Out, def, applied)

	var failed []string
	for alias, b := range applied.Blocks {
		if rt.Engine.Status(b) == fsm.StatusError {
			failed = append(failed, alias)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return experiment.NewError(experiment.ErrAsyncJob,
			fmt.Sprintf("blocks failed: %s", strings.Join(failed, ", ")), nil,
			map[string]any{"exp_id": info.ID})
	}
	return nil
}

type validateCmd struct {
	Pipeline string `arg:"" help:"HCL pipeline definition." type:"existingfile"`
}

func (c *validateCmd) CLIHandler() any { return c }

func (c *validateCmd) CLIOptions() cli.Config {
	return cli.Config{
		Name:        "validate",
		Description: "Check a pipeline without running it.",
		Group:       "pipelines",
		Aliases:     []string{"check"},
	}
}

func (c *validateCmd) Run(g *Globals) error {
	def, err := pipeline.LoadFile(c.Pipeline)
	if err != nil {
		return err
	}
	problems, err := validatePipeline(g.Context(), def)
	if err != nil {
		return err
	}
	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintln(g.Out, p)
		}
		return experiment.NewError(experiment.ErrConfiguration,
			fmt.Sprintf("%s: %d problem(s)", def.Name, len(problems)), nil,
			map[string]any{"file": def.File})
	}
	fmt.Fprintf(g.Out, "%s: ok\n", def.Name)
	return nil
}

// validatePipeline builds def in a throwaway in-memory engine and reports
// block validation errors and dependency cycles.
func validatePipeline(ctx context.Context, def *pipeline.Definition) ([]string, error) {
	kinds, err := blocks.NewRegistry()
	if err != nil {
		return nil, err
	}
	if err := pipeline.Check(def, kinds); err != nil {
		return nil, err
	}
	e, err := engine.New(store.NewMemoryStore(), kinds, engine.WithRunner(tasks.NewManualRunner()))
	if err != nil {
		return nil, err
	}
	info, err := e.CreateExperiment(ctx, def.Name)
	if err != nil {
		return nil, err
	}
	applied, err := pipeline.Apply(ctx, e, info.ID, def)
	if err != nil {
		return nil, err
	}

	var problems []string
	for _, alias := range applied.Invalid() {
		for _, msg := range applied.Blocks[alias].Errors {
			problems = append(problems, fmt.Sprintf("%s: %s", alias, msg))
		}
	}
	snap, err := e.Snapshot(ctx, info.ID)
	if err != nil {
		return nil, err
	}
	scopes := make([]string, 0, len(snap.Scopes))
	for name := range snap.Scopes {
		scopes = append(scopes, name)
	}
	sort.Strings(scopes)
	for _, name := range scopes {
		g, err := engine.BuildGraph(snap, name)
		if err == nil {
			_, err = g.TopologicalSort()
		}
		if err != nil {
			problems = append(problems, fmt.Sprintf("scope %s: %v", name, err))
		}
	}
	return problems, nil
}

type watchdogCmd struct {
	Once       bool          `help:"Run a single sweep and exit."`
	StaleAfter time.Duration `help:"Override watchdog.stale_after." name:"stale-after"`
}

func (c *watchdogCmd) CLIHandler() any { return c }

func (c *watchdogCmd) CLIOptions() cli.Config {
	return cli.Config{Name: "watchdog", Description: "Fail blocks whose job was lost.", Group: "maintenance"}
}

func (c *watchdogCmd) Run(g *Globals) error {
	rt, err := g.Runtime()
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	stale := rt.Config.Watchdog.StaleAfter
	if c.StaleAfter > 0 {
		stale = c.StaleAfter
	}
	w := engine.NewWatchdog(rt.Engine, stale)
	ctx := g.Context()

	if c.Once {
		n, err := w.Sweep(ctx)
		fmt.Fprintf(g.Out, "failed %d block(s)\n", n)
		return err
	}

	scheduler := cron.NewScheduler(cron.WithLogger(rt.Logger), cron.WithContext(ctx))
	sched, err := w.Schedule(scheduler, rt.Config.Watchdog.Schedule)
	if err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	rt.Logger.Info("watchdog scheduled %q, stale after %s", rt.Config.Watchdog.Schedule, stale)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		return err
	}
	stats := sched.Stats()
	rt.Logger.Info("watchdog stopped after %d sweep(s), %d failed", stats.Runs, stats.Failures)
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

type kindsCmd struct{}

func (c *kindsCmd) CLIHandler() any { return c }

func (c *kindsCmd) CLIOptions() cli.Config {
	return cli.Config{Name: "kinds", Description: "List the available block kinds.", Group: "pipelines"}
}

func (c *kindsCmd) Run(g *Globals) error {
	reg, err := blocks.NewRegistry()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(g.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tPARAMS\tINPUTS\tOUTPUTS\tACTIONS")
	for _, name := range reg.Names() {
		k, err := reg.Lookup(name)
		if err != nil {
			return err
		}
		var params, inputs, outputs []string
		for _, p := range k.Schema.Params {
			params = append(params, p.Name)
		}
		for _, p := range k.Schema.Inputs {
			inputs = append(inputs, p.Name+":"+string(p.DataType))
		}
		for _, p := range k.Schema.Outputs {
			outputs = append(outputs, p.Name+":"+string(p.DataType))
		}
		var actions []string
		for _, d := range k.Table.VisibleActions(fsm.StateReady) {
			actions = append(actions, d.Name)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name,
			join(params), join(inputs), join(outputs), join(actions))
	}
	return tw.Flush()
}

func join(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

func printBlocks(out io.Writer, def *pipeline.Definition, applied *pipeline.Applied) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tKIND\tSTATE\tOUTPUTS\tERRORS")
	_ = def.Walk(func(bd, parent *pipeline.BlockDef) error {
		b := applied.Blocks[bd.Alias]
		if b == nil {
			return nil
		}
		alias := bd.Alias
		if parent != nil {
			alias = parent.Alias + "/" + alias
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", alias, b.Kind, b.State,
			summarizeOutputs(b.OutData), join(b.Errors))
		return nil
	})
	_ = tw.Flush()
}

func summarizeOutputs(out map[string]experiment.Value) string {
	if len(out) == 0 {
		return "-"
	}
	names := make([]string, 0, len(out))
	for name := range out {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		v := out[name]
		text := v.Ref
		if text == "" {
			text = string(v.Data)
		}
		if len(text) > 48 {
			text = text[:45] + "..."
		}
		parts = append(parts, name+"="+text)
	}
	return strings.Join(parts, " ")
}
