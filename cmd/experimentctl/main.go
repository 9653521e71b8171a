// Command experimentctl validates and runs HCL experiment pipelines and
// sweeps stored experiments for blocks whose job was lost.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/cli"
	"github.com/goliatone/go-experiment/config"
)

// Globals holds the flags shared by every command.
type Globals struct {
	Config   string `help:"YAML configuration file." short:"c" type:"existingfile" env:"EXPERIMENTCTL_CONFIG"`
	LogLevel string `help:"Override logging.level." name:"log-level"`

	Out io.Writer `kong:"-"`
	Err io.Writer `kong:"-"`

	ctx context.Context
}

// Context is cancelled on SIGINT or SIGTERM.
func (g *Globals) Context() context.Context {
	if g.ctx == nil {
		return context.Background()
	}
	return g.ctx
}

func (g *Globals) LoadConfig() (config.Config, error) {
	cfg := config.Default()
	if g.Config != "" {
		var err error
		if cfg, err = config.Load(g.Config); err != nil {
			return cfg, err
		}
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	return cfg, nil
}

func (g *Globals) Logger(cfg config.Config) experiment.Logger {
	return newLogger(cfg.Logging, g.Err)
}

// Runtime loads the configuration and wires an engine from it.
func (g *Globals) Runtime() (*Runtime, error) {
	cfg, err := g.LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewRuntime(g.Context(), cfg, g.Logger(cfg))
}

func commands() []cli.Command {
	return []cli.Command{
		&runCmd{},
		&validateCmd{},
		&watchdogCmd{},
		&kindsCmd{},
	}
}

func newParser(g *Globals, opts ...kong.Option) (*kong.Kong, error) {
	registry := cli.NewRegistry()
	for _, cmd := range commands() {
		if err := registry.RegisterCommand(cmd); err != nil {
			return nil, err
		}
	}
	if err := registry.Initialize(); err != nil {
		return nil, err
	}
	cmdOpts, err := registry.CLIOptions()
	if err != nil {
		return nil, err
	}
	base := []kong.Option{
		kong.Name("experimentctl"),
		kong.Description("Validate and run experiment pipelines."),
		kong.UsageOnError(),
		kong.Writers(g.Out, g.Err),
	}
	return kong.New(g, append(append(base, cmdOpts...), opts...)...)
}

func main() {
	globals := &Globals{Out: os.Stdout, Err: os.Stderr}
	parser, err := newParser(globals)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	globals.ctx = ctx

	kctx.FatalIfErrorf(kctx.Run(globals))
}
