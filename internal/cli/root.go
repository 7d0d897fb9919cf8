// Package cli implements the threemodels command line.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	threemodels "github.com/mjbernaski/threemodels"
	"github.com/mjbernaski/threemodels/internal/config"
	"github.com/mjbernaski/threemodels/internal/core"
	"github.com/mjbernaski/threemodels/internal/server"
)

const usage = `threemodels sends one prompt to several LLM providers in parallel.

Usage:
  threemodels <command> [flags]

Commands:
  chat     Interactive multi-model conversation
  ask      Send a single prompt and print every answer
  serve    Start the HTTP server
  render   Render a conversation log to HTML
  schema   Print the conversation file JSON Schema
  version  Print the build version

Flags:
  -h, --help  Show this help message

Every command accepts --config <path>; without it THREEMODELS_CONFIG_PATH
or ./config.yaml is used when present.`

// Set with -ldflags "-X github.com/mjbernaski/threemodels/internal/cli.version=...".
var version = "dev"

// Dispatcher is what the commands need from *threemodels.Dispatcher.
type Dispatcher = server.Dispatcher

// DispatcherFactory builds the dispatcher for a loaded config. obs may be nil.
type DispatcherFactory func(cfg *config.Config, logger *slog.Logger, obs core.Observer) (Dispatcher, error)

// App carries the process streams so commands can be driven from tests.
type App struct {
	In            io.Reader
	Out           io.Writer
	Err           io.Writer
	NewDispatcher DispatcherFactory
}

func NewApp() *App {
	return &App{In: os.Stdin, Out: os.Stdout, Err: os.Stderr, NewDispatcher: defaultDispatcher}
}

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	return NewApp().Run(ctx, args)
}

func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return a.printUsage()
	}

	switch args[0] {
	case "chat":
		return a.chat(ctx, args[1:])
	case "ask":
		return a.ask(ctx, args[1:])
	case "serve":
		return a.serve(ctx, args[1:])
	case "render":
		return a.renderLog(args[1:])
	case "schema":
		return a.schema(args[1:])
	case "version":
		fmt.Fprintln(a.Out, version)
		return nil
	case "help", "-h", "--help":
		return a.printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func (a *App) printUsage() error {
	fmt.Fprintln(a.Out, strings.TrimSpace(usage))
	return nil
}

func defaultDispatcher(cfg *config.Config, logger *slog.Logger, obs core.Observer) (Dispatcher, error) {
	opts := []threemodels.Option{threemodels.WithLogger(logger)}
	if obs != nil {
		opts = append(opts, threemodels.WithObserver(obs))
	}
	return threemodels.NewFromConfig(*cfg, opts...)
}

// newFlagSet returns a flag set that reports to the app's error stream and
// registers the shared --config flag.
func (a *App) newFlagSet(name, help string, cfgPath *string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.Err)
	fs.Usage = func() {
		fmt.Fprintln(a.Err, help)
	}
	fs.StringVar(cfgPath, "config", "", "path to configuration file")
	return fs
}

// parse returns done=true when the user asked for help.
func parse(fs *flag.FlagSet, args []string) (done bool, err error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return true, nil
		}
		return false, fmt.Errorf("parse %s flags: %w", fs.Name(), err)
	}
	return false, nil
}

func (a *App) loadConfig(path string) (*config.Config, *slog.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log, a.Err)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// modelNames maps each enabled provider name to its configured model.
func modelNames(cfg *config.Config) map[string]string {
	out := make(map[string]string)
	for _, p := range cfg.Enabled() {
		out[p.Name] = p.Model
	}
	return out
}
