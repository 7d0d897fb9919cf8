package cli

import (
	"context"
	"errors"
	"strings"

	"github.com/mjbernaski/threemodels/internal/core"
)

const askUsage = `Usage:
  threemodels ask [--config <path>] [--stream] <prompt>

Flags:
  --config  string  Path to YAML configuration file
  --stream          Print answers as they stream in`

func (a *App) ask(ctx context.Context, args []string) error {
	var (
		cfgPath string
		stream  bool
	)
	fs := a.newFlagSet("ask", askUsage, &cfgPath)
	fs.BoolVar(&stream, "stream", false, "stream answers")
	if done, err := parse(fs, args); done || err != nil {
		return err
	}
	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		return errors.New("ask requires a prompt")
	}

	cfg, logger, err := a.loadConfig(cfgPath)
	if err != nil {
		return err
	}
	d, err := a.NewDispatcher(cfg, logger, nil)
	if err != nil {
		return err
	}

	msgs := []core.Message{{Role: core.RoleUser, Content: prompt}}
	var rs core.ResultSet
	if stream {
		p := &streamPrinter{w: a.Out}
		rs = d.DispatchAllStreaming(ctx, msgs, p.onChunk)
	} else {
		rs = d.DispatchAllWith(ctx, msgs, cfg.Dispatch.MaxRetries, progress(a.Out))
	}
	printResults(a.Out, rs, "Response")

	if len(rs) > 0 && allFailed(rs) {
		return errors.New("all providers failed")
	}
	return nil
}
