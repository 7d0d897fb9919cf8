package cli

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/mjbernaski/threemodels/internal/conversation"
	"github.com/mjbernaski/threemodels/internal/metrics"
	"github.com/mjbernaski/threemodels/internal/render"
	"github.com/mjbernaski/threemodels/internal/server"
)

const serveUsage = `Usage:
  threemodels serve [--config <path>] [--addr <host:port>]

Flags:
  --config  string  Path to YAML configuration file
  --addr    string  Override the listen address from configuration`

func (a *App) serve(ctx context.Context, args []string) error {
	var cfgPath, addr string
	fs := a.newFlagSet("serve", serveUsage, &cfgPath)
	fs.StringVar(&addr, "addr", "", "override listen address")
	if done, err := parse(fs, args); done || err != nil {
		return err
	}

	cfg, logger, err := a.loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if addr != "" {
		if err := validateAddr(addr); err != nil {
			return err
		}
		cfg.Server.Addr = addr
	}

	collector := metrics.NewCollector("threemodels", logger)
	d, err := a.NewDispatcher(cfg, logger, collector)
	if err != nil {
		return err
	}

	store := conversation.NewStore(cfg.Conversation.Dir,
		conversation.WithReplayProvider(cfg.Conversation.ReplayProvider),
		conversation.WithLogger(logger),
	)
	srv, err := server.New(server.Options{
		Addr:           cfg.Server.Addr,
		Dispatcher:     d,
		Store:          store,
		ComparisonsDir: cfg.Conversation.ComparisonsDir,
		MaxRetries:     cfg.Dispatch.MaxRetries,
		AskRate:        cfg.Server.AskRate,
		AskBurst:       cfg.Server.AskBurst,
		Render:         render.Options{Models: modelNames(cfg)},
		Metrics:        collector,
		Logger:         logger,
		Version:        version,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func validateAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("listen address %q must use a valid TCP port", addr)
	}
	return nil
}
