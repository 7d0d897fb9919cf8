package cli

import (
	"fmt"
	"os"

	"github.com/mjbernaski/threemodels/internal/conversation"
	"github.com/mjbernaski/threemodels/internal/render"
)

const renderUsage = `Usage:
  threemodels render [--config <path>] [--in <file>] [--out <dir>]

Flags:
  --config  string  Path to YAML configuration file
  --in      string  Conversation log to render (default from config)
  --out     string  Directory for the HTML page (default from config)
  --title   string  Page title`

func (a *App) renderLog(args []string) error {
	var cfgPath, in, out, title string
	fs := a.newFlagSet("render", renderUsage, &cfgPath)
	fs.StringVar(&in, "in", "", "conversation log file")
	fs.StringVar(&out, "out", "", "output directory")
	fs.StringVar(&title, "title", "", "page title")
	if done, err := parse(fs, args); done || err != nil {
		return err
	}

	cfg, logger, err := a.loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if in == "" {
		in = cfg.Conversation.Path
	}
	if out == "" {
		out = cfg.Conversation.ComparisonsDir
	}
	if _, err := os.Stat(in); err != nil {
		return fmt.Errorf("conversation log: %w", err)
	}

	log, err := conversation.Open(in, conversation.WithLogger(logger))
	if err != nil {
		return err
	}
	prev, err := render.ListComparisons(out, previousPages)
	if err != nil {
		return err
	}
	path, err := render.WriteComparison(out, log.Snapshot(), render.Options{
		Title:    title,
		Models:   modelNames(cfg),
		Previous: prev,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "HTML comparison saved to %s\n", path)
	return nil
}

const schemaUsage = `Usage:
  threemodels schema

Prints the JSON Schema of the conversation log file.`

func (a *App) schema(args []string) error {
	var cfgPath string
	fs := a.newFlagSet("schema", schemaUsage, &cfgPath)
	if done, err := parse(fs, args); done || err != nil {
		return err
	}
	fmt.Fprintln(a.Out, conversation.Schema())
	return nil
}
