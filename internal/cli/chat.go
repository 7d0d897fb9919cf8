package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mjbernaski/threemodels/internal/config"
	"github.com/mjbernaski/threemodels/internal/conversation"
	"github.com/mjbernaski/threemodels/internal/core"
	"github.com/mjbernaski/threemodels/internal/render"
)

const chatUsage = `Usage:
  threemodels chat [--config <path>] [--stream] [--conversation <file>]

Flags:
  --config        string  Path to YAML configuration file
  --stream                Print answers as they stream in (single attempt per provider)
  --conversation  string  Conversation log to continue (default from config)

Commands inside the chat:
  <prompt>  Send the prompt to all models
  assess    Ask the models to compare the previous answers
  exit      Save the conversation and quit`

const previousPages = 10

func (a *App) chat(ctx context.Context, args []string) error {
	var (
		cfgPath  string
		stream   bool
		convPath string
	)
	fs := a.newFlagSet("chat", chatUsage, &cfgPath)
	fs.BoolVar(&stream, "stream", false, "stream answers")
	fs.StringVar(&convPath, "conversation", "", "conversation log file")
	if done, err := parse(fs, args); done || err != nil {
		return err
	}

	cfg, logger, err := a.loadConfig(cfgPath)
	if err != nil {
		return err
	}
	d, err := a.NewDispatcher(cfg, logger, nil)
	if err != nil {
		return err
	}
	if convPath == "" {
		convPath = cfg.Conversation.Path
	}

	fmt.Fprintln(a.Out, "Multi-Model AI Conversation System")
	fmt.Fprintln(a.Out, "==================================")
	fmt.Fprintln(a.Out)

	log, err := conversation.Open(convPath,
		conversation.WithReplayProvider(cfg.Conversation.ReplayProvider),
		conversation.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if len(log.Snapshot().Rounds) == 0 {
		fmt.Fprintln(a.Out, "Starting new conversation")
		fmt.Fprintln(a.Out)
	}

	s := &session{app: a, cfg: cfg, log: log, d: d, stream: stream, logger: logger}
	return s.loop(ctx)
}

type session struct {
	app    *App
	cfg    *config.Config
	log    *conversation.Log
	d      Dispatcher
	stream bool
	logger *slog.Logger
}

func (s *session) loop(ctx context.Context) error {
	out := s.app.Out
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  - Type your prompt and press Enter to send to all models")
	fmt.Fprintln(out, `  - Type "assess" to have models analyze the previous responses`)
	fmt.Fprintln(out, `  - Type "exit" to quit and save the conversation`)

	lines := readLines(ctx, s.app.In)
	for {
		fmt.Fprint(out, "\n> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\n\nReceived interrupt signal. Saving conversation...")
			return s.log.Save()
		case line, ok := <-lines:
			if !ok {
				return s.finish()
			}
			input := strings.TrimSpace(line)
			switch {
			case input == "":
				continue
			case strings.EqualFold(input, "exit"):
				return s.finish()
			case strings.EqualFold(input, "assess"):
				if err := s.assess(ctx); err != nil {
					return err
				}
			default:
				if err := s.prompt(ctx, input); err != nil {
					return err
				}
			}
			if ctx.Err() != nil {
				fmt.Fprintln(out, "\n\nReceived interrupt signal. Conversation saved.")
				return nil
			}
		}
	}
}

func (s *session) finish() error {
	if err := s.log.Save(); err != nil {
		return err
	}
	fmt.Fprintln(s.app.Out, "\nConversation saved. Goodbye!")
	return nil
}

func (s *session) prompt(ctx context.Context, input string) error {
	fmt.Fprintln(s.app.Out, "\nSending to all models...")
	msgs := append(s.log.ContextMessages(), core.Message{Role: core.RoleUser, Content: input})
	rs := s.dispatch(ctx, msgs)
	printResults(s.app.Out, rs, "Response")
	s.log.AppendRound(input, rs, false)
	return s.persist()
}

func (s *session) assess(ctx context.Context) error {
	last, ok := s.log.LastRound()
	if !ok || len(last.Responses) == 0 {
		fmt.Fprintln(s.app.Out, "No previous responses to assess.")
		return nil
	}
	fmt.Fprintln(s.app.Out, "\nSending assessment request to all models...")
	prompt := conversation.AssessmentPrompt(last.UserPrompt, last.Responses)
	rs := s.dispatch(ctx, []core.Message{{Role: core.RoleUser, Content: prompt}})
	printResults(s.app.Out, rs, "Assessment")
	s.log.AppendRound(prompt, rs, true)
	return s.persist()
}

func (s *session) dispatch(ctx context.Context, msgs []core.Message) core.ResultSet {
	if s.stream {
		p := &streamPrinter{w: s.app.Out}
		return s.d.DispatchAllStreaming(ctx, msgs, p.onChunk)
	}
	return s.d.DispatchAllWith(ctx, msgs, s.cfg.Dispatch.MaxRetries, progress(s.app.Out))
}

// persist saves the log and refreshes its comparison page. A render failure
// is logged and does not end the chat.
func (s *session) persist() error {
	if err := s.log.Save(); err != nil {
		return err
	}
	dir := s.cfg.Conversation.ComparisonsDir
	prev, err := render.ListComparisons(dir, previousPages)
	if err != nil {
		s.logger.Warn("list comparisons failed", slog.String("error", err.Error()))
	}
	path, err := render.WriteComparison(dir, s.log.Snapshot(), render.Options{Models: modelNames(s.cfg), Previous: prev})
	if err != nil {
		s.logger.Warn("render comparison failed", slog.String("error", err.Error()))
		return nil
	}
	fmt.Fprintf(s.app.Out, "\nHTML comparison saved to %s\n", path)
	return nil
}

func readLines(ctx context.Context, r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
