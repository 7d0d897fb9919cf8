package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	moderr "github.com/mjbernaski/threemodels/errors"
	"github.com/mjbernaski/threemodels/internal/config"
	"github.com/mjbernaski/threemodels/internal/core"
	"github.com/mjbernaski/threemodels/internal/providers/apierr"
	"github.com/mjbernaski/threemodels/internal/util"
)

const (
	vendor           = "Anthropic"
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

type Client struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

func New(pc config.ProviderConfig, hc *http.Client, logger *slog.Logger) *Client {
	base := strings.TrimRight(pc.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	name := pc.Name
	if name == "" {
		name = vendor
	}
	maxTokens := pc.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:       name,
		apiKey:     pc.APIKey,
		baseURL:    base,
		model:      pc.Model,
		maxTokens:  maxTokens,
		httpClient: hc,
		logger:     logger,
	}
}

func (c *Client) Name() string { return c.name }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// max_tokens is mandatory on the Messages API.
type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
	Stream    bool      `json:"stream,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      usage  `json:"usage"`
}

// streamEvent covers every event type the Messages stream emits.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage usage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage *usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send calls the Messages API. A nil onChunk makes a blocking call.
func (c *Client) Send(ctx context.Context, messages []core.Message, onChunk core.ChunkFunc) core.Result {
	system, msgs := mapMessages(messages)
	payload := messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  msgs,
		Stream:    onChunk != nil,
	}

	resp, err := util.PostJSON(ctx, c.httpClient, c.baseURL+"/v1/messages", map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": apiVersion,
	}, payload, vendor)
	if err != nil {
		return core.Failure(c.name, apierr.Classify(vendor, err))
	}
	defer resp.Body.Close()

	if onChunk == nil {
		var mr messagesResponse
		if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
			return core.Failure(c.name, apierr.Classify(vendor, fmt.Errorf("decode response: %w", err)))
		}
		var sb strings.Builder
		for _, block := range mr.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		if sb.Len() == 0 {
			err := fmt.Errorf("%w: no text blocks, stop_reason %s", moderr.ErrEmptyResponse, mr.StopReason)
			return core.Failure(c.name, apierr.Classify(vendor, err))
		}
		u := core.NewUsage(core.NamingInputOutput, mr.Usage.InputTokens, mr.Usage.OutputTokens, 0)
		return core.Success(c.name, sb.String(), u)
	}

	content, u, err := c.readStream(resp.Body, onChunk)
	return util.FinishStream(c.logger, c.name, vendor, content, u, err)
}

type tokenTally struct {
	in, out int
	seen    bool
}

func (t tokenTally) usage() *core.Usage {
	if !t.seen {
		return nil
	}
	return core.NewUsage(core.NamingInputOutput, t.in, t.out, 0)
}

func (c *Client) readStream(body io.Reader, onChunk core.ChunkFunc) (string, *core.Usage, error) {
	var (
		sb    strings.Builder
		tally tokenTally
	)
	sc := util.NewSSEScanner(body)
	for {
		ev, err := sc.Next()
		if errors.Is(err, io.EOF) {
			return sb.String(), tally.usage(), nil
		}
		if err != nil {
			return sb.String(), tally.usage(), err
		}
		var se streamEvent
		if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
			c.logger.Debug("skipping undecodable event", slog.String("provider", c.name), slog.String("event", ev.Name))
			continue
		}
		switch se.Type {
		case "message_start":
			if se.Message != nil {
				tally.in = se.Message.Usage.InputTokens
				tally.seen = true
			}
		case "content_block_delta":
			if se.Delta != nil && se.Delta.Text != "" {
				sb.WriteString(se.Delta.Text)
				onChunk(c.name, se.Delta.Text)
			}
		case "message_delta":
			if se.Usage != nil {
				tally.out = se.Usage.OutputTokens
				tally.seen = true
			}
		case "message_stop":
			return sb.String(), tally.usage(), nil
		case "error":
			if se.Error != nil {
				return sb.String(), tally.usage(), &apierr.StreamError{Source: vendor, Type: se.Error.Type, Message: se.Error.Message}
			}
		}
	}
}

// mapMessages lifts system messages into the top-level system prompt.
func mapMessages(msgs []core.Message) (string, []message) {
	var system []string
	out := make([]message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == core.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		out = append(out, message{Role: string(m.Role), Content: m.Content})
	}
	return strings.Join(system, "\n\n"), out
}
