package openai

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
	vendor         = "OpenAI"
	defaultBaseURL = "https://api.openai.com"
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
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:       name,
		apiKey:     pc.APIKey,
		baseURL:    base,
		model:      pc.Model,
		maxTokens:  pc.MaxTokens,
		httpClient: hc,
		logger:     logger,
	}
}

func (c *Client) Name() string { return c.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model               string         `json:"model"`
	Messages            []chatMessage  `json:"messages"`
	MaxCompletionTokens int            `json:"max_completion_tokens,omitempty"`
	Stream              bool           `json:"stream,omitempty"`
	StreamOptions       *streamOptions `json:"stream_options,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usage) toCore() *core.Usage {
	if u == nil {
		return nil
	}
	return core.NewUsage(core.NamingPromptCompletion, u.PromptTokens, u.CompletionTokens, u.TotalTokens)
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send calls Chat Completions. A nil onChunk makes a blocking call.
func (c *Client) Send(ctx context.Context, messages []core.Message, onChunk core.ChunkFunc) core.Result {
	payload := chatRequest{
		Model:               c.model,
		Messages:            mapMessages(messages),
		MaxCompletionTokens: c.maxTokens,
	}
	if onChunk != nil {
		payload.Stream = true
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	resp, err := util.PostJSON(ctx, c.httpClient, c.baseURL+"/v1/chat/completions", map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	}, payload, vendor)
	if err != nil {
		return core.Failure(c.name, apierr.Classify(vendor, err))
	}
	defer resp.Body.Close()

	if onChunk == nil {
		var cr chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return core.Failure(c.name, apierr.Classify(vendor, fmt.Errorf("decode response: %w", err)))
		}
		if len(cr.Choices) == 0 {
			return core.Failure(c.name, apierr.Classify(vendor, fmt.Errorf("%w: no choices", moderr.ErrEmptyResponse)))
		}
		choice := cr.Choices[0]
		if choice.Message.Content == "" {
			reason := "finish_reason " + choice.FinishReason
			if choice.Message.Refusal != "" {
				reason = "refusal: " + choice.Message.Refusal
			}
			return core.Failure(c.name, apierr.Classify(vendor, fmt.Errorf("%w: %s", moderr.ErrEmptyResponse, reason)))
		}
		return core.Success(c.name, choice.Message.Content, cr.Usage.toCore())
	}

	content, u, err := c.readStream(resp.Body, onChunk)
	return util.FinishStream(c.logger, c.name, vendor, content, u, err)
}

func (c *Client) readStream(body io.Reader, onChunk core.ChunkFunc) (string, *core.Usage, error) {
	var (
		sb strings.Builder
		u  *core.Usage
	)
	sc := util.NewSSEScanner(body)
	for {
		ev, err := sc.Next()
		if errors.Is(err, io.EOF) {
			return sb.String(), u, nil
		}
		if err != nil {
			return sb.String(), u, err
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			c.logger.Debug("skipping undecodable chunk", slog.String("provider", c.name), slog.String("error", err.Error()))
			continue
		}
		if chunk.Error != nil {
			return sb.String(), u, &apierr.StreamError{Source: vendor, Type: chunk.Error.Type, Message: chunk.Error.Message}
		}
		if chunk.Usage != nil {
			u = chunk.Usage.toCore()
		}
		if len(chunk.Choices) > 0 {
			if text := chunk.Choices[0].Delta.Content; text != "" {
				sb.WriteString(text)
				onChunk(c.name, text)
			}
		}
	}
}

func mapMessages(msgs []core.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
