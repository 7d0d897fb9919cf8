package gemini

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
	vendor         = "Gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com"
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

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents          []content      `json:"contents"`
	SystemInstruction *content       `json:"systemInstruction,omitempty"`
	GenerationConfig  map[string]any `json:"generationConfig,omitempty"`
}

// Thinking models report reasoning tokens separately; they are billed as
// output and included in totalTokenCount.
type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Gemini sends the same shape for blocking responses and stream chunks.
type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Usage *usageMetadata `json:"usageMetadata"`
	Error *struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// text joins the parts of the first candidate.
func (r *generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func (r *generateResponse) usage() *core.Usage {
	if r.Usage == nil {
		return nil
	}
	out := r.Usage.CandidatesTokenCount + r.Usage.ThoughtsTokenCount
	return core.NewUsage(core.NamingPromptCompletion, r.Usage.PromptTokenCount, out, r.Usage.TotalTokenCount)
}

// stopReason explains a response without text: a blocked prompt or the
// first candidate's finish reason.
func (r *generateResponse) stopReason() string {
	if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
		return "prompt blocked: " + r.PromptFeedback.BlockReason
	}
	if len(r.Candidates) == 0 {
		return "no candidates"
	}
	if fr := r.Candidates[0].FinishReason; fr != "" {
		return "finishReason " + fr
	}
	return ""
}

func emptyResponse(reason string) error {
	if reason == "" {
		return moderr.ErrEmptyResponse
	}
	return fmt.Errorf("%w: %s", moderr.ErrEmptyResponse, reason)
}

// Send calls generateContent, or streamGenerateContent when onChunk is set.
func (c *Client) Send(ctx context.Context, messages []core.Message, onChunk core.ChunkFunc) core.Result {
	payload := generateRequest{}
	payload.Contents, payload.SystemInstruction = mapMessages(messages)
	if c.maxTokens > 0 {
		payload.GenerationConfig = map[string]any{"maxOutputTokens": c.maxTokens}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	if onChunk != nil {
		url = fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", c.baseURL, c.model)
	}
	resp, err := util.PostJSON(ctx, c.httpClient, url, map[string]string{
		"x-goog-api-key": c.apiKey,
	}, payload, vendor)
	if err != nil {
		return core.Failure(c.name, apierr.Classify(vendor, err))
	}
	defer resp.Body.Close()

	if onChunk == nil {
		var gr generateResponse
		if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
			return core.Failure(c.name, apierr.Classify(vendor, fmt.Errorf("decode response: %w", err)))
		}
		text := gr.text()
		if text == "" {
			return core.Failure(c.name, apierr.Classify(vendor, emptyResponse(gr.stopReason())))
		}
		return core.Success(c.name, text, gr.usage())
	}

	text, u, err := c.readStream(resp.Body, onChunk)
	return util.FinishStream(c.logger, c.name, vendor, text, u, err)
}

func (c *Client) readStream(body io.Reader, onChunk core.ChunkFunc) (string, *core.Usage, error) {
	var (
		sb     strings.Builder
		u      *core.Usage
		reason string
	)
	sc := util.NewSSEScanner(body)
	for {
		ev, err := sc.Next()
		if errors.Is(err, io.EOF) {
			if sb.Len() == 0 {
				return "", u, emptyResponse(reason)
			}
			return sb.String(), u, nil
		}
		if err != nil {
			return sb.String(), u, err
		}
		var chunk generateResponse
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			c.logger.Debug("skipping undecodable chunk", slog.String("provider", c.name), slog.String("error", err.Error()))
			continue
		}
		if chunk.Error != nil {
			return sb.String(), u, &apierr.StreamError{Source: vendor, Type: chunk.Error.Status, Message: chunk.Error.Message}
		}
		if cu := chunk.usage(); cu != nil {
			u = cu
		}
		if len(chunk.Candidates) > 0 || chunk.PromptFeedback != nil {
			if r := chunk.stopReason(); r != "" {
				reason = r
			}
		}
		if text := chunk.text(); text != "" {
			sb.WriteString(text)
			onChunk(c.name, text)
		}
	}
}

// mapMessages converts the conversation to Gemini contents. Gemini calls the
// assistant role "model" and carries system text separately.
func mapMessages(msgs []core.Message) ([]content, *content) {
	var system []part
	out := make([]content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case core.RoleSystem:
			system = append(system, part{Text: m.Content})
		case core.RoleAssistant:
			out = append(out, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			out = append(out, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}
	if len(system) == 0 {
		return out, nil
	}
	return out, &content{Parts: system}
}
