package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mjbernaski/threemodels/internal/config"
	"github.com/mjbernaski/threemodels/internal/core"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(config.ProviderConfig{Name: "Gemini", APIKey: "g-test", Model: "gemini-test", BaseURL: srv.URL, MaxTokens: 128}, srv.Client(), nil)
}

func TestMapMessages(t *testing.T) {
	contents, system := mapMessages([]core.Message{
		{Role: core.RoleSystem, Content: "sys"},
		{Role: core.RoleUser, Content: "q1"},
		{Role: core.RoleAssistant, Content: "a1"},
		{Role: core.RoleUser, Content: "q2"},
	})
	if system == nil || system.Parts[0].Text != "sys" {
		t.Fatalf("system = %+v", system)
	}
	roles := make([]string, len(contents))
	for i, c := range contents {
		roles[i] = c.Role
	}
	if strings.Join(roles, ",") != "user,model,user" {
		t.Fatalf("roles = %v", roles)
	}
}

func TestSendBlocking(t *testing.T) {
	var got generateRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-test:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-test" {
			t.Errorf("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"Bonjour"}]}}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}}`)
	})
	res := c.Send(context.Background(), []core.Message{{Role: core.RoleUser, Content: "hello in french"}}, nil)
	if !res.OK() || res.Content != "Bonjour" || res.Provider != "Gemini" {
		t.Fatalf("result = %+v", res)
	}
	if res.Usage == nil || res.Usage.InputTokens != 4 || res.Usage.OutputTokens != 2 || res.Usage.TotalTokens != 6 {
		t.Fatalf("usage = %+v", res.Usage)
	}
	if got.GenerationConfig["maxOutputTokens"] != float64(128) {
		t.Errorf("generationConfig = %v", got.GenerationConfig)
	}
}

func TestSendStreaming(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-test:streamGenerateContent" || r.URL.Query().Get("alt") != "sse" {
			t.Errorf("url = %s", r.URL)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Bon\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"jour\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":4,\"candidatesTokenCount\":2}}\n\n")
	})
	var chunks []string
	res := c.Send(context.Background(), []core.Message{{Role: core.RoleUser, Content: "hi"}}, func(_, f string) {
		chunks = append(chunks, f)
	})
	if !res.OK() || res.Content != "Bonjour" {
		t.Fatalf("result = %+v", res)
	}
	if strings.Join(chunks, "|") != "Bon|jour" {
		t.Fatalf("chunks = %v", chunks)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 6 {
		t.Fatalf("usage should fill the total, got %+v", res.Usage)
	}
}

func TestSendHTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"status":"INVALID_ARGUMENT","message":"API key not valid. Please pass a valid API key."}}`)
	})
	res := c.Send(context.Background(), []core.Message{{Role: core.RoleUser, Content: "x"}}, nil)
	if res.OK() || !strings.HasPrefix(res.Err, "Invalid request (400)") || !strings.Contains(res.Err, "API key not valid") {
		t.Fatalf("err = %q", res.Err)
	}
}

func TestSendEmptyResponse(t *testing.T) {
	tests := []struct {
		name    string
		stream  bool
		body    string
		wantErr string
	}{
		{"blocked prompt", false, `{"promptFeedback":{"blockReason":"SAFETY"}}`, "prompt blocked: SAFETY"},
		{"no candidates", false, `{"usageMetadata":{"promptTokenCount":4}}`, "no candidates"},
		{"finish without text", false, `{"candidates":[{"content":{"parts":[]},"finishReason":"RECITATION"}]}`, "finishReason RECITATION"},
		{"stream without text", true, "data: {\"candidates\":[{\"finishReason\":\"SAFETY\"}]}\n\n", "finishReason SAFETY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.stream {
					w.Header().Set("Content-Type", "text/event-stream")
				}
				fmt.Fprint(w, tt.body)
			})
			var onChunk core.ChunkFunc
			if tt.stream {
				onChunk = func(_, _ string) {}
			}
			res := c.Send(context.Background(), []core.Message{{Role: core.RoleUser, Content: "x"}}, onChunk)
			if res.OK() {
				t.Fatalf("empty response must fail, got %+v", res)
			}
			if !strings.HasPrefix(res.Err, "Gemini API error: empty response") || !strings.Contains(res.Err, tt.wantErr) {
				t.Fatalf("err = %q, want it to mention %q", res.Err, tt.wantErr)
			}
		})
	}
}

func TestSendThoughtsCountAsOutput(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"thoughtsTokenCount":10,"totalTokenCount":16}}`)
	})
	res := c.Send(context.Background(), []core.Message{{Role: core.RoleUser, Content: "think"}}, nil)
	if !res.OK() {
		t.Fatalf("result = %+v", res)
	}
	u := res.Usage
	if u == nil || u.InputTokens != 4 || u.OutputTokens != 12 || u.TotalTokens != 16 {
		t.Fatalf("usage = %+v", u)
	}
	if u.InputTokens+u.OutputTokens != u.TotalTokens {
		t.Fatalf("total %d != input %d + output %d", u.TotalTokens, u.InputTokens, u.OutputTokens)
	}
}
