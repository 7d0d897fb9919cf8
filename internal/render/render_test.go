package render

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mjbernaski/threemodels/internal/conversation"
	"github.com/mjbernaski/threemodels/internal/core"
)

func sampleConversation(prompt string) conversation.Conversation {
	l := conversation.New("unused.json", conversation.WithClock(func() time.Time {
		return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	}))
	l.AppendRound(prompt, core.ResultSet{
		"Anthropic": {Provider: "Anthropic", Content: "**Paris** is the capital.\n\n<script>alert(1)</script>", Usage: core.NewUsage(core.NamingInputOutput, 10, 5, 0), ResponseTime: 1.234, Attempts: 1},
		"OpenAI":    {Provider: "OpenAI", Content: "```go\nfmt.Println(\"hi\")\n```", Attempts: 2},
		"Gemini":    {Provider: "Gemini", Err: "Rate limited (429): <quota>", Attempts: 3},
	}, false)
	l.AppendRound("Compare them", core.ResultSet{"Anthropic": {Provider: "Anthropic", Content: "fine"}}, true)
	return l.Snapshot()
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, sampleConversation(`Capital of "France"?`), Options{Models: map[string]string{"Anthropic": "claude-test"}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()

	tests := []struct {
		name string
		want string
	}{
		{"title", "<h1>Three Models Comparison</h1>"},
		{"markdown bold", "<strong>Paris</strong>"},
		{"code block", `<code class="language-go">`},
		{"error escaped", "Rate limited (429): &lt;quota&gt;"},
		{"failure footer", "Failed after 3 attempts"},
		{"tokens", "10 in / 5 out / 15 total"},
		{"response time", "1.23s"},
		{"model subtitle", `<span class="model-id">claude-test</span>`},
		{"header class", "anthropic-header"},
		{"assessment label", `<span class="assessment-badge">Assessment</span>`},
		{"first prompt meta", `<meta name="first-prompt" content="Capital of &#34;France&#34;?">`},
		{"three columns", "repeat(3, 1fr)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(out, tt.want) {
				t.Errorf("output missing %q", tt.want)
			}
		})
	}
	if strings.Contains(out, "<script>alert(1)</script>") {
		t.Error("raw HTML from model output must not pass through")
	}
	// Providers are laid out in sorted order.
	a, g, o := strings.Index(out, ">Anthropic"), strings.Index(out, ">Gemini"), strings.Index(out, ">OpenAI")
	if !(a < g && g < o) {
		t.Errorf("columns out of order: %d %d %d", a, g, o)
	}
}

func TestWriteAndListComparisons(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("x", 150)
	stamps := []int64{1700000000000, 1700000005000, 1700000001000}
	prompts := []string{"first & <oldest>", long, "middle"}
	for i, ms := range stamps {
		path, err := WriteComparison(dir, sampleConversation(prompts[i]), Options{Now: func() time.Time { return time.UnixMilli(ms) }})
		if err != nil {
			t.Fatalf("WriteComparison: %v", err)
		}
		if filepath.Base(path) != "conversation_"+strconv.FormatInt(ms, 10)+".html" {
			t.Fatalf("path = %s", path)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ListComparisons(dir, 0)
	if err != nil {
		t.Fatalf("ListComparisons: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(got))
	}
	if got[0].Timestamp != 1700000005000 || got[1].Timestamp != 1700000001000 || got[2].Timestamp != 1700000000000 {
		t.Errorf("not newest first: %+v", got)
	}
	if got[0].Prompt != strings.Repeat("x", 100)+"..." {
		t.Errorf("long prompt not truncated: %q", got[0].Prompt)
	}
	if got[2].Prompt != "first & <oldest>" {
		t.Errorf("prompt not unescaped: %q", got[2].Prompt)
	}
	if got[1].URL != "/comparisons/conversation_1700000001000.html" {
		t.Errorf("url = %q", got[1].URL)
	}

	limited, _ := ListComparisons(dir, 2)
	if len(limited) != 2 {
		t.Errorf("limit ignored: %d", len(limited))
	}

	var buf bytes.Buffer
	if err := Render(&buf, sampleConversation("new"), Options{Previous: limited}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Previous conversations") || !strings.Contains(buf.String(), `href="conversation_1700000005000.html"`) {
		t.Error("previous conversations index not rendered")
	}
}

func TestListComparisonsMissingDir(t *testing.T) {
	got, err := ListComparisons(filepath.Join(t.TempDir(), "nope"), 10)
	if err != nil || got != nil {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestWriteComparisonSameMillisecond(t *testing.T) {
	dir := t.TempDir()
	fixed := Options{Now: func() time.Time { return time.UnixMilli(1700000000000) }}
	const writers = 8

	paths := make([]string, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = WriteComparison(dir, sampleConversation("prompt "+strconv.Itoa(i)), fixed)
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, p := range paths {
		if errs[i] != nil {
			t.Fatalf("writer %d: %v", i, errs[i])
		}
		if seen[p] {
			t.Fatalf("path %s written twice", p)
		}
		seen[p] = true
	}

	got, err := ListComparisons(dir, 0)
	if err != nil {
		t.Fatalf("ListComparisons: %v", err)
	}
	if len(got) != writers {
		t.Fatalf("expected %d pages, got %d", writers, len(got))
	}
	prompts := map[string]bool{}
	for _, c := range got {
		prompts[c.Prompt] = true
	}
	if len(prompts) != writers {
		t.Fatalf("pages overwrote each other: %v", prompts)
	}
	if got[writers-1].Timestamp != 1700000000000 {
		t.Errorf("oldest stamp = %d", got[writers-1].Timestamp)
	}
}
