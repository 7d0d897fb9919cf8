package render

import (
	"errors"
	"html"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const maxPromptPreview = 100

var (
	comparisonName = regexp.MustCompile(`^conversation_(\d+)\.html$`)
	firstPromptTag = regexp.MustCompile(`<meta name="first-prompt" content="([^"]*)">`)
)

// Comparison is a previously written page.
type Comparison struct {
	Filename  string    `json:"filename"`
	URL       string    `json:"url"`
	Timestamp int64     `json:"timestamp"`
	Prompt    string    `json:"prompt"`
	Created   time.Time `json:"-"`
}

// Time formats the creation time for the index.
func (c Comparison) Time() string { return formatTime(c.Created) }

// ListComparisons returns up to limit pages in dir, newest first. A limit
// of zero or less returns all of them. A missing dir yields no pages.
func ListComparisons(dir string, limit int) ([]Comparison, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Comparison
	for _, e := range entries {
		m := comparisonName.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		ms, _ := strconv.ParseInt(m[1], 10, 64)
		out = append(out, Comparison{
			Filename:  e.Name(),
			URL:       "/comparisons/" + e.Name(),
			Timestamp: ms,
			Prompt:    firstPrompt(filepath.Join(dir, e.Name())),
			Created:   time.UnixMilli(ms),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func firstPrompt(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return "Conversation"
	}
	m := firstPromptTag.FindSubmatch(b)
	if m == nil || len(m[1]) == 0 {
		return "Conversation"
	}
	p := strings.TrimSpace(html.UnescapeString(string(m[1])))
	if r := []rune(p); len(r) > maxPromptPreview {
		p = string(r[:maxPromptPreview]) + "..."
	}
	return p
}
