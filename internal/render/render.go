// Package render turns a conversation log into a static side-by-side HTML page.
package render

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/mjbernaski/threemodels/internal/conversation"
	"github.com/mjbernaski/threemodels/internal/core"
	"github.com/mjbernaski/threemodels/internal/util"
)

//go:embed page.html.tmpl
var pageSource string

var page = template.Must(template.New("page").Parse(pageSource))

// Raw HTML in model output is omitted by goldmark's default renderer.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

const timeLayout = "2006-01-02 15:04:05 MST"

type Options struct {
	Title string
	// Models maps a provider identifier to the model it ran, shown under the column header.
	Models map[string]string
	// Previous lists earlier pages in the "Previous conversations" index.
	Previous []Comparison
	// Now stamps the output file name; defaults to time.Now.
	Now func() time.Time
}

type pageView struct {
	Title       string
	FirstPrompt string
	StartTime   string
	TotalRounds int
	LastUpdated string
	Columns     int
	Rounds      []roundView
	Previous    []Comparison
}

type roundView struct {
	ID           int
	Timestamp    string
	IsAssessment bool
	Prompt       template.HTML
	Columns      []columnView
}

type columnView struct {
	Name         string
	Model        string
	HeaderClass  string
	Content      template.HTML
	Err          string
	Usage        *core.Usage
	ResponseTime string
	Attempts     int
}

// Render writes the page for conv to w.
func Render(w io.Writer, conv conversation.Conversation, opts Options) error {
	v := pageView{
		Title:       opts.Title,
		StartTime:   formatTime(conv.Metadata.StartTime.Time),
		TotalRounds: conv.Metadata.TotalRounds,
		LastUpdated: "N/A",
		Columns:     1,
		Previous:    opts.Previous,
	}
	if v.Title == "" {
		v.Title = "Three Models Comparison"
	}
	if conv.Metadata.LastUpdated != nil {
		v.LastUpdated = formatTime(conv.Metadata.LastUpdated.Time)
	}
	if len(conv.Rounds) > 0 {
		v.FirstPrompt = conv.Rounds[0].UserPrompt
	}

	for _, r := range conv.Rounds {
		prompt, err := toHTML(r.UserPrompt)
		if err != nil {
			return err
		}
		rv := roundView{ID: r.ID, Timestamp: formatTime(r.Timestamp.Time), IsAssessment: r.IsAssessment, Prompt: prompt}
		for _, name := range r.Responses.Names() {
			res := r.Responses[name]
			col := columnView{
				Name:        name,
				Model:       opts.Models[name],
				HeaderClass: strings.ToLower(name) + "-header",
				Err:         res.Err,
				Usage:       res.Usage,
				Attempts:    res.Attempts,
			}
			if res.ResponseTime > 0 {
				col.ResponseTime = fmt.Sprintf("%.2fs", res.ResponseTime)
			}
			if res.OK() {
				if col.Content, err = toHTML(res.Content); err != nil {
					return err
				}
			}
			rv.Columns = append(rv.Columns, col)
		}
		if len(rv.Columns) > v.Columns {
			v.Columns = len(rv.Columns)
		}
		v.Rounds = append(v.Rounds, rv)
	}
	return page.Execute(w, v)
}

// WriteComparison renders conv to dir/conversation_<unixmilli>.html and returns the path.
// When that name is taken the stamp moves forward one millisecond at a time.
func WriteComparison(dir string, conv conversation.Conversation, opts Options) (string, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	var buf bytes.Buffer
	if err := Render(&buf, conv, opts); err != nil {
		return "", fmt.Errorf("render comparison: %w", err)
	}
	path, err := reserveName(dir, now().UnixMilli())
	if err != nil {
		return "", err
	}
	if err := util.WriteFileAtomic(path, buf.Bytes()); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

const maxNameAttempts = 1000

// reserveName creates an empty placeholder with O_EXCL so concurrent writers,
// in this process or another, never pick the same file.
func reserveName(dir string, ms int64) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	for i := int64(0); i < maxNameAttempts; i++ {
		path := filepath.Join(dir, fmt.Sprintf("conversation_%d.html", ms+i))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("reserve %s: %w", path, err)
		}
		f.Close()
		return path, nil
	}
	return "", fmt.Errorf("no free comparison name near conversation_%d.html", ms)
}

func toHTML(md string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	// goldmark escapes text and omits raw HTML, so the output is safe to embed.
	return template.HTML(buf.String()), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.Format(timeLayout)
}
