// Package conversation keeps the append-only log of prompt rounds and the
// answers each provider gave, persisted as one JSON file.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/mjbernaski/threemodels/internal/core"
	"github.com/mjbernaski/threemodels/internal/util"
)

const (
	DefaultPath           = "data/conversations/conversation.json"
	DefaultReplayProvider = "Anthropic"
)

type Conversation struct {
	Rounds   []Round  `json:"rounds"`
	Metadata Metadata `json:"metadata"`
}

type Metadata struct {
	ID          string     `json:"id,omitempty"`
	StartTime   Timestamp  `json:"start_time"`
	TotalRounds int        `json:"total_rounds"`
	LastUpdated *Timestamp `json:"last_updated,omitempty"`
}

// Round is one prompt and the answers it produced. IDs start at 1.
type Round struct {
	ID           int            `json:"id"`
	Timestamp    Timestamp      `json:"timestamp"`
	UserPrompt   string         `json:"userPrompt"`
	Responses    core.ResultSet `json:"responses"`
	IsAssessment bool           `json:"isAssessment"`
}

// Log is a conversation bound to a file. It is safe for concurrent use.
type Log struct {
	path   string
	replay string
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	conv Conversation
}

type Option func(*Log)

// WithReplayProvider names the provider whose answers ContextMessages replays.
func WithReplayProvider(name string) Option { return func(l *Log) { l.replay = name } }

func WithLogger(logger *slog.Logger) Option { return func(l *Log) { l.logger = logger } }

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

// New returns an empty conversation that will be saved to path.
func New(path string, opts ...Option) *Log {
	if path == "" {
		path = DefaultPath
	}
	l := &Log{
		path:   path,
		replay: DefaultReplayProvider,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.conv = l.fresh()
	return l
}

// Open is New followed by Load.
func Open(path string, opts ...Option) (*Log, error) {
	l := New(path, opts...)
	if err := l.Load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) fresh() Conversation {
	return Conversation{
		Rounds: []Round{},
		Metadata: Metadata{
			ID:        uuid.NewString(),
			StartTime: Timestamp{l.now()},
		},
	}
}

// Load replaces the in-memory conversation with the file contents. A missing
// file starts a new conversation. Damaged JSON is repaired once before giving up.
func (l *Log) Load() error {
	b, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Info("starting new conversation", slog.String("path", l.path))
		l.mu.Lock()
		l.conv = l.fresh()
		l.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read conversation: %w", err)
	}

	var conv Conversation
	if err := json.Unmarshal(b, &conv); err != nil {
		repaired, changed := util.RepairJSON(string(b))
		if !changed {
			return fmt.Errorf("decode conversation %s: %w", l.path, err)
		}
		if err2 := json.Unmarshal([]byte(repaired), &conv); err2 != nil {
			return fmt.Errorf("decode conversation %s: %w", l.path, err)
		}
		l.logger.Warn("repaired damaged conversation file", slog.String("path", l.path), slog.String("error", err.Error()))
	}
	if conv.Rounds == nil {
		conv.Rounds = []Round{}
	}
	if conv.Metadata.ID == "" {
		conv.Metadata.ID = uuid.NewString()
	}
	if conv.Metadata.StartTime.IsZero() {
		conv.Metadata.StartTime = Timestamp{l.now()}
	}
	l.mu.Lock()
	l.conv = conv
	l.mu.Unlock()
	return nil
}

// Save rewrites the whole file atomically.
func (l *Log) Save() error {
	l.mu.Lock()
	b, err := json.MarshalIndent(l.conv, "", "  ")
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	return util.WriteFileAtomic(l.path, b)
}

// AppendRound records a round and returns it.
func (l *Log) AppendRound(prompt string, results core.ResultSet, isAssessment bool) Round {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := Timestamp{l.now()}
	r := Round{
		ID:           len(l.conv.Rounds) + 1,
		Timestamp:    now,
		UserPrompt:   prompt,
		Responses:    copyResults(results),
		IsAssessment: isAssessment,
	}
	l.conv.Rounds = append(l.conv.Rounds, r)
	l.conv.Metadata.TotalRounds++
	l.conv.Metadata.LastUpdated = &now
	return r
}

// ContextMessages rebuilds the history sent with the next prompt: every
// prompt as a user message, followed by the replay provider's answer when
// the round was not an assessment and that provider succeeded. Answers of
// the other providers are never replayed.
func (l *Log) ContextMessages() []core.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := make([]core.Message, 0, 2*len(l.conv.Rounds))
	for _, r := range l.conv.Rounds {
		msgs = append(msgs, core.Message{Role: core.RoleUser, Content: r.UserPrompt})
		if r.IsAssessment {
			continue
		}
		if res, ok := r.Responses[l.replay]; ok && res.OK() {
			msgs = append(msgs, core.Message{Role: core.RoleAssistant, Content: res.Content})
		}
	}
	return msgs
}

// LastResults returns the responses of the newest round.
func (l *Log) LastResults() (core.ResultSet, bool) {
	r, ok := l.LastRound()
	if !ok {
		return nil, false
	}
	return r.Responses, true
}

func (l *Log) LastRound() (Round, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.conv.Rounds) == 0 {
		return Round{}, false
	}
	r := l.conv.Rounds[len(l.conv.Rounds)-1]
	r.Responses = copyResults(r.Responses)
	return r, true
}

// Snapshot returns a copy of the conversation safe to read while the log keeps changing.
func (l *Log) Snapshot() Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := Conversation{Metadata: l.conv.Metadata, Rounds: make([]Round, len(l.conv.Rounds))}
	for i, r := range l.conv.Rounds {
		r.Responses = copyResults(r.Responses)
		c.Rounds[i] = r
	}
	return c
}

func (l *Log) Path() string { return l.path }

func (l *Log) ID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conv.Metadata.ID
}

func copyResults(rs core.ResultSet) core.ResultSet {
	out := make(core.ResultSet, len(rs))
	for k, v := range rs {
		out[k] = v
	}
	return out
}

// AssessmentPrompt asks the providers to compare the answers to original.
// Providers appear in sorted order.
func AssessmentPrompt(original string, results core.ResultSet) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original prompt: \"%s\"\n\n", original)
	sb.WriteString("Here are the responses from three different AI models:\n\n")
	for _, name := range results.Names() {
		r := results[name]
		fmt.Fprintf(&sb, "%s Response:\n", name)
		if !r.OK() {
			fmt.Fprintf(&sb, "[Error: %s]\n\n", r.Err)
		} else {
			sb.WriteString(r.Content + "\n\n")
		}
	}
	sb.WriteString("Please analyze and compare these responses.")
	return sb.String()
}

// Schema returns the JSON Schema of the conversation file format.
func Schema() string {
	return util.GenerateJSONSchema(&Conversation{}, schemaMapper)
}

func schemaMapper(t reflect.Type) *jsonschema.Schema {
	switch t {
	case reflect.TypeOf(Timestamp{}):
		return &jsonschema.Schema{Type: "string", Format: "date-time"}
	case reflect.TypeOf(core.Usage{}):
		props := jsonschema.NewProperties()
		for _, name := range []string{"prompt_tokens", "completion_tokens", "input_tokens", "output_tokens", "total_tokens"} {
			props.Set(name, &jsonschema.Schema{Type: "integer"})
		}
		return &jsonschema.Schema{Type: "object", Properties: props, Required: []string{"total_tokens"}}
	}
	return nil
}
