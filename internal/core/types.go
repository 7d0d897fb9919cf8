package core

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// CompleteSignal is passed as the provider name to a ChunkFunc once every
// provider of a streaming dispatch has finished. It is never a valid identifier.
const CompleteSignal = "_complete_"

// Provider is implemented by vendor adapters.
// Send never returns an error: failures are reported as a Result with Err set.
type Provider interface {
	Name() string
	Send(ctx context.Context, messages []Message, onChunk ChunkFunc) Result
}

// ChunkFunc receives streamed fragments in arrival order.
type ChunkFunc func(provider, fragment string)

// SuccessFunc is invoked once per provider that produced a successful result.
type SuccessFunc func(provider, content string, elapsed time.Duration)

const (
	ModeBlocking  = "blocking"
	ModeStreaming = "streaming"
)

// Observer receives every completed provider result of a dispatch.
// Implementations must be safe for concurrent use.
type Observer interface {
	ObserveResult(mode string, r Result)
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Result is the envelope shared by every provider. A non-empty Err marks a failure.
type Result struct {
	Provider     string  `json:"model"`
	Content      string  `json:"content,omitempty"`
	Err          string  `json:"error,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
	ResponseTime float64 `json:"response_time,omitempty"`
	Attempts     int     `json:"attempts,omitempty"`
}

// Success builds a successful result.
func Success(provider, content string, usage *Usage) Result {
	return Result{Provider: provider, Content: content, Usage: usage}
}

// Failure builds a failed result.
func Failure(provider, msg string) Result {
	return Result{Provider: provider, Err: msg}
}

func (r Result) OK() bool { return r.Err == "" }

// ResultSet maps provider identifier to its result for one dispatch.
type ResultSet map[string]Result

// Names returns the provider identifiers in sorted order.
func (rs ResultSet) Names() []string {
	names := make([]string, 0, len(rs))
	for n := range rs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// UsageNaming records which field names a provider family uses for token counts.
type UsageNaming string

const (
	NamingPromptCompletion UsageNaming = "prompt_completion"
	NamingInputOutput      UsageNaming = "input_output"
)

// Usage is the token triple every provider family reduces to.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Naming       UsageNaming
}

// NewUsage keeps TotalTokens equal to in + out whenever either count is
// known; the reported total is used only when both are zero.
func NewUsage(naming UsageNaming, in, out, total int) *Usage {
	if in+out > 0 {
		total = in + out
	}
	return &Usage{InputTokens: in, OutputTokens: out, TotalTokens: total, Naming: naming}
}

type usageWire struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	InputTokens      *int `json:"input_tokens,omitempty"`
	OutputTokens     *int `json:"output_tokens,omitempty"`
	TotalTokens      int  `json:"total_tokens"`
}

func (u Usage) MarshalJSON() ([]byte, error) {
	in, out := u.InputTokens, u.OutputTokens
	w := usageWire{TotalTokens: u.TotalTokens}
	if u.Naming == NamingInputOutput {
		w.InputTokens, w.OutputTokens = &in, &out
	} else {
		w.PromptTokens, w.CompletionTokens = &in, &out
	}
	return json.Marshal(w)
}

func (u *Usage) UnmarshalJSON(b []byte) error {
	var w usageWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*u = Usage{TotalTokens: w.TotalTokens, Naming: NamingPromptCompletion}
	if w.InputTokens != nil || w.OutputTokens != nil {
		u.Naming = NamingInputOutput
		u.InputTokens = deref(w.InputTokens)
		u.OutputTokens = deref(w.OutputTokens)
		return nil
	}
	u.InputTokens = deref(w.PromptTokens)
	u.OutputTokens = deref(w.CompletionTokens)
	return nil
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
