// Package testutil provides scripted providers for dispatch, retry and server tests.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mjbernaski/threemodels/internal/core"
)

// Outcome is one scripted response of a FakeProvider.
type Outcome struct {
	Content string
	Err     string
	Panic   any
	Usage   *core.Usage
	Chunks  []string
	Delay   time.Duration
}

// FakeProvider replays Outcomes in order; the last one repeats once the script runs out.
type FakeProvider struct {
	ID     string
	Script []Outcome

	mu       sync.Mutex
	calls    int
	received [][]core.Message
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func NewFake(id string, script ...Outcome) *FakeProvider {
	return &FakeProvider{ID: id, Script: script}
}

// Succeeds returns a provider that answers content on every call.
func Succeeds(id, content string) *FakeProvider {
	return NewFake(id, Outcome{Content: content})
}

// FailsThenSucceeds fails k times and then answers content.
func FailsThenSucceeds(id string, k int, content string) *FakeProvider {
	script := make([]Outcome, 0, k+1)
	for i := 0; i < k; i++ {
		script = append(script, Outcome{Err: "Rate limited (429): scripted"})
	}
	return NewFake(id, append(script, Outcome{Content: content})...)
}

// AlwaysFails fails on every call.
func AlwaysFails(id, msg string) *FakeProvider {
	return NewFake(id, Outcome{Err: msg})
}

func (f *FakeProvider) Name() string { return f.ID }

func (f *FakeProvider) Send(ctx context.Context, messages []core.Message, onChunk core.ChunkFunc) core.Result {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.received = append(f.received, messages)
	f.mu.Unlock()

	var o Outcome
	if len(f.Script) > 0 {
		if idx >= len(f.Script) {
			idx = len(f.Script) - 1
		}
		o = f.Script[idx]
	}
	if o.Delay > 0 {
		select {
		case <-ctx.Done():
			return core.Failure(f.ID, ctx.Err().Error())
		case <-time.After(o.Delay):
		}
	}
	if o.Panic != nil {
		panic(o.Panic)
	}
	if o.Err != "" {
		return core.Failure(f.ID, o.Err)
	}
	content := o.Content
	if onChunk != nil && len(o.Chunks) > 0 {
		content = ""
		for _, c := range o.Chunks {
			content += c
			onChunk(f.ID, c)
		}
	}
	return core.Success(f.ID, content, o.Usage)
}

// Calls reports how many times Send ran.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Received returns the message slices passed to each Send call.
func (f *FakeProvider) Received() [][]core.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]core.Message(nil), f.received...)
}

// MaxConcurrent is the highest number of simultaneous Send calls observed.
func (f *FakeProvider) MaxConcurrent() int { return int(f.maxSeen.Load()) }
