package threemodels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	moderr "github.com/mjbernaski/threemodels/errors"
	"github.com/mjbernaski/threemodels/internal/config"
	"github.com/mjbernaski/threemodels/internal/testutil"
)

type recordingObserver struct {
	mu    sync.Mutex
	modes []string
	seen  map[string]Result
}

func (o *recordingObserver) ObserveResult(mode string, r Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seen == nil {
		o.seen = map[string]Result{}
	}
	o.modes = append(o.modes, mode)
	o.seen[r.Provider] = r
}

func TestNewValidatesIdentifiers(t *testing.T) {
	tests := []struct {
		name  string
		names []string
		want  error
	}{
		{"unique", []string{"A", "B"}, nil},
		{"duplicate", []string{"A", "A"}, moderr.ErrDuplicateProvider},
		{"reserved", []string{"A", CompleteSignal}, moderr.ErrReservedName},
		{"empty", []string{""}, moderr.ErrReservedName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ps []Provider
			for _, n := range tt.names {
				ps = append(ps, testutil.Succeeds(n, "x"))
			}
			_, err := New(ps)
			if !errors.Is(err, tt.want) {
				t.Fatalf("New(%v) error = %v, want %v", tt.names, err, tt.want)
			}
		})
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Config{
		Providers: map[string]config.ProviderConfig{
			"anthropic": {Name: "Anthropic", Kind: "anthropic", APIKeyEnv: []string{"ANTHROPIC_API_KEY"}},
			"openai":    {Name: "OpenAI", Kind: "openai", APIKey: "o"},
		},
		Dispatch: config.DispatchConfig{MaxRetries: 5, BaseDelay: 10 * time.Millisecond},
	}
	_, err := NewFromConfig(cfg)
	var ce *moderr.ConfigError
	if !errors.As(err, &ce) || len(ce.Missing) != 1 || ce.Missing[0] != "ANTHROPIC_API_KEY" {
		t.Fatalf("expected missing ANTHROPIC_API_KEY, got %v", err)
	}

	p := cfg.Providers["anthropic"]
	p.APIKey = "a"
	cfg.Providers["anthropic"] = p
	d, err := NewFromConfig(cfg, WithMaxRetries(2))
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if got := strings.Join(d.Providers(), ","); got != "Anthropic,OpenAI" {
		t.Errorf("providers = %s", got)
	}
	if d.maxRetries != 2 || d.baseDelay != 10*time.Millisecond {
		t.Errorf("options should override config: retries=%d delay=%v", d.maxRetries, d.baseDelay)
	}
}

// A succeeds at once, B fails twice before succeeding, C never succeeds.
func TestDispatchAllScenario(t *testing.T) {
	a := testutil.Succeeds("A", "alpha")
	b := testutil.FailsThenSucceeds("B", 2, "bravo")
	c := testutil.AlwaysFails("C", "C API error: down")
	obs := &recordingObserver{}

	var mu sync.Mutex
	succeeded := map[string]string{}
	d, err := New([]Provider{a, b, c},
		WithMaxRetries(3),
		WithBaseDelay(10*time.Millisecond),
		WithObserver(obs),
		WithSuccessFunc(func(provider, content string, _ time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			succeeded[provider] = content
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	rs := d.DispatchAll(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	elapsed := time.Since(start)

	if len(rs) != 3 {
		t.Fatalf("expected 3 results, got %d", len(rs))
	}
	tests := []struct {
		name     string
		ok       bool
		content  string
		attempts int
	}{
		{"A", true, "alpha", 1},
		{"B", true, "bravo", 3},
		{"C", false, "", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rs[tt.name]
			if r.OK() != tt.ok || r.Content != tt.content || r.Attempts != tt.attempts {
				t.Fatalf("result = %+v", r)
			}
			if !tt.ok && r.Err != "C API error: down" {
				t.Errorf("last failure should be kept verbatim, got %q", r.Err)
			}
		})
	}
	if len(succeeded) != 2 || succeeded["A"] != "alpha" || succeeded["B"] != "bravo" {
		t.Errorf("success callbacks = %v", succeeded)
	}
	// C waits 10ms + 20ms between its three attempts.
	if elapsed < 30*time.Millisecond {
		t.Errorf("dispatch returned after %v, before C exhausted its backoff", elapsed)
	}
	if len(obs.seen) != 3 || obs.modes[0] != "blocking" {
		t.Errorf("observer saw %v", obs.modes)
	}
}

// Each provider sleeps 50ms + 100ms between attempts; run one after another
// that would take four times as long.
func TestDispatchAllBackoffsOverlap(t *testing.T) {
	const n = 4
	ps := make([]Provider, n)
	for i := range ps {
		ps[i] = testutil.AlwaysFails(fmt.Sprintf("P%d", i), "down")
	}
	d, err := New(ps, WithMaxRetries(3), WithBaseDelay(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	rs := d.DispatchAll(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	elapsed := time.Since(start)

	if len(rs) != n {
		t.Fatalf("expected %d results, got %d", n, len(rs))
	}
	for name, r := range rs {
		if r.OK() || r.Attempts != 3 {
			t.Errorf("%s: result = %+v", name, r)
		}
	}
	perProvider := 150 * time.Millisecond
	if elapsed < perProvider {
		t.Errorf("dispatch returned after %v, before backoff finished", elapsed)
	}
	if elapsed >= 2*perProvider {
		t.Errorf("dispatch took %v; backoffs did not run concurrently", elapsed)
	}
}

func TestDispatchAllForwardsEmptyMessages(t *testing.T) {
	a := testutil.Succeeds("A", "ok")
	d, err := New([]Provider{a})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rs := d.DispatchAll(context.Background(), nil)
	if !rs["A"].OK() {
		t.Fatalf("result = %+v", rs["A"])
	}
	got := a.Received()
	if len(got) != 1 || len(got[0]) != 0 {
		t.Fatalf("expected one call with no messages, got %v", got)
	}
}

func TestDispatchAllRunsProvidersConcurrently(t *testing.T) {
	var ps []Provider
	for i := 0; i < 3; i++ {
		ps = append(ps, testutil.NewFake(fmt.Sprintf("P%d", i), testutil.Outcome{Content: "x", Delay: 50 * time.Millisecond}))
	}
	d, _ := New(ps)
	start := time.Now()
	d.DispatchAll(context.Background(), nil)
	if elapsed := time.Since(start); elapsed > 140*time.Millisecond {
		t.Fatalf("three 50ms providers took %v; expected them to overlap", elapsed)
	}
}

func TestSuccessCallbackSerialized(t *testing.T) {
	var ps []Provider
	for i := 0; i < 5; i++ {
		ps = append(ps, testutil.Succeeds(fmt.Sprintf("P%d", i), "x"))
	}
	var inside, overlap, calls atomic.Int32
	d, _ := New(ps, WithSuccessFunc(func(string, string, time.Duration) {
		if inside.Add(1) > 1 {
			overlap.Store(1)
		}
		time.Sleep(5 * time.Millisecond)
		inside.Add(-1)
		calls.Add(1)
	}))
	d.DispatchAll(context.Background(), nil)
	if calls.Load() != 5 {
		t.Fatalf("expected 5 callbacks, got %d", calls.Load())
	}
	if overlap.Load() != 0 {
		t.Fatal("success callback ran concurrently with itself")
	}
}

func TestDispatchAllWithOverrides(t *testing.T) {
	c := testutil.AlwaysFails("C", "nope")
	d, _ := New([]Provider{c}, WithMaxRetries(5), WithBaseDelay(time.Millisecond))
	rs := d.DispatchAllWith(context.Background(), nil, 2, nil)
	if rs["C"].Attempts != 2 || c.Calls() != 2 {
		t.Fatalf("expected 2 attempts, got %+v (%d calls)", rs["C"], c.Calls())
	}
}

func TestDispatchAllProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 5).Draw(rt, "providers")
		maxRetries := rapid.IntRange(1, 4).Draw(rt, "maxRetries")
		failures := make([]int, n)
		ps := make([]Provider, n)
		for i := range ps {
			failures[i] = rapid.IntRange(0, 5).Draw(rt, fmt.Sprintf("failures%d", i))
			ps[i] = testutil.FailsThenSucceeds(fmt.Sprintf("P%d", i), failures[i], "done")
		}
		d, err := New(ps, WithMaxRetries(maxRetries), WithBaseDelay(time.Microsecond))
		if err != nil {
			rt.Fatalf("New: %v", err)
		}
		rs := d.DispatchAll(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
		if len(rs) != n {
			rt.Fatalf("len(results) = %d, want %d", len(rs), n)
		}
		for i, k := range failures {
			r := rs[fmt.Sprintf("P%d", i)]
			if r.Attempts < 1 || r.Attempts > maxRetries {
				rt.Fatalf("attempts %d outside [1,%d]", r.Attempts, maxRetries)
			}
			if k < maxRetries {
				if !r.OK() || r.Attempts != k+1 {
					rt.Fatalf("P%d: %d failures, want success on attempt %d, got %+v", i, k, k+1, r)
				}
			} else if r.OK() || r.Attempts != maxRetries {
				rt.Fatalf("P%d: %d failures, want failure after %d attempts, got %+v", i, k, maxRetries, r)
			}
		}
	})
}

func TestDispatchAllStreaming(t *testing.T) {
	a := testutil.NewFake("A", testutil.Outcome{Chunks: []string{"a1", "a2", "a3"}})
	b := testutil.NewFake("B", testutil.Outcome{Chunks: []string{"b1", "b2"}, Delay: 20 * time.Millisecond})
	c := testutil.NewFake("C", testutil.Outcome{Panic: "stream torn"})
	obs := &recordingObserver{}
	d, _ := New([]Provider{a, b, c}, WithObserver(obs))

	type call struct{ provider, fragment string }
	var (
		mu    sync.Mutex
		calls []call
	)
	var inside, overlap atomic.Int32
	rs := d.DispatchAllStreaming(context.Background(), nil, func(provider, fragment string) {
		if inside.Add(1) > 1 {
			overlap.Store(1)
		}
		defer inside.Add(-1)
		mu.Lock()
		calls = append(calls, call{provider, fragment})
		mu.Unlock()
	})

	if overlap.Load() != 0 {
		t.Fatal("chunk callback ran concurrently with itself")
	}
	if len(calls) == 0 || calls[len(calls)-1] != (call{CompleteSignal, ""}) {
		t.Fatalf("last callback should be the completion signal, got %v", calls)
	}
	per := map[string][]string{}
	sentinels := 0
	for _, cl := range calls {
		if cl.provider == CompleteSignal {
			sentinels++
			continue
		}
		per[cl.provider] = append(per[cl.provider], cl.fragment)
	}
	if sentinels != 1 {
		t.Fatalf("completion signal fired %d times", sentinels)
	}
	if strings.Join(per["A"], ",") != "a1,a2,a3" || strings.Join(per["B"], ",") != "b1,b2" {
		t.Fatalf("fragments out of order: %v", per)
	}

	if rs["A"].Content != "a1a2a3" || rs["B"].Content != "b1b2" {
		t.Errorf("accumulated content = %q / %q", rs["A"].Content, rs["B"].Content)
	}
	if rs["C"].OK() || !strings.Contains(rs["C"].Err, "stream torn") {
		t.Errorf("panicking provider should fail, got %+v", rs["C"])
	}
	for name, r := range rs {
		if r.Attempts != 1 {
			t.Errorf("%s attempts = %d, streaming never retries", name, r.Attempts)
		}
	}
	if c.Calls() != 1 {
		t.Errorf("C called %d times", c.Calls())
	}
	if len(obs.modes) != 3 || obs.modes[0] != "streaming" {
		t.Errorf("observer modes = %v", obs.modes)
	}
}

func TestDispatchAllStreamingNoProviders(t *testing.T) {
	d, _ := New(nil)
	var got []string
	rs := d.DispatchAllStreaming(context.Background(), nil, func(provider, _ string) {
		got = append(got, provider)
	})
	if len(rs) != 0 {
		t.Fatalf("expected empty result set, got %v", rs)
	}
	if len(got) != 1 || got[0] != CompleteSignal {
		t.Fatalf("expected the completion signal immediately, got %v", got)
	}
}

func TestDispatchAllStreamingSentinelProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(rt, "providers")
		ps := make([]Provider, n)
		for i := range ps {
			chunks := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,3}`), 0, 4).Draw(rt, fmt.Sprintf("chunks%d", i))
			if rapid.Bool().Draw(rt, fmt.Sprintf("fail%d", i)) {
				ps[i] = testutil.AlwaysFails(fmt.Sprintf("P%d", i), "x")
				continue
			}
			ps[i] = testutil.NewFake(fmt.Sprintf("P%d", i), testutil.Outcome{Chunks: chunks})
		}
		d, _ := New(ps)
		var (
			mu   sync.Mutex
			seen []string
		)
		rs := d.DispatchAllStreaming(context.Background(), nil, func(provider, _ string) {
			mu.Lock()
			seen = append(seen, provider)
			mu.Unlock()
		})
		if len(rs) != n {
			rt.Fatalf("len(results) = %d, want %d", len(rs), n)
		}
		count := 0
		for _, p := range seen {
			if p == CompleteSignal {
				count++
			}
		}
		if count != 1 || seen[len(seen)-1] != CompleteSignal {
			rt.Fatalf("completion signal must fire once, last: %v", seen)
		}
	})
}
