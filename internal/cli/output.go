package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/mjbernaski/threemodels/internal/core"
)

func printResults(w io.Writer, rs core.ResultSet, heading string) {
	for _, name := range rs.Names() {
		r := rs[name]
		fmt.Fprintf(w, "\n=== %s %s ===\n", name, heading)
		if !r.OK() {
			fmt.Fprintf(w, "Error: %s\n", r.Err)
			continue
		}
		fmt.Fprintln(w, r.Content)
		if r.Usage != nil && r.Usage.TotalTokens > 0 {
			fmt.Fprintf(w, "\nTokens: %d\n", r.Usage.TotalTokens)
		}
	}
}

func progress(w io.Writer) core.SuccessFunc {
	return func(provider, _ string, elapsed time.Duration) {
		fmt.Fprintf(w, "✓ %s responded in %.2fs\n", provider, elapsed.Seconds())
	}
}

// streamPrinter writes fragments as they arrive, starting a labelled
// section whenever the speaking provider changes. Calls are serialized by
// the dispatcher.
type streamPrinter struct {
	w    io.Writer
	last string
}

func (p *streamPrinter) onChunk(provider, fragment string) {
	if provider == core.CompleteSignal {
		if p.last != "" {
			fmt.Fprintln(p.w)
		}
		fmt.Fprintln(p.w, "\nAll models finished.")
		p.last = ""
		return
	}
	if provider != p.last {
		if p.last != "" {
			fmt.Fprintln(p.w)
		}
		fmt.Fprintf(p.w, "\n--- %s ---\n", provider)
		p.last = provider
	}
	fmt.Fprint(p.w, fragment)
}

// allFailed reports whether no provider produced an answer.
func allFailed(rs core.ResultSet) bool {
	for _, r := range rs {
		if r.OK() {
			return false
		}
	}
	return true
}
