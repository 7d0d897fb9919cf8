//go:build integration
// +build integration

package threemodels_test

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joho/godotenv"

	threemodels "github.com/mjbernaski/threemodels"
	"github.com/mjbernaski/threemodels/internal/config"
	"github.com/mjbernaski/threemodels/internal/providers"
)

// init loads the nearest .env so API keys need not be exported. Existing
// variables are not overwritten.
func init() {
	for _, p := range []string{".env", filepath.Join("..", ".env")} {
		if err := godotenv.Load(p); err == nil || !errors.Is(err, fs.ErrNotExist) {
			return
		}
	}
}

// liveConfig loads the default config and disables vendors without a key.
func liveConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	for key, p := range cfg.Providers {
		p.Disabled = p.APIKey == ""
		p.MaxTokens = 200
		cfg.Providers[key] = p
	}
	if len(cfg.Enabled()) == 0 {
		t.Skip("no provider API keys set; skipping integration test")
	}
	return cfg
}

func TestProvidersLive(t *testing.T) {
	cfg := liveConfig(t)
	for _, pc := range cfg.Enabled() {
		t.Run(pc.Name, func(t *testing.T) {
			p, err := providers.NewProvider(pc.ProviderConfig, &http.Client{Timeout: 60 * time.Second}, nil)
			if err != nil {
				t.Fatalf("NewProvider: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			msgs := []threemodels.Message{{Role: threemodels.RoleUser, Content: "Reply with the single word: pong"}}

			res := p.Send(ctx, msgs, nil)
			if !res.OK() || !strings.Contains(strings.ToLower(res.Content), "pong") {
				t.Fatalf("blocking result = %+v", res)
			}
			if res.Usage == nil || res.Usage.TotalTokens == 0 {
				t.Errorf("usage missing: %+v", res.Usage)
			}

			var fragments int
			res = p.Send(ctx, msgs, func(string, string) { fragments++ })
			if !res.OK() || fragments == 0 {
				t.Fatalf("streaming result = %+v after %d fragments", res, fragments)
			}
		})
	}
}

func TestDispatchAllLive(t *testing.T) {
	cfg := liveConfig(t)
	d, err := threemodels.NewFromConfig(*cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rs := d.DispatchAll(ctx, []threemodels.Message{{Role: threemodels.RoleUser, Content: "Name one prime number."}})
	if len(rs) != len(cfg.Enabled()) {
		t.Fatalf("results = %d, want %d", len(rs), len(cfg.Enabled()))
	}
	for name, r := range rs {
		if !r.OK() {
			t.Errorf("%s failed after %d attempts: %s", name, r.Attempts, r.Err)
		}
	}

	var completes int
	rs = d.DispatchAllStreaming(ctx, []threemodels.Message{{Role: threemodels.RoleUser, Content: "Count to three."}}, func(p, _ string) {
		if p == threemodels.CompleteSignal {
			completes++
		}
	})
	if completes != 1 || len(rs) != len(cfg.Enabled()) {
		t.Fatalf("completes = %d, results = %d", completes, len(rs))
	}
}
