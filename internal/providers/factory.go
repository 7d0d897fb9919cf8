package providers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	moderr "github.com/mjbernaski/threemodels/errors"
	"github.com/mjbernaski/threemodels/internal/config"
	"github.com/mjbernaski/threemodels/internal/core"
	"github.com/mjbernaski/threemodels/internal/providers/anthropic"
	"github.com/mjbernaski/threemodels/internal/providers/gemini"
	"github.com/mjbernaski/threemodels/internal/providers/openai"
)

// NewProvider builds the adapter for one config entry.
func NewProvider(pc config.ProviderConfig, hc *http.Client, logger *slog.Logger) (core.Provider, error) {
	switch pc.Kind {
	case "anthropic":
		return anthropic.New(pc, hc, logger), nil
	case "openai":
		return openai.New(pc, hc, logger), nil
	case "gemini":
		return gemini.New(pc, hc, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", moderr.ErrUnknownProvider, pc.Kind)
	}
}

// FromConfig validates credentials and builds every enabled provider.
// A nil hc gives each provider its own client whose configured timeout
// bounds the wait for response headers.
func FromConfig(cfg *config.Config, hc *http.Client, logger *slog.Logger) ([]core.Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	var out []core.Provider
	for _, np := range cfg.Enabled() {
		client := hc
		if client == nil {
			client = newHTTPClient(np.Timeout)
		}
		p, err := NewProvider(np.ProviderConfig, client, logger.With(slog.String("provider", np.Name)))
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", np.Key, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// newHTTPClient leaves http.Client.Timeout unset so a long streaming
// body is never cut off; the timeout only covers the wait for headers.
func newHTTPClient(timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: tr}
}
