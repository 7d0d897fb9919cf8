package util

import (
	"log/slog"

	moderr "github.com/mjbernaski/threemodels/errors"
	"github.com/mjbernaski/threemodels/internal/core"
	"github.com/mjbernaski/threemodels/internal/providers/apierr"
)

// FinishStream turns the state of a finished or interrupted stream into a Result.
// Text received before a mid-stream failure is kept as a successful answer;
// a stream that ends cleanly without any text is a failure.
func FinishStream(logger *slog.Logger, provider, vendor, content string, usage *core.Usage, err error) core.Result {
	if err == nil {
		if content == "" {
			return core.Failure(provider, apierr.Classify(vendor, moderr.ErrEmptyResponse))
		}
		return core.Success(provider, content, usage)
	}
	if content != "" {
		if logger != nil {
			logger.Warn("stream interrupted, keeping partial content",
				slog.String("provider", provider),
				slog.Int("chars", len(content)),
				slog.String("error", err.Error()))
		}
		return core.Success(provider, content, usage)
	}
	return core.Failure(provider, apierr.Classify(vendor, err))
}
