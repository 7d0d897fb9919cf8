package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mjbernaski/threemodels/internal/core"
)

// Config holds retry configuration parameters
type Config struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	Logger      *slog.Logger  `json:"-"`
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}
}

// Backoff is the wait before retrying after the attempt with the given
// zero-based index: base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(2, float64(attempt)))
}

// CallWithRetry sends messages to p up to cfg.MaxAttempts times. A failed
// result and a panic inside Send are both retried. ResponseTime always
// measures from the first attempt. onSuccess runs at most once.
func CallWithRetry(ctx context.Context, p core.Provider, messages []core.Message, cfg Config, onSuccess core.SuccessFunc) core.Result {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := p.Name()
	start := time.Now()

	var last core.Result
	attempts := 0
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		attempts = attempt + 1
		res, panicErr := safeSend(ctx, p, messages, nil)
		elapsed := time.Since(start)

		if panicErr == nil && res.OK() {
			if res.Provider == "" {
				res.Provider = name
			}
			if onSuccess != nil {
				onSuccess(name, res.Content, elapsed)
			}
			res.ResponseTime = elapsed.Seconds()
			res.Attempts = attempts
			return res
		}

		if panicErr != nil {
			last = core.Failure(name, fmt.Sprintf("Failed after %d attempts: %v", attempts, panicErr))
		} else {
			last = res
			if last.Provider == "" {
				last.Provider = name
			}
		}
		if attempts == cfg.MaxAttempts {
			break
		}

		delay := Backoff(cfg.BaseDelay, attempt)
		logger.Warn("provider attempt failed, retrying",
			slog.String("provider", name),
			slog.Int("attempt", attempts),
			slog.Duration("delay", delay),
			slog.String("error", truncate(last.Err, 80)),
		)
		select {
		case <-ctx.Done():
			last.ResponseTime = time.Since(start).Seconds()
			last.Attempts = attempts
			return last
		case <-time.After(delay):
		}
	}

	last.ResponseTime = time.Since(start).Seconds()
	last.Attempts = attempts
	return last
}

// SendOnce makes a single attempt with onChunk, used for streaming where
// replaying fragments would duplicate output. A panic becomes a Failure.
func SendOnce(ctx context.Context, p core.Provider, messages []core.Message, onChunk core.ChunkFunc) core.Result {
	name := p.Name()
	start := time.Now()
	res, panicErr := safeSend(ctx, p, messages, onChunk)
	if panicErr != nil {
		res = core.Failure(name, fmt.Sprintf("Failed after 1 attempts: %v", panicErr))
	}
	if res.Provider == "" {
		res.Provider = name
	}
	res.ResponseTime = time.Since(start).Seconds()
	res.Attempts = 1
	return res
}

func safeSend(ctx context.Context, p core.Provider, messages []core.Message, onChunk core.ChunkFunc) (res core.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return p.Send(ctx, messages, onChunk), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
