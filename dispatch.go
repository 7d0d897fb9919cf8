package threemodels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	moderr "github.com/mjbernaski/threemodels/errors"
	"github.com/mjbernaski/threemodels/internal/config"
	"github.com/mjbernaski/threemodels/internal/core"
	provfactory "github.com/mjbernaski/threemodels/internal/providers"
	"github.com/mjbernaski/threemodels/internal/providers/retry"
)

// Dispatcher fans a conversation out to a fixed set of providers.
// It is safe for concurrent use.
type Dispatcher struct {
	providers  []Provider
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
	onSuccess  SuccessFunc
	observer   Observer
	tracer     trace.Tracer
}

const tracerName = "github.com/mjbernaski/threemodels"

// New builds a dispatcher over providers. Identifiers must be unique and
// must not equal CompleteSignal.
func New(providers []Provider, opts ...Option) (*Dispatcher, error) {
	def := retry.DefaultConfig()
	d := &Dispatcher{
		logger:     slog.Default(),
		maxRetries: def.MaxAttempts,
		baseDelay:  def.BaseDelay,
		tracer:     otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(d)
	}
	seen := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		name := p.Name()
		if name == "" || name == CompleteSignal {
			return nil, fmt.Errorf("%w: %q", moderr.ErrReservedName, name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %q", moderr.ErrDuplicateProvider, name)
		}
		seen[name] = struct{}{}
	}
	d.providers = append([]Provider(nil), providers...)
	return d, nil
}

// NewFromConfig builds the enabled providers of cfg and wraps them in a
// dispatcher. Dispatch settings from cfg apply before opts.
func NewFromConfig(cfg config.Config, opts ...Option) (*Dispatcher, error) {
	probe := &Dispatcher{logger: slog.Default()}
	for _, o := range opts {
		o(probe)
	}
	ps, err := provfactory.FromConfig(&cfg, nil, probe.logger)
	if err != nil {
		return nil, err
	}
	base := []Option{WithMaxRetries(cfg.Dispatch.MaxRetries)}
	if cfg.Dispatch.BaseDelay > 0 {
		base = append(base, WithBaseDelay(cfg.Dispatch.BaseDelay))
	}
	return New(ps, append(base, opts...)...)
}

// NewFromFile loads config via internal/config.Load and returns a Dispatcher.
func NewFromFile(opts ...Option) (*Dispatcher, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewFromConfig(*cfg, opts...)
}

// Providers returns the provider identifiers in registration order.
func (d *Dispatcher) Providers() []string {
	names := make([]string, len(d.providers))
	for i, p := range d.providers {
		names[i] = p.Name()
	}
	return names
}

// DispatchAll sends messages to every provider concurrently with the
// configured retry count and success callback.
func (d *Dispatcher) DispatchAll(ctx context.Context, messages []Message) ResultSet {
	return d.DispatchAllWith(ctx, messages, d.maxRetries, d.onSuccess)
}

// DispatchAllWith is DispatchAll with per-call retry count and callback.
// onSuccess never runs concurrently with itself.
func (d *Dispatcher) DispatchAllWith(ctx context.Context, messages []Message, maxRetries int, onSuccess SuccessFunc) ResultSet {
	cfg := retry.Config{MaxAttempts: maxRetries, BaseDelay: d.baseDelay, Logger: d.logger}

	var success SuccessFunc
	if onSuccess != nil {
		var mu sync.Mutex
		success = func(provider, content string, elapsed time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			onSuccess(provider, content, elapsed)
		}
	}

	ctx, span := d.startDispatch(ctx, core.ModeBlocking)
	defer span.End()

	results := make([]Result, len(d.providers))
	var g errgroup.Group
	for i, p := range d.providers {
		g.Go(func() error {
			pctx, pspan := d.startProvider(ctx, core.ModeBlocking, p.Name())
			results[i] = retry.CallWithRetry(pctx, p, messages, cfg, success)
			d.record(core.ModeBlocking, results[i], pspan)
			return nil
		})
	}
	_ = g.Wait()
	return d.collect(results)
}

// DispatchAllStreaming sends messages to every provider once, forwarding
// fragments to onChunk as they arrive. After the last provider finishes,
// onChunk receives (CompleteSignal, "") exactly once. onChunk calls are
// serialized; each provider's fragments keep their order.
func (d *Dispatcher) DispatchAllStreaming(ctx context.Context, messages []Message, onChunk ChunkFunc) ResultSet {
	var emitMu sync.Mutex
	emit := func(provider, fragment string) {
		if onChunk == nil {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		onChunk(provider, fragment)
	}

	if len(d.providers) == 0 {
		emit(CompleteSignal, "")
		return ResultSet{}
	}

	var pendingMu sync.Mutex
	pending := make(map[string]struct{}, len(d.providers))
	for _, p := range d.providers {
		pending[p.Name()] = struct{}{}
	}
	done := func(name string) {
		pendingMu.Lock()
		delete(pending, name)
		last := len(pending) == 0
		pendingMu.Unlock()
		if last {
			emit(CompleteSignal, "")
		}
	}

	ctx, span := d.startDispatch(ctx, core.ModeStreaming)
	defer span.End()

	results := make([]Result, len(d.providers))
	var g errgroup.Group
	for i, p := range d.providers {
		g.Go(func() error {
			defer done(p.Name())
			pctx, pspan := d.startProvider(ctx, core.ModeStreaming, p.Name())
			results[i] = retry.SendOnce(pctx, p, messages, emit)
			d.record(core.ModeStreaming, results[i], pspan)
			return nil
		})
	}
	_ = g.Wait()
	return d.collect(results)
}

func (d *Dispatcher) startDispatch(ctx context.Context, mode string) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("dispatch.mode", mode),
		attribute.Int("dispatch.providers", len(d.providers)),
	))
}

func (d *Dispatcher) startProvider(ctx context.Context, mode, name string) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, "provider "+name, trace.WithAttributes(
		attribute.String("llm.provider", name),
		attribute.String("dispatch.mode", mode),
	))
}

// record logs r, ends its span and reports it to the observer.
func (d *Dispatcher) record(mode string, r Result, span trace.Span) {
	defer span.End()
	attrs := []any{
		slog.String("provider", r.Provider),
		slog.String("mode", mode),
		slog.Int("attempts", r.Attempts),
		slog.Int64("latency_ms", int64(r.ResponseTime*1000)),
	}
	if !r.OK() {
		attrs = append(attrs, slog.String("error", r.Err))
	}
	if r.Usage != nil {
		attrs = append(attrs,
			slog.Int("input_tokens", r.Usage.InputTokens),
			slog.Int("output_tokens", r.Usage.OutputTokens),
			slog.Int("total_tokens", r.Usage.TotalTokens),
		)
	}
	d.logger.Info("llm call", attrs...)

	span.SetAttributes(attribute.Int("llm.attempts", r.Attempts))
	if r.Usage != nil {
		span.SetAttributes(attribute.Int("llm.total_tokens", r.Usage.TotalTokens))
	}
	if !r.OK() {
		span.SetStatus(codes.Error, r.Err)
	}
	if d.observer != nil {
		d.observer.ObserveResult(mode, r)
	}
}

// collect keys each slot by its provider's identifier.
func (d *Dispatcher) collect(results []Result) ResultSet {
	rs := make(ResultSet, len(results))
	for i, r := range results {
		name := d.providers[i].Name()
		r.Provider = name
		rs[name] = r
	}
	return rs
}
