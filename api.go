// Package threemodels sends one conversation to several LLM vendors at once
// and collects their answers, blocking or streamed.
package threemodels

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mjbernaski/threemodels/internal/core"
)

type Provider = core.Provider
type Message = core.Message
type Role = core.Role
type Result = core.Result
type ResultSet = core.ResultSet
type Usage = core.Usage
type ChunkFunc = core.ChunkFunc
type SuccessFunc = core.SuccessFunc
type Observer = core.Observer

const (
	RoleSystem    = core.RoleSystem
	RoleUser      = core.RoleUser
	RoleAssistant = core.RoleAssistant
)

// CompleteSignal is sent as the provider name once a streaming dispatch has no
// provider left in flight.
const CompleteSignal = core.CompleteSignal

// Option allows functional configuration.
type Option func(*Dispatcher)

// WithLogger sets a custom slog logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithMaxRetries sets the attempts per provider for DispatchAll.
func WithMaxRetries(n int) Option { return func(d *Dispatcher) { d.maxRetries = n } }

// WithBaseDelay sets the first backoff delay; later delays double.
func WithBaseDelay(base time.Duration) Option { return func(d *Dispatcher) { d.baseDelay = base } }

// WithSuccessFunc sets the callback DispatchAll runs for each successful provider.
func WithSuccessFunc(fn SuccessFunc) Option { return func(d *Dispatcher) { d.onSuccess = fn } }

// WithObserver reports every completed result to o.
func WithObserver(o Observer) Option { return func(d *Dispatcher) { d.observer = o } }

// WithTracerProvider traces dispatches with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer(tracerName) }
}
