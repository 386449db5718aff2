// Package alert delivers operator alerts. Callers hand over finished text and
// a category; delivery problems never flow back to them.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/bus"
	"github.com/stellarlinkco/bennet/internal/clock"
	"github.com/stellarlinkco/bennet/internal/logging"
)

// Categories used by the core.
const (
	CategoryModuleLoad = "module_load"
	CategoryModuleExec = "module_exec"
	CategoryProvider   = "provider"
	CategoryStorage    = "storage"
)

type Sink interface {
	Alert(ctx context.Context, category, text string) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, category, text string) error

func (f Func) Alert(ctx context.Context, category, text string) error { return f(ctx, category, text) }

// Notifier is what the core holds: a sink whose failures are already
// handled.
type Notifier interface {
	Notify(ctx context.Context, category, text string)
}

type safe struct {
	sink   Sink
	logger zerolog.Logger
}

// Safe wraps sink so that errors and panics are logged and swallowed. A nil
// sink only logs.
func Safe(sink Sink, logger zerolog.Logger) Notifier {
	return &safe{sink: sink, logger: logging.For(logger, "alert")}
}

func (s *safe) Notify(ctx context.Context, category, text string) {
	if s.sink == nil {
		s.logger.Warn().Str("category", category).Msg(text)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("category", category).Interface("panic", r).Msg("alert sink panicked")
		}
	}()
	if err := s.sink.Alert(ctx, category, text); err != nil {
		s.logger.Error().Err(err).Str("category", category).Msg("alert delivery failed")
	}
}

// LogSink writes alerts as warnings.
type LogSink struct {
	Logger zerolog.Logger
}

func (l LogSink) Alert(_ context.Context, category, text string) error {
	l.Logger.Warn().Str("category", category).Msg(text)
	return nil
}

// BusSink posts alerts to one chat through the message bus.
type BusSink struct {
	Bus     *bus.MessageBus
	Channel string
	ChatID  string
}

func (b BusSink) Alert(ctx context.Context, category, text string) error {
	if b.Bus == nil || b.ChatID == "" {
		return fmt.Errorf("bus sink: no admin chat configured")
	}
	return b.Bus.Publish(ctx, bus.OutboundMessage{
		Channel:  b.Channel,
		ChatID:   b.ChatID,
		Content:  fmt.Sprintf("⚠️ [%s] %s", category, text),
		Metadata: map[string]any{"alert_category": category},
	})
}

// Multi fans an alert out to every sink and returns the first error.
type Multi []Sink

func (m Multi) Alert(ctx context.Context, category, text string) error {
	var first error
	for _, s := range m {
		if err := s.Alert(ctx, category, text); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Throttle drops alerts of a category seen less than cooldown ago.
type Throttle struct {
	Sink     Sink
	Cooldown time.Duration
	Clock    clock.Clock

	mu   sync.Mutex
	last map[string]time.Time
}

func (t *Throttle) Alert(ctx context.Context, category, text string) error {
	c := t.Clock
	if c == nil {
		c = clock.Real()
	}
	now := c.Now()
	t.mu.Lock()
	if t.last == nil {
		t.last = make(map[string]time.Time)
	}
	if prev, ok := t.last[category]; ok && now.Sub(prev) < t.Cooldown {
		t.mu.Unlock()
		return nil
	}
	t.last[category] = now
	t.mu.Unlock()
	return t.Sink.Alert(ctx, category, text)
}
