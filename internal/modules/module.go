// Package modules loads, supervises and hot-reloads background work units.
//
// A module kind is Go code registered with Register. A module instance is a
// YAML manifest in the modules directory naming one kind; the instance name
// is the manifest's file stem. The Registry runs every instance under the
// loop its trigger asks for, records failures per instance and round-trips
// instance state through a statestore.Store.
package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/clock"
	"github.com/stellarlinkco/bennet/internal/provider"
)

type TriggerType string

const (
	TriggerTime  TriggerType = "time"
	TriggerEvent TriggerType = "event"
)

const (
	DefaultInterval  = 300 * time.Second
	DefaultEventType = "webhook"
	DefaultVersion   = "1.0.0"
)

// Trigger says when the Registry runs a module. A time trigger fires every
// Interval, or on Cron when set. An event trigger is run once and waits on its
// own event source.
type Trigger struct {
	Type        TriggerType
	Interval    time.Duration
	Cron        string
	EventType   string
	EventConfig map[string]any
}

type Info struct {
	Name        string
	Description string
	Author      string
	Version     string
}

type Module interface {
	Info() Info
	Trigger() Trigger
	Initialize(ctx context.Context) error
	Run(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// ConfigValidator is implemented by modules that check their settings before
// Initialize. A non-nil error aborts the load.
type ConfigValidator interface {
	ValidateConfig() error
}

// StateSaver returns state to persist on unload. A nil result saves nothing.
type StateSaver interface {
	SaveState() (any, error)
}

// StateLoader receives the state saved by the previous instance.
type StateLoader interface {
	LoadState(data json.RawMessage) error
}

// Sender delivers text to the admin chat.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Completer is the provider gateway.
type Completer interface {
	Complete(ctx context.Context, req provider.Request) (*provider.Result, error)
}

// Conversation runs a turn through the context engine for chatID, so the
// exchange lands in that chat's history.
type Conversation interface {
	Converse(ctx context.Context, chatID, systemMessage, text string) (string, error)
}

// Env is what a factory gets to build an instance.
type Env struct {
	Name      string
	Kind      string
	Config    map[string]any
	Logger    zerolog.Logger
	Sender    Sender
	Completer Completer
	Chat      Conversation
	AdminChat string
	Clock     clock.Clock
}

// Int reads an integer setting, accepting YAML ints, JSON floats and numeric
// strings.
func (e Env) Int(key string, def int) int {
	switch v := e.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (e Env) String(key, def string) string {
	if v, ok := e.Config[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return def
}

func (e Env) Bool(key string, def bool) bool {
	switch v := e.Config[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Now is the Env clock's time, falling back to the wall clock.
func (e Env) Now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock.Now()
}
