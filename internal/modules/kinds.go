package modules

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds one instance of a kind.
type Factory func(env Env) (Module, error)

// Kinds is a table of registered module kinds.
type Kinds struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewKinds() *Kinds {
	return &Kinds{factories: make(map[string]Factory)}
}

// Register adds kind. Registering a name twice is an error.
func (k *Kinds) Register(kind string, f Factory) error {
	if kind == "" || f == nil {
		return fmt.Errorf("register module kind: empty name or nil factory")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, dup := k.factories[kind]; dup {
		return fmt.Errorf("register module kind %q: already registered", kind)
	}
	k.factories[kind] = f
	return nil
}

func (k *Kinds) Lookup(kind string) (Factory, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	f, ok := k.factories[kind]
	return f, ok
}

// Names returns the registered kinds, sorted.
func (k *Kinds) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.factories))
	for n := range k.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var defaultKinds = NewKinds()

// DefaultKinds is the table Register writes to.
func DefaultKinds() *Kinds { return defaultKinds }

func Register(kind string, f Factory) error { return defaultKinds.Register(kind, f) }

// MustRegister is Register for init functions.
func MustRegister(kind string, f Factory) {
	if err := Register(kind, f); err != nil {
		panic(err)
	}
}
