// Package statestore persists the module state document: one JSON object
// keyed by module name, always rewritten whole.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stellarlinkco/bennet/internal/config"
	"github.com/stellarlinkco/bennet/internal/errs"
)

// States maps module name to its saved state.
type States map[string]json.RawMessage

type Store interface {
	Load(ctx context.Context) (States, error)
	Save(ctx context.Context, states States) error
}

// File keeps the document in a JSON file.
type File struct {
	Path string
}

func NewFile(path string) *File { return &File{Path: path} }

func (f *File) Load(_ context.Context) (States, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return States{}, nil
	}
	if err != nil {
		return nil, errs.E(errs.ErrState, "load module states", err)
	}
	states := States{}
	if len(data) == 0 {
		return states, nil
	}
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, errs.E(errs.ErrState, "load module states", fmt.Errorf("parse %s: %w", f.Path, err))
	}
	return states, nil
}

func (f *File) Save(_ context.Context, states States) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return errs.E(errs.ErrState, "save module states", err)
	}
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return errs.E(errs.ErrState, "save module states", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.E(errs.ErrState, "save module states", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return errs.E(errs.ErrState, "save module states", err)
	}
	return nil
}

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// Redis keeps the document under a single key.
type Redis struct {
	client redisClient
	key    string
}

// NewRedis connects to cfg.Addr and pings it.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errs.E(errs.ErrState, "connect redis "+cfg.Addr, err)
	}
	return newRedis(client, cfg.Key), nil
}

func newRedis(client redisClient, key string) *Redis {
	if key == "" {
		key = config.DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

func (r *Redis) Load(ctx context.Context) (States, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return States{}, nil
	}
	if err != nil {
		return nil, errs.E(errs.ErrState, "load module states", err)
	}
	states := States{}
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, errs.E(errs.ErrState, "load module states", fmt.Errorf("parse key %s: %w", r.key, err))
	}
	return states, nil
}

func (r *Redis) Save(ctx context.Context, states States) error {
	data, err := json.Marshal(states)
	if err != nil {
		return errs.E(errs.ErrState, "save module states", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return errs.E(errs.ErrState, "save module states", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }

// Memory is an in-process Store, used by tests and when persistence is off.
type Memory struct {
	mu     sync.Mutex
	states States
	saves  int
}

func (m *Memory) Load(context.Context) (States, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := States{}
	for k, v := range m.states {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Save(_ context.Context, states States) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = States{}
	for k, v := range states {
		m.states[k] = v
	}
	m.saves++
	return nil
}

// Saves counts completed Save calls.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FromConfig picks the backend named by cfg.StateBackend.
func FromConfig(ctx context.Context, cfg config.ModulesConfig) (Store, error) {
	switch cfg.StateBackend {
	case "", "file":
		path := cfg.StatePath
		if path == "" {
			path = filepath.Join(config.ConfigDir(), "data", "module_states.json")
		}
		return NewFile(path), nil
	case "redis":
		return NewRedis(ctx, cfg.Redis)
	case "memory":
		return &Memory{}, nil
	default:
		return nil, errs.New(errs.ErrConfig, "select state backend", "unknown state backend %q", cfg.StateBackend)
	}
}
