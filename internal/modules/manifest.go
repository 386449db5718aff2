package modules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/errs"
	"gopkg.in/yaml.v3"
)

// reserved is the base definition file, never loaded as an instance.
var reserved = map[string]bool{"base.yaml": true, "base.yml": true}

// Manifest is one instance definition.
type Manifest struct {
	Name        string           `yaml:"-"`
	Path        string           `yaml:"-"`
	Kind        string           `yaml:"kind"`
	Kinds       []string         `yaml:"kinds,omitempty"`
	Description string           `yaml:"description,omitempty"`
	Trigger     *ManifestTrigger `yaml:"trigger,omitempty"`
	Config      map[string]any   `yaml:"config,omitempty"`
}

// ManifestTrigger overrides the trigger a kind declares. Interval is in
// seconds.
type ManifestTrigger struct {
	Type        string         `yaml:"type,omitempty"`
	Interval    int            `yaml:"interval,omitempty"`
	Cron        string         `yaml:"cron,omitempty"`
	EventType   string         `yaml:"event_type,omitempty"`
	EventConfig map[string]any `yaml:"event_config,omitempty"`
}

func isManifest(name string) bool {
	if strings.HasPrefix(name, "_") || reserved[name] {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Discover lists manifests in dir by instance name. It does not recurse.
// When x.yaml and x.yml both exist, x.yaml wins.
func Discover(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read modules dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isManifest(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	out := make(map[string]string, len(names))
	for _, n := range names {
		if _, ok := out[stem(n)]; ok {
			continue
		}
		out[stem(n)] = filepath.Join(dir, n)
	}
	return out, nil
}

// ReadManifest parses path. The manifest must name exactly one kind.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
	}
	m.Path = path
	m.Name = stem(filepath.Base(path))

	if len(m.Kinds) > 0 {
		if m.Kind != "" || len(m.Kinds) != 1 {
			return nil, fmt.Errorf("manifest %s: names %d kinds, want exactly one", m.Name, len(m.Kinds)+boolInt(m.Kind != ""))
		}
		m.Kind = m.Kinds[0]
	}
	m.Kind = strings.TrimSpace(m.Kind)
	if m.Kind == "" {
		return nil, fmt.Errorf("manifest %s: no module kind", m.Name)
	}
	return &m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// apply overlays the manifest trigger on t.
func (mt *ManifestTrigger) apply(t Trigger) Trigger {
	if mt == nil {
		return t
	}
	if mt.Type != "" {
		t.Type = TriggerType(mt.Type)
	}
	if mt.Interval > 0 {
		t.Interval = time.Duration(mt.Interval) * time.Second
		t.Cron = ""
	}
	if mt.Cron != "" {
		t.Cron = mt.Cron
	}
	if mt.EventType != "" {
		t.EventType = mt.EventType
	}
	if mt.EventConfig != nil {
		t.EventConfig = mt.EventConfig
	}
	return t
}

// Inspect reads the manifest at path and reports what loading it would run,
// without validating, initializing or starting the instance.
func Inspect(kinds *Kinds, path string) (Status, error) {
	if kinds == nil {
		kinds = DefaultKinds()
	}
	m, err := ReadManifest(path)
	if err != nil {
		return Status{}, err
	}
	st := Status{Name: m.Name, Kind: m.Kind, Description: m.Description}
	factory, ok := kinds.Lookup(m.Kind)
	if !ok {
		return st, errs.New(errs.ErrModuleNotFound, "lookup kind", "unknown module kind %q", m.Kind)
	}
	mod, err := construct(factory, Env{Name: m.Name, Kind: m.Kind, Config: m.Config, Logger: zerolog.Nop()})
	if err != nil {
		return st, err
	}
	info := mod.Info()
	if st.Description == "" {
		st.Description = info.Description
	}
	st.Author, st.Version = info.Author, info.Version

	trig := m.Trigger.apply(mod.Trigger())
	if _, err := resolveTrigger(&trig); err != nil {
		return st, err
	}
	st.TriggerType = trig.Type
	switch trig.Type {
	case TriggerEvent:
		st.EventType = trig.EventType
	default:
		st.Interval, st.Cron = trig.Interval, trig.Cron
	}
	return st, nil
}
