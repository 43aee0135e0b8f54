// Package config resolves reporter settings from property files,
// programmatic overrides and the environment.
//
// Every key is looked up in this order, first non-empty value wins:
//
//  1. property DBREPORTER_<KEY>
//  2. environment DBREPORTER_<KEY>
//  3. property <KEY>
//  4. environment <KEY>
//  5. the default
//
// Properties stand in for JVM-style system properties: they come from the
// file named by DBREPORTER_CONFIG (YAML or TOML) and from Properties.Set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	Prefix = "DBREPORTER_"

	// ConfigFileEnv names the property file to load.
	ConfigFileEnv = Prefix + "CONFIG"
)

// Source is a key/value lookup.
type Source interface {
	Lookup(key string) (string, bool)
}

// Env reads the process environment.
type Env struct{}

func (Env) Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Properties is an in-memory property set, safe for concurrent use.
type Properties struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewProperties() *Properties {
	return &Properties{values: make(map[string]string)}
}

func (p *Properties) Set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

func (p *Properties) Lookup(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// LoadFile merges a flat YAML or TOML document into p. The format is picked
// from the file extension; scalar values are stored in their string form.
func (p *Properties) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read property file: %w", err)
	}
	raw := make(map[string]any)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		return fmt.Errorf("unsupported property file extension '%s'", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to parse property file %s: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range raw {
		switch v.(type) {
		case map[string]any, []any:
			return fmt.Errorf("property '%s' must be a scalar", k)
		}
		p.values[k] = fmt.Sprint(v)
	}
	return nil
}

// Resolver applies the lookup precedence over properties and environment.
type Resolver struct {
	props Source
	env   Source
}

func NewResolver(props Source, env Source) *Resolver {
	if props == nil {
		props = NewProperties()
	}
	if env == nil {
		env = Env{}
	}
	return &Resolver{props: props, env: env}
}

// DefaultResolver reads the environment and, when DBREPORTER_CONFIG is set,
// the property file it names.
func DefaultResolver() (*Resolver, error) {
	props := NewProperties()
	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := props.LoadFile(path); err != nil {
			return nil, err
		}
	}
	return NewResolver(props, Env{}), nil
}

// Get returns the first non-empty value for key, or "".
func (r *Resolver) Get(key string) string {
	return r.GetOr(key, "")
}

// GetOr returns the first non-empty value for key, or def.
func (r *Resolver) GetOr(key, def string) string {
	for _, lookup := range []struct {
		src Source
		key string
	}{
		{r.props, Prefix + key},
		{r.env, Prefix + key},
		{r.props, key},
		{r.env, key},
	} {
		if v, ok := lookup.src.Lookup(lookup.key); ok && v != "" {
			return v
		}
	}
	return def
}

// GetPrefixed only consults the prefixed forms of key. It is used for
// settings whose bare names (USER, PWD, PORT) collide with common shell
// variables.
func (r *Resolver) GetPrefixed(key, def string) string {
	for _, src := range []Source{r.props, r.env} {
		if v, ok := src.Lookup(Prefix + key); ok && v != "" {
			return v
		}
	}
	return def
}
