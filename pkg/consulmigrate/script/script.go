// Package script loads migration scripts and exposes them as Up/Down pairs.
package script

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/arketec/migrate-consul/pkg/consulmigrate/engine"
	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

// Script is one migration. Both directions receive a client bound to the
// key/value store and the configured environment name.
type Script interface {
	Up(ctx context.Context, c *engine.Client, env string) error
	Down(ctx context.Context, c *engine.Client, env string) error
}

// Func is the signature of one direction of a Go migration.
type Func func(ctx context.Context, c *engine.Client, env string) error

// Funcs adapts a pair of functions to Script. A nil direction is a no-op.
type Funcs struct {
	UpFunc   Func
	DownFunc Func
}

// Up runs f.Up when set.
func (f Funcs) Up(ctx context.Context, c *engine.Client, env string) error {
	if f.UpFunc == nil {
		return nil
	}
	return f.UpFunc(ctx, c, env)
}

// Down runs f.Down when set.
func (f Funcs) Down(ctx context.Context, c *engine.Client, env string) error {
	if f.DownFunc == nil {
		return nil
	}
	return f.DownFunc(ctx, c, env)
}

// Loader turns a script file into a Script.
type Loader interface {
	Load(name string, source []byte) (Script, error)
}

// Registry holds Go migrations keyed by file name.
type Registry struct {
	mu      sync.RWMutex
	scripts map[string]Script
}

// NewRegistry создаёт пустой реестр Go-миграций.
// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{scripts: make(map[string]Script)}
}

// Register adds s under name. Registering a name twice is an error.
func (r *Registry) Register(name string, s Script) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scripts[name]; ok {
		return merrors.New(merrors.EInvalidOperation, "script %s registered twice", name)
	}
	r.scripts[name] = s
	return nil
}

// Load returns the script registered under name. The source is ignored.
func (r *Registry) Load(name string, _ []byte) (Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[name]
	if !ok {
		return nil, merrors.New(merrors.EInvalidOperation, "no script registered for %s", name)
	}
	return s, nil
}

// Names returns the registered names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scripts))
	for n := range r.scripts {
		names = append(names, n)
	}
	return names
}

// Default is the registry Go migrations add themselves to from init.
var Default = NewRegistry()

// Register adds s to Default and panics on a duplicate, like database/sql
// driver registration.
func Register(name string, s Script) {
	if err := Default.Register(name, s); err != nil {
		panic(err)
	}
}

// MultiLoader picks a Loader by file extension.
type MultiLoader struct {
	byExt    map[string]Loader
	fallback Loader
}

// NewMultiLoader выбирает загрузчик по расширению файла.
// NewMultiLoader returns a loader that falls back to fallback for unknown
// extensions. fallback may be nil.
func NewMultiLoader(fallback Loader) *MultiLoader {
	return &MultiLoader{byExt: make(map[string]Loader), fallback: fallback}
}

// Handle routes files ending in ext (".js") to l.
func (m *MultiLoader) Handle(ext string, l Loader) *MultiLoader {
	m.byExt[strings.ToLower(ext)] = l
	return m
}

// Load uses the loader for name's extension, or the fallback.
func (m *MultiLoader) Load(name string, source []byte) (Script, error) {
	if l, ok := m.byExt[strings.ToLower(filepath.Ext(name))]; ok {
		return l.Load(name, source)
	}
	if m.fallback == nil {
		return nil, merrors.New(merrors.EInvalidOperation, "no loader for %s", name)
	}
	return m.fallback.Load(name, source)
}
